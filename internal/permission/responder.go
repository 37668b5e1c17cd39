package permission

import (
	"sync"

	"github.com/rs/zerolog"

	"github.com/raven2cz/avatar-engine-sub000/internal/event"
	"github.com/raven2cz/avatar-engine-sub000/internal/logging"
)

// Answerer sends a permission response. *chat.Orchestrator implements it.
type Answerer interface {
	RespondPermission(requestID, optionID string, cancelled bool) bool
}

// Responder answers permission.requested events covered by its rules.
type Responder struct {
	rules  Rules
	answer Answerer
	log    zerolog.Logger
	wg     sync.WaitGroup
}

// NewResponder creates a Responder.
func NewResponder(rules Rules, answer Answerer) *Responder {
	return &Responder{
		rules:  rules,
		answer: answer,
		log:    logging.Component("permission"),
	}
}

// Attach subscribes to bus. The returned function unsubscribes and waits
// for answers still being sent.
func (r *Responder) Attach(bus *event.Bus) func() {
	unsub := bus.Subscribe(event.PermissionRequested, func(e event.Event) {
		data, ok := e.Data.(event.PermissionRequestedData)
		if !ok {
			return
		}
		req := data.Request
		decision, ok := r.rules.Decide(req)
		if !ok {
			return
		}
		// Events are delivered while the orchestrator publishes, so the
		// answer goes out on its own goroutine.
		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			sent := r.answer.RespondPermission(req.RequestID, decision.OptionID, decision.Cancelled)
			r.log.Info().
				Str("request_id", req.RequestID).
				Str("tool", req.ToolName).
				Str("option_id", decision.OptionID).
				Bool("cancelled", decision.Cancelled).
				Bool("sent", sent).
				Msg("answered permission request")
		}()
	})
	return func() {
		unsub()
		r.wg.Wait()
	}
}
