package chat

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/raven2cz/avatar-engine-sub000/internal/event"
	"github.com/raven2cz/avatar-engine-sub000/pkg/avatar"
	"github.com/raven2cz/avatar-engine-sub000/pkg/client"
	"github.com/raven2cz/avatar-engine-sub000/pkg/protocol"
)

// fakeTransport records what the orchestrator asks of the connection and
// lets tests deliver server messages synchronously.
type fakeTransport struct {
	mu          sync.Mutex
	open        bool
	sent        []protocol.Envelope
	dispatched  []avatar.Action
	fenceResets int
	connects    int
	disconnects int
	state       avatar.State
	handlers    map[int]client.Handler
	nextID      int
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		open:     true,
		state:    avatar.InitialState(),
		handlers: make(map[int]client.Handler),
	}
}

func (f *fakeTransport) Connect() {
	f.mu.Lock()
	f.connects++
	f.mu.Unlock()
}

func (f *fakeTransport) Disconnect() {
	f.mu.Lock()
	f.disconnects++
	f.open = false
	f.mu.Unlock()
}

func (f *fakeTransport) Send(msgType string, data any) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.open {
		return false
	}
	env, err := protocol.NewEnvelope(msgType, data)
	if err != nil {
		return false
	}
	f.sent = append(f.sent, env)
	return true
}

func (f *fakeTransport) Dispatch(actions ...avatar.Action) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, a := range actions {
		f.dispatched = append(f.dispatched, a)
		f.state = avatar.Reduce(f.state, a)
	}
}

func (f *fakeTransport) ResetFence() {
	f.mu.Lock()
	f.fenceResets++
	f.mu.Unlock()
}

func (f *fakeTransport) State() avatar.State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state.Clone()
}

func (f *fakeTransport) Subscribe(h client.Handler) func() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	id := f.nextID
	f.handlers[id] = h
	return func() {
		f.mu.Lock()
		delete(f.handlers, id)
		f.mu.Unlock()
	}
}

func (f *fakeTransport) setOpen(open bool) {
	f.mu.Lock()
	f.open = open
	f.mu.Unlock()
}

// deliver hands a server message to every subscribed handler.
func (f *fakeTransport) deliver(t *testing.T, msgType string, data any) {
	t.Helper()
	env, err := protocol.NewEnvelope(msgType, data)
	require.NoError(t, err)

	f.mu.Lock()
	handlers := make([]client.Handler, 0, len(f.handlers))
	for _, h := range f.handlers {
		handlers = append(handlers, h)
	}
	f.mu.Unlock()

	for _, h := range handlers {
		h.HandleMessage(env)
	}
}

// deliverState sets the connection state and reports it to every handler.
func (f *fakeTransport) deliverState(s avatar.State) {
	f.mu.Lock()
	f.state = s.Clone()
	handlers := make([]client.Handler, 0, len(f.handlers))
	for _, h := range f.handlers {
		handlers = append(handlers, h)
	}
	f.mu.Unlock()

	for _, h := range handlers {
		h.HandleState(s)
	}
}

func (f *fakeTransport) sentTypes() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, env := range f.sent {
		out = append(out, env.Type)
	}
	return out
}

func (f *fakeTransport) lastSent(t *testing.T, msgType string, v any) {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := len(f.sent) - 1; i >= 0; i-- {
		if f.sent[i].Type == msgType {
			require.NoError(t, f.sent[i].Decode(v))
			return
		}
	}
	t.Fatalf("no %s message sent", msgType)
}

type fakeAPI struct {
	mu         sync.Mutex
	history    map[string][]protocol.HistoryMessage
	historyErr error
	// gate, when set, blocks SessionHistory until closed.
	gate    chan struct{}
	uploads []string
}

func (a *fakeAPI) UploadFile(_ context.Context, path string) (*protocol.Attachment, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if path == "" {
		return nil, errors.New("empty path")
	}
	a.uploads = append(a.uploads, path)
	return &protocol.Attachment{FileID: "f-" + path, Filename: path, MimeType: "text/plain", Size: 10}, nil
}

func (a *fakeAPI) SessionHistory(ctx context.Context, sessionID string) ([]protocol.HistoryMessage, error) {
	if a.gate != nil {
		select {
		case <-a.gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.historyErr != nil {
		return nil, a.historyErr
	}
	return a.history[sessionID], nil
}

// eventLog records bus events in publication order.
type eventLog struct {
	mu     sync.Mutex
	events []event.Event
}

func recordEvents(bus *event.Bus) *eventLog {
	l := &eventLog{}
	bus.SubscribeAll(func(e event.Event) {
		l.mu.Lock()
		l.events = append(l.events, e)
		l.mu.Unlock()
	})
	return l
}

func (l *eventLog) ofType(t event.EventType) []event.Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []event.Event
	for _, e := range l.events {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

func (l *eventLog) finished() []event.TurnFinishedData {
	var out []event.TurnFinishedData
	for _, e := range l.ofType(event.TurnFinished) {
		out = append(out, e.Data.(event.TurnFinishedData))
	}
	return out
}
