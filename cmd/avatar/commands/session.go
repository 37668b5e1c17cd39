package commands

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/raven2cz/avatar-engine-sub000/internal/config"
	"github.com/raven2cz/avatar-engine-sub000/internal/event"
	"github.com/raven2cz/avatar-engine-sub000/internal/logging"
	"github.com/raven2cz/avatar-engine-sub000/internal/permission"
	"github.com/raven2cz/avatar-engine-sub000/internal/render"
	"github.com/raven2cz/avatar-engine-sub000/internal/storage"
	"github.com/raven2cz/avatar-engine-sub000/pkg/avatar"
	"github.com/raven2cz/avatar-engine-sub000/pkg/chat"
	"github.com/raven2cz/avatar-engine-sub000/pkg/client"
)

// errStreaming is returned when a message is sent while a reply streams.
var errStreaming = errors.New("a response is still streaming, use /stop to interrupt it")

// chatSession wires a connection, the orchestrator and the printer together
// for one CLI run.
type chatSession struct {
	cfg     *config.Config
	orch    *chat.Orchestrator
	printer *render.Printer
	store   *storage.SessionStore
	log     zerolog.Logger
	detach  func()
	policy  func()
}

func newAPI(cfg *config.Config) *client.API {
	return client.NewAPI(client.APIOptions{
		BaseURL:      cfg.HTTPBaseURL(),
		Token:        cfg.Token,
		UploadPath:   cfg.UploadPath,
		HistoryPath:  cfg.HistoryPath,
		SessionsPath: cfg.SessionsPath,
	})
}

// openSession builds the session and attaches the printer. The connection
// is not opened yet.
func openSession(ctx context.Context, cfg *config.Config, store *storage.SessionStore, opts render.Options) (*chatSession, error) {
	wsURL, err := cfg.WebSocketURL()
	if err != nil {
		return nil, err
	}
	rules, err := permission.FromConfig(cfg.Permissions)
	if err != nil {
		return nil, err
	}
	conn := client.New(client.Options{
		URL:               wsURL,
		Token:             cfg.Token,
		ReconnectDelay:    cfg.ReconnectDelay(),
		HeartbeatInterval: cfg.Heartbeat(),
	})
	orch := chat.New(conn, chat.Options{
		API:           newAPI(cfg),
		WatchdogBase:  cfg.WatchdogBase(),
		WatchdogPerMB: cfg.WatchdogPerMB(),
	})

	printer := render.New(opts)
	detach, err := printer.Attach(ctx, orch.Bus())
	if err != nil {
		orch.Close()
		return nil, err
	}
	return &chatSession{
		cfg:     cfg,
		orch:    orch,
		printer: printer,
		store:   store,
		log:     logging.Component("cli"),
		detach:  detach,
		policy:  permission.NewResponder(rules, orch).Attach(orch.Bus()),
	}, nil
}

// Close disconnects and detaches the printer.
func (s *chatSession) Close() {
	s.policy()
	s.orch.Close()
	s.detach()
	s.orch.Bus().Close()
}

// waitState blocks until ready accepts the session state.
func (s *chatSession) waitState(ctx context.Context, timeout time.Duration, ready func(avatar.State) bool) (avatar.State, error) {
	ch := make(chan avatar.State, 1)
	unsub := s.orch.Bus().Subscribe(event.StateChanged, func(e event.Event) {
		data, ok := e.Data.(event.StateChangedData)
		if !ok || !ready(data.State) {
			return
		}
		select {
		case ch <- data.State:
		default:
		}
	})
	defer unsub()

	if st := s.orch.State(); ready(st) {
		return st, nil
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	select {
	case st := <-ch:
		return st, nil
	case <-ctx.Done():
		return s.orch.State(), fmt.Errorf("timed out waiting for %s: %w", s.cfg.ServerURL, ctx.Err())
	}
}

// start connects, switches provider when the configuration asks for one
// the server did not pick, and resumes sessionID if set.
func (s *chatSession) start(ctx context.Context, timeout time.Duration, sessionID string) error {
	s.orch.Connect()
	st, err := s.waitState(ctx, timeout, func(st avatar.State) bool { return st.Connected })
	if err != nil {
		return err
	}

	if want := s.cfg.Provider; want != "" && (st.Provider != want || (s.cfg.Model != "" && st.Model != s.cfg.Model)) {
		s.log.Info().Str("provider", want).Str("model", s.cfg.Model).Msg("switching provider")
		s.orch.SwitchProvider(want, s.cfg.Model, nil)
		st, err = s.waitState(ctx, timeout, func(st avatar.State) bool {
			return st.Connected && !st.Switching && st.Provider == want
		})
		if err != nil {
			return err
		}
	}

	if sessionID != "" && sessionID != st.SessionID {
		if err := s.resume(ctx, timeout, sessionID); err != nil {
			return err
		}
	}
	s.remember(ctx)
	return nil
}

// resume switches to sessionID and waits for the server to confirm it.
func (s *chatSession) resume(ctx context.Context, timeout time.Duration, sessionID string) error {
	s.orch.ResumeSession(ctx, sessionID)
	st, err := s.waitState(ctx, timeout, func(st avatar.State) bool {
		return st.SessionID == sessionID || st.Error != ""
	})
	if err != nil {
		return err
	}
	if st.SessionID != sessionID {
		return fmt.Errorf("failed to resume session %s: %s", sessionID, st.Error)
	}
	return nil
}

// attach uploads the files matched by patterns and queues them for the next
// message.
func (s *chatSession) attach(ctx context.Context, patterns []string) error {
	files, err := expandFiles(patterns)
	if err != nil {
		return err
	}
	for _, path := range files {
		att, err := s.orch.UploadFile(ctx, path)
		if err != nil {
			return err
		}
		s.printer.Info("attached %s (%s, %d bytes)", att.Filename, att.MimeType, att.Size)
	}
	return nil
}

// ask sends text and waits until its turn is finalized.
func (s *chatSession) ask(ctx context.Context, text string) (event.TurnFinishedData, error) {
	done := make(chan event.TurnFinishedData, 1)
	unsub := s.orch.Bus().Subscribe(event.TurnFinished, func(e event.Event) {
		if data, ok := e.Data.(event.TurnFinishedData); ok {
			select {
			case done <- data:
			default:
			}
		}
	})
	defer unsub()

	if !s.orch.SendMessage(text) {
		return event.TurnFinishedData{}, errStreaming
	}
	select {
	case fin := <-done:
		return fin, nil
	case <-ctx.Done():
		s.orch.StopResponse()
		return event.TurnFinishedData{}, ctx.Err()
	}
}

func (s *chatSession) entry(st avatar.State) storage.SessionEntry {
	return storage.SessionEntry{
		SessionID: st.SessionID,
		Title:     st.SessionTitle,
		Provider:  st.Provider,
		Model:     st.Model,
		Server:    s.cfg.ServerURL,
	}
}

// remember records the current session as the last used one.
func (s *chatSession) remember(ctx context.Context) {
	if s.store == nil {
		return
	}
	st := s.orch.State()
	if st.SessionID == "" {
		return
	}
	if err := s.store.Remember(ctx, s.entry(st)); err != nil {
		s.log.Warn().Err(err).Str("session_id", st.SessionID).Msg("failed to remember session")
	}
}

// trackSessions remembers every session the server moves to until ctx is
// done.
func (s *chatSession) trackSessions(ctx context.Context) error {
	if s.store == nil {
		return nil
	}
	changes := make(chan avatar.State, 1)
	unsub := s.orch.Bus().Subscribe(event.StateChanged, func(e event.Event) {
		data, ok := e.Data.(event.StateChangedData)
		if !ok || data.State.SessionID == "" {
			return
		}
		// Latest state wins.
		select {
		case <-changes:
		default:
		}
		select {
		case changes <- data.State:
		default:
		}
	})
	defer unsub()

	var last storage.SessionEntry
	for {
		select {
		case <-ctx.Done():
			return nil
		case st := <-changes:
			entry := s.entry(st)
			if entry == last {
				continue
			}
			last = entry
			if err := s.store.Remember(ctx, entry); err != nil && ctx.Err() == nil {
				s.log.Warn().Err(err).Str("session_id", entry.SessionID).Msg("failed to remember session")
			}
		}
	}
}

// openStore opens the session store under the state directory. Failing to
// open it only disables --continue.
func openStore() *storage.SessionStore {
	paths := config.GetPaths()
	if err := paths.EnsurePaths(); err != nil {
		logging.Warn().Err(err).Msg("session store disabled")
		return nil
	}
	return storage.NewSessionStore(storage.New(nil, paths.StoragePath()))
}
