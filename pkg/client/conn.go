// Package client owns the live connection to the agent backend.
//
// A Conn keeps at most one current socket, reconnects after a delay when it
// drops, and routes every inbound frame through the error fence, the message
// parser and the state reducer before handing it to observers. API wraps the
// REST endpoints that accompany the socket.
package client

import (
	"context"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/raven2cz/avatar-engine-sub000/internal/logging"
	"github.com/raven2cz/avatar-engine-sub000/pkg/avatar"
	"github.com/raven2cz/avatar-engine-sub000/pkg/protocol"
)

// DefaultReconnectDelay is the pause between a close and the next dial.
const DefaultReconnectDelay = 3 * time.Second

// Options configures a Conn.
type Options struct {
	// URL is the WebSocket endpoint, e.g. ws://localhost:8420/api/avatar/ws.
	URL string
	// Token, if set, is sent as a bearer token on the handshake.
	Token string
	// Header is added to the handshake request.
	Header http.Header
	// ClientID identifies this client to the server. Defaults to a random UUID.
	ClientID string
	// ReconnectDelay is used when BackOff is nil (default: 3s).
	ReconnectDelay time.Duration
	// BackOff yields reconnect delays. backoff.Stop disables reconnecting.
	BackOff backoff.BackOff
	// HeartbeatInterval sends ping frames while open. Zero disables it.
	HeartbeatInterval time.Duration
	// Dialer defaults to a gorilla/websocket dialer.
	Dialer Dialer
	// Logger defaults to the global logger tagged component=client.
	Logger *zerolog.Logger
}

// ReadyState mirrors the lifecycle of a single socket.
type ReadyState int

const (
	Connecting ReadyState = iota
	Open
	Closing
	Closed
)

func (s ReadyState) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Open:
		return "open"
	case Closing:
		return "closing"
	default:
		return "closed"
	}
}

// Handler observes a Conn. HandleState receives the state after every frame
// or local action that changed it; HandleMessage receives every inbound
// message that passed the error fence. Calls are serialized. Handlers must
// not call Dispatch, ResetFence or Disconnect synchronously.
type Handler interface {
	HandleState(avatar.State)
	HandleMessage(protocol.Envelope)
}

// HandlerFuncs adapts plain functions to Handler. Nil fields are skipped.
type HandlerFuncs struct {
	State   func(avatar.State)
	Message func(protocol.Envelope)
}

func (h HandlerFuncs) HandleState(s avatar.State) {
	if h.State != nil {
		h.State(s)
	}
}

func (h HandlerFuncs) HandleMessage(env protocol.Envelope) {
	if h.Message != nil {
		h.Message(env)
	}
}

// socketHandle is one dial attempt and the socket it produced.
type socketHandle struct {
	id       uint64
	sock     Socket
	state    ReadyState
	detached bool
	cancel   context.CancelFunc
	done     chan struct{}
	once     sync.Once
}

func (h *socketHandle) stop() {
	h.once.Do(func() {
		h.cancel()
		close(h.done)
		if h.sock != nil {
			h.sock.Close()
		}
	})
}

type subscriber struct {
	id int
	h  Handler
}

// Conn is the connection manager. The zero value is not usable; use New.
type Conn struct {
	opts     Options
	dialer   Dialer
	backoff  backoff.BackOff
	log      zerolog.Logger
	clientID string

	// deliverMu serializes state transitions and observer callbacks.
	deliverMu sync.Mutex
	// writeMu serializes socket writes.
	writeMu sync.Mutex

	mu          sync.Mutex
	current     *socketHandle
	nextID      uint64
	destroyed   bool
	fenced      bool
	state       avatar.State
	timer       *time.Timer
	timerGen    uint64
	subscribers []subscriber
	nextSubID   int
}

// New creates a disconnected Conn.
func New(opts Options) *Conn {
	if opts.ReconnectDelay <= 0 {
		opts.ReconnectDelay = DefaultReconnectDelay
	}
	if opts.ClientID == "" {
		opts.ClientID = uuid.NewString()
	}
	c := &Conn{
		opts:     opts,
		dialer:   opts.Dialer,
		backoff:  opts.BackOff,
		clientID: opts.ClientID,
		state:    avatar.InitialState(),
	}
	if c.dialer == nil {
		c.dialer = NewWebsocketDialer(10 * time.Second)
	}
	if c.backoff == nil {
		c.backoff = backoff.NewConstantBackOff(opts.ReconnectDelay)
	}
	if opts.Logger != nil {
		c.log = *opts.Logger
	} else {
		c.log = logging.Component("client")
	}
	c.log = c.log.With().Str("client_id", c.clientID).Logger()
	return c
}

// ClientID returns the id sent on every handshake.
func (c *Conn) ClientID() string {
	return c.clientID
}

// Subscribe registers h and returns a function that removes it.
func (c *Conn) Subscribe(h Handler) func() {
	c.mu.Lock()
	defer c.mu.Unlock()
	id := c.nextSubID
	c.nextSubID++
	c.subscribers = append(c.subscribers, subscriber{id: id, h: h})
	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		for i, s := range c.subscribers {
			if s.id == id {
				c.subscribers = append(c.subscribers[:i:i], c.subscribers[i+1:]...)
				return
			}
		}
	}
}

// State returns a snapshot of the session state.
func (c *Conn) State() avatar.State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state.Clone()
}

// Fenced reports whether the error fence is up.
func (c *Conn) Fenced() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.fenced
}

// ReadyState reports the state of the current socket.
func (c *Conn) ReadyState() ReadyState {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current == nil {
		return Closed
	}
	return c.current.state
}

// Connect opens a socket unless one is already open or connecting. It does
// not block; the outcome is reported through state updates.
func (c *Conn) Connect() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.destroyed = false
	if cur := c.current; cur != nil {
		switch cur.state {
		case Open, Connecting:
			return
		case Closing:
			cur.detached = true
			cur.stop()
		}
	}
	c.cancelReconnectLocked()

	c.nextID++
	ctx, cancel := context.WithCancel(context.Background())
	h := &socketHandle{
		id:     c.nextID,
		state:  Connecting,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	c.current = h
	c.log.Debug().Uint64("socket", h.id).Msg("connecting")
	go c.dial(ctx, h)
}

// Disconnect tears the connection down and stops reconnecting. The current
// socket is closed without triggering the close path; state is moved to
// disconnected directly.
func (c *Conn) Disconnect() {
	c.deliverMu.Lock()
	defer c.deliverMu.Unlock()

	c.mu.Lock()
	c.destroyed = true
	c.cancelReconnectLocked()
	h := c.current
	c.current = nil
	if h != nil {
		h.detached = true
		h.state = Closed
		h.stop()
		c.log.Debug().Uint64("socket", h.id).Msg("disconnected")
	}
	if !c.state.Connected {
		c.mu.Unlock()
		return
	}
	c.state = avatar.Reduce(c.state, avatar.Disconnected{})
	snapshot, subs := c.state.Clone(), c.snapshotSubscribersLocked()
	c.mu.Unlock()

	for _, s := range subs {
		s.h.HandleState(snapshot)
	}
}

// Send writes one message. It returns false, without queueing, when the
// socket is not open or the write fails.
func (c *Conn) Send(msgType string, data any) bool {
	raw, err := protocol.Encode(msgType, data)
	if err != nil {
		c.log.Error().Err(err).Str("type", msgType).Msg("failed to encode message")
		return false
	}

	c.mu.Lock()
	h := c.current
	if h == nil || h.state != Open {
		c.mu.Unlock()
		c.log.Debug().Str("type", msgType).Msg("dropped send: socket not open")
		return false
	}
	c.mu.Unlock()

	return c.write(h, msgType, raw)
}

func (c *Conn) write(h *socketHandle, msgType string, raw []byte) bool {
	c.writeMu.Lock()
	err := h.sock.WriteMessage(websocket.TextMessage, raw)
	c.writeMu.Unlock()
	if err == nil {
		return true
	}

	c.log.Warn().Err(err).Uint64("socket", h.id).Str("type", msgType).Msg("write failed")
	c.mu.Lock()
	if h.state == Open {
		h.state = Closing
	}
	c.mu.Unlock()
	// The read loop observes the close and takes the close path.
	h.sock.Close()
	return false
}

// Dispatch applies a locally originated action.
func (c *Conn) Dispatch(actions ...avatar.Action) {
	c.apply(false, actions...)
}

// ResetFence lowers the error fence and clears the session error and
// diagnostic. It is called before every new user turn.
func (c *Conn) ResetFence() {
	c.apply(true, avatar.ClearError{}, avatar.DiagnosticSet{})
}

func (c *Conn) apply(resetFence bool, actions ...avatar.Action) {
	c.deliverMu.Lock()
	defer c.deliverMu.Unlock()

	c.mu.Lock()
	if resetFence {
		c.fenced = false
	}
	for _, a := range actions {
		c.state = avatar.Reduce(c.state, a)
	}
	snapshot, subs := c.state.Clone(), c.snapshotSubscribersLocked()
	c.mu.Unlock()

	for _, s := range subs {
		s.h.HandleState(snapshot)
	}
}

func (c *Conn) dial(ctx context.Context, h *socketHandle) {
	target, err := c.dialURL()
	if err != nil {
		c.log.Error().Err(err).Msg("invalid socket url")
		c.handleClose(h, err)
		return
	}

	header := http.Header{}
	for k, v := range c.opts.Header {
		header[k] = append([]string(nil), v...)
	}
	if c.opts.Token != "" {
		header.Set("Authorization", "Bearer "+c.opts.Token)
	}

	sock, err := c.dialer.Dial(ctx, target, header)
	if err != nil {
		c.log.Debug().Err(err).Uint64("socket", h.id).Msg("dial failed")
		c.handleClose(h, err)
		return
	}
	c.handleOpen(h, sock)
}

func (c *Conn) dialURL() (string, error) {
	u, err := url.Parse(c.opts.URL)
	if err != nil {
		return "", err
	}
	q := u.Query()
	q.Set("client_id", c.clientID)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func (c *Conn) handleOpen(h *socketHandle, sock Socket) {
	c.mu.Lock()
	if h.detached || c.current != h {
		c.mu.Unlock()
		sock.Close()
		return
	}
	h.sock = sock
	h.state = Open
	c.backoff.Reset()
	c.mu.Unlock()

	c.log.Info().Uint64("socket", h.id).Msg("socket open")
	go c.readLoop(h)
	if c.opts.HeartbeatInterval > 0 {
		go c.heartbeat(h)
	}
}

func (c *Conn) readLoop(h *socketHandle) {
	for {
		_, raw, err := h.sock.ReadMessage()
		if err != nil {
			c.handleClose(h, err)
			return
		}
		c.handleFrame(h, raw)
	}
}

func (c *Conn) heartbeat(h *socketHandle) {
	ticker := time.NewTicker(c.opts.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-h.done:
			return
		case <-ticker.C:
			c.mu.Lock()
			open := c.current == h && h.state == Open
			c.mu.Unlock()
			if !open {
				return
			}
			raw, _ := protocol.Encode(protocol.TypePing, nil)
			if !c.write(h, protocol.TypePing, raw) {
				return
			}
		}
	}
}

func (c *Conn) handleClose(h *socketHandle, cause error) {
	c.deliverMu.Lock()
	defer c.deliverMu.Unlock()

	c.mu.Lock()
	if h.detached || c.current != h {
		c.mu.Unlock()
		return
	}
	h.state = Closed
	h.stop()
	c.log.Info().Err(cause).Uint64("socket", h.id).Msg("socket closed")

	c.state = avatar.Reduce(c.state, avatar.Disconnected{})
	if !c.destroyed {
		c.scheduleReconnectLocked()
	}
	snapshot, subs := c.state.Clone(), c.snapshotSubscribersLocked()
	c.mu.Unlock()

	for _, s := range subs {
		s.h.HandleState(snapshot)
	}
}

func (c *Conn) scheduleReconnectLocked() {
	if c.timer != nil {
		return
	}
	delay := c.backoff.NextBackOff()
	if delay == backoff.Stop {
		c.log.Warn().Msg("reconnect disabled by backoff policy")
		return
	}
	c.timerGen++
	gen := c.timerGen
	c.log.Debug().Dur("delay", delay).Msg("scheduling reconnect")
	c.timer = time.AfterFunc(delay, func() {
		c.mu.Lock()
		if c.timerGen != gen || c.destroyed {
			c.mu.Unlock()
			return
		}
		c.timer = nil
		c.mu.Unlock()
		c.Connect()
	})
}

func (c *Conn) cancelReconnectLocked() {
	c.timerGen++
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
}

// handleFrame routes one frame: fence, parser, reducer, observers.
func (c *Conn) handleFrame(h *socketHandle, raw []byte) {
	env, err := protocol.DecodeEnvelope(raw)
	if err != nil {
		c.log.Debug().Err(err).Msg("dropped malformed frame")
		return
	}

	c.deliverMu.Lock()
	defer c.deliverMu.Unlock()

	c.mu.Lock()
	if h.detached || c.current != h {
		c.mu.Unlock()
		return
	}

	if c.fenced && avatar.IsFenceable(env.Type) {
		if env.Type == protocol.TypeChatResponse {
			c.fenced = false
			c.log.Debug().Msg("error fence cleared")
		} else {
			c.log.Trace().Str("type", env.Type).Msg("fenced")
		}
		c.mu.Unlock()
		return
	}

	actions := c.route(env)
	for _, a := range actions {
		c.state = avatar.Reduce(c.state, a)
	}
	snapshot, subs := c.state.Clone(), c.snapshotSubscribersLocked()
	c.mu.Unlock()

	if len(actions) > 0 {
		for _, s := range subs {
			s.h.HandleState(snapshot)
		}
	}
	for _, s := range subs {
		s.h.HandleMessage(env)
	}
}

// route turns an unfenced message into the actions to apply, updating the
// fence as a side effect. Called with c.mu held.
func (c *Conn) route(env protocol.Envelope) []avatar.Action {
	res := avatar.Parse(env, c.fenced)
	var actions []avatar.Action
	if res.Action != nil {
		actions = append(actions, res.Action)
	}
	if res.ResetFence {
		c.fenced = false
	}

	switch env.Type {
	case protocol.TypeError:
		actions = append(actions, avatar.EngineStateSet{State: avatar.EngineIdle}, avatar.ThinkingEnd{})
		c.fenced = true
		c.log.Debug().Msg("error fence raised")

	case protocol.TypeChatResponse:
		if _, failed := res.Action.(avatar.ErrorRaised); failed {
			c.fenced = true
			c.log.Debug().Msg("error fence raised")
		}
		actions = append(actions, avatar.EngineStateSet{State: avatar.EngineIdle}, avatar.ThinkingEnd{})

	case protocol.TypeEngineState:
		// An idle or error engine never shows an open reasoning block.
		if es, ok := res.Action.(avatar.EngineStateSet); ok && c.state.Thinking.Active &&
			(es.State == avatar.EngineIdle || es.State == avatar.EngineError) {
			actions = append(actions, avatar.ThinkingEnd{})
		}
	}
	return actions
}

func (c *Conn) snapshotSubscribersLocked() []subscriber {
	return append([]subscriber(nil), c.subscribers...)
}
