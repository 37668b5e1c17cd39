// Package chat assembles the streaming event flow of an avatar session into
// an ordered conversation log and exposes the outgoing actions of a chat
// client: send, stop, switch provider, resume, new session, clear history
// and permission responses.
package chat

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/raven2cz/avatar-engine-sub000/internal/event"
	"github.com/raven2cz/avatar-engine-sub000/internal/logging"
	"github.com/raven2cz/avatar-engine-sub000/pkg/avatar"
	"github.com/raven2cz/avatar-engine-sub000/pkg/client"
	"github.com/raven2cz/avatar-engine-sub000/pkg/protocol"
)

// Defaults for the response watchdog.
const (
	DefaultWatchdogBase  = 30 * time.Second
	DefaultWatchdogPerMB = 3 * time.Second
)

// Fallback contents for turns that end without streamed text.
const (
	StoppedContent    = "[Stopped]"
	NoResponseContent = "No response from the agent."
	ConnectionLost    = "Connection lost."
	errorPrefix       = "Error: "
)

// ErrNoAPI is returned by UploadFile when no REST client is configured.
var ErrNoAPI = errors.New("no REST api configured")

// Transport is the part of *client.Conn the orchestrator drives.
type Transport interface {
	Connect()
	Disconnect()
	Send(msgType string, data any) bool
	Dispatch(actions ...avatar.Action)
	ResetFence()
	State() avatar.State
	Subscribe(h client.Handler) func()
}

// API is the part of *client.API the orchestrator uses.
type API interface {
	UploadFile(ctx context.Context, path string) (*protocol.Attachment, error)
	SessionHistory(ctx context.Context, sessionID string) ([]protocol.HistoryMessage, error)
}

// Options configures an Orchestrator.
type Options struct {
	// Bus receives snapshots. Defaults to a private bus.
	Bus *event.Bus
	// API enables uploads and history restore on resume. Optional.
	API API
	// WatchdogBase is the silence allowed after a send (default: 30s).
	WatchdogBase time.Duration
	// WatchdogPerMB extends the watchdog per started MB of attachments (default: 3s).
	WatchdogPerMB time.Duration
	Logger        *zerolog.Logger
}

// turn is the in-flight assistant message.
type turn struct {
	assistantID string
	startedAt   time.Time
}

// Orchestrator is the chat orchestrator. It observes a Transport and
// publishes every change on its bus. Bus subscribers must not call back into
// the Orchestrator synchronously.
type Orchestrator struct {
	conn Transport
	api  API
	bus  *event.Bus
	log  zerolog.Logger
	ids  *idSource
	opts Options

	unsubscribe func()

	// pubMu orders publications so snapshots reach the bus in the order
	// they were taken.
	pubMu sync.Mutex

	mu          sync.Mutex
	messages    []Message
	active      *turn
	epoch       uint64
	pending     []protocol.Attachment
	permissions map[string]protocol.PermissionRequestData
	permOrder   []string
	watchdog    *time.Timer
	watchdogGen uint64
	connected   bool
	closed      bool
}

// New creates an Orchestrator observing conn.
func New(conn Transport, opts Options) *Orchestrator {
	if opts.WatchdogBase <= 0 {
		opts.WatchdogBase = DefaultWatchdogBase
	}
	if opts.WatchdogPerMB < 0 {
		opts.WatchdogPerMB = 0
	} else if opts.WatchdogPerMB == 0 {
		opts.WatchdogPerMB = DefaultWatchdogPerMB
	}
	o := &Orchestrator{
		conn:        conn,
		api:         opts.API,
		bus:         opts.Bus,
		ids:         newIDSource(),
		opts:        opts,
		permissions: make(map[string]protocol.PermissionRequestData),
	}
	if o.bus == nil {
		o.bus = event.NewBus()
	}
	if opts.Logger != nil {
		o.log = *opts.Logger
	} else {
		o.log = logging.Component("chat")
	}
	o.unsubscribe = conn.Subscribe(o)
	return o
}

// Bus returns the bus snapshots are published on.
func (o *Orchestrator) Bus() *event.Bus {
	return o.bus
}

// Connect opens the underlying connection.
func (o *Orchestrator) Connect() {
	o.conn.Connect()
}

// Close stops the watchdog, detaches from the transport and disconnects it.
func (o *Orchestrator) Close() {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return
	}
	o.closed = true
	o.stopWatchdogLocked()
	o.mu.Unlock()

	o.unsubscribe()
	o.conn.Disconnect()
}

// State returns the current session state.
func (o *Orchestrator) State() avatar.State {
	return o.conn.State()
}

// Messages returns a deep copy of the conversation log.
func (o *Orchestrator) Messages() []Message {
	o.mu.Lock()
	defer o.mu.Unlock()
	return cloneMessages(o.messages)
}

// Streaming reports whether an assistant turn is in flight.
func (o *Orchestrator) Streaming() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.active != nil
}

// ActiveMessageID returns the id of the in-flight assistant message.
func (o *Orchestrator) ActiveMessageID() (string, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.active == nil {
		return "", false
	}
	return o.active.assistantID, true
}

// SendMessage starts a turn. It is a no-op, returning false, when text is
// blank or a turn is already streaming. Explicit attachments replace the
// pending queue; the queue is cleared either way.
func (o *Orchestrator) SendMessage(text string, attachments ...protocol.Attachment) bool {
	if strings.TrimSpace(text) == "" {
		return false
	}

	o.pubMu.Lock()
	o.mu.Lock()
	if o.active != nil || o.closed {
		o.mu.Unlock()
		o.pubMu.Unlock()
		return false
	}

	hadPending := len(o.pending) > 0
	if len(attachments) == 0 {
		attachments = o.pending
	}
	attachments = append([]protocol.Attachment(nil), attachments...)
	o.pending = nil

	now := time.Now()
	user := Message{
		ID:          o.ids.next(now),
		Role:        RoleUser,
		Content:     text,
		Attachments: attachments,
		CreatedAt:   now,
	}
	assistant := Message{
		ID:          o.ids.next(now),
		Role:        RoleAssistant,
		IsStreaming: true,
		CreatedAt:   now,
	}
	o.messages = append(o.messages, user, assistant)
	o.active = &turn{assistantID: assistant.ID, startedAt: now}
	o.epoch++
	o.armWatchdogLocked(o.watchdogTimeout(attachments))
	snapshot := cloneMessages(o.messages)
	o.mu.Unlock()

	o.publishMessages(snapshot)
	if hadPending {
		o.bus.PublishSync(event.Event{Type: event.AttachmentsChanged, Data: event.AttachmentsChangedData{}})
	}
	o.pubMu.Unlock()

	o.conn.ResetFence()
	req := protocol.ChatRequest{Message: text}
	if len(attachments) > 0 {
		req.Attachments = attachments
	}
	if !o.conn.Send(protocol.TypeChat, req) {
		o.log.Warn().Str("message_id", assistant.ID).Msg("chat request not sent, socket not open")
	}
	return true
}

// StopResponse asks the server to stop and ends the active turn locally
// without waiting for confirmation.
func (o *Orchestrator) StopResponse() {
	o.conn.Send(protocol.TypeStop, nil)

	o.pubMu.Lock()
	defer o.pubMu.Unlock()
	o.mu.Lock()
	fin, ok := o.finishLocked(event.ReasonStopped, StoppedContent, nil)
	snapshot := cloneMessages(o.messages)
	o.mu.Unlock()

	if ok {
		o.publishMessages(snapshot)
		o.bus.PublishSync(event.Event{Type: event.TurnFinished, Data: fin})
	}
}

// ClearHistory asks the server to clear the conversation. The local log is
// wiped when the server confirms with history_cleared.
func (o *Orchestrator) ClearHistory() bool {
	return o.conn.Send(protocol.TypeClearHistory, nil)
}

// SwitchProvider discards the local log and asks the server to switch
// provider and/or model.
func (o *Orchestrator) SwitchProvider(provider, model string, options map[string]any) bool {
	if provider == "" {
		return false
	}
	o.wipe()
	o.conn.Dispatch(avatar.Switching{})
	return o.conn.Send(protocol.TypeSwitch, protocol.SwitchRequest{
		Provider: provider,
		Model:    model,
		Options:  options,
	})
}

// NewSession discards the local log and asks the server for a new session.
func (o *Orchestrator) NewSession() bool {
	o.wipe()
	return o.conn.Send(protocol.TypeNewSession, nil)
}

// ResumeSession discards the local log, asks the server to resume
// sessionID and then restores the transcript over REST. A failed or
// superseded restore leaves the log as it is.
func (o *Orchestrator) ResumeSession(ctx context.Context, sessionID string) {
	if sessionID == "" {
		return
	}
	epoch := o.wipe()
	o.conn.Send(protocol.TypeResumeSession, protocol.ResumeSessionRequest{SessionID: sessionID})

	if o.api == nil {
		return
	}
	history, err := o.api.SessionHistory(ctx, sessionID)
	if err != nil {
		o.log.Warn().Err(err).Str("session_id", sessionID).Msg("failed to restore session history")
		return
	}

	o.pubMu.Lock()
	defer o.pubMu.Unlock()
	o.mu.Lock()
	if o.epoch != epoch || len(o.messages) > 0 || o.closed {
		o.mu.Unlock()
		o.log.Debug().Str("session_id", sessionID).Msg("discarding stale session history")
		return
	}
	for _, h := range history {
		role := Role(h.Role)
		if role != RoleUser && role != RoleAssistant {
			continue
		}
		created := time.Now()
		if h.Timestamp != nil && encodable(*h.Timestamp) {
			created = *h.Timestamp
		}
		o.messages = append(o.messages, Message{
			ID:        o.ids.next(created),
			Role:      role,
			Content:   h.Content,
			CreatedAt: created,
		})
	}
	snapshot := cloneMessages(o.messages)
	o.mu.Unlock()

	o.publishMessages(snapshot)
}

// AddAttachment queues an attachment for the next message.
func (o *Orchestrator) AddAttachment(att protocol.Attachment) {
	o.pubMu.Lock()
	defer o.pubMu.Unlock()
	o.mu.Lock()
	o.pending = append(o.pending, att)
	pending := append([]protocol.Attachment(nil), o.pending...)
	o.mu.Unlock()

	o.bus.PublishSync(event.Event{Type: event.AttachmentsChanged, Data: event.AttachmentsChangedData{Pending: pending}})
}

// UploadFile uploads path and queues the resulting attachment.
func (o *Orchestrator) UploadFile(ctx context.Context, path string) (*protocol.Attachment, error) {
	if o.api == nil {
		return nil, ErrNoAPI
	}
	att, err := o.api.UploadFile(ctx, path)
	if err != nil {
		return nil, err
	}
	o.AddAttachment(*att)
	return att, nil
}

// RemoveAttachment drops a queued attachment by file id.
func (o *Orchestrator) RemoveAttachment(fileID string) bool {
	o.pubMu.Lock()
	defer o.pubMu.Unlock()
	o.mu.Lock()
	idx := -1
	for i, att := range o.pending {
		if att.FileID == fileID {
			idx = i
			break
		}
	}
	if idx < 0 {
		o.mu.Unlock()
		return false
	}
	o.pending = append(o.pending[:idx:idx], o.pending[idx+1:]...)
	pending := append([]protocol.Attachment(nil), o.pending...)
	o.mu.Unlock()

	o.bus.PublishSync(event.Event{Type: event.AttachmentsChanged, Data: event.AttachmentsChangedData{Pending: pending}})
	return true
}

// ClearAttachments empties the pending queue.
func (o *Orchestrator) ClearAttachments() {
	o.pubMu.Lock()
	defer o.pubMu.Unlock()
	o.mu.Lock()
	o.pending = nil
	o.mu.Unlock()

	o.bus.PublishSync(event.Event{Type: event.AttachmentsChanged, Data: event.AttachmentsChangedData{}})
}

// PendingAttachments returns the queued attachments.
func (o *Orchestrator) PendingAttachments() []protocol.Attachment {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]protocol.Attachment(nil), o.pending...)
}

// PendingPermissions returns unanswered permission requests, oldest first.
func (o *Orchestrator) PendingPermissions() []protocol.PermissionRequestData {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]protocol.PermissionRequestData, 0, len(o.permOrder))
	for _, id := range o.permOrder {
		out = append(out, o.permissions[id])
	}
	return out
}

// RespondPermission answers a pending permission request. It returns false
// if the request is unknown or the answer could not be sent.
func (o *Orchestrator) RespondPermission(requestID, optionID string, cancelled bool) bool {
	o.mu.Lock()
	_, ok := o.permissions[requestID]
	if ok {
		o.forgetPermissionLocked(requestID)
	}
	o.mu.Unlock()
	if !ok {
		return false
	}

	sent := o.conn.Send(protocol.TypePermissionResponse, protocol.PermissionResponse{
		RequestID: requestID,
		OptionID:  optionID,
		Cancelled: cancelled,
	})
	o.pubMu.Lock()
	o.bus.PublishSync(event.Event{Type: event.PermissionResolved, Data: event.PermissionResolvedData{
		RequestID: requestID,
		OptionID:  optionID,
		Cancelled: cancelled,
	}})
	o.pubMu.Unlock()
	return sent
}

// HandleState implements client.Handler. Losing the connection ends the
// active turn and drops pending permission requests; a new socket never
// carries the old turn's chat_response.
func (o *Orchestrator) HandleState(s avatar.State) {
	o.pubMu.Lock()
	defer o.pubMu.Unlock()

	o.mu.Lock()
	dropped := o.connected && !s.Connected
	o.connected = s.Connected
	var (
		fin      event.TurnFinishedData
		ok       bool
		snapshot []Message
	)
	if dropped && !o.closed {
		// Requests from the closed socket can no longer be answered.
		o.permissions = make(map[string]protocol.PermissionRequestData)
		o.permOrder = nil
		if fin, ok = o.finishLocked(event.ReasonDisconnected, ConnectionLost, nil); ok {
			snapshot = cloneMessages(o.messages)
		}
	}
	o.mu.Unlock()

	o.bus.PublishSync(event.Event{Type: event.StateChanged, Data: event.StateChangedData{State: s}})
	if ok {
		o.log.Warn().Str("message_id", fin.MessageID).Msg("connection lost during turn")
		o.publishMessages(snapshot)
		o.bus.PublishSync(event.Event{Type: event.TurnFinished, Data: fin})
	}
}

// HandleMessage implements client.Handler.
func (o *Orchestrator) HandleMessage(env protocol.Envelope) {
	o.pubMu.Lock()
	defer o.pubMu.Unlock()

	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return
	}
	if o.active != nil && env.Type != protocol.TypePong && env.Type != protocol.TypeConnected {
		o.stopWatchdogLocked()
	}

	var (
		changed bool
		fin     *event.TurnFinishedData
		extra   []event.Event
	)

	switch env.Type {
	case protocol.TypeText:
		var data protocol.TextData
		if env.Decode(&data) == nil {
			changed = o.appendTextLocked(data.Delta())
		}

	case protocol.TypeThinking:
		var data protocol.ThinkingData
		if env.Decode(&data) == nil {
			changed = o.applyThinkingLocked(data)
		}

	case protocol.TypeTool:
		var data protocol.ToolData
		if env.Decode(&data) == nil {
			changed = o.upsertToolLocked(data)
		}

	case protocol.TypeChatResponse:
		var data protocol.ChatResponseData
		if err := env.Decode(&data); err != nil {
			o.log.Debug().Err(err).Msg("undecodable chat_response")
		}
		fallback := data.Content
		if fallback == "" && data.Error != "" {
			fallback = errorPrefix + data.Error
		}
		reason := event.ReasonCompleted
		if data.Error != "" {
			reason = event.ReasonError
		}
		if f, ok := o.finishLocked(reason, fallback, func(m *Message) {
			if data.DurationMs > 0 {
				m.DurationMs = data.DurationMs
			}
			m.CostUSD = data.CostUSD
			if len(data.Images) > 0 {
				m.Images = append([]string(nil), data.Images...)
			}
		}); ok {
			fin, changed = &f, true
		}

	case protocol.TypeError:
		var data protocol.ErrorData
		text := "unknown error"
		if env.Decode(&data) == nil {
			text = data.Text()
		}
		if f, ok := o.finishLocked(event.ReasonError, errorPrefix+text, nil); ok {
			fin, changed = &f, true
		}

	case protocol.TypeHistoryCleared:
		o.wipeLocked()
		changed = true

	case protocol.TypePermissionRequest:
		var data protocol.PermissionRequestData
		if env.Decode(&data) == nil && data.RequestID != "" {
			if _, seen := o.permissions[data.RequestID]; !seen {
				o.permOrder = append(o.permOrder, data.RequestID)
			}
			o.permissions[data.RequestID] = data
			extra = append(extra, event.Event{Type: event.PermissionRequested, Data: event.PermissionRequestedData{Request: data}})
		}

	case protocol.TypeActivity:
		var data protocol.ActivityData
		if env.Decode(&data) == nil {
			extra = append(extra, event.Event{Type: event.ActivityUpdated, Data: event.ActivityUpdatedData{Activity: data}})
		}
	}

	var snapshot []Message
	if changed {
		snapshot = cloneMessages(o.messages)
	}
	o.mu.Unlock()

	if changed {
		o.publishMessages(snapshot)
	}
	if fin != nil {
		o.bus.PublishSync(event.Event{Type: event.TurnFinished, Data: *fin})
	}
	for _, e := range extra {
		o.bus.PublishSync(e)
	}
}

// activeLocked returns the in-flight assistant message.
func (o *Orchestrator) activeLocked() *Message {
	if o.active == nil {
		return nil
	}
	for i := len(o.messages) - 1; i >= 0; i-- {
		if o.messages[i].ID == o.active.assistantID {
			return &o.messages[i]
		}
	}
	return nil
}

func (o *Orchestrator) appendTextLocked(delta string) bool {
	m := o.activeLocked()
	if m == nil || delta == "" {
		return false
	}
	m.Content += delta
	if m.Thinking != nil {
		m.Thinking.IsComplete = true
	}
	return true
}

func (o *Orchestrator) applyThinkingLocked(data protocol.ThinkingData) bool {
	m := o.activeLocked()
	if m == nil {
		return false
	}
	if data.IsComplete {
		if m.Thinking == nil || m.Thinking.IsComplete {
			return false
		}
		m.Thinking.IsComplete = true
		return true
	}
	if m.Thinking == nil || (data.IsStart && m.Thinking.IsComplete) {
		phase := data.Phase
		if phase == "" {
			phase = avatar.PhaseGeneral
		}
		m.Thinking = &ThinkingBlock{Phase: phase, Subject: data.Subject, StartedAt: time.Now()}
		return true
	}
	if data.Phase != "" {
		m.Thinking.Phase = data.Phase
	}
	if data.Subject != "" {
		m.Thinking.Subject = data.Subject
	}
	return true
}

func (o *Orchestrator) upsertToolLocked(data protocol.ToolData) bool {
	m := o.activeLocked()
	key := data.Key()
	if m == nil || key == "" {
		return false
	}
	idx := -1
	for i := range m.Tools {
		if m.Tools[i].ToolID == key {
			idx = i
			break
		}
	}

	switch data.Status {
	case protocol.ToolStarted:
		if idx >= 0 {
			return false
		}
		m.Tools = append(m.Tools, ToolInfo{
			ToolID:    key,
			Name:      data.ToolName,
			Status:    protocol.ToolStarted,
			Params:    data.Parameters,
			StartedAt: time.Now(),
		})
		return true

	case protocol.ToolCompleted, protocol.ToolFailed:
		if idx < 0 {
			o.log.Debug().Str("tool_id", key).Str("status", data.Status).Msg("tool update without start")
			return false
		}
		now := time.Now()
		t := &m.Tools[idx]
		t.Status = data.Status
		t.Error = data.Error
		t.CompletedAt = &now
		return true
	}
	return false
}

// finishLocked ends the active turn. fallback replaces empty content; apply,
// if set, runs before the fallback is considered.
func (o *Orchestrator) finishLocked(reason, fallback string, apply func(*Message)) (event.TurnFinishedData, bool) {
	if o.active == nil {
		return event.TurnFinishedData{}, false
	}
	o.stopWatchdogLocked()
	startedAt := o.active.startedAt
	m := o.activeLocked()
	o.active = nil
	if m == nil {
		return event.TurnFinishedData{}, false
	}

	if apply != nil {
		apply(m)
	}
	if m.Content == "" {
		m.Content = fallback
	}
	if m.DurationMs == 0 {
		m.DurationMs = time.Since(startedAt).Milliseconds()
	}
	if m.Thinking != nil {
		m.Thinking.IsComplete = true
	}
	m.IsStreaming = false

	o.log.Debug().Str("message_id", m.ID).Str("reason", reason).Msg("turn finished")
	return event.TurnFinishedData{MessageID: m.ID, Reason: reason, Content: m.Content}, true
}

// wipe clears the local log and publishes the empty list. It returns the
// new epoch.
func (o *Orchestrator) wipe() uint64 {
	o.pubMu.Lock()
	defer o.pubMu.Unlock()
	o.mu.Lock()
	o.wipeLocked()
	epoch := o.epoch
	o.mu.Unlock()

	o.publishMessages(nil)
	return epoch
}

func (o *Orchestrator) wipeLocked() {
	o.stopWatchdogLocked()
	o.messages = nil
	o.active = nil
	o.permissions = make(map[string]protocol.PermissionRequestData)
	o.permOrder = nil
	o.epoch++
}

func (o *Orchestrator) forgetPermissionLocked(requestID string) {
	delete(o.permissions, requestID)
	for i, id := range o.permOrder {
		if id == requestID {
			o.permOrder = append(o.permOrder[:i:i], o.permOrder[i+1:]...)
			break
		}
	}
}

func (o *Orchestrator) watchdogTimeout(attachments []protocol.Attachment) time.Duration {
	const mb = 1 << 20
	var total int64
	for _, att := range attachments {
		if att.Size > 0 {
			total += att.Size
		}
	}
	startedMB := (total + mb - 1) / mb
	return o.opts.WatchdogBase + time.Duration(startedMB)*o.opts.WatchdogPerMB
}

func (o *Orchestrator) armWatchdogLocked(d time.Duration) {
	o.stopWatchdogLocked()
	gen := o.watchdogGen
	o.watchdog = time.AfterFunc(d, func() { o.onWatchdog(gen) })
}

func (o *Orchestrator) stopWatchdogLocked() {
	o.watchdogGen++
	if o.watchdog != nil {
		o.watchdog.Stop()
		o.watchdog = nil
	}
}

func (o *Orchestrator) onWatchdog(gen uint64) {
	o.pubMu.Lock()
	defer o.pubMu.Unlock()
	o.mu.Lock()
	if gen != o.watchdogGen || o.closed {
		o.mu.Unlock()
		return
	}
	o.watchdog = nil
	fin, ok := o.finishLocked(event.ReasonTimeout, NoResponseContent, nil)
	snapshot := cloneMessages(o.messages)
	o.mu.Unlock()

	if ok {
		o.log.Warn().Str("message_id", fin.MessageID).Msg("no response from agent")
		o.publishMessages(snapshot)
		o.bus.PublishSync(event.Event{Type: event.TurnFinished, Data: fin})
	}
}

func (o *Orchestrator) publishMessages(snapshot []Message) {
	if snapshot == nil {
		snapshot = []Message{}
	}
	o.bus.PublishSync(event.Event{Type: event.MessagesChanged, Data: MessagesChangedData{Messages: snapshot}})
}
