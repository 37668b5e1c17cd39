// Package testutil provides a scriptable avatar backend for tests and local
// development.
package testutil

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/raven2cz/avatar-engine-sub000/internal/logging"
	"github.com/raven2cz/avatar-engine-sub000/pkg/avatar"
	"github.com/raven2cz/avatar-engine-sub000/pkg/protocol"
)

// WSPath is where the backend accepts WebSocket connections.
const WSPath = "/api/avatar/ws"

// MockBackend mimics the avatar server: a WebSocket event stream plus the
// upload and session history endpoints.
type MockBackend struct {
	script   *Script
	router   chi.Router
	server   *httptest.Server
	upgrader websocket.Upgrader
	log      zerolog.Logger

	mu          sync.Mutex
	conns       map[*backendConn]struct{}
	received    []protocol.Envelope
	handshakes  []http.Header
	queries     []url.Values
	uploads     map[string][]byte
	sessions    map[string]*mockSession
	current     string
	provider    string
	model       string
	nextSession int
	nextFile    int
}

type mockSession struct {
	summary  protocol.SessionSummary
	messages []protocol.HistoryMessage
}

// NewMockBackend builds a backend for script. A nil script uses DefaultScript.
func NewMockBackend(script *Script) *MockBackend {
	if script == nil {
		script = DefaultScript()
	}
	b := &MockBackend{
		script:   script,
		upgrader: websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }},
		log:      logging.Component("mock-backend"),
		conns:    make(map[*backendConn]struct{}),
		uploads:  make(map[string][]byte),
		sessions: make(map[string]*mockSession),
		provider: script.Settings.Provider,
		model:    script.Settings.Model,
	}
	for _, fx := range script.Sessions {
		sess := &mockSession{summary: protocol.SessionSummary{
			ID:        fx.ID,
			Title:     fx.Title,
			Provider:  b.provider,
			Model:     b.model,
			UpdatedAt: time.Now().UTC(),
		}}
		for _, m := range fx.Messages {
			sess.messages = append(sess.messages, protocol.HistoryMessage{Role: m.Role, Content: m.Content})
		}
		b.sessions[fx.ID] = sess
	}
	b.setupRoutes()
	return b
}

// StartMockBackend builds a backend and serves it on a local test server.
func StartMockBackend(script *Script) *MockBackend {
	b := NewMockBackend(script)
	b.server = httptest.NewServer(b.router)
	return b
}

func (b *MockBackend) setupRoutes() {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-ID"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
	})
	r.Get(WSPath, b.handleWebSocket)
	r.Post("/api/upload", b.handleUpload)
	r.Get("/api/sessions", b.handleListSessions)
	r.Get("/api/sessions/{id}/messages", b.handleSessionMessages)

	b.router = r
}

// Handler returns the HTTP handler for serving the backend.
func (b *MockBackend) Handler() http.Handler {
	return b.router
}

// URL returns the base URL of a started backend.
func (b *MockBackend) URL() string {
	if b.server == nil {
		return ""
	}
	return b.server.URL
}

// Close drops all connections and shuts down a started backend.
func (b *MockBackend) Close() {
	b.DropConnections()
	if b.server != nil {
		b.server.Close()
	}
}

// Received returns every client message seen so far, pings excluded.
func (b *MockBackend) Received() []protocol.Envelope {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]protocol.Envelope(nil), b.received...)
}

// ReceivedTypes returns the types of Received in order.
func (b *MockBackend) ReceivedTypes() []string {
	var types []string
	for _, env := range b.Received() {
		types = append(types, env.Type)
	}
	return types
}

// Handshakes returns the headers of every accepted WebSocket upgrade.
func (b *MockBackend) Handshakes() []http.Header {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]http.Header(nil), b.handshakes...)
}

// Queries returns the query parameters of every accepted WebSocket upgrade.
func (b *MockBackend) Queries() []url.Values {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]url.Values(nil), b.queries...)
}

// Connections returns the number of open WebSocket connections.
func (b *MockBackend) Connections() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.conns)
}

// CurrentSession returns the active session id.
func (b *MockBackend) CurrentSession() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.current
}

// Push sends a frame to every open connection.
func (b *MockBackend) Push(msgType string, data any) error {
	raw, err := protocol.Encode(msgType, data)
	if err != nil {
		return err
	}
	for _, c := range b.snapshotConns() {
		if err := c.writeRaw(raw); err != nil {
			return err
		}
	}
	return nil
}

// DropConnections closes every open WebSocket without a close handshake.
func (b *MockBackend) DropConnections() {
	for _, c := range b.snapshotConns() {
		c.close()
	}
}

func (b *MockBackend) snapshotConns() []*backendConn {
	b.mu.Lock()
	defer b.mu.Unlock()
	conns := make([]*backendConn, 0, len(b.conns))
	for c := range b.conns {
		conns = append(conns, c)
	}
	return conns
}

func (b *MockBackend) record(env protocol.Envelope) {
	if env.Type == protocol.TypePing {
		return
	}
	b.mu.Lock()
	b.received = append(b.received, env)
	b.mu.Unlock()
}

// newSessionLocked creates and activates an empty session.
func (b *MockBackend) newSessionLocked() *mockSession {
	b.nextSession++
	id := fmt.Sprintf("session-%d", b.nextSession)
	sess := &mockSession{summary: protocol.SessionSummary{
		ID:        id,
		Provider:  b.provider,
		Model:     b.model,
		UpdatedAt: time.Now().UTC(),
	}}
	b.sessions[id] = sess
	b.current = id
	return sess
}

func (b *MockBackend) currentSessionLocked() *mockSession {
	if sess, ok := b.sessions[b.current]; ok {
		return sess
	}
	return b.newSessionLocked()
}

func (b *MockBackend) connectedLocked() protocol.ConnectedData {
	sess := b.currentSessionLocked()
	return protocol.ConnectedData{
		SessionID:    sess.summary.ID,
		SessionTitle: sess.summary.Title,
		Provider:     b.provider,
		Model:        b.model,
		Version:      b.script.Settings.Version,
		Capabilities: b.script.Settings.Capabilities,
		EngineState:  string(avatar.EngineIdle),
	}
}

func (b *MockBackend) appendHistory(role, content string) {
	now := time.Now().UTC()
	b.mu.Lock()
	defer b.mu.Unlock()
	sess := b.currentSessionLocked()
	sess.messages = append(sess.messages, protocol.HistoryMessage{Role: role, Content: content, Timestamp: &now})
	sess.summary.UpdatedAt = now
}

func (b *MockBackend) setTitle(title string) string {
	b.mu.Lock()
	defer b.mu.Unlock()
	sess := b.currentSessionLocked()
	sess.summary.Title = title
	return sess.summary.ID
}

func (b *MockBackend) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	ws, err := b.upgrader.Upgrade(w, r, nil)
	if err != nil {
		b.log.Warn().Err(err).Msg("upgrade failed")
		return
	}

	c := &backendConn{
		backend:     b,
		ws:          ws,
		permissions: make(map[string]chan protocol.PermissionResponse),
	}

	b.mu.Lock()
	b.conns[c] = struct{}{}
	b.handshakes = append(b.handshakes, r.Header.Clone())
	b.queries = append(b.queries, r.URL.Query())
	connected := b.connectedLocked()
	b.mu.Unlock()

	b.log.Debug().Str("client_id", r.URL.Query().Get("client_id")).Msg("client connected")
	c.send(protocol.TypeConnected, connected)
	c.readLoop()

	b.mu.Lock()
	delete(b.conns, c)
	b.mu.Unlock()
	c.cancelTurn()
	c.close()
}

func (b *MockBackend) handleUpload(w http.ResponseWriter, r *http.Request) {
	file, header, err := r.FormFile("file")
	if err != nil {
		http.Error(w, "missing file field", http.StatusBadRequest)
		return
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		http.Error(w, "failed to read upload", http.StatusBadRequest)
		return
	}

	b.mu.Lock()
	b.nextFile++
	id := fmt.Sprintf("file-%d", b.nextFile)
	b.uploads[id] = data
	b.mu.Unlock()

	mimeType := header.Header.Get("Content-Type")
	if mimeType == "" {
		mimeType = http.DetectContentType(data)
	}
	writeJSON(w, http.StatusOK, protocol.Attachment{
		FileID:   id,
		Filename: header.Filename,
		MimeType: mimeType,
		Size:     int64(len(data)),
		Path:     "/uploads/" + id + "/" + header.Filename,
	})
}

// Upload returns the bytes stored under fileID.
func (b *MockBackend) Upload(fileID string) ([]byte, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	data, ok := b.uploads[fileID]
	return data, ok
}

func (b *MockBackend) handleListSessions(w http.ResponseWriter, _ *http.Request) {
	b.mu.Lock()
	list := make([]protocol.SessionSummary, 0, len(b.sessions))
	for _, sess := range b.sessions {
		list = append(list, sess.summary)
	}
	b.mu.Unlock()

	sort.Slice(list, func(i, j int) bool {
		if !list[i].UpdatedAt.Equal(list[j].UpdatedAt) {
			return list[i].UpdatedAt.After(list[j].UpdatedAt)
		}
		return list[i].ID < list[j].ID
	})
	writeJSON(w, http.StatusOK, protocol.ListSessionsResponse{Sessions: list})
}

func (b *MockBackend) handleSessionMessages(w http.ResponseWriter, r *http.Request) {
	id, err := url.PathUnescape(chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, "bad session id", http.StatusBadRequest)
		return
	}

	b.mu.Lock()
	sess, ok := b.sessions[id]
	var msgs []protocol.HistoryMessage
	if ok {
		msgs = append([]protocol.HistoryMessage{}, sess.messages...)
	}
	b.mu.Unlock()

	if !ok {
		http.Error(w, "session not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, protocol.SessionHistory{SessionID: id, Messages: msgs})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// backendConn is one client connection.
type backendConn struct {
	backend *MockBackend
	ws      *websocket.Conn
	writeMu sync.Mutex

	mu          sync.Mutex
	cancel      context.CancelFunc
	permissions map[string]chan protocol.PermissionResponse
	closeOnce   sync.Once
}

func (c *backendConn) close() {
	c.closeOnce.Do(func() { c.ws.Close() })
}

func (c *backendConn) writeRaw(raw []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.ws.WriteMessage(websocket.TextMessage, raw)
}

func (c *backendConn) send(msgType string, data any) bool {
	raw, err := protocol.Encode(msgType, data)
	if err != nil {
		c.backend.log.Error().Err(err).Str("type", msgType).Msg("encode failed")
		return false
	}
	return c.writeRaw(raw) == nil
}

func (c *backendConn) readLoop() {
	for {
		_, raw, err := c.ws.ReadMessage()
		if err != nil {
			return
		}
		env, err := protocol.DecodeEnvelope(raw)
		if err != nil {
			c.send(protocol.TypeError, protocol.ErrorData{Error: "invalid message"})
			continue
		}
		c.backend.record(env)
		c.handle(env)
	}
}

func (c *backendConn) handle(env protocol.Envelope) {
	b := c.backend
	switch env.Type {
	case protocol.TypePing:
		c.send(protocol.TypePong, nil)

	case protocol.TypeChat:
		var req protocol.ChatRequest
		if err := env.Decode(&req); err != nil || strings.TrimSpace(req.Message) == "" {
			c.send(protocol.TypeError, protocol.ErrorData{Error: "empty message"})
			return
		}
		ctx := c.startTurn()
		go c.runTurn(ctx, req)

	case protocol.TypeStop:
		if c.cancelTurn() {
			c.send(protocol.TypeEngineState, protocol.EngineStateData{State: string(avatar.EngineIdle)})
		}

	case protocol.TypeClearHistory:
		c.cancelTurn()
		b.mu.Lock()
		b.currentSessionLocked().messages = nil
		b.mu.Unlock()
		c.send(protocol.TypeHistoryCleared, nil)

	case protocol.TypeSwitch:
		var req protocol.SwitchRequest
		if err := env.Decode(&req); err != nil || req.Provider == "" {
			c.send(protocol.TypeError, protocol.ErrorData{Error: "invalid switch request"})
			return
		}
		c.cancelTurn()
		c.send(protocol.TypeInitializing, protocol.InitializingData{Provider: req.Provider, Message: "Switching provider"})
		b.mu.Lock()
		b.provider = req.Provider
		b.model = req.Model
		b.newSessionLocked()
		connected := b.connectedLocked()
		b.mu.Unlock()
		c.send(protocol.TypeConnected, connected)

	case protocol.TypeNewSession:
		c.cancelTurn()
		b.mu.Lock()
		b.newSessionLocked()
		connected := b.connectedLocked()
		b.mu.Unlock()
		c.send(protocol.TypeConnected, connected)

	case protocol.TypeResumeSession:
		var req protocol.ResumeSessionRequest
		_ = env.Decode(&req)
		c.cancelTurn()
		b.mu.Lock()
		_, ok := b.sessions[req.SessionID]
		if ok {
			b.current = req.SessionID
		}
		connected := b.connectedLocked()
		b.mu.Unlock()
		if !ok {
			c.send(protocol.TypeError, protocol.ErrorData{Error: "session not found: " + req.SessionID})
			return
		}
		c.send(protocol.TypeConnected, connected)

	case protocol.TypePermissionResponse:
		var resp protocol.PermissionResponse
		if err := env.Decode(&resp); err != nil {
			return
		}
		c.mu.Lock()
		ch, ok := c.permissions[resp.RequestID]
		delete(c.permissions, resp.RequestID)
		c.mu.Unlock()
		if ok {
			ch <- resp
		}

	default:
		b.log.Debug().Str("type", env.Type).Msg("ignoring client message")
	}
}

// startTurn cancels any running turn and returns the context of a new one.
func (c *backendConn) startTurn() context.Context {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cancel != nil {
		c.cancel()
	}
	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	return ctx
}

// cancelTurn stops the running turn and reports whether there was one.
func (c *backendConn) cancelTurn() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cancel == nil {
		return false
	}
	c.cancel()
	c.cancel = nil
	return true
}

func (c *backendConn) endTurn(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if ctx.Err() == nil && c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
}

func (c *backendConn) awaitPermission(ctx context.Context, step *PermissionStep) (protocol.PermissionResponse, bool) {
	ch := make(chan protocol.PermissionResponse, 1)
	c.mu.Lock()
	c.permissions[step.RequestID] = ch
	c.mu.Unlock()

	c.send(protocol.TypeEngineState, protocol.EngineStateData{State: string(avatar.EngineWaitingApproval)})
	c.send(protocol.TypePermissionRequest, protocol.PermissionRequestData{
		RequestID: step.RequestID,
		ToolName:  step.ToolName,
		Title:     step.Title,
		Options: []protocol.PermissionOption{
			{OptionID: "allow", Name: "Allow", Kind: "allow_once"},
			{OptionID: "deny", Name: "Deny", Kind: "reject_once"},
		},
	})

	select {
	case resp := <-ch:
		return resp, true
	case <-ctx.Done():
		c.mu.Lock()
		delete(c.permissions, step.RequestID)
		c.mu.Unlock()
		return protocol.PermissionResponse{}, false
	}
}

// runTurn plays the rule matching req. Every step checks ctx so a stop
// request silences the rest of the turn.
func (c *backendConn) runTurn(ctx context.Context, req protocol.ChatRequest) {
	defer c.endTurn(ctx)

	b := c.backend
	settings := b.script.Settings
	rule := b.script.Find(req.Message)
	started := time.Now()
	b.appendHistory("user", req.Message)

	step := func(msgType string, data any) bool {
		if ctx.Err() != nil {
			return false
		}
		return c.send(msgType, data)
	}
	pause := func(ms int) bool {
		if ms <= 0 {
			return ctx.Err() == nil
		}
		select {
		case <-time.After(time.Duration(ms) * time.Millisecond):
			return true
		case <-ctx.Done():
			return false
		}
	}

	if !pause(settings.LagMS) || rule.Silent {
		return
	}
	if !step(protocol.TypeEngineState, protocol.EngineStateData{State: string(avatar.EngineThinking)}) {
		return
	}

	if rule.Thinking != nil {
		if !step(protocol.TypeThinking, protocol.ThinkingData{IsStart: true, Phase: rule.Thinking.Phase, Subject: rule.Thinking.Subject}) ||
			!pause(settings.ChunkDelayMS) ||
			!step(protocol.TypeThinking, protocol.ThinkingData{IsComplete: true, Phase: rule.Thinking.Phase, Subject: rule.Thinking.Subject}) {
			return
		}
	}

	if rule.Activity != "" {
		if !step(protocol.TypeActivity, protocol.ActivityData{ActivityID: rule.Name, Name: rule.Activity, Status: "running"}) {
			return
		}
	}

	denied := false
	if rule.Permission != nil {
		resp, ok := c.awaitPermission(ctx, rule.Permission)
		if !ok {
			return
		}
		denied = resp.Cancelled || resp.OptionID != "allow"
	}

	if !denied {
		for _, tool := range rule.Tools {
			if !step(protocol.TypeEngineState, protocol.EngineStateData{State: string(avatar.EngineToolExecuting), ToolName: tool.Name}) ||
				!step(protocol.TypeTool, protocol.ToolData{ToolID: tool.ID, ToolName: tool.Name, Status: protocol.ToolStarted, Parameters: tool.Params}) ||
				!pause(settings.ChunkDelayMS) {
				return
			}
			done := protocol.ToolData{ToolID: tool.ID, ToolName: tool.Name, Status: protocol.ToolCompleted}
			if tool.Fail != "" {
				done.Status = protocol.ToolFailed
				done.Error = tool.Fail
			}
			if !step(protocol.TypeTool, done) {
				return
			}
		}
	}

	if rule.Error != "" {
		step(protocol.TypeError, protocol.ErrorData{Error: rule.Error})
		return
	}

	response := rule.Response
	if denied {
		response = "Permission denied."
	}

	var sent strings.Builder
	if rule.FailTurn == "" {
		if !step(protocol.TypeEngineState, protocol.EngineStateData{State: string(avatar.EngineResponding)}) {
			return
		}
		for _, chunk := range chunkText(response, settings.ChunkSize) {
			if !pause(settings.ChunkDelayMS) || !step(protocol.TypeText, protocol.TextData{Text: chunk}) {
				return
			}
			sent.WriteString(chunk)
		}
	}

	if rule.CostUSD > 0 {
		step(protocol.TypeCost, protocol.CostData{
			CostUSD:      rule.CostUSD,
			InputTokens:  int64(len(req.Message)),
			OutputTokens: int64(sent.Len()),
		})
	}
	if rule.Title != "" {
		id := b.setTitle(rule.Title)
		step(protocol.TypeSessionTitleUpdated, protocol.SessionTitleData{SessionID: id, Title: rule.Title})
	}
	if rule.Diagnostic != "" {
		step(protocol.TypeDiagnostic, protocol.DiagnosticData{Level: "warning", Message: rule.Diagnostic, Source: "mock"})
	}
	if rule.Activity != "" {
		step(protocol.TypeActivity, protocol.ActivityData{ActivityID: rule.Name, Name: rule.Activity, Status: "completed"})
	}

	result := protocol.ChatResponseData{
		Content:    sent.String(),
		Success:    rule.FailTurn == "",
		Error:      rule.FailTurn,
		DurationMs: time.Since(started).Milliseconds(),
		CostUSD:    rule.CostUSD,
		Images:     rule.Images,
	}
	if !step(protocol.TypeChatResponse, result) {
		return
	}
	if result.Success {
		b.appendHistory("assistant", result.Content)
	}
	step(protocol.TypeEngineState, protocol.EngineStateData{State: string(avatar.EngineIdle)})
}

// chunkText splits s into frames of size characters, or into words when
// size is zero.
func chunkText(s string, size int) []string {
	if s == "" {
		return nil
	}
	var chunks []string
	if size <= 0 {
		words := strings.SplitAfter(s, " ")
		for _, w := range words {
			if w != "" {
				chunks = append(chunks, w)
			}
		}
		return chunks
	}
	runes := []rune(s)
	for len(runes) > 0 {
		n := size
		if n > len(runes) {
			n = len(runes)
		}
		chunks = append(chunks, string(runes[:n]))
		runes = runes[n:]
	}
	return chunks
}
