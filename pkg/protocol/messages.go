package protocol

import "time"

// ConnectedData is sent by the server once the session is ready.
type ConnectedData struct {
	SessionID    string          `json:"session_id"`
	SessionTitle string          `json:"session_title,omitempty"`
	Provider     string          `json:"provider"`
	Model        string          `json:"model,omitempty"`
	Version      string          `json:"version,omitempty"`
	Cwd          string          `json:"cwd,omitempty"`
	Capabilities map[string]bool `json:"capabilities,omitempty"`
	EngineState  string          `json:"engine_state,omitempty"`
	SafetyMode   string          `json:"safety_mode,omitempty"`
}

// EngineStateData reports a coarse phase change of the agent's turn pipeline.
type EngineStateData struct {
	State    string `json:"state"`
	ToolName string `json:"tool_name,omitempty"`
}

// ThinkingData carries reasoning progress.
type ThinkingData struct {
	IsStart    bool   `json:"is_start"`
	IsComplete bool   `json:"is_complete"`
	Phase      string `json:"phase,omitempty"`
	Subject    string `json:"subject,omitempty"`
}

// TextData is one streamed answer delta. Older servers send the delta in
// "content" instead of "text".
type TextData struct {
	Text    string `json:"text,omitempty"`
	Content string `json:"content,omitempty"`
}

// Delta returns the streamed text.
func (d TextData) Delta() string {
	if d.Text != "" {
		return d.Text
	}
	return d.Content
}

// Tool lifecycle statuses.
const (
	ToolStarted   = "started"
	ToolCompleted = "completed"
	ToolFailed    = "failed"
)

// ToolData reports one tool-call lifecycle step.
type ToolData struct {
	ToolName   string         `json:"tool_name"`
	ToolID     string         `json:"tool_id,omitempty"`
	Status     string         `json:"status"`
	Parameters map[string]any `json:"parameters,omitempty"`
	Error      string         `json:"error,omitempty"`
}

// Key identifies the tool call within a turn.
func (d ToolData) Key() string {
	if d.ToolID != "" {
		return d.ToolID
	}
	return d.ToolName
}

// CostData is an incremental cost report.
type CostData struct {
	CostUSD      float64 `json:"cost_usd"`
	InputTokens  int64   `json:"input_tokens"`
	OutputTokens int64   `json:"output_tokens"`
}

// ErrorData is an application-level error reported by the server.
type ErrorData struct {
	Error   string `json:"error,omitempty"`
	Message string `json:"message,omitempty"`
}

// Text returns the error text, falling back to a generic description.
func (d ErrorData) Text() string {
	switch {
	case d.Error != "":
		return d.Error
	case d.Message != "":
		return d.Message
	default:
		return "unknown error"
	}
}

// DiagnosticData is a non-fatal notice from the backend (stderr lines,
// provider warnings).
type DiagnosticData struct {
	Level   string `json:"level,omitempty"`
	Message string `json:"message"`
	Source  string `json:"source,omitempty"`
}

// ActivityData describes background work reported by the provider.
type ActivityData struct {
	ActivityID string   `json:"activity_id,omitempty"`
	Name       string   `json:"name,omitempty"`
	Status     string   `json:"status,omitempty"`
	Detail     string   `json:"detail,omitempty"`
	Progress   *float64 `json:"progress,omitempty"`
}

// ChatResponseData terminates a turn.
type ChatResponseData struct {
	Content    string   `json:"content"`
	Success    bool     `json:"success"`
	Error      string   `json:"error,omitempty"`
	DurationMs int64    `json:"duration_ms,omitempty"`
	CostUSD    float64  `json:"cost_usd,omitempty"`
	Images     []string `json:"images,omitempty"`
}

// SessionTitleData announces a new title for the session.
type SessionTitleData struct {
	SessionID string `json:"session_id,omitempty"`
	Title     string `json:"title"`
}

// PermissionOption is one of the answers offered for a permission request.
type PermissionOption struct {
	OptionID string `json:"option_id"`
	Name     string `json:"name"`
	Kind     string `json:"kind,omitempty"` // allow_once, allow_always, reject_once, ...
}

// PermissionRequestData asks the user to approve a tool call.
type PermissionRequestData struct {
	RequestID string             `json:"request_id"`
	ToolName  string             `json:"tool_name,omitempty"`
	ToolInput map[string]any     `json:"tool_input,omitempty"`
	Title     string             `json:"title,omitempty"`
	Options   []PermissionOption `json:"options,omitempty"`
}

// InitializingData is sent while the backend starts the provider.
type InitializingData struct {
	Provider string `json:"provider,omitempty"`
	Message  string `json:"message,omitempty"`
}

// Attachment is the metadata returned by the upload endpoint and forwarded
// on chat requests.
type Attachment struct {
	FileID   string `json:"file_id"`
	Filename string `json:"filename"`
	MimeType string `json:"mime_type"`
	Size     int64  `json:"size"`
	Path     string `json:"path"`
}

// ChatRequest submits one user turn.
type ChatRequest struct {
	Message     string         `json:"message"`
	Attachments []Attachment   `json:"attachments,omitempty"`
	Context     map[string]any `json:"context,omitempty"`
}

// SwitchRequest changes provider and/or model.
type SwitchRequest struct {
	Provider string         `json:"provider"`
	Model    string         `json:"model,omitempty"`
	Options  map[string]any `json:"options,omitempty"`
}

// ResumeSessionRequest resumes a stored session.
type ResumeSessionRequest struct {
	SessionID string `json:"session_id"`
}

// PermissionResponse answers a PermissionRequestData.
type PermissionResponse struct {
	RequestID string `json:"request_id"`
	OptionID  string `json:"option_id,omitempty"`
	Cancelled bool   `json:"cancelled"`
}

// HistoryMessage is one entry of a stored session transcript.
type HistoryMessage struct {
	Role      string     `json:"role"`
	Content   string     `json:"content"`
	Timestamp *time.Time `json:"timestamp,omitempty"`
}

// SessionHistory is the response of the session-history endpoint.
type SessionHistory struct {
	SessionID string           `json:"session_id,omitempty"`
	Messages  []HistoryMessage `json:"messages"`
}

// SessionSummary describes one stored session.
type SessionSummary struct {
	ID        string    `json:"id"`
	Title     string    `json:"title,omitempty"`
	Provider  string    `json:"provider,omitempty"`
	Model     string    `json:"model,omitempty"`
	UpdatedAt time.Time `json:"updated_at,omitempty"`
}

// ListSessionsResponse is the response of the session-list endpoint.
type ListSessionsResponse struct {
	Sessions []SessionSummary `json:"sessions"`
}
