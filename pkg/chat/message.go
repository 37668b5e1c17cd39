package chat

import (
	"time"

	"github.com/raven2cz/avatar-engine-sub000/pkg/protocol"
)

// Role of a message author.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// ToolInfo is one tool call made during an assistant turn.
type ToolInfo struct {
	ToolID      string         `json:"tool_id"`
	Name        string         `json:"name"`
	Status      string         `json:"status"`
	Params      map[string]any `json:"params,omitempty"`
	Error       string         `json:"error,omitempty"`
	StartedAt   time.Time      `json:"started_at"`
	CompletedAt *time.Time     `json:"completed_at,omitempty"`
}

// ThinkingBlock is the reasoning attached to an assistant turn.
type ThinkingBlock struct {
	Phase      string    `json:"phase"`
	Subject    string    `json:"subject,omitempty"`
	IsComplete bool      `json:"is_complete"`
	StartedAt  time.Time `json:"started_at"`
}

// Message is one entry of the conversation log.
type Message struct {
	ID          string                `json:"id"`
	Role        Role                  `json:"role"`
	Content     string                `json:"content"`
	Tools       []ToolInfo            `json:"tools,omitempty"`
	Thinking    *ThinkingBlock        `json:"thinking,omitempty"`
	IsStreaming bool                  `json:"is_streaming"`
	DurationMs  int64                 `json:"duration_ms,omitempty"`
	CostUSD     float64               `json:"cost_usd,omitempty"`
	Attachments []protocol.Attachment `json:"attachments,omitempty"`
	Images      []string              `json:"images,omitempty"`
	CreatedAt   time.Time             `json:"created_at"`
}

// Clone returns a deep copy of m.
func (m Message) Clone() Message {
	out := m
	if m.Tools != nil {
		out.Tools = make([]ToolInfo, len(m.Tools))
		for i, t := range m.Tools {
			out.Tools[i] = t.clone()
		}
	}
	if m.Thinking != nil {
		th := *m.Thinking
		out.Thinking = &th
	}
	if m.Attachments != nil {
		out.Attachments = append([]protocol.Attachment(nil), m.Attachments...)
	}
	if m.Images != nil {
		out.Images = append([]string(nil), m.Images...)
	}
	return out
}

func (t ToolInfo) clone() ToolInfo {
	out := t
	if t.Params != nil {
		out.Params = make(map[string]any, len(t.Params))
		for k, v := range t.Params {
			out.Params[k] = v
		}
	}
	if t.CompletedAt != nil {
		at := *t.CompletedAt
		out.CompletedAt = &at
	}
	return out
}

// MessagesChangedData is the payload of event.MessagesChanged.
type MessagesChangedData struct {
	Messages []Message `json:"messages"`
}

func cloneMessages(in []Message) []Message {
	out := make([]Message, len(in))
	for i, m := range in {
		out[i] = m.Clone()
	}
	return out
}
