// Package avatar holds the session state machine of the avatar client: the
// State record, the Action sum type, the pure Reduce function and the wire
// message Parser. Nothing in this package performs I/O.
package avatar

import (
	"github.com/raven2cz/avatar-engine-sub000/pkg/protocol"
)

// EngineState is the coarse phase of the agent's turn pipeline.
type EngineState string

const (
	EngineIdle            EngineState = "idle"
	EngineThinking        EngineState = "thinking"
	EngineResponding      EngineState = "responding"
	EngineToolExecuting   EngineState = "tool_executing"
	EngineWaitingApproval EngineState = "waiting_approval"
	EngineError           EngineState = "error"
)

// Thinking phases reported by providers.
const (
	PhaseGeneral      = "general"
	PhaseAnalyzing    = "analyzing"
	PhasePlanning     = "planning"
	PhaseCoding       = "coding"
	PhaseReviewing    = "reviewing"
	PhaseToolPlanning = "tool_planning"
)

// Capabilities are the provider feature flags advertised on connect.
type Capabilities map[string]bool

// Has reports whether the named capability is advertised and enabled.
func (c Capabilities) Has(name string) bool {
	return c[name]
}

// Thinking describes the current reasoning block.
type Thinking struct {
	Active    bool   `json:"active"`
	Phase     string `json:"phase"`
	Subject   string `json:"subject"`
	StartedAt int64  `json:"started_at"` // unix millis, 0 when inactive
}

// Cost accumulates over the lifetime of the client.
type Cost struct {
	TotalCostUSD      float64 `json:"total_cost_usd"`
	TotalInputTokens  int64   `json:"total_input_tokens"`
	TotalOutputTokens int64   `json:"total_output_tokens"`
}

// State is the session state of one client. It is only ever changed by
// Reduce.
type State struct {
	Connected    bool                     `json:"connected"`
	WasConnected bool                     `json:"was_connected"`
	SessionID    string                   `json:"session_id,omitempty"`
	SessionTitle string                   `json:"session_title,omitempty"`
	Provider     string                   `json:"provider,omitempty"`
	Model        string                   `json:"model,omitempty"`
	Version      string                   `json:"version,omitempty"`
	Cwd          string                   `json:"cwd,omitempty"`
	Capabilities Capabilities             `json:"capabilities,omitempty"`
	EngineState  EngineState              `json:"engine_state"`
	Thinking     Thinking                 `json:"thinking"`
	ToolName     string                   `json:"tool_name,omitempty"`
	Cost         Cost                     `json:"cost"`
	Error        string                   `json:"error,omitempty"`
	Diagnostic   *protocol.DiagnosticData `json:"diagnostic,omitempty"`
	Switching    bool                     `json:"switching"`
	SafetyMode   string                   `json:"safety_mode,omitempty"`
}

// InitialState returns the state of a freshly constructed client.
func InitialState() State {
	return State{
		EngineState: EngineIdle,
		Thinking:    idleThinking(),
	}
}

// Clone returns a copy that shares no mutable memory with s.
func (s State) Clone() State {
	out := s
	if s.Capabilities != nil {
		out.Capabilities = make(Capabilities, len(s.Capabilities))
		for k, v := range s.Capabilities {
			out.Capabilities[k] = v
		}
	}
	if s.Diagnostic != nil {
		d := *s.Diagnostic
		out.Diagnostic = &d
	}
	return out
}

func idleThinking() Thinking {
	return Thinking{Phase: PhaseGeneral}
}
