package avatar

import (
	"github.com/raven2cz/avatar-engine-sub000/pkg/protocol"
)

// Action is a state transition understood by Reduce. The set is closed: only
// the types declared in this file implement it.
type Action interface {
	// Kind returns the action name used in logs.
	Kind() string
	isAction()
}

// Connected marks the session as established.
type Connected struct {
	Data protocol.ConnectedData
}

// Disconnected marks the socket as closed.
type Disconnected struct{}

// EngineStateSet overwrites the engine state.
type EngineStateSet struct {
	State    EngineState
	ToolName string
}

// ThinkingStart opens a reasoning block. StartedAt is in unix millis.
type ThinkingStart struct {
	Phase     string
	Subject   string
	StartedAt int64
}

// ThinkingUpdate refines the open reasoning block.
type ThinkingUpdate struct {
	Phase   string
	Subject string
}

// ThinkingEnd closes the reasoning block.
type ThinkingEnd struct{}

// CostAdded is an incremental cost report.
type CostAdded struct {
	CostUSD      float64
	InputTokens  int64
	OutputTokens int64
}

// ErrorRaised records a session-level error.
type ErrorRaised struct {
	Message string
}

// ClearError removes the session-level error.
type ClearError struct{}

// Switching marks a provider switch in flight.
type Switching struct{}

// DiagnosticSet replaces the diagnostic notice; nil clears it.
type DiagnosticSet struct {
	Diagnostic *protocol.DiagnosticData
}

// SessionTitleSet updates the session title.
type SessionTitleSet struct {
	Title string
}

func (Connected) Kind() string       { return "CONNECTED" }
func (Disconnected) Kind() string    { return "DISCONNECTED" }
func (EngineStateSet) Kind() string  { return "ENGINE_STATE" }
func (ThinkingStart) Kind() string   { return "THINKING_START" }
func (ThinkingUpdate) Kind() string  { return "THINKING_UPDATE" }
func (ThinkingEnd) Kind() string     { return "THINKING_END" }
func (CostAdded) Kind() string       { return "COST" }
func (ErrorRaised) Kind() string     { return "ERROR" }
func (ClearError) Kind() string      { return "CLEAR_ERROR" }
func (Switching) Kind() string       { return "SWITCHING" }
func (DiagnosticSet) Kind() string   { return "DIAGNOSTIC" }
func (SessionTitleSet) Kind() string { return "SESSION_TITLE" }

func (Connected) isAction()       {}
func (Disconnected) isAction()    {}
func (EngineStateSet) isAction()  {}
func (ThinkingStart) isAction()   {}
func (ThinkingUpdate) isAction()  {}
func (ThinkingEnd) isAction()     {}
func (CostAdded) isAction()       {}
func (ErrorRaised) isAction()     {}
func (ClearError) isAction()      {}
func (Switching) isAction()       {}
func (DiagnosticSet) isAction()   {}
func (SessionTitleSet) isAction() {}
