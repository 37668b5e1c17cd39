package avatar

import "math"

// Reduce applies one action and returns the resulting state. It never
// mutates s; maps reachable from s are replaced rather than written to.
func Reduce(s State, a Action) State {
	switch a := a.(type) {
	case Connected:
		s.Connected = true
		s.WasConnected = true
		s.SessionID = a.Data.SessionID
		s.SessionTitle = a.Data.SessionTitle
		s.Provider = a.Data.Provider
		s.Model = a.Data.Model
		s.Version = a.Data.Version
		s.Cwd = a.Data.Cwd
		s.Capabilities = copyCapabilities(a.Data.Capabilities)
		s.SafetyMode = a.Data.SafetyMode
		if a.Data.EngineState != "" {
			s.EngineState = EngineState(a.Data.EngineState)
		}
		s.Switching = false
		s.Error = ""

	case Disconnected:
		// WasConnected stays as it is.
		s.Connected = false
		s.EngineState = EngineIdle
		s.Thinking = idleThinking()
		s.ToolName = ""

	case EngineStateSet:
		s.EngineState = a.State
		if a.State == EngineToolExecuting {
			s.ToolName = a.ToolName
		} else {
			s.ToolName = ""
		}

	case ThinkingStart:
		s.Thinking = Thinking{
			Active:    true,
			Phase:     phaseOrGeneral(a.Phase),
			Subject:   a.Subject,
			StartedAt: a.StartedAt,
		}

	case ThinkingUpdate:
		if a.Phase != "" {
			s.Thinking.Phase = a.Phase
		}
		if a.Subject != "" {
			s.Thinking.Subject = a.Subject
		}

	case ThinkingEnd:
		s.Thinking = idleThinking()

	case CostAdded:
		s.Cost.TotalCostUSD += nonNegative(a.CostUSD)
		s.Cost.TotalInputTokens += nonNegativeInt(a.InputTokens)
		s.Cost.TotalOutputTokens += nonNegativeInt(a.OutputTokens)

	case ErrorRaised:
		s.Error = a.Message

	case ClearError:
		s.Error = ""

	case Switching:
		s.Switching = true

	case DiagnosticSet:
		if a.Diagnostic == nil {
			s.Diagnostic = nil
		} else {
			d := *a.Diagnostic
			s.Diagnostic = &d
		}

	case SessionTitleSet:
		s.SessionTitle = a.Title
	}
	return s
}

func copyCapabilities(in map[string]bool) Capabilities {
	if in == nil {
		return nil
	}
	out := make(Capabilities, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func phaseOrGeneral(phase string) string {
	if phase == "" {
		return PhaseGeneral
	}
	return phase
}

// Cost totals must never decrease, so negative deltas are ignored.
func nonNegative(v float64) float64 {
	if v < 0 || math.IsNaN(v) || math.IsInf(v, 0) {
		return 0
	}
	return v
}

func nonNegativeInt(v int64) int64 {
	if v < 0 {
		return 0
	}
	return v
}
