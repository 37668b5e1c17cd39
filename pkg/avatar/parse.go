package avatar

import (
	"time"

	"github.com/raven2cz/avatar-engine-sub000/pkg/protocol"
)

// ParseResult is the outcome of parsing one inbound message.
type ParseResult struct {
	// Action is nil when the message has no state transition.
	Action Action
	// ResetFence is set by turn-terminal messages.
	ResetFence bool
}

// fenceable lists the message types suppressed after an error.
var fenceable = map[string]bool{
	protocol.TypeEngineState:  true,
	protocol.TypeThinking:     true,
	protocol.TypeText:         true,
	protocol.TypeTool:         true,
	protocol.TypeChatResponse: true,
}

// IsFenceable reports whether msgType is dropped while the error fence is up.
func IsFenceable(msgType string) bool {
	return fenceable[msgType]
}

// Parse maps one inbound message to at most one action. Unknown types and
// undecodable payloads yield an empty result.
func Parse(env protocol.Envelope, fenced bool) ParseResult {
	if env.Type == protocol.TypeChatResponse {
		var data protocol.ChatResponseData
		if err := env.Decode(&data); err != nil || data.Error == "" || fenced {
			return ParseResult{ResetFence: true}
		}
		return ParseResult{Action: ErrorRaised{Message: data.Error}, ResetFence: true}
	}
	if fenced && IsFenceable(env.Type) {
		return ParseResult{}
	}

	switch env.Type {
	case protocol.TypeConnected:
		var data protocol.ConnectedData
		if env.Decode(&data) != nil {
			return ParseResult{}
		}
		return ParseResult{Action: Connected{Data: data}}

	case protocol.TypeEngineState:
		var data protocol.EngineStateData
		if env.Decode(&data) != nil || data.State == "" {
			return ParseResult{}
		}
		return ParseResult{Action: EngineStateSet{State: EngineState(data.State), ToolName: data.ToolName}}

	case protocol.TypeThinking:
		var data protocol.ThinkingData
		if env.Decode(&data) != nil {
			return ParseResult{}
		}
		switch {
		case data.IsComplete:
			return ParseResult{Action: ThinkingEnd{}}
		case data.IsStart:
			return ParseResult{Action: ThinkingStart{
				Phase:     data.Phase,
				Subject:   data.Subject,
				StartedAt: time.Now().UnixMilli(),
			}}
		default:
			return ParseResult{Action: ThinkingUpdate{Phase: data.Phase, Subject: data.Subject}}
		}

	case protocol.TypeCost:
		var data protocol.CostData
		if env.Decode(&data) != nil {
			return ParseResult{}
		}
		return ParseResult{Action: CostAdded{
			CostUSD:      data.CostUSD,
			InputTokens:  data.InputTokens,
			OutputTokens: data.OutputTokens,
		}}

	case protocol.TypeError:
		var data protocol.ErrorData
		if env.Decode(&data) != nil {
			return ParseResult{Action: ErrorRaised{Message: "unknown error"}}
		}
		return ParseResult{Action: ErrorRaised{Message: data.Text()}}

	case protocol.TypeDiagnostic:
		var data protocol.DiagnosticData
		if env.Decode(&data) != nil {
			return ParseResult{}
		}
		return ParseResult{Action: DiagnosticSet{Diagnostic: &data}}

	case protocol.TypeSessionTitleUpdated:
		var data protocol.SessionTitleData
		if env.Decode(&data) != nil {
			return ParseResult{}
		}
		return ParseResult{Action: SessionTitleSet{Title: data.Title}}

	default:
		// text, tool, state, activity, pong, history_cleared, initializing,
		// permission_request and anything newer than this client.
		return ParseResult{}
	}
}
