package avatar

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/raven2cz/avatar-engine-sub000/pkg/protocol"
)

func envelope(t *testing.T, msgType string, data any) protocol.Envelope {
	t.Helper()
	env, err := protocol.NewEnvelope(msgType, data)
	require.NoError(t, err)
	return env
}

func TestParse_Connected(t *testing.T) {
	res := Parse(envelope(t, protocol.TypeConnected, map[string]any{
		"session_id":   "s1",
		"provider":     "gemini",
		"engine_state": "idle",
	}), false)

	require.IsType(t, Connected{}, res.Action)
	c := res.Action.(Connected)
	assert.Equal(t, "s1", c.Data.SessionID)
	assert.Equal(t, "gemini", c.Data.Provider)
	assert.False(t, res.ResetFence)
}

func TestParse_EngineState(t *testing.T) {
	res := Parse(envelope(t, protocol.TypeEngineState, map[string]any{"state": "responding"}), false)
	assert.Equal(t, EngineStateSet{State: EngineResponding}, res.Action)

	res = Parse(envelope(t, protocol.TypeEngineState, map[string]any{}), false)
	assert.Nil(t, res.Action)
}

func TestParse_Thinking(t *testing.T) {
	tests := []struct {
		name string
		data protocol.ThinkingData
		want string
	}{
		{"start", protocol.ThinkingData{IsStart: true, Phase: "analyzing", Subject: "x"}, "THINKING_START"},
		{"update", protocol.ThinkingData{Phase: "planning"}, "THINKING_UPDATE"},
		{"complete", protocol.ThinkingData{IsComplete: true}, "THINKING_END"},
		{"complete wins over start", protocol.ThinkingData{IsStart: true, IsComplete: true}, "THINKING_END"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := Parse(envelope(t, protocol.TypeThinking, tt.data), false)
			require.NotNil(t, res.Action)
			assert.Equal(t, tt.want, res.Action.Kind())
		})
	}

	start := Parse(envelope(t, protocol.TypeThinking, protocol.ThinkingData{IsStart: true, Phase: "coding", Subject: "s"}), false)
	ts := start.Action.(ThinkingStart)
	assert.Equal(t, "coding", ts.Phase)
	assert.Equal(t, "s", ts.Subject)
	assert.Positive(t, ts.StartedAt)
}

func TestParse_Cost(t *testing.T) {
	res := Parse(envelope(t, protocol.TypeCost, protocol.CostData{CostUSD: 0.003, InputTokens: 1500, OutputTokens: 500}), false)
	assert.Equal(t, CostAdded{CostUSD: 0.003, InputTokens: 1500, OutputTokens: 500}, res.Action)
}

func TestParse_Error(t *testing.T) {
	res := Parse(envelope(t, protocol.TypeError, map[string]any{"error": "Rate limit exceeded"}), false)
	assert.Equal(t, ErrorRaised{Message: "Rate limit exceeded"}, res.Action)

	res = Parse(envelope(t, protocol.TypeError, map[string]any{"message": "fallback field"}), false)
	assert.Equal(t, ErrorRaised{Message: "fallback field"}, res.Action)

	res = Parse(protocol.Envelope{Type: protocol.TypeError, Data: json.RawMessage(`"not an object"`)}, false)
	assert.Equal(t, ErrorRaised{Message: "unknown error"}, res.Action)
}

func TestParse_ChatResponseAlwaysResetsFence(t *testing.T) {
	for _, fenced := range []bool{false, true} {
		res := Parse(envelope(t, protocol.TypeChatResponse, protocol.ChatResponseData{Content: "hi", Success: true}), fenced)
		assert.True(t, res.ResetFence)
		assert.Nil(t, res.Action)
	}

	res := Parse(protocol.Envelope{Type: protocol.TypeChatResponse, Data: json.RawMessage(`{`)}, false)
	assert.True(t, res.ResetFence)
}

func TestParse_ChatResponseWithError(t *testing.T) {
	res := Parse(envelope(t, protocol.TypeChatResponse, protocol.ChatResponseData{Error: "quota"}), false)
	assert.True(t, res.ResetFence)
	assert.Equal(t, ErrorRaised{Message: "quota"}, res.Action)
}

func TestParse_FencedTypesYieldNothing(t *testing.T) {
	res := Parse(envelope(t, protocol.TypeEngineState, map[string]any{"state": "responding"}), true)
	assert.Nil(t, res.Action)
	res = Parse(envelope(t, protocol.TypeThinking, protocol.ThinkingData{IsStart: true}), true)
	assert.Nil(t, res.Action)

	res = Parse(envelope(t, protocol.TypeCost, protocol.CostData{CostUSD: 1}), true)
	assert.NotNil(t, res.Action)
}

func TestParse_UnmappedAndUnknownTypes(t *testing.T) {
	for _, msgType := range []string{
		protocol.TypeText,
		protocol.TypeTool,
		protocol.TypeState,
		protocol.TypeActivity,
		protocol.TypePong,
		protocol.TypeHistoryCleared,
		protocol.TypeInitializing,
		protocol.TypePermissionRequest,
		"hologram_projection",
	} {
		assert.NotPanics(t, func() {
			res := Parse(envelope(t, msgType, map[string]any{"x": 1}), false)
			assert.Nil(t, res.Action, msgType)
			assert.False(t, res.ResetFence, msgType)
		})
	}
}

func TestParse_MalformedPayloadIsDropped(t *testing.T) {
	res := Parse(protocol.Envelope{Type: protocol.TypeCost, Data: json.RawMessage(`{"cost_usd":"lots"}`)}, false)
	assert.Nil(t, res.Action)
}

func TestParse_DiagnosticAndTitle(t *testing.T) {
	res := Parse(envelope(t, protocol.TypeDiagnostic, protocol.DiagnosticData{Message: "stderr line"}), false)
	require.IsType(t, DiagnosticSet{}, res.Action)
	assert.Equal(t, "stderr line", res.Action.(DiagnosticSet).Diagnostic.Message)

	res = Parse(envelope(t, protocol.TypeSessionTitleUpdated, protocol.SessionTitleData{Title: "T"}), false)
	assert.Equal(t, SessionTitleSet{Title: "T"}, res.Action)
}

func TestIsFenceable(t *testing.T) {
	for _, msgType := range []string{"engine_state", "thinking", "text", "tool", "chat_response"} {
		assert.True(t, IsFenceable(msgType), msgType)
	}
	for _, msgType := range []string{"error", "cost", "connected", "diagnostic", "history_cleared"} {
		assert.False(t, IsFenceable(msgType), msgType)
	}
}
