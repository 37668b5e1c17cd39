package chat

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/raven2cz/avatar-engine-sub000/internal/event"
	"github.com/raven2cz/avatar-engine-sub000/pkg/avatar"
	"github.com/raven2cz/avatar-engine-sub000/pkg/protocol"
)

func newTestOrchestrator(t *testing.T, opts Options) (*Orchestrator, *fakeTransport, *eventLog) {
	t.Helper()
	conn := newFakeTransport()
	if opts.Bus == nil {
		opts.Bus = event.NewBus()
	}
	log := recordEvents(opts.Bus)
	o := New(conn, opts)
	t.Cleanup(func() {
		o.Close()
		opts.Bus.Close()
	})
	return o, conn, log
}

func TestSendMessage_AppendsTurn(t *testing.T) {
	o, conn, log := newTestOrchestrator(t, Options{})

	require.True(t, o.SendMessage("Hello"))

	msgs := o.Messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, RoleUser, msgs[0].Role)
	assert.Equal(t, "Hello", msgs[0].Content)
	assert.Equal(t, RoleAssistant, msgs[1].Role)
	assert.True(t, msgs[1].IsStreaming)
	assert.Empty(t, msgs[1].Content)
	assert.NotEqual(t, msgs[0].ID, msgs[1].ID)

	id, ok := o.ActiveMessageID()
	assert.True(t, ok)
	assert.Equal(t, msgs[1].ID, id)
	assert.True(t, o.Streaming())

	assert.Equal(t, []string{protocol.TypeChat}, conn.sentTypes())
	assert.Equal(t, 1, conn.fenceResets)

	var req protocol.ChatRequest
	conn.lastSent(t, protocol.TypeChat, &req)
	assert.Equal(t, "Hello", req.Message)
	assert.Empty(t, req.Attachments)

	changes := log.ofType(event.MessagesChanged)
	require.Len(t, changes, 1)
	assert.Len(t, changes[0].Data.(MessagesChangedData).Messages, 2)
}

func TestSendMessage_NoOps(t *testing.T) {
	o, conn, _ := newTestOrchestrator(t, Options{})

	assert.False(t, o.SendMessage(""))
	assert.False(t, o.SendMessage("   \n\t"))
	assert.Empty(t, o.Messages())

	require.True(t, o.SendMessage("first"))
	assert.False(t, o.SendMessage("second"), "send while streaming is ignored")

	assert.Len(t, o.Messages(), 2)
	assert.Equal(t, []string{protocol.TypeChat}, conn.sentTypes())
}

func TestSendMessage_SocketClosedStillStreams(t *testing.T) {
	o, conn, _ := newTestOrchestrator(t, Options{})
	conn.setOpen(false)

	require.True(t, o.SendMessage("hi"))
	assert.True(t, o.Streaming())
	assert.Empty(t, conn.sentTypes())
}

func TestStreamingTurn_ChatResponse(t *testing.T) {
	o, conn, log := newTestOrchestrator(t, Options{})
	require.True(t, o.SendMessage("Hello"))

	conn.deliver(t, protocol.TypeThinking, protocol.ThinkingData{IsStart: true, Phase: "analyzing", Subject: "greeting"})
	conn.deliver(t, protocol.TypeText, protocol.TextData{Text: "Hi "})
	conn.deliver(t, protocol.TypeText, protocol.TextData{Text: "there"})

	msgs := o.Messages()
	assert.Equal(t, "Hi there", msgs[1].Content)
	require.NotNil(t, msgs[1].Thinking)
	assert.Equal(t, "analyzing", msgs[1].Thinking.Phase)
	assert.True(t, msgs[1].Thinking.IsComplete, "text ends the thinking block")

	conn.deliver(t, protocol.TypeChatResponse, protocol.ChatResponseData{
		Content:    "Hi there",
		Success:    true,
		DurationMs: 1234,
		CostUSD:    0.01,
		Images:     []string{"/img/a.png"},
	})

	msgs = o.Messages()
	assert.False(t, msgs[1].IsStreaming)
	assert.Equal(t, "Hi there", msgs[1].Content)
	assert.Equal(t, int64(1234), msgs[1].DurationMs)
	assert.Equal(t, 0.01, msgs[1].CostUSD)
	assert.Equal(t, []string{"/img/a.png"}, msgs[1].Images)
	assert.False(t, o.Streaming())

	fin := log.finished()
	require.Len(t, fin, 1)
	assert.Equal(t, event.ReasonCompleted, fin[0].Reason)
	assert.Equal(t, msgs[1].ID, fin[0].MessageID)

	// A second chat_response has no active turn to finish.
	conn.deliver(t, protocol.TypeChatResponse, protocol.ChatResponseData{Content: "late"})
	assert.Equal(t, "Hi there", o.Messages()[1].Content)
	assert.Len(t, log.finished(), 1)
}

func TestChatResponse_Fallbacks(t *testing.T) {
	tests := []struct {
		name    string
		data    protocol.ChatResponseData
		content string
		reason  string
	}{
		{"content only", protocol.ChatResponseData{Content: "final", Success: true}, "final", event.ReasonCompleted},
		{"error", protocol.ChatResponseData{Error: "quota exhausted"}, "Error: quota exhausted", event.ReasonError},
		{"empty", protocol.ChatResponseData{Success: true}, "", event.ReasonCompleted},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			o, conn, log := newTestOrchestrator(t, Options{})
			require.True(t, o.SendMessage("go"))

			conn.deliver(t, protocol.TypeChatResponse, tt.data)

			msg := o.Messages()[1]
			assert.Equal(t, tt.content, msg.Content)
			assert.False(t, msg.IsStreaming)
			assert.GreaterOrEqual(t, msg.DurationMs, int64(0))
			require.Len(t, log.finished(), 1)
			assert.Equal(t, tt.reason, log.finished()[0].Reason)
		})
	}
}

func TestChatResponse_KeepsStreamedText(t *testing.T) {
	o, conn, _ := newTestOrchestrator(t, Options{})
	require.True(t, o.SendMessage("go"))

	conn.deliver(t, protocol.TypeText, protocol.TextData{Text: "partial"})
	conn.deliver(t, protocol.TypeChatResponse, protocol.ChatResponseData{Error: "cut off"})

	assert.Equal(t, "partial", o.Messages()[1].Content)
}

func TestErrorMessage_FinishesTurn(t *testing.T) {
	o, conn, log := newTestOrchestrator(t, Options{})
	require.True(t, o.SendMessage("go"))

	conn.deliver(t, protocol.TypeError, protocol.ErrorData{Error: "Rate limit exceeded"})

	msg := o.Messages()[1]
	assert.Equal(t, "Error: Rate limit exceeded", msg.Content)
	assert.False(t, msg.IsStreaming)
	assert.False(t, o.Streaming())
	require.Len(t, log.finished(), 1)
	assert.Equal(t, event.ReasonError, log.finished()[0].Reason)

	// Errors outside a turn leave the log alone.
	conn.deliver(t, protocol.TypeError, protocol.ErrorData{Message: "other"})
	assert.Len(t, o.Messages(), 2)
}

func TestStopResponse(t *testing.T) {
	o, conn, log := newTestOrchestrator(t, Options{})
	require.True(t, o.SendMessage("Write an essay"))

	o.StopResponse()

	msg := o.Messages()[1]
	assert.Equal(t, StoppedContent, msg.Content)
	assert.False(t, msg.IsStreaming)
	assert.False(t, o.Streaming())
	assert.Equal(t, []string{protocol.TypeChat, protocol.TypeStop}, conn.sentTypes())

	fin := log.finished()
	require.Len(t, fin, 1)
	assert.Equal(t, event.ReasonStopped, fin[0].Reason)

	// Late events for the stopped turn change nothing.
	conn.deliver(t, protocol.TypeText, protocol.TextData{Text: "late"})
	assert.Equal(t, StoppedContent, o.Messages()[1].Content)

	// Stopping without a turn still notifies the server.
	o.StopResponse()
	assert.Equal(t, []string{protocol.TypeChat, protocol.TypeStop, protocol.TypeStop}, conn.sentTypes())
	assert.Len(t, log.finished(), 1)
}

func TestStopResponse_KeepsPartialText(t *testing.T) {
	o, conn, _ := newTestOrchestrator(t, Options{})
	require.True(t, o.SendMessage("go"))
	conn.deliver(t, protocol.TypeText, protocol.TextData{Text: "half an ans"})

	o.StopResponse()

	assert.Equal(t, "half an ans", o.Messages()[1].Content)
}

func TestToolLifecycle(t *testing.T) {
	o, conn, _ := newTestOrchestrator(t, Options{})
	require.True(t, o.SendMessage("list files"))

	conn.deliver(t, protocol.TypeTool, protocol.ToolData{ToolID: "t1", ToolName: "bash", Status: "started", Parameters: map[string]any{"command": "ls"}})
	conn.deliver(t, protocol.TypeTool, protocol.ToolData{ToolID: "t1", ToolName: "bash", Status: "started"})
	conn.deliver(t, protocol.TypeTool, protocol.ToolData{ToolID: "t1", ToolName: "bash", Status: "completed"})

	tools := o.Messages()[1].Tools
	require.Len(t, tools, 1)
	assert.Equal(t, "bash", tools[0].Name)
	assert.Equal(t, "completed", tools[0].Status)
	assert.Equal(t, "ls", tools[0].Params["command"])
	assert.NotNil(t, tools[0].CompletedAt)

	conn.deliver(t, protocol.TypeTool, protocol.ToolData{ToolName: "read", Status: "started"})
	conn.deliver(t, protocol.TypeTool, protocol.ToolData{ToolName: "read", Status: "failed", Error: "no such file"})

	tools = o.Messages()[1].Tools
	require.Len(t, tools, 2)
	assert.Equal(t, "read", tools[1].ToolID, "tool name keys calls without an id")
	assert.Equal(t, "failed", tools[1].Status)
	assert.Equal(t, "no such file", tools[1].Error)

	// Updates for unknown tools are ignored.
	conn.deliver(t, protocol.TypeTool, protocol.ToolData{ToolID: "ghost", ToolName: "x", Status: "completed"})
	assert.Len(t, o.Messages()[1].Tools, 2)
}

func TestThinkingUpdates(t *testing.T) {
	o, conn, _ := newTestOrchestrator(t, Options{})
	require.True(t, o.SendMessage("plan"))

	conn.deliver(t, protocol.TypeThinking, protocol.ThinkingData{IsStart: true})
	msg := o.Messages()[1]
	require.NotNil(t, msg.Thinking)
	assert.Equal(t, avatar.PhaseGeneral, msg.Thinking.Phase)

	conn.deliver(t, protocol.TypeThinking, protocol.ThinkingData{Phase: "planning", Subject: "steps"})
	msg = o.Messages()[1]
	assert.Equal(t, "planning", msg.Thinking.Phase)
	assert.Equal(t, "steps", msg.Thinking.Subject)
	assert.False(t, msg.Thinking.IsComplete)

	conn.deliver(t, protocol.TypeThinking, protocol.ThinkingData{IsComplete: true})
	assert.True(t, o.Messages()[1].Thinking.IsComplete)

	conn.deliver(t, protocol.TypeChatResponse, protocol.ChatResponseData{Content: "done"})
	assert.True(t, o.Messages()[1].Thinking.IsComplete)
}

func TestFinishMarksThinkingComplete(t *testing.T) {
	o, conn, _ := newTestOrchestrator(t, Options{})
	require.True(t, o.SendMessage("plan"))
	conn.deliver(t, protocol.TypeThinking, protocol.ThinkingData{IsStart: true, Phase: "coding"})

	conn.deliver(t, protocol.TypeError, protocol.ErrorData{Error: "boom"})

	assert.True(t, o.Messages()[1].Thinking.IsComplete)
}

func TestHistoryCleared(t *testing.T) {
	o, conn, log := newTestOrchestrator(t, Options{})
	require.True(t, o.SendMessage("hi"))
	conn.deliver(t, protocol.TypeChatResponse, protocol.ChatResponseData{Content: "hello"})

	assert.True(t, o.ClearHistory())
	assert.Len(t, o.Messages(), 2, "log is kept until the server confirms")

	conn.deliver(t, protocol.TypeHistoryCleared, nil)
	assert.Empty(t, o.Messages())

	changes := log.ofType(event.MessagesChanged)
	last := changes[len(changes)-1].Data.(MessagesChangedData)
	assert.NotNil(t, last.Messages)
	assert.Empty(t, last.Messages)
}

func TestWatchdog_FinishesSilentTurn(t *testing.T) {
	o, conn, log := newTestOrchestrator(t, Options{WatchdogBase: 30 * time.Millisecond})
	require.True(t, o.SendMessage("anyone there?"))

	require.Eventually(t, func() bool { return !o.Streaming() }, 2*time.Second, 5*time.Millisecond)

	msg := o.Messages()[1]
	assert.Equal(t, NoResponseContent, msg.Content)
	assert.False(t, msg.IsStreaming)
	assert.Empty(t, conn.State().Error, "watchdog never raises a session error")

	fin := log.finished()
	require.Len(t, fin, 1)
	assert.Equal(t, event.ReasonTimeout, fin[0].Reason)
}

func TestWatchdog_CancelledByEvent(t *testing.T) {
	o, conn, _ := newTestOrchestrator(t, Options{WatchdogBase: 50 * time.Millisecond})
	require.True(t, o.SendMessage("hi"))

	conn.deliver(t, protocol.TypeEngineState, protocol.EngineStateData{State: "thinking"})

	time.Sleep(150 * time.Millisecond)
	assert.True(t, o.Streaming(), "any server event disarms the watchdog")
	assert.Empty(t, o.Messages()[1].Content)
}

func TestWatchdog_IgnoresPong(t *testing.T) {
	o, conn, _ := newTestOrchestrator(t, Options{WatchdogBase: 50 * time.Millisecond})
	require.True(t, o.SendMessage("hi"))

	conn.deliver(t, protocol.TypePong, nil)

	require.Eventually(t, func() bool { return !o.Streaming() }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, NoResponseContent, o.Messages()[1].Content)
}

func TestWatchdogTimeout_ScalesWithAttachments(t *testing.T) {
	o, _, _ := newTestOrchestrator(t, Options{})

	assert.Equal(t, 30*time.Second, o.watchdogTimeout(nil))
	assert.Equal(t, 33*time.Second, o.watchdogTimeout([]protocol.Attachment{{Size: 1}}))
	assert.Equal(t, 36*time.Second, o.watchdogTimeout([]protocol.Attachment{{Size: 1 << 20}, {Size: 1}}))
	assert.Equal(t, 45*time.Second, o.watchdogTimeout([]protocol.Attachment{{Size: 5 << 20}}))
}

func TestSwitchProvider(t *testing.T) {
	o, conn, _ := newTestOrchestrator(t, Options{})
	require.True(t, o.SendMessage("hi"))

	assert.False(t, o.SwitchProvider("", "", nil))
	assert.Len(t, o.Messages(), 2)

	assert.True(t, o.SwitchProvider("claude", "sonnet", map[string]any{"temperature": 0.2}))
	assert.Empty(t, o.Messages())
	assert.False(t, o.Streaming())
	assert.True(t, conn.State().Switching)

	var req protocol.SwitchRequest
	conn.lastSent(t, protocol.TypeSwitch, &req)
	assert.Equal(t, "claude", req.Provider)
	assert.Equal(t, "sonnet", req.Model)
	assert.Equal(t, 0.2, req.Options["temperature"])

	// Late events of the discarded turn are ignored.
	conn.deliver(t, protocol.TypeText, protocol.TextData{Text: "late"})
	assert.Empty(t, o.Messages())
}

func TestNewSession(t *testing.T) {
	o, conn, _ := newTestOrchestrator(t, Options{})
	require.True(t, o.SendMessage("hi"))

	assert.True(t, o.NewSession())
	assert.Empty(t, o.Messages())
	assert.Equal(t, []string{protocol.TypeChat, protocol.TypeNewSession}, conn.sentTypes())
}

func TestResumeSession_RestoresHistory(t *testing.T) {
	ts := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	api := &fakeAPI{history: map[string][]protocol.HistoryMessage{
		"s1": {
			{Role: "user", Content: "earlier question", Timestamp: &ts},
			{Role: "system", Content: "hidden"},
			{Role: "assistant", Content: "earlier answer"},
		},
	}}
	o, conn, _ := newTestOrchestrator(t, Options{API: api})
	require.True(t, o.SendMessage("current"))

	o.ResumeSession(context.Background(), "s1")

	var req protocol.ResumeSessionRequest
	conn.lastSent(t, protocol.TypeResumeSession, &req)
	assert.Equal(t, "s1", req.SessionID)

	msgs := o.Messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, RoleUser, msgs[0].Role)
	assert.Equal(t, "earlier question", msgs[0].Content)
	assert.Equal(t, ts, msgs[0].CreatedAt)
	assert.Equal(t, RoleAssistant, msgs[1].Role)
	assert.False(t, msgs[1].IsStreaming)
	assert.False(t, o.Streaming())
}

func TestResumeSession_UnencodableTimestamps(t *testing.T) {
	zero := time.Time{}
	preEpoch := time.Date(1969, 7, 20, 20, 17, 0, 0, time.UTC)
	farFuture := time.Date(10900, 1, 1, 0, 0, 0, 0, time.UTC)
	api := &fakeAPI{history: map[string][]protocol.HistoryMessage{
		"s1": {
			{Role: "user", Content: "zero", Timestamp: &zero},
			{Role: "assistant", Content: "pre-epoch", Timestamp: &preEpoch},
			{Role: "user", Content: "far future", Timestamp: &farFuture},
		},
	}}
	o, _, _ := newTestOrchestrator(t, Options{API: api})

	before := time.Now()
	require.NotPanics(t, func() { o.ResumeSession(context.Background(), "s1") })

	msgs := o.Messages()
	require.Len(t, msgs, 3)
	ids := map[string]bool{}
	for _, m := range msgs {
		assert.NotEmpty(t, m.ID)
		ids[m.ID] = true
		assert.False(t, m.CreatedAt.Before(before), "%q falls back to the current time", m.Content)
	}
	assert.Len(t, ids, 3)

	// The log stays usable afterwards.
	require.True(t, o.SendMessage("next"))
	assert.Len(t, o.Messages(), 5)
}

func TestMessageIDs_FallBackForUnencodableTimes(t *testing.T) {
	ids := newIDSource()
	assert.NotEmpty(t, ids.next(time.Time{}))
	assert.NotEmpty(t, ids.next(time.Unix(-1, 0)))
	assert.NotEqual(t, ids.next(time.Time{}), ids.next(time.Time{}))
}

func TestResumeSession_ToleratesFailure(t *testing.T) {
	api := &fakeAPI{historyErr: errors.New("503")}
	o, conn, _ := newTestOrchestrator(t, Options{API: api})
	require.True(t, o.SendMessage("current"))

	o.ResumeSession(context.Background(), "s1")

	assert.Empty(t, o.Messages())
	assert.Contains(t, conn.sentTypes(), protocol.TypeResumeSession)
}

func TestResumeSession_EmptyIDIsNoop(t *testing.T) {
	o, conn, _ := newTestOrchestrator(t, Options{})
	require.True(t, o.SendMessage("current"))

	o.ResumeSession(context.Background(), "")

	assert.Len(t, o.Messages(), 2)
	assert.Equal(t, []string{protocol.TypeChat}, conn.sentTypes())
}

func TestResumeSession_DiscardsSupersededHistory(t *testing.T) {
	api := &fakeAPI{
		history: map[string][]protocol.HistoryMessage{"s1": {{Role: "user", Content: "old"}}},
		gate:    make(chan struct{}),
	}
	o, conn, _ := newTestOrchestrator(t, Options{API: api})

	done := make(chan struct{})
	go func() {
		o.ResumeSession(context.Background(), "s1")
		close(done)
	}()

	require.Eventually(t, func() bool {
		return len(conn.sentTypes()) == 1
	}, time.Second, time.Millisecond, "resume_session sent before the history fetch")
	require.True(t, o.SendMessage("newer"))
	close(api.gate)
	<-done

	msgs := o.Messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, "newer", msgs[0].Content)
}

func TestAttachments(t *testing.T) {
	api := &fakeAPI{}
	o, conn, log := newTestOrchestrator(t, Options{API: api})

	att, err := o.UploadFile(context.Background(), "notes.txt")
	require.NoError(t, err)
	assert.Equal(t, "f-notes.txt", att.FileID)

	o.AddAttachment(protocol.Attachment{FileID: "f2", Filename: "b.png", Size: 2 << 20})
	assert.Len(t, o.PendingAttachments(), 2)

	assert.True(t, o.RemoveAttachment("f2"))
	assert.False(t, o.RemoveAttachment("f2"))
	o.AddAttachment(protocol.Attachment{FileID: "f3", Filename: "c.txt", Size: 3})

	require.True(t, o.SendMessage("see attached"))
	assert.Empty(t, o.PendingAttachments(), "pending queue is cleared on send")

	var req protocol.ChatRequest
	conn.lastSent(t, protocol.TypeChat, &req)
	require.Len(t, req.Attachments, 2)
	assert.Equal(t, "f-notes.txt", req.Attachments[0].FileID)
	assert.Equal(t, "f3", req.Attachments[1].FileID)
	assert.Len(t, o.Messages()[0].Attachments, 2)

	changes := log.ofType(event.AttachmentsChanged)
	last := changes[len(changes)-1].Data.(event.AttachmentsChangedData)
	assert.Empty(t, last.Pending)
}

func TestAttachments_ExplicitReplacePending(t *testing.T) {
	o, conn, _ := newTestOrchestrator(t, Options{})
	o.AddAttachment(protocol.Attachment{FileID: "queued"})

	require.True(t, o.SendMessage("x", protocol.Attachment{FileID: "explicit"}))

	var req protocol.ChatRequest
	conn.lastSent(t, protocol.TypeChat, &req)
	require.Len(t, req.Attachments, 1)
	assert.Equal(t, "explicit", req.Attachments[0].FileID)
	assert.Empty(t, o.PendingAttachments())

	o.AddAttachment(protocol.Attachment{FileID: "again"})
	o.ClearAttachments()
	assert.Empty(t, o.PendingAttachments())
}

func TestUploadFile_WithoutAPI(t *testing.T) {
	o, _, _ := newTestOrchestrator(t, Options{})
	_, err := o.UploadFile(context.Background(), "x")
	assert.ErrorIs(t, err, ErrNoAPI)
}

func TestPermissions(t *testing.T) {
	o, conn, log := newTestOrchestrator(t, Options{})
	require.True(t, o.SendMessage("delete build"))

	req := protocol.PermissionRequestData{
		RequestID: "p1",
		ToolName:  "bash",
		Options:   []protocol.PermissionOption{{OptionID: "allow", Name: "Allow"}},
	}
	conn.deliver(t, protocol.TypePermissionRequest, req)
	conn.deliver(t, protocol.TypePermissionRequest, protocol.PermissionRequestData{RequestID: "p2"})
	conn.deliver(t, protocol.TypePermissionRequest, protocol.PermissionRequestData{})

	pending := o.PendingPermissions()
	require.Len(t, pending, 2)
	assert.Equal(t, "p1", pending[0].RequestID)
	assert.Equal(t, "p2", pending[1].RequestID)
	assert.Len(t, log.ofType(event.PermissionRequested), 2)

	assert.False(t, o.RespondPermission("unknown", "allow", false))
	assert.True(t, o.RespondPermission("p1", "allow", false))
	assert.False(t, o.RespondPermission("p1", "allow", false), "a request is answered once")

	var resp protocol.PermissionResponse
	conn.lastSent(t, protocol.TypePermissionResponse, &resp)
	assert.Equal(t, "p1", resp.RequestID)
	assert.Equal(t, "allow", resp.OptionID)
	assert.False(t, resp.Cancelled)

	resolved := log.ofType(event.PermissionResolved)
	require.Len(t, resolved, 1)
	assert.Equal(t, "p1", resolved[0].Data.(event.PermissionResolvedData).RequestID)

	o.NewSession()
	assert.Empty(t, o.PendingPermissions(), "wiping the log drops pending requests")
}

func TestActivityAndState_Published(t *testing.T) {
	o, conn, log := newTestOrchestrator(t, Options{})

	conn.deliver(t, protocol.TypeActivity, protocol.ActivityData{ActivityID: "a1", Name: "indexing", Status: "running"})
	activities := log.ofType(event.ActivityUpdated)
	require.Len(t, activities, 1)
	assert.Equal(t, "indexing", activities[0].Data.(event.ActivityUpdatedData).Activity.Name)

	o.HandleState(avatar.State{Connected: true, Provider: "gemini"})
	states := log.ofType(event.StateChanged)
	require.Len(t, states, 1)
	assert.Equal(t, "gemini", states[0].Data.(event.StateChangedData).State.Provider)
}

func TestConnectionLost_FinishesActiveTurn(t *testing.T) {
	o, conn, log := newTestOrchestrator(t, Options{WatchdogBase: time.Hour})
	conn.deliverState(avatar.State{Connected: true})

	require.True(t, o.SendMessage("hi"))
	conn.deliver(t, protocol.TypeText, protocol.TextData{Text: "partial"})

	conn.deliverState(avatar.State{WasConnected: true})

	assert.False(t, o.Streaming())
	msgs := o.Messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, "partial", msgs[1].Content)
	assert.False(t, msgs[1].IsStreaming)
	assert.Empty(t, o.State().Error, "a lost connection is not a server error")

	fin := log.finished()
	require.Len(t, fin, 1)
	assert.Equal(t, event.ReasonDisconnected, fin[0].Reason)

	conn.deliverState(avatar.State{Connected: true, WasConnected: true})
	assert.True(t, o.SendMessage("again"), "a new turn can start after reconnecting")
	assert.Len(t, o.Messages(), 4)
}

func TestConnectionLost_EmptyTurnGetsFallback(t *testing.T) {
	o, conn, log := newTestOrchestrator(t, Options{WatchdogBase: time.Hour})
	conn.deliverState(avatar.State{Connected: true})
	require.True(t, o.SendMessage("hi"))
	conn.deliver(t, protocol.TypeEngineState, protocol.EngineStateData{State: "thinking"})

	conn.deliverState(avatar.State{})

	assert.Equal(t, ConnectionLost, o.Messages()[1].Content)
	require.Len(t, log.finished(), 1)
}

func TestConnectionState_WithoutDropKeepsTurn(t *testing.T) {
	o, conn, log := newTestOrchestrator(t, Options{WatchdogBase: time.Hour})

	// Never connected: the watchdog owns this turn.
	require.True(t, o.SendMessage("hi"))
	conn.deliverState(avatar.State{})
	assert.True(t, o.Streaming())

	conn.deliverState(avatar.State{Connected: true})
	conn.deliverState(avatar.State{Connected: true, Provider: "claude"})
	assert.True(t, o.Streaming())
	assert.Empty(t, log.finished())
}

func TestClose(t *testing.T) {
	o, conn, log := newTestOrchestrator(t, Options{WatchdogBase: 20 * time.Millisecond})
	require.True(t, o.SendMessage("hi"))

	o.Close()
	o.Close()
	assert.Equal(t, 1, conn.disconnects)
	assert.False(t, o.SendMessage("after close"))

	time.Sleep(60 * time.Millisecond)
	assert.Empty(t, log.finished(), "closing disarms the watchdog")

	conn.deliver(t, protocol.TypeText, protocol.TextData{Text: "ignored"})
	assert.Empty(t, o.Messages()[1].Content)
}

func TestConnect(t *testing.T) {
	o, conn, _ := newTestOrchestrator(t, Options{})
	o.Connect()
	assert.Equal(t, 1, conn.connects)
}

func TestMessageIDs_UniqueAcrossInstances(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 5; i++ {
		o, conn, _ := newTestOrchestrator(t, Options{})
		for j := 0; j < 20; j++ {
			require.True(t, o.SendMessage("hi"))
			conn.deliver(t, protocol.TypeChatResponse, protocol.ChatResponseData{Content: "ok"})
		}
		for _, m := range o.Messages() {
			assert.False(t, seen[m.ID], "duplicate id %s", m.ID)
			seen[m.ID] = true
		}
	}
	assert.Len(t, seen, 200)
}

func TestMessages_ReturnsCopies(t *testing.T) {
	o, conn, _ := newTestOrchestrator(t, Options{})
	require.True(t, o.SendMessage("hi"))
	conn.deliver(t, protocol.TypeTool, protocol.ToolData{ToolID: "t", ToolName: "bash", Status: "started"})

	msgs := o.Messages()
	msgs[1].Tools[0].Status = "tampered"
	msgs[1].Content = "tampered"

	again := o.Messages()
	assert.Equal(t, "started", again[1].Tools[0].Status)
	assert.Empty(t, again[1].Content)
}
