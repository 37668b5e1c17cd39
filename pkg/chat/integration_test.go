package chat_test

import (
	"context"
	"strings"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/raven2cz/avatar-engine-sub000/internal/event"
	"github.com/raven2cz/avatar-engine-sub000/internal/testutil"
	"github.com/raven2cz/avatar-engine-sub000/pkg/avatar"
	"github.com/raven2cz/avatar-engine-sub000/pkg/chat"
	"github.com/raven2cz/avatar-engine-sub000/pkg/protocol"
)

var _ = Describe("Orchestrator against a live backend", func() {
	Describe("connecting", func() {
		It("adopts the session announced by the server", func() {
			s := startSession(nil, chat.Options{})

			state := s.orch.State()
			Expect(state.Provider).To(Equal("gemini"))
			Expect(state.SessionID).To(Equal(s.backend.CurrentSession()))
			Expect(state.EngineState).To(Equal(avatar.EngineIdle))
			Expect(state.Capabilities.Has("streaming")).To(BeTrue())

			Expect(s.backend.Handshakes()[0].Get("Authorization")).To(Equal("Bearer secret"))
			Expect(s.backend.Queries()[0].Get("client_id")).To(Equal(s.conn.ClientID()))
		})

		It("reconnects after the server drops the socket", func() {
			s := startSession(nil, chat.Options{})

			s.backend.DropConnections()
			Eventually(func() int { return len(s.backend.Handshakes()) }).Should(Equal(2))
			Eventually(func() bool { return s.orch.State().Connected }).Should(BeTrue())
			Expect(s.orch.State().WasConnected).To(BeTrue())
		})

		It("ends a turn interrupted by a dropped socket", func() {
			s := startSession(nil, chat.Options{})

			Expect(s.orch.SendMessage("delete it")).To(BeTrue())
			Eventually(s.orch.PendingPermissions).Should(HaveLen(1))

			s.backend.DropConnections()
			Eventually(s.orch.Streaming).Should(BeFalse())
			Expect(s.lastContent()).To(Equal(chat.ConnectionLost))
			Expect(s.orch.PendingPermissions()).To(BeEmpty())
			Expect(s.orch.State().Error).To(BeEmpty())

			Eventually(func() bool { return s.orch.State().Connected }).Should(BeTrue())
			Expect(s.orch.SendMessage("hello")).To(BeTrue())
			Eventually(s.orch.Streaming).Should(BeFalse())
			Expect(s.lastContent()).To(Equal("Hello! How can I help you today?"))
		})
	})

	Describe("a streaming turn", func() {
		It("assembles text, thinking and cost into the assistant message", func() {
			s := startSession(nil, chat.Options{})

			Expect(s.orch.SendMessage("please think about it")).To(BeTrue())
			Eventually(s.orch.Streaming).Should(BeFalse())

			msgs := s.orch.Messages()
			Expect(msgs).To(HaveLen(2))
			Expect(msgs[1].Content).To(Equal("Here is my plan."))
			Expect(msgs[1].IsStreaming).To(BeFalse())
			Expect(msgs[1].Thinking).NotTo(BeNil())
			Expect(msgs[1].Thinking.Phase).To(Equal("analyzing"))
			Expect(msgs[1].Thinking.IsComplete).To(BeTrue())
			Expect(msgs[1].CostUSD).To(BeNumerically("~", 0.003, 1e-9))

			Eventually(func() avatar.EngineState { return s.orch.State().EngineState }).Should(Equal(avatar.EngineIdle))
			Expect(s.orch.State().Cost.TotalCostUSD).To(BeNumerically("~", 0.003, 1e-9))
			Expect(s.orch.State().Thinking.Active).To(BeFalse())
		})

		It("records tool calls", func() {
			s := startSession(nil, chat.Options{})

			Expect(s.orch.SendMessage("list the files")).To(BeTrue())
			Eventually(s.orch.Streaming).Should(BeFalse())

			tools := s.orch.Messages()[1].Tools
			Expect(tools).To(HaveLen(1))
			Expect(tools[0].Name).To(Equal("bash"))
			Expect(tools[0].Status).To(Equal(protocol.ToolCompleted))
			Expect(s.lastContent()).To(Equal("There are three files."))
		})

		It("publishes snapshots and the finished turn on the bus", func() {
			s := startSession(nil, chat.Options{})

			finished := make(chan event.TurnFinishedData, 1)
			s.bus.Subscribe(event.TurnFinished, func(e event.Event) {
				finished <- e.Data.(event.TurnFinishedData)
			})

			Expect(s.orch.SendMessage("hello")).To(BeTrue())

			var fin event.TurnFinishedData
			Eventually(finished).Should(Receive(&fin))
			Expect(fin.Reason).To(Equal(event.ReasonCompleted))
			Expect(fin.Content).To(Equal("Hello! How can I help you today?"))
		})
	})

	Describe("errors", func() {
		It("finishes the turn and fences late events until the next send", func() {
			s := startSession(nil, chat.Options{})

			Expect(s.orch.SendMessage("rate limit please")).To(BeTrue())
			Eventually(s.orch.Streaming).Should(BeFalse())
			Expect(s.lastContent()).To(Equal("Error: Rate limit exceeded"))

			state := s.orch.State()
			Expect(state.Error).To(Equal("Rate limit exceeded"))
			Expect(state.EngineState).To(Equal(avatar.EngineIdle))
			Expect(s.conn.Fenced()).To(BeTrue())

			// A stray thinking event from the failed turn is dropped.
			Expect(s.backend.Push(protocol.TypeThinking, protocol.ThinkingData{IsStart: true})).To(Succeed())
			Consistently(func() bool { return s.orch.State().Thinking.Active }, 200*time.Millisecond).Should(BeFalse())

			Expect(s.orch.SendMessage("hello")).To(BeTrue())
			Eventually(s.orch.Streaming).Should(BeFalse())
			Expect(s.lastContent()).To(Equal("Hello! How can I help you today?"))
			Expect(s.orch.State().Error).To(BeEmpty())
		})

		It("turns a failed chat_response into an error message", func() {
			s := startSession(nil, chat.Options{})

			Expect(s.orch.SendMessage("quota check")).To(BeTrue())
			Eventually(s.orch.Streaming).Should(BeFalse())
			Expect(s.lastContent()).To(Equal("Error: quota exhausted"))
			Expect(s.orch.State().Error).To(Equal("quota exhausted"))
		})

		It("gives up on a silent agent after the watchdog", func() {
			s := startSession(nil, chat.Options{WatchdogBase: 100 * time.Millisecond})

			Expect(s.orch.SendMessage("silence")).To(BeTrue())
			Eventually(s.orch.Streaming).Should(BeFalse())
			Expect(s.lastContent()).To(Equal(chat.NoResponseContent))
			Expect(s.orch.State().Error).To(BeEmpty())
		})
	})

	Describe("stop", func() {
		It("ends the turn locally and tells the server", func() {
			script := testutil.DefaultScript()
			script.Settings.LagMS = 500
			s := startSession(script, chat.Options{})

			Expect(s.orch.SendMessage("hello")).To(BeTrue())
			s.orch.StopResponse()

			Expect(s.orch.Streaming()).To(BeFalse())
			Expect(s.lastContent()).To(Equal(chat.StoppedContent))
			Eventually(s.backend.ReceivedTypes).Should(ContainElement(protocol.TypeStop))
			Consistently(s.lastContent, 700*time.Millisecond).Should(Equal(chat.StoppedContent))
		})
	})

	Describe("session management", func() {
		It("clears history when the server confirms", func() {
			s := startSession(nil, chat.Options{})
			Expect(s.orch.SendMessage("hello")).To(BeTrue())
			Eventually(s.orch.Streaming).Should(BeFalse())

			Expect(s.orch.ClearHistory()).To(BeTrue())
			Eventually(s.orch.Messages).Should(BeEmpty())
		})

		It("switches provider through the switching state", func() {
			s := startSession(nil, chat.Options{})
			Expect(s.orch.SendMessage("hello")).To(BeTrue())
			Eventually(s.orch.Streaming).Should(BeFalse())

			Expect(s.orch.SwitchProvider("claude", "sonnet", nil)).To(BeTrue())
			Expect(s.orch.Messages()).To(BeEmpty())

			Eventually(func() string { return s.orch.State().Provider }).Should(Equal("claude"))
			Expect(s.orch.State().Switching).To(BeFalse())
			Expect(s.orch.State().Model).To(Equal("sonnet"))
		})

		It("starts a new session", func() {
			s := startSession(nil, chat.Options{})
			first := s.orch.State().SessionID

			Expect(s.orch.NewSession()).To(BeTrue())
			Eventually(func() string { return s.orch.State().SessionID }).ShouldNot(Equal(first))
		})

		It("resumes a stored session with its transcript", func() {
			script := testutil.DefaultScript()
			script.Sessions = []testutil.SessionFixture{{
				ID:    "stored",
				Title: "Earlier chat",
				Messages: []testutil.MessageFixture{
					{Role: "user", Content: "what is 2+2?"},
					{Role: "assistant", Content: "4"},
				},
			}}
			s := startSession(script, chat.Options{})

			s.orch.ResumeSession(context.Background(), "stored")

			msgs := s.orch.Messages()
			Expect(msgs).To(HaveLen(2))
			Expect(msgs[0].Content).To(Equal("what is 2+2?"))
			Expect(msgs[1].Content).To(Equal("4"))
			Eventually(func() string { return s.orch.State().SessionID }).Should(Equal("stored"))
			Expect(s.orch.State().SessionTitle).To(Equal("Earlier chat"))
		})
	})

	Describe("attachments and permissions", func() {
		It("uploads a file and sends it with the next message", func() {
			s := startSession(nil, chat.Options{})

			att, err := s.api.Upload(context.Background(), "notes.txt", strings.NewReader("file body"))
			Expect(err).NotTo(HaveOccurred())
			s.orch.AddAttachment(*att)

			Expect(s.orch.SendMessage("read this")).To(BeTrue())
			Expect(s.orch.PendingAttachments()).To(BeEmpty())
			Eventually(s.orch.Streaming).Should(BeFalse())

			var req protocol.ChatRequest
			received := s.backend.Received()
			Expect(received).NotTo(BeEmpty())
			Expect(received[len(received)-1].Decode(&req)).To(Succeed())
			Expect(req.Attachments).To(HaveLen(1))
			Expect(req.Attachments[0].FileID).To(Equal(att.FileID))

			data, ok := s.backend.Upload(att.FileID)
			Expect(ok).To(BeTrue())
			Expect(string(data)).To(Equal("file body"))
		})

		It("answers a permission request", func() {
			s := startSession(nil, chat.Options{})

			Expect(s.orch.SendMessage("delete the build dir")).To(BeTrue())
			Eventually(s.orch.PendingPermissions).Should(HaveLen(1))

			req := s.orch.PendingPermissions()[0]
			Expect(req.ToolName).To(Equal("bash"))
			Expect(s.orch.RespondPermission(req.RequestID, "allow", false)).To(BeTrue())

			Eventually(s.orch.Streaming).Should(BeFalse())
			Expect(s.lastContent()).To(Equal("Deleted."))
			Expect(s.orch.PendingPermissions()).To(BeEmpty())
		})
	})
})
