package commands

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/raven2cz/avatar-engine-sub000/internal/event"
	"github.com/raven2cz/avatar-engine-sub000/pkg/protocol"
)

const helpText = `Commands:
  /help                        Show this message
  /exit                        Quit
  /stop                        Stop the streaming response
  /new                         Start a new session
  /clear                       Clear the conversation history
  /switch <provider> [model]   Switch provider and/or model
  /resume <session_id>         Resume a stored session
  /attach [glob...]            Upload files for the next message (no args lists them)
  /detach [file_id]            Drop one pending attachment, or all of them
  /allow [request_id] [option] Approve a permission request
  /deny [request_id]           Reject a permission request
  /state                       Show the session state
Lines ending in \ continue on the next line.`

type command struct {
	Name string
	Args []string
}

func parseCommand(input string) command {
	parts := strings.Fields(strings.TrimPrefix(strings.TrimSpace(input), "/"))
	if len(parts) == 0 {
		return command{Name: "unknown", Args: []string{input}}
	}
	name := strings.ToLower(parts[0])
	switch name {
	case "exit", "quit", "q":
		name = "exit"
	case "help", "?":
		name = "help"
	case "stop", "new", "clear", "switch", "resume", "attach", "detach", "allow", "deny", "state":
	default:
		return command{Name: "unknown", Args: []string{input}}
	}
	return command{Name: name, Args: parts[1:]}
}

// readLines feeds complete input lines, joining lines that end in a
// backslash. The channel is closed at EOF.
func readLines(ctx context.Context, in io.Reader) <-chan string {
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		scanner.Buffer(make([]byte, 64*1024), 1024*1024)
		var pending []string
		for scanner.Scan() {
			line := strings.TrimRight(scanner.Text(), "\r")
			if strings.HasSuffix(line, "\\") {
				pending = append(pending, strings.TrimSuffix(line, "\\"))
				continue
			}
			pending = append(pending, line)
			select {
			case lines <- strings.Join(pending, "\n"):
			case <-ctx.Done():
				return
			}
			pending = nil
		}
		if len(pending) > 0 {
			select {
			case lines <- strings.Join(pending, "\n"):
			case <-ctx.Done():
			}
		}
	}()
	return lines
}

// runREPL reads messages and slash commands until /exit, EOF or ctx is
// done. Interactive sessions keep accepting commands while a reply streams;
// piped input waits for each reply before reading the next line.
func (s *chatSession) runREPL(ctx context.Context, in io.Reader, interactive bool) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	finished := make(chan event.TurnFinishedData, 8)
	unsub := s.orch.Bus().Subscribe(event.TurnFinished, func(e event.Event) {
		if data, ok := e.Data.(event.TurnFinishedData); ok {
			select {
			case finished <- data:
			default:
			}
		}
	})
	defer unsub()

	// Piped input cannot answer a permission request while it waits for
	// the reply, so a request ends the wait and the next line is read.
	asked := make(chan struct{}, 1)
	unsubAsked := s.orch.Bus().Subscribe(event.PermissionRequested, func(event.Event) {
		select {
		case asked <- struct{}{}:
		default:
		}
	})
	defer unsubAsked()

	lines := readLines(ctx, in)
	prompt := func() {
		if interactive {
			s.printer.Prompt("› ")
		}
	}
	waitTurn := func(ctx context.Context, interrupt <-chan struct{}) {
		if !s.orch.Streaming() {
			return
		}
		select {
		case <-finished:
		case <-interrupt:
		case <-ctx.Done():
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return s.trackSessions(gctx)
	})
	g.Go(func() error {
		defer cancel()
		prompt()
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-finished:
				prompt()
			case line, ok := <-lines:
				if !ok {
					waitTurn(gctx, nil)
					return nil
				}
				if !interactive && !strings.HasPrefix(strings.TrimSpace(line), "/") {
					waitTurn(gctx, nil)
					drain(finished)
					drain(asked)
				}
				sent, quit := s.handleLine(gctx, line)
				if quit {
					return nil
				}
				if sent && !interactive {
					waitTurn(gctx, asked)
				}
				if !sent {
					prompt()
				}
			}
		}
	})
	return g.Wait()
}

func drain[T any](ch chan T) {
	for {
		select {
		case <-ch:
		default:
			return
		}
	}
}

// handleLine sends a message or runs a slash command. It reports whether a
// message was sent and whether the REPL should end.
func (s *chatSession) handleLine(ctx context.Context, line string) (sent, quit bool) {
	line = strings.TrimSpace(line)
	if line == "" {
		return false, false
	}
	if !strings.HasPrefix(line, "/") {
		if !s.orch.SendMessage(line) {
			s.printer.Errorf("%v", errStreaming)
			return false, false
		}
		return true, false
	}

	cmd := parseCommand(line)
	if err := s.execute(ctx, cmd); err != nil {
		if errors.Is(err, errExit) {
			return false, true
		}
		s.printer.Errorf("%v", err)
	}
	return false, false
}

var (
	errExit         = errors.New("exit")
	errNotConnected = errors.New("not connected")
)

func (s *chatSession) execute(ctx context.Context, cmd command) error {
	switch cmd.Name {
	case "exit":
		return errExit
	case "help":
		s.printer.Plain(helpText)
	case "stop":
		if !s.orch.Streaming() {
			return errors.New("nothing to stop")
		}
		s.orch.StopResponse()
	case "new":
		if !s.orch.NewSession() {
			return errNotConnected
		}
	case "clear":
		if !s.orch.ClearHistory() {
			return errNotConnected
		}
	case "switch":
		if len(cmd.Args) == 0 || len(cmd.Args) > 2 {
			return fmt.Errorf("usage: /switch <provider> [model]")
		}
		model := ""
		if len(cmd.Args) == 2 {
			model = cmd.Args[1]
		}
		if !s.orch.SwitchProvider(cmd.Args[0], model, nil) {
			return errNotConnected
		}
	case "resume":
		if len(cmd.Args) != 1 {
			return fmt.Errorf("usage: /resume <session_id>")
		}
		s.orch.ResumeSession(ctx, cmd.Args[0])
	case "attach":
		if len(cmd.Args) == 0 {
			pending := s.orch.PendingAttachments()
			if len(pending) == 0 {
				s.printer.Info("no pending attachments")
			}
			for _, att := range pending {
				s.printer.Info("%s  %s (%d bytes)", att.FileID, att.Filename, att.Size)
			}
			return nil
		}
		return s.attach(ctx, cmd.Args)
	case "detach":
		if len(cmd.Args) == 0 {
			s.orch.ClearAttachments()
			return nil
		}
		if !s.orch.RemoveAttachment(cmd.Args[0]) {
			return fmt.Errorf("no pending attachment %s", cmd.Args[0])
		}
	case "allow", "deny":
		return s.answerPermission(cmd)
	case "state":
		s.printState()
	default:
		return fmt.Errorf("unknown command: %s (try /help)", strings.Join(cmd.Args, " "))
	}
	return nil
}

// answerPermission resolves /allow and /deny. The request id may be left
// out when exactly one request is pending; /allow then picks the first
// option unless one is named.
func (s *chatSession) answerPermission(cmd command) error {
	pending := s.orch.PendingPermissions()
	args := cmd.Args
	var requestID string
	switch {
	case len(args) > 0 && hasRequest(pending, args[0]):
		requestID, args = args[0], args[1:]
	case len(pending) == 1:
		requestID = pending[0].RequestID
	case len(pending) == 0:
		return fmt.Errorf("no pending permission requests")
	default:
		return fmt.Errorf("%d requests pending, name one: /%s <request_id>", len(pending), cmd.Name)
	}

	if cmd.Name == "deny" {
		if !s.orch.RespondPermission(requestID, "", true) {
			return errNotConnected
		}
		return nil
	}

	optionID := ""
	if len(args) > 0 {
		optionID = args[0]
	} else {
		for _, req := range pending {
			if req.RequestID == requestID && len(req.Options) > 0 {
				optionID = req.Options[0].OptionID
			}
		}
	}
	if !s.orch.RespondPermission(requestID, optionID, false) {
		return errNotConnected
	}
	return nil
}

func hasRequest(pending []protocol.PermissionRequestData, requestID string) bool {
	for _, req := range pending {
		if req.RequestID == requestID {
			return true
		}
	}
	return false
}

func (s *chatSession) printState() {
	st := s.orch.State()
	model := st.Provider
	if st.Model != "" {
		model += "/" + st.Model
	}
	lines := []string{
		fmt.Sprintf("connected:  %t", st.Connected),
		fmt.Sprintf("session:    %s %s", st.SessionID, st.SessionTitle),
		fmt.Sprintf("provider:   %s", model),
		fmt.Sprintf("engine:     %s", st.EngineState),
		fmt.Sprintf("cost:       $%.4f (%d in / %d out tokens)", st.Cost.TotalCostUSD, st.Cost.TotalInputTokens, st.Cost.TotalOutputTokens),
	}
	if st.Error != "" {
		lines = append(lines, "error:      "+st.Error)
	}
	if n := len(s.orch.PendingAttachments()); n > 0 {
		lines = append(lines, fmt.Sprintf("attached:   %d file(s)", n))
	}
	s.printer.Plain(strings.Join(lines, "\n"))
}
