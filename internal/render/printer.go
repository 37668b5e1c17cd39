// Package render prints the chat event stream to a terminal.
package render

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/fatih/color"

	"github.com/raven2cz/avatar-engine-sub000/internal/event"
	"github.com/raven2cz/avatar-engine-sub000/pkg/avatar"
	"github.com/raven2cz/avatar-engine-sub000/pkg/chat"
	"github.com/raven2cz/avatar-engine-sub000/pkg/protocol"
)

// Format selects the output representation.
type Format string

const (
	FormatText  Format = "text"
	FormatJSONL Format = "jsonl"
)

// ParseFormat validates a --format value.
func ParseFormat(s string) (Format, error) {
	switch Format(strings.ToLower(s)) {
	case FormatText, "":
		return FormatText, nil
	case FormatJSONL:
		return FormatJSONL, nil
	}
	return "", fmt.Errorf("unknown format %q (want text or jsonl)", s)
}

// Options configures a Printer.
type Options struct {
	Out     io.Writer
	Err     io.Writer
	Format  Format
	NoColor bool
	Quiet   bool
	Verbose bool
	// EchoUser prints the user's own messages. Interactive sessions leave it
	// off since the input is already on screen.
	EchoUser bool
}

// Printer renders bus events. In text mode it follows the message snapshots
// and prints only what changed; in jsonl mode it copies the bus stream.
type Printer struct {
	opts Options

	user      *color.Color
	assistant *color.Color
	tool      *color.Color
	dim       *color.Color
	warn      *color.Color
	fail      *color.Color

	mu       sync.Mutex
	seen     map[string]bool
	printed  map[string]int
	tools    map[string]string
	thinking map[string]bool
	open     string
	prev     avatar.State
	hasPrev  bool
}

// New creates a Printer.
func New(opts Options) *Printer {
	if opts.Out == nil {
		opts.Out = os.Stdout
	}
	if opts.Err == nil {
		opts.Err = os.Stderr
	}
	if opts.Format == "" {
		opts.Format = FormatText
	}
	p := &Printer{
		opts:      opts,
		user:      color.New(color.FgCyan, color.Bold),
		assistant: color.New(color.FgGreen, color.Bold),
		tool:      color.New(color.FgYellow),
		dim:       color.New(color.FgHiBlack),
		warn:      color.New(color.FgYellow, color.Bold),
		fail:      color.New(color.FgRed),
	}
	if opts.NoColor {
		for _, c := range []*color.Color{p.user, p.assistant, p.tool, p.dim, p.warn, p.fail} {
			c.DisableColor()
		}
	}
	p.reset()
	return p
}

func (p *Printer) reset() {
	p.seen = make(map[string]bool)
	p.printed = make(map[string]int)
	p.tools = make(map[string]string)
	p.thinking = make(map[string]bool)
	p.open = ""
}

// Attach subscribes the printer to bus. The returned function detaches it.
func (p *Printer) Attach(ctx context.Context, bus *event.Bus) (func(), error) {
	if p.opts.Format == FormatJSONL {
		ctx, cancel := context.WithCancel(ctx)
		stream, err := bus.Stream(ctx,
			event.StateChanged,
			event.MessagesChanged,
			event.TurnFinished,
			event.PermissionRequested,
			event.PermissionResolved,
			event.ActivityUpdated,
			event.AttachmentsChanged,
		)
		if err != nil {
			cancel()
			return nil, err
		}
		done := make(chan struct{})
		go func() {
			defer close(done)
			for line := range stream {
				p.mu.Lock()
				p.opts.Out.Write(append(line, '\n'))
				p.mu.Unlock()
			}
		}()
		return func() {
			cancel()
			<-done
		}, nil
	}

	unsubs := []func(){
		bus.Subscribe(event.MessagesChanged, func(e event.Event) {
			if data, ok := e.Data.(chat.MessagesChangedData); ok {
				p.Messages(data.Messages)
			}
		}),
		bus.Subscribe(event.TurnFinished, func(e event.Event) {
			if data, ok := e.Data.(event.TurnFinishedData); ok {
				p.TurnFinished(data)
			}
		}),
		bus.Subscribe(event.StateChanged, func(e event.Event) {
			if data, ok := e.Data.(event.StateChangedData); ok {
				p.State(data.State)
			}
		}),
		bus.Subscribe(event.PermissionRequested, func(e event.Event) {
			if data, ok := e.Data.(event.PermissionRequestedData); ok {
				p.Permission(data.Request)
			}
		}),
		bus.Subscribe(event.ActivityUpdated, func(e event.Event) {
			if data, ok := e.Data.(event.ActivityUpdatedData); ok {
				p.Activity(data.Activity)
			}
		}),
	}
	return func() {
		for _, unsub := range unsubs {
			unsub()
		}
	}, nil
}

// Messages renders the difference between the last snapshot and msgs.
func (p *Printer) Messages(msgs []chat.Message) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(msgs) == 0 {
		p.closeLineLocked()
		p.reset()
		return
	}

	live := -1
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].IsStreaming {
			live = i
			break
		}
	}

	for i, m := range msgs {
		switch {
		case m.ID == p.open || (i == live && !p.seen[m.ID]):
			p.streamLocked(m)
		case p.seen[m.ID]:
		case i == live-1 && m.Role == chat.RoleUser:
			p.seen[m.ID] = true
			if p.opts.EchoUser {
				p.lineLocked(p.user.Sprint("you ›") + " " + m.Content)
			}
		default:
			p.transcriptLocked(m)
		}
	}
}

// streamLocked prints the unseen part of a live assistant message.
func (p *Printer) streamLocked(m chat.Message) {
	out := p.opts.Out
	if !p.seen[m.ID] {
		p.seen[m.ID] = true
		p.closeLineLocked()
		p.open = m.ID
		fmt.Fprint(out, p.assistant.Sprint("assistant ›")+" ")
	}

	if m.Thinking != nil && !p.thinking[m.ID] && !p.opts.Quiet {
		p.thinking[m.ID] = true
		label := m.Thinking.Phase
		if m.Thinking.Subject != "" {
			label += ": " + m.Thinking.Subject
		}
		fmt.Fprint(out, p.dim.Sprintf("(thinking %s) ", label))
	}

	for _, t := range m.Tools {
		key := m.ID + "/" + t.ToolID
		if p.tools[key] == t.Status {
			continue
		}
		p.tools[key] = t.Status
		if p.opts.Quiet {
			continue
		}
		line := fmt.Sprintf("→ tool %s (%s)", t.Name, t.Status)
		if t.Error != "" {
			line += ": " + t.Error
		}
		fmt.Fprint(out, "\n"+p.tool.Sprint(line)+"\n")
	}

	// Content only ever grows while a turn streams.
	if done := p.printed[m.ID]; done < len(m.Content) {
		fmt.Fprint(out, m.Content[done:])
		p.printed[m.ID] = len(m.Content)
	}
}

// transcriptLocked prints a complete message that did not stream here, such
// as restored history.
func (p *Printer) transcriptLocked(m chat.Message) {
	p.seen[m.ID] = true
	p.closeLineLocked()
	label := p.assistant.Sprint("assistant ›")
	if m.Role == chat.RoleUser {
		label = p.user.Sprint("you ›")
	}
	p.lineLocked(label + " " + m.Content)
}

func (p *Printer) closeLineLocked() {
	if p.open != "" {
		fmt.Fprintln(p.opts.Out)
		p.open = ""
	}
}

func (p *Printer) lineLocked(s string) {
	fmt.Fprintln(p.opts.Out, s)
}

// TurnFinished ends the streamed line and reports abnormal endings.
func (p *Printer) TurnFinished(fin event.TurnFinishedData) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.open == fin.MessageID {
		p.closeLineLocked()
	}
	switch fin.Reason {
	case event.ReasonTimeout:
		fmt.Fprintln(p.opts.Err, p.warn.Sprint("no response from the agent"))
	case event.ReasonDisconnected:
		fmt.Fprintln(p.opts.Err, p.warn.Sprint("connection lost before the reply finished"))
	case event.ReasonStopped:
		if p.opts.Verbose {
			fmt.Fprintln(p.opts.Err, p.dim.Sprint("stopped"))
		}
	}
}

// State reports connection changes, errors and diagnostics.
func (p *Printer) State(s avatar.State) {
	p.mu.Lock()
	defer p.mu.Unlock()

	prev, hadPrev := p.prev, p.hasPrev
	p.prev, p.hasPrev = s.Clone(), true
	if p.opts.Quiet {
		return
	}
	errOut := p.opts.Err

	switch {
	case s.Connected && (!hadPrev || !prev.Connected || prev.SessionID != s.SessionID || prev.Provider != s.Provider):
		desc := s.Provider
		if s.Model != "" {
			desc += "/" + s.Model
		}
		fmt.Fprintln(errOut, p.dim.Sprintf("connected: %s session %s", desc, s.SessionID))
	case !s.Connected && hadPrev && prev.Connected:
		fmt.Fprintln(errOut, p.warn.Sprint("disconnected, reconnecting…"))
	}

	if s.Switching && (!hadPrev || !prev.Switching) {
		fmt.Fprintln(errOut, p.dim.Sprint("switching provider…"))
	}
	if s.Error != "" && (!hadPrev || prev.Error != s.Error) {
		fmt.Fprintln(errOut, p.fail.Sprintf("error: %s", s.Error))
	}
	if s.Diagnostic != nil && (!hadPrev || prev.Diagnostic == nil || *prev.Diagnostic != *s.Diagnostic) {
		fmt.Fprintln(errOut, p.warn.Sprintf("[%s] %s", s.Diagnostic.Level, s.Diagnostic.Message))
	}
	if p.opts.Verbose && s.EngineState != prev.EngineState {
		fmt.Fprintln(errOut, p.dim.Sprintf("[engine] %s", s.EngineState))
	}
}

// Permission prints a permission request with the commands to answer it.
func (p *Printer) Permission(req protocol.PermissionRequestData) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.closeLineLocked()
	title := req.Title
	if title == "" {
		title = req.ToolName
	}
	fmt.Fprintln(p.opts.Out, p.warn.Sprintf("permission requested [%s]: %s", req.RequestID, title))
	for _, opt := range req.Options {
		fmt.Fprintln(p.opts.Out, p.dim.Sprintf("  /allow %s %s   (%s)", req.RequestID, opt.OptionID, opt.Name))
	}
	fmt.Fprintln(p.opts.Out, p.dim.Sprintf("  /deny %s", req.RequestID))
}

// Activity prints background activity in verbose mode.
func (p *Printer) Activity(a protocol.ActivityData) {
	if !p.opts.Verbose {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintln(p.opts.Err, p.dim.Sprintf("[activity] %s %s %s", a.Name, a.Status, a.Detail))
}

// Banner announces the server being connected to.
func (p *Printer) Banner(url string) {
	if p.opts.Quiet || p.opts.Format == FormatJSONL {
		return
	}
	fmt.Fprintln(p.opts.Err, p.dim.Sprintf("Connecting to %s", url))
}

// Info prints a status line.
func (p *Printer) Info(format string, args ...any) {
	if p.opts.Format == FormatJSONL {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closeLineLocked()
	fmt.Fprintln(p.opts.Err, p.dim.Sprintf(format, args...))
}

// Errorf prints an error line.
func (p *Printer) Errorf(format string, args ...any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closeLineLocked()
	fmt.Fprintln(p.opts.Err, p.fail.Sprintf(format, args...))
}

// Plain prints text to the output unchanged.
func (p *Printer) Plain(text string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintln(p.opts.Out, text)
}

// Prompt writes an input prompt without a trailing newline.
func (p *Printer) Prompt(prompt string) {
	if p.opts.Format == FormatJSONL {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprint(p.opts.Out, p.user.Sprint(prompt))
}
