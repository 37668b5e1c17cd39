package commands

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/raven2cz/avatar-engine-sub000/internal/config"
	"github.com/raven2cz/avatar-engine-sub000/internal/event"
	"github.com/raven2cz/avatar-engine-sub000/internal/permission"
	"github.com/raven2cz/avatar-engine-sub000/internal/render"
	"github.com/raven2cz/avatar-engine-sub000/internal/storage"
)

var (
	chatProvider  string
	chatModel     string
	chatSessionID string
	chatContinue  bool
	chatFiles     []string
	chatFormat    string
	chatNoColor   bool
	chatVerbose   bool
	chatTimeout   time.Duration
	chatAllow     []string
	chatDeny      []string
)

var chatCmd = &cobra.Command{
	Use:   "chat [message...]",
	Short: "Chat with the agent",
	Long: `Connect to the avatar server and chat with the agent.

With a message, the reply is streamed and the command exits when the turn
ends. Without one, an interactive prompt reads messages and slash commands
from stdin (see /help).

Examples:
  avatar chat "Explain this repository"
  avatar chat --provider claude --model sonnet
  avatar chat --continue                    # Continue the last session
  avatar chat --file 'shots/**/*.png' "What changed between these?"
  avatar chat --format jsonl "hello" | jq .
  avatar chat --allow-tool 'read_*' --deny-tool bash "Tidy the docs"`,
	RunE: runChat,
}

func init() {
	chatCmd.Flags().StringVarP(&chatProvider, "provider", "p", "", "Provider to switch to after connecting")
	chatCmd.Flags().StringVarP(&chatModel, "model", "m", "", "Model to request with the provider")
	chatCmd.Flags().StringVarP(&chatSessionID, "session", "s", "", "Session ID to resume")
	chatCmd.Flags().BoolVarP(&chatContinue, "continue", "c", false, "Resume the last used session")
	chatCmd.Flags().StringArrayVarP(&chatFiles, "file", "f", nil, "File(s) or glob(s) to attach to the first message")
	chatCmd.Flags().StringVar(&chatFormat, "format", "text", "Output format (text|jsonl)")
	chatCmd.Flags().BoolVar(&chatNoColor, "no-color", false, "Disable colored output")
	chatCmd.Flags().BoolVarP(&chatVerbose, "verbose", "v", false, "Show engine state and activity")
	chatCmd.Flags().DurationVar(&chatTimeout, "connect-timeout", 15*time.Second, "How long to wait for the server")
	chatCmd.Flags().StringArrayVar(&chatAllow, "allow-tool", nil, "Tool name pattern to approve without asking")
	chatCmd.Flags().StringArrayVar(&chatDeny, "deny-tool", nil, "Tool name pattern to reject without asking")
}

func runChat(cmd *cobra.Command, args []string) error {
	if chatSessionID != "" && chatContinue {
		return errors.New("--session and --continue are mutually exclusive")
	}
	format, err := render.ParseFormat(chatFormat)
	if err != nil {
		return err
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if chatProvider != "" {
		cfg.Provider = chatProvider
	}
	if chatModel != "" {
		cfg.Model = chatModel
	}
	applyToolFlags(cfg)

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store := openStore()
	sessionID, err := pickSession(ctx, store)
	if err != nil {
		return err
	}

	message := strings.TrimSpace(strings.Join(args, " "))
	in := cmd.InOrStdin()
	interactive := message == "" && isTerminal(in)
	out := cmd.OutOrStdout()

	s, err := openSession(ctx, cfg, store, render.Options{
		Out:      out,
		Err:      cmd.ErrOrStderr(),
		Format:   format,
		NoColor:  chatNoColor || !isTerminal(out),
		Verbose:  chatVerbose,
		EchoUser: !interactive && message == "",
	})
	if err != nil {
		return err
	}
	defer s.Close()

	s.printer.Banner(cfg.ServerURL)
	if err := s.start(ctx, chatTimeout, sessionID); err != nil {
		return err
	}
	if len(chatFiles) > 0 {
		if err := s.attach(ctx, chatFiles); err != nil {
			return err
		}
	}

	if message == "" {
		return s.runREPL(ctx, in, interactive)
	}

	fin, err := s.ask(ctx, message)
	s.remember(context.WithoutCancel(ctx))
	if err != nil {
		return err
	}
	switch fin.Reason {
	case event.ReasonError:
		return fmt.Errorf("agent error: %s", strings.TrimPrefix(fin.Content, "Error: "))
	case event.ReasonTimeout:
		return errors.New("no response from the agent")
	case event.ReasonDisconnected:
		return errors.New("connection lost before the reply finished")
	}
	return nil
}

// pickSession resolves --session and --continue into a session id.
func pickSession(ctx context.Context, store *storage.SessionStore) (string, error) {
	if chatSessionID != "" {
		return chatSessionID, nil
	}
	if !chatContinue {
		return "", nil
	}
	if store == nil {
		return "", errors.New("no session store available for --continue")
	}
	last, err := store.Last(ctx)
	if errors.Is(err, storage.ErrNotFound) {
		return "", errors.New("no previous session to continue")
	}
	if err != nil {
		return "", err
	}
	return last.SessionID, nil
}

// applyToolFlags adds --allow-tool and --deny-tool patterns to the
// configured permissions. Deny wins when a pattern is given to both.
func applyToolFlags(cfg *config.Config) {
	if len(chatAllow)+len(chatDeny) == 0 {
		return
	}
	if cfg.Permissions == nil {
		cfg.Permissions = make(map[string]string)
	}
	for _, pattern := range chatAllow {
		cfg.Permissions[pattern] = string(permission.ActionAllow)
	}
	for _, pattern := range chatDeny {
		cfg.Permissions[pattern] = string(permission.ActionDeny)
	}
}
