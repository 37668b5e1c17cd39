// Package commands provides the CLI commands for the avatar client.
package commands

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/raven2cz/avatar-engine-sub000/internal/config"
	"github.com/raven2cz/avatar-engine-sub000/internal/logging"
)

var (
	// Version information set at build time
	Version   = "0.1.0"
	BuildTime = "dev"
)

// Global flags
var (
	printLogs bool
	logLevel  string
	serverURL string
	workDir   string
)

var rootCmd = &cobra.Command{
	Use:   "avatar",
	Short: "avatar - terminal client for the avatar agent server",
	Long: `avatar connects to an avatar agent server over a WebSocket and streams
the agent's replies, tool calls and thinking to the terminal.

Run 'avatar chat' to start an interactive session, or 'avatar mock-server'
to run a scripted server for local development.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		initLogging(cmd.ErrOrStderr())
		return nil
	},
	Run: func(cmd *cobra.Command, args []string) {
		cmd.Help()
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVar(&printLogs, "print-logs", false, "Print logs to stderr")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level (DEBUG|INFO|WARN|ERROR)")
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", "", "Server URL (overrides config)")
	rootCmd.PersistentFlags().StringVar(&workDir, "directory", "", "Directory to load project config from")

	// Accept --log_level as well as --log-level.
	rootCmd.SetGlobalNormalizationFunc(func(f *pflag.FlagSet, name string) pflag.NormalizedName {
		return pflag.NormalizedName(strings.ReplaceAll(name, "_", "-"))
	})

	rootCmd.SetVersionTemplate(fmt.Sprintf("avatar %s (%s)\n", Version, BuildTime))

	rootCmd.AddCommand(chatCmd)
	rootCmd.AddCommand(sessionsCmd)
	rootCmd.AddCommand(uploadCmd)
	rootCmd.AddCommand(mockServerCmd)
	rootCmd.AddCommand(versionCmd)
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

// initLogging sends logs to stderr with --print-logs and to a dated file
// under the state directory otherwise, keeping the chat output clean.
func initLogging(stderr io.Writer) {
	cfg := logging.DefaultConfig()
	if logLevel != "" {
		cfg.Level = logging.ParseLevel(logLevel)
	}
	cfg.Output = stderr
	if printLogs {
		cfg.Pretty = isTerminal(stderr)
	} else {
		cfg.LogToFile = true
		cfg.LogDir = config.GetPaths().LogPath()
	}
	logging.Init(cfg)
}

// loadConfig loads the configuration for the working directory and applies
// the global flags on top.
func loadConfig() (*config.Config, error) {
	dir, err := GetWorkDir(workDir)
	if err != nil {
		return nil, err
	}
	cfg, err := config.Load(dir)
	if err != nil {
		return nil, err
	}
	if logLevel == "" {
		logging.Logger = logging.Logger.Level(logging.ParseLevel(cfg.LogLevel))
	}
	if serverURL != "" {
		cfg.ServerURL = serverURL
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

// GetWorkDir returns the working directory from flag or current directory.
func GetWorkDir(dir string) (string, error) {
	if dir != "" {
		return dir, nil
	}
	return os.Getwd()
}

func isTerminal(v any) bool {
	f, ok := v.(interface{ Fd() uintptr })
	if !ok {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}
