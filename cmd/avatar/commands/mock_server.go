package commands

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/raven2cz/avatar-engine-sub000/internal/logging"
	"github.com/raven2cz/avatar-engine-sub000/internal/testutil"
)

var (
	mockAddr   string
	mockScript string
)

var mockServerCmd = &cobra.Command{
	Use:   "mock-server",
	Short: "Run a scripted avatar server for local development",
	Long: `Run a mock avatar server that answers chat messages from a YAML script.

Without --script the built-in rules are used: try "hello", "think about it",
"list files", "delete it", "rate limit" or "silence".

Examples:
  avatar mock-server --addr 127.0.0.1:8420
  avatar mock-server --script ./mock.yaml`,
	Args: cobra.NoArgs,
	RunE: runMockServer,
}

func init() {
	mockServerCmd.Flags().StringVar(&mockAddr, "addr", "127.0.0.1:8420", "Address to listen on")
	mockServerCmd.Flags().StringVar(&mockScript, "script", "", "YAML script file or directory containing mock.yaml")
}

func loadMockScript(path string) (*testutil.Script, error) {
	if path == "" {
		return testutil.DefaultScript(), nil
	}
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if info.IsDir() {
		return testutil.LoadScriptFromDir(path)
	}
	return testutil.LoadScript(path)
}

func runMockServer(cmd *cobra.Command, args []string) error {
	script, err := loadMockScript(mockScript)
	if err != nil {
		return err
	}

	backend := testutil.NewMockBackend(script)
	srv := &http.Server{
		Addr:              mockAddr,
		Handler:           backend.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		logging.Info().Str("addr", mockAddr).Str("provider", script.Settings.Provider).Msg("mock server listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	logging.Info().Msg("shutting down mock server")
	backend.DropConnections()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
