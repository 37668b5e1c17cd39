package commands

import (
	"encoding/json"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/raven2cz/avatar-engine-sub000/internal/storage"
	"github.com/raven2cz/avatar-engine-sub000/pkg/protocol"
)

var (
	sessionsJSON  bool
	sessionsLocal bool
)

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "List stored sessions",
	Long: `List the sessions stored by the server.

Examples:
  avatar sessions           # Sessions known to the server
  avatar sessions --local   # Sessions this machine has used
  avatar sessions --json`,
	Args: cobra.NoArgs,
	RunE: runSessions,
}

func init() {
	sessionsCmd.Flags().BoolVar(&sessionsJSON, "json", false, "Print JSON instead of a table")
	sessionsCmd.Flags().BoolVar(&sessionsLocal, "local", false, "List sessions remembered locally")
}

func runSessions(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	var rows []protocol.SessionSummary
	if sessionsLocal {
		store := openStore()
		if store == nil {
			return fmt.Errorf("no session store available")
		}
		entries, err := store.List(ctx)
		if err != nil {
			return err
		}
		rows = localSummaries(entries)
	} else {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		rows, err = newAPI(cfg).ListSessions(ctx)
		if err != nil {
			return err
		}
	}

	out := cmd.OutOrStdout()
	if sessionsJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(rows)
	}
	if len(rows) == 0 {
		fmt.Fprintln(out, "No sessions.")
		return nil
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tTITLE\tPROVIDER\tUPDATED")
	for _, s := range rows {
		provider := s.Provider
		if s.Model != "" {
			provider += "/" + s.Model
		}
		updated := "-"
		if !s.UpdatedAt.IsZero() {
			updated = s.UpdatedAt.Local().Format(time.DateTime)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", s.ID, s.Title, provider, updated)
	}
	return w.Flush()
}

func localSummaries(entries []storage.SessionEntry) []protocol.SessionSummary {
	rows := make([]protocol.SessionSummary, 0, len(entries))
	for _, e := range entries {
		rows = append(rows, protocol.SessionSummary{
			ID:        e.SessionID,
			Title:     e.Title,
			Provider:  e.Provider,
			Model:     e.Model,
			UpdatedAt: e.UpdatedAt,
		})
	}
	return rows
}
