package commands

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/raven2cz/avatar-engine-sub000/pkg/protocol"
)

var uploadCmd = &cobra.Command{
	Use:   "upload <file|glob>...",
	Short: "Upload files and print their attachment metadata",
	Long: `Upload files to the server. The printed JSON lines are the attachment
records a chat message refers to.

Examples:
  avatar upload report.pdf
  avatar upload 'shots/**/*.png'`,
	Args: cobra.MinimumNArgs(1),
	RunE: runUpload,
}

func runUpload(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	files, err := expandFiles(args)
	if err != nil {
		return err
	}

	api := newAPI(cfg)
	enc := json.NewEncoder(cmd.OutOrStdout())
	for _, path := range files {
		att, err := api.UploadFile(cmd.Context(), path)
		if err != nil {
			return fmt.Errorf("failed to upload %s: %w", path, err)
		}
		if err := enc.Encode(struct {
			Source string `json:"source"`
			protocol.Attachment
		}{Source: path, Attachment: *att}); err != nil {
			return err
		}
	}
	return nil
}
