package commands

import (
	"fmt"
	"runtime"

	"github.com/spf13/cobra"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "avatar %s (%s) %s %s/%s\n", Version, BuildTime, runtime.Version(), runtime.GOOS, runtime.GOARCH)
	},
}
