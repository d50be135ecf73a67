package sandboxd

import (
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "sandboxd",
	Short: "Multi-tenant code sandbox orchestrator control plane",
	Long:  `sandboxd admits, runs, and tears down isolated code-execution sandboxes on top of Docker, fronted by a JSON/WebSocket control API.`,
}

// Execute runs the root command, exiting non-zero on failure.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
