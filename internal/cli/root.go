package cli

import (
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "mnemo",
	Short: "Encrypted, metered memory storage for AI agents",
	Long:  "Mnemo stores encrypted, TTL-bounded memories for AI agents and meters every paid operation against a prepaid credit ledger. Single Go binary, SQLite on disk.",
}

var configPath string

func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to config file (default ~/.mnemo/config.toml)")

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(keysCmd)
	rootCmd.AddCommand(reclaimCmd)
	rootCmd.AddCommand(statsCmd)
}
