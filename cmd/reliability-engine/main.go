package main

import (
	"os"

	"github.com/spf13/cobra"
)

var configPath string

func main() {
	rootCmd := &cobra.Command{
		Use:   "reliability-engine",
		Short: "Mirador reliability dashboard engine",
		Long: `reliability-engine correlates issues with tickets, scores product reliability and
serves cached dashboard snapshots over gRPC and HTTP.`,
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to configuration file (default: $MIRADOR_REL_CONFIG)")

	rootCmd.AddCommand(
		newServeCommand(),
		newMigrateCommand(),
		newRefreshCommand(),
		newStatsCommand(),
		newCleanupCommand(),
	)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// version is overridden at build time with -ldflags "-X main.version=...".
var version = "dev"
