// vaultmesh is an ephemeral, quota-bounded object vault.
package main

import (
	"fmt"
	"os"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

var (
	cfgFile  string
	logLevel string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "vaultmesh",
		Short: "VaultMesh - ephemeral quota-bounded object vault",
		Long: `VaultMesh stores binary objects under a per-shard capacity ceiling,
hands back a short download code, and reclaims each object after its
time-to-live expires.

QUICK START:

  # Start a vault with the default 2 shards x 1000MB and a 20 minute TTL:
  vaultmesh serve --config vault.yaml

  # Deposit an object:
  curl -X POST --data-binary @report.pdf \
      http://localhost:8420/vault/alice/report.pdf

  # Fetch it back by code before the TTL runs out:
  curl http://localhost:8420/download/000001

For more help on any command, use: vaultmesh <command> --help`,
	}

	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file path")
	rootCmd.PersistentFlags().StringVarP(&logLevel, "log-level", "l", "info", "log level")

	rootCmd.AddCommand(newServeCmd())
	rootCmd.AddCommand(newStatusCmd())
	rootCmd.AddCommand(newLinkCmd())

	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("vaultmesh %s (commit %s, built %s)\n", Version, Commit, BuildTime)
		},
	})

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupLogging() {
	level, err := zerolog.ParseLevel(logLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
}
