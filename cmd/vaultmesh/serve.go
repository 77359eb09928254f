package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/vaultmesh/vaultmesh/internal/config"
	"github.com/vaultmesh/vaultmesh/internal/notify"
	"github.com/vaultmesh/vaultmesh/internal/server"
	"github.com/vaultmesh/vaultmesh/internal/vault"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the vault server",
		RunE: func(cmd *cobra.Command, args []string) error {
			setupLogging()

			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			return runServe(cfg)
		},
	}
}

func loadConfig() (*config.Config, error) {
	if cfgFile == "" {
		log.Info().Msg("no config file, using defaults")
		return config.Default(), nil
	}
	return config.Load(cfgFile)
}

func runServe(cfg *config.Config) error {
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return err
	}

	metrics := vault.NewMetrics(vault.Registry)
	ledger := vault.NewLedger(cfg.LedgerPath())

	store, err := vault.NewStore(cfg.DataDir, ledger, vault.StoreOptions{
		TTL:      cfg.TTL(),
		Compress: cfg.Compress,
		Metrics:  metrics,
	})
	if err != nil {
		return err
	}
	if err := store.Restore(); err != nil {
		log.Warn().Err(err).Msg("index restore failed, starting empty")
	}

	placer := vault.NewPlacer(ledger, cfg.Shards, cfg.ShardLimitMB())
	links := vault.NewLinks()
	hub := notify.NewHub()

	var notifier notify.Notifier = hub
	if cfg.Notify.WebhookURL != "" {
		notifier = notify.NewMulti(hub, notify.NewWebhook(cfg.Notify.WebhookURL))
	}

	reaper := vault.NewReaper(store, links, notifier, cfg.Poll(), metrics)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	reaperDone := make(chan struct{})
	go func() {
		defer close(reaperDone)
		reaper.Run(ctx)
	}()

	srv := server.New(server.Options{
		Store:     store,
		Placer:    placer,
		Links:     links,
		Ledger:    ledger,
		Hub:       hub,
		Notifier:  notifier,
		Metrics:   metrics,
		AuthToken: cfg.AuthToken,
		PublicURL: cfg.PublicURL,
	})
	if err := srv.Start(cfg.Listen); err != nil {
		return err
	}

	log.Info().
		Int("shards", cfg.Shards).
		Str("shard_limit", cfg.ShardLimit).
		Int("ttl_minutes", cfg.TTLMinutes).
		Str("data_dir", cfg.DataDir).
		Msg("vault ready")

	// Wait for shutdown signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan
	log.Info().Msg("shutting down...")

	cancel()
	<-reaperDone
	hub.Close()
	return srv.Stop()
}
