package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/testplane/testplane/pkg/api"
	"github.com/testplane/testplane/pkg/bus"
	"github.com/testplane/testplane/pkg/config"
	"github.com/testplane/testplane/pkg/ingest"
	"github.com/testplane/testplane/pkg/queue"
	"github.com/testplane/testplane/pkg/registry"
	"github.com/testplane/testplane/pkg/storage"
	"github.com/testplane/testplane/pkg/store"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the testplane server",
	Long:  `Start the ingestion API and the runner dispatch queue.`,
	RunE:  runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	if cfgFile == "" {
		return fmt.Errorf("config file is required (use --config)")
	}

	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("validating config: %w", err)
	}

	level, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("invalid log level %q: %w", cfg.LogLevel, err)
	}

	log.SetLevel(level)

	// Set up context with signal handling.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	// Persistence.
	st := store.NewStore(log, &cfg.Database)
	if err := st.Start(ctx); err != nil {
		return fmt.Errorf("starting store: %w", err)
	}

	// Optional raw-artifact archival.
	writer, err := buildStorageWriter(cfg)
	if err != nil {
		return err
	}

	if writer != nil {
		if err := writer.Preflight(ctx); err != nil {
			return fmt.Errorf("storage preflight: %w", err)
		}
	}

	// Core services. Evicted runner leases release their claims back to
	// the queue.
	b := bus.New(log)
	q := queue.New(log, queue.Config{
		ClaimTTL: cfg.Queue.ClaimTTLDuration(),
	})
	reg := registry.New(log, registry.Config{
		LeaseTTL: cfg.Queue.LeaseTTLDuration(),
		OnEvict: func(runnerID string) {
			q.ReleaseRunner(runnerID)
		},
	})
	im := ingest.NewImporter(log, &cfg.Ingest, st, b, writer)

	srv := api.NewServer(log, cfg, st, q, reg, im, b)

	if err := srv.Start(ctx); err != nil {
		return fmt.Errorf("starting api server: %w", err)
	}

	// Wait for shutdown signal.
	sig := <-sigCh
	log.WithField("signal", sig).Info("Shutting down")
	cancel()

	if err := srv.Stop(); err != nil {
		return fmt.Errorf("stopping api server: %w", err)
	}

	if err := st.Stop(); err != nil {
		return fmt.Errorf("stopping store: %w", err)
	}

	return nil
}

// buildStorageWriter constructs the configured archival backend, or
// returns nil when archival is disabled.
func buildStorageWriter(cfg *config.Config) (storage.Writer, error) {
	if cfg.Storage == nil {
		return nil, nil
	}

	switch {
	case cfg.Storage.S3 != nil && cfg.Storage.S3.Enabled:
		w, err := storage.NewS3Writer(log, cfg.Storage.S3)
		if err != nil {
			return nil, fmt.Errorf("initializing s3 storage: %w", err)
		}

		return w, nil
	case cfg.Storage.Local != nil && cfg.Storage.Local.Enabled:
		w, err := storage.NewLocalWriter(log, cfg.Storage.Local)
		if err != nil {
			return nil, fmt.Errorf("initializing local storage: %w", err)
		}

		return w, nil
	default:
		return nil, nil
	}
}
