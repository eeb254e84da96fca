package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"
)

var (
	serveConfigPath string
	serveAddr       string
	serveStore      string
	serveStorePath  string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the webhook receiver",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadServeConfig(cmd)
		if err != nil {
			return err
		}

		logger, err := newLogger(cfg, os.Stdout)
		if err != nil {
			return err
		}
		slog.SetDefault(logger)

		return runServer(cmd.Context(), cfg, logger)
	},
}

// loadServeConfig layers changed flags over the file and environment, then
// validates the result.
func loadServeConfig(cmd *cobra.Command) (*Config, error) {
	cfg, err := LoadConfig(serveConfigPath)
	if err != nil {
		return nil, err
	}
	if cmd.Flags().Changed("addr") {
		cfg.Addr = serveAddr
	}
	if cmd.Flags().Changed("store") {
		cfg.Store = serveStore
	}
	if cmd.Flags().Changed("store-path") {
		cfg.StorePath = serveStorePath
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func init() {
	serveCmd.Flags().StringVar(&serveConfigPath, "config", os.Getenv("HOOKWATCH_CONFIG"), "path to a TOML config file (env HOOKWATCH_CONFIG)")
	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "listen address, overrides config")
	serveCmd.Flags().StringVar(&serveStore, "store", "", "snapshot backend: file, badger, sqlite or postgres")
	serveCmd.Flags().StringVar(&serveStorePath, "store-path", "", "snapshot file, badger directory or database URL")
	rootCmd.AddCommand(serveCmd)
}

// app owns every long-lived component of a running server.
type app struct {
	cfg       *Config
	logger    *slog.Logger
	persister Persister
	publisher Publisher
	hub       *Hub
	store     *EventStore
	gate      *Gate
	server    *Server
	backup    *BackupScheduler
}

// newApp opens storage and optional integrations and wires them together.
// On error everything opened so far is closed.
func newApp(ctx context.Context, cfg *Config, logger *slog.Logger) (_ *app, err error) {
	a := &app{cfg: cfg, logger: logger}
	defer func() {
		if err != nil {
			a.close(context.Background())
		}
	}()

	a.persister, err = openPersister(cfg)
	if err != nil {
		return nil, fmt.Errorf("open %s store: %w", cfg.Store, err)
	}

	if cfg.NATSURL != "" {
		pub, err := NewNATSPublisher(cfg.NATSURL, cfg.NATSSubjectPrefix)
		if err != nil {
			return nil, err
		}
		a.publisher = pub
		logger.Info("notification mirror enabled", "nats_url", cfg.NATSURL, "prefix", cfg.NATSSubjectPrefix)
	} else {
		a.publisher = &NoopPublisher{}
	}

	a.hub = NewHub(a.publisher, logger)

	a.store, err = OpenEventStore(ctx, a.persister, logger)
	if err != nil {
		return nil, err
	}

	a.gate = NewGate(a.hub)
	a.server = NewServer(a.gate, a.store, a.hub, logger)

	if cfg.BackupS3Bucket != "" {
		dest, err := NewS3Destination(ctx, cfg.BackupS3Bucket, cfg.BackupS3Key, cfg.BackupS3Region, cfg.BackupS3Endpoint)
		if err != nil {
			// Backups are optional; intake still works without them.
			logger.Error("failed to create S3 backup destination", "error", err)
		} else {
			a.backup = NewBackupScheduler(a.store, dest, cfg.BackupInterval.Duration, logger)
			a.backup.Start()
			logger.Info("backups enabled", "bucket", cfg.BackupS3Bucket, "key", cfg.BackupS3Key, "interval", cfg.BackupInterval.Duration)
		}
	}

	return a, nil
}

// close stops background work, flushes the last snapshot and releases
// connections. Components that were never opened are skipped.
func (a *app) close(ctx context.Context) {
	if a.backup != nil {
		a.backup.Stop()
	}
	if a.store != nil {
		if err := a.store.Close(ctx); err != nil {
			a.logger.Error("error closing event store", "error", err)
		}
	}
	if a.hub != nil {
		if err := a.hub.Close(ctx); err != nil {
			a.logger.Error("error draining notification mirror", "error", err)
		}
	}
	if a.publisher != nil {
		if err := a.publisher.Close(); err != nil {
			a.logger.Error("error closing publisher", "error", err)
		}
	}
	if a.persister != nil {
		if err := a.persister.Close(); err != nil {
			a.logger.Error("error closing persister", "error", err)
		}
	}
}

// runServer serves HTTP until ctx is cancelled, then shuts down gracefully.
func runServer(ctx context.Context, cfg *Config, logger *slog.Logger) error {
	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:              cfg.Addr,
		Handler:           a.server,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		defer close(errCh)
		logger.Info("HTTP server listening", "addr", cfg.Addr, "store", cfg.Store, "version", version)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err := <-errCh:
		a.close(context.Background())
		return fmt.Errorf("http server: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout.Duration)
	defer cancel()

	// Streaming observers never go idle on their own.
	a.hub.DisconnectAll()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown error", "error", err)
	}

	a.close(shutdownCtx)
	logger.Info("shutdown complete")
	return nil
}
