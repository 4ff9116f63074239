// Package main is the entry point for the bunbase server.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/bunbase/bunbase/internal/api"
	"github.com/bunbase/bunbase/internal/auth"
	"github.com/bunbase/bunbase/internal/config"
	"github.com/bunbase/bunbase/internal/files"
	"github.com/bunbase/bunbase/internal/hooks"
	"github.com/bunbase/bunbase/internal/mail"
	"github.com/bunbase/bunbase/internal/metrics"
	"github.com/bunbase/bunbase/internal/realtime"
	"github.com/bunbase/bunbase/internal/records"
	"github.com/bunbase/bunbase/internal/rules"
	"github.com/bunbase/bunbase/internal/schema"
	"github.com/bunbase/bunbase/internal/store"
)

var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

func main() {
	var configPath string

	root := &cobra.Command{
		Use:     "bunbase",
		Short:   "Single-binary backend with collections, auth, files and realtime",
		Version: fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
	}

	serve := &cobra.Command{
		Use:   "serve",
		Short: "Start the bunbase server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(configPath)
		},
	}
	serve.Flags().StringVar(&configPath, "config", "", "Path to configuration file")
	root.AddCommand(serve)

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func runServe(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	logger := newLogger(cfg.Logging)
	slog.SetDefault(logger)

	logger.Info("starting bunbase",
		slog.String("version", version),
		slog.String("address", cfg.Address()),
	)

	dbPath, err := cfg.AbsDatabasePath()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o750); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}

	st, err := store.Open(dbPath)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer func() {
		if err := st.Close(); err != nil {
			logger.Error("store close error", slog.String("error", err.Error()))
		}
	}()

	ctx := context.Background()

	schemaEng := schema.New(st, logger)
	if err := schemaEng.Migrate(ctx); err != nil {
		return fmt.Errorf("failed to run metadata migration: %w", err)
	}

	tokens, err := auth.NewTokenManager(cfg.Auth.JWTSecret)
	if err != nil {
		return err
	}
	authSvc := auth.NewService(st, schemaEng, tokens, &mail.LogMailer{Logger: logger}, logger)

	created, generated, err := authSvc.BootstrapAdmin(ctx, cfg.Auth.AdminEmail, cfg.Auth.AdminPassword)
	if err != nil {
		return fmt.Errorf("failed to bootstrap admin: %w", err)
	}
	if created && generated != "" {
		// Logged exactly once; change it after first login.
		logger.Warn("generated initial admin password",
			slog.String("email", cfg.Auth.AdminEmail),
			slog.String("password", generated),
		)
	}

	storagePath, err := cfg.AbsStoragePath()
	if err != nil {
		return err
	}
	fileStorage, err := files.New(storagePath, st)
	if err != nil {
		return fmt.Errorf("failed to initialize file storage: %w", err)
	}

	registry := hooks.NewRegistry()
	recordsEng := records.NewEngine(st, schemaEng, registry, fileStorage, logger)

	broker := realtime.NewBroker(
		time.Duration(cfg.Realtime.HeartbeatSeconds)*time.Second,
		time.Duration(cfg.Realtime.IdleTimeoutSeconds)*time.Second,
		func(identity *rules.Identity, isAdmin bool, collection string, record map[string]any) bool {
			return recordsEng.CanView(context.Background(), identity, isAdmin, collection, record)
		},
		logger,
	)
	broker.Start()
	defer broker.Stop()

	server := api.NewServer(cfg, api.Deps{
		Schema:  schemaEng,
		Records: recordsEng,
		Auth:    authSvc,
		Files:   fileStorage,
		Broker:  broker,
	}, logger)

	registerCoreHooks(registry, broker, fileStorage, server.Metrics(), logger)

	// Sweep expired refresh and verification tokens in the background.
	sweepCtx, cancelSweep := context.WithCancel(ctx)
	defer cancelSweep()
	go func() {
		ticker := time.NewTicker(time.Hour)
		defer ticker.Stop()
		for {
			select {
			case <-sweepCtx.Done():
				return
			case <-ticker.C:
				if err := authSvc.SweepExpiredTokens(sweepCtx); err != nil {
					logger.Warn("token sweep failed", slog.String("error", err.Error()))
				}
			}
		}
	}()

	// Handle shutdown signals
	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)

	serverErr := make(chan error, 1)
	go func() {
		serverErr <- server.Start()
	}()

	select {
	case err := <-serverErr:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	case sig := <-shutdown:
		logger.Info("shutting down", slog.String("signal", sig.String()))

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("shutdown error", slog.String("error", err.Error()))
		}
	}

	logger.Info("shutdown complete")
	return nil
}

// registerCoreHooks wires the built-in after-hooks: realtime fan-out for
// every mutation and file cleanup on delete.
func registerCoreHooks(registry *hooks.Registry, broker *realtime.Broker, fileStorage *files.Storage, m *metrics.Metrics, logger *slog.Logger) {
	broadcast := func(action string) hooks.Handler {
		return func(e *hooks.Event, next func() error) error {
			if err := next(); err != nil {
				return err
			}
			record := e.Record
			if action == "delete" {
				record = e.Existing
			}
			id := e.RecordID
			if id == "" && record != nil {
				id, _ = record[schema.ColumnID].(string)
			}
			broker.Broadcast(e.Collection.Name, id, action, record)
			m.RecordBroadcast(e.Collection.Name, action)
			return nil
		}
	}
	registry.On(hooks.AfterCreate, "", broadcast("create"))
	registry.On(hooks.AfterUpdate, "", broadcast("update"))
	registry.On(hooks.AfterDelete, "", broadcast("delete"))

	registry.On(hooks.AfterDelete, "", func(e *hooks.Event, next func() error) error {
		if err := next(); err != nil {
			return err
		}
		return fileStorage.DeleteRecordFiles(e.Context, e.Collection.Name, e.RecordID)
	})
}

// newLogger builds the process logger from the logging config.
func newLogger(cfg config.LoggingConfig) *slog.Logger {
	level := slog.LevelInfo
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{Level: level}
	if strings.ToLower(cfg.Format) == "text" {
		return slog.New(slog.NewTextHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, opts))
}
