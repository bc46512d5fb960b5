package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/jo-hoe/transcriber/internal/backend"
	"github.com/jo-hoe/transcriber/internal/backend/mock"
	"github.com/jo-hoe/transcriber/internal/backend/remote"
	appcfg "github.com/jo-hoe/transcriber/internal/config"
	"github.com/jo-hoe/transcriber/internal/coordinator"
	"github.com/jo-hoe/transcriber/internal/export"
	"github.com/jo-hoe/transcriber/internal/host"
	"github.com/jo-hoe/transcriber/internal/jobs"
	"github.com/jo-hoe/transcriber/internal/media"
	"github.com/jo-hoe/transcriber/internal/notify"
	"github.com/jo-hoe/transcriber/internal/server"
	"github.com/jo-hoe/transcriber/internal/storage"
	"github.com/jo-hoe/transcriber/internal/store"
)

func main() {
	configPath := flag.String("config", "", "path to config.yaml (defaults to $TRANSCRIBER_CONFIG or ./config.yaml)")
	flag.Parse()

	// Load config
	cfg, err := appcfg.Load(*configPath)
	if err != nil {
		slog.Error("load config", "err", err)
		os.Exit(1)
	}

	// Logger
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: parseLevel(cfg.Server.LogLevel)}))
	slog.SetDefault(logger)

	// Transcript history
	transcripts, err := store.NewFileStore(logger, cfg.Server.StorageDir)
	if err != nil {
		logger.Error("open transcript store", "err", err)
		os.Exit(1)
	}

	// Job journal (SQLite)
	journal, err := jobs.NewSQLiteJournal(cfg.Server.DatabasePath)
	if err != nil {
		logger.Error("sqlite open", "err", err)
		os.Exit(1)
	}
	defer func() { _ = journal.Close() }()

	// Backend client
	var client backend.Client
	switch cfg.Backend.Provider {
	case "remote":
		client = remote.New(cfg.Backend)
	case "mock":
		client = mock.New(cfg.Backend.Mock)
	default:
		logger.Error("unsupported backend provider", "provider", cfg.Backend.Provider)
		os.Exit(1)
	}
	logger.Info("backend configured", "provider", cfg.Backend.Provider, "base_url", cfg.Backend.BaseURL)

	// Process host: leases and notifications
	procHost := host.New(logger, notify.New(logger, cfg.Notify), cfg.Notify.Title)

	// Coordinator and its worker
	coord := coordinator.New(logger, coordinator.Options{
		Backend:         client,
		Media:           media.NewFFmpegAdapter(logger, cfg.Media),
		Store:           transcripts,
		Journal:         journal,
		Host:            procHost,
		DefaultLanguage: cfg.Backend.DefaultLanguage,
		QueueCapacity:   cfg.Server.QueueCapacity,
		HistorySize:     cfg.Server.HistorySize,
	})
	rootCtx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	// The worker outlives the signal so a running job can finish during the grace period.
	if err := coord.Start(context.WithoutCancel(rootCtx)); err != nil {
		logger.Error("start coordinator", "err", err)
		os.Exit(1)
	}

	// HTTP server
	svc := &server.Service{
		Log:         logger,
		Cfg:         cfg,
		Jobs:        coord,
		Transcripts: transcripts,
		Journal:     journal,
		Uploader:    storage.NewUploader(cfg.Server.StorageDir),
		Exporter:    export.NewExporter(logger, cfg.Export.Dir),
		Backend:     client,
	}
	httpSrv := server.NewHTTPServer(svc)

	// Run server in background
	errCh := make(chan error, 1)
	go func() {
		logger.Info("http server starting", "address", cfg.Server.Addr)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	// Wait for signal or server error
	select {
	case <-rootCtx.Done():
		logger.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil {
			logger.Error("server error", "err", err)
		}
	}

	// Graceful shutdown
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), cfg.Server.ShutdownGrace)
	defer cancelShutdown()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", "err", err)
	}
	if n := procHost.Active(); n > 0 {
		logger.Info("waiting for running transcription", "leases", n)
		if err := procHost.WaitIdle(shutdownCtx); err != nil {
			logger.Warn("grace period over, cancelling transcription", "err", err)
		}
	}
	// Stop the worker; anything still running is cancelled.
	coord.Shutdown(cfg.Server.ShutdownGrace)
	if err := procHost.Flush(shutdownCtx); err != nil {
		logger.Warn("pending notifications dropped", "err", err)
	}
	logger.Info("server stopped")
}

func parseLevel(s string) slog.Level {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(s)); err != nil {
		return slog.LevelInfo
	}
	return lvl
}
