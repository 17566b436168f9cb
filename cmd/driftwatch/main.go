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

	"github.com/Suvan8806/DriftWatch/internal/api"
	"github.com/Suvan8806/DriftWatch/internal/config"
	"github.com/Suvan8806/DriftWatch/internal/drift"
	"github.com/Suvan8806/DriftWatch/internal/ingest"
	"github.com/Suvan8806/DriftWatch/internal/metrics"
	"github.com/Suvan8806/DriftWatch/internal/simulator"
	"github.com/Suvan8806/DriftWatch/internal/storage"
)

func main() {
	configPath := flag.String("config", "", "path to YAML config file")
	flag.Parse()

	log := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Error("config load failed", slog.String("error", err.Error()))
		os.Exit(1)
	}

	if err := run(cfg, log); err != nil {
		log.Error("server exited", slog.String("error", err.Error()))
		os.Exit(1)
	}
}

func run(cfg *config.Config, log *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := storage.NewStore(ctx, cfg.Storage.Path)
	if err != nil {
		return err
	}
	defer store.Close()
	repo := storage.NewRepository(store)
	log.Info("store opened", slog.String("path", cfg.Storage.Path))

	met := metrics.New()

	driftParams := drift.Params{
		SevereZ:             cfg.Detection.SevereZ,
		SevereConsecutive:   cfg.Detection.SevereConsecutive,
		ModerateZ:           cfg.Detection.ModerateZ,
		ModerateWindow:      cfg.Detection.ModerateWindow,
		ModerateCount:       cfg.Detection.ModerateCount,
		NormalZ:             cfg.Detection.NormalZ,
		RecoveryConsecutive: cfg.Detection.RecoveryConsecutive,
	}
	baselineParams := drift.BaselineParams{
		MinSamples:     cfg.Detection.MinSamples,
		WindowSize:     cfg.Detection.WindowSize,
		RecalcInterval: cfg.Detection.RecalcInterval,
	}

	pipeline := ingest.NewPipeline(ingest.Config{
		Workers:       cfg.Ingest.Workers,
		QueueCapacity: cfg.Ingest.QueueCapacity,
		RetryAttempts: cfg.Ingest.RetryAttempts,
		RetryBackoff:  cfg.Ingest.RetryBackoff.Std(),
		DrainTimeout:  cfg.Ingest.DrainTimeout.Std(),
	}, repo, driftParams, baselineParams, met, log)
	pipeline.Start(context.WithoutCancel(ctx))
	log.Info("ingest pipeline started", slog.Int("workers", cfg.Ingest.Workers))

	sweeper := ingest.NewSweeper(repo,
		cfg.Storage.CleanupInterval.Std(),
		cfg.Storage.SampleRetention.Std(),
		cfg.Storage.EventRetention.Std(),
		log)
	go sweeper.Run(ctx)

	runner := simulator.NewRunner(log)
	handlers := api.NewHandlers(pipeline, repo, store, runner, met, log)

	srv := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      api.NewRouter(handlers),
		ReadTimeout:  cfg.Server.ReadTimeout.Std(),
		WriteTimeout: cfg.Server.WriteTimeout.Std(),
		IdleTimeout:  cfg.Server.IdleTimeout.Std(),
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("http server listening", slog.String("addr", cfg.Server.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout.Std())
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn("http shutdown incomplete", slog.String("error", err.Error()))
	}
	pipeline.Stop()
	log.Info("shutdown complete")
	return nil
}
