package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"agent-orchestrator/internal/artifact"
	"agent-orchestrator/internal/config"
	"agent-orchestrator/internal/events"
	"agent-orchestrator/internal/logging"
	"agent-orchestrator/internal/orchestrator"
	"agent-orchestrator/internal/store"
	"agent-orchestrator/internal/telemetry"
	workerproc "agent-orchestrator/internal/worker"
)

func main() {
	cfg := config.Load()
	logger := logging.New(cfg.LogLevel, cfg.LogFormat).With(slog.String("service", "worker"))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
		<-ch
		cancel()
	}()

	st, err := store.New(ctx, cfg.PostgresDSN)
	if err != nil {
		logger.Error("connect postgres", slog.String("error", err.Error()))
		os.Exit(1)
	}
	defer st.Close()

	if err := st.RunMigrations(ctx); err != nil {
		logger.Error("migrations", slog.String("error", err.Error()))
		os.Exit(1)
	}

	workerID := os.Getenv("WORKER_ID")
	if workerID == "" {
		hostname, _ := os.Hostname()
		if hostname != "" {
			workerID = hostname
		} else {
			workerID = fmt.Sprintf("worker-%d", os.Getpid())
		}
	}

	emitter := events.New(st, logger)

	artifacts, err := artifact.New(ctx, cfg)
	if err != nil {
		logger.Error("init artifact store", slog.String("error", err.Error()))
		os.Exit(1)
	}

	registry := workerproc.NewRegistry()
	phaseRunner := orchestrator.NewPhaseRunner(st, emitter, artifacts, orchestrator.StubGenerator{}, cfg.PhaseRunTimeout, logger)
	registry.Register(orchestrator.JobTypePhaseRun, phaseRunner.Handle)

	processor := workerproc.NewProcessor(cfg, st, registry, emitter, logger, workerID)

	go func() {
		if err := http.ListenAndServe(cfg.MetricsAddr, telemetry.Handler()); err != nil {
			logger.Warn("metrics server stopped", slog.String("error", err.Error()))
		}
	}()

	logger.Info("worker started",
		slog.String("worker_id", workerID),
		slog.Int("concurrency", cfg.WorkerConcurrency),
		slog.Duration("lease_stale_after", cfg.LeaseStaleAfter),
	)
	if err := processor.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("worker exited", slog.String("error", err.Error()))
		os.Exit(1)
	}
	logger.Info("worker stopped")
}
