// Package main is the entry point for the devboard server: a single binary
// hosting the store, the execution engine and the HTTP API.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/devboard/devboard/internal/common/config"
	"github.com/devboard/devboard/internal/common/logger"
	"github.com/devboard/devboard/internal/common/tracing"
	"github.com/devboard/devboard/internal/db"
	"github.com/devboard/devboard/internal/engine"
	"github.com/devboard/devboard/internal/engine/lock"
	"github.com/devboard/devboard/internal/engine/persist"
	"github.com/devboard/devboard/internal/engine/process"
	"github.com/devboard/devboard/internal/engine/reconcile"
	"github.com/devboard/devboard/internal/events"
	"github.com/devboard/devboard/internal/executor"
	"github.com/devboard/devboard/internal/httpapi"
	"github.com/devboard/devboard/internal/probe"
	"github.com/devboard/devboard/internal/store"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	logger.SetDefault(log)

	log.Info("starting devboard", zap.String("db", cfg.Database.Path))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Storage: one writer connection, a small read pool.
	writer, err := db.OpenWriter(cfg.Database.Path)
	if err != nil {
		log.Fatal("failed to open database", zap.Error(err))
	}
	reader, err := db.OpenReader(cfg.Database.Path)
	if err != nil {
		log.Fatal("failed to open read pool", zap.Error(err))
	}
	st, err := store.New(writer, reader)
	if err != nil {
		log.Fatal("failed to initialize store", zap.Error(err))
	}
	defer st.Close()

	eventBus, err := events.NewEventBus(cfg.NATS, log)
	if err != nil {
		log.Fatal("failed to initialize event bus", zap.Error(err))
	}
	defer eventBus.Close()

	// Engines.
	registry := executor.NewRegistry()
	registry.Register(executor.NewClaudeExecutor(log))
	registry.Register(executor.NewCodexExecutor(log))
	registry.Register(executor.NewEchoExecutor())

	manager := process.NewManager(log)
	defer manager.Stop()

	pw := persist.NewWriter(st, eventBus, log)
	locks := lock.New(log)

	eng := engine.New(st, registry, manager, pw, eventBus, locks, log, engine.Options{
		MaxConcurrentExecutions: cfg.Engine.MaxConcurrentExecutions,
		LogExecutorIO:           cfg.Engine.LogExecutorIO,
	})

	reconciler := reconcile.New(st, manager, eventBus, log, reconcile.DefaultInterval)
	if err := reconciler.Start(ctx); err != nil {
		log.Fatal("failed to start reconciler", zap.Error(err))
	}
	defer reconciler.Stop()

	prober := probe.New(registry, st, log)
	go func() {
		if _, err := prober.ForceProbe(ctx); err != nil {
			log.Warn("initial engine probe failed", zap.Error(err))
		}
	}()

	server := httpapi.NewServer(cfg, st, eng, prober, eventBus, log)

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Start(ctx)
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.Info("shutting down", zap.String("signal", sig.String()))
	case err := <-errCh:
		if err != nil {
			log.Error("server error", zap.Error(err))
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()

	// Stop accepting requests, then tear down live executions.
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Warn("http shutdown error", zap.Error(err))
	}
	eng.CancelAll(shutdownCtx)
	eng.Wait()

	if err := tracing.Shutdown(shutdownCtx); err != nil {
		log.Warn("tracing shutdown error", zap.Error(err))
	}

	log.Info("devboard stopped")
}
