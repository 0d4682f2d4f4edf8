package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"

	httpapi "github.com/flowmesh/flowmesh/internal/api/http"
	"github.com/flowmesh/flowmesh/internal/comm"
	"github.com/flowmesh/flowmesh/internal/config"
	"github.com/flowmesh/flowmesh/internal/domain/runtime"
	"github.com/flowmesh/flowmesh/internal/domain/storage"
	"github.com/flowmesh/flowmesh/internal/infrastructure/boltstore"
	"github.com/flowmesh/flowmesh/internal/infrastructure/chat"
	"github.com/flowmesh/flowmesh/internal/infrastructure/eval"
	"github.com/flowmesh/flowmesh/internal/infrastructure/postgres"
	"github.com/flowmesh/flowmesh/internal/principal"
)

func main() {
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}

	ctx := context.Background()
	store, cleanup, err := openStore(ctx, cfg, logger)
	if err != nil {
		log.Fatalf("store error: %v", err)
	}
	defer cleanup()

	norm := principal.Normalizer{
		AccountPrefix: cfg.AccountPrefix,
		RoomPrefix:    cfg.RoomPrefix,
	}

	// Single-process loopback hub. A production deployment swaps this for a
	// client of the real messaging service behind the same Transport interface.
	hub := chat.NewHub(norm, logger)
	client := hub.Connect(cfg.NodeID)

	executor := eval.NewExecutor(logger)
	schemas := eval.NewSchemaRegistry()

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	manager := comm.NewManager(comm.Options{
		NodeID:    cfg.NodeID,
		Transport: client,
		Store:     store,
		Compiler:  eval.Compiler{},
		Executor:  executor,
		Schemas:   schemas,
		Devices: runtime.StaticDevices{
			DeviceTier: cfg.DeviceTier,
			Superior:   cfg.HasSuperior,
		},
		Normalizer: norm,
		JoinWindow: cfg.JoinWindow,
		RPCTimeout: cfg.RPCTimeout,
		Logger:     logger,
		Metrics:    comm.NewMetrics(registry),
	})
	executor.SetRelay(manager)
	defer manager.Close()

	runCtx, stopRun := context.WithCancel(ctx)
	defer stopRun()
	go func() {
		if err := manager.Run(runCtx); err != nil && err != context.Canceled {
			logger.Error().Err(err).Msg("dispatcher stopped")
		}
	}()

	apiServer := httpapi.NewServer(manager, registry, logger)

	httpServer := &http.Server{
		Addr:         cfg.ServerAddr,
		Handler:      apiServer.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info().Str("addr", cfg.ServerAddr).Str("node", cfg.NodeID).Msg("http server started")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("http server failed")
		}
	}()

	// graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	stopRun()
	ctxShutdown, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = httpServer.Shutdown(ctxShutdown)
}

// openStore picks Postgres when DATABASE_URL is set, bolt otherwise.
func openStore(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (storage.Store, func(), error) {
	if cfg.DatabaseURL != "" {
		pool, err := postgres.NewPool(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, nil, err
		}
		store := postgres.NewStore(pool, logger)
		if err := store.EnsureSchema(ctx); err != nil {
			pool.Close()
			return nil, nil, err
		}
		return store, pool.Close, nil
	}

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, nil, err
	}
	store, err := boltstore.Open(filepath.Join(cfg.DataDir, "flowmesh.db"), logger)
	if err != nil {
		return nil, nil, err
	}
	return store, func() { _ = store.Close() }, nil
}
