package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	"github.com/rickgao/shardgate/internal/client"
	"github.com/rickgao/shardgate/internal/config"
	"github.com/rickgao/shardgate/internal/database"
	"github.com/rickgao/shardgate/internal/events"
	"github.com/rickgao/shardgate/internal/metrics"
	"github.com/rickgao/shardgate/internal/sink"
	"github.com/rickgao/shardgate/internal/version"
)

// runCmd connects the shards and serves health and metrics until signaled
var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Connect the configured shards and keep them running",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.LoadAndValidate(configPath)
		if err != nil {
			return err
		}
		return run(cmd.Context(), cfg)
	},
}

func run(parent context.Context, cfg *config.Config) error {
	logger := newLogger(cfg.Log)
	slog.SetDefault(logger)
	if cfg.Instance.ID != "" {
		logger = logger.With("instance", cfg.Instance.ID)
	}

	logger.Info("starting gateway",
		"version", version.Version,
		"commit", version.Commit,
		"config", configPath,
	)

	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(reg)

	opts := []client.Option{
		client.WithLogger(logger),
		client.WithMetrics(m),
	}

	// Optional cache persistence
	if cfg.Database.Enabled {
		logger.Info("connecting to database",
			"host", cfg.Database.Postgres.Host,
			"port", cfg.Database.Postgres.Port,
			"database", cfg.Database.Postgres.Name,
		)
		pool, err := database.Connect(ctx, cfg.Database.Postgres)
		if err != nil {
			return fmt.Errorf("connect database: %w", err)
		}
		defer pool.Close()

		store := database.NewGuildStore(pool, logger)
		if err := store.Migrate(ctx); err != nil {
			return err
		}
		opts = append(opts, client.WithPersister(store))
		logger.Info("database connected")
	}

	c := client.New(cfg, opts...)
	logEvents(c.Events(), logger)

	// Optional NATS forwarding
	if cfg.NATS.Enabled {
		name := "shardgate"
		if cfg.Instance.ID != "" {
			name += "-" + cfg.Instance.ID
		}
		nc, err := sink.Connect(cfg.NATS.URL, name, logger)
		if err != nil {
			return err
		}
		defer nc.Drain()

		sink.NewForwarder(nc, cfg.NATS.SubjectPrefix, cfg.NATS.Events, logger).Attach(c.Events())
		logger.Info("forwarding dispatches to nats", "subject_prefix", cfg.NATS.SubjectPrefix)
	}

	healthServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Metrics.Port),
		Handler:           newHealthHandler(c, m, cfg.Metrics.Path),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		logger.Info("starting health server", "port", cfg.Metrics.Port)
		if err := healthServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			logger.Error("health server error", "error", err)
		}
	}()

	if err := c.Login(ctx); err != nil {
		logger.Error("login failed", "error", err)
		shutdownServer(healthServer, logger)
		return err
	}

	<-ctx.Done()
	logger.Info("shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Gateway.ShutdownTimeout)
	defer cancel()
	if err := c.Close(shutdownCtx); err != nil {
		logger.Warn("client shutdown incomplete", "error", err)
	}
	shutdownServer(healthServer, logger)

	logger.Info("gateway stopped")
	return nil
}

func shutdownServer(s *http.Server, logger *slog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.Shutdown(ctx); err != nil {
		logger.Warn("health server shutdown", "error", err)
	}
}

// logEvents logs shard lifecycle events.
func logEvents(bus *events.Bus, logger *slog.Logger) {
	bus.OnShardReady(func(e events.ShardReady) {
		logger.Info("shard ready", "shard", e.ShardID, "resumed", e.Resumed)
	})
	bus.OnShardReconnecting(func(e events.ShardReconnecting) {
		logger.Info("shard reconnecting", "shard", e.ShardID, "attempt", e.Attempt)
	})
	bus.OnShardDisconnect(func(e events.ShardDisconnect) {
		logger.Info("shard disconnected", "shard", e.ShardID, "code", e.Code)
	})
	bus.OnShardError(func(e events.ShardError) {
		logger.Error("shard error", "shard", e.ShardID, "error", e.Err)
	})
}
