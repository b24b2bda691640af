package commands

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/driftsync/driftsync/internal/logger"
	"github.com/driftsync/driftsync/pkg/api"
	"github.com/driftsync/driftsync/pkg/api/auth"
	"github.com/driftsync/driftsync/pkg/broadcast"
	"github.com/driftsync/driftsync/pkg/config"
	"github.com/driftsync/driftsync/pkg/metrics"
	metricsprom "github.com/driftsync/driftsync/pkg/metrics/prometheus"
	"github.com/driftsync/driftsync/pkg/registry"
	"github.com/driftsync/driftsync/pkg/replication"
	"github.com/driftsync/driftsync/pkg/replication/store"
	"github.com/driftsync/driftsync/pkg/resolver"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the DriftSync coordinator",
	Long: `Start the DriftSync coordinator with the specified configuration.

The coordinator serves the sync API (handshake, pull, push), the token
endpoint, and the live event stream, and persists the oplog and device
registry under the configured storage path.

Use --config to specify a custom configuration file, or it will use the
default location at $XDG_CONFIG_HOME/driftsync/config.yaml.

Examples:
  # Start with the default config location
  driftsyncd start

  # Start with a custom config file
  driftsyncd start --config /etc/driftsync/config.yaml

  # Start with environment variable overrides
  PORT=9090 LOG_LEVEL=DEBUG driftsyncd start`,
	RunE: runStart,
}

func runStart(cmd *cobra.Command, args []string) error {
	cfg, err := config.MustLoad(GetConfigFile())
	if err != nil {
		return err
	}

	if err := InitLogger(cfg); err != nil {
		return err
	}

	logger.Info("DriftSync coordinator starting",
		"version", Version,
		"config", getConfigSource(GetConfigFile()),
		"log_level", cfg.Logging.Level)

	st, err := store.OpenBadgerStore(cfg.Storage.OplogDir())
	if err != nil {
		return fmt.Errorf("failed to open oplog store: %w", err)
	}
	defer func() {
		if err := st.Close(); err != nil {
			logger.Error("oplog store close error", logger.Err(err))
		}
	}()

	devices, err := registry.Open(cfg.Storage.RegistryDir())
	if err != nil {
		return fmt.Errorf("failed to open device registry: %w", err)
	}
	defer func() {
		if err := devices.Close(); err != nil {
			logger.Error("device registry close error", logger.Err(err))
		}
	}()

	// Metrics are opt-in: when disabled, no collectors exist and /metrics
	// is not routed.
	var (
		metricsHandler http.Handler
		replMetrics    metrics.ReplicationMetrics
		bcastMetrics   metrics.BroadcastMetrics
	)
	if cfg.Metrics.Enabled {
		promReg := prometheus.NewRegistry()
		promReg.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		replMetrics = metricsprom.NewReplicationMetrics(promReg)
		bcastMetrics = metricsprom.NewBroadcastMetrics(promReg)
		metricsHandler = promhttp.HandlerFor(promReg, promhttp.HandlerOpts{})
		logger.Info("metrics enabled", "endpoint", "/metrics")
	}

	broadcaster := broadcast.New(broadcast.Config{
		MaxTotalConnections:     cfg.Broadcast.MaxTotalConnections,
		MaxConnectionsPerDevice: cfg.Broadcast.MaxConnectionsPerDevice,
		KeepAliveInterval:       cfg.Broadcast.KeepAliveInterval,
		CurrentCursor: func(dbID string) int64 {
			cursor, err := st.CurrentCursor(context.Background(), dbID)
			if err != nil {
				return 0
			}
			return cursor
		},
		Metrics: bcastMetrics,
	})

	service := replication.New(replication.Config{
		MaxPullLimit:     cfg.Replication.MaxPullLimit,
		MaxPushBatchSize: cfg.Replication.MaxPushBatchSize,
		AllowedDatabases: cfg.Replication.AllowedDatabases,
	}, st, resolver.FromName(cfg.Replication.ConflictStrategy), broadcaster, replMetrics)

	jwtService, err := auth.NewJWTService(auth.JWTConfig{
		Secret:        cfg.Auth.JWTSecret,
		TokenDuration: cfg.Auth.TokenDuration,
	})
	if err != nil {
		return fmt.Errorf("failed to create JWT service: %w", err)
	}

	server := api.NewServer(cfg.Server, api.Deps{
		Service:     service,
		Broadcaster: broadcaster,
		Registry:    devices,
		JWT:         jwtService,
		Metrics:     metricsHandler,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)
	go func() {
		select {
		case sig := <-sigChan:
			logger.Info("shutdown signal received", "signal", sig.String())
			cancel()
		case <-ctx.Done():
		}
	}()

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		return server.Start(groupCtx)
	})
	group.Go(func() error {
		return broadcaster.Run(groupCtx)
	})
	if configPath := getConfigSource(GetConfigFile()); configPath != "defaults" {
		group.Go(func() error {
			// Hot-reload only takes effect for the log level; everything
			// else requires a restart.
			return config.Watch(groupCtx, configPath, func(next *config.Config) {
				logger.SetLevel(next.Logging.Level)
			})
		})
	}

	logger.Info("coordinator is running", "addr", server.Addr())

	if err := group.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("coordinator exited with error", logger.Err(err))
		return err
	}
	logger.Info("coordinator stopped gracefully")
	return nil
}
