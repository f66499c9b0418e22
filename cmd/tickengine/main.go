package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/marketpulse/tickengine/internal/api"
	"github.com/marketpulse/tickengine/internal/config"
	"github.com/marketpulse/tickengine/internal/engine"
	"github.com/marketpulse/tickengine/internal/feed"
	"github.com/marketpulse/tickengine/pkg/observability"

	"github.com/spf13/cobra"
	"go.uber.org/automaxprocs/maxprocs"
)

var (
	metricsEnabled bool
	metricsPort    int
	metricsPollMs  int
)

func main() {
	root := &cobra.Command{
		Use:   "tickengine",
		Short: "Real-time per-instrument price-tick processing engine",
		Long: `tickengine ingests price ticks from a Redis Pub/Sub feed, routes them to
partitioned per-symbol workers, maintains an O(1) moving average and
sliding-window min/max per symbol, flags spikes against the sliding
window, and serves the resulting statistics and anomalies over HTTP
and WebSocket.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context())
		},
	}

	root.Flags().BoolVar(&metricsEnabled, "metrics", true, "expose Prometheus metrics")
	root.Flags().IntVar(&metricsPort, "metrics-port", 9090, "port for the Prometheus /metrics endpoint")
	root.Flags().IntVar(&metricsPollMs, "metrics-poll-ms", 1000, "interval between engine counter polls")

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	if _, err := maxprocs.Set(); err != nil {
		fmt.Fprintf(os.Stderr, "maxprocs: %v\n", err)
	}

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger := observability.NewLogger(cfg.Observability)

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	eng, err := engine.New(cfg.Engine, logger)
	if err != nil {
		return fmt.Errorf("build engine: %w", err)
	}
	if err := eng.Start(); err != nil {
		return fmt.Errorf("start engine: %w", err)
	}
	logger.Info(ctx, "engine started", map[string]interface{}{
		"partitions": eng.PartitionCount(),
	})

	metrics, err := observability.NewMetricsProvider(observability.MetricsConfig{
		ServiceName:    cfg.Observability.ServiceName,
		ServiceVersion: "dev",
		Namespace:      "tickengine",
		Enabled:        metricsEnabled,
	})
	if err != nil {
		return fmt.Errorf("build metrics provider: %w", err)
	}
	if metricsEnabled {
		go func() {
			if err := metrics.StartMetricsServer(metricsPort); err != nil {
				logger.Error(ctx, "metrics server stopped", err)
			}
		}()
		go pollMetrics(ctx, eng, metrics, time.Duration(metricsPollMs)*time.Millisecond)
	}

	subscriber, err := feed.NewSubscriber(cfg.Feed, eng, logger)
	if err != nil {
		return fmt.Errorf("build feed subscriber: %w", err)
	}
	defer subscriber.Close()

	feedDone := make(chan error, 1)
	go func() {
		feedDone <- subscriber.Run(ctx)
	}()

	apiServer := api.NewServer(cfg.API, eng, logger)
	apiDone := make(chan error, 1)
	go func() {
		apiDone <- apiServer.Start()
	}()
	logger.Info(ctx, "api server started", map[string]interface{}{
		"host": cfg.API.Host,
		"port": cfg.API.Port,
	})

	select {
	case <-ctx.Done():
		logger.Info(ctx, "shutdown signal received", nil)
	case err := <-feedDone:
		if err != nil && err != context.Canceled {
			logger.Error(ctx, "feed subscriber exited", err)
		}
	case err := <-apiDone:
		if err != nil {
			logger.Error(ctx, "api server exited", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := apiServer.Stop(shutdownCtx); err != nil {
		logger.Error(shutdownCtx, "api server shutdown error", err)
	}
	if err := eng.Stop(shutdownCtx); err != nil {
		logger.Error(shutdownCtx, "engine shutdown error", err)
	}
	if err := metrics.Shutdown(shutdownCtx); err != nil {
		logger.Error(shutdownCtx, "metrics shutdown error", err)
	}

	logger.Info(shutdownCtx, "tickengine stopped", nil)
	return nil
}

// pollMetrics periodically mirrors the engine's own monotonic counters
// into the OTel instruments, computing deltas between consecutive
// snapshots since the engine counters never reset.
func pollMetrics(ctx context.Context, eng *engine.Engine, mp *observability.MetricsProvider, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var prev observability.EngineMetricsSnapshot
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m := eng.Metrics()
			cur := observability.EngineMetricsSnapshot{
				TotalProcessed:   m.TotalProcessed,
				SpikesDetected:   m.SpikesDetected,
				ActiveSymbols:    m.ActiveSymbols,
				TotalQueueDepth:  m.TotalQueueDepth,
				DroppedTicks:     m.DroppedTicks,
				ProcessingErrors: m.ProcessingErrors,
			}
			mp.Observe(ctx, prev, cur)
			prev = cur
		}
	}
}
