package observability

import (
	"context"
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
)

// EngineMetricsSnapshot mirrors internal/engine.Metrics. The engine
// package imports this package for its Logger, so this package cannot
// import the engine without an import cycle.
type EngineMetricsSnapshot struct {
	TotalProcessed   uint64
	SpikesDetected   uint64
	ActiveSymbols    int
	TotalQueueDepth  int
	DroppedTicks     uint64
	ProcessingErrors uint64
}

// MetricsProvider bridges OpenTelemetry counters/gauges to a
// Prometheus registry, the same pairing the teacher's own services
// use, scoped here to the tick engine's own counters instead of
// HTTP/workflow/AI traffic.
type MetricsProvider struct {
	meterProvider *sdkmetric.MeterProvider
	meter         metric.Meter
	registry      *prometheus.Registry

	ticksProcessedTotal metric.Int64Counter
	spikesDetectedTotal metric.Int64Counter
	ticksDroppedTotal   metric.Int64Counter
	processingErrors    metric.Int64Counter
	activeSymbols       metric.Int64Gauge
	queueDepth          metric.Int64Gauge
}

// MetricsConfig configures the metrics provider.
type MetricsConfig struct {
	ServiceName    string
	ServiceVersion string
	Namespace      string
	Enabled        bool
}

// NewMetricsProvider wires an OTel meter provider to a fresh
// Prometheus registry. When disabled, returns a no-op provider whose
// Observe, StartMetricsServer and Shutdown calls are safe but inert.
func NewMetricsProvider(cfg MetricsConfig) (*MetricsProvider, error) {
	if !cfg.Enabled {
		return &MetricsProvider{}, nil
	}

	registry := prometheus.NewRegistry()

	exporter, err := otelprom.New(
		otelprom.WithRegisterer(registry),
		otelprom.WithNamespace(cfg.Namespace),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create prometheus exporter: %w", err)
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceNameKey.String(cfg.ServiceName),
			semconv.ServiceVersionKey.String(cfg.ServiceVersion),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	meterProvider := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(exporter),
	)
	otel.SetMeterProvider(meterProvider)

	meter := meterProvider.Meter(cfg.ServiceName)

	mp := &MetricsProvider{
		meterProvider: meterProvider,
		meter:         meter,
		registry:      registry,
	}
	if err := mp.initializeMetrics(); err != nil {
		return nil, fmt.Errorf("failed to initialize metrics: %w", err)
	}
	return mp, nil
}

func (mp *MetricsProvider) initializeMetrics() error {
	var err error

	mp.ticksProcessedTotal, err = mp.meter.Int64Counter(
		"tickengine_ticks_processed_total",
		metric.WithDescription("Total ticks fully processed by a partition worker"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return fmt.Errorf("failed to create ticks_processed_total counter: %w", err)
	}

	mp.spikesDetectedTotal, err = mp.meter.Int64Counter(
		"tickengine_spikes_detected_total",
		metric.WithDescription("Total spikes recorded to the anomaly sink"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return fmt.Errorf("failed to create spikes_detected_total counter: %w", err)
	}

	mp.ticksDroppedTotal, err = mp.meter.Int64Counter(
		"tickengine_ticks_dropped_total",
		metric.WithDescription("Total ticks dropped under the drop-oldest backpressure policy"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return fmt.Errorf("failed to create ticks_dropped_total counter: %w", err)
	}

	mp.processingErrors, err = mp.meter.Int64Counter(
		"tickengine_processing_errors_total",
		metric.WithDescription("Total per-tick processing errors recovered by a worker"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return fmt.Errorf("failed to create processing_errors counter: %w", err)
	}

	mp.activeSymbols, err = mp.meter.Int64Gauge(
		"tickengine_active_symbols",
		metric.WithDescription("Distinct symbols currently tracked across all partitions"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return fmt.Errorf("failed to create active_symbols gauge: %w", err)
	}

	mp.queueDepth, err = mp.meter.Int64Gauge(
		"tickengine_queue_depth",
		metric.WithDescription("Sum of partition queue depths"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return fmt.Errorf("failed to create queue_depth gauge: %w", err)
	}

	return nil
}

// Observe records one poll of the engine's counters. Counters are
// monotonic in the engine, so Observe computes the delta against the
// last-seen value before adding to the OTel counter instruments, which
// are themselves monotonic; gauges are simply overwritten.
func (mp *MetricsProvider) Observe(ctx context.Context, prev, cur EngineMetricsSnapshot) {
	if mp.meter == nil {
		return
	}
	if delta := int64(cur.TotalProcessed - prev.TotalProcessed); delta > 0 {
		mp.ticksProcessedTotal.Add(ctx, delta)
	}
	if delta := int64(cur.SpikesDetected - prev.SpikesDetected); delta > 0 {
		mp.spikesDetectedTotal.Add(ctx, delta)
	}
	if delta := int64(cur.DroppedTicks - prev.DroppedTicks); delta > 0 {
		mp.ticksDroppedTotal.Add(ctx, delta)
	}
	if delta := int64(cur.ProcessingErrors - prev.ProcessingErrors); delta > 0 {
		mp.processingErrors.Add(ctx, delta)
	}
	mp.activeSymbols.Record(ctx, int64(cur.ActiveSymbols))
	mp.queueDepth.Record(ctx, int64(cur.TotalQueueDepth))
}

// StartMetricsServer serves the Prometheus registry on /metrics.
func (mp *MetricsProvider) StartMetricsServer(port int) error {
	if mp.registry == nil {
		return nil
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(mp.registry, promhttp.HandlerOpts{Registry: mp.registry}))
	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", port),
		Handler: mux,
	}
	return server.ListenAndServe()
}

// Shutdown gracefully shuts down the metrics provider.
func (mp *MetricsProvider) Shutdown(ctx context.Context) error {
	if mp.meterProvider == nil {
		return nil
	}
	return mp.meterProvider.Shutdown(ctx)
}
