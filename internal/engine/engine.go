package engine

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/marketpulse/tickengine/internal/config"
	"github.com/marketpulse/tickengine/pkg/observability"
)

// Engine lifecycle states. The only legal transitions are
// Constructed -> Running -> Stopping -> Stopped; Stop is idempotent
// from Stopping or Stopped.
const (
	stateConstructed int32 = iota
	stateRunning
	stateStopping
	stateStopped
)

// Engine is a fixed array of partitions, a router mapping each symbol
// to exactly one partition, lifecycle control, and global counters. It
// is the library surface an outer transport/API layer calls into; it
// never decodes transport, persists anything, or authenticates a
// caller.
type Engine struct {
	logger     *observability.Logger
	cfg        config.EngineConfig
	partitions []*partition
	sink       *AnomalySink

	state    int32
	counters engineCounters
	wg       sync.WaitGroup
}

// New validates cfg and allocates (but does not start) an Engine. A
// partitions value of 0 resolves to runtime.GOMAXPROCS(0) — the
// "available hardware execution contexts" default — which reflects a
// container's CPU quota once go.uber.org/automaxprocs has had a chance
// to tune GOMAXPROCS at process startup.
func New(cfg config.EngineConfig, logger *observability.Logger) (*Engine, error) {
	if err := validateEngineConfig(cfg); err != nil {
		return nil, err
	}

	n := cfg.Partitions
	if n == 0 {
		n = runtime.GOMAXPROCS(0)
	}

	sink, err := NewAnomalySink(cfg.RecentAnomaliesCapacity)
	if err != nil {
		return nil, err
	}

	thresholdRatio := cfg.AnomalyThresholdPercent / 100.0

	e := &Engine{
		logger: logger,
		cfg:    cfg,
		sink:   sink,
	}
	e.partitions = make([]*partition, n)
	for i := range e.partitions {
		e.partitions[i] = newPartition(i, cfg.ChannelCapacity, cfg.MovingAverageWindow, int64(cfg.SlidingWindowMilliseconds), thresholdRatio, sink, logger)
	}
	return e, nil
}

// validateEngineConfig re-checks the constraints from the
// configuration table at the library boundary, independent of whether
// the caller used internal/config.Load to build cfg.
func validateEngineConfig(cfg config.EngineConfig) error {
	if cfg.Partitions < 0 {
		return fmt.Errorf("%w: partitions must be >= 0, got %d", ErrInvalidInput, cfg.Partitions)
	}
	if cfg.ChannelCapacity <= 0 {
		return fmt.Errorf("%w: channel_capacity must be > 0, got %d", ErrInvalidInput, cfg.ChannelCapacity)
	}
	if cfg.MovingAverageWindow <= 0 {
		return fmt.Errorf("%w: moving_average_window must be > 0, got %d", ErrInvalidInput, cfg.MovingAverageWindow)
	}
	if cfg.SlidingWindowMilliseconds <= 0 {
		return fmt.Errorf("%w: sliding_window_milliseconds must be > 0, got %d", ErrInvalidInput, cfg.SlidingWindowMilliseconds)
	}
	if cfg.AnomalyThresholdPercent <= 0 {
		return fmt.Errorf("%w: anomaly_threshold_percent must be > 0, got %f", ErrInvalidInput, cfg.AnomalyThresholdPercent)
	}
	if cfg.RecentAnomaliesCapacity < minRecentAnomaliesCapacity {
		return fmt.Errorf("%w: recent_anomalies_capacity must be >= %d, got %d", ErrInvalidInput, minRecentAnomaliesCapacity, cfg.RecentAnomaliesCapacity)
	}
	return nil
}

// Start launches one worker goroutine per partition. It is legal only
// from the Constructed state.
func (e *Engine) Start() error {
	if !atomic.CompareAndSwapInt32(&e.state, stateConstructed, stateRunning) {
		return ErrAlreadyRunning
	}
	for _, p := range e.partitions {
		e.wg.Add(1)
		go p.run(&e.wg, &e.counters)
	}
	if e.logger != nil {
		e.logger.Info(context.Background(), "engine started", map[string]interface{}{
			"partitions": len(e.partitions),
		})
	}
	return nil
}

// Stop signals cancellation, closes every partition queue, and waits
// for workers to drain (best-effort) until ctx is done. Unprocessed
// ticks remaining after the timeout are discarded. Stop is idempotent
// once the engine has reached Stopping or Stopped.
func (e *Engine) Stop(ctx context.Context) error {
	if !atomic.CompareAndSwapInt32(&e.state, stateRunning, stateStopping) {
		switch atomic.LoadInt32(&e.state) {
		case stateStopping, stateStopped:
			return nil
		default:
			return fmt.Errorf("engine: stop called before start")
		}
	}

	for _, p := range e.partitions {
		p.queue.close()
	}

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		if e.logger != nil {
			e.logger.Warn(ctx, "engine stop timed out waiting for workers to drain", nil)
		}
	}

	atomic.StoreInt32(&e.state, stateStopped)
	if e.logger != nil {
		e.logger.Info(context.Background(), "engine stopped", nil)
	}
	return nil
}

// Enqueue routes tick to its owning partition and appends it,
// dropping the oldest queued tick for that partition on overflow. It
// never blocks and never returns an error for a full queue — that
// event is observable only via Metrics().DroppedTicks.
func (e *Engine) Enqueue(tick Tick) error {
	switch atomic.LoadInt32(&e.state) {
	case stateConstructed, stateStopped:
		return ErrNotRunning
	}

	if err := tick.Validate(); err != nil {
		return err
	}

	idx := e.route(tick.Symbol)
	if dropped := e.partitions[idx].queue.push(tick); dropped {
		atomic.AddUint64(&e.counters.droppedTicks, 1)
	}
	return nil
}

// route computes the stable partition assignment for symbol.
func (e *Engine) route(symbol string) int {
	return partitionIndex(symbol, len(e.partitions))
}

// TryGetStatistics returns a snapshot of the named symbol's
// Statistics, or ok=false if the symbol has never been observed.
func (e *Engine) TryGetStatistics(symbol string) (stats Statistics, ok bool) {
	idx := e.route(symbol)
	return e.partitions[idx].lookup(symbol)
}

// ListAllStatistics returns a snapshot copy of every symbol's
// Statistics across all partitions. Ordering is unspecified, and the
// result is not a global atomic snapshot: partitions may continue to
// be updated concurrently during the call.
func (e *Engine) ListAllStatistics() []Statistics {
	var all []Statistics
	for _, p := range e.partitions {
		all = append(all, p.allSnapshots()...)
	}
	return all
}

// RecentSpikes returns up to take recently detected spikes, newest
// first, optionally restricted to symbolFilter.
func (e *Engine) RecentSpikes(take int, symbolFilter string) []Spike {
	return e.sink.Recent(take, symbolFilter)
}

// SpikeCount returns the number of retained spikes, optionally
// restricted to symbolFilter.
func (e *Engine) SpikeCount(symbolFilter string) int {
	return e.sink.Count(symbolFilter)
}

// SubscribeSpikes registers a bounded channel that receives every
// spike detected from this point on, best-effort.
func (e *Engine) SubscribeSpikes(buffer int) <-chan Spike {
	return e.sink.Subscribe(buffer)
}

// Metrics returns a point-in-time snapshot of engine-wide counters and
// gauges.
func (e *Engine) Metrics() Metrics {
	activeSymbols := 0
	queueDepth := 0
	for _, p := range e.partitions {
		activeSymbols += p.symbolCount()
		queueDepth += p.queue.len()
	}
	return Metrics{
		TotalProcessed:   atomic.LoadUint64(&e.counters.totalProcessed),
		SpikesDetected:   atomic.LoadUint64(&e.counters.spikesDetected),
		ActiveSymbols:    activeSymbols,
		TotalQueueDepth:  queueDepth,
		DroppedTicks:     atomic.LoadUint64(&e.counters.droppedTicks),
		ProcessingErrors: atomic.LoadUint64(&e.counters.processingErrors),
	}
}

// PartitionCount returns the number of partitions the engine was
// constructed with, after resolving a configured 0 to available
// parallelism.
func (e *Engine) PartitionCount() int {
	return len(e.partitions)
}

// partitionProcessedCount is a test seam exposing the per-partition
// processed counter so routing stability (one symbol always lands on
// the same worker) can be asserted directly, per S7.
func (e *Engine) partitionProcessedCount(idx int) uint64 {
	return atomic.LoadUint64(&e.partitions[idx].processed)
}

// onPartitionProcessed is a test seam installing a callback invoked
// after every successfully processed tick, tagged with the handling
// partition's id.
func (e *Engine) onPartitionProcessed(fn func(symbol string, partitionID int)) {
	for _, p := range e.partitions {
		p.onProcessed = fn
	}
}

// onPartitionBeforeApply is a test seam installing a callback invoked
// after spike detection but before a tick's moving-average/window
// update is committed, used to exercise the §4.5 atomicity guarantee
// by panicking from inside the callback.
func (e *Engine) onPartitionBeforeApply(fn func(symbol string, partitionID int)) {
	for _, p := range e.partitions {
		p.onBeforeApply = fn
	}
}
