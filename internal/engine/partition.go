package engine

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/marketpulse/tickengine/pkg/observability"
)

// partition owns a bounded drop-oldest tick queue, the map of
// SymbolStates it alone writes to, and a single worker goroutine. No
// cross-partition access to mutable state occurs on the hot path.
type partition struct {
	id             int
	queue          *tickQueue
	sink           *AnomalySink
	maWindow       int
	windowMs       int64
	thresholdRatio float64
	logger         *observability.Logger

	mu      sync.RWMutex
	symbols map[string]*SymbolState

	processed        uint64
	processingErrors uint64

	// onProcessed is a test seam (unset in production) used to observe
	// which partition handled which symbol, e.g. to assert routing
	// stability across many ticks for the same symbol.
	onProcessed func(symbol string, partitionID int)

	// onBeforeApply is a test seam (unset in production) invoked after
	// spike detection but before the tentative moving-average/window
	// state is committed and applyUpdate publishes a new snapshot, used
	// to exercise the atomicity/rollback guarantee of §4.5.
	onBeforeApply func(symbol string, partitionID int)
}

func newPartition(id, capacity, maWindow int, windowMs int64, thresholdRatio float64, sink *AnomalySink, logger *observability.Logger) *partition {
	return &partition{
		id:             id,
		queue:          newTickQueue(capacity),
		sink:           sink,
		maWindow:       maWindow,
		windowMs:       windowMs,
		thresholdRatio: thresholdRatio,
		logger:         logger,
		symbols:        make(map[string]*SymbolState),
	}
}

// run drives the worker loop: dequeue, process, repeat, until the
// queue is closed and drained.
func (p *partition) run(wg *sync.WaitGroup, counters *engineCounters) {
	defer wg.Done()
	for {
		tick, ok := p.queue.pop()
		if !ok {
			return
		}
		p.processTick(tick, counters)
	}
}

// processTick executes the six-step per-symbol update protocol for one
// tick. Any panic raised while processing is recovered here so a
// single bad tick cannot kill the worker. Per §4.5, the update must be
// atomic: either all six steps complete or the symbol is left exactly
// as it was before the tick. The moving average and sliding window are
// therefore advanced on clones, not on state.ma/state.window directly;
// those clones are only swapped into state once applyUpdate has
// already published the new Statistics snapshot, so a panic anywhere
// before that point leaves state.ma, state.window and the published
// snapshot all untouched.
func (p *partition) processTick(tick Tick, counters *engineCounters) {
	defer func() {
		if r := recover(); r != nil {
			atomic.AddUint64(&p.processingErrors, 1)
			atomic.AddUint64(&counters.processingErrors, 1)
			if p.logger != nil {
				p.logger.Error(context.Background(), "tick processing failed", fmt.Errorf("%v", r), map[string]interface{}{
					"symbol":       tick.Symbol,
					"partition_id": p.id,
				})
			}
		}
	}()

	state := p.resolveSymbolState(tick.Symbol)

	maTrial := state.ma.clone()
	mean := maTrial.Push(tick.Price.InexactFloat64())

	tsMs := tick.Timestamp.UnixMilli()
	windowTrial := state.window.clone()
	windowTrial.AddSample(tsMs, tick.Price.InexactFloat64())

	if minV, maxV, ok := windowTrial.TryGetExtrema(tsMs); ok {
		for _, spike := range detectSpikes(tick, minV, maxV, p.thresholdRatio) {
			p.sink.Record(spike)
			atomic.AddUint64(&counters.spikesDetected, 1)
		}
	}

	if p.onBeforeApply != nil {
		p.onBeforeApply(tick.Symbol, p.id)
	}

	state.applyUpdate(tick, mean)
	state.ma = maTrial
	state.window = windowTrial

	atomic.AddUint64(&p.processed, 1)
	atomic.AddUint64(&counters.totalProcessed, 1)

	if p.onProcessed != nil {
		p.onProcessed(tick.Symbol, p.id)
	}
}

// resolveSymbolState looks up the SymbolState for symbol, creating it
// on first sight. The map is guarded by a RWMutex because read paths
// (try_get_statistics, list_all_statistics, metrics) also traverse it
// concurrently with the worker; the brief lock only protects map
// structure, never the SymbolState's own mutation, which remains
// exclusive to this worker goroutine.
func (p *partition) resolveSymbolState(symbol string) *SymbolState {
	p.mu.RLock()
	state, ok := p.symbols[symbol]
	p.mu.RUnlock()
	if ok {
		return state
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if state, ok := p.symbols[symbol]; ok {
		return state
	}
	state = newSymbolState(symbol, p.maWindow, p.windowMs)
	p.symbols[symbol] = state
	return state
}

func (p *partition) lookup(symbol string) (Statistics, bool) {
	p.mu.RLock()
	state, ok := p.symbols[symbol]
	p.mu.RUnlock()
	if !ok {
		return Statistics{}, false
	}
	// A state whose first tick has not been applied yet has no published
	// snapshot and is reported as absent.
	snap := state.snapshot.Load()
	if snap == nil {
		return Statistics{}, false
	}
	return *snap, true
}

func (p *partition) allSnapshots() []Statistics {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]Statistics, 0, len(p.symbols))
	for _, state := range p.symbols {
		if snap := state.snapshot.Load(); snap != nil {
			out = append(out, *snap)
		}
	}
	return out
}

func (p *partition) symbolCount() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.symbols)
}
