package engine

import (
	"sync/atomic"

	"github.com/shopspring/decimal"
)

// SymbolState is the composite owned exclusively by one partition's
// worker: a MovingAverageBuffer, a SlidingWindow, and the running
// Statistics for one symbol. It is created lazily on first tick and
// never destroyed during the engine's lifetime.
//
// Mutation happens only on the owning worker goroutine and needs no
// locking. Reads publish a new immutable *Statistics via an
// atomic.Pointer after every update, so StatisticsView-style readers
// get a self-consistent snapshot without ever blocking the worker and
// without a torn read.
type SymbolState struct {
	symbol string
	ma     *MovingAverageBuffer
	window *SlidingWindow

	// worker-owned bookkeeping; never touched by readers
	updateCount uint64
	minPrice    decimal.Decimal
	maxPrice    decimal.Decimal
	hasValue    bool

	snapshot atomic.Pointer[Statistics]
}

func newSymbolState(symbol string, maWindow int, windowMs int64) *SymbolState {
	ma, err := NewMovingAverageBuffer(maWindow)
	if err != nil {
		// maWindow is validated at Engine construction; reaching here
		// would mean a programming error, not a runtime condition.
		panic(err)
	}
	window, err := NewSlidingWindow(windowMs)
	if err != nil {
		panic(err)
	}
	return &SymbolState{symbol: symbol, ma: ma, window: window}
}

// applyUpdate performs step 6 of the per-symbol update protocol and
// publishes the resulting snapshot. It must be called only after the
// moving average and sliding window have already observed tick.
func (s *SymbolState) applyUpdate(tick Tick, mean float64) {
	if !s.hasValue {
		s.minPrice = tick.Price
		s.maxPrice = tick.Price
		s.hasValue = true
	} else {
		if tick.Price.LessThan(s.minPrice) {
			s.minPrice = tick.Price
		}
		if tick.Price.GreaterThan(s.maxPrice) {
			s.maxPrice = tick.Price
		}
	}
	s.updateCount++

	snap := &Statistics{
		Symbol:         s.symbol,
		CurrentPrice:   tick.Price,
		MovingAverage:  decimal.NewFromFloat(mean),
		MinPrice:       s.minPrice,
		MaxPrice:       s.maxPrice,
		UpdateCount:    s.updateCount,
		LastUpdateTime: tick.Timestamp,
	}
	s.snapshot.Store(snap)
}

// Snapshot returns a self-consistent copy of the current Statistics.
// decimal.Decimal and time.Time are both immutable value types, so
// copying the dereferenced struct is equivalent to a deep copy: no
// reader can observe or cause a mutation of live state through it.
func (s *SymbolState) Snapshot() Statistics {
	p := s.snapshot.Load()
	if p == nil {
		return Statistics{}
	}
	return *p
}
