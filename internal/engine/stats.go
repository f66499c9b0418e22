package engine

import (
	"time"

	"github.com/shopspring/decimal"
)

// Statistics is a per-symbol snapshot. Every copy returned by a read
// path is self-consistent: it reflects the state after some complete
// per-tick update, never a partial one.
type Statistics struct {
	Symbol         string
	CurrentPrice   decimal.Decimal
	MovingAverage  decimal.Decimal
	MinPrice       decimal.Decimal
	MaxPrice       decimal.Decimal
	UpdateCount    uint64
	LastUpdateTime time.Time
}

// Severity classifies the magnitude of a detected Spike.
type Severity string

const (
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// classifySeverity buckets |changePercent| per the thresholds fixed in
// the data model: Medium up to 3%, High up to 5%, Critical beyond.
func classifySeverity(changePercent float64) Severity {
	abs := changePercent
	if abs < 0 {
		abs = -abs
	}
	switch {
	case abs <= 3:
		return SeverityMedium
	case abs <= 5:
		return SeverityHigh
	default:
		return SeverityCritical
	}
}

// Spike is an immutable record of one detected price deviation against
// a sliding-window extremum.
type Spike struct {
	Symbol         string
	ReferencePrice decimal.Decimal
	NewPrice       decimal.Decimal
	ChangePercent  float64
	DetectedAt     time.Time
	Severity       Severity
}

// Metrics is a snapshot of engine-wide counters and gauges.
type Metrics struct {
	TotalProcessed   uint64
	SpikesDetected   uint64
	ActiveSymbols    int
	TotalQueueDepth  int
	DroppedTicks     uint64
	ProcessingErrors uint64
}

// engineCounters holds the atomically-updated global counters backing
// Metrics. Every field is written only via sync/atomic.
type engineCounters struct {
	totalProcessed   uint64
	spikesDetected   uint64
	droppedTicks     uint64
	processingErrors uint64
}
