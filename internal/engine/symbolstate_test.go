package engine

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// P6: Statistics is always self-consistent — applyUpdate folds the new
// price into min and max before publishing, so min <= current <= max
// holds after every applied tick, UpdateCount increments exactly once
// per applied tick, and the first tick seeds min == max == current
// without needing an infinite sentinel.
func TestSymbolState_FirstTickSeedsMinAndMax(t *testing.T) {
	s := newSymbolState("AAPL", 4, 1000)

	tick, err := NewTick("AAPL", decimal.NewFromFloat(150), time.UnixMilli(0))
	require.NoError(t, err)
	s.applyUpdate(tick, 150)

	snap := s.Snapshot()
	assert.True(t, snap.MinPrice.Equal(decimal.NewFromFloat(150)))
	assert.True(t, snap.MaxPrice.Equal(decimal.NewFromFloat(150)))
	assert.Equal(t, uint64(1), snap.UpdateCount)
}

func TestSymbolState_TracksRunningMinAndMax(t *testing.T) {
	s := newSymbolState("AAPL", 8, 1000)

	prices := []float64{150, 140, 160, 130, 170}
	for i, p := range prices {
		tick, err := NewTick("AAPL", decimal.NewFromFloat(p), time.UnixMilli(int64(i)))
		require.NoError(t, err)
		s.applyUpdate(tick, p)
	}

	snap := s.Snapshot()
	assert.True(t, snap.MinPrice.Equal(decimal.NewFromFloat(130)))
	assert.True(t, snap.MaxPrice.Equal(decimal.NewFromFloat(170)))
	assert.True(t, snap.CurrentPrice.Equal(decimal.NewFromFloat(170)))
	assert.Equal(t, uint64(len(prices)), snap.UpdateCount)
}

func TestSymbolState_SnapshotBeforeAnyUpdateIsZeroValue(t *testing.T) {
	s := newSymbolState("AAPL", 4, 1000)
	snap := s.Snapshot()
	assert.Equal(t, Statistics{}, snap)
}
