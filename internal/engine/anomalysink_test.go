package engine

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testSpike(symbol string, changePercent float64) Spike {
	return Spike{
		Symbol:         symbol,
		ReferencePrice: decimal.NewFromInt(100),
		NewPrice:       decimal.NewFromFloat(100 + changePercent),
		ChangePercent:  changePercent,
		DetectedAt:     time.Now(),
		Severity:       classifySeverity(changePercent),
	}
}

func TestNewAnomalySink_RejectsCapacityBelowFloor(t *testing.T) {
	_, err := NewAnomalySink(minRecentAnomaliesCapacity - 1)
	assert.ErrorIs(t, err, ErrInvalidInput)
}

// P8: Recent returns entries newest-first.
func TestAnomalySink_RecentIsNewestFirst(t *testing.T) {
	sink, err := NewAnomalySink(minRecentAnomaliesCapacity)
	require.NoError(t, err)

	sink.Record(testSpike("AAPL", 3))
	sink.Record(testSpike("AAPL", 4))
	sink.Record(testSpike("AAPL", 5))

	got := sink.Recent(10, "")
	require.Len(t, got, 3)
	assert.Equal(t, 5.0, got[0].ChangePercent)
	assert.Equal(t, 4.0, got[1].ChangePercent)
	assert.Equal(t, 3.0, got[2].ChangePercent)
}

// Drop-oldest: once at capacity, the oldest retained spike is evicted
// first.
func TestAnomalySink_DropsOldestAtCapacity(t *testing.T) {
	sink, err := NewAnomalySink(minRecentAnomaliesCapacity)
	require.NoError(t, err)

	for i := 0; i < minRecentAnomaliesCapacity+10; i++ {
		sink.Record(testSpike("AAPL", float64(i)))
	}

	assert.Equal(t, minRecentAnomaliesCapacity, sink.Count(""))
	got := sink.Recent(1, "")
	require.Len(t, got, 1)
	assert.Equal(t, float64(minRecentAnomaliesCapacity+9), got[0].ChangePercent)

	oldest := sink.Recent(minRecentAnomaliesCapacity, "")
	assert.Equal(t, float64(10), oldest[len(oldest)-1].ChangePercent)
}

func TestAnomalySink_FiltersBySymbol(t *testing.T) {
	sink, err := NewAnomalySink(minRecentAnomaliesCapacity)
	require.NoError(t, err)

	sink.Record(testSpike("AAPL", 3))
	sink.Record(testSpike("MSFT", 4))
	sink.Record(testSpike("AAPL", 6))

	got := sink.Recent(10, "AAPL")
	require.Len(t, got, 2)
	for _, s := range got {
		assert.Equal(t, "AAPL", s.Symbol)
	}
	assert.Equal(t, 2, sink.Count("AAPL"))
	assert.Equal(t, 1, sink.Count("MSFT"))
	assert.Equal(t, 3, sink.Count(""))
}

func TestAnomalySink_RecentClampsTakeToAtLeastOne(t *testing.T) {
	sink, err := NewAnomalySink(minRecentAnomaliesCapacity)
	require.NoError(t, err)
	sink.Record(testSpike("AAPL", 3))

	got := sink.Recent(0, "")
	assert.Len(t, got, 1)

	got = sink.Recent(-5, "")
	assert.Len(t, got, 1)
}

func TestAnomalySink_SubscribeReceivesSubsequentSpikesOnly(t *testing.T) {
	sink, err := NewAnomalySink(minRecentAnomaliesCapacity)
	require.NoError(t, err)

	sink.Record(testSpike("AAPL", 1))

	ch := sink.Subscribe(4)
	sink.Record(testSpike("AAPL", 2))
	sink.Record(testSpike("AAPL", 3))

	first := <-ch
	second := <-ch
	assert.ElementsMatch(t, []float64{2, 3}, []float64{first.ChangePercent, second.ChangePercent})
}

func TestAnomalySink_SubscribeIsNonBlockingWhenFull(t *testing.T) {
	sink, err := NewAnomalySink(minRecentAnomaliesCapacity)
	require.NoError(t, err)

	ch := sink.Subscribe(1)
	done := make(chan struct{})
	go func() {
		for i := 0; i < 5; i++ {
			sink.Record(testSpike("AAPL", float64(i)))
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("record blocked on a full, undrained subscriber channel")
	}
	<-ch
}
