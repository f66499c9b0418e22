package engine

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

// P5/S7: routing is a pure function of symbol and partition count —
// the same symbol always lands on the same partition for the lifetime
// of a given partition count.
func TestPartitionIndex_StableForSameSymbol(t *testing.T) {
	for _, n := range []int{1, 2, 3, 7, 16} {
		want := partitionIndex("AAPL", n)
		for i := 0; i < 100; i++ {
			assert.Equal(t, want, partitionIndex("AAPL", n))
		}
	}
}

func TestPartitionIndex_AlwaysInRange(t *testing.T) {
	for _, n := range []int{1, 2, 3, 7, 16, 64} {
		for i := 0; i < 200; i++ {
			symbol := fmt.Sprintf("SYM%d", i)
			idx := partitionIndex(symbol, n)
			assert.GreaterOrEqual(t, idx, 0)
			assert.Less(t, idx, n)
		}
	}
}

func TestPartitionIndex_SinglePartitionAlwaysZero(t *testing.T) {
	for i := 0; i < 50; i++ {
		symbol := fmt.Sprintf("SYM%d", i)
		assert.Equal(t, 0, partitionIndex(symbol, 1))
	}
}

// Distinct symbols should not all collapse onto one partition; this is
// a coarse distribution sanity check, not a statistical rigor test.
func TestPartitionIndex_SpreadsAcrossPartitions(t *testing.T) {
	const n = 8
	seen := make(map[int]bool)
	for i := 0; i < 500; i++ {
		symbol := fmt.Sprintf("SYMBOL-%d", i)
		seen[partitionIndex(symbol, n)] = true
	}
	assert.Greater(t, len(seen), 1)
}
