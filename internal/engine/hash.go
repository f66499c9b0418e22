package engine

import "github.com/cespare/xxhash/v2"

// routingMask clears the top bit before modulo, avoiding signed-modulo
// pitfalls and matching the fixed routing formula: partitions are
// stable for the engine's lifetime because the hash is deterministic.
const routingMask = 0x7FFFFFFF

// partitionIndex computes the stable partition assignment for symbol
// among n partitions. xxhash is already pulled in transitively by the
// Redis client; using it directly here gives routing a fast,
// well-distributed, dependency-already-paid-for hash instead of a
// bespoke one.
func partitionIndex(symbol string, n int) int {
	h := xxhash.Sum64String(symbol)
	return int((h & routingMask) % uint64(n))
}
