// Package queue provides the two bounded lock-free rings the pipeline runs
// on: a single-producer/single-consumer ring for stage-to-stage handoff and a
// multi-producer/multi-consumer ring for fan-in streams (market data, return
// path). Both fail fast instead of blocking — a full push or empty pop
// returns false and the caller decides what backpressure means at its
// boundary.
//
// Capacities round up to the next power of two so index masking replaces
// modulo on the hot path.
package queue

// roundPow2 returns the smallest power of two ≥ n.
func roundPow2(n int) uint64 {
	v := uint64(1)
	for v < uint64(n) {
		v <<= 1
	}
	return v
}

// pad is inserted between indices owned by different threads so they land on
// separate cache lines.
type pad [64]byte
