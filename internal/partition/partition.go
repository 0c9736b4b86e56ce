// Package partition maps (region, currency) pairs onto worker partitions.
// The assignment is deterministic so a pair always lands on the same single
// threaded owner, which is what serializes writes per aggregation key.
package partition

import "hash/fnv"

// For returns the partition index for a pair, in [0, n).
func For(region, currency string, n int) int {
	if n <= 1 {
		return 0
	}
	h := fnv.New32a()
	h.Write([]byte(region))
	h.Write([]byte{'|'})
	h.Write([]byte(currency))
	return int(h.Sum32() % uint32(n))
}
