//go:build !race

package recycle

// RaceEnabled reports whether the binary was built with -race. Chunk
// pooling is skipped under the race detector the same way sync.Pool itself
// effectively is (GOMAXPROCS-scaled pools make reuse unreliable to assert
// on), so tests that depend on a chunk coming back unchanged from the pool
// must skip when this is true.
const RaceEnabled = false
