//go:build !debug

// Package tag exposes build-tag gated constants. Debug is false in regular
// builds; build with `-tags debug` to turn on the extra runtime invariant
// checks scattered through logmem, reactor and shard.
package tag

const Debug = false
