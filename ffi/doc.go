// Package ffi is the boundary between the host and a Findex engine.
//
// Everything crossing it is an integer status code, a caller-owned byte
// buffer, or a synchronous callback. Variable-size outputs use the
// grow-and-retry convention: the caller passes a buffer and its capacity; if
// it is too small the callee stores the exact size needed in *outLen and
// returns CodeBufferTooSmall, and the caller retries once with that size
// (see CallWithBuffer).
//
// Host errors raised inside callbacks cannot cross the boundary as values.
// They are parked in a Bridge under a per-request token, the callback returns
// CodeCallbackError, and the host collects the original error once the engine
// returns.
package ffi
