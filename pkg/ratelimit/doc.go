// Package ratelimit decides request admission per (client, endpoint)
// with a token bucket for bursts layered over sliding windows for
// sustained rate, evaluated as one atomic operation against the shared
// key-value store. Store failures fail open.
package ratelimit
