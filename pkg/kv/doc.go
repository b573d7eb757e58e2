// Package kv defines the shared key-value store consumed by the rate
// limiter, throttler, permission cache, and snapshot store, plus an
// embedded in-memory implementation with scripted multi-key atomicity.
package kv
