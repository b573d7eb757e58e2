// Package snapshot persists solver checkpoints for resume after crash,
// timeout, or cancellation. Checkpoints carry a truncated SHA-256 of
// their canonical serialization; a mismatch on load discards the
// artifact.
package snapshot
