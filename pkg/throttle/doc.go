// Package throttle caps concurrent in-flight requests with priority
// queuing, backpressure, and adaptive load shedding. Slot and queue
// state live in the shared key-value store for cluster-wide enforcement.
package throttle
