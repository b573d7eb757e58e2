// Package metrics exposes Prometheus collectors for the rate limiter,
// throttler, load balancer, job scheduler, and constraint solver.
package metrics
