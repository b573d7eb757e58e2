// Package health provides HTTP and TCP probes used by the service
// registry's health checker. Any probe failure, including timeout,
// counts against an instance's failure threshold.
package health
