// Package balancer provides the service registry, load balancing
// strategies, background health checking, and failover execution for
// downstream service calls.
package balancer
