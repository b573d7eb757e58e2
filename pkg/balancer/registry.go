package balancer

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/medforge/rosterd/pkg/events"
	"github.com/medforge/rosterd/pkg/log"
	"github.com/medforge/rosterd/pkg/metrics"
	"github.com/medforge/rosterd/pkg/types"
)

// RegistryOptions configures instance lifecycle thresholds
type RegistryOptions struct {
	// FailureThreshold is the number of consecutive probe failures
	// before an instance leaves the selectable set
	FailureThreshold int

	// StaleThreshold unregisters unhealthy instances whose last check
	// is older than this
	StaleThreshold time.Duration

	// CleanupInterval is the cadence of the stale sweep
	CleanupInterval time.Duration
}

// DefaultRegistryOptions returns production thresholds
func DefaultRegistryOptions() RegistryOptions {
	return RegistryOptions{
		FailureThreshold: 3,
		StaleThreshold:   5 * time.Minute,
		CleanupInterval:  time.Minute,
	}
}

// Registry tracks service instances grouped by service name. Instances
// reference their group through ServiceName; there are no back-pointers.
type Registry struct {
	opts   RegistryOptions
	logger zerolog.Logger
	broker *events.Broker // Optional; nil disables event publication

	mu        sync.RWMutex
	instances map[string]map[string]*types.ServiceInstance // service name -> id -> instance

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewRegistry creates an empty service registry
func NewRegistry(opts RegistryOptions) *Registry {
	if opts.FailureThreshold <= 0 {
		opts.FailureThreshold = 3
	}
	if opts.CleanupInterval <= 0 {
		opts.CleanupInterval = time.Minute
	}
	if opts.StaleThreshold <= 0 {
		opts.StaleThreshold = 5 * time.Minute
	}
	return &Registry{
		opts:      opts,
		logger:    log.WithComponent("registry"),
		instances: make(map[string]map[string]*types.ServiceInstance),
		stopCh:    make(chan struct{}),
	}
}

// SetBroker wires an event broker for instance lifecycle events
func (r *Registry) SetBroker(broker *events.Broker) {
	r.broker = broker
}

func (r *Registry) publish(eventType events.EventType, instance *types.ServiceInstance) {
	if r.broker == nil {
		return
	}
	r.broker.Publish(&events.Event{
		Type:    eventType,
		Message: instance.Address(),
		Metadata: map[string]string{
			"service":     instance.ServiceName,
			"instance_id": instance.ID,
		},
	})
}

// Start begins the background stale-instance sweep
func (r *Registry) Start() {
	r.wg.Add(1)
	go r.cleanupLoop()
}

// Stop stops the sweep and waits for it to exit
func (r *Registry) Stop() {
	close(r.stopCh)
	r.wg.Wait()
}

func (r *Registry) cleanupLoop() {
	defer r.wg.Done()
	ticker := time.NewTicker(r.opts.CleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			r.removeStale()
		case <-r.stopCh:
			return
		}
	}
}

// removeStale unregisters unhealthy instances not probed recently
func (r *Registry) removeStale() {
	r.mu.Lock()
	defer r.mu.Unlock()

	cutoff := time.Now().Add(-r.opts.StaleThreshold)
	for service, group := range r.instances {
		for id, instance := range group {
			if !instance.Healthy && !instance.LastHealthCheck.IsZero() && instance.LastHealthCheck.Before(cutoff) {
				delete(group, id)
				r.logger.Info().
					Str("service", service).
					Str("instance_id", id).
					Msg("Unregistered stale instance")
			}
		}
		if len(group) == 0 {
			delete(r.instances, service)
		}
		r.updateGaugeLocked(service)
	}
}

// Register adds a service instance and returns it
func (r *Registry) Register(serviceName, host string, port, weight int, metadata map[string]string) *types.ServiceInstance {
	if weight <= 0 {
		weight = 1
	}
	instance := &types.ServiceInstance{
		ID:           uuid.New().String(),
		ServiceName:  serviceName,
		Host:         host,
		Port:         port,
		Weight:       weight,
		Metadata:     metadata,
		Healthy:      true,
		RegisteredAt: time.Now(),
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.instances[serviceName] == nil {
		r.instances[serviceName] = make(map[string]*types.ServiceInstance)
	}
	r.instances[serviceName][instance.ID] = instance
	r.updateGaugeLocked(serviceName)

	r.logger.Info().
		Str("service", serviceName).
		Str("instance_id", instance.ID).
		Str("address", instance.Address()).
		Msg("Registered service instance")
	r.publish(events.EventInstanceRegistered, instance)

	return instance
}

// Deregister removes an instance by id
func (r *Registry) Deregister(instanceID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for service, group := range r.instances {
		if _, ok := group[instanceID]; ok {
			delete(group, instanceID)
			if len(group) == 0 {
				delete(r.instances, service)
			}
			r.updateGaugeLocked(service)
			r.logger.Info().
				Str("service", service).
				Str("instance_id", instanceID).
				Msg("Deregistered service instance")
			return true
		}
	}
	return false
}

// Instances returns a snapshot of a service's instances
func (r *Registry) Instances(serviceName string, healthyOnly bool) []*types.ServiceInstance {
	r.mu.RLock()
	defer r.mu.RUnlock()
	group := r.instances[serviceName]
	result := make([]*types.ServiceInstance, 0, len(group))
	for _, instance := range group {
		if healthyOnly && !instance.Healthy {
			continue
		}
		clone := *instance
		result = append(result, &clone)
	}
	return result
}

// AllInstances returns a snapshot of every registered instance
func (r *Registry) AllInstances() []*types.ServiceInstance {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var result []*types.ServiceInstance
	for _, group := range r.instances {
		for _, instance := range group {
			clone := *instance
			result = append(result, &clone)
		}
	}
	return result
}

// RecordSuccess resets an instance's failure count and restores it to
// the selectable set
func (r *Registry) RecordSuccess(instanceID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	instance := r.findLocked(instanceID)
	if instance == nil {
		return
	}
	wasUnhealthy := !instance.Healthy
	instance.Healthy = true
	instance.ConsecutiveFailures = 0
	instance.LastHealthCheck = time.Now()
	r.updateGaugeLocked(instance.ServiceName)
	if wasUnhealthy {
		r.logger.Info().
			Str("service", instance.ServiceName).
			Str("instance_id", instanceID).
			Msg("Instance recovered")
		r.publish(events.EventInstanceRecovered, instance)
	}
}

// RecordFailure increments an instance's failure count; at the failure
// threshold the instance leaves the selectable set
func (r *Registry) RecordFailure(instanceID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	instance := r.findLocked(instanceID)
	if instance == nil {
		return
	}
	instance.ConsecutiveFailures++
	instance.LastHealthCheck = time.Now()
	if instance.ConsecutiveFailures >= r.opts.FailureThreshold && instance.Healthy {
		instance.Healthy = false
		r.logger.Warn().
			Str("service", instance.ServiceName).
			Str("instance_id", instanceID).
			Int("consecutive_failures", instance.ConsecutiveFailures).
			Msg("Instance marked unhealthy")
		r.publish(events.EventInstanceUnhealthy, instance)
	}
	r.updateGaugeLocked(instance.ServiceName)
}

// MarkUnhealthy removes an instance from the selectable set immediately
// (used by failover on request errors)
func (r *Registry) MarkUnhealthy(instanceID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	instance := r.findLocked(instanceID)
	if instance == nil {
		return
	}
	instance.Healthy = false
	instance.ConsecutiveFailures++
	instance.LastHealthCheck = time.Now()
	r.updateGaugeLocked(instance.ServiceName)
}

func (r *Registry) findLocked(instanceID string) *types.ServiceInstance {
	for _, group := range r.instances {
		if instance, ok := group[instanceID]; ok {
			return instance
		}
	}
	return nil
}

func (r *Registry) updateGaugeLocked(serviceName string) {
	healthy := 0
	for _, instance := range r.instances[serviceName] {
		if instance.Healthy {
			healthy++
		}
	}
	metrics.LBHealthyInstances.WithLabelValues(serviceName).Set(float64(healthy))
}
