package balancer

import (
	"context"
	"errors"
	"fmt"

	multierror "github.com/hashicorp/go-multierror"
	"github.com/rs/zerolog"

	"github.com/medforge/rosterd/pkg/health"
	"github.com/medforge/rosterd/pkg/log"
	"github.com/medforge/rosterd/pkg/metrics"
	"github.com/medforge/rosterd/pkg/types"
)

// ErrNoInstances is returned when no instance is selectable for a service
var ErrNoInstances = errors.New("balancer: no instances available")

// Options configures a LoadBalancer
type Options struct {
	Strategy   Strategy
	Probe      health.Checker
	Checker    CheckerOptions
	Registry   RegistryOptions
	MaxRetries int
}

// LoadBalancer distributes work across service instances with health
// filtering and automatic failover
type LoadBalancer struct {
	registry   *Registry
	strategy   Strategy
	checker    *Checker
	leastCon   *LeastConnectionsStrategy // Set when the strategy tracks connections
	maxRetries int
	logger     zerolog.Logger
}

// New creates a load balancer. The default strategy is round-robin
// behind a health filter.
func New(opts Options) *LoadBalancer {
	if opts.Strategy == nil {
		opts.Strategy = NewHealthBasedStrategy(NewRoundRobinStrategy())
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = 3
	}

	registry := NewRegistry(opts.Registry)
	lb := &LoadBalancer{
		registry:   registry,
		strategy:   opts.Strategy,
		checker:    NewChecker(registry, opts.Probe, opts.Checker),
		maxRetries: opts.MaxRetries,
		logger:     log.WithComponent("balancer"),
	}

	// Track connections when the strategy (or its inner) needs them
	switch s := opts.Strategy.(type) {
	case *LeastConnectionsStrategy:
		lb.leastCon = s
	case *HealthBasedStrategy:
		if inner, ok := s.inner.(*LeastConnectionsStrategy); ok {
			lb.leastCon = inner
		}
	}

	return lb
}

// Registry exposes instance registration
func (lb *LoadBalancer) Registry() *Registry {
	return lb.registry
}

// Checker exposes the health checker (for custom probe wiring)
func (lb *LoadBalancer) Checker() *Checker {
	return lb.checker
}

// Start begins background health probing and registry cleanup
func (lb *LoadBalancer) Start() {
	lb.registry.Start()
	lb.checker.Start()
	lb.logger.Info().Msg("Load balancer started")
}

// Stop stops background tasks
func (lb *LoadBalancer) Stop() {
	lb.checker.Stop()
	lb.registry.Stop()
	lb.logger.Info().Msg("Load balancer stopped")
}

// GetInstance selects an instance for the service, or nil when none is
// selectable
func (lb *LoadBalancer) GetInstance(serviceName string, healthyOnly bool) *types.ServiceInstance {
	metrics.LBRequestsTotal.WithLabelValues(serviceName).Inc()
	instances := lb.registry.Instances(serviceName, healthyOnly)
	if len(instances) == 0 {
		metrics.LBRequestsFailed.WithLabelValues(serviceName).Inc()
		return nil
	}
	return lb.strategy.Select(instances)
}

// Execute applies fn to a selected instance with automatic failover: up
// to maxRetries attempts, each against a distinct instance. A failed
// instance is marked unhealthy and probed immediately.
func (lb *LoadBalancer) Execute(ctx context.Context, serviceName string, fn func(ctx context.Context, instance *types.ServiceInstance) error) error {
	metrics.LBRequestsTotal.WithLabelValues(serviceName).Inc()

	tried := make(map[string]bool)
	var attemptErrs *multierror.Error

	for attempt := 0; attempt < lb.maxRetries; attempt++ {
		instance := lb.selectUntried(serviceName, tried)
		if instance == nil {
			break
		}
		tried[instance.ID] = true

		if attempt > 0 {
			metrics.LBFailovers.WithLabelValues(serviceName).Inc()
		}

		if lb.leastCon != nil {
			lb.leastCon.ConnectionStarted(instance.ID)
		}
		err := fn(ctx, instance)
		if lb.leastCon != nil {
			lb.leastCon.ConnectionFinished(instance.ID)
		}

		if err == nil {
			return nil
		}

		lb.logger.Warn().
			Str("service", serviceName).
			Str("instance_id", instance.ID).
			Int("attempt", attempt+1).
			Err(err).
			Msg("Request failed, marking instance unhealthy")
		lb.registry.MarkUnhealthy(instance.ID)
		lb.checker.ProbeNow(instance.ID)
		attemptErrs = multierror.Append(attemptErrs, fmt.Errorf("instance %s: %w", instance.ID, err))

		if ctx.Err() != nil {
			break
		}
	}

	metrics.LBRequestsFailed.WithLabelValues(serviceName).Inc()
	if attemptErrs == nil {
		return fmt.Errorf("%w: %s", ErrNoInstances, serviceName)
	}
	return fmt.Errorf("all attempts failed for %s: %w", serviceName, attemptErrs.ErrorOrNil())
}

// selectUntried picks a healthy instance not yet tried this request
func (lb *LoadBalancer) selectUntried(serviceName string, tried map[string]bool) *types.ServiceInstance {
	instances := lb.registry.Instances(serviceName, true)
	candidates := make([]*types.ServiceInstance, 0, len(instances))
	for _, instance := range instances {
		if !tried[instance.ID] {
			candidates = append(candidates, instance)
		}
	}
	if len(candidates) == 0 {
		return nil
	}
	return lb.strategy.Select(candidates)
}
