package balancer

import (
	"sync"

	"github.com/medforge/rosterd/pkg/types"
)

// Strategy selects an instance from a candidate set
type Strategy interface {
	// Select picks one instance, or nil when the set is empty
	Select(instances []*types.ServiceInstance) *types.ServiceInstance

	// Name identifies the strategy
	Name() string
}

// RoundRobinStrategy cycles through instances with a wrap-around cursor
// per service
type RoundRobinStrategy struct {
	mu      sync.Mutex
	cursors map[string]int
}

// NewRoundRobinStrategy creates a round-robin strategy
func NewRoundRobinStrategy() *RoundRobinStrategy {
	return &RoundRobinStrategy{cursors: make(map[string]int)}
}

func (*RoundRobinStrategy) Name() string { return "round_robin" }

func (s *RoundRobinStrategy) Select(instances []*types.ServiceInstance) *types.ServiceInstance {
	if len(instances) == 0 {
		return nil
	}
	service := instances[0].ServiceName

	s.mu.Lock()
	index := s.cursors[service] % len(instances)
	s.cursors[service] = (index + 1) % len(instances)
	s.mu.Unlock()

	return instances[index]
}

// WeightedStrategy selects proportionally to instance weights using a
// cumulative-weight walk over a rotating counter
type WeightedStrategy struct {
	mu       sync.Mutex
	counters map[string]int
}

// NewWeightedStrategy creates a weighted strategy
func NewWeightedStrategy() *WeightedStrategy {
	return &WeightedStrategy{counters: make(map[string]int)}
}

func (*WeightedStrategy) Name() string { return "weighted" }

func (s *WeightedStrategy) Select(instances []*types.ServiceInstance) *types.ServiceInstance {
	if len(instances) == 0 {
		return nil
	}
	service := instances[0].ServiceName

	total := 0
	for _, instance := range instances {
		weight := instance.Weight
		if weight <= 0 {
			weight = 1
		}
		total += weight
	}

	s.mu.Lock()
	tick := s.counters[service] % total
	s.counters[service]++
	s.mu.Unlock()

	cumulative := 0
	for _, instance := range instances {
		weight := instance.Weight
		if weight <= 0 {
			weight = 1
		}
		cumulative += weight
		if tick < cumulative {
			return instance
		}
	}
	return instances[len(instances)-1]
}

// LeastConnectionsStrategy selects the instance with the fewest active
// connections. The balancer reports connection starts and ends.
type LeastConnectionsStrategy struct {
	mu     sync.Mutex
	active map[string]int
}

// NewLeastConnectionsStrategy creates a least-connections strategy
func NewLeastConnectionsStrategy() *LeastConnectionsStrategy {
	return &LeastConnectionsStrategy{active: make(map[string]int)}
}

func (*LeastConnectionsStrategy) Name() string { return "least_connections" }

func (s *LeastConnectionsStrategy) Select(instances []*types.ServiceInstance) *types.ServiceInstance {
	if len(instances) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var selected *types.ServiceInstance
	best := int(^uint(0) >> 1) // Max int
	for _, instance := range instances {
		if count := s.active[instance.ID]; count < best {
			best = count
			selected = instance
		}
	}
	return selected
}

// ConnectionStarted records a new in-flight request on an instance
func (s *LeastConnectionsStrategy) ConnectionStarted(instanceID string) {
	s.mu.Lock()
	s.active[instanceID]++
	s.mu.Unlock()
}

// ConnectionFinished records a completed request on an instance
func (s *LeastConnectionsStrategy) ConnectionFinished(instanceID string) {
	s.mu.Lock()
	if s.active[instanceID] > 0 {
		s.active[instanceID]--
	}
	s.mu.Unlock()
}

// HealthBasedStrategy filters out unhealthy instances and delegates
// selection to an inner strategy
type HealthBasedStrategy struct {
	inner Strategy
}

// NewHealthBasedStrategy wraps an inner strategy with a health filter
func NewHealthBasedStrategy(inner Strategy) *HealthBasedStrategy {
	if inner == nil {
		inner = NewRoundRobinStrategy()
	}
	return &HealthBasedStrategy{inner: inner}
}

func (s *HealthBasedStrategy) Name() string { return "health_based(" + s.inner.Name() + ")" }

func (s *HealthBasedStrategy) Select(instances []*types.ServiceInstance) *types.ServiceInstance {
	healthy := make([]*types.ServiceInstance, 0, len(instances))
	for _, instance := range instances {
		if instance.Healthy {
			healthy = append(healthy, instance)
		}
	}
	return s.inner.Select(healthy)
}
