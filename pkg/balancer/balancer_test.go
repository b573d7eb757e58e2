package balancer

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/medforge/rosterd/pkg/log"
	"github.com/medforge/rosterd/pkg/types"
)

func init() {
	log.Init(log.Config{Level: log.ErrorLevel, JSONOutput: true})
}

func instancesNamed(service string, n int) []*types.ServiceInstance {
	result := make([]*types.ServiceInstance, n)
	for i := 0; i < n; i++ {
		result[i] = &types.ServiceInstance{
			ID:          string(rune('a' + i)),
			ServiceName: service,
			Host:        "10.0.0.1",
			Port:        8000 + i,
			Weight:      1,
			Healthy:     true,
		}
	}
	return result
}

func TestRoundRobin_WrapsAround(t *testing.T) {
	strategy := NewRoundRobinStrategy()
	instances := instancesNamed("api", 3)

	var picked []string
	for i := 0; i < 6; i++ {
		picked = append(picked, strategy.Select(instances).ID)
	}
	assert.Equal(t, []string{"a", "b", "c", "a", "b", "c"}, picked)
}

func TestWeighted_ProportionalSelection(t *testing.T) {
	strategy := NewWeightedStrategy()
	instances := instancesNamed("api", 2)
	instances[0].Weight = 3
	instances[1].Weight = 1

	counts := map[string]int{}
	for i := 0; i < 40; i++ {
		counts[strategy.Select(instances).ID]++
	}
	assert.Equal(t, 30, counts["a"])
	assert.Equal(t, 10, counts["b"])
}

func TestLeastConnections_PrefersIdleInstance(t *testing.T) {
	strategy := NewLeastConnectionsStrategy()
	instances := instancesNamed("api", 2)

	strategy.ConnectionStarted("a")
	strategy.ConnectionStarted("a")
	strategy.ConnectionStarted("b")

	assert.Equal(t, "b", strategy.Select(instances).ID)

	strategy.ConnectionFinished("a")
	strategy.ConnectionFinished("a")
	assert.Equal(t, "a", strategy.Select(instances).ID)
}

func TestHealthBased_FiltersUnhealthy(t *testing.T) {
	strategy := NewHealthBasedStrategy(NewRoundRobinStrategy())
	instances := instancesNamed("api", 3)
	instances[0].Healthy = false

	for i := 0; i < 4; i++ {
		selected := strategy.Select(instances)
		require.NotNil(t, selected)
		assert.NotEqual(t, "a", selected.ID)
	}

	// All unhealthy: nothing selectable
	for _, instance := range instances {
		instance.Healthy = false
	}
	assert.Nil(t, strategy.Select(instances))
}

func TestRegistry_FailureThresholdRemovesFromSelectableSet(t *testing.T) {
	registry := NewRegistry(RegistryOptions{FailureThreshold: 3})

	instance := registry.Register("api", "10.0.0.1", 8080, 1, nil)

	registry.RecordFailure(instance.ID)
	registry.RecordFailure(instance.ID)
	assert.Len(t, registry.Instances("api", true), 1, "below threshold stays selectable")

	registry.RecordFailure(instance.ID)
	assert.Empty(t, registry.Instances("api", true), "at threshold leaves the selectable set")

	registry.RecordSuccess(instance.ID)
	assert.Len(t, registry.Instances("api", true), 1, "a successful probe restores the instance")
}

func TestExecute_FailoverToNextInstance(t *testing.T) {
	lb := New(Options{
		Strategy:   NewHealthBasedStrategy(NewRoundRobinStrategy()),
		MaxRetries: 3,
	})

	i1 := lb.Registry().Register("sched", "10.0.0.1", 8001, 1, nil)
	i2 := lb.Registry().Register("sched", "10.0.0.2", 8002, 1, nil)
	i3 := lb.Registry().Register("sched", "10.0.0.3", 8003, 1, nil)
	_ = i2
	_ = i3

	var attempts []string
	err := lb.Execute(context.Background(), "sched", func(ctx context.Context, instance *types.ServiceInstance) error {
		attempts = append(attempts, instance.ID)
		if instance.ID == i1.ID {
			return errors.New("connection refused")
		}
		return nil
	})
	require.NoError(t, err)

	if len(attempts) == 1 {
		// Rotation did not start at i1; nothing to fail over from
		assert.NotEqual(t, i1.ID, attempts[0])
	} else {
		require.Len(t, attempts, 2)
		assert.Equal(t, i1.ID, attempts[0])
		assert.NotEqual(t, i1.ID, attempts[1])
	}

	// The failed instance must be out of the selectable set
	for _, instance := range lb.Registry().Instances("sched", true) {
		assert.NotEqual(t, i1.ID, instance.ID)
	}
}

func TestExecute_AllAttemptsFailed(t *testing.T) {
	lb := New(Options{MaxRetries: 3})
	lb.Registry().Register("sched", "10.0.0.1", 8001, 1, nil)
	lb.Registry().Register("sched", "10.0.0.2", 8002, 1, nil)

	boom := errors.New("boom")
	err := lb.Execute(context.Background(), "sched", func(ctx context.Context, instance *types.ServiceInstance) error {
		return boom
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "all attempts failed")
	assert.ErrorIs(t, err, boom)
}

func TestExecute_NoInstances(t *testing.T) {
	lb := New(Options{})
	err := lb.Execute(context.Background(), "ghost", func(ctx context.Context, instance *types.ServiceInstance) error {
		return nil
	})
	assert.ErrorIs(t, err, ErrNoInstances)
}

func TestExecute_DistinctInstancesPerAttempt(t *testing.T) {
	lb := New(Options{MaxRetries: 5})
	lb.Registry().Register("sched", "10.0.0.1", 8001, 1, nil)
	lb.Registry().Register("sched", "10.0.0.2", 8002, 1, nil)

	seen := map[string]int{}
	err := lb.Execute(context.Background(), "sched", func(ctx context.Context, instance *types.ServiceInstance) error {
		seen[instance.ID]++
		return errors.New("down")
	})
	require.Error(t, err)
	for id, count := range seen {
		assert.Equal(t, 1, count, "instance %s tried more than once", id)
	}
	assert.Len(t, seen, 2)
}

func TestRegistry_StaleUnhealthyInstancesUnregistered(t *testing.T) {
	registry := NewRegistry(RegistryOptions{
		FailureThreshold: 1,
		StaleThreshold:   10 * time.Millisecond,
		CleanupInterval:  time.Hour, // Sweep manually
	})

	instance := registry.Register("api", "10.0.0.1", 8080, 1, nil)
	registry.RecordFailure(instance.ID)

	time.Sleep(20 * time.Millisecond)
	registry.removeStale()

	assert.Empty(t, registry.Instances("api", false))
}
