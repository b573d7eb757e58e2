package balancer

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/medforge/rosterd/pkg/health"
	"github.com/medforge/rosterd/pkg/log"
	"github.com/medforge/rosterd/pkg/metrics"
)

// CheckerOptions configures the background health checker
type CheckerOptions struct {
	// Interval between probe cycles
	Interval time.Duration

	// ProbeTimeout bounds each individual probe
	ProbeTimeout time.Duration

	// ProbesPerSecond paces probes across large instance sets
	ProbesPerSecond float64
}

// DefaultCheckerOptions returns production probing cadence
func DefaultCheckerOptions() CheckerOptions {
	return CheckerOptions{
		Interval:        30 * time.Second,
		ProbeTimeout:    10 * time.Second,
		ProbesPerSecond: 20,
	}
}

// Checker probes registered instances in the background and feeds
// results into the registry
type Checker struct {
	registry *Registry
	probe    health.Checker
	opts     CheckerOptions
	logger   zerolog.Logger
	limiter  *rate.Limiter

	probeNow chan string
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// NewChecker creates a health checker for the registry. A nil probe
// defaults to a TCP open-close probe.
func NewChecker(registry *Registry, probe health.Checker, opts CheckerOptions) *Checker {
	if probe == nil {
		probe = health.NewTCPProbe()
	}
	if opts.Interval <= 0 {
		opts.Interval = 30 * time.Second
	}
	if opts.ProbeTimeout <= 0 {
		opts.ProbeTimeout = 10 * time.Second
	}
	if opts.ProbesPerSecond <= 0 {
		opts.ProbesPerSecond = 20
	}
	return &Checker{
		registry: registry,
		probe:    probe,
		opts:     opts,
		logger:   log.WithComponent("health_checker"),
		limiter:  rate.NewLimiter(rate.Limit(opts.ProbesPerSecond), 1),
		probeNow: make(chan string, 64),
		stopCh:   make(chan struct{}),
	}
}

// Start begins the probe loop
func (c *Checker) Start() {
	c.wg.Add(1)
	go c.run()
}

// Stop stops the probe loop and waits for it to exit
func (c *Checker) Stop() {
	close(c.stopCh)
	c.wg.Wait()
}

// ProbeNow schedules an immediate probe of one instance, ahead of the
// next cycle. Used by failover after a request error.
func (c *Checker) ProbeNow(instanceID string) {
	select {
	case c.probeNow <- instanceID:
	default:
		// A full trigger queue means a cycle is imminent anyway
	}
}

func (c *Checker) run() {
	defer c.wg.Done()
	ticker := time.NewTicker(c.opts.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.probeCycle()
		case instanceID := <-c.probeNow:
			c.probeOne(instanceID)
		case <-c.stopCh:
			return
		}
	}
}

// probeCycle probes every registered instance in parallel, paced by the
// rate limiter
func (c *Checker) probeCycle() {
	instances := c.registry.AllInstances()
	if len(instances) == 0 {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), c.opts.Interval)
	defer cancel()

	g, ctx := errgroup.WithContext(ctx)
	for _, instance := range instances {
		instance := instance
		if err := c.limiter.Wait(ctx); err != nil {
			break
		}
		g.Go(func() error {
			c.check(ctx, instance.ID, instance.Address())
			return nil
		})
	}
	_ = g.Wait()
}

func (c *Checker) probeOne(instanceID string) {
	for _, instance := range c.registry.AllInstances() {
		if instance.ID == instanceID {
			ctx, cancel := context.WithTimeout(context.Background(), c.opts.ProbeTimeout)
			c.check(ctx, instance.ID, instance.Address())
			cancel()
			return
		}
	}
}

func (c *Checker) check(ctx context.Context, instanceID, address string) {
	probeCtx, cancel := context.WithTimeout(ctx, c.opts.ProbeTimeout)
	defer cancel()

	result := c.probe.Check(probeCtx, address)
	metrics.ProbeDuration.Observe(result.Duration.Seconds())

	if result.Healthy {
		c.registry.RecordSuccess(instanceID)
	} else {
		c.registry.RecordFailure(instanceID)
		c.logger.Debug().
			Str("instance_id", instanceID).
			Str("address", address).
			Str("message", result.Message).
			Msg("Probe failed")
	}
}
