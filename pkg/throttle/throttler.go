package throttle

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/medforge/rosterd/pkg/kv"
	"github.com/medforge/rosterd/pkg/log"
	"github.com/medforge/rosterd/pkg/metrics"
)

// Options configures a Throttler
type Options struct {
	MaxConcurrent int
	MaxQueueSize  int
	QueueTimeout  time.Duration
	Strategy      Strategy
	PollInterval  time.Duration // Queue wait poll cadence
	SampleEvery   time.Duration // Adaptive load sampling cadence, 0 disables
}

// Result reports the outcome of an admission attempt
type Result struct {
	Action     Action
	RequestID  string
	Reason     string
	WaitTime   time.Duration // Time spent queued, when applicable
	RetryAfter int           // Seconds, on reject
}

// Throttler caps concurrent in-flight requests with priority queuing and
// strategy-driven shedding. State lives in the key-value store, so the
// limit holds across processes.
type Throttler struct {
	storage  *Storage
	strategy Strategy
	opts     Options
	logger   zerolog.Logger
	stopCh   chan struct{}
}

// NewThrottler creates a throttler on the given store
func NewThrottler(store kv.Store, opts Options) *Throttler {
	if opts.Strategy == nil {
		opts.Strategy = NewAdaptiveStrategy()
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 100 * time.Millisecond
	}
	return &Throttler{
		storage:  NewStorage(store),
		strategy: opts.Strategy,
		opts:     opts,
		logger:   log.WithComponent("throttle"),
		stopCh:   make(chan struct{}),
	}
}

// Start begins background load sampling for adaptive strategies
func (t *Throttler) Start() {
	if t.opts.SampleEvery > 0 {
		go t.sampleLoop()
	}
}

// Stop stops background sampling
func (t *Throttler) Stop() {
	close(t.stopCh)
}

func (t *Throttler) sampleLoop() {
	adaptive, ok := t.strategy.(*AdaptiveStrategy)
	if !ok {
		return
	}
	ticker := time.NewTicker(t.opts.SampleEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m, err := t.storage.GetMetrics(context.Background(), t.opts.MaxConcurrent, t.opts.MaxQueueSize)
			if err != nil {
				continue
			}
			adaptive.ObserveUtilization(m.Utilization)
			metrics.ThrottleActive.Set(float64(m.Active))
			metrics.ThrottleQueueDepth.Set(float64(m.Queued))
		case <-t.stopCh:
			return
		}
	}
}

// limits passes the configured capacities to the strategy
func (t *Throttler) limits() Limits {
	return Limits{MaxConcurrent: t.opts.MaxConcurrent, MaxQueueSize: t.opts.MaxQueueSize}
}

// Admit decides whether a request may proceed. ActionAllow means a slot
// is held and Release must be called; ActionQueue waits for a slot up to
// the queue timeout before resolving to allow or reject.
func (t *Throttler) Admit(ctx context.Context, priority Priority) (*Result, error) {
	requestID := uuid.New().String()

	m, err := t.storage.GetMetrics(ctx, t.opts.MaxConcurrent, t.opts.MaxQueueSize)
	if err != nil {
		return nil, fmt.Errorf("failed to read throttle metrics: %w", err)
	}

	waitingHigh := false
	if head, ok, err := t.storage.HighestWaitingPriority(ctx); err == nil && ok {
		waitingHigh = head == PriorityCritical || head == PriorityHigh
	}

	decision := t.strategy.Decide(priority, m, t.limits(), waitingHigh)

	switch decision.Action {
	case ActionReject:
		metrics.ThrottleRejected.WithLabelValues(string(priority)).Inc()
		t.logger.Warn().
			Str("priority", string(priority)).
			Float64("utilization", m.Utilization).
			Str("reason", decision.Reason).
			Msg("Throttle reject")
		return &Result{Action: ActionReject, RequestID: requestID, Reason: decision.Reason, RetryAfter: decision.RetryAfter}, nil

	case ActionQueue:
		return t.waitInQueue(ctx, requestID, priority)

	default:
		acquired, err := t.storage.AcquireSlot(ctx, requestID, t.opts.MaxConcurrent)
		if err != nil {
			return nil, fmt.Errorf("failed to acquire throttle slot: %w", err)
		}
		if !acquired {
			// Capacity vanished between the decision and the acquire;
			// fall back to queuing
			return t.waitInQueue(ctx, requestID, priority)
		}
		metrics.ThrottleAllowed.Inc()
		return &Result{Action: ActionAllow, RequestID: requestID}, nil
	}
}

// waitInQueue enqueues the request and polls for a slot until the queue
// timeout or context cancellation
func (t *Throttler) waitInQueue(ctx context.Context, requestID string, priority Priority) (*Result, error) {
	enqueued, err := t.storage.Enqueue(ctx, requestID, priority, t.opts.MaxQueueSize)
	if err != nil {
		return nil, fmt.Errorf("failed to enqueue request: %w", err)
	}
	if !enqueued {
		metrics.ThrottleRejected.WithLabelValues(string(priority)).Inc()
		return &Result{Action: ActionReject, RequestID: requestID, Reason: "queue full", RetryAfter: 10}, nil
	}

	metrics.ThrottleQueued.Inc()
	timer := metrics.NewTimer()
	start := time.Now()
	deadline := start.Add(t.opts.QueueTimeout)
	ticker := time.NewTicker(t.opts.PollInterval)
	defer ticker.Stop()

	for {
		acquired, err := t.storage.AcquireFromQueue(ctx, requestID, t.opts.MaxConcurrent)
		if err != nil {
			_ = t.storage.Dequeue(context.WithoutCancel(ctx), requestID)
			return nil, fmt.Errorf("failed to acquire queued slot: %w", err)
		}
		if acquired {
			timer.ObserveDuration(metrics.ThrottleWaitDuration)
			metrics.ThrottleAllowed.Inc()
			return &Result{Action: ActionAllow, RequestID: requestID, WaitTime: time.Since(start)}, nil
		}

		if time.Now().After(deadline) {
			_ = t.storage.Dequeue(ctx, requestID)
			metrics.ThrottleTimeouts.Inc()
			t.logger.Warn().
				Str("priority", string(priority)).
				Dur("waited", time.Since(start)).
				Msg("Throttle queue wait timed out")
			return &Result{
				Action:     ActionReject,
				RequestID:  requestID,
				Reason:     "timed out waiting for a slot",
				RetryAfter: 10,
				WaitTime:   time.Since(start),
			}, nil
		}

		select {
		case <-ticker.C:
		case <-ctx.Done():
			_ = t.storage.Dequeue(context.WithoutCancel(ctx), requestID)
			return nil, ctx.Err()
		}
	}
}

// Release frees the slot held by a request. Safe to call more than once.
func (t *Throttler) Release(ctx context.Context, requestID string) error {
	return t.storage.ReleaseSlot(ctx, requestID)
}

// Execute admits, runs fn, and releases the slot on every exit path
func (t *Throttler) Execute(ctx context.Context, priority Priority, fn func(ctx context.Context) error) error {
	result, err := t.Admit(ctx, priority)
	if err != nil {
		return err
	}
	if result.Action != ActionAllow {
		return fmt.Errorf("request rejected: %s (retry after %ds)", result.Reason, result.RetryAfter)
	}
	defer func() {
		_ = t.storage.ReleaseSlot(context.WithoutCancel(ctx), result.RequestID)
	}()
	return fn(ctx)
}
