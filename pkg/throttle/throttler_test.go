package throttle

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/medforge/rosterd/pkg/kv"
	"github.com/medforge/rosterd/pkg/log"
)

func init() {
	log.Init(log.Config{Level: log.ErrorLevel, JSONOutput: true})
}

func newThrottler(t *testing.T, opts Options) *Throttler {
	t.Helper()
	if opts.PollInterval == 0 {
		opts.PollInterval = 5 * time.Millisecond
	}
	if opts.QueueTimeout == 0 {
		opts.QueueTimeout = time.Second
	}
	return NewThrottler(kv.NewMemory(), opts)
}

func TestSimpleStrategy_RejectsAtLimit(t *testing.T) {
	ctx := context.Background()
	th := newThrottler(t, Options{MaxConcurrent: 2, MaxQueueSize: 0, Strategy: SimpleStrategy{}})

	first, err := th.Admit(ctx, PriorityNormal)
	require.NoError(t, err)
	assert.Equal(t, ActionAllow, first.Action)

	second, err := th.Admit(ctx, PriorityNormal)
	require.NoError(t, err)
	assert.Equal(t, ActionAllow, second.Action)

	third, err := th.Admit(ctx, PriorityNormal)
	require.NoError(t, err)
	assert.Equal(t, ActionReject, third.Action)
	assert.Positive(t, third.RetryAfter)
}

func TestQueuedStrategy_WaiterAcquiresOnRelease(t *testing.T) {
	ctx := context.Background()
	th := newThrottler(t, Options{MaxConcurrent: 1, MaxQueueSize: 5, Strategy: QueuedStrategy{}})

	holder, err := th.Admit(ctx, PriorityNormal)
	require.NoError(t, err)
	require.Equal(t, ActionAllow, holder.Action)

	done := make(chan *Result, 1)
	go func() {
		result, err := th.Admit(ctx, PriorityNormal)
		if err == nil {
			done <- result
		}
	}()

	// Give the waiter time to enqueue, then free the slot
	require.Eventually(t, func() bool {
		m, err := th.storage.GetMetrics(ctx, 1, 5)
		return err == nil && m.Queued == 1
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, th.Release(ctx, holder.RequestID))

	select {
	case result := <-done:
		assert.Equal(t, ActionAllow, result.Action)
		assert.Positive(t, result.WaitTime)
	case <-time.After(2 * time.Second):
		t.Fatal("queued request never acquired the released slot")
	}
}

func TestQueueTimeout_RejectsWithRetryAfter(t *testing.T) {
	ctx := context.Background()
	th := newThrottler(t, Options{
		MaxConcurrent: 1,
		MaxQueueSize:  5,
		QueueTimeout:  50 * time.Millisecond,
		Strategy:      QueuedStrategy{},
	})

	holder, err := th.Admit(ctx, PriorityNormal)
	require.NoError(t, err)
	require.Equal(t, ActionAllow, holder.Action)

	result, err := th.Admit(ctx, PriorityNormal)
	require.NoError(t, err)
	assert.Equal(t, ActionReject, result.Action)
	assert.Contains(t, result.Reason, "timed out")

	// The timed-out waiter must not linger in the queue
	m, err := th.storage.GetMetrics(ctx, 1, 5)
	require.NoError(t, err)
	assert.Zero(t, m.Queued)
}

func TestQueueAtCapacity_LowestPriorityRejected(t *testing.T) {
	ctx := context.Background()
	th := newThrottler(t, Options{MaxConcurrent: 1, MaxQueueSize: 1, Strategy: QueuedStrategy{}})

	holder, err := th.Admit(ctx, PriorityNormal)
	require.NoError(t, err)
	require.Equal(t, ActionAllow, holder.Action)

	go func() {
		_, _ = th.Admit(ctx, PriorityNormal)
	}()
	require.Eventually(t, func() bool {
		m, err := th.storage.GetMetrics(ctx, 1, 1)
		return err == nil && m.Queued == 1
	}, time.Second, 5*time.Millisecond)

	result, err := th.Admit(ctx, PriorityBackground)
	require.NoError(t, err)
	assert.Equal(t, ActionReject, result.Action)
}

func TestPriorityStrategy_BypassRejectsLowWhileHighWaits(t *testing.T) {
	m := Metrics{Active: 10, Queued: 1}
	limits := Limits{MaxConcurrent: 10, MaxQueueSize: 50}

	strategy := PriorityStrategy{}

	low := strategy.Decide(PriorityLow, m, limits, true)
	assert.Equal(t, ActionReject, low.Action)

	normal := strategy.Decide(PriorityNormal, m, limits, true)
	assert.Equal(t, ActionQueue, normal.Action)

	// Without high priority waiters, low may queue
	low = strategy.Decide(PriorityLow, m, limits, false)
	assert.Equal(t, ActionQueue, low.Action)
}

func TestAdaptiveShedding_ScenarioPrioritySheddingAndWakeOrder(t *testing.T) {
	ctx := context.Background()
	adaptive := NewAdaptiveStrategy()
	th := newThrottler(t, Options{
		MaxConcurrent: 10,
		MaxQueueSize:  20,
		QueueTimeout:  2 * time.Second,
		Strategy:      adaptive,
	})

	// Fill all 10 slots with normal work
	var holders []*Result
	for i := 0; i < 10; i++ {
		result, err := th.Admit(ctx, PriorityNormal)
		require.NoError(t, err)
		require.Equal(t, ActionAllow, result.Action)
		holders = append(holders, result)
	}

	// Five background requests queue up
	backgroundDone := make(chan *Result, 5)
	for i := 0; i < 5; i++ {
		go func() {
			result, err := th.Admit(ctx, PriorityBackground)
			if err == nil {
				backgroundDone <- result
			}
		}()
	}
	require.Eventually(t, func() bool {
		m, err := th.storage.GetMetrics(ctx, 10, 20)
		return err == nil && m.Queued == 5
	}, time.Second, 5*time.Millisecond)

	// Sustained full utilization for three samples engages shedding
	for i := 0; i < 3; i++ {
		adaptive.ObserveUtilization(1.0)
	}

	// The next background request is rejected outright, queue capacity or not
	result, err := th.Admit(ctx, PriorityBackground)
	require.NoError(t, err)
	assert.Equal(t, ActionReject, result.Action)

	// A critical request queues at the head
	criticalDone := make(chan *Result, 1)
	go func() {
		result, err := th.Admit(ctx, PriorityCritical)
		if err == nil {
			criticalDone <- result
		}
	}()
	require.Eventually(t, func() bool {
		m, err := th.storage.GetMetrics(ctx, 10, 20)
		return err == nil && m.Queued == 6
	}, time.Second, 5*time.Millisecond)

	// On release, the critical waiter dequeues before any background
	require.NoError(t, th.Release(ctx, holders[0].RequestID))

	select {
	case result := <-criticalDone:
		assert.Equal(t, ActionAllow, result.Action)
	case <-backgroundDone:
		t.Fatal("background request dequeued ahead of critical")
	case <-time.After(2 * time.Second):
		t.Fatal("critical request never acquired the released slot")
	}
}

func TestAdaptiveRecovery_Hysteresis(t *testing.T) {
	adaptive := NewAdaptiveStrategy()
	limits := Limits{MaxConcurrent: 10, MaxQueueSize: 10}

	for i := 0; i < 3; i++ {
		adaptive.ObserveUtilization(0.95)
	}
	decision := adaptive.Decide(PriorityBackground, Metrics{Active: 5}, limits, false)
	assert.Equal(t, ActionReject, decision.Action)

	// Dropping below the high watermark but above recovery keeps shedding
	adaptive.ObserveUtilization(0.80)
	decision = adaptive.Decide(PriorityBackground, Metrics{Active: 5}, limits, false)
	assert.Equal(t, ActionReject, decision.Action)

	// Below the recovery watermark, shedding disengages
	adaptive.ObserveUtilization(0.50)
	decision = adaptive.Decide(PriorityBackground, Metrics{Active: 5}, limits, false)
	assert.Equal(t, ActionAllow, decision.Action)
}

func TestRelease_Idempotent(t *testing.T) {
	ctx := context.Background()
	th := newThrottler(t, Options{MaxConcurrent: 1, MaxQueueSize: 0, Strategy: SimpleStrategy{}})

	result, err := th.Admit(ctx, PriorityNormal)
	require.NoError(t, err)
	require.Equal(t, ActionAllow, result.Action)

	require.NoError(t, th.Release(ctx, result.RequestID))
	require.NoError(t, th.Release(ctx, result.RequestID))

	m, err := th.storage.GetMetrics(ctx, 1, 0)
	require.NoError(t, err)
	assert.Zero(t, m.Active)
}

func TestExecute_ReleasesSlotOnError(t *testing.T) {
	ctx := context.Background()
	th := newThrottler(t, Options{MaxConcurrent: 1, MaxQueueSize: 0, Strategy: SimpleStrategy{}})

	err := th.Execute(ctx, PriorityNormal, func(ctx context.Context) error {
		return assert.AnError
	})
	assert.ErrorIs(t, err, assert.AnError)

	m, err := th.storage.GetMetrics(ctx, 1, 0)
	require.NoError(t, err)
	assert.Zero(t, m.Active, "slot must be released after a failed call")
}
