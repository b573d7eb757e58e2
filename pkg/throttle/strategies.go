package throttle

import (
	"sync"
)

// Action is a throttling decision
type Action string

const (
	ActionAllow  Action = "allow"
	ActionQueue  Action = "queue"
	ActionReject Action = "reject"
)

// Decision is the outcome of a strategy evaluation
type Decision struct {
	Action     Action
	Reason     string
	RetryAfter int // Seconds, meaningful on reject
}

// Strategy decides what to do with an incoming request given current load
type Strategy interface {
	// Decide evaluates the request against current metrics. waitingHigh
	// reports whether a critical or high priority request is queued.
	Decide(priority Priority, m Metrics, limits Limits, waitingHigh bool) Decision

	// Name identifies the strategy
	Name() string
}

// Limits carries the throttler's configured capacities into strategies
type Limits struct {
	MaxConcurrent int
	MaxQueueSize  int
}

// SimpleStrategy allows until the concurrency limit, then rejects
type SimpleStrategy struct{}

func (SimpleStrategy) Name() string { return "simple" }

func (SimpleStrategy) Decide(priority Priority, m Metrics, limits Limits, waitingHigh bool) Decision {
	if m.Active < limits.MaxConcurrent {
		return Decision{Action: ActionAllow}
	}
	return Decision{Action: ActionReject, Reason: "concurrency limit reached", RetryAfter: 5}
}

// QueuedStrategy allows until the limit, queues until the queue cap,
// then rejects
type QueuedStrategy struct{}

func (QueuedStrategy) Name() string { return "queued" }

func (QueuedStrategy) Decide(priority Priority, m Metrics, limits Limits, waitingHigh bool) Decision {
	if m.Active < limits.MaxConcurrent {
		return Decision{Action: ActionAllow}
	}
	if m.Queued < limits.MaxQueueSize {
		return Decision{Action: ActionQueue}
	}
	return Decision{Action: ActionReject, Reason: "queue full", RetryAfter: 10}
}

// PriorityStrategy behaves like QueuedStrategy but bypass-rejects low
// and background work while critical or high priority requests wait
type PriorityStrategy struct{}

func (PriorityStrategy) Name() string { return "priority" }

func (PriorityStrategy) Decide(priority Priority, m Metrics, limits Limits, waitingHigh bool) Decision {
	if m.Active < limits.MaxConcurrent {
		return Decision{Action: ActionAllow}
	}
	if waitingHigh && (priority == PriorityLow || priority == PriorityBackground) {
		return Decision{Action: ActionReject, Reason: "higher priority requests waiting", RetryAfter: 15}
	}
	if m.Queued < limits.MaxQueueSize {
		return Decision{Action: ActionQueue}
	}
	return Decision{Action: ActionReject, Reason: "queue full", RetryAfter: 10}
}

// Shed levels for the adaptive strategy
const (
	shedNone = iota
	shedLowAndBackground
	shedNormal
)

const (
	highWatermark     = 0.90
	recoveryWatermark = 0.70
	sustainedSamples  = 3
)

// AdaptiveStrategy sheds load progressively under sustained pressure.
// Background and low priority work is shed after the utilization stays
// at the high watermark for sustainedSamples observations; normal work
// is shed after twice that. Recovery requires utilization below the
// lower watermark, so the strategy does not oscillate at the boundary.
type AdaptiveStrategy struct {
	mu        sync.Mutex
	highRun   int // Consecutive samples at or above the high watermark
	shedLevel int
}

func NewAdaptiveStrategy() *AdaptiveStrategy {
	return &AdaptiveStrategy{}
}

func (*AdaptiveStrategy) Name() string { return "adaptive" }

// ObserveUtilization records one load sample and updates the shed level
func (a *AdaptiveStrategy) ObserveUtilization(utilization float64) {
	a.mu.Lock()
	defer a.mu.Unlock()

	switch {
	case utilization >= highWatermark:
		a.highRun++
		if a.highRun >= 2*sustainedSamples {
			a.shedLevel = shedNormal
		} else if a.highRun >= sustainedSamples {
			if a.shedLevel < shedLowAndBackground {
				a.shedLevel = shedLowAndBackground
			}
		}
	case utilization < recoveryWatermark:
		a.highRun = 0
		a.shedLevel = shedNone
	default:
		// Between watermarks: hold the current level (hysteresis)
		a.highRun = 0
	}
}

func (a *AdaptiveStrategy) currentShedLevel() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.shedLevel
}

func (a *AdaptiveStrategy) Decide(priority Priority, m Metrics, limits Limits, waitingHigh bool) Decision {
	shed := a.currentShedLevel()

	if shed >= shedLowAndBackground && (priority == PriorityLow || priority == PriorityBackground) {
		return Decision{Action: ActionReject, Reason: "shedding low priority load", RetryAfter: 30}
	}
	if shed >= shedNormal && priority == PriorityNormal {
		return Decision{Action: ActionReject, Reason: "shedding normal priority load", RetryAfter: 30}
	}

	if m.Active < limits.MaxConcurrent {
		return Decision{Action: ActionAllow}
	}
	if m.Queued < limits.MaxQueueSize {
		return Decision{Action: ActionQueue}
	}
	return Decision{Action: ActionReject, Reason: "queue full", RetryAfter: 10}
}

// NewStrategy creates a strategy by name, defaulting to adaptive
func NewStrategy(name string) Strategy {
	switch name {
	case "simple":
		return SimpleStrategy{}
	case "queued":
		return QueuedStrategy{}
	case "priority":
		return PriorityStrategy{}
	default:
		return NewAdaptiveStrategy()
	}
}
