package jobs

import (
	"errors"
	"fmt"
	"time"

	"github.com/hashicorp/cronexpr"

	"github.com/medforge/rosterd/pkg/types"
)

// ErrBadTrigger is returned for malformed trigger specifications
var ErrBadTrigger = errors.New("jobs: invalid trigger specification")

// Trigger computes a job's fire times
type Trigger interface {
	// Next returns the first fire time strictly after the given
	// instant. ok is false when the trigger will never fire again.
	Next(after time.Time) (next time.Time, ok bool)

	// Kind identifies the trigger variant
	Kind() types.TriggerKind
}

// NewTrigger builds a trigger from its serialized spec
func NewTrigger(spec types.TriggerSpec) (Trigger, error) {
	switch spec.Kind {
	case types.TriggerCron:
		expr, err := cronexpr.Parse(spec.Cron)
		if err != nil {
			return nil, fmt.Errorf("%w: cron %q: %v", ErrBadTrigger, spec.Cron, err)
		}
		location := time.UTC
		if spec.Timezone != "" {
			location, err = time.LoadLocation(spec.Timezone)
			if err != nil {
				return nil, fmt.Errorf("%w: timezone %q: %v", ErrBadTrigger, spec.Timezone, err)
			}
		}
		return &cronTrigger{expr: expr, location: location}, nil

	case types.TriggerInterval:
		if spec.Seconds <= 0 {
			return nil, fmt.Errorf("%w: interval requires positive seconds", ErrBadTrigger)
		}
		return &intervalTrigger{
			period:  time.Duration(spec.Seconds) * time.Second,
			startAt: spec.StartAt,
		}, nil

	case types.TriggerDate:
		if spec.RunAt == nil {
			return nil, fmt.Errorf("%w: date trigger requires run_at", ErrBadTrigger)
		}
		return &dateTrigger{runAt: *spec.RunAt}, nil

	default:
		return nil, fmt.Errorf("%w: unknown kind %q", ErrBadTrigger, spec.Kind)
	}
}

// cronTrigger fires on a 5-field cron expression in a timezone
type cronTrigger struct {
	expr     *cronexpr.Expression
	location *time.Location
}

func (t *cronTrigger) Next(after time.Time) (time.Time, bool) {
	next := t.expr.Next(after.In(t.location))
	if next.IsZero() {
		return time.Time{}, false
	}
	return next, true
}

func (t *cronTrigger) Kind() types.TriggerKind { return types.TriggerCron }

// intervalTrigger fires every period, optionally anchored at a start
type intervalTrigger struct {
	period  time.Duration
	startAt *time.Time
}

func (t *intervalTrigger) Next(after time.Time) (time.Time, bool) {
	if t.startAt != nil {
		if after.Before(*t.startAt) {
			return *t.startAt, true
		}
		// Next multiple of the period after the anchor
		elapsed := after.Sub(*t.startAt)
		periods := elapsed/t.period + 1
		return t.startAt.Add(periods * t.period), true
	}
	return after.Add(t.period), true
}

func (t *intervalTrigger) Kind() types.TriggerKind { return types.TriggerInterval }

// dateTrigger fires exactly once
type dateTrigger struct {
	runAt time.Time
}

func (t *dateTrigger) Next(after time.Time) (time.Time, bool) {
	if after.Before(t.runAt) {
		return t.runAt, true
	}
	return time.Time{}, false
}

func (t *dateTrigger) Kind() types.TriggerKind { return types.TriggerDate }
