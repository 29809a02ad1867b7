// Package hibernation turns workspace auto-hibernation schedules into
// concrete transitions. Schedules are standard five-field cron expressions
// with an optional leading seconds field.
package hibernation

import (
	"errors"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	operatorv1 "github.com/forkspacer/forkspacer/api/v1"
)

var ErrInvalidSchedule = errors.New("invalid hibernation schedule")

// Action is the transition implied by the schedules.
type Action int

const (
	ActionNone Action = iota
	ActionHibernate
	ActionWake
)

func (a Action) String() string {
	switch a {
	case ActionHibernate:
		return "hibernate"
	case ActionWake:
		return "wake"
	default:
		return "none"
	}
}

// fireScanLimit bounds the catch-up scan so a per-second schedule over a
// long offline window cannot spin the reconciler.
const fireScanLimit = 10000

type Scheduler struct {
	parser cron.Parser
}

func NewScheduler() *Scheduler {
	return &Scheduler{
		parser: cron.NewParser(
			cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
		),
	}
}

// Validate rejects schedule expressions the parser cannot handle.
func (s *Scheduler) Validate(schedule string) error {
	if _, err := s.parser.Parse(schedule); err != nil {
		return fmt.Errorf("%w: %q: %v", ErrInvalidSchedule, schedule, err)
	}
	return nil
}

// Decide reports the most recent scheduled transition in (since, now]. When
// both the hibernate and wake schedules fired in the window only the later
// one counts: a controller that was down across several cycles catches up
// with at most one transition. The returned time is the firing instant, for
// comparison against manual overrides.
func (s *Scheduler) Decide(auto *operatorv1.WorkspaceAutoHibernation, since, now time.Time) (Action, time.Time, error) {
	if auto == nil || !auto.Enabled {
		return ActionNone, time.Time{}, nil
	}

	hibernateAt, err := s.lastFire(auto.Schedule, since, now)
	if err != nil {
		return ActionNone, time.Time{}, err
	}

	var wakeAt time.Time
	if auto.WakeSchedule != nil {
		wakeAt, err = s.lastFire(*auto.WakeSchedule, since, now)
		if err != nil {
			return ActionNone, time.Time{}, err
		}
	}

	switch {
	case hibernateAt.IsZero() && wakeAt.IsZero():
		return ActionNone, time.Time{}, nil
	case wakeAt.After(hibernateAt):
		return ActionWake, wakeAt, nil
	default:
		return ActionHibernate, hibernateAt, nil
	}
}

// lastFire returns the latest firing of the schedule in (since, now], or the
// zero time when it never fired in the window.
func (s *Scheduler) lastFire(schedule string, since, now time.Time) (time.Time, error) {
	sched, err := s.parser.Parse(schedule)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: %q: %v", ErrInvalidSchedule, schedule, err)
	}

	var last time.Time
	cursor := since
	for i := 0; i < fireScanLimit; i++ {
		next := sched.Next(cursor)
		if next.IsZero() || next.After(now) {
			break
		}
		last = next
		cursor = next
	}
	return last, nil
}
