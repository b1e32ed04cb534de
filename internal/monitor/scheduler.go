package monitor

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/kindline-ai/kindline/internal/redact"
)

// ErrNoSchedule is returned for check-ins against a case without an active
// schedule.
var ErrNoSchedule = errors.New("no active monitoring schedule for case")

// Scheduler creates schedules, records check-ins, and sweeps for due cases.
// It holds no in-memory state beyond its dependencies; everything durable
// lives in the store, so a restarted scheduler catches up on its next tick.
type Scheduler struct {
	store       Store
	graceMissed int
	clock       func() time.Time
}

// NewScheduler builds a scheduler. graceMissed is how many missed check-ins
// are tolerated before a breach event fires.
func NewScheduler(store Store, graceMissed int) *Scheduler {
	if graceMissed <= 0 {
		graceMissed = 2
	}
	return &Scheduler{
		store:       store,
		graceMissed: graceMissed,
		clock:       time.Now,
	}
}

// WithClock overrides the clock for deterministic testing.
func (s *Scheduler) WithClock(clock func() time.Time) *Scheduler {
	s.clock = clock
	return s
}

// Schedule opens a monitoring window for a case. An existing active
// schedule is replaced: re-entering crisis restarts the clock.
func (s *Scheduler) Schedule(caseID string, cadence, duration time.Duration) (Schedule, error) {
	if cadence <= 0 || duration < cadence {
		return Schedule{}, fmt.Errorf("invalid schedule: cadence=%v duration=%v", cadence, duration)
	}
	now := s.clock().UTC()
	sched := Schedule{
		CaseID:    caseID,
		Cadence:   cadence,
		StartedAt: now,
		WindowEnd: now.Add(duration),
		Status:    ScheduleActive,
	}
	if err := s.store.PutSchedule(sched); err != nil {
		return Schedule{}, fmt.Errorf("persist schedule: %w", err)
	}
	return sched, nil
}

// RecordCheckIn stores the subject's response against the current cadence
// interval. A worsening response comes back as CheckInWorsening so the
// caller can hand it to the state machine; a response landing after its
// interval is CheckInLate but still counts as contact.
func (s *Scheduler) RecordCheckIn(caseID string, resp Response) (CheckInOutcome, error) {
	sched, ok, err := s.store.GetSchedule(caseID)
	if err != nil {
		return "", fmt.Errorf("load schedule: %w", err)
	}
	if !ok || sched.Status != ScheduleActive {
		return "", ErrNoSchedule
	}

	now := s.clock().UTC()
	interval := intervalAt(sched, now)

	outcome := CheckInOK
	switch {
	case resp.Worsening:
		outcome = CheckInWorsening
	case lastContactInterval(sched) < interval-1:
		outcome = CheckInLate
	}

	sched.Checks = append(sched.Checks, CheckInRecord{
		ID:       uuid.New().String(),
		At:       now,
		Interval: interval,
		Outcome:  outcome,
		Note:     redact.String(resp.Note),
	})
	if err := s.store.PutSchedule(sched); err != nil {
		return "", fmt.Errorf("persist check-in: %w", err)
	}
	return outcome, nil
}

// Complete marks the schedule finished after a clean window.
func (s *Scheduler) Complete(caseID string) error {
	return s.setStatus(caseID, ScheduleCompleted)
}

// Escalate marks the schedule as ended by re-escalation.
func (s *Scheduler) Escalate(caseID string) error {
	return s.setStatus(caseID, ScheduleEscalated)
}

// Cancel ends the schedule through an explicit, audited stand-down.
func (s *Scheduler) Cancel(caseID string) error {
	return s.setStatus(caseID, ScheduleCancelled)
}

// Get returns the case's schedule.
func (s *Scheduler) Get(caseID string) (Schedule, bool, error) {
	return s.store.GetSchedule(caseID)
}

// Tick sweeps every active schedule and reports cases due for escalation
// or resolution. Ticks are idempotent: a cadence interval is examined once,
// and a schedule already swept this interval produces nothing new. Missed
// ticks need no special handling: the sweep counts every interval since
// the last contact, so skipped cron runs still land on the same breach.
func (s *Scheduler) Tick() ([]Event, error) {
	schedules, err := s.store.ListActiveSchedules()
	if err != nil {
		return nil, fmt.Errorf("list schedules: %w", err)
	}

	now := s.clock().UTC()
	var events []Event

	for _, sched := range schedules {
		interval := intervalAt(sched, now)
		if interval <= sched.SweptInterval {
			continue
		}

		missed := interval - 1 - lastContactInterval(sched)
		if missed < 0 {
			missed = 0
		}

		ev := Event{CaseID: sched.CaseID, Kind: EventCheckInDue}
		switch {
		case worsened(sched):
			ev.Kind = EventBreach
		case missed > s.graceMissed:
			ev.Kind = EventBreach
			ev.MissedCount = missed
		case !now.Before(sched.WindowEnd):
			ev.Kind = EventWindowElapsed
		}

		// The sweep mark persists before the event is reported: a re-run of
		// the same interval stays silent, and a handler that leaves the
		// schedule active is retried next interval, not next sweep.
		sched.SweptInterval = interval
		if err := s.store.PutSchedule(sched); err != nil {
			return events, fmt.Errorf("persist sweep mark: %w", err)
		}
		events = append(events, ev)
	}

	return events, nil
}

// intervalAt is the 1-based cadence interval containing t.
func intervalAt(sched Schedule, t time.Time) int {
	if t.Before(sched.StartedAt) {
		return 0
	}
	return int(t.Sub(sched.StartedAt)/sched.Cadence) + 1
}

// lastContactInterval is the latest interval with any recorded check-in,
// or 0 when there has been no contact.
func lastContactInterval(sched Schedule) int {
	last := 0
	for _, c := range sched.Checks {
		if c.Interval > last {
			last = c.Interval
		}
	}
	return last
}

func worsened(sched Schedule) bool {
	for _, c := range sched.Checks {
		if c.Outcome == CheckInWorsening {
			return true
		}
	}
	return false
}

func (s *Scheduler) setStatus(caseID string, status ScheduleStatus) error {
	sched, ok, err := s.store.GetSchedule(caseID)
	if err != nil {
		return fmt.Errorf("load schedule: %w", err)
	}
	if !ok {
		return ErrNoSchedule
	}
	sched.Status = status
	if err := s.store.PutSchedule(sched); err != nil {
		return fmt.Errorf("persist schedule status: %w", err)
	}
	return nil
}
