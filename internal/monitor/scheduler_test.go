package monitor

import (
	"sync"
	"testing"
	"time"
)

type memStore struct {
	mu        sync.Mutex
	schedules map[string]Schedule
}

func newMemStore() *memStore {
	return &memStore{schedules: map[string]Schedule{}}
}

func (s *memStore) PutSchedule(sched Schedule) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.schedules[sched.CaseID] = sched
	return nil
}

func (s *memStore) GetSchedule(caseID string) (Schedule, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sched, ok := s.schedules[caseID]
	return sched, ok, nil
}

func (s *memStore) ListActiveSchedules() ([]Schedule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Schedule
	for _, sched := range s.schedules {
		if sched.Status == ScheduleActive {
			out = append(out, sched)
		}
	}
	return out, nil
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestScheduler(t *testing.T) (*Scheduler, *memStore, *fakeClock) {
	t.Helper()
	st := newMemStore()
	clock := &fakeClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
	return NewScheduler(st, 2).WithClock(clock.Now), st, clock
}

func TestScheduleRejectsInvalidWindow(t *testing.T) {
	s, _, _ := newTestScheduler(t)
	if _, err := s.Schedule("c1", time.Hour, 30*time.Minute); err == nil {
		t.Fatalf("window shorter than cadence must be rejected")
	}
	if _, err := s.Schedule("c1", 0, time.Hour); err == nil {
		t.Fatalf("zero cadence must be rejected")
	}
}

func TestTickIsIdempotentWithinInterval(t *testing.T) {
	s, _, _ := newTestScheduler(t)
	if _, err := s.Schedule("c1", time.Hour, 10*time.Hour); err != nil {
		t.Fatalf("schedule: %v", err)
	}

	events, err := s.Tick()
	if err != nil {
		t.Fatalf("tick: %v", err)
	}
	if len(events) != 1 || events[0].Kind != EventCheckInDue {
		t.Fatalf("first tick events = %+v, want one checkin_due", events)
	}

	// Same interval again: nothing new.
	events, err = s.Tick()
	if err != nil {
		t.Fatalf("tick: %v", err)
	}
	if len(events) != 0 {
		t.Fatalf("repeated tick events = %+v, want none", events)
	}
}

func TestTickBreachAfterGraceMissed(t *testing.T) {
	s, _, clock := newTestScheduler(t)
	if _, err := s.Schedule("c1", time.Hour, 10*time.Hour); err != nil {
		t.Fatalf("schedule: %v", err)
	}

	// Check in during the first interval, then go silent.
	if _, err := s.RecordCheckIn("c1", Response{Acknowledged: true}); err != nil {
		t.Fatalf("check-in: %v", err)
	}

	// Interval 4: intervals 2 and 3 missed, within grace.
	clock.Advance(3*time.Hour + time.Minute)
	events, err := s.Tick()
	if err != nil {
		t.Fatalf("tick: %v", err)
	}
	for _, ev := range events {
		if ev.Kind == EventBreach {
			t.Fatalf("breach before grace exhausted: %+v", ev)
		}
	}

	// Interval 5: three missed intervals, past grace of two.
	clock.Advance(time.Hour)
	events, err = s.Tick()
	if err != nil {
		t.Fatalf("tick: %v", err)
	}
	if len(events) != 1 || events[0].Kind != EventBreach {
		t.Fatalf("events = %+v, want one breach", events)
	}
	if events[0].MissedCount != 3 {
		t.Fatalf("missed = %d, want 3", events[0].MissedCount)
	}
}

func TestTickCatchesUpAfterSkippedSweeps(t *testing.T) {
	// No tick runs for several intervals; the next sweep still lands on the
	// same breach a per-interval cron would have found.
	s, _, clock := newTestScheduler(t)
	if _, err := s.Schedule("c1", time.Hour, 10*time.Hour); err != nil {
		t.Fatalf("schedule: %v", err)
	}

	clock.Advance(5 * time.Hour)
	events, err := s.Tick()
	if err != nil {
		t.Fatalf("tick: %v", err)
	}
	if len(events) != 1 || events[0].Kind != EventBreach {
		t.Fatalf("events = %+v, want one breach", events)
	}
}

func TestTickReportsBreachOncePerInterval(t *testing.T) {
	// A breach that nothing acts on is re-reported at the cadence, not on
	// every sweep: a tight tick loop must not spin on the same interval.
	s, _, clock := newTestScheduler(t)
	if _, err := s.Schedule("c1", time.Hour, 10*time.Hour); err != nil {
		t.Fatalf("schedule: %v", err)
	}

	clock.Advance(5 * time.Hour)
	events, err := s.Tick()
	if err != nil {
		t.Fatalf("tick: %v", err)
	}
	if len(events) != 1 || events[0].Kind != EventBreach {
		t.Fatalf("events = %+v, want one breach", events)
	}

	events, err = s.Tick()
	if err != nil {
		t.Fatalf("tick: %v", err)
	}
	if len(events) != 0 {
		t.Fatalf("same-interval re-sweep produced %+v, want none", events)
	}

	clock.Advance(time.Hour)
	events, err = s.Tick()
	if err != nil {
		t.Fatalf("tick: %v", err)
	}
	if len(events) != 1 || events[0].Kind != EventBreach {
		t.Fatalf("next interval events = %+v, want one breach", events)
	}
}

func TestWorseningCheckInTriggersBreach(t *testing.T) {
	s, _, _ := newTestScheduler(t)
	if _, err := s.Schedule("c1", time.Hour, 10*time.Hour); err != nil {
		t.Fatalf("schedule: %v", err)
	}

	outcome, err := s.RecordCheckIn("c1", Response{Acknowledged: true, Worsening: true, Note: "it is worse"})
	if err != nil {
		t.Fatalf("check-in: %v", err)
	}
	if outcome != CheckInWorsening {
		t.Fatalf("outcome = %s, want worsening", outcome)
	}

	events, err := s.Tick()
	if err != nil {
		t.Fatalf("tick: %v", err)
	}
	if len(events) != 1 || events[0].Kind != EventBreach {
		t.Fatalf("events = %+v, want breach on worsening", events)
	}
}

func TestLateCheckInStillCountsAsContact(t *testing.T) {
	s, _, clock := newTestScheduler(t)
	if _, err := s.Schedule("c1", time.Hour, 10*time.Hour); err != nil {
		t.Fatalf("schedule: %v", err)
	}

	clock.Advance(2*time.Hour + time.Minute) // interval 3, intervals 1-2 silent
	outcome, err := s.RecordCheckIn("c1", Response{Acknowledged: true})
	if err != nil {
		t.Fatalf("check-in: %v", err)
	}
	if outcome != CheckInLate {
		t.Fatalf("outcome = %s, want late", outcome)
	}
}

func TestTickWindowElapsed(t *testing.T) {
	s, _, clock := newTestScheduler(t)
	if _, err := s.Schedule("c1", time.Hour, 3*time.Hour); err != nil {
		t.Fatalf("schedule: %v", err)
	}

	// Check in every interval so the window closes cleanly.
	for i := 0; i < 3; i++ {
		if _, err := s.RecordCheckIn("c1", Response{Acknowledged: true}); err != nil {
			t.Fatalf("check-in: %v", err)
		}
		clock.Advance(time.Hour)
	}

	events, err := s.Tick()
	if err != nil {
		t.Fatalf("tick: %v", err)
	}
	if len(events) != 1 || events[0].Kind != EventWindowElapsed {
		t.Fatalf("events = %+v, want window_elapsed", events)
	}
}

func TestCheckInWithoutScheduleFails(t *testing.T) {
	s, _, _ := newTestScheduler(t)
	if _, err := s.RecordCheckIn("missing", Response{}); err != ErrNoSchedule {
		t.Fatalf("err = %v, want ErrNoSchedule", err)
	}
}

func TestEscalatedScheduleLeavesSweep(t *testing.T) {
	s, st, clock := newTestScheduler(t)
	if _, err := s.Schedule("c1", time.Hour, 10*time.Hour); err != nil {
		t.Fatalf("schedule: %v", err)
	}
	if err := s.Escalate("c1"); err != nil {
		t.Fatalf("escalate: %v", err)
	}

	clock.Advance(6 * time.Hour)
	events, err := s.Tick()
	if err != nil {
		t.Fatalf("tick: %v", err)
	}
	if len(events) != 0 {
		t.Fatalf("escalated schedule still produced events: %+v", events)
	}

	sched, ok, _ := st.GetSchedule("c1")
	if !ok || sched.Status != ScheduleEscalated {
		t.Fatalf("schedule = %+v", sched)
	}
}
