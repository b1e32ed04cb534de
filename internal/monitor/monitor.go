package monitor

import (
	"time"
)

// ScheduleStatus is the lifecycle state of a monitoring schedule.
type ScheduleStatus string

const (
	ScheduleActive    ScheduleStatus = "active"
	ScheduleCompleted ScheduleStatus = "completed"
	ScheduleEscalated ScheduleStatus = "escalated"
	ScheduleCancelled ScheduleStatus = "cancelled"
)

// CheckInOutcome classifies a recorded check-in.
type CheckInOutcome string

const (
	CheckInOK        CheckInOutcome = "ok"
	CheckInWorsening CheckInOutcome = "worsening"
	CheckInLate      CheckInOutcome = "late"
)

// Response is the subject's answer to a check-in prompt, already mapped
// from whatever the transport collected.
type Response struct {
	Acknowledged bool   `json:"acknowledged"`
	Worsening    bool   `json:"worsening"`
	Note         string `json:"note,omitempty"`
}

// CheckInRecord is one recorded check-in.
type CheckInRecord struct {
	ID       string         `json:"id"`
	At       time.Time      `json:"at"`
	Interval int            `json:"interval"` // cadence interval index the check-in landed in
	Outcome  CheckInOutcome `json:"outcome"`
	Note     string         `json:"note,omitempty"`
}

// Schedule tracks time-bounded follow-up for one case.
type Schedule struct {
	CaseID    string          `json:"case_id"`
	Cadence   time.Duration   `json:"cadence"`
	StartedAt time.Time       `json:"started_at"`
	WindowEnd time.Time       `json:"window_end"`
	Checks    []CheckInRecord `json:"checks"`
	Status    ScheduleStatus  `json:"status"`
	// SweptInterval is the last cadence interval a tick has examined; it
	// makes tick sweeps idempotent within one interval.
	SweptInterval int `json:"swept_interval"`
}

// Store is the persistence boundary for schedules.
type Store interface {
	PutSchedule(s Schedule) error
	GetSchedule(caseID string) (Schedule, bool, error)
	ListActiveSchedules() ([]Schedule, error)
}

// EventKind classifies what a tick found for a case.
type EventKind string

const (
	EventBreach        EventKind = "breach"         // missed check-ins beyond grace, or worsening
	EventWindowElapsed EventKind = "window_elapsed" // window over with no re-escalation
	EventCheckInDue    EventKind = "checkin_due"    // new cadence interval started, prompt the subject
)

// Event is a tick's finding. Ticks only report; the escalation state
// machine executes the resulting transition.
type Event struct {
	CaseID      string
	Kind        EventKind
	MissedCount int
}
