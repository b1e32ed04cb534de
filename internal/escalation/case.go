package escalation

import (
	"errors"
	"fmt"
	"time"

	"github.com/kindline-ai/kindline/internal/circuit"
)

// State is a case's protocol state. NORMAL is the initial state; RESOLVED
// and CLOSED are terminal.
type State string

const (
	StateNormal     State = "NORMAL"
	StateReview     State = "REVIEW"
	StateReviseLoop State = "REVISE_LOOP"
	StateCrisis     State = "CRISIS"
	StateMonitored  State = "MONITORED"
	StateResolved   State = "RESOLVED"
	StateClosed     State = "CLOSED"
)

// VerdictRecord is the per-case history entry for one evaluation.
type VerdictRecord struct {
	OverallStatus circuit.Status `json:"overall_status"`
	EvaluatedAt   time.Time      `json:"evaluated_at"`
	AuditEntryID  string         `json:"audit_entry_id"`
}

// Case is the durable per-subject record. Owned exclusively by the state
// machine: mutated only through transitions, never deleted. A closed case
// keeps its decision history even after content redaction.
type Case struct {
	ID             string          `json:"id"`
	SubjectRef     string          `json:"subject_ref"`
	SubjectType    string          `json:"subject_type"`
	State          State           `json:"state"`
	Verdicts       []VerdictRecord `json:"verdicts"`
	ReviseAttempts int             `json:"revise_attempts"`
	ManualReview   bool            `json:"manual_review"`
	OpenedAt       time.Time       `json:"opened_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// Store is the persistence boundary for cases.
type Store interface {
	PutCase(c Case) error
	GetCase(id string) (Case, bool, error)
	GetCaseBySubject(subjectRef string) (Case, bool, error)
	ListCases() ([]Case, error)
}

// DirectiveKind is what the caller is told to do with the content.
type DirectiveKind string

const (
	DirectiveProceed DirectiveKind = "proceed"
	DirectiveRevise  DirectiveKind = "revise_with_fixes"
	DirectiveHalt    DirectiveKind = "halt_and_intervene"
)

// Directive is the action returned to the caller after a verdict has been
// applied and durably recorded.
type Directive struct {
	Kind DirectiveKind `json:"kind"`
	// Fixes accompanies revise_with_fixes.
	Fixes []string `json:"fixes,omitempty"`
	// MessageTemplateID accompanies halt_and_intervene.
	MessageTemplateID string `json:"message_template_id,omitempty"`
	// Warning marks a proceed that carried a yellow verdict.
	Warning bool `json:"warning,omitempty"`
	// Note explains non-standard outcomes (saved_with_flag,
	// revision_exhausted, persistence_degraded).
	Note string `json:"note,omitempty"`
}

// ErrCaseNotFound is returned for operations against an unknown case id.
var ErrCaseNotFound = errors.New("case not found")

// ErrStandDownGated is returned when stand-down is requested before the
// monitoring window completed and without an authorizing actor.
var ErrStandDownGated = errors.New("stand-down requires completed monitoring or an authorizing actor")

// PersistenceError marks a failed write on the write-before-act path. The
// directive returned alongside it is the conservative default; the intended
// directive was withheld because its record is not durable.
type PersistenceError struct {
	CaseID string
	Op     string
	Err    error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("case %s: %s: %v", e.CaseID, e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// NotAllowedError reports a transition the current state forbids.
type NotAllowedError struct {
	CaseID string
	From   State
	Op     string
}

func (e *NotAllowedError) Error() string {
	return fmt.Sprintf("case %s: %s not allowed from %s", e.CaseID, e.Op, e.From)
}
