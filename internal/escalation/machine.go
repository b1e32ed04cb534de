package escalation

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kindline-ai/kindline/internal/audit"
	"github.com/kindline-ai/kindline/internal/circuit"
	"github.com/kindline-ai/kindline/internal/config"
	"github.com/kindline-ai/kindline/internal/monitor"
	"github.com/kindline-ai/kindline/internal/notify"
	"github.com/kindline-ai/kindline/internal/redact"
	"github.com/kindline-ai/kindline/internal/signal"
	"github.com/kindline-ai/kindline/internal/verdict"
)

// Notifier sends outbound messages; satisfied by notify.Dispatcher.
type Notifier interface {
	Send(ctx context.Context, msg notify.Message)
}

// Machine drives the escalation protocols. It owns cases: all mutation goes
// through its transitions, serialized per case by an ownership lock so two
// simultaneous borderline verdicts cannot race into inconsistent states.
// Every verdict and transition is recorded through the audit recorder
// before its directive is returned (write-before-act).
type Machine struct {
	cases      Store
	recorder   *audit.Recorder
	scheduler  *monitor.Scheduler
	notifier   Notifier
	policy     config.PolicyConfig
	monitoring config.MonitoringConfig
	clock      func() time.Time

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewMachine wires the state machine.
func NewMachine(cases Store, recorder *audit.Recorder, scheduler *monitor.Scheduler, notifier Notifier, pol config.PolicyConfig, mon config.MonitoringConfig) *Machine {
	return &Machine{
		cases:      cases,
		recorder:   recorder,
		scheduler:  scheduler,
		notifier:   notifier,
		policy:     pol,
		monitoring: mon,
		clock:      time.Now,
		locks:      make(map[string]*sync.Mutex),
	}
}

// WithClock overrides the clock for deterministic testing.
func (m *Machine) WithClock(clock func() time.Time) *Machine {
	m.clock = clock
	return m
}

// caseLock returns the per-case ownership lock, creating it on first use.
// Locks are keyed by subject ref so verdict application and monitoring
// events on the same case contend on one token.
func (m *Machine) caseLock(key string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.locks[key]
	if !ok {
		l = &sync.Mutex{}
		m.locks[key] = l
	}
	return l
}

// lockForCase resolves the case's subject ref and acquires its ownership
// lock. The caller must re-read the case after acquiring; the pre-lock read
// only establishes the lock key.
func (m *Machine) lockForCase(caseID string) (*sync.Mutex, error) {
	cs, found, err := m.cases.GetCase(caseID)
	if err != nil {
		return nil, &PersistenceError{CaseID: caseID, Op: "load case", Err: err}
	}
	if !found {
		return nil, fmt.Errorf("case %s: %w", caseID, ErrCaseNotFound)
	}
	lock := m.caseLock(cs.SubjectRef)
	lock.Lock()
	return lock, nil
}

// Apply folds a verdict into the case for subjectRef and returns the action
// directive. The case is created on first contact. A handler failure never
// lets unmoderated content through: panics degrade to the most severe
// applicable directive for the circuits involved.
func (m *Machine) Apply(ctx context.Context, subjectRef, subjectType string, v verdict.Verdict) (d Directive, c Case, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			redact.Logf("escalation: transition handler panicked for subject: %v", rec)
			d = m.failSafeDirective(v)
			err = fmt.Errorf("transition handler failure: %v", rec)
		}
	}()

	lock := m.caseLock(subjectRef)
	lock.Lock()
	defer lock.Unlock()

	cs, found, err := m.cases.GetCaseBySubject(subjectRef)
	if err != nil {
		return m.conservativeDirective(v, "persistence_degraded"), Case{}, &PersistenceError{CaseID: subjectRef, Op: "load case", Err: err}
	}
	now := m.clock().UTC()
	if !found {
		cs = Case{
			ID:          uuid.New().String(),
			SubjectRef:  subjectRef,
			SubjectType: subjectType,
			State:       StateNormal,
			OpenedAt:    now,
		}
	}

	from := cs.State
	directive, next := m.decide(&cs, v)

	// Write-before-act: the verdict and the transition must be durable
	// before the directive becomes externally observable.
	entry, aerr := m.recorder.RecordVerdict(cs.ID, v)
	if aerr != nil {
		return m.conservativeDirective(v, "persistence_degraded"), cs, &PersistenceError{CaseID: cs.ID, Op: "record verdict", Err: aerr}
	}
	cs.Verdicts = append(cs.Verdicts, VerdictRecord{
		OverallStatus: v.OverallStatus,
		EvaluatedAt:   v.EvaluatedAt,
		AuditEntryID:  entry.ID,
	})

	if next != from {
		if _, aerr := m.recorder.RecordTransition(cs.ID, string(from), string(next), "verdict:"+string(v.OverallStatus), "", ""); aerr != nil {
			return m.conservativeDirective(v, "persistence_degraded"), cs, &PersistenceError{CaseID: cs.ID, Op: "record transition", Err: aerr}
		}
	}
	cs.State = next
	cs.UpdatedAt = now

	if perr := m.cases.PutCase(cs); perr != nil {
		return m.conservativeDirective(v, "persistence_degraded"), cs, &PersistenceError{CaseID: cs.ID, Op: "persist case", Err: perr}
	}

	// Side effects fire only after the durable record exists.
	if next == StateCrisis && from != StateCrisis {
		m.enterCrisis(ctx, &cs)
	}

	return directive, cs, nil
}

// decide computes the directive and next state for a verdict. Pure with
// respect to external systems; it mutates only the in-memory case copy.
func (m *Machine) decide(cs *Case, v verdict.Verdict) (Directive, State) {
	// Critical overrides everything, including an in-flight revise loop,
	// and once in CRISIS no verdict alone can soften the state
	// (monotonic escalation).
	if v.OverallStatus == circuit.StatusRedCritical {
		return Directive{
			Kind:              DirectiveHalt,
			MessageTemplateID: m.policy.CrisisTemplateID,
		}, StateCrisis
	}

	switch cs.State {
	case StateCrisis:
		// Already in crisis: content stays halted regardless of how calm
		// this evaluation looks. Stand-down is a separate, gated operation.
		return Directive{
			Kind:              DirectiveHalt,
			MessageTemplateID: m.policy.CrisisTemplateID,
			Note:              "crisis_active",
		}, StateCrisis

	case StateMonitored:
		// Monitoring continues; content outcomes follow the verdict but
		// the protocol state does not relax.
		switch v.OverallStatus {
		case circuit.StatusGreen:
			return Directive{Kind: DirectiveProceed}, StateMonitored
		case circuit.StatusYellow:
			if m.policy.ProceedOnYellow[cs.SubjectType] {
				return Directive{Kind: DirectiveProceed, Warning: true, Fixes: v.RequiredFixes}, StateMonitored
			}
			return Directive{Kind: DirectiveRevise, Fixes: v.RequiredFixes}, StateMonitored
		default:
			return Directive{Kind: DirectiveRevise, Fixes: v.RequiredFixes}, StateMonitored
		}

	case StateResolved, StateClosed:
		// Terminal states reopen only through a fresh evaluation cycle.
		return m.decideOpen(cs, v)

	default: // NORMAL, REVIEW, REVISE_LOOP
		return m.decideOpen(cs, v)
	}
}

func (m *Machine) decideOpen(cs *Case, v verdict.Verdict) (Directive, State) {
	switch v.OverallStatus {
	case circuit.StatusGreen:
		cs.ReviseAttempts = 0
		return Directive{Kind: DirectiveProceed}, StateNormal

	case circuit.StatusYellow:
		if m.policy.ProceedOnYellow[cs.SubjectType] {
			cs.ReviseAttempts = 0
			return Directive{Kind: DirectiveProceed, Warning: true, Fixes: v.RequiredFixes}, StateNormal
		}
		return m.reviseOrExhaust(cs, v)

	default: // red
		return m.reviseOrExhaust(cs, v)
	}
}

// reviseOrExhaust counts the attempt and, past the configured bound,
// applies the exhaustion action: block or save-with-flag, never approve.
func (m *Machine) reviseOrExhaust(cs *Case, v verdict.Verdict) (Directive, State) {
	cs.ReviseAttempts++
	if cs.ReviseAttempts <= m.policy.MaxReviseAttempts {
		return Directive{Kind: DirectiveRevise, Fixes: v.RequiredFixes}, StateReviseLoop
	}

	if m.policy.OnReviseExhausted == "save_with_flag" {
		cs.ManualReview = true
		return Directive{Kind: DirectiveProceed, Note: "saved_with_flag", Fixes: v.RequiredFixes}, StateReview
	}
	return Directive{
		Kind:              DirectiveHalt,
		MessageTemplateID: "revision_exhausted",
		Note:              "revision_exhausted",
	}, StateReview
}

// enterCrisis schedules monitoring and dispatches the emergency directive.
// Called with the case lock held, after the audit write.
func (m *Machine) enterCrisis(ctx context.Context, cs *Case) {
	if _, err := m.scheduler.Schedule(cs.ID, m.monitoring.Cadence, m.monitoring.Window); err != nil {
		redact.Logf("escalation: case %s: schedule monitoring: %v", cs.ID, err)
		cs.ManualReview = true
		if perr := m.cases.PutCase(*cs); perr != nil {
			redact.Logf("escalation: case %s: flag manual review: %v", cs.ID, perr)
		}
	}
	if m.notifier != nil {
		m.notifier.Send(ctx, notify.Message{
			ID:           uuid.New().String(),
			CaseID:       cs.ID,
			Kind:         notify.KindCrisisDirective,
			RecipientRef: cs.SubjectRef,
			TemplateID:   m.policy.CrisisTemplateID,
			CreatedAt:    m.clock().UTC(),
		})
	}
}

// ConfirmSafety moves a crisis case into scheduled monitoring after the
// subject confirms they are safe. It never returns the case to NORMAL
// directly.
func (m *Machine) ConfirmSafety(ctx context.Context, caseID, actor string) (Case, error) {
	return m.transition(ctx, caseID, "confirm_safety", actor, "", func(cs *Case) (State, error) {
		if cs.State != StateCrisis {
			return "", &NotAllowedError{CaseID: cs.ID, From: cs.State, Op: "confirm_safety"}
		}
		return StateMonitored, nil
	})
}

// HandleBreach re-escalates a monitored case after a missed-check-in breach
// or a worsening check-in. Idempotent: a case already in CRISIS stays
// there without a duplicate transition.
func (m *Machine) HandleBreach(ctx context.Context, caseID string, ev monitor.Event) (Case, error) {
	lock, err := m.lockForCase(caseID)
	if err != nil {
		return Case{}, err
	}
	defer lock.Unlock()

	cs, found, err := m.cases.GetCase(caseID)
	if err != nil {
		return Case{}, &PersistenceError{CaseID: caseID, Op: "load case", Err: err}
	}
	if !found {
		return Case{}, fmt.Errorf("case %s: %w", caseID, ErrCaseNotFound)
	}
	if cs.State == StateCrisis {
		return cs, nil
	}
	if cs.State != StateMonitored {
		return cs, &NotAllowedError{CaseID: cs.ID, From: cs.State, Op: "monitoring_breach"}
	}

	// The breach is itself a signal: record it as a synthetic verdict so
	// the audit trail shows why the case re-escalated.
	breach := verdict.Verdict{
		OverallStatus: circuit.StatusRedCritical,
		CircuitStatuses: []circuit.CircuitStatus{{
			CircuitID: signal.CircuitRisk,
			Status:    circuit.StatusRedCritical,
			ContributingSignals: []signal.Signal{{
				Kind:          signal.KindMonitoringBreach,
				Score:         1.0,
				Confidence:    1.0,
				SourceCircuit: signal.CircuitRisk,
				Detector:      "monitor",
				Note:          fmt.Sprintf("missed=%d", ev.MissedCount),
			}},
		}},
		CanProceed:  false,
		EvaluatedAt: m.clock().UTC(),
	}

	entry, aerr := m.recorder.RecordVerdict(cs.ID, breach)
	if aerr != nil {
		return cs, &PersistenceError{CaseID: cs.ID, Op: "record breach verdict", Err: aerr}
	}
	cs.Verdicts = append(cs.Verdicts, VerdictRecord{
		OverallStatus: breach.OverallStatus,
		EvaluatedAt:   breach.EvaluatedAt,
		AuditEntryID:  entry.ID,
	})
	if _, aerr := m.recorder.RecordTransition(cs.ID, string(StateMonitored), string(StateCrisis), "monitoring_breach", "", ""); aerr != nil {
		return cs, &PersistenceError{CaseID: cs.ID, Op: "record transition", Err: aerr}
	}

	cs.State = StateCrisis
	cs.UpdatedAt = m.clock().UTC()
	if perr := m.cases.PutCase(cs); perr != nil {
		return cs, &PersistenceError{CaseID: cs.ID, Op: "persist case", Err: perr}
	}

	if err := m.scheduler.Escalate(cs.ID); err != nil && err != monitor.ErrNoSchedule {
		redact.Logf("escalation: case %s: mark schedule escalated: %v", cs.ID, err)
	}
	m.enterCrisis(ctx, &cs)
	return cs, nil
}

// HandleWindowElapsed resolves a monitored case whose window passed without
// re-escalation. A case still in CRISIS when its window runs out was never
// confirmed safe: its schedule ends and the case is flagged for manual
// review instead of resolving, so the sweep stops revisiting it.
func (m *Machine) HandleWindowElapsed(ctx context.Context, caseID string) (Case, error) {
	lock, err := m.lockForCase(caseID)
	if err != nil {
		return Case{}, err
	}
	defer lock.Unlock()

	cs, found, err := m.cases.GetCase(caseID)
	if err != nil {
		return Case{}, &PersistenceError{CaseID: caseID, Op: "load case", Err: err}
	}
	if !found {
		return Case{}, fmt.Errorf("case %s: %w", caseID, ErrCaseNotFound)
	}

	if cs.State == StateCrisis {
		cs.ManualReview = true
		cs.UpdatedAt = m.clock().UTC()
		if perr := m.cases.PutCase(cs); perr != nil {
			return cs, &PersistenceError{CaseID: cs.ID, Op: "persist case", Err: perr}
		}
		if serr := m.scheduler.Escalate(caseID); serr != nil && serr != monitor.ErrNoSchedule {
			redact.Logf("escalation: case %s: mark schedule escalated: %v", caseID, serr)
		}
		return cs, nil
	}
	if cs.State != StateMonitored {
		return cs, &NotAllowedError{CaseID: cs.ID, From: cs.State, Op: "monitoring_window_elapsed"}
	}

	if _, aerr := m.recorder.RecordTransition(cs.ID, string(StateMonitored), string(StateResolved), "monitoring_window_elapsed", "", ""); aerr != nil {
		return cs, &PersistenceError{CaseID: cs.ID, Op: "record transition", Err: aerr}
	}
	cs.State = StateResolved
	cs.UpdatedAt = m.clock().UTC()
	if perr := m.cases.PutCase(cs); perr != nil {
		return cs, &PersistenceError{CaseID: cs.ID, Op: "persist case", Err: perr}
	}
	if serr := m.scheduler.Complete(caseID); serr != nil && serr != monitor.ErrNoSchedule {
		redact.Logf("escalation: case %s: complete schedule: %v", caseID, serr)
	}
	return cs, nil
}

// StandDown is the explicit, audited exit from CRISIS. It is gated: either
// the monitoring window completed, or an authorized operator override is
// named. A green verdict alone never gets here.
func (m *Machine) StandDown(ctx context.Context, caseID, actor, reason string) (Case, error) {
	if actor == "" {
		sched, ok, err := m.scheduler.Get(caseID)
		if err != nil {
			return Case{}, &PersistenceError{CaseID: caseID, Op: "load schedule", Err: err}
		}
		if !ok || sched.Status != monitor.ScheduleCompleted {
			return Case{}, fmt.Errorf("case %s: %w", caseID, ErrStandDownGated)
		}
	}
	cs, err := m.transition(ctx, caseID, "stand_down", actor, reason, func(cs *Case) (State, error) {
		if cs.State != StateCrisis && cs.State != StateMonitored {
			return "", &NotAllowedError{CaseID: cs.ID, From: cs.State, Op: "stand_down"}
		}
		return StateResolved, nil
	})
	if err != nil {
		return cs, err
	}
	if serr := m.scheduler.Cancel(caseID); serr != nil && serr != monitor.ErrNoSchedule {
		redact.Logf("escalation: case %s: cancel schedule: %v", caseID, serr)
	}
	return cs, nil
}

// Close soft-closes a resolved case. Decision history is retained.
func (m *Machine) Close(ctx context.Context, caseID, actor string) (Case, error) {
	return m.transition(ctx, caseID, "close", actor, "", func(cs *Case) (State, error) {
		if cs.State != StateResolved {
			return "", &NotAllowedError{CaseID: cs.ID, From: cs.State, Op: "close"}
		}
		return StateClosed, nil
	})
}

// FlagManualReview marks a case for human attention, used when a crisis
// notification could not be delivered on any channel.
func (m *Machine) FlagManualReview(caseID, reason string) {
	lock, err := m.lockForCase(caseID)
	if err != nil {
		redact.Logf("escalation: case %s: flag manual review: %v", caseID, err)
		return
	}
	defer lock.Unlock()

	cs, found, err := m.cases.GetCase(caseID)
	if err != nil || !found {
		redact.Logf("escalation: case %s: flag manual review: load failed: %v", caseID, err)
		return
	}
	cs.ManualReview = true
	cs.UpdatedAt = m.clock().UTC()
	if err := m.cases.PutCase(cs); err != nil {
		redact.Logf("escalation: case %s: flag manual review: %v", caseID, err)
	}
}

// GetCase returns a case by id.
func (m *Machine) GetCase(caseID string) (Case, bool, error) {
	return m.cases.GetCase(caseID)
}

// ListCases returns every case.
func (m *Machine) ListCases() ([]Case, error) {
	return m.cases.ListCases()
}

// transition runs a guarded single-case transition under the ownership
// lock with the write-before-act ordering.
func (m *Machine) transition(_ context.Context, caseID, trigger, actor, reason string, fn func(*Case) (State, error)) (Case, error) {
	lock, err := m.lockForCase(caseID)
	if err != nil {
		return Case{}, err
	}
	defer lock.Unlock()

	cs, found, err := m.cases.GetCase(caseID)
	if err != nil {
		return Case{}, &PersistenceError{CaseID: caseID, Op: "load case", Err: err}
	}
	if !found {
		return Case{}, fmt.Errorf("case %s: %w", caseID, ErrCaseNotFound)
	}

	from := cs.State
	next, err := fn(&cs)
	if err != nil {
		return cs, err
	}

	if _, aerr := m.recorder.RecordTransition(cs.ID, string(from), string(next), trigger, actor, reason); aerr != nil {
		return cs, &PersistenceError{CaseID: cs.ID, Op: "record transition", Err: aerr}
	}

	cs.State = next
	cs.UpdatedAt = m.clock().UTC()
	if perr := m.cases.PutCase(cs); perr != nil {
		return cs, &PersistenceError{CaseID: cs.ID, Op: "persist case", Err: perr}
	}
	return cs, nil
}

// conservativeDirective is what the caller gets when the durable record
// failed: never more permissive than the verdict itself.
func (m *Machine) conservativeDirective(v verdict.Verdict, note string) Directive {
	switch v.OverallStatus {
	case circuit.StatusRedCritical:
		return Directive{Kind: DirectiveHalt, MessageTemplateID: m.policy.CrisisTemplateID, Note: note}
	case circuit.StatusRed, circuit.StatusYellow:
		return Directive{Kind: DirectiveRevise, Fixes: v.RequiredFixes, Note: note}
	default:
		// Even a green verdict is withheld when it could not be recorded.
		return Directive{Kind: DirectiveRevise, Note: note}
	}
}

// failSafeDirective maps an internal handler failure to the most severe
// applicable outcome: risk-circuit involvement degrades to crisis handling,
// style/privacy-only failures to the revise loop.
func (m *Machine) failSafeDirective(v verdict.Verdict) Directive {
	for _, cs := range v.CircuitStatuses {
		if cs.CircuitID == signal.CircuitRisk && circuit.Rank(cs.Status) >= circuit.Rank(circuit.StatusYellow) {
			return Directive{Kind: DirectiveHalt, MessageTemplateID: m.policy.CrisisTemplateID, Note: "handler_failure"}
		}
	}
	return Directive{Kind: DirectiveRevise, Fixes: v.RequiredFixes, Note: "handler_failure"}
}
