package escalation

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/kindline-ai/kindline/internal/audit"
	"github.com/kindline-ai/kindline/internal/circuit"
	"github.com/kindline-ai/kindline/internal/config"
	"github.com/kindline-ai/kindline/internal/monitor"
	"github.com/kindline-ai/kindline/internal/notify"
	"github.com/kindline-ai/kindline/internal/signal"
	"github.com/kindline-ai/kindline/internal/verdict"
)

// fakeStore backs every persistence interface the machine touches, with
// per-operation fault injection for the write-before-act tests.
type fakeStore struct {
	mu        sync.Mutex
	cases     map[string]Case
	bySubject map[string]string
	schedules map[string]monitor.Schedule
	auditLog  map[string][]audit.Entry

	failPutCase  bool
	failAppend   bool
	failSchedule bool

	// onGetBySubject runs before each subject lookup, outside the store
	// mutex, so tests can interleave competing operations at a fixed point.
	onGetBySubject func()
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		cases:     map[string]Case{},
		bySubject: map[string]string{},
		schedules: map[string]monitor.Schedule{},
		auditLog:  map[string][]audit.Entry{},
	}
}

func (s *fakeStore) PutCase(c Case) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failPutCase {
		return errors.New("injected put failure")
	}
	s.cases[c.ID] = c
	s.bySubject[c.SubjectRef] = c.ID
	return nil
}

func (s *fakeStore) GetCase(id string) (Case, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.cases[id]
	return c, ok, nil
}

func (s *fakeStore) GetCaseBySubject(ref string) (Case, bool, error) {
	if s.onGetBySubject != nil {
		s.onGetBySubject()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.bySubject[ref]
	if !ok {
		return Case{}, false, nil
	}
	c, ok := s.cases[id]
	return c, ok, nil
}

func (s *fakeStore) ListCases() ([]Case, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Case
	for _, c := range s.cases {
		out = append(out, c)
	}
	return out, nil
}

func (s *fakeStore) PutSchedule(sched monitor.Schedule) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failSchedule {
		return errors.New("injected schedule failure")
	}
	s.schedules[sched.CaseID] = sched
	return nil
}

func (s *fakeStore) GetSchedule(caseID string) (monitor.Schedule, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sched, ok := s.schedules[caseID]
	return sched, ok, nil
}

func (s *fakeStore) ListActiveSchedules() ([]monitor.Schedule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []monitor.Schedule
	for _, sched := range s.schedules {
		if sched.Status == monitor.ScheduleActive {
			out = append(out, sched)
		}
	}
	return out, nil
}

func (s *fakeStore) AppendAudit(e audit.Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failAppend {
		return errors.New("injected append failure")
	}
	entries := s.auditLog[e.CaseID]
	if len(entries) > 0 && e.Seq != entries[len(entries)-1].Seq+1 {
		return fmt.Errorf("seq gap: %d after %d", e.Seq, entries[len(entries)-1].Seq)
	}
	s.auditLog[e.CaseID] = append(entries, e)
	return nil
}

func (s *fakeStore) ListAudit(caseID string) ([]audit.Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]audit.Entry, len(s.auditLog[caseID]))
	copy(out, s.auditLog[caseID])
	return out, nil
}

func (s *fakeStore) LastAudit(caseID string) (audit.Entry, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	es := s.auditLog[caseID]
	if len(es) == 0 {
		return audit.Entry{}, false, nil
	}
	return es[len(es)-1], true, nil
}

func (s *fakeStore) auditCount(caseID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.auditLog[caseID])
}

type stubNotifier struct {
	mu   sync.Mutex
	sent []notify.Message
}

func (n *stubNotifier) Send(_ context.Context, msg notify.Message) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, msg)
}

func (n *stubNotifier) messages() []notify.Message {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]notify.Message, len(n.sent))
	copy(out, n.sent)
	return out
}

func testPolicy() config.PolicyConfig {
	return config.PolicyConfig{
		ProceedOnYellow: map[string]bool{
			"letter_to_minor": false,
			"message_to_peer": true,
			"self_authored":   false,
		},
		MaxReviseAttempts: 2,
		OnReviseExhausted: "block",
		CrisisTemplateID:  "crisis_default",
	}
}

func testMonitoring() config.MonitoringConfig {
	return config.MonitoringConfig{
		Cadence:     time.Hour,
		Window:      10 * time.Hour,
		GraceMissed: 2,
	}
}

func newTestMachine(t *testing.T) (*Machine, *fakeStore, *stubNotifier, *monitor.Scheduler) {
	t.Helper()
	st := newFakeStore()
	recorder := audit.NewRecorder(st)
	scheduler := monitor.NewScheduler(st, 2)
	notifier := &stubNotifier{}
	m := NewMachine(st, recorder, scheduler, notifier, testPolicy(), testMonitoring())
	return m, st, notifier, scheduler
}

func verdictFor(status circuit.Status, fixes ...string) verdict.Verdict {
	var circuitStatus circuit.CircuitStatus
	switch status {
	case circuit.StatusRedCritical, circuit.StatusRed:
		circuitStatus = circuit.CircuitStatus{CircuitID: signal.CircuitRisk, Status: status, Recommendations: fixes}
	default:
		circuitStatus = circuit.CircuitStatus{CircuitID: signal.CircuitStyle, Status: status, Recommendations: fixes}
	}
	return verdict.Verdict{
		OverallStatus:   status,
		CircuitStatuses: []circuit.CircuitStatus{circuitStatus},
		CanProceed:      status == circuit.StatusGreen,
		RequiredFixes:   fixes,
		EvaluatedAt:     time.Now().UTC(),
	}
}

func TestCriticalVerdictEntersCrisis(t *testing.T) {
	m, st, notifier, scheduler := newTestMachine(t)

	d, cs, err := m.Apply(context.Background(), "user-1", "self_authored", verdictFor(circuit.StatusRedCritical))
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if d.Kind != DirectiveHalt {
		t.Fatalf("directive = %s, want halt_and_intervene", d.Kind)
	}
	if d.MessageTemplateID != "crisis_default" {
		t.Fatalf("template = %q", d.MessageTemplateID)
	}
	if cs.State != StateCrisis {
		t.Fatalf("state = %s, want CRISIS", cs.State)
	}

	sched, ok, err := scheduler.Get(cs.ID)
	if err != nil || !ok {
		t.Fatalf("schedule missing: ok=%v err=%v", ok, err)
	}
	if sched.Status != monitor.ScheduleActive || sched.Cadence != time.Hour {
		t.Fatalf("schedule = %+v", sched)
	}

	msgs := notifier.messages()
	if len(msgs) != 1 || msgs[0].Kind != notify.KindCrisisDirective {
		t.Fatalf("messages = %+v, want one crisis directive", msgs)
	}

	// Verdict entry plus transition entry, in that order.
	if st.auditCount(cs.ID) != 2 {
		t.Fatalf("audit entries = %d, want 2", st.auditCount(cs.ID))
	}
}

func TestCrisisIsMonotonic(t *testing.T) {
	m, _, _, _ := newTestMachine(t)
	ctx := context.Background()

	_, cs, err := m.Apply(ctx, "user-1", "self_authored", verdictFor(circuit.StatusRedCritical))
	if err != nil {
		t.Fatalf("apply: %v", err)
	}

	// A later green verdict must not soften the state or release content.
	d, cs2, err := m.Apply(ctx, "user-1", "self_authored", verdictFor(circuit.StatusGreen))
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if cs2.ID != cs.ID {
		t.Fatalf("new case opened mid-crisis")
	}
	if cs2.State != StateCrisis {
		t.Fatalf("state = %s, want CRISIS", cs2.State)
	}
	if d.Kind != DirectiveHalt || d.Note != "crisis_active" {
		t.Fatalf("directive = %+v, want halt with crisis_active", d)
	}
}

func TestReviseLoopThenExhaustionBlocks(t *testing.T) {
	m, _, _, _ := newTestMachine(t)
	ctx := context.Background()

	for i := 1; i <= 2; i++ {
		d, cs, err := m.Apply(ctx, "user-1", "letter_to_minor", verdictFor(circuit.StatusYellow, "fix.impoliteness.yellow"))
		if err != nil {
			t.Fatalf("apply %d: %v", i, err)
		}
		if d.Kind != DirectiveRevise {
			t.Fatalf("attempt %d: directive = %s, want revise_with_fixes", i, d.Kind)
		}
		if len(d.Fixes) == 0 {
			t.Fatalf("revise directive must carry fixes")
		}
		if cs.State != StateReviseLoop || cs.ReviseAttempts != i {
			t.Fatalf("attempt %d: state=%s attempts=%d", i, cs.State, cs.ReviseAttempts)
		}
	}

	// Third failing attempt exceeds MaxReviseAttempts=2.
	d, cs, err := m.Apply(ctx, "user-1", "letter_to_minor", verdictFor(circuit.StatusYellow, "fix.impoliteness.yellow"))
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if d.Kind != DirectiveHalt || d.Note != "revision_exhausted" {
		t.Fatalf("directive = %+v, want halt with revision_exhausted", d)
	}
	if cs.State != StateReview {
		t.Fatalf("state = %s, want REVIEW", cs.State)
	}
}

func TestExhaustionSaveWithFlag(t *testing.T) {
	st := newFakeStore()
	pol := testPolicy()
	pol.OnReviseExhausted = "save_with_flag"
	m := NewMachine(st, audit.NewRecorder(st), monitor.NewScheduler(st, 2), &stubNotifier{}, pol, testMonitoring())
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if _, _, err := m.Apply(ctx, "user-1", "letter_to_minor", verdictFor(circuit.StatusRed, "fix.toxicity.red")); err != nil {
			t.Fatalf("apply: %v", err)
		}
	}
	d, cs, err := m.Apply(ctx, "user-1", "letter_to_minor", verdictFor(circuit.StatusRed, "fix.toxicity.red"))
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if d.Kind != DirectiveProceed || d.Note != "saved_with_flag" {
		t.Fatalf("directive = %+v, want proceed with saved_with_flag", d)
	}
	if !cs.ManualReview {
		t.Fatalf("saved-with-flag case must be marked for manual review")
	}
}

func TestGreenResetsReviseAttempts(t *testing.T) {
	m, _, _, _ := newTestMachine(t)
	ctx := context.Background()

	if _, _, err := m.Apply(ctx, "user-1", "letter_to_minor", verdictFor(circuit.StatusYellow, "f")); err != nil {
		t.Fatalf("apply: %v", err)
	}
	d, cs, err := m.Apply(ctx, "user-1", "letter_to_minor", verdictFor(circuit.StatusGreen))
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if d.Kind != DirectiveProceed || cs.State != StateNormal || cs.ReviseAttempts != 0 {
		t.Fatalf("got directive=%s state=%s attempts=%d", d.Kind, cs.State, cs.ReviseAttempts)
	}
}

func TestYellowProceedsWithWarningForPeers(t *testing.T) {
	m, _, _, _ := newTestMachine(t)

	d, cs, err := m.Apply(context.Background(), "user-1", "message_to_peer", verdictFor(circuit.StatusYellow, "fix.impoliteness.yellow"))
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if d.Kind != DirectiveProceed || !d.Warning {
		t.Fatalf("directive = %+v, want proceed with warning", d)
	}
	if cs.State != StateNormal {
		t.Fatalf("state = %s", cs.State)
	}
}

func TestAuditFailureWithholdsDirective(t *testing.T) {
	m, st, notifier, _ := newTestMachine(t)
	st.failAppend = true

	d, _, err := m.Apply(context.Background(), "user-1", "self_authored", verdictFor(circuit.StatusRedCritical))
	if err == nil {
		t.Fatalf("expected persistence error")
	}
	var perr *PersistenceError
	if !errors.As(err, &perr) {
		t.Fatalf("err = %T, want *PersistenceError", err)
	}
	// The directive still errs conservative: a critical verdict halts even
	// when its record failed.
	if d.Kind != DirectiveHalt {
		t.Fatalf("directive = %s, want halt_and_intervene", d.Kind)
	}
	// Side effects must not fire before the durable record exists.
	if len(notifier.messages()) != 0 {
		t.Fatalf("crisis notification sent despite failed audit write")
	}
}

func TestAuditFailureNeverApprovesGreen(t *testing.T) {
	m, st, _, _ := newTestMachine(t)
	st.failAppend = true

	d, _, err := m.Apply(context.Background(), "user-1", "message_to_peer", verdictFor(circuit.StatusGreen))
	if err == nil {
		t.Fatalf("expected persistence error")
	}
	if d.Kind == DirectiveProceed {
		t.Fatalf("an unrecorded verdict must not proceed")
	}
}

func TestCasePersistFailureSurfaces(t *testing.T) {
	m, st, _, _ := newTestMachine(t)
	st.failPutCase = true

	_, _, err := m.Apply(context.Background(), "user-1", "message_to_peer", verdictFor(circuit.StatusGreen))
	var perr *PersistenceError
	if !errors.As(err, &perr) {
		t.Fatalf("err = %v, want *PersistenceError", err)
	}
}

func TestConfirmSafetyMovesToMonitored(t *testing.T) {
	m, _, _, _ := newTestMachine(t)
	ctx := context.Background()

	_, cs, err := m.Apply(ctx, "user-1", "self_authored", verdictFor(circuit.StatusRedCritical))
	if err != nil {
		t.Fatalf("apply: %v", err)
	}

	got, err := m.ConfirmSafety(ctx, cs.ID, "clinician-7")
	if err != nil {
		t.Fatalf("confirm safety: %v", err)
	}
	if got.State != StateMonitored {
		t.Fatalf("state = %s, want MONITORED", got.State)
	}

	// Only CRISIS can confirm safety.
	if _, err := m.ConfirmSafety(ctx, cs.ID, "clinician-7"); err == nil {
		t.Fatalf("expected NotAllowedError from MONITORED")
	}
}

func TestHandleBreachReEscalates(t *testing.T) {
	m, st, notifier, scheduler := newTestMachine(t)
	ctx := context.Background()

	_, cs, err := m.Apply(ctx, "user-1", "self_authored", verdictFor(circuit.StatusRedCritical))
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if _, err := m.ConfirmSafety(ctx, cs.ID, "clinician-7"); err != nil {
		t.Fatalf("confirm safety: %v", err)
	}
	before := st.auditCount(cs.ID)

	got, err := m.HandleBreach(ctx, cs.ID, monitor.Event{CaseID: cs.ID, Kind: monitor.EventBreach, MissedCount: 3})
	if err != nil {
		t.Fatalf("breach: %v", err)
	}
	if got.State != StateCrisis {
		t.Fatalf("state = %s, want CRISIS", got.State)
	}
	// Synthetic breach verdict plus transition were recorded.
	if st.auditCount(cs.ID) != before+2 {
		t.Fatalf("audit entries = %d, want %d", st.auditCount(cs.ID), before+2)
	}
	// Re-entering crisis restarts monitoring and notifies again.
	sched, ok, _ := scheduler.Get(cs.ID)
	if !ok || sched.Status != monitor.ScheduleActive {
		t.Fatalf("schedule = %+v, want active", sched)
	}
	if len(notifier.messages()) != 2 {
		t.Fatalf("messages = %d, want 2 crisis directives", len(notifier.messages()))
	}

	// Idempotent: a second breach for a case already in CRISIS is a no-op.
	after := st.auditCount(cs.ID)
	if _, err := m.HandleBreach(ctx, cs.ID, monitor.Event{CaseID: cs.ID, Kind: monitor.EventBreach}); err != nil {
		t.Fatalf("repeat breach: %v", err)
	}
	if st.auditCount(cs.ID) != after {
		t.Fatalf("duplicate breach produced new audit entries")
	}
}

func TestHandleWindowElapsedResolves(t *testing.T) {
	m, _, _, scheduler := newTestMachine(t)
	ctx := context.Background()

	_, cs, err := m.Apply(ctx, "user-1", "self_authored", verdictFor(circuit.StatusRedCritical))
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if _, err := m.ConfirmSafety(ctx, cs.ID, "clinician-7"); err != nil {
		t.Fatalf("confirm safety: %v", err)
	}

	got, err := m.HandleWindowElapsed(ctx, cs.ID)
	if err != nil {
		t.Fatalf("window elapsed: %v", err)
	}
	if got.State != StateResolved {
		t.Fatalf("state = %s, want RESOLVED", got.State)
	}
	sched, ok, _ := scheduler.Get(cs.ID)
	if !ok || sched.Status != monitor.ScheduleCompleted {
		t.Fatalf("schedule = %+v, want completed", sched)
	}
}

func TestStandDownIsGated(t *testing.T) {
	m, _, _, scheduler := newTestMachine(t)
	ctx := context.Background()

	_, cs, err := m.Apply(ctx, "user-1", "self_authored", verdictFor(circuit.StatusRedCritical))
	if err != nil {
		t.Fatalf("apply: %v", err)
	}

	// Ungated stand-down with the window still open is refused.
	if _, err := m.StandDown(ctx, cs.ID, "", ""); !errors.Is(err, ErrStandDownGated) {
		t.Fatalf("err = %v, want ErrStandDownGated", err)
	}

	// An authorizing actor may override.
	got, err := m.StandDown(ctx, cs.ID, "clinician-7", "assessed in session")
	if err != nil {
		t.Fatalf("stand down: %v", err)
	}
	if got.State != StateResolved {
		t.Fatalf("state = %s, want RESOLVED", got.State)
	}
	sched, ok, _ := scheduler.Get(cs.ID)
	if !ok || sched.Status != monitor.ScheduleCancelled {
		t.Fatalf("schedule = %+v, want cancelled", sched)
	}
}

func TestCloseRequiresResolved(t *testing.T) {
	m, _, _, _ := newTestMachine(t)
	ctx := context.Background()

	_, cs, err := m.Apply(ctx, "user-1", "self_authored", verdictFor(circuit.StatusRedCritical))
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if _, err := m.Close(ctx, cs.ID, "clinician-7"); err == nil {
		t.Fatalf("close from CRISIS must fail")
	}

	if _, err := m.StandDown(ctx, cs.ID, "clinician-7", "ok"); err != nil {
		t.Fatalf("stand down: %v", err)
	}
	got, err := m.Close(ctx, cs.ID, "clinician-7")
	if err != nil {
		t.Fatalf("close: %v", err)
	}
	if got.State != StateClosed {
		t.Fatalf("state = %s, want CLOSED", got.State)
	}
}

func TestConcurrentVerdictsCriticalWins(t *testing.T) {
	m, _, _, _ := newTestMachine(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		status := circuit.StatusGreen
		if i == 3 {
			status = circuit.StatusRedCritical
		}
		wg.Add(1)
		go func(v verdict.Verdict) {
			defer wg.Done()
			_, _, _ = m.Apply(ctx, "user-1", "self_authored", v)
		}(verdictFor(status))
	}
	wg.Wait()

	cs, found, err := m.cases.GetCaseBySubject("user-1")
	if err != nil || !found {
		t.Fatalf("case missing: %v", err)
	}
	if cs.State != StateCrisis {
		t.Fatalf("state = %s, want CRISIS regardless of interleaving", cs.State)
	}
}

func TestBreachNotOverwrittenByConcurrentVerdict(t *testing.T) {
	// A verdict application and a monitoring breach for the same case must
	// serialize on one ownership token: the breach's CRISIS may never be
	// silently overwritten by a calmer verdict racing it.
	m, st, _, _ := newTestMachine(t)
	ctx := context.Background()

	_, cs, err := m.Apply(ctx, "user-1", "self_authored", verdictFor(circuit.StatusRedCritical))
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if _, err := m.ConfirmSafety(ctx, cs.ID, "clinician-7"); err != nil {
		t.Fatalf("confirm safety: %v", err)
	}

	// Launch the breach while the green verdict sits between its case read
	// and its case write.
	breachDone := make(chan error, 1)
	var once sync.Once
	st.onGetBySubject = func() {
		once.Do(func() {
			go func() {
				_, err := m.HandleBreach(ctx, cs.ID, monitor.Event{CaseID: cs.ID, Kind: monitor.EventBreach, MissedCount: 3})
				breachDone <- err
			}()
			time.Sleep(50 * time.Millisecond)
		})
	}

	if _, _, err := m.Apply(ctx, "user-1", "self_authored", verdictFor(circuit.StatusGreen)); err != nil {
		t.Fatalf("apply: %v", err)
	}
	if err := <-breachDone; err != nil {
		t.Fatalf("breach: %v", err)
	}

	got, found, err := m.GetCase(cs.ID)
	if err != nil || !found {
		t.Fatalf("case missing: %v", err)
	}
	if got.State != StateCrisis {
		t.Fatalf("state = %s, want CRISIS regardless of interleaving", got.State)
	}
}

func TestWindowElapsedDuringCrisisEndsSchedule(t *testing.T) {
	// Safety was never confirmed: the window running out must not resolve
	// the case, but it must stop the sweep from revisiting it forever.
	m, _, _, scheduler := newTestMachine(t)
	ctx := context.Background()

	_, cs, err := m.Apply(ctx, "user-1", "self_authored", verdictFor(circuit.StatusRedCritical))
	if err != nil {
		t.Fatalf("apply: %v", err)
	}

	got, err := m.HandleWindowElapsed(ctx, cs.ID)
	if err != nil {
		t.Fatalf("window elapsed: %v", err)
	}
	if got.State != StateCrisis {
		t.Fatalf("state = %s, want CRISIS preserved", got.State)
	}
	if !got.ManualReview {
		t.Fatalf("unconfirmed crisis past its window must be flagged for review")
	}
	sched, ok, _ := scheduler.Get(cs.ID)
	if !ok || sched.Status != monitor.ScheduleEscalated {
		t.Fatalf("schedule = %+v, want escalated", sched)
	}
}

func TestUnknownCaseReturnsNotFound(t *testing.T) {
	m, _, _, _ := newTestMachine(t)
	if _, err := m.ConfirmSafety(context.Background(), "nope", "x"); !errors.Is(err, ErrCaseNotFound) {
		t.Fatalf("err = %v, want ErrCaseNotFound", err)
	}
}
