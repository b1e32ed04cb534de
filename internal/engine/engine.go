package engine

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/kindline-ai/kindline/internal/circuit"
	"github.com/kindline-ai/kindline/internal/config"
	"github.com/kindline-ai/kindline/internal/detector"
	"github.com/kindline-ai/kindline/internal/escalation"
	"github.com/kindline-ai/kindline/internal/verdict"
)

// Submission is one piece of content to evaluate. SubjectRef identifies
// the case the content belongs to (user, or user plus content item);
// revise-loop resubmissions reuse the same ref so the attempt counter and
// protocol state carry over.
type Submission struct {
	SubjectRef  string            `json:"subject_ref"`
	Text        string            `json:"text"`
	SubjectType string            `json:"subject_type"` // letter_to_minor | message_to_peer | self_authored
	UserContext map[string]string `json:"user_context,omitempty"`
}

// Outcome is the full result of one evaluation pass.
type Outcome struct {
	CaseID    string               `json:"case_id"`
	State     escalation.State     `json:"state"`
	Directive escalation.Directive `json:"directive"`
	Verdict   verdict.Verdict      `json:"verdict"`
	Timings   Timings              `json:"timings"`
}

// Timings captures per-stage latency for observability.
type Timings struct {
	Detectors time.Duration `json:"detectors"`
	Total     time.Duration `json:"total"`
}

// Telemetry is the metrics surface the engine emits to; satisfied by
// telemetry.Provider.
type Telemetry interface {
	RecordEvaluation(overallStatus, directive, subjectType string, durMs, detectorMs float64)
	RecordEscalation(trigger string)
}

// Engine runs the full pipeline: detector fan-out, circuit aggregation,
// severity stratification, then the escalation state machine. The
// aggregation and stratification stages are pure reductions over the
// joined signal set; all side effects live in the machine and its
// collaborators.
type Engine struct {
	runner     *detector.Runner
	machine    *escalation.Machine
	thresholds map[string]config.ThresholdConfig
	policy     config.PolicyConfig
	metrics    Telemetry
	tracer     trace.Tracer
	clock      func() time.Time
}

// New wires an engine.
func New(runner *detector.Runner, machine *escalation.Machine, cfg *config.Config, metrics Telemetry, tracer trace.Tracer) *Engine {
	if tracer == nil {
		tracer = trace.NewNoopTracerProvider().Tracer("")
	}
	return &Engine{
		runner:     runner,
		machine:    machine,
		thresholds: cfg.Thresholds,
		policy:     cfg.Policy,
		metrics:    metrics,
		tracer:     tracer,
		clock:      time.Now,
	}
}

// WithClock overrides the clock for deterministic testing.
func (e *Engine) WithClock(clock func() time.Time) *Engine {
	e.clock = clock
	return e
}

// Evaluate runs one pass over the submission. The returned outcome always
// carries a directive, even on error: a persistence failure yields the
// conservative default directive alongside the error, never a leaked
// permissive one.
func (e *Engine) Evaluate(ctx context.Context, sub Submission) (Outcome, error) {
	ctx, span := e.tracer.Start(ctx, "engine.evaluate", trace.WithAttributes(
		attribute.String("kindline.subject_type", sub.SubjectType),
	))
	defer span.End()

	start := e.clock()

	run := e.runner.Run(ctx, detector.Input{
		Text:        sub.Text,
		SubjectType: sub.SubjectType,
		UserContext: sub.UserContext,
	})
	detectorsDone := e.clock()

	statuses := circuit.AggregateAll(run.Signals, e.thresholds)

	v := verdict.Stratify(statuses, verdict.Policy{
		ProceedOnYellow: e.policy.ProceedOnYellow[sub.SubjectType],
	}, e.clock())
	v.OutageDetectors = run.Outages

	directive, cs, err := e.machine.Apply(ctx, sub.SubjectRef, sub.SubjectType, v)

	span.SetAttributes(
		attribute.String("kindline.overall_status", string(v.OverallStatus)),
		attribute.String("kindline.directive", string(directive.Kind)),
	)
	timings := Timings{
		Detectors: detectorsDone.Sub(start),
		Total:     e.clock().Sub(start),
	}
	if e.metrics != nil {
		e.metrics.RecordEvaluation(
			string(v.OverallStatus),
			string(directive.Kind),
			sub.SubjectType,
			durationMillis(timings.Total),
			durationMillis(timings.Detectors),
		)
		if cs.State == escalation.StateCrisis {
			e.metrics.RecordEscalation("verdict:" + string(v.OverallStatus))
		}
	}

	return Outcome{
		CaseID:    cs.ID,
		State:     cs.State,
		Directive: directive,
		Verdict:   v,
		Timings:   timings,
	}, err
}

func durationMillis(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}
