package detector

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/kindline-ai/kindline/internal/redact"
	"github.com/kindline-ai/kindline/internal/signal"
)

// RunnerConfig bounds each detector invocation.
type RunnerConfig struct {
	Timeout    time.Duration // per-invocation budget, including retries' individual attempts
	MaxRetries uint64        // retry attempts before fail-safe substitution
}

// RunResult is the joined output of one evaluation pass.
type RunResult struct {
	Signals []signal.Signal
	// Outages lists detectors that contributed only placeholders, for the
	// audit trail.
	Outages []string
}

// Runner fans the input out to every registered detector concurrently and
// joins their normalized signals. Detectors are independent and typically
// I/O-bound, so they run in parallel; the join applies the per-detector
// timeout and substitutes conservative placeholders on any failure.
type Runner struct {
	detectors []Detector
	cfg       RunnerConfig
}

func NewRunner(detectors []Detector, cfg RunnerConfig) *Runner {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 3 * time.Second
	}
	return &Runner{detectors: detectors, cfg: cfg}
}

// Detectors returns the registered set, for status endpoints.
func (r *Runner) Detectors() []Detector {
	out := make([]Detector, len(r.detectors))
	copy(out, r.detectors)
	return out
}

type detectorOutcome struct {
	signals []signal.Signal
	outage  string
}

// Run evaluates all detectors against the input. It never returns an error:
// every failure mode folds into placeholder signals, because a skipped
// circuit is the one outcome this layer must not produce.
func (r *Runner) Run(ctx context.Context, in Input) RunResult {
	results := make(chan detectorOutcome, len(r.detectors))
	var wg sync.WaitGroup

	for _, d := range r.detectors {
		wg.Add(1)
		go func(d Detector) {
			defer wg.Done()
			results <- r.runOne(ctx, d, in)
		}(d)
	}

	wg.Wait()
	close(results)

	var out RunResult
	for res := range results {
		out.Signals = append(out.Signals, res.signals...)
		if res.outage != "" {
			out.Outages = append(out.Outages, res.outage)
		}
	}
	return out
}

func (r *Runner) runOne(ctx context.Context, d Detector, in Input) detectorOutcome {
	var findings []RawFinding

	attempt := func() error {
		callCtx, cancel := context.WithTimeout(ctx, r.cfg.Timeout)
		defer cancel()

		// A panicking detector counts as a failed invocation, same as a
		// timeout. The recover keeps one bad plugin from taking down the
		// whole evaluation.
		var err error
		func() {
			defer func() {
				if rec := recover(); rec != nil {
					err = errors.New("detector panicked")
				}
			}()
			findings, err = d.Evaluate(callCtx, in)
		}()
		return err
	}

	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewExponentialBackOff(
			backoff.WithInitialInterval(100*time.Millisecond),
			backoff.WithMaxInterval(time.Second),
		), r.cfg.MaxRetries),
		ctx,
	)

	if err := backoff.Retry(attempt, policy); err != nil {
		redact.Logf("detector %s failed after retries: %v", d.Name(), err)
		return detectorOutcome{signals: placeholdersFor(d, "invocation_failed"), outage: d.Name()}
	}

	signals := make([]signal.Signal, 0, len(findings))
	degraded := false
	for _, raw := range findings {
		sig, err := Normalize(d.Name(), raw)
		if err != nil {
			redact.Logf("%v", err)
			degraded = true
			if _, known := signal.KindCircuit(raw.Kind); known {
				signals = append(signals, Placeholder(d.Name(), raw.Kind, "contract_violation"))
			}
			continue
		}
		signals = append(signals, sig)
	}

	outage := ""
	if degraded {
		outage = d.Name()
	}
	return detectorOutcome{signals: signals, outage: outage}
}

func placeholdersFor(d Detector, note string) []signal.Signal {
	kinds := d.Kinds()
	out := make([]signal.Signal, 0, len(kinds))
	for _, k := range kinds {
		out = append(out, Placeholder(d.Name(), k, note))
	}
	return out
}
