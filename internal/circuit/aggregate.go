package circuit

import (
	"fmt"
	"sort"

	"github.com/kindline-ai/kindline/internal/config"
	"github.com/kindline-ai/kindline/internal/redact"
	"github.com/kindline-ai/kindline/internal/signal"
)

// Circuits returns the circuits evaluated on every pass, in a stable order.
func Circuits() []signal.Circuit {
	return []signal.Circuit{signal.CircuitStyle, signal.CircuitPrivacy, signal.CircuitRisk}
}

// AggregateAll folds the full signal set into one status per circuit.
// Circuits with no signals come back green; a detector outage is handled
// upstream by placeholder substitution, so "no signals" here genuinely
// means nothing fired.
func AggregateAll(signals []signal.Signal, thresholds map[string]config.ThresholdConfig) []CircuitStatus {
	byCircuit := make(map[signal.Circuit][]signal.Signal)
	for _, s := range signals {
		circuit, ok := signal.KindCircuit(s.Kind)
		if !ok || circuit != s.SourceCircuit {
			// Unknown kind or circuit mismatch: drop the signal rather than
			// guess where it belongs, and leave a trace.
			redact.Logf("aggregation: dropping inconsistent signal kind=%q circuit=%q detector=%q", s.Kind, s.SourceCircuit, s.Detector)
			continue
		}
		byCircuit[circuit] = append(byCircuit[circuit], s)
	}

	out := make([]CircuitStatus, 0, len(Circuits()))
	for _, c := range Circuits() {
		out = append(out, Aggregate(c, byCircuit[c], thresholds))
	}
	return out
}

// Aggregate reduces one circuit's signals to a status. The fold is max, not
// mean: one signal past its red cut makes the circuit red no matter how calm
// the rest of the text is, so a dangerous fragment cannot be diluted.
// A critical-trigger kind at or past its critical cut forces red_critical.
func Aggregate(circuitID signal.Circuit, signals []signal.Signal, thresholds map[string]config.ThresholdConfig) CircuitStatus {
	status := StatusGreen
	var recommendations []string

	for _, s := range signals {
		t, ok := thresholds[string(s.Kind)]
		if !ok {
			redact.Logf("aggregation: no thresholds for kind %q, dropping signal", s.Kind)
			continue
		}

		sigStatus := classify(s, t)
		if sigStatus == StatusGreen {
			continue
		}
		status = Max(status, sigStatus)
		recommendations = append(recommendations, recommendationFor(s.Kind, sigStatus))
	}

	sort.Strings(recommendations)
	return CircuitStatus{
		CircuitID:           circuitID,
		Status:              status,
		ContributingSignals: signals,
		Recommendations:     dedup(recommendations),
	}
}

func classify(s signal.Signal, t config.ThresholdConfig) Status {
	// The critical override is for signals actually observed in the text.
	// A fail-safe placeholder carries confidence zero: it pins the circuit
	// at red while the detector is blind, never at red_critical.
	if t.CriticalTrigger && t.Critical > 0 && s.Score >= t.Critical && s.Confidence > 0 {
		return StatusRedCritical
	}
	if t.Red > 0 && s.Score >= t.Red {
		return StatusRed
	}
	if t.Yellow > 0 && s.Score >= t.Yellow {
		return StatusYellow
	}
	return StatusGreen
}

// recommendationFor produces the machine-readable fix key for a breached
// kind. Turning these into user-facing copy is the transport's concern.
func recommendationFor(kind signal.Kind, status Status) string {
	return fmt.Sprintf("fix.%s.%s", kind, status)
}

func dedup(in []string) []string {
	if len(in) == 0 {
		return nil
	}
	out := in[:0]
	var last string
	for i, v := range in {
		if i > 0 && v == last {
			continue
		}
		out = append(out, v)
		last = v
	}
	return out
}
