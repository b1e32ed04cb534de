package circuit

import (
	"testing"

	"github.com/kindline-ai/kindline/internal/config"
	"github.com/kindline-ai/kindline/internal/signal"
)

func testThresholds() map[string]config.ThresholdConfig {
	return config.DefaultThresholds()
}

func sig(kind signal.Kind, score float64) signal.Signal {
	c, _ := signal.KindCircuit(kind)
	return signal.Signal{Kind: kind, Score: score, Confidence: 0.9, SourceCircuit: c, Detector: "test"}
}

func TestAggregateMaxNotMean(t *testing.T) {
	// Nine calm signals plus one over the red cut. Averaging would hide the
	// dangerous one; the fold must not.
	signals := []signal.Signal{
		sig(signal.KindSelfHarmRisk, 0.05),
		sig(signal.KindSelfHarmRisk, 0.05),
		sig(signal.KindSelfHarmRisk, 0.05),
		sig(signal.KindSelfHarmRisk, 0.05),
		sig(signal.KindSelfHarmRisk, 0.05),
		sig(signal.KindSelfHarmRisk, 0.05),
		sig(signal.KindSelfHarmRisk, 0.05),
		sig(signal.KindSelfHarmRisk, 0.05),
		sig(signal.KindSelfHarmRisk, 0.05),
		sig(signal.KindSelfHarmRisk, 0.50),
	}
	got := Aggregate(signal.CircuitRisk, signals, testThresholds())
	if got.Status != StatusRed {
		t.Fatalf("expected red from a single breaching signal, got %s", got.Status)
	}
}

func TestAggregateCriticalTrigger(t *testing.T) {
	got := Aggregate(signal.CircuitRisk, []signal.Signal{
		sig(signal.KindExplicitSuicidePlan, 0.95),
	}, testThresholds())
	if got.Status != StatusRedCritical {
		t.Fatalf("expected red_critical, got %s", got.Status)
	}
}

func TestAggregatePlaceholderStopsAtRed(t *testing.T) {
	// A fail-safe substitute for a down critical-trigger detector carries
	// the maximal score but zero confidence: the circuit pins at red, not
	// red_critical, because nothing critical was actually observed.
	ph := signal.Signal{
		Kind:          signal.KindExplicitSuicidePlan,
		Score:         1.0,
		Confidence:    0,
		SourceCircuit: signal.CircuitRisk,
		Detector:      "adapter",
		Note:          "fail_safe:ml-risk:upstream unavailable",
	}
	got := Aggregate(signal.CircuitRisk, []signal.Signal{ph}, testThresholds())
	if got.Status != StatusRed {
		t.Fatalf("expected red for an outage placeholder, got %s", got.Status)
	}
}

func TestAggregateNonTriggerKindNeverCritical(t *testing.T) {
	// self_harm_risk has no critical cut; even score 1.0 stops at red.
	got := Aggregate(signal.CircuitRisk, []signal.Signal{
		sig(signal.KindSelfHarmRisk, 1.0),
	}, testThresholds())
	if got.Status != StatusRed {
		t.Fatalf("expected red, got %s", got.Status)
	}
}

func TestAggregateEmptyIsGreen(t *testing.T) {
	got := Aggregate(signal.CircuitStyle, nil, testThresholds())
	if got.Status != StatusGreen {
		t.Fatalf("expected green for an empty circuit, got %s", got.Status)
	}
	if len(got.Recommendations) != 0 {
		t.Fatalf("expected no recommendations, got %v", got.Recommendations)
	}
}

func TestAggregateRecommendations(t *testing.T) {
	got := Aggregate(signal.CircuitStyle, []signal.Signal{
		sig(signal.KindImpoliteness, 0.80),
		sig(signal.KindImpoliteness, 0.80), // duplicate breach, one recommendation
		sig(signal.KindManipulation, 0.40),
	}, testThresholds())
	want := []string{"fix.impoliteness.red", "fix.manipulation.yellow"}
	if len(got.Recommendations) != len(want) {
		t.Fatalf("recommendations = %v, want %v", got.Recommendations, want)
	}
	for i := range want {
		if got.Recommendations[i] != want[i] {
			t.Fatalf("recommendations = %v, want %v", got.Recommendations, want)
		}
	}
}

func TestAggregateAllDropsInconsistentSignals(t *testing.T) {
	signals := []signal.Signal{
		{Kind: signal.Kind("mystery"), Score: 1.0, SourceCircuit: signal.CircuitRisk, Detector: "test"},
		{Kind: signal.KindImpoliteness, Score: 1.0, SourceCircuit: signal.CircuitRisk, Detector: "test"}, // circuit mismatch
	}
	statuses := AggregateAll(signals, testThresholds())
	if len(statuses) != 3 {
		t.Fatalf("expected 3 circuit statuses, got %d", len(statuses))
	}
	for _, cs := range statuses {
		if cs.Status != StatusGreen {
			t.Fatalf("circuit %s = %s, inconsistent signals should be dropped", cs.CircuitID, cs.Status)
		}
	}
}

func TestMaxOrdering(t *testing.T) {
	if Max(StatusGreen, StatusYellow) != StatusYellow {
		t.Fatalf("yellow > green")
	}
	if Max(StatusRed, StatusYellow) != StatusRed {
		t.Fatalf("red > yellow")
	}
	if Max(StatusRed, StatusRedCritical) != StatusRedCritical {
		t.Fatalf("red_critical > red")
	}
}
