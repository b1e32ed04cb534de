package detector

import (
	"math"
	"testing"

	"github.com/kindline-ai/kindline/internal/signal"
)

func TestNormalizeClampsScores(t *testing.T) {
	sig, err := Normalize("remote", RawFinding{Kind: signal.KindToxicity, Score: 1.7, Confidence: -0.2})
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	if sig.Score != 1.0 {
		t.Fatalf("score = %v, want clamped 1.0", sig.Score)
	}
	if sig.Confidence != 0 {
		t.Fatalf("confidence = %v, want clamped 0", sig.Confidence)
	}
	if sig.SourceCircuit != signal.CircuitStyle {
		t.Fatalf("circuit = %s", sig.SourceCircuit)
	}
	if sig.Detector != "remote" {
		t.Fatalf("detector = %q", sig.Detector)
	}
}

func TestNormalizeRejectsUnknownKind(t *testing.T) {
	_, err := Normalize("remote", RawFinding{Kind: signal.Kind("vibes"), Score: 0.5})
	if err == nil {
		t.Fatalf("expected contract error for unknown kind")
	}
	ce, ok := err.(*ContractError)
	if !ok {
		t.Fatalf("expected *ContractError, got %T", err)
	}
	if ce.Detector != "remote" {
		t.Fatalf("detector = %q", ce.Detector)
	}
}

func TestNormalizeRejectsNonFiniteScore(t *testing.T) {
	for _, bad := range []float64{math.NaN(), math.Inf(1), math.Inf(-1)} {
		if _, err := Normalize("remote", RawFinding{Kind: signal.KindToxicity, Score: bad}); err == nil {
			t.Fatalf("expected contract error for score %v", bad)
		}
	}
}

func TestPlaceholderIsConservative(t *testing.T) {
	sig := Placeholder("ml-risk", signal.KindExplicitSuicidePlan, "invocation_failed")
	if sig.Score != 1.0 {
		t.Fatalf("risk placeholder score = %v, want 1.0", sig.Score)
	}
	if sig.Confidence != 0 {
		t.Fatalf("placeholder must mark itself synthetic with confidence 0")
	}
	if sig.SourceCircuit != signal.CircuitRisk {
		t.Fatalf("circuit = %s", sig.SourceCircuit)
	}

	style := Placeholder("ml-style", signal.KindImpoliteness, "invocation_failed")
	if style.Score != 0.6 {
		t.Fatalf("style placeholder score = %v, want 0.6", style.Score)
	}
}
