package detector

import (
	"math"

	"github.com/kindline-ai/kindline/internal/signal"
)

// Normalize converts one raw finding into a Signal, clamping score and
// confidence into [0,1]. A finding for an unknown kind or with a non-finite
// score returns a ContractError instead of a signal.
func Normalize(detectorName string, raw RawFinding) (signal.Signal, error) {
	circuit, ok := signal.KindCircuit(raw.Kind)
	if !ok {
		return signal.Signal{}, &ContractError{Detector: detectorName, Kind: raw.Kind, Reason: "unknown kind"}
	}
	if math.IsNaN(raw.Score) || math.IsInf(raw.Score, 0) {
		return signal.Signal{}, &ContractError{Detector: detectorName, Kind: raw.Kind, Reason: "score is not a finite number"}
	}
	if math.IsNaN(raw.Confidence) || math.IsInf(raw.Confidence, 0) {
		return signal.Signal{}, &ContractError{Detector: detectorName, Kind: raw.Kind, Reason: "confidence is not a finite number"}
	}

	return signal.Signal{
		Kind:          raw.Kind,
		Score:         signal.Clamp01(raw.Score),
		Evidence:      raw.Spans,
		Confidence:    signal.Clamp01(raw.Confidence),
		SourceCircuit: circuit,
		Detector:      detectorName,
	}, nil
}

// Placeholder builds the fail-safe substitute signal for a kind whose
// detector failed, timed out, or emitted garbage. Confidence zero marks it
// as synthetic; the score defaults to the most conservative value for the
// kind so an outage reads as danger, never as absence of opinion.
func Placeholder(detectorName string, kind signal.Kind, note string) signal.Signal {
	circuit, _ := signal.KindCircuit(kind)
	return signal.Signal{
		Kind:          kind,
		Score:         signal.ConservativeScore(kind),
		Confidence:    0,
		SourceCircuit: circuit,
		Detector:      "adapter",
		Note:          "fail_safe:" + detectorName + ":" + note,
	}
}
