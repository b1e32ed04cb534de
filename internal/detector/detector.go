package detector

import (
	"context"
	"fmt"

	"github.com/kindline-ai/kindline/internal/signal"
)

// Input is the text plus context handed to every detector.
type Input struct {
	Text        string
	SubjectType string
	UserContext map[string]string
}

// RawFinding is a detector's unnormalized claim about the input. Scores and
// confidences may be out of range or missing; the adapter clamps and
// substitutes before anything downstream sees them.
type RawFinding struct {
	Kind       signal.Kind
	Score      float64
	Confidence float64
	Spans      []signal.Span
}

// Detector scores text for one or more signal kinds. Implementations may be
// local heuristics or remote model calls; either way they are black boxes
// to the rest of the engine.
type Detector interface {
	Name() string
	Kinds() []signal.Kind
	Evaluate(ctx context.Context, in Input) ([]RawFinding, error)
}

// ContractError marks detector output that violates the adapter contract
// (unknown kind, non-finite score, finding for a kind the detector never
// declared). The aggregation path converts it into a conservative
// placeholder signal; it must never silently skip a circuit.
type ContractError struct {
	Detector string
	Kind     signal.Kind
	Reason   string
}

func (e *ContractError) Error() string {
	return fmt.Sprintf("detector %s: contract violation for kind %q: %s", e.Detector, e.Kind, e.Reason)
}
