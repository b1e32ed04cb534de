package verdict

import (
	"sort"
	"time"

	"github.com/kindline-ai/kindline/internal/circuit"
)

// Verdict is the evaluation-wide severity decision for one piece of content.
// Created once per pass, immutable, persisted via the audit recorder.
type Verdict struct {
	OverallStatus   circuit.Status           `json:"overall_status"`
	CircuitStatuses []circuit.CircuitStatus  `json:"circuit_statuses"`
	CanProceed      bool                     `json:"can_proceed"`
	RequiredFixes   []string                 `json:"required_fixes,omitempty"`
	EvaluatedAt     time.Time                `json:"evaluated_at"`
	// OutageDetectors lists detectors that only contributed fail-safe
	// placeholders, so the audit entry can name the outage.
	OutageDetectors []string `json:"outage_detectors,omitempty"`
}

// Policy is the slice of configuration stratification needs.
type Policy struct {
	// ProceedOnYellow allows a yellow verdict to proceed with a warning
	// instead of forcing revision. Off for content destined to a minor.
	ProceedOnYellow bool
}

// Stratify combines circuit statuses into one verdict. Rules apply in order
// and short-circuit: red_critical is a hard halt nothing later may soften,
// then red, then yellow (revision required unless policy allows
// proceed-with-warning), then green. An empty circuit list means no
// detectors ran at all; that is an outage, and an outage resolves red,
// never green.
func Stratify(statuses []circuit.CircuitStatus, pol Policy, now time.Time) Verdict {
	v := Verdict{
		CircuitStatuses: statuses,
		EvaluatedAt:     now.UTC(),
	}

	if len(statuses) == 0 {
		v.OverallStatus = circuit.StatusRed
		v.CanProceed = false
		v.RequiredFixes = []string{"fix.detector_outage.red"}
		return v
	}

	overall := circuit.StatusGreen
	for _, cs := range statuses {
		overall = circuit.Max(overall, cs.Status)
	}
	v.OverallStatus = overall

	switch overall {
	case circuit.StatusRedCritical, circuit.StatusRed:
		v.CanProceed = false
	case circuit.StatusYellow:
		v.CanProceed = pol.ProceedOnYellow
	default:
		v.CanProceed = true
	}

	v.RequiredFixes = collectFixes(statuses)
	return v
}

// collectFixes unions circuit recommendations, deduplicated, ordered by the
// originating circuit's severity so red circuits' fixes come first.
func collectFixes(statuses []circuit.CircuitStatus) []string {
	ordered := make([]circuit.CircuitStatus, len(statuses))
	copy(ordered, statuses)
	sort.SliceStable(ordered, func(i, j int) bool {
		return circuit.Rank(ordered[i].Status) > circuit.Rank(ordered[j].Status)
	})

	seen := make(map[string]struct{})
	var fixes []string
	for _, cs := range ordered {
		for _, rec := range cs.Recommendations {
			if _, dup := seen[rec]; dup {
				continue
			}
			seen[rec] = struct{}{}
			fixes = append(fixes, rec)
		}
	}
	return fixes
}
