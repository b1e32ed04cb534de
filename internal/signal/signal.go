package signal

// Kind identifies what a detector claims to have found in the text.
// The set is closed: adding a detector for a new concern means adding a
// Kind here plus an adapter, never touching aggregation.
type Kind string

const (
	KindImpoliteness         Kind = "impoliteness"
	KindManipulation         Kind = "manipulation"
	KindToxicity             Kind = "toxicity"
	KindPIILeak              Kind = "pii_leak"
	KindSelfHarmRisk         Kind = "self_harm_risk"
	KindExplicitSuicidePlan  Kind = "explicit_suicidal_plan"
	KindViolenceThreat       Kind = "violence_threat"
	KindExplicitViolencePlan Kind = "explicit_violence_plan"
	KindChildHarmIntent      Kind = "child_harm_intent"
	// KindMonitoringBreach is synthesized by the monitoring scheduler when
	// check-ins are missed beyond grace; it never comes from a detector.
	KindMonitoringBreach Kind = "monitoring_breach"
)

// Circuit is a named grouping of related signal kinds reduced to one status.
type Circuit string

const (
	CircuitStyle   Circuit = "style"
	CircuitPrivacy Circuit = "privacy"
	CircuitRisk    Circuit = "risk"
)

// Span points at the fragment of text that produced a signal.
type Span struct {
	Start   int    `json:"start"`
	End     int    `json:"end"`
	Excerpt string `json:"excerpt,omitempty"`
}

// Signal is a single detector's normalized output. Immutable once produced;
// folded into a circuit status and then discarded.
type Signal struct {
	Kind          Kind    `json:"kind"`
	Score         float64 `json:"score"`
	Evidence      []Span  `json:"evidence,omitempty"`
	Confidence    float64 `json:"confidence"`
	SourceCircuit Circuit `json:"source_circuit"`
	// Detector names the producer, or "adapter" for fail-safe placeholders.
	Detector string `json:"detector,omitempty"`
	// Note carries outage/contract-violation context into the audit trail.
	Note string `json:"note,omitempty"`
}

var kindCircuits = map[Kind]Circuit{
	KindImpoliteness:         CircuitStyle,
	KindManipulation:         CircuitStyle,
	KindToxicity:             CircuitStyle,
	KindPIILeak:              CircuitPrivacy,
	KindSelfHarmRisk:         CircuitRisk,
	KindExplicitSuicidePlan:  CircuitRisk,
	KindViolenceThreat:       CircuitRisk,
	KindExplicitViolencePlan: CircuitRisk,
	KindChildHarmIntent:      CircuitRisk,
	KindMonitoringBreach:     CircuitRisk,
}

// KindCircuit maps a kind to its home circuit. Unknown kinds return
// ("", false) so the aggregator can drop them instead of guessing.
func KindCircuit(k Kind) (Circuit, bool) {
	c, ok := kindCircuits[k]
	return c, ok
}

// Kinds returns every known kind, risk kinds last.
func Kinds() []Kind {
	return []Kind{
		KindImpoliteness,
		KindManipulation,
		KindToxicity,
		KindPIILeak,
		KindSelfHarmRisk,
		KindExplicitSuicidePlan,
		KindViolenceThreat,
		KindExplicitViolencePlan,
		KindChildHarmIntent,
		KindMonitoringBreach,
	}
}

// ConservativeScore is the fail-safe score substituted when a detector for
// this kind failed or timed out. Failure must read as danger, not absence:
// risk kinds substitute the maximum, style/privacy kinds a revision-forcing
// level.
func ConservativeScore(k Kind) float64 {
	switch c, _ := KindCircuit(k); c {
	case CircuitRisk:
		return 1.0
	default:
		return 0.6
	}
}

// Clamp01 pins a raw detector value into [0,1].
func Clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// IsCritical reports whether the kind is a critical-trigger by default.
// Config may extend this set but never shrink it below these.
func IsCritical(k Kind) bool {
	switch k {
	case KindExplicitSuicidePlan, KindExplicitViolencePlan, KindChildHarmIntent:
		return true
	}
	return false
}
