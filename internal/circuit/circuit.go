package circuit

import (
	"github.com/kindline-ai/kindline/internal/signal"
)

// Status is the severity of one circuit after folding its signals.
type Status string

const (
	StatusGreen       Status = "green"
	StatusYellow      Status = "yellow"
	StatusRed         Status = "red"
	StatusRedCritical Status = "red_critical"
)

var statusRank = map[Status]int{
	StatusGreen:       0,
	StatusYellow:      1,
	StatusRed:         2,
	StatusRedCritical: 3,
}

// Rank orders statuses by severity; higher is worse.
func Rank(s Status) int { return statusRank[s] }

// Max returns the more severe of two statuses.
func Max(a, b Status) Status {
	if Rank(b) > Rank(a) {
		return b
	}
	return a
}

// CircuitStatus is one circuit's reduced view of an evaluation pass.
type CircuitStatus struct {
	CircuitID           signal.Circuit  `json:"circuit_id"`
	Status              Status          `json:"status"`
	ContributingSignals []signal.Signal `json:"contributing_signals"`
	Recommendations     []string        `json:"recommendations,omitempty"`
}
