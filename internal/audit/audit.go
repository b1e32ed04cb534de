package audit

import (
	"time"
)

// EntryType categorizes what an audit entry records.
type EntryType string

const (
	EntryVerdict      EntryType = "verdict"
	EntryTransition   EntryType = "transition"
	EntryScheduleTick EntryType = "schedule_tick"
)

// Entry is one append-only audit record. Entries for a case form a sha256
// chain (PrevHash/Hash) so tampering or reordering is detectable. Raw
// content never appears here: evidence is stored as hash plus masked
// excerpt, everything else is detector kind, score, and outcome.
type Entry struct {
	ID        string         `json:"id"`
	CaseID    string         `json:"case_id"`
	Seq       int64          `json:"seq"`
	Type      EntryType      `json:"type"`
	Timestamp time.Time      `json:"timestamp"`
	Detail    map[string]any `json:"detail"`
	PrevHash  string         `json:"prev_hash"`
	Hash      string         `json:"hash"`
}

// Log is the persistence boundary the recorder writes through. Appends are
// synchronous; an append error means the entry is not durable and the
// caller must not act on the decision it records.
type Log interface {
	AppendAudit(entry Entry) error
	ListAudit(caseID string) ([]Entry, error)
	LastAudit(caseID string) (Entry, bool, error)
}
