package audit

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kindline-ai/kindline/internal/redact"
	"github.com/kindline-ai/kindline/internal/verdict"
)

// Recorder writes audit entries through a Log, maintaining the per-case
// hash chain. Writes for a single case are ordered: the recorder serializes
// them and threads PrevHash through. Unrelated cases may interleave.
type Recorder struct {
	log   Log
	clock func() time.Time

	mu   sync.Mutex
	tips map[string]chainTip
}

type chainTip struct {
	seq  int64
	hash string
}

// NewRecorder wraps a Log.
func NewRecorder(log Log) *Recorder {
	return &Recorder{
		log:   log,
		clock: time.Now,
		tips:  make(map[string]chainTip),
	}
}

// WithClock overrides the clock for deterministic testing.
func (r *Recorder) WithClock(clock func() time.Time) *Recorder {
	r.clock = clock
	return r
}

// RecordVerdict appends a redacted verdict entry. The returned entry id is
// the durable proof the caller needs before acting on the verdict.
func (r *Recorder) RecordVerdict(caseID string, v verdict.Verdict) (Entry, error) {
	return r.append(caseID, EntryVerdict, verdictDetail(v))
}

// RecordTransition appends a state-machine transition entry.
func (r *Recorder) RecordTransition(caseID, from, to, trigger, actor, reason string) (Entry, error) {
	detail := map[string]any{
		"from":    from,
		"to":      to,
		"trigger": trigger,
	}
	if actor != "" {
		detail["actor"] = actor
	}
	if reason != "" {
		detail["reason"] = redact.String(reason)
	}
	return r.append(caseID, EntryTransition, detail)
}

// RecordScheduleTick appends a monitoring-tick entry.
func (r *Recorder) RecordScheduleTick(caseID string, detail map[string]any) (Entry, error) {
	return r.append(caseID, EntryScheduleTick, detail)
}

// List returns the case's audit trail in append order.
func (r *Recorder) List(caseID string) ([]Entry, error) {
	return r.log.ListAudit(caseID)
}

// Verify walks a case's chain and reports the first break, if any.
func (r *Recorder) Verify(caseID string) error {
	entries, err := r.log.ListAudit(caseID)
	if err != nil {
		return err
	}
	prevHash := ""
	for i, e := range entries {
		payload, err := stableJSON(e.Detail)
		if err != nil {
			return fmt.Errorf("entry %d: %w", i, err)
		}
		if e.PrevHash != prevHash {
			return fmt.Errorf("entry %d (seq %d): prev_hash mismatch", i, e.Seq)
		}
		if want := entryHash(prevHash, e.Seq, payload); e.Hash != want {
			return fmt.Errorf("entry %d (seq %d): hash mismatch", i, e.Seq)
		}
		prevHash = e.Hash
	}
	return nil
}

func (r *Recorder) append(caseID string, typ EntryType, detail map[string]any) (Entry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	tip, ok := r.tips[caseID]
	if !ok {
		last, found, err := r.log.LastAudit(caseID)
		if err != nil {
			return Entry{}, fmt.Errorf("load audit tip: %w", err)
		}
		if found {
			tip = chainTip{seq: last.Seq, hash: last.Hash}
		}
	}

	payload, err := stableJSON(detail)
	if err != nil {
		return Entry{}, fmt.Errorf("canonicalize audit detail: %w", err)
	}

	entry := Entry{
		ID:        uuid.New().String(),
		CaseID:    caseID,
		Seq:       tip.seq + 1,
		Type:      typ,
		Timestamp: r.clock().UTC(),
		Detail:    detail,
		PrevHash:  tip.hash,
		Hash:      entryHash(tip.hash, tip.seq+1, payload),
	}

	if err := r.log.AppendAudit(entry); err != nil {
		// Another writer may have advanced the chain since the tip was
		// cached (the server and the monitor share one store). Reload the
		// tip and retry once; if the tip did not move, the failure is real.
		fresh, rerr := r.reloadTip(caseID)
		if rerr != nil || fresh == tip {
			delete(r.tips, caseID)
			return Entry{}, fmt.Errorf("append audit entry: %w", err)
		}
		entry.Seq = fresh.seq + 1
		entry.PrevHash = fresh.hash
		entry.Hash = entryHash(fresh.hash, entry.Seq, payload)
		if err := r.log.AppendAudit(entry); err != nil {
			delete(r.tips, caseID)
			return Entry{}, fmt.Errorf("append audit entry: %w", err)
		}
	}

	r.tips[caseID] = chainTip{seq: entry.Seq, hash: entry.Hash}
	return entry, nil
}

func (r *Recorder) reloadTip(caseID string) (chainTip, error) {
	last, found, err := r.log.LastAudit(caseID)
	if err != nil {
		return chainTip{}, err
	}
	if !found {
		return chainTip{}, nil
	}
	return chainTip{seq: last.Seq, hash: last.Hash}, nil
}

// verdictDetail flattens a verdict into an audit-safe detail map. Evidence
// text is reduced to hash plus masked excerpt; kind, score and outcome stay
// in cleartext.
func verdictDetail(v verdict.Verdict) map[string]any {
	circuits := make([]map[string]any, 0, len(v.CircuitStatuses))
	for _, cs := range v.CircuitStatuses {
		sigs := make([]map[string]any, 0, len(cs.ContributingSignals))
		for _, s := range cs.ContributingSignals {
			sig := map[string]any{
				"kind":       string(s.Kind),
				"score":      s.Score,
				"confidence": s.Confidence,
				"detector":   s.Detector,
			}
			if s.Note != "" {
				sig["note"] = s.Note
			}
			if len(s.Evidence) > 0 {
				ev := make([]map[string]any, 0, len(s.Evidence))
				for _, sp := range s.Evidence {
					ev = append(ev, map[string]any{
						"start":   sp.Start,
						"end":     sp.End,
						"hash":    redact.EvidenceHash(sp.Excerpt),
						"excerpt": redact.Excerpt(sp.Excerpt, 80),
					})
				}
				sig["evidence"] = ev
			}
			sigs = append(sigs, sig)
		}
		circuits = append(circuits, map[string]any{
			"circuit_id":      string(cs.CircuitID),
			"status":          string(cs.Status),
			"signals":         sigs,
			"recommendations": cs.Recommendations,
		})
	}

	detail := map[string]any{
		"overall_status": string(v.OverallStatus),
		"can_proceed":    v.CanProceed,
		"required_fixes": v.RequiredFixes,
		"evaluated_at":   v.EvaluatedAt.Format(time.RFC3339Nano),
		"circuits":       circuits,
	}
	if len(v.OutageDetectors) > 0 {
		detail["outage_detectors"] = v.OutageDetectors
	}
	return detail
}
