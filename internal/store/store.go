package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/kindline-ai/kindline/internal/audit"
	"github.com/kindline-ai/kindline/internal/escalation"
	"github.com/kindline-ai/kindline/internal/monitor"
)

// Store is the opaque persistence boundary: cases, monitoring schedules,
// and the append-only audit log, keyed by case id.
type Store interface {
	PutCase(c escalation.Case) error
	GetCase(id string) (escalation.Case, bool, error)
	GetCaseBySubject(subjectRef string) (escalation.Case, bool, error)
	ListCases() ([]escalation.Case, error)

	PutSchedule(s monitor.Schedule) error
	GetSchedule(caseID string) (monitor.Schedule, bool, error)
	ListActiveSchedules() ([]monitor.Schedule, error)

	AppendAudit(entry audit.Entry) error
	ListAudit(caseID string) ([]audit.Entry, error)
	LastAudit(caseID string) (audit.Entry, bool, error)
}

// MemoryFileStore keeps everything in memory, optionally snapshotting to a
// JSON file after each mutation. With an empty path it is purely in-memory.
type MemoryFileStore struct {
	mu        sync.RWMutex
	path      string
	cases     map[string]escalation.Case
	bySubject map[string]string
	schedules map[string]monitor.Schedule
	auditLog  map[string][]audit.Entry
}

type snapshot struct {
	Cases     map[string]escalation.Case  `json:"cases"`
	Schedules map[string]monitor.Schedule `json:"schedules"`
	Audit     map[string][]audit.Entry    `json:"audit"`
}

// NewMemoryFileStore builds the store, loading the snapshot if path names
// an existing file.
func NewMemoryFileStore(path string) (*MemoryFileStore, error) {
	s := &MemoryFileStore{
		path:      path,
		cases:     map[string]escalation.Case{},
		bySubject: map[string]string{},
		schedules: map[string]monitor.Schedule{},
		auditLog:  map[string][]audit.Entry{},
	}
	if strings.TrimSpace(path) == "" {
		return s, nil
	}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *MemoryFileStore) PutCase(c escalation.Case) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cases[c.ID] = c
	s.bySubject[c.SubjectRef] = c.ID
	return s.persistLocked()
}

func (s *MemoryFileStore) GetCase(id string) (escalation.Case, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.cases[id]
	return c, ok, nil
}

func (s *MemoryFileStore) GetCaseBySubject(subjectRef string) (escalation.Case, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.bySubject[subjectRef]
	if !ok {
		return escalation.Case{}, false, nil
	}
	c, ok := s.cases[id]
	return c, ok, nil
}

func (s *MemoryFileStore) ListCases() ([]escalation.Case, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]escalation.Case, 0, len(s.cases))
	for _, c := range s.cases {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].OpenedAt.After(out[j].OpenedAt)
	})
	return out, nil
}

func (s *MemoryFileStore) PutSchedule(sched monitor.Schedule) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.schedules[sched.CaseID] = sched
	return s.persistLocked()
}

func (s *MemoryFileStore) GetSchedule(caseID string) (monitor.Schedule, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sched, ok := s.schedules[caseID]
	return sched, ok, nil
}

func (s *MemoryFileStore) ListActiveSchedules() ([]monitor.Schedule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []monitor.Schedule
	for _, sched := range s.schedules {
		if sched.Status == monitor.ScheduleActive {
			out = append(out, sched)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].StartedAt.Before(out[j].StartedAt)
	})
	return out, nil
}

func (s *MemoryFileStore) AppendAudit(entry audit.Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	entries := s.auditLog[entry.CaseID]
	if len(entries) > 0 && entry.Seq != entries[len(entries)-1].Seq+1 {
		return fmt.Errorf("audit append for case %s: seq %d does not follow %d", entry.CaseID, entry.Seq, entries[len(entries)-1].Seq)
	}
	s.auditLog[entry.CaseID] = append(entries, entry)
	return s.persistLocked()
}

func (s *MemoryFileStore) ListAudit(caseID string) ([]audit.Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entries := s.auditLog[caseID]
	out := make([]audit.Entry, len(entries))
	copy(out, entries)
	return out, nil
}

func (s *MemoryFileStore) LastAudit(caseID string) (audit.Entry, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entries := s.auditLog[caseID]
	if len(entries) == 0 {
		return audit.Entry{}, false, nil
	}
	return entries[len(entries)-1], true, nil
}

func (s *MemoryFileStore) load() error {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read store snapshot: %w", err)
	}
	var snap snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return fmt.Errorf("decode store snapshot: %w", err)
	}
	if snap.Cases != nil {
		s.cases = snap.Cases
	}
	if snap.Schedules != nil {
		s.schedules = snap.Schedules
	}
	if snap.Audit != nil {
		s.auditLog = snap.Audit
	}
	for id, c := range s.cases {
		s.bySubject[c.SubjectRef] = id
	}
	return nil
}

func (s *MemoryFileStore) persistLocked() error {
	if strings.TrimSpace(s.path) == "" {
		return nil
	}
	snap := snapshot{
		Cases:     s.cases,
		Schedules: s.schedules,
		Audit:     s.auditLog,
	}
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("encode store snapshot: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil && !os.IsExist(err) {
		return fmt.Errorf("create store dir: %w", err)
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write store snapshot: %w", err)
	}
	return os.Rename(tmp, s.path)
}
