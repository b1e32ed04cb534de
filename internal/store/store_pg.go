package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/kindline-ai/kindline/internal/audit"
	"github.com/kindline-ai/kindline/internal/escalation"
	"github.com/kindline-ai/kindline/internal/monitor"
)

// Schema is the DDL the postgres backend expects. Cases and schedules are
// documents keyed by id; the audit table enforces the per-case append-only
// sequence with a primary key on (case_id, seq).
const Schema = `
CREATE TABLE IF NOT EXISTS cases (
	id          TEXT PRIMARY KEY,
	subject_ref TEXT NOT NULL UNIQUE,
	doc         JSONB NOT NULL
);
CREATE TABLE IF NOT EXISTS schedules (
	case_id TEXT PRIMARY KEY,
	status  TEXT NOT NULL,
	doc     JSONB NOT NULL
);
CREATE TABLE IF NOT EXISTS audit_entries (
	case_id TEXT NOT NULL,
	seq     BIGINT NOT NULL,
	doc     JSONB NOT NULL,
	PRIMARY KEY (case_id, seq)
);
`

// PgStore persists through a pgx pool.
type PgStore struct {
	pool *pgxpool.Pool
}

func NewPgStore(pool *pgxpool.Pool) *PgStore {
	return &PgStore{pool: pool}
}

// Migrate applies the schema.
func (s *PgStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, Schema)
	return err
}

func (s *PgStore) PutCase(c escalation.Case) error {
	doc, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("encode case: %w", err)
	}
	_, err = s.pool.Exec(context.Background(),
		`INSERT INTO cases (id, subject_ref, doc) VALUES ($1, $2, $3)
		 ON CONFLICT (id) DO UPDATE SET subject_ref = $2, doc = $3`,
		c.ID, c.SubjectRef, doc)
	return err
}

func (s *PgStore) GetCase(id string) (escalation.Case, bool, error) {
	return s.scanCase(s.pool.QueryRow(context.Background(),
		`SELECT doc FROM cases WHERE id = $1`, id))
}

func (s *PgStore) GetCaseBySubject(subjectRef string) (escalation.Case, bool, error) {
	return s.scanCase(s.pool.QueryRow(context.Background(),
		`SELECT doc FROM cases WHERE subject_ref = $1`, subjectRef))
}

func (s *PgStore) ListCases() ([]escalation.Case, error) {
	rows, err := s.pool.Query(context.Background(),
		`SELECT doc FROM cases ORDER BY doc->>'opened_at' DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []escalation.Case
	for rows.Next() {
		var doc []byte
		if err := rows.Scan(&doc); err != nil {
			return nil, err
		}
		var c escalation.Case
		if err := json.Unmarshal(doc, &c); err != nil {
			return nil, fmt.Errorf("decode case: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *PgStore) PutSchedule(sched monitor.Schedule) error {
	doc, err := json.Marshal(sched)
	if err != nil {
		return fmt.Errorf("encode schedule: %w", err)
	}
	_, err = s.pool.Exec(context.Background(),
		`INSERT INTO schedules (case_id, status, doc) VALUES ($1, $2, $3)
		 ON CONFLICT (case_id) DO UPDATE SET status = $2, doc = $3`,
		sched.CaseID, string(sched.Status), doc)
	return err
}

func (s *PgStore) GetSchedule(caseID string) (monitor.Schedule, bool, error) {
	var doc []byte
	err := s.pool.QueryRow(context.Background(),
		`SELECT doc FROM schedules WHERE case_id = $1`, caseID).Scan(&doc)
	if errors.Is(err, pgx.ErrNoRows) {
		return monitor.Schedule{}, false, nil
	}
	if err != nil {
		return monitor.Schedule{}, false, err
	}
	var sched monitor.Schedule
	if err := json.Unmarshal(doc, &sched); err != nil {
		return monitor.Schedule{}, false, fmt.Errorf("decode schedule: %w", err)
	}
	return sched, true, nil
}

func (s *PgStore) ListActiveSchedules() ([]monitor.Schedule, error) {
	rows, err := s.pool.Query(context.Background(),
		`SELECT doc FROM schedules WHERE status = $1 ORDER BY doc->>'started_at'`,
		string(monitor.ScheduleActive))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []monitor.Schedule
	for rows.Next() {
		var doc []byte
		if err := rows.Scan(&doc); err != nil {
			return nil, err
		}
		var sched monitor.Schedule
		if err := json.Unmarshal(doc, &sched); err != nil {
			return nil, fmt.Errorf("decode schedule: %w", err)
		}
		out = append(out, sched)
	}
	return out, rows.Err()
}

func (s *PgStore) AppendAudit(entry audit.Entry) error {
	doc, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("encode audit entry: %w", err)
	}
	// The (case_id, seq) primary key makes the append-only ordering a
	// database invariant: a duplicate or out-of-order append fails.
	_, err = s.pool.Exec(context.Background(),
		`INSERT INTO audit_entries (case_id, seq, doc) VALUES ($1, $2, $3)`,
		entry.CaseID, entry.Seq, doc)
	return err
}

func (s *PgStore) ListAudit(caseID string) ([]audit.Entry, error) {
	rows, err := s.pool.Query(context.Background(),
		`SELECT doc FROM audit_entries WHERE case_id = $1 ORDER BY seq`, caseID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []audit.Entry
	for rows.Next() {
		var doc []byte
		if err := rows.Scan(&doc); err != nil {
			return nil, err
		}
		var e audit.Entry
		if err := json.Unmarshal(doc, &e); err != nil {
			return nil, fmt.Errorf("decode audit entry: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *PgStore) LastAudit(caseID string) (audit.Entry, bool, error) {
	var doc []byte
	err := s.pool.QueryRow(context.Background(),
		`SELECT doc FROM audit_entries WHERE case_id = $1 ORDER BY seq DESC LIMIT 1`, caseID).Scan(&doc)
	if errors.Is(err, pgx.ErrNoRows) {
		return audit.Entry{}, false, nil
	}
	if err != nil {
		return audit.Entry{}, false, err
	}
	var e audit.Entry
	if err := json.Unmarshal(doc, &e); err != nil {
		return audit.Entry{}, false, fmt.Errorf("decode audit entry: %w", err)
	}
	return e, true, nil
}

func (s *PgStore) scanCase(row pgx.Row) (escalation.Case, bool, error) {
	var doc []byte
	err := row.Scan(&doc)
	if errors.Is(err, pgx.ErrNoRows) {
		return escalation.Case{}, false, nil
	}
	if err != nil {
		return escalation.Case{}, false, err
	}
	var c escalation.Case
	if err := json.Unmarshal(doc, &c); err != nil {
		return escalation.Case{}, false, fmt.Errorf("decode case: %w", err)
	}
	return c, true, nil
}
