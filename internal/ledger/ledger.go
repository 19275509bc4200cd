// Package ledger records pipeline runs in SQLite for the status command.
package ledger

import (
	"database/sql"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/zeebo/blake3"
	_ "modernc.org/sqlite"
)

const (
	StatusSucceeded = "succeeded"
	StatusPartial   = "partial"
	StatusFailed    = "failed"
)

// timeLayout is fixed-width so stored timestamps sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

// Run is one aggregation pass over one input set.
type Run struct {
	ID          string
	StartedAt   time.Time
	FinishedAt  time.Time
	Mode        string
	InputSet    string
	Model       string
	Strategy    string
	Risk        string
	TokenCount  int
	Calls       int
	ReportPath  string
	Status      string
	Error       string
	InputDigest string
}

type Ledger struct {
	db *sql.DB
	mu sync.Mutex
}

func Open(dbPath string) (*Ledger, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	l := &Ledger{db: db}
	if err := l.configure(); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := l.initSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return l, nil
}

func (l *Ledger) configure() error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
	}
	for _, p := range pragmas {
		if _, err := l.db.Exec(p); err != nil {
			return fmt.Errorf("sqlite pragma %q: %w", p, err)
		}
	}
	return nil
}

func (l *Ledger) Close() error {
	if l.db == nil {
		return nil
	}
	return l.db.Close()
}

func (l *Ledger) initSchema() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS runs (
			id TEXT PRIMARY KEY,
			started_at TEXT NOT NULL,
			finished_at TEXT NOT NULL,
			mode TEXT NOT NULL,
			input_set TEXT NOT NULL,
			model TEXT NOT NULL,
			strategy TEXT NOT NULL DEFAULT '',
			risk TEXT NOT NULL DEFAULT '',
			token_count INTEGER NOT NULL DEFAULT 0,
			calls INTEGER NOT NULL DEFAULT 0,
			report_path TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL,
			error TEXT NOT NULL DEFAULT '',
			input_digest TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_started ON runs(started_at)`,
		`CREATE TABLE IF NOT EXISTS entity_reports (
			entity TEXT NOT NULL,
			audience TEXT NOT NULL,
			report_path TEXT NOT NULL,
			created_at TEXT NOT NULL DEFAULT (datetime('now')),
			PRIMARY KEY (entity, audience, report_path)
		)`,
	}
	for _, stmt := range stmts {
		if _, err := l.db.Exec(stmt); err != nil {
			return fmt.Errorf("init schema: %w", err)
		}
	}
	return nil
}

// Record stores run, assigning an ID when it has none.
func (l *Ledger) Record(run Run) (Run, error) {
	if run.ID == "" {
		run.ID = uuid.NewString()
	}
	if run.FinishedAt.IsZero() {
		run.FinishedAt = time.Now()
	}
	if run.StartedAt.IsZero() {
		run.StartedAt = run.FinishedAt
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	_, err := l.db.Exec(`
		INSERT INTO runs (id, started_at, finished_at, mode, input_set, model, strategy, risk,
			token_count, calls, report_path, status, error, input_digest)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID, formatTime(run.StartedAt), formatTime(run.FinishedAt), run.Mode, run.InputSet, run.Model,
		run.Strategy, run.Risk, run.TokenCount, run.Calls, run.ReportPath, run.Status, run.Error, run.InputDigest,
	)
	if err != nil {
		return run, fmt.Errorf("record run: %w", err)
	}
	return run, nil
}

// Recent returns up to limit runs, newest first.
func (l *Ledger) Recent(limit int) ([]Run, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := l.db.Query(`
		SELECT id, started_at, finished_at, mode, input_set, model, strategy, risk,
			token_count, calls, report_path, status, error, input_digest
		FROM runs
		ORDER BY started_at DESC, rowid DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}
	defer rows.Close()

	var out []Run
	for rows.Next() {
		var r Run
		var started, finished string
		if err := rows.Scan(&r.ID, &started, &finished, &r.Mode, &r.InputSet, &r.Model, &r.Strategy, &r.Risk,
			&r.TokenCount, &r.Calls, &r.ReportPath, &r.Status, &r.Error, &r.InputDigest); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		r.StartedAt = parseTime(started)
		r.FinishedAt = parseTime(finished)
		out = append(out, r)
	}
	return out, rows.Err()
}

// RecordEntityReport notes that an audience report for entity was written.
func (l *Ledger) RecordEntityReport(entity, audience, path string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, err := l.db.Exec(`INSERT OR IGNORE INTO entity_reports (entity, audience, report_path) VALUES (?, ?, ?)`,
		entity, audience, path)
	if err != nil {
		return fmt.Errorf("record entity report: %w", err)
	}
	return nil
}

// ReportedAudiences maps each entity to the set of audiences with a report.
func (l *Ledger) ReportedAudiences() (map[string]map[string]bool, error) {
	rows, err := l.db.Query(`SELECT DISTINCT entity, audience FROM entity_reports`)
	if err != nil {
		return nil, fmt.Errorf("query entity reports: %w", err)
	}
	defer rows.Close()

	out := make(map[string]map[string]bool)
	for rows.Next() {
		var entity, audience string
		if err := rows.Scan(&entity, &audience); err != nil {
			return nil, fmt.Errorf("scan entity report: %w", err)
		}
		if out[entity] == nil {
			out[entity] = make(map[string]bool)
		}
		out[entity][audience] = true
	}
	return out, rows.Err()
}

// Progress counts entities that have a report for every audience.
type Progress struct {
	Total    int
	Complete int
	Pending  []string
}

func (l *Ledger) EntityProgress(entities, audiences []string) (Progress, error) {
	reported, err := l.ReportedAudiences()
	if err != nil {
		return Progress{}, err
	}
	p := Progress{Total: len(entities)}
	for _, e := range entities {
		done := true
		for _, a := range audiences {
			if !reported[e][a] {
				done = false
				break
			}
		}
		if done {
			p.Complete++
		} else {
			p.Pending = append(p.Pending, e)
		}
	}
	return p, nil
}

// Digest fingerprints the inputs of a run.
func Digest(parts ...string) string {
	h := blake3.New()
	for _, p := range parts {
		_, _ = h.Write([]byte(p))
		_, _ = h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
