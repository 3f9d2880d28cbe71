package pipeline

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// RunLog persists run reports in a SQLite database under the project's logs
// directory, so past runs survive restarts and can be inspected later.
type RunLog struct {
	db *sql.DB
}

const runLogSchema = `
CREATE TABLE IF NOT EXISTS runs (
	id          TEXT PRIMARY KEY,
	operation   TEXT NOT NULL,
	started_at  TIMESTAMP NOT NULL,
	finished_at TIMESTAMP NOT NULL,
	ok          INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS units (
	run_id    TEXT NOT NULL REFERENCES runs(id),
	unit      TEXT NOT NULL,
	status    TEXT NOT NULL,
	message   TEXT,
	artifacts TEXT,
	steps     INTEGER NOT NULL,
	duration_ms INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_units_run ON units(run_id);
`

// OpenRunLog opens (creating if needed) the run database at path.
func OpenRunLog(path string) (*RunLog, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open run log: %w", err)
	}
	if _, err := db.Exec(runLogSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("init run log schema: %w", err)
	}
	return &RunLog{db: db}, nil
}

// Close releases the database handle.
func (l *RunLog) Close() error { return l.db.Close() }

// SaveReport writes a run and its unit outcomes in one transaction.
func (l *RunLog) SaveReport(r *RunReport) error {
	tx, err := l.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	ok := 0
	if r.OK() {
		ok = 1
	}
	if _, err := tx.Exec(
		`INSERT INTO runs (id, operation, started_at, finished_at, ok) VALUES (?, ?, ?, ?, ?)`,
		r.ID, r.Operation, r.StartedAt, r.FinishedAt, ok,
	); err != nil {
		return fmt.Errorf("save run: %w", err)
	}

	for _, u := range r.Units {
		if _, err := tx.Exec(
			`INSERT INTO units (run_id, unit, status, message, artifacts, steps, duration_ms)
			 VALUES (?, ?, ?, ?, ?, ?, ?)`,
			r.ID, u.Unit, string(u.Status), u.Message,
			strings.Join(u.Artifacts, "\n"), len(u.Steps), u.Duration.Milliseconds(),
		); err != nil {
			return fmt.Errorf("save unit %s: %w", u.Unit, err)
		}
	}
	return tx.Commit()
}

// RunSummary is one row of the run history.
type RunSummary struct {
	ID         string
	Operation  string
	StartedAt  time.Time
	FinishedAt time.Time
	OK         bool
	Units      int
}

// Recent returns the latest runs, newest first.
func (l *RunLog) Recent(limit int) ([]RunSummary, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := l.db.Query(
		`SELECT r.id, r.operation, r.started_at, r.finished_at, r.ok,
		        (SELECT COUNT(*) FROM units u WHERE u.run_id = r.id)
		 FROM runs r ORDER BY r.started_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []RunSummary
	for rows.Next() {
		var s RunSummary
		var ok int
		if err := rows.Scan(&s.ID, &s.Operation, &s.StartedAt, &s.FinishedAt, &ok, &s.Units); err != nil {
			return nil, err
		}
		s.OK = ok == 1
		out = append(out, s)
	}
	return out, rows.Err()
}

// UnitOutcomes returns the persisted unit rows for a run.
func (l *RunLog) UnitOutcomes(runID string) ([]UnitOutcome, error) {
	rows, err := l.db.Query(
		`SELECT unit, status, message, artifacts, duration_ms FROM units WHERE run_id = ?`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []UnitOutcome
	for rows.Next() {
		var u UnitOutcome
		var status, artifacts string
		var durationMS int64
		if err := rows.Scan(&u.Unit, &status, &u.Message, &artifacts, &durationMS); err != nil {
			return nil, err
		}
		u.Status = UnitStatus(status)
		if artifacts != "" {
			u.Artifacts = strings.Split(artifacts, "\n")
		}
		u.Duration = time.Duration(durationMS) * time.Millisecond
		out = append(out, u)
	}
	return out, rows.Err()
}
