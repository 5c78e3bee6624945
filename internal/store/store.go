// Package store persists plate runs and per-well measurements in a local
// sqlite database.
package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/colorcam/plate.report/internal/calib"
	"github.com/colorcam/plate.report/internal/geometry"
	"github.com/colorcam/plate.report/internal/spectral"
)

type Store struct {
	*sql.DB
}

// NewStore opens (or creates) the database at path and ensures the schema
// exists. Use ":memory:" for an ephemeral store in tests.
func NewStore(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}

	if _, err := db.Exec(`PRAGMA journal_mode=WAL; PRAGMA busy_timeout=5000;`); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: set pragmas: %w", err)
	}

	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS runs (
			run_id            TEXT PRIMARY KEY,
			started_at        TIMESTAMP NOT NULL,
			completed_at      TIMESTAMP,
			mode              TEXT NOT NULL,
			num_rows          INTEGER NOT NULL,
			num_cols          INTEGER NOT NULL,
			status            TEXT NOT NULL DEFAULT 'running'
		);
		CREATE TABLE IF NOT EXISTS measurements (
			id                INTEGER PRIMARY KEY AUTOINCREMENT,
			run_id            TEXT NOT NULL,
			well              TEXT NOT NULL,
			captured_at       TIMESTAMP NOT NULL,
			mode              TEXT NOT NULL,
			raw               TEXT NOT NULL,
			derived           TEXT NOT NULL,
			percent           TEXT,
			FOREIGN KEY(run_id) REFERENCES runs(run_id)
		);
		CREATE INDEX IF NOT EXISTS idx_measurements_run ON measurements(run_id);
	`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("store: create schema: %w", err)
	}

	return &Store{db}, nil
}

// RecordRun inserts a new run row in the running state.
func (s *Store) RecordRun(runID string, startedAt time.Time, mode string, g geometry.Grid) error {
	_, err := s.Exec(
		`INSERT INTO runs (run_id, started_at, mode, num_rows, num_cols, status)
		 VALUES (?, ?, ?, ?, ?, 'running')`,
		runID, startedAt.UTC(), mode, g.Rows, g.Cols,
	)
	if err != nil {
		return fmt.Errorf("store: record run: %w", err)
	}
	return nil
}

// FinishRun stamps the run's completion time and terminal status.
func (s *Store) FinishRun(runID string, completedAt time.Time, status string) error {
	res, err := s.Exec(
		`UPDATE runs SET completed_at = ?, status = ? WHERE run_id = ?`,
		completedAt.UTC(), status, runID,
	)
	if err != nil {
		return fmt.Errorf("store: finish run: %w", err)
	}
	n, err := res.RowsAffected()
	if err == nil && n == 0 {
		return fmt.Errorf("store: finish run: unknown run %q", runID)
	}
	return nil
}

// RecordMeasurement inserts one well reading. Vectors are stored as JSON
// so the channel count can evolve without a schema migration.
func (s *Store) RecordMeasurement(runID, well string, capturedAt time.Time, raw spectral.Vector, derived calib.Derived) error {
	rawJSON, err := json.Marshal(raw)
	if err != nil {
		return fmt.Errorf("store: encode raw vector: %w", err)
	}
	valuesJSON, err := json.Marshal(derived.Values)
	if err != nil {
		return fmt.Errorf("store: encode derived vector: %w", err)
	}
	var percentJSON any
	if derived.Percent != nil {
		b, err := json.Marshal(derived.Percent)
		if err != nil {
			return fmt.Errorf("store: encode percent vector: %w", err)
		}
		percentJSON = string(b)
	}

	_, err = s.Exec(
		`INSERT INTO measurements (run_id, well, captured_at, mode, raw, derived, percent)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		runID, well, capturedAt.UTC(), string(derived.Mode), string(rawJSON), string(valuesJSON), percentJSON,
	)
	if err != nil {
		return fmt.Errorf("store: record measurement: %w", err)
	}
	return nil
}

// RunSummary is one row of run history.
type RunSummary struct {
	RunID       string     `json:"run_id"`
	StartedAt   time.Time  `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	Mode        string     `json:"mode"`
	Grid        geometry.Grid `json:"grid"`
	Status      string     `json:"status"`
	Wells       int        `json:"wells"`
}

// RunHistory returns the most recent runs, newest first.
func (s *Store) RunHistory(limit int) ([]RunSummary, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.Query(
		`SELECT r.run_id, r.started_at, r.completed_at, r.mode, r.num_rows, r.num_cols, r.status,
		        (SELECT COUNT(*) FROM measurements m WHERE m.run_id = r.run_id)
		 FROM runs r
		 ORDER BY r.started_at DESC
		 LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("store: query run history: %w", err)
	}
	defer rows.Close()

	var out []RunSummary
	for rows.Next() {
		var r RunSummary
		var completed sql.NullTime
		if err := rows.Scan(&r.RunID, &r.StartedAt, &completed, &r.Mode, &r.Grid.Rows, &r.Grid.Cols, &r.Status, &r.Wells); err != nil {
			return nil, fmt.Errorf("store: scan run: %w", err)
		}
		if completed.Valid {
			t := completed.Time
			r.CompletedAt = &t
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// Measurement is one stored well reading.
type Measurement struct {
	Well       string          `json:"well"`
	CapturedAt time.Time       `json:"captured_at"`
	Mode       string          `json:"mode"`
	Raw        spectral.Vector `json:"raw"`
	Values     spectral.Vector `json:"values"`
	Percent    spectral.Vector `json:"percent,omitempty"`
}

// Measurements returns every reading of a run in capture order.
func (s *Store) Measurements(runID string) ([]Measurement, error) {
	rows, err := s.Query(
		`SELECT well, captured_at, mode, raw, derived, percent
		 FROM measurements WHERE run_id = ? ORDER BY id`, runID)
	if err != nil {
		return nil, fmt.Errorf("store: query measurements: %w", err)
	}
	defer rows.Close()

	var out []Measurement
	for rows.Next() {
		var m Measurement
		var rawJSON, valuesJSON string
		var percentJSON sql.NullString
		if err := rows.Scan(&m.Well, &m.CapturedAt, &m.Mode, &rawJSON, &valuesJSON, &percentJSON); err != nil {
			return nil, fmt.Errorf("store: scan measurement: %w", err)
		}
		if err := json.Unmarshal([]byte(rawJSON), &m.Raw); err != nil {
			return nil, fmt.Errorf("store: decode raw vector for %s: %w", m.Well, err)
		}
		if err := json.Unmarshal([]byte(valuesJSON), &m.Values); err != nil {
			return nil, fmt.Errorf("store: decode derived vector for %s: %w", m.Well, err)
		}
		if percentJSON.Valid {
			if err := json.Unmarshal([]byte(percentJSON.String), &m.Percent); err != nil {
				return nil, fmt.Errorf("store: decode percent vector for %s: %w", m.Well, err)
			}
		}
		out = append(out, m)
	}
	return out, rows.Err()
}
