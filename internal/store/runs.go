package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/mvlachos/accord/internal/orchestrator"
)

// RunSummary is the list view of a run; the full report stays in the
// report column.
type RunSummary struct {
	RunID       string              `json:"run_id"`
	ObjectiveID string              `json:"objective_id"`
	Status      orchestrator.Status `json:"status"`
	StartedAt   time.Time           `json:"started_at"`
	FinishedAt  *time.Time          `json:"finished_at,omitempty"`
}

// RecordRun upserts the run's report. Rows whose stored status is already
// terminal never change, so a finished run is immutable even if a stale
// writer comes back late.
func (s *Store) RecordRun(ctx context.Context, r orchestrator.Report) error {
	report, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("marshal report: %w", err)
	}

	var finished *time.Time
	if !r.FinishedAt.IsZero() {
		finished = &r.FinishedAt
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO runs (id, objective_id, status, report, started_at, finished_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			report = excluded.report,
			finished_at = excluded.finished_at
		WHERE runs.status NOT IN ('SUCCESS', 'PARTIAL', 'FAILED')`,
		r.RunID, r.ObjectiveID, string(r.Status), string(report), r.StartedAt, finished)
	if err != nil {
		return fmt.Errorf("record run: %w", err)
	}
	return nil
}

func (s *Store) GetRun(id string) (*orchestrator.Report, error) {
	var report string
	err := s.db.QueryRow(`SELECT report FROM runs WHERE id = ?`, id).Scan(&report)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get run: %w", err)
	}

	var r orchestrator.Report
	if err := json.Unmarshal([]byte(report), &r); err != nil {
		return nil, fmt.Errorf("decode report: %w", err)
	}
	return &r, nil
}

func (s *Store) ListRuns(limit int) ([]RunSummary, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(`
		SELECT id, objective_id, status, started_at, finished_at
		FROM runs ORDER BY started_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var runs []RunSummary
	for rows.Next() {
		var r RunSummary
		var status string
		if err := rows.Scan(&r.RunID, &r.ObjectiveID, &status, &r.StartedAt, &r.FinishedAt); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		r.Status = orchestrator.Status(status)
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

func (s *Store) ListRunsForObjective(objectiveID string) ([]RunSummary, error) {
	rows, err := s.db.Query(`
		SELECT id, objective_id, status, started_at, finished_at
		FROM runs WHERE objective_id = ? ORDER BY started_at`, objectiveID)
	if err != nil {
		return nil, fmt.Errorf("list runs for objective: %w", err)
	}
	defer rows.Close()

	var runs []RunSummary
	for rows.Next() {
		var r RunSummary
		var status string
		if err := rows.Scan(&r.RunID, &r.ObjectiveID, &status, &r.StartedAt, &r.FinishedAt); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		r.Status = orchestrator.Status(status)
		runs = append(runs, r)
	}
	return runs, rows.Err()
}
