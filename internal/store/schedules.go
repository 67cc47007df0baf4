package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/mvlachos/accord/internal/orchestrator"
)

// ScheduledObjective is an objective the scheduler re-runs on a cron,
// interval or one-shot schedule.
type ScheduledObjective struct {
	ID         string                 `json:"id"`
	Name       string                 `json:"name"`
	Schedule   string                 `json:"schedule"`
	Objective  orchestrator.Objective `json:"objective"`
	Status     string                 `json:"status"`
	NextRunAt  *time.Time             `json:"next_run_at,omitempty"`
	LastRunAt  *time.Time             `json:"last_run_at,omitempty"`
	LastStatus string                 `json:"last_status,omitempty"`
	LastError  string                 `json:"last_error,omitempty"`
	CreatedAt  time.Time              `json:"created_at"`
}

func scanSchedule(scanner interface {
	Scan(dest ...any) error
}) (*ScheduledObjective, error) {
	so := &ScheduledObjective{}
	var objective string
	var lastStatus, lastError *string
	err := scanner.Scan(&so.ID, &so.Name, &so.Schedule, &objective, &so.Status,
		&so.NextRunAt, &so.LastRunAt, &lastStatus, &lastError, &so.CreatedAt)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(objective), &so.Objective); err != nil {
		return nil, fmt.Errorf("decode objective: %w", err)
	}
	if lastStatus != nil {
		so.LastStatus = *lastStatus
	}
	if lastError != nil {
		so.LastError = *lastError
	}
	return so, nil
}

func (s *Store) SaveSchedule(so *ScheduledObjective) error {
	objective, err := json.Marshal(so.Objective)
	if err != nil {
		return fmt.Errorf("marshal objective: %w", err)
	}
	_, err = s.db.Exec(`
		INSERT INTO scheduled_objectives (id, name, schedule, objective, status, next_run_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			schedule = excluded.schedule,
			objective = excluded.objective,
			status = excluded.status,
			next_run_at = excluded.next_run_at`,
		so.ID, so.Name, so.Schedule, string(objective), so.Status, so.NextRunAt)
	if err != nil {
		return fmt.Errorf("save schedule: %w", err)
	}
	return nil
}

func (s *Store) GetSchedule(id string) (*ScheduledObjective, error) {
	row := s.db.QueryRow(`
		SELECT id, name, schedule, objective, status,
		       next_run_at, last_run_at, last_status, last_error, created_at
		FROM scheduled_objectives WHERE id = ?`, id)
	so, err := scanSchedule(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get schedule: %w", err)
	}
	return so, nil
}

func (s *Store) ListSchedules() ([]ScheduledObjective, error) {
	rows, err := s.db.Query(`
		SELECT id, name, schedule, objective, status,
		       next_run_at, last_run_at, last_status, last_error, created_at
		FROM scheduled_objectives ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("list schedules: %w", err)
	}
	defer rows.Close()

	var schedules []ScheduledObjective
	for rows.Next() {
		so, err := scanSchedule(rows)
		if err != nil {
			return nil, fmt.Errorf("scan schedule: %w", err)
		}
		schedules = append(schedules, *so)
	}
	return schedules, rows.Err()
}

func (s *Store) GetDueSchedules(now time.Time) ([]ScheduledObjective, error) {
	rows, err := s.db.Query(`
		SELECT id, name, schedule, objective, status,
		       next_run_at, last_run_at, last_status, last_error, created_at
		FROM scheduled_objectives
		WHERE status = 'active' AND next_run_at <= ?
		ORDER BY next_run_at`, now)
	if err != nil {
		return nil, fmt.Errorf("get due schedules: %w", err)
	}
	defer rows.Close()

	var schedules []ScheduledObjective
	for rows.Next() {
		so, err := scanSchedule(rows)
		if err != nil {
			return nil, fmt.Errorf("scan schedule: %w", err)
		}
		schedules = append(schedules, *so)
	}
	return schedules, rows.Err()
}

func (s *Store) UpdateScheduleRun(id string, lastStatus string, lastError string, nextRunAt *time.Time) error {
	_, err := s.db.Exec(`
		UPDATE scheduled_objectives
		SET last_run_at = CURRENT_TIMESTAMP, last_status = ?, last_error = ?, next_run_at = ?
		WHERE id = ?`, lastStatus, lastError, nextRunAt, id)
	return err
}

func (s *Store) UpdateScheduleStatus(id string, status string) error {
	_, err := s.db.Exec(`UPDATE scheduled_objectives SET status = ? WHERE id = ?`, status, id)
	return err
}

func (s *Store) DeleteSchedule(id string) error {
	_, err := s.db.Exec(`DELETE FROM scheduled_objectives WHERE id = ?`, id)
	return err
}
