package store

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/klauspost/compress/zstd"
)

// ExportRuns streams every stored run report as zstd-compressed JSON lines,
// newest first.
func (s *Store) ExportRuns(w io.Writer) error {
	enc, err := zstd.NewWriter(w)
	if err != nil {
		return fmt.Errorf("create zstd writer: %w", err)
	}

	rows, err := s.db.Query(`SELECT report FROM runs ORDER BY started_at DESC`)
	if err != nil {
		enc.Close()
		return fmt.Errorf("query runs: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var report string
		if err := rows.Scan(&report); err != nil {
			enc.Close()
			return fmt.Errorf("scan run: %w", err)
		}
		if _, err := enc.Write(append([]byte(report), '\n')); err != nil {
			enc.Close()
			return fmt.Errorf("write report: %w", err)
		}
	}
	if err := rows.Err(); err != nil {
		enc.Close()
		return err
	}
	return enc.Close()
}

// ImportRuns reads reports previously written by ExportRuns and inserts any
// run not already present.
func (s *Store) ImportRuns(r io.Reader) (int, error) {
	dec, err := zstd.NewReader(r)
	if err != nil {
		return 0, fmt.Errorf("create zstd reader: %w", err)
	}
	defer dec.Close()

	imported := 0
	scanner := json.NewDecoder(dec)
	for {
		var raw json.RawMessage
		if err := scanner.Decode(&raw); err == io.EOF {
			break
		} else if err != nil {
			return imported, fmt.Errorf("decode report: %w", err)
		}

		var meta struct {
			RunID       string    `json:"run_id"`
			ObjectiveID string    `json:"objective_id"`
			Status      string    `json:"status"`
			StartedAt   time.Time `json:"started_at"`
			FinishedAt  time.Time `json:"finished_at"`
		}
		if err := json.Unmarshal(raw, &meta); err != nil {
			return imported, fmt.Errorf("decode report header: %w", err)
		}

		var finished *time.Time
		if !meta.FinishedAt.IsZero() {
			finished = &meta.FinishedAt
		}
		res, err := s.db.Exec(`
			INSERT OR IGNORE INTO runs (id, objective_id, status, report, started_at, finished_at)
			VALUES (?, ?, ?, ?, ?, ?)`,
			meta.RunID, meta.ObjectiveID, meta.Status, string(raw), meta.StartedAt, finished)
		if err != nil {
			return imported, fmt.Errorf("insert run: %w", err)
		}
		if n, _ := res.RowsAffected(); n > 0 {
			imported++
		}
	}
	return imported, nil
}
