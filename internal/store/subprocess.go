package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// SubprocessRecord tracks one supervised local MCP server process, keyed by
// (projectID, configHash) so that only one running subprocess can exist per
// distinct server definition.
type SubprocessRecord struct {
	ID              string
	ProjectID       string
	ConfigHash      string
	PID             int
	Status          string // starting | running | crashed | stopped
	RestartCount    int
	LastRestartAt   *time.Time
	StartedAt       time.Time
	LastHealthCheck *time.Time
}

// PutSubprocessRecord upserts a subprocess record.
func (s *Store) PutSubprocessRecord(r SubprocessRecord) error {
	var lastRestart, lastHealth string
	if r.LastRestartAt != nil {
		lastRestart = r.LastRestartAt.UTC().Format(time.RFC3339)
	}
	if r.LastHealthCheck != nil {
		lastHealth = r.LastHealthCheck.UTC().Format(time.RFC3339)
	}

	_, err := s.db.Exec(`
		INSERT INTO subprocess_records
			(id, project_id, config_hash, pid, status, restart_count, last_restart_at, started_at, last_health_check)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(project_id, config_hash) DO UPDATE SET
			pid = excluded.pid,
			status = excluded.status,
			restart_count = excluded.restart_count,
			last_restart_at = excluded.last_restart_at,
			last_health_check = excluded.last_health_check
	`, r.ID, r.ProjectID, r.ConfigHash, r.PID, r.Status, r.RestartCount, lastRestart,
		r.StartedAt.UTC().Format(time.RFC3339), lastHealth)
	if err != nil {
		return fmt.Errorf("put subprocess record %s/%s: %w", r.ProjectID, r.ConfigHash, err)
	}
	return nil
}

// GetSubprocessRecord returns the record for (projectID, configHash), or
// ErrNotFound.
func (s *Store) GetSubprocessRecord(projectID, configHash string) (SubprocessRecord, error) {
	row := s.db.QueryRow(`
		SELECT id, project_id, config_hash, pid, status, restart_count, last_restart_at, started_at, last_health_check
		FROM subprocess_records WHERE project_id = ? AND config_hash = ?
	`, projectID, configHash)
	return scanSubprocessRecord(row)
}

// DeleteSubprocessRecord removes the record for (projectID, configHash).
func (s *Store) DeleteSubprocessRecord(projectID, configHash string) error {
	_, err := s.db.Exec("DELETE FROM subprocess_records WHERE project_id = ? AND config_hash = ?", projectID, configHash)
	if err != nil {
		return fmt.Errorf("delete subprocess record %s/%s: %w", projectID, configHash, err)
	}
	return nil
}

// ListSubprocessRecords returns every persisted subprocess record, used on
// broker startup to identify and prune orphans.
func (s *Store) ListSubprocessRecords() ([]SubprocessRecord, error) {
	rows, err := s.db.Query(`
		SELECT id, project_id, config_hash, pid, status, restart_count, last_restart_at, started_at, last_health_check
		FROM subprocess_records
	`)
	if err != nil {
		return nil, fmt.Errorf("list subprocess records: %w", err)
	}
	defer rows.Close()

	var out []SubprocessRecord
	for rows.Next() {
		r, err := scanSubprocessRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanSubprocessRecord(row rowScanner) (SubprocessRecord, error) {
	var r SubprocessRecord
	var lastRestart, lastHealth, startedAt string
	if err := row.Scan(&r.ID, &r.ProjectID, &r.ConfigHash, &r.PID, &r.Status, &r.RestartCount,
		&lastRestart, &startedAt, &lastHealth); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return SubprocessRecord{}, ErrNotFound
		}
		return SubprocessRecord{}, fmt.Errorf("scan subprocess record: %w", err)
	}
	if parsed, err := time.Parse(time.RFC3339, startedAt); err == nil {
		r.StartedAt = parsed
	}
	if lastRestart != "" {
		if parsed, err := time.Parse(time.RFC3339, lastRestart); err == nil {
			r.LastRestartAt = &parsed
		}
	}
	if lastHealth != "" {
		if parsed, err := time.Parse(time.RFC3339, lastHealth); err == nil {
			r.LastHealthCheck = &parsed
		}
	}
	return r, nil
}
