package store

import (
	"database/sql"
	"errors"
	"fmt"
)

// SetVariable upserts a project-scoped variable.
func (s *Store) SetVariable(projectID, key, value string) error {
	_, err := s.db.Exec(`
		INSERT INTO variables (project_id, key, value) VALUES (?, ?, ?)
		ON CONFLICT(project_id, key) DO UPDATE SET value = excluded.value
	`, projectID, key, value)
	if err != nil {
		return fmt.Errorf("set variable %s/%s: %w", projectID, key, err)
	}
	return nil
}

// SetVariables upserts a batch of variables for a project.
func (s *Store) SetVariables(projectID string, vars map[string]string) error {
	for k, v := range vars {
		if err := s.SetVariable(projectID, k, v); err != nil {
			return err
		}
	}
	return nil
}

// GetVariables returns every variable set for a project as a plain map.
func (s *Store) GetVariables(projectID string) (map[string]string, error) {
	rows, err := s.db.Query("SELECT key, value FROM variables WHERE project_id = ?", projectID)
	if err != nil {
		return nil, fmt.Errorf("get variables for %s: %w", projectID, err)
	}
	defer rows.Close()

	out := make(map[string]string)
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, fmt.Errorf("scan variable: %w", err)
		}
		out[k] = v
	}
	return out, rows.Err()
}

// GetVariable returns a single project variable and whether it was set.
func (s *Store) GetVariable(projectID, key string) (string, bool, error) {
	var v string
	row := s.db.QueryRow("SELECT value FROM variables WHERE project_id = ? AND key = ?", projectID, key)
	if err := row.Scan(&v); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("get variable %s/%s: %w", projectID, key, err)
	}
	return v, true, nil
}
