package store

import (
	"database/sql"
	"errors"
	"fmt"
)

// ErrNotFound is returned by single-row lookups that find nothing.
var ErrNotFound = errors.New("not found")

// Project is a developer project registered with the broker.
type Project struct {
	ID        string
	Path      string
	CreatedAt string
	UpdatedAt string
}

// UpsertProject creates the project if absent, or bumps UpdatedAt if it
// already exists, matching "created on first configure; never deleted by
// the core" from the data model.
func (s *Store) UpsertProject(id, path string) (Project, error) {
	now := nowRFC3339()

	_, err := s.db.Exec(`
		INSERT INTO projects (id, path, created_at, updated_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET updated_at = excluded.updated_at
	`, id, path, now, now)
	if err != nil {
		return Project{}, fmt.Errorf("upsert project %s: %w", id, err)
	}

	return s.GetProject(id)
}

// GetProject returns the project by id, or ErrNotFound.
func (s *Store) GetProject(id string) (Project, error) {
	var p Project
	row := s.db.QueryRow("SELECT id, path, created_at, updated_at FROM projects WHERE id = ?", id)
	if err := row.Scan(&p.ID, &p.Path, &p.CreatedAt, &p.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Project{}, ErrNotFound
		}
		return Project{}, fmt.Errorf("get project %s: %w", id, err)
	}
	return p, nil
}

// ListProjects returns every registered project, ordered by id.
func (s *Store) ListProjects() ([]Project, error) {
	rows, err := s.db.Query("SELECT id, path, created_at, updated_at FROM projects ORDER BY id")
	if err != nil {
		return nil, fmt.Errorf("list projects: %w", err)
	}
	defer rows.Close()

	var out []Project
	for rows.Next() {
		var p Project
		if err := rows.Scan(&p.ID, &p.Path, &p.CreatedAt, &p.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan project: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}
