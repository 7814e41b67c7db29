package store

import (
	"database/sql"
	"fmt"
)

// ToolInitState is the persisted outcome of a command tool's one-time
// def.init run: once initialized (or once failed), the executor never runs
// init again for that tool within the same project.
type ToolInitState struct {
	ProjectID   string
	ToolID      string
	Initialized bool
	Error       string
}

// GetToolInitState returns the init state for (projectID, toolID), or
// ErrNotFound if init has never been attempted.
func (s *Store) GetToolInitState(projectID, toolID string) (ToolInitState, error) {
	var st ToolInitState
	var initialized int
	row := s.db.QueryRow(`
		SELECT project_id, tool_id, initialized, error
		FROM tool_init_state WHERE project_id = ? AND tool_id = ?
	`, projectID, toolID)
	if err := row.Scan(&st.ProjectID, &st.ToolID, &initialized, &st.Error); err != nil {
		if err == sql.ErrNoRows {
			return ToolInitState{}, ErrNotFound
		}
		return ToolInitState{}, fmt.Errorf("get tool init state %s/%s: %w", projectID, toolID, err)
	}
	st.Initialized = initialized != 0
	return st, nil
}

// PutToolInitState records the outcome of running a tool's init command.
func (s *Store) PutToolInitState(st ToolInitState) error {
	initialized := 0
	if st.Initialized {
		initialized = 1
	}
	_, err := s.db.Exec(`
		INSERT INTO tool_init_state (project_id, tool_id, initialized, error, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(project_id, tool_id) DO UPDATE SET
			initialized = excluded.initialized,
			error = excluded.error,
			updated_at = excluded.updated_at
	`, st.ProjectID, st.ToolID, initialized, st.Error, nowRFC3339())
	if err != nil {
		return fmt.Errorf("put tool init state %s/%s: %w", st.ProjectID, st.ToolID, err)
	}
	return nil
}
