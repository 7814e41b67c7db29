package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// SessionRecord is the durable mirror of an in-RAM session, used only to
// survive broker restarts; the session manager's in-memory map is
// authoritative while the process is alive.
type SessionRecord struct {
	SessionID      string
	ProjectID      string
	ActiveSkills   []string
	AvailableTools []string
	CreatedAt      time.Time
	LastActivity   time.Time
}

// PutSession upserts a session record.
func (s *Store) PutSession(r SessionRecord) error {
	skills, err := json.Marshal(r.ActiveSkills)
	if err != nil {
		return fmt.Errorf("marshal active skills: %w", err)
	}
	tools, err := json.Marshal(r.AvailableTools)
	if err != nil {
		return fmt.Errorf("marshal available tools: %w", err)
	}

	_, err = s.db.Exec(`
		INSERT INTO sessions (session_id, project_id, active_skills, available_tools, created_at, last_activity)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(session_id) DO UPDATE SET
			active_skills = excluded.active_skills,
			available_tools = excluded.available_tools,
			last_activity = excluded.last_activity
	`, r.SessionID, r.ProjectID, string(skills), string(tools),
		r.CreatedAt.UTC().Format(time.RFC3339), r.LastActivity.UTC().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("put session %s: %w", r.SessionID, err)
	}
	return nil
}

// TouchSession bumps last_activity for a session without rewriting its tool
// state.
func (s *Store) TouchSession(sessionID string, at time.Time) error {
	_, err := s.db.Exec("UPDATE sessions SET last_activity = ? WHERE session_id = ?",
		at.UTC().Format(time.RFC3339), sessionID)
	if err != nil {
		return fmt.Errorf("touch session %s: %w", sessionID, err)
	}
	return nil
}

// GetSession returns the persisted record for sessionID, or ErrNotFound.
func (s *Store) GetSession(sessionID string) (SessionRecord, error) {
	var r SessionRecord
	var skills, tools, createdAt, lastActivity string
	row := s.db.QueryRow(`
		SELECT session_id, project_id, active_skills, available_tools, created_at, last_activity
		FROM sessions WHERE session_id = ?
	`, sessionID)
	if err := row.Scan(&r.SessionID, &r.ProjectID, &skills, &tools, &createdAt, &lastActivity); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return SessionRecord{}, ErrNotFound
		}
		return SessionRecord{}, fmt.Errorf("get session %s: %w", sessionID, err)
	}
	if err := json.Unmarshal([]byte(skills), &r.ActiveSkills); err != nil {
		return SessionRecord{}, fmt.Errorf("unmarshal active skills: %w", err)
	}
	if err := json.Unmarshal([]byte(tools), &r.AvailableTools); err != nil {
		return SessionRecord{}, fmt.Errorf("unmarshal available tools: %w", err)
	}
	if parsed, err := time.Parse(time.RFC3339, createdAt); err == nil {
		r.CreatedAt = parsed
	}
	if parsed, err := time.Parse(time.RFC3339, lastActivity); err == nil {
		r.LastActivity = parsed
	}
	return r, nil
}

// DeleteSession removes a session record.
func (s *Store) DeleteSession(sessionID string) error {
	_, err := s.db.Exec("DELETE FROM sessions WHERE session_id = ?", sessionID)
	if err != nil {
		return fmt.Errorf("delete session %s: %w", sessionID, err)
	}
	return nil
}

// DeleteSessionsIdleBefore deletes every session whose last_activity is
// before cutoff, and returns how many were removed, for the idle-expiry
// sweep.
func (s *Store) DeleteSessionsIdleBefore(cutoff time.Time) (int64, error) {
	res, err := s.db.Exec("DELETE FROM sessions WHERE last_activity < ?", cutoff.UTC().Format(time.RFC3339))
	if err != nil {
		return 0, fmt.Errorf("delete idle sessions: %w", err)
	}
	return res.RowsAffected()
}
