package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Token is a persisted OAuth2 access/refresh token pair for one
// (project, server) pair.
type Token struct {
	ProjectID    string
	ServerID     string
	AccessToken  string
	RefreshToken string
	TokenType    string
	ExpiresAt    *time.Time
	Scope        string
}

// PutToken upserts the token for (projectID, serverID).
func (s *Store) PutToken(t Token) error {
	var expiresAt string
	if t.ExpiresAt != nil {
		expiresAt = t.ExpiresAt.UTC().Format(time.RFC3339)
	}

	_, err := s.db.Exec(`
		INSERT INTO oauth_tokens (project_id, server_id, access_token, refresh_token, token_type, expires_at, scope)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(project_id, server_id) DO UPDATE SET
			access_token = excluded.access_token,
			refresh_token = excluded.refresh_token,
			token_type = excluded.token_type,
			expires_at = excluded.expires_at,
			scope = excluded.scope
	`, t.ProjectID, t.ServerID, t.AccessToken, t.RefreshToken, t.TokenType, expiresAt, t.Scope)
	if err != nil {
		return fmt.Errorf("put token %s/%s: %w", t.ProjectID, t.ServerID, err)
	}
	return nil
}

// GetToken returns the token for (projectID, serverID), or ErrNotFound.
func (s *Store) GetToken(projectID, serverID string) (Token, error) {
	var t Token
	var expiresAt string
	row := s.db.QueryRow(`
		SELECT project_id, server_id, access_token, refresh_token, token_type, expires_at, scope
		FROM oauth_tokens WHERE project_id = ? AND server_id = ?
	`, projectID, serverID)
	if err := row.Scan(&t.ProjectID, &t.ServerID, &t.AccessToken, &t.RefreshToken, &t.TokenType, &expiresAt, &t.Scope); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Token{}, ErrNotFound
		}
		return Token{}, fmt.Errorf("get token %s/%s: %w", projectID, serverID, err)
	}
	if expiresAt != "" {
		if parsed, err := time.Parse(time.RFC3339, expiresAt); err == nil {
			t.ExpiresAt = &parsed
		}
	}
	return t, nil
}

// ListTokensExpiringBefore returns every token that has a refresh token and
// whose expires_at is set and before cutoff, for the Token Refresh
// Scheduler's sweep.
func (s *Store) ListTokensExpiringBefore(cutoff time.Time) ([]Token, error) {
	rows, err := s.db.Query(`
		SELECT project_id, server_id, access_token, refresh_token, token_type, expires_at, scope
		FROM oauth_tokens WHERE expires_at != '' AND refresh_token != '' AND expires_at < ?
	`, cutoff.UTC().Format(time.RFC3339))
	if err != nil {
		return nil, fmt.Errorf("list expiring tokens: %w", err)
	}
	defer rows.Close()

	var out []Token
	for rows.Next() {
		var t Token
		var expiresAt string
		if err := rows.Scan(&t.ProjectID, &t.ServerID, &t.AccessToken, &t.RefreshToken, &t.TokenType, &expiresAt, &t.Scope); err != nil {
			return nil, fmt.Errorf("scan token: %w", err)
		}
		if parsed, err := time.Parse(time.RFC3339, expiresAt); err == nil {
			t.ExpiresAt = &parsed
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// DeleteToken removes the token for (projectID, serverID). Deleting an
// absent token is not an error.
func (s *Store) DeleteToken(projectID, serverID string) error {
	_, err := s.db.Exec("DELETE FROM oauth_tokens WHERE project_id = ? AND server_id = ?", projectID, serverID)
	if err != nil {
		return fmt.Errorf("delete token %s/%s: %w", projectID, serverID, err)
	}
	return nil
}

// ListOAuthServers returns the server ids with a stored token for projectID,
// used to report per-server connection state.
func (s *Store) ListOAuthServers(projectID string) ([]string, error) {
	rows, err := s.db.Query("SELECT server_id FROM oauth_tokens WHERE project_id = ?", projectID)
	if err != nil {
		return nil, fmt.Errorf("list oauth servers for %s: %w", projectID, err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan server id: %w", err)
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// FlowState is a single-use OAuth2 authorization-code flow in progress.
type FlowState struct {
	State         string
	ProjectID     string
	ServerID      string
	CodeVerifier  string
	RedirectURI   string
	ClientID      string
	TokenEndpoint string
	CreatedAt     time.Time
}

// PutFlowState persists a new flow state keyed by its opaque state value.
func (s *Store) PutFlowState(f FlowState) error {
	_, err := s.db.Exec(`
		INSERT INTO oauth_flow_state (state, project_id, server_id, code_verifier, redirect_uri, client_id, token_endpoint, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, f.State, f.ProjectID, f.ServerID, f.CodeVerifier, f.RedirectURI, f.ClientID, f.TokenEndpoint, f.CreatedAt.UTC().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("put flow state: %w", err)
	}
	return nil
}

// ConsumeFlowState looks up a flow state by its state value and deletes it
// in the same call, since flow states are single-use.
func (s *Store) ConsumeFlowState(state string) (FlowState, error) {
	var f FlowState
	var createdAt string
	row := s.db.QueryRow(`
		SELECT state, project_id, server_id, code_verifier, redirect_uri, client_id, token_endpoint, created_at
		FROM oauth_flow_state WHERE state = ?
	`, state)
	if err := row.Scan(&f.State, &f.ProjectID, &f.ServerID, &f.CodeVerifier, &f.RedirectURI, &f.ClientID, &f.TokenEndpoint, &createdAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return FlowState{}, ErrNotFound
		}
		return FlowState{}, fmt.Errorf("get flow state: %w", err)
	}
	if parsed, err := time.Parse(time.RFC3339, createdAt); err == nil {
		f.CreatedAt = parsed
	}

	if _, err := s.db.Exec("DELETE FROM oauth_flow_state WHERE state = ?", state); err != nil {
		return FlowState{}, fmt.Errorf("delete consumed flow state: %w", err)
	}
	return f, nil
}

// GCFlowStates deletes flow state entries older than maxAge, per the data
// model's "entries older than 10 min are GC'd" rule.
func (s *Store) GCFlowStates(maxAge time.Duration) (int64, error) {
	cutoff := time.Now().UTC().Add(-maxAge).Format(time.RFC3339)
	res, err := s.db.Exec("DELETE FROM oauth_flow_state WHERE created_at < ?", cutoff)
	if err != nil {
		return 0, fmt.Errorf("gc flow states: %w", err)
	}
	return res.RowsAffected()
}
