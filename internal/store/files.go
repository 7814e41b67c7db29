package store

import "fmt"

// AddManagedFile records that the CLI front-end installed filePath for
// projectID. The core never touches the file itself; it only tracks the
// record for add/list/remove primitives.
func (s *Store) AddManagedFile(projectID, filePath string) error {
	_, err := s.db.Exec(`
		INSERT INTO managed_files (project_id, file_path) VALUES (?, ?)
		ON CONFLICT(project_id, file_path) DO NOTHING
	`, projectID, filePath)
	if err != nil {
		return fmt.Errorf("add managed file %s/%s: %w", projectID, filePath, err)
	}
	return nil
}

// RemoveManagedFile deletes a managed-file record.
func (s *Store) RemoveManagedFile(projectID, filePath string) error {
	_, err := s.db.Exec("DELETE FROM managed_files WHERE project_id = ? AND file_path = ?", projectID, filePath)
	if err != nil {
		return fmt.Errorf("remove managed file %s/%s: %w", projectID, filePath, err)
	}
	return nil
}

// ListManagedFiles returns every tracked file path for projectID.
func (s *Store) ListManagedFiles(projectID string) ([]string, error) {
	rows, err := s.db.Query("SELECT file_path FROM managed_files WHERE project_id = ? ORDER BY file_path", projectID)
	if err != nil {
		return nil, fmt.Errorf("list managed files for %s: %w", projectID, err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, fmt.Errorf("scan managed file: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}
