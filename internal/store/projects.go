package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/p-blackswan/sentinel/internal/models"
)

// EnsureProject registers a project if unknown. A non-empty root replaces the stored one.
func (s *Store) EnsureProject(id, root string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`INSERT INTO projects (id, root, created_at) VALUES (?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET root = COALESCE(excluded.root, projects.root)`,
		id, nullString(root), time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to ensure project: %w", err)
	}
	return nil
}

// ListProjects returns all registered projects in registration order.
func (s *Store) ListProjects() ([]models.Project, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`SELECT id, root, created_at FROM projects ORDER BY created_at ASC, rowid ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list projects: %w", err)
	}
	defer rows.Close()

	var out []models.Project
	for rows.Next() {
		var (
			p       models.Project
			root    sql.NullString
			created int64
		)
		if err := rows.Scan(&p.ID, &root, &created); err != nil {
			return nil, fmt.Errorf("failed to scan project: %w", err)
		}
		p.Root = root.String
		p.CreatedAt = fromMillis(created)
		out = append(out, p)
	}
	return out, rows.Err()
}

// ProjectExists reports whether id is registered.
func (s *Store) ProjectExists(id string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var n int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM projects WHERE id = ?`, id).Scan(&n); err != nil {
		return false, fmt.Errorf("failed to look up project: %w", err)
	}
	return n > 0, nil
}
