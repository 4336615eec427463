package store

import (
	"database/sql"
	"fmt"

	serrors "github.com/p-blackswan/sentinel/internal/errors"
	"github.com/p-blackswan/sentinel/internal/models"
)

const snapshotColumns = `id, project_id, parent_id, commit_id, commit_degraded, file_count,
	total_size, is_critical, action, path, label, created_at`

// InsertSnapshot persists an immutable snapshot.
func (s *Store) InsertSnapshot(snap *models.Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	query := `INSERT INTO snapshots (` + snapshotColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err := s.db.Exec(query,
		snap.ID, snap.ProjectID, nullString(snap.ParentID), snap.CommitID, snap.CommitDegraded,
		snap.FileCount, snap.TotalSize, snap.IsCritical, string(snap.Action), snap.Path,
		nullString(snap.Label), toMillis(snap.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to insert snapshot: %w", err)
	}
	return nil
}

// FindSnapshotsByProject returns a project's snapshots, newest first. limit <= 0
// returns all of them.
func (s *Store) FindSnapshotsByProject(projectID string, limit int) ([]*models.Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.Query(`SELECT `+snapshotColumns+` FROM snapshots
		WHERE project_id = ? ORDER BY created_at DESC, rowid DESC LIMIT ?`, projectID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list snapshots: %w", err)
	}
	defer rows.Close()

	var out []*models.Snapshot
	for rows.Next() {
		snap, err := scanSnapshot(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, snap)
	}
	return out, rows.Err()
}

// LatestSnapshot returns the chain head for a project, or nil when the chain is empty.
func (s *Store) LatestSnapshot(projectID string) (*models.Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRow(`SELECT `+snapshotColumns+` FROM snapshots
		WHERE project_id = ? ORDER BY created_at DESC, rowid DESC LIMIT 1`, projectID)
	snap, err := scanSnapshot(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return snap, err
}

// GetSnapshot returns one snapshot by id, or nil.
func (s *Store) GetSnapshot(id string) (*models.Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRow(`SELECT `+snapshotColumns+` FROM snapshots WHERE id = ?`, id)
	snap, err := scanSnapshot(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return snap, err
}

// SetSnapshotLabel sets the operator label, the only mutable snapshot field.
func (s *Store) SetSnapshotLabel(projectID, id, label string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(`UPDATE snapshots SET label = ? WHERE id = ? AND project_id = ?`,
		nullString(label), id, projectID)
	if err != nil {
		return fmt.Errorf("failed to label snapshot: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("snapshot %s: %w", id, serrors.ErrNotFound)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSnapshot(r rowScanner) (*models.Snapshot, error) {
	var (
		snap     models.Snapshot
		parentID sql.NullString
		label    sql.NullString
		action   string
		created  int64
	)
	err := r.Scan(&snap.ID, &snap.ProjectID, &parentID, &snap.CommitID, &snap.CommitDegraded,
		&snap.FileCount, &snap.TotalSize, &snap.IsCritical, &action, &snap.Path, &label, &created)
	if err == sql.ErrNoRows {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan snapshot: %w", err)
	}
	snap.ParentID = parentID.String
	snap.Label = label.String
	snap.Action = models.FileAction(action)
	snap.CreatedAt = fromMillis(created)
	return &snap, nil
}
