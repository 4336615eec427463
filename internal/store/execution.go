package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/p-blackswan/sentinel/internal/models"
)

// AppendStateHistory appends one transition. History rows are never updated.
func (s *Store) AppendStateHistory(tr *models.StateTransition) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`INSERT INTO state_history (
		id, project_id, from_state, to_state, trigger_cmd, triggered_by, snapshot_id, reason, created_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		tr.ID, tr.ProjectID, string(tr.FromState), string(tr.ToState), string(tr.Trigger), tr.TriggeredBy,
		nullString(tr.SnapshotID), nullString(tr.Reason), toMillis(tr.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to append state history: %w", err)
	}
	return nil
}

// ListStateHistory returns a project's transitions in order. limit <= 0 returns all.
func (s *Store) ListStateHistory(projectID string, limit int) ([]models.StateTransition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.Query(`SELECT id, project_id, from_state, to_state, trigger_cmd, triggered_by,
		snapshot_id, reason, created_at
		FROM state_history WHERE project_id = ? ORDER BY created_at ASC, rowid ASC LIMIT ?`, projectID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list state history: %w", err)
	}
	defer rows.Close()

	var out []models.StateTransition
	for rows.Next() {
		var (
			tr                 models.StateTransition
			from, to, trigger  string
			snapshotID, reason sql.NullString
			created            int64
		)
		if err := rows.Scan(&tr.ID, &tr.ProjectID, &from, &to, &trigger, &tr.TriggeredBy,
			&snapshotID, &reason, &created); err != nil {
			return nil, fmt.Errorf("failed to scan state transition: %w", err)
		}
		tr.FromState = models.ExecutionState(from)
		tr.ToState = models.ExecutionState(to)
		tr.Trigger = models.Command(trigger)
		tr.SnapshotID = snapshotID.String
		tr.Reason = reason.String
		tr.CreatedAt = fromMillis(created)
		out = append(out, tr)
	}
	return out, rows.Err()
}

// SaveExecutionContext upserts the execution context of a project.
func (s *Store) SaveExecutionContext(ec *models.ExecutionContext) error {
	raw, err := json.Marshal(ec)
	if err != nil {
		return fmt.Errorf("failed to encode execution context: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	_, err = s.db.Exec(`INSERT INTO execution_contexts (project_id, context, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(project_id) DO UPDATE SET context = excluded.context, updated_at = excluded.updated_at`,
		ec.ProjectID, string(raw), time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to save execution context: %w", err)
	}
	return nil
}

// GetExecutionContext returns the stored context, or nil when the project has none.
func (s *Store) GetExecutionContext(projectID string) (*models.ExecutionContext, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var raw string
	err := s.db.QueryRow(`SELECT context FROM execution_contexts WHERE project_id = ?`, projectID).Scan(&raw)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get execution context: %w", err)
	}
	var ec models.ExecutionContext
	if err := json.Unmarshal([]byte(raw), &ec); err != nil {
		return nil, fmt.Errorf("failed to decode execution context: %w", err)
	}
	return &ec, nil
}
