package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/p-blackswan/sentinel/internal/models"
)

// InsertActionEvent records one broadcast envelope. The (project, sequence) key is
// unique; a duplicate insert fails and the caller must not advance its sequence.
func (s *Store) InsertActionEvent(ev *models.ActionEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`INSERT INTO action_events (project_id, sequence, target_type, audience, type, envelope, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		ev.ProjectID, ev.Sequence, ev.Audience.String(), int(ev.Audience), ev.Type, string(ev.Envelope), toMillis(ev.CreatedAt))
	if err != nil {
		return fmt.Errorf("failed to insert action event %s/%d: %w", ev.ProjectID, ev.Sequence, err)
	}
	return nil
}

// GetActionsAfterSequence returns up to limit events whose audience includes
// target with after < sequence <= upTo, in sequence order.
func (s *Store) GetActionsAfterSequence(projectID string, target models.ClientType, after, upTo int64, limit int) ([]models.ActionEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.Query(`SELECT project_id, sequence, audience, type, envelope, created_at
		FROM action_events
		WHERE project_id = ? AND (audience & ?) != 0 AND sequence > ? AND sequence <= ?
		ORDER BY sequence ASC LIMIT ?`,
		projectID, int(models.AudienceOf(target)), after, upTo, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query action events: %w", err)
	}
	defer rows.Close()

	var out []models.ActionEvent
	for rows.Next() {
		var (
			ev       models.ActionEvent
			audience int
			envelope string
			created  int64
		)
		if err := rows.Scan(&ev.ProjectID, &ev.Sequence, &audience, &ev.Type, &envelope, &created); err != nil {
			return nil, fmt.Errorf("failed to scan action event: %w", err)
		}
		ev.Audience = models.Audience(audience)
		ev.Envelope = []byte(envelope)
		ev.CreatedAt = fromMillis(created)
		out = append(out, ev)
	}
	return out, rows.Err()
}

// MaxSequence returns the highest recorded sequence for a project, 0 when none.
func (s *Store) MaxSequence(projectID string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var max sql.NullInt64
	if err := s.db.QueryRow(`SELECT MAX(sequence) FROM action_events WHERE project_id = ?`, projectID).Scan(&max); err != nil {
		return 0, fmt.Errorf("failed to read max sequence: %w", err)
	}
	return max.Int64, nil
}

// MinSequence returns the lowest sequence still retained for a project, 0 when
// none. Anything below it has been pruned and cannot be replayed.
func (s *Store) MinSequence(projectID string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var min sql.NullInt64
	if err := s.db.QueryRow(`SELECT MIN(sequence) FROM action_events WHERE project_id = ?`, projectID).Scan(&min); err != nil {
		return 0, fmt.Errorf("failed to read min sequence: %w", err)
	}
	return min.Int64, nil
}

// SaveClientAck records a client's acknowledged position. Positions only move
// forward.
func (s *Store) SaveClientAck(clientID, projectID string, seq int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`INSERT INTO client_acks (client_id, project_id, sequence, updated_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(client_id, project_id) DO UPDATE SET
			sequence = MAX(client_acks.sequence, excluded.sequence),
			updated_at = excluded.updated_at`,
		clientID, projectID, seq, time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to save client ack: %w", err)
	}
	return nil
}

// GetClientAck returns the durable position of a client. ok is false when the
// client has never acknowledged anything for the project.
func (s *Store) GetClientAck(clientID, projectID string) (seq int64, ok bool, err error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	err = s.db.QueryRow(`SELECT sequence FROM client_acks WHERE client_id = ? AND project_id = ?`,
		clientID, projectID).Scan(&seq)
	if err == sql.ErrNoRows {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("failed to get client ack: %w", err)
	}
	return seq, true, nil
}

// InsertReplayRecord audits one replay.
func (s *Store) InsertReplayRecord(r *models.ReplayRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`INSERT INTO replay_log (
		client_id, client_type, project_id, from_sequence, to_sequence, count, duration_ms, created_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ClientID, string(r.ClientType), r.ProjectID, r.FromSequence, r.ToSequence, r.Count,
		r.Duration.Milliseconds(), toMillis(r.CreatedAt))
	if err != nil {
		return fmt.Errorf("failed to insert replay record: %w", err)
	}
	return nil
}

// ListReplayRecords returns the most recent replays of a project, newest first.
func (s *Store) ListReplayRecords(projectID string, limit int) ([]models.ReplayRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.Query(`SELECT client_id, client_type, project_id, from_sequence, to_sequence, count,
		duration_ms, created_at FROM replay_log WHERE project_id = ? ORDER BY id DESC LIMIT ?`, projectID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list replay records: %w", err)
	}
	defer rows.Close()

	var out []models.ReplayRecord
	for rows.Next() {
		var (
			r          models.ReplayRecord
			clientType string
			durMs      int64
			created    int64
		)
		if err := rows.Scan(&r.ClientID, &clientType, &r.ProjectID, &r.FromSequence, &r.ToSequence,
			&r.Count, &durMs, &created); err != nil {
			return nil, fmt.Errorf("failed to scan replay record: %w", err)
		}
		r.ClientType = models.ClientType(clientType)
		r.Duration = time.Duration(durMs) * time.Millisecond
		r.CreatedAt = fromMillis(created)
		out = append(out, r)
	}
	return out, rows.Err()
}
