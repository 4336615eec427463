package store

import (
	"context"
	"fmt"
	"time"
)

// RetentionPolicy bounds how long replayable history is kept. Zero disables a rule.
type RetentionPolicy struct {
	ActionEvents time.Duration
	ReplayLog    time.Duration
}

// DefaultRetention keeps a week of broadcast history and a month of replay audit.
func DefaultRetention() RetentionPolicy {
	return RetentionPolicy{
		ActionEvents: 7 * 24 * time.Hour,
		ReplayLog:    30 * 24 * time.Hour,
	}
}

// RunRetention deletes expired rows. The newest action event of every project is
// always kept so that the sequence head survives pruning. Snapshots and state
// history are never pruned.
func (s *Store) RunRetention(ctx context.Context, p RetentionPolicy) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	var removed int64

	if p.ActionEvents > 0 {
		res, err := s.db.ExecContext(ctx, `DELETE FROM action_events
			WHERE created_at < ?
			AND sequence < (SELECT MAX(a2.sequence) FROM action_events a2 WHERE a2.project_id = action_events.project_id)`,
			now.Add(-p.ActionEvents).UnixMilli())
		if err != nil {
			return removed, fmt.Errorf("failed to delete old action events: %w", err)
		}
		n, _ := res.RowsAffected()
		removed += n
	}

	if p.ReplayLog > 0 {
		res, err := s.db.ExecContext(ctx, `DELETE FROM replay_log WHERE created_at < ?`,
			now.Add(-p.ReplayLog).UnixMilli())
		if err != nil {
			return removed, fmt.Errorf("failed to delete old replay records: %w", err)
		}
		n, _ := res.RowsAffected()
		removed += n
	}

	if removed > 0 {
		s.logger.Info().Int64("rows", removed).Msg("retention pass removed rows")
	}
	return removed, nil
}

// DBSizeBytes returns the database size in bytes.
func (s *Store) DBSizeBytes() (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var pageCount, pageSize int64
	if err := s.db.QueryRow("PRAGMA page_count").Scan(&pageCount); err != nil {
		return 0, fmt.Errorf("failed to get page count: %w", err)
	}
	if err := s.db.QueryRow("PRAGMA page_size").Scan(&pageSize); err != nil {
		return 0, fmt.Errorf("failed to get page size: %w", err)
	}
	return pageCount * pageSize, nil
}
