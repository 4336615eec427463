package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	serrors "github.com/p-blackswan/sentinel/internal/errors"
	"github.com/p-blackswan/sentinel/internal/models"
)

const zoneColumns = `id, project_id, path_pattern, level, reason, allowed_operations, is_system, created_at`

// InsertZone persists a new zone.
func (s *Store) InsertZone(z *models.ProtectionZone) error {
	ops, err := encodeOps(z.AllowedOperations)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	_, err = s.db.Exec(`INSERT INTO protection_zones (`+zoneColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		z.ID, z.ProjectID, z.PathPattern, string(z.Level), nullString(z.Reason), ops, z.IsSystem,
		toMillis(z.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to insert zone: %w", err)
	}
	return nil
}

// EnsureSystemZones brings a project's persisted system zones in line with zones.
// Existing records keep their creation time; system records whose id is no longer
// listed are removed.
func (s *Store) EnsureSystemZones(zones []models.ProtectionZone) error {
	if len(zones) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	ids := make([]any, 0, len(zones)+1)
	ids = append(ids, zones[0].ProjectID)
	for _, z := range zones {
		_, err := tx.Exec(`INSERT INTO protection_zones (`+zoneColumns+`) VALUES (?, ?, ?, ?, ?, NULL, 1, ?)
			ON CONFLICT(id) DO UPDATE SET path_pattern = excluded.path_pattern, level = excluded.level, reason = excluded.reason
			WHERE protection_zones.is_system = 1`,
			z.ID, z.ProjectID, z.PathPattern, string(z.Level), nullString(z.Reason), toMillis(z.CreatedAt))
		if err != nil {
			return fmt.Errorf("failed to upsert system zone: %w", err)
		}
		ids = append(ids, z.ID)
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(zones)), ", ")
	if _, err := tx.Exec(`DELETE FROM protection_zones WHERE project_id = ? AND is_system = 1 AND id NOT IN (`+placeholders+`)`, ids...); err != nil {
		return fmt.Errorf("failed to prune system zones: %w", err)
	}
	return tx.Commit()
}

// UpdateZone replaces the mutable fields of a user zone. Creation time, and with it
// the zone's position in evaluation order, is preserved.
func (s *Store) UpdateZone(z *models.ProtectionZone) error {
	ops, err := encodeOps(z.AllowedOperations)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	system, err := s.isSystemZone(z.ProjectID, z.ID)
	if err != nil {
		return err
	}
	if system {
		return fmt.Errorf("zone %s: %w", z.ID, serrors.ErrSystemZone)
	}
	_, err = s.db.Exec(`UPDATE protection_zones SET path_pattern = ?, level = ?, reason = ?, allowed_operations = ?
		WHERE id = ? AND project_id = ?`,
		z.PathPattern, string(z.Level), nullString(z.Reason), ops, z.ID, z.ProjectID)
	if err != nil {
		return fmt.Errorf("failed to update zone: %w", err)
	}
	return nil
}

// DeleteZone removes a user zone. System zones return ErrSystemZone.
func (s *Store) DeleteZone(projectID, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	system, err := s.isSystemZone(projectID, id)
	if err != nil {
		return err
	}
	if system {
		return fmt.Errorf("zone %s: %w", id, serrors.ErrSystemZone)
	}
	if _, err := s.db.Exec(`DELETE FROM protection_zones WHERE id = ? AND project_id = ?`, id, projectID); err != nil {
		return fmt.Errorf("failed to delete zone: %w", err)
	}
	return nil
}

// ReplaceZones swaps all user zones of a project in one transaction. System zones are
// kept. Zones are stored in slice order.
func (s *Store) ReplaceZones(projectID string, zones []models.ProtectionZone) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM protection_zones WHERE project_id = ? AND is_system = 0`, projectID); err != nil {
		return fmt.Errorf("failed to clear zones: %w", err)
	}
	for _, z := range zones {
		if z.IsSystem {
			continue
		}
		ops, err := encodeOps(z.AllowedOperations)
		if err != nil {
			return err
		}
		_, err = tx.Exec(`INSERT INTO protection_zones (`+zoneColumns+`) VALUES (?, ?, ?, ?, ?, ?, 0, ?)`,
			z.ID, projectID, z.PathPattern, string(z.Level), nullString(z.Reason), ops, toMillis(z.CreatedAt))
		if err != nil {
			return fmt.Errorf("failed to insert zone: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit zones: %w", err)
	}
	return nil
}

// ListZones returns a project's zones in creation order.
func (s *Store) ListZones(projectID string) ([]models.ProtectionZone, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`SELECT `+zoneColumns+` FROM protection_zones
		WHERE project_id = ? ORDER BY created_at ASC, rowid ASC`, projectID)
	if err != nil {
		return nil, fmt.Errorf("failed to list zones: %w", err)
	}
	defer rows.Close()

	var out []models.ProtectionZone
	for rows.Next() {
		var (
			z       models.ProtectionZone
			level   string
			reason  sql.NullString
			ops     sql.NullString
			created int64
		)
		if err := rows.Scan(&z.ID, &z.ProjectID, &z.PathPattern, &level, &reason, &ops, &z.IsSystem, &created); err != nil {
			return nil, fmt.Errorf("failed to scan zone: %w", err)
		}
		z.Level = models.ProtectionLevel(level)
		z.Reason = reason.String
		z.CreatedAt = fromMillis(created)
		if ops.Valid && ops.String != "" {
			if err := json.Unmarshal([]byte(ops.String), &z.AllowedOperations); err != nil {
				return nil, fmt.Errorf("failed to decode allowed operations for zone %s: %w", z.ID, err)
			}
		}
		out = append(out, z)
	}
	return out, rows.Err()
}

// isSystemZone reports whether the zone is a system zone. Caller holds mu.
func (s *Store) isSystemZone(projectID, id string) (bool, error) {
	var system bool
	err := s.db.QueryRow(`SELECT is_system FROM protection_zones WHERE id = ? AND project_id = ?`, id, projectID).Scan(&system)
	if err == sql.ErrNoRows {
		return false, fmt.Errorf("zone %s: %w", id, serrors.ErrNotFound)
	}
	if err != nil {
		return false, fmt.Errorf("failed to look up zone: %w", err)
	}
	return system, nil
}

func encodeOps(ops []models.OperationType) (sql.NullString, error) {
	if len(ops) == 0 {
		return sql.NullString{}, nil
	}
	raw, err := json.Marshal(ops)
	if err != nil {
		return sql.NullString{}, fmt.Errorf("failed to encode allowed operations: %w", err)
	}
	return sql.NullString{String: string(raw), Valid: true}, nil
}
