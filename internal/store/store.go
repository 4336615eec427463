// Package store persists snapshots, zones, execution history, the broadcast log and
// client positions in SQLite.
package store

import (
	"database/sql"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	_ "modernc.org/sqlite"

	serrors "github.com/p-blackswan/sentinel/internal/errors"
)

// Store manages the SQLite database.
type Store struct {
	db     *sql.DB
	path   string
	logger zerolog.Logger
	mu     sync.RWMutex

	integrityErr error
	forensicCopy string
}

// New opens (or creates) the SQLite database, checks its integrity and runs
// migrations. A failed integrity check does not fail New: the database is copied
// aside for forensics and the store continues in degraded mode (see IntegrityErr).
func New(dbPath string, logger zerolog.Logger) (*Store, error) {
	logger = logger.With().Str("component", "store").Logger()

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// One connection keeps :memory: databases shared and serialises writers.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	s := &Store{
		db:     db,
		path:   dbPath,
		logger: logger,
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to set pragma: %w", err)
		}
	}

	s.checkIntegrity()

	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migration failed: %w", err)
	}

	logger.Info().Str("path", dbPath).Bool("degraded", s.integrityErr != nil).Msg("store initialized")
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// DB returns the underlying database connection (for testing).
func (s *Store) DB() *sql.DB {
	return s.db
}

// Ping verifies the database is reachable.
func (s *Store) Ping() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.db.Ping()
}

// IntegrityErr returns the startup integrity failure, or nil.
func (s *Store) IntegrityErr() error {
	return s.integrityErr
}

// ForensicCopy returns the path of the copy taken after a failed integrity check.
func (s *Store) ForensicCopy() string {
	return s.forensicCopy
}

func (s *Store) checkIntegrity() {
	rows, err := s.db.Query("PRAGMA integrity_check")
	if err != nil {
		s.integrityErr = fmt.Errorf("%w: %v", serrors.ErrIntegrity, err)
	} else {
		var problems []string
		for rows.Next() {
			var line string
			if err := rows.Scan(&line); err == nil && line != "ok" {
				problems = append(problems, line)
			}
		}
		if err := rows.Err(); err != nil {
			problems = append(problems, err.Error())
		}
		rows.Close()
		if len(problems) > 0 {
			s.integrityErr = fmt.Errorf("%w: %s", serrors.ErrIntegrity, strings.Join(problems, "; "))
		}
	}
	if s.integrityErr == nil {
		return
	}

	s.logger.Error().Err(s.integrityErr).Msg("database integrity check failed, continuing degraded")
	if !isFileDB(s.path) {
		return
	}
	dst := fmt.Sprintf("%s.corrupt-%d", s.path, time.Now().Unix())
	if err := copyFile(s.path, dst); err != nil {
		s.logger.Error().Err(err).Msg("failed to write forensic copy")
		return
	}
	s.forensicCopy = dst
	s.logger.Warn().Str("copy", dst).Msg("forensic copy written")
}

func isFileDB(path string) bool {
	return path != "" && path != ":memory:" && !strings.HasPrefix(path, "file:")
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_EXCL, 0o600)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

func toMillis(t time.Time) int64 {
	if t.IsZero() {
		return time.Now().UnixMilli()
	}
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
