package zoneguard

import (
	"fmt"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/google/uuid"

	serrors "github.com/p-blackswan/sentinel/internal/errors"
	"github.com/p-blackswan/sentinel/internal/models"
)

// Matcher is a validated, normalized path pattern.
type Matcher struct {
	pattern string
	// literal patterns also match everything beneath them.
	literal bool
}

// Compile validates pattern as a doublestar glob. A pattern without glob
// metacharacters names a file or directory and matches its whole subtree.
func Compile(pattern string) (*Matcher, error) {
	p := strings.TrimSpace(pattern)
	if p == "" {
		return nil, fmt.Errorf("%w: empty pattern", serrors.ErrInvalidZone)
	}
	p = path.Clean(filepath.ToSlash(p))
	if p == "." {
		return nil, fmt.Errorf("%w: pattern %q matches the whole root", serrors.ErrInvalidZone, pattern)
	}
	if strings.HasPrefix(p, "/") {
		return nil, fmt.Errorf("%w: pattern %q must be relative to the project root", serrors.ErrInvalidZone, pattern)
	}
	if !doublestar.ValidatePattern(p) {
		return nil, fmt.Errorf("%w: malformed glob %q", serrors.ErrInvalidZone, pattern)
	}
	return &Matcher{pattern: p, literal: !strings.ContainsAny(p, "*?[{")}, nil
}

// Pattern returns the normalized pattern.
func (m *Matcher) Pattern() string { return m.pattern }

// Match reports whether the slash-separated relative path matches.
func (m *Matcher) Match(rel string) bool {
	if rel == "" {
		return false
	}
	if m.literal {
		return rel == m.pattern || strings.HasPrefix(rel, m.pattern+"/")
	}
	ok, err := doublestar.Match(m.pattern, rel)
	return err == nil && ok
}

// MatchAny reports whether rel matches one of ms.
func MatchAny(ms []*Matcher, rel string) bool {
	for _, m := range ms {
		if m.Match(rel) {
			return true
		}
	}
	return false
}

// CompileAll compiles patterns, failing on the first invalid one.
func CompileAll(patterns []string) ([]*Matcher, error) {
	out := make([]*Matcher, 0, len(patterns))
	for _, p := range patterns {
		m, err := Compile(p)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, nil
}

// ValidateZone checks a zone before it is persisted and fills in defaults.
func ValidateZone(z *models.ProtectionZone) error {
	if _, err := Compile(z.PathPattern); err != nil {
		return err
	}
	level, err := models.ParseProtectionLevel(string(z.Level))
	if err != nil {
		return fmt.Errorf("%w: %v", serrors.ErrInvalidZone, err)
	}
	z.Level = level
	for _, op := range z.AllowedOperations {
		if !op.Valid() {
			return fmt.Errorf("%w: unknown operation %q", serrors.ErrInvalidZone, op)
		}
	}
	if z.IsSystem {
		return fmt.Errorf("%w: system zones are managed internally", serrors.ErrSystemZone)
	}
	if z.ID == "" {
		z.ID = uuid.NewString()
	}
	if z.CreatedAt.IsZero() {
		z.CreatedAt = time.Now().UTC()
	}
	return nil
}

// SystemZones returns the self-protection list as persisted zone records so that
// they are visible through the API. They are informational; Check does not rely on
// them being stored.
func SystemZones(projectID string) []models.ProtectionZone {
	now := time.Now().UTC()
	out := make([]models.ProtectionZone, 0, len(SelfProtectedPatterns))
	for i, p := range SelfProtectedPatterns {
		out = append(out, models.ProtectionZone{
			ID:          fmt.Sprintf("system-%s-%d", projectID, i),
			ProjectID:   projectID,
			PathPattern: p,
			Level:       models.LevelDoNotTouch,
			Reason:      "self-protection",
			IsSystem:    true,
			CreatedAt:   now.Add(time.Duration(i) * time.Microsecond),
		})
	}
	return out
}

// IgnoreSet is a compiled list of ignore patterns shared by the watcher and the
// reconciler.
type IgnoreSet []*Matcher

// NewIgnoreSet compiles patterns into an IgnoreSet.
func NewIgnoreSet(patterns []string) (IgnoreSet, error) {
	ms, err := CompileAll(patterns)
	if err != nil {
		return nil, fmt.Errorf("compiling ignore patterns: %w", err)
	}
	return IgnoreSet(ms), nil
}

// Skip reports whether rel is ignored. It has the shape of a tree-walk skip callback.
// The supervisor's write targets are always skipped. Every other self-protected
// path is observed even when an ignore pattern covers it.
func (s IgnoreSet) Skip(rel string, _ bool) bool {
	rel = cleanRel(rel)
	if MatchAny(writeMatchers, rel) {
		return true
	}
	if MatchAny(selfMatchers, rel) {
		return false
	}
	return MatchAny(s, rel)
}
