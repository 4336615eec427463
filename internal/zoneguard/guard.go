// Package zoneguard classifies a path and operation against the hardcoded
// self-protection list and the project's configured protection zones.
package zoneguard

import (
	"fmt"
	"path"
	"path/filepath"
	"strings"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/p-blackswan/sentinel/lru"
	"github.com/p-blackswan/sentinel/internal/models"
)

// SelfProtectedPatterns cover the runtime, configuration and data paths of the
// supervisor itself. They are checked before any configured zone and always block.
// The project's own .git belongs to the agent and is not listed.
var SelfProtectedPatterns = []string{
	".sentinel/**",
	"**/sentinel.db*",
	"**/.sentinel.yaml",
	"**/sentinel.yaml",
	"**/.sentinel-token",
}

// WriteTargets are the self-protected paths the supervisor writes itself. They are
// never observed, whatever the ignore patterns say.
var WriteTargets = []string{
	".sentinel/history.git/**",
	"**/sentinel.db*",
}

var (
	selfMatchers  = mustCompileAll(SelfProtectedPatterns)
	writeMatchers = mustCompileAll(WriteTargets)
)

func mustCompileAll(patterns []string) []*Matcher {
	ms, err := CompileAll(patterns)
	if err != nil {
		panic(fmt.Sprintf("zoneguard: invalid built-in pattern: %v", err))
	}
	return ms
}

const matcherCacheSize = 256

// zoneSet is the unit swapped by SetZones: a zone list and the matcher cache
// compiled for exactly that list.
type zoneSet struct {
	zones    []models.ProtectionZone
	matchers *lru.Cache[string, *Matcher]
}

// Guard evaluates paths for one project root. Check is safe for concurrent use.
type Guard struct {
	root   string
	set    atomic.Pointer[zoneSet]
	self   []*Matcher
	logger zerolog.Logger
}

// New creates a guard for root with no configured zones.
func New(root string, logger zerolog.Logger) *Guard {
	g := &Guard{
		root:   root,
		self:   selfMatchers,
		logger: logger.With().Str("component", "zoneguard").Logger(),
	}
	g.set.Store(&zoneSet{matchers: lru.New[string, *Matcher](matcherCacheSize)})
	return g
}

// SetZones replaces the configured zones. Zones are evaluated in slice order, which
// callers keep equal to creation order. When any pattern fails to compile the
// previous set stays in force and the error is returned.
func (g *Guard) SetZones(zones []models.ProtectionZone) error {
	patterns := make([]string, len(zones))
	for i, z := range zones {
		patterns[i] = z.PathPattern
	}
	compiled, err := CompileAll(patterns)
	if err != nil {
		return fmt.Errorf("zone set rejected: %w", err)
	}

	cp := make([]models.ProtectionZone, len(zones))
	copy(cp, zones)
	matchers := lru.New[string, *Matcher](matcherCacheSize)
	for i, m := range compiled {
		matchers.Put(patterns[i], m)
	}
	g.set.Store(&zoneSet{zones: cp, matchers: matchers})
	g.logger.Debug().Int("zones", len(cp)).Msg("zone set replaced")
	return nil
}

// Zones returns a copy of the configured zones.
func (g *Guard) Zones() []models.ProtectionZone {
	s := g.set.Load()
	cp := make([]models.ProtectionZone, len(s.zones))
	copy(cp, s.zones)
	return cp
}

// Check classifies relPath for op. A blocked result is a policy outcome, not an error.
func (g *Guard) Check(relPath string, op models.OperationType) models.ZoneCheckResult {
	literal := cleanRel(relPath)
	resolved := g.resolve(literal)

	for i, m := range g.self {
		if m.Match(literal) || m.Match(resolved) {
			return models.ZoneCheckResult{
				Level:   models.LevelDoNotTouch,
				Blocked: true,
				Reason:  fmt.Sprintf("self-protection: %s matches %s", literal, SelfProtectedPatterns[i]),
			}
		}
	}

	s := g.set.Load()
	var weakest *models.ProtectionZone
	for i := range s.zones {
		z := &s.zones[i]
		m, err := s.matchers.GetOrLoad(z.PathPattern, Compile)
		if err != nil {
			// A zone whose pattern does not compile blocks.
			return models.ZoneCheckResult{
				Level:       models.LevelDoNotTouch,
				MatchedZone: cloneZone(z),
				Blocked:     true,
				Reason:      fmt.Sprintf("zone pattern %q does not compile", z.PathPattern),
			}
		}
		if !m.Match(literal) && !m.Match(resolved) {
			continue
		}
		switch z.Level {
		case models.LevelDoNotTouch:
			return models.ZoneCheckResult{
				Level:       models.LevelDoNotTouch,
				MatchedZone: cloneZone(z),
				Blocked:     true,
				Reason:      zoneReason(z, "path is DO_NOT_TOUCH"),
			}
		case models.LevelSurgicalOnly:
			if !z.Allows(op) {
				return models.ZoneCheckResult{
					Level:       models.LevelSurgicalOnly,
					MatchedZone: cloneZone(z),
					Blocked:     true,
					Reason:      zoneReason(z, fmt.Sprintf("%s not allowed in SURGICAL_ONLY zone", op)),
				}
			}
			if weakest == nil || weakest.Level.Rank() > z.Level.Rank() {
				weakest = z
			}
		default:
			if weakest == nil || weakest.Level.Rank() > z.Level.Rank() {
				weakest = z
			}
		}
	}

	if weakest != nil {
		return models.ZoneCheckResult{
			Level:       weakest.Level,
			MatchedZone: cloneZone(weakest),
			Reason:      zoneReason(weakest, fmt.Sprintf("%s allowed", op)),
		}
	}
	return models.ZoneCheckResult{Level: models.LevelNone, Reason: "no zone matched"}
}

// IsSelfProtected reports whether relPath falls under the hardcoded list.
func (g *Guard) IsSelfProtected(relPath string) bool {
	p := cleanRel(relPath)
	for _, m := range g.self {
		if m.Match(p) {
			return true
		}
	}
	return false
}

// resolve follows symlinks and re-expresses the target relative to the root when it
// stays inside it. Resolution failures fall back to the literal path.
func (g *Guard) resolve(rel string) string {
	full := filepath.Join(g.root, filepath.FromSlash(rel))
	real, err := filepath.EvalSymlinks(full)
	if err != nil {
		return rel
	}
	root, err := filepath.EvalSymlinks(g.root)
	if err != nil {
		root = g.root
	}
	r, err := filepath.Rel(root, real)
	if err != nil || r == ".." || strings.HasPrefix(r, ".."+string(filepath.Separator)) {
		return filepath.ToSlash(real)
	}
	return filepath.ToSlash(r)
}

func cleanRel(p string) string {
	p = path.Clean(filepath.ToSlash(p))
	return strings.TrimPrefix(p, "./")
}

func cloneZone(z *models.ProtectionZone) *models.ProtectionZone {
	cp := *z
	return &cp
}

func zoneReason(z *models.ProtectionZone, what string) string {
	if z.Reason == "" {
		return fmt.Sprintf("%s (zone %s)", what, z.PathPattern)
	}
	return fmt.Sprintf("%s (zone %s: %s)", what, z.PathPattern, z.Reason)
}
