package zoneguard

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	serrors "github.com/p-blackswan/sentinel/internal/errors"
	"github.com/p-blackswan/sentinel/internal/models"
)

func zone(pattern string, level models.ProtectionLevel, ops ...models.OperationType) models.ProtectionZone {
	return models.ProtectionZone{ID: pattern, PathPattern: pattern, Level: level, AllowedOperations: ops}
}

func TestCheck_NoZones(t *testing.T) {
	g := New(t.TempDir(), zerolog.Nop())
	res := g.Check("src/main.go", models.ActionModify)
	assert.Equal(t, models.LevelNone, res.Level)
	assert.False(t, res.Blocked)
	assert.Nil(t, res.MatchedZone)
}

func TestCheck_SelfProtectionWithoutZones(t *testing.T) {
	g := New(t.TempDir(), zerolog.Nop())
	for _, p := range []string{
		".sentinel/history.git/HEAD",
		"data/sentinel.db-wal",
		"sentinel.db",
		".sentinel.yaml",
		"deploy/sentinel.yaml",
		".sentinel-token",
	} {
		res := g.Check(p, models.ActionModify)
		assert.True(t, res.Blocked, p)
		assert.Equal(t, models.LevelDoNotTouch, res.Level, p)
		assert.Contains(t, res.Reason, "self-protection", p)
	}
	assert.True(t, g.IsSelfProtected("./.sentinel/state.json"))
	assert.False(t, g.IsSelfProtected(".git/index"), "the project repository belongs to the agent")
	assert.False(t, g.IsSelfProtected("gitignore"))
}

func TestCheck_SelfProtectionOverridesAllowingZone(t *testing.T) {
	g := New(t.TempDir(), zerolog.Nop())
	require.NoError(t, g.SetZones([]models.ProtectionZone{
		zone("**", models.LevelNone),
		zone(".sentinel", models.LevelSurgicalOnly, models.ActionModify),
	}))
	res := g.Check(".sentinel/state.json", models.ActionModify)
	assert.True(t, res.Blocked)
	assert.Nil(t, res.MatchedZone)
}

func TestCheck_SelfProtectionThroughSymlink(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, ".sentinel"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, ".sentinel", "token"), []byte("x"), 0o600))
	require.NoError(t, os.Symlink(filepath.Join(root, ".sentinel", "token"), filepath.Join(root, "innocent.txt")))

	g := New(root, zerolog.Nop())
	res := g.Check("innocent.txt", models.ActionModify)
	assert.True(t, res.Blocked)
	assert.Equal(t, models.LevelDoNotTouch, res.Level)
}

func TestCheck_DoNotTouchBlocksImmediately(t *testing.T) {
	g := New(t.TempDir(), zerolog.Nop())
	require.NoError(t, g.SetZones([]models.ProtectionZone{
		zone("secrets/**", models.LevelDoNotTouch),
	}))
	res := g.Check("secrets/prod.key", models.ActionModify)
	assert.True(t, res.Blocked)
	require.NotNil(t, res.MatchedZone)
	assert.Equal(t, "secrets/**", res.MatchedZone.PathPattern)
}

func TestCheck_SurgicalOnly(t *testing.T) {
	g := New(t.TempDir(), zerolog.Nop())
	require.NoError(t, g.SetZones([]models.ProtectionZone{
		zone("src/core", models.LevelSurgicalOnly, models.ActionModify),
	}))

	create := g.Check("src/core/new.go", models.ActionCreate)
	assert.True(t, create.Blocked)
	assert.Equal(t, models.LevelSurgicalOnly, create.Level)

	modify := g.Check("src/core/engine.go", models.ActionModify)
	assert.False(t, modify.Blocked)
	assert.Equal(t, models.LevelSurgicalOnly, modify.Level)

	outside := g.Check("src/corex/engine.go", models.ActionCreate)
	assert.Equal(t, models.LevelNone, outside.Level)
}

func TestCheck_ZoneOrderMatters(t *testing.T) {
	g := New(t.TempDir(), zerolog.Nop())

	// An allowing surgical zone earlier in order does not stop a later DO_NOT_TOUCH.
	require.NoError(t, g.SetZones([]models.ProtectionZone{
		zone("app/**", models.LevelSurgicalOnly),
		zone("app/billing/**", models.LevelDoNotTouch),
	}))
	res := g.Check("app/billing/charge.go", models.ActionModify)
	assert.True(t, res.Blocked)
	assert.Equal(t, "app/billing/**", res.MatchedZone.PathPattern)

	// A blocking surgical zone first wins before later zones are consulted.
	require.NoError(t, g.SetZones([]models.ProtectionZone{
		zone("app/**", models.LevelSurgicalOnly, models.ActionModify),
		zone("app/billing/**", models.LevelDoNotTouch),
	}))
	res = g.Check("app/billing/new.go", models.ActionCreate)
	assert.True(t, res.Blocked)
	assert.Equal(t, "app/**", res.MatchedZone.PathPattern)
}

func TestCheck_WeakestAllowedHitReported(t *testing.T) {
	g := New(t.TempDir(), zerolog.Nop())
	require.NoError(t, g.SetZones([]models.ProtectionZone{
		zone("lib/**", models.LevelSurgicalOnly),
		zone("lib/vendor/**", models.LevelNone),
	}))
	res := g.Check("lib/vendor/x.go", models.ActionCreate)
	assert.False(t, res.Blocked)
	assert.Equal(t, models.LevelNone, res.Level)
	assert.Equal(t, "lib/vendor/**", res.MatchedZone.PathPattern)
}

func TestSetZones_InvalidPatternKeepsPreviousSet(t *testing.T) {
	g := New(t.TempDir(), zerolog.Nop())
	require.NoError(t, g.SetZones([]models.ProtectionZone{zone("src/**", models.LevelDoNotTouch)}))

	err := g.SetZones([]models.ProtectionZone{
		zone("docs/**", models.LevelNone),
		zone("src/[", models.LevelDoNotTouch),
	})
	assert.ErrorIs(t, err, serrors.ErrInvalidZone)

	zs := g.Zones()
	require.Len(t, zs, 1)
	assert.Equal(t, "src/**", zs[0].PathPattern)
	assert.True(t, g.Check("src/main.go", models.ActionModify).Blocked)
}

func TestSetZones_CopiesInput(t *testing.T) {
	g := New(t.TempDir(), zerolog.Nop())
	zs := []models.ProtectionZone{zone("a/**", models.LevelDoNotTouch)}
	require.NoError(t, g.SetZones(zs))
	zs[0].Level = models.LevelNone
	assert.True(t, g.Check("a/b", models.ActionModify).Blocked)
	assert.Len(t, g.Zones(), 1)
}

func TestValidateZone(t *testing.T) {
	z := zone("src/**", models.LevelSurgicalOnly, models.ActionModify)
	z.ID = ""
	require.NoError(t, ValidateZone(&z))
	assert.NotEmpty(t, z.ID)
	assert.False(t, z.CreatedAt.IsZero())

	bad := []models.ProtectionZone{
		zone("", models.LevelNone),
		zone("/etc/passwd", models.LevelNone),
		zone("src/[", models.LevelNone),
		zone("src", "LOCKED"),
		zone("src", models.LevelSurgicalOnly, "TOUCH"),
	}
	for _, b := range bad {
		assert.ErrorIs(t, ValidateZone(&b), serrors.ErrInvalidZone, b.PathPattern)
	}

	sys := zone("x", models.LevelDoNotTouch)
	sys.IsSystem = true
	assert.ErrorIs(t, ValidateZone(&sys), serrors.ErrSystemZone)
}

func TestMatcher_LiteralDirectoryPrefix(t *testing.T) {
	m, err := Compile("./src/core/")
	require.NoError(t, err)
	assert.Equal(t, "src/core", m.Pattern())
	assert.True(t, m.Match("src/core"))
	assert.True(t, m.Match("src/core/a/b.go"))
	assert.False(t, m.Match("src/corefile"))

	g, err := Compile("**/*.pem")
	require.NoError(t, err)
	assert.True(t, g.Match("a/b/c.pem"))
	assert.True(t, g.Match("c.pem"))
}

func TestIgnoreSet_NeverHidesSelfProtection(t *testing.T) {
	ignore, err := NewIgnoreSet([]string{".git/**", "node_modules/**", ".sentinel/**", "**/.sentinel-token", "**/sentinel.yaml"})
	require.NoError(t, err)

	assert.True(t, ignore.Skip(".git/objects/ab", false))
	assert.True(t, ignore.Skip("node_modules", true))
	assert.False(t, ignore.Skip("src/main.go", false))

	for _, p := range []string{".sentinel", ".sentinel/state.json", ".sentinel-token", "deploy/.sentinel-token", "sentinel.yaml"} {
		assert.False(t, ignore.Skip(p, false), p)
	}
	// Paths the supervisor writes are skipped even without an ignore pattern.
	none, err := NewIgnoreSet(nil)
	require.NoError(t, err)
	for _, p := range []string{".sentinel/history.git", ".sentinel/history.git/objects/ab", ".sentinel/sentinel.db-wal", "data/sentinel.db"} {
		assert.True(t, none.Skip(p, false), p)
	}
	assert.False(t, none.Skip(".sentinel/state.json", false))
}

func TestSystemZones(t *testing.T) {
	zs := SystemZones("p1")
	require.Len(t, zs, len(SelfProtectedPatterns))
	for i := 1; i < len(zs); i++ {
		assert.True(t, zs[i].CreatedAt.After(zs[i-1].CreatedAt))
		assert.True(t, zs[i].IsSystem)
	}
}

func TestLoadZonesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "zones.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
zones:
  - pattern: src/core/**
    level: surgical_only
    reason: core runtime
    allowed_operations: [FILE_MODIFY]
  - pattern: secrets
    level: DO_NOT_TOUCH
`), 0o644))

	zs, err := LoadZonesFile(path, "p1")
	require.NoError(t, err)
	require.Len(t, zs, 2)
	assert.Equal(t, models.LevelSurgicalOnly, zs[0].Level)
	assert.Equal(t, []models.OperationType{models.ActionModify}, zs[0].AllowedOperations)
	assert.Equal(t, "p1", zs[1].ProjectID)
	assert.True(t, zs[1].CreatedAt.After(zs[0].CreatedAt))

	_, err = ParseZones([]byte("zones:\n  - pattern: x\n    level: nope\n"), "p1")
	assert.Error(t, err)
	_, err = LoadZonesFile(filepath.Join(t.TempDir(), "missing.yaml"), "p1")
	assert.Error(t, err)
}
