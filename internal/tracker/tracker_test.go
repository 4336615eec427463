package tracker

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, root, rel, content string) {
	t.Helper()
	full := filepath.Join(root, filepath.FromSlash(rel))
	require.NoError(t, os.MkdirAll(filepath.Dir(full), 0o755))
	require.NoError(t, os.WriteFile(full, []byte(content), 0o644))
}

func TestScan_HashesFilesAndSkips(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "a.txt", "alpha")
	writeFile(t, root, "src/b.go", "package b")
	writeFile(t, root, "node_modules/x/index.js", "x")

	tr := New(root, zerolog.Nop())
	require.NoError(t, tr.Scan(func(rel string, isDir bool) bool {
		return strings.HasPrefix(rel, "node_modules")
	}))

	assert.Equal(t, []string{"a.txt", "src/b.go"}, tr.Paths())
	assert.True(t, tr.IsDir("src"))
	assert.False(t, tr.IsDir("node_modules"))

	e, ok := tr.Get("a.txt")
	require.True(t, ok)
	assert.Equal(t, int64(5), e.Size)
	assert.Len(t, e.Hash, 64)

	count, size := tr.Totals()
	assert.Equal(t, 2, count)
	assert.Equal(t, int64(5+9), size)
}

func TestChanged(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "a.txt", "alpha")
	tr := New(root, zerolog.Nop())
	require.NoError(t, tr.Scan(nil))

	changed, _, err := tr.Changed("a.txt")
	require.NoError(t, err)
	assert.False(t, changed)

	writeFile(t, root, "a.txt", "beta")
	changed, cur, err := tr.Changed("a.txt")
	require.NoError(t, err)
	assert.True(t, changed)
	tr.Update("a.txt", cur)

	changed, _, err = tr.Changed("a.txt")
	require.NoError(t, err)
	assert.False(t, changed)

	_, _, err = tr.Changed("missing.txt")
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestRemove_Directory(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "pkg/a.go", "a")
	writeFile(t, root, "pkg/sub/b.go", "b")
	writeFile(t, root, "pkgx/c.go", "c")
	tr := New(root, zerolog.Nop())
	require.NoError(t, tr.Scan(nil))

	assert.True(t, tr.Remove("pkg"))
	assert.Equal(t, []string{"pkgx/c.go"}, tr.Paths())
	assert.False(t, tr.IsDir("pkg/sub"))
	assert.False(t, tr.Remove("pkg"))
}

func TestSnapshot_IsCopy(t *testing.T) {
	tr := New(t.TempDir(), zerolog.Nop())
	tr.Update("x", Entry{Hash: "h", Size: 1})
	snap := tr.Snapshot()
	delete(snap, "x")
	_, ok := tr.Get("x")
	assert.True(t, ok)
}
