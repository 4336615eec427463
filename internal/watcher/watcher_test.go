package watcher

import (
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/p-blackswan/sentinel/internal/models"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type collector struct {
	mu     sync.Mutex
	events []models.FileEvent
}

func (c *collector) handle(ev models.FileEvent) {
	c.mu.Lock()
	c.events = append(c.events, ev)
	c.mu.Unlock()
}

func (c *collector) snapshot() []models.FileEvent {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]models.FileEvent, len(c.events))
	copy(out, c.events)
	return out
}

func (c *collector) forPath(rel string) []models.FileEvent {
	var out []models.FileEvent
	for _, ev := range c.snapshot() {
		if ev.RelPath == rel {
			out = append(out, ev)
		}
	}
	return out
}

func startWatcher(t *testing.T, root string, opts Options) (*Watcher, *collector) {
	t.Helper()
	c := &collector{}
	w, err := New(root, opts, c.handle, zerolog.Nop())
	require.NoError(t, err)
	w.Start()
	t.Cleanup(w.Stop)
	return w, c
}

func fastOpts() Options {
	return Options{Debounce: 50 * time.Millisecond, Correlation: 100 * time.Millisecond}
}

func TestDebounce_BurstYieldsOneEvent(t *testing.T) {
	root := t.TempDir()
	_, c := startWatcher(t, root, fastOpts())

	path := filepath.Join(root, "burst.txt")
	for i := 0; i < 10; i++ {
		require.NoError(t, os.WriteFile(path, []byte(strings.Repeat("x", i+1)), 0o644))
		time.Sleep(5 * time.Millisecond)
	}

	require.Eventually(t, func() bool { return len(c.forPath("burst.txt")) == 1 }, 2*time.Second, 10*time.Millisecond)
	time.Sleep(150 * time.Millisecond)

	evs := c.forPath("burst.txt")
	require.Len(t, evs, 1)
	assert.Equal(t, models.ActionCreate, evs[0].Action)
	assert.Equal(t, models.SourceWatcher, evs[0].Source)
	assert.Equal(t, path, evs[0].FullPath)
}

func TestModifyExistingFile(t *testing.T) {
	root := t.TempDir()
	path := filepath.Join(root, "a.go")
	require.NoError(t, os.WriteFile(path, []byte("a"), 0o644))
	_, c := startWatcher(t, root, fastOpts())

	require.NoError(t, os.WriteFile(path, []byte("b"), 0o644))
	require.Eventually(t, func() bool { return len(c.forPath("a.go")) == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, models.ActionModify, c.forPath("a.go")[0].Action)
}

func TestAtomicSave_RemoveThenCreateIsModify(t *testing.T) {
	root := t.TempDir()
	path := filepath.Join(root, "config.json")
	require.NoError(t, os.WriteFile(path, []byte("{}"), 0o644))
	_, c := startWatcher(t, root, fastOpts())

	require.NoError(t, os.Remove(path))
	require.NoError(t, os.WriteFile(path, []byte(`{"a":1}`), 0o644))

	require.Eventually(t, func() bool { return len(c.forPath("config.json")) >= 1 }, 2*time.Second, 10*time.Millisecond)
	time.Sleep(250 * time.Millisecond)

	evs := c.forPath("config.json")
	require.Len(t, evs, 1)
	assert.Equal(t, models.ActionModify, evs[0].Action)
}

func TestDeleteAfterCorrelationWindow(t *testing.T) {
	root := t.TempDir()
	path := filepath.Join(root, "gone.txt")
	require.NoError(t, os.WriteFile(path, []byte("x"), 0o644))
	_, c := startWatcher(t, root, fastOpts())

	require.NoError(t, os.Remove(path))
	require.Eventually(t, func() bool { return len(c.forPath("gone.txt")) == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, models.ActionDelete, c.forPath("gone.txt")[0].Action)
}

func TestRenamePairing(t *testing.T) {
	root := t.TempDir()
	oldPath := filepath.Join(root, "old.txt")
	require.NoError(t, os.WriteFile(oldPath, []byte("x"), 0o644))
	_, c := startWatcher(t, root, fastOpts())

	require.NoError(t, os.Rename(oldPath, filepath.Join(root, "new.txt")))

	require.Eventually(t, func() bool { return len(c.forPath("new.txt")) == 1 }, 2*time.Second, 10*time.Millisecond)
	time.Sleep(200 * time.Millisecond)

	ev := c.forPath("new.txt")[0]
	assert.Equal(t, models.ActionRename, ev.Action)
	assert.Equal(t, "old.txt", ev.OldPath)
	assert.Empty(t, c.forPath("old.txt"), "paired rename must not also emit a delete")
}

func TestDirectoryCreateAndDelete(t *testing.T) {
	root := t.TempDir()
	_, c := startWatcher(t, root, fastOpts())

	dir := filepath.Join(root, "pkg")
	require.NoError(t, os.Mkdir(dir, 0o755))
	require.Eventually(t, func() bool { return len(c.forPath("pkg")) == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, models.ActionDirCreate, c.forPath("pkg")[0].Action)

	// Files inside the new directory are observed once the watch is added.
	time.Sleep(50 * time.Millisecond)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "x.go"), []byte("x"), 0o644))
	require.Eventually(t, func() bool { return len(c.forPath("pkg/x.go")) >= 1 }, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, os.RemoveAll(dir))
	require.Eventually(t, func() bool {
		for _, ev := range c.forPath("pkg") {
			if ev.Action == models.ActionDirDelete {
				return true
			}
		}
		return false
	}, 2*time.Second, 10*time.Millisecond)
}

func TestIgnoredPathsProduceNothing(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.Mkdir(filepath.Join(root, "node_modules"), 0o755))
	opts := fastOpts()
	opts.Skip = func(rel string, _ bool) bool {
		return rel == "node_modules" || strings.HasPrefix(rel, "node_modules/") || strings.HasSuffix(rel, ".log")
	}
	_, c := startWatcher(t, root, opts)

	require.NoError(t, os.WriteFile(filepath.Join(root, "node_modules", "a.js"), []byte("x"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "debug.log"), []byte("x"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "kept.txt"), []byte("x"), 0o644))

	require.Eventually(t, func() bool { return len(c.forPath("kept.txt")) == 1 }, 2*time.Second, 10*time.Millisecond)
	time.Sleep(100 * time.Millisecond)
	assert.Len(t, c.snapshot(), 1)
}

func TestPauseDropsEvents(t *testing.T) {
	root := t.TempDir()
	w, c := startWatcher(t, root, fastOpts())

	w.Pause()
	assert.True(t, w.Paused())
	require.NoError(t, os.WriteFile(filepath.Join(root, "quiet.txt"), []byte("x"), 0o644))
	time.Sleep(200 * time.Millisecond)
	assert.Empty(t, c.snapshot())

	w.Resume()
	require.NoError(t, os.WriteFile(filepath.Join(root, "loud.txt"), []byte("x"), 0o644))
	require.Eventually(t, func() bool { return len(c.forPath("loud.txt")) == 1 }, 2*time.Second, 10*time.Millisecond)
}

func TestStopCancelsPendingTimers(t *testing.T) {
	root := t.TempDir()
	c := &collector{}
	w, err := New(root, Options{Debounce: time.Second, Correlation: time.Second}, c.handle, zerolog.Nop())
	require.NoError(t, err)
	w.Start()

	require.NoError(t, os.WriteFile(filepath.Join(root, "pending.txt"), []byte("x"), 0o644))
	time.Sleep(100 * time.Millisecond)

	w.Stop()
	w.Stop()
	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, c.snapshot())
}
