package reconcile

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/p-blackswan/sentinel/internal/models"
	"github.com/p-blackswan/sentinel/internal/tracker"
)

func write(t *testing.T, root, rel, content string) {
	t.Helper()
	full := filepath.Join(root, rel)
	require.NoError(t, os.MkdirAll(filepath.Dir(full), 0o755))
	require.NoError(t, os.WriteFile(full, []byte(content), 0o644))
}

// apply mimics the pipeline's tracker maintenance.
func apply(t *testing.T, tr *tracker.HashTracker, ev models.FileEvent) {
	t.Helper()
	if ev.Action == models.ActionDelete {
		tr.Remove(ev.RelPath)
		return
	}
	_, cur, err := tr.Changed(ev.RelPath)
	require.NoError(t, err)
	tr.Update(ev.RelPath, cur)
}

func TestRunOnce_EmitsDriftAndIsIdempotent(t *testing.T) {
	root := t.TempDir()
	write(t, root, "keep.txt", "same")
	write(t, root, "edit.txt", "v1")
	write(t, root, "drop.txt", "bye")

	tr := tracker.New(root, zerolog.Nop())
	require.NoError(t, tr.Scan(nil))

	write(t, root, "edit.txt", "v2")
	require.NoError(t, os.Remove(filepath.Join(root, "drop.txt")))
	write(t, root, "new/a.txt", "a")
	write(t, root, "new/b.txt", "b")

	var events []models.FileEvent
	r := New(tr, nil, time.Minute, func(ev models.FileEvent) { events = append(events, ev) }, zerolog.Nop())

	n, err := r.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 4, n)
	require.Len(t, events, 4)

	byPath := map[string]models.FileAction{}
	for _, ev := range events {
		byPath[ev.RelPath] = ev.Action
		assert.Equal(t, models.SourceReconciler, ev.Source)
	}
	assert.Equal(t, map[string]models.FileAction{
		"edit.txt":  models.ActionModify,
		"drop.txt":  models.ActionDelete,
		"new/a.txt": models.ActionCreate,
		"new/b.txt": models.ActionCreate,
	}, byPath)

	for _, ev := range events {
		apply(t, tr, ev)
	}
	events = nil
	n, err = r.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Empty(t, events)
}

func TestRunOnce_RespectsSkip(t *testing.T) {
	root := t.TempDir()
	tr := tracker.New(root, zerolog.Nop())
	write(t, root, "vendor/x.go", "x")
	write(t, root, "main.go", "m")

	skip := func(rel string, isDir bool) bool { return rel == "vendor" }
	var got []string
	r := New(tr, skip, time.Minute, func(ev models.FileEvent) { got = append(got, ev.RelPath) }, zerolog.Nop())

	n, err := r.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, []string{"main.go"}, got)
}

func TestRun_TicksUntilCancelled(t *testing.T) {
	root := t.TempDir()
	tr := tracker.New(root, zerolog.Nop())
	write(t, root, "a.txt", "a")

	var mu sync.Mutex
	count := 0
	r := New(tr, nil, 20*time.Millisecond, func(models.FileEvent) {
		mu.Lock()
		count++
		mu.Unlock()
	}, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		r.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return count >= 2
	}, 2*time.Second, 10*time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
