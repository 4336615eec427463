// Package tracker keeps the last known content hash of every file in a project tree.
package tracker

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/rs/zerolog"
)

// Entry is the tracked state of one file.
type Entry struct {
	Hash string
	Size int64
}

// SkipFunc reports whether a slash-separated relative path should be ignored.
// Returning true for a directory skips its subtree.
type SkipFunc func(relPath string, isDir bool) bool

// HashTracker maps relative paths to content hashes. It is owned by a single
// pipeline goroutine but is safe for concurrent readers.
type HashTracker struct {
	mu      sync.RWMutex
	root    string
	entries map[string]Entry
	dirs    map[string]struct{}
	logger  zerolog.Logger
}

// New creates an empty tracker for root.
func New(root string, logger zerolog.Logger) *HashTracker {
	return &HashTracker{
		root:    root,
		entries: make(map[string]Entry),
		dirs:    make(map[string]struct{}),
		logger:  logger.With().Str("component", "tracker").Logger(),
	}
}

// Root returns the tracked root directory.
func (t *HashTracker) Root() string { return t.root }

// HashFile returns the hex sha256 and size of the file at path.
func HashFile(path string) (string, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", 0, err
	}
	defer f.Close()

	h := sha256.New()
	n, err := io.Copy(h, f)
	if err != nil {
		return "", 0, fmt.Errorf("hashing %s: %w", path, err)
	}
	return hex.EncodeToString(h.Sum(nil)), n, nil
}

// Walk hashes every regular file below root that skip does not exclude.
// Unreadable entries are logged and left out of the result.
func Walk(root string, skip SkipFunc, logger zerolog.Logger) (map[string]Entry, map[string]struct{}, error) {
	files := make(map[string]Entry)
	dirs := make(map[string]struct{})
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if path == root {
				return err
			}
			logger.Debug().Err(err).Str("path", path).Msg("skipping unreadable entry")
			if d != nil && d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if path == root {
			return nil
		}
		rel, relErr := filepath.Rel(root, path)
		if relErr != nil {
			return nil
		}
		rel = filepath.ToSlash(rel)
		if skip != nil && skip(rel, d.IsDir()) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if d.IsDir() {
			dirs[rel] = struct{}{}
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}
		sum, size, hashErr := HashFile(path)
		if hashErr != nil {
			logger.Debug().Err(hashErr).Str("path", rel).Msg("skipping unhashable file")
			return nil
		}
		files[rel] = Entry{Hash: sum, Size: size}
		return nil
	})
	if err != nil {
		return nil, nil, fmt.Errorf("walking %s: %w", root, err)
	}
	return files, dirs, nil
}

// Scan replaces the tracked state with a full walk of the root.
func (t *HashTracker) Scan(skip SkipFunc) error {
	files, dirs, err := Walk(t.root, skip, t.logger)
	if err != nil {
		return err
	}
	t.mu.Lock()
	t.entries = files
	t.dirs = dirs
	t.mu.Unlock()
	t.logger.Info().Int("files", len(files)).Int("dirs", len(dirs)).Msg("initial scan complete")
	return nil
}

// Get returns the tracked entry for relPath.
func (t *HashTracker) Get(relPath string) (Entry, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	e, ok := t.entries[relPath]
	return e, ok
}

// Changed hashes relPath on disk and reports whether it differs from the tracked
// entry. Untracked files are always changed.
func (t *HashTracker) Changed(relPath string) (bool, Entry, error) {
	sum, size, err := HashFile(filepath.Join(t.root, filepath.FromSlash(relPath)))
	if err != nil {
		return false, Entry{}, err
	}
	cur := Entry{Hash: sum, Size: size}
	prev, ok := t.Get(relPath)
	return !ok || prev.Hash != cur.Hash, cur, nil
}

// Update records entry for relPath.
func (t *HashTracker) Update(relPath string, e Entry) {
	t.mu.Lock()
	t.entries[relPath] = e
	t.mu.Unlock()
}

// Remove drops relPath and, when it names a directory, everything beneath it.
// It reports whether anything was tracked.
func (t *HashTracker) Remove(relPath string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, found := t.entries[relPath]
	delete(t.entries, relPath)
	if _, ok := t.dirs[relPath]; ok {
		found = true
		delete(t.dirs, relPath)
		prefix := relPath + "/"
		for p := range t.entries {
			if strings.HasPrefix(p, prefix) {
				delete(t.entries, p)
			}
		}
		for p := range t.dirs {
			if strings.HasPrefix(p, prefix) {
				delete(t.dirs, p)
			}
		}
	}
	return found
}

// AddDir marks relPath as a known directory.
func (t *HashTracker) AddDir(relPath string) {
	t.mu.Lock()
	t.dirs[relPath] = struct{}{}
	t.mu.Unlock()
}

// IsDir reports whether relPath is a known directory.
func (t *HashTracker) IsDir(relPath string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	_, ok := t.dirs[relPath]
	return ok
}

// Snapshot returns a copy of all tracked file entries.
func (t *HashTracker) Snapshot() map[string]Entry {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make(map[string]Entry, len(t.entries))
	for k, v := range t.entries {
		out[k] = v
	}
	return out
}

// Paths returns the tracked file paths in sorted order.
func (t *HashTracker) Paths() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]string, 0, len(t.entries))
	for k := range t.entries {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Totals returns the tracked file count and combined size.
func (t *HashTracker) Totals() (int, int64) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var size int64
	for _, e := range t.entries {
		size += e.Size
	}
	return len(t.entries), size
}
