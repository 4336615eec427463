// Package watcher turns fsnotify notifications for a project tree into debounced,
// correlated FileEvents.
package watcher

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"

	"github.com/p-blackswan/sentinel/internal/models"
)

const (
	DefaultDebounce    = 300 * time.Millisecond
	DefaultCorrelation = 100 * time.Millisecond
)

// Handler receives emitted events. It runs on timer goroutines and must only hand
// the event off.
type Handler func(models.FileEvent)

// Options configures a Watcher.
type Options struct {
	Debounce    time.Duration
	Correlation time.Duration
	// Skip reports whether a relative path is ignored.
	Skip func(rel string, isDir bool) bool
	// OnError is called for every watch error after it is logged.
	OnError func(error)
}

type pending struct {
	action  models.FileAction
	oldPath string
	timer   *time.Timer
}

type removal struct {
	renamed bool
	at      time.Time
	timer   *time.Timer
}

// Watcher watches a project tree recursively.
type Watcher struct {
	root    string
	opts    Options
	handler Handler
	logger  zerolog.Logger
	fsw     *fsnotify.Watcher

	mu       sync.Mutex
	debounce map[string]*pending
	removals map[string]*removal
	dirs     map[string]struct{}
	renamed  string
	stopped  bool

	paused   atomic.Bool
	errCount atomic.Int64
	timers   sync.WaitGroup
	done     chan struct{}
}

// New creates a watcher for root and registers watches on every directory that is
// not ignored. Call Start to begin delivering events.
func New(root string, opts Options, handler Handler, logger zerolog.Logger) (*Watcher, error) {
	if opts.Debounce <= 0 {
		opts.Debounce = DefaultDebounce
	}
	if opts.Correlation <= 0 {
		opts.Correlation = DefaultCorrelation
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating fsnotify watcher: %w", err)
	}
	w := &Watcher{
		root:     root,
		opts:     opts,
		handler:  handler,
		logger:   logger.With().Str("component", "watcher").Str("root", root).Logger(),
		fsw:      fsw,
		debounce: make(map[string]*pending),
		removals: make(map[string]*removal),
		dirs:     make(map[string]struct{}),
		done:     make(chan struct{}),
	}
	if err := w.addTree(root, false); err != nil {
		_ = fsw.Close()
		return nil, err
	}
	return w, nil
}

// Start runs the notification loop in a goroutine.
func (w *Watcher) Start() {
	go w.run()
}

// Stop cancels every pending timer, closes the notifier and waits for the loop and
// in-flight timer callbacks. It is safe to call more than once.
func (w *Watcher) Stop() {
	w.mu.Lock()
	if w.stopped {
		w.mu.Unlock()
		return
	}
	w.stopped = true
	for p, pe := range w.debounce {
		if pe.timer.Stop() {
			w.timers.Done()
		}
		delete(w.debounce, p)
	}
	for p, r := range w.removals {
		if r.timer.Stop() {
			w.timers.Done()
		}
		delete(w.removals, p)
	}
	w.mu.Unlock()

	if err := w.fsw.Close(); err != nil {
		w.logger.Warn().Err(err).Msg("closing fsnotify watcher")
	}
	<-w.done
	w.timers.Wait()
	w.logger.Info().Msg("watcher stopped")
}

// Pause drops all notifications until Resume.
func (w *Watcher) Pause() { w.paused.Store(true) }

// Resume re-enables delivery.
func (w *Watcher) Resume() { w.paused.Store(false) }

// Paused reports whether delivery is paused.
func (w *Watcher) Paused() bool { return w.paused.Load() }

// Errors returns the number of watch errors observed.
func (w *Watcher) Errors() int64 { return w.errCount.Load() }

func (w *Watcher) run() {
	defer close(w.done)
	for {
		select {
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			w.handle(ev)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.errCount.Add(1)
			w.logger.Error().Err(err).Msg("watch error")
			if w.opts.OnError != nil {
				w.opts.OnError(err)
			}
		}
	}
}

func (w *Watcher) handle(ev fsnotify.Event) {
	if w.paused.Load() {
		return
	}
	rel, ok := w.rel(ev.Name)
	if !ok {
		return
	}

	switch {
	case ev.Has(fsnotify.Create):
		info, err := os.Lstat(ev.Name)
		isDir := err == nil && info.IsDir()
		if w.skip(rel, isDir) {
			return
		}
		if isDir {
			w.onDirCreate(ev.Name, rel)
			return
		}
		w.onFileCreate(rel)
	case ev.Has(fsnotify.Write):
		if w.skip(rel, false) {
			return
		}
		w.schedule(rel, models.ActionModify, "")
	case ev.Has(fsnotify.Remove), ev.Has(fsnotify.Rename):
		if w.skip(rel, w.isDir(rel)) {
			return
		}
		w.onRemove(rel, ev.Has(fsnotify.Rename))
	}
}

func (w *Watcher) onFileCreate(rel string) {
	w.mu.Lock()
	if w.stopped {
		w.mu.Unlock()
		return
	}
	// Remove followed by create of the same path is an atomic-save rewrite.
	if r, ok := w.removals[rel]; ok {
		w.cancelRemoval(rel, r)
		w.mu.Unlock()
		w.schedule(rel, models.ActionModify, "")
		return
	}
	if w.renamed != "" && w.renamed != rel {
		if r, ok := w.removals[w.renamed]; ok && r.renamed {
			old := w.renamed
			w.cancelRemoval(old, r)
			w.mu.Unlock()
			w.schedule(rel, models.ActionRename, old)
			return
		}
	}
	w.mu.Unlock()
	w.schedule(rel, models.ActionCreate, "")
}

func (w *Watcher) onDirCreate(full, rel string) {
	w.mu.Lock()
	if r, ok := w.removals[rel]; ok {
		w.cancelRemoval(rel, r)
	}
	w.mu.Unlock()

	w.emit(models.FileEvent{Action: models.ActionDirCreate, RelPath: rel, FullPath: full})
	if err := w.addTree(full, true); err != nil {
		w.logger.Warn().Err(err).Str("path", rel).Msg("watching new directory")
	}
}

func (w *Watcher) onRemove(rel string, renamed bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.stopped {
		return
	}
	if pe, ok := w.debounce[rel]; ok {
		if pe.timer.Stop() {
			w.timers.Done()
		}
		delete(w.debounce, rel)
	}
	if old, ok := w.removals[rel]; ok {
		w.cancelRemoval(rel, old)
	}
	r := &removal{renamed: renamed, at: time.Now()}
	w.timers.Add(1)
	r.timer = time.AfterFunc(w.opts.Correlation, func() {
		defer w.timers.Done()
		w.fireRemoval(rel, r)
	})
	w.removals[rel] = r
	if renamed {
		w.renamed = rel
	}
}

// cancelRemoval drops a pending removal. Caller holds mu.
func (w *Watcher) cancelRemoval(rel string, r *removal) {
	if r.timer.Stop() {
		w.timers.Done()
	}
	delete(w.removals, rel)
	if w.renamed == rel {
		w.renamed = ""
	}
}

func (w *Watcher) fireRemoval(rel string, r *removal) {
	w.mu.Lock()
	if w.stopped || w.removals[rel] != r {
		w.mu.Unlock()
		return
	}
	delete(w.removals, rel)
	if w.renamed == rel {
		w.renamed = ""
	}
	action := models.ActionDelete
	if _, ok := w.dirs[rel]; ok {
		action = models.ActionDirDelete
		w.forgetDir(rel)
	}
	w.mu.Unlock()

	w.emit(models.FileEvent{
		Action:   action,
		RelPath:  rel,
		FullPath: filepath.Join(w.root, filepath.FromSlash(rel)),
	})
}

// schedule (re)arms the debounce timer for rel. A pending create or rename keeps
// its action when a modify arrives during the quiet period.
func (w *Watcher) schedule(rel string, action models.FileAction, oldPath string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.stopped {
		return
	}
	if prev, ok := w.debounce[rel]; ok {
		if prev.timer.Stop() {
			w.timers.Done()
		}
		if action == models.ActionModify && (prev.action == models.ActionCreate || prev.action == models.ActionRename) {
			action = prev.action
			oldPath = prev.oldPath
		}
	}
	pe := &pending{action: action, oldPath: oldPath}
	w.timers.Add(1)
	pe.timer = time.AfterFunc(w.opts.Debounce, func() {
		defer w.timers.Done()
		w.fireDebounce(rel, pe)
	})
	w.debounce[rel] = pe
}

func (w *Watcher) fireDebounce(rel string, pe *pending) {
	w.mu.Lock()
	if w.stopped || w.debounce[rel] != pe {
		w.mu.Unlock()
		return
	}
	delete(w.debounce, rel)
	w.mu.Unlock()

	w.emit(models.FileEvent{
		Action:   pe.action,
		RelPath:  rel,
		FullPath: filepath.Join(w.root, filepath.FromSlash(rel)),
		OldPath:  pe.oldPath,
	})
}

func (w *Watcher) emit(ev models.FileEvent) {
	if w.paused.Load() {
		return
	}
	ev.Timestamp = time.Now().UTC()
	ev.Source = models.SourceWatcher
	w.handler(ev)
}

// addTree watches dir and every non-ignored directory below it. When announce is
// set, files and directories found below dir are emitted as creates, since their
// notifications may have been raised before the watch existed.
func (w *Watcher) addTree(dir string, announce bool) error {
	return filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if path == dir {
				return err
			}
			w.logger.Debug().Err(err).Str("path", path).Msg("skipping unreadable entry")
			return nil
		}
		rel, ok := w.rel(path)
		if path != w.root && (!ok || w.skip(rel, d.IsDir())) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.IsDir() {
			if announce {
				w.schedule(rel, models.ActionCreate, "")
			}
			return nil
		}
		if err := w.fsw.Add(path); err != nil {
			return fmt.Errorf("watching %s: %w", path, err)
		}
		if path != w.root {
			w.mu.Lock()
			w.dirs[rel] = struct{}{}
			w.mu.Unlock()
			if announce && path != dir {
				w.emit(models.FileEvent{Action: models.ActionDirCreate, RelPath: rel, FullPath: path})
			}
		}
		return nil
	})
}

func (w *Watcher) isDir(rel string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	_, ok := w.dirs[rel]
	return ok
}

// forgetDir drops rel and its descendants from the directory set. Caller holds mu.
func (w *Watcher) forgetDir(rel string) {
	delete(w.dirs, rel)
	prefix := rel + "/"
	for d := range w.dirs {
		if strings.HasPrefix(d, prefix) {
			delete(w.dirs, d)
		}
	}
}

func (w *Watcher) rel(path string) (string, bool) {
	r, err := filepath.Rel(w.root, path)
	if err != nil || r == "." || strings.HasPrefix(r, "..") {
		return "", false
	}
	return filepath.ToSlash(r), true
}

func (w *Watcher) skip(rel string, isDir bool) bool {
	return w.opts.Skip != nil && w.opts.Skip(rel, isDir)
}
