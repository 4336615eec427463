// Package reconcile periodically compares the project tree with the hash tracker and
// emits synthetic events for every drift the watcher missed.
package reconcile

import (
	"context"
	"path/filepath"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"github.com/p-blackswan/sentinel/internal/models"
	"github.com/p-blackswan/sentinel/internal/tracker"
)

// DefaultInterval is the reconciliation period when none is configured.
const DefaultInterval = 30 * time.Second

// Emit hands a synthetic event to the project pipeline.
type Emit func(models.FileEvent)

// Reconciler walks the tree on a fixed interval.
type Reconciler struct {
	tracker  *tracker.HashTracker
	skip     tracker.SkipFunc
	emit     Emit
	interval time.Duration
	logger   zerolog.Logger
}

// New creates a reconciler over t. skip is the same ignore callback the watcher uses.
func New(t *tracker.HashTracker, skip tracker.SkipFunc, interval time.Duration, emit Emit, logger zerolog.Logger) *Reconciler {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Reconciler{
		tracker:  t,
		skip:     skip,
		emit:     emit,
		interval: interval,
		logger:   logger.With().Str("component", "reconciler").Logger(),
	}
}

// Run calls RunOnce every interval until ctx is done.
func (r *Reconciler) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	r.logger.Info().Dur("interval", r.interval).Msg("reconciler started")
	for {
		select {
		case <-ctx.Done():
			r.logger.Info().Msg("reconciler stopped")
			return
		case <-ticker.C:
			if _, err := r.RunOnce(ctx); err != nil {
				r.logger.Error().Err(err).Msg("reconciliation pass failed")
			}
		}
	}
}

// RunOnce walks the tree once and emits one event per difference. It returns the
// number of events emitted. The tracker itself is not modified; the pipeline
// updates it while applying the events.
func (r *Reconciler) RunOnce(ctx context.Context) (int, error) {
	start := time.Now()
	root := r.tracker.Root()
	current, _, err := tracker.Walk(root, r.skip, r.logger)
	if err != nil {
		return 0, err
	}
	known := r.tracker.Snapshot()

	var events []models.FileEvent
	for _, rel := range sortedKeys(current) {
		prev, ok := known[rel]
		switch {
		case !ok:
			events = append(events, r.event(models.ActionCreate, root, rel))
		case prev.Hash != current[rel].Hash:
			events = append(events, r.event(models.ActionModify, root, rel))
		}
	}
	for _, rel := range sortedKeys(known) {
		if _, ok := current[rel]; !ok {
			events = append(events, r.event(models.ActionDelete, root, rel))
		}
	}

	for i, ev := range events {
		if err := ctx.Err(); err != nil {
			return i, err
		}
		r.emit(ev)
	}
	if len(events) > 0 {
		r.logger.Info().Int("drift", len(events)).Int("files", len(current)).
			Dur("took", time.Since(start)).Msg("reconciliation found drift")
	} else {
		r.logger.Debug().Int("files", len(current)).Dur("took", time.Since(start)).Msg("tree in sync")
	}
	return len(events), nil
}

func (r *Reconciler) event(action models.FileAction, root, rel string) models.FileEvent {
	return models.FileEvent{
		Action:    action,
		RelPath:   rel,
		FullPath:  filepath.Join(root, filepath.FromSlash(rel)),
		Timestamp: time.Now().UTC(),
		Source:    models.SourceReconciler,
	}
}

func sortedKeys(m map[string]tracker.Entry) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
