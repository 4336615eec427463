// Package snapshot maintains the per-project chain of version snapshots backed by a
// private git history repository.
package snapshot

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	serrors "github.com/p-blackswan/sentinel/internal/errors"
	"github.com/p-blackswan/sentinel/internal/models"
)

// CommitIDLength is the length of a full hex commit identifier.
const CommitIDLength = 40

// Committer records tree state in a history repository.
type Committer interface {
	Init(ctx context.Context) error
	// Commit stages relPath (or everything when that fails) and commits, returning
	// the raw identifier reported by the repository.
	Commit(ctx context.Context, relPath, message string) (string, error)
	// Restore puts relPath back to its last committed content, or removes it when
	// it was not part of the last commit. existed reports which happened.
	Restore(ctx context.Context, relPath string) (existed bool, err error)
}

// Store is the persistence the chain needs.
type Store interface {
	InsertSnapshot(snap *models.Snapshot) error
	LatestSnapshot(projectID string) (*models.Snapshot, error)
	SetSnapshotLabel(projectID, id, label string) error
}

// TotalsFunc reports the file count and total size of the tracked tree.
type TotalsFunc func() (int, int64)

// Chain is the single snapshot chain of one project. Commit is called from the
// project's pipeline goroutine only; Head and SetLabel may be called from anywhere.
type Chain struct {
	projectID string
	committer Committer
	store     Store
	totals    TotalsFunc
	logger    zerolog.Logger
	now       func() time.Time

	mu   sync.RWMutex
	head *models.Snapshot
}

// NewChain initializes the history repository and restores the head from the store.
func NewChain(ctx context.Context, projectID string, committer Committer, store Store, totals TotalsFunc, logger zerolog.Logger) (*Chain, error) {
	c := &Chain{
		projectID: projectID,
		committer: committer,
		store:     store,
		totals:    totals,
		logger:    logger.With().Str("component", "snapshot").Str("project", projectID).Logger(),
		now:       time.Now,
	}
	if err := committer.Init(ctx); err != nil {
		return nil, fmt.Errorf("initializing history repository: %w", err)
	}
	head, err := store.LatestSnapshot(projectID)
	if err != nil {
		return nil, fmt.Errorf("restoring snapshot head: %w", err)
	}
	c.head = head
	if head != nil {
		c.logger.Info().Str("head", head.ID).Msg("snapshot chain restored")
	}
	return c, nil
}

// Head returns a copy of the current head, or nil for an empty chain.
func (c *Chain) Head() *models.Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.head == nil {
		return nil
	}
	cp := *c.head
	return &cp
}

// Commit records one versioned change and advances the head. A failed commit step
// still produces a snapshot, marked CommitDegraded; a failed insert returns an error
// and leaves the head unchanged.
func (c *Chain) Commit(ctx context.Context, relPath string, action models.FileAction, fileSize int64) (models.Snapshot, error) {
	c.mu.RLock()
	parentID := ""
	if c.head != nil {
		parentID = c.head.ID
	}
	c.mu.RUnlock()

	now := c.now().UTC()
	msg := fmt.Sprintf("%s %s", action, relPath)
	raw, err := c.committer.Commit(ctx, relPath, msg)
	if err != nil {
		c.logger.Warn().Err(err).Str("path", relPath).Msg("commit failed, recording degraded snapshot")
	}
	commitID, degraded := NormalizeCommitID(raw)
	if commitID == "" {
		commitID = DeriveCommitID(c.projectID, parentID, relPath, string(action), now)
		degraded = true
	}

	snap := models.Snapshot{
		ID:             uuid.NewString(),
		ProjectID:      c.projectID,
		ParentID:       parentID,
		CommitID:       commitID,
		CommitDegraded: degraded,
		IsCritical:     action.IsCritical(),
		Action:         action,
		Path:           relPath,
		CreatedAt:      now,
	}
	if c.totals != nil {
		snap.FileCount, snap.TotalSize = c.totals()
	}

	if err := c.store.InsertSnapshot(&snap); err != nil {
		return models.Snapshot{}, fmt.Errorf("persisting snapshot: %w", err)
	}

	c.mu.Lock()
	c.head = &snap
	c.mu.Unlock()

	c.logger.Debug().Str("snapshot", snap.ID).Str("commit", commitID).Str("path", relPath).
		Str("action", string(action)).Int64("size", fileSize).Bool("degraded", degraded).Msg("snapshot committed")
	return snap, nil
}

// Restore reverts relPath to the last committed state.
func (c *Chain) Restore(ctx context.Context, relPath string) (bool, error) {
	existed, err := c.committer.Restore(ctx, relPath)
	if err != nil {
		return false, fmt.Errorf("restoring %s: %w", relPath, err)
	}
	c.logger.Info().Str("path", relPath).Bool("existed", existed).Msg("path restored")
	return existed, nil
}

// SetLabel sets the operator label of a snapshot in this chain.
func (c *Chain) SetLabel(id, label string) error {
	if err := c.store.SetSnapshotLabel(c.projectID, id, label); err != nil {
		return err
	}
	c.mu.Lock()
	if c.head != nil && c.head.ID == id {
		c.head.Label = label
	}
	c.mu.Unlock()
	return nil
}

// NormalizeCommitID pads or truncates a hex identifier to CommitIDLength. It returns
// an empty id when raw contains no usable hex identifier. degraded is set whenever
// the result differs from raw.
func NormalizeCommitID(raw string) (id string, degraded bool) {
	id = strings.ToLower(strings.TrimSpace(raw))
	if id == "" || !isHex(id) {
		return "", true
	}
	switch {
	case len(id) < CommitIDLength:
		return id + strings.Repeat("0", CommitIDLength-len(id)), true
	case len(id) > CommitIDLength:
		return id[:CommitIDLength], true
	}
	return id, false
}

// DeriveCommitID builds a deterministic stand-in identifier for a snapshot whose
// commit could not be read.
func DeriveCommitID(projectID, parentID, path, action string, at time.Time) string {
	h := sha1.New()
	fmt.Fprintf(h, "%s\x00%s\x00%s\x00%s\x00%d", projectID, parentID, path, action, at.UnixNano())
	return hex.EncodeToString(h.Sum(nil))
}

func isHex(s string) bool {
	for _, r := range s {
		if !(r >= '0' && r <= '9' || r >= 'a' && r <= 'f') {
			return false
		}
	}
	return true
}

// commitErr wraps a failed git step.
func commitErr(step string, err error) error {
	return &serrors.CommitError{Step: step, Err: err}
}
