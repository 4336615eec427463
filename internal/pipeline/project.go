// Package pipeline is the interceptor side of a monitored project. A single
// goroutine per project consumes observed file events, classifies them against the
// protection zones, versions allowed changes and reports every outcome upstream.
package pipeline

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	serrors "github.com/p-blackswan/sentinel/internal/errors"
	"github.com/p-blackswan/sentinel/internal/event"
	"github.com/p-blackswan/sentinel/internal/metrics"
	"github.com/p-blackswan/sentinel/internal/models"
	"github.com/p-blackswan/sentinel/internal/ratewindow"
	"github.com/p-blackswan/sentinel/internal/snapshot"
	"github.com/p-blackswan/sentinel/internal/tracker"
	"github.com/p-blackswan/sentinel/internal/zoneguard"
)

// EnforceMode decides what happens to a blocked change.
type EnforceMode string

const (
	// EnforceObserve reports blocked changes and leaves them on disk.
	EnforceObserve EnforceMode = "observe"
	// EnforceRemediate reverts blocked changes to the last snapshot.
	EnforceRemediate EnforceMode = "remediate"
)

// ParseEnforceMode accepts "observe" and "remediate".
func ParseEnforceMode(s string) (EnforceMode, error) {
	switch EnforceMode(s) {
	case EnforceObserve, EnforceRemediate:
		return EnforceMode(s), nil
	case "":
		return EnforceObserve, nil
	}
	return "", fmt.Errorf("%w: unknown enforce mode %q", serrors.ErrInvalidConfig, s)
}

// Sender delivers envelopes upstream. The Bridge implements it.
type Sender interface {
	Send(env event.Envelope) error
}

// Pauser suspends filesystem notifications while a remediation rewrites the tree.
type Pauser interface {
	Pause()
	Resume()
}

// Options configures a Project.
type Options struct {
	ProjectID  string
	ClientID   string
	Enforce    EnforceMode
	IntakeSize int
	InboxSize  int
	RateLimit  models.RateLimit
}

// Project serializes all work of one monitored root.
type Project struct {
	opts    Options
	tracker *tracker.HashTracker
	guard   *zoneguard.Guard
	chain   *snapshot.Chain
	sender  Sender
	logger  zerolog.Logger

	agent   AgentController
	pauser  Pauser
	metrics *metrics.Metrics

	throttle *ratewindow.Window
	warnedAt time.Time

	intake  chan models.FileEvent
	inbound chan event.Envelope
	events  chan event.FileEventPayload
	done    chan struct{}

	state     atomic.Value
	processed atomic.Int64
	dropped   atomic.Int64
	stopOnce  sync.Once
}

// New creates the project actor. Call Run to start processing.
func New(opts Options, tr *tracker.HashTracker, guard *zoneguard.Guard, chain *snapshot.Chain, sender Sender, logger zerolog.Logger) *Project {
	if opts.IntakeSize <= 0 {
		opts.IntakeSize = 1024
	}
	if opts.InboxSize <= 0 {
		opts.InboxSize = 64
	}
	if opts.Enforce == "" {
		opts.Enforce = EnforceObserve
	}
	p := &Project{
		opts:     opts,
		tracker:  tr,
		guard:    guard,
		chain:    chain,
		sender:   sender,
		logger:   logger.With().Str("component", "pipeline").Str("project", opts.ProjectID).Logger(),
		agent:    NewSignalController(0, logger),
		throttle: ratewindow.New(opts.RateLimit.MaxEvents, opts.RateLimit.Window),
		intake:   make(chan models.FileEvent, opts.IntakeSize),
		inbound:  make(chan event.Envelope, opts.InboxSize),
		events:   make(chan event.FileEventPayload, 256),
		done:     make(chan struct{}),
	}
	p.state.Store(models.StateIdle)
	return p
}

// SetAgent installs the agent process controller.
func (p *Project) SetAgent(a AgentController) { p.agent = a }

// SetPauser installs the notification source paused during remediation.
func (p *Project) SetPauser(ps Pauser) { p.pauser = ps }

// SetMetrics installs the metrics recorder.
func (p *Project) SetMetrics(m *metrics.Metrics) { p.metrics = m }

// Events returns the stream of classified events. Events are dropped when the
// consumer falls behind.
func (p *Project) Events() <-chan event.FileEventPayload { return p.events }

// State returns the last execution state the server announced.
func (p *Project) State() models.ExecutionState { return p.state.Load().(models.ExecutionState) }

// Processed returns the number of events that reached classification.
func (p *Project) Processed() int64 { return p.processed.Load() }

// Dropped returns the number of events dropped at intake.
func (p *Project) Dropped() int64 { return p.dropped.Load() }

// Submit hands an observed event to the pipeline without blocking. It has the
// shape of the watcher and reconciler callbacks.
func (p *Project) Submit(ev models.FileEvent) {
	select {
	case p.intake <- ev:
	default:
		n := p.dropped.Add(1)
		p.logger.Warn().Str("path", ev.RelPath).Str("action", string(ev.Action)).Int64("dropped", n).
			Msg("intake full, event dropped")
	}
}

// HandleEnvelope hands an inbound envelope to the pipeline. It blocks while the
// inbox is full so that commands are never lost.
func (p *Project) HandleEnvelope(env event.Envelope) {
	select {
	case p.inbound <- env:
	case <-p.done:
	}
}

// Run processes events and inbound envelopes until ctx is done.
func (p *Project) Run(ctx context.Context) {
	defer p.stopOnce.Do(func() { close(p.done) })
	p.logger.Info().Str("enforce", string(p.opts.Enforce)).Msg("pipeline started")
	for {
		select {
		case <-ctx.Done():
			p.logger.Info().Int64("processed", p.Processed()).Int64("dropped", p.Dropped()).Msg("pipeline stopped")
			return
		case ev := <-p.intake:
			p.process(ctx, ev)
		case env := <-p.inbound:
			p.handle(ctx, env)
		}
	}
}

func (p *Project) process(ctx context.Context, ev models.FileEvent) {
	rel := ev.RelPath
	var entry tracker.Entry

	switch ev.Action {
	case models.ActionDelete:
		if _, ok := p.tracker.Get(rel); !ok {
			return
		}
	case models.ActionDirDelete:
		if !p.tracker.IsDir(rel) {
			return
		}
	case models.ActionDirCreate:
		if p.tracker.IsDir(rel) {
			return
		}
	default:
		changed, cur, err := p.tracker.Changed(rel)
		if err != nil {
			// Gone or unreadable since the notification; the reconciler catches up.
			p.logger.Debug().Err(err).Str("path", rel).Msg("skipping unreadable path")
			return
		}
		if !changed && ev.Action != models.ActionRename {
			return
		}
		entry = cur
	}

	p.processed.Add(1)
	ev.Action = models.Refine(ev.Action, rel)
	result := p.guard.Check(rel, ev.Action)
	if ev.OldPath != "" && !result.Blocked {
		if old := p.guard.Check(ev.OldPath, ev.Action); old.Blocked {
			result = old
		}
	}

	payload := event.FileEventPayload{ProjectID: p.opts.ProjectID, Event: ev, Result: result}
	if result.Blocked {
		payload.Remediated = p.block(ctx, ev, entry)
	} else {
		p.apply(ev, entry)
		snap, err := p.chain.Commit(ctx, rel, ev.Action, entry.Size)
		if err != nil {
			p.logger.Error().Err(err).Str("path", rel).Msg("failed to record snapshot")
			p.metrics.RecordError("pipeline", "snapshot")
		} else {
			payload.Snapshot = &snap
			p.metrics.RecordSnapshot(snap.IsCritical, snap.CommitDegraded)
		}
	}
	p.metrics.RecordClassified(string(ev.Action), string(result.Level), result.Blocked)
	p.emit(payload)
	p.throttleCheck()
}

// apply records the observed change in the tracker.
func (p *Project) apply(ev models.FileEvent, entry tracker.Entry) {
	if ev.OldPath != "" {
		p.tracker.Remove(ev.OldPath)
	}
	switch ev.Action {
	case models.ActionDelete, models.ActionDirDelete:
		p.tracker.Remove(ev.RelPath)
	case models.ActionDirCreate:
		p.tracker.AddDir(ev.RelPath)
	default:
		p.tracker.Update(ev.RelPath, entry)
	}
}

// block handles a blocked change. In remediate mode the affected paths are put
// back to the last snapshot and the tracker follows the restored tree; otherwise
// the tracker follows the observed tree so the change is reported once.
func (p *Project) block(ctx context.Context, ev models.FileEvent, entry tracker.Entry) bool {
	p.logger.Warn().Str("path", ev.RelPath).Str("action", string(ev.Action)).Msg("blocked change")
	if p.opts.Enforce != EnforceRemediate {
		p.apply(ev, entry)
		return false
	}

	if p.pauser != nil {
		p.pauser.Pause()
		defer p.pauser.Resume()
	}
	paths := []string{ev.RelPath}
	if ev.OldPath != "" {
		paths = append(paths, ev.OldPath)
	}
	restored := true
	for _, rel := range paths {
		existed, err := p.chain.Restore(ctx, rel)
		if err != nil {
			p.logger.Error().Err(err).Str("path", rel).Msg("remediation failed")
			p.metrics.RecordError("pipeline", "remediation")
			restored = false
			continue
		}
		p.resync(rel, existed)
	}
	return restored
}

// resync sets the tracker entry of rel to what is on disk after a restore.
func (p *Project) resync(rel string, existed bool) {
	if !existed {
		p.tracker.Remove(rel)
		return
	}
	full := filepath.Join(p.tracker.Root(), filepath.FromSlash(rel))
	info, err := os.Stat(full)
	if err != nil {
		p.tracker.Remove(rel)
		return
	}
	if info.IsDir() {
		p.tracker.AddDir(rel)
		return
	}
	sum, size, err := tracker.HashFile(full)
	if err != nil {
		p.tracker.Remove(rel)
		return
	}
	p.tracker.Update(rel, tracker.Entry{Hash: sum, Size: size})
}

func (p *Project) emit(payload event.FileEventPayload) {
	env, err := event.New(event.TypeFileEvent, p.opts.ClientID, payload)
	if err != nil {
		p.logger.Error().Err(err).Msg("failed to build file event")
		return
	}
	if err := p.sender.Send(env.WithCorrelation()); err != nil {
		p.logger.Warn().Err(err).Str("path", payload.Event.RelPath).Msg("file event not sent")
	}
	select {
	case p.events <- payload:
	default:
	}
}

// throttleCheck emits one RATE_WARNING per window while the client throttle is
// exceeded. Events are never held back.
func (p *Project) throttleCheck() {
	if !p.throttle.Record() {
		return
	}
	limit, window := p.throttle.Limits()
	now := time.Now()
	if !p.warnedAt.IsZero() && now.Sub(p.warnedAt) < window {
		return
	}
	p.warnedAt = now
	count := p.throttle.Count()
	p.logger.Warn().Int("count", count).Int("limit", limit).Dur("window", window).Msg("event rate exceeded")
	p.send(event.TypeRateWarning, event.RateWarningPayload{
		ProjectID: p.opts.ProjectID,
		Count:     count,
		Limit:     limit,
		Window:    window,
	})
}

func (p *Project) send(typ string, payload any) {
	env, err := event.New(typ, p.opts.ClientID, payload)
	if err != nil {
		p.logger.Error().Err(err).Str("type", typ).Msg("failed to build envelope")
		return
	}
	if err := p.sender.Send(env.WithCorrelation()); err != nil {
		p.logger.Warn().Err(err).Str("type", typ).Msg("envelope not sent")
	}
}

func (p *Project) handle(ctx context.Context, env event.Envelope) {
	switch env.Type {
	case event.TypeRegistered:
		var reg event.RegisteredPayload
		if err := env.Decode(&reg); err != nil {
			p.logger.Warn().Err(err).Msg("bad registration reply")
			return
		}
		if reg.Zones != nil {
			if err := p.guard.SetZones(reg.Zones); err != nil {
				p.logger.Error().Err(err).Msg("server zone set rejected, keeping current zones")
			}
		}
		if reg.Context != nil && reg.Context.RateLimit.Window > 0 {
			p.throttle.Configure(reg.Context.RateLimit.MaxEvents, reg.Context.RateLimit.Window)
		}
		p.state.Store(reg.ExecutionState)
		p.logger.Info().Int("zones", len(reg.Zones)).Str("state", string(reg.ExecutionState)).Msg("registered upstream")

	case event.TypeZoneUpdate:
		var zu event.ZoneUpdatePayload
		if err := env.Decode(&zu); err != nil {
			p.logger.Warn().Err(err).Msg("bad zone update")
			return
		}
		if err := p.guard.SetZones(zu.Zones); err != nil {
			p.logger.Error().Err(err).Msg("zone update rejected, keeping current zones")
			return
		}
		p.logger.Info().Int("zones", len(zu.Zones)).Msg("zones updated")

	case event.TypeConfigUpdate:
		var cu event.ConfigUpdatePayload
		if err := env.Decode(&cu); err != nil {
			p.logger.Warn().Err(err).Msg("bad config update")
			return
		}
		if cu.RateLimit != nil {
			p.throttle.Configure(cu.RateLimit.MaxEvents, cu.RateLimit.Window)
			p.logger.Info().Int("max_events", cu.RateLimit.MaxEvents).Dur("window", cu.RateLimit.Window).Msg("rate limit updated")
		}

	case event.TypeCommandStop:
		var cmd event.CommandPayload
		_ = env.Decode(&cmd)
		if err := p.agent.Pause(ctx, cmd.Reason); err != nil {
			p.logger.Error().Err(err).Msg("failed to pause agent")
			return
		}
		p.state.Store(models.StateStopped)
		p.send(event.TypeAgentPaused, event.CommandPayload{ProjectID: p.opts.ProjectID, Reason: cmd.Reason, TriggeredBy: cmd.TriggeredBy})

	case event.TypeCommandContinue:
		if err := p.agent.Resume(ctx); err != nil {
			p.logger.Error().Err(err).Msg("failed to resume agent")
			return
		}
		p.state.Store(models.StateRunning)
		p.send(event.TypeAgentResumed, event.CommandPayload{ProjectID: p.opts.ProjectID})

	case event.TypeCommandReset:
		p.throttle.Reset()
		p.warnedAt = time.Time{}
		if err := p.agent.Resume(ctx); err != nil {
			p.logger.Error().Err(err).Msg("failed to resume agent after reset")
		}
		p.state.Store(models.StateIdle)

	case event.TypeError:
		var e event.ErrorPayload
		_ = env.Decode(&e)
		p.logger.Warn().Str("code", e.Code).Str("message", e.Message).Msg("server reported error")

	case event.TypeHeartbeatAck:

	default:
		p.logger.Debug().Str("type", env.Type).Msg("ignoring envelope")
	}
}

// ResolveRoot returns the absolute, symlink-free project root, or ErrProjectRoot.
func ResolveRoot(root string) (string, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return "", fmt.Errorf("%w: %v", serrors.ErrProjectRoot, err)
	}
	if resolved, err := filepath.EvalSymlinks(abs); err == nil {
		abs = resolved
	}
	info, err := os.Stat(abs)
	if err != nil {
		return "", fmt.Errorf("%w: %v", serrors.ErrProjectRoot, err)
	}
	if !info.IsDir() {
		return "", fmt.Errorf("%w: %s is not a directory", serrors.ErrProjectRoot, abs)
	}
	return abs, nil
}
