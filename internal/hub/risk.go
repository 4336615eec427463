package hub

import (
	"context"
	"sync/atomic"

	"github.com/p-blackswan/sentinel/internal/event"
	"github.com/p-blackswan/sentinel/internal/models"
)

// ChannelSink exposes classified events to an in-process consumer. Events are
// dropped when the consumer falls behind.
type ChannelSink struct {
	ch      chan event.FileEventPayload
	dropped atomic.Int64
}

// NewChannelSink creates a sink buffering up to size events.
func NewChannelSink(size int) *ChannelSink {
	if size <= 0 {
		size = 1024
	}
	return &ChannelSink{ch: make(chan event.FileEventPayload, size)}
}

// Publish never blocks.
func (s *ChannelSink) Publish(_ context.Context, p event.FileEventPayload) error {
	select {
	case s.ch <- p:
	default:
		s.dropped.Add(1)
	}
	return nil
}

// Events returns the event stream.
func (s *ChannelSink) Events() <-chan event.FileEventPayload { return s.ch }

// Dropped returns the number of events dropped.
func (s *ChannelSink) Dropped() int64 { return s.dropped.Load() }

// RiskFunc scores one classified event. A zero level carries no signal.
type RiskFunc func(p event.FileEventPayload) (models.RiskLevel, string)

// DefaultRisk rates policy violations: tampering with the supervisor itself is
// critical, a DO_NOT_TOUCH block is high and any other block is medium.
func DefaultRisk(p event.FileEventPayload) (models.RiskLevel, string) {
	if !p.Result.Blocked {
		return 0, ""
	}
	z := p.Result.MatchedZone
	switch {
	case z != nil && z.IsSystem, z == nil && p.Result.Level == models.LevelDoNotTouch:
		return models.RiskCritical, "self-protection violated: " + p.Event.RelPath
	case p.Result.Level == models.LevelDoNotTouch:
		return models.RiskHigh, "protected path touched: " + p.Event.RelPath
	default:
		return models.RiskMedium, "disallowed operation: " + p.Event.RelPath
	}
}

// RunRiskFeed scores events from sink and feeds the levels to the project's
// state machine until ctx is done.
func (h *Hub) RunRiskFeed(ctx context.Context, sink *ChannelSink, score RiskFunc) {
	if score == nil {
		score = DefaultRisk
	}
	for {
		select {
		case <-ctx.Done():
			return
		case p := <-sink.Events():
			level, reason := score(p)
			if level <= 0 {
				continue
			}
			m, err := h.machines.Get(p.ProjectID)
			if err != nil {
				h.logger.Error().Err(err).Str("project", p.ProjectID).Msg("failed to load execution state")
				continue
			}
			if m.ObserveRisk(ctx, level, reason) {
				h.logger.Warn().Str("project", p.ProjectID).Str("level", level.String()).Str("reason", reason).Msg("agent stopped on risk")
			}
		}
	}
}
