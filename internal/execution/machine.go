// Package execution implements the per-project state machine that gates the
// supervised agent.
package execution

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	serrors "github.com/p-blackswan/sentinel/internal/errors"
	"github.com/p-blackswan/sentinel/internal/models"
	"github.com/p-blackswan/sentinel/internal/ratewindow"
)

// Store persists transitions and the execution context.
type Store interface {
	AppendStateHistory(tr *models.StateTransition) error
	SaveExecutionContext(ec *models.ExecutionContext) error
	GetExecutionContext(projectID string) (*models.ExecutionContext, error)
}

// AgentCommander relays STOP/CONTINUE/RESET to the process supervising the agent.
type AgentCommander interface {
	CommandAgent(ctx context.Context, projectID string, cmd models.Command, reason, triggeredBy string) error
}

// ChangeFunc observes committed transitions, in commit order.
type ChangeFunc func(tr models.StateTransition, ec models.ExecutionContext)

// Defaults seed the context of a project seen for the first time.
type Defaults struct {
	AutoStopRiskThreshold models.RiskLevel
	RateLimit             models.RateLimit
}

var transitions = map[models.Command]struct {
	from []models.ExecutionState
	to   models.ExecutionState
}{
	models.CmdStart:          {[]models.ExecutionState{models.StateIdle}, models.StateRunning},
	models.CmdStop:           {[]models.ExecutionState{models.StateRunning, models.StateResuming, models.StateIdle}, models.StateStopped},
	models.CmdContinue:       {[]models.ExecutionState{models.StateStopped, models.StateError}, models.StateResuming},
	models.CmdResumeComplete: {[]models.ExecutionState{models.StateResuming}, models.StateRunning},
	models.CmdReset: {[]models.ExecutionState{
		models.StateIdle, models.StateRunning, models.StateStopped, models.StateResuming, models.StateError,
	}, models.StateIdle},
	models.CmdFail: {[]models.ExecutionState{
		models.StateIdle, models.StateRunning, models.StateStopped, models.StateResuming,
	}, models.StateError},
}

// Next returns the state cmd leads to from from, or a *TransitionError.
func Next(from models.ExecutionState, cmd models.Command) (models.ExecutionState, error) {
	t, ok := transitions[cmd]
	if !ok {
		return "", &serrors.TransitionError{From: string(from), Command: string(cmd)}
	}
	for _, s := range t.from {
		if s == from {
			return t.to, nil
		}
	}
	return "", &serrors.TransitionError{From: string(from), Command: string(cmd)}
}

// Machine is the execution state machine of one project.
type Machine struct {
	mu      sync.Mutex
	emitMu  sync.Mutex
	ec      models.ExecutionContext
	breaker *ratewindow.Window

	store     Store
	commander AgentCommander
	onChange  ChangeFunc
	logger    zerolog.Logger
	now       func() time.Time
}

// NewMachine loads the project's context from the store, or seeds it from d.
func NewMachine(projectID string, store Store, commander AgentCommander, onChange ChangeFunc, d Defaults, logger zerolog.Logger) (*Machine, error) {
	ec, err := store.GetExecutionContext(projectID)
	if err != nil {
		return nil, fmt.Errorf("loading execution context: %w", err)
	}
	if ec == nil {
		ec = &models.ExecutionContext{
			ProjectID:             projectID,
			State:                 models.StateIdle,
			AutoStopRiskThreshold: d.AutoStopRiskThreshold,
			RateLimit:             d.RateLimit,
		}
	}
	return &Machine{
		ec:        *ec,
		breaker:   ratewindow.New(ec.RateLimit.MaxEvents, ec.RateLimit.Window),
		store:     store,
		commander: commander,
		onChange:  onChange,
		logger:    logger.With().Str("component", "execution").Str("project", projectID).Logger(),
		now:       time.Now,
	}, nil
}

// Context returns a copy of the execution context.
func (m *Machine) Context() models.ExecutionContext {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ec
}

// State returns the current state.
func (m *Machine) State() models.ExecutionState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ec.State
}

// Apply performs cmd. Invalid transitions return a *TransitionError and record
// nothing. The history entry is appended before the new state becomes visible.
func (m *Machine) Apply(ctx context.Context, cmd models.Command, triggeredBy, reason, snapshotID string) (models.StateTransition, error) {
	m.mu.Lock()
	tr, err := m.applyLocked(cmd, triggeredBy, reason, snapshotID)
	if err != nil {
		m.mu.Unlock()
		return models.StateTransition{}, err
	}
	ec := m.ec
	// Hand over to emitMu before releasing mu so observers see commit order.
	m.emitMu.Lock()
	m.mu.Unlock()
	defer m.emitMu.Unlock()

	m.notify(ctx, tr, ec)
	return tr, nil
}

func (m *Machine) applyLocked(cmd models.Command, triggeredBy, reason, snapshotID string) (models.StateTransition, error) {
	from := m.ec.State
	to, err := Next(from, cmd)
	if err != nil {
		return models.StateTransition{}, err
	}
	if snapshotID == "" {
		snapshotID = m.ec.LastSnapshotID
	}
	now := m.now().UTC()
	tr := models.StateTransition{
		ID:          uuid.NewString(),
		ProjectID:   m.ec.ProjectID,
		FromState:   from,
		ToState:     to,
		Trigger:     cmd,
		TriggeredBy: triggeredBy,
		SnapshotID:  snapshotID,
		Reason:      reason,
		CreatedAt:   now,
	}
	if err := m.store.AppendStateHistory(&tr); err != nil {
		return models.StateTransition{}, fmt.Errorf("recording transition: %w", err)
	}

	m.ec.State = to
	switch cmd {
	case models.CmdStop:
		m.ec.StoppedAt = &now
		m.ec.StopReason = reason
	case models.CmdContinue, models.CmdResumeComplete:
		m.ec.StoppedAt = nil
		m.ec.StopReason = ""
		m.ec.ErrorMessage = ""
	case models.CmdReset:
		m.ec.StoppedAt = nil
		m.ec.StopReason = ""
		m.ec.ErrorMessage = ""
		m.ec.PendingActions = 0
		m.breaker.Reset()
	case models.CmdFail:
		m.ec.ErrorMessage = reason
	}
	if err := m.store.SaveExecutionContext(&m.ec); err != nil {
		m.logger.Warn().Err(err).Msg("failed to persist execution context")
	}

	m.logger.Info().Str("from", string(from)).Str("to", string(to)).Str("cmd", string(cmd)).
		Str("triggered_by", triggeredBy).Str("reason", reason).Msg("state transition")
	return tr, nil
}

func (m *Machine) notify(ctx context.Context, tr models.StateTransition, ec models.ExecutionContext) {
	if m.onChange != nil {
		m.onChange(tr, ec)
	}
	if m.commander == nil {
		return
	}
	switch tr.Trigger {
	case models.CmdStop, models.CmdContinue, models.CmdReset:
		if err := m.commander.CommandAgent(ctx, ec.ProjectID, tr.Trigger, tr.Reason, tr.TriggeredBy); err != nil {
			m.logger.Error().Err(err).Str("cmd", string(tr.Trigger)).Msg("failed to relay command to agent")
		}
	}
}

// ObserveEvent accounts one classified event. The first event of an idle project
// starts it; exceeding the rate limit trips the circuit breaker.
func (m *Machine) ObserveEvent(ctx context.Context, snapshotID string, sequence int64) {
	m.mu.Lock()
	if snapshotID != "" {
		m.ec.LastSnapshotID = snapshotID
	}
	if sequence > m.ec.LastEventSequence {
		m.ec.LastEventSequence = sequence
	}
	state := m.ec.State
	if state == models.StateStopped {
		m.ec.PendingActions++
	}
	tripped := m.breaker.Record()
	count := m.breaker.Count()
	m.mu.Unlock()

	if state == models.StateIdle {
		if _, err := m.Apply(ctx, models.CmdStart, models.TriggeredBySystemAgent, "agent activity observed", snapshotID); err != nil {
			m.logger.Debug().Err(err).Msg("auto start skipped")
		}
		state = m.State()
	}
	if tripped && (state == models.StateRunning || state == models.StateResuming) {
		reason := fmt.Sprintf("circuit breaker: %d events within %s", count, m.Context().RateLimit.Window)
		if _, err := m.Apply(ctx, models.CmdStop, models.TriggeredBySystemCircuitBreaker, reason, snapshotID); err != nil {
			m.logger.Debug().Err(err).Msg("circuit breaker stop skipped")
		}
	}
}

// ObserveRisk stops the agent when level reaches the configured threshold.
func (m *Machine) ObserveRisk(ctx context.Context, level models.RiskLevel, reason string) bool {
	ec := m.Context()
	if ec.AutoStopRiskThreshold <= 0 || level < ec.AutoStopRiskThreshold {
		return false
	}
	if ec.State == models.StateStopped || ec.State == models.StateError {
		return false
	}
	msg := fmt.Sprintf("risk %s reached threshold %s", level, ec.AutoStopRiskThreshold)
	if reason != "" {
		msg += ": " + reason
	}
	_, err := m.Apply(ctx, models.CmdStop, models.TriggeredBySystemRisk, msg, "")
	return err == nil
}

// Configure applies a CONFIG_UPDATE. Nil fields are left unchanged.
func (m *Machine) Configure(threshold *models.RiskLevel, limit *models.RateLimit) models.ExecutionContext {
	m.mu.Lock()
	defer m.mu.Unlock()
	if threshold != nil {
		m.ec.AutoStopRiskThreshold = *threshold
	}
	if limit != nil {
		m.ec.RateLimit = *limit
		m.breaker.Configure(limit.MaxEvents, limit.Window)
	}
	if err := m.store.SaveExecutionContext(&m.ec); err != nil {
		m.logger.Warn().Err(err).Msg("failed to persist execution context")
	}
	return m.ec
}
