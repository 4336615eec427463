package execution

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	serrors "github.com/p-blackswan/sentinel/internal/errors"
	"github.com/p-blackswan/sentinel/internal/models"
	"github.com/p-blackswan/sentinel/internal/store"
)

type recordedCommand struct {
	cmd         models.Command
	triggeredBy string
}

type fakeCommander struct {
	mu   sync.Mutex
	cmds []recordedCommand
}

func (f *fakeCommander) CommandAgent(_ context.Context, _ string, cmd models.Command, _, triggeredBy string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cmds = append(f.cmds, recordedCommand{cmd, triggeredBy})
	return nil
}

func (f *fakeCommander) all() []recordedCommand {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]recordedCommand(nil), f.cmds...)
}

func setupTestMachine(t *testing.T, d Defaults) (*Machine, *store.Store, *fakeCommander) {
	t.Helper()
	st, err := store.New(":memory:", zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	fc := &fakeCommander{}
	m, err := NewMachine("p1", st, fc, nil, d, zerolog.Nop())
	require.NoError(t, err)
	return m, st, fc
}

func TestNext_TransitionTable(t *testing.T) {
	tests := []struct {
		from models.ExecutionState
		cmd  models.Command
		to   models.ExecutionState
		ok   bool
	}{
		{models.StateIdle, models.CmdStart, models.StateRunning, true},
		{models.StateRunning, models.CmdStart, "", false},
		{models.StateRunning, models.CmdStop, models.StateStopped, true},
		{models.StateResuming, models.CmdStop, models.StateStopped, true},
		{models.StateIdle, models.CmdStop, models.StateStopped, true},
		{models.StateStopped, models.CmdStop, "", false},
		{models.StateStopped, models.CmdContinue, models.StateResuming, true},
		{models.StateError, models.CmdContinue, models.StateResuming, true},
		{models.StateRunning, models.CmdContinue, "", false},
		{models.StateResuming, models.CmdResumeComplete, models.StateRunning, true},
		{models.StateStopped, models.CmdResumeComplete, "", false},
		{models.StateError, models.CmdReset, models.StateIdle, true},
		{models.StateIdle, models.CmdReset, models.StateIdle, true},
		{models.StateRunning, models.CmdFail, models.StateError, true},
		{models.StateError, models.CmdFail, "", false},
		{models.StateIdle, models.Command("BOGUS"), "", false},
	}
	for _, tt := range tests {
		t.Run(string(tt.from)+"/"+string(tt.cmd), func(t *testing.T) {
			to, err := Next(tt.from, tt.cmd)
			if !tt.ok {
				var te *serrors.TransitionError
				require.ErrorAs(t, err, &te)
				assert.ErrorIs(t, err, serrors.ErrInvalidTransition)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.to, to)
		})
	}
}

func TestApply_TwoPhaseResumeAndHistory(t *testing.T) {
	m, st, fc := setupTestMachine(t, Defaults{})
	ctx := context.Background()

	_, err := m.Apply(ctx, models.CmdStart, "agent", "", "")
	require.NoError(t, err)
	_, err = m.Apply(ctx, models.CmdStop, "operator", "looks wrong", "snap-1")
	require.NoError(t, err)
	ec := m.Context()
	assert.Equal(t, models.StateStopped, ec.State)
	assert.Equal(t, "looks wrong", ec.StopReason)
	require.NotNil(t, ec.StoppedAt)

	_, err = m.Apply(ctx, models.CmdContinue, "operator", "", "")
	require.NoError(t, err)
	assert.Equal(t, models.StateResuming, m.State())
	_, err = m.Apply(ctx, models.CmdResumeComplete, models.TriggeredBySystemAgent, "", "")
	require.NoError(t, err)
	assert.Equal(t, models.StateRunning, m.State())
	assert.Nil(t, m.Context().StoppedAt)

	hist, err := st.ListStateHistory("p1", 0)
	require.NoError(t, err)
	require.Len(t, hist, 4)
	assert.Equal(t, models.StateIdle, hist[0].FromState)
	assert.Equal(t, models.StateStopped, hist[1].ToState)
	assert.Equal(t, "snap-1", hist[1].SnapshotID)
	assert.Equal(t, "operator", hist[1].TriggeredBy)
	assert.Equal(t, models.CmdResumeComplete, hist[3].Trigger)

	cmds := fc.all()
	require.Len(t, cmds, 2)
	assert.Equal(t, models.CmdStop, cmds[0].cmd)
	assert.Equal(t, models.CmdContinue, cmds[1].cmd)
}

func TestApply_InvalidRecordsNothing(t *testing.T) {
	m, st, fc := setupTestMachine(t, Defaults{})
	_, err := m.Apply(context.Background(), models.CmdResumeComplete, "agent", "", "")
	require.Error(t, err)
	assert.Equal(t, models.StateIdle, m.State())

	hist, err := st.ListStateHistory("p1", 0)
	require.NoError(t, err)
	assert.Empty(t, hist)
	assert.Empty(t, fc.all())
}

func TestObserveEvent_CircuitBreakerTrips(t *testing.T) {
	m, st, fc := setupTestMachine(t, Defaults{RateLimit: models.RateLimit{MaxEvents: 3, Window: time.Minute}})
	ctx := context.Background()

	for i := 1; i <= 3; i++ {
		m.ObserveEvent(ctx, "", int64(i))
	}
	assert.Equal(t, models.StateRunning, m.State(), "first event starts an idle project")

	m.ObserveEvent(ctx, "snap-4", 4)
	ec := m.Context()
	assert.Equal(t, models.StateStopped, ec.State)
	assert.Equal(t, int64(4), ec.LastEventSequence)
	assert.Equal(t, "snap-4", ec.LastSnapshotID)

	cmds := fc.all()
	require.Len(t, cmds, 1)
	assert.Equal(t, models.TriggeredBySystemCircuitBreaker, cmds[0].triggeredBy)

	// Further events while stopped are counted as pending, not re-stopped.
	m.ObserveEvent(ctx, "", 5)
	assert.Equal(t, 1, m.Context().PendingActions)
	assert.Len(t, fc.all(), 1)

	_, err := m.Apply(ctx, models.CmdReset, "operator", "", "")
	require.NoError(t, err)
	ec = m.Context()
	assert.Equal(t, models.StateIdle, ec.State)
	assert.Zero(t, ec.PendingActions)
	assert.Zero(t, m.breaker.Count(), "reset clears the breaker window")

	hist, err := st.ListStateHistory("p1", 0)
	require.NoError(t, err)
	require.Len(t, hist, 3)
	assert.Equal(t, models.TriggeredBySystemCircuitBreaker, hist[1].TriggeredBy)
}

func TestObserveRisk_Threshold(t *testing.T) {
	m, _, fc := setupTestMachine(t, Defaults{AutoStopRiskThreshold: models.RiskHigh})
	ctx := context.Background()
	_, err := m.Apply(ctx, models.CmdStart, "agent", "", "")
	require.NoError(t, err)

	assert.False(t, m.ObserveRisk(ctx, models.RiskMedium, ""))
	assert.Equal(t, models.StateRunning, m.State())

	assert.True(t, m.ObserveRisk(ctx, models.RiskCritical, "rm -rf"))
	assert.Equal(t, models.StateStopped, m.State())
	assert.Contains(t, m.Context().StopReason, "rm -rf")
	assert.False(t, m.ObserveRisk(ctx, models.RiskCritical, ""), "already stopped")

	cmds := fc.all()
	require.Len(t, cmds, 1)
	assert.Equal(t, models.TriggeredBySystemRisk, cmds[0].triggeredBy)
}

func TestConfigure_PersistsAndReloads(t *testing.T) {
	m, st, _ := setupTestMachine(t, Defaults{})
	threshold := models.RiskMedium
	m.Configure(&threshold, &models.RateLimit{MaxEvents: 10, Window: time.Second})

	reloaded, err := NewMachine("p1", st, nil, nil, Defaults{}, zerolog.Nop())
	require.NoError(t, err)
	ec := reloaded.Context()
	assert.Equal(t, models.RiskMedium, ec.AutoStopRiskThreshold)
	assert.Equal(t, 10, ec.RateLimit.MaxEvents)
	assert.Equal(t, time.Second, ec.RateLimit.Window)
}

func TestOnChange_SeesCommitOrder(t *testing.T) {
	st, err := store.New(":memory:", zerolog.Nop())
	require.NoError(t, err)
	defer st.Close()

	var seen []models.ExecutionState
	m, err := NewMachine("p1", st, nil, func(tr models.StateTransition, ec models.ExecutionContext) {
		assert.Equal(t, tr.ToState, ec.State)
		seen = append(seen, tr.ToState)
	}, Defaults{}, zerolog.Nop())
	require.NoError(t, err)

	ctx := context.Background()
	for _, cmd := range []models.Command{models.CmdStart, models.CmdFail, models.CmdReset} {
		_, err := m.Apply(ctx, cmd, "test", "", "")
		require.NoError(t, err)
	}
	assert.Equal(t, []models.ExecutionState{models.StateRunning, models.StateError, models.StateIdle}, seen)
}

func TestRegistry_GetIsCached(t *testing.T) {
	st, err := store.New(":memory:", zerolog.Nop())
	require.NoError(t, err)
	defer st.Close()

	r := NewRegistry(st, Defaults{}, zerolog.Nop())
	a, err := r.Get("p1")
	require.NoError(t, err)
	b, err := r.Get("p1")
	require.NoError(t, err)
	assert.Same(t, a, b)
	assert.Equal(t, map[string]models.ExecutionState{"p1": models.StateIdle}, r.States())
}
