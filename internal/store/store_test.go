package store

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	serrors "github.com/p-blackswan/sentinel/internal/errors"
	"github.com/p-blackswan/sentinel/internal/models"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(":memory:", zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestNew_CreatesSchema(t *testing.T) {
	s := newTestStore(t)

	tables := []string{
		"meta", "projects", "snapshots", "protection_zones", "state_history",
		"execution_contexts", "action_events", "client_acks", "replay_log",
	}
	for _, table := range tables {
		var count int
		err := s.db.QueryRow("SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?", table).Scan(&count)
		require.NoError(t, err)
		assert.Equal(t, 1, count, "table %s should exist", table)
	}
	assert.Equal(t, "3", s.schemaVersion())
	assert.NoError(t, s.IntegrityErr())
	assert.NoError(t, s.Ping())
}

func TestNew_ReopenIsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sentinel.db")
	s, err := New(path, zerolog.Nop())
	require.NoError(t, err)
	require.NoError(t, s.EnsureProject("p1", "/src/p1"))
	require.NoError(t, s.Close())

	s, err = New(path, zerolog.Nop())
	require.NoError(t, err)
	defer s.Close()
	projects, err := s.ListProjects()
	require.NoError(t, err)
	require.Len(t, projects, 1)
	assert.Equal(t, "/src/p1", projects[0].Root)
}

func TestNew_CorruptDatabaseContinuesDegraded(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sentinel.db")
	s, err := New(path, zerolog.Nop())
	require.NoError(t, err)
	for i := 0; i < 200; i++ {
		require.NoError(t, s.InsertActionEvent(&models.ActionEvent{
			ProjectID: "p", Sequence: int64(i + 1), Audience: models.Consoles,
			Type: "EVENT_BROADCAST", Envelope: []byte(`{"padding":"` + strings.Repeat("x", 64) + `"}`),
		}))
	}
	_, err = s.db.Exec("PRAGMA wal_checkpoint(TRUNCATE)")
	require.NoError(t, err)
	require.NoError(t, s.Close())

	// Scribble over a page in the middle of the file, leaving the header intact.
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	require.NoError(t, err)
	info, err := f.Stat()
	require.NoError(t, err)
	require.Greater(t, info.Size(), int64(8192))
	garbage := make([]byte, 4096)
	for i := range garbage {
		garbage[i] = 0xA5
	}
	_, err = f.WriteAt(garbage, 4096)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	s, err = New(path, zerolog.Nop())
	if err != nil {
		// Some corruptions prevent the schema from loading at all; that is also a
		// refusal to proceed silently.
		return
	}
	defer s.Close()
	require.ErrorIs(t, s.IntegrityErr(), serrors.ErrIntegrity)
	require.NotEmpty(t, s.ForensicCopy())
	_, err = os.Stat(s.ForensicCopy())
	assert.NoError(t, err)
}

func TestSnapshots_ChainQueries(t *testing.T) {
	s := newTestStore(t)

	head, err := s.LatestSnapshot("p1")
	require.NoError(t, err)
	assert.Nil(t, head)

	base := time.Now().UTC().Truncate(time.Millisecond)
	first := &models.Snapshot{
		ID: "s1", ProjectID: "p1", CommitID: "a", FileCount: 2, TotalSize: 10,
		Action: models.ActionCreate, Path: "a.go", CreatedAt: base,
	}
	second := &models.Snapshot{
		ID: "s2", ProjectID: "p1", ParentID: "s1", CommitID: "b", CommitDegraded: true,
		IsCritical: true, Action: models.ActionDelete, Path: "a.go", CreatedAt: base,
	}
	require.NoError(t, s.InsertSnapshot(first))
	require.NoError(t, s.InsertSnapshot(second))
	require.NoError(t, s.InsertSnapshot(&models.Snapshot{ID: "o1", ProjectID: "other", CommitID: "c", Action: models.ActionModify, Path: "x"}))

	head, err = s.LatestSnapshot("p1")
	require.NoError(t, err)
	require.NotNil(t, head)
	assert.Equal(t, "s2", head.ID, "same-millisecond inserts resolve by insertion order")
	assert.Equal(t, "s1", head.ParentID)
	assert.True(t, head.CommitDegraded)
	assert.True(t, head.IsCritical)
	assert.Equal(t, models.ActionDelete, head.Action)
	assert.True(t, head.CreatedAt.Equal(base))

	all, err := s.FindSnapshotsByProject("p1", 0)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "s2", all[0].ID)
	assert.Empty(t, all[1].ParentID)

	require.NoError(t, s.SetSnapshotLabel("p1", "s1", "before refactor"))
	got, err := s.GetSnapshot("s1")
	require.NoError(t, err)
	assert.Equal(t, "before refactor", got.Label)

	assert.ErrorIs(t, s.SetSnapshotLabel("p1", "o1", "x"), serrors.ErrNotFound)
	assert.Error(t, s.InsertSnapshot(first), "snapshots are immutable")
}

func TestZones_OrderAndSystemProtection(t *testing.T) {
	s := newTestStore(t)
	base := time.Now().UTC()

	require.NoError(t, s.EnsureSystemZones([]models.ProtectionZone{
		{ID: "sys-0", ProjectID: "p1", PathPattern: ".sentinel/**", Level: models.LevelDoNotTouch, IsSystem: true, CreatedAt: base},
	}))
	require.NoError(t, s.EnsureSystemZones([]models.ProtectionZone{
		{ID: "sys-0", ProjectID: "p1", PathPattern: ".sentinel/**", Level: models.LevelDoNotTouch, IsSystem: true, CreatedAt: base},
	}))
	require.NoError(t, s.InsertZone(&models.ProtectionZone{
		ID: "z2", ProjectID: "p1", PathPattern: "b/**", Level: models.LevelDoNotTouch, CreatedAt: base.Add(2 * time.Millisecond),
	}))
	require.NoError(t, s.InsertZone(&models.ProtectionZone{
		ID: "z1", ProjectID: "p1", PathPattern: "a/**", Level: models.LevelSurgicalOnly,
		AllowedOperations: []models.OperationType{models.ActionModify}, CreatedAt: base.Add(time.Millisecond),
	}))

	zones, err := s.ListZones("p1")
	require.NoError(t, err)
	require.Len(t, zones, 3)
	assert.Equal(t, []string{"sys-0", "z1", "z2"}, []string{zones[0].ID, zones[1].ID, zones[2].ID})
	assert.True(t, zones[0].IsSystem)
	assert.Equal(t, []models.OperationType{models.ActionModify}, zones[1].AllowedOperations)
	assert.Nil(t, zones[2].AllowedOperations)

	assert.ErrorIs(t, s.DeleteZone("p1", "sys-0"), serrors.ErrSystemZone)
	assert.ErrorIs(t, s.UpdateZone(&zones[0]), serrors.ErrSystemZone)
	assert.ErrorIs(t, s.DeleteZone("p1", "missing"), serrors.ErrNotFound)

	zones[1].Level = models.LevelDoNotTouch
	require.NoError(t, s.UpdateZone(&zones[1]))
	require.NoError(t, s.DeleteZone("p1", "z2"))

	zones, err = s.ListZones("p1")
	require.NoError(t, err)
	require.Len(t, zones, 2)
	assert.Equal(t, models.LevelDoNotTouch, zones[1].Level)
}

func TestZones_ReplaceKeepsSystemZones(t *testing.T) {
	s := newTestStore(t)
	base := time.Now().UTC()
	require.NoError(t, s.EnsureSystemZones([]models.ProtectionZone{
		{ID: "sys-0", ProjectID: "p1", PathPattern: ".sentinel/**", Level: models.LevelDoNotTouch, IsSystem: true, CreatedAt: base},
	}))
	require.NoError(t, s.InsertZone(&models.ProtectionZone{ID: "old", ProjectID: "p1", PathPattern: "x", Level: models.LevelNone, CreatedAt: base}))

	require.NoError(t, s.ReplaceZones("p1", []models.ProtectionZone{
		{ID: "n1", PathPattern: "src/**", Level: models.LevelSurgicalOnly, CreatedAt: base.Add(time.Millisecond)},
		{ID: "n2", PathPattern: "secrets", Level: models.LevelDoNotTouch, CreatedAt: base.Add(2 * time.Millisecond)},
	}))

	zones, err := s.ListZones("p1")
	require.NoError(t, err)
	require.Len(t, zones, 3)
	assert.Equal(t, "sys-0", zones[0].ID)
	assert.Equal(t, "n1", zones[1].ID)
	assert.Equal(t, "p1", zones[2].ProjectID)
}

func TestEnsureSystemZones_FollowsCurrentList(t *testing.T) {
	s := newTestStore(t)
	base := time.Now().UTC()
	sys := func(id, pattern string, offset time.Duration) models.ProtectionZone {
		return models.ProtectionZone{ID: id, ProjectID: "p1", PathPattern: pattern, Level: models.LevelDoNotTouch, IsSystem: true, CreatedAt: base.Add(offset)}
	}
	require.NoError(t, s.EnsureSystemZones([]models.ProtectionZone{
		sys("sys-0", ".sentinel/**", 0), sys("sys-1", ".git/**", time.Millisecond), sys("sys-2", "**/sentinel.db*", 2*time.Millisecond),
	}))
	require.NoError(t, s.InsertZone(&models.ProtectionZone{ID: "user", ProjectID: "p1", PathPattern: "src/**", Level: models.LevelNone, CreatedAt: base}))

	require.NoError(t, s.EnsureSystemZones([]models.ProtectionZone{
		sys("sys-0", ".sentinel/**", time.Hour), sys("sys-1", "**/sentinel.db*", time.Hour),
	}))

	zones, err := s.ListZones("p1")
	require.NoError(t, err)
	require.Len(t, zones, 3)
	patterns := map[string]string{}
	for _, z := range zones {
		patterns[z.ID] = z.PathPattern
	}
	assert.Equal(t, map[string]string{"sys-0": ".sentinel/**", "sys-1": "**/sentinel.db*", "user": "src/**"}, patterns)
	assert.Equal(t, "sys-0", zones[0].ID, "creation time is kept")
}

func TestStateHistoryAndContext(t *testing.T) {
	s := newTestStore(t)

	ec, err := s.GetExecutionContext("p1")
	require.NoError(t, err)
	assert.Nil(t, ec)

	for i, to := range []models.ExecutionState{models.StateRunning, models.StateStopped} {
		require.NoError(t, s.AppendStateHistory(&models.StateTransition{
			ID: string(rune('a' + i)), ProjectID: "p1", FromState: models.StateIdle, ToState: to,
			Trigger: models.CmdStart, TriggeredBy: "operator", SnapshotID: "snap",
		}))
	}
	history, err := s.ListStateHistory("p1", 0)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, models.StateRunning, history[0].ToState)
	assert.Equal(t, models.StateStopped, history[1].ToState)
	assert.Equal(t, "snap", history[0].SnapshotID)

	stopped := time.Now().UTC().Truncate(time.Second)
	require.NoError(t, s.SaveExecutionContext(&models.ExecutionContext{
		ProjectID: "p1", State: models.StateStopped, StoppedAt: &stopped, StopReason: "rate",
		AutoStopRiskThreshold: models.RiskHigh, RateLimit: models.RateLimit{MaxEvents: 5, Window: time.Second},
	}))
	require.NoError(t, s.SaveExecutionContext(&models.ExecutionContext{ProjectID: "p1", State: models.StateRunning}))
	ec, err = s.GetExecutionContext("p1")
	require.NoError(t, err)
	require.NotNil(t, ec)
	assert.Equal(t, models.StateRunning, ec.State)
	assert.Nil(t, ec.StoppedAt)
}

func TestActionEvents_SequenceAndReplayQueries(t *testing.T) {
	s := newTestStore(t)

	max, err := s.MaxSequence("p1")
	require.NoError(t, err)
	assert.Zero(t, max)
	min, err := s.MinSequence("p1")
	require.NoError(t, err)
	assert.Zero(t, min)

	audiences := []models.Audience{
		models.AudienceOf(models.ClientDashboard),
		models.AudienceOf(models.ClientInterceptor),
		models.Consoles,
		models.Consoles.With(models.ClientInterceptor),
	}
	for i, audience := range audiences {
		require.NoError(t, s.InsertActionEvent(&models.ActionEvent{
			ProjectID: "p1", Sequence: int64(i + 1), Audience: audience, Type: "EVENT_BROADCAST",
			Envelope: []byte(`{"n":` + string(rune('1'+i)) + `}`),
		}))
	}
	err = s.InsertActionEvent(&models.ActionEvent{ProjectID: "p1", Sequence: 2, Audience: models.Consoles, Type: "X", Envelope: []byte("{}")})
	assert.Error(t, err, "sequence is unique per project")

	max, err = s.MaxSequence("p1")
	require.NoError(t, err)
	assert.Equal(t, int64(4), max)

	evs, err := s.GetActionsAfterSequence("p1", models.ClientDashboard, 1, 4, 0)
	require.NoError(t, err)
	require.Len(t, evs, 2)
	assert.Equal(t, int64(3), evs[0].Sequence)
	assert.Equal(t, int64(4), evs[1].Sequence)
	assert.JSONEq(t, `{"n":3}`, string(evs[0].Envelope))
	assert.Equal(t, models.Consoles, evs[0].Audience)

	sim, err := s.GetActionsAfterSequence("p1", models.ClientSimulator, 0, 4, 0)
	require.NoError(t, err)
	require.Len(t, sim, 2)
	assert.Equal(t, int64(3), sim[0].Sequence)

	icp, err := s.GetActionsAfterSequence("p1", models.ClientInterceptor, 0, 4, 0)
	require.NoError(t, err)
	require.Len(t, icp, 2)
	assert.Equal(t, int64(2), icp[0].Sequence)
	assert.Equal(t, int64(4), icp[1].Sequence)

	page, err := s.GetActionsAfterSequence("p1", models.ClientDashboard, 0, 3, 1)
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.Equal(t, int64(1), page[0].Sequence)
}

func TestClientAcks_OnlyMoveForward(t *testing.T) {
	s := newTestStore(t)

	_, ok, err := s.GetClientAck("c1", "p1")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.SaveClientAck("c1", "p1", 7))
	require.NoError(t, s.SaveClientAck("c1", "p1", 3))
	seq, ok, err := s.GetClientAck("c1", "p1")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, int64(7), seq)
}

func TestReplayRecords(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.InsertReplayRecord(&models.ReplayRecord{
		ClientID: "c1", ClientType: models.ClientDashboard, ProjectID: "p1",
		FromSequence: 5, ToSequence: 8, Count: 3, Duration: 12 * time.Millisecond,
	}))
	recs, err := s.ListReplayRecords("p1", 0)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, 3, recs[0].Count)
	assert.Equal(t, 12*time.Millisecond, recs[0].Duration)
}

func TestProjects(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.EnsureProject("p1", "/a"))
	require.NoError(t, s.EnsureProject("p1", ""))
	require.NoError(t, s.EnsureProject("p2", ""))

	projects, err := s.ListProjects()
	require.NoError(t, err)
	require.Len(t, projects, 2)
	assert.Equal(t, "/a", projects[0].Root)

	ok, err := s.ProjectExists("p2")
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = s.ProjectExists("nope")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRunRetention_KeepsSequenceHead(t *testing.T) {
	s := newTestStore(t)
	old := time.Now().Add(-48 * time.Hour)
	for i := 1; i <= 3; i++ {
		require.NoError(t, s.InsertActionEvent(&models.ActionEvent{
			ProjectID: "p1", Sequence: int64(i), Audience: models.Consoles, Type: "X",
			Envelope: []byte("{}"), CreatedAt: old,
		}))
	}
	require.NoError(t, s.InsertReplayRecord(&models.ReplayRecord{ClientID: "c", ClientType: models.ClientDashboard, ProjectID: "p1", CreatedAt: old}))

	removed, err := s.RunRetention(context.Background(), RetentionPolicy{ActionEvents: time.Hour, ReplayLog: time.Hour})
	require.NoError(t, err)
	assert.Equal(t, int64(3), removed)

	max, err := s.MaxSequence("p1")
	require.NoError(t, err)
	assert.Equal(t, int64(3), max)
	min, err := s.MinSequence("p1")
	require.NoError(t, err)
	assert.Equal(t, int64(3), min)

	size, err := s.DBSizeBytes()
	require.NoError(t, err)
	assert.Greater(t, size, int64(0))
}

func TestMigrateV3_BackfillsAudience(t *testing.T) {
	s := newTestStore(t)
	_, err := s.db.Exec(`INSERT INTO action_events (project_id, sequence, target_type, type, envelope, created_at)
		VALUES ('p1', 1, 'simulator', 'X', '{}', 0), ('p1', 2, 'interceptor', 'X', '{}', 0)`)
	require.NoError(t, err)
	_, err = s.db.Exec(`UPDATE meta SET value = '2' WHERE key = 'schema_version'`)
	require.NoError(t, err)
	_, err = s.db.Exec(`DROP INDEX idx_actions_audience; ALTER TABLE action_events DROP COLUMN audience`)
	require.NoError(t, err)

	require.NoError(t, s.migrate())
	assert.Equal(t, "3", s.schemaVersion())

	evs, err := s.GetActionsAfterSequence("p1", models.ClientSimulator, 0, 10, 0)
	require.NoError(t, err)
	require.Len(t, evs, 1)
	assert.Equal(t, int64(1), evs[0].Sequence)
	assert.Equal(t, models.AudienceOf(models.ClientSimulator), evs[0].Audience)
}
