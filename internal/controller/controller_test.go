package controller

// ============================================================================
// Coordinator 測試檔案
// 職責：驗證三階段啟動、事件路由、完成紀錄持久化、日誌恢復與手動排序
// ============================================================================

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/beaver-timer/internal/clock"
	"github.com/ChuLiYu/beaver-timer/internal/docsync"
	"github.com/ChuLiYu/beaver-timer/internal/metrics"
	"github.com/ChuLiYu/beaver-timer/internal/ordering"
	"github.com/ChuLiYu/beaver-timer/internal/session"
	"github.com/ChuLiYu/beaver-timer/internal/storage/docstore"
	"github.com/ChuLiYu/beaver-timer/internal/storage/journal"
	"github.com/ChuLiYu/beaver-timer/internal/timer"
	"github.com/ChuLiYu/beaver-timer/pkg/types"
)

// ============================================================================
// Test Helper Functions
// ============================================================================

var epoch = time.Date(2026, 4, 6, 8, 59, 0, 0, time.UTC)

type recordingAlarm struct {
	mu     sync.Mutex
	sounds []string
}

func (a *recordingAlarm) Play(sound string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.sounds = append(a.sounds, sound)
}

func (a *recordingAlarm) played() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.sounds...)
}

type fixture struct {
	clk     *clock.Fake
	store   *docstore.Store
	journal *journal.Journal
	alarm   *recordingAlarm
	reg     *prometheus.Registry
	c       *Coordinator
}

type seedData struct {
	sessions []types.Session
	timers   []types.Timer
	records  []types.Record
	journal  []types.Record
}

func newFixture(t *testing.T, seed seedData) *fixture {
	t.Helper()
	ctx := context.Background()

	store, err := docstore.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	put := func(coll types.Collection, docs ...types.Document) {
		ops := make([]docstore.Op, 0, len(docs))
		for _, d := range docs {
			ops = append(ops, docstore.Op{Kind: docstore.OpCreate, ID: d.DocID(), Doc: d})
		}
		if len(ops) > 0 {
			require.NoError(t, store.Apply(ctx, coll, ops))
		}
	}
	for _, s := range seed.sessions {
		put(types.CollectionSessions, s)
	}
	for _, tm := range seed.timers {
		put(types.CollectionTimers, tm)
	}
	for _, r := range seed.records {
		put(types.CollectionRecords, r)
	}

	fs := afero.NewMemMapFs()
	jr, err := journal.Open(fs, "/records.journal", journal.Options{Now: func() time.Time { return epoch }})
	require.NoError(t, err)
	t.Cleanup(func() { _ = jr.Close() })
	for _, r := range seed.journal {
		_, err := jr.Append(r)
		require.NoError(t, err)
	}

	f := &fixture{clk: clock.NewFake(epoch), store: store, journal: jr, alarm: &recordingAlarm{}, reg: prometheus.NewRegistry()}
	f.c = New(store, Config{
		Clock:   f.clk,
		Alarm:   f.alarm,
		Retry:   docsync.RetryConfig{MaxTries: 2, InitialInterval: time.Millisecond, MaxInterval: 5 * time.Millisecond},
		Journal: jr,
		Metrics: metrics.NewCollector(f.reg),
	})
	t.Cleanup(f.c.Stop)
	return f
}

func (f *fixture) start(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	f.c.Start()
	require.NoError(t, f.c.WaitIdle(ctx))
	f.flush(t)
}

func (f *fixture) flush(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, f.c.Flush(ctx))
}

func (f *fixture) snapshot(t *testing.T) []session.State {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	states, err := f.c.Snapshot(ctx)
	require.NoError(t, err)
	return states
}

// settle flushes coordinator -> session -> timer -> session once.
func (f *fixture) settle(t *testing.T) []session.State {
	t.Helper()
	f.flush(t)
	f.snapshot(t)
	return f.snapshot(t)
}

func (f *fixture) step(t *testing.T, total time.Duration) []session.State {
	t.Helper()
	for elapsed := time.Duration(0); elapsed < total; elapsed += timer.DefaultTickInterval {
		f.clk.Advance(timer.DefaultTickInterval)
		f.snapshot(t)
		f.snapshot(t)
	}
	return f.settle(t)
}

func (f *fixture) session(t *testing.T, id string) *session.Actor {
	t.Helper()
	a, err := f.c.Session(context.Background(), id)
	require.NoError(t, err)
	return a
}

func (f *fixture) records(t *testing.T) []types.Record {
	t.Helper()
	bodies, err := f.store.List(context.Background(), types.CollectionRecords)
	require.NoError(t, err)
	out := make([]types.Record, 0, len(bodies))
	for _, b := range bodies {
		var r types.Record
		require.NoError(t, json.Unmarshal(b, &r))
		out = append(out, r)
	}
	return out
}

func (f *fixture) counter(t *testing.T, name string) float64 {
	t.Helper()
	families, err := f.reg.Gather()
	require.NoError(t, err)
	for _, mf := range families {
		if mf.GetName() == name && len(mf.GetMetric()) > 0 {
			return mf.GetMetric()[0].GetCounter().GetValue()
		}
	}
	return 0
}

// storedIndexes reads each session's index straight from the store.
func (f *fixture) storedIndexes(t *testing.T) map[string]string {
	t.Helper()
	bodies, err := f.store.List(context.Background(), types.CollectionSessions)
	require.NoError(t, err)
	out := make(map[string]string, len(bodies))
	for _, b := range bodies {
		var s types.Session
		require.NoError(t, json.Unmarshal(b, &s))
		out[s.ID] = s.Index
	}
	return out
}

func stateOf(states []session.State, id string) session.State {
	for _, s := range states {
		if s.ID == id {
			return s
		}
	}
	return session.State{}
}

func prio(v float64) *float64 { return &v }

func tdoc(id, sessionID string, duration, createdAt int64) types.Timer {
	return types.Timer{ID: id, Label: id, SessionID: sessionID, CreatedAt: createdAt, Countable: true, Duration: duration}
}

// ============================================================================
// Bootstrap
// ============================================================================

func TestBootstrapDistributesSortedTimers(t *testing.T) {
	f := newFixture(t, seedData{
		sessions: []types.Session{
			{ID: "b", Title: "Second", Index: "2"},
			{ID: "a", Title: "First", Index: "1", Sound: "gong"},
			{ID: "empty", Title: "Empty", Index: "1.10"},
		},
		timers: []types.Timer{
			tdoc("late", "a", 1000, 30),
			tdoc("early", "a", 1000, 10),
			{ID: "vip", Label: "vip", SessionID: "a", CreatedAt: 99, Priority: prio(5), Duration: 1000},
			tdoc("orphan", "ghost", 1000, 1),
			tdoc("solo", "b", 2000, 1),
		},
	})
	assert.Equal(t, PhaseSpawningSessionSync, f.c.Phase())

	f.start(t)
	assert.Equal(t, PhaseIdle, f.c.Phase())

	states := f.settle(t)
	require.Len(t, states, 3)
	assert.Equal(t, []string{"a", "empty", "b"}, []string{states[0].ID, states[1].ID, states[2].ID}, "ordered by hierarchical index")

	a := stateOf(states, "a")
	assert.Equal(t, []string{"vip", "early", "late"}, a.QueueIDs)
	assert.Equal(t, int64(3000), a.TotalGoal)
	assert.Equal(t, "gong", a.Queue[1].Doc.Sound, "session sound is inherited")

	assert.Empty(t, stateOf(states, "empty").QueueIDs)
	assert.Equal(t, []string{"solo"}, stateOf(states, "b").QueueIDs)
}

func TestOperationsRequireIdle(t *testing.T) {
	f := newFixture(t, seedData{})
	_, err := f.c.CreateSession(context.Background(), types.Session{Title: "too early"})
	assert.ErrorIs(t, err, ErrNotReady)
}

// ============================================================================
// End-to-end scenario
// ============================================================================

func TestTwoTimerSessionLoops(t *testing.T) {
	f := newFixture(t, seedData{
		sessions: []types.Session{{ID: "s1", Title: "Pomodoro", Index: "1", Sound: "bell", Timers: []string{"work", "rest"}}},
		timers: []types.Timer{
			tdoc("work", "s1", 8000, 1),
			tdoc("rest", "s1", 5000, 2),
		},
	})
	f.start(t)

	s := f.session(t, "s1")
	s.Send(session.CmdToIntervalMode)
	s.Send(session.CmdStartCurrent)
	st := stateOf(f.settle(t), "s1")
	assert.Equal(t, []string{"work", "rest"}, st.QueueIDs, "creation order without priorities")
	assert.Equal(t, timer.ClockRunning, st.Queue[0].Clock)

	st = stateOf(f.step(t, 8000*time.Millisecond), "s1")
	assert.Equal(t, 1, st.Cursor)
	assert.Equal(t, 0, st.Loop)
	assert.Equal(t, timer.ClockIdle, st.Queue[0].Clock)
	assert.Equal(t, timer.ClockRunning, st.Queue[1].Clock)

	st = stateOf(f.step(t, 5000*time.Millisecond), "s1")
	assert.Equal(t, 0, st.Cursor)
	assert.Equal(t, 1, st.Loop)

	f.flush(t)
	recs := f.records(t)
	require.Len(t, recs, 2)
	assert.Equal(t, "work", recs[0].TimerID)
	assert.Equal(t, "Pomodoro", recs[0].SessionTitle)
	assert.Equal(t, int64(8000), recs[0].FinalDuration)
	assert.Equal(t, epoch.Add(8*time.Second).UnixMilli(), recs[0].FinishedAt)
	assert.Equal(t, "rest", recs[1].TimerID)

	assert.Equal(t, []string{"bell", "bell"}, f.alarm.played())
	assert.Equal(t, uint64(0), f.journal.LastSeq(), "confirmed records rotate the journal")
	assert.Equal(t, 2.0, f.counter(t, "beaver_records_persisted_total"))
	assert.Equal(t, 2.0, f.counter(t, "beaver_timers_finished_total"))
}

func TestTimerEditKeepsCountdown(t *testing.T) {
	f := newFixture(t, seedData{
		sessions: []types.Session{{ID: "s1", Title: "Edit", Index: "1"}},
		timers:   []types.Timer{tdoc("t1", "s1", 10000, 1), tdoc("t2", "s1", 10000, 2)},
	})
	f.start(t)

	require.NoError(t, f.c.SendTimer(context.Background(), "t1", timer.CmdStart, nil))
	before := stateOf(f.step(t, time.Second), "s1").Queue[0]
	require.Equal(t, timer.ClockRunning, before.Clock)

	f.c.TimersSync().Update("t2", map[string]any{"label": "renamed"})
	f.c.TimersSync().Update("t1", map[string]any{"label": "focus"})
	st := stateOf(f.settle(t), "s1")

	assert.Equal(t, "focus", st.Queue[0].Doc.Label)
	assert.Equal(t, "renamed", st.Queue[1].Doc.Label)
	assert.Equal(t, before.StartedAt, st.Queue[0].StartedAt)
	assert.Equal(t, before.TimeLeft, st.Queue[0].TimeLeft)
	assert.Equal(t, timer.ClockRunning, st.Queue[0].Clock)
}

// ============================================================================
// Document-driven operations
// ============================================================================

func TestCreateSessionAndTimer(t *testing.T) {
	f := newFixture(t, seedData{sessions: []types.Session{{ID: "s1", Title: "Existing", Index: "1"}}})
	f.start(t)
	ctx := context.Background()

	doc, err := f.c.CreateSession(ctx, types.Session{Title: "New"})
	require.NoError(t, err)
	assert.NotEmpty(t, doc.ID)
	assert.Equal(t, "2", doc.Index)
	f.flush(t)

	tm, err := f.c.CreateTimer(ctx, types.Timer{SessionID: doc.ID, Label: "Focus", Duration: 3000})
	require.NoError(t, err)
	assert.Equal(t, epoch.UnixMilli(), tm.CreatedAt)

	states := f.settle(t)
	require.Len(t, states, 2)
	assert.Equal(t, doc.ID, states[1].ID)
	assert.Equal(t, []string{tm.ID}, states[1].QueueIDs)
	assert.Equal(t, []string{tm.ID}, states[1].Doc.Timers, "timer id appended to the session document")

	_, err = f.c.CreateTimer(ctx, types.Timer{SessionID: "nope"})
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestIntervalAddGoesThroughPersistence(t *testing.T) {
	f := newFixture(t, seedData{sessions: []types.Session{{ID: "s1", Title: "Interval", Index: "1"}}})
	f.start(t)

	s := f.session(t, "s1")
	s.Send(session.CmdToIntervalMode)
	s.Send(session.CmdAdd)
	f.settle(t)
	st := stateOf(f.settle(t), "s1")

	require.Len(t, st.QueueIDs, 1)
	assert.Equal(t, st.QueueIDs, st.Doc.Timers)

	bodies, err := f.store.List(context.Background(), types.CollectionTimers)
	require.NoError(t, err)
	assert.Len(t, bodies, 1)
}

func TestRemoveTimerDeletesDocument(t *testing.T) {
	f := newFixture(t, seedData{
		sessions: []types.Session{{ID: "s1", Title: "Remove", Index: "1", Timers: []string{"a", "b"}}},
		timers:   []types.Timer{tdoc("a", "s1", 1000, 1), tdoc("b", "s1", 1000, 2)},
	})
	f.start(t)

	f.session(t, "s1").RemoveTimer("a")
	f.settle(t)
	st := stateOf(f.settle(t), "s1")

	assert.Equal(t, []string{"b"}, st.QueueIDs)
	assert.Equal(t, []string{"b"}, st.Doc.Timers)
	_, ok, err := f.store.Get(context.Background(), types.CollectionTimers, "a")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestChangeTitlePersists(t *testing.T) {
	f := newFixture(t, seedData{sessions: []types.Session{{ID: "s1", Title: "Old", Index: "1"}}})
	f.start(t)

	f.session(t, "s1").ChangeTitle("New")
	f.settle(t)
	f.flush(t)

	raw, ok, err := f.store.Get(context.Background(), types.CollectionSessions, "s1")
	require.NoError(t, err)
	require.True(t, ok)
	var doc types.Session
	require.NoError(t, json.Unmarshal(raw, &doc))
	assert.Equal(t, "New", doc.Title)
}

func TestMoveSessionSwapsIndexes(t *testing.T) {
	f := newFixture(t, seedData{sessions: []types.Session{
		{ID: "s1", Title: "One", Index: "1"},
		{ID: "s2", Title: "Two", Index: "2"},
		{ID: "s3", Title: "Three", Index: "3"},
		{ID: "child", Title: "Child", Index: "2.1"},
	}})
	f.start(t)
	ctx := context.Background()

	require.NoError(t, f.c.MoveSession(ctx, "s3", ordering.Up))
	states := f.settle(t)
	ids := make([]string, 0, len(states))
	for _, s := range states {
		ids = append(ids, s.ID)
	}
	assert.Equal(t, []string{"s1", "s3", "child", "s2"}, ids)
	assert.Equal(t, "3", stateOf(states, "s2").Doc.Index)
	assert.Equal(t, "2", stateOf(states, "s3").Doc.Index)

	assert.ErrorIs(t, f.c.MoveSession(ctx, "s1", ordering.Up), ordering.ErrNoSibling)
	assert.ErrorIs(t, f.c.MoveSession(ctx, "child", ordering.Down), ordering.ErrNoSibling, "children only swap with siblings under the same parent")
	assert.ErrorIs(t, f.c.MoveSession(ctx, "missing", ordering.Down), ErrSessionNotFound)
}

func TestBackToBackMovesKeepIndexesUnique(t *testing.T) {
	f := newFixture(t, seedData{sessions: []types.Session{
		{ID: "a", Title: "A", Index: "1"},
		{ID: "b", Title: "B", Index: "2"},
		{ID: "c", Title: "C", Index: "3"},
	}})
	f.start(t)
	ctx := context.Background()

	require.NoError(t, f.c.MoveSession(ctx, "b", ordering.Up))
	require.NoError(t, f.c.MoveSession(ctx, "c", ordering.Up))
	f.settle(t)
	assert.Equal(t, map[string]string{"b": "1", "c": "2", "a": "3"}, f.storedIndexes(t))

	moves := []struct {
		id  string
		dir ordering.Direction
	}{
		{"a", ordering.Up}, {"b", ordering.Down}, {"c", ordering.Up}, {"a", ordering.Down}, {"b", ordering.Up},
	}
	for _, m := range moves {
		require.NoError(t, f.c.MoveSession(ctx, m.id, m.dir))
	}
	states := f.settle(t)

	stored := f.storedIndexes(t)
	seen := make(map[string]string, len(stored))
	for id, idx := range stored {
		other, dup := seen[idx]
		assert.False(t, dup, "index %q shared by %s and %s", idx, other, id)
		seen[idx] = id
	}
	assert.Equal(t, map[string]string{"c": "1", "b": "2", "a": "3"}, stored)
	for _, st := range states {
		assert.Equal(t, stored[st.ID], st.Doc.Index, "session %s sees the stored index", st.ID)
	}
}

func TestDeleteSession(t *testing.T) {
	f := newFixture(t, seedData{
		sessions: []types.Session{{ID: "s1", Title: "Doomed", Index: "1"}, {ID: "s2", Title: "Kept", Index: "2"}},
		timers:   []types.Timer{tdoc("a", "s1", 1000, 1), tdoc("b", "s2", 1000, 1)},
	})
	f.start(t)
	ctx := context.Background()

	doomed := f.session(t, "s1")
	require.NoError(t, f.c.DeleteSession(ctx, "s1"))
	f.settle(t)

	_, err := f.c.Session(ctx, "s1")
	assert.ErrorIs(t, err, ErrSessionNotFound)
	_, err = doomed.Snapshot(ctx)
	assert.Error(t, err, "the actor is destroyed")

	bodies, err := f.store.List(ctx, types.CollectionTimers)
	require.NoError(t, err)
	assert.Len(t, bodies, 1)

	assert.ErrorIs(t, f.c.DeleteSession(ctx, "s1"), ErrSessionNotFound)
}

func TestSessionDocumentRemovalKeepsActor(t *testing.T) {
	f := newFixture(t, seedData{sessions: []types.Session{{ID: "s1", Title: "Churn", Index: "1"}}})
	f.start(t)

	f.c.SessionsSync().Delete("s1")
	f.settle(t)

	_, err := f.c.Session(context.Background(), "s1")
	assert.NoError(t, err, "document churn never destroys an actor")
}

func TestSendTimerUnknown(t *testing.T) {
	f := newFixture(t, seedData{sessions: []types.Session{{ID: "s1", Title: "x", Index: "1"}}})
	f.start(t)
	err := f.c.SendTimer(context.Background(), "ghost", timer.CmdStart, nil)
	assert.ErrorIs(t, err, session.ErrTimerNotFound)
}

// ============================================================================
// Journal recovery
// ============================================================================

func TestJournalRecoversMissingRecords(t *testing.T) {
	kept := types.Record{ID: "kept", TimerID: "t", SessionID: "s1", FinishedAt: 1}
	lost := types.Record{ID: "lost", TimerID: "t", SessionID: "s1", FinishedAt: 2}
	f := newFixture(t, seedData{
		sessions: []types.Session{{ID: "s1", Title: "Recovery", Index: "1"}},
		records:  []types.Record{kept},
		journal:  []types.Record{kept, lost},
	})
	require.Equal(t, uint64(2), f.journal.LastSeq())

	f.start(t)
	f.flush(t)

	ids := []string{}
	for _, r := range f.records(t) {
		ids = append(ids, r.ID)
	}
	assert.ElementsMatch(t, []string{"kept", "lost"}, ids)
	assert.Equal(t, uint64(0), f.journal.LastSeq())
	assert.Equal(t, 1.0, f.counter(t, "beaver_records_persisted_total"), "only the replayed record is newly confirmed")
}

// ============================================================================
// Autostart
// ============================================================================

func TestAutostartStartsCurrentTimer(t *testing.T) {
	f := newFixture(t, seedData{
		sessions: []types.Session{{ID: "s1", Title: "Morning", Index: "1", Autostart: "0 9 * * *"}},
		timers:   []types.Timer{tdoc("t1", "s1", 60000, 1)},
	})
	f.start(t)
	assert.Equal(t, timer.ClockIdle, stateOf(f.settle(t), "s1").Queue[0].Clock)

	// epoch is 08:59; the cron fires at 09:00
	f.clk.Advance(time.Minute)
	f.settle(t)
	st := stateOf(f.settle(t), "s1")
	assert.Equal(t, timer.ClockRunning, st.Queue[0].Clock)
}

func TestAutostartIgnoresInvalidExpression(t *testing.T) {
	f := newFixture(t, seedData{sessions: []types.Session{{ID: "s1", Title: "Bad", Index: "1", Autostart: "every morning"}}})
	f.start(t)
	assert.Equal(t, 0, f.clk.Pending())
}

func TestPhaseString(t *testing.T) {
	assert.Equal(t, "spawningSessionSync", PhaseSpawningSessionSync.String())
	assert.Equal(t, "spawningTimerAndRecordSync", PhaseSpawningTimerAndRecordSync.String())
	assert.Equal(t, "idle", PhaseIdle.String())
}

func TestImportUpsertsDocuments(t *testing.T) {
	f := newFixture(t, seedData{sessions: []types.Session{{ID: "s1", Title: "Before", Index: "1"}}})
	f.start(t)

	err := f.c.Import(context.Background(), types.SnapshotData{
		Sessions: []types.Session{{ID: "s1", Title: "After", Index: "1"}, {ID: "s2", Title: "Seeded", Index: "2"}},
		Timers:   []types.Timer{tdoc("t1", "s2", 1000, 1)},
	})
	require.NoError(t, err)
	states := f.settle(t)

	require.Len(t, states, 2)
	assert.Equal(t, "After", stateOf(states, "s1").Doc.Title)
	assert.Equal(t, []string{"t1"}, stateOf(states, "s2").QueueIDs)
}
