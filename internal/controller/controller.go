// ============================================================================
// Beaver-Timer 協調者 - Session Coordinator
// ============================================================================
//
// Package: internal/controller
// 文件: controller.go
// 功能: 系統唯一的協調者，建立持久化同步者、工作階段 actor，並分發計時器文件
//
// 啟動三階段:
//   1. spawningSessionSync - 載入 sessions 集合，每份文件建立一個 SessionActor
//   2. spawningTimerAndRecordSync - 載入 timers 與 records；timers 依 sessionId
//      分組、依優先度排序後交給對應的 SessionActor
//   3. idle - 之後的變更事件依集合標籤路由
//
// 事件路由 (idle):
//   - timers 變更：重新分組、排序、分發到所有工作階段
//   - sessions 變更：新文件建立 actor，既有 actor 收到 UPDATE_SESSION
//   - records 變更：確認日誌中的紀錄已寫入，全部確認後輪替日誌
//
// 完成紀錄:
//   SessionActor 轉交的完成紀錄先寫入 journal（write-ahead），再送往 records
//   同步者；重啟時日誌中未出現在集合的紀錄會重新建立。
//
// 並發模型:
//   協調者本身也是 actor：一個 goroutine 依序處理信箱中的訊息，
//   所有欄位只由該 goroutine 讀寫；外部透過 Ask 取得一致的副本。
//
// ============================================================================

package controller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/ChuLiYu/beaver-timer/internal/actor"
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
// 錯誤定義
// ============================================================================

var (
	// ErrSessionNotFound 工作階段不存在
	ErrSessionNotFound = errors.New("controller: session not found")
	// ErrNotReady 協調者尚未進入 idle
	ErrNotReady = errors.New("controller: still bootstrapping")
	// ErrStopped 協調者已停止
	ErrStopped = errors.New("controller: stopped")
)

// ============================================================================
// 資料結構定義
// ============================================================================

// Phase 協調者啟動階段
type Phase int32

const (
	PhaseSpawningSessionSync Phase = iota
	PhaseSpawningTimerAndRecordSync
	PhaseIdle
)

func (p Phase) String() string {
	switch p {
	case PhaseSpawningTimerAndRecordSync:
		return "spawningTimerAndRecordSync"
	case PhaseIdle:
		return "idle"
	}
	return "spawningSessionSync"
}

// Config 協調者配置
type Config struct {
	Clock           clock.Clock         // 時間來源（測試用 clock.Fake）
	Alarm           timer.Alarm         // 鬧鈴協作者
	TickInterval    time.Duration       // 計時器 tick 間隔
	DefaultDuration int64               // ADD 建立的計時器時長（毫秒）
	Retry           docsync.RetryConfig // 持久化重試策略
	Journal         *journal.Journal    // 完成紀錄日誌（可選）
	Metrics         *metrics.Collector  // 監控指標（可選）
	Logger          *slog.Logger
}

// Coordinator 工作階段協調者
type Coordinator struct {
	cfg Config
	log *slog.Logger

	sessionsSync *docsync.Syncer[types.Session]
	timersSync   *docsync.Syncer[types.Timer]
	recordsSync  *docsync.Syncer[types.Record]

	mb      *actor.Mailbox[message]
	phase   atomic.Int32
	idle    chan struct{} // 進入 idle 時關閉
	done    chan struct{}
	started atomic.Bool
	once    sync.Once

	// loop goroutine only
	sessions      map[string]*session.Actor
	sessionDocs   map[string]types.Session
	timerDocs     []types.Timer
	recordsLoaded bool
	unconfirmed   map[string]struct{} // 已寫入日誌、尚未出現在 records 集合的紀錄
	sessionWrites int                 // 已送出、尚未回報 changed 或失敗的 sessions 寫入
	requested     map[string]struct{} // 已送出建立、等待 records 集合確認的紀錄
	autostart     *autostart
}

// ============================================================================
// 訊息定義
// ============================================================================

type message interface{ isCoordinatorMessage() }

// collectionMsg 持久化事件，依 Collection 標籤路由
type collectionMsg struct {
	coll     types.Collection
	kind     docsync.EventKind
	sessions []types.Session
	timers   []types.Timer
	records  []types.Record
}

type startMsg struct{}
type finishMsg struct{ ev session.FinishEvent }
type timerCreateMsg struct {
	sessionID string
	doc       types.Timer
}
type timerDeleteMsg struct{ sessionID, timerID string }
type sessionPatchMsg struct {
	sessionID string
	patch     map[string]any
}
type autostartMsg struct {
	sessionID string
	gen       uint64
}
type queryMsg struct {
	fn    func()
	reply chan<- struct{}
}
type persistFailedMsg struct{ coll types.Collection }

func (collectionMsg) isCoordinatorMessage()    {}
func (startMsg) isCoordinatorMessage()         {}
func (finishMsg) isCoordinatorMessage()        {}
func (timerCreateMsg) isCoordinatorMessage()   {}
func (timerDeleteMsg) isCoordinatorMessage()   {}
func (sessionPatchMsg) isCoordinatorMessage()  {}
func (autostartMsg) isCoordinatorMessage()     {}
func (queryMsg) isCoordinatorMessage()         {}
func (persistFailedMsg) isCoordinatorMessage() {}

// ============================================================================
// 核心方法實作
// ============================================================================

// New 建立協調者與三個持久化同步者；呼叫 Start 後才開始載入
//
// 參數：
//   - backend: 文件儲存（docstore.Store）
//   - cfg: 協調者配置
//
// 返回值：
//   - *Coordinator: 協調者實例
func New(backend docsync.Backend, cfg Config) *Coordinator {
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	c := &Coordinator{
		cfg:         cfg,
		log:         cfg.Logger.With("component", "coordinator"),
		mb:          actor.NewMailbox[message](),
		idle:        make(chan struct{}),
		done:        make(chan struct{}),
		sessions:    make(map[string]*session.Actor),
		sessionDocs: make(map[string]types.Session),
		unconfirmed: make(map[string]struct{}),
		requested:   make(map[string]struct{}),
	}
	c.autostart = newAutostart(cfg.Clock, c.log, func(id string, gen uint64) {
		c.mb.Send(autostartMsg{sessionID: id, gen: gen})
	})

	syncOpts := docsync.Options{
		Retry:  cfg.Retry,
		Clock:  cfg.Clock,
		Logger: cfg.Logger,
		OnFailure: func(coll types.Collection, _ error) {
			cfg.Metrics.RecordPersistenceFailure(string(coll))
			c.mb.Send(persistFailedMsg{coll: coll})
		},
	}
	c.sessionsSync = docsync.New(types.CollectionSessions, backend, func(ev docsync.Event[types.Session]) {
		c.mb.Send(collectionMsg{coll: ev.Collection, kind: ev.Kind, sessions: ev.Docs})
	}, syncOpts)
	c.timersSync = docsync.New(types.CollectionTimers, backend, func(ev docsync.Event[types.Timer]) {
		c.mb.Send(collectionMsg{coll: ev.Collection, kind: ev.Kind, timers: ev.Docs})
	}, syncOpts)
	c.recordsSync = docsync.New(types.CollectionRecords, backend, func(ev docsync.Event[types.Record]) {
		c.mb.Send(collectionMsg{coll: ev.Collection, kind: ev.Kind, records: ev.Docs})
	}, syncOpts)

	cfg.Metrics.SetPhase(PhaseSpawningSessionSync.String())
	go c.run()
	return c
}

// Start 開始第一階段：載入 sessions 集合
func (c *Coordinator) Start() {
	if c.started.CompareAndSwap(false, true) {
		c.mb.Send(startMsg{})
	}
}

// Phase 返回目前階段
func (c *Coordinator) Phase() Phase { return Phase(c.phase.Load()) }

// WaitIdle 等待協調者進入 idle
func (c *Coordinator) WaitIdle(ctx context.Context) error {
	select {
	case <-c.idle:
		return nil
	case <-c.done:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SessionsSync 返回 sessions 集合的同步者
func (c *Coordinator) SessionsSync() *docsync.Syncer[types.Session] { return c.sessionsSync }

// TimersSync 返回 timers 集合的同步者
func (c *Coordinator) TimersSync() *docsync.Syncer[types.Timer] { return c.timersSync }

// RecordsSync 返回 records 集合的同步者
func (c *Coordinator) RecordsSync() *docsync.Syncer[types.Record] { return c.recordsSync }

// Sessions 返回所有工作階段 actor，依 index 排序
func (c *Coordinator) Sessions(ctx context.Context) ([]*session.Actor, error) {
	var out []*session.Actor
	err := c.query(ctx, func() { out = c.orderedSessions() })
	return out, err
}

// Session 依 id 取得工作階段 actor
func (c *Coordinator) Session(ctx context.Context, id string) (*session.Actor, error) {
	var a *session.Actor
	if err := c.query(ctx, func() { a = c.sessions[id] }); err != nil {
		return nil, err
	}
	if a == nil {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	return a, nil
}

// Snapshot 返回所有工作階段的狀態（依 index 排序）
//
// 每個工作階段的快照在呼叫者的 goroutine 中收集，不阻塞協調者。
func (c *Coordinator) Snapshot(ctx context.Context) ([]session.State, error) {
	actors, err := c.Sessions(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]session.State, 0, len(actors))
	for _, a := range actors {
		st, err := a.Snapshot(ctx)
		if err != nil {
			if errors.Is(err, actor.ErrClosed) {
				continue // 剛被刪除
			}
			return nil, err
		}
		out = append(out, st)
	}
	return out, nil
}

// Flush 等待協調者與三個同步者處理完目前所有請求，並吸收其回傳的事件
func (c *Coordinator) Flush(ctx context.Context) error {
	if err := c.query(ctx, func() {}); err != nil {
		return err
	}
	for _, flush := range []func(context.Context) error{c.sessionsSync.Flush, c.timersSync.Flush, c.recordsSync.Flush} {
		if err := flush(ctx); err != nil {
			return err
		}
	}
	return c.query(ctx, func() {})
}

// CreateSession 建立工作階段文件；actor 於 changed 事件到達時建立
//
// 未指定 ID 時產生 UUID；未指定 Index 時排在最後一個頂層工作階段之後。
func (c *Coordinator) CreateSession(ctx context.Context, doc types.Session) (types.Session, error) {
	err := c.queryIdle(ctx, func() error {
		if doc.ID == "" {
			doc.ID = uuid.NewString()
		}
		if doc.Index == "" {
			doc.Index = c.nextTopLevelIndex()
		}
		if doc.Timers == nil {
			doc.Timers = []string{}
		}
		c.sessionDocs[doc.ID] = doc
		c.sessionWrites++
		c.sessionsSync.Create(doc)
		return nil
	})
	return doc, err
}

// CreateTimer 建立計時器文件並將其 id 加到所屬工作階段的 timers 清單
func (c *Coordinator) CreateTimer(ctx context.Context, doc types.Timer) (types.Timer, error) {
	err := c.queryIdle(ctx, func() error {
		if _, ok := c.sessionDocs[doc.SessionID]; !ok {
			return fmt.Errorf("%w: %s", ErrSessionNotFound, doc.SessionID)
		}
		doc = c.createTimer(doc.SessionID, doc)
		return nil
	})
	return doc, err
}

// DeleteSession 明確刪除工作階段：銷毀 actor，刪除文件與其計時器
func (c *Coordinator) DeleteSession(ctx context.Context, id string) error {
	return c.queryIdle(ctx, func() error {
		a, ok := c.sessions[id]
		_, known := c.sessionDocs[id]
		if !ok && !known {
			return fmt.Errorf("%w: %s", ErrSessionNotFound, id)
		}
		if ok {
			a.Stop()
			delete(c.sessions, id)
		}
		delete(c.sessionDocs, id)
		c.autostart.remove(id)

		ops := make([]docstore.Op, 0)
		for _, t := range c.timerDocs {
			if t.SessionID == id {
				ops = append(ops, docstore.Op{Kind: docstore.OpDelete, ID: t.ID})
			}
		}
		c.timersSync.Batch(ops)
		c.sessionWrites++
		c.sessionsSync.Delete(id)
		c.cfg.Metrics.SetSessions(len(c.sessions))
		c.log.Info("Session deleted", "session", id, "timers", len(ops))
		return nil
	})
}

// MoveSession 與相鄰的兄弟工作階段交換 index，兩筆更新以單一批次套用
func (c *Coordinator) MoveSession(ctx context.Context, id string, dir ordering.Direction) error {
	return c.queryIdle(ctx, func() error {
		doc, ok := c.sessionDocs[id]
		if !ok {
			return fmt.Errorf("%w: %s", ErrSessionNotFound, id)
		}
		updates, err := ordering.Swap(c.siblings(doc), id, dir)
		if err != nil {
			return err
		}
		ops := make([]docstore.Op, 0, len(updates))
		for _, u := range updates {
			ops = append(ops, docstore.Op{Kind: docstore.OpUpdate, ID: u.ID, Patch: map[string]any{"index": u.Index}})
			// 本地副本立即更新，連續移動以最新的 index 計算
			sib := c.sessionDocs[u.ID]
			sib.Index = u.Index
			c.sessionDocs[u.ID] = sib
		}
		c.sessionWrites++
		c.sessionsSync.Batch(ops)
		return nil
	})
}

// Import 以 upsert 套用一份快照（種子檔重新載入時使用）
//
// 文件經由同步者寫入，actor 的建立與更新跟隨 changed 事件；
// 快照中沒有的文件不受影響。
func (c *Coordinator) Import(ctx context.Context, data types.SnapshotData) error {
	return c.queryIdle(ctx, func() error {
		if len(data.Sessions) > 0 {
			c.sessionWrites++
			c.sessionsSync.Create(data.Sessions...)
		}
		if len(data.Timers) > 0 {
			c.timersSync.Create(data.Timers...)
		}
		if len(data.Records) > 0 {
			c.recordsSync.Create(data.Records...)
		}
		c.log.Info("Snapshot imported", "sessions", len(data.Sessions), "timers", len(data.Timers), "records", len(data.Records))
		return nil
	})
}

// SendTimer 找到持有該計時器的工作階段並轉交指令
func (c *Coordinator) SendTimer(ctx context.Context, timerID string, cmd timer.Command, override *int64) error {
	var candidates []*session.Actor
	err := c.query(ctx, func() {
		owner := ""
		for _, t := range c.timerDocs {
			if t.ID == timerID {
				owner = t.SessionID
				break
			}
		}
		if a, ok := c.sessions[owner]; ok {
			candidates = append(candidates, a)
		}
		// 自由模式的本地計時器沒有文件
		for _, a := range c.orderedSessions() {
			if a.ID() != owner {
				candidates = append(candidates, a)
			}
		}
	})
	if err != nil {
		return err
	}
	for _, a := range candidates {
		err := a.SendTimer(ctx, timerID, cmd, override)
		if errors.Is(err, session.ErrTimerNotFound) || errors.Is(err, actor.ErrClosed) {
			continue
		}
		return err
	}
	return fmt.Errorf("%w: %s", session.ErrTimerNotFound, timerID)
}

// Stop 停止協調者、所有工作階段與同步者
//
// 同步者會先盡量寫完手上的請求（最多等 5 秒）。
func (c *Coordinator) Stop() {
	c.once.Do(c.mb.Close)
	<-c.done

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for _, flush := range []func(context.Context) error{c.sessionsSync.Flush, c.timersSync.Flush, c.recordsSync.Flush} {
		if err := flush(ctx); err != nil {
			c.log.Warn("Persistence not flushed before shutdown", "error", err)
		}
	}
	c.sessionsSync.Stop()
	c.timersSync.Stop()
	c.recordsSync.Stop()
	c.log.Info("Coordinator stopped")
}

// ============================================================================
// session.Parent 實作（由工作階段 goroutine 呼叫，只投遞訊息）
// ============================================================================

// SessionTimerFinished 接收工作階段轉交的完成事件
func (c *Coordinator) SessionTimerFinished(ev session.FinishEvent) { c.mb.Send(finishMsg{ev: ev}) }

// RequestTimerCreate 互動模式 ADD：建立計時器文件
func (c *Coordinator) RequestTimerCreate(sessionID string, doc types.Timer) {
	c.mb.Send(timerCreateMsg{sessionID: sessionID, doc: doc})
}

// RequestTimerDelete 刪除已持久化的計時器
func (c *Coordinator) RequestTimerDelete(sessionID, timerID string) {
	c.mb.Send(timerDeleteMsg{sessionID: sessionID, timerID: timerID})
}

// RequestSessionPatch 更新工作階段文件
func (c *Coordinator) RequestSessionPatch(sessionID string, patch map[string]any) {
	c.mb.Send(sessionPatchMsg{sessionID: sessionID, patch: patch})
}

// ============================================================================
// 主循環
// ============================================================================

func (c *Coordinator) run() {
	defer close(c.done)
	defer c.shutdown()

	for {
		msg, ok := c.mb.Receive(context.Background())
		if !ok {
			return
		}
		c.handle(msg)
	}
}

func (c *Coordinator) handle(msg message) {
	switch m := msg.(type) {
	case startMsg:
		c.log.Info("Coordinator starting", "phase", c.Phase().String())
		c.sessionsSync.Load()
	case collectionMsg:
		c.route(m)
	case finishMsg:
		c.finished(m.ev)
	case timerCreateMsg:
		if _, ok := c.sessionDocs[m.sessionID]; !ok {
			c.log.Debug("Timer create for unknown session ignored", "session", m.sessionID)
			return
		}
		c.createTimer(m.sessionID, m.doc)
	case timerDeleteMsg:
		c.deleteTimer(m.sessionID, m.timerID)
	case sessionPatchMsg:
		if doc, ok := c.sessionDocs[m.sessionID]; ok {
			if title, ok := m.patch["title"].(string); ok {
				doc.Title = title
				c.sessionDocs[m.sessionID] = doc
			}
		}
		c.sessionWrites++
		c.sessionsSync.Update(m.sessionID, m.patch)
	case autostartMsg:
		if a, ok := c.sessions[m.sessionID]; ok && c.autostart.fire(m.sessionID, m.gen) {
			c.log.Info("Autostarting session", "session", m.sessionID)
			a.Send(session.CmdStartCurrent)
		}
	case queryMsg:
		m.fn()
		m.reply <- struct{}{}
	case persistFailedMsg:
		// 失敗的寫入不會有 changed 事件；最後一筆失敗時重新載入以對齊儲存內容
		if m.coll == types.CollectionSessions && c.sessionWriteDone() && c.sessionWrites == 0 {
			c.sessionsSync.Load()
		}
	}
}

// route 依集合標籤分派持久化事件
func (c *Coordinator) route(m collectionMsg) {
	switch m.coll {
	case types.CollectionSessions:
		c.sessionsChanged(m.kind, m.sessions)
	case types.CollectionTimers:
		c.timersChanged(m.kind, m.timers)
	case types.CollectionRecords:
		c.recordsChanged(m.kind, m.records)
	}
}

func (c *Coordinator) sessionsChanged(kind docsync.EventKind, docs []types.Session) {
	if kind == docsync.EventChanged {
		c.sessionWriteDone()
	}
	if c.sessionWrites > 0 {
		// 落後於本地副本；最後一筆寫入的事件帶有完整內容
		return
	}

	current := make(map[string]struct{}, len(docs))
	for _, doc := range docs {
		current[doc.ID] = struct{}{}
	}
	// 文件消失不銷毀 actor，只停止排程並移除本地副本
	for id := range c.sessionDocs {
		if _, ok := current[id]; !ok {
			delete(c.sessionDocs, id)
			c.autostart.remove(id)
		}
	}

	for _, doc := range docs {
		if a, ok := c.sessions[doc.ID]; ok {
			if kind == docsync.EventChanged || c.Phase() == PhaseIdle {
				a.Update(doc)
			}
		} else {
			c.sessions[doc.ID] = c.spawnSession(doc)
		}
		c.sessionDocs[doc.ID] = doc
		c.autostart.schedule(doc.ID, doc.Autostart)
	}
	c.cfg.Metrics.SetSessions(len(c.sessions))

	switch c.Phase() {
	case PhaseSpawningSessionSync:
		c.log.Info("Sessions loaded", "count", len(docs))
		c.setPhase(PhaseSpawningTimerAndRecordSync)
		c.timersSync.Load()
		c.recordsSync.Load()
	case PhaseIdle:
		// 新的工作階段可能已有計時器文件
		c.distribute()
	}
}

func (c *Coordinator) timersChanged(kind docsync.EventKind, docs []types.Timer) {
	c.timerDocs = docs
	if c.Phase() == PhaseSpawningSessionSync {
		return
	}
	c.distribute()
	if kind == docsync.EventLoaded && c.Phase() == PhaseSpawningTimerAndRecordSync {
		c.log.Info("Timers loaded", "count", len(docs), "sessions", len(c.sessions))
		c.setPhase(PhaseIdle)
		close(c.idle)
	}
}

func (c *Coordinator) recordsChanged(kind docsync.EventKind, docs []types.Record) {
	present := make(map[string]struct{}, len(docs))
	for _, r := range docs {
		present[r.ID] = struct{}{}
	}

	if kind == docsync.EventLoaded && !c.recordsLoaded {
		c.recordsLoaded = true
		c.recoverJournal(present)
	}

	for id := range c.unconfirmed {
		if _, ok := present[id]; ok {
			delete(c.unconfirmed, id)
		}
	}
	for id := range c.requested {
		if _, ok := present[id]; ok {
			delete(c.requested, id)
			c.cfg.Metrics.RecordPersisted()
		}
	}
	if c.recordsLoaded && len(c.unconfirmed) == 0 && c.cfg.Journal.LastSeq() > 0 {
		if err := c.cfg.Journal.Rotate(); err != nil {
			c.log.Error("Failed to rotate journal", "error", err)
		}
	}
}

// recoverJournal 重新建立日誌中有、集合中沒有的紀錄
func (c *Coordinator) recoverJournal(present map[string]struct{}) {
	if c.cfg.Journal == nil {
		return
	}
	var missing []types.Record
	err := c.cfg.Journal.Replay(func(e journal.Entry) error {
		if _, ok := present[e.Record.ID]; !ok {
			if _, dup := c.unconfirmed[e.Record.ID]; !dup {
				missing = append(missing, e.Record)
				c.unconfirmed[e.Record.ID] = struct{}{}
			}
		}
		return nil
	})
	if err != nil {
		c.log.Warn("Journal replay stopped early", "error", err, "recovered", len(missing))
	}
	if len(missing) > 0 {
		c.log.Info("Recovering journaled records", "count", len(missing))
		for _, r := range missing {
			c.requested[r.ID] = struct{}{}
		}
		c.recordsSync.Create(missing...)
	}
}

// sessionWriteDone 記錄一筆 sessions 寫入已回報，沒有待回報的寫入時返回 false
func (c *Coordinator) sessionWriteDone() bool {
	if c.sessionWrites == 0 {
		return false
	}
	c.sessionWrites--
	return true
}

// distribute 依 sessionId 分組、排序後交給每個工作階段（包含空清單）
func (c *Coordinator) distribute() {
	groups := make(map[string][]types.Timer, len(c.sessions))
	for _, t := range c.timerDocs {
		if _, ok := c.sessions[t.SessionID]; !ok {
			c.log.Debug("Timer without a session", "timer", t.ID, "session", t.SessionID)
			continue
		}
		groups[t.SessionID] = append(groups[t.SessionID], t)
	}
	for id, a := range c.sessions {
		docs := groups[id]
		ordering.SortTimers(docs)
		a.SpawnTimers(docs)
	}
}

func (c *Coordinator) finished(ev session.FinishEvent) {
	var final time.Duration
	if ev.Record != nil {
		final = time.Duration(ev.Record.FinalDuration) * time.Millisecond
	}
	c.cfg.Metrics.RecordTimerFinished(final)
	if ev.Wrapped {
		c.cfg.Metrics.RecordSessionLoop()
	}
	if ev.Record == nil {
		return
	}

	rec := *ev.Record
	if c.cfg.Journal != nil {
		if _, err := c.cfg.Journal.Append(rec); err != nil {
			c.log.Error("Failed to journal record", "record", rec.ID, "error", err)
		} else {
			c.unconfirmed[rec.ID] = struct{}{}
		}
	}
	c.requested[rec.ID] = struct{}{}
	c.recordsSync.Create(rec)
	c.log.Debug("Record submitted", "record", rec.ID, "timer", rec.TimerID, "session", rec.SessionID, "loop", ev.Loop)
}

// createTimer 建立計時器文件並附加到工作階段的 timers 清單
//
// 本地副本立即更新，連續兩次建立不會互相覆蓋清單。
func (c *Coordinator) createTimer(sessionID string, doc types.Timer) types.Timer {
	if doc.ID == "" {
		doc.ID = uuid.NewString()
	}
	doc.SessionID = sessionID
	if doc.CreatedAt == 0 {
		doc.CreatedAt = c.cfg.Clock.Now().UnixMilli()
	}
	if doc.Duration <= 0 {
		doc.Duration = c.cfg.DefaultDuration
		if doc.Duration <= 0 {
			doc.Duration = session.DefaultTimerDuration
		}
	}
	c.timersSync.Create(doc)

	sess := c.sessionDocs[sessionID]
	sess.Timers = append(append([]string(nil), sess.Timers...), doc.ID)
	c.sessionDocs[sessionID] = sess
	c.sessionWrites++
	c.sessionsSync.Update(sessionID, map[string]any{"timers": sess.Timers})
	return doc
}

func (c *Coordinator) deleteTimer(sessionID, timerID string) {
	c.timersSync.Delete(timerID)

	sess, ok := c.sessionDocs[sessionID]
	if !ok {
		return
	}
	kept := make([]string, 0, len(sess.Timers))
	for _, id := range sess.Timers {
		if id != timerID {
			kept = append(kept, id)
		}
	}
	if len(kept) == len(sess.Timers) {
		return
	}
	sess.Timers = kept
	c.sessionDocs[sessionID] = sess
	c.sessionWrites++
	c.sessionsSync.Update(sessionID, map[string]any{"timers": kept})
}

func (c *Coordinator) spawnSession(doc types.Session) *session.Actor {
	c.log.Debug("Spawning session", "session", doc.ID, "title", doc.Title)
	return session.New(doc, session.Options{
		Clock:           c.cfg.Clock,
		Alarm:           c.cfg.Alarm,
		Parent:          c,
		TickInterval:    c.cfg.TickInterval,
		DefaultDuration: c.cfg.DefaultDuration,
		Logger:          c.cfg.Logger,
	})
}

func (c *Coordinator) setPhase(p Phase) {
	c.phase.Store(int32(p))
	c.cfg.Metrics.SetPhase(p.String())
	c.log.Info("Coordinator phase", "phase", p.String())
}

func (c *Coordinator) shutdown() {
	c.autostart.stop()
	for id, a := range c.sessions {
		a.Stop()
		delete(c.sessions, id)
	}
	c.cfg.Metrics.SetSessions(0)
}

// ============================================================================
// 內部輔助方法
// ============================================================================

// query 在協調者 goroutine 中執行 fn 並等待完成
func (c *Coordinator) query(ctx context.Context, fn func()) error {
	_, err := actor.Ask(ctx, c.mb, func(reply chan<- struct{}) message {
		return queryMsg{fn: fn, reply: reply}
	})
	if errors.Is(err, actor.ErrClosed) {
		return ErrStopped
	}
	return err
}

// queryIdle 與 query 相同，但要求已進入 idle
func (c *Coordinator) queryIdle(ctx context.Context, fn func() error) error {
	var inner error
	err := c.query(ctx, func() {
		if c.Phase() != PhaseIdle {
			inner = ErrNotReady
			return
		}
		inner = fn()
	})
	if err != nil {
		return err
	}
	return inner
}

// orderedSessions 依文件 index 排序；沒有文件的 actor 依 id 排在最後
func (c *Coordinator) orderedSessions() []*session.Actor {
	docs := make([]types.Session, 0, len(c.sessionDocs))
	for id, d := range c.sessionDocs {
		if _, ok := c.sessions[id]; ok {
			docs = append(docs, d)
		}
	}
	sort.Slice(docs, func(i, j int) bool { return docs[i].ID < docs[j].ID })
	ordering.SortByIndex(docs)

	out := make([]*session.Actor, 0, len(c.sessions))
	seen := make(map[string]bool, len(docs))
	for _, d := range docs {
		out = append(out, c.sessions[d.ID])
		seen[d.ID] = true
	}
	var rest []string
	for id := range c.sessions {
		if !seen[id] {
			rest = append(rest, id)
		}
	}
	sort.Strings(rest)
	for _, id := range rest {
		out = append(out, c.sessions[id])
	}
	return out
}

// siblings 與 doc 同一層、同一父節點的工作階段
func (c *Coordinator) siblings(doc types.Session) []types.Session {
	parent := parentIndex(doc.Index)
	depth := strings.Count(doc.Index, ".")
	var out []types.Session
	for _, d := range c.sessionDocs {
		if strings.Count(d.Index, ".") == depth && parentIndex(d.Index) == parent {
			out = append(out, d)
		}
	}
	return out
}

// nextTopLevelIndex 最大的頂層 index 加一
func (c *Coordinator) nextTopLevelIndex() string {
	max := 0
	for _, d := range c.sessionDocs {
		head, _, _ := strings.Cut(d.Index, ".")
		if n, err := strconv.Atoi(head); err == nil && n > max {
			max = n
		}
	}
	return strconv.Itoa(max + 1)
}

func parentIndex(index string) string {
	if i := strings.LastIndex(index, "."); i >= 0 {
		return index[:i]
	}
	return ""
}
