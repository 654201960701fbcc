// ============================================================================
// Beaver-Timer Session Actor
// ============================================================================
//
// Package: internal/session
// File: session.go
//
// A session owns an ordered queue of timer actors, a cursor into it and a
// loop counter. It reconciles its queue against timer documents pushed down
// by the coordinator, advances the cursor when a child finishes and, in
// interval mode, starts the next timer itself.
//
// Lifecycle rule: actors are destroyed only by REMOVE_TIMER or Stop. An
// actor missing from a reconciliation is detached, never discarded, so an
// unrelated document edit can not reset an in-flight countdown.
//
// ============================================================================

package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ChuLiYu/beaver-timer/internal/actor"
	"github.com/ChuLiYu/beaver-timer/internal/clock"
	"github.com/ChuLiYu/beaver-timer/internal/timer"
	"github.com/ChuLiYu/beaver-timer/pkg/types"
)

// DefaultTimerDuration is the goal of a timer created by ADD.
const DefaultTimerDuration int64 = 25 * 60 * 1000

// ErrTimerNotFound is returned when a timer id is not owned by the session.
var ErrTimerNotFound = errors.New("session: timer not found")

// FinishEvent is forwarded to the coordinator after the finish-advance step.
type FinishEvent struct {
	SessionID string
	TimerID   string
	Record    *types.Record // nil for non-countable timers
	Loop      int
	Wrapped   bool // the finished timer was the last in the queue
}

// Parent receives persistence requests and finish records from a session.
type Parent interface {
	SessionTimerFinished(ev FinishEvent)
	RequestTimerCreate(sessionID string, doc types.Timer)
	RequestTimerDelete(sessionID, timerID string)
	RequestSessionPatch(sessionID string, patch map[string]any)
}

// Options configures a session actor and the timers it creates.
type Options struct {
	Clock           clock.Clock
	Alarm           timer.Alarm
	Parent          Parent
	TickInterval    time.Duration
	DefaultDuration int64
	Logger          *slog.Logger
}

// State is a consistent copy of a session's runtime state.
type State struct {
	ID              string        `json:"id"`
	Doc             types.Session `json:"doc"`
	Mode            string        `json:"mode"`
	Edit            string        `json:"edit,omitempty"`
	FreeView        string        `json:"view,omitempty"`
	IntervalView    string        `json:"interval,omitempty"`
	Cursor          int           `json:"currentTimerIdx"`
	Loop            int           `json:"loop"`
	RestartWhenDone bool          `json:"restartWhenDone"`
	TotalGoal       int64         `json:"totalGoal"`
	SelectedTimerID string        `json:"selectedTimerId,omitempty"`
	Queue           []timer.State `json:"timers"`
	QueueIDs        []string      `json:"timerIds"`
	Detached        []string      `json:"detached,omitempty"`
}

// CurrentTimerID returns the id under the cursor, or "" for an empty queue.
func (s State) CurrentTimerID() string {
	if s.Cursor < 0 || s.Cursor >= len(s.QueueIDs) {
		return ""
	}
	return s.QueueIDs[s.Cursor]
}

type entry struct {
	id        string
	timer     *timer.Actor
	doc       types.Timer
	goal      int64
	grownLoop int // loop whose growth is already in goal
	persisted bool
}

type message interface{ isSessionMessage() }

type spawnMsg struct{ docs []types.Timer }
type finishMsg struct{ f timer.Finish }
type removeMsg struct{ id string }
type commandMsg struct{ cmd Command }
type titleMsg struct{ title string }
type openModalMsg struct{ id string }
type updateMsg struct{ doc types.Session }
type snapshotMsg struct {
	ctx   context.Context
	reply chan<- State
}
type timerCmdMsg struct {
	id       string
	cmd      timer.Command
	override *int64
	reply    chan<- error
}

func (spawnMsg) isSessionMessage()     {}
func (finishMsg) isSessionMessage()    {}
func (removeMsg) isSessionMessage()    {}
func (commandMsg) isSessionMessage()   {}
func (titleMsg) isSessionMessage()     {}
func (openModalMsg) isSessionMessage() {}
func (updateMsg) isSessionMessage()    {}
func (snapshotMsg) isSessionMessage()  {}
func (timerCmdMsg) isSessionMessage()  {}

// Actor is the session actor.
type Actor struct {
	id   string
	mb   *actor.Mailbox[message]
	opts Options
	log  *slog.Logger
	done chan struct{}
	once sync.Once

	// loop goroutine only
	doc             types.Session
	queue           []*entry
	detached        map[string]*entry
	cursor          int
	loop            int
	restartWhenDone bool
	regions         regions
	selectedTimerID string
	totalGoal       int64
}

// New creates and starts a session actor from its document.
func New(doc types.Session, opts Options) *Actor {
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.DefaultDuration <= 0 {
		opts.DefaultDuration = DefaultTimerDuration
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	a := &Actor{
		id:              doc.ID,
		mb:              actor.NewMailbox[message](),
		opts:            opts,
		log:             logger.With("session", doc.ID),
		done:            make(chan struct{}),
		doc:             doc,
		detached:        make(map[string]*entry),
		restartWhenDone: true,
	}
	go a.run()
	return a
}

// ID returns the session id.
func (a *Actor) ID() string { return a.id }

// SpawnTimers reconciles the queue against the ordered timer documents.
func (a *Actor) SpawnTimers(docs []types.Timer) {
	cp := make([]types.Timer, len(docs))
	copy(cp, docs)
	a.mb.Send(spawnMsg{docs: cp})
}

// TimerFinished implements timer.Parent.
func (a *Actor) TimerFinished(f timer.Finish) { a.mb.Send(finishMsg{f: f}) }

// RemoveTimer destroys a timer and fixes up the cursor.
func (a *Actor) RemoveTimer(id string) { a.mb.Send(removeMsg{id: id}) }

// Send delivers a parameterless command.
func (a *Actor) Send(cmd Command) { a.mb.Send(commandMsg{cmd: cmd}) }

// ChangeTitle renames the session and asks the coordinator to persist it.
func (a *Actor) ChangeTitle(title string) { a.mb.Send(titleMsg{title: title}) }

// OpenTimerModal selects a timer for editing.
func (a *Actor) OpenTimerModal(id string) { a.mb.Send(openModalMsg{id: id}) }

// Update replaces the session document (metadata sync).
func (a *Actor) Update(doc types.Session) { a.mb.Send(updateMsg{doc: doc}) }

// SendTimer forwards a command to one of the session's timers.
func (a *Actor) SendTimer(ctx context.Context, id string, cmd timer.Command, override *int64) error {
	res, err := actor.Ask(ctx, a.mb, func(reply chan<- error) message {
		return timerCmdMsg{id: id, cmd: cmd, override: override, reply: reply}
	})
	if err != nil {
		return err
	}
	return res
}

// Snapshot returns the session state including every queued timer's state.
func (a *Actor) Snapshot(ctx context.Context) (State, error) {
	return actor.Ask(ctx, a.mb, func(reply chan<- State) message {
		return snapshotMsg{ctx: ctx, reply: reply}
	})
}

// Stop destroys the session and all of its timers.
func (a *Actor) Stop() {
	a.once.Do(a.mb.Close)
	<-a.done
}

func (a *Actor) run() {
	defer close(a.done)
	defer a.stopChildren()

	ctx := context.Background()
	for {
		msg, ok := a.mb.Receive(ctx)
		if !ok {
			return
		}
		a.handle(msg)
	}
}

func (a *Actor) handle(msg message) {
	switch m := msg.(type) {
	case spawnMsg:
		a.reconcile(m.docs)
	case finishMsg:
		a.advance(m.f)
	case removeMsg:
		a.remove(m.id)
	case commandMsg:
		a.command(m.cmd)
	case titleMsg:
		a.doc.Title = m.title
		a.notifyPatch(map[string]any{"title": m.title})
	case openModalMsg:
		a.openModal(m.id)
	case updateMsg:
		a.doc = m.doc
	case timerCmdMsg:
		m.reply <- a.timerCommand(m)
	case snapshotMsg:
		m.reply <- a.state(m.ctx)
	}
}

// ============================================================================
// Queue reconciliation
// ============================================================================

func (a *Actor) reconcile(docs []types.Timer) {
	live := make(map[string]*entry, len(a.queue)+len(a.detached))
	for _, e := range a.queue {
		live[e.id] = e
	}
	for id, e := range a.detached {
		live[id] = e
	}

	currentID := ""
	if a.cursor < len(a.queue) {
		currentID = a.queue[a.cursor].id
	}

	next := make([]*entry, 0, len(docs))
	seen := make(map[string]bool, len(docs))
	for _, doc := range docs {
		if seen[doc.ID] {
			continue
		}
		seen[doc.ID] = true
		doc = a.withSessionDefaults(doc)

		if e, ok := live[doc.ID]; ok {
			if doc.Duration != e.doc.Duration {
				e.goal = doc.Duration
			}
			e.doc = doc
			e.persisted = true
			e.timer.Update(doc)
			next = append(next, e)
			continue
		}
		next = append(next, a.spawn(doc, true))
	}

	// Locally added timers are not document-backed and stay queued.
	for _, e := range a.queue {
		if !e.persisted && !seen[e.id] {
			next = append(next, e)
			seen[e.id] = true
		}
	}

	detached := make(map[string]*entry)
	for id, e := range live {
		if !seen[id] {
			detached[id] = e
		}
	}
	if n := len(detached) - len(a.detached); n > 0 {
		a.log.Debug("Detached timers missing from documents", "count", n)
	}

	a.queue = next
	a.detached = detached
	a.cursor = a.indexOrClamp(currentID)
	a.recomputeGoal()
}

func (a *Actor) spawn(doc types.Timer, persisted bool) *entry {
	t := timer.New(doc, timer.Options{
		Clock:        a.opts.Clock,
		Alarm:        a.opts.Alarm,
		Parent:       a,
		TickInterval: a.opts.TickInterval,
		Logger:       a.opts.Logger,
	})
	return &entry{id: doc.ID, timer: t, doc: doc, goal: doc.Duration, persisted: persisted}
}

// withSessionDefaults fills fields a timer inherits from its session.
func (a *Actor) withSessionDefaults(doc types.Timer) types.Timer {
	if doc.Sound == "" {
		doc.Sound = a.doc.Sound
	}
	if doc.SessionID == "" {
		doc.SessionID = a.id
	}
	return doc
}

func (a *Actor) indexOf(id string) int {
	for i, e := range a.queue {
		if e.id == id {
			return i
		}
	}
	return -1
}

func (a *Actor) indexOrClamp(id string) int {
	if i := a.indexOf(id); i >= 0 {
		return i
	}
	if a.cursor >= len(a.queue) {
		return 0
	}
	return a.cursor
}

func (a *Actor) recomputeGoal() {
	var total int64
	for _, e := range a.queue {
		total += e.goal
	}
	a.totalGoal = total
}

// ============================================================================
// Finish-advance
// ============================================================================

func (a *Actor) advance(f timer.Finish) {
	idx := a.indexOf(f.TimerID)
	if idx < 0 {
		// stale: the timer was removed or detached since it fired
		return
	}

	n := len(a.queue)
	a.cursor = (idx + 1) % n
	wrapped := idx == n-1
	if wrapped {
		a.loop++
	}

	if f.Record != nil {
		f.Record.SessionID = a.id
		f.Record.SessionTitle = a.doc.Title
	}
	if a.opts.Parent != nil {
		a.opts.Parent.SessionTimerFinished(FinishEvent{
			SessionID: a.id,
			TimerID:   f.TimerID,
			Record:    f.Record,
			Loop:      a.loop,
			Wrapped:   wrapped,
		})
	}

	if a.regions.mode == ModeInterval && !(wrapped && !a.restartWhenDone) {
		a.startCurrent()
	}
	a.recomputeGoal()

	a.log.Debug("Advanced queue", "timer", f.TimerID, "cursor", a.cursor, "loop", a.loop)
}

// startCurrent starts the timer under the cursor. Past the first loop its
// goal grows at most once per loop value; a START the timer ignores while
// running or paused does not grow it again.
func (a *Actor) startCurrent() {
	if len(a.queue) == 0 {
		return
	}
	e := a.queue[a.cursor]
	if a.loop > 0 && e.doc.Growable() {
		if e.grownLoop != a.loop {
			e.goal = e.doc.Growth.Apply(e.goal)
			e.grownLoop = a.loop
		}
		goal := e.goal
		e.timer.Start(&goal)
		return
	}
	e.timer.Start(nil)
}

// ============================================================================
// Removal
// ============================================================================

func (a *Actor) remove(id string) {
	idx := a.indexOf(id)
	if idx < 0 {
		if e, ok := a.detached[id]; ok {
			delete(a.detached, id)
			a.destroy(e)
		}
		return
	}

	e := a.queue[idx]
	wasCurrent := idx == a.cursor
	currentID := ""
	if !wasCurrent && a.cursor < len(a.queue) {
		currentID = a.queue[a.cursor].id
	}

	a.queue = append(a.queue[:idx:idx], a.queue[idx+1:]...)
	switch {
	case len(a.queue) == 0:
		a.cursor = 0
	case wasCurrent:
		a.cursor = idx % len(a.queue)
	default:
		a.cursor = a.indexOf(currentID)
	}
	if a.selectedTimerID == id {
		a.selectedTimerID = ""
	}
	a.destroy(e)
	a.recomputeGoal()
}

func (a *Actor) destroy(e *entry) {
	e.timer.Stop()
	if e.persisted && a.opts.Parent != nil {
		a.opts.Parent.RequestTimerDelete(a.id, e.id)
	}
}

// ============================================================================
// Commands
// ============================================================================

func (a *Actor) command(cmd Command) {
	switch cmd {
	case CmdRestart:
		a.cursor = 0
	case CmdAdd:
		a.add()
	case CmdToggleRestart:
		a.restartWhenDone = !a.restartWhenDone
	case CmdCollapseTimers:
		a.broadcast(timer.CmdCollapse)
	case CmdOpenTimers:
		a.broadcast(timer.CmdOpen)
	case CmdStartCurrent:
		a.startCurrent()
		a.recomputeGoal()
	case CmdCloseTimerModal:
		if a.regions.mode == ModeFree && a.regions.freeView == FreeViewModal {
			a.regions.freeView = FreeViewIdle
		} else {
			a.regions.toggle(cmd)
		}
		a.selectedTimerID = ""
	default:
		if !a.regions.toggle(cmd) {
			a.log.Debug("Ignoring command", "command", cmd, "mode", a.regions.mode)
		}
	}
}

func (a *Actor) add() {
	doc := types.Timer{
		ID:        uuid.NewString(),
		Label:     fmt.Sprintf("Timer %d", len(a.queue)+1),
		SessionID: a.id,
		CreatedAt: a.opts.Clock.Now().UnixMilli(),
		Countable: true,
		Duration:  a.opts.DefaultDuration,
	}

	if a.regions.mode == ModeInterval {
		// interval queues are document-driven; the timer shows up via SPAWN_TIMERS
		if a.opts.Parent != nil {
			a.opts.Parent.RequestTimerCreate(a.id, doc)
		}
		return
	}

	a.queue = append(a.queue, a.spawn(a.withSessionDefaults(doc), false))
	a.recomputeGoal()
}

func (a *Actor) broadcast(cmd timer.Command) {
	for _, e := range a.queue {
		e.timer.Send(cmd)
	}
}

func (a *Actor) openModal(id string) {
	if a.indexOf(id) < 0 {
		return
	}
	a.selectedTimerID = id
	if a.regions.mode == ModeInterval {
		a.regions.interval = IntervalTimerModal
	} else {
		a.regions.freeView = FreeViewModal
	}
}

func (a *Actor) notifyPatch(patch map[string]any) {
	if a.opts.Parent != nil {
		a.opts.Parent.RequestSessionPatch(a.id, patch)
	}
}

func (a *Actor) timerCommand(m timerCmdMsg) error {
	var e *entry
	if i := a.indexOf(m.id); i >= 0 {
		e = a.queue[i]
	} else if d, ok := a.detached[m.id]; ok {
		e = d
	}
	if e == nil {
		return fmt.Errorf("%w: %s", ErrTimerNotFound, m.id)
	}
	if m.cmd == timer.CmdStart {
		e.timer.Start(m.override)
		return nil
	}
	e.timer.Send(m.cmd)
	return nil
}

// ============================================================================
// Snapshot / shutdown
// ============================================================================

func (a *Actor) state(ctx context.Context) State {
	s := State{
		ID:              a.id,
		Doc:             a.doc,
		Mode:            a.regions.mode.String(),
		Cursor:          a.cursor,
		Loop:            a.loop,
		RestartWhenDone: a.restartWhenDone,
		TotalGoal:       a.totalGoal,
		SelectedTimerID: a.selectedTimerID,
		Queue:           make([]timer.State, 0, len(a.queue)),
		QueueIDs:        make([]string, 0, len(a.queue)),
	}
	if a.regions.mode == ModeFree {
		s.Edit = a.regions.edit.String()
		s.FreeView = a.regions.freeView.String()
	} else {
		s.IntervalView = a.regions.interval.String()
	}
	for _, e := range a.queue {
		s.QueueIDs = append(s.QueueIDs, e.id)
		ts, err := e.timer.Snapshot(ctx)
		if err != nil {
			a.log.Warn("Timer snapshot failed", "timer", e.id, "error", err)
			continue
		}
		s.Queue = append(s.Queue, ts)
	}
	for id := range a.detached {
		s.Detached = append(s.Detached, id)
	}
	sort.Strings(s.Detached)
	return s
}

func (a *Actor) stopChildren() {
	for _, e := range a.queue {
		e.timer.Stop()
	}
	for _, e := range a.detached {
		e.timer.Stop()
	}
}
