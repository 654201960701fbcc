// ============================================================================
// Beaver-Timer 計時器 Actor - 漂移修正的倒數狀態機
// ============================================================================
//
// Package: internal/timer
// 文件: timer.go
// 功能: 每個計時器一個 Actor，擁有自己的 goroutine 與無界 FIFO 信箱
//
// 漂移修正:
//   tick 是透過注入的 clock.AfterFunc 安排給自己的延遲訊息。
//   每次 tick 都以 timeLeft = currentDuration - (now - startedAt) 重新計算，
//   因此延遲或合併的 tick 會自動修正，不會累積誤差。
//
// 取消:
//   離開 running（PAUSE / RESET 硬重置）時停止 tick handle 並遞增世代號；
//   已經在信箱中的舊 tick 因世代不符而被忽略。
//
// 並發安全:
//   所有狀態只在 loop goroutine 內讀寫，外部只能透過信箱傳訊息。
//
// ============================================================================

package timer

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ChuLiYu/beaver-timer/internal/actor"
	"github.com/ChuLiYu/beaver-timer/internal/clock"
	"github.com/ChuLiYu/beaver-timer/pkg/types"
)

// DefaultTickInterval 預設 tick 間隔
const DefaultTickInterval = 100 * time.Millisecond

// ============================================================================
// 協作者介面
// ============================================================================

// Finish 完成通知
//
// Record 只在計時器為 countable 時存在；SessionTitle/SessionID 由上層補上。
type Finish struct {
	TimerID string
	Record  *types.Record
}

// Parent 接收完成通知的上層 Actor
type Parent interface {
	TimerFinished(f Finish)
}

// Alarm 播放鬧鈴的外部協作者
type Alarm interface {
	Play(sound string)
}

// Options Actor 建立參數
type Options struct {
	Clock        clock.Clock   // 時間來源，nil 時使用真實時鐘
	Alarm        Alarm         // 可為 nil
	Parent       Parent        // 可為 nil
	TickInterval time.Duration // <= 0 時使用 DefaultTickInterval
	Logger       *slog.Logger
}

// State 計時器執行期狀態的一致快照
type State struct {
	Doc             types.Timer `json:"doc"`
	Clock           ClockState  `json:"-"`
	View            ViewState   `json:"-"`
	ClockName       string      `json:"clock"`
	ViewName        string      `json:"view"`
	Duration        int64       `json:"duration"`        // 本輪目標（可能已增長）
	BaseDuration    int64       `json:"baseDuration"`    // 文件目標，RESET 回到此值
	CurrentDuration int64       `json:"currentDuration"` // 暫停時凍結的剩餘目標
	TimeLeft        int64       `json:"timeLeft"`
	StartedAt       *time.Time  `json:"startedAt,omitempty"`
	FinishedAt      *time.Time  `json:"finishedAt,omitempty"`
}

// ============================================================================
// 信箱訊息
// ============================================================================

type message interface{ isTimerMessage() }

type commandMsg struct {
	cmd      Command
	override *int64
}

type updateMsg struct{ doc types.Timer }

type tickMsg struct{ gen uint64 }

type snapshotMsg struct{ reply chan<- State }

func (commandMsg) isTimerMessage()  {}
func (updateMsg) isTimerMessage()   {}
func (tickMsg) isTimerMessage()     {}
func (snapshotMsg) isTimerMessage() {}

// ============================================================================
// Actor
// ============================================================================

// Actor 單一計時器的 Actor
type Actor struct {
	id   string
	mb   *actor.Mailbox[message]
	opts Options
	log  *slog.Logger
	done chan struct{}
	once sync.Once

	// 以下欄位只在 loop goroutine 內存取
	doc             types.Timer
	clockState      ClockState
	viewState       ViewState
	duration        int64
	baseDuration    int64
	currentDuration int64
	timeLeft        int64
	startedAt       time.Time
	finishedAt      *time.Time
	tick            clock.Timer
	gen             uint64
}

// New 建立並啟動計時器 Actor
//
// 參數：
//   - doc: 計時器文件，決定初始 duration
//   - opts: 協作者與設定
//
// 返回值：
//   - *Actor: 已在背景執行的 Actor
func New(doc types.Timer, opts Options) *Actor {
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.TickInterval <= 0 {
		opts.TickInterval = DefaultTickInterval
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	a := &Actor{
		id:              doc.ID,
		mb:              actor.NewMailbox[message](),
		opts:            opts,
		log:             logger.With("timer", doc.ID),
		done:            make(chan struct{}),
		doc:             doc,
		duration:        doc.Duration,
		baseDuration:    doc.Duration,
		currentDuration: doc.Duration,
		timeLeft:        doc.Duration,
	}
	go a.loop()
	return a
}

// ID 回傳計時器 ID
func (a *Actor) ID() string { return a.id }

// Send 送出不帶參數的指令；START 等同於 Start(nil)
func (a *Actor) Send(cmd Command) {
	a.mb.Send(commandMsg{cmd: cmd})
}

// Start 以可選的覆寫時長啟動計時器
func (a *Actor) Start(override *int64) {
	a.mb.Send(commandMsg{cmd: CmdStart, override: override})
}

// Update 替換計時器文件，不影響進行中的倒數
func (a *Actor) Update(doc types.Timer) {
	a.mb.Send(updateMsg{doc: doc})
}

// Snapshot 透過信箱取得一致的狀態快照
func (a *Actor) Snapshot(ctx context.Context) (State, error) {
	return actor.Ask(ctx, a.mb, func(reply chan<- State) message {
		return snapshotMsg{reply: reply}
	})
}

// Stop 銷毀 Actor：取消 tick、關閉信箱，等待 loop 結束
func (a *Actor) Stop() {
	a.once.Do(func() {
		a.mb.Close()
	})
	<-a.done
}

// Done 在 loop 結束後關閉
func (a *Actor) Done() <-chan struct{} { return a.done }

func (a *Actor) loop() {
	defer close(a.done)
	defer a.disarm()

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
	case commandMsg:
		if isViewCommand(m.cmd) {
			a.viewState, _ = viewTransition(a.viewState, m.cmd)
			return
		}
		a.handleClock(m)
	case updateMsg:
		a.handleUpdate(m.doc)
	case tickMsg:
		a.handleTick(m.gen)
	case snapshotMsg:
		m.reply <- a.state()
	}
}

// handleClock 處理時鐘區域的指令；無效的指令靜默忽略
func (a *Actor) handleClock(m commandMsg) {
	next, ok := clockTransition(a.clockState, m.cmd)
	if !ok {
		a.log.Debug("Ignoring command", "command", m.cmd, "clock", a.clockState)
		return
	}
	now := a.opts.Clock.Now()

	switch m.cmd {
	case CmdStart:
		d := a.duration
		if m.override != nil {
			d = *m.override
		}
		a.duration = d
		a.currentDuration = d
		a.timeLeft = d
		a.startedAt = now
		a.finishedAt = nil
		a.clockState = next
		a.arm()

	case CmdPause:
		remaining := a.currentDuration - now.Sub(a.startedAt).Milliseconds()
		a.currentDuration = remaining
		a.timeLeft = remaining
		a.clockState = next
		a.disarm()

	case CmdResume:
		a.startedAt = now
		a.clockState = next
		a.arm()

	case CmdReset:
		a.duration = a.baseDuration
		a.currentDuration = a.duration
		a.timeLeft = a.duration
		a.startedAt = now
		a.finishedAt = nil
		a.clockState = next
		if next == ClockRunning {
			a.arm()
		} else {
			a.disarm()
		}
	}
}

// handleUpdate 替換文件與目標時長
//
// 進行中或暫停中的倒數不受影響；只有 idle 時才同步剩餘時間。
func (a *Actor) handleUpdate(doc types.Timer) {
	a.doc = doc
	a.baseDuration = doc.Duration
	a.duration = doc.Duration
	if a.clockState == ClockIdle {
		a.currentDuration = doc.Duration
		a.timeLeft = doc.Duration
	}
}

// handleTick 漂移修正的 tick
func (a *Actor) handleTick(gen uint64) {
	if a.clockState != ClockRunning || gen != a.gen {
		return
	}
	now := a.opts.Clock.Now()
	a.timeLeft = a.currentDuration - now.Sub(a.startedAt).Milliseconds()
	if a.timeLeft > 0 {
		a.arm()
		return
	}
	a.finish(now)
}

// finish 完成處理：鬧鈴、記錄完成時間、通知上層、回到 idle
func (a *Actor) finish(now time.Time) {
	a.tick = nil
	if a.opts.Alarm != nil {
		a.opts.Alarm.Play(a.doc.Sound)
	}
	finishedAt := now
	a.finishedAt = &finishedAt
	a.timeLeft = a.currentDuration
	a.clockState = ClockIdle

	f := Finish{TimerID: a.id}
	if a.doc.Countable {
		f.Record = &types.Record{
			ID:            uuid.NewString(),
			TimerID:       a.id,
			SessionID:     a.doc.SessionID,
			Label:         a.doc.Label,
			Duration:      a.duration,
			FinalDuration: a.currentDuration,
			FinishedAt:    now.UnixMilli(),
		}
	}
	a.log.Debug("Timer finished", "duration", a.duration, "countable", a.doc.Countable)

	if a.opts.Parent != nil {
		a.opts.Parent.TimerFinished(f)
	}
}

// arm 安排下一次 tick，並使舊的 tick 失效
func (a *Actor) arm() {
	a.disarm()
	gen := a.gen
	a.tick = a.opts.Clock.AfterFunc(a.opts.TickInterval, func() {
		a.mb.Send(tickMsg{gen: gen})
	})
}

func (a *Actor) disarm() {
	a.gen++
	if a.tick != nil {
		a.tick.Stop()
		a.tick = nil
	}
}

func (a *Actor) state() State {
	s := State{
		Doc:             a.doc,
		Clock:           a.clockState,
		View:            a.viewState,
		ClockName:       a.clockState.String(),
		ViewName:        a.viewState.String(),
		Duration:        a.duration,
		BaseDuration:    a.baseDuration,
		CurrentDuration: a.currentDuration,
		TimeLeft:        a.timeLeft,
	}
	if !a.startedAt.IsZero() {
		started := a.startedAt
		s.StartedAt = &started
	}
	if a.finishedAt != nil {
		finished := *a.finishedAt
		s.FinishedAt = &finished
	}
	return s
}
