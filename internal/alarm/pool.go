// ============================================================================
// Beaver-Timer 鬧鈴播放池 - Alarm Worker Pool
// ============================================================================
//
// Package: internal/alarm
// 文件: pool.go
// 功能: 計時器完成時的鬧鈴播放，由固定數量的 worker goroutine 非同步執行
//
// 設計模式:
//   Worker Pool 模式：
//   1. 固定數量的 worker 持續從 taskCh 取出播放請求
//   2. Play() 絕不阻塞呼叫者（計時器 actor）
//   3. 佇列滿時丟棄請求並計數
//
// 架構組件:
//   ┌─────────────┐
//   │ Timer Actor │ --Play(sound)--> taskCh
//   └─────────────┘
//   ┌─────────────┐
//   │   Pool      │
//   │  ┌────────┐ │
//   │  │Worker 1│←── taskCh ──→ Player.Play(ctx, sound)
//   │  │Worker 2│←── taskCh
//   │  └────────┘ │
//   └─────────────┘
//
// 超時控制:
//   每次播放都有獨立的 context.WithTimeout；外部指令卡住不會拖住 worker。
//
// 優雅關閉:
//   Stop() 關閉 taskCh，等待 worker 播完佇列中剩餘的鬧鈴。
//
// ============================================================================

package alarm

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// ============================================================================
// 錯誤定義
// ============================================================================

var (
	// ErrPoolClosed Pool 已關閉
	ErrPoolClosed = errors.New("alarm pool is closed")
	// ErrPoolNotStarted Pool 尚未啟動
	ErrPoolNotStarted = errors.New("alarm pool not started")
	// ErrQueueFull 播放佇列已滿，請求被丟棄
	ErrQueueFull = errors.New("alarm queue is full")
)

// ============================================================================
// 資料結構定義
// ============================================================================

// DefaultTimeout 單次播放的預設超時
const DefaultTimeout = 10 * time.Second

// Options Pool 設定
type Options struct {
	QueueSize int                           // 播放佇列緩衝大小
	Timeout   time.Duration                 // 單次播放超時
	Logger    *slog.Logger                  // 日誌
	OnDrop    func(sound string)            // 佇列滿而丟棄時呼叫
	OnResult  func(sound string, err error) // 每次播放結束時呼叫（可選）
}

// Pool 鬧鈴播放池
type Pool struct {
	player  Player
	opts    Options
	log     *slog.Logger
	taskCh  chan string    // 待播放的聲音名稱；關閉即停止
	wg      sync.WaitGroup // 追蹤所有 worker
	workers int
	started bool
	stopped bool
	mu      sync.Mutex

	played  atomic.Int64
	failed  atomic.Int64
	dropped atomic.Int64
}

// ============================================================================
// 核心方法實作
// ============================================================================

// NewPool 建立鬧鈴播放池
//
// 參數：
//   - player: 實際播放聲音的實作
//   - opts: 設定；零值欄位使用預設
//
// 返回值：
//   - *Pool: 尚未啟動的播放池
func NewPool(player Player, opts Options) *Pool {
	if opts.QueueSize <= 0 {
		opts.QueueSize = 16
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Pool{
		player: player,
		opts:   opts,
		log:    logger,
		taskCh: make(chan string, opts.QueueSize),
	}
}

// Start 啟動指定數量的 worker
func (p *Pool) Start(workerCount int) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.started {
		return errors.New("alarm pool already started")
	}
	if workerCount <= 0 {
		workerCount = 1
	}

	for i := 0; i < workerCount; i++ {
		p.wg.Add(1)
		go func(id int) {
			defer p.wg.Done()
			p.run(id)
		}(i)
	}
	p.workers = workerCount
	p.started = true
	return nil
}

// Submit 提交播放請求，佇列滿時立即返回 ErrQueueFull
func (p *Pool) Submit(sound string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.started {
		return ErrPoolNotStarted
	}
	if p.stopped {
		return ErrPoolClosed
	}

	// 持鎖發送：Stop 關閉 taskCh 前一定先取得鎖
	select {
	case p.taskCh <- sound:
		return nil
	default:
		p.dropped.Add(1)
		if p.opts.OnDrop != nil {
			p.opts.OnDrop(sound)
		}
		return ErrQueueFull
	}
}

// Play 實作 timer.Alarm；失敗只記錄日誌
func (p *Pool) Play(sound string) {
	if err := p.Submit(sound); err != nil {
		p.log.Warn("Alarm not played", "sound", sound, "error", err)
	}
}

// Stop 關閉播放池，已排入的鬧鈴播放完畢後返回
func (p *Pool) Stop() {
	p.mu.Lock()
	if !p.started || p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	close(p.taskCh)
	p.mu.Unlock()

	p.wg.Wait()
}

// WorkerCount 返回 worker 數量
func (p *Pool) WorkerCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.workers
}

// Stats 播放統計
type Stats struct {
	Played  int64
	Failed  int64
	Dropped int64
}

// Stats 返回目前的統計
func (p *Pool) Stats() Stats {
	return Stats{
		Played:  p.played.Load(),
		Failed:  p.failed.Load(),
		Dropped: p.dropped.Load(),
	}
}

// run worker 主循環；taskCh 關閉並清空後退出
func (p *Pool) run(id int) {
	for sound := range p.taskCh {
		ctx, cancel := context.WithTimeout(context.Background(), p.opts.Timeout)
		err := p.player.Play(ctx, sound)
		cancel()

		if err != nil {
			p.failed.Add(1)
			p.log.Warn("Alarm playback failed", "worker", id, "sound", sound, "error", err)
		} else {
			p.played.Add(1)
		}
		if p.opts.OnResult != nil {
			p.opts.OnResult(sound, err)
		}
	}
}
