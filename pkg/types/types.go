// Package types 定義了 beaver-timer 系統中使用的核心領域模型
package types

import "time"

// Collection 文件集合標籤，持久化事件透過它路由到對應的 actor
type Collection string

// 定義集合標籤常數
const (
	CollectionSessions Collection = "sessions" // 工作階段集合
	CollectionTimers   Collection = "timers"   // 計時器集合
	CollectionRecords  Collection = "records"  // 完成紀錄集合
)

// Document 所有持久化文件共同實作的介面
type Document interface {
	DocID() string
}

// Growth 計時器每輪增長設定（毫秒）
type Growth struct {
	Rate int64  `json:"rate" yaml:"rate"`                   // 每輪調整量，可為負值
	Min  *int64 `json:"min,omitempty" yaml:"min,omitempty"` // 下限（可選）
	Max  *int64 `json:"max,omitempty" yaml:"max,omitempty"` // 上限（可選）
}

// Apply 將一次增長套用到 duration 上
//
// 僅存在的邊界會被套用；結果永遠不小於 0。
func (g *Growth) Apply(duration int64) int64 {
	if g == nil {
		return duration
	}
	next := duration + g.Rate
	if g.Min != nil && next < *g.Min {
		next = *g.Min
	}
	if g.Max != nil && next > *g.Max {
		next = *g.Max
	}
	if next < 0 {
		next = 0
	}
	return next
}

// Timer 計時器文件
type Timer struct {
	ID        string   `json:"id" yaml:"id"`
	Label     string   `json:"label" yaml:"label"`
	Sound     string   `json:"sound,omitempty" yaml:"sound,omitempty"`
	SessionID string   `json:"sessionId" yaml:"sessionId"`
	CreatedAt int64    `json:"createdAt" yaml:"createdAt"`                   // Unix 毫秒
	Priority  *float64 `json:"priority,omitempty" yaml:"priority,omitempty"` // nil 代表未設定
	Countable bool     `json:"countable" yaml:"countable"`                   // 完成時是否產生紀錄
	Duration  int64    `json:"duration" yaml:"duration"`                     // 目標時長（毫秒）
	Growth    *Growth  `json:"growth,omitempty" yaml:"growth,omitempty"`
	Index     string   `json:"index,omitempty" yaml:"index,omitempty"`
}

// DocID implements Document.
func (t Timer) DocID() string { return t.ID }

// Growable 回傳計時器是否設定了增長
func (t Timer) Growable() bool { return t.Growth != nil }

// Session 工作階段文件
type Session struct {
	ID        string   `json:"id" yaml:"id"`
	Title     string   `json:"title" yaml:"title"`
	Priority  *float64 `json:"priority,omitempty" yaml:"priority,omitempty"`
	Sound     string   `json:"sound,omitempty" yaml:"sound,omitempty"` // 預設鬧鈴
	Timers    []string `json:"timers" yaml:"timers"`                   // 有序的計時器 ID
	Index     string   `json:"index" yaml:"index"`                     // 兄弟排序用的階層索引
	Autostart string   `json:"autostart,omitempty" yaml:"autostart,omitempty"`
}

// DocID implements Document.
func (s Session) DocID() string { return s.ID }

// GetIndex returns the hierarchical sibling index.
func (s Session) GetIndex() string { return s.Index }

// Record 計時器完成紀錄
type Record struct {
	ID            string `json:"id" yaml:"id"`
	TimerID       string `json:"timerId" yaml:"timerId"`
	SessionID     string `json:"sessionId" yaml:"sessionId"`
	SessionTitle  string `json:"sessionTitle" yaml:"sessionTitle"`
	Label         string `json:"label" yaml:"label"`
	Duration      int64  `json:"duration" yaml:"duration"`           // 目標時長（毫秒）
	FinalDuration int64  `json:"finalDuration" yaml:"finalDuration"` // 完成當下的 currentDuration
	FinishedAt    int64  `json:"finishedAt" yaml:"finishedAt"`       // Unix 毫秒
}

// DocID implements Document.
func (r Record) DocID() string { return r.ID }

// FinishedTime 將 FinishedAt 轉回 time.Time
func (r Record) FinishedTime() time.Time { return time.UnixMilli(r.FinishedAt) }

// SnapshotData 匯出/匯入用的完整資料，包含三個集合
type SnapshotData struct {
	Sessions  []Session `json:"sessions" yaml:"sessions"`
	Timers    []Timer   `json:"timers" yaml:"timers"`
	Records   []Record  `json:"records" yaml:"records"`
	SchemaVer int       `json:"schema_ver" yaml:"schema_ver"`
}
