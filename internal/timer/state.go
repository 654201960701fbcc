package timer

import (
	"errors"
	"fmt"
	"strings"
)

// ============================================================================
// 狀態區域定義
// ============================================================================
//
// 計時器有兩個互相獨立的正交區域：
//   - ClockState: idle / running / paused，決定倒數是否進行
//   - ViewState:  collapsed / open，純顯示狀態
//
// 兩個區域各自有轉換函數，視圖切換永遠不受時鐘狀態影響。

// ClockState 時鐘區域狀態
type ClockState int

const (
	ClockIdle    ClockState = iota // 閒置（初始狀態，也是完成後的狀態）
	ClockRunning                   // 倒數中
	ClockPaused                    // 已暫停
)

func (s ClockState) String() string {
	switch s {
	case ClockIdle:
		return "idle"
	case ClockRunning:
		return "running"
	case ClockPaused:
		return "paused"
	}
	return fmt.Sprintf("clock(%d)", int(s))
}

// ViewState 視圖區域狀態
type ViewState int

const (
	ViewCollapsed ViewState = iota // 收合（初始狀態）
	ViewOpen                       // 展開
)

func (s ViewState) String() string {
	if s == ViewOpen {
		return "open"
	}
	return "collapsed"
}

// Command 外部可送給計時器的指令名稱
type Command string

const (
	CmdStart          Command = "START"
	CmdPause          Command = "PAUSE"
	CmdResume         Command = "RESUME"
	CmdReset          Command = "RESET"
	CmdToggleCollapse Command = "TOGGLE_COLLAPSE"
	CmdCollapse       Command = "COLLAPSE"
	CmdOpen           Command = "OPEN"
)

// ErrUnknownCommand 無法辨識的指令
var ErrUnknownCommand = errors.New("timer: unknown command")

// ParseCommand 解析指令字串（不分大小寫）
//
// 舊版拼字 TOOGLE_COLLAPSE 仍被接受並對應到 TOGGLE_COLLAPSE。
func ParseCommand(s string) (Command, error) {
	c := Command(strings.ToUpper(strings.TrimSpace(s)))
	switch c {
	case CmdStart, CmdPause, CmdResume, CmdReset, CmdToggleCollapse, CmdCollapse, CmdOpen:
		return c, nil
	case "TOOGLE_COLLAPSE":
		return CmdToggleCollapse, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownCommand, s)
}

// clockTransition 時鐘區域的轉換表
//
// 返回值：
//   - ClockState: 下一個狀態
//   - bool: 該指令在目前狀態下是否有效
func clockTransition(from ClockState, cmd Command) (ClockState, bool) {
	switch cmd {
	case CmdStart:
		if from == ClockIdle {
			return ClockRunning, true
		}
	case CmdPause:
		if from == ClockRunning {
			return ClockPaused, true
		}
	case CmdResume:
		if from == ClockPaused {
			return ClockRunning, true
		}
	case CmdReset:
		// 軟重置（running）保持倒數；硬重置（paused）回到 idle
		switch from {
		case ClockRunning:
			return ClockRunning, true
		case ClockPaused:
			return ClockIdle, true
		}
	}
	return from, false
}

// viewTransition 視圖區域的轉換表
func viewTransition(from ViewState, cmd Command) (ViewState, bool) {
	switch cmd {
	case CmdToggleCollapse:
		if from == ViewOpen {
			return ViewCollapsed, true
		}
		return ViewOpen, true
	case CmdCollapse:
		return ViewCollapsed, true
	case CmdOpen:
		return ViewOpen, true
	}
	return from, false
}

func isViewCommand(cmd Command) bool {
	return cmd == CmdToggleCollapse || cmd == CmdCollapse || cmd == CmdOpen
}
