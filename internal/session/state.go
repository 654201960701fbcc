package session

import (
	"errors"
	"fmt"
	"strings"
)

// Mode is the top-level operating mode of a session.
type Mode int

const (
	ModeFree Mode = iota
	ModeInterval
)

func (m Mode) String() string {
	if m == ModeInterval {
		return "interval"
	}
	return "free"
}

// EditState is the queue-editing region of free mode.
type EditState int

const (
	EditViewing EditState = iota
	EditEditing
)

func (s EditState) String() string {
	if s == EditEditing {
		return "editing"
	}
	return "viewing"
}

// FreeView is the view region of free mode.
type FreeView int

const (
	FreeViewIdle FreeView = iota
	FreeViewModal
	FreeViewSideways
)

func (s FreeView) String() string {
	switch s {
	case FreeViewModal:
		return "modal"
	case FreeViewSideways:
		return "sideways"
	}
	return "idle"
}

// IntervalView is the single region of interval mode.
type IntervalView int

const (
	IntervalIdle IntervalView = iota
	IntervalTimerModal
	IntervalStatistics
)

func (s IntervalView) String() string {
	switch s {
	case IntervalTimerModal:
		return "timerModal"
	case IntervalStatistics:
		return "statistics"
	}
	return "idle"
}

// Command names a parameterless session message.
type Command string

const (
	CmdRestart          Command = "RESTART_SESSION"
	CmdAdd              Command = "ADD"
	CmdToggleEdit       Command = "TOGGLE_EDIT"
	CmdToggleModal      Command = "TOGGLE_MODAL"
	CmdToggleSideways   Command = "TOGGLE_SIDEWAYS"
	CmdToggleStatistics Command = "TOGGLE_STATISTICS"
	CmdToggleRestart    Command = "TOGGLE_RESTART"
	CmdToFreeMode       Command = "TO_FREE_MODE"
	CmdToIntervalMode   Command = "TO_INTERVAL_MODE"
	CmdCloseTimerModal  Command = "CLOSE_TIMER_MODAL"
	CmdCollapseTimers   Command = "COLLAPSE_TIMERS"
	CmdOpenTimers       Command = "OPEN_TIMERS"
	CmdStartCurrent     Command = "START_CURRENT"
)

// ErrUnknownCommand is returned by ParseCommand.
var ErrUnknownCommand = errors.New("session: unknown command")

var commands = map[Command]struct{}{
	CmdRestart: {}, CmdAdd: {}, CmdToggleEdit: {}, CmdToggleModal: {},
	CmdToggleSideways: {}, CmdToggleStatistics: {}, CmdToggleRestart: {},
	CmdToFreeMode: {}, CmdToIntervalMode: {}, CmdCloseTimerModal: {},
	CmdCollapseTimers: {}, CmdOpenTimers: {}, CmdStartCurrent: {},
}

// ParseCommand parses a parameterless command name, case-insensitively.
func ParseCommand(s string) (Command, error) {
	c := Command(strings.ToUpper(strings.TrimSpace(s)))
	if _, ok := commands[c]; ok {
		return c, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownCommand, s)
}

// regions holds one enum per orthogonal region. Only the regions belonging
// to the current mode are meaningful; the others keep their last value.
type regions struct {
	mode     Mode
	edit     EditState
	freeView FreeView
	interval IntervalView
}

// toggle applies a view/mode command. It reports false when the command is
// not valid in the current mode.
func (r *regions) toggle(cmd Command) bool {
	switch cmd {
	case CmdToFreeMode:
		r.mode = ModeFree
		r.interval = IntervalIdle
		return true
	case CmdToIntervalMode:
		r.mode = ModeInterval
		r.edit = EditViewing
		r.freeView = FreeViewIdle
		return true
	}

	if r.mode == ModeFree {
		switch cmd {
		case CmdToggleEdit:
			if r.edit == EditEditing {
				r.edit = EditViewing
			} else {
				r.edit = EditEditing
			}
			return true
		case CmdToggleModal:
			r.freeView = flipFree(r.freeView, FreeViewModal)
			return true
		case CmdToggleSideways:
			r.freeView = flipFree(r.freeView, FreeViewSideways)
			return true
		}
		return false
	}

	switch cmd {
	case CmdToggleStatistics:
		if r.interval == IntervalStatistics {
			r.interval = IntervalIdle
		} else {
			r.interval = IntervalStatistics
		}
		return true
	case CmdCloseTimerModal:
		if r.interval == IntervalTimerModal {
			r.interval = IntervalIdle
			return true
		}
	}
	return false
}

func flipFree(cur, target FreeView) FreeView {
	if cur == target {
		return FreeViewIdle
	}
	return target
}
