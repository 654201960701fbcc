package controller

import (
	"log/slog"
	"time"

	"github.com/adhocore/gronx"

	"github.com/ChuLiYu/beaver-timer/internal/clock"
)

// autostart arms one cron-driven START_CURRENT per session. It is owned by
// the coordinator goroutine; fired callbacks only post a message back, and a
// generation counter discards callbacks that were superseded meanwhile.
type autostart struct {
	clk     clock.Clock
	log     *slog.Logger
	post    func(sessionID string, gen uint64)
	entries map[string]*schedule
	gen     uint64
}

type schedule struct {
	expr   string
	gen    uint64
	handle clock.Timer
}

func newAutostart(clk clock.Clock, log *slog.Logger, post func(string, uint64)) *autostart {
	return &autostart{clk: clk, log: log, post: post, entries: make(map[string]*schedule)}
}

// schedule arms expr for the session, replacing any previous expression.
// An empty or invalid expression disarms it.
func (a *autostart) schedule(sessionID, expr string) {
	if cur, ok := a.entries[sessionID]; ok && cur.expr == expr {
		return
	}
	a.remove(sessionID)
	if expr == "" {
		return
	}
	if !gronx.IsValid(expr) {
		a.log.Warn("Ignoring invalid autostart expression", "session", sessionID, "expr", expr)
		return
	}
	s := &schedule{expr: expr}
	a.entries[sessionID] = s
	a.arm(sessionID, s)
}

// fire reports whether gen is the live arm for the session and re-arms it.
func (a *autostart) fire(sessionID string, gen uint64) bool {
	s, ok := a.entries[sessionID]
	if !ok || s.gen != gen {
		return false
	}
	a.arm(sessionID, s)
	return true
}

func (a *autostart) remove(sessionID string) {
	if s, ok := a.entries[sessionID]; ok {
		if s.handle != nil {
			s.handle.Stop()
		}
		delete(a.entries, sessionID)
	}
}

func (a *autostart) stop() {
	for id := range a.entries {
		a.remove(id)
	}
}

func (a *autostart) arm(sessionID string, s *schedule) {
	now := a.clk.Now()
	next, err := gronx.NextTickAfter(s.expr, now, false)
	if err != nil {
		a.log.Warn("Autostart has no next tick", "session", sessionID, "expr", s.expr, "error", err)
		s.handle = nil
		return
	}
	a.gen++
	s.gen = a.gen
	gen := a.gen
	s.handle = a.clk.AfterFunc(next.Sub(now), func() { a.post(sessionID, gen) })
	a.log.Debug("Autostart armed", "session", sessionID, "next", next.Format(time.RFC3339))
}
