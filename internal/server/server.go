package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/creachadair/jrpc2"
	"github.com/creachadair/jrpc2/handler"
	"github.com/creachadair/jrpc2/jhttp"

	"github.com/ChuLiYu/beaver-timer/internal/controller"
	"github.com/ChuLiYu/beaver-timer/internal/ordering"
	"github.com/ChuLiYu/beaver-timer/internal/session"
	"github.com/ChuLiYu/beaver-timer/internal/timer"
	"github.com/ChuLiYu/beaver-timer/pkg/types"
)

// JSON-RPC error codes for scheduler operations.
const (
	codeNotFound      = jrpc2.Code(-32001)
	codeNotReady      = jrpc2.Code(-32002)
	codeNoSibling     = jrpc2.Code(-32003)
	codeInvalidParams = jrpc2.Code(-32602)
)

// Session commands that carry an argument.
const (
	CmdChangeTitle    = "CHANGE_TITLE"
	CmdOpenTimerModal = "OPEN_TIMER_MODAL"
	CmdRemoveTimer    = "REMOVE_TIMER"
)

// Config holds configuration for the JSON-RPC endpoint.
type Config struct {
	Token   string // Bearer token; empty disables authentication
	Version string
	Logger  *slog.Logger
}

// Server exposes the coordinator over JSON-RPC 2.0 on HTTP.
type Server struct {
	bridge  jhttp.Bridge
	coord   *controller.Coordinator
	token   string
	version string
	log     *slog.Logger
}

// VersionResult is the response for system.getVersion.
type VersionResult struct {
	Version string `json:"version"`
	Phase   string `json:"phase"`
}

// IDParam is a common input with just an id.
type IDParam struct {
	ID string `json:"id"`
}

// SessionsResult is the response for sessions.list.
type SessionsResult struct {
	Sessions []session.State `json:"sessions"`
}

// SessionSendParams is the input for session.send.
type SessionSendParams struct {
	ID      string `json:"id"`
	Command string `json:"command"`
	Arg     string `json:"arg,omitempty"`
}

// SessionCreateParams is the input for session.create.
type SessionCreateParams struct {
	Title     string   `json:"title"`
	Sound     string   `json:"sound,omitempty"`
	Index     string   `json:"index,omitempty"`
	Priority  *float64 `json:"priority,omitempty"`
	Autostart string   `json:"autostart,omitempty"`
}

// MoveParams is the input for session.move.
type MoveParams struct {
	ID        string `json:"id"`
	Direction string `json:"direction"`
}

// TimerCreateParams is the input for timer.create.
type TimerCreateParams struct {
	SessionID string        `json:"sessionId"`
	Label     string        `json:"label"`
	Sound     string        `json:"sound,omitempty"`
	Duration  int64         `json:"duration,omitempty"`
	Priority  *float64      `json:"priority,omitempty"`
	Countable *bool         `json:"countable,omitempty"`
	Growth    *types.Growth `json:"growth,omitempty"`
}

// TimerSendParams is the input for timer.send.
type TimerSendParams struct {
	ID       string `json:"id"`
	Command  string `json:"command"`
	Duration *int64 `json:"duration,omitempty"` // START override in milliseconds
}

// EmptyResult is a placeholder for methods that return no data.
type EmptyResult struct{}

// New creates a Server with method handlers and the HTTP bridge.
func New(coord *controller.Coordinator, cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		coord:   coord,
		token:   cfg.Token,
		version: cfg.Version,
		log:     logger.With("component", "rpc"),
	}

	methods := handler.Map{
		"system.getVersion": handler.New(s.systemGetVersion),
		"sessions.list":     handler.New(s.sessionsList),
		"session.get":       handler.New(s.sessionGet),
		"session.send":      handler.New(s.sessionSend),
		"session.create":    handler.New(s.sessionCreate),
		"session.move":      handler.New(s.sessionMove),
		"session.delete":    handler.New(s.sessionDelete),
		"timer.create":      handler.New(s.timerCreate),
		"timer.send":        handler.New(s.timerSend),
	}
	s.bridge = jhttp.NewBridge(methods, nil)
	return s
}

// Handler returns the authenticated HTTP handler for the bridge.
func (s *Server) Handler() http.Handler {
	return requireToken(s.token, s.bridge)
}

// Close shuts down the bridge.
func (s *Server) Close() error {
	return s.bridge.Close()
}

func (s *Server) systemGetVersion(_ context.Context) (*VersionResult, error) {
	return &VersionResult{Version: s.version, Phase: s.coord.Phase().String()}, nil
}

func (s *Server) sessionsList(ctx context.Context) (*SessionsResult, error) {
	states, err := s.coord.Snapshot(ctx)
	if err != nil {
		return nil, rpcError(err)
	}
	return &SessionsResult{Sessions: states}, nil
}

func (s *Server) sessionGet(ctx context.Context, p *IDParam) (*session.State, error) {
	a, err := s.coord.Session(ctx, p.ID)
	if err != nil {
		return nil, rpcError(err)
	}
	st, err := a.Snapshot(ctx)
	if err != nil {
		return nil, rpcError(err)
	}
	return &st, nil
}

// sessionSend delivers a session command. Commands with an argument are
// dispatched to their dedicated methods.
func (s *Server) sessionSend(ctx context.Context, p *SessionSendParams) (*EmptyResult, error) {
	a, err := s.coord.Session(ctx, p.ID)
	if err != nil {
		return nil, rpcError(err)
	}

	switch name := strings.ToUpper(strings.TrimSpace(p.Command)); name {
	case CmdChangeTitle:
		a.ChangeTitle(p.Arg)
	case CmdOpenTimerModal, CmdRemoveTimer:
		if p.Arg == "" {
			return nil, &jrpc2.Error{Code: codeInvalidParams, Message: name + " requires a timer id"}
		}
		if name == CmdRemoveTimer {
			a.RemoveTimer(p.Arg)
		} else {
			a.OpenTimerModal(p.Arg)
		}
	default:
		cmd, err := session.ParseCommand(name)
		if err != nil {
			return nil, &jrpc2.Error{Code: codeInvalidParams, Message: err.Error()}
		}
		a.Send(cmd)
	}
	s.log.Debug("Session command", "session", p.ID, "command", p.Command)
	return &EmptyResult{}, nil
}

func (s *Server) sessionCreate(ctx context.Context, p *SessionCreateParams) (*types.Session, error) {
	if strings.TrimSpace(p.Title) == "" {
		return nil, &jrpc2.Error{Code: codeInvalidParams, Message: "missing required param: title"}
	}
	doc, err := s.coord.CreateSession(ctx, types.Session{
		Title:     p.Title,
		Sound:     p.Sound,
		Index:     p.Index,
		Priority:  p.Priority,
		Autostart: p.Autostart,
	})
	if err != nil {
		return nil, rpcError(err)
	}
	return &doc, nil
}

func (s *Server) sessionMove(ctx context.Context, p *MoveParams) (*EmptyResult, error) {
	dir, err := ordering.ParseDirection(p.Direction)
	if err != nil {
		return nil, &jrpc2.Error{Code: codeInvalidParams, Message: err.Error()}
	}
	if err := s.coord.MoveSession(ctx, p.ID, dir); err != nil {
		return nil, rpcError(err)
	}
	return &EmptyResult{}, nil
}

func (s *Server) sessionDelete(ctx context.Context, p *IDParam) (*EmptyResult, error) {
	if err := s.coord.DeleteSession(ctx, p.ID); err != nil {
		return nil, rpcError(err)
	}
	return &EmptyResult{}, nil
}

func (s *Server) timerCreate(ctx context.Context, p *TimerCreateParams) (*types.Timer, error) {
	if p.SessionID == "" {
		return nil, &jrpc2.Error{Code: codeInvalidParams, Message: "missing required param: sessionId"}
	}
	if p.Duration < 0 {
		return nil, &jrpc2.Error{Code: codeInvalidParams, Message: "duration must not be negative"}
	}
	countable := true
	if p.Countable != nil {
		countable = *p.Countable
	}
	doc, err := s.coord.CreateTimer(ctx, types.Timer{
		SessionID: p.SessionID,
		Label:     p.Label,
		Sound:     p.Sound,
		Duration:  p.Duration,
		Priority:  p.Priority,
		Countable: countable,
		Growth:    p.Growth,
	})
	if err != nil {
		return nil, rpcError(err)
	}
	return &doc, nil
}

func (s *Server) timerSend(ctx context.Context, p *TimerSendParams) (*EmptyResult, error) {
	cmd, err := timer.ParseCommand(p.Command)
	if err != nil {
		return nil, &jrpc2.Error{Code: codeInvalidParams, Message: err.Error()}
	}
	if p.Duration != nil && (cmd != timer.CmdStart || *p.Duration <= 0) {
		return nil, &jrpc2.Error{Code: codeInvalidParams, Message: "duration is only valid as a positive START override"}
	}
	if err := s.coord.SendTimer(ctx, p.ID, cmd, p.Duration); err != nil {
		return nil, rpcError(err)
	}
	return &EmptyResult{}, nil
}

// rpcError maps scheduler errors onto JSON-RPC error codes.
func rpcError(err error) error {
	switch {
	case errors.Is(err, controller.ErrSessionNotFound), errors.Is(err, session.ErrTimerNotFound):
		return &jrpc2.Error{Code: codeNotFound, Message: err.Error()}
	case errors.Is(err, controller.ErrNotReady), errors.Is(err, controller.ErrStopped):
		return &jrpc2.Error{Code: codeNotReady, Message: err.Error()}
	case errors.Is(err, ordering.ErrNoSibling), errors.Is(err, ordering.ErrNotFound):
		return &jrpc2.Error{Code: codeNoSibling, Message: err.Error()}
	}
	return fmt.Errorf("internal error: %w", err)
}
