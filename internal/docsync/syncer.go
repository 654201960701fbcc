// ============================================================================
// Beaver-Timer persistence sync collaborator
// ============================================================================
//
// Package: internal/docsync
// File: syncer.go
//
// One Syncer per collection. Each runs its own mailbox; writes are
// fire-and-forget from the caller's side and their completion is observed
// only through the next "changed" event, which always carries the full
// collection.
//
// Failure policy: every backend call is retried with exponential backoff.
// When retries are exhausted the syncer becomes degraded, logs and reports
// the failure, and keeps serving; the next successful call returns it to
// ready. A failed initial load is re-scheduled.
//
// ============================================================================

package docsync

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/ChuLiYu/beaver-timer/internal/actor"
	"github.com/ChuLiYu/beaver-timer/internal/clock"
	"github.com/ChuLiYu/beaver-timer/internal/storage/docstore"
	"github.com/ChuLiYu/beaver-timer/pkg/types"
)

// Backend is the storage a Syncer reads and writes.
type Backend interface {
	List(ctx context.Context, coll types.Collection) ([]json.RawMessage, error)
	Apply(ctx context.Context, coll types.Collection, ops []docstore.Op) error
}

// EventKind distinguishes the initial load from later changes.
type EventKind string

const (
	EventLoaded  EventKind = "loaded"
	EventChanged EventKind = "changed"
)

// Event carries the full current document set of one collection.
type Event[D types.Document] struct {
	Collection types.Collection
	Kind       EventKind
	Docs       []D
}

// Status of a Syncer.
type Status int32

const (
	StatusLoading Status = iota
	StatusReady
	StatusDegraded
)

func (s Status) String() string {
	switch s {
	case StatusReady:
		return "ready"
	case StatusDegraded:
		return "degraded"
	}
	return "loading"
}

// RetryConfig bounds the backoff applied to backend calls.
type RetryConfig struct {
	MaxTries        uint          `yaml:"max_tries"`
	InitialInterval time.Duration `yaml:"initial_interval"`
	MaxInterval     time.Duration `yaml:"max_interval"`
}

// DefaultRetryConfig returns the retry policy used when none is configured.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{MaxTries: 5, InitialInterval: 100 * time.Millisecond, MaxInterval: 5 * time.Second}
}

// withDefaults fills zero fields from DefaultRetryConfig. A zero initial
// interval would retry back to back.
func (c RetryConfig) withDefaults() RetryConfig {
	def := DefaultRetryConfig()
	if c.MaxTries == 0 {
		c.MaxTries = def.MaxTries
	}
	if c.InitialInterval <= 0 {
		c.InitialInterval = def.InitialInterval
	}
	if c.MaxInterval <= 0 {
		c.MaxInterval = def.MaxInterval
	}
	return c
}

// Options configures a Syncer.
type Options struct {
	Retry     RetryConfig
	Clock     clock.Clock
	Logger    *slog.Logger
	OnFailure func(coll types.Collection, err error)
}

type message interface{ isSyncMessage() }

type loadMsg struct{}
type applyMsg struct{ ops []docstore.Op }
type flushMsg struct{ reply chan<- struct{} }

func (loadMsg) isSyncMessage()  {}
func (applyMsg) isSyncMessage() {}
func (flushMsg) isSyncMessage() {}

// Syncer mirrors one collection and reports its contents to notify.
type Syncer[D types.Document] struct {
	coll    types.Collection
	backend Backend
	notify  func(Event[D])
	opts    Options
	log     *slog.Logger

	mb     *actor.Mailbox[message]
	status atomic.Int32
	loaded bool // loop goroutine only
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

// New creates and starts a Syncer. notify is called from the syncer's
// goroutine and must not block.
func New[D types.Document](coll types.Collection, backend Backend, notify func(Event[D]), opts Options) *Syncer[D] {
	opts.Retry = opts.Retry.withDefaults()
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Syncer[D]{
		coll:    coll,
		backend: backend,
		notify:  notify,
		opts:    opts,
		log:     logger.With("collection", string(coll)),
		mb:      actor.NewMailbox[message](),
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	go s.run()
	return s
}

// Collection returns the collection tag.
func (s *Syncer[D]) Collection() types.Collection { return s.coll }

// Status reports the current status.
func (s *Syncer[D]) Status() Status { return Status(s.status.Load()) }

// Load reads the collection and emits a loaded event.
func (s *Syncer[D]) Load() { s.mb.Send(loadMsg{}) }

// Create upserts documents.
func (s *Syncer[D]) Create(docs ...D) {
	ops := make([]docstore.Op, 0, len(docs))
	for _, d := range docs {
		ops = append(ops, docstore.Op{Kind: docstore.OpCreate, ID: d.DocID(), Doc: d})
	}
	s.Batch(ops)
}

// Update merges a partial document into the stored one.
func (s *Syncer[D]) Update(id string, patch map[string]any) {
	s.Batch([]docstore.Op{{Kind: docstore.OpUpdate, ID: id, Patch: patch}})
}

// Delete removes a document.
func (s *Syncer[D]) Delete(id string) {
	s.Batch([]docstore.Op{{Kind: docstore.OpDelete, ID: id}})
}

// Batch applies ops atomically.
func (s *Syncer[D]) Batch(ops []docstore.Op) {
	if len(ops) == 0 {
		return
	}
	s.mb.Send(applyMsg{ops: ops})
}

// Flush waits until every previously sent request has been processed.
func (s *Syncer[D]) Flush(ctx context.Context) error {
	_, err := actor.Ask(ctx, s.mb, func(reply chan<- struct{}) message {
		return flushMsg{reply: reply}
	})
	return err
}

// Stop cancels in-flight retries and stops the syncer.
func (s *Syncer[D]) Stop() {
	s.once.Do(func() {
		s.cancel()
		s.mb.Close()
	})
	<-s.done
}

func (s *Syncer[D]) run() {
	defer close(s.done)
	for {
		msg, ok := s.mb.Receive(context.Background())
		if !ok {
			return
		}
		switch m := msg.(type) {
		case loadMsg:
			s.load()
		case applyMsg:
			s.apply(m.ops)
		case flushMsg:
			m.reply <- struct{}{}
		}
	}
}

func (s *Syncer[D]) load() {
	docs, err := s.list()
	if err != nil {
		s.fail("load", err)
		// loading is never abandoned
		s.opts.Clock.AfterFunc(s.opts.Retry.MaxInterval, s.Load)
		return
	}
	s.loaded = true
	s.status.Store(int32(StatusReady))
	s.emit(EventLoaded, docs)
}

func (s *Syncer[D]) apply(ops []docstore.Op) {
	_, err := retry(s.ctx, s.opts.Retry, func() (struct{}, error) {
		err := s.backend.Apply(s.ctx, s.coll, ops)
		if errors.Is(err, docstore.ErrInvalidOp) || errors.Is(err, docstore.ErrNotFound) {
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, err
	})
	if err != nil {
		s.fail("apply", err)
		return
	}

	docs, err := s.list()
	if err != nil {
		s.fail("list", err)
		return
	}
	if s.loaded {
		s.status.Store(int32(StatusReady))
		s.emit(EventChanged, docs)
	}
}

func (s *Syncer[D]) list() ([]D, error) {
	bodies, err := retry(s.ctx, s.opts.Retry, func() ([]json.RawMessage, error) {
		return s.backend.List(s.ctx, s.coll)
	})
	if err != nil {
		return nil, err
	}

	docs := make([]D, 0, len(bodies))
	for _, b := range bodies {
		var d D
		if err := json.Unmarshal(b, &d); err != nil {
			s.log.Warn("Skipping undecodable document", "error", err)
			continue
		}
		docs = append(docs, d)
	}
	return docs, nil
}

func (s *Syncer[D]) fail(op string, err error) {
	if s.ctx.Err() != nil {
		return
	}
	s.status.Store(int32(StatusDegraded))
	s.log.Error("Persistence operation failed", "op", op, "error", err)
	if s.opts.OnFailure != nil {
		s.opts.OnFailure(s.coll, err)
	}
}

func (s *Syncer[D]) emit(kind EventKind, docs []D) {
	if s.notify != nil {
		s.notify(Event[D]{Collection: s.coll, Kind: kind, Docs: docs})
	}
}

func retry[T any](ctx context.Context, cfg RetryConfig, op backoff.Operation[T]) (T, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = cfg.InitialInterval
	b.MaxInterval = cfg.MaxInterval
	return backoff.Retry(ctx, op,
		backoff.WithBackOff(b),
		backoff.WithMaxTries(cfg.MaxTries),
		backoff.WithMaxElapsedTime(0),
	)
}
