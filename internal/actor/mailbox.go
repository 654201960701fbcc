// Package actor provides the mailbox primitive every engine actor is built on.
//
// A Mailbox is an unbounded FIFO: Send never blocks and never reorders or
// coalesces messages, so a parent and a child can message each other from
// inside their handlers without deadlocking on a full channel.
package actor

import (
	"context"
	"errors"
	"sync"
)

// ErrClosed is returned by request/reply helpers once the actor has stopped.
var ErrClosed = errors.New("actor: mailbox closed")

// Mailbox is an unbounded, ordered message queue with a single consumer.
type Mailbox[M any] struct {
	mu     sync.Mutex
	queue  []M
	notify chan struct{}
	closed bool
}

// NewMailbox creates an empty mailbox.
func NewMailbox[M any]() *Mailbox[M] {
	return &Mailbox[M]{
		queue:  make([]M, 0, 16),
		notify: make(chan struct{}, 1),
	}
}

// Send enqueues msg. It reports false if the mailbox is closed.
func (m *Mailbox[M]) Send(msg M) bool {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return false
	}
	m.queue = append(m.queue, msg)
	m.mu.Unlock()

	m.wake()
	return true
}

// Receive blocks until a message is available, the mailbox is closed and
// drained, or ctx is done.
func (m *Mailbox[M]) Receive(ctx context.Context) (M, bool) {
	for {
		m.mu.Lock()
		if len(m.queue) > 0 {
			msg := m.queue[0]
			var zero M
			m.queue[0] = zero
			m.queue = m.queue[1:]
			m.mu.Unlock()
			return msg, true
		}
		if m.closed {
			m.mu.Unlock()
			var zero M
			return zero, false
		}
		m.mu.Unlock()

		select {
		case <-m.notify:
		case <-ctx.Done():
			var zero M
			return zero, false
		}
	}
}

// Close stops accepting messages. Messages already queued are still delivered.
func (m *Mailbox[M]) Close() {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	m.wake()
}

// Closed reports whether Close has been called.
func (m *Mailbox[M]) Closed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

// Len returns the number of queued messages.
func (m *Mailbox[M]) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.queue)
}

func (m *Mailbox[M]) wake() {
	select {
	case m.notify <- struct{}{}:
	default:
	}
}

// Ask sends a request built around a fresh reply channel and waits for the
// answer. The actor must reply exactly once to every request it dequeues.
func Ask[M any, R any](ctx context.Context, mb *Mailbox[M], build func(reply chan<- R) M) (R, error) {
	reply := make(chan R, 1)
	var zero R
	if !mb.Send(build(reply)) {
		return zero, ErrClosed
	}
	select {
	case r := <-reply:
		return r, nil
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}
