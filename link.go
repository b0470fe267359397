// Copyright (c) 2025, The GoKit Authors
// MIT License
// All rights reserved.

package servicebus

import (
	"context"
	"errors"
	"sync"

	"github.com/sirupsen/logrus"
)

type linkState int32

const (
	linkUninitialized linkState = iota
	linkAttaching
	linkAttached
	linkDetaching
	linkDetached
)

func (s linkState) String() string {
	switch s {
	case linkUninitialized:
		return "uninitialized"
	case linkAttaching:
		return "attaching"
	case linkAttached:
		return "attached"
	case linkDetaching:
		return "detaching"
	case linkDetached:
		return "detached"
	default:
		return "unknown"
	}
}

type (
	// linkEndpoint is the sender or receiver half of a link. attach and detach run under
	// the link lock; reset drops everything bound to the lost attach.
	linkEndpoint interface {
		attach(ctx context.Context, s *session, conn *connection) error
		detach(ctx context.Context) error
		reset(generation uint64)
	}

	// link is a unidirectional channel to one entity. It re-attaches on demand after a
	// loss, bumping its generation, and never re-attaches once closed.
	link struct {
		name       string
		entityPath string
		audience   string
		retry      *retryExecutor
		endpoint   linkEndpoint

		// shared is the client connection in shared mode. Otherwise dial builds a private
		// connection the link owns.
		shared *connection
		dial   func() *connection

		mu         sync.Mutex
		state      linkState
		closed     bool
		generation uint64
		conn       *connection

		ops opTracker
	}

	// opTracker counts the operations in flight on a link so close can drain them.
	opTracker struct {
		mu   sync.Mutex
		n    int
		zero chan struct{}
	}
)

// ensureAttached returns the generation of the current attach, attaching first when the
// link is not attached.
func (l *link) ensureAttached(ctx context.Context) (uint64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return 0, newError(ClientClosedError, "link "+l.name+" is closed", nil)
	}
	if l.state == linkAttached {
		return l.generation, nil
	}

	l.state = linkAttaching
	if err := l.attachLocked(ctx); err != nil {
		l.state = linkDetached
		return 0, err
	}

	l.generation++
	l.state = linkAttached

	logrus.
		WithContext(ctx).
		WithFields(logrus.Fields{"link": l.name, "entity": l.entityPath, "generation": l.generation}).
		Debug("servicebus link attached")

	return l.generation, nil
}

func (l *link) attachLocked(ctx context.Context) error {
	conn := l.conn
	if conn == nil {
		if l.shared != nil {
			conn = l.shared
		} else {
			conn = l.dial()
		}
		l.conn = conn
	}

	s, _, err := conn.getSession(ctx)
	if err != nil {
		return err
	}

	if err := conn.authorize(ctx, l.audience); err != nil {
		return err
	}

	err = conn.write(func() error {
		return l.endpoint.attach(ctx, s, conn)
	})
	if err != nil {
		logrus.WithContext(ctx).WithError(err).WithField("entity", l.entityPath).Error("servicebus failure to attach link")
		return fromTransport(err)
	}

	conn.register(l)
	return nil
}

// do runs fn on an attached link inside the retry executor. Tracked operations are
// drained by close before the link detaches.
func (l *link) do(ctx context.Context, operation string, tracked bool, fn func(ctx context.Context, generation uint64) error) error {
	return l.retry.run(ctx, operation, func(ctx context.Context) error {
		if tracked {
			l.ops.begin()
			defer l.ops.end()
		}

		generation, err := l.ensureAttached(ctx)
		if err != nil {
			return err
		}

		if err := fn(ctx, generation); err != nil {
			return l.failed(generation, err)
		}
		return nil
	})
}

// failed classifies an operation error and marks the link lost when the error means the
// attach can no longer be used.
func (l *link) failed(generation uint64, err error) error {
	err = fromTransport(err)
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}

	l.mu.Lock()
	closed, conn := l.closed, l.conn
	l.mu.Unlock()

	switch {
	case closed:
		return newError(ClientClosedError, "link "+l.name+" is closed", err)
	case conn != nil && conn.isClosed():
		return newError(ConnectionClosedError, "", err)
	case isLinkFatal(err):
		l.markLostAt(generation, err)
		if errors.Is(err, LinkLostError) {
			return err
		}
		return newError(LinkLostError, l.entityPath, err)
	default:
		return err
	}
}

// markLost moves an attached link to detached after a connection drop.
func (l *link) markLost(cause error) {
	l.mu.Lock()
	generation := l.generation
	l.mu.Unlock()

	l.markLostAt(generation, cause)
}

func (l *link) markLostAt(generation uint64, cause error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.state != linkAttached || l.generation != generation {
		return
	}

	l.state = linkDetached
	l.endpoint.reset(generation)

	logrus.
		WithError(cause).
		WithFields(logrus.Fields{"link": l.name, "entity": l.entityPath, "generation": generation}).
		Warn("servicebus link lost, it will re-attach on the next operation")
}

// connectionClosed detaches the link because its connection was closed on purpose.
func (l *link) connectionClosed() {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.state == linkAttached {
		l.endpoint.reset(l.generation)
	}
	if l.state != linkDetaching {
		l.state = linkDetached
	}
}

// attachedAt reports whether the link is attached with the given generation.
func (l *link) attachedAt(generation uint64) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state == linkAttached && l.generation == generation
}

func (l *link) currentState() linkState {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// close drains the link's operations, detaches it and releases a private connection.
// Closing twice is a no-op.
func (l *link) close(ctx context.Context) error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	wasAttached := l.state == linkAttached
	l.state = linkDetaching
	conn := l.conn
	l.mu.Unlock()

	if err := l.ops.wait(ctx); err != nil {
		logrus.WithField("link", l.name).Warn("servicebus closing link with operations still in flight")
	}

	if wasAttached && conn != nil {
		err := conn.write(func() error {
			return l.endpoint.detach(ctx)
		})
		if err != nil {
			logrus.WithError(err).WithField("link", l.name).Warn("servicebus failure to detach link")
		}
	}

	l.mu.Lock()
	l.state = linkDetached
	l.mu.Unlock()

	if conn == nil {
		return nil
	}

	conn.unregister(l)
	if conn != l.shared {
		return conn.close(ctx)
	}
	return nil
}

func (t *opTracker) begin() {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.n == 0 {
		t.zero = make(chan struct{})
	}
	t.n++
}

func (t *opTracker) end() {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.n--
	if t.n == 0 {
		close(t.zero)
	}
}

// wait blocks until no operation is in flight or ctx ends.
func (t *opTracker) wait(ctx context.Context) error {
	t.mu.Lock()
	if t.n == 0 {
		t.mu.Unlock()
		return nil
	}
	zero := t.zero
	t.mu.Unlock()

	select {
	case <-zero:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
