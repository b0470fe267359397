// Copyright (c) 2025, The GoKit Authors
// MIT License
// All rights reserved.

package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/goxkit/servicebus/internal/transport"
)

type (
	conn struct {
		broker    *Broker
		namespace string
		done      chan struct{}
		closeOnce sync.Once
	}

	session struct {
		conn *conn
	}

	senderLink struct {
		conn   *conn
		target string
		closed bool
	}

	receiverLink struct {
		conn       *conn
		source     string
		mode       transport.ReceiveMode
		sessionful bool
		sessionID  string
		credit     uint32
		closed     bool
		closedCh   chan struct{}
	}
)

func (c *conn) Authorize(ctx context.Context, audience string, token transport.Token) error {
	if err := c.check(); err != nil {
		return err
	}

	b := c.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	b.authorizations = append(b.authorizations, audience)
	if b.rejectTokens {
		return fmt.Errorf("%w: token rejected for %s", transport.ErrAuthorization, audience)
	}
	if !token.ExpiresOn.After(b.now()) {
		return fmt.Errorf("%w: token for %s expired", transport.ErrAuthorization, audience)
	}
	return nil
}

func (c *conn) NewSession(ctx context.Context) (transport.Session, error) {
	if err := c.check(); err != nil {
		return nil, err
	}
	return &session{conn: c}, nil
}

func (c *conn) Done() <-chan struct{} {
	return c.done
}

func (c *conn) Close() error {
	c.closeOnce.Do(func() {
		b := c.broker
		b.mu.Lock()
		delete(b.conns, c)
		for _, e := range b.entities {
			for id, l := range e.sessions {
				if l.conn == c {
					delete(e.sessions, id)
				}
			}
			e.notify()
		}
		b.mu.Unlock()

		close(c.done)
	})
	return nil
}

func (c *conn) check() error {
	select {
	case <-c.done:
		return fmt.Errorf("%w: connection closed", transport.ErrConnection)
	default:
		return nil
	}
}

func (s *session) NewSender(ctx context.Context, target string, _ transport.SenderOptions) (transport.SenderLink, error) {
	if err := s.conn.check(); err != nil {
		return nil, err
	}
	return &senderLink{conn: s.conn, target: target}, nil
}

func (s *session) NewReceiver(ctx context.Context, source string, opts transport.ReceiverOptions) (transport.ReceiverLink, error) {
	if err := s.conn.check(); err != nil {
		return nil, err
	}

	l := &receiverLink{
		conn:       s.conn,
		source:     source,
		mode:       opts.Mode,
		sessionful: opts.Sessionful,
		closedCh:   make(chan struct{}),
	}
	if !opts.Sessionful {
		return l, nil
	}

	b := s.conn.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	e := b.entity(source)
	id := opts.SessionID
	if opts.NextSession {
		next, ok := e.nextSession(b.now())
		if !ok {
			return nil, fmt.Errorf("%w: no session available on %s", transport.ErrTimeout, source)
		}
		id = next
	}
	if _, held := e.sessions[id]; held {
		return nil, fmt.Errorf("%w: session %q is locked by another receiver", transport.ErrServerBusy, id)
	}

	l.sessionID = id
	e.sessions[id] = l
	return l, nil
}

func (s *session) Close(ctx context.Context) error {
	return nil
}

func (l *senderLink) Send(ctx context.Context, msg *transport.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := l.conn.check(); err != nil {
		return err
	}

	b := l.conn.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	if l.closed {
		return fmt.Errorf("%w: sender closed", transport.ErrLinkLost)
	}
	if len(b.failSends) > 0 {
		err := b.failSends[0]
		b.failSends = b.failSends[1:]
		return err
	}

	b.enqueue(l.target, msg)
	return nil
}

func (l *senderLink) Window() uint32 {
	b := l.conn.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.senderWindow
}

func (l *senderLink) Close(ctx context.Context) error {
	b := l.conn.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	l.closed = true
	return nil
}

func (l *receiverLink) IssueCredit(credit uint32) error {
	if err := l.conn.check(); err != nil {
		return err
	}

	b := l.conn.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	if l.closed {
		return fmt.Errorf("%w: receiver closed", transport.ErrLinkLost)
	}
	l.credit += credit
	b.entity(l.source).notify()
	return nil
}

// Credit returns the credit the link holds.
func (l *receiverLink) Credit() uint32 {
	b := l.conn.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	return l.credit
}

func (l *receiverLink) Receive(ctx context.Context) (*transport.Message, error) {
	b := l.conn.broker

	for {
		b.mu.Lock()
		if l.closed {
			b.mu.Unlock()
			return nil, fmt.Errorf("%w: receiver closed", transport.ErrLinkLost)
		}

		e := b.entity(l.source)
		if l.credit > 0 {
			if s := b.take(e, l); s != nil {
				l.credit--
				msg := copyMessage(&s.msg)
				msg.Raw = s
				b.mu.Unlock()
				return &msg, nil
			}
		}
		signal := e.signal
		b.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-l.conn.done:
			return nil, fmt.Errorf("%w: connection closed", transport.ErrLinkLost)
		case <-l.closedCh:
			return nil, fmt.Errorf("%w: receiver closed", transport.ErrLinkLost)
		case <-signal:
		case <-time.After(pollInterval):
		}
	}
}

func (l *receiverLink) Settle(ctx context.Context, msg *transport.Message, d transport.Disposition) error {
	if err := l.conn.check(); err != nil {
		return fmt.Errorf("%w: connection closed", transport.ErrLinkLost)
	}
	if l.mode == transport.ReceiveModeReceiveAndDelete {
		return fmt.Errorf("%w: receive and delete links do not settle", transport.ErrNotSupported)
	}

	b := l.conn.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	if l.closed {
		return fmt.Errorf("%w: receiver closed", transport.ErrLinkLost)
	}
	return b.settle(b.entity(l.source), msg.LockToken, d)
}

func (l *receiverLink) ReceiveDeferred(ctx context.Context, mode transport.ReceiveMode, sequenceNumbers []int64) ([]*transport.Message, error) {
	if err := l.conn.check(); err != nil {
		return nil, fmt.Errorf("%w: connection closed", transport.ErrLinkLost)
	}

	b := l.conn.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	e := b.entity(l.source)
	now := b.now()
	e.reclaim(now)

	for _, seq := range sequenceNumbers {
		if _, ok := e.deferred[seq]; !ok {
			return nil, fmt.Errorf("%w: no deferred message with sequence number %d", transport.ErrNotFound, seq)
		}
	}

	out := make([]*transport.Message, 0, len(sequenceNumbers))
	for _, seq := range sequenceNumbers {
		s := e.deferred[seq]
		delete(e.deferred, seq)
		s.msg.DeliveryCount++

		if mode == transport.ReceiveModeReceiveAndDelete {
			s.msg.Settled = true
		} else {
			b.lock(e, s, now)
		}

		msg := copyMessage(&s.msg)
		msg.Raw = s
		out = append(out, &msg)
	}
	return out, nil
}

func (l *receiverLink) SessionID() string {
	return l.sessionID
}

func (l *receiverLink) Close(ctx context.Context) error {
	b := l.conn.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	if l.closed {
		return nil
	}
	l.closed = true
	close(l.closedCh)

	if l.sessionful {
		e := b.entity(l.source)
		if e.sessions[l.sessionID] == l {
			delete(e.sessions, l.sessionID)
		}
	}
	return nil
}
