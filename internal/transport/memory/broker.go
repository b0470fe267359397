// Copyright (c) 2025, The GoKit Authors
// MIT License
// All rights reserved.

// Package memory is an in-process broker with queue, lock, deferral and dead-letter
// semantics. It backs TransportTypeInMemory and the package tests.
package memory

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/goxkit/servicebus/internal/transport"
)

const (
	// DefaultLockDuration is how long a peek-locked message stays locked.
	DefaultLockDuration = 60 * time.Second

	deadLetterSuffix = "/$DeadLetterQueue"
)

// pollInterval bounds how long a waiting receiver goes without re-checking time based
// state such as lock expiry and scheduled messages.
var pollInterval = 10 * time.Millisecond

type (
	// Broker holds every entity of the process local namespace.
	Broker struct {
		mu           sync.Mutex
		now          func() time.Time
		lockDuration time.Duration
		senderWindow uint32
		entities     map[string]*entity
		nextSeq      int64
		conns        map[*conn]struct{}

		dials          int
		failDials      []error
		failSends      []error
		rejectTokens   bool
		authorizations []string
	}

	entity struct {
		path     string
		ready    []*stored
		locked   map[[16]byte]*stored
		deferred map[int64]*stored
		sessions map[string]*receiverLink
		signal   chan struct{}
	}

	stored struct {
		msg         transport.Message
		visibleAt   time.Time
		expiresAt   time.Time
		lockedUntil time.Time
		wasDeferred bool
	}
)

var (
	defaultBroker     *Broker
	defaultBrokerOnce sync.Once
)

// Default returns the process wide broker.
func Default() *Broker {
	defaultBrokerOnce.Do(func() {
		defaultBroker = NewBroker()
	})
	return defaultBroker
}

// NewBroker creates an empty broker.
func NewBroker() *Broker {
	return &Broker{
		now:          time.Now,
		lockDuration: DefaultLockDuration,
		entities:     map[string]*entity{},
		conns:        map[*conn]struct{}{},
	}
}

// SetClock replaces time.Now for lock, schedule and expiry decisions.
func (b *Broker) SetClock(now func() time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.now = now
}

// SetLockDuration changes the lock duration of future deliveries.
func (b *Broker) SetLockDuration(d time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.lockDuration = d
}

// SetSenderWindow sets the window reported by sender links. Zero reports unknown.
func (b *Broker) SetSenderWindow(n uint32) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.senderWindow = n
}

// FailDials makes the next dials fail with errs, in order.
func (b *Broker) FailDials(errs ...error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failDials = append(b.failDials, errs...)
}

// FailSends makes the next sends fail with errs, in order.
func (b *Broker) FailSends(errs ...error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failSends = append(b.failSends, errs...)
}

// RejectTokens makes every authorization fail.
func (b *Broker) RejectTokens(reject bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.rejectTokens = reject
}

// DropConnections closes every live connection as if the network went away.
func (b *Broker) DropConnections() {
	b.mu.Lock()
	conns := make([]*conn, 0, len(b.conns))
	for c := range b.conns {
		conns = append(conns, c)
	}
	b.mu.Unlock()

	for _, c := range conns {
		_ = c.Close()
	}
}

// Dials returns the number of dial attempts.
func (b *Broker) Dials() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dials
}

// Connections returns the number of live connections.
func (b *Broker) Connections() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.conns)
}

// Authorizations returns the audiences tokens were presented for, in order.
func (b *Broker) Authorizations() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return slices.Clone(b.authorizations)
}

// Messages returns copies of the messages of path that are available for delivery.
func (b *Broker) Messages(path string) []transport.Message {
	b.mu.Lock()
	defer b.mu.Unlock()

	e := b.entity(path)
	e.reclaim(b.now())

	out := make([]transport.Message, 0, len(e.ready))
	for _, s := range e.ready {
		out = append(out, s.msg)
	}
	return out
}

// Locked returns the number of locked messages of path.
func (b *Broker) Locked(path string) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	e := b.entity(path)
	e.reclaim(b.now())
	return len(e.locked)
}

// Deferred returns the number of deferred messages of path.
func (b *Broker) Deferred(path string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.entity(path).deferred)
}

// DeadLetters returns copies of the messages in the dead-letter queue of path.
func (b *Broker) DeadLetters(path string) []transport.Message {
	return b.Messages(path + deadLetterSuffix)
}

// Dialer returns a dialer connecting to the broker.
func (b *Broker) Dialer() transport.Dialer {
	return transport.DialerFunc(b.dial)
}

func (b *Broker) dial(ctx context.Context, cfg transport.DialConfig) (transport.Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	b.dials++
	if len(b.failDials) > 0 {
		err := b.failDials[0]
		b.failDials = b.failDials[1:]
		return nil, err
	}

	c := &conn{broker: b, namespace: cfg.Namespace, done: make(chan struct{})}
	b.conns[c] = struct{}{}
	return c, nil
}

// entity returns the entity at path, creating it on first use. b.mu must be held.
func (b *Broker) entity(path string) *entity {
	e, ok := b.entities[path]
	if !ok {
		e = &entity{
			path:     path,
			locked:   map[[16]byte]*stored{},
			deferred: map[int64]*stored{},
			sessions: map[string]*receiverLink{},
			signal:   make(chan struct{}),
		}
		b.entities[path] = e
	}
	return e
}

// enqueue stores a copy of msg. b.mu must be held.
func (b *Broker) enqueue(path string, msg *transport.Message) {
	now := b.now()
	b.nextSeq++

	s := &stored{msg: copyMessage(msg), visibleAt: now}
	s.msg.SequenceNumber = b.nextSeq
	s.msg.EnqueuedTime = now
	s.msg.LockToken = [16]byte{}
	s.msg.LockedUntil = time.Time{}
	s.msg.DeliveryCount = 0
	s.msg.Settled = false
	s.msg.Raw = nil

	if msg.ScheduledEnqueueTime != nil && msg.ScheduledEnqueueTime.After(now) {
		s.visibleAt = *msg.ScheduledEnqueueTime
	}
	if msg.TimeToLive > 0 {
		s.expiresAt = s.visibleAt.Add(msg.TimeToLive)
	}

	e := b.entity(path)
	e.ready = append(e.ready, s)
	e.notify()
}

// take removes the first deliverable message for l from the entity. b.mu must be held.
func (b *Broker) take(e *entity, l *receiverLink) *stored {
	now := b.now()
	e.reclaim(now)

	for i, s := range e.ready {
		if s.visibleAt.After(now) {
			continue
		}
		if l.sessionful && s.msg.SessionID != l.sessionID {
			continue
		}

		e.ready = slices.Delete(e.ready, i, i+1)
		s.msg.DeliveryCount++

		if l.mode == transport.ReceiveModeReceiveAndDelete {
			s.msg.Settled = true
			return s
		}

		b.lock(e, s, now)
		return s
	}
	return nil
}

// lock locks s under a fresh token. b.mu must be held.
func (b *Broker) lock(e *entity, s *stored, now time.Time) {
	s.msg.LockToken = uuid.New()
	s.lockedUntil = now.Add(b.lockDuration)
	s.msg.LockedUntil = s.lockedUntil
	e.locked[s.msg.LockToken] = s
}

// settle applies d to the locked message identified by token. b.mu must be held.
func (b *Broker) settle(e *entity, token [16]byte, d transport.Disposition) error {
	now := b.now()
	e.reclaim(now)

	s, ok := e.locked[token]
	if !ok {
		return fmt.Errorf("%w: lock token %s", transport.ErrLockLost, uuid.UUID(token))
	}
	delete(e.locked, token)

	switch d.Kind {
	case transport.DispositionComplete:
	case transport.DispositionAbandon:
		e.release(s)
	case transport.DispositionDefer:
		s.wasDeferred = true
		e.deferred[s.msg.SequenceNumber] = s
	case transport.DispositionDeadLetter:
		dead := s.msg
		dead.DeadLetterReason = d.DeadLetterReason
		dead.DeadLetterDescription = d.DeadLetterDescription
		if len(d.PropertiesToModify) > 0 {
			dead.ApplicationProperties = copyProps(dead.ApplicationProperties)
			for k, v := range d.PropertiesToModify {
				dead.ApplicationProperties[k] = v
			}
		}
		dlq := b.entity(e.path + deadLetterSuffix)
		dlq.ready = append(dlq.ready, &stored{msg: dead, visibleAt: now})
		dlq.notify()
	default:
		e.locked[token] = s
		return fmt.Errorf("%w: disposition %d", transport.ErrNotSupported, d.Kind)
	}

	e.notify()
	return nil
}

// release puts an unlocked message back where it came from.
func (e *entity) release(s *stored) {
	s.msg.LockToken = [16]byte{}
	s.msg.LockedUntil = time.Time{}
	s.lockedUntil = time.Time{}

	if s.wasDeferred {
		e.deferred[s.msg.SequenceNumber] = s
		return
	}

	i, _ := slices.BinarySearchFunc(e.ready, s.msg.SequenceNumber, func(x *stored, seq int64) int {
		return int(x.msg.SequenceNumber - seq)
	})
	e.ready = slices.Insert(e.ready, i, s)
	e.notify()
}

// reclaim unlocks expired locks and drops expired messages.
func (e *entity) reclaim(now time.Time) {
	for token, s := range e.locked {
		if !now.Before(s.lockedUntil) {
			delete(e.locked, token)
			e.release(s)
		}
	}

	e.ready = slices.DeleteFunc(e.ready, func(s *stored) bool {
		return !s.expiresAt.IsZero() && !now.Before(s.expiresAt)
	})
}

// notify wakes every receiver waiting on the entity.
func (e *entity) notify() {
	close(e.signal)
	e.signal = make(chan struct{})
}

// nextSession returns a session with deliverable messages that no receiver holds.
func (e *entity) nextSession(now time.Time) (string, bool) {
	for _, s := range e.ready {
		if s.msg.SessionID == "" || s.visibleAt.After(now) {
			continue
		}
		if _, held := e.sessions[s.msg.SessionID]; !held {
			return s.msg.SessionID, true
		}
	}
	return "", false
}

func copyMessage(m *transport.Message) transport.Message {
	c := *m
	c.Body = slices.Clone(m.Body)
	c.ApplicationProperties = copyProps(m.ApplicationProperties)
	if m.ScheduledEnqueueTime != nil {
		t := *m.ScheduledEnqueueTime
		c.ScheduledEnqueueTime = &t
	}
	return c
}

func copyProps(props map[string]any) map[string]any {
	c := make(map[string]any, len(props))
	for k, v := range props {
		c[k] = v
	}
	return c
}
