// Copyright (c) 2025, The GoKit Authors
// MIT License
// All rights reserved.

package servicebus

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// sweepInterval bounds how often expired entries are pruned.
const sweepInterval = time.Second

type (
	// settlementTracker records the unsettled messages of a peek-lock receiver and decides
	// whether a settlement may reach the broker.
	settlementTracker struct {
		now func() time.Time

		mu        sync.Mutex
		entries   map[uuid.UUID]*trackedMessage
		nextSweep time.Time
	}

	trackedMessage struct {
		lockedUntil time.Time
		generation  uint64
		deferred    bool
		settling    bool
	}
)

func newSettlementTracker(now func() time.Time) *settlementTracker {
	return &settlementTracker{now: now, entries: map[uuid.UUID]*trackedMessage{}}
}

// register records a delivered message as unsettled.
func (t *settlementTracker) register(m *ReceivedMessage) {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	if now.After(t.nextSweep) {
		for token, e := range t.entries {
			if !e.settling && !now.Before(e.lockedUntil) {
				delete(t.entries, token)
			}
		}
		t.nextSweep = now.Add(sweepInterval)
	}

	t.entries[m.LockToken] = &trackedMessage{
		lockedUntil: m.LockedUntil,
		generation:  m.generation,
		deferred:    m.deferred,
	}
}

// begin claims m for settlement. The returned func must be called with the outcome:
// settled true forgets the message, false makes it settleable again.
func (t *settlementTracker) begin(m *ReceivedMessage) (func(settled bool), error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.entries[m.LockToken]
	if !ok {
		if !m.LockedUntil.IsZero() && !t.now().Before(m.LockedUntil) {
			return nil, newError(MessageLockLostError, "lock expired at "+m.LockedUntil.Format(time.RFC3339Nano), nil)
		}
		return nil, newError(MessageAlreadySettledError, m.LockToken.String(), nil)
	}
	if e.settling {
		return nil, newError(MessageAlreadySettledError, "settlement in progress for "+m.LockToken.String(), nil)
	}
	if !t.now().Before(e.lockedUntil) {
		delete(t.entries, m.LockToken)
		return nil, newError(MessageLockLostError, "lock expired at "+e.lockedUntil.Format(time.RFC3339Nano), nil)
	}

	e.settling = true

	return func(settled bool) {
		t.mu.Lock()
		defer t.mu.Unlock()

		if settled {
			delete(t.entries, m.LockToken)
			return
		}
		e.settling = false
	}, nil
}

// dropGeneration forgets the messages delivered on a lost attach. Their locks died
// with the link.
func (t *settlementTracker) dropGeneration(generation uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for token, e := range t.entries {
		if !e.deferred && !e.settling && e.generation == generation {
			delete(t.entries, token)
		}
	}
}

// pending returns the number of unsettled messages.
func (t *settlementTracker) pending() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}
