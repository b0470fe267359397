// Copyright (c) 2025, The GoKit Authors
// MIT License
// All rights reserved.

package servicebus

import (
	"sync"

	"github.com/goxkit/servicebus/internal/transport"
)

// defaultSessionWindow is the number of credits the links of one session may have
// outstanding together.
const defaultSessionWindow = 5000

type (
	// session is a child of exactly one connection. Its links draw receive credit from
	// one shared window.
	session struct {
		ts     transport.Session
		window *flowWindow
	}

	// flowWindow is a credit pool shared by the links of a session.
	flowWindow struct {
		mu        sync.Mutex
		size      uint32
		available uint32
	}
)

func newSession(ts transport.Session, size uint32) *session {
	return &session{ts: ts, window: newFlowWindow(size)}
}

func newFlowWindow(size uint32) *flowWindow {
	return &flowWindow{size: size, available: size}
}

// acquire takes up to n credits from the window and returns how many were granted.
func (w *flowWindow) acquire(n uint32) uint32 {
	w.mu.Lock()
	defer w.mu.Unlock()

	granted := min(n, w.available)
	w.available -= granted
	return granted
}

// release gives n credits back to the window.
func (w *flowWindow) release(n uint32) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.available = min(w.available+n, w.size)
}

// Available returns the number of credits not held by any link.
func (w *flowWindow) Available() uint32 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.available
}
