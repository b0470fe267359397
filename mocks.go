// Copyright (c) 2025, The GoKit Authors
// MIT License
// All rights reserved.

package servicebus

import (
	"context"
	"slices"
	"sync"
	"time"
)

// =============================================================================
// MockTokenCredential - Mock implementation of TokenCredential for testing
// =============================================================================

// MockTokenCredential is a TokenCredential returning a fixed bearer token. It records
// the scopes it was asked for.
type MockTokenCredential struct {
	mu       sync.Mutex
	token    string
	lifetime time.Duration
	now      func() time.Time
	err      error
	calls    int
	scopes   []string
}

func NewMockTokenCredential() *MockTokenCredential {
	return &MockTokenCredential{
		token:    "mock-bearer-token",
		lifetime: time.Hour,
		now:      time.Now,
	}
}

func (m *MockTokenCredential) GetToken(_ context.Context, scopes ...string) (AccessToken, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.calls++
	m.scopes = append(m.scopes, scopes...)
	if m.err != nil {
		return AccessToken{}, m.err
	}
	return AccessToken{Token: m.token, ExpiresOn: m.now().Add(m.lifetime)}, nil
}

func (m *MockTokenCredential) SetToken(token string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.token = token
}

// SetLifetime changes the lifetime of issued tokens. A negative lifetime issues expired tokens.
func (m *MockTokenCredential) SetLifetime(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lifetime = d
}

func (m *MockTokenCredential) SetClock(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}

func (m *MockTokenCredential) SetError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.err = err
}

// Calls returns the number of GetToken calls.
func (m *MockTokenCredential) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

// Scopes returns the requested scopes, in order.
func (m *MockTokenCredential) Scopes() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.scopes)
}
