// Copyright (c) 2025, The GoKit Authors
// MIT License
// All rights reserved.

package servicebus

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/goxkit/servicebus/internal/transport"
)

func TestNew_Invalid(t *testing.T) {
	cred, _ := NewSharedKeyCredential("p", "k")

	tests := []struct {
		name       string
		namespace  string
		credential TokenCredential
		opts       *ClientOptions
	}{
		{"empty namespace", "", cred, nil},
		{"nil credential", "ns.servicebus.windows.net", nil, nil},
		{"invalid options", "ns.servicebus.windows.net", cred, &ClientOptions{CloseTimeout: -1}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := New(tt.namespace, tt.credential, tt.opts); !errors.Is(err, ValidationError) {
				t.Errorf("New() error = %v, want ValidationError", err)
			}
		})
	}
}

func TestClient_Accessors(t *testing.T) {
	c, _ := newTestClient(t, &ClientOptions{EntityName: "orders"})

	if c.FullyQualifiedNamespace() != "ns.servicebus.windows.net" {
		t.Errorf("FullyQualifiedNamespace() = %v", c.FullyQualifiedNamespace())
	}
	if c.EntityName() != "orders" {
		t.Errorf("EntityName() = %v, want orders", c.EntityName())
	}
	if c.AuthURI() != "sb://ns.servicebus.windows.net/orders" {
		t.Errorf("AuthURI() = %v", c.AuthURI())
	}
	if c.Configuration().TransportType() != TransportTypeInMemory {
		t.Errorf("Configuration().TransportType() = %v", c.Configuration().TransportType())
	}

	unscoped, _ := newTestClient(t, nil)
	if unscoped.AuthURI() != "sb://ns.servicebus.windows.net" {
		t.Errorf("AuthURI() = %v, want sb://ns.servicebus.windows.net", unscoped.AuthURI())
	}
}

func TestClient_CloseWithoutConnection(t *testing.T) {
	tests := []struct {
		name string
		mode ConnectionMode
	}{
		{"per-link", ConnectionModePerLink},
		{"shared", ConnectionModeShared},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, b := newTestClient(t, &ClientOptions{ConnectionMode: tt.mode})

			if err := c.Close(t.Context()); err != nil {
				t.Errorf("Close() error = %v", err)
			}
			if err := c.Close(t.Context()); err != nil {
				t.Errorf("second Close() error = %v", err)
			}
			if b.Dials() != 0 {
				t.Errorf("Dials() = %d, want 0", b.Dials())
			}
		})
	}
}

func TestClient_ClosedClientRejectsLinks(t *testing.T) {
	c, _ := newTestClient(t, nil)
	if err := c.Close(t.Context()); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	if _, err := c.NewSender("orders", nil); !errors.Is(err, ClientClosedError) {
		t.Errorf("NewSender() error = %v, want ClientClosedError", err)
	}
	if _, err := c.NewReceiver("orders", nil); !errors.Is(err, ClientClosedError) {
		t.Errorf("NewReceiver() error = %v, want ClientClosedError", err)
	}
	if err := c.Open(t.Context()); !errors.Is(err, ClientClosedError) {
		t.Errorf("Open() error = %v, want ClientClosedError", err)
	}
	if _, err := c.NewSender("", nil); !errors.Is(err, ValidationError) {
		t.Errorf("NewSender(\"\") error = %v, want ValidationError", err)
	}
}

func TestClient_SharedConnection(t *testing.T) {
	c, b := newTestClient(t, &ClientOptions{ConnectionMode: ConnectionModeShared})

	if err := c.Open(t.Context()); err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	if err := c.Open(t.Context()); err != nil {
		t.Fatalf("second Open() error = %v", err)
	}

	s := newTestSender(t, c, "orders")
	r := newTestReceiver(t, c, "orders", nil)

	sendBodies(t, s, "one")
	m := receiveOne(t, r)
	if err := r.CompleteMessage(t.Context(), m); err != nil {
		t.Fatalf("CompleteMessage() error = %v", err)
	}

	if b.Dials() != 1 || b.Connections() != 1 {
		t.Errorf("Dials() = %d, Connections() = %d, want one shared connection", b.Dials(), b.Connections())
	}

	if err := c.Close(t.Context()); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if b.Connections() != 0 {
		t.Errorf("Connections() = %d after Close, want 0", b.Connections())
	}

	if err := s.SendMessage(t.Context(), &Message{Body: []byte("late")}); !errors.Is(err, ConnectionClosedError) {
		t.Errorf("SendMessage() on a closed connection error = %v, want ConnectionClosedError", err)
	}
}

func TestClient_PerLinkConnections(t *testing.T) {
	c, b := newTestClient(t, nil)

	if err := c.Open(t.Context()); err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	if b.Dials() != 0 {
		t.Errorf("Open() dialed in per-link mode")
	}

	s := newTestSender(t, c, "orders")
	r := newTestReceiver(t, c, "orders", nil)
	sendBodies(t, s, "one")
	receiveOne(t, r)

	if b.Connections() != 2 {
		t.Errorf("Connections() = %d, want one per link", b.Connections())
	}

	if err := r.Close(t.Context()); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if b.Connections() != 1 {
		t.Errorf("Connections() = %d after closing the receiver, want 1", b.Connections())
	}
}

func TestClient_OpenRetriesDialFailures(t *testing.T) {
	c, b := newTestClient(t, &ClientOptions{ConnectionMode: ConnectionModeShared})

	b.FailDials(fmt.Errorf("%w: connection refused", transport.ErrConnection))
	if err := c.Open(t.Context()); err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	if b.Dials() != 2 {
		t.Errorf("Dials() = %d, want 2", b.Dials())
	}

	other, b2 := newTestClient(t, &ClientOptions{ConnectionMode: ConnectionModeShared})
	refused := fmt.Errorf("%w: connection refused", transport.ErrConnection)
	b2.FailDials(refused, refused, refused)

	err := other.Open(t.Context())
	var sbErr *ServiceBusError
	if !errors.Is(err, ConnectionError) || !errors.As(err, &sbErr) || sbErr.Attempts != 3 {
		t.Errorf("Open() error = %v, want ConnectionError after 3 attempts", err)
	}
}

func TestClient_AuthorizationFailure(t *testing.T) {
	c, b := newTestClient(t, nil)
	b.RejectTokens(true)

	s := newTestSender(t, c, "orders")
	if err := s.SendMessage(t.Context(), &Message{Body: []byte("x")}); !errors.Is(err, AuthorizationError) {
		t.Errorf("SendMessage() error = %v, want AuthorizationError", err)
	}
	if len(b.Authorizations()) != 1 {
		t.Errorf("Authorizations() = %v, authorization failures must not be retried", b.Authorizations())
	}
}

func TestClient_Use(t *testing.T) {
	c, b := newTestClient(t, &ClientOptions{ConnectionMode: ConnectionModeShared})

	err := c.Use(t.Context(), func(ctx context.Context, c *Client) error {
		s, err := c.NewSender("orders", nil)
		if err != nil {
			return err
		}
		return s.SendMessage(ctx, &Message{Body: []byte("inside")})
	})
	if err != nil {
		t.Fatalf("Use() error = %v", err)
	}

	if len(b.Messages("orders")) != 1 {
		t.Errorf("broker holds %d messages, want 1", len(b.Messages("orders")))
	}
	if b.Connections() != 0 {
		t.Errorf("Connections() = %d after Use, want 0", b.Connections())
	}
	if _, err := c.NewSender("orders", nil); !errors.Is(err, ClientClosedError) {
		t.Errorf("NewSender() after Use error = %v, want ClientClosedError", err)
	}
}

func TestClient_UseClosesOnError(t *testing.T) {
	c, b := newTestClient(t, &ClientOptions{ConnectionMode: ConnectionModeShared})
	boom := errors.New("boom")

	err := c.Use(t.Context(), func(context.Context, *Client) error { return boom })
	if !errors.Is(err, boom) {
		t.Errorf("Use() error = %v, want boom", err)
	}
	if b.Connections() != 0 {
		t.Errorf("Connections() = %d, want 0", b.Connections())
	}
}

func TestClient_UseClosesOnPanic(t *testing.T) {
	c, b := newTestClient(t, &ClientOptions{ConnectionMode: ConnectionModeShared})

	defer func() {
		if r := recover(); r != "handler panic" {
			t.Errorf("recover() = %v, want the original panic", r)
		}
		if b.Connections() != 0 {
			t.Errorf("Connections() = %d, want 0", b.Connections())
		}
		if _, err := c.NewSender("orders", nil); !errors.Is(err, ClientClosedError) {
			t.Errorf("client not closed after panic, NewSender() error = %v", err)
		}
	}()

	_ = c.Use(t.Context(), func(context.Context, *Client) error { panic("handler panic") })
}

func TestClient_CloseWithSendInFlight(t *testing.T) {
	tests := []struct {
		name          string
		closeTimeout  time.Duration
		expectedError error
	}{
		{"drains the send", time.Second, nil},
		{"fails the send after the deadline", 30 * time.Millisecond, ConnectionClosedError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, b := newTestClient(t, &ClientOptions{ConnectionMode: ConnectionModeShared})
			b.SetSenderWindow(1)
			s := newTestSender(t, c, "orders")
			sendBodies(t, s, "attach")

			s.mu.Lock()
			window := s.window
			s.mu.Unlock()
			window <- struct{}{}

			sent := make(chan error, 1)
			go func() { sent <- s.SendMessage(context.Background(), &Message{Body: []byte("in flight")}) }()

			waitFor(t, "send in flight", func() bool {
				s.link.ops.mu.Lock()
				defer s.link.ops.mu.Unlock()
				return s.link.ops.n == 1
			})

			closed := make(chan error, 1)
			go func() {
				ctx, cancel := context.WithTimeout(context.Background(), tt.closeTimeout)
				defer cancel()
				closed <- c.Close(ctx)
			}()

			if tt.expectedError != nil {
				if err := <-closed; err != nil {
					t.Fatalf("Close() error = %v", err)
				}
			} else {
				waitFor(t, "close started", func() bool { return c.shared.isClosed() })
			}

			<-window

			select {
			case err := <-sent:
				if !errors.Is(err, tt.expectedError) {
					t.Errorf("SendMessage() error = %v, want %v", err, tt.expectedError)
				}
			case <-time.After(time.Second):
				t.Fatal("in flight SendMessage() did not return")
			}

			if tt.expectedError == nil {
				if err := <-closed; err != nil {
					t.Errorf("Close() error = %v", err)
				}
				if got := len(b.Messages("orders")); got != 2 {
					t.Errorf("Messages() = %d, want the drained send delivered", got)
				}
			}
			if b.Connections() != 0 {
				t.Errorf("Connections() = %d after Close, want 0", b.Connections())
			}
		})
	}
}
