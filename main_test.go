// Copyright (c) 2025, The GoKit Authors
// MIT License
// All rights reserved.

package servicebus

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"

	"github.com/goxkit/servicebus/internal/transport/memory"
)

func TestMain(m *testing.M) {
	newBackoff = func(RetryOptions) backoff.BackOff { return &backoff.ZeroBackOff{} }
	logrus.SetLevel(logrus.PanicLevel)
	os.Exit(m.Run())
}

// newTestClient returns a client wired to a fresh in-memory broker.
func newTestClient(t *testing.T, opts *ClientOptions) (*Client, *memory.Broker) {
	t.Helper()

	b := memory.NewBroker()
	if opts == nil {
		opts = &ClientOptions{}
	}
	opts.TransportType = TransportTypeInMemory
	opts.Dialer = b.Dialer()

	cred, err := NewSharedKeyCredential("RootManageSharedAccessKey", "c2VjcmV0")
	if err != nil {
		t.Fatalf("NewSharedKeyCredential() error = %v", err)
	}

	c, err := New("ns.servicebus.windows.net", cred, opts)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(func() { _ = c.Close(context.Background()) })

	return c, b
}

func newTestSender(t *testing.T, c *Client, queue string) *Sender {
	t.Helper()

	s, err := c.NewSender(queue, nil)
	if err != nil {
		t.Fatalf("NewSender() error = %v", err)
	}
	t.Cleanup(func() { _ = s.Close(context.Background()) })
	return s
}

func newTestReceiver(t *testing.T, c *Client, queue string, opts *ReceiverOptions) *Receiver {
	t.Helper()

	r, err := c.NewReceiver(queue, opts)
	if err != nil {
		t.Fatalf("NewReceiver() error = %v", err)
	}
	t.Cleanup(func() { _ = r.Close(context.Background()) })
	return r
}

// sendBodies sends one message per body and fails the test on error.
func sendBodies(t *testing.T, s *Sender, bodies ...string) {
	t.Helper()

	for _, body := range bodies {
		if err := s.SendMessage(t.Context(), &Message{Body: []byte(body)}); err != nil {
			t.Fatalf("SendMessage(%q) error = %v", body, err)
		}
	}
}

// waitFor polls cond until it holds or a second passes.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()

	deadline := time.Now().Add(time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}
