// Copyright (c) 2025, The GoKit Authors
// MIT License
// All rights reserved.

package servicebus

import (
	"context"
	"io"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/goxkit/servicebus/internal/transport"
)

// tokenRenewRetryDelay is the wait before retrying a failed token renewal.
var tokenRenewRetryDelay = 10 * time.Second

var discardLogger = &logrus.Logger{Out: io.Discard, Formatter: new(logrus.TextFormatter), Hooks: make(logrus.LevelHooks), Level: logrus.PanicLevel}

// connection owns at most one live transport connection to a namespace. It multiplexes
// one session and any number of links, and keeps the tokens of every audience its links
// use presented to the broker.
type connection struct {
	namespace string
	cfg       Configuration
	dialer    transport.Dialer
	dialCfg   transport.DialConfig
	tokens    *tokenCache

	mu         sync.Mutex
	conn       transport.Conn
	session    *session
	connCtx    context.Context
	connCancel context.CancelFunc
	authorized map[string]bool
	links      map[*link]struct{}
	closed     bool

	// writeMu serializes frame producing control operations of every link on the connection.
	writeMu sync.Mutex
}

func newConnection(namespace string, cfg Configuration, dialer transport.Dialer, dialCfg transport.DialConfig, tokens *tokenCache) *connection {
	return &connection{
		namespace:  namespace,
		cfg:        cfg,
		dialer:     dialer,
		dialCfg:    dialCfg,
		tokens:     tokens,
		authorized: map[string]bool{},
		links:      map[*link]struct{}{},
	}
}

// open dials the namespace when no transport connection is live. It is a no-op on an
// open connection and makes a single attempt; callers own the retry policy.
func (c *connection) open(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.openLocked(ctx)
}

func (c *connection) openLocked(ctx context.Context) error {
	if c.closed {
		return ConnectionClosedError
	}
	if c.conn != nil {
		select {
		case <-c.conn.Done():
			// dropped, the monitor has not caught up yet
			c.conn = nil
			c.session = nil
			c.connCancel()
		default:
			return nil
		}
	}

	c.trace().Debug("servicebus connecting to namespace...")

	conn, err := c.dialer.Dial(ctx, c.dialCfg)
	if err != nil {
		logrus.WithContext(ctx).WithError(err).WithField("namespace", c.namespace).Error("servicebus failure to connect to the namespace")
		return fromTransport(err)
	}

	c.conn = conn
	c.session = nil
	c.authorized = map[string]bool{}
	c.connCtx, c.connCancel = context.WithCancel(context.Background())

	go c.monitor(c.connCtx, conn)

	c.trace().Debug("servicebus connected to namespace")
	return nil
}

// getSession returns the session of the live connection, opening both when needed.
func (c *connection) getSession(ctx context.Context) (*session, transport.Conn, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.openLocked(ctx); err != nil {
		return nil, nil, err
	}
	if c.session != nil {
		return c.session, c.conn, nil
	}

	var ts transport.Session
	err := c.write(func() error {
		var sErr error
		ts, sErr = c.conn.NewSession(ctx)
		return sErr
	})
	if err != nil {
		logrus.WithContext(ctx).WithError(err).Error("servicebus failure to begin session")
		return nil, nil, fromTransport(err)
	}

	c.session = newSession(ts, defaultSessionWindow)
	return c.session, c.conn, nil
}

// authorize presents a token for audience on the live connection and keeps renewing it
// until the transport connection goes away.
func (c *connection) authorize(ctx context.Context, audience string) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ConnectionClosedError
	}
	conn, connCtx := c.conn, c.connCtx
	done := c.authorized[audience]
	c.mu.Unlock()

	if conn == nil {
		return newError(ConnectionError, "connection is not open", nil)
	}
	if done {
		return nil
	}

	if err := c.putToken(ctx, conn, audience); err != nil {
		return err
	}

	c.mu.Lock()
	if c.conn == conn && !c.authorized[audience] {
		c.authorized[audience] = true
		go c.renew(connCtx, conn, audience)
	}
	c.mu.Unlock()

	return nil
}

func (c *connection) putToken(ctx context.Context, conn transport.Conn, audience string) error {
	tok, err := c.tokens.token(ctx, audience)
	if err != nil {
		return err
	}

	err = c.write(func() error {
		return conn.Authorize(ctx, audience, transport.Token{
			Value:     tok.Token,
			Type:      tokenType(tok.Token),
			ExpiresOn: tok.ExpiresOn,
		})
	})
	if err != nil {
		logrus.WithContext(ctx).WithError(err).WithField("audience", audience).Error("servicebus failure to authorize")
		return fromTransport(err)
	}

	c.trace().WithField("audience", audience).Debug("servicebus token presented")
	return nil
}

// renew presents a fresh token shortly before the current one expires.
func (c *connection) renew(ctx context.Context, conn transport.Conn, audience string) {
	for {
		timer := time.NewTimer(c.tokens.untilRenewal(audience))

		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		if err := c.putToken(ctx, conn, audience); err != nil {
			logrus.WithError(err).WithField("audience", audience).Warn("servicebus token renewal failed, retrying")
			select {
			case <-ctx.Done():
				return
			case <-time.After(tokenRenewRetryDelay):
			}
		}
	}
}

// write runs fn under the connection write lock.
func (c *connection) write(fn func() error) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return fn()
}

// monitor watches the transport connection and marks every link lost when it drops.
func (c *connection) monitor(ctx context.Context, conn transport.Conn) {
	select {
	case <-ctx.Done():
		return
	case <-conn.Done():
	}

	c.mu.Lock()
	if c.closed || c.conn != conn {
		c.mu.Unlock()
		return
	}
	c.conn = nil
	c.session = nil
	c.connCancel()
	links := c.snapshotLocked()
	c.mu.Unlock()

	logrus.WithField("namespace", c.namespace).Warn("servicebus connection closed unexpectedly")

	cause := newError(ConnectionError, "connection dropped", nil)
	for _, l := range links {
		l.markLost(cause)
	}
}

func (c *connection) register(l *link) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.links[l] = struct{}{}
}

func (c *connection) unregister(l *link) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.links, l)
}

func (c *connection) snapshotLocked() []*link {
	links := make([]*link, 0, len(c.links))
	for l := range c.links {
		links = append(links, l)
	}
	return links
}

func (c *connection) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// isOpen reports whether a transport connection is live.
func (c *connection) isOpen() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.closed && c.conn != nil
}

// close drains the active operations of every link, bounded by ctx or the configured
// close timeout, then tears the transport down. Operations still pending fail with
// ConnectionClosedError. Closing twice is a no-op.
func (c *connection) close(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	links := c.snapshotLocked()
	c.mu.Unlock()

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.closeTimeout)
		defer cancel()
	}

	for _, l := range links {
		if err := l.ops.wait(ctx); err != nil {
			logrus.WithField("link", l.name).Warn("servicebus closing connection with operations still in flight")
			break
		}
	}

	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.session = nil
	if c.connCancel != nil {
		c.connCancel()
	}
	c.links = map[*link]struct{}{}
	c.mu.Unlock()

	for _, l := range links {
		l.connectionClosed()
	}

	if conn == nil {
		return nil
	}

	if err := conn.Close(); err != nil {
		logrus.WithError(err).WithField("namespace", c.namespace).Error("servicebus error closing connection")
		return fromTransport(err)
	}

	logrus.WithField("namespace", c.namespace).Debug("servicebus connection closed")
	return nil
}

// trace returns a logger for wire traces, silent unless logging is enabled.
func (c *connection) trace() logrus.FieldLogger {
	if !c.cfg.loggingEnabled {
		return discardLogger
	}
	return logrus.WithField("namespace", c.namespace)
}
