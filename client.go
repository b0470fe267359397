// Copyright (c) 2025, The GoKit Authors
// MIT License
// All rights reserved.

// Package servicebus is a queue client for Service Bus namespaces: senders, peek-lock
// and receive-and-delete receivers, session receivers and a handler based processor,
// all multiplexed over AMQP links with credit flow control and retried on transient
// failures.
package servicebus

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/goxkit/servicebus/internal/transport"
	"github.com/goxkit/servicebus/internal/transport/amqp091"
	"github.com/goxkit/servicebus/internal/transport/amqp10"
	"github.com/goxkit/servicebus/internal/transport/memory"
)

// Client is the entry point to a namespace. It creates senders and receivers and, in
// shared connection mode, owns the connection they multiplex over.
type Client struct {
	namespace  string
	credential TokenCredential
	cfg        Configuration
	authURI    string
	tokens     *tokenCache
	dialer     transport.Dialer
	retry      *retryExecutor

	mu     sync.Mutex
	shared *connection
	closed bool
}

// New creates a client for the fully qualified namespace, e.g.
// myns.servicebus.windows.net. No connection is opened until a link needs one.
func New(namespace string, credential TokenCredential, options *ClientOptions) (*Client, error) {
	if namespace == "" {
		return nil, newError(ValidationError, "namespace is required", nil)
	}
	if credential == nil {
		return nil, newError(ValidationError, "credential is required", nil)
	}

	cfg, err := newConfiguration(options)
	if err != nil {
		logrus.WithError(err).Error("servicebus invalid client options")
		return nil, err
	}

	c := &Client{
		namespace:  namespace,
		credential: credential,
		cfg:        cfg,
		authURI:    authURI(namespace, cfg.entityName),
		tokens:     newTokenCache(credential, cfg.clock),
		dialer:     cfg.dialer,
		retry:      newRetryExecutor(cfg.retry),
	}
	if c.dialer == nil {
		c.dialer = dialerFor(cfg.transportType)
	}
	if cfg.connectionMode == ConnectionModeShared {
		c.shared = c.newConnection()
	}

	logrus.
		WithFields(logrus.Fields{
			"namespace": namespace,
			"transport": cfg.transportType.String(),
			"mode":      cfg.connectionMode.String(),
		}).
		Debug("servicebus client created")

	return c, nil
}

// NewFromConnectionString creates a client authenticated with the shared access key of
// the connection string. An EntityPath in the string overrides options.EntityName.
func NewFromConnectionString(connStr string, options *ClientOptions) (*Client, error) {
	props, err := ParseConnectionString(connStr)
	if err != nil {
		logrus.WithError(err).Error("servicebus invalid connection string")
		return nil, err
	}

	var opts ClientOptions
	if options != nil {
		opts = *options
	}
	if props.EntityPath != "" {
		opts.EntityName = props.EntityPath
	}

	credential, err := NewSharedKeyCredential(props.SharedAccessKeyName, props.SharedAccessKey)
	if err != nil {
		return nil, err
	}

	return New(props.FullyQualifiedNamespace, credential, &opts)
}

func authURI(namespace, entity string) string {
	if entity == "" {
		return "sb://" + namespace
	}
	return "sb://" + namespace + "/" + entity
}

func dialerFor(t TransportType) transport.Dialer {
	switch t {
	case TransportTypeAMQP091:
		return amqp091.NewDialer()
	case TransportTypeInMemory:
		return memory.Default().Dialer()
	default:
		return amqp10.NewDialer()
	}
}

func (c *Client) newConnection() *connection {
	cfg := transport.DialConfig{
		Namespace:   c.namespace,
		ContainerID: uuid.NewString(),
		TLSConfig:   c.cfg.tlsConfig,
		WebSocket:   c.cfg.transportType == TransportTypeAMQPWebSockets,
		Proxy:       c.cfg.transportProxy(),
		Debug:       c.cfg.loggingEnabled,
	}

	if sk, ok := c.credential.(*SharedKeyCredential); ok && c.cfg.transportType == TransportTypeAMQP091 {
		cfg.Username = sk.policy
		cfg.Password = sk.key
	}

	return newConnection(c.namespace, c.cfg, c.dialer, cfg, c.tokens)
}

// audience is the token audience of a link to entityPath.
func (c *Client) audience(entityPath string) string {
	if c.cfg.entityName != "" {
		return c.authURI
	}
	return authURI(c.namespace, entityPath)
}

func (c *Client) newLink(entityPath string, endpoint linkEndpoint, override *RetryOptions) (*link, error) {
	retry := c.cfg.retry
	if override != nil {
		r, err := override.withDefaults()
		if err != nil {
			return nil, err
		}
		retry = r
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil, newError(ClientClosedError, "", nil)
	}

	return &link{
		name:       fmt.Sprintf("%s-%s", entityPath, uuid.NewString()),
		entityPath: entityPath,
		audience:   c.audience(entityPath),
		retry:      newRetryExecutor(retry),
		endpoint:   endpoint,
		shared:     c.shared,
		dial:       c.newConnection,
	}, nil
}

// NewSender creates a sender for a queue or topic. The link attaches on first use.
func (c *Client) NewSender(queueOrTopic string, options *SenderOptions) (*Sender, error) {
	if queueOrTopic == "" {
		return nil, newError(ValidationError, "queue or topic name is required", nil)
	}
	if options == nil {
		options = &SenderOptions{}
	}

	s := &Sender{entityPath: queueOrTopic, tracer: defaultTracer()}
	l, err := c.newLink(queueOrTopic, s, options.RetryOptions)
	if err != nil {
		return nil, err
	}
	s.link = l

	return s, nil
}

// NewReceiver creates a receiver for a queue. The link attaches on first use.
func (c *Client) NewReceiver(queue string, options *ReceiverOptions) (*Receiver, error) {
	if queue == "" {
		return nil, newError(ValidationError, "queue name is required", nil)
	}
	if options == nil {
		options = &ReceiverOptions{}
	}
	if err := validateReceiverOptions(options); err != nil {
		return nil, err
	}

	entityPath := queue
	if options.SubQueue == SubQueueDeadLetter {
		entityPath += deadLetterQueueSuffix
	}

	r := &Receiver{
		entityPath:  entityPath,
		mode:        options.ReceiveMode,
		sessionID:   options.SessionID,
		prefetch:    uint32(options.Prefetch),
		idleTimeout: options.IdleTimeout,
		tracker:     newSettlementTracker(c.cfg.clock),
	}
	l, err := c.newLink(entityPath, r, options.RetryOptions)
	if err != nil {
		return nil, err
	}
	r.link = l

	return r, nil
}

// Open dials the shared connection in shared connection mode. It is a no-op in per-link
// mode and on an already open connection.
func (c *Client) Open(ctx context.Context) error {
	c.mu.Lock()
	closed, shared := c.closed, c.shared
	c.mu.Unlock()

	if closed {
		return newError(ClientClosedError, "", nil)
	}
	if shared == nil {
		return nil
	}

	return c.retry.run(ctx, "open", shared.open)
}

// Close releases the shared connection if one was created. Closing twice, or closing a
// client that never connected, is a no-op.
func (c *Client) Close(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	shared := c.shared
	c.mu.Unlock()

	if shared == nil {
		return nil
	}

	logrus.WithField("namespace", c.namespace).Debug("servicebus closing client")
	return shared.close(ctx)
}

// Use opens the client, runs fn and closes the client on every exit path, panics
// included.
func (c *Client) Use(ctx context.Context, fn func(ctx context.Context, c *Client) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			_ = c.Close(context.WithoutCancel(ctx))
			panic(r)
		}
	}()

	if err := c.Open(ctx); err != nil {
		return errors.Join(err, c.Close(context.WithoutCancel(ctx)))
	}

	err = fn(ctx, c)
	return errors.Join(err, c.Close(context.WithoutCancel(ctx)))
}

// FullyQualifiedNamespace returns the namespace host the client connects to.
func (c *Client) FullyQualifiedNamespace() string { return c.namespace }

// EntityName returns the entity the credential is scoped to, if any.
func (c *Client) EntityName() string { return c.cfg.entityName }

// AuthURI returns sb://<namespace> or sb://<namespace>/<entity>.
func (c *Client) AuthURI() string { return c.authURI }

// Configuration returns the validated client configuration.
func (c *Client) Configuration() Configuration { return c.cfg }
