// Copyright (c) 2025, The GoKit Authors
// MIT License
// All rights reserved.

// Package amqp091 runs the servicebus engine against an AMQP 0-9-1 broker such as a
// local RabbitMQ. Queues stand in for entities; dead-letter, deferred and scheduled
// messages live in companion queues declared next to each entity.
package amqp091

import (
	"context"
	"net"
	"net/url"
	"strings"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/sirupsen/logrus"

	"github.com/goxkit/servicebus/internal/transport"
)

const (
	amqpPort  = "5672"
	amqpsPort = "5671"
	heartbeat = 10 * time.Second
)

type (
	// channel is the part of *amqp.Channel the adapter uses.
	channel interface {
		QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
		Confirm(noWait bool) error
		PublishWithDeferredConfirmWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) (*amqp.DeferredConfirmation, error)
		Get(queue string, autoAck bool) (amqp.Delivery, bool, error)
		Ack(tag uint64, multiple bool) error
		Nack(tag uint64, multiple, requeue bool) error
		IsClosed() bool
		Close() error
	}

	// connection is the part of *amqp.Connection the adapter uses.
	connection interface {
		channel() (channel, error)
		NotifyClose(receiver chan *amqp.Error) chan *amqp.Error
		IsClosed() bool
		Close() error
	}

	amqpConnection struct {
		*amqp.Connection
	}

	dialer struct{}
)

func (c amqpConnection) channel() (channel, error) {
	ch, err := c.Channel()
	if err != nil {
		return nil, err
	}
	return ch, nil
}

// dial opens the broker connection. It is a variable so tests can run without a broker.
var dial = func(url string, cfg amqp.Config) (connection, error) {
	c, err := amqp.DialConfig(url, cfg)
	if err != nil {
		return nil, err
	}
	return amqpConnection{c}, nil
}

// NewDialer returns the AMQP 0-9-1 dialer.
func NewDialer() transport.Dialer {
	return dialer{}
}

func (dialer) Dial(ctx context.Context, cfg transport.DialConfig) (transport.Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	u := brokerURL(cfg)

	amqpCfg := amqp.Config{
		Vhost:           "/",
		Heartbeat:       heartbeat,
		TLSClientConfig: cfg.TLSConfig,
		Properties:      amqp.NewConnectionProperties(),
		Dial:            amqp.DefaultDial(30 * time.Second),
	}
	amqpCfg.Properties.SetClientConnectionName(cfg.ContainerID)
	if cfg.Username != "" {
		amqpCfg.SASL = []amqp.Authentication{&amqp.PlainAuth{Username: cfg.Username, Password: cfg.Password}}
	}

	if cfg.Debug {
		logrus.WithFields(logrus.Fields{"host": u.Host, "tls": cfg.TLSConfig != nil}).Debug("servicebus amqp091 dial")
	}

	c, err := dial(u.String(), amqpCfg)
	if err != nil {
		logrus.WithError(err).WithField("host", u.Host).Error("servicebus failure to connect to the broker")
		return nil, mapError(err)
	}

	return newConn(c), nil
}

// brokerURL builds the amqp URL of the namespace host. Credentials travel in the SASL
// config, never in the URL.
func brokerURL(cfg transport.DialConfig) *url.URL {
	scheme, port := "amqp", amqpPort
	if cfg.TLSConfig != nil {
		scheme, port = "amqps", amqpsPort
	}

	host := strings.TrimSuffix(cfg.Namespace, "/")
	if _, _, err := net.SplitHostPort(host); err != nil {
		host = net.JoinHostPort(host, port)
	}

	return &url.URL{Scheme: scheme, Host: host, Path: "/"}
}
