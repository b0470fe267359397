// Copyright (c) 2025, The GoKit Authors
// MIT License
// All rights reserved.

// Package amqp10 connects to Service Bus namespaces over AMQP 1.0 with
// github.com/Azure/go-amqp, either on TLS port 5671 or tunnelled through a secure
// WebSocket on port 443.
package amqp10

import (
	"bufio"
	"context"
	"crypto/tls"
	"encoding/base64"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/Azure/go-amqp"
	"github.com/sirupsen/logrus"
	"golang.org/x/net/websocket"

	"github.com/goxkit/servicebus/internal/transport"
)

const (
	amqpsPort         = "5671"
	webSocketPort     = "443"
	webSocketPath     = "/$servicebus/websocket/"
	webSocketProtocol = "AMQPWSB10"
)

// netDial opens raw network connections. It is a variable so tests can replace the network.
var netDial = func(ctx context.Context, network, addr string) (net.Conn, error) {
	var d net.Dialer
	return d.DialContext(ctx, network, addr)
}

type dialer struct{}

// NewDialer returns the AMQP 1.0 dialer.
func NewDialer() transport.Dialer {
	return dialer{}
}

func (dialer) Dial(ctx context.Context, cfg transport.DialConfig) (transport.Conn, error) {
	host := hostOnly(cfg.Namespace)

	opts := &amqp.ConnOptions{
		ContainerID: cfg.ContainerID,
		HostName:    host,
		SASLType:    amqp.SASLTypeAnonymous(),
		TLSConfig:   tlsConfig(cfg.TLSConfig, host),
	}
	useCBS := true
	if cfg.Username != "" {
		opts.SASLType = amqp.SASLTypePlain(cfg.Username, cfg.Password)
		useCBS = false
	}

	if cfg.Debug {
		logrus.WithFields(logrus.Fields{"namespace": cfg.Namespace, "websocket": cfg.WebSocket}).Debug("servicebus amqp dial")
	}

	var (
		c   *amqp.Conn
		err error
	)
	if cfg.WebSocket {
		var ws net.Conn
		ws, err = dialWebSocket(ctx, cfg, host)
		if err != nil {
			return nil, err
		}
		c, err = amqp.NewConn(ctx, ws, opts)
		if err != nil {
			_ = ws.Close()
		}
	} else {
		c, err = amqp.Dial(ctx, "amqps://"+withPort(cfg.Namespace, amqpsPort), opts)
	}
	if err != nil {
		return nil, mapError(err)
	}

	return newConn(c, useCBS), nil
}

// dialWebSocket opens the WebSocket tunnel, through the HTTP CONNECT proxy when one is
// configured.
func dialWebSocket(ctx context.Context, cfg transport.DialConfig, host string) (net.Conn, error) {
	addr := withPort(cfg.Namespace, webSocketPort)

	wsCfg, err := websocket.NewConfig("wss://"+addr+webSocketPath, "https://"+host)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", transport.ErrConnection, err)
	}
	wsCfg.Protocol = []string{webSocketProtocol}
	wsCfg.TlsConfig = tlsConfig(cfg.TLSConfig, host)

	var raw net.Conn
	if cfg.Proxy != nil {
		raw, err = dialProxy(ctx, cfg.Proxy, addr)
	} else {
		raw, err = netDial(ctx, "tcp", addr)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %w", transport.ErrConnection, err)
	}

	tlsConn := tls.Client(raw, wsCfg.TlsConfig)
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		_ = raw.Close()
		return nil, fmt.Errorf("%w: tls handshake: %w", transport.ErrConnection, err)
	}

	ws, err := websocket.NewClient(wsCfg, tlsConn)
	if err != nil {
		_ = tlsConn.Close()
		return nil, fmt.Errorf("%w: websocket handshake: %w", transport.ErrConnection, err)
	}
	ws.PayloadType = websocket.BinaryFrame

	return ws, nil
}

// dialProxy opens a tunnel to addr through an HTTP CONNECT proxy.
func dialProxy(ctx context.Context, proxy *transport.Proxy, addr string) (net.Conn, error) {
	proxyAddr := net.JoinHostPort(proxy.Hostname, strconv.Itoa(proxy.Port))

	conn, err := netDial(ctx, "tcp", proxyAddr)
	if err != nil {
		return nil, err
	}

	req := &http.Request{
		Method: http.MethodConnect,
		URL:    &url.URL{Opaque: addr},
		Host:   addr,
		Header: http.Header{},
	}
	if proxy.Username != "" {
		creds := base64.StdEncoding.EncodeToString([]byte(proxy.Username + ":" + proxy.Password))
		req.Header.Set("Proxy-Authorization", "Basic "+creds)
	}

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
		defer func() { _ = conn.SetDeadline(time.Time{}) }()
	}

	if err := req.Write(conn); err != nil {
		_ = conn.Close()
		return nil, err
	}

	br := bufio.NewReader(conn)
	resp, err := http.ReadResponse(br, req)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	_ = resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		_ = conn.Close()
		return nil, fmt.Errorf("proxy %s refused CONNECT %s: %s", proxyAddr, addr, resp.Status)
	}

	if br.Buffered() > 0 {
		_ = conn.Close()
		return nil, fmt.Errorf("proxy %s sent data before the tunnel was established", proxyAddr)
	}

	return conn, nil
}

func tlsConfig(base *tls.Config, host string) *tls.Config {
	var c *tls.Config
	if base != nil {
		c = base.Clone()
	} else {
		c = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	if c.ServerName == "" {
		c.ServerName = host
	}
	return c
}

func hostOnly(namespace string) string {
	if h, _, err := net.SplitHostPort(namespace); err == nil {
		return h
	}
	return strings.TrimSuffix(namespace, "/")
}

func withPort(namespace, port string) string {
	if _, _, err := net.SplitHostPort(namespace); err == nil {
		return namespace
	}
	return net.JoinHostPort(strings.TrimSuffix(namespace, "/"), port)
}
