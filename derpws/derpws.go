// Package derpws carries the DERP byte stream over WebSocket, the way relay
// servers are reached in practice. Each Write becomes one binary message, reads
// concatenate incoming binary messages.
package derpws

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"runtime"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Subprotocol is the WebSocket subprotocol relay servers expect.
const Subprotocol = "derp"

// URL returns the WebSocket URL for the relay at host, which may include a port.
func URL(host string) string {
	return (&url.URL{Scheme: "wss", Host: host, Path: "/derp"}).String()
}

type options struct {
	tlsConfig *tls.Config
	headers   http.Header
	url       string
}

// Option changes how Dial connects.
type Option func(o *options)

// WithTLSConfig specifies the TLS configuration to use.
func WithTLSConfig(tlsConfig *tls.Config) Option {
	return func(o *options) {
		o.tlsConfig = tlsConfig
	}
}

// WithHTTPHeaders specifies the HTTP headers for the upgrade request.
func WithHTTPHeaders(headers http.Header) Option {
	return func(o *options) {
		o.headers = headers
	}
}

// WithURL connects to urlStr instead of the URL derived from the host, e.g.
// for a relay served over plain "ws://".
func WithURL(urlStr string) Option {
	return func(o *options) {
		o.url = urlStr
	}
}

// Dial makes a WebSocket connection to the relay at host.
func Dial(ctx context.Context, host string, opts ...Option) (net.Conn, error) {
	o := options{
		headers: http.Header{"User-Agent": {fmt.Sprintf("derpnet (%s; %s; %s)", runtime.GOOS, runtime.GOARCH, runtime.Version())}},
		url:     URL(host),
	}
	for _, opt := range opts {
		opt(&o)
	}
	if _, err := url.Parse(o.url); err != nil {
		return nil, fmt.Errorf("url is invalid: %w", err)
	}

	dialer := &websocket.Dialer{
		TLSClientConfig:  o.tlsConfig,
		Subprotocols:     []string{Subprotocol},
		HandshakeTimeout: 30 * time.Second,
		Proxy:            http.ProxyFromEnvironment,
	}
	wsConn, resp, err := dialer.DialContext(ctx, o.url, o.headers)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("websocket upgrade: %s: %w", resp.Status, err)
		}
		return nil, err
	}
	if wsConn.Subprotocol() != Subprotocol {
		wsConn.Close()
		return nil, fmt.Errorf("server did not accept subprotocol %q", Subprotocol)
	}
	return newConn(wsConn), nil
}

// Upgrade upgrades an HTTP request to a WebSocket connection speaking the derp
// subprotocol, for serving relays.
func Upgrade(w http.ResponseWriter, r *http.Request) (net.Conn, error) {
	upgrader := websocket.Upgrader{Subprotocols: []string{Subprotocol}}
	wsConn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, err
	}
	return newConn(wsConn), nil
}

// newConn, conn.Read and the deadline methods are derived from
// x/websocket/websocket_gorilla.go of the Outline SDK, Copyright 2025 The
// Outline Authors, licensed under the Apache License, Version 2.0.
func newConn(wsConn *websocket.Conn) *conn {
	c := &conn{wsConn: wsConn}
	wsConn.SetCloseHandler(func(code int, text string) error {
		c.readErr = io.EOF
		return nil
	})
	return c
}

type conn struct {
	wsConn *websocket.Conn

	// websocket.Conn allows one concurrent reader and one concurrent writer.
	readMu, writeMu sync.Mutex

	readErr       error // Only accessed with readMu held.
	pendingReader io.Reader
	closeOnce     sync.Once
}

var _ net.Conn = (*conn)(nil)

func (c *conn) LocalAddr() net.Addr {
	return c.wsConn.LocalAddr()
}

func (c *conn) RemoteAddr() net.Addr {
	return c.wsConn.RemoteAddr()
}

func (c *conn) SetDeadline(deadline time.Time) error {
	return errors.Join(c.wsConn.SetReadDeadline(deadline), c.wsConn.SetWriteDeadline(deadline))
}

func (c *conn) SetReadDeadline(deadline time.Time) error {
	return c.wsConn.SetReadDeadline(deadline)
}

func (c *conn) SetWriteDeadline(deadline time.Time) error {
	return c.wsConn.SetWriteDeadline(deadline)
}

func (c *conn) Read(buf []byte) (int, error) {
	c.readMu.Lock()
	defer c.readMu.Unlock()

	for {
		if c.readErr != nil {
			return 0, c.readErr
		}
		if c.pendingReader != nil {
			n, err := c.pendingReader.Read(buf)
			if n > 0 || !errors.Is(err, io.EOF) {
				if errors.Is(err, io.EOF) {
					err = nil
				}
				return n, err
			}
			c.pendingReader = nil
		}

		msgType, reader, err := c.wsConn.NextReader()
		if c.readErr != nil {
			return 0, c.readErr
		}
		if err != nil {
			var closeError *websocket.CloseError
			if errors.As(err, &closeError) {
				if closeError.Code == websocket.CloseNormalClosure {
					c.readErr = io.EOF
					return 0, io.EOF
				}
				return 0, fmt.Errorf("%w %w", net.ErrClosed, closeError)
			}
			return 0, err
		}
		if msgType != websocket.BinaryMessage {
			return 0, errors.New("read message is not binary")
		}
		c.pendingReader = reader
	}
}

func (c *conn) Write(buf []byte) (int, error) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if err := c.wsConn.WriteMessage(websocket.BinaryMessage, buf); err != nil {
		return 0, err
	}
	return len(buf), nil
}

// Close sends a close message, then closes the underlying connection.
func (c *conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		message := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		c.wsConn.WriteControl(websocket.CloseMessage, message, time.Now().Add(time.Second))
		err = c.wsConn.Close()
	})
	return err
}
