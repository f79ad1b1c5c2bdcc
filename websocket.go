// Copyright 2025 The Crosis Go SDK Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package crosis

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// WebSocketDialer is the primary [Dialer]. It connects to the
// endpoint over WebSocket using the 'crosis' subprotocol.
type WebSocketDialer struct {
	// Dialer is the WebSocket dialer to use. If nil, a default dialer
	// is used.
	Dialer *websocket.Dialer

	// Header specifies additional HTTP headers to send during the
	// WebSocket handshake.
	Header http.Header
}

// Dial implements the [Dialer] interface.
func (d *WebSocketDialer) Dial(ctx context.Context, url string) (Conn, error) {
	dialer := d.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	dialer.Subprotocols = []string{"crosis"}

	conn, resp, err := dialer.DialContext(ctx, url, d.Header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("websocket connection failed: %w (status: %d)", err, resp.StatusCode)
		}
		return nil, fmt.Errorf("websocket connection failed: %w", err)
	}
	return &websocketConn{conn: conn}, nil
}

// websocketConn implements the [Conn] interface for WebSocket
// connections.
type websocketConn struct {
	conn      *websocket.Conn
	mu        sync.Mutex // protects Write operations
	closeOnce sync.Once
	closeErr  error
}

// Read reads a single frame from the WebSocket connection.
func (c *websocketConn) Read(ctx context.Context) ([]byte, error) {
	done := make(chan struct{})
	defer close(done)

	go func() {
		select {
		case <-ctx.Done():
			c.conn.Close()
		case <-done:
		}
	}()

	_, data, err := c.conn.ReadMessage()
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
			return nil, io.EOF
		}
		return nil, fmt.Errorf("websocket read error: %w", err)
	}
	return data, nil
}

// Write sends a single frame over the WebSocket connection.
func (c *websocketConn) Write(ctx context.Context, data []byte) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if deadline, ok := ctx.Deadline(); ok {
		c.conn.SetWriteDeadline(deadline)
		defer c.conn.SetWriteDeadline(time.Time{})
	}

	if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("websocket write error: %w", err)
	}
	return nil
}

// Close closes the underlying network connection. No WebSocket close
// frame is sent and none is awaited.
func (c *websocketConn) Close() error {
	c.closeOnce.Do(func() {
		c.closeErr = c.conn.Close()
	})
	return c.closeErr
}
