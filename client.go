// Copyright 2025 The Crosis Go SDK Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

// Package crosis implements a client for a durable, multiplexed
// session to a remote service over a single WebSocket-style
// transport. A session carries many independent logical channels,
// each bound to a named remote service, all sharing one socket.
//
// The client hides three problems from its users: obtaining and
// refreshing connection credentials from a metadata endpoint, driving
// the socket through connect, reconnect, and close transitions
// without losing user intent, and managing channels that are opened
// before the socket is ready, during reconnects, or after teardown.
//
// Channel requests survive reconnects: each time the session reaches
// its connected state, every registered request is re-opened and its
// open callback is invoked again with a fresh [Channel] handle.
package crosis

import (
	"errors"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
)

// ErrFailedToOpen is delivered to the channel-0 callback when the
// session could not be brought up: open timeout, close during a
// pending metadata fetch, or exhausted retries.
var ErrFailedToOpen = errors.New("Failed to open")

// Config carries the parameters for [Client.Open].
type Config struct {
	// FetchConnectionMetadata acquires the connection parameters (URL
	// and token). Required. See [MetadataFunc] for the error
	// classification contract.
	FetchConnectionMetadata MetadataFunc

	// Dialer is the transport factory. If nil, [WebSocketDialer] is
	// used.
	Dialer Dialer

	// FallbackDialer is the transport engaged when the primary
	// transport fails to come up within Timeout. If nil,
	// [PollingDialer] is used.
	FallbackDialer Dialer

	// Context is an arbitrary user value passed to open callbacks,
	// skip predicates, and service selectors.
	Context any

	// Timeout bounds how long the session may remain disconnected
	// before the channel-0 callback is delivered a failed-open result
	// and the fallback transport is engaged. It is the retry ceiling,
	// not a per-attempt limit. Defaults to 10 seconds.
	Timeout time.Duration

	// Logger receives debug breadcrumbs. If nil, logging is disabled.
	Logger *zerolog.Logger

	// Clock substitutes the timer source, for tests. If nil, the real
	// clock is used.
	Clock clockwork.Clock
}

// A Client maintains one session to the remote endpoint.
//
// The zero value is not usable; construct with [NewClient].
type Client struct {
	s *session

	mu      sync.Mutex
	fatalFn func(error)
}

// NewClient returns a Client ready for [Client.Open].
func NewClient() *Client {
	c := &Client{}
	c.s = newSession(newDebugSink(), c.unrecoverableHandler)
	return c
}

func (c *Client) unrecoverableHandler() func(error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.fatalFn
}

// Open starts the session: the connection metadata is fetched, the
// transport dialed, and on success the chan0Fn callback is invoked
// with the channel-0 handle. Across reconnects chan0Fn is invoked
// again for every time the session reaches its connected state; a
// cleanup returned by it is invoked when that incarnation ends.
//
// If the session cannot be brought up, chan0Fn is invoked exactly
// once with [ErrFailedToOpen].
//
// Open returns an error if cfg is invalid or a session is already
// running. A closed client may be re-opened.
func (c *Client) Open(cfg Config, chan0Fn OpenFunc) error {
	return c.s.open(cfg, chan0Fn)
}

// OpenChannel registers intent to have a channel open to a service.
// It is legal in any session state: a request made before Open is
// issued on the first connect, and every registered request is
// re-issued after each reconnect.
//
// fn is invoked once per successful open with the live [Channel]; its
// return value, if non-nil, is the cleanup for that incarnation.
//
// The returned cancel function withdraws the request: a pending
// request is dropped, an in-flight open is closed upon its ack, and
// an open channel is closed.
//
// Registering a second non-closing request under an already-taken
// name is an invariant violation: it is routed to the
// unrecoverable-error handler and closes the session.
func (c *Client) OpenChannel(opts ChannelOptions, fn OpenFunc) (cancel func()) {
	return c.s.openChannel(opts, fn)
}

// Close tears the session down. Every registered request is driven to
// closed with its captured cleanup invoked exactly once, and any
// pending metadata fetch is cancelled. Close is idempotent.
func (c *Client) Close() {
	c.s.close()
}

// SetDebugFunc installs a breadcrumb sink. The function is invoked
// inline on session goroutines: it must be fast and must not call
// back into the client.
func (c *Client) SetDebugFunc(fn func(DebugMessage)) {
	c.s.dbg.setFunc(fn)
}

// SetUnrecoverableErrorHandler installs the sink for fatal failures:
// non-retriable metadata errors and invariant violations. After the
// handler runs the session is closed.
func (c *Client) SetUnrecoverableErrorHandler(fn func(error)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.fatalFn = fn
}

// ConnectTries reports how many connection attempts the session has
// made since Open.
func (c *Client) ConnectTries() int {
	c.s.mu.Lock()
	defer c.s.mu.Unlock()
	return c.s.tries
}

// Latency reports the round-trip time measured by the most recent
// keepalive exchange, or zero if none completed yet.
func (c *Client) Latency() time.Duration {
	c.s.mu.Lock()
	defer c.s.mu.Unlock()
	return c.s.latency
}

// DebugBreadcrumbs returns the most recent breadcrumbs, oldest first.
// Useful for attaching to bug reports.
func (c *Client) DebugBreadcrumbs() []DebugMessage {
	return c.s.dbg.recent()
}
