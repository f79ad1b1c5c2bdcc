// Copyright 2025 The Crosis Go SDK Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package crosis

import (
	"errors"
	"fmt"
)

// ChannelStatus is the lifecycle state of a channel request.
type ChannelStatus string

const (
	StatusPending ChannelStatus = "pending"
	StatusOpening ChannelStatus = "opening"
	StatusOpen    ChannelStatus = "open"
	StatusClosing ChannelStatus = "closing"
	StatusClosed  ChannelStatus = "closed"
)

// Initiator identifies who initiated a channel close.
type Initiator string

const (
	// InitiatorClient is used when the session drives the close:
	// disconnects, reconnects, and session teardown.
	InitiatorClient Initiator = "client"
	// InitiatorChannel is used when the close was requested for this
	// specific channel, via its cancel handle or [Channel.Close].
	InitiatorChannel Initiator = "channel"
)

// CloseReason is passed to cleanup callbacks when a channel
// incarnation ends.
type CloseReason struct {
	// WillReconnect reports whether the session intends to bring this
	// channel back up automatically after a reconnect.
	WillReconnect bool

	// Initiator identifies who initiated the close.
	Initiator Initiator
}

// OpenResult is delivered to open callbacks when a channel (or the
// session's channel 0) comes up, or fails to.
type OpenResult struct {
	// Channel is the live channel handle, or nil if Error is set.
	Channel *Channel

	// Error is non-nil when the open failed. For session-level
	// failures it is [ErrFailedToOpen].
	Error error

	// Context is the user value from [Config.Context].
	Context any
}

// A CleanupFunc is invoked exactly once when the channel incarnation
// it was returned for ends.
type CleanupFunc func(reason CloseReason)

// An OpenFunc is invoked once per successful open of a channel. Across
// reconnects a channel may be opened many times, so the callback may
// run more than once over the life of a request. Its return value, if
// non-nil, is retained as the cleanup for the current incarnation.
type OpenFunc func(res OpenResult) CleanupFunc

// ChannelOptions configures a channel open request.
type ChannelOptions struct {
	// Service is the remote service to attach the channel to.
	Service string

	// ServiceFunc, if set, takes precedence over Service. It is
	// evaluated with the user context on every (re)open attempt.
	ServiceFunc func(ctx any) string

	// Name optionally names the channel. At most one non-closing
	// request may hold a given name; violating this is a fatal error.
	Name string

	// Skip, if set, is evaluated with the user context on every
	// connect. When it returns true the channel is not opened for that
	// connect, the open callback is not invoked, and the request stays
	// registered for re-evaluation on the next connect.
	Skip func(ctx any) bool
}

// service resolves the service selector against the user context.
func (o *ChannelOptions) service(ctx any) string {
	if o.ServiceFunc != nil {
		return o.ServiceFunc(ctx)
	}
	return o.Service
}

// ErrChannelClosed is returned by [Channel.Send] when the channel
// incarnation is no longer open.
var ErrChannelClosed = errors.New("channel is closed")

// A channelRequest is the persistent record of the user's intent to
// have a channel open. It survives reconnects; each time the session
// reaches connected, a new incarnation of the channel is opened for
// every registered request.
type channelRequest struct {
	id   int64
	opts ChannelOptions
	fn   OpenFunc

	state ChannelStatus

	// ch is the live channel handle for the current incarnation, nil
	// outside open/closing.
	ch *Channel

	// rec is the current incarnation's cleanup bracket; a channel may
	// have many incarnations across reconnects, all sharing this
	// request.
	rec *incarnation

	// openRef and closeRef correlate in-flight control requests.
	openRef  string
	closeRef string

	// closeRequested is set when the user cancels the request while an
	// open is in flight; the open ack is answered with an immediate
	// close.
	closeRequested bool
}

func (r *channelRequest) String() string {
	return fmt.Sprintf("channel request %d (service %q, state %s)", r.id, r.opts.Service, r.state)
}

// A Channel is one incarnation of a multiplexed stream within the
// session. Handles are delivered through open callbacks; after a
// disconnect the handle is dead and a fresh one is delivered on the
// next connect.
//
// Channel 0 is the session itself: its handle is delivered through the
// callback passed to [Client.Open], it carries no payload, and closing
// it closes the session.
type Channel struct {
	s *session

	// req is nil for channel 0.
	req *channelRequest

	// Guarded by s.mu.
	wireID    int64
	status    ChannelStatus
	onMessage func(data []byte)
}

// WireID returns the server-assigned channel id for this incarnation.
// It is 0 for channel 0.
func (c *Channel) WireID() int64 {
	c.s.mu.Lock()
	defer c.s.mu.Unlock()
	return c.wireID
}

// Status returns the channel's current lifecycle state.
func (c *Channel) Status() ChannelStatus {
	c.s.mu.Lock()
	defer c.s.mu.Unlock()
	return c.status
}

// OnMessage installs the handler for inbound payload frames on this
// channel. Payload bytes are opaque to the session. The handler is
// invoked from the session's transport reader; it must not block.
func (c *Channel) OnMessage(fn func(data []byte)) {
	c.s.mu.Lock()
	defer c.s.mu.Unlock()
	c.onMessage = fn
}

// Send transmits an opaque payload on the channel. It returns
// [ErrChannelClosed] if this incarnation is no longer open.
func (c *Channel) Send(data []byte) error {
	c.s.mu.Lock()
	defer c.s.mu.Unlock()
	if c.status != StatusOpen || c.req == nil {
		return ErrChannelClosed
	}
	return c.s.sendFrameLocked(&frame{Channel: c.wireID, Payload: data})
}

// Close requests that this channel be closed. For channel 0 this
// closes the whole session. It is a no-op if the channel is already
// closing or closed.
func (c *Channel) Close() {
	c.s.mu.Lock()
	status := c.status
	c.s.mu.Unlock()
	if status == StatusClosing || status == StatusClosed {
		return
	}
	if c.req == nil {
		c.s.close()
		return
	}
	c.s.closeRequest(c.req)
}
