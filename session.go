// Copyright 2025 The Crosis Go SDK Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package crosis

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/jpillora/backoff"
	"github.com/rs/zerolog"
)

// sessionState is the state of the session FSM.
type sessionState int

const (
	stateInert sessionState = iota
	stateFetchingMetadata
	stateConnecting
	stateConnected
	stateReconnecting
	stateClosed
)

func (s sessionState) String() string {
	switch s {
	case stateInert:
		return "inert"
	case stateFetchingMetadata:
		return "fetchingMetadata"
	case stateConnecting:
		return "connecting"
	case stateConnected:
		return "connected"
	case stateReconnecting:
		return "reconnecting"
	case stateClosed:
		return "closed"
	default:
		return fmt.Sprintf("sessionState(%d)", int(s))
	}
}

const (
	defaultOpenTimeout = 10 * time.Second
	pingInterval       = 10 * time.Second
	pongTimeout        = 5 * time.Second
)

var errKeepalive = errors.New("keepalive: no pong within deadline")

// An incarnation tracks the cleanup bracket for one open→closed life
// of a channel (or of channel 0). The open callback's return value is
// captured into it, and the cleanup fires exactly once, whichever of
// "capture" and "end" happens last.
type incarnation struct {
	cleanup  CleanupFunc
	captured bool // open callback has returned
	ended    bool
	reason   CloseReason
	done     bool // cleanup dispatched
}

// captureCleanup records the open callback's return value. It returns
// a deferred call when the incarnation already ended while the
// callback was running. Caller must hold s.mu.
func (rec *incarnation) captureCleanup(cleanup CleanupFunc) func() {
	rec.captured = true
	rec.cleanup = cleanup
	if rec.ended && cleanup != nil && !rec.done {
		rec.done = true
		reason := rec.reason
		return func() { cleanup(reason) }
	}
	return nil
}

// end marks the incarnation over and returns the cleanup call to run,
// if one was captured. Caller must hold s.mu.
func (rec *incarnation) end(reason CloseReason) func() {
	if rec == nil || rec.ended {
		return nil
	}
	rec.ended = true
	rec.reason = reason
	if rec.captured && rec.cleanup != nil && !rec.done {
		rec.done = true
		cleanup := rec.cleanup
		return func() { cleanup(reason) }
	}
	return nil
}

// A link is the live binding to one transport connection. Reads and
// writes are pumped by two goroutines which report failures back to
// the session, tagged with the connect-generation the link was
// started under.
type link struct {
	conn   Conn
	gen    uint64
	cancel context.CancelFunc
	outbox chan []byte
}

var errOutboxFull = errors.New("transport outbox overflow")

// session drives the connect / open / reconnect / close state machine.
// All state is guarded by mu; async producers (the metadata fetch
// goroutine, the dial goroutine, the link pumps, and clock timers)
// funnel their results through generation-tagged handlers. User
// callbacks are always invoked with mu released.
type session struct {
	mu sync.Mutex

	cfg      Config
	clock    clockwork.Clock
	log      zerolog.Logger
	dbg      *debugSink
	fatalFn  func() func(error) // returns the unrecoverable handler
	fallback Dialer

	state sessionState

	// generation tags every attempt to reach connected. Async results
	// carrying a stale generation are dropped; this is the sole race
	// defense across reconnects.
	generation uint64
	tries      int

	fetcher     *metadataFetcher
	fetchCancel context.CancelFunc
	dialCancel  context.CancelFunc
	// usedCache is set when the current attempt's metadata was served
	// from the one-token cache; a failed connect then invalidates it.
	usedCache bool

	dialer Dialer
	link   *link

	chan0Fn      OpenFunc
	chan0        *Channel
	chan0Rec     *incarnation
	chan0DidOpen bool
	chan0Failed  bool // "Failed to open" already delivered

	openTimer  clockwork.Timer
	retryTimer clockwork.Timer
	pingTimer  clockwork.Timer
	pongTimer  clockwork.Timer
	pingSeq    int64
	pingSent   time.Time
	latency    time.Duration

	bo *backoff.Backoff

	requests      []*channelRequest
	nextRequestID int64
	byWireID      map[int64]*channelRequest
	byOpenRef     map[string]*channelRequest
	byCloseRef    map[string]*channelRequest
}

func newSession(dbg *debugSink, fatalFn func() func(error)) *session {
	return &session{
		dbg:        dbg,
		fatalFn:    fatalFn,
		clock:      clockwork.NewRealClock(),
		log:        zerolog.Nop(),
		byWireID:   make(map[int64]*channelRequest),
		byOpenRef:  make(map[string]*channelRequest),
		byCloseRef: make(map[string]*channelRequest),
	}
}

// run invokes deferred user-callback calls collected while the lock
// was held. A panic in one callback must not prevent the others from
// firing, nor corrupt session state.
func (s *session) run(calls []func()) {
	for _, f := range calls {
		if f != nil {
			s.callSafely(f)
		}
	}
}

func (s *session) callSafely(f func()) {
	defer func() {
		if r := recover(); r != nil {
			s.mu.Lock()
			s.breadcrumbLocked("callback panic", fmt.Sprint(r))
			s.mu.Unlock()
		}
	}()
	f()
}

func (s *session) breadcrumbLocked(event, detail string) {
	s.log.Debug().
		Str("event", event).
		Str("state", s.state.String()).
		Uint64("generation", s.generation).
		Int("tries", s.tries).
		Str("detail", detail).
		Msg("crosis")
	s.dbg.emit(DebugMessage{
		Time:       s.clock.Now(),
		Event:      event,
		State:      s.state.String(),
		Generation: s.generation,
		Tries:      s.tries,
		Detail:     detail,
	})
}

// open starts the session: inert → fetchingMetadata.
func (s *session) open(cfg Config, chan0Fn OpenFunc) error {
	if cfg.FetchConnectionMetadata == nil {
		return errors.New("config: FetchConnectionMetadata is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != stateInert && s.state != stateClosed {
		return fmt.Errorf("session already open (state %s)", s.state)
	}

	s.cfg = cfg
	if cfg.Clock != nil {
		s.clock = cfg.Clock
	} else {
		s.clock = clockwork.NewRealClock()
	}
	if cfg.Logger != nil {
		s.log = *cfg.Logger
	} else {
		s.log = zerolog.Nop()
	}
	s.dialer = cfg.Dialer
	if s.dialer == nil {
		s.dialer = &WebSocketDialer{}
	}
	s.fallback = cfg.FallbackDialer
	if s.fallback == nil {
		s.fallback = &PollingDialer{}
	}
	s.fetcher = newMetadataFetcher(cfg.FetchConnectionMetadata)
	s.bo = &backoff.Backoff{Min: 100 * time.Millisecond, Max: 10 * time.Second, Factor: 2, Jitter: true}

	s.chan0Fn = chan0Fn
	s.chan0 = nil
	s.chan0Rec = nil
	s.chan0DidOpen = false
	s.chan0Failed = false
	s.tries = 0
	s.usedCache = false

	s.generation++
	s.state = stateFetchingMetadata

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultOpenTimeout
	}
	s.openTimer = s.clock.AfterFunc(timeout, s.openTimedOut)

	s.startFetchLocked()
	return nil
}

// startFetchLocked launches the metadata fetch for the current
// generation.
func (s *session) startFetchLocked() {
	gen := s.generation
	ctx, cancel := context.WithCancel(context.Background())
	s.fetchCancel = cancel
	fetcher := s.fetcher
	go func() {
		md, fromCache, err := fetcher.fetch(ctx)
		cancel()
		s.metadataResolved(gen, md, fromCache, err)
	}()
}

func (s *session) metadataResolved(gen uint64, md *ConnectionMetadata, fromCache bool, err error) {
	s.mu.Lock()
	if gen != s.generation || s.state != stateFetchingMetadata {
		s.mu.Unlock()
		return
	}
	s.fetchCancel = nil

	if err == nil {
		url, uerr := dialURL(md)
		if uerr != nil {
			calls := s.fatalLocked(uerr)
			s.mu.Unlock()
			s.run(calls)
			return
		}
		s.usedCache = fromCache
		s.state = stateConnecting
		s.tries++
		s.breadcrumbLocked("connecting", md.URL)
		s.startDialLocked(gen, url)
		s.mu.Unlock()
		return
	}

	switch metadataKind(err) {
	case kindRetriable:
		// Restart the fetch after backoff. Retries within
		// fetchingMetadata do not advance the connect-generation.
		s.breadcrumbLocked("retrying", err.Error())
		s.retryTimer = s.clock.AfterFunc(s.bo.Duration(), func() { s.retryFetch(gen) })
		s.mu.Unlock()
	case kindAborted:
		calls := s.teardownLocked()
		s.mu.Unlock()
		s.run(calls)
	default:
		calls := s.fatalLocked(err)
		s.mu.Unlock()
		s.run(calls)
	}
}

func (s *session) retryFetch(gen uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if gen != s.generation || s.state != stateFetchingMetadata {
		return
	}
	s.startFetchLocked()
}

// startDialLocked launches the transport dial for the current
// generation.
func (s *session) startDialLocked(gen uint64, url string) {
	ctx, cancel := context.WithCancel(context.Background())
	s.dialCancel = cancel
	d := s.dialer
	go func() {
		conn, err := d.Dial(ctx, url)
		cancel()
		s.dialDone(gen, conn, err)
	}()
}

func (s *session) dialDone(gen uint64, conn Conn, err error) {
	s.mu.Lock()
	if gen != s.generation || s.state != stateConnecting {
		s.mu.Unlock()
		if conn != nil {
			conn.Close()
		}
		return
	}
	s.dialCancel = nil

	if err != nil {
		calls := s.scheduleReconnectLocked(err.Error())
		s.mu.Unlock()
		s.run(calls)
		return
	}

	// connecting → connected.
	s.state = stateConnected
	s.bo.Reset()
	if s.openTimer != nil {
		s.openTimer.Stop()
		s.openTimer = nil
	}
	s.breadcrumbLocked("connected", "")
	s.startLinkLocked(conn, gen)
	s.schedulePingLocked(gen)

	ch0 := &Channel{s: s, status: StatusOpen}
	rec := &incarnation{}
	s.chan0 = ch0
	s.chan0Rec = rec
	s.chan0DidOpen = true
	fn := s.chan0Fn
	ctxv := s.cfg.Context
	s.mu.Unlock()

	var cleanup CleanupFunc
	if fn != nil {
		cleanup = fn(OpenResult{Channel: ch0, Context: ctxv})
	}

	s.mu.Lock()
	call := rec.captureCleanup(cleanup)
	s.mu.Unlock()
	if call != nil {
		call()
	}

	s.openPendingChannels(gen)
}

// openPendingChannels issues open-control for every registered request
// still pending, re-evaluating skip predicates and service selectors
// against the user context.
func (s *session) openPendingChannels(gen uint64) {
	s.mu.Lock()
	if gen != s.generation || s.state != stateConnected {
		s.mu.Unlock()
		return
	}
	todo := make([]*channelRequest, 0, len(s.requests))
	for _, r := range s.requests {
		if r.state == StatusPending {
			todo = append(todo, r)
		}
	}
	ctxv := s.cfg.Context
	s.mu.Unlock()

	for _, r := range todo {
		s.tryOpenRequest(gen, r, ctxv)
	}
}

// tryOpenRequest evaluates the request's skip predicate and service
// selector (outside the lock; they are user code) and, if the session
// is still connected on this generation, sends the open-control frame.
func (s *session) tryOpenRequest(gen uint64, r *channelRequest, ctxv any) {
	if r.opts.Skip != nil && r.opts.Skip(ctxv) {
		// Latent: not materialized on this connect, re-evaluated on
		// the next one.
		return
	}
	service := r.opts.service(ctxv)

	s.mu.Lock()
	defer s.mu.Unlock()
	if gen != s.generation || s.state != stateConnected || r.state != StatusPending {
		return
	}
	ref := newRef()
	r.openRef = ref
	r.state = StatusOpening
	s.byOpenRef[ref] = r
	s.breadcrumbLocked("opening channel", service)
	if err := s.sendFrameLocked(&frame{Channel: 0, Ref: ref, OpenChan: &openChan{Service: service, Name: r.opts.Name}}); err != nil {
		s.breadcrumbLocked("send failed", err.Error())
	}
}

// sendFrameLocked encodes and enqueues a frame on the live link.
func (s *session) sendFrameLocked(f *frame) error {
	if s.link == nil || s.link.gen != s.generation {
		return errors.New("no live transport")
	}
	data, err := encodeFrame(f)
	if err != nil {
		return err
	}
	select {
	case s.link.outbox <- data:
		return nil
	default:
		return errOutboxFull
	}
}

// startLinkLocked binds a freshly dialed connection to the session and
// starts its reader and writer pumps.
func (s *session) startLinkLocked(conn Conn, gen uint64) {
	ctx, cancel := context.WithCancel(context.Background())
	l := &link{conn: conn, gen: gen, cancel: cancel, outbox: make(chan []byte, 256)}
	s.link = l

	go func() {
		for {
			data, err := conn.Read(ctx)
			if err != nil {
				s.transportClosed(gen, err)
				return
			}
			s.handleFrame(gen, data)
		}
	}()
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case data := <-l.outbox:
				if err := conn.Write(ctx, data); err != nil {
					s.transportClosed(gen, err)
					return
				}
			}
		}
	}()
}

func (s *session) stopLinkLocked() {
	if s.link == nil {
		return
	}
	s.link.cancel()
	s.link.conn.Close()
	s.link = nil
}

// handleFrame routes one inbound frame.
func (s *session) handleFrame(gen uint64, data []byte) {
	f, err := decodeFrame(data)
	if err != nil {
		s.mu.Lock()
		s.breadcrumbLocked("bad frame", err.Error())
		s.mu.Unlock()
		return
	}

	if f.Channel != 0 {
		s.mu.Lock()
		if gen != s.generation || s.state != stateConnected {
			s.mu.Unlock()
			return
		}
		var handler func([]byte)
		if r := s.byWireID[f.Channel]; r != nil && r.ch != nil {
			handler = r.ch.onMessage
		}
		s.mu.Unlock()
		if handler != nil {
			handler(f.Payload)
		}
		return
	}

	switch {
	case f.OpenChanRes != nil:
		s.handleOpenChanRes(gen, f)
	case f.CloseChanRes != nil:
		s.handleCloseChanRes(gen, f)
	case f.Ping != nil:
		s.mu.Lock()
		if gen == s.generation && s.state == stateConnected {
			s.sendFrameLocked(&frame{Channel: 0, Pong: &ping{Seq: f.Ping.Seq}})
		}
		s.mu.Unlock()
	case f.Pong != nil:
		s.handlePong(gen, f.Pong.Seq)
	default:
		// Unknown control verb: ignored for forward compatibility.
	}
}

func (s *session) handleOpenChanRes(gen uint64, f *frame) {
	s.mu.Lock()
	if gen != s.generation || s.state != stateConnected {
		s.mu.Unlock()
		return
	}
	r := s.byOpenRef[f.Ref]
	if r == nil || r.state != StatusOpening {
		s.mu.Unlock()
		return
	}
	delete(s.byOpenRef, f.Ref)
	r.openRef = ""
	res := f.OpenChanRes

	if res.Error != "" {
		// The server refused the open. The request completes closed
		// and the result is dispatched to the user callback.
		r.state = StatusClosed
		s.removeRequestLocked(r)
		fn := r.fn
		ctxv := s.cfg.Context
		s.breadcrumbLocked("channel open refused", res.Error)
		s.mu.Unlock()
		if fn != nil {
			fn(OpenResult{Error: fmt.Errorf("channel open failed: %s", res.Error), Context: ctxv})
		}
		return
	}

	if r.closeRequested {
		// The user cancelled while the open was in flight: answer the
		// ack with an immediate close and never surface the channel.
		r.closeRequested = false
		r.state = StatusClosing
		ref := newRef()
		r.closeRef = ref
		s.byCloseRef[ref] = r
		s.byWireID[res.ID] = r
		r.ch = &Channel{s: s, req: r, wireID: res.ID, status: StatusClosing}
		s.sendFrameLocked(&frame{Channel: 0, Ref: ref, CloseChan: &closeChan{ID: res.ID}})
		s.mu.Unlock()
		return
	}

	r.state = StatusOpen
	rec := &incarnation{}
	r.rec = rec
	ch := &Channel{s: s, req: r, wireID: res.ID, status: StatusOpen}
	r.ch = ch
	s.byWireID[res.ID] = r
	fn := r.fn
	ctxv := s.cfg.Context
	s.breadcrumbLocked("channel open", r.opts.Service)
	s.mu.Unlock()

	var cleanup CleanupFunc
	if fn != nil {
		cleanup = fn(OpenResult{Channel: ch, Context: ctxv})
	}

	s.mu.Lock()
	call := rec.captureCleanup(cleanup)
	s.mu.Unlock()
	if call != nil {
		call()
	}
}

func (s *session) handleCloseChanRes(gen uint64, f *frame) {
	s.mu.Lock()
	if gen != s.generation || s.state != stateConnected {
		s.mu.Unlock()
		return
	}
	r := s.byCloseRef[f.Ref]
	if r == nil || r.state != StatusClosing {
		s.mu.Unlock()
		return
	}
	delete(s.byCloseRef, f.Ref)
	r.closeRef = ""
	r.state = StatusClosed
	if r.ch != nil {
		r.ch.status = StatusClosed
		delete(s.byWireID, r.ch.wireID)
		r.ch = nil
	}
	call := r.rec.end(CloseReason{WillReconnect: false, Initiator: InitiatorChannel})
	s.removeRequestLocked(r)
	s.breadcrumbLocked("channel closed", r.opts.Service)
	s.mu.Unlock()
	if call != nil {
		call()
	}
}

// closeRequest implements the cancel handle returned by OpenChannel
// and Channel.Close.
func (s *session) closeRequest(r *channelRequest) {
	s.mu.Lock()
	switch r.state {
	case StatusOpen:
		r.state = StatusClosing
		if r.ch != nil {
			r.ch.status = StatusClosing
		}
		ref := newRef()
		r.closeRef = ref
		s.byCloseRef[ref] = r
		var id int64
		if r.ch != nil {
			id = r.ch.wireID
		}
		s.sendFrameLocked(&frame{Channel: 0, Ref: ref, CloseChan: &closeChan{ID: id}})
		s.mu.Unlock()
	case StatusOpening:
		// Cancel upon ack.
		r.closeRequested = true
		s.mu.Unlock()
	case StatusPending:
		r.state = StatusClosed
		s.removeRequestLocked(r)
		s.mu.Unlock()
	default:
		s.mu.Unlock()
	}
}

func (s *session) removeRequestLocked(r *channelRequest) {
	for i, have := range s.requests {
		if have == r {
			s.requests = append(s.requests[:i], s.requests[i+1:]...)
			return
		}
	}
}

// transportClosed handles an unexpected loss of the live connection.
func (s *session) transportClosed(gen uint64, err error) {
	s.mu.Lock()
	if gen != s.generation || s.state != stateConnected {
		s.mu.Unlock()
		return
	}

	detail := ""
	if err != nil {
		detail = err.Error()
	}

	s.stopLinkLocked()
	s.stopKeepaliveLocked()

	// Drive every request back toward pending, invoking the current
	// incarnation's cleanup. Requests already closing complete as
	// closed and do not reopen. Channel cleanups run before the chan0
	// cleanup, and all cleanups run before any re-open.
	var calls []func()
	for _, r := range append([]*channelRequest(nil), s.requests...) {
		switch r.state {
		case StatusOpening:
			delete(s.byOpenRef, r.openRef)
			r.openRef = ""
			if r.closeRequested {
				r.closeRequested = false
				r.state = StatusClosed
				s.removeRequestLocked(r)
				continue
			}
			r.state = StatusPending
		case StatusOpen:
			if call := r.rec.end(CloseReason{WillReconnect: true, Initiator: InitiatorClient}); call != nil {
				calls = append(calls, call)
			}
			if r.ch != nil {
				r.ch.status = StatusClosed
				r.ch = nil
			}
			r.rec = nil
			r.state = StatusPending
		case StatusClosing:
			delete(s.byCloseRef, r.closeRef)
			r.closeRef = ""
			r.state = StatusClosed
			if r.ch != nil {
				r.ch.status = StatusClosed
				r.ch = nil
			}
			if call := r.rec.end(CloseReason{WillReconnect: false, Initiator: InitiatorChannel}); call != nil {
				calls = append(calls, call)
			}
			s.removeRequestLocked(r)
		}
	}
	clear(s.byWireID)

	if s.chan0 != nil {
		s.chan0.status = StatusClosed
		s.chan0 = nil
	}
	if call := s.chan0Rec.end(CloseReason{WillReconnect: true, Initiator: InitiatorClient}); call != nil {
		calls = append(calls, call)
	}
	s.chan0Rec = nil

	calls = append(calls, s.scheduleReconnectLocked(detail)...)
	s.mu.Unlock()
	s.run(calls)
}

// scheduleReconnectLocked moves the session to reconnecting and arms
// the backoff timer that will advance the generation and restart the
// metadata fetch.
func (s *session) scheduleReconnectLocked(detail string) []func() {
	if s.usedCache {
		// Reused metadata led to a failed connect; refetch next time.
		s.fetcher.invalidate()
		s.usedCache = false
	}
	s.state = stateReconnecting
	s.breadcrumbLocked("reconnecting", detail)
	gen := s.generation
	s.retryTimer = s.clock.AfterFunc(s.bo.Duration(), func() { s.reconnectNow(gen) })
	return nil
}

func (s *session) reconnectNow(gen uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if gen != s.generation || s.state != stateReconnecting {
		return
	}
	s.generation++
	s.state = stateFetchingMetadata
	s.usedCache = false
	s.startFetchLocked()
}

// openTimedOut fires when the session has not reached connected
// within the configured timeout: the polling fallback transport is
// engaged for subsequent attempts and, if channel 0 never opened, the
// failed-open result is delivered. The session stays in the reconnect
// loop until closed.
func (s *session) openTimedOut() {
	s.mu.Lock()
	switch s.state {
	case stateInert, stateClosed, stateConnected:
		s.mu.Unlock()
		return
	}
	s.openTimer = nil
	s.breadcrumbLocked("polling fallback", "")
	s.dialer = s.fallback

	var calls []func()
	if !s.chan0DidOpen && !s.chan0Failed {
		s.chan0Failed = true
		fn := s.chan0Fn
		ctxv := s.cfg.Context
		if fn != nil {
			calls = append(calls, func() { fn(OpenResult{Error: ErrFailedToOpen, Context: ctxv}) })
		}
	}

	if s.state == stateConnecting {
		// Abort the in-flight dial and go around with the fallback.
		if s.dialCancel != nil {
			s.dialCancel()
			s.dialCancel = nil
		}
		calls = append(calls, s.scheduleReconnectLocked("open timeout")...)
	}
	s.mu.Unlock()
	s.run(calls)
}

// openChannel registers a channel request. Legal in any session
// state; if the session is connected the open-control is issued
// immediately.
func (s *session) openChannel(opts ChannelOptions, fn OpenFunc) (cancel func()) {
	s.mu.Lock()
	if opts.Name != "" {
		for _, have := range s.requests {
			if have.opts.Name == opts.Name && have.state != StatusClosing && have.state != StatusClosed {
				s.mu.Unlock()
				s.fatal(fmt.Errorf("duplicate channel name %q", opts.Name))
				return func() {}
			}
		}
	}
	s.nextRequestID++
	r := &channelRequest{id: s.nextRequestID, opts: opts, fn: fn, state: StatusPending}
	s.requests = append(s.requests, r)
	connected := s.state == stateConnected
	gen := s.generation
	ctxv := s.cfg.Context
	s.mu.Unlock()

	if connected {
		s.tryOpenRequest(gen, r, ctxv)
	}
	return func() { s.closeRequest(r) }
}

// fatal routes an invariant violation or unrecoverable failure to the
// user's handler and closes the session.
func (s *session) fatal(err error) {
	s.mu.Lock()
	calls := s.fatalLocked(err)
	s.mu.Unlock()
	s.run(calls)
}

func (s *session) fatalLocked(err error) []func() {
	s.breadcrumbLocked("unrecoverable", err.Error())
	handler := s.fatalFn()
	var calls []func()
	if handler != nil {
		calls = append(calls, func() { handler(err) })
	}
	if s.state != stateClosed {
		calls = append(calls, s.teardownLocked()...)
	}
	return calls
}

// close tears the session down: * → closed. Idempotent.
func (s *session) close() {
	s.mu.Lock()
	if s.state == stateClosed || s.state == stateInert {
		s.mu.Unlock()
		return
	}
	calls := s.teardownLocked()
	s.mu.Unlock()
	s.run(calls)
}

// teardownLocked cancels all pending work and drives every request to
// closed, with each captured cleanup invoked exactly once. If channel
// 0 never came up and no failure was delivered, the synthetic
// failed-open result is dispatched.
func (s *session) teardownLocked() []func() {
	s.state = stateClosed

	if s.fetchCancel != nil {
		s.fetchCancel()
		s.fetchCancel = nil
	}
	if s.dialCancel != nil {
		s.dialCancel()
		s.dialCancel = nil
	}
	if s.openTimer != nil {
		s.openTimer.Stop()
		s.openTimer = nil
	}
	if s.retryTimer != nil {
		s.retryTimer.Stop()
		s.retryTimer = nil
	}
	s.stopKeepaliveLocked()
	s.stopLinkLocked()

	var calls []func()
	for _, r := range s.requests {
		switch r.state {
		case StatusOpen, StatusClosing:
			r.state = StatusClosed
			if r.ch != nil {
				r.ch.status = StatusClosed
				r.ch = nil
			}
			if call := r.rec.end(CloseReason{WillReconnect: false, Initiator: InitiatorClient}); call != nil {
				calls = append(calls, call)
			}
		default:
			r.state = StatusClosed
		}
	}
	s.requests = nil
	clear(s.byWireID)
	clear(s.byOpenRef)
	clear(s.byCloseRef)

	if s.chan0 != nil {
		s.chan0.status = StatusClosed
		s.chan0 = nil
	}
	if call := s.chan0Rec.end(CloseReason{WillReconnect: false, Initiator: InitiatorClient}); call != nil {
		calls = append(calls, call)
	}
	s.chan0Rec = nil

	if !s.chan0DidOpen && !s.chan0Failed {
		s.chan0Failed = true
		fn := s.chan0Fn
		ctxv := s.cfg.Context
		if fn != nil {
			calls = append(calls, func() { fn(OpenResult{Error: ErrFailedToOpen, Context: ctxv}) })
		}
	}

	s.breadcrumbLocked("closed", "")
	return calls
}

// Keepalive: while connected, a ping control frame is written every
// interval; a pong that does not arrive within the deadline counts as
// an unexpected disconnect.

func (s *session) schedulePingLocked(gen uint64) {
	s.pingTimer = s.clock.AfterFunc(pingInterval, func() { s.sendPing(gen) })
}

func (s *session) sendPing(gen uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if gen != s.generation || s.state != stateConnected {
		return
	}
	s.pingSeq++
	seq := s.pingSeq
	s.pingSent = s.clock.Now()
	if err := s.sendFrameLocked(&frame{Channel: 0, Ping: &ping{Seq: seq}}); err != nil {
		s.breadcrumbLocked("send failed", err.Error())
	}
	s.pongTimer = s.clock.AfterFunc(pongTimeout, func() { s.pongMissed(gen, seq) })
}

func (s *session) handlePong(gen uint64, seq int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if gen != s.generation || s.state != stateConnected || seq != s.pingSeq {
		return
	}
	if s.pongTimer != nil {
		s.pongTimer.Stop()
		s.pongTimer = nil
	}
	s.latency = s.clock.Since(s.pingSent)
	s.schedulePingLocked(gen)
}

func (s *session) pongMissed(gen uint64, seq int64) {
	s.mu.Lock()
	if gen != s.generation || s.state != stateConnected || seq != s.pingSeq {
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()
	s.transportClosed(gen, errKeepalive)
}

func (s *session) stopKeepaliveLocked() {
	if s.pingTimer != nil {
		s.pingTimer.Stop()
		s.pingTimer = nil
	}
	if s.pongTimer != nil {
		s.pongTimer.Stop()
		s.pongTimer = nil
	}
}
