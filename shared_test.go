// Copyright 2025 The Crosis Go SDK Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package crosis

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// fakeConn is an in-memory [Conn]: the test plays the server side by
// reading from sent and writing into recv.
type fakeConn struct {
	recv chan []byte // frames delivered to the client
	sent chan []byte // frames written by the client

	closed    chan struct{}
	closeOnce sync.Once
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		recv:   make(chan []byte, 64),
		sent:   make(chan []byte, 64),
		closed: make(chan struct{}),
	}
}

func (c *fakeConn) Read(ctx context.Context) ([]byte, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.closed:
		return nil, io.EOF
	case data := <-c.recv:
		return data, nil
	}
}

func (c *fakeConn) Write(ctx context.Context, data []byte) error {
	select {
	case <-c.closed:
		return errors.New("connection closed")
	case c.sent <- data:
		return nil
	}
}

func (c *fakeConn) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

// drop simulates the server side going away.
func (c *fakeConn) drop() { c.Close() }

// fakeDialer hands out fakeConns, or scripted errors, one per dial.
type fakeDialer struct {
	mu    sync.Mutex
	fail  func(attempt int) bool // if non-nil and true, the dial fails
	dials int
	conns chan *fakeConn // every successful dial is announced here
}

func newFakeDialer() *fakeDialer {
	return &fakeDialer{conns: make(chan *fakeConn, 8)}
}

func (d *fakeDialer) Dial(ctx context.Context, url string) (Conn, error) {
	d.mu.Lock()
	d.dials++
	attempt := d.dials
	fail := d.fail
	d.mu.Unlock()
	if fail != nil && fail(attempt) {
		return nil, errors.New("dial refused")
	}
	c := newFakeConn()
	d.conns <- c
	return c, nil
}

func (d *fakeDialer) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

// failingDialer always fails; used as the fallback in tests that must
// not reach a real network.
type failingDialer struct{ dials atomic.Int32 }

func (d *failingDialer) Dial(ctx context.Context, url string) (Conn, error) {
	d.dials.Add(1)
	return nil, errors.New("dial refused")
}

// serveControl speaks the channel-0 control protocol on a fakeConn:
// opens are acked with incrementing wire ids, closes are acked, pings
// are answered. It returns a stop function.
func serveControl(t *testing.T, c *fakeConn) (stop func()) {
	t.Helper()
	done := make(chan struct{})
	go func() {
		var nextID int64
		for {
			var data []byte
			select {
			case <-done:
				return
			case <-c.closed:
				return
			case data = <-c.sent:
			}
			f, err := decodeFrame(data)
			if err != nil {
				t.Errorf("server received malformed frame: %v", err)
				continue
			}
			switch {
			case f.OpenChan != nil:
				nextID++
				c.recv <- mustEncode(t, &frame{Channel: 0, Ref: f.Ref, OpenChanRes: &openChanRes{ID: nextID}})
			case f.CloseChan != nil:
				c.recv <- mustEncode(t, &frame{Channel: 0, Ref: f.Ref, CloseChanRes: &closeChanRes{ID: f.CloseChan.ID}})
			case f.Ping != nil:
				c.recv <- mustEncode(t, &frame{Channel: 0, Pong: &ping{Seq: f.Ping.Seq}})
			}
		}
	}()
	return func() { close(done) }
}

func mustEncode(t *testing.T, f *frame) []byte {
	t.Helper()
	data, err := encodeFrame(f)
	if err != nil {
		t.Fatalf("encodeFrame: %v", err)
	}
	return data
}

// recv waits for a value with a real-time timeout, failing the test on
// expiry.
func recv[T any](t *testing.T, ch <-chan T, what string) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for %s", what)
		panic("unreachable")
	}
}

// expectNoRecv asserts nothing arrives on ch within a short window.
func expectNoRecv[T any](t *testing.T, ch <-chan T, what string) {
	t.Helper()
	select {
	case <-ch:
		t.Fatalf("unexpected %s", what)
	case <-time.After(50 * time.Millisecond):
	}
}
