// Copyright 2025 The Crosis Go SDK Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package crosis

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// pollTestServer is a minimal long-poll peer: POST without a session
// header opens a session, POST with one enqueues a frame from the
// client, GET hangs briefly waiting for frames to the client, DELETE
// terminates.
type pollTestServer struct {
	t *testing.T

	// failPosts makes the next n frame POSTs fail with 503.
	failPosts atomic.Int32

	mu       sync.Mutex
	nextID   int
	sessions map[string]*pollTestSession
}

type pollTestSession struct {
	mu         sync.Mutex
	fromClient [][]byte
	toClient   [][]byte
	signal     chan struct{}
}

func newPollTestServer(t *testing.T) (*pollTestServer, *httptest.Server) {
	t.Helper()
	ps := &pollTestServer{t: t, sessions: make(map[string]*pollTestSession)}
	srv := httptest.NewServer(ps)
	t.Cleanup(srv.Close)
	return ps, srv
}

func (ps *pollTestServer) session(id string) *pollTestSession {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	return ps.sessions[id]
}

// push queues a frame for delivery to the client.
func (s *pollTestSession) push(data []byte) {
	s.mu.Lock()
	s.toClient = append(s.toClient, data)
	s.mu.Unlock()
	select {
	case s.signal <- struct{}{}:
	default:
	}
}

// received returns frames the client has POSTed so far.
func (s *pollTestSession) received() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([][]byte(nil), s.fromClient...)
}

func (ps *pollTestServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	id := r.Header.Get(pollSessionHeader)
	switch r.Method {
	case http.MethodPost:
		if id == "" {
			ps.mu.Lock()
			ps.nextID++
			id = fmt.Sprintf("poll-%d", ps.nextID)
			ps.sessions[id] = &pollTestSession{signal: make(chan struct{}, 1)}
			ps.mu.Unlock()
			w.Header().Set(pollSessionHeader, id)
			w.WriteHeader(http.StatusOK)
			return
		}
		if ps.failPosts.Load() > 0 {
			ps.failPosts.Add(-1)
			http.Error(w, "temporarily unavailable", http.StatusServiceUnavailable)
			return
		}
		s := ps.session(id)
		if s == nil {
			http.Error(w, "session not found", http.StatusNotFound)
			return
		}
		body, err := io.ReadAll(r.Body)
		if err != nil {
			http.Error(w, "failed to read body", http.StatusBadRequest)
			return
		}
		s.mu.Lock()
		s.fromClient = append(s.fromClient, body)
		s.mu.Unlock()
		w.WriteHeader(http.StatusAccepted)

	case http.MethodGet:
		s := ps.session(id)
		if s == nil {
			http.Error(w, "session not found", http.StatusNotFound)
			return
		}
		cursor, _ := strconv.ParseInt(r.Header.Get(pollCursorHeader), 10, 64)
		deadline := time.After(250 * time.Millisecond)
		for {
			s.mu.Lock()
			pending := s.toClient[min(int(cursor), len(s.toClient)):]
			s.mu.Unlock()
			if len(pending) > 0 {
				w.Header().Set(pollCursorHeader, strconv.FormatInt(cursor+int64(len(pending)), 10))
				for _, f := range pending {
					w.Write(f)
					w.Write([]byte("\n"))
				}
				return
			}
			select {
			case <-s.signal:
			case <-deadline:
				w.Header().Set(pollCursorHeader, strconv.FormatInt(cursor, 10))
				w.WriteHeader(http.StatusOK)
				return
			case <-r.Context().Done():
				return
			}
		}

	case http.MethodDelete:
		ps.mu.Lock()
		delete(ps.sessions, id)
		ps.mu.Unlock()
		w.WriteHeader(http.StatusNoContent)

	default:
		http.Error(w, "unsupported method", http.StatusMethodNotAllowed)
	}
}

func TestPollingRoundTrip(t *testing.T) {
	ps, srv := newPollTestServer(t)

	d := &PollingDialer{InitialBackoff: 10 * time.Millisecond}
	ctx := context.Background()
	conn, err := d.Dial(ctx, srv.URL)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()

	var sess *pollTestSession
	ps.mu.Lock()
	for _, s := range ps.sessions {
		sess = s
	}
	ps.mu.Unlock()
	if sess == nil {
		t.Fatal("dial did not open a poll session")
	}

	out := []byte(`{"channel":0,"ping":{"seq":1}}`)
	if err := conn.Write(ctx, out); err != nil {
		t.Fatalf("Write: %v", err)
	}
	deadline := time.Now().Add(5 * time.Second)
	for len(sess.received()) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("server never received the frame")
		}
		time.Sleep(time.Millisecond)
	}
	if got := string(sess.received()[0]); got != string(out) {
		t.Errorf("server received %q, want %q", got, out)
	}

	// Multiple inbound frames arrive in order across polls.
	sess.push([]byte(`{"channel":1,"payload":"YQ=="}`))
	sess.push([]byte(`{"channel":1,"payload":"Yg=="}`))
	first, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	second, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if string(first) != `{"channel":1,"payload":"YQ=="}` || string(second) != `{"channel":1,"payload":"Yg=="}` {
		t.Errorf("frames out of order: %q, %q", first, second)
	}
}

func TestPollingWriteRetriesTransientFailures(t *testing.T) {
	ps, srv := newPollTestServer(t)

	d := &PollingDialer{InitialBackoff: 10 * time.Millisecond, MaxRetries: 3}
	ctx := context.Background()
	conn, err := d.Dial(ctx, srv.URL)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()

	ps.failPosts.Store(2)
	if err := conn.Write(ctx, []byte(`{"channel":0,"ping":{"seq":1}}`)); err != nil {
		t.Fatalf("Write with transient failures: %v", err)
	}
}

func TestPollingCloseTerminatesSession(t *testing.T) {
	ps, srv := newPollTestServer(t)

	d := &PollingDialer{InitialBackoff: 10 * time.Millisecond}
	conn, err := d.Dial(context.Background(), srv.URL)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	if err := conn.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	ps.mu.Lock()
	n := len(ps.sessions)
	ps.mu.Unlock()
	if n != 0 {
		t.Errorf("%d poll sessions left after Close, want 0", n)
	}

	// The conn contract after close: Read reports EOF.
	if _, err := conn.Read(context.Background()); err != io.EOF {
		t.Errorf("Read after Close = %v, want io.EOF", err)
	}
}

func TestPollingSessionUsableAsSessionTransport(t *testing.T) {
	_, srv := newPollTestServer(t)

	d := &PollingDialer{InitialBackoff: 10 * time.Millisecond}
	conn, err := d.Dial(context.Background(), srv.URL)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()

	// The fallback satisfies the same Conn shape the session drives:
	// frame out, frame in, close.
	var c Conn = conn
	if err := c.Write(context.Background(), mustEncode(t, &frame{Channel: 0, Ping: &ping{Seq: 7}})); err != nil {
		t.Fatalf("Write: %v", err)
	}
}
