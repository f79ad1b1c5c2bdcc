// Copyright 2025 The Crosis Go SDK Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package crosis

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/jpillora/backoff"
	"golang.org/x/sync/errgroup"
)

// Headers of the long-polling protocol.
const (
	pollSessionHeader = "X-Crosis-Session"
	pollCursorHeader  = "X-Crosis-Cursor"
)

// PollingDialer is the HTTP long-polling fallback [Dialer]. It speaks
// the same frame protocol as the WebSocket transport: outbound frames
// are POSTed one at a time, and inbound frames arrive on a hanging GET
// that is re-established whenever it terminates, resuming from a
// cursor so no frames are lost across polls.
//
// The session engages it automatically when the primary transport
// does not come up within the configured timeout; environments that
// block WebSocket upgrades can also use it directly via
// [Config.Dialer].
type PollingDialer struct {
	// HTTPClient is the client used for all requests. If nil,
	// http.DefaultClient is used.
	HTTPClient *http.Client

	// MaxRetries bounds retries for a single send or poll before the
	// connection is deemed broken. If 0, a default of 5 is used.
	MaxRetries int

	// InitialBackoff is the starting retry delay. If 0, a default of
	// 1 second is used.
	InitialBackoff time.Duration
}

// Dial implements the [Dialer] interface. The ws:// or wss:// URL is
// rewritten to its HTTP equivalent, and an opening POST establishes
// the poll session before any frames flow.
func (d *PollingDialer) Dial(ctx context.Context, url string) (Conn, error) {
	client := d.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}
	retries := d.MaxRetries
	if retries <= 0 {
		retries = 5
	}
	min := d.InitialBackoff
	if min <= 0 {
		min = time.Second
	}

	httpURL := httpPollURL(url)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, httpURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create open request: %w", err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("poll open failed: %w", err)
	}
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &httpStatusError{StatusCode: resp.StatusCode, Err: errors.New("poll open refused")}
	}
	sessionID := resp.Header.Get(pollSessionHeader)
	if sessionID == "" {
		return nil, fmt.Errorf("poll open did not return a %s header", pollSessionHeader)
	}

	pollCtx, cancel := context.WithCancel(context.Background())
	c := &pollingConn{
		url:        httpURL,
		client:     client,
		sessionID:  sessionID,
		incoming:   make(chan []byte, 100),
		done:       make(chan struct{}),
		cancelPoll: cancel,
		maxRetries: retries,
		bo:         &backoff.Backoff{Min: min, Max: 30 * time.Second, Factor: 2, Jitter: true},
	}
	c.group, pollCtx = errgroup.WithContext(pollCtx)
	c.group.Go(func() error { return c.receive(pollCtx) })
	return c, nil
}

// httpPollURL rewrites a WebSocket URL scheme to its HTTP equivalent.
func httpPollURL(url string) string {
	switch {
	case strings.HasPrefix(url, "wss://"):
		return "https://" + strings.TrimPrefix(url, "wss://")
	case strings.HasPrefix(url, "ws://"):
		return "http://" + strings.TrimPrefix(url, "ws://")
	default:
		return url
	}
}

type pollingConn struct {
	url       string
	client    *http.Client
	sessionID string

	incoming chan []byte
	done     chan struct{}

	cancelPoll context.CancelFunc
	group      *errgroup.Group

	maxRetries int
	bo         *backoff.Backoff

	closeOnce sync.Once
	closeErr  error

	mu     sync.Mutex
	cursor int64
	err    error // terminal failure, reported by Read
}

// Read implements the [Conn] interface.
func (c *pollingConn) Read(ctx context.Context) ([]byte, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.done:
		c.mu.Lock()
		defer c.mu.Unlock()
		if c.err != nil {
			return nil, c.err
		}
		return nil, io.EOF
	case data := <-c.incoming:
		return data, nil
	}
}

// Write implements the [Conn] interface: one POST per frame, retried
// for transient failures.
func (c *pollingConn) Write(ctx context.Context, data []byte) error {
	bo := &backoff.Backoff{Min: c.bo.Min, Max: c.bo.Max, Factor: 2, Jitter: true}
	var lastErr error
	for i := 0; i <= c.maxRetries; i++ {
		select {
		case <-c.done:
			return io.EOF
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		lastErr = c.post(ctx, data)
		if lastErr == nil {
			return nil
		}
		if !isRetryable(lastErr) {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.done:
			return io.EOF
		case <-time.After(bo.Duration()):
		}
	}
	return fmt.Errorf("failed to send frame after %d retries: %w", c.maxRetries, lastErr)
}

func (c *pollingConn) post(ctx context.Context, data []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("failed to create POST request: %w", err)
	}
	req.Header.Set(pollSessionHeader, c.sessionID)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("POST request failed: %w", err)
	}
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &httpStatusError{
			StatusCode: resp.StatusCode,
			Err:        fmt.Errorf("POST returned unexpected status %d", resp.StatusCode),
		}
	}
	return nil
}

// receive maintains the hanging GET, resuming from the cursor after
// every poll, with backoff across transient failures.
func (c *pollingConn) receive(ctx context.Context) error {
	retries := 0
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.done:
			return nil
		default:
		}

		err := c.poll(ctx)
		if err == nil {
			retries = 0
			c.bo.Reset()
			continue
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if !isRetryable(err) || retries >= c.maxRetries {
			c.mu.Lock()
			c.err = fmt.Errorf("failed to maintain poll connection after %d retries: %w", retries, err)
			c.mu.Unlock()
			c.closeLocal()
			return err
		}
		retries++
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.done:
			return nil
		case <-time.After(c.bo.Duration()):
		}
	}
}

// poll performs one hanging GET and delivers each returned frame. The
// response body is newline-delimited frames; the next cursor comes
// back in a header.
func (c *pollingConn) poll(ctx context.Context) error {
	c.mu.Lock()
	cursor := c.cursor
	c.mu.Unlock()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url, nil)
	if err != nil {
		return fmt.Errorf("failed to create GET request: %w", err)
	}
	req.Header.Set(pollSessionHeader, c.sessionID)
	req.Header.Set(pollCursorHeader, strconv.FormatInt(cursor, 10))

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("GET request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, resp.Body)
		return &httpStatusError{
			StatusCode: resp.StatusCode,
			Err:        fmt.Errorf("GET returned unexpected status %d", resp.StatusCode),
		}
	}

	next := resp.Header.Get(pollCursorHeader)
	sc := bufio.NewScanner(resp.Body)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for sc.Scan() {
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}
		data := make([]byte, len(line))
		copy(data, line)
		select {
		case c.incoming <- data:
		case <-c.done:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if err := sc.Err(); err != nil {
		return fmt.Errorf("error scanning poll response: %w", err)
	}

	if next != "" {
		n, err := strconv.ParseInt(next, 10, 64)
		if err != nil {
			return fmt.Errorf("malformed %s header %q", pollCursorHeader, next)
		}
		c.mu.Lock()
		c.cursor = n
		c.mu.Unlock()
	}
	return nil
}

func (c *pollingConn) closeLocal() {
	c.closeOnce.Do(func() {
		close(c.done)
		c.cancelPoll()
	})
}

// Close implements the [Conn] interface. Session termination on the
// server is best effort, via a DELETE request.
func (c *pollingConn) Close() error {
	var wasOpen bool
	c.closeOnce.Do(func() {
		wasOpen = true
		close(c.done)
		c.cancelPoll()

		req, err := http.NewRequest(http.MethodDelete, c.url, nil)
		if err != nil {
			c.closeErr = fmt.Errorf("failed to create DELETE request: %w", err)
			return
		}
		req.Header.Set(pollSessionHeader, c.sessionID)
		if resp, err := c.client.Do(req); err != nil {
			c.closeErr = fmt.Errorf("failed to terminate poll session: %w", err)
		} else {
			io.Copy(io.Discard, resp.Body)
			resp.Body.Close()
		}
	})
	if wasOpen {
		c.group.Wait()
	}
	return c.closeErr
}

// isRetryable reports whether an error indicates a transient
// condition that warrants a retry.
func isRetryable(err error) bool {
	if err == nil {
		return false
	}

	var httpErr *httpStatusError
	if errors.As(err, &httpErr) {
		switch httpErr.StatusCode {
		case http.StatusRequestTimeout,
			http.StatusTooEarly,
			http.StatusTooManyRequests,
			http.StatusInternalServerError,
			http.StatusBadGateway,
			http.StatusServiceUnavailable,
			http.StatusGatewayTimeout:
			return true
		default:
			return false
		}
	}

	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	// Connection resets and refused connections during a server blip
	// are worth retrying.
	var opErr *net.OpError
	return errors.As(err, &opErr)
}

// httpStatusError wraps an error and includes an HTTP status code.
type httpStatusError struct {
	StatusCode int
	Err        error
}

func (e *httpStatusError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("HTTP status %d: %v", e.StatusCode, e.Err)
	}
	return fmt.Sprintf("HTTP status %d", e.StatusCode)
}

func (e *httpStatusError) Unwrap() error {
	return e.Err
}
