// Copyright 2025 The Crosis Go SDK Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package crosis

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/yosida95/uritemplate/v3"
	"golang.org/x/oauth2"
	"golang.org/x/time/rate"
)

// ConnectionMetadata holds the parameters needed to reach the
// endpoint: where to connect and the credential to present.
type ConnectionMetadata struct {
	// URL is the base endpoint URL, e.g. "wss://example.com".
	URL string

	// Token is the connection credential. It is appended to the dial
	// URL path, percent-encoded where it is not URL-safe.
	Token string
}

// A MetadataFunc acquires connection metadata, typically by calling an
// external metadata endpoint. The session cancels the context when the
// user closes the session; implementations should observe it.
//
// Errors are classified by kind: wrap with [RetriableError] to have
// the session retry the fetch with backoff, or [AbortedError] to
// indicate the fetch observed cancellation. Any other error is fatal
// and tears the session down. A plain context cancellation error is
// treated as aborted.
type MetadataFunc func(ctx context.Context) (*ConnectionMetadata, error)

// metadataErrorKind classifies a metadata fetch failure.
type metadataErrorKind int

const (
	kindFatal metadataErrorKind = iota
	kindRetriable
	kindAborted
)

func (k metadataErrorKind) String() string {
	switch k {
	case kindRetriable:
		return "retriable"
	case kindAborted:
		return "aborted"
	default:
		return "fatal"
	}
}

// A MetadataError wraps a metadata fetch failure with its retry
// classification.
type MetadataError struct {
	kind metadataErrorKind
	err  error
}

func (e *MetadataError) Error() string {
	return fmt.Sprintf("metadata fetch failed (%s): %v", e.kind, e.err)
}

func (e *MetadataError) Unwrap() error { return e.err }

// RetriableError marks a metadata fetch failure as transient. The
// session restarts the fetch after backoff, with no user-visible
// event.
func RetriableError(err error) error {
	return &MetadataError{kind: kindRetriable, err: err}
}

// AbortedError marks a metadata fetch failure as caused by
// cancellation, i.e. the user closed the session mid-fetch.
func AbortedError(err error) error {
	return &MetadataError{kind: kindAborted, err: err}
}

// metadataKind classifies an error returned by a MetadataFunc.
func metadataKind(err error) metadataErrorKind {
	var me *MetadataError
	if errors.As(err, &me) {
		return me.kind
	}
	if errors.Is(err, context.Canceled) {
		return kindAborted
	}
	return kindFatal
}

// metadataFetcher adds cancellation plumbing, rate limiting, and a
// one-token cache on top of the user-supplied MetadataFunc.
type metadataFetcher struct {
	fn MetadataFunc

	// limiter bounds how fast fetch attempts can hit the metadata
	// endpoint across retries and reconnects.
	limiter *rate.Limiter

	mu sync.Mutex
	// cached holds the result of the last successful fetch. It may be
	// reused exactly once, without invoking fn, before the next real
	// fetch. Reuse that leads to a failed connect invalidates it.
	cached *ConnectionMetadata
	reused bool
}

func newMetadataFetcher(fn MetadataFunc) *metadataFetcher {
	return &metadataFetcher{
		fn: fn,
		// 10 attempts per second with a burst of 10 is far above any
		// sane backoff schedule; the limiter only bites when retry
		// logic goes wrong.
		limiter: rate.NewLimiter(rate.Limit(10), 10),
	}
}

// fetch produces connection metadata, serving the one-token cache when
// it holds an unexpired entry that has not been reused yet. fromCache
// reports whether the result was served without invoking the user
// function.
func (f *metadataFetcher) fetch(ctx context.Context) (md *ConnectionMetadata, fromCache bool, err error) {
	f.mu.Lock()
	if f.cached != nil && !f.reused && tokenUsable(f.cached.Token, time.Now()) {
		f.reused = true
		md = f.cached
		f.mu.Unlock()
		return md, true, nil
	}
	f.mu.Unlock()

	if err := f.limiter.Wait(ctx); err != nil {
		return nil, false, AbortedError(err)
	}

	md, err = f.fn(ctx)
	if err != nil {
		return nil, false, err
	}
	if md == nil || md.URL == "" {
		return nil, false, fmt.Errorf("metadata fetch returned no URL")
	}

	f.mu.Lock()
	f.cached = md
	f.reused = false
	f.mu.Unlock()
	return md, false, nil
}

// invalidate drops the cached entry. Called when metadata served from
// the cache failed to produce a connected session.
func (f *metadataFetcher) invalidate() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cached = nil
	f.reused = false
}

// tokenUsable reports whether a cached token is still worth
// presenting. Tokens that parse as JWTs with an expiry in the past are
// rejected; anything else is assumed usable.
func tokenUsable(token string, now time.Time) bool {
	claims := jwt.MapClaims{}
	_, _, err := jwt.NewParser().ParseUnverified(token, claims)
	if err != nil {
		// Not a JWT; nothing to inspect.
		return true
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return true
	}
	return exp.After(now)
}

// dialURLTemplate composes the endpoint base URL and the connection
// token into the URL handed to the transport dialer.
var dialURLTemplate = uritemplate.MustNew("{+base}/wsv2/{token}")

func dialURL(md *ConnectionMetadata) (string, error) {
	u, err := dialURLTemplate.Expand(uritemplate.Values{
		"base":  uritemplate.String(strings.TrimSuffix(md.URL, "/")),
		"token": uritemplate.String(md.Token),
	})
	if err != nil {
		return "", fmt.Errorf("failed to build dial URL: %w", err)
	}
	return u, nil
}

// TokenSourceMetadata adapts an [oauth2.TokenSource] into a
// [MetadataFunc] for deployments where the connection credential is an
// OAuth access token. Token source failures are retried with backoff.
func TokenSourceMetadata(url string, src oauth2.TokenSource) MetadataFunc {
	return func(ctx context.Context) (*ConnectionMetadata, error) {
		if err := ctx.Err(); err != nil {
			return nil, AbortedError(err)
		}
		tok, err := src.Token()
		if err != nil {
			return nil, RetriableError(err)
		}
		return &ConnectionMetadata{URL: url, Token: tok.AccessToken}, nil
	}
}
