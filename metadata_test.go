// Copyright 2025 The Crosis Go SDK Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package crosis

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/oauth2"
)

func TestMetadataKinds(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want metadataErrorKind
	}{
		{"retriable", RetriableError(errors.New("x")), kindRetriable},
		{"aborted", AbortedError(errors.New("x")), kindAborted},
		{"wrapped retriable", errors.Join(errors.New("outer"), RetriableError(errors.New("x"))), kindRetriable},
		{"context cancellation", context.Canceled, kindAborted},
		{"plain error", errors.New("x"), kindFatal},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := metadataKind(tc.err); got != tc.want {
				t.Errorf("metadataKind(%v) = %v, want %v", tc.err, got, tc.want)
			}
		})
	}
}

func TestMetadataCacheReusedExactlyOnce(t *testing.T) {
	calls := 0
	f := newMetadataFetcher(func(ctx context.Context) (*ConnectionMetadata, error) {
		calls++
		return &ConnectionMetadata{URL: "ws://example.test", Token: "tok"}, nil
	})
	ctx := context.Background()

	if _, fromCache, err := f.fetch(ctx); err != nil || fromCache {
		t.Fatalf("first fetch: fromCache=%v err=%v", fromCache, err)
	}
	if _, fromCache, err := f.fetch(ctx); err != nil || !fromCache {
		t.Fatalf("second fetch: fromCache=%v err=%v, want cache hit", fromCache, err)
	}
	if _, fromCache, err := f.fetch(ctx); err != nil || fromCache {
		t.Fatalf("third fetch: fromCache=%v err=%v, want real fetch", fromCache, err)
	}
	if calls != 2 {
		t.Errorf("user fetch invoked %d times, want 2", calls)
	}
}

func TestMetadataCacheInvalidate(t *testing.T) {
	calls := 0
	f := newMetadataFetcher(func(ctx context.Context) (*ConnectionMetadata, error) {
		calls++
		return &ConnectionMetadata{URL: "ws://example.test", Token: "tok"}, nil
	})
	ctx := context.Background()

	f.fetch(ctx)
	f.invalidate()
	if _, fromCache, _ := f.fetch(ctx); fromCache {
		t.Error("fetch after invalidate served from cache")
	}
	if calls != 2 {
		t.Errorf("user fetch invoked %d times, want 2", calls)
	}
}

func TestMetadataCacheRejectsExpiredJWT(t *testing.T) {
	expired := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"exp": time.Now().Add(-time.Hour).Unix(),
	})
	tok, err := expired.SignedString([]byte("secret"))
	if err != nil {
		t.Fatal(err)
	}

	calls := 0
	f := newMetadataFetcher(func(ctx context.Context) (*ConnectionMetadata, error) {
		calls++
		return &ConnectionMetadata{URL: "ws://example.test", Token: tok}, nil
	})
	ctx := context.Background()

	f.fetch(ctx)
	if _, fromCache, _ := f.fetch(ctx); fromCache {
		t.Error("expired JWT served from cache")
	}
	if calls != 2 {
		t.Errorf("user fetch invoked %d times, want 2", calls)
	}
}

func TestTokenUsable(t *testing.T) {
	live := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"exp": time.Now().Add(time.Hour).Unix(),
	})
	liveTok, err := live.SignedString([]byte("secret"))
	if err != nil {
		t.Fatal(err)
	}

	now := time.Now()
	if !tokenUsable("opaque-token", now) {
		t.Error("opaque token reported unusable")
	}
	if !tokenUsable(liveTok, now) {
		t.Error("unexpired JWT reported unusable")
	}
	if tokenUsable(liveTok, now.Add(2*time.Hour)) {
		t.Error("expired JWT reported usable")
	}
}

func TestDialURL(t *testing.T) {
	tests := []struct {
		md   ConnectionMetadata
		want string
	}{
		{ConnectionMetadata{URL: "wss://eval.example.com", Token: "abc123"}, "wss://eval.example.com/wsv2/abc123"},
		{ConnectionMetadata{URL: "ws://127.0.0.1:8080/", Token: "t"}, "ws://127.0.0.1:8080/wsv2/t"},
	}
	for _, tc := range tests {
		got, err := dialURL(&tc.md)
		if err != nil {
			t.Errorf("dialURL(%+v): %v", tc.md, err)
			continue
		}
		if got != tc.want {
			t.Errorf("dialURL(%+v) = %q, want %q", tc.md, got, tc.want)
		}
	}
}

func TestTokenSourceMetadata(t *testing.T) {
	src := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: "oauth-tok"})
	fn := TokenSourceMetadata("wss://eval.example.com", src)

	md, err := fn(context.Background())
	if err != nil {
		t.Fatalf("TokenSourceMetadata: %v", err)
	}
	if md.Token != "oauth-tok" || md.URL != "wss://eval.example.com" {
		t.Errorf("metadata = %+v", md)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := fn(ctx); metadataKind(err) != kindAborted {
		t.Errorf("cancelled fetch kind = %v, want aborted", metadataKind(err))
	}
}

func TestFetchRejectsEmptyMetadata(t *testing.T) {
	f := newMetadataFetcher(func(ctx context.Context) (*ConnectionMetadata, error) {
		return &ConnectionMetadata{}, nil
	})
	if _, _, err := f.fetch(context.Background()); err == nil {
		t.Fatal("fetch accepted metadata without a URL")
	}
}
