package ratelimit

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/glassline-ai/mcpscope/internal/model"
)

type stubLimiter struct {
	allowed bool
	err     error
	keys    []string
}

func (s *stubLimiter) Allow(_ context.Context, key string) (bool, error) {
	s.keys = append(s.keys, key)
	return s.allowed, s.err
}

func (s *stubLimiter) Close() error { return nil }

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func TestMiddlewareNilLimiterPassesThrough(t *testing.T) {
	h := Middleware(nil, IPKeyFunc, nil)(okHandler())

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 with nil limiter, got %d", rec.Code)
	}
}

func TestMiddlewareEmptyKeySkipsLimiter(t *testing.T) {
	lim := &stubLimiter{allowed: false}
	h := Middleware(lim, func(*http.Request) string { return "" }, nil)(okHandler())

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 when key is empty, got %d", rec.Code)
	}
	if len(lim.keys) != 0 {
		t.Fatalf("limiter should not be consulted for empty key, saw %v", lim.keys)
	}
}

func TestMiddlewareDeniedWritesErrorEnvelope(t *testing.T) {
	lim := &stubLimiter{allowed: false}
	reqID := func(*http.Request) string { return "req-123" }
	h := Middleware(lim, IPKeyFunc, reqID)(okHandler())

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", rec.Code)
	}
	if got := rec.Header().Get("Retry-After"); got != "1" {
		t.Fatalf("expected Retry-After header of 1, got %q", got)
	}

	var apiErr model.APIError
	if err := json.Unmarshal(rec.Body.Bytes(), &apiErr); err != nil {
		t.Fatalf("decoding error envelope: %v", err)
	}
	if apiErr.Error.Code != model.ErrCodeRateLimited {
		t.Fatalf("expected error code %q, got %q", model.ErrCodeRateLimited, apiErr.Error.Code)
	}
	if apiErr.Meta.RequestID != "req-123" {
		t.Fatalf("expected request ID in meta, got %q", apiErr.Meta.RequestID)
	}
}

func TestMiddlewareLimiterErrorFailsOpen(t *testing.T) {
	lim := &stubLimiter{allowed: false, err: errors.New("limiter backend down")}
	h := Middleware(lim, IPKeyFunc, nil)(okHandler())

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected request to pass when limiter errors, got %d", rec.Code)
	}
}

func TestMiddlewareAllowedProceeds(t *testing.T) {
	lim := &stubLimiter{allowed: true}
	h := Middleware(lim, IPKeyFunc, nil)(okHandler())

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "10.1.2.3:54321"
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if len(lim.keys) != 1 || lim.keys[0] != "10.1.2.3" {
		t.Fatalf("expected limiter keyed by client IP, saw %v", lim.keys)
	}
}

func TestIPKeyFunc(t *testing.T) {
	tests := []struct {
		remoteAddr string
		want       string
	}{
		{"192.168.1.10:8080", "192.168.1.10"},
		{"[::1]:9090", "[::1]"},
		{"10.0.0.1", "10.0.0.1"},
	}
	for _, tt := range tests {
		r := httptest.NewRequest(http.MethodGet, "/", nil)
		r.RemoteAddr = tt.remoteAddr
		if got := IPKeyFunc(r); got != tt.want {
			t.Errorf("IPKeyFunc(%q) = %q, want %q", tt.remoteAddr, got, tt.want)
		}
	}
}
