// Copyright 2025 Kadir Pekel
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package ratelimit

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/kadirpekel/codebridge/pkg/auth"
	"github.com/kadirpekel/codebridge/pkg/config"
)

func newTestLimiter(t *testing.T, rules ...config.RateLimitRule) (*Limiter, *time.Time) {
	t.Helper()
	cfg := &config.RateLimitConfig{Enabled: config.BoolPtr(true), Limits: rules}
	cfg.SetDefaults()
	l, err := NewFromConfig(cfg)
	if err != nil {
		t.Fatalf("NewFromConfig() error = %v", err)
	}
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return now }
	return l, &now
}

func TestLimiter_CountsPerWindow(t *testing.T) {
	l, now := newTestLimiter(t, config.RateLimitRule{Window: "minute", Limit: 2})
	ctx := context.Background()

	for i := 1; i <= 2; i++ {
		result, err := l.Allow(ctx, "caller")
		if err != nil {
			t.Fatalf("Allow() error = %v", err)
		}
		if !result.Allowed {
			t.Fatalf("request %d denied: %s", i, result.Reason)
		}
		if got := result.Usages[0].Remaining; got != int64(2-i) {
			t.Errorf("request %d remaining = %d, want %d", i, got, 2-i)
		}
	}

	result, err := l.Allow(ctx, "caller")
	if err != nil {
		t.Fatalf("Allow() error = %v", err)
	}
	if result.Allowed {
		t.Fatal("third request should be denied")
	}
	if result.RetryAfter != time.Minute {
		t.Errorf("RetryAfter = %v, want 1m", result.RetryAfter)
	}

	// Denied requests are not counted.
	usages, err := l.Usage(ctx, "caller")
	if err != nil {
		t.Fatalf("Usage() error = %v", err)
	}
	if usages[0].Current != 2 {
		t.Errorf("Current = %d, want 2", usages[0].Current)
	}

	// Other callers have their own budget.
	if result, _ := l.Allow(ctx, "other"); !result.Allowed {
		t.Error("a different caller should be allowed")
	}

	// A new window starts fresh.
	*now = now.Add(time.Minute + time.Second)
	if result, _ := l.Allow(ctx, "caller"); !result.Allowed {
		t.Error("request in the next window should be allowed")
	}
}

func TestLimiter_TightestWindowWins(t *testing.T) {
	l, now := newTestLimiter(t,
		config.RateLimitRule{Window: "minute", Limit: 10},
		config.RateLimitRule{Window: "hour", Limit: 3},
	)
	ctx := context.Background()

	for range 3 {
		if result, _ := l.Allow(ctx, "caller"); !result.Allowed {
			t.Fatal("request under both limits denied")
		}
	}

	*now = now.Add(2 * time.Minute)
	result, err := l.Allow(ctx, "caller")
	if err != nil {
		t.Fatalf("Allow() error = %v", err)
	}
	if result.Allowed {
		t.Fatal("hour window should deny after the minute window reset")
	}
	if want := 58 * time.Minute; result.RetryAfter != want {
		t.Errorf("RetryAfter = %v, want %v", result.RetryAfter, want)
	}
	if tightest := result.Tightest(); tightest.Window != WindowHour {
		t.Errorf("Tightest() = %s, want hour", tightest.Window)
	}
}

func TestLimiter_Reset(t *testing.T) {
	l, _ := newTestLimiter(t, config.RateLimitRule{Window: "day", Limit: 1})
	ctx := context.Background()

	_, _ = l.Allow(ctx, "caller")
	if result, _ := l.Allow(ctx, "caller"); result.Allowed {
		t.Fatal("second request should be denied")
	}
	if err := l.Reset(ctx, "caller"); err != nil {
		t.Fatalf("Reset() error = %v", err)
	}
	if result, _ := l.Allow(ctx, "caller"); !result.Allowed {
		t.Error("request after reset should be allowed")
	}
}

func TestLimiter_EmptyIdentifier(t *testing.T) {
	l, _ := newTestLimiter(t, config.RateLimitRule{Window: "minute", Limit: 1})
	if _, err := l.Allow(context.Background(), ""); err == nil {
		t.Error("expected an error for an empty identifier")
	}
}

func TestNewFromConfig_Disabled(t *testing.T) {
	cfg := &config.RateLimitConfig{}
	cfg.SetDefaults()
	l, err := NewFromConfig(cfg)
	if err != nil || l != nil {
		t.Errorf("NewFromConfig(disabled) = %v, %v; want nil, nil", l, err)
	}
}

func TestMemoryStore_EvictsLeastRecentCaller(t *testing.T) {
	store, err := NewMemoryStore(2)
	if err != nil {
		t.Fatalf("NewMemoryStore() error = %v", err)
	}
	ctx := context.Background()
	now := time.Now()

	for _, id := range []string{"a", "b", "c"} {
		if _, _, err := store.Increment(ctx, id, WindowMinute, now); err != nil {
			t.Fatalf("Increment(%s) error = %v", id, err)
		}
	}
	if store.Len() != 2 {
		t.Errorf("Len() = %d, want 2", store.Len())
	}
	if count, _, _ := store.Get(ctx, "a", WindowMinute, now); count != 0 {
		t.Errorf("evicted caller count = %d, want 0", count)
	}
	if count, _, _ := store.Get(ctx, "c", WindowMinute, now); count != 1 {
		t.Errorf("caller c count = %d, want 1", count)
	}
}

func TestMiddleware(t *testing.T) {
	l, _ := newTestLimiter(t, config.RateLimitRule{Window: "minute", Limit: 1})
	handler := Middleware(l)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	}))

	send := func(remote string, claims *auth.Claims) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/tasks", nil)
		req.RemoteAddr = remote
		if claims != nil {
			req = req.WithContext(auth.ContextWithClaims(req.Context(), claims))
		}
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		return rec
	}

	if rec := send("10.0.0.1:1234", nil); rec.Code != http.StatusAccepted {
		t.Fatalf("first request status = %d", rec.Code)
	} else if rec.Header().Get("X-RateLimit-Remaining") != "0" {
		t.Errorf("X-RateLimit-Remaining = %q, want 0", rec.Header().Get("X-RateLimit-Remaining"))
	}

	// Same host, different port: same caller.
	rec := send("10.0.0.1:5678", nil)
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("second request status = %d, want 429", rec.Code)
	}
	if rec.Header().Get("Retry-After") != "60" {
		t.Errorf("Retry-After = %q, want 60", rec.Header().Get("Retry-After"))
	}
	var body limitedBody
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body.Code != "rate_limited" {
		t.Errorf("code = %q, want rate_limited", body.Code)
	}

	// Authenticated callers are counted by subject.
	if rec := send("10.0.0.1:9999", &auth.Claims{Subject: "alice"}); rec.Code != http.StatusAccepted {
		t.Errorf("authenticated request status = %d, want 202", rec.Code)
	}
}

func TestMiddleware_NilLimiter(t *testing.T) {
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {})
	handler := Middleware(nil)(next)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", rec.Code)
	}
}
