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

// Package ratelimit limits how often a caller may start work on the
// server. Limits are fixed windows counted per caller.
package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/kadirpekel/codebridge/pkg/config"
)

type rule struct {
	window Window
	limit  int64
}

// Limiter checks and records requests against every configured window.
type Limiter struct {
	rules []rule
	store Store
	now   func() time.Time

	// mu makes check-then-record atomic across windows.
	mu sync.Mutex
}

// New creates a limiter over store. cfg must be enabled.
func New(cfg *config.RateLimitConfig, store Store) (*Limiter, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid rate limit config: %w", err)
	}
	if !cfg.IsEnabled() {
		return nil, fmt.Errorf("rate limiting is disabled")
	}
	if store == nil {
		return nil, fmt.Errorf("store is required")
	}
	l := &Limiter{store: store, now: time.Now}
	for _, r := range cfg.Limits {
		l.rules = append(l.rules, rule{window: Window(r.Window), limit: r.Limit})
	}
	return l, nil
}

// NewFromConfig returns an in-memory limiter, or nil when disabled.
func NewFromConfig(cfg *config.RateLimitConfig) (*Limiter, error) {
	if !cfg.IsEnabled() {
		return nil, nil
	}
	store, err := NewMemoryStore(cfg.MaxCallers)
	if err != nil {
		return nil, err
	}
	return New(cfg, store)
}

// Allow records one request for id unless a window is full. A denied
// request is not counted.
func (l *Limiter) Allow(ctx context.Context, id string) (*Result, error) {
	if id == "" {
		return nil, fmt.Errorf("identifier cannot be empty")
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	result, err := l.check(ctx, id, now)
	if err != nil || !result.Allowed {
		return result, err
	}

	for i, r := range l.rules {
		count, end, err := l.store.Increment(ctx, id, r.window, now)
		if err != nil {
			return nil, fmt.Errorf("failed to record %s usage: %w", r.window, err)
		}
		result.Usages[i] = usage(r, count, end)
	}
	return result, nil
}

// Usage returns the current usage of id without recording.
func (l *Limiter) Usage(ctx context.Context, id string) ([]Usage, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	result, err := l.check(ctx, id, l.now())
	if err != nil {
		return nil, err
	}
	return result.Usages, nil
}

// Reset forgets id.
func (l *Limiter) Reset(ctx context.Context, id string) error {
	return l.store.Delete(ctx, id)
}

func (l *Limiter) check(ctx context.Context, id string, now time.Time) (*Result, error) {
	result := &Result{Allowed: true, Usages: make([]Usage, 0, len(l.rules))}
	for _, r := range l.rules {
		count, end, err := l.store.Get(ctx, id, r.window, now)
		if err != nil {
			return nil, fmt.Errorf("failed to read %s usage: %w", r.window, err)
		}
		result.Usages = append(result.Usages, usage(r, count, end))

		if count < r.limit {
			continue
		}
		wait := end.Sub(now)
		if result.Allowed || wait > result.RetryAfter {
			result.RetryAfter = wait
		}
		if result.Allowed {
			result.Reason = fmt.Sprintf("rate limit exceeded for %s window (%d/%d)", r.window, count, r.limit)
		}
		result.Allowed = false
	}
	return result, nil
}

func usage(r rule, count int64, end time.Time) Usage {
	return Usage{
		Window:    r.window,
		Current:   count,
		Limit:     r.limit,
		Remaining: max(r.limit-count, 0),
		ResetsAt:  end,
	}
}
