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
	"fmt"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

// Store keeps per-caller window counters.
type Store interface {
	// Get returns the count and end of the caller's current window. An
	// expired or missing window reads as zero ending at now+w.
	Get(ctx context.Context, id string, w Window, now time.Time) (int64, time.Time, error)

	// Increment adds one to the caller's current window, starting a new
	// window when the old one has ended.
	Increment(ctx context.Context, id string, w Window, now time.Time) (int64, time.Time, error)

	// Delete forgets the caller.
	Delete(ctx context.Context, id string) error
}

type counter struct {
	count int64
	end   time.Time
}

// MemoryStore is a Store that tracks at most a fixed number of callers,
// evicting the least recently seen.
type MemoryStore struct {
	mu      sync.Mutex
	callers *lru.Cache[string, map[Window]*counter]
}

// NewMemoryStore creates a store for up to size callers.
func NewMemoryStore(size int) (*MemoryStore, error) {
	callers, err := lru.New[string, map[Window]*counter](size)
	if err != nil {
		return nil, fmt.Errorf("failed to create rate limit cache: %w", err)
	}
	return &MemoryStore{callers: callers}, nil
}

func (s *MemoryStore) Get(_ context.Context, id string, w Window, now time.Time) (int64, time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	windows, ok := s.callers.Peek(id)
	if !ok || windows[w] == nil || !windows[w].end.After(now) {
		return 0, now.Add(w.Duration()), nil
	}
	c := windows[w]
	return c.count, c.end, nil
}

func (s *MemoryStore) Increment(_ context.Context, id string, w Window, now time.Time) (int64, time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	windows, ok := s.callers.Get(id)
	if !ok {
		windows = make(map[Window]*counter)
		s.callers.Add(id, windows)
	}
	c := windows[w]
	if c == nil || !c.end.After(now) {
		c = &counter{end: now.Add(w.Duration())}
		windows[w] = c
	}
	c.count++
	return c.count, c.end, nil
}

func (s *MemoryStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.callers.Remove(id)
	return nil
}

// Len returns the number of tracked callers.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.callers.Len()
}
