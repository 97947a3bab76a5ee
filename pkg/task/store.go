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

package task

import (
	"context"
	"fmt"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
)

// Store persists task snapshots.
//
// Implementations must be safe for concurrent use. Save stores a copy;
// Get returns a copy the caller may modify freely.
type Store interface {
	Save(ctx context.Context, t *Task) error
	Get(ctx context.Context, id string) (*Task, error)
	Delete(ctx context.Context, id string) error
}

// DefaultRetention is the number of terminal tasks kept by MemoryStore.
const DefaultRetention = 1000

// MemoryStore keeps live tasks in a map and a bounded number of
// terminal tasks in an LRU cache.
type MemoryStore struct {
	mu       sync.RWMutex
	live     map[string]*Task
	terminal *lru.Cache[string, *Task]
}

// NewMemoryStore creates an in-memory store retaining up to retention
// terminal tasks. retention <= 0 uses DefaultRetention.
func NewMemoryStore(retention int) (*MemoryStore, error) {
	if retention <= 0 {
		retention = DefaultRetention
	}
	cache, err := lru.New[string, *Task](retention)
	if err != nil {
		return nil, fmt.Errorf("failed to create terminal task cache: %w", err)
	}
	return &MemoryStore{
		live:     make(map[string]*Task),
		terminal: cache,
	}, nil
}

// Save stores a copy of the task.
func (s *MemoryStore) Save(_ context.Context, t *Task) error {
	if t == nil || t.ID == "" {
		return fmt.Errorf("task with id is required")
	}
	c := t.Clone()

	s.mu.Lock()
	defer s.mu.Unlock()

	if c.State.IsTerminal() {
		delete(s.live, c.ID)
		s.terminal.Add(c.ID, c)
		return nil
	}
	s.live[c.ID] = c
	return nil
}

// Get returns a copy of the task or ErrNotFound.
func (s *MemoryStore) Get(_ context.Context, id string) (*Task, error) {
	s.mu.RLock()
	t, ok := s.live[id]
	s.mu.RUnlock()
	if ok {
		return t.Clone(), nil
	}
	if t, ok := s.terminal.Get(id); ok {
		return t.Clone(), nil
	}
	return nil, NotFound(id)
}

// Delete removes the task. Deleting an unknown task is a no-op.
func (s *MemoryStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	delete(s.live, id)
	s.mu.Unlock()
	s.terminal.Remove(id)
	return nil
}

// Len returns the number of stored tasks.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.live) + s.terminal.Len()
}

var _ Store = (*MemoryStore)(nil)
