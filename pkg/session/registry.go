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

// Package session maps bridge task ids to backend session ids.
//
// A task is bound to at most one backend session for its whole lifetime.
// The first Bind wins; binding a different session later is a programming
// error and is reported as ErrAlreadyBound.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

// ErrAlreadyBound is returned when a task is rebound to a different session.
var ErrAlreadyBound = errors.New("task already bound to a different session")

// Store persists bindings so follow-ups can resume a session after a
// restart. Implementations must be safe for concurrent use.
type Store interface {
	// Load returns the bound session id, or ok=false when none exists.
	Load(ctx context.Context, taskID string) (sessionID string, ok bool, err error)

	// Save records a binding. Saving an identical binding is a no-op;
	// a conflicting one returns ErrAlreadyBound.
	Save(ctx context.Context, taskID, sessionID string) error

	// Delete removes a binding. Deleting an unknown task is a no-op.
	Delete(ctx context.Context, taskID string) error
}

// Option configures a Registry.
type Option func(*Registry)

// WithStore makes the registry write bindings through to store and load
// missing ones from it.
func WithStore(store Store) Option {
	return func(r *Registry) {
		r.store = store
	}
}

// Registry is the process-wide task → session map.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]string
	store    Store
}

// NewRegistry creates an empty registry.
func NewRegistry(opts ...Option) *Registry {
	r := &Registry{sessions: make(map[string]string)}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Lookup returns the session bound to taskID.
func (r *Registry) Lookup(ctx context.Context, taskID string) (string, bool) {
	r.mu.RLock()
	sid, ok := r.sessions[taskID]
	r.mu.RUnlock()
	if ok || r.store == nil {
		return sid, ok
	}

	sid, ok, err := r.store.Load(ctx, taskID)
	if err != nil {
		slog.Warn("Failed to load session binding", "task_id", taskID, "error", err)
		return "", false
	}
	if !ok {
		return "", false
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	// A concurrent Bind may have won meanwhile.
	if cur, exists := r.sessions[taskID]; exists {
		return cur, true
	}
	r.sessions[taskID] = sid
	return sid, true
}

// Bind associates taskID with sessionID. Binding the same pair again is
// a no-op.
func (r *Registry) Bind(ctx context.Context, taskID, sessionID string) error {
	if taskID == "" || sessionID == "" {
		return fmt.Errorf("task id and session id are required")
	}

	r.mu.RLock()
	cur, ok := r.sessions[taskID]
	r.mu.RUnlock()
	if ok {
		if cur == sessionID {
			return nil
		}
		return r.conflict(taskID, cur, sessionID)
	}

	// The store round trip runs unlocked so lookups of other tasks never
	// wait on it.
	if r.store != nil {
		if err := r.store.Save(ctx, taskID, sessionID); err != nil {
			if errors.Is(err, ErrAlreadyBound) {
				cur, _, _ := r.store.Load(ctx, taskID)
				return r.conflict(taskID, cur, sessionID)
			}
			slog.Warn("Failed to persist session binding", "task_id", taskID, "error", err)
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.sessions[taskID]; ok {
		if cur == sessionID {
			return nil
		}
		return r.conflict(taskID, cur, sessionID)
	}
	r.sessions[taskID] = sessionID
	slog.Debug("Session bound", "task_id", taskID, "session_id", sessionID)
	return nil
}

func (r *Registry) conflict(taskID, current, requested string) error {
	slog.Error("Refusing to rebind task session",
		"task_id", taskID, "bound", current, "requested", requested)
	return fmt.Errorf("%w: task %s is bound to %s, refused %s", ErrAlreadyBound, taskID, current, requested)
}

// Forget drops the binding for taskID.
func (r *Registry) Forget(ctx context.Context, taskID string) {
	r.mu.Lock()
	delete(r.sessions, taskID)
	r.mu.Unlock()

	if r.store != nil {
		if err := r.store.Delete(ctx, taskID); err != nil {
			slog.Warn("Failed to delete session binding", "task_id", taskID, "error", err)
		}
	}
}

// Len returns the number of in-memory bindings.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}
