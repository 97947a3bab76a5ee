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

// Package workspace allocates a private directory per task.
//
// Each live task owns exactly one directory under the manager's root:
//
//	<root>/<sanitized-task-id>-<random>
//
// Directories are created with mode 0700 and removed on Release.
package workspace

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"

	"github.com/kadirpekel/codebridge/pkg/task"
)

// DefaultRootPrefix prefixes the temporary root used when none is configured.
const DefaultRootPrefix = "claude_a2a_"

const maxNameLen = 64

// Option configures a Manager.
type Option func(*Manager)

// WithKeepOnRelease keeps directories on disk after Release.
// The manager forgets them either way.
func WithKeepOnRelease(keep bool) Option {
	return func(m *Manager) {
		m.keep = keep
	}
}

// Manager hands out task workspaces. Safe for concurrent use.
type Manager struct {
	root    string
	ownRoot bool
	keep    bool

	mu    sync.Mutex
	paths map[string]string
}

// NewManager creates a manager rooted at root. An empty root creates a
// temporary directory that Close removes.
func NewManager(root string, opts ...Option) (*Manager, error) {
	m := &Manager{paths: make(map[string]string)}
	for _, opt := range opts {
		opt(m)
	}

	if root == "" {
		dir, err := os.MkdirTemp("", DefaultRootPrefix)
		if err != nil {
			return nil, fmt.Errorf("failed to create workspace root: %w", err)
		}
		root, m.ownRoot = dir, true
	} else if err := os.MkdirAll(root, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create workspace root %s: %w", root, err)
	}

	m.root = root
	return m, nil
}

// Root returns the directory all workspaces live under.
func (m *Manager) Root() string {
	return m.root
}

// Acquire returns the task's workspace, creating it on first use.
// Allocation failures wrap task.ErrResourceUnavailable.
func (m *Manager) Acquire(taskID string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if path, ok := m.paths[taskID]; ok {
		return path, nil
	}

	path, err := os.MkdirTemp(m.root, sanitize(taskID)+"-")
	if err != nil {
		return "", task.ResourceUnavailable(taskID, "acquire workspace", err)
	}
	m.paths[taskID] = path
	slog.Debug("Workspace acquired", "task_id", taskID, "path", path)
	return path, nil
}

// Release removes the task's workspace. Releasing an unknown or already
// released task is a no-op.
func (m *Manager) Release(taskID string) error {
	m.mu.Lock()
	path, ok := m.paths[taskID]
	delete(m.paths, taskID)
	m.mu.Unlock()

	if !ok {
		return nil
	}
	if m.keep {
		slog.Info("Workspace kept", "task_id", taskID, "path", path)
		return nil
	}
	if err := os.RemoveAll(path); err != nil {
		return fmt.Errorf("failed to remove workspace %s: %w", path, err)
	}
	slog.Debug("Workspace released", "task_id", taskID)
	return nil
}

// Path returns the live workspace of a task.
func (m *Manager) Path(taskID string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	path, ok := m.paths[taskID]
	return path, ok
}

// Len returns the number of live workspaces.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.paths)
}

// Close releases every live workspace and, if the manager created its
// own root, removes it.
func (m *Manager) Close() error {
	m.mu.Lock()
	ids := make([]string, 0, len(m.paths))
	for id := range m.paths {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	var errs []error
	for _, id := range ids {
		errs = append(errs, m.Release(id))
	}
	if m.ownRoot && !m.keep {
		errs = append(errs, os.RemoveAll(m.root))
	}
	return errors.Join(errs...)
}

// sanitize maps a task id onto a safe single path element.
func sanitize(id string) string {
	var b strings.Builder
	for _, r := range id {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
		if b.Len() >= maxNameLen {
			break
		}
	}
	name := strings.Trim(b.String(), ".")
	if name == "" {
		return "task"
	}
	return name
}
