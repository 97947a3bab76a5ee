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

package workspace

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/kadirpekel/codebridge/pkg/task"
)

// Collector records the files created or written under a workspace
// while a turn runs.
type Collector struct {
	root    string
	started time.Time
	watcher *fsnotify.Watcher
	cancel  context.CancelFunc
	done    chan struct{}

	mu    sync.Mutex
	files map[string]struct{}
}

// Watch starts collecting file changes in the task's workspace.
func (m *Manager) Watch(ctx context.Context, taskID string) (*Collector, error) {
	path, ok := m.Path(taskID)
	if !ok {
		return nil, task.NotFound(taskID)
	}
	return NewCollector(ctx, path)
}

// NewCollector watches root and every directory below it.
func NewCollector(ctx context.Context, root string) (*Collector, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}

	c := &Collector{
		root: root,
		// mtime resolution can be coarse
		started: time.Now().Add(-time.Second),
		watcher: watcher,
		done:    make(chan struct{}),
		files:   make(map[string]struct{}),
	}
	if err := c.addTree(root); err != nil {
		_ = watcher.Close()
		return nil, err
	}

	ctx, c.cancel = context.WithCancel(ctx)
	go c.run(ctx)
	return c, nil
}

func (c *Collector) addTree(dir string) error {
	return filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if err := c.watcher.Add(path); err != nil {
				return fmt.Errorf("failed to watch %s: %w", path, err)
			}
		}
		return nil
	})
}

func (c *Collector) run(ctx context.Context) {
	defer close(c.done)
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-c.watcher.Events:
			if !ok {
				return
			}
			c.handle(event)
		case err, ok := <-c.watcher.Errors:
			if !ok {
				return
			}
			slog.Warn("Workspace watcher error", "root", c.root, "error", err)
		}
	}
}

func (c *Collector) handle(event fsnotify.Event) {
	if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) {
		return
	}
	info, err := os.Stat(event.Name)
	if err != nil {
		return
	}
	if info.IsDir() {
		// Files may already exist in a directory created before the
		// watch was added; the final scan picks those up.
		if err := c.addTree(event.Name); err != nil {
			slog.Debug("Failed to watch new directory", "path", event.Name, "error", err)
		}
		return
	}
	c.record(event.Name)
}

func (c *Collector) record(path string) {
	rel, err := filepath.Rel(c.root, path)
	if err != nil {
		return
	}
	c.mu.Lock()
	c.files[filepath.ToSlash(rel)] = struct{}{}
	c.mu.Unlock()
}

// Stop ends collection and returns the produced files, relative to the
// workspace root and sorted. Files removed before Stop are omitted.
func (c *Collector) Stop() []string {
	c.cancel()
	<-c.done
	_ = c.watcher.Close()

	// Catch events the watcher had not delivered yet.
	_ = filepath.WalkDir(c.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
		}
		if info, err := d.Info(); err == nil && !info.ModTime().Before(c.started) {
			c.record(path)
		}
		return nil
	})

	c.mu.Lock()
	defer c.mu.Unlock()
	files := make([]string, 0, len(c.files))
	for rel := range c.files {
		info, err := os.Stat(filepath.Join(c.root, filepath.FromSlash(rel)))
		if err != nil || !info.Mode().IsRegular() {
			continue
		}
		files = append(files, rel)
	}
	slices.Sort(files)
	return files
}
