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

package provider

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

const (
	debounceDelay  = 100 * time.Millisecond
	rewatchEvery   = 500 * time.Millisecond
	rewatchRetries = 10
)

// FileProvider loads config from a local file and watches it.
type FileProvider struct {
	path string

	mu      sync.Mutex
	watcher *fsnotify.Watcher
	closed  bool
}

// NewFileProvider creates a provider that reads from a local file.
func NewFileProvider(path string) (*FileProvider, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve path: %w", err)
	}
	return &FileProvider{path: absPath}, nil
}

// Type returns TypeFile.
func (p *FileProvider) Type() Type {
	return TypeFile
}

// Path returns the absolute config path.
func (p *FileProvider) Path() string {
	return p.path
}

// Load reads the config file.
func (p *FileProvider) Load(ctx context.Context) ([]byte, error) {
	data, err := os.ReadFile(p.path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", p.path, err)
	}
	return data, nil
}

// Watch watches the file's directory, since editors often replace files
// rather than write them in place.
func (p *FileProvider) Watch(ctx context.Context) (<-chan struct{}, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil, fmt.Errorf("provider is closed")
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %w", err)
	}
	dir := filepath.Dir(p.path)
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("failed to watch directory %s: %w", dir, err)
	}
	p.watcher = watcher

	ch := make(chan struct{}, 1)
	go p.watchLoop(ctx, watcher, ch)

	slog.Info("Watching config file", "path", p.path)
	return ch, nil
}

// watchLoop owns ch; every send happens on this goroutine so closing it
// on exit is safe.
func (p *FileProvider) watchLoop(ctx context.Context, watcher *fsnotify.Watcher, ch chan<- struct{}) {
	defer close(ch)
	defer watcher.Close()

	name := filepath.Base(p.path)

	debounce := time.NewTimer(debounceDelay)
	debounce.Stop()
	defer debounce.Stop()

	var rewatch <-chan time.Time
	var rewatchTicker *time.Ticker
	attempts := 0
	stopRewatch := func() {
		if rewatchTicker != nil {
			rewatchTicker.Stop()
			rewatchTicker, rewatch = nil, nil
		}
	}
	defer stopRewatch()

	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(event.Name) != name {
				continue
			}
			switch {
			case event.Has(fsnotify.Write), event.Has(fsnotify.Create):
				debounce.Reset(debounceDelay)
			case event.Has(fsnotify.Remove), event.Has(fsnotify.Rename):
				slog.Warn("Config file was removed", "path", p.path)
				if rewatchTicker == nil {
					attempts = 0
					rewatchTicker = time.NewTicker(rewatchEvery)
					rewatch = rewatchTicker.C
				}
			}

		case <-debounce.C:
			slog.Debug("Config file changed", "path", p.path)
			notify(ch)

		case <-rewatch:
			attempts++
			if _, err := os.Stat(p.path); err == nil {
				_ = watcher.Add(filepath.Dir(p.path))
				slog.Info("Config file reappeared", "path", p.path)
				stopRewatch()
				notify(ch)
				continue
			}
			if attempts >= rewatchRetries {
				slog.Warn("Config file did not reappear", "path", p.path)
				stopRewatch()
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			slog.Error("File watcher error", "error", err)
		}
	}
}

// Close stops watching.
func (p *FileProvider) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.closed = true
	if p.watcher != nil {
		err := p.watcher.Close()
		p.watcher = nil
		return err
	}
	return nil
}

var _ Provider = (*FileProvider)(nil)
