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

package config

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/kadirpekel/codebridge/pkg/config/provider"
)

// memProvider serves config bytes from memory and signals changes on
// demand.
type memProvider struct {
	mu      sync.Mutex
	data    []byte
	changes chan struct{}
}

func (p *memProvider) Type() provider.Type { return "memory" }

func (p *memProvider) Load(context.Context) ([]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.data, nil
}

func (p *memProvider) Watch(context.Context) (<-chan struct{}, error) {
	return p.changes, nil
}

func (p *memProvider) Close() error { return nil }

func (p *memProvider) set(data string) {
	p.mu.Lock()
	p.data = []byte(data)
	p.mu.Unlock()
	p.changes <- struct{}{}
}

func TestLoader_WatchReloads(t *testing.T) {
	p := &memProvider{data: []byte("logger:\n  level: info\n"), changes: make(chan struct{})}

	got := make(chan *Config, 4)
	loader := NewLoader(p, WithOnChange(func(cfg *Config) { got <- cfg }))

	cfg, err := loader.Load(context.Background())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Logger.Level != "info" {
		t.Fatalf("level = %q", cfg.Logger.Level)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- loader.Watch(ctx) }()

	// An invalid document is logged and skipped.
	p.set("logger:\n  level: loud\n")
	p.set("logger:\n  level: debug\n")

	select {
	case cfg := <-got:
		if cfg.Logger.Level != "debug" {
			t.Errorf("reloaded level = %q, want debug", cfg.Logger.Level)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("onChange was not called")
	}

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Watch did not return after cancel")
	}
}

func TestLoadConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "codebridge.yaml")
	if err := os.WriteFile(path, []byte("name: test-bridge\nbridge:\n  backend: echo\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, loader, err := LoadConfigFile(context.Background(), path)
	if err != nil {
		t.Fatalf("LoadConfigFile: %v", err)
	}
	defer loader.Close()

	if cfg.Name != "test-bridge" || cfg.Bridge.Backend != BackendEcho {
		t.Errorf("cfg = %+v", cfg)
	}
}

func TestLoadConfigFile_NotFound(t *testing.T) {
	if _, _, err := LoadConfigFile(context.Background(), "/nonexistent/codebridge.yaml"); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestLoader_SkipsUnchangedReload(t *testing.T) {
	p := &memProvider{data: []byte("logger:\n  level: info\n"), changes: make(chan struct{})}

	var calls int
	var mu sync.Mutex
	loader := NewLoader(p, WithOnChange(func(*Config) {
		mu.Lock()
		calls++
		mu.Unlock()
	}))
	if _, err := loader.Load(context.Background()); err != nil {
		t.Fatalf("Load: %v", err)
	}
	first := loader.Current()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- loader.Watch(ctx) }()

	p.set("logger:\n  level: info\n")
	// The unbuffered send returns once Watch has taken the signal; the
	// second send proves the first reload finished.
	p.set("logger:\n  level: info\n")
	cancel()
	<-done

	mu.Lock()
	defer mu.Unlock()
	if calls != 0 {
		t.Errorf("onChange called %d times for identical documents", calls)
	}
	if loader.Current() != first {
		t.Error("Current() changed without a config change")
	}
}

func TestLookupEnv(t *testing.T) {
	t.Setenv("CB_SET", "value")
	t.Setenv("CB_EMPTY", "")

	tests := []struct {
		in   string
		want string
	}{
		{in: "$CB_SET", want: "value"},
		{in: "${CB_SET}", want: "value"},
		{in: "${CB_EMPTY:-fallback}", want: "fallback"},
		{in: "${CB_SET:-fallback}", want: "value"},
		{in: "$CB_MISSING", want: ""},
		{in: "costs $5", want: "costs $5"},
		{in: "trailing $", want: "trailing $"},
		{in: "http://${CB_SET}:9100/", want: "http://value:9100/"},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			if got := os.Expand(tt.in, lookupEnv); got != tt.want {
				t.Errorf("expand(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestParse_Empty(t *testing.T) {
	cfg, err := Parse(nil)
	if err != nil {
		t.Fatalf("Parse(nil): %v", err)
	}
	if cfg.Server.Port != DefaultPort {
		t.Errorf("port = %d, want default %d", cfg.Server.Port, DefaultPort)
	}
	if cfg.Server.Tasks.MaxEvents != DefaultMaxTaskEvents {
		t.Errorf("max_events = %d, want default %d", cfg.Server.Tasks.MaxEvents, DefaultMaxTaskEvents)
	}
}
