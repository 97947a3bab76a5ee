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
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"testing"

	"github.com/kadirpekel/codebridge/pkg/task"
)

func newTestManager(t *testing.T, opts ...Option) *Manager {
	t.Helper()
	m, err := NewManager(t.TempDir(), opts...)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	return m
}

func TestAcquire_ReturnsSamePathForLiveTask(t *testing.T) {
	m := newTestManager(t)

	a, err := m.Acquire("task-1")
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	b, err := m.Acquire("task-1")
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if a != b {
		t.Errorf("paths differ: %s vs %s", a, b)
	}

	info, err := os.Stat(a)
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if info.Mode().Perm() != 0o700 {
		t.Errorf("mode = %v, want 0700", info.Mode().Perm())
	}
	if !strings.HasPrefix(filepath.Base(a), "task-1-") {
		t.Errorf("unexpected name %s", filepath.Base(a))
	}
}

func TestAcquire_DistinctAndIsolated(t *testing.T) {
	m := newTestManager(t)

	var wg sync.WaitGroup
	paths := make([]string, 16)
	for i := range paths {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			p, err := m.Acquire(fmt.Sprintf("task-%d", i))
			if err != nil {
				t.Errorf("Acquire: %v", err)
			}
			paths[i] = p
		}(i)
	}
	wg.Wait()

	seen := make(map[string]bool)
	for _, p := range paths {
		if seen[p] {
			t.Fatalf("duplicate workspace %s", p)
		}
		seen[p] = true
	}

	if err := os.WriteFile(filepath.Join(paths[0], "secret.txt"), []byte("x"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(filepath.Join(paths[1], "secret.txt")); !os.IsNotExist(err) {
		t.Errorf("file leaked across workspaces: %v", err)
	}
}

func TestRelease_Idempotent(t *testing.T) {
	m := newTestManager(t)
	path, err := m.Acquire("t")
	if err != nil {
		t.Fatal(err)
	}

	for i := 0; i < 3; i++ {
		if err := m.Release("t"); err != nil {
			t.Fatalf("Release #%d: %v", i, err)
		}
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Errorf("workspace still exists: %v", err)
	}
	if _, ok := m.Path("t"); ok {
		t.Error("Path still reports released workspace")
	}
	if err := m.Release("never-acquired"); err != nil {
		t.Errorf("Release unknown: %v", err)
	}
}

func TestRelease_KeepOnRelease(t *testing.T) {
	m := newTestManager(t, WithKeepOnRelease(true))
	path, err := m.Acquire("t")
	if err != nil {
		t.Fatal(err)
	}
	if err := m.Release("t"); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Errorf("kept workspace missing: %v", err)
	}
	if m.Len() != 0 {
		t.Errorf("Len = %d, want 0", m.Len())
	}
}

func TestAcquire_ResourceUnavailable(t *testing.T) {
	m := newTestManager(t)
	// Pull the root out from under the manager.
	if err := os.RemoveAll(m.Root()); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(m.Root(), []byte("not a dir"), 0o600); err != nil {
		t.Fatal(err)
	}

	_, err := m.Acquire("t")
	if !errors.Is(err, task.ErrResourceUnavailable) {
		t.Fatalf("err = %v, want ErrResourceUnavailable", err)
	}
	if task.CodeOf(err) != task.CodeResourceUnavailable {
		t.Errorf("code = %s", task.CodeOf(err))
	}
}

func TestNewManager_TempRoot(t *testing.T) {
	m, err := NewManager("")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(filepath.Base(m.Root()), DefaultRootPrefix) {
		t.Errorf("root = %s", m.Root())
	}
	if _, err := m.Acquire("t"); err != nil {
		t.Fatal(err)
	}
	if err := m.Close(); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(m.Root()); !os.IsNotExist(err) {
		t.Errorf("temp root not removed: %v", err)
	}
}

func TestSanitize(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"abc-123", "abc-123"},
		{"../../etc", "_.._etc"},
		{"a/b c", "a_b_c"},
		{"", "task"},
		{"..", "task"},
		{strings.Repeat("x", 100), strings.Repeat("x", maxNameLen)},
	}
	for _, tt := range tests {
		if got := sanitize(tt.in); got != tt.want {
			t.Errorf("sanitize(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestCollector_RecordsProducedFiles(t *testing.T) {
	m := newTestManager(t)
	path, err := m.Acquire("t")
	if err != nil {
		t.Fatal(err)
	}

	c, err := m.Watch(context.Background(), "t")
	if err != nil {
		t.Fatalf("Watch: %v", err)
	}

	if err := os.WriteFile(filepath.Join(path, "main.go"), []byte("package main"), 0o600); err != nil {
		t.Fatal(err)
	}
	if err := os.MkdirAll(filepath.Join(path, "pkg", "util"), 0o700); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(path, "pkg", "util", "util.go"), []byte("package util"), 0o600); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(path, "scratch"), []byte("tmp"), 0o600); err != nil {
		t.Fatal(err)
	}
	if err := os.Remove(filepath.Join(path, "scratch")); err != nil {
		t.Fatal(err)
	}

	got := c.Stop()
	want := []string{"main.go", "pkg/util/util.go"}
	if !slices.Equal(got, want) {
		t.Errorf("files = %v, want %v", got, want)
	}
}

func TestWatch_UnknownTask(t *testing.T) {
	m := newTestManager(t)
	if _, err := m.Watch(context.Background(), "nope"); !errors.Is(err, task.ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}
