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

// Package scripted provides deterministic backends: an echo backend for
// smoke-testing a deployment without the claude CLI, and a scriptable
// backend for tests.
package scripted

import (
	"context"
	"fmt"
	"iter"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kadirpekel/codebridge/pkg/backend"
)

// Step is one scripted action.
type Step struct {
	// Delay is waited (honoring ctx) before the step runs.
	Delay time.Duration

	Event backend.Event

	// WriteFile, when set, is created relative to the workspace with
	// Content before Event is emitted.
	WriteFile string
	Content   string

	// Err ends the turn with this error.
	Err error

	// Hang blocks until ctx is done.
	Hang bool
}

// ScriptFunc produces the steps for a turn.
type ScriptFunc func(turn backend.Turn) []Step

// Backend replays scripted steps. It records every turn it receives.
type Backend struct {
	name   string
	script ScriptFunc

	mu    sync.Mutex
	turns []backend.Turn
}

// New creates a backend running script for every turn.
func New(name string, script ScriptFunc) *Backend {
	return &Backend{name: name, script: script}
}

// Fixed returns a backend that plays the same steps on every turn.
func Fixed(steps ...Step) *Backend {
	return New("scripted", func(backend.Turn) []Step { return steps })
}

func (b *Backend) Name() string { return b.name }

func (b *Backend) Run(ctx context.Context, turn backend.Turn) iter.Seq2[backend.Event, error] {
	b.mu.Lock()
	b.turns = append(b.turns, turn)
	b.mu.Unlock()

	steps := b.script(turn)
	return func(yield func(backend.Event, error) bool) {
		for _, step := range steps {
			if step.Delay > 0 {
				timer := time.NewTimer(step.Delay)
				select {
				case <-ctx.Done():
					timer.Stop()
					yield(backend.Event{}, ctx.Err())
					return
				case <-timer.C:
				}
			}
			if step.Hang {
				<-ctx.Done()
				yield(backend.Event{}, ctx.Err())
				return
			}
			if step.Err != nil {
				yield(backend.Event{}, step.Err)
				return
			}
			if step.WriteFile != "" {
				if err := writeFile(turn.Workspace, step.WriteFile, step.Content); err != nil {
					yield(backend.Event{}, err)
					return
				}
			}
			if step.Event.Kind == "" {
				continue
			}
			if !yield(step.Event, nil) {
				return
			}
		}
	}
}

// Turns returns the turns received so far.
func (b *Backend) Turns() []backend.Turn {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]backend.Turn(nil), b.turns...)
}

func writeFile(workspace, name, content string) error {
	if workspace == "" {
		return fmt.Errorf("no workspace for %s", name)
	}
	path := filepath.Join(workspace, filepath.FromSlash(name))
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(content), 0o600)
}

var addPattern = regexp.MustCompile(`(?i)\badd\s+(-?\d+)\s+and\s+(-?\d+)`)

// Echo returns the backend used by `bridge.backend: echo`. It answers
// "add X and Y" with the sum and echoes anything else. The first turn of
// a task gets a fresh session id; later turns keep it.
func Echo() *Backend {
	return New("echo", func(turn backend.Turn) []Step {
		steps := make([]Step, 0, 2)
		if turn.SessionID == "" {
			steps = append(steps, Step{Event: backend.Session("echo-" + uuid.NewString())})
		}

		reply := "Echo: " + turn.Prompt
		if m := addPattern.FindStringSubmatch(turn.Prompt); m != nil {
			x, _ := strconv.Atoi(m[1])
			y, _ := strconv.Atoi(m[2])
			reply = strconv.Itoa(x + y)
		}
		return append(steps, Step{Event: backend.Text(reply)})
	})
}

var _ backend.Backend = (*Backend)(nil)
