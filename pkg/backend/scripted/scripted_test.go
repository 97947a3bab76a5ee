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

package scripted

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/kadirpekel/codebridge/pkg/backend"
)

func run(ctx context.Context, b backend.Backend, turn backend.Turn) ([]backend.Event, error) {
	var events []backend.Event
	for ev, err := range b.Run(ctx, turn) {
		if err != nil {
			return events, err
		}
		events = append(events, ev)
	}
	return events, nil
}

func TestEcho(t *testing.T) {
	tests := []struct {
		prompt string
		want   string
	}{
		{"add 2 and 2", "4"},
		{"Please ADD -3 and 10", "7"},
		{"hello", "Echo: hello"},
	}
	for _, tt := range tests {
		t.Run(tt.prompt, func(t *testing.T) {
			events, err := run(context.Background(), Echo(), backend.Turn{Prompt: tt.prompt})
			if err != nil {
				t.Fatal(err)
			}
			if len(events) != 2 {
				t.Fatalf("events = %+v", events)
			}
			if events[0].Kind != backend.EventSession || !strings.HasPrefix(events[0].SessionID, "echo-") {
				t.Errorf("session event = %+v", events[0])
			}
			if events[1].Text != tt.want {
				t.Errorf("text = %q, want %q", events[1].Text, tt.want)
			}
		})
	}
}

func TestEcho_ResumedTurnKeepsSession(t *testing.T) {
	events, err := run(context.Background(), Echo(), backend.Turn{Prompt: "hi", SessionID: "echo-1"})
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 1 || events[0].Kind != backend.EventText {
		t.Errorf("events = %+v", events)
	}
}

func TestFixed_StepsAndRecording(t *testing.T) {
	ws := t.TempDir()
	boom := errors.New("boom")
	b := Fixed(
		Step{Event: backend.Text("one")},
		Step{WriteFile: "out/result.txt", Content: "42"},
		Step{Err: boom},
		Step{Event: backend.Text("never")},
	)

	events, err := run(context.Background(), b, backend.Turn{TaskID: "t", Workspace: ws})
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v", err)
	}
	if len(events) != 1 {
		t.Errorf("events = %+v", events)
	}
	data, err := os.ReadFile(filepath.Join(ws, "out", "result.txt"))
	if err != nil || string(data) != "42" {
		t.Errorf("file = %q, %v", data, err)
	}
	if turns := b.Turns(); len(turns) != 1 || turns[0].TaskID != "t" {
		t.Errorf("turns = %+v", turns)
	}
}

func TestFixed_HangAndDelayHonorContext(t *testing.T) {
	for _, step := range []Step{{Hang: true}, {Delay: time.Hour}} {
		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
		_, err := run(ctx, Fixed(step), backend.Turn{})
		cancel()
		if !errors.Is(err, context.DeadlineExceeded) {
			t.Errorf("step %+v: err = %v", step, err)
		}
	}
}
