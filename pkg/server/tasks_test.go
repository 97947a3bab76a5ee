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

package server

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/kadirpekel/codebridge/pkg/backend"
	"github.com/kadirpekel/codebridge/pkg/backend/scripted"
	"github.com/kadirpekel/codebridge/pkg/config"
	"github.com/kadirpekel/codebridge/pkg/executor"
	"github.com/kadirpekel/codebridge/pkg/session"
	"github.com/kadirpekel/codebridge/pkg/task"
	"github.com/kadirpekel/codebridge/pkg/workspace"
)

type testEnv struct {
	tasks    *TaskServer
	ws       *workspace.Manager
	sessions *session.Registry
}

func newTestEnv(t *testing.T, b backend.Backend, mutate ...func(*Deps)) *testEnv {
	t.Helper()
	ws, err := workspace.NewManager(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	env := &testEnv{ws: ws, sessions: session.NewRegistry()}
	deps := Deps{
		Card:          BuildAgentCard(config.Default()),
		Backend:       b,
		Workspaces:    ws,
		Sessions:      env.sessions,
		TurnTimeout:   5 * time.Second,
		MaxConcurrent: 4,
	}
	for _, m := range mutate {
		m(&deps)
	}
	env.tasks, err = NewTaskServer(deps)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = env.tasks.Shutdown(ctx)
	})
	return env
}

func (e *testEnv) submit(t *testing.T, description string) string {
	t.Helper()
	id, err := e.tasks.Submit(context.Background(), SubmitRequest{Description: description})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	return id
}

// collect streams a task's events until the final one.
func collect(t *testing.T, s *TaskServer, id string) []task.Event {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	events, err := s.Stream(ctx, id)
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}
	var out []task.Event
	for ev, err := range events {
		if err != nil {
			t.Fatalf("stream of %s ended early: %v (got %+v)", id, err, out)
		}
		out = append(out, ev)
	}
	return out
}

// waitForEvent reads the stream until pred matches.
func waitForEvent(t *testing.T, s *TaskServer, id string, pred func(task.Event) bool) task.Event {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	events, err := s.Stream(ctx, id)
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}
	for ev, err := range events {
		if err != nil {
			t.Fatalf("no matching event on %s: %v", id, err)
		}
		if pred(ev) {
			return ev
		}
	}
	t.Fatalf("stream of %s ended without a matching event", id)
	return task.Event{}
}

func waitForState(t *testing.T, s *TaskServer, id string, want task.State) *task.Task {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for {
		snap, err := s.Get(context.Background(), id)
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		if snap.State == want {
			return snap
		}
		if time.Now().After(deadline) {
			t.Fatalf("task %s state = %s, want %s", id, snap.State, want)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func countKind(events []task.Event, kinds ...task.EventKind) int {
	n := 0
	for _, ev := range events {
		for _, k := range kinds {
			if ev.Kind == k {
				n++
			}
		}
	}
	return n
}

func hangAfter(text string) *scripted.Backend {
	return scripted.Fixed(scripted.Step{Event: backend.Text(text)}, scripted.Step{Hang: true})
}

func TestSubmit_AddTwoAndTwo(t *testing.T) {
	env := newTestEnv(t, scripted.Echo())
	id := env.submit(t, "add 2 and 2")

	events := collect(t, env.tasks, id)
	for i, ev := range events {
		if ev.Seq != uint64(i+1) || ev.TaskID != id {
			t.Fatalf("event %d = %+v", i, ev)
		}
	}
	last := events[len(events)-1]
	if !last.Final || last.State != task.StateCompleted || last.Result == nil || last.Result.Text != "4" {
		t.Fatalf("final event = %+v", last)
	}

	snap, err := env.tasks.Get(context.Background(), id)
	if err != nil {
		t.Fatal(err)
	}
	if snap.State != task.StateCompleted || snap.Result.Text != "4" || snap.LastSeq != last.Seq {
		t.Errorf("snapshot = %+v", snap)
	}
	if env.ws.Len() != 0 || env.sessions.Len() != 0 {
		t.Errorf("resources kept: workspaces=%d sessions=%d", env.ws.Len(), env.sessions.Len())
	}
}

func TestSubmit_CallerAssignedID(t *testing.T) {
	env := newTestEnv(t, scripted.Echo())
	ctx := context.Background()

	id, err := env.tasks.Submit(ctx, SubmitRequest{TaskID: "job-1", ContextID: "ctx-9", Description: "hi", Inputs: map[string]any{"lang": "go"}})
	if err != nil || id != "job-1" {
		t.Fatalf("Submit = %q, %v", id, err)
	}
	collect(t, env.tasks, id)

	snap, _ := env.tasks.Get(ctx, id)
	if snap.ContextID != "ctx-9" || snap.Metadata["lang"] != "go" {
		t.Errorf("snapshot = %+v", snap)
	}

	_, err = env.tasks.Submit(ctx, SubmitRequest{TaskID: "job-1", Description: "again"})
	if !errors.Is(err, task.ErrInvalidState) {
		t.Errorf("duplicate submit err = %v", err)
	}
}

func TestSubmit_EmptyDescription(t *testing.T) {
	b := scripted.Fixed(scripted.Step{Event: backend.Text("unused")})
	env := newTestEnv(t, b)
	id := env.submit(t, "")

	last := collect(t, env.tasks, id)
	final := last[len(last)-1]
	if final.State != task.StateCompleted || final.Result.Text != executor.EmptyInputReply {
		t.Errorf("final = %+v", final)
	}
	if n := len(b.Turns()); n != 0 {
		t.Errorf("backend invoked %d times", n)
	}
}

func TestStream_ReadersAndReplay(t *testing.T) {
	b := scripted.Fixed(
		scripted.Step{Delay: 10 * time.Millisecond, Event: backend.Text("one")},
		scripted.Step{Delay: 10 * time.Millisecond, Event: backend.Text("two")},
	)
	env := newTestEnv(t, b)
	id := env.submit(t, "go")

	var wg sync.WaitGroup
	results := make([][]task.Event, 3)
	for i := range results {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i] = collect(t, env.tasks, id)
		}()
	}
	wg.Wait()

	// A late reader replays the whole log.
	replay := collect(t, env.tasks, id)
	for i, got := range append(results, replay) {
		if len(got) != len(replay) {
			t.Fatalf("reader %d saw %d events, want %d", i, len(got), len(replay))
		}
		for j := range got {
			if got[j].Seq != replay[j].Seq || got[j].Kind != replay[j].Kind {
				t.Errorf("reader %d event %d = %+v, want %+v", i, j, got[j], replay[j])
			}
		}
	}
	if countKind(replay, task.EventText) != 2 {
		t.Errorf("events = %+v", replay)
	}
}

func TestStream_FromSeq(t *testing.T) {
	env := newTestEnv(t, scripted.Echo())
	id := env.submit(t, "hello")
	all := collect(t, env.tasks, id)

	events, err := env.tasks.StreamFrom(context.Background(), id, 2)
	if err != nil {
		t.Fatal(err)
	}
	var got []task.Event
	for ev, err := range events {
		if err != nil {
			t.Fatal(err)
		}
		got = append(got, ev)
	}
	if len(got) != len(all)-2 || got[0].Seq != 3 {
		t.Errorf("resumed stream = %+v", got)
	}
}

func TestStream_EndsWithContext(t *testing.T) {
	env := newTestEnv(t, hangAfter("working"))
	id := env.submit(t, "go")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	events, err := env.tasks.Stream(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	var last error
	for ev, err := range events {
		if err != nil {
			last = err
			break
		}
		if ev.Kind == task.EventText {
			cancel()
		}
	}
	if !errors.Is(last, context.Canceled) {
		t.Errorf("stream ended with %v", last)
	}
}

func TestStream_UnknownTask(t *testing.T) {
	env := newTestEnv(t, scripted.Echo())
	if _, err := env.tasks.Stream(context.Background(), "nope"); !errors.Is(err, task.ErrNotFound) {
		t.Errorf("err = %v", err)
	}
}

func TestCancel_InFlight(t *testing.T) {
	env := newTestEnv(t, hangAfter("started"))
	id := env.submit(t, "go")
	waitForEvent(t, env.tasks, id, func(ev task.Event) bool { return ev.Kind == task.EventText })

	start := time.Now()
	outcome, err := env.tasks.Cancel(context.Background(), id)
	if err != nil || outcome != CancelAccepted {
		t.Fatalf("Cancel = %q, %v", outcome, err)
	}
	if d := time.Since(start); d > time.Second {
		t.Errorf("Cancel blocked for %s", d)
	}

	events := collect(t, env.tasks, id)
	final := events[len(events)-1]
	if final.State != task.StateCanceled || final.Result != nil {
		t.Errorf("final = %+v", final)
	}

	outcome, err = env.tasks.Cancel(context.Background(), id)
	if err != nil || outcome != CancelAlreadyTerminal {
		t.Errorf("second Cancel = %q, %v", outcome, err)
	}
}

func TestCancel_BeforeFirstEvent(t *testing.T) {
	env := newTestEnv(t, scripted.Fixed(scripted.Step{Hang: true}))
	id := env.submit(t, "go")
	waitForEvent(t, env.tasks, id, func(ev task.Event) bool { return ev.State == task.StateWorking })

	if _, err := env.tasks.Cancel(context.Background(), id); err != nil {
		t.Fatal(err)
	}
	events := collect(t, env.tasks, id)
	if n := countKind(events, task.EventText, task.EventTool); n != 0 {
		t.Errorf("got %d text/tool events: %+v", n, events)
	}
	if final := events[len(events)-1]; final.State != task.StateCanceled {
		t.Errorf("final = %+v", final)
	}
}

// askFirst asks for input on the first turn and answers afterwards.
func askFirst() *scripted.Backend {
	return scripted.New("ask", func(turn backend.Turn) []scripted.Step {
		if turn.SessionID == "" {
			return []scripted.Step{
				{Event: backend.Session("s-1")},
				{Event: backend.InputRequired("which file?")},
			}
		}
		return []scripted.Step{{Event: backend.Text("got " + turn.Prompt)}}
	})
}

func TestCancel_WaitingForInput(t *testing.T) {
	env := newTestEnv(t, askFirst())
	id := env.submit(t, "fix it")
	waitForState(t, env.tasks, id, task.StateInputRequired)

	outcome, err := env.tasks.Cancel(context.Background(), id)
	if err != nil || outcome != CancelAccepted {
		t.Fatalf("Cancel = %q, %v", outcome, err)
	}
	events := collect(t, env.tasks, id)
	if final := events[len(events)-1]; !final.Final || final.State != task.StateCanceled {
		t.Errorf("final = %+v", final)
	}
	if env.ws.Len() != 0 {
		t.Error("workspace not released")
	}
}

func TestCancel_UnknownTask(t *testing.T) {
	env := newTestEnv(t, scripted.Echo())
	if _, err := env.tasks.Cancel(context.Background(), "nope"); !errors.Is(err, task.ErrNotFound) {
		t.Errorf("err = %v", err)
	}
}

func TestSendFollowup_ResumesSession(t *testing.T) {
	b := askFirst()
	env := newTestEnv(t, b)
	ctx := context.Background()
	id := env.submit(t, "fix it")

	ev := waitForEvent(t, env.tasks, id, func(ev task.Event) bool { return ev.State == task.StateInputRequired })
	if ev.Text != "which file?" || ev.Final {
		t.Errorf("input-required event = %+v", ev)
	}
	if env.ws.Len() != 1 {
		t.Error("workspace released while waiting for input")
	}

	if err := env.tasks.SendFollowup(ctx, id, task.Message{Text: "main.go"}); err != nil {
		t.Fatalf("SendFollowup: %v", err)
	}

	events := collect(t, env.tasks, id)
	final := events[len(events)-1]
	if final.State != task.StateCompleted || final.Result.Text != "got main.go" {
		t.Errorf("final = %+v", final)
	}
	turns := b.Turns()
	if len(turns) != 2 || turns[1].SessionID != "s-1" {
		t.Errorf("turns = %+v", turns)
	}
	snap, _ := env.tasks.Get(ctx, id)
	if len(snap.History) != 4 {
		t.Errorf("history = %+v", snap.History)
	}
}

func TestSendFollowup_Rejected(t *testing.T) {
	ctx := context.Background()

	t.Run("unknown", func(t *testing.T) {
		env := newTestEnv(t, scripted.Echo())
		if err := env.tasks.SendFollowup(ctx, "nope", task.Message{Text: "x"}); !errors.Is(err, task.ErrNotFound) {
			t.Errorf("err = %v", err)
		}
	})

	t.Run("terminal", func(t *testing.T) {
		env := newTestEnv(t, scripted.Echo())
		id := env.submit(t, "hello")
		collect(t, env.tasks, id)
		if err := env.tasks.SendFollowup(ctx, id, task.Message{Text: "x"}); !errors.Is(err, task.ErrInvalidState) {
			t.Errorf("err = %v", err)
		}
	})

	t.Run("busy", func(t *testing.T) {
		env := newTestEnv(t, hangAfter("started"))
		id := env.submit(t, "go")
		waitForEvent(t, env.tasks, id, func(ev task.Event) bool { return ev.Kind == task.EventText })
		if err := env.tasks.SendFollowup(ctx, id, task.Message{Text: "x"}); !errors.Is(err, task.ErrInvalidState) {
			t.Errorf("err = %v", err)
		}
	})
}

func TestShutdown_CancelsTurns(t *testing.T) {
	env := newTestEnv(t, hangAfter("started"))
	id := env.submit(t, "go")
	waitForEvent(t, env.tasks, id, func(ev task.Event) bool { return ev.Kind == task.EventText })

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := env.tasks.Shutdown(ctx); err != nil {
		t.Fatal(err)
	}
	snap, _ := env.tasks.Get(ctx, id)
	if snap.State != task.StateCanceled {
		t.Errorf("state = %s", snap.State)
	}

	_, err := env.tasks.Submit(ctx, SubmitRequest{Description: "late"})
	if !errors.Is(err, task.ErrResourceUnavailable) {
		t.Errorf("submit after shutdown err = %v", err)
	}
}

func TestLookup_RestoresFromStore(t *testing.T) {
	store, err := task.NewMemoryStore(10)
	if err != nil {
		t.Fatal(err)
	}
	old := task.New("old", "")
	_ = old.Transition(task.StateWorking)
	_ = old.Fail("Execution error: boom")
	old.LastSeq = 4
	if err := store.Save(context.Background(), old); err != nil {
		t.Fatal(err)
	}

	env := newTestEnv(t, scripted.Echo(), func(d *Deps) { d.Store = store })
	events := collect(t, env.tasks, "old")
	if len(events) != 1 {
		t.Fatalf("events = %+v", events)
	}
	if ev := events[0]; ev.Seq != 4 || ev.State != task.StateFailed || ev.Reason != "Execution error: boom" {
		t.Errorf("restored event = %+v", ev)
	}

	if _, err := env.tasks.Submit(context.Background(), SubmitRequest{TaskID: "old"}); !errors.Is(err, task.ErrInvalidState) {
		t.Errorf("resubmit err = %v", err)
	}
}

func TestNewTaskServer_Validates(t *testing.T) {
	if _, err := NewTaskServer(Deps{}); err == nil {
		t.Error("expected error without a card")
	}
	if _, err := NewTaskServer(Deps{Card: BuildAgentCard(config.Default())}); err == nil {
		t.Error("expected error without a backend")
	}
}

func TestCancel_NoArtifactsAfterCancel(t *testing.T) {
	env := newTestEnv(t, scripted.Fixed(
		scripted.Step{WriteFile: "partial.py", Content: "print(1)\n", Event: backend.Text("writing")},
		scripted.Step{Hang: true},
	))
	id := env.submit(t, "go")
	text := waitForEvent(t, env.tasks, id, func(ev task.Event) bool { return ev.Kind == task.EventText })

	if _, err := env.tasks.Cancel(context.Background(), id); err != nil {
		t.Fatal(err)
	}

	var after []task.Event
	for _, ev := range collect(t, env.tasks, id) {
		if ev.Seq > text.Seq {
			after = append(after, ev)
		}
	}
	if len(after) != 1 {
		t.Fatalf("events after cancel = %+v, want only the terminal event", after)
	}
	if !after[0].Final || after[0].State != task.StateCanceled {
		t.Errorf("terminal = %+v", after[0])
	}
}

func TestCancel_ImmediatelyAfterSubmit(t *testing.T) {
	// One slot: the blocker holds it, so the second task is still queued
	// when it is canceled.
	b := scripted.New("gate", func(turn backend.Turn) []scripted.Step {
		if turn.Prompt == "block" {
			return []scripted.Step{{Hang: true}}
		}
		return []scripted.Step{{Event: backend.Text("ran anyway")}}
	})
	env := newTestEnv(t, b, func(d *Deps) { d.MaxConcurrent = 1 })
	blocker := env.submit(t, "block")
	waitForEvent(t, env.tasks, blocker, func(ev task.Event) bool { return ev.State == task.StateWorking })

	id := env.submit(t, "add 2 and 2")
	outcome, err := env.tasks.Cancel(context.Background(), id)
	if err != nil || outcome != CancelAccepted {
		t.Fatalf("Cancel = %q, %v", outcome, err)
	}

	events := collect(t, env.tasks, id)
	if len(events) != 1 {
		t.Fatalf("events = %+v, want a lone canceled event", events)
	}
	if final := events[0]; !final.Final || final.State != task.StateCanceled || final.Result != nil {
		t.Errorf("final = %+v", final)
	}
	if n := len(b.Turns()); n != 1 {
		t.Errorf("backend ran %d turns, want only the blocker", n)
	}
}

func TestSubmit_SilentBackendTimesOut(t *testing.T) {
	env := newTestEnv(t, scripted.Fixed(scripted.Step{Hang: true}), func(d *Deps) {
		d.TurnTimeout = 50 * time.Millisecond
	})
	id := env.submit(t, "go")

	events := collect(t, env.tasks, id)
	final := events[len(events)-1]
	if !final.Final || final.State != task.StateFailed {
		t.Fatalf("final = %+v", final)
	}
	if !strings.HasPrefix(final.Reason, "timeout:") {
		t.Errorf("reason = %q, want a timeout reason", final.Reason)
	}
	if n := countKind(events, task.EventText, task.EventTool, task.EventArtifact); n != 0 {
		t.Errorf("got %d content events from a silent backend", n)
	}

	deadline := time.Now().Add(5 * time.Second)
	for env.ws.Len() != 0 {
		if time.Now().After(deadline) {
			t.Fatal("workspace not released after timeout")
		}
		time.Sleep(5 * time.Millisecond)
	}
}
