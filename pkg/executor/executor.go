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

// Package executor runs task turns against a backend.
//
// A turn takes a task from submitted or input-required to working, feeds
// the latest caller message to the backend and translates the backend's
// events into ordered task events until the turn ends in input-required,
// completed, failed or canceled.
package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/kadirpekel/codebridge/pkg/backend"
	"github.com/kadirpekel/codebridge/pkg/logger"
	"github.com/kadirpekel/codebridge/pkg/observability"
	"github.com/kadirpekel/codebridge/pkg/session"
	"github.com/kadirpekel/codebridge/pkg/task"
	"github.com/kadirpekel/codebridge/pkg/workspace"
)

// Messages surfaced to callers.
const (
	WorkingMessage    = "Claude Code is working on your request…"
	EmptyInputReply   = "I didn't receive any input. Could you send a message?"
	EmptyResultText   = "Done."
	ResponseArtifact  = "claude_code_response"
	toolMessagePrefix = "Using tool: "
	errorReasonPrefix = "Execution error: "
)

// drainTimeout bounds how long a finished turn waits for the backend to
// release its process after being cancelled.
const drainTimeout = 10 * time.Second

// Tasks is the task state the executor drives. The server implements it.
type Tasks interface {
	// Update applies fn to the live task under its lock, persists the
	// result and returns a snapshot. fn's error aborts the update.
	Update(ctx context.Context, taskID string, fn func(t *task.Task) error) (*task.Task, error)

	// Publish appends ev to the task's event log. The log assigns Seq.
	Publish(ctx context.Context, ev task.Event)
}

// Config holds executor settings.
type Config struct {
	Backend    backend.Backend
	Workspaces *workspace.Manager
	Sessions   *session.Registry
	Tasks      Tasks

	// TurnTimeout is the inactivity limit between backend events.
	// Zero disables it.
	TurnTimeout time.Duration

	// MaxConcurrent bounds turns running at once. Zero means unbounded.
	MaxConcurrent int

	Model    string
	MaxTurns int

	Tracer  *observability.Tracer
	Metrics *observability.Metrics
}

// Executor runs turns. It is safe for concurrent use; turns of the same
// task are serialized by a single-flight guard.
type Executor struct {
	cfg Config
	sem *semaphore.Weighted

	mu       sync.Mutex
	inFlight map[string]struct{}
}

// New creates an executor.
func New(cfg Config) (*Executor, error) {
	if cfg.Backend == nil {
		return nil, fmt.Errorf("backend is required")
	}
	if cfg.Workspaces == nil {
		return nil, fmt.Errorf("workspace manager is required")
	}
	if cfg.Sessions == nil {
		return nil, fmt.Errorf("session registry is required")
	}
	if cfg.Tasks == nil {
		return nil, fmt.Errorf("task state is required")
	}

	e := &Executor{cfg: cfg, inFlight: make(map[string]struct{})}
	if cfg.MaxConcurrent > 0 {
		e.sem = semaphore.NewWeighted(int64(cfg.MaxConcurrent))
	}
	return e, nil
}

// Backend returns the backend turns run against.
func (e *Executor) Backend() backend.Backend {
	return e.cfg.Backend
}

func (e *Executor) begin(taskID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, busy := e.inFlight[taskID]; busy {
		return false
	}
	e.inFlight[taskID] = struct{}{}
	return true
}

func (e *Executor) end(taskID string) {
	e.mu.Lock()
	delete(e.inFlight, taskID)
	e.mu.Unlock()
}

// Busy reports whether a turn for taskID is in flight.
func (e *Executor) Busy(taskID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, busy := e.inFlight[taskID]
	return busy
}

// RunTurn appends msg to the task's history and runs one backend turn.
// Cancelling ctx cancels the turn; the task then ends in canceled.
//
// The returned error reports protocol problems only (unknown task, task
// busy or terminal). Backend and resource failures fail the task and
// return nil.
func (e *Executor) RunTurn(ctx context.Context, taskID string, msg task.Message) error {
	if !e.begin(taskID) {
		return task.InvalidState(taskID, "run turn", "a turn is already in flight")
	}
	defer e.end(taskID)

	snap, err := e.cfg.Tasks.Update(ctx, taskID, func(t *task.Task) error {
		if t.State != task.StateSubmitted && t.State != task.StateInputRequired && t.State != task.StateWorking {
			return task.InvalidState(taskID, "run turn", "task is "+string(t.State))
		}
		return t.AppendHistory(task.RoleUser, msg.Text, msg.Data)
	})
	if err != nil {
		return err
	}

	t := &turn{
		exec:   e,
		taskID: taskID,
		prompt: msg.Text,
		snap:   snap,
	}
	t.run(ctx)
	return nil
}

// CancelIdle cancels a task that has no turn in flight: a submitted task
// not yet started or a task waiting for input. It returns false when
// the task is already terminal.
func (e *Executor) CancelIdle(ctx context.Context, taskID string) (bool, error) {
	if !e.begin(taskID) {
		return false, task.InvalidState(taskID, "cancel", "a turn is in flight")
	}
	defer e.end(taskID)

	var already bool
	snap, err := e.cfg.Tasks.Update(ctx, taskID, func(t *task.Task) error {
		if t.State.IsTerminal() {
			already = true
			return nil
		}
		return t.Cancel()
	})
	if err != nil || already {
		return false, err
	}

	e.publish(ctx, task.Event{TaskID: taskID, Kind: task.EventStatus, State: task.StateCanceled, Final: true})
	e.cfg.Metrics.TaskTerminal(ctx, string(snap.State))
	e.cleanup(ctx, taskID)
	return true, nil
}

func (e *Executor) publish(ctx context.Context, ev task.Event) {
	e.cfg.Tasks.Publish(ctx, ev)
	e.cfg.Metrics.Event(ctx, string(ev.Kind))
}

// cleanup releases per-task resources once the task is terminal.
func (e *Executor) cleanup(ctx context.Context, taskID string) {
	if err := e.cfg.Workspaces.Release(taskID); err != nil {
		slog.Warn("Failed to release workspace", "task_id", taskID, "error", err)
	}
	e.cfg.Sessions.Forget(ctx, taskID)
	if f, ok := e.cfg.Backend.(interface{ Forget(taskID string) }); ok {
		f.Forget(taskID)
	}
}

// outcome is how a turn ended.
type outcome struct {
	state    task.State
	reason   string
	question string
}

// turn is one RunTurn invocation.
type turn struct {
	exec   *Executor
	taskID string
	prompt string
	snap   *task.Task

	sessionID string
	texts     []string
	events    int
}

func (t *turn) run(ctx context.Context) {
	e := t.exec
	ctx, span := e.cfg.Tracer.StartTurn(ctx, t.taskID, t.sessionID, e.cfg.Backend.Name())
	done := e.cfg.Metrics.TurnStarted(ctx, e.cfg.Backend.Name())

	var out outcome
	defer func() {
		if r := recover(); r != nil {
			slog.Error("Turn panicked", "task_id", t.taskID, "panic", r)
			out = outcome{state: task.StateFailed, reason: fmt.Sprintf("%spanic: %v", errorReasonPrefix, r)}
			t.finish(context.WithoutCancel(ctx), out, nil)
		}
		var err error
		if out.state == task.StateFailed {
			err = errors.New(out.reason)
		}
		observability.EndTurn(span, string(out.state), t.events, err)
		done(string(out.state))
	}()

	out, files := t.execute(ctx)
	// Terminal bookkeeping must complete even when ctx is cancelled.
	t.finish(context.WithoutCancel(ctx), out, files)
}

// execute runs the turn up to its outcome. files lists workspace files
// produced during the turn.
func (t *turn) execute(ctx context.Context) (outcome, []string) {
	e := t.exec

	if strings.TrimSpace(t.prompt) == "" {
		if ctx.Err() != nil {
			return outcome{state: task.StateCanceled}, nil
		}
		if err := t.transition(ctx, task.StateWorking, ""); err != nil {
			return outcome{state: task.StateFailed, reason: err.Error()}, nil
		}
		t.texts = []string{EmptyInputReply}
		return outcome{state: task.StateCompleted}, nil
	}

	if e.sem != nil {
		if err := e.sem.Acquire(ctx, 1); err != nil {
			return outcome{state: task.StateCanceled}, nil
		}
		defer e.sem.Release(1)
	}

	ws, err := e.cfg.Workspaces.Acquire(t.taskID)
	if err != nil {
		slog.Error("Workspace unavailable", "task_id", t.taskID, "error", err)
		return outcome{state: task.StateFailed, reason: err.Error()}, nil
	}
	if _, err := e.cfg.Tasks.Update(ctx, t.taskID, func(tk *task.Task) error {
		tk.WorkspacePath = ws
		return nil
	}); err != nil {
		return outcome{state: task.StateFailed, reason: err.Error()}, nil
	}

	t.sessionID, _ = e.cfg.Sessions.Lookup(ctx, t.taskID)

	if ctx.Err() != nil {
		return outcome{state: task.StateCanceled}, nil
	}
	if err := t.transition(ctx, task.StateWorking, WorkingMessage); err != nil {
		return outcome{state: task.StateFailed, reason: err.Error()}, nil
	}

	collector, err := e.cfg.Workspaces.Watch(ctx, t.taskID)
	if err != nil {
		slog.Warn("Workspace watch unavailable", "task_id", t.taskID, "error", err)
	}

	out := t.consume(ctx, backend.Turn{
		TaskID:    t.taskID,
		ContextID: t.snap.ContextID,
		Workspace: ws,
		SessionID: t.sessionID,
		History:   t.snap.History,
		Prompt:    t.prompt,
		Model:     e.cfg.Model,
		MaxTurns:  e.cfg.MaxTurns,
	})

	var files []string
	if collector != nil {
		files = collector.Stop()
	}
	return out, files
}

type item struct {
	ev  backend.Event
	err error
}

// consume pumps backend events through a channel so the executor can
// select on them, the inactivity timer and cancellation.
func (t *turn) consume(ctx context.Context, bt backend.Turn) outcome {
	e := t.exec
	runCtx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()

	ch := make(chan item)
	pumped := make(chan struct{})
	go func() {
		defer close(pumped)
		defer close(ch)
		defer func() {
			if r := recover(); r != nil {
				err := fmt.Errorf("backend panic: %v", r)
				select {
				case ch <- item{err: err}:
				case <-runCtx.Done():
				}
			}
		}()
		for ev, err := range e.cfg.Backend.Run(runCtx, bt) {
			select {
			case ch <- item{ev: ev, err: err}:
			case <-runCtx.Done():
				return
			}
			if err != nil {
				return
			}
		}
	}()

	// stop cancels the backend and waits for it to let go.
	stop := func() {
		cancelRun()
		select {
		case <-pumped:
		case <-time.After(drainTimeout):
			slog.Warn("Backend did not stop in time", "task_id", t.taskID, "backend", e.cfg.Backend.Name())
		}
	}

	var timer *time.Timer
	var timeout <-chan time.Time
	if e.cfg.TurnTimeout > 0 {
		timer = time.NewTimer(e.cfg.TurnTimeout)
		defer timer.Stop()
		timeout = timer.C
	}

	for {
		select {
		case <-ctx.Done():
			stop()
			return outcome{state: task.StateCanceled}

		case <-timeout:
			stop()
			slog.Warn("Backend timed out", "task_id", t.taskID, "timeout", e.cfg.TurnTimeout)
			return outcome{
				state:  task.StateFailed,
				reason: fmt.Sprintf("timeout: no backend event within %s", e.cfg.TurnTimeout),
			}

		case it, ok := <-ch:
			if !ok {
				if ctx.Err() != nil {
					return outcome{state: task.StateCanceled}
				}
				return outcome{state: task.StateCompleted}
			}
			if ctx.Err() != nil {
				stop()
				return outcome{state: task.StateCanceled}
			}
			if it.err != nil {
				stop()
				slog.Error("Backend failed", "task_id", t.taskID, "error", it.err)
				return outcome{state: task.StateFailed, reason: errorReasonPrefix + it.err.Error()}
			}
			if timer != nil {
				timer.Reset(e.cfg.TurnTimeout)
			}
			if out, end := t.handle(ctx, it.ev); end {
				stop()
				return out
			}
		}
	}
}

// handle translates one backend event. It reports end when the event
// finishes the turn.
func (t *turn) handle(ctx context.Context, ev backend.Event) (outcome, bool) {
	e := t.exec
	switch ev.Kind {
	case backend.EventText:
		if ev.Text == "" {
			return outcome{}, false
		}
		slog.Debug("Backend text", "task_id", t.taskID, "text", logger.Truncate(ev.Text, 500))
		t.texts = append(t.texts, ev.Text)
		t.emit(ctx, task.Event{Kind: task.EventText, State: task.StateWorking, Text: ev.Text})

	case backend.EventTool:
		if ev.Tool == nil {
			return outcome{}, false
		}
		slog.Debug("Backend tool use", "task_id", t.taskID, "tool", ev.Tool.Name)
		tool := *ev.Tool
		t.emit(ctx, task.Event{
			Kind:  task.EventTool,
			State: task.StateWorking,
			Text:  toolMessagePrefix + tool.Name,
			Tool:  &tool,
		})

	case backend.EventSession:
		if ev.SessionID == "" || ev.SessionID == t.sessionID {
			return outcome{}, false
		}
		if err := e.cfg.Sessions.Bind(ctx, t.taskID, ev.SessionID); err != nil {
			// The registry keeps the first binding; the turn goes on.
			return outcome{}, false
		}
		t.sessionID = ev.SessionID

	case backend.EventInputRequired:
		return outcome{state: task.StateInputRequired, question: ev.Text}, true
	}
	return outcome{}, false
}

func (t *turn) emit(ctx context.Context, ev task.Event) {
	ev.TaskID = t.taskID
	t.events++
	t.exec.publish(ctx, ev)
}

// transition moves the task to a non-terminal state and emits the
// status event.
func (t *turn) transition(ctx context.Context, to task.State, text string) error {
	snap, err := t.exec.cfg.Tasks.Update(ctx, t.taskID, func(tk *task.Task) error {
		if tk.State == to && to == task.StateWorking {
			return nil
		}
		return tk.Transition(to)
	})
	if err != nil {
		return err
	}
	t.snap = snap
	t.emit(ctx, task.Event{Kind: task.EventStatus, State: to, Text: text})
	return nil
}

// finish applies the outcome, emits the final events and releases
// resources on terminal states.
func (t *turn) finish(ctx context.Context, out outcome, files []string) {
	e := t.exec

	// Files from a canceled or failed turn are not advertised.
	if out.state != task.StateCompleted && out.state != task.StateInputRequired {
		files = nil
	}

	var result *task.Result
	var answer string
	if out.state == task.StateCompleted {
		answer = strings.Join(t.texts, "\n")
		if strings.TrimSpace(answer) == "" {
			answer = EmptyResultText
		}
		result = &task.Result{Text: answer, Files: files}
	}

	snap, err := e.cfg.Tasks.Update(ctx, t.taskID, func(tk *task.Task) error {
		switch out.state {
		case task.StateCompleted:
			if err := tk.AppendHistory(task.RoleAgent, answer, nil); err != nil {
				return err
			}
			return tk.Complete(result)
		case task.StateFailed:
			return tk.Fail(out.reason)
		case task.StateCanceled:
			return tk.Cancel()
		case task.StateInputRequired:
			if out.question != "" {
				if err := tk.AppendHistory(task.RoleAgent, out.question, nil); err != nil {
					return err
				}
			}
			return tk.Transition(task.StateInputRequired)
		}
		return fmt.Errorf("unexpected outcome %q", out.state)
	})
	if err != nil {
		// Someone else already finished the task; its events stand.
		slog.Warn("Failed to apply turn outcome", "task_id", t.taskID, "state", out.state, "error", err)
		return
	}

	for _, f := range files {
		t.emit(ctx, task.Event{Kind: task.EventArtifact, State: task.StateWorking, Artifact: f})
	}
	if out.state == task.StateCompleted {
		t.emit(ctx, task.Event{Kind: task.EventArtifact, State: task.StateWorking, Artifact: ResponseArtifact, Text: answer})
	}

	final := out.state != task.StateInputRequired
	t.emit(ctx, task.Event{
		Kind:   task.EventStatus,
		State:  snap.State,
		Text:   out.question,
		Result: snap.Result,
		Reason: snap.Reason,
		Final:  final,
	})

	slog.Info("Turn finished", "task_id", t.taskID, "state", snap.State, "events", t.events)
	if !final {
		return
	}
	e.cfg.Metrics.TaskTerminal(ctx, string(snap.State))
	e.cleanup(ctx, t.taskID)
}
