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
	"fmt"
	"iter"
	"log/slog"
	"maps"
	"sync"
	"time"

	"github.com/a2aproject/a2a-go/a2a"
	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/kadirpekel/codebridge/pkg/backend"
	"github.com/kadirpekel/codebridge/pkg/executor"
	"github.com/kadirpekel/codebridge/pkg/observability"
	"github.com/kadirpekel/codebridge/pkg/session"
	"github.com/kadirpekel/codebridge/pkg/task"
	"github.com/kadirpekel/codebridge/pkg/workspace"
)

// ErrShuttingDown is returned for work submitted after Shutdown.
var ErrShuttingDown = errors.New("server is shutting down")

// CancelOutcome reports what a cancel request did.
type CancelOutcome string

const (
	CancelAccepted        CancelOutcome = "accepted"
	CancelAlreadyTerminal CancelOutcome = "already-terminal"
)

// SubmitRequest describes a new task.
type SubmitRequest struct {
	// TaskID is optional; a uuid is assigned when empty.
	TaskID string

	// ContextID defaults to the task id.
	ContextID string

	// Description is the first caller message. It may be empty.
	Description string

	// Inputs are structured inputs kept as task metadata.
	Inputs map[string]any
}

// Deps holds the process-wide collaborators of a TaskServer.
type Deps struct {
	Card       *a2a.AgentCard
	Backend    backend.Backend
	Workspaces *workspace.Manager
	Sessions   *session.Registry

	// Store persists task records. Defaults to an in-memory store.
	Store task.Store

	// Retention is how many terminal tasks keep their event log.
	Retention int

	// MaxEvents caps the buffered events per task. Zero uses
	// DefaultMaxEvents.
	MaxEvents int

	TurnTimeout   time.Duration
	MaxConcurrent int
	Model         string
	MaxTurns      int

	Tracer  *observability.Tracer
	Metrics *observability.Metrics
}

// entry is the server-side state of one task.
type entry struct {
	id  string
	log *eventLog

	mu       sync.Mutex
	task     *task.Task
	inFlight bool
	cancel   context.CancelFunc
	// done is closed when the in-flight work returns.
	done chan struct{}
}

// TaskServer accepts tasks, runs their turns and serves their events.
type TaskServer struct {
	card    *a2a.AgentCard
	exec    *executor.Executor
	store   task.Store
	metrics *observability.Metrics

	// ctx parents every turn; stop cancels them all.
	ctx   context.Context
	stop  context.CancelFunc
	turns sync.WaitGroup

	mu       sync.Mutex
	live     map[string]*entry
	retained *lru.Cache[string, *entry]
	closed   bool

	maxEvents int
}

// NewTaskServer creates a task server and its executor.
func NewTaskServer(deps Deps) (*TaskServer, error) {
	if deps.Card == nil {
		return nil, fmt.Errorf("agent card is required")
	}
	retention := deps.Retention
	if retention <= 0 {
		retention = task.DefaultRetention
	}
	store := deps.Store
	if store == nil {
		mem, err := task.NewMemoryStore(retention)
		if err != nil {
			return nil, err
		}
		store = mem
	}
	retained, err := lru.New[string, *entry](retention)
	if err != nil {
		return nil, fmt.Errorf("failed to create event log cache: %w", err)
	}

	ctx, stop := context.WithCancel(context.Background())
	s := &TaskServer{
		card:     deps.Card,
		store:    store,
		metrics:  deps.Metrics,
		ctx:      ctx,
		stop:     stop,
		live:     make(map[string]*entry),
		retained: retained,

		maxEvents: deps.MaxEvents,
	}
	if s.maxEvents <= 0 {
		s.maxEvents = DefaultMaxEvents
	}

	s.exec, err = executor.New(executor.Config{
		Backend:       deps.Backend,
		Workspaces:    deps.Workspaces,
		Sessions:      deps.Sessions,
		Tasks:         s,
		TurnTimeout:   deps.TurnTimeout,
		MaxConcurrent: deps.MaxConcurrent,
		Model:         deps.Model,
		MaxTurns:      deps.MaxTurns,
		Tracer:        deps.Tracer,
		Metrics:       deps.Metrics,
	})
	if err != nil {
		stop()
		return nil, err
	}
	return s, nil
}

// Discover returns the agent card.
func (s *TaskServer) Discover() *a2a.AgentCard {
	return s.card
}

// Submit creates a task and starts its first turn. It returns as soon as
// the task is accepted.
func (s *TaskServer) Submit(ctx context.Context, req SubmitRequest) (string, error) {
	id := req.TaskID
	if id == "" {
		id = uuid.NewString()
	} else if _, err := s.lookup(ctx, id); err == nil {
		return "", task.InvalidState(id, "submit", "task id already exists")
	} else if !errors.Is(err, task.ErrNotFound) {
		return "", err
	}

	t := task.New(id, req.ContextID)
	maps.Copy(t.Metadata, req.Inputs)
	e := &entry{id: id, task: t, log: newEventLog(0, s.maxEvents)}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return "", task.ResourceUnavailable(id, "submit", ErrShuttingDown)
	}
	if _, dup := s.live[id]; dup {
		s.mu.Unlock()
		return "", task.InvalidState(id, "submit", "task id already exists")
	}
	s.live[id] = e
	s.mu.Unlock()

	if err := s.store.Save(ctx, t); err != nil {
		s.mu.Lock()
		delete(s.live, id)
		s.mu.Unlock()
		return "", fmt.Errorf("failed to save task %s: %w", id, err)
	}

	s.metrics.TaskSubmitted(ctx)
	slog.Info("Task submitted", "task_id", id, "context_id", t.ContextID)

	msg := task.Message{Role: task.RoleUser, Text: req.Description, Data: req.Inputs}
	if err := s.start(e, msg); err != nil {
		return "", err
	}
	return id, nil
}

// SendFollowup appends msg to the task's history and starts a new turn.
// The task must not be terminal and no turn may be in flight.
func (s *TaskServer) SendFollowup(ctx context.Context, taskID string, msg task.Message) error {
	e, err := s.lookup(ctx, taskID)
	if err != nil {
		return err
	}
	if err := s.awaitIdle(ctx, e); err != nil {
		return err
	}
	msg.Role = task.RoleUser
	return s.start(e, msg)
}

// awaitIdle waits for a turn that has already parked the task in
// input-required to return.
func (s *TaskServer) awaitIdle(ctx context.Context, e *entry) error {
	for {
		e.mu.Lock()
		if !e.inFlight || e.task.State != task.StateInputRequired {
			e.mu.Unlock()
			return nil
		}
		done := e.done
		e.mu.Unlock()

		select {
		case <-done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// start runs one turn for e in the background.
func (s *TaskServer) start(e *entry, msg task.Message) error {
	e.mu.Lock()
	if e.task.State.IsTerminal() {
		e.mu.Unlock()
		return task.InvalidState(e.id, "send message", "task is "+string(e.task.State))
	}
	if e.inFlight {
		e.mu.Unlock()
		return task.InvalidState(e.id, "send message", "a turn is already in flight")
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		e.mu.Unlock()
		return task.ResourceUnavailable(e.id, "send message", ErrShuttingDown)
	}
	s.turns.Add(1)
	s.mu.Unlock()

	ctx, cancel := context.WithCancel(s.ctx)
	done := make(chan struct{})
	e.inFlight = true
	e.cancel = cancel
	e.done = done
	e.mu.Unlock()

	go func() {
		defer s.turns.Done()
		defer func() {
			cancel()
			e.mu.Lock()
			e.inFlight = false
			e.cancel = nil
			e.mu.Unlock()
			close(done)
		}()
		if err := s.exec.RunTurn(ctx, e.id, msg); err != nil {
			slog.Warn("Turn rejected", "task_id", e.id, "error", err)
		}
	}()
	return nil
}

// Stream replays the task's events and follows new ones until the final
// event or until ctx is done.
func (s *TaskServer) Stream(ctx context.Context, taskID string) (iter.Seq2[task.Event, error], error) {
	return s.StreamFrom(ctx, taskID, 0)
}

// StreamFrom is Stream starting after the event with Seq after.
// Each call reads through its own cursor.
func (s *TaskServer) StreamFrom(ctx context.Context, taskID string, after uint64) (iter.Seq2[task.Event, error], error) {
	e, err := s.lookup(ctx, taskID)
	if err != nil {
		return nil, err
	}
	log := e.log
	return func(yield func(task.Event, error) bool) {
		cursor := after
		for {
			events, closed, wait := log.since(cursor)
			for _, ev := range events {
				if !yield(ev, nil) {
					return
				}
				cursor = ev.Seq
				if ev.Final {
					return
				}
			}
			if closed {
				return
			}
			select {
			case <-ctx.Done():
				yield(task.Event{}, ctx.Err())
				return
			case <-wait:
			}
		}
	}, nil
}

// Cancel requests cancellation. An in-flight turn is signalled and the
// call returns without waiting for it; an idle task is canceled
// directly.
func (s *TaskServer) Cancel(ctx context.Context, taskID string) (CancelOutcome, error) {
	e, err := s.lookup(ctx, taskID)
	if err != nil {
		return "", err
	}
	if err := s.awaitIdle(ctx, e); err != nil {
		return "", err
	}

	e.mu.Lock()
	if e.task.State.IsTerminal() {
		e.mu.Unlock()
		return CancelAlreadyTerminal, nil
	}
	if e.inFlight {
		cancel := e.cancel
		e.mu.Unlock()
		if cancel != nil {
			cancel()
		}
		slog.Info("Cancel requested", "task_id", taskID)
		return CancelAccepted, nil
	}
	done := make(chan struct{})
	e.inFlight = true
	e.done = done
	e.mu.Unlock()

	defer func() {
		e.mu.Lock()
		e.inFlight = false
		e.mu.Unlock()
		close(done)
	}()

	canceled, err := s.exec.CancelIdle(context.WithoutCancel(ctx), taskID)
	if err != nil {
		return "", err
	}
	if !canceled {
		return CancelAlreadyTerminal, nil
	}
	slog.Info("Task canceled", "task_id", taskID)
	return CancelAccepted, nil
}

// Get returns a snapshot of the task.
func (s *TaskServer) Get(ctx context.Context, taskID string) (*task.Task, error) {
	e, err := s.lookup(ctx, taskID)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.task.Clone(), nil
}

// Update applies fn to the task under its lock and persists the result.
func (s *TaskServer) Update(ctx context.Context, taskID string, fn func(t *task.Task) error) (*task.Task, error) {
	e, err := s.lookup(ctx, taskID)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	next := e.task.Clone()
	if err := fn(next); err != nil {
		return nil, err
	}
	next.LastSeq = e.log.lastSeq()
	s.persist(ctx, next)
	e.task = next
	return next.Clone(), nil
}

// Publish appends ev to the task's log. The final event closes the log
// and moves the task to the retained set.
func (s *TaskServer) Publish(ctx context.Context, ev task.Event) {
	e, err := s.lookup(ctx, ev.TaskID)
	if err != nil {
		slog.Warn("Dropped event for unknown task", "task_id", ev.TaskID, "kind", ev.Kind)
		return
	}
	ev, ok := e.log.append(ev)
	if !ok {
		slog.Warn("Dropped event for closed log", "task_id", ev.TaskID, "kind", ev.Kind, "state", ev.State)
		return
	}
	slog.Debug("Task event", "task_id", ev.TaskID, "seq", ev.Seq, "kind", ev.Kind, "state", ev.State)

	e.mu.Lock()
	e.task.LastSeq = ev.Seq
	if ev.Final {
		s.persist(ctx, e.task)
	}
	e.mu.Unlock()

	if ev.Final {
		s.mu.Lock()
		delete(s.live, e.id)
		s.retained.Add(e.id, e)
		s.mu.Unlock()
	}
}

// persist saves t. The in-memory record stays authoritative for live
// tasks, so a store failure is logged rather than returned.
func (s *TaskServer) persist(ctx context.Context, t *task.Task) {
	if err := s.store.Save(context.WithoutCancel(ctx), t); err != nil {
		slog.Error("Failed to persist task", "task_id", t.ID, "state", t.State, "error", err)
	}
}

// lookup finds a task in memory, falling back to the store.
func (s *TaskServer) lookup(ctx context.Context, taskID string) (*entry, error) {
	s.mu.Lock()
	if e, ok := s.live[taskID]; ok {
		s.mu.Unlock()
		return e, nil
	}
	if e, ok := s.retained.Get(taskID); ok {
		s.mu.Unlock()
		return e, nil
	}
	s.mu.Unlock()

	t, err := s.store.Get(ctx, taskID)
	if err != nil {
		if errors.Is(err, task.ErrNotFound) {
			return nil, task.NotFound(taskID)
		}
		return nil, fmt.Errorf("failed to load task %s: %w", taskID, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.live[taskID]; ok {
		return e, nil
	}
	if e, ok := s.retained.Get(taskID); ok {
		return e, nil
	}
	e := &entry{id: taskID, task: t, log: restoredLog(t, s.maxEvents)}
	if t.State.IsTerminal() {
		s.retained.Add(taskID, e)
	} else {
		s.live[taskID] = e
	}
	slog.Debug("Task restored from store", "task_id", taskID, "state", t.State)
	return e, nil
}

// Shutdown cancels every in-flight turn and waits for them to finish or
// for ctx to expire. Later submissions fail with ErrShuttingDown.
func (s *TaskServer) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.stop()

	done := make(chan struct{})
	go func() {
		s.turns.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for turns: %w", ctx.Err())
	}
}

var _ executor.Tasks = (*TaskServer)(nil)
