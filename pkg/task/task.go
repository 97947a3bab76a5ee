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

// Package task defines the bridge's unit of work.
//
// A Task is created in StateSubmitted and moves through the state machine
// below until it reaches a terminal state, after which it is immutable:
//
//	submitted ──► working ──► completed
//	                 │  ▲  └─► failed
//	                 ▼  │
//	          input-required
//
//	any non-terminal state ──► canceled
package task

import (
	"maps"
	"slices"
	"time"
)

// State represents the current state of a task.
// Values match the A2A protocol task states.
type State string

const (
	// StateSubmitted means the task was accepted but no turn has started.
	StateSubmitted State = "submitted"

	// StateWorking means a backend turn is running.
	StateWorking State = "working"

	// StateInputRequired means the backend asked the caller for more input.
	StateInputRequired State = "input-required"

	// StateCompleted means the backend finished normally.
	StateCompleted State = "completed"

	// StateFailed means the task hit an unrecoverable error.
	StateFailed State = "failed"

	// StateCanceled means the caller canceled the task.
	StateCanceled State = "canceled"
)

// IsTerminal returns whether this state is terminal (no more transitions).
func (s State) IsTerminal() bool {
	switch s {
	case StateCompleted, StateFailed, StateCanceled:
		return true
	}
	return false
}

// IsValid reports whether s is a known state.
func (s State) IsValid() bool {
	switch s {
	case StateSubmitted, StateWorking, StateInputRequired,
		StateCompleted, StateFailed, StateCanceled:
		return true
	}
	return false
}

var transitions = map[State][]State{
	StateSubmitted:     {StateWorking, StateFailed, StateCanceled},
	StateWorking:       {StateWorking, StateInputRequired, StateCompleted, StateFailed, StateCanceled},
	StateInputRequired: {StateWorking, StateFailed, StateCanceled},
}

// CanTransition reports whether a task may move from one state to another.
// Terminal states accept no transitions.
func CanTransition(from, to State) bool {
	return slices.Contains(transitions[from], to)
}

// Role identifies who authored a history message.
type Role string

const (
	RoleUser  Role = "user"
	RoleAgent Role = "agent"
)

// Message is one entry in a task's history.
type Message struct {
	Role Role           `json:"role"`
	Text string         `json:"text"`
	Data map[string]any `json:"data,omitempty"`
	Time time.Time      `json:"time"`
}

// Result holds the final output of a completed task.
type Result struct {
	Text  string         `json:"text"`
	Data  map[string]any `json:"data,omitempty"`
	Files []string       `json:"files,omitempty"`
}

// Task is a snapshot of one externally visible unit of work.
//
// Task values are owned by whoever holds them; the server hands out
// copies made with Clone so callers never observe concurrent mutation.
type Task struct {
	ID            string         `json:"id"`
	ContextID     string         `json:"context_id"`
	State         State          `json:"state"`
	WorkspacePath string         `json:"workspace_path,omitempty"`
	History       []Message      `json:"history"`
	Result        *Result        `json:"result,omitempty"`
	Reason        string         `json:"reason,omitempty"`
	Metadata      map[string]any `json:"metadata,omitempty"`
	LastSeq       uint64         `json:"last_seq"`
	CreatedAt     time.Time      `json:"created_at"`
	UpdatedAt     time.Time      `json:"updated_at"`
}

// New creates a task in StateSubmitted.
// contextID defaults to the task id.
func New(id, contextID string) *Task {
	now := time.Now()
	if contextID == "" {
		contextID = id
	}
	return &Task{
		ID:        id,
		ContextID: contextID,
		State:     StateSubmitted,
		History:   make([]Message, 0),
		Metadata:  make(map[string]any),
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// Transition moves the task to a new state.
// It returns ErrInvalidState if the move is not allowed.
func (t *Task) Transition(to State) error {
	if !CanTransition(t.State, to) {
		return &Error{
			Code:   CodeInvalidState,
			TaskID: t.ID,
			Op:     "transition",
			Err:    ErrInvalidState,
			Detail: string(t.State) + " -> " + string(to),
		}
	}
	t.State = to
	t.touch()
	return nil
}

// AppendHistory adds a message to the history. Terminal tasks are immutable.
func (t *Task) AppendHistory(role Role, text string, data map[string]any) error {
	if t.State.IsTerminal() {
		return &Error{Code: CodeInvalidState, TaskID: t.ID, Op: "append history", Err: ErrInvalidState}
	}
	t.History = append(t.History, Message{Role: role, Text: text, Data: data, Time: time.Now()})
	t.touch()
	return nil
}

// Complete moves the task to completed and records the result.
func (t *Task) Complete(result *Result) error {
	if err := t.Transition(StateCompleted); err != nil {
		return err
	}
	t.Result = result
	return nil
}

// Fail moves the task to failed and records the reason.
func (t *Task) Fail(reason string) error {
	if err := t.Transition(StateFailed); err != nil {
		return err
	}
	t.Reason = reason
	return nil
}

// Cancel moves the task to canceled. A canceled task never carries a result.
func (t *Task) Cancel() error {
	if err := t.Transition(StateCanceled); err != nil {
		return err
	}
	t.Result = nil
	return nil
}

// LastUserMessage returns the most recent caller message text.
func (t *Task) LastUserMessage() string {
	for i := len(t.History) - 1; i >= 0; i-- {
		if t.History[i].Role == RoleUser {
			return t.History[i].Text
		}
	}
	return ""
}

// Clone returns a deep copy of the task.
func (t *Task) Clone() *Task {
	if t == nil {
		return nil
	}
	c := *t
	c.History = slices.Clone(t.History)
	c.Metadata = maps.Clone(t.Metadata)
	if t.Result != nil {
		r := *t.Result
		r.Data = maps.Clone(t.Result.Data)
		r.Files = slices.Clone(t.Result.Files)
		c.Result = &r
	}
	return &c
}

// touch advances UpdatedAt, never moving it backwards.
func (t *Task) touch() {
	now := time.Now()
	if now.After(t.UpdatedAt) {
		t.UpdatedAt = now
	}
}
