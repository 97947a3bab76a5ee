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

package task

import (
	"errors"
	"fmt"
)

// Code is a stable, wire-visible error code.
type Code string

const (
	CodeNotFound            Code = "not_found"
	CodeInvalidState        Code = "invalid_state"
	CodeResourceUnavailable Code = "resource_unavailable"
	CodeBackendFailure      Code = "backend_failure"
	CodeTimeout             Code = "timeout"
	CodeInternal            Code = "internal"
)

// Sentinel errors. Match with errors.Is.
var (
	ErrNotFound            = errors.New("task not found")
	ErrInvalidState        = errors.New("invalid task state")
	ErrResourceUnavailable = errors.New("resource unavailable")
	ErrBackendFailure      = errors.New("backend failure")
	// ErrTimeout is a backend failure caused by a stalled backend.
	ErrTimeout = fmt.Errorf("%w: timeout", ErrBackendFailure)
)

// Error is a task-related error carrying the task id and the operation.
type Error struct {
	Code   Code
	TaskID string
	Op     string
	Detail string
	Err    error
}

func (e *Error) Error() string {
	msg := e.Err.Error()
	if e.Detail != "" {
		msg += " (" + e.Detail + ")"
	}
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.TaskID != "" {
		msg = "task " + e.TaskID + ": " + msg
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// NotFound returns an ErrNotFound error for the given task.
func NotFound(taskID string) error {
	return &Error{Code: CodeNotFound, TaskID: taskID, Err: ErrNotFound}
}

// InvalidState returns an ErrInvalidState error with a detail message.
func InvalidState(taskID, op, detail string) error {
	return &Error{Code: CodeInvalidState, TaskID: taskID, Op: op, Detail: detail, Err: ErrInvalidState}
}

// ResourceUnavailable wraps an allocation failure for the given task.
func ResourceUnavailable(taskID, op string, cause error) error {
	return &Error{
		Code:   CodeResourceUnavailable,
		TaskID: taskID,
		Op:     op,
		Detail: cause.Error(),
		Err:    ErrResourceUnavailable,
	}
}

// CodeOf maps an error to its wire code.
func CodeOf(err error) Code {
	var te *Error
	if errors.As(err, &te) && te.Code != "" {
		return te.Code
	}
	switch {
	case errors.Is(err, ErrNotFound):
		return CodeNotFound
	case errors.Is(err, ErrInvalidState):
		return CodeInvalidState
	case errors.Is(err, ErrResourceUnavailable):
		return CodeResourceUnavailable
	case errors.Is(err, ErrTimeout):
		return CodeTimeout
	case errors.Is(err, ErrBackendFailure):
		return CodeBackendFailure
	}
	return CodeInternal
}
