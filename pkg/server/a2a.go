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
	"log/slog"

	"github.com/a2aproject/a2a-go/a2a"
	"github.com/a2aproject/a2a-go/a2asrv"
	"github.com/a2aproject/a2a-go/a2asrv/eventqueue"

	"github.com/kadirpekel/codebridge/pkg/backend"
	"github.com/kadirpekel/codebridge/pkg/task"
)

// Metadata keys for A2A events
const (
	metaKeySeq  = "codebridge:seq"
	metaKeyKind = "codebridge:kind"
	metaKeyTool = "codebridge:tool"
)

// A2AExecutor drives a TaskServer from a2asrv.
//
// A message without a stored task submits a new task under the id a2asrv
// assigned; a message for a stored task is a follow-up. Either way the
// task's events from that turn are translated and written to the queue
// until the turn ends.
type A2AExecutor struct {
	tasks *TaskServer
}

// NewA2AExecutor creates the a2asrv.AgentExecutor for tasks.
func NewA2AExecutor(tasks *TaskServer) *A2AExecutor {
	return &A2AExecutor{tasks: tasks}
}

// Execute implements a2asrv.AgentExecutor.
func (x *A2AExecutor) Execute(ctx context.Context, reqCtx *a2asrv.RequestContext, queue eventqueue.Queue) error {
	msg := reqCtx.Message
	if msg == nil {
		return fmt.Errorf("message not provided")
	}
	taskID := string(reqCtx.TaskID)
	text := backend.PartsText(msg.Parts)
	data := backend.PartsData(msg.Parts)

	after, err := x.begin(ctx, reqCtx, text, data)
	if err != nil {
		return err
	}
	if reqCtx.StoredTask == nil {
		if err := queue.Write(ctx, a2a.NewStatusUpdateEvent(reqCtx, a2a.TaskStateSubmitted, nil)); err != nil {
			return fmt.Errorf("failed to write submitted event: %w", err)
		}
	}

	events, err := x.tasks.StreamFrom(ctx, taskID, after)
	if err != nil {
		return err
	}
	for ev, err := range events {
		if err != nil {
			return err
		}
		out, last := toA2AEvent(reqCtx, ev)
		if out == nil {
			continue
		}
		if err := queue.Write(ctx, out); err != nil {
			if last || ctx.Err() != nil {
				slog.Debug("Dropped A2A event", "task_id", taskID, "seq", ev.Seq, "error", err)
				return nil
			}
			return fmt.Errorf("failed to write event: %w", err)
		}
		if last {
			return nil
		}
	}
	return nil
}

// begin submits the task or sends the follow-up. It returns the Seq
// after which this turn's events start.
func (x *A2AExecutor) begin(ctx context.Context, reqCtx *a2asrv.RequestContext, text string, data map[string]any) (uint64, error) {
	taskID := string(reqCtx.TaskID)
	if reqCtx.StoredTask != nil {
		snap, err := x.tasks.Get(ctx, taskID)
		switch {
		case err == nil:
			msg := task.Message{Role: task.RoleUser, Text: text, Data: data}
			if err := x.tasks.SendFollowup(ctx, taskID, msg); err != nil {
				return 0, err
			}
			return snap.LastSeq, nil
		case !errors.Is(err, task.ErrNotFound):
			return 0, err
		}
		// The A2A store knows a task this server lost; start it over.
		slog.Warn("Stored A2A task unknown to the task server, resubmitting", "task_id", taskID)
	}
	_, err := x.tasks.Submit(ctx, SubmitRequest{
		TaskID:      taskID,
		ContextID:   reqCtx.ContextID,
		Description: text,
		Inputs:      data,
	})
	return 0, err
}

// Cancel implements a2asrv.AgentExecutor.
func (x *A2AExecutor) Cancel(ctx context.Context, reqCtx *a2asrv.RequestContext, queue eventqueue.Queue) error {
	outcome, err := x.tasks.Cancel(ctx, string(reqCtx.TaskID))
	if errors.Is(err, task.ErrNotFound) {
		return fmt.Errorf("%w: %s", a2a.ErrTaskNotFound, reqCtx.TaskID)
	}
	if err != nil {
		return err
	}
	if outcome == CancelAlreadyTerminal {
		return a2a.ErrTaskNotCancelable
	}
	event := a2a.NewStatusUpdateEvent(reqCtx, a2a.TaskStateCanceled, nil)
	event.Final = true
	return queue.Write(ctx, event)
}

// toA2AEvent translates a task event. last reports whether the A2A turn
// ends with it: a2asrv treats input-required as the end of a request.
func toA2AEvent(reqCtx *a2asrv.RequestContext, ev task.Event) (a2a.Event, bool) {
	meta := map[string]any{
		metaKeySeq:  ev.Seq,
		metaKeyKind: string(ev.Kind),
	}

	switch ev.Kind {
	case task.EventText, task.EventTool:
		if ev.Tool != nil {
			meta[metaKeyTool] = ev.Tool.Name
		}
		out := statusEvent(reqCtx, a2a.TaskStateWorking, ev.Text, false)
		out.Metadata = meta
		return out, false

	case task.EventArtifact:
		text := ev.Text
		if text == "" {
			text = ev.Artifact
		}
		out := a2a.NewArtifactEvent(reqCtx, a2a.TextPart{Text: text})
		out.Artifact.Name = ev.Artifact
		out.LastChunk = true
		out.Metadata = meta
		return out, false

	case task.EventStatus:
		text := ev.Text
		if ev.State == task.StateFailed {
			text = ev.Reason
		}
		last := ev.Final || ev.State == task.StateInputRequired
		out := statusEvent(reqCtx, a2a.TaskState(ev.State), text, last)
		out.Metadata = meta
		return out, last
	}
	return nil, false
}

func statusEvent(reqCtx *a2asrv.RequestContext, state a2a.TaskState, text string, final bool) *a2a.TaskStatusUpdateEvent {
	var msg *a2a.Message
	if text != "" {
		msg = a2a.NewMessageForTask(a2a.MessageRoleAgent, reqCtx, a2a.TextPart{Text: text})
	}
	ev := a2a.NewStatusUpdateEvent(reqCtx, state, msg)
	ev.Final = final
	return ev
}

var _ a2asrv.AgentExecutor = (*A2AExecutor)(nil)
