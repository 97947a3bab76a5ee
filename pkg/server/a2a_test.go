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
	"net/http"
	"testing"
	"time"

	"github.com/a2aproject/a2a-go/a2a"
	"github.com/a2aproject/a2a-go/a2aclient"
	"github.com/a2aproject/a2a-go/a2asrv"
	"github.com/a2aproject/a2a-go/a2asrv/eventqueue"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kadirpekel/codebridge/pkg/backend"
	"github.com/kadirpekel/codebridge/pkg/backend/scripted"
	"github.com/kadirpekel/codebridge/pkg/executor"
	"github.com/kadirpekel/codebridge/pkg/task"
)

func newA2AClient(t *testing.T, b backend.Backend) (*a2aclient.Client, *testEnv) {
	t.Helper()
	ts, env := newTestHTTP(t, b, nil)

	card := *env.tasks.Discover()
	card.URL = ts.URL
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	client, err := a2aclient.NewFromCard(ctx, &card, a2aclient.WithJSONRPCTransport(http.DefaultClient))
	require.NoError(t, err)
	return client, env
}

func TestA2A_StreamingMessage(t *testing.T) {
	client, env := newA2AClient(t, scripted.Echo())
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	msg := a2a.NewMessage(a2a.MessageRoleUser, a2a.TextPart{Text: "add 2 and 2"})
	var (
		taskID    a2a.TaskID
		states    []a2a.TaskState
		artifacts []string
	)
	for event, err := range client.SendStreamingMessage(ctx, &a2a.MessageSendParams{Message: msg}) {
		require.NoError(t, err)
		switch ev := event.(type) {
		case *a2a.Task:
			taskID = ev.ID
		case *a2a.TaskStatusUpdateEvent:
			taskID = ev.TaskID
			states = append(states, ev.Status.State)
		case *a2a.TaskArtifactUpdateEvent:
			artifacts = append(artifacts, ev.Artifact.Name)
			if ev.Artifact.Name == executor.ResponseArtifact {
				require.NotEmpty(t, ev.Artifact.Parts)
				part, ok := ev.Artifact.Parts[0].(a2a.TextPart)
				require.True(t, ok)
				assert.Equal(t, "4", part.Text)
			}
		}
	}

	require.NotEmpty(t, states)
	assert.Equal(t, a2a.TaskStateCompleted, states[len(states)-1])
	assert.Contains(t, states, a2a.TaskStateWorking)
	assert.Contains(t, artifacts, executor.ResponseArtifact)

	snap, err := env.tasks.Get(ctx, string(taskID))
	require.NoError(t, err)
	assert.Equal(t, task.StateCompleted, snap.State)
	assert.Equal(t, "4", snap.Result.Text)
}

func TestA2A_InputRequiredThenFollowup(t *testing.T) {
	client, env := newA2AClient(t, askFirst())
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	first := a2a.NewMessage(a2a.MessageRoleUser, a2a.TextPart{Text: "fix it"})
	var last *a2a.TaskStatusUpdateEvent
	for event, err := range client.SendStreamingMessage(ctx, &a2a.MessageSendParams{Message: first}) {
		require.NoError(t, err)
		if ev, ok := event.(*a2a.TaskStatusUpdateEvent); ok {
			last = ev
		}
	}
	require.NotNil(t, last)
	assert.Equal(t, a2a.TaskStateInputRequired, last.Status.State)

	second := a2a.NewMessage(a2a.MessageRoleUser, a2a.TextPart{Text: "main.go"})
	second.TaskID = last.TaskID
	second.ContextID = last.ContextID
	for event, err := range client.SendStreamingMessage(ctx, &a2a.MessageSendParams{Message: second}) {
		require.NoError(t, err)
		if ev, ok := event.(*a2a.TaskStatusUpdateEvent); ok {
			last = ev
		}
	}
	assert.Equal(t, a2a.TaskStateCompleted, last.Status.State)

	snap, err := env.tasks.Get(ctx, string(last.TaskID))
	require.NoError(t, err)
	assert.Equal(t, "got main.go", snap.Result.Text)
}

func TestToA2AEvent(t *testing.T) {
	reqCtx := &a2asrv.RequestContext{TaskID: "t1", ContextID: "c1"}

	tests := []struct {
		name     string
		ev       task.Event
		wantLast bool
		check    func(t *testing.T, out a2a.Event)
	}{
		{
			name: "text",
			ev:   task.Event{Seq: 2, Kind: task.EventText, State: task.StateWorking, Text: "hi"},
			check: func(t *testing.T, out a2a.Event) {
				ev := out.(*a2a.TaskStatusUpdateEvent)
				assert.Equal(t, a2a.TaskStateWorking, ev.Status.State)
				require.NotNil(t, ev.Status.Message)
				assert.Equal(t, uint64(2), ev.Metadata[metaKeySeq])
			},
		},
		{
			name: "tool",
			ev:   task.Event{Kind: task.EventTool, State: task.StateWorking, Text: "Using tool: Bash", Tool: &task.ToolUse{Name: "Bash"}},
			check: func(t *testing.T, out a2a.Event) {
				assert.Equal(t, "Bash", out.(*a2a.TaskStatusUpdateEvent).Metadata[metaKeyTool])
			},
		},
		{
			name: "artifact",
			ev:   task.Event{Kind: task.EventArtifact, Artifact: "out.txt"},
			check: func(t *testing.T, out a2a.Event) {
				ev := out.(*a2a.TaskArtifactUpdateEvent)
				assert.Equal(t, "out.txt", ev.Artifact.Name)
				assert.True(t, ev.LastChunk)
			},
		},
		{
			name:     "failed",
			ev:       task.Event{Kind: task.EventStatus, State: task.StateFailed, Reason: "boom", Final: true},
			wantLast: true,
			check: func(t *testing.T, out a2a.Event) {
				ev := out.(*a2a.TaskStatusUpdateEvent)
				assert.True(t, ev.Final)
				require.NotNil(t, ev.Status.Message)
				assert.Equal(t, "boom", ev.Status.Message.Parts[0].(a2a.TextPart).Text)
			},
		},
		{
			name:     "input required",
			ev:       task.Event{Kind: task.EventStatus, State: task.StateInputRequired, Text: "which?"},
			wantLast: true,
			check: func(t *testing.T, out a2a.Event) {
				assert.Equal(t, a2a.TaskStateInputRequired, out.(*a2a.TaskStatusUpdateEvent).Status.State)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, last := toA2AEvent(reqCtx, tt.ev)
			require.NotNil(t, out)
			assert.Equal(t, tt.wantLast, last)
			tt.check(t, out)
		})
	}
}

// recordingQueue keeps the events written to it.
type recordingQueue struct {
	eventqueue.Queue
	written []a2a.Event
}

func (q *recordingQueue) Write(_ context.Context, ev a2a.Event) error {
	q.written = append(q.written, ev)
	return nil
}

func TestA2AExecutor_CancelUnknownTask(t *testing.T) {
	env := newTestEnv(t, scripted.Echo())
	queue := &recordingQueue{}

	err := NewA2AExecutor(env.tasks).Cancel(context.Background(), &a2asrv.RequestContext{TaskID: "nope"}, queue)
	require.ErrorIs(t, err, a2a.ErrTaskNotFound)
	assert.Empty(t, queue.written, "no state change for an unknown task")
}
