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

// Package remote forwards turns to another A2A agent. The remote
// context id plays the role of the backend session: follow-ups are sent
// in the same context, and a remote task waiting for input is continued
// by the next turn.
package remote

import (
	"context"
	"fmt"
	"iter"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/a2aproject/a2a-go/a2a"
	"github.com/a2aproject/a2a-go/a2aclient"
	"github.com/a2aproject/a2a-go/a2aclient/agentcard"

	"github.com/kadirpekel/codebridge/pkg/auth"
	"github.com/kadirpekel/codebridge/pkg/backend"
)

const cancelTimeout = 5 * time.Second

// Backend is an A2A client backend.
type Backend struct {
	url        string
	httpClient *http.Client

	mu   sync.Mutex
	card *a2a.AgentCard

	// pending maps a bridge task to the remote task awaiting input.
	pending map[string]a2a.TaskID
}

// Option configures a Backend.
type Option func(*options)

type options struct {
	transport http.RoundTripper
}

// WithTransport sets the base transport; credentials are applied on top.
func WithTransport(rt http.RoundTripper) Option {
	return func(o *options) {
		o.transport = rt
	}
}

// New creates a backend for the agent served at url. creds may be nil.
func New(url string, creds *auth.Credentials, opts ...Option) *Backend {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	return &Backend{
		url:        strings.TrimSuffix(url, "/"),
		httpClient: &http.Client{Transport: creds.Transport(o.transport)},
		pending:    make(map[string]a2a.TaskID),
	}
}

func (b *Backend) Name() string { return "remote" }

func (b *Backend) resolveCard(ctx context.Context) (*a2a.AgentCard, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.card != nil {
		return b.card, nil
	}
	card, err := agentcard.NewResolver(b.httpClient).Resolve(ctx, b.url)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve agent card from %s: %w", b.url, err)
	}
	b.card = card
	return card, nil
}

func (b *Backend) Run(ctx context.Context, turn backend.Turn) iter.Seq2[backend.Event, error] {
	return func(yield func(backend.Event, error) bool) {
		card, err := b.resolveCard(ctx)
		if err != nil {
			yield(backend.Event{}, err)
			return
		}
		client, err := a2aclient.NewFromCard(ctx, card, a2aclient.WithJSONRPCTransport(b.httpClient))
		if err != nil {
			yield(backend.Event{}, fmt.Errorf("failed to create A2A client: %w", err))
			return
		}
		defer func() { _ = client.Destroy() }()

		msg := a2a.NewMessage(a2a.MessageRoleUser, a2a.TextPart{Text: turn.Prompt})
		if turn.SessionID != "" {
			msg.ContextID = turn.SessionID
		} else {
			msg.Parts = []a2a.Part{a2a.TextPart{Text: backend.Transcript(turn.History, turn.Prompt)}}
		}
		if remoteID, ok := b.takePending(turn.TaskID); ok {
			msg.TaskID = remoteID
		}

		s := &stream{turn: turn, yield: yield}
		for event, err := range client.SendStreamingMessage(ctx, &a2a.MessageSendParams{Message: msg}) {
			if err != nil {
				if ctx.Err() != nil {
					b.cancelRemote(client, s.remoteTask)
					yield(backend.Event{}, ctx.Err())
					return
				}
				yield(backend.Event{}, fmt.Errorf("remote agent: %w", err))
				return
			}
			done, err := s.handle(event)
			if err != nil {
				yield(backend.Event{}, err)
				return
			}
			if s.stopped {
				b.cancelRemote(client, s.remoteTask)
				return
			}
			if done {
				break
			}
		}

		if ctx.Err() != nil {
			b.cancelRemote(client, s.remoteTask)
			yield(backend.Event{}, ctx.Err())
			return
		}
		if s.inputRequired {
			b.setPending(turn.TaskID, s.remoteTask)
			return
		}
		s.flushArtifacts()
	}
}

func (b *Backend) takePending(taskID string) (a2a.TaskID, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	id, ok := b.pending[taskID]
	delete(b.pending, taskID)
	return id, ok
}

func (b *Backend) setPending(taskID string, remote a2a.TaskID) {
	if remote == "" {
		return
	}
	b.mu.Lock()
	b.pending[taskID] = remote
	b.mu.Unlock()
}

// Forget drops remote state kept for a finished task.
func (b *Backend) Forget(taskID string) {
	b.mu.Lock()
	delete(b.pending, taskID)
	b.mu.Unlock()
}

func (b *Backend) cancelRemote(client *a2aclient.Client, id a2a.TaskID) {
	if id == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), cancelTimeout)
	defer cancel()
	if _, err := client.CancelTask(ctx, &a2a.TaskIDParams{ID: id}); err != nil {
		slog.Debug("Failed to cancel remote task", "remote_task_id", id, "error", err)
	}
}

// stream converts one remote response stream into backend events.
type stream struct {
	turn  backend.Turn
	yield func(backend.Event, error) bool

	session       string
	remoteTask    a2a.TaskID
	sawText       bool
	artifacts     []string
	inputRequired bool
	stopped       bool
}

func (s *stream) emit(ev backend.Event) {
	if s.stopped {
		return
	}
	if !s.yield(ev, nil) {
		s.stopped = true
	}
}

func (s *stream) bindSession(contextID string) {
	if contextID == "" || contextID == s.session {
		return
	}
	s.session = contextID
	s.emit(backend.Session(contextID))
}

func (s *stream) text(msg *a2a.Message) string {
	if msg == nil {
		return ""
	}
	return backend.PartsText(msg.Parts)
}

func (s *stream) emitText(text string) {
	if text == "" {
		return
	}
	s.sawText = true
	s.emit(backend.Text(text))
}

// handle processes one remote event. It reports done once the remote
// task reached a resting state.
func (s *stream) handle(event a2a.Event) (bool, error) {
	switch e := event.(type) {
	case *a2a.Message:
		s.bindSession(e.ContextID)
		s.emitText(backend.PartsText(e.Parts))
		return true, nil

	case *a2a.Task:
		s.bindSession(e.ContextID)
		s.remoteTask = e.ID
		return s.status(e.Status)

	case *a2a.TaskStatusUpdateEvent:
		s.bindSession(e.ContextID)
		s.remoteTask = e.TaskID
		return s.status(e.Status)

	case *a2a.TaskArtifactUpdateEvent:
		if text := backend.PartsText(e.Artifact.Parts); text != "" {
			s.artifacts = append(s.artifacts, text)
		}
	}
	return false, nil
}

func (s *stream) status(st a2a.TaskStatus) (bool, error) {
	text := s.text(st.Message)
	switch st.State {
	case a2a.TaskStateInputRequired:
		s.inputRequired = true
		s.emit(backend.InputRequired(text))
		return true, nil
	case a2a.TaskStateCompleted:
		s.emitText(text)
		return true, nil
	case a2a.TaskStateSubmitted, a2a.TaskStateWorking:
		s.emitText(text)
		return false, nil
	}
	if st.State.Terminal() {
		if text == "" {
			text = string(st.State)
		}
		return true, fmt.Errorf("remote task %s: %s", st.State, text)
	}
	return false, nil
}

// flushArtifacts emits artifact text when the remote agent reported its
// answer only through artifacts.
func (s *stream) flushArtifacts() {
	if s.sawText {
		return
	}
	for _, text := range s.artifacts {
		s.emitText(text)
	}
}

var _ backend.Backend = (*Backend)(nil)
