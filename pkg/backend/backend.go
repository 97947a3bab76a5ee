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

// Package backend defines the coding-agent capability the executor drives.
//
// A Backend accepts one turn (the prompt, the conversation history and
// the session to resume) and yields events until the turn ends. The
// executor never assumes a particular implementation:
//
//   - claudecode runs the claude CLI as a subprocess
//   - remote forwards the turn to another A2A agent
//   - scripted replays canned events, for tests and the echo mode
package backend

import (
	"context"
	"iter"
	"strings"

	"github.com/a2aproject/a2a-go/a2a"

	"github.com/kadirpekel/codebridge/pkg/task"
)

// EventKind identifies what a backend event carries.
type EventKind string

const (
	// EventText is a fragment of agent output.
	EventText EventKind = "text"

	// EventTool is a tool-use notice.
	EventTool EventKind = "tool"

	// EventSession reports the backend session id for this task.
	EventSession EventKind = "session"

	// EventInputRequired ends the turn waiting for caller input.
	// Text carries the question, if any.
	EventInputRequired EventKind = "input-required"
)

// Event is one item of backend output.
type Event struct {
	Kind      EventKind
	Text      string
	Tool      *task.ToolUse
	SessionID string
}

// Turn is the input of one backend invocation.
type Turn struct {
	TaskID    string
	ContextID string
	Workspace string

	// SessionID is empty on the first turn.
	SessionID string

	// History holds every message so far, including Prompt as the last
	// user entry.
	History []task.Message
	Prompt  string

	Model    string
	MaxTurns int
}

// Backend runs turns. Run must honor ctx: once ctx is done the sequence
// should end promptly and release any process or connection it holds.
// An error ends the turn as a backend failure.
type Backend interface {
	Name() string
	Run(ctx context.Context, turn Turn) iter.Seq2[Event, error]
}

// Text returns a text event.
func Text(s string) Event {
	return Event{Kind: EventText, Text: s}
}

// Tool returns a tool-use event.
func Tool(name, input string) Event {
	return Event{Kind: EventTool, Tool: &task.ToolUse{Name: name, Input: input}}
}

// Session returns a session event.
func Session(id string) Event {
	return Event{Kind: EventSession, SessionID: id}
}

// InputRequired returns an input-required event.
func InputRequired(question string) Event {
	return Event{Kind: EventInputRequired, Text: question}
}

// Transcript renders prior history for backends that cannot resume a
// session natively. It returns prompt unchanged when there is nothing
// before it.
func Transcript(history []task.Message, prompt string) string {
	if len(history) <= 1 {
		return prompt
	}
	var b strings.Builder
	b.WriteString("Previous conversation:\n")
	for _, m := range history[:len(history)-1] {
		b.WriteString(string(m.Role))
		b.WriteString(": ")
		b.WriteString(m.Text)
		b.WriteString("\n")
	}
	b.WriteString("\nCurrent request:\n")
	b.WriteString(prompt)
	return b.String()
}

// PartsText joins the text parts of an A2A message. File parts are
// mentioned by name.
func PartsText(parts []a2a.Part) string {
	var out []string
	for _, part := range parts {
		switch p := part.(type) {
		case a2a.TextPart:
			out = append(out, p.Text)
		case *a2a.TextPart:
			out = append(out, p.Text)
		case a2a.FilePart:
			out = append(out, "[Attached file: "+fileName(p)+"]")
		case *a2a.FilePart:
			out = append(out, "[Attached file: "+fileName(*p)+"]")
		}
	}
	return strings.Join(out, "\n")
}

// PartsData merges the data parts of an A2A message.
func PartsData(parts []a2a.Part) map[string]any {
	var data map[string]any
	for _, part := range parts {
		var d map[string]any
		switch p := part.(type) {
		case a2a.DataPart:
			d = p.Data
		case *a2a.DataPart:
			d = p.Data
		}
		for k, v := range d {
			if data == nil {
				data = make(map[string]any)
			}
			data[k] = v
		}
	}
	return data
}

func fileName(p a2a.FilePart) string {
	switch f := p.File.(type) {
	case a2a.FileBytes:
		if f.Name != "" {
			return f.Name
		}
	case a2a.FileURI:
		if f.Name != "" {
			return f.Name
		}
		return f.URI
	}
	return "uploaded_file"
}
