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

package claudecode

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/kadirpekel/codebridge/pkg/backend"
)

// Stream message types emitted by `claude --output-format stream-json`.
const (
	typeSystem    = "system"
	typeAssistant = "assistant"
	typeUser      = "user"
	typeResult    = "result"
)

// StreamMessage is one line of stream-json output. Only the fields the
// bridge consumes are decoded.
type StreamMessage struct {
	Type      string `json:"type"`
	Subtype   string `json:"subtype,omitempty"`
	SessionID string `json:"session_id,omitempty"`

	Message *struct {
		Content []ContentBlock `json:"content"`
	} `json:"message,omitempty"`

	// Result fields.
	IsError bool   `json:"is_error,omitempty"`
	Result  string `json:"result,omitempty"`
	NumTurn int    `json:"num_turns,omitempty"`
}

// ContentBlock is an element of an assistant message.
type ContentBlock struct {
	Type  string          `json:"type"`
	Text  string          `json:"text,omitempty"`
	Name  string          `json:"name,omitempty"`
	Input json.RawMessage `json:"input,omitempty"`
}

// ErrResult is wrapped by errors reported in a result message.
var ErrResult = errors.New("claude reported an error")

// ParseStreamMessage decodes a single stream-json line.
func ParseStreamMessage(line []byte) (StreamMessage, error) {
	var msg StreamMessage
	if err := json.Unmarshal(line, &msg); err != nil {
		return StreamMessage{}, err
	}
	msg.Type = strings.TrimSpace(msg.Type)
	return msg, nil
}

// Events maps the message to backend events. A result message flagged
// as an error yields its session event (if any) and an error wrapping
// ErrResult.
func (m StreamMessage) Events() ([]backend.Event, error) {
	switch m.Type {
	case typeSystem:
		if m.Subtype == "init" && m.SessionID != "" {
			return []backend.Event{backend.Session(m.SessionID)}, nil
		}
	case typeAssistant:
		if m.Message == nil {
			return nil, nil
		}
		var events []backend.Event
		for _, block := range m.Message.Content {
			switch block.Type {
			case "text":
				if block.Text != "" {
					events = append(events, backend.Text(block.Text))
				}
			case "tool_use":
				events = append(events, backend.Tool(block.Name, compactInput(block.Input)))
			}
		}
		return events, nil
	case typeResult:
		var events []backend.Event
		if m.SessionID != "" {
			events = append(events, backend.Session(m.SessionID))
		}
		if m.IsError || strings.HasPrefix(m.Subtype, "error") {
			detail := m.Result
			if detail == "" {
				detail = m.Subtype
			}
			return events, fmt.Errorf("%w: %s", ErrResult, detail)
		}
		return events, nil
	}
	return nil, nil
}

func compactInput(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return string(raw)
}
