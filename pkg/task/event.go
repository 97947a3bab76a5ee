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

import "time"

// EventKind identifies what a status update event carries.
type EventKind string

const (
	// EventStatus is a state transition.
	EventStatus EventKind = "status"

	// EventText is an incremental text fragment from the agent.
	EventText EventKind = "text"

	// EventTool is a tool-use notice.
	EventTool EventKind = "tool"

	// EventArtifact names a produced artifact (a workspace file or the final response).
	EventArtifact EventKind = "artifact"
)

// ToolUse describes a tool invocation made by the agent.
type ToolUse struct {
	Name  string `json:"name"`
	Input string `json:"input,omitempty"`
}

// Event is one ordered status update for a task.
// Seq starts at 1 and is strictly increasing within a task.
type Event struct {
	TaskID   string    `json:"task_id"`
	Seq      uint64    `json:"seq"`
	Kind     EventKind `json:"kind"`
	State    State     `json:"state"`
	Text     string    `json:"text,omitempty"`
	Tool     *ToolUse  `json:"tool,omitempty"`
	Artifact string    `json:"artifact,omitempty"`
	Result   *Result   `json:"result,omitempty"`
	Reason   string    `json:"reason,omitempty"`
	Final    bool      `json:"final"`
	Time     time.Time `json:"time"`
}
