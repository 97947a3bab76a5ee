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

// Package server exposes the bridge to callers.
//
// TaskServer owns the live tasks: it accepts submissions and follow-ups,
// runs each turn on the executor in its own goroutine, and keeps a
// per-task event log that any number of readers can replay and follow.
// HTTPServer puts it on the wire:
//
//	GET  /.well-known/agent-card.json    agent card
//	POST /tasks                          submit
//	GET  /tasks/{id}                     snapshot
//	GET  /tasks/{id}/events              server-sent events
//	POST /tasks/{id}/messages            follow-up
//	POST /tasks/{id}/cancel              cancel
//	POST /  (and /a2a)                   A2A JSON-RPC
//
// and, with transport "grpc", A2A over gRPC on the gRPC port.
package server
