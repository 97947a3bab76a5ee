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
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/a2aproject/a2a-go/a2a"
	"github.com/a2aproject/a2a-go/a2asrv"
)

// A2AStore implements a2asrv.TaskStore on SQL so JSON-RPC tasks/get
// survives restarts. It stores a2a.Task objects as JSON columns.
type A2AStore struct {
	db      *sql.DB
	dialect string
}

const (
	createA2ATasksTableSQL = `
CREATE TABLE IF NOT EXISTS a2a_tasks (
    id VARCHAR(255) PRIMARY KEY,
    context_id VARCHAR(255) NOT NULL,
    status_json TEXT NOT NULL,
    history_json TEXT,
    artifacts_json TEXT,
    metadata_json TEXT,
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL
)`

	createA2ATasksContextIndexSQL = `
CREATE INDEX IF NOT EXISTS idx_a2a_tasks_context_id ON a2a_tasks(context_id)`
)

var a2aTaskColumns = []string{
	"id", "context_id", "status_json", "history_json", "artifacts_json",
	"metadata_json", "created_at", "updated_at",
}

// NewA2AStore creates the a2a_tasks table if needed and returns the store.
func NewA2AStore(db *sql.DB, dialect string) (*A2AStore, error) {
	if db == nil {
		return nil, fmt.Errorf("database connection is required")
	}
	d, err := normalizeDialect(dialect)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if _, err := db.ExecContext(ctx, createA2ATasksTableSQL); err != nil {
		return nil, fmt.Errorf("failed to create a2a_tasks table: %w", err)
	}
	if _, err := db.ExecContext(ctx, createA2ATasksContextIndexSQL); err != nil {
		return nil, fmt.Errorf("failed to create context_id index: %w", err)
	}
	return &A2AStore{db: db, dialect: d}, nil
}

// Save stores a task (implements a2asrv.TaskStore).
func (s *A2AStore) Save(ctx context.Context, t *a2a.Task) error {
	if t == nil {
		return fmt.Errorf("task is required")
	}

	status, err := json.Marshal(t.Status)
	if err != nil {
		return fmt.Errorf("failed to marshal status: %w", err)
	}
	history := []byte("[]")
	if len(t.History) > 0 {
		if history, err = json.Marshal(t.History); err != nil {
			return fmt.Errorf("failed to marshal history: %w", err)
		}
	}
	artifacts := []byte("[]")
	if len(t.Artifacts) > 0 {
		if artifacts, err = json.Marshal(t.Artifacts); err != nil {
			return fmt.Errorf("failed to marshal artifacts: %w", err)
		}
	}
	metadata := []byte("{}")
	if len(t.Metadata) > 0 {
		if metadata, err = json.Marshal(t.Metadata); err != nil {
			return fmt.Errorf("failed to marshal metadata: %w", err)
		}
	}

	now := time.Now().UTC()
	_, err = s.db.ExecContext(ctx, upsertSQL(s.dialect, "a2a_tasks", a2aTaskColumns),
		string(t.ID), t.ContextID, string(status), string(history), string(artifacts),
		string(metadata), now, now,
	)
	if err != nil {
		return fmt.Errorf("failed to save task: %w", err)
	}
	return nil
}

// Get retrieves a task by ID (implements a2asrv.TaskStore).
func (s *A2AStore) Get(ctx context.Context, taskID a2a.TaskID) (*a2a.Task, error) {
	query := rebind(s.dialect, `
SELECT id, context_id, status_json, history_json, artifacts_json, metadata_json
FROM a2a_tasks
WHERE id = ?`)

	var (
		id, contextID, status        string
		history, artifacts, metadata sql.NullString
	)
	err := s.db.QueryRowContext(ctx, query, string(taskID)).Scan(
		&id, &contextID, &status, &history, &artifacts, &metadata,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, a2a.ErrTaskNotFound
	}
	if err != nil {
		slog.Error("A2AStore.Get: query error", "task_id", taskID, "error", err)
		return nil, fmt.Errorf("failed to query task: %w", err)
	}

	t := &a2a.Task{
		ID:        a2a.TaskID(id),
		ContextID: contextID,
		History:   make([]*a2a.Message, 0),
		Artifacts: make([]*a2a.Artifact, 0),
		Metadata:  make(map[string]any),
	}
	if err := json.Unmarshal([]byte(status), &t.Status); err != nil {
		return nil, fmt.Errorf("failed to unmarshal status: %w", err)
	}
	if history.Valid && history.String != "" && history.String != "[]" {
		if err := json.Unmarshal([]byte(history.String), &t.History); err != nil {
			return nil, fmt.Errorf("failed to unmarshal history: %w", err)
		}
	}
	if artifacts.Valid && artifacts.String != "" && artifacts.String != "[]" {
		if err := json.Unmarshal([]byte(artifacts.String), &t.Artifacts); err != nil {
			return nil, fmt.Errorf("failed to unmarshal artifacts: %w", err)
		}
	}
	if metadata.Valid && metadata.String != "" && metadata.String != "{}" {
		if err := json.Unmarshal([]byte(metadata.String), &t.Metadata); err != nil {
			return nil, fmt.Errorf("failed to unmarshal metadata: %w", err)
		}
	}
	return t, nil
}

var _ a2asrv.TaskStore = (*A2AStore)(nil)
