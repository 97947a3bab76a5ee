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
	"strings"
	"time"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
)

// SQLStore persists bridge tasks in a SQL database.
// Supported dialects: sqlite, postgres, mysql.
type SQLStore struct {
	db      *sql.DB
	dialect string
}

const (
	createTasksTableSQL = `
CREATE TABLE IF NOT EXISTS bridge_tasks (
    id VARCHAR(255) PRIMARY KEY,
    context_id VARCHAR(255) NOT NULL,
    state VARCHAR(32) NOT NULL,
    workspace_path TEXT,
    history_json TEXT,
    result_json TEXT,
    reason TEXT,
    metadata_json TEXT,
    last_seq BIGINT NOT NULL DEFAULT 0,
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL
)`

	createTasksStateIndexSQL = `
CREATE INDEX IF NOT EXISTS idx_bridge_tasks_state ON bridge_tasks(state)`
)

// NewSQLStore creates a SQL-backed Store and initializes its schema.
// The db connection should come from config.DBPool so it is shared with
// other stores on the same database.
func NewSQLStore(db *sql.DB, dialect string) (*SQLStore, error) {
	if db == nil {
		return nil, fmt.Errorf("database connection is required")
	}
	d, err := normalizeDialect(dialect)
	if err != nil {
		return nil, err
	}

	s := &SQLStore{db: db, dialect: d}
	if err := s.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

func normalizeDialect(dialect string) (string, error) {
	switch dialect {
	case "sqlite", "sqlite3":
		return "sqlite", nil
	case "postgres", "mysql":
		return dialect, nil
	}
	return "", fmt.Errorf("unsupported dialect: %s (supported: postgres, mysql, sqlite)", dialect)
}

// rebind rewrites ? placeholders to $n for postgres.
func rebind(dialect, query string) string {
	if dialect != "postgres" {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			fmt.Fprintf(&b, "$%d", n)
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// upsertSQL builds a dialect-specific INSERT ... UPDATE statement.
// The first column is the primary key; created_at is never overwritten.
func upsertSQL(dialect, table string, cols []string) string {
	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(cols)), ", ")
	insert := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)", table, strings.Join(cols, ", "), placeholders)

	var sets []string
	for _, c := range cols[1:] {
		if c == "created_at" {
			continue
		}
		switch dialect {
		case "mysql":
			sets = append(sets, fmt.Sprintf("%s = VALUES(%s)", c, c))
		case "postgres":
			sets = append(sets, fmt.Sprintf("%s = EXCLUDED.%s", c, c))
		default:
			sets = append(sets, fmt.Sprintf("%s = excluded.%s", c, c))
		}
	}

	var query string
	if dialect == "mysql" {
		query = insert + " ON DUPLICATE KEY UPDATE " + strings.Join(sets, ", ")
	} else {
		query = insert + fmt.Sprintf(" ON CONFLICT (%s) DO UPDATE SET ", cols[0]) + strings.Join(sets, ", ")
	}
	return rebind(dialect, query)
}

func (s *SQLStore) initSchema() error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if _, err := s.db.ExecContext(ctx, createTasksTableSQL); err != nil {
		return fmt.Errorf("failed to create bridge_tasks table: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, createTasksStateIndexSQL); err != nil {
		return fmt.Errorf("failed to create state index: %w", err)
	}
	return nil
}

var taskColumns = []string{
	"id", "context_id", "state", "workspace_path", "history_json", "result_json",
	"reason", "metadata_json", "last_seq", "created_at", "updated_at",
}

// Save upserts the task.
func (s *SQLStore) Save(ctx context.Context, t *Task) error {
	if t == nil || t.ID == "" {
		return fmt.Errorf("task with id is required")
	}

	history, err := json.Marshal(t.History)
	if err != nil {
		return fmt.Errorf("failed to marshal history: %w", err)
	}
	result := []byte("null")
	if t.Result != nil {
		if result, err = json.Marshal(t.Result); err != nil {
			return fmt.Errorf("failed to marshal result: %w", err)
		}
	}
	metadata := []byte("{}")
	if len(t.Metadata) > 0 {
		if metadata, err = json.Marshal(t.Metadata); err != nil {
			return fmt.Errorf("failed to marshal metadata: %w", err)
		}
	}

	_, err = s.db.ExecContext(ctx, upsertSQL(s.dialect, "bridge_tasks", taskColumns),
		t.ID, t.ContextID, string(t.State), t.WorkspacePath, string(history), string(result),
		t.Reason, string(metadata), int64(t.LastSeq), t.CreatedAt.UTC(), t.UpdatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to save task: %w", err)
	}
	return nil
}

// Get loads a task or returns ErrNotFound.
func (s *SQLStore) Get(ctx context.Context, id string) (*Task, error) {
	query := rebind(s.dialect, `
SELECT id, context_id, state, workspace_path, history_json, result_json, reason, metadata_json, last_seq, created_at, updated_at
FROM bridge_tasks
WHERE id = ?`)

	var (
		t                         Task
		state                     string
		workspace, reason         sql.NullString
		history, result, metadata sql.NullString
		lastSeq                   int64
	)
	err := s.db.QueryRowContext(ctx, query, id).Scan(
		&t.ID, &t.ContextID, &state, &workspace, &history, &result,
		&reason, &metadata, &lastSeq, &t.CreatedAt, &t.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, NotFound(id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query task: %w", err)
	}

	t.State = State(state)
	t.WorkspacePath = workspace.String
	t.Reason = reason.String
	t.LastSeq = uint64(lastSeq)

	t.History = make([]Message, 0)
	if history.Valid && history.String != "" {
		if err := json.Unmarshal([]byte(history.String), &t.History); err != nil {
			return nil, fmt.Errorf("failed to unmarshal history: %w", err)
		}
	}
	if result.Valid && result.String != "" && result.String != "null" {
		t.Result = &Result{}
		if err := json.Unmarshal([]byte(result.String), t.Result); err != nil {
			return nil, fmt.Errorf("failed to unmarshal result: %w", err)
		}
	}
	t.Metadata = make(map[string]any)
	if metadata.Valid && metadata.String != "" {
		if err := json.Unmarshal([]byte(metadata.String), &t.Metadata); err != nil {
			return nil, fmt.Errorf("failed to unmarshal metadata: %w", err)
		}
	}
	return &t, nil
}

// Delete removes the task row.
func (s *SQLStore) Delete(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, rebind(s.dialect, `DELETE FROM bridge_tasks WHERE id = ?`), id); err != nil {
		return fmt.Errorf("failed to delete task: %w", err)
	}
	return nil
}

var _ Store = (*SQLStore)(nil)
