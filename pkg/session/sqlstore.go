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

package session

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/kadirpekel/codebridge/pkg/config"
)

const createSessionsTableSQL = `
CREATE TABLE IF NOT EXISTS bridge_sessions (
    task_id VARCHAR(255) PRIMARY KEY,
    session_id VARCHAR(255) NOT NULL,
    created_at TIMESTAMP NOT NULL
)`

// SQLStore persists session bindings in the bridge_sessions table.
type SQLStore struct {
	db      *sql.DB
	dialect string
}

// NewSQLStore creates the store and its table.
func NewSQLStore(db *sql.DB, dialect string) (*SQLStore, error) {
	if db == nil {
		return nil, fmt.Errorf("database connection is required")
	}

	switch dialect {
	case "postgres", "mysql", "sqlite", "sqlite3":
		if dialect == "sqlite3" {
			dialect = "sqlite"
		}
	default:
		return nil, fmt.Errorf("unsupported dialect: %s (supported: postgres, mysql, sqlite)", dialect)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if _, err := db.ExecContext(ctx, createSessionsTableSQL); err != nil {
		return nil, fmt.Errorf("failed to create bridge_sessions table: %w", err)
	}
	return &SQLStore{db: db, dialect: dialect}, nil
}

func (s *SQLStore) Load(ctx context.Context, taskID string) (string, bool, error) {
	query := `SELECT session_id FROM bridge_sessions WHERE task_id = ?`
	if s.dialect == "postgres" {
		query = `SELECT session_id FROM bridge_sessions WHERE task_id = $1`
	}

	var sid string
	err := s.db.QueryRowContext(ctx, query, taskID).Scan(&sid)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to load session: %w", err)
	}
	return sid, true, nil
}

// Save inserts the binding. The primary key enforces first-write-wins
// across processes sharing the database.
func (s *SQLStore) Save(ctx context.Context, taskID, sessionID string) error {
	query := `INSERT INTO bridge_sessions (task_id, session_id, created_at) VALUES (?, ?, ?)`
	if s.dialect == "postgres" {
		query = `INSERT INTO bridge_sessions (task_id, session_id, created_at) VALUES ($1, $2, $3)`
	}

	_, insertErr := s.db.ExecContext(ctx, query, taskID, sessionID, time.Now().UTC())
	if insertErr == nil {
		return nil
	}

	// The insert fails on an existing row; decide whether it conflicts.
	cur, ok, err := s.Load(ctx, taskID)
	if err != nil || !ok {
		return fmt.Errorf("failed to save session: %w", insertErr)
	}
	if cur != sessionID {
		return ErrAlreadyBound
	}
	return nil
}

func (s *SQLStore) Delete(ctx context.Context, taskID string) error {
	query := `DELETE FROM bridge_sessions WHERE task_id = ?`
	if s.dialect == "postgres" {
		query = `DELETE FROM bridge_sessions WHERE task_id = $1`
	}
	if _, err := s.db.ExecContext(ctx, query, taskID); err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	return nil
}

var _ Store = (*SQLStore)(nil)

// NewStoreFromConfig returns the store selected by server.sessions, or
// nil for the in-memory backend.
func NewStoreFromConfig(ctx context.Context, cfg *config.Config, pool *config.DBPool) (Store, error) {
	sc := cfg.Server.Sessions
	if !sc.IsSQL() {
		return nil, nil
	}
	if pool == nil {
		return nil, fmt.Errorf("DBPool is required for the sql session backend")
	}

	dbCfg, ok := cfg.GetDatabase(sc.Database)
	if !ok {
		return nil, fmt.Errorf("database %q not found", sc.Database)
	}
	db, err := pool.Get(ctx, dbCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to get database connection: %w", err)
	}
	return NewSQLStore(db, dbCfg.Dialect())
}
