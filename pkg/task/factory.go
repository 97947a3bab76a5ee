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
	"fmt"

	"github.com/a2aproject/a2a-go/a2asrv"

	"github.com/kadirpekel/codebridge/pkg/config"
)

// Stores bundles the bridge task store with the A2A protocol task store.
// A2A is nil for the in-memory backend; a2asrv then keeps its own.
type Stores struct {
	Tasks Store
	A2A   a2asrv.TaskStore
}

// NewStoresFromConfig builds the stores selected by server.tasks.
//
//	databases:
//	  default:
//	    driver: sqlite
//	    database: ./codebridge.db
//
//	server:
//	  tasks:
//	    backend: sql
//	    database: default
func NewStoresFromConfig(ctx context.Context, cfg *config.Config, pool *config.DBPool) (*Stores, error) {
	tc := cfg.Server.Tasks
	store := tc.Store()

	if !store.IsSQL() {
		mem, err := NewMemoryStore(tc.Retention)
		if err != nil {
			return nil, err
		}
		return &Stores{Tasks: mem}, nil
	}

	if pool == nil {
		return nil, fmt.Errorf("DBPool is required for the sql task backend")
	}
	dbCfg, ok := cfg.GetDatabase(tc.Database)
	if !ok {
		return nil, fmt.Errorf("database %q not found", tc.Database)
	}
	db, err := pool.Get(ctx, dbCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to get database connection: %w", err)
	}

	tasks, err := NewSQLStore(db, dbCfg.Dialect())
	if err != nil {
		return nil, err
	}
	a2aStore, err := NewA2AStore(db, dbCfg.Dialect())
	if err != nil {
		return nil, err
	}
	return &Stores{Tasks: tasks, A2A: a2aStore}, nil
}
