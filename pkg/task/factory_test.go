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
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kadirpekel/codebridge/pkg/config"
)

func TestNewStoresFromConfig_InMemory(t *testing.T) {
	cfg := config.Default()

	stores, err := NewStoresFromConfig(context.Background(), cfg, nil)
	require.NoError(t, err)
	assert.IsType(t, &MemoryStore{}, stores.Tasks)
	assert.Nil(t, stores.A2A)
}

func TestNewStoresFromConfig_SQL(t *testing.T) {
	cfg := &config.Config{
		Databases: map[string]*config.DatabaseConfig{
			"main": {Driver: "sqlite", Database: filepath.Join(t.TempDir(), "tasks.db")},
		},
	}
	cfg.Server.Tasks.Backend = config.StorageBackendSQL
	cfg.Server.Tasks.Database = "main"
	cfg.SetDefaults()
	require.NoError(t, cfg.Validate())

	pool := config.NewDBPool()
	defer pool.Close()

	ctx := context.Background()
	stores, err := NewStoresFromConfig(ctx, cfg, pool)
	require.NoError(t, err)
	require.IsType(t, &SQLStore{}, stores.Tasks)
	require.NotNil(t, stores.A2A)

	tk := New("t-1", "")
	require.NoError(t, stores.Tasks.Save(ctx, tk))
	got, err := stores.Tasks.Get(ctx, "t-1")
	require.NoError(t, err)
	assert.Equal(t, StateSubmitted, got.State)
}

func TestNewStoresFromConfig_SQLNeedsPool(t *testing.T) {
	cfg := config.Default()
	cfg.Server.Tasks.Backend = config.StorageBackendSQL
	cfg.Server.Tasks.Database = "main"

	_, err := NewStoresFromConfig(context.Background(), cfg, nil)
	assert.ErrorContains(t, err, "DBPool")
}
