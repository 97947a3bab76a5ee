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

package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse_Defaults(t *testing.T) {
	cfg, err := Parse(nil)
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0", cfg.Server.Host)
	assert.Equal(t, 9100, cfg.Server.Port)
	assert.Equal(t, TransportJSONRPC, cfg.Server.Transport)
	assert.Equal(t, 15*time.Second, cfg.Server.SSEKeepAlive)
	assert.Equal(t, StorageBackendInMemory, cfg.Server.Tasks.Backend)
	assert.Equal(t, DefaultTaskRetention, cfg.Server.Tasks.Retention)

	assert.Equal(t, BackendClaude, cfg.Bridge.Backend)
	assert.Equal(t, DefaultTurnTimeout, cfg.Bridge.TurnTimeout)
	assert.Equal(t, "bypassPermissions", cfg.Bridge.Claude.PermissionMode)
	assert.Equal(t, DefaultAllowedTools, cfg.Bridge.Claude.AllowedTools)

	assert.Equal(t, "Claude Code Agent", cfg.Card.Name)
	assert.Equal(t, "0.1.0", cfg.Card.Version)
	assert.Len(t, cfg.Card.Skills, 4)
	assert.True(t, BoolValue(cfg.Card.Streaming, false))

	assert.Equal(t, "info", cfg.Logger.Level)
	assert.Equal(t, "simple", cfg.Logger.Format)
}

func TestParse_EnvExpansion(t *testing.T) {
	t.Setenv("CB_TEST_PORT", "9200")
	t.Setenv("CB_TEST_TOOLS", "Read,Bash")

	cfg, err := Parse([]byte(`
server:
  port: ${CB_TEST_PORT}
bridge:
  turn_timeout: 30s
  claude:
    model: ${CB_TEST_MODEL:-sonnet}
    allowed_tools: $CB_TEST_TOOLS
`))
	require.NoError(t, err)

	assert.Equal(t, 9200, cfg.Server.Port)
	assert.Equal(t, 30*time.Second, cfg.Bridge.TurnTimeout)
	assert.Equal(t, "sonnet", cfg.Bridge.Claude.Model)
	assert.Equal(t, []string{"Read", "Bash"}, cfg.Bridge.Claude.AllowedTools)
}

func TestParse_JSON(t *testing.T) {
	cfg, err := Parse([]byte(`{"server": {"port": 9300}, "mcp": {"modules": ["secret", "secret"]}}`))
	require.NoError(t, err)
	assert.Equal(t, 9300, cfg.Server.Port)
	assert.Equal(t, []string{"secret"}, cfg.MCP.Modules)
}

func TestParse_Errors(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantErr string
	}{
		{
			name:    "unknown field",
			input:   "server:\n  prot: 9100\n",
			wantErr: "prot",
		},
		{
			name:    "invalid yaml",
			input:   "server: [unclosed\n",
			wantErr: "failed to parse",
		},
		{
			name:    "remote without url",
			input:   "bridge:\n  backend: remote\n",
			wantErr: "remote.url",
		},
		{
			name:    "unknown backend",
			input:   "bridge:\n  backend: gpt\n",
			wantErr: "invalid backend",
		},
		{
			name:    "undefined database reference",
			input:   "server:\n  tasks:\n    backend: sql\n    database: main\n",
			wantErr: `database "main" is not defined`,
		},
		{
			name:    "bad log level",
			input:   "logger:\n  level: loud\n",
			wantErr: "logger",
		},
		{
			name:    "grpc port clash",
			input:   "server:\n  transport: grpc\n  port: 9000\n  grpc_port: 9000\n",
			wantErr: "grpc_port",
		},
		{
			name:    "auth without issuer",
			input:   "server:\n  auth:\n    enabled: true\n    jwks_url: http://x\n    audience: a\n",
			wantErr: "issuer",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.input))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestParse_SQLStores(t *testing.T) {
	cfg, err := Parse([]byte(`
databases:
  main:
    driver: sqlite3
    database: ./bridge.db
server:
  tasks:
    backend: sql
    database: main
  sessions:
    backend: sql
    database: main
`))
	require.NoError(t, err)

	db, ok := cfg.GetDatabase("main")
	require.True(t, ok)
	assert.Equal(t, "sqlite", db.Driver)
	assert.Equal(t, "sqlite3", db.DriverName())
	assert.Equal(t, "sqlite", db.Dialect())
	assert.True(t, cfg.Server.Sessions.IsSQL())
}

func TestDatabaseConfig_DSN(t *testing.T) {
	tests := []struct {
		name string
		cfg  DatabaseConfig
		want string
	}{
		{
			name: "postgres",
			cfg:  DatabaseConfig{Driver: "postgres", Host: "db", Database: "bridge", Username: "u", Password: "p"},
			want: "host=db port=5432 dbname=bridge user=u password=p sslmode=disable",
		},
		{
			name: "mysql",
			cfg:  DatabaseConfig{Driver: "mysql", Host: "db", Database: "bridge", Username: "u", Password: "p"},
			want: "u:p@tcp(db:3306)/bridge?parseTime=true",
		},
		{
			name: "sqlite with params",
			cfg:  DatabaseConfig{Driver: "sqlite", Database: "x.db", Params: map[string]string{"cache": "shared", "_fk": "1"}},
			want: "x.db?_fk=1&cache=shared",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.cfg.SetDefaults()
			require.NoError(t, tt.cfg.Validate())
			assert.Equal(t, tt.want, tt.cfg.DSN())
		})
	}
}

func TestDBPool_SharesHandles(t *testing.T) {
	pool := NewDBPool()
	defer pool.Close()

	cfg := &DatabaseConfig{Driver: "sqlite", Database: filepath.Join(t.TempDir(), "pool.db")}
	cfg.SetDefaults()

	a, err := pool.Get(context.Background(), cfg)
	require.NoError(t, err)
	b, err := pool.Get(context.Background(), cfg)
	require.NoError(t, err)

	assert.Same(t, a, b)
	assert.Equal(t, 1, pool.Len())
	require.NoError(t, pool.Close())
	assert.Equal(t, 0, pool.Len())
}

func TestCardPublicURL(t *testing.T) {
	var card AgentCardConfig
	srv := ServerConfig{Host: "0.0.0.0", Port: 9100}
	assert.Equal(t, "http://localhost:9100/", card.PublicURL(&srv))

	srv.TLS.Enabled = BoolPtr(true)
	srv.Host = "bridge.internal"
	assert.Equal(t, "https://bridge.internal:9100/", card.PublicURL(&srv))

	card.URL = "https://public.example.com/"
	assert.Equal(t, "https://public.example.com/", card.PublicURL(&srv))
}

func TestCardValidate_DuplicateSkill(t *testing.T) {
	card := AgentCardConfig{Skills: []SkillConfig{{ID: "a", Name: "A"}, {ID: "a", Name: "B"}}}
	assert.ErrorContains(t, card.Validate(), "duplicate")
}

func TestLoadDotEnvForConfig(t *testing.T) {
	dir := t.TempDir()
	env := "CB_DOTENV_NEW=from-file\nCB_DOTENV_KEEP=from-file\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"), []byte(env), 0o600))

	t.Setenv("CB_DOTENV_KEEP", "from-shell")
	t.Cleanup(func() { os.Unsetenv("CB_DOTENV_NEW") })

	loaded := LoadDotEnvForConfig(filepath.Join(dir, "codebridge.yaml"))
	assert.Contains(t, loaded, filepath.Join(dir, ".env"))
	assert.Equal(t, "from-file", os.Getenv("CB_DOTENV_NEW"))
	assert.Equal(t, "from-shell", os.Getenv("CB_DOTENV_KEEP"))
}

func TestRateLimitConfig(t *testing.T) {
	cfg, err := Parse([]byte(`
server:
  rate_limit:
    enabled: true
`))
	require.NoError(t, err)
	assert.True(t, cfg.Server.RateLimit.IsEnabled())
	assert.Equal(t, []RateLimitRule{{Window: "minute", Limit: 60}}, cfg.Server.RateLimit.Limits)
	assert.Equal(t, DefaultRateLimitCallers, cfg.Server.RateLimit.MaxCallers)

	tests := []struct {
		name  string
		rules []RateLimitRule
	}{
		{name: "unknown window", rules: []RateLimitRule{{Window: "week", Limit: 1}}},
		{name: "zero limit", rules: []RateLimitRule{{Window: "minute", Limit: 0}}},
		{name: "duplicate window", rules: []RateLimitRule{{Window: "hour", Limit: 1}, {Window: "hour", Limit: 2}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rl := RateLimitConfig{Enabled: BoolPtr(true), Limits: tt.rules}
			rl.SetDefaults()
			assert.Error(t, rl.Validate())
		})
	}
}
