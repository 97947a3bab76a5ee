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
	"fmt"
	"slices"
	"strings"
	"time"
)

// Backend names.
const (
	BackendClaude = "claude"
	BackendRemote = "remote"
	BackendEcho   = "echo"
)

const (
	DefaultTurnTimeout        = 10 * time.Minute
	DefaultMaxConcurrentTasks = 8
	DefaultClaudeCommand      = "claude"
	DefaultPermissionMode     = "bypassPermissions"
	DefaultSystemPrompt       = "You are a coding agent exposed via the A2A protocol. " +
		"Complete the user's request thoroughly. " +
		"When you produce files, mention their paths explicitly."
)

// DefaultAllowedTools are the built-in tools the coding agent may use.
var DefaultAllowedTools = []string{
	"Read", "Write", "Edit", "MultiEdit",
	"Bash", "Glob", "Grep", "WebSearch",
}

// BridgeConfig configures how tasks are executed.
//
// Example:
//
//	bridge:
//	  backend: claude
//	  workspace_root: /var/lib/codebridge
//	  turn_timeout: 15m
//	  claude:
//	    model: ${CLAUDE_MODEL}
//	    max_turns: 30
type BridgeConfig struct {
	// Backend selects the agent backend: claude, remote or echo.
	Backend string `yaml:"backend,omitempty" json:"backend,omitempty" jsonschema:"enum=claude,enum=remote,enum=echo,default=claude"`

	// WorkspaceRoot is the parent of per-task workspaces.
	// When empty a temporary directory is created at startup.
	WorkspaceRoot string `yaml:"workspace_root,omitempty" json:"workspace_root,omitempty"`

	// KeepWorkspaces leaves workspace directories on disk after the task
	// ends.
	KeepWorkspaces bool `yaml:"keep_workspaces,omitempty" json:"keep_workspaces,omitempty"`

	// TurnTimeout is the longest the executor waits for the next backend
	// event before failing the task.
	TurnTimeout time.Duration `yaml:"turn_timeout,omitempty" json:"turn_timeout,omitempty"`

	// MaxConcurrentTasks bounds the number of turns running at once.
	MaxConcurrentTasks int `yaml:"max_concurrent_tasks,omitempty" json:"max_concurrent_tasks,omitempty" jsonschema:"minimum=1,default=8"`

	Claude ClaudeConfig `yaml:"claude,omitempty" json:"claude,omitempty"`
	Remote RemoteConfig `yaml:"remote,omitempty" json:"remote,omitempty"`
}

// ClaudeConfig configures the claude CLI backend.
type ClaudeConfig struct {
	// Command is the CLI executable. Default: claude.
	Command string `yaml:"command,omitempty" json:"command,omitempty"`

	// Model overrides the CLI's default model.
	Model string `yaml:"model,omitempty" json:"model,omitempty"`

	// MaxTurns caps agent loop iterations per request. Zero means no cap.
	MaxTurns int `yaml:"max_turns,omitempty" json:"max_turns,omitempty" jsonschema:"minimum=0"`

	SystemPrompt   string   `yaml:"system_prompt,omitempty" json:"system_prompt,omitempty"`
	AllowedTools   []string `yaml:"allowed_tools,omitempty" json:"allowed_tools,omitempty"`
	PermissionMode string   `yaml:"permission_mode,omitempty" json:"permission_mode,omitempty" jsonschema:"enum=default,enum=acceptEdits,enum=bypassPermissions,enum=plan,default=bypassPermissions"`

	// ExtraArgs are appended to every invocation.
	ExtraArgs []string `yaml:"extra_args,omitempty" json:"extra_args,omitempty"`

	// Env is added to the subprocess environment.
	Env map[string]string `yaml:"env,omitempty" json:"env,omitempty"`
}

// RemoteConfig configures the remote A2A backend.
type RemoteConfig struct {
	// URL is the remote agent's base URL; its card is resolved from there.
	URL string `yaml:"url,omitempty" json:"url,omitempty"`

	// Credentials are sent with every request to the remote agent.
	Credentials *CredentialsConfig `yaml:"credentials,omitempty" json:"credentials,omitempty"`

	// MaxRetries bounds retries of requests rejected with 429, 502, 503
	// or 504. Zero uses the default; negative disables retries.
	MaxRetries int `yaml:"max_retries,omitempty" json:"max_retries,omitempty"`

	// CACertificate is a PEM file trusted in addition to the system roots.
	CACertificate string `yaml:"ca_certificate,omitempty" json:"ca_certificate,omitempty"`

	// InsecureSkipVerify disables certificate checks. Dev only.
	InsecureSkipVerify bool `yaml:"insecure_skip_verify,omitempty" json:"insecure_skip_verify,omitempty"`
}

// SetDefaults applies default values.
func (c *BridgeConfig) SetDefaults() {
	if c.Backend == "" {
		c.Backend = BackendClaude
	}
	if c.TurnTimeout == 0 {
		c.TurnTimeout = DefaultTurnTimeout
	}
	if c.MaxConcurrentTasks == 0 {
		c.MaxConcurrentTasks = DefaultMaxConcurrentTasks
	}
	if c.Claude.Command == "" {
		c.Claude.Command = DefaultClaudeCommand
	}
	if c.Claude.SystemPrompt == "" {
		c.Claude.SystemPrompt = DefaultSystemPrompt
	}
	if len(c.Claude.AllowedTools) == 0 {
		c.Claude.AllowedTools = slices.Clone(DefaultAllowedTools)
	}
	if c.Claude.PermissionMode == "" {
		c.Claude.PermissionMode = DefaultPermissionMode
	}
	if c.Remote.Credentials != nil {
		c.Remote.Credentials.SetDefaults()
	}
}

// Validate checks the bridge configuration.
func (c *BridgeConfig) Validate() error {
	switch c.Backend {
	case BackendClaude, BackendEcho:
	case BackendRemote:
		if c.Remote.URL == "" {
			return fmt.Errorf("remote.url is required for the remote backend")
		}
		if !strings.HasPrefix(c.Remote.URL, "http://") && !strings.HasPrefix(c.Remote.URL, "https://") {
			return fmt.Errorf("remote.url must be an http(s) URL, got %q", c.Remote.URL)
		}
	default:
		return fmt.Errorf("invalid backend %q (valid: claude, remote, echo)", c.Backend)
	}
	if c.TurnTimeout < 0 {
		return fmt.Errorf("turn_timeout must be non-negative")
	}
	if c.MaxConcurrentTasks < 1 {
		return fmt.Errorf("max_concurrent_tasks must be at least 1")
	}
	if c.Claude.MaxTurns < 0 {
		return fmt.Errorf("claude.max_turns must be non-negative")
	}
	if err := c.Remote.Credentials.Validate(); err != nil {
		return fmt.Errorf("remote: %w", err)
	}
	return nil
}

// MCPConfig selects auxiliary MCP modules by name.
//
// Example:
//
//	mcp:
//	  modules: [secret]
type MCPConfig struct {
	Modules []string `yaml:"modules,omitempty" json:"modules,omitempty"`

	// SelfCommand is the executable used to launch built-in modules.
	// Defaults to the running binary.
	SelfCommand string `yaml:"self_command,omitempty" json:"self_command,omitempty"`
}

// SetDefaults removes duplicate module names, keeping the first.
func (c *MCPConfig) SetDefaults() {
	seen := make(map[string]bool, len(c.Modules))
	c.Modules = slices.DeleteFunc(c.Modules, func(name string) bool {
		if seen[name] {
			return true
		}
		seen[name] = true
		return false
	})
}

// Validate checks module names.
func (c *MCPConfig) Validate() error {
	for _, name := range c.Modules {
		if strings.TrimSpace(name) == "" {
			return fmt.Errorf("module names must not be empty")
		}
	}
	return nil
}
