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

// Package claudecode drives the claude CLI in non-interactive stream-json
// mode. Each turn is one CLI invocation inside the task workspace;
// follow-ups resume the CLI session with --resume.
package claudecode

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"iter"
	"log/slog"
	"maps"
	"os"
	"slices"
	"strconv"
	"strings"

	"github.com/kadirpekel/codebridge/pkg/backend"
	"github.com/kadirpekel/codebridge/pkg/config"
	"github.com/kadirpekel/codebridge/pkg/logger"
)

const (
	scannerInitBuf = 64 * 1024
	scannerMaxBuf  = 2 * 1024 * 1024
)

// MCPServer is a stdio MCP server made available to the CLI.
type MCPServer struct {
	Command string            `json:"command"`
	Args    []string          `json:"args,omitempty"`
	Env     map[string]string `json:"env,omitempty"`
	Type    string            `json:"type"`
}

// Config controls CLI invocations.
type Config struct {
	Command        string
	Model          string
	MaxTurns       int
	SystemPrompt   string
	AllowedTools   []string
	PermissionMode string
	ExtraArgs      []string
	Env            map[string]string

	// MCPServers are written to a temporary --mcp-config file per turn.
	// All of their tools are allowed.
	MCPServers map[string]MCPServer
}

// ConfigFrom converts the claude section of the bridge configuration.
func ConfigFrom(c config.ClaudeConfig) Config {
	return Config{
		Command:        c.Command,
		Model:          c.Model,
		MaxTurns:       c.MaxTurns,
		SystemPrompt:   c.SystemPrompt,
		AllowedTools:   slices.Clone(c.AllowedTools),
		PermissionMode: c.PermissionMode,
		ExtraArgs:      slices.Clone(c.ExtraArgs),
		Env:            c.Env,
	}
}

// Backend runs turns through the claude CLI.
type Backend struct {
	cfg       Config
	newRunner runnerFactory
}

// New creates a CLI backend.
func New(cfg Config) *Backend {
	if cfg.Command == "" {
		cfg.Command = config.DefaultClaudeCommand
	}
	return &Backend{cfg: cfg, newRunner: newProcess}
}

func (b *Backend) Name() string { return "claude" }

// Run starts the CLI and yields its events. The subprocess is killed
// when ctx ends or the consumer stops iterating.
func (b *Backend) Run(ctx context.Context, turn backend.Turn) iter.Seq2[backend.Event, error] {
	return func(yield func(backend.Event, error) bool) {
		ctx, cancel := context.WithCancel(ctx)
		defer cancel()

		mcpPath, err := b.writeMCPConfig()
		if err != nil {
			yield(backend.Event{}, err)
			return
		}
		if mcpPath != "" {
			defer os.Remove(mcpPath)
		}

		proc := b.newRunner(runnerConfig{
			Command: b.cfg.Command,
			Args:    b.args(turn, mcpPath),
			Dir:     turn.Workspace,
			Env:     b.cfg.Env,
		})
		if err := proc.Start(ctx); err != nil {
			yield(backend.Event{}, fmt.Errorf("failed to start %s: %w", b.cfg.Command, err))
			return
		}
		slog.Debug("Claude CLI started", "task_id", turn.TaskID, "resume", turn.SessionID != "")

		scanner := bufio.NewScanner(proc.Stdout())
		scanner.Buffer(make([]byte, 0, scannerInitBuf), scannerMaxBuf)

		var resultErr error
		for scanner.Scan() {
			line := bytes.TrimSpace(scanner.Bytes())
			if len(line) == 0 {
				continue
			}
			msg, err := ParseStreamMessage(line)
			if err != nil {
				slog.Debug("Skipping non-JSON CLI output", "task_id", turn.TaskID, "line", logger.Truncate(string(line), 200))
				continue
			}
			events, err := msg.Events()
			if err != nil {
				resultErr = err
			}
			for _, ev := range events {
				if !yield(ev, nil) {
					cancel()
					_ = proc.Wait()
					return
				}
			}
		}
		scanErr := scanner.Err()
		waitErr := proc.Wait()

		switch {
		case ctx.Err() != nil:
			yield(backend.Event{}, ctx.Err())
		case resultErr != nil:
			yield(backend.Event{}, resultErr)
		case scanErr != nil:
			yield(backend.Event{}, fmt.Errorf("failed to read CLI output: %w", scanErr))
		case waitErr != nil:
			detail := strings.TrimSpace(proc.StderrTail())
			if detail == "" {
				yield(backend.Event{}, fmt.Errorf("%s exited: %w", b.cfg.Command, waitErr))
				return
			}
			yield(backend.Event{}, fmt.Errorf("%s exited: %w: %s", b.cfg.Command, waitErr, logger.Truncate(detail, 500)))
		}
	}
}

// args builds the CLI argument list. The prompt always comes last, after
// "--", so it can never be read as a flag.
func (b *Backend) args(turn backend.Turn, mcpPath string) []string {
	args := []string{"-p", "--output-format", "stream-json", "--verbose"}

	if b.cfg.SystemPrompt != "" {
		args = append(args, "--append-system-prompt", b.cfg.SystemPrompt)
	}

	tools := slices.Clone(b.cfg.AllowedTools)
	for _, name := range slices.Sorted(maps.Keys(b.cfg.MCPServers)) {
		tools = append(tools, "mcp__"+name+"__*")
	}
	if len(tools) > 0 {
		args = append(args, "--allowedTools", strings.Join(tools, ","))
	}
	if b.cfg.PermissionMode != "" {
		args = append(args, "--permission-mode", b.cfg.PermissionMode)
	}

	model := turn.Model
	if model == "" {
		model = b.cfg.Model
	}
	if model != "" {
		args = append(args, "--model", model)
	}
	maxTurns := turn.MaxTurns
	if maxTurns == 0 {
		maxTurns = b.cfg.MaxTurns
	}
	if maxTurns > 0 {
		args = append(args, "--max-turns", strconv.Itoa(maxTurns))
	}
	if mcpPath != "" {
		args = append(args, "--mcp-config", mcpPath)
	}

	prompt := turn.Prompt
	if turn.SessionID != "" {
		args = append(args, "--resume", turn.SessionID)
	} else {
		// No session to resume; carry the history in the prompt.
		prompt = backend.Transcript(turn.History, turn.Prompt)
	}

	args = append(args, b.cfg.ExtraArgs...)
	return append(args, "--", prompt)
}

func (b *Backend) writeMCPConfig() (string, error) {
	if len(b.cfg.MCPServers) == 0 {
		return "", nil
	}
	servers := make(map[string]MCPServer, len(b.cfg.MCPServers))
	for name, s := range b.cfg.MCPServers {
		if s.Type == "" {
			s.Type = "stdio"
		}
		servers[name] = s
	}
	data, err := json.Marshal(map[string]any{"mcpServers": servers})
	if err != nil {
		return "", fmt.Errorf("failed to encode MCP config: %w", err)
	}

	f, err := os.CreateTemp("", "codebridge-mcp-*.json")
	if err != nil {
		return "", fmt.Errorf("failed to create MCP config: %w", err)
	}
	defer f.Close()
	if _, err := f.Write(data); err != nil {
		os.Remove(f.Name())
		return "", fmt.Errorf("failed to write MCP config: %w", err)
	}
	return f.Name(), nil
}

var _ backend.Backend = (*Backend)(nil)
