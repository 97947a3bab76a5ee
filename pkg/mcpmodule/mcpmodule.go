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

// Package mcpmodule provides the auxiliary MCP servers that can be
// offered to the backend with --mcp NAME.
//
// Built-in modules are served by the codebridge binary itself over
// stdio (`codebridge mcp <name>`), so resolving a module only needs the
// path of the running executable.
package mcpmodule

import (
	"context"
	"fmt"
	"log/slog"
	"slices"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"
)

// Secret is the name of the built-in secret module.
const Secret = "secret"

// Module is a stdio MCP server.
type Module struct {
	Name    string
	Command string
	Args    []string
	Env     map[string]string
}

// builtin lists the modules the binary can serve.
var builtin = map[string]func(self string) Module{
	Secret: func(self string) Module {
		return Module{Name: Secret, Command: self, Args: []string{"mcp", Secret}}
	},
}

// Names returns the built-in module names, sorted.
func Names() []string {
	names := make([]string, 0, len(builtin))
	for name := range builtin {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// Resolve maps module names to modules launched through self.
// Unknown names are logged and skipped.
func Resolve(names []string, self string) []Module {
	modules := make([]Module, 0, len(names))
	for _, name := range names {
		build, ok := builtin[name]
		if !ok {
			slog.Warn("Unknown MCP module, skipping", "name", name, "known", Names())
			continue
		}
		modules = append(modules, build(self))
	}
	return modules
}

// Probe starts m, initializes a session and returns its tool names.
func Probe(ctx context.Context, m Module) ([]string, error) {
	c, err := client.NewStdioMCPClient(m.Command, convertEnv(m.Env), m.Args...)
	if err != nil {
		return nil, fmt.Errorf("failed to create MCP client for %s: %w", m.Name, err)
	}
	defer c.Close()

	if err := c.Start(ctx); err != nil {
		return nil, fmt.Errorf("failed to start MCP module %s: %w", m.Name, err)
	}
	return listTools(ctx, c)
}

// listTools initializes c and lists its tools.
func listTools(ctx context.Context, c *client.Client) ([]string, error) {
	initReq := mcp.InitializeRequest{}
	initReq.Params.ClientInfo = mcp.Implementation{
		Name:    "codebridge",
		Version: serverVersion,
	}
	initReq.Params.ProtocolVersion = mcp.LATEST_PROTOCOL_VERSION

	if _, err := c.Initialize(ctx, initReq); err != nil {
		return nil, fmt.Errorf("failed to initialize MCP: %w", err)
	}

	resp, err := c.ListTools(ctx, mcp.ListToolsRequest{})
	if err != nil {
		return nil, fmt.Errorf("failed to list tools: %w", err)
	}
	names := make([]string, 0, len(resp.Tools))
	for _, t := range resp.Tools {
		names = append(names, t.Name)
	}
	return names, nil
}

// convertEnv converts map to slice of "KEY=VALUE".
func convertEnv(env map[string]string) []string {
	if env == nil {
		return nil
	}
	result := make([]string, 0, len(env))
	for k, v := range env {
		result = append(result, fmt.Sprintf("%s=%s", k, v))
	}
	return result
}
