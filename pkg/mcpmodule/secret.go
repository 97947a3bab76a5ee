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

package mcpmodule

import (
	"context"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
)

const (
	serverVersion = "0.1.0"

	// SecretValue is what get_secret returns.
	SecretValue = "sauce"
)

// NewSecretServer builds the secret module: one tool, get_secret.
func NewSecretServer() *server.MCPServer {
	s := server.NewMCPServer("codebridge-secret", serverVersion, server.WithToolCapabilities(false))
	s.AddTool(
		mcp.NewTool("get_secret", mcp.WithDescription("Returns the secret value.")),
		func(_ context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			return mcp.NewToolResultText(SecretValue), nil
		},
	)
	return s
}

// Serve runs the named built-in module on stdio until stdin closes.
func Serve(name string) error {
	switch name {
	case Secret:
		return server.ServeStdio(NewSecretServer())
	default:
		return fmt.Errorf("unknown MCP module %q", name)
	}
}
