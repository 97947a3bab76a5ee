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

package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/invopop/jsonschema"

	"github.com/kadirpekel/codebridge/pkg/config"
)

// SchemaCmd prints the JSON Schema of the configuration file to stdout.
type SchemaCmd struct {
	Compact bool `help:"Compact JSON output (no indentation)."`
}

func (c *SchemaCmd) Run() error {
	return writeSchema(os.Stdout, c.Compact)
}

func configSchema() *jsonschema.Schema {
	reflector := &jsonschema.Reflector{
		AllowAdditionalProperties: false,
		DoNotReference:            true,
	}
	schema := reflector.Reflect(&config.Config{})
	schema.ID = "https://github.com/kadirpekel/codebridge/schemas/config.json"
	schema.Title = "codebridge configuration"
	schema.Description = "Configuration of the codebridge A2A task server"
	schema.Version = "http://json-schema.org/draft-07/schema#"
	schema.Examples = []any{
		map[string]any{
			"version": "1",
			"name":    "codebridge",
			"server": map[string]any{
				"port": config.DefaultPort,
			},
			"bridge": map[string]any{
				"backend":      config.BackendClaude,
				"turn_timeout": "15m",
				"claude": map[string]any{
					"model":     "${CLAUDE_MODEL}",
					"max_turns": 30,
				},
			},
			"mcp": map[string]any{
				"modules": []string{"secret"},
			},
		},
	}
	return schema
}

func writeSchema(w io.Writer, compact bool) error {
	encoder := json.NewEncoder(w)
	if !compact {
		encoder.SetIndent("", "  ")
	}
	if err := encoder.Encode(configSchema()); err != nil {
		return fmt.Errorf("failed to encode schema: %w", err)
	}
	return nil
}
