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
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/kadirpekel/codebridge/pkg/config"
	"github.com/kadirpekel/codebridge/pkg/mcpmodule"
)

const probeTimeout = 15 * time.Second

// ValidateCmd validates a configuration.
type ValidateCmd struct {
	// Path overrides --config when given.
	Path string `arg:"" optional:"" name:"path" help:"Configuration file path." placeholder:"PATH"`

	Format      string `short:"f" help:"Output format: compact, verbose, json." default:"compact" enum:"compact,verbose,json"`
	PrintConfig bool   `short:"p" name:"print-config" help:"Print the expanded configuration (defaults applied, env vars resolved)."`
	ProbeMCP    bool   `name:"probe-mcp" help:"Start each configured MCP module and list its tools."`
}

func (c *ValidateCmd) Run(cli *CLI) error {
	if c.Path != "" {
		cli.Config = c.Path
	}
	if cli.Config == "" {
		return fmt.Errorf("no configuration given (pass a path or --config)")
	}

	ctx := context.Background()
	cfg, loader, err := loadConfig(ctx, cli)
	if err != nil {
		return printLoadError(os.Stdout, c.Format, cli.Config, err)
	}
	if loader != nil {
		defer loader.Close()
	}

	var problems []ValidationError
	if c.ProbeMCP {
		problems = probeModules(ctx, os.Stdout, c.Format, cfg)
	}

	if c.PrintConfig {
		if err := printExpandedConfig(os.Stdout, c.Format, cli.Config, cfg); err != nil {
			return err
		}
	}

	printResult(os.Stdout, c.Format, cli.Config, problems)
	if len(problems) > 0 {
		return fmt.Errorf("%d MCP module(s) failed", len(problems))
	}
	return nil
}

// ValidationError is a single problem found while validating.
type ValidationError struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

type jsonOutput struct {
	Valid  bool              `json:"valid"`
	File   string            `json:"file"`
	Errors []ValidationError `json:"errors,omitempty"`
}

func printLoadError(w io.Writer, format, file string, err error) error {
	switch format {
	case "json":
		printJSON(w, jsonOutput{File: file, Errors: []ValidationError{{Type: "load", Message: err.Error()}}})
	case "verbose":
		fmt.Fprintf(os.Stderr, "Configuration Load Error\n")
		fmt.Fprintf(os.Stderr, "========================\n\n")
		fmt.Fprintf(os.Stderr, "File:    %s\n", file)
		fmt.Fprintf(os.Stderr, "Error:   %s\n", err.Error())
	default:
		fmt.Fprintf(os.Stderr, "%s: load error: %s\n", file, err.Error())
	}
	return fmt.Errorf("config load failed")
}

// probeModules starts every configured module and reports its tools.
func probeModules(ctx context.Context, w io.Writer, format string, cfg *config.Config) []ValidationError {
	var problems []ValidationError
	for _, m := range resolveModules(cfg) {
		probeCtx, cancel := context.WithTimeout(ctx, probeTimeout)
		tools, err := mcpmodule.Probe(probeCtx, m)
		cancel()
		if err != nil {
			problems = append(problems, ValidationError{Type: "mcp", Message: fmt.Sprintf("%s: %v", m.Name, err)})
			continue
		}
		if format != "json" {
			fmt.Fprintf(w, "mcp %s: %s\n", m.Name, strings.Join(tools, ", "))
		}
	}
	return problems
}

func printResult(w io.Writer, format, file string, problems []ValidationError) {
	valid := len(problems) == 0
	switch format {
	case "json":
		printJSON(w, jsonOutput{Valid: valid, File: file, Errors: problems})
	case "verbose":
		fmt.Fprintf(w, "Configuration Validation\n")
		fmt.Fprintf(w, "========================\n\n")
		fmt.Fprintf(w, "File:   %s\n", file)
		if valid {
			fmt.Fprintf(w, "Status: OK Valid\n")
			return
		}
		fmt.Fprintf(w, "Status: FAILED\n")
		for _, p := range problems {
			fmt.Fprintf(w, "  - [%s] %s\n", p.Type, p.Message)
		}
	default:
		if valid {
			fmt.Fprintf(w, "%s: valid\n", file)
			return
		}
		for _, p := range problems {
			fmt.Fprintf(w, "%s: %s error: %s\n", file, p.Type, p.Message)
		}
	}
}

func printExpandedConfig(w io.Writer, format, file string, cfg *config.Config) error {
	if format == "json" {
		encoder := json.NewEncoder(w)
		encoder.SetIndent("", "  ")
		if err := encoder.Encode(cfg); err != nil {
			return fmt.Errorf("failed to encode config as JSON: %w", err)
		}
		return nil
	}

	fmt.Fprintf(w, "# Expanded configuration from: %s\n", file)
	fmt.Fprintf(w, "# (defaults applied, env vars resolved)\n\n")
	encoder := yaml.NewEncoder(w)
	encoder.SetIndent(2)
	defer encoder.Close()
	if err := encoder.Encode(cfg); err != nil {
		return fmt.Errorf("failed to encode config as YAML: %w", err)
	}
	return nil
}

func printJSON(w io.Writer, v any) {
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(v); err != nil {
		fmt.Fprintf(os.Stderr, "Error encoding JSON: %v\n", err)
	}
}
