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
	"fmt"
	"os"

	"github.com/alecthomas/kong"

	"github.com/kadirpekel/codebridge"
	"github.com/kadirpekel/codebridge/pkg/config"
	"github.com/kadirpekel/codebridge/pkg/mcpmodule"
)

type CLI struct {
	Serve    ServeCmd    `cmd:"" default:"withargs" help:"Start the A2A task server."`
	Validate ValidateCmd `cmd:"" help:"Validate the configuration."`
	Schema   SchemaCmd   `cmd:"" help:"Print the JSON Schema of the configuration."`
	Version  VersionCmd  `cmd:"" help:"Show version information."`
	MCP      MCPCmd      `cmd:"" name:"mcp" help:"Run a built-in MCP module on stdio."`

	Config          string   `short:"c" help:"Path (or key, for remote providers) of the config." type:"path"`
	ConfigType      string   `name:"config-type" help:"Config provider: file, consul, etcd, zookeeper." default:"file" enum:"file,consul,etcd,zookeeper"`
	ConfigEndpoints []string `name:"config-endpoints" help:"Endpoints of the config provider."`

	LogLevel  string `help:"Log level (debug, info, warn, error)."`
	LogFile   string `help:"Log file path (empty = stderr)."`
	LogFormat string `help:"Log format (simple, verbose, text, json)."`
}

type VersionCmd struct{}

func (c *VersionCmd) Run() error {
	fmt.Println(codebridge.GetVersion())
	return nil
}

type MCPCmd struct {
	Name string `arg:"" help:"Module name." enum:"secret"`
}

// Run serves the module until stdin closes. Stdout carries the protocol,
// so nothing else may print to it.
func (c *MCPCmd) Run() error {
	return mcpmodule.Serve(c.Name)
}

func main() {
	config.LoadDotEnv()

	cli := CLI{}
	ctx := kong.Parse(&cli,
		kong.Name("codebridge"),
		kong.Description("Expose a local coding agent as an A2A task server."),
		kong.UsageOnError(),
	)

	// Flags and env first; serve re-applies with the config's logger block.
	cleanup, err := initLogger(resolveLogSettings(&cli, nil))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	if cleanup != nil {
		defer cleanup()
	}

	err = ctx.Run(&cli)
	ctx.FatalIfErrorf(err)
}
