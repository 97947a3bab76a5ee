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

// Package config defines the codebridge configuration and its loader.
//
// Configuration is read from a provider (file, consul, etcd, zookeeper),
// parsed as YAML or JSON, expanded against the environment, decoded with
// mapstructure, defaulted and validated. Only the log level can change
// while the process runs; everything else is fixed at startup.
package config

import (
	"fmt"
	"maps"
	"slices"

	"github.com/kadirpekel/codebridge/pkg/observability"
)

// Config is the root configuration.
type Config struct {
	// Version is the config schema version.
	Version string `yaml:"version,omitempty" json:"version,omitempty"`

	// Name identifies this deployment in logs.
	Name string `yaml:"name,omitempty" json:"name,omitempty"`

	// Server configures the HTTP, JSON-RPC and gRPC surfaces.
	Server ServerConfig `yaml:"server,omitempty" json:"server,omitempty"`

	// Bridge configures workspaces, the backend and turn limits.
	Bridge BridgeConfig `yaml:"bridge,omitempty" json:"bridge,omitempty"`

	// Card configures the advertised agent card.
	Card AgentCardConfig `yaml:"card,omitempty" json:"card,omitempty"`

	// MCP lists the auxiliary MCP modules offered to the backend.
	MCP MCPConfig `yaml:"mcp,omitempty" json:"mcp,omitempty"`

	// Databases are named SQL connections referenced by stores.
	Databases map[string]*DatabaseConfig `yaml:"databases,omitempty" json:"databases,omitempty"`

	Logger LoggerConfig `yaml:"logger,omitempty" json:"logger,omitempty"`

	Observability observability.Config `yaml:"observability,omitempty" json:"observability,omitempty"`
}

// Default returns a configuration with all defaults applied.
func Default() *Config {
	cfg := &Config{}
	cfg.SetDefaults()
	return cfg
}

// SetDefaults applies default values throughout the tree.
func (c *Config) SetDefaults() {
	if c.Version == "" {
		c.Version = "1"
	}
	if c.Name == "" {
		c.Name = "codebridge"
	}
	c.Server.SetDefaults()
	c.Bridge.SetDefaults()
	c.Card.SetDefaults()
	c.MCP.SetDefaults()
	for _, db := range c.Databases {
		if db != nil {
			db.SetDefaults()
		}
	}
	c.Logger.SetDefaults()
	c.Observability.SetDefaults()
}

// Validate checks the configuration and cross references.
func (c *Config) Validate() error {
	if err := c.Server.Validate(); err != nil {
		return fmt.Errorf("server: %w", err)
	}
	if err := c.Bridge.Validate(); err != nil {
		return fmt.Errorf("bridge: %w", err)
	}
	if err := c.Card.Validate(); err != nil {
		return fmt.Errorf("card: %w", err)
	}
	if err := c.MCP.Validate(); err != nil {
		return fmt.Errorf("mcp: %w", err)
	}
	for _, name := range slices.Sorted(maps.Keys(c.Databases)) {
		db := c.Databases[name]
		if db == nil {
			return fmt.Errorf("databases.%s: empty definition", name)
		}
		if err := db.Validate(); err != nil {
			return fmt.Errorf("databases.%s: %w", name, err)
		}
	}
	if err := c.Logger.Validate(); err != nil {
		return fmt.Errorf("logger: %w", err)
	}
	if err := c.Observability.Validate(); err != nil {
		return fmt.Errorf("observability: %w", err)
	}
	return c.validateReferences()
}

func (c *Config) validateReferences() error {
	refs := []struct {
		field string
		store StoreConfig
	}{
		{"server.tasks", c.Server.Tasks.Store()},
		{"server.sessions", c.Server.Sessions},
	}
	for _, ref := range refs {
		if !ref.store.IsSQL() {
			continue
		}
		if _, ok := c.Databases[ref.store.Database]; !ok {
			return fmt.Errorf("%s: database %q is not defined (available: %v)",
				ref.field, ref.store.Database, slices.Sorted(maps.Keys(c.Databases)))
		}
	}
	return nil
}

// GetDatabase returns the named database definition.
func (c *Config) GetDatabase(name string) (*DatabaseConfig, bool) {
	db, ok := c.Databases[name]
	return db, ok && db != nil
}

// BoolPtr returns a pointer to b.
func BoolPtr(b bool) *bool {
	return &b
}

// BoolValue dereferences b, falling back to defaultValue when nil.
func BoolValue(b *bool, defaultValue bool) bool {
	if b == nil {
		return defaultValue
	}
	return *b
}
