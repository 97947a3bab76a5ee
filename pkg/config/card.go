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

import "fmt"

// AgentCardConfig describes the agent advertised at
// /.well-known/agent-card.json.
type AgentCardConfig struct {
	Name        string `yaml:"name,omitempty" json:"name,omitempty"`
	Description string `yaml:"description,omitempty" json:"description,omitempty"`
	Version     string `yaml:"version,omitempty" json:"version,omitempty"`

	// URL is the public base URL. Derived from server host and port when
	// empty.
	URL string `yaml:"url,omitempty" json:"url,omitempty"`

	DocumentationURL string `yaml:"documentation_url,omitempty" json:"documentation_url,omitempty"`

	Provider *CardProviderConfig `yaml:"provider,omitempty" json:"provider,omitempty"`

	InputModes  []string `yaml:"input_modes,omitempty" json:"input_modes,omitempty"`
	OutputModes []string `yaml:"output_modes,omitempty" json:"output_modes,omitempty"`

	// Streaming advertises streaming support. Default: true.
	Streaming *bool `yaml:"streaming,omitempty" json:"streaming,omitempty"`

	Skills []SkillConfig `yaml:"skills,omitempty" json:"skills,omitempty"`
}

// CardProviderConfig identifies the organization running the agent.
type CardProviderConfig struct {
	Organization string `yaml:"organization" json:"organization"`
	URL          string `yaml:"url,omitempty" json:"url,omitempty"`
}

// SkillConfig is one advertised skill.
type SkillConfig struct {
	ID          string   `yaml:"id" json:"id"`
	Name        string   `yaml:"name" json:"name"`
	Description string   `yaml:"description,omitempty" json:"description,omitempty"`
	Tags        []string `yaml:"tags,omitempty" json:"tags,omitempty"`
	Examples    []string `yaml:"examples,omitempty" json:"examples,omitempty"`
}

// DefaultSkills are advertised when no skills are configured.
func DefaultSkills() []SkillConfig {
	return []SkillConfig{
		{
			ID:   "code_generation",
			Name: "Code Generation",
			Description: "Generate, scaffold, and write complete code projects " +
				"from natural-language descriptions.",
			Tags: []string{"code", "generation", "scaffold", "write"},
			Examples: []string{
				"Create a Python FastAPI server with user auth",
				"Build a React dashboard component with charts",
				"Write a CLI tool that converts CSV to JSON",
			},
		},
		{
			ID:   "code_review",
			Name: "Code Review & Bug Fixing",
			Description: "Analyze existing code for bugs, security issues, " +
				"and quality improvements, then apply fixes.",
			Tags: []string{"review", "bugs", "security", "refactor"},
			Examples: []string{
				"Review my auth module for security vulnerabilities",
				"Find and fix the failing tests in this project",
				"Refactor this function to be more maintainable",
			},
		},
		{
			ID:   "shell_commands",
			Name: "Shell & DevOps",
			Description: "Run shell commands, manage files, install " +
				"dependencies, and automate DevOps tasks.",
			Tags: []string{"shell", "bash", "devops", "automation"},
			Examples: []string{
				"Set up a Python virtual environment and install deps",
				"Find all TODO comments across the project",
				"Run the test suite and summarize failures",
			},
		},
		{
			ID:   "research",
			Name: "Research & Exploration",
			Description: "Search the web and read documentation to answer " +
				"technical questions and inform implementation.",
			Tags: []string{"search", "research", "docs"},
			Examples: []string{
				"What's the recommended way to handle auth in Next.js 15?",
				"Find the API docs for the Stripe Checkout SDK",
			},
		},
	}
}

// SetDefaults applies default values.
func (c *AgentCardConfig) SetDefaults() {
	if c.Name == "" {
		c.Name = "Claude Code Agent"
	}
	if c.Description == "" {
		c.Description = "An autonomous coding agent powered by Anthropic's Claude. " +
			"Reads, writes, and edits files, runs shell commands, searches " +
			"the web, and builds complete software solutions."
	}
	if c.Version == "" {
		c.Version = "0.1.0"
	}
	if len(c.InputModes) == 0 {
		c.InputModes = []string{"text/plain"}
	}
	if len(c.OutputModes) == 0 {
		c.OutputModes = []string{"text/plain"}
	}
	if c.Streaming == nil {
		c.Streaming = BoolPtr(true)
	}
	if len(c.Skills) == 0 {
		c.Skills = DefaultSkills()
	}
}

// Validate checks the card configuration.
func (c *AgentCardConfig) Validate() error {
	seen := make(map[string]bool, len(c.Skills))
	for i, s := range c.Skills {
		if s.ID == "" || s.Name == "" {
			return fmt.Errorf("skills[%d]: id and name are required", i)
		}
		if seen[s.ID] {
			return fmt.Errorf("skills[%d]: duplicate id %q", i, s.ID)
		}
		seen[s.ID] = true
	}
	if c.Provider != nil && c.Provider.Organization == "" {
		return fmt.Errorf("provider.organization is required when provider is set")
	}
	return nil
}

// PublicURL returns the configured URL, or one built from the listen
// address.
func (c *AgentCardConfig) PublicURL(server *ServerConfig) string {
	if c.URL != "" {
		return c.URL
	}
	host := server.Host
	if host == "" || host == "0.0.0.0" {
		host = "localhost"
	}
	scheme := "http"
	if server.TLS.IsEnabled() {
		scheme = "https"
	}
	return fmt.Sprintf("%s://%s:%d/", scheme, host, server.Port)
}
