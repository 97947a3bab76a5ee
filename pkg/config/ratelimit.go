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
)

// RateLimitWindows are the supported window names.
var RateLimitWindows = []string{"minute", "hour", "day"}

// DefaultRateLimitCallers bounds how many callers are tracked at once.
const DefaultRateLimitCallers = 10000

// RateLimitConfig limits how often a caller may start work: task
// submissions, follow-ups and A2A messages. Callers are identified by
// token subject when authenticated, by client address otherwise.
//
// Example:
//
//	server:
//	  rate_limit:
//	    enabled: true
//	    limits:
//	      - window: minute
//	        limit: 10
//	      - window: day
//	        limit: 500
type RateLimitConfig struct {
	Enabled *bool `yaml:"enabled,omitempty" json:"enabled,omitempty"`

	Limits []RateLimitRule `yaml:"limits,omitempty" json:"limits,omitempty"`

	// MaxCallers bounds the tracked callers; the least recently seen are
	// forgotten first.
	MaxCallers int `yaml:"max_callers,omitempty" json:"max_callers,omitempty" jsonschema:"minimum=1,default=10000"`
}

// RateLimitRule allows Limit requests per Window.
type RateLimitRule struct {
	Window string `yaml:"window" json:"window" jsonschema:"enum=minute,enum=hour,enum=day"`
	Limit  int64  `yaml:"limit" json:"limit" jsonschema:"minimum=1"`
}

// IsEnabled reports whether rate limiting is on.
func (c *RateLimitConfig) IsEnabled() bool {
	return c != nil && BoolValue(c.Enabled, false)
}

// SetDefaults applies default values.
func (c *RateLimitConfig) SetDefaults() {
	if c.Enabled == nil {
		c.Enabled = BoolPtr(false)
	}
	if c.IsEnabled() && len(c.Limits) == 0 {
		c.Limits = []RateLimitRule{{Window: "minute", Limit: 60}}
	}
	if c.MaxCallers == 0 {
		c.MaxCallers = DefaultRateLimitCallers
	}
}

// Validate checks the rules.
func (c *RateLimitConfig) Validate() error {
	if !c.IsEnabled() {
		return nil
	}
	if len(c.Limits) == 0 {
		return fmt.Errorf("at least one limit is required when enabled")
	}
	seen := make(map[string]bool, len(c.Limits))
	for i, rule := range c.Limits {
		if !slices.Contains(RateLimitWindows, rule.Window) {
			return fmt.Errorf("limits[%d]: invalid window %q (valid: minute, hour, day)", i, rule.Window)
		}
		if rule.Limit <= 0 {
			return fmt.Errorf("limits[%d]: limit must be positive", i)
		}
		if seen[rule.Window] {
			return fmt.Errorf("limits[%d]: duplicate window %q", i, rule.Window)
		}
		seen[rule.Window] = true
	}
	if c.MaxCallers < 1 {
		return fmt.Errorf("max_callers must be at least 1")
	}
	return nil
}
