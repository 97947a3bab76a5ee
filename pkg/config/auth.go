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
	"time"
)

// AuthConfig configures JWT authentication for inbound requests.
//
// Disabled by default. When enabled every route except the excluded
// paths needs a bearer token signed by a key from the JWKS:
//
//	server:
//	  auth:
//	    enabled: true
//	    jwks_url: "https://auth.example.com/.well-known/jwks.json"
//	    issuer: "https://auth.example.com"
//	    audience: "codebridge"
type AuthConfig struct {
	Enabled bool `yaml:"enabled,omitempty" json:"enabled,omitempty"`

	// JWKSURL is where signing keys are fetched from.
	JWKSURL string `yaml:"jwks_url,omitempty" json:"jwks_url,omitempty"`

	// Issuer is the expected iss claim.
	Issuer string `yaml:"issuer,omitempty" json:"issuer,omitempty"`

	// Audience is the expected aud claim.
	Audience string `yaml:"audience,omitempty" json:"audience,omitempty"`

	// RefreshInterval is how often the JWKS is refreshed. Default: 15m.
	RefreshInterval time.Duration `yaml:"refresh_interval,omitempty" json:"refresh_interval,omitempty"`

	// ExcludedPaths skip authentication.
	// Default: ["/health", "/.well-known/agent-card.json", "/.well-known/agent.json"]
	ExcludedPaths []string `yaml:"excluded_paths,omitempty" json:"excluded_paths,omitempty"`

	// RequireAuth rejects requests without a token. When false they pass
	// through without claims. Default: true when enabled.
	RequireAuth *bool `yaml:"require_auth,omitempty" json:"require_auth,omitempty"`
}

// SetDefaults applies default values.
func (c *AuthConfig) SetDefaults() {
	if c.RefreshInterval == 0 {
		c.RefreshInterval = 15 * time.Minute
	}
	if len(c.ExcludedPaths) == 0 {
		c.ExcludedPaths = []string{
			"/health",
			"/.well-known/agent-card.json",
			"/.well-known/agent.json",
		}
	}
	if c.RequireAuth == nil && c.Enabled {
		c.RequireAuth = BoolPtr(true)
	}
}

// Validate checks the auth configuration.
func (c *AuthConfig) Validate() error {
	if !c.Enabled {
		return nil
	}
	if c.JWKSURL == "" {
		return fmt.Errorf("jwks_url is required when auth is enabled")
	}
	if c.Issuer == "" {
		return fmt.Errorf("issuer is required when auth is enabled")
	}
	if c.Audience == "" {
		return fmt.Errorf("audience is required when auth is enabled")
	}
	if c.RefreshInterval < time.Minute {
		return fmt.Errorf("refresh_interval must be at least 1 minute")
	}
	return nil
}

// IsEnabled reports whether authentication is fully configured.
func (c *AuthConfig) IsEnabled() bool {
	return c != nil && c.Enabled && c.JWKSURL != "" && c.Issuer != "" && c.Audience != ""
}

// IsRequireAuth reports whether a token is mandatory.
func (c *AuthConfig) IsRequireAuth() bool {
	if c.RequireAuth == nil {
		return c.Enabled
	}
	return *c.RequireAuth
}

// CredentialsConfig configures credentials for outbound requests to a
// remote agent.
type CredentialsConfig struct {
	// Type is "bearer", "api_key" or "basic".
	Type string `yaml:"type,omitempty" json:"type,omitempty" jsonschema:"enum=bearer,enum=api_key,enum=basic,default=bearer"`

	Token        string `yaml:"token,omitempty" json:"token,omitempty"`
	APIKey       string `yaml:"api_key,omitempty" json:"api_key,omitempty"`
	APIKeyHeader string `yaml:"api_key_header,omitempty" json:"api_key_header,omitempty"`
	Username     string `yaml:"username,omitempty" json:"username,omitempty"`
	Password     string `yaml:"password,omitempty" json:"password,omitempty"`
}

// SetDefaults applies default values.
func (c *CredentialsConfig) SetDefaults() {
	if c.Type == "" {
		c.Type = "bearer"
	}
	if c.Type == "api_key" && c.APIKeyHeader == "" {
		c.APIKeyHeader = "X-API-Key"
	}
}

// Validate checks the credentials. A nil config is valid.
func (c *CredentialsConfig) Validate() error {
	if c == nil {
		return nil
	}
	switch c.Type {
	case "bearer":
		if c.Token == "" {
			return fmt.Errorf("credentials.token is required for bearer type")
		}
	case "api_key":
		if c.APIKey == "" {
			return fmt.Errorf("credentials.api_key is required for api_key type")
		}
	case "basic":
		if c.Username == "" || c.Password == "" {
			return fmt.Errorf("credentials.username and credentials.password are required for basic type")
		}
	case "":
	default:
		return fmt.Errorf("unsupported credentials.type: %s (valid: bearer, api_key, basic)", c.Type)
	}
	return nil
}
