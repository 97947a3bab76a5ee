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

// TransportType identifies the A2A transport served next to HTTP.
type TransportType string

const (
	TransportJSONRPC TransportType = "json-rpc"
	TransportGRPC    TransportType = "grpc"
)

const (
	DefaultHost          = "0.0.0.0"
	DefaultPort          = 9100
	DefaultGRPCPort      = 50051
	DefaultSSEKeepAlive  = 15 * time.Second
	DefaultTaskRetention = 1000
	DefaultMaxTaskEvents = 10000
)

// ServerConfig configures the task server.
type ServerConfig struct {
	// Host to bind to.
	Host string `yaml:"host,omitempty" json:"host,omitempty" jsonschema:"default=0.0.0.0"`

	// Port for HTTP, SSE and JSON-RPC.
	Port int `yaml:"port,omitempty" json:"port,omitempty" jsonschema:"minimum=0,maximum=65535,default=9100"`

	// GRPCPort is only used when Transport is "grpc".
	GRPCPort int `yaml:"grpc_port,omitempty" json:"grpc_port,omitempty" jsonschema:"default=50051"`

	Transport TransportType `yaml:"transport,omitempty" json:"transport,omitempty" jsonschema:"enum=json-rpc,enum=grpc,default=json-rpc"`

	// SSEKeepAlive is the interval between keep-alive comments on idle
	// event streams.
	SSEKeepAlive time.Duration `yaml:"sse_keepalive,omitempty" json:"sse_keepalive,omitempty"`

	// ShutdownTimeout bounds graceful shutdown. Default: 5s.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout,omitempty" json:"shutdown_timeout,omitempty"`

	TLS  TLSConfig  `yaml:"tls,omitempty" json:"tls,omitempty"`
	CORS CORSConfig `yaml:"cors,omitempty" json:"cors,omitempty"`
	Auth AuthConfig `yaml:"auth,omitempty" json:"auth,omitempty"`

	// Tasks configures where task records are kept.
	Tasks TasksConfig `yaml:"tasks,omitempty" json:"tasks,omitempty"`

	// Sessions configures where task to session bindings are kept.
	Sessions StoreConfig `yaml:"sessions,omitempty" json:"sessions,omitempty"`

	RateLimit RateLimitConfig `yaml:"rate_limit,omitempty" json:"rate_limit,omitempty"`
}

// TLSConfig configures TLS.
type TLSConfig struct {
	Enabled  *bool  `yaml:"enabled,omitempty" json:"enabled,omitempty"`
	CertFile string `yaml:"cert_file,omitempty" json:"cert_file,omitempty"`
	KeyFile  string `yaml:"key_file,omitempty" json:"key_file,omitempty"`
}

// IsEnabled reports whether TLS is turned on.
func (c *TLSConfig) IsEnabled() bool {
	return BoolValue(c.Enabled, false)
}

// CORSConfig configures CORS.
type CORSConfig struct {
	AllowedOrigins   []string `yaml:"allowed_origins,omitempty" json:"allowed_origins,omitempty"`
	AllowedMethods   []string `yaml:"allowed_methods,omitempty" json:"allowed_methods,omitempty"`
	AllowedHeaders   []string `yaml:"allowed_headers,omitempty" json:"allowed_headers,omitempty"`
	AllowCredentials *bool    `yaml:"allow_credentials,omitempty" json:"allow_credentials,omitempty"`
}

// StorageBackend identifies a storage backend type.
type StorageBackend string

const (
	StorageBackendInMemory StorageBackend = "inmemory"
	StorageBackendSQL      StorageBackend = "sql"
)

// StoreConfig selects a storage backend.
type StoreConfig struct {
	// Backend is "inmemory" (default) or "sql".
	Backend StorageBackend `yaml:"backend,omitempty" json:"backend,omitempty" jsonschema:"enum=inmemory,enum=sql,default=inmemory"`

	// Database names an entry in the databases section.
	// Required when Backend is "sql".
	Database string `yaml:"database,omitempty" json:"database,omitempty"`
}

// TasksConfig configures task storage and event-log retention.
type TasksConfig struct {
	Backend  StorageBackend `yaml:"backend,omitempty" json:"backend,omitempty" jsonschema:"enum=inmemory,enum=sql,default=inmemory"`
	Database string         `yaml:"database,omitempty" json:"database,omitempty"`

	// Retention is how many terminal tasks keep their event log and
	// in-memory record.
	Retention int `yaml:"retention,omitempty" json:"retention,omitempty" jsonschema:"minimum=1,default=1000"`

	// MaxEvents caps the events buffered per task. The oldest are
	// dropped first; the terminal event is always kept.
	MaxEvents int `yaml:"max_events,omitempty" json:"max_events,omitempty" jsonschema:"minimum=1,default=10000"`
}

// SetDefaults applies default values.
func (c *ServerConfig) SetDefaults() {
	if c.Host == "" {
		c.Host = DefaultHost
	}
	if c.Port == 0 {
		c.Port = DefaultPort
	}
	if c.GRPCPort == 0 {
		c.GRPCPort = DefaultGRPCPort
	}
	if c.Transport == "" {
		c.Transport = TransportJSONRPC
	}
	if c.SSEKeepAlive == 0 {
		c.SSEKeepAlive = DefaultSSEKeepAlive
	}
	if c.ShutdownTimeout == 0 {
		c.ShutdownTimeout = 5 * time.Second
	}
	if len(c.CORS.AllowedOrigins) == 0 {
		c.CORS.AllowedOrigins = []string{"*"}
	}
	if len(c.CORS.AllowedMethods) == 0 {
		c.CORS.AllowedMethods = []string{"GET", "POST", "OPTIONS"}
	}
	if len(c.CORS.AllowedHeaders) == 0 {
		c.CORS.AllowedHeaders = []string{"Content-Type", "Authorization"}
	}
	c.Auth.SetDefaults()
	c.Tasks.SetDefaults()
	c.Sessions.SetDefaults()
	c.RateLimit.SetDefaults()
}

// Validate checks the server configuration.
func (c *ServerConfig) Validate() error {
	if c.Port < 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port %d", c.Port)
	}
	if c.GRPCPort < 0 || c.GRPCPort > 65535 {
		return fmt.Errorf("invalid grpc_port %d", c.GRPCPort)
	}
	if c.Transport != TransportJSONRPC && c.Transport != TransportGRPC {
		return fmt.Errorf("invalid transport %q (valid: json-rpc, grpc)", c.Transport)
	}
	if c.Transport == TransportGRPC && c.GRPCPort == c.Port {
		return fmt.Errorf("grpc_port must differ from port")
	}
	if c.SSEKeepAlive < 0 {
		return fmt.Errorf("sse_keepalive must be non-negative")
	}
	if c.TLS.IsEnabled() && (c.TLS.CertFile == "" || c.TLS.KeyFile == "") {
		return fmt.Errorf("tls requires cert_file and key_file")
	}
	if err := c.Auth.Validate(); err != nil {
		return fmt.Errorf("auth: %w", err)
	}
	if err := c.Tasks.Validate(); err != nil {
		return fmt.Errorf("tasks: %w", err)
	}
	if err := c.Sessions.Validate(); err != nil {
		return fmt.Errorf("sessions: %w", err)
	}
	if err := c.RateLimit.Validate(); err != nil {
		return fmt.Errorf("rate_limit: %w", err)
	}
	return nil
}

// Address returns the HTTP listen address.
func (c *ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// GRPCAddress returns the gRPC listen address.
func (c *ServerConfig) GRPCAddress() string {
	return fmt.Sprintf("%s:%d", c.Host, c.GRPCPort)
}

// SetDefaults applies default values.
func (c *StoreConfig) SetDefaults() {
	if c.Backend == "" {
		c.Backend = StorageBackendInMemory
	}
}

// Validate checks the store configuration.
func (c *StoreConfig) Validate() error {
	if c.Backend != "" && c.Backend != StorageBackendInMemory && c.Backend != StorageBackendSQL {
		return fmt.Errorf("invalid backend %q (valid: inmemory, sql)", c.Backend)
	}
	if c.Backend == StorageBackendSQL && c.Database == "" {
		return fmt.Errorf("database reference is required when backend is sql")
	}
	if c.Database != "" && c.Backend != StorageBackendSQL {
		return fmt.Errorf("database reference requires backend to be sql")
	}
	return nil
}

// IsSQL reports whether the SQL backend is selected.
func (c *StoreConfig) IsSQL() bool {
	return c.Backend == StorageBackendSQL
}

// Store returns the backend selection.
func (c *TasksConfig) Store() StoreConfig {
	return StoreConfig{Backend: c.Backend, Database: c.Database}
}

// SetDefaults applies default values.
func (c *TasksConfig) SetDefaults() {
	if c.Backend == "" {
		c.Backend = StorageBackendInMemory
	}
	if c.Retention == 0 {
		c.Retention = DefaultTaskRetention
	}
	if c.MaxEvents == 0 {
		c.MaxEvents = DefaultMaxTaskEvents
	}
}

// Validate checks the task store configuration.
func (c *TasksConfig) Validate() error {
	store := c.Store()
	if err := store.Validate(); err != nil {
		return err
	}
	if c.Retention < 0 {
		return fmt.Errorf("retention must be non-negative")
	}
	if c.MaxEvents < 0 {
		return fmt.Errorf("max_events must be non-negative")
	}
	return nil
}
