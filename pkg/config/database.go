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
	"maps"
	"slices"
	"strings"
	"time"
)

// DatabaseConfig describes one SQL connection used by the task and
// session stores. PostgreSQL, MySQL and SQLite are supported.
//
//	databases:
//	  main:
//	    driver: sqlite
//	    database: ./codebridge.db
type DatabaseConfig struct {
	Driver string `yaml:"driver" json:"driver" jsonschema:"title=Driver,enum=postgres,enum=mysql,enum=sqlite,enum=sqlite3,default=sqlite"`

	// Host and Port are ignored for SQLite.
	Host string `yaml:"host,omitempty" json:"host,omitempty"`
	Port int    `yaml:"port,omitempty" json:"port,omitempty"`

	// Database is the database name, or the file path for SQLite.
	Database string `yaml:"database" json:"database"`

	Username string `yaml:"username,omitempty" json:"username,omitempty"`
	Password string `yaml:"password,omitempty" json:"password,omitempty"`

	// SSLMode applies to PostgreSQL only. Default: disable.
	SSLMode string `yaml:"ssl_mode,omitempty" json:"ssl_mode,omitempty"`

	MaxConns int `yaml:"max_conns,omitempty" json:"max_conns,omitempty" jsonschema:"minimum=1,default=25"`
	MaxIdle  int `yaml:"max_idle,omitempty" json:"max_idle,omitempty" jsonschema:"minimum=1,default=5"`

	// ConnMaxLifetime recycles connections. Default: 1h.
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime,omitempty" json:"conn_max_lifetime,omitempty"`

	// Params are appended to the DSN as driver options.
	Params map[string]string `yaml:"params,omitempty" json:"params,omitempty"`
}

// SetDefaults applies default values.
func (c *DatabaseConfig) SetDefaults() {
	if c.Driver == "sqlite3" {
		c.Driver = "sqlite"
	}
	if c.MaxConns == 0 {
		c.MaxConns = 25
	}
	if c.MaxIdle == 0 {
		c.MaxIdle = 5
	}
	if c.ConnMaxLifetime == 0 {
		c.ConnMaxLifetime = time.Hour
	}
	if c.Port == 0 {
		switch c.Driver {
		case "postgres":
			c.Port = 5432
		case "mysql":
			c.Port = 3306
		}
	}
	if c.Driver == "postgres" && c.SSLMode == "" {
		c.SSLMode = "disable"
	}
}

// Validate checks the database configuration.
func (c *DatabaseConfig) Validate() error {
	switch c.Driver {
	case "":
		return fmt.Errorf("driver is required")
	case "postgres", "mysql":
		if c.Host == "" {
			return fmt.Errorf("host is required for %s", c.Driver)
		}
	case "sqlite", "sqlite3":
	default:
		return fmt.Errorf("invalid driver %q (valid: postgres, mysql, sqlite)", c.Driver)
	}
	if c.Database == "" {
		return fmt.Errorf("database is required")
	}
	if c.MaxConns < 0 {
		return fmt.Errorf("max_conns must be non-negative")
	}
	if c.MaxIdle < 0 {
		return fmt.Errorf("max_idle must be non-negative")
	}
	return nil
}

// DSN returns the connection string for sql.Open.
func (c *DatabaseConfig) DSN() string {
	keys := slices.Sorted(maps.Keys(c.Params))

	switch c.Driver {
	case "postgres":
		parts := []string{
			fmt.Sprintf("host=%s", c.Host),
			fmt.Sprintf("port=%d", c.Port),
			fmt.Sprintf("dbname=%s", c.Database),
		}
		if c.Username != "" {
			parts = append(parts, "user="+c.Username)
		}
		if c.Password != "" {
			parts = append(parts, "password="+c.Password)
		}
		if c.SSLMode != "" {
			parts = append(parts, "sslmode="+c.SSLMode)
		}
		for _, k := range keys {
			parts = append(parts, k+"="+c.Params[k])
		}
		return strings.Join(parts, " ")

	case "mysql":
		// [user[:password]@]tcp(host:port)/dbname?params
		var b strings.Builder
		if c.Username != "" {
			b.WriteString(c.Username)
			if c.Password != "" {
				b.WriteString(":" + c.Password)
			}
			b.WriteString("@")
		}
		fmt.Fprintf(&b, "tcp(%s:%d)/%s", c.Host, c.Port, c.Database)
		params := append([]string{"parseTime=true"}, paramPairs(c.Params, keys)...)
		b.WriteString("?" + strings.Join(params, "&"))
		return b.String()

	case "sqlite", "sqlite3":
		if len(keys) == 0 {
			return c.Database
		}
		return c.Database + "?" + strings.Join(paramPairs(c.Params, keys), "&")
	}
	return ""
}

func paramPairs(params map[string]string, keys []string) []string {
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k+"="+params[k])
	}
	return out
}

// DriverName returns the database/sql driver name.
func (c *DatabaseConfig) DriverName() string {
	if c.Driver == "sqlite" {
		return "sqlite3"
	}
	return c.Driver
}

// Dialect returns the SQL dialect used by the stores.
func (c *DatabaseConfig) Dialect() string {
	if c.Driver == "sqlite3" {
		return "sqlite"
	}
	return c.Driver
}
