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

	"github.com/kadirpekel/codebridge/pkg/logger"
)

// LoggerConfig configures logging.
//
// Priority, highest first: CLI flags, LOG_LEVEL / LOG_FILE / LOG_FORMAT,
// this section, defaults (info, simple, stderr).
//
//	logger:
//	  level: debug
//	  file: codebridge.log
//	  format: json
type LoggerConfig struct {
	// Level is debug, info, warn or error.
	Level string `yaml:"level,omitempty" json:"level,omitempty" jsonschema:"enum=debug,enum=info,enum=warn,enum=error,default=info"`

	// File receives logs instead of stderr when set.
	File string `yaml:"file,omitempty" json:"file,omitempty"`

	// Format is simple, verbose, text or json.
	Format string `yaml:"format,omitempty" json:"format,omitempty" jsonschema:"enum=simple,enum=verbose,enum=text,enum=json,default=simple"`
}

// SetDefaults applies default values.
func (c *LoggerConfig) SetDefaults() {
	if c.Level == "" {
		c.Level = "info"
	}
	if c.Format == "" {
		c.Format = "simple"
	}
}

// Validate checks the logger configuration.
func (c *LoggerConfig) Validate() error {
	if _, err := logger.ParseLevel(c.Level); err != nil {
		return err
	}
	if !logger.ValidFormat(c.Format) {
		return fmt.Errorf("invalid log format %q (valid: simple, verbose, text, json)", c.Format)
	}
	return nil
}
