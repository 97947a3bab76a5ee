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
	"log/slog"
	"os"

	"github.com/kadirpekel/codebridge/pkg/config"
	"github.com/kadirpekel/codebridge/pkg/logger"
)

const (
	// LogFileEnvVar is the environment variable name for log file path
	LogFileEnvVar = "LOG_FILE"
	// LogLevelEnvVar is the environment variable name for log level
	LogLevelEnvVar = "LOG_LEVEL"
	// LogFormatEnvVar is the environment variable name for log format
	LogFormatEnvVar = "LOG_FORMAT"

	DefaultLogLevel  = "info"
	DefaultLogFormat = "simple"
)

// logSettings is the resolved logger configuration. levelPinned is set
// when a flag or env var chose the level, which config reloads must not
// override.
type logSettings struct {
	level       string
	file        string
	format      string
	levelPinned bool
}

// resolveLogSettings applies flag > env > config > default per setting.
// cfg may be nil before the config is loaded.
func resolveLogSettings(cli *CLI, cfg *config.LoggerConfig) logSettings {
	var fromCfg config.LoggerConfig
	if cfg != nil {
		fromCfg = *cfg
	}

	s := logSettings{
		level:  first(cli.LogLevel, os.Getenv(LogLevelEnvVar)),
		file:   first(cli.LogFile, os.Getenv(LogFileEnvVar), fromCfg.File),
		format: first(cli.LogFormat, os.Getenv(LogFormatEnvVar), fromCfg.Format, DefaultLogFormat),
	}
	s.levelPinned = s.level != ""
	s.level = first(s.level, fromCfg.Level, DefaultLogLevel)
	return s
}

func first(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

// initLogger installs the default slog logger. The returned cleanup
// closes the log file, if any.
func initLogger(s logSettings) (func(), error) {
	level, err := logger.ParseLevel(s.level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level: %w", err)
	}
	if !logger.ValidFormat(s.format) {
		return nil, fmt.Errorf("invalid log format %q", s.format)
	}

	output := os.Stderr
	var cleanup func()
	if s.file != "" {
		file, cleanupFn, err := logger.OpenLogFile(s.file)
		if err != nil {
			return nil, fmt.Errorf("failed to open log file: %w", err)
		}
		output = file
		cleanup = cleanupFn
	}

	logger.Init(level, output, s.format)
	return cleanup, nil
}

// logLevelReloader returns the config change hook for --watch. Only the
// log level is applied live; other changes need a restart.
func logLevelReloader(s logSettings) func(*config.Config) {
	return func(cfg *config.Config) {
		if s.levelPinned {
			slog.Info("Config changed; log level is pinned by flag or env, restart to apply other changes")
			return
		}
		level, err := logger.ParseLevel(cfg.Logger.Level)
		if err != nil {
			slog.Warn("Ignoring invalid log level from config", "level", cfg.Logger.Level, "error", err)
			return
		}
		if level == logger.Level() {
			return
		}
		logger.SetLevel(level)
		slog.Info("Log level updated", "level", cfg.Logger.Level)
	}
}
