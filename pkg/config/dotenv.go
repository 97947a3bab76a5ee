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
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/joho/godotenv"
)

// LoadDotEnv loads .env files into the process environment. Variables
// that are already set are never overwritten, so earlier files win.
//
// Order: the given paths, ./.env, ~/.env. Missing files are skipped.
func LoadDotEnv(paths ...string) []string {
	candidates := append([]string{}, paths...)
	candidates = append(candidates, ".env")
	if home, err := os.UserHomeDir(); err == nil {
		candidates = append(candidates, filepath.Join(home, ".env"))
	}

	var loaded []string
	for _, path := range candidates {
		if path == "" {
			continue
		}
		if loadIfExists(path) {
			loaded = append(loaded, path)
		}
	}
	return loaded
}

// LoadDotEnvForConfig loads the .env next to configPath first, then the
// defaults.
func LoadDotEnvForConfig(configPath string) []string {
	if configPath == "" {
		return LoadDotEnv()
	}
	abs, err := filepath.Abs(configPath)
	if err != nil {
		return LoadDotEnv()
	}
	return LoadDotEnv(filepath.Join(filepath.Dir(abs), ".env"))
}

func loadIfExists(path string) bool {
	if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
		return false
	}
	if err := godotenv.Load(path); err != nil {
		slog.Debug("Failed to load .env file", "path", path, "error", err)
		return false
	}
	slog.Debug("Loaded environment from .env", "path", path)
	return true
}
