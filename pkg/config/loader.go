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
	"bytes"
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"

	"github.com/mitchellh/mapstructure"
	"gopkg.in/yaml.v3"

	"github.com/kadirpekel/codebridge/pkg/config/provider"
)

// Loader reads the config from a Provider and reloads it on change.
// It remembers the last config that loaded successfully.
type Loader struct {
	provider provider.Provider
	onChange func(*Config)

	mu      sync.Mutex
	current *Config
	digest  [sha256.Size]byte
}

// LoaderOption configures a Loader.
type LoaderOption func(*Loader)

// WithOnChange sets a callback run after each successful reload.
func WithOnChange(fn func(*Config)) LoaderOption {
	return func(l *Loader) {
		l.onChange = fn
	}
}

func NewLoader(p provider.Provider, opts ...LoaderOption) *Loader {
	l := &Loader{provider: p}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Load fetches and parses the config and makes it current.
func (l *Loader) Load(ctx context.Context) (*Config, error) {
	cfg, _, err := l.load(ctx)
	return cfg, err
}

// Current returns the last config that loaded successfully, or nil.
func (l *Loader) Current() *Config {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.current
}

// load reports changed=false when the provider returned the same bytes
// as the current config.
func (l *Loader) load(ctx context.Context) (*Config, bool, error) {
	data, err := l.provider.Load(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("failed to load config: %w", err)
	}
	sum := sha256.Sum256(data)

	l.mu.Lock()
	if l.current != nil && sum == l.digest {
		cfg := l.current
		l.mu.Unlock()
		return cfg, false, nil
	}
	l.mu.Unlock()

	cfg, err := Parse(data)
	if err != nil {
		return nil, false, err
	}

	l.mu.Lock()
	l.current, l.digest = cfg, sum
	l.mu.Unlock()
	return cfg, true, nil
}

// Parse turns a YAML or JSON document into a defaulted, validated Config.
// Environment references are expanded in string values before decoding.
func Parse(data []byte) (*Config, error) {
	var raw map[string]any
	dec := yaml.NewDecoder(bytes.NewReader(data))
	if err := dec.Decode(&raw); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if raw == nil {
		raw = map[string]any{}
	}

	cfg := &Config{}
	if err := decode(expandTree(raw).(map[string]any), cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}

	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

// Watch reloads the config whenever the provider signals a change and
// passes each new config to the onChange callback. Documents that fail
// to load are logged and skipped, leaving the current config in place.
// Blocks until ctx is done.
func (l *Loader) Watch(ctx context.Context) error {
	changes, err := l.provider.Watch(ctx)
	if err != nil {
		return fmt.Errorf("failed to start watching: %w", err)
	}
	if changes == nil {
		slog.Info("Config provider does not support watching", "type", l.provider.Type())
		<-ctx.Done()
		return ctx.Err()
	}

	slog.Info("Watching config for changes", "type", l.provider.Type())
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case _, ok := <-changes:
			if !ok {
				return nil
			}
			cfg, changed, err := l.load(ctx)
			switch {
			case err != nil:
				slog.Error("Config reload failed, keeping previous config", "error", err)
			case !changed:
				slog.Debug("Config unchanged")
			default:
				slog.Info("Config reloaded")
				if l.onChange != nil {
					l.onChange(cfg)
				}
			}
		}
	}
}

func (l *Loader) Close() error {
	return l.provider.Close()
}

func decode(input map[string]any, out *Config) error {
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           out,
		TagName:          "yaml",
		WeaklyTypedInput: true,
		ErrorUnused:      true,
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		),
	})
	if err != nil {
		return err
	}
	return decoder.Decode(input)
}

// expandTree expands environment references in every string of a
// decoded document.
func expandTree(v any) any {
	switch val := v.(type) {
	case string:
		return os.Expand(val, lookupEnv)
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[k] = expandTree(item)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = expandTree(item)
		}
		return out
	default:
		return v
	}
}

// lookupEnv resolves $VAR, ${VAR} and ${VAR:-default}. Anything that is
// not a variable name, like "$5", is left as written.
func lookupEnv(name string) string {
	if key, def, ok := strings.Cut(name, ":-"); ok {
		if v := os.Getenv(key); v != "" {
			return v
		}
		return def
	}
	if !isEnvName(name) {
		return "$" + name
	}
	return os.Getenv(name)
}

func isEnvName(s string) bool {
	if s == "" {
		return false
	}
	for i, r := range s {
		switch {
		case r == '_', r >= 'A' && r <= 'Z', r >= 'a' && r <= 'z':
		case i > 0 && r >= '0' && r <= '9':
		default:
			return false
		}
	}
	return true
}

// LoadConfig builds the provider described by opts and loads from it.
func LoadConfig(ctx context.Context, opts provider.ProviderConfig, loaderOpts ...LoaderOption) (*Config, *Loader, error) {
	p, err := provider.New(opts)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create provider: %w", err)
	}

	loader := NewLoader(p, loaderOpts...)
	cfg, err := loader.Load(ctx)
	if err != nil {
		_ = p.Close()
		return nil, nil, err
	}
	return cfg, loader, nil
}

// LoadConfigFile loads from a local YAML or JSON file.
func LoadConfigFile(ctx context.Context, path string, loaderOpts ...LoaderOption) (*Config, *Loader, error) {
	return LoadConfig(ctx, provider.ProviderConfig{Type: provider.TypeFile, Path: path}, loaderOpts...)
}
