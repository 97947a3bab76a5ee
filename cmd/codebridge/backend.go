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
	"net/http"

	"github.com/kadirpekel/codebridge/pkg/auth"
	"github.com/kadirpekel/codebridge/pkg/backend"
	"github.com/kadirpekel/codebridge/pkg/backend/claudecode"
	"github.com/kadirpekel/codebridge/pkg/backend/remote"
	"github.com/kadirpekel/codebridge/pkg/backend/scripted"
	"github.com/kadirpekel/codebridge/pkg/config"
	"github.com/kadirpekel/codebridge/pkg/httpclient"
	"github.com/kadirpekel/codebridge/pkg/mcpmodule"
)

// newBackend builds the backend selected by bridge.backend.
func newBackend(cfg *config.Config, modules []mcpmodule.Module) (backend.Backend, error) {
	switch cfg.Bridge.Backend {
	case config.BackendClaude:
		cc := claudecode.ConfigFrom(cfg.Bridge.Claude)
		if len(modules) > 0 {
			cc.MCPServers = make(map[string]claudecode.MCPServer, len(modules))
			for _, m := range modules {
				cc.MCPServers[m.Name] = claudecode.MCPServer{
					Command: m.Command,
					Args:    m.Args,
					Env:     m.Env,
					Type:    "stdio",
				}
			}
		}
		return claudecode.New(cc), nil

	case config.BackendRemote:
		creds, err := auth.NewCredentials(cfg.Bridge.Remote.Credentials)
		if err != nil {
			return nil, fmt.Errorf("remote credentials: %w", err)
		}
		if len(modules) > 0 {
			slog.Warn("MCP modules are ignored by the remote backend", "modules", len(modules))
		}
		transport, err := remoteTransport(&cfg.Bridge.Remote)
		if err != nil {
			return nil, err
		}
		return remote.New(cfg.Bridge.Remote.URL, creds, remote.WithTransport(transport)), nil

	case config.BackendEcho:
		return scripted.Echo(), nil

	default:
		return nil, fmt.Errorf("unknown backend %q", cfg.Bridge.Backend)
	}
}

// remoteTransport applies the TLS and retry settings of the remote backend.
func remoteTransport(rc *config.RemoteConfig) (http.RoundTripper, error) {
	var tlsCfg *httpclient.TLSConfig
	if rc.CACertificate != "" || rc.InsecureSkipVerify {
		tlsCfg = &httpclient.TLSConfig{
			CACertificate:      rc.CACertificate,
			InsecureSkipVerify: rc.InsecureSkipVerify,
		}
	}
	base, err := httpclient.ConfigureTLS(tlsCfg)
	if err != nil {
		return nil, fmt.Errorf("remote TLS: %w", err)
	}
	switch {
	case rc.MaxRetries < 0:
		return base, nil
	case rc.MaxRetries == 0:
		return httpclient.NewTransport(base), nil
	default:
		return httpclient.NewTransport(base, httpclient.WithMaxRetries(rc.MaxRetries)), nil
	}
}
