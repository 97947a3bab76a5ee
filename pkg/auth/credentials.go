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

package auth

import (
	"encoding/base64"
	"fmt"
	"net/http"

	"github.com/kadirpekel/codebridge/pkg/config"
)

// Credentials is a single header attached to outbound requests.
// A nil *Credentials attaches nothing.
type Credentials struct {
	header string
	value  string
}

// NewCredentials builds outbound credentials. A nil config yields nil.
func NewCredentials(cfg *config.CredentialsConfig) (*Credentials, error) {
	if cfg == nil {
		return nil, nil
	}
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	switch cfg.Type {
	case "bearer":
		return &Credentials{header: "Authorization", value: "Bearer " + cfg.Token}, nil
	case "api_key":
		return &Credentials{header: cfg.APIKeyHeader, value: cfg.APIKey}, nil
	case "basic":
		encoded := base64.StdEncoding.EncodeToString([]byte(cfg.Username + ":" + cfg.Password))
		return &Credentials{header: "Authorization", value: "Basic " + encoded}, nil
	default:
		return nil, fmt.Errorf("unsupported credential type: %s", cfg.Type)
	}
}

// Header returns the header name and value.
func (c *Credentials) Header() (name, value string) {
	if c == nil {
		return "", ""
	}
	return c.header, c.value
}

// Apply sets the credential header on h.
func (c *Credentials) Apply(h http.Header) {
	if c == nil {
		return
	}
	h.Set(c.header, c.value)
}

// Transport wraps base so every request carries the credentials.
func (c *Credentials) Transport(base http.RoundTripper) http.RoundTripper {
	if base == nil {
		base = http.DefaultTransport
	}
	if c == nil {
		return base
	}
	return roundTripperFunc(func(r *http.Request) (*http.Response, error) {
		r = r.Clone(r.Context())
		c.Apply(r.Header)
		return base.RoundTrip(r)
	})
}

type roundTripperFunc func(*http.Request) (*http.Response, error)

func (f roundTripperFunc) RoundTrip(r *http.Request) (*http.Response, error) { return f(r) }
