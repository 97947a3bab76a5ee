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
	"context"
	"log/slog"

	"github.com/kadirpekel/codebridge/pkg/config"
)

// NewValidatorFromConfig returns a JWT validator for the server's auth
// block, or nil when auth is disabled.
func NewValidatorFromConfig(ctx context.Context, cfg *config.AuthConfig) (*JWTValidator, error) {
	if !cfg.IsEnabled() {
		return nil, nil
	}
	v, err := NewJWTValidator(ctx, JWTValidatorConfig{
		JWKSURL:         cfg.JWKSURL,
		Issuer:          cfg.Issuer,
		Audience:        cfg.Audience,
		RefreshInterval: cfg.RefreshInterval,
	})
	if err != nil {
		return nil, err
	}
	slog.Info("JWT authentication enabled", "issuer", cfg.Issuer, "audience", cfg.Audience)
	return v, nil
}
