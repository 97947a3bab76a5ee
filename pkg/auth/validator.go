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
	"fmt"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/lestrrat-go/jwx/v2/jwt"
)

// TokenValidator validates a raw bearer token and returns its claims.
type TokenValidator interface {
	ValidateToken(ctx context.Context, token string) (*Claims, error)
}

// JWTValidatorConfig configures a JWTValidator.
type JWTValidatorConfig struct {
	JWKSURL         string
	Issuer          string
	Audience        string
	RefreshInterval time.Duration
}

// JWTValidator checks signatures against a JWKS that is fetched once at
// construction and refreshed in the background.
type JWTValidator struct {
	cfg    JWTValidatorConfig
	cache  *jwk.Cache
	cancel context.CancelFunc
}

// NewJWTValidator registers the JWKS URL and performs the initial fetch,
// so a misconfigured URL fails at startup rather than on the first call.
func NewJWTValidator(ctx context.Context, cfg JWTValidatorConfig) (*JWTValidator, error) {
	if cfg.JWKSURL == "" {
		return nil, fmt.Errorf("jwks url is required")
	}
	if cfg.RefreshInterval <= 0 {
		cfg.RefreshInterval = 15 * time.Minute
	}

	// The cache's refresh goroutine lives until Close.
	cacheCtx, cancel := context.WithCancel(context.Background())
	cache := jwk.NewCache(cacheCtx)
	if err := cache.Register(cfg.JWKSURL, jwk.WithMinRefreshInterval(cfg.RefreshInterval)); err != nil {
		cancel()
		return nil, fmt.Errorf("failed to register JWKS URL: %w", err)
	}
	if _, err := cache.Refresh(ctx, cfg.JWKSURL); err != nil {
		cancel()
		return nil, fmt.Errorf("failed to fetch JWKS from %s: %w", cfg.JWKSURL, err)
	}

	return &JWTValidator{cfg: cfg, cache: cache, cancel: cancel}, nil
}

// ValidateToken verifies signature, expiry, issuer and audience.
func (v *JWTValidator) ValidateToken(ctx context.Context, raw string) (*Claims, error) {
	keyset, err := v.cache.Get(ctx, v.cfg.JWKSURL)
	if err != nil {
		return nil, fmt.Errorf("failed to get JWKS: %w", err)
	}

	opts := []jwt.ParseOption{
		jwt.WithKeySet(keyset),
		jwt.WithValidate(true),
	}
	if v.cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.cfg.Issuer))
	}
	if v.cfg.Audience != "" {
		opts = append(opts, jwt.WithAudience(v.cfg.Audience))
	}

	token, err := jwt.Parse([]byte(raw), opts...)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	all, err := token.AsMap(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	return claimsFromMap(token.Subject(), all), nil
}

// Close stops the background JWKS refresh.
func (v *JWTValidator) Close() {
	if v != nil && v.cancel != nil {
		v.cancel()
	}
}

var registeredClaims = map[string]bool{
	"sub": true, "iss": true, "aud": true, "exp": true, "iat": true, "nbf": true, "jti": true,
	"email": true, "role": true,
}

func claimsFromMap(subject string, all map[string]any) *Claims {
	claims := &Claims{Subject: subject, Custom: make(map[string]any)}
	if s, ok := all["email"].(string); ok {
		claims.Email = s
	}
	if s, ok := all["role"].(string); ok {
		claims.Role = s
	}
	for k, val := range all {
		if !registeredClaims[k] {
			claims.Custom[k] = val
		}
	}
	return claims
}

var _ TokenValidator = (*JWTValidator)(nil)
