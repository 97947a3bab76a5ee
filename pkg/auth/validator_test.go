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
	"errors"
	"testing"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwt"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kadirpekel/codebridge/pkg/config"
)

func TestNewJWTValidator_Errors(t *testing.T) {
	_, err := NewJWTValidator(context.Background(), JWTValidatorConfig{})
	assert.Error(t, err)

	_, err = NewJWTValidator(context.Background(), JWTValidatorConfig{JWKSURL: "http://127.0.0.1:1/jwks.json"})
	assert.Error(t, err)
}

func TestJWTValidator_ValidateToken(t *testing.T) {
	idp := newTestIdP(t)
	ctx := context.Background()

	t.Run("valid", func(t *testing.T) {
		token := idp.sign(t, "alice", map[string]any{"email": "alice@example.com", "role": "admin", "team": "infra"})

		claims, err := idp.validator.ValidateToken(ctx, token)
		require.NoError(t, err)
		assert.Equal(t, "alice", claims.Subject)
		assert.Equal(t, "alice@example.com", claims.Email)
		assert.True(t, claims.HasRole("viewer", "admin"))
		assert.Equal(t, "infra", claims.Custom["team"])
		assert.NotContains(t, claims.Custom, "iss")
	})

	tests := []struct {
		name  string
		extra map[string]any
	}{
		{"wrong issuer", map[string]any{jwt.IssuerKey: "https://evil.test"}},
		{"wrong audience", map[string]any{jwt.AudienceKey: "someone-else"}},
		{"expired", map[string]any{jwt.ExpirationKey: time.Now().Add(-time.Hour)}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := idp.validator.ValidateToken(ctx, idp.sign(t, "alice", tt.extra))
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrInvalidToken))
		})
	}

	t.Run("garbage", func(t *testing.T) {
		_, err := idp.validator.ValidateToken(ctx, "not.a.jwt")
		assert.ErrorIs(t, err, ErrInvalidToken)
	})
}

func TestNewValidatorFromConfig(t *testing.T) {
	v, err := NewValidatorFromConfig(context.Background(), &config.AuthConfig{})
	require.NoError(t, err)
	assert.Nil(t, v)

	idp := newTestIdP(t)
	cfg := &config.AuthConfig{Enabled: true, JWKSURL: idp.jwksURL, Issuer: testIssuer, Audience: testAudience}
	cfg.SetDefaults()
	v, err = NewValidatorFromConfig(context.Background(), cfg)
	require.NoError(t, err)
	require.NotNil(t, v)
	defer v.Close()

	_, err = v.ValidateToken(context.Background(), idp.sign(t, "bob", nil))
	assert.NoError(t, err)
}

func TestClaimsContext(t *testing.T) {
	ctx := context.Background()
	assert.Nil(t, ClaimsFromContext(ctx))

	ctx = ContextWithClaims(ctx, &Claims{Subject: "carol"})
	assert.Equal(t, "carol", ClaimsFromContext(ctx).Subject)

	var nilClaims *Claims
	assert.False(t, nilClaims.HasRole("admin"))
}
