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
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/lestrrat-go/jwx/v2/jwt"
	"github.com/stretchr/testify/require"
)

const (
	testIssuer   = "https://issuer.test"
	testAudience = "codebridge"
	testKeyID    = "test-key-id"
)

type testIdP struct {
	key       *rsa.PrivateKey
	jwksURL   string
	validator *JWTValidator
}

// newTestIdP serves a one-key JWKS and returns a validator bound to it.
func newTestIdP(t testing.TB) *testIdP {
	t.Helper()

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	pub, err := jwk.FromRaw(&key.PublicKey)
	require.NoError(t, err)
	require.NoError(t, pub.Set(jwk.KeyIDKey, testKeyID))
	require.NoError(t, pub.Set(jwk.AlgorithmKey, jwa.RS256))
	set := jwk.NewSet()
	require.NoError(t, set.AddKey(pub))

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/.well-known/jwks.json" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(set)
	}))
	t.Cleanup(srv.Close)

	idp := &testIdP{key: key, jwksURL: srv.URL + "/.well-known/jwks.json"}
	idp.validator, err = NewJWTValidator(context.Background(), JWTValidatorConfig{
		JWKSURL:  idp.jwksURL,
		Issuer:   testIssuer,
		Audience: testAudience,
	})
	require.NoError(t, err)
	t.Cleanup(idp.validator.Close)
	return idp
}

// sign issues a token valid for an hour; extra overrides any claim.
func (p *testIdP) sign(t testing.TB, subject string, extra map[string]any) string {
	t.Helper()

	tok := jwt.New()
	require.NoError(t, tok.Set(jwt.IssuerKey, testIssuer))
	require.NoError(t, tok.Set(jwt.AudienceKey, testAudience))
	require.NoError(t, tok.Set(jwt.SubjectKey, subject))
	require.NoError(t, tok.Set(jwt.IssuedAtKey, time.Now()))
	require.NoError(t, tok.Set(jwt.ExpirationKey, time.Now().Add(time.Hour)))
	for k, v := range extra {
		require.NoError(t, tok.Set(k, v))
	}

	priv, err := jwk.FromRaw(p.key)
	require.NoError(t, err)
	require.NoError(t, priv.Set(jwk.KeyIDKey, testKeyID))

	signed, err := jwt.Sign(tok, jwt.WithKey(jwa.RS256, priv))
	require.NoError(t, err)
	return string(signed)
}

// staticValidator accepts exactly one token.
type staticValidator struct {
	token  string
	claims *Claims
}

func (v staticValidator) ValidateToken(_ context.Context, token string) (*Claims, error) {
	if token != v.token {
		return nil, ErrInvalidToken
	}
	return v.claims, nil
}
