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
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/a2aproject/a2a-go/a2asrv"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/kadirpekel/codebridge/pkg/config"
)

func TestMiddleware(t *testing.T) {
	v := staticValidator{token: "good", claims: &Claims{Subject: "alice"}}
	excluded := []string{"/health", "/.well-known/agent-card.json"}

	tests := []struct {
		name        string
		requireAuth bool
		path        string
		header      string
		wantStatus  int
		wantSubject string
	}{
		{"valid token", true, "/tasks", "Bearer good", http.StatusOK, "alice"},
		{"lowercase scheme", true, "/tasks", "bearer good", http.StatusOK, "alice"},
		{"missing header", true, "/tasks", "", http.StatusUnauthorized, ""},
		{"missing header optional", false, "/tasks", "", http.StatusOK, ""},
		{"bad token", true, "/tasks", "Bearer bad", http.StatusUnauthorized, ""},
		{"bad token optional", false, "/tasks", "Bearer bad", http.StatusUnauthorized, ""},
		{"wrong scheme", true, "/tasks", "Basic Zm9vOmJhcg==", http.StatusUnauthorized, ""},
		{"excluded path", true, "/health", "", http.StatusOK, ""},
		{"excluded trailing slash", true, "/health/", "", http.StatusOK, ""},
		{"excluded card", true, "/.well-known/agent-card.json", "", http.StatusOK, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var subject string
			next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if c := ClaimsFromContext(r.Context()); c != nil {
					subject = c.Subject
				}
				w.WriteHeader(http.StatusOK)
			})

			req := httptest.NewRequest(http.MethodGet, tt.path, nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()
			Middleware(v, tt.requireAuth, excluded)(next).ServeHTTP(rec, req)

			assert.Equal(t, tt.wantStatus, rec.Code)
			assert.Equal(t, tt.wantSubject, subject)
			if rec.Code == http.StatusUnauthorized {
				var body map[string]string
				require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
				assert.Equal(t, "unauthorized", body["code"])
				assert.NotEmpty(t, body["error"])
			}
		})
	}
}

func TestMiddleware_WithJWT(t *testing.T) {
	idp := newTestIdP(t)
	handler := Middleware(idp.validator, true, nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(ClaimsFromContext(r.Context()).Subject))
	}))

	req := httptest.NewRequest(http.MethodPost, "/tasks", nil)
	req.Header.Set("Authorization", "Bearer "+idp.sign(t, "dave", nil))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "dave", rec.Body.String())
}

func TestInterceptor(t *testing.T) {
	t.Run("sets user from claims", func(t *testing.T) {
		callCtx := &a2asrv.CallContext{}
		ctx := ContextWithClaims(context.Background(), &Claims{Subject: "erin"})

		_, err := NewInterceptor(true).Before(ctx, callCtx, &a2asrv.Request{})
		require.NoError(t, err)
		require.NotNil(t, callCtx.User)
		assert.Equal(t, "erin", callCtx.User.Name())
		assert.True(t, callCtx.User.Authenticated())
		assert.Equal(t, "erin", ClaimsFromCallContext(callCtx).Subject)
	})

	t.Run("required without claims", func(t *testing.T) {
		_, err := NewInterceptor(true).Before(context.Background(), &a2asrv.CallContext{}, &a2asrv.Request{})
		assert.ErrorIs(t, err, ErrUnauthorized)
	})

	t.Run("optional without claims", func(t *testing.T) {
		callCtx := &a2asrv.CallContext{}
		_, err := NewInterceptor(false).Before(context.Background(), callCtx, &a2asrv.Request{})
		require.NoError(t, err)
		assert.Nil(t, ClaimsFromCallContext(callCtx))
	})
}

func TestUnaryServerInterceptor(t *testing.T) {
	v := staticValidator{token: "good", claims: &Claims{Subject: "frank"}}
	handler := func(ctx context.Context, _ any) (any, error) {
		return ClaimsFromContext(ctx), nil
	}

	tests := []struct {
		name     string
		md       metadata.MD
		require  bool
		wantCode codes.Code
	}{
		{"valid", metadata.Pairs("authorization", "Bearer good"), true, codes.OK},
		{"missing", metadata.MD{}, true, codes.Unauthenticated},
		{"missing optional", metadata.MD{}, false, codes.OK},
		{"invalid", metadata.Pairs("authorization", "Bearer bad"), true, codes.Unauthenticated},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := metadata.NewIncomingContext(context.Background(), tt.md)
			resp, err := UnaryServerInterceptor(v, tt.require)(ctx, nil, &grpc.UnaryServerInfo{}, handler)
			assert.Equal(t, tt.wantCode, status.Code(err))
			if tt.wantCode == codes.OK && tt.md.Len() > 0 {
				assert.Equal(t, "frank", resp.(*Claims).Subject)
			}
		})
	}
}

func TestCredentials(t *testing.T) {
	tests := []struct {
		name       string
		cfg        *config.CredentialsConfig
		wantHeader string
		wantValue  string
		wantErr    bool
	}{
		{"nil", nil, "", "", false},
		{"bearer", &config.CredentialsConfig{Token: "t0k"}, "Authorization", "Bearer t0k", false},
		{"api key", &config.CredentialsConfig{Type: "api_key", APIKey: "k"}, "X-API-Key", "k", false},
		{"basic", &config.CredentialsConfig{Type: "basic", Username: "u", Password: "p"}, "Authorization", "Basic dTpw", false},
		{"bearer without token", &config.CredentialsConfig{Type: "bearer"}, "", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			creds, err := NewCredentials(tt.cfg)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			name, value := creds.Header()
			assert.Equal(t, tt.wantHeader, name)
			assert.Equal(t, tt.wantValue, value)
		})
	}
}

func TestCredentials_Transport(t *testing.T) {
	var got string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Header.Get("Authorization")
	}))
	defer srv.Close()

	creds, err := NewCredentials(&config.CredentialsConfig{Token: "abc"})
	require.NoError(t, err)

	client := &http.Client{Transport: creds.Transport(nil)}
	resp, err := client.Get(srv.URL)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, "Bearer abc", got)
}
