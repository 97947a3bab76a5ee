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
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
)

// Middleware validates bearer tokens on every request whose path is not
// excluded. Valid claims are stored in the request context.
//
// With requireAuth false a request without an Authorization header
// passes through without claims; a present but invalid token is still
// rejected.
func Middleware(validator TokenValidator, requireAuth bool, excludedPaths []string) func(http.Handler) http.Handler {
	excluded := make(map[string]bool, len(excludedPaths))
	for _, p := range excludedPaths {
		excluded[strings.TrimSuffix(p, "/")] = true
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if excluded[strings.TrimSuffix(r.URL.Path, "/")] {
				next.ServeHTTP(w, r)
				return
			}

			header := r.Header.Get("Authorization")
			if header == "" {
				if requireAuth {
					writeAuthError(w, "Missing Authorization header")
					return
				}
				next.ServeHTTP(w, r)
				return
			}

			token, err := extractToken(header)
			if err != nil {
				writeAuthError(w, err.Error())
				return
			}

			claims, err := validator.ValidateToken(r.Context(), token)
			if err != nil {
				slog.Debug("Rejected token", "path", r.URL.Path, "error", err)
				writeAuthError(w, err.Error())
				return
			}

			next.ServeHTTP(w, r.WithContext(ContextWithClaims(r.Context(), claims)))
		})
	}
}

func extractToken(header string) (string, error) {
	scheme, token, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") || strings.TrimSpace(token) == "" {
		return "", ErrMalformedHeader
	}
	return strings.TrimSpace(token), nil
}

func writeAuthError(w http.ResponseWriter, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("WWW-Authenticate", `Bearer realm="codebridge"`)
	w.WriteHeader(http.StatusUnauthorized)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"error": message,
		"code":  "unauthorized",
	})
}
