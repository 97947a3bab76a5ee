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

package ratelimit

import (
	"encoding/json"
	"log/slog"
	"math"
	"net"
	"net/http"
	"strconv"

	"github.com/kadirpekel/codebridge/pkg/auth"
)

// Identify returns the token subject of an authenticated caller, or the
// client address.
func Identify(r *http.Request) string {
	if claims := auth.ClaimsFromContext(r.Context()); claims != nil && claims.Subject != "" {
		return "sub:" + claims.Subject
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	return "addr:" + host
}

// Middleware rejects requests over the limit with 429. A nil limiter
// passes everything through. Limiter errors fail open.
func Middleware(l *Limiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if l == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id := Identify(r)
			result, err := l.Allow(r.Context(), id)
			if err != nil {
				slog.Error("Rate limit check failed", "error", err, "caller", id)
				next.ServeHTTP(w, r)
				return
			}
			setHeaders(w, result)
			if !result.Allowed {
				slog.Debug("Request rate limited", "caller", id, "reason", result.Reason)
				writeLimited(w, result)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func setHeaders(w http.ResponseWriter, result *Result) {
	u := result.Tightest()
	if u == nil {
		return
	}
	w.Header().Set("X-RateLimit-Limit", strconv.FormatInt(u.Limit, 10))
	w.Header().Set("X-RateLimit-Remaining", strconv.FormatInt(u.Remaining, 10))
	w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(u.ResetsAt.Unix(), 10))
}

type limitedBody struct {
	Error string  `json:"error"`
	Code  string  `json:"code"`
	Usage []Usage `json:"usage,omitempty"`
}

func writeLimited(w http.ResponseWriter, result *Result) {
	secs := int64(math.Ceil(result.RetryAfter.Seconds()))
	w.Header().Set("Retry-After", strconv.FormatInt(max(secs, 1), 10))
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusTooManyRequests)
	_ = json.NewEncoder(w).Encode(limitedBody{
		Error: result.Reason,
		Code:  "rate_limited",
		Usage: result.Usages,
	})
}
