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

	"github.com/a2aproject/a2a-go/a2asrv"
)

// Interceptor hands claims placed in the context by Middleware (or the
// gRPC interceptors) to a2asrv as the call's User.
type Interceptor struct {
	RequireAuth bool
}

// NewInterceptor creates an a2asrv call interceptor.
func NewInterceptor(requireAuth bool) *Interceptor {
	return &Interceptor{RequireAuth: requireAuth}
}

func (i *Interceptor) Before(ctx context.Context, callCtx *a2asrv.CallContext, _ *a2asrv.Request) (context.Context, error) {
	claims := ClaimsFromContext(ctx)
	if claims == nil {
		if i.RequireAuth {
			return ctx, ErrUnauthorized
		}
		return ctx, nil
	}
	callCtx.User = &AuthenticatedUser{claims: claims}
	return ctx, nil
}

func (i *Interceptor) After(context.Context, *a2asrv.CallContext, *a2asrv.Response) error {
	return nil
}

var _ a2asrv.CallInterceptor = (*Interceptor)(nil)

// AuthenticatedUser is the a2asrv.User for a caller with valid claims.
type AuthenticatedUser struct {
	claims *Claims
}

func (u *AuthenticatedUser) Name() string {
	if u.claims == nil {
		return ""
	}
	return u.claims.Subject
}

func (u *AuthenticatedUser) Authenticated() bool { return true }

// Claims returns the underlying claims.
func (u *AuthenticatedUser) Claims() *Claims { return u.claims }

var _ a2asrv.User = (*AuthenticatedUser)(nil)

// ClaimsFromCallContext returns the claims of the call's user, or nil.
func ClaimsFromCallContext(callCtx *a2asrv.CallContext) *Claims {
	if callCtx == nil {
		return nil
	}
	if u, ok := callCtx.User.(*AuthenticatedUser); ok {
		return u.claims
	}
	return nil
}
