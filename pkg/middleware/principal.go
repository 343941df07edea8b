// Package middleware provides the HTTP layer of the access-control core:
// principal resolution, object access enforcement, re-share enforcement, and
// denial rate limiting.
package middleware

import (
	"context"
	"net/http"

	"github.com/luminbio/labd/pkg/authz"
	"github.com/luminbio/labd/pkg/contextkeys"
	"github.com/luminbio/labd/pkg/httputil"
)

// Identity headers set by the authentication gateway in front of this
// service. Requests reaching protected routes without them are rejected.
const (
	HeaderUserID    = "X-Labd-User"
	HeaderWorkspace = "X-Labd-Workspace"
	HeaderOrgID     = "X-Labd-Org"
	HeaderRole      = "X-Labd-Role"
)

// PrincipalMiddleware resolves the authenticated principal from the gateway
// identity headers and stores it in the request context
func PrincipalMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userID := r.Header.Get(HeaderUserID)
		workspaceID := r.Header.Get(HeaderWorkspace)
		orgID := r.Header.Get(HeaderOrgID)

		if userID == "" || workspaceID == "" || orgID == "" {
			httputil.WriteUnauthorized(w, "missing identity headers")
			return
		}

		role := authz.PlatformRole(r.Header.Get(HeaderRole))
		if role != "" && !role.Valid() {
			httputil.WriteBadRequest(w, "unknown platform role")
			return
		}

		principal := &authz.Principal{
			ID:          userID,
			WorkspaceID: workspaceID,
			OrgID:       orgID,
			Role:        role,
		}

		ctx := context.WithValue(r.Context(), contextkeys.PrincipalKey, principal)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// GetPrincipal returns the principal stored by PrincipalMiddleware, or nil
func GetPrincipal(r *http.Request) *authz.Principal {
	if p, ok := r.Context().Value(contextkeys.PrincipalKey).(*authz.Principal); ok {
		return p
	}
	return nil
}

// GetGrant returns the grant context attached by RequireObjectAccess when the
// request was satisfied by a delegated grant, or nil for owner access
func GetGrant(r *http.Request) *authz.GrantContext {
	if g, ok := r.Context().Value(contextkeys.GrantKey).(*authz.GrantContext); ok {
		return g
	}
	return nil
}
