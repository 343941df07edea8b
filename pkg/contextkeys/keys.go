// Package contextkeys provides centralized context key definitions
//
// IMPORTANT: Context keys shared between packages must be defined here.
// This prevents typos, documents dependencies, and makes key usage
// discoverable. Keys private to one package (request id, loggers) live with
// that package's own helpers.
//
// USAGE PATTERN:
//   import "github.com/luminbio/labd/pkg/contextkeys"
//   ctx = context.WithValue(ctx, contextkeys.PrincipalKey, principal)
//   p := ctx.Value(contextkeys.PrincipalKey).(*authz.Principal)
package contextkeys

// Key is the type for context keys to prevent collisions
type Key string

const (
	// PrincipalKey contains *authz.Principal
	// Set by: middleware.PrincipalMiddleware (pkg/middleware/principal.go)
	// Required by: All protected endpoints, access-control middleware
	// Type: *authz.Principal
	PrincipalKey Key = "principal"

	// GrantKey contains *authz.GrantContext
	// Set by: middleware.RequireObjectAccess when access is satisfied by a
	// delegated grant rather than ownership
	// Required by: middleware.RequireResharePermission, grant handlers
	// Type: *authz.GrantContext
	GrantKey Key = "access_grant"
)
