// Package authz implements the access-control core of the platform.
//
// # Overview
//
// Every protected request is reduced to a decision: may this principal
// perform this action on this resource. Two policies coexist:
//
// Ownership/grant policy (general object access):
//
//	decision, err := engine.CheckObjectAccess(ctx, principal, ref, minRole)
//
// Ownership always satisfies access; otherwise the caller's organization
// needs an active delegated grant of sufficient rank.
//
// Role-matrix/override policy (project-team scoped endpoints):
//
//	decision, err := engine.CheckAccess(ctx, userID, projectID, resourceType, action, resourceID)
//
// The project team assignment overrides the principal's global role; the
// role permission matrix is consulted next; a per-user resource override,
// when present, is authoritative for view/download/edit depth.
//
// Denial is the default whenever evidence is incomplete: a missing matrix
// row, a missing assignment, or a missing grant all deny. Only malformed
// input (unknown resource type, missing id) is surfaced as an error.
//
// # Related Packages
//
//   - pkg/grants: delegated cross-organization grant store
//   - pkg/projects: project team assignments
//   - pkg/overrides: per-user resource access overrides
//   - pkg/resources: resource-to-workspace ownership directory
//   - pkg/middleware: HTTP enforcement of the decisions made here
package authz
