package authz

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// OwnerDirectory resolves a resource to its owning workspace. Ownership is
// immutable after creation, so implementations may cache.
type OwnerDirectory interface {
	// OwnerWorkspace returns the owning workspace id, or ok=false when the
	// resource is not registered.
	OwnerWorkspace(ctx context.Context, rt ResourceType, resourceID string) (workspaceID string, ok bool, err error)
}

// GrantSource looks up the single active delegated grant for an organization
// on an object. A nil grant with nil error means no active grant exists.
type GrantSource interface {
	ActiveGrant(ctx context.Context, rt ResourceType, objectID, orgID string) (*GrantContext, error)
}

// AssignmentSource resolves a user's project-scoped role. ok=false means the
// user is not assigned to the project, which is a denial condition, not an
// error.
type AssignmentSource interface {
	RoleInProject(ctx context.Context, userID, projectID string) (role PlatformRole, ok bool, err error)
}

// Override is the engine's view of a per-user resource access exception
type Override struct {
	Level    AccessLevel
	CanShare bool
}

// OverrideSource looks up a per-user override for a resource. A nil override
// with nil error means none exists.
type OverrideSource interface {
	Lookup(ctx context.Context, rt ResourceType, resourceID, userID string) (*Override, error)
}

// Engine composes ownership, delegated grants, project team assignment, the
// role permission matrix and per-resource overrides into access decisions.
// Decisions are computed fresh on every call; nothing is memoized across
// requests, so concurrent checks independently observe whatever is currently
// committed.
type Engine struct {
	owners        OwnerDirectory
	grants        GrantSource
	assignments   AssignmentSource
	overrides     OverrideSource
	matrix        *Matrix
	lookupTimeout time.Duration
	tracer        trace.Tracer
}

// EngineConfig holds the engine's collaborators
type EngineConfig struct {
	Owners      OwnerDirectory
	Grants      GrantSource
	Assignments AssignmentSource
	Overrides   OverrideSource
	Matrix      *Matrix

	// LookupTimeout bounds each individual store lookup. A timeout surfaces
	// as an internal error, never as an implicit allow or deny.
	LookupTimeout time.Duration
}

const defaultLookupTimeout = 2 * time.Second

// NewEngine creates a decision engine
func NewEngine(cfg EngineConfig) *Engine {
	if cfg.Matrix == nil {
		cfg.Matrix = DefaultMatrix()
	}
	if cfg.LookupTimeout <= 0 {
		cfg.LookupTimeout = defaultLookupTimeout
	}
	return &Engine{
		owners:        cfg.Owners,
		grants:        cfg.Grants,
		assignments:   cfg.Assignments,
		overrides:     cfg.Overrides,
		matrix:        cfg.Matrix,
		lookupTimeout: cfg.LookupTimeout,
		tracer:        otel.Tracer("labd/authz"),
	}
}

// Matrix exposes the engine's permission table (for admin handlers and hot
// reload wiring)
func (e *Engine) Matrix() *Matrix {
	return e.matrix
}

// CheckObjectAccess implements the ownership/grant policy guarding general
// object access (projects, samples, derived samples, batches, analyses,
// documents, reports):
//
//  1. The owning workspace always has access, with no role ceiling.
//  2. Otherwise the caller's organization needs an active grant on the object.
//  3. When minRole is non-empty the grant's role must rank at least minRole
//     in the grant-role lattice.
//
// On an allow via grant the returned Decision carries the grant metadata for
// later re-share enforcement.
func (e *Engine) CheckObjectAccess(ctx context.Context, principal *Principal, ref ResourceRef, minRole GrantRole) (Decision, error) {
	if principal == nil {
		return Decision{}, &ValidationError{Field: "principal", Message: "principal is required"}
	}
	if _, err := ParseResourceType(string(ref.Type)); err != nil {
		return Decision{}, err
	}
	if ref.ID == "" {
		return Decision{}, &ValidationError{Field: "resource_id", Message: "missing resource id"}
	}
	if minRole != "" && !minRole.Valid() {
		return Decision{}, &ValidationError{Field: "min_role", Message: fmt.Sprintf("unknown grant role %q", minRole)}
	}

	ctx, span := e.tracer.Start(ctx, "authz.CheckObjectAccess", trace.WithAttributes(
		attribute.String("authz.resource_type", string(ref.Type)),
		attribute.String("authz.resource_id", ref.ID),
	))
	defer span.End()

	owner, found, err := e.lookupOwner(ctx, ref)
	if err != nil {
		return Decision{}, err
	}
	if !found {
		return Deny(fmt.Sprintf("%s %s is not registered", ref.Type, ref.ID)), nil
	}
	if owner == principal.WorkspaceID {
		return Allow("workspace owns this resource"), nil
	}

	grant, err := e.lookupGrant(ctx, ref, principal.OrgID)
	if err != nil {
		return Decision{}, err
	}
	if grant == nil {
		return Deny(fmt.Sprintf("no ownership or access grant for %s %s", ref.Type, ref.ID)), nil
	}
	if minRole != "" && !grant.Role.AtLeast(minRole) {
		return Deny(fmt.Sprintf("grant role %q is below the required %q", grant.Role, minRole)), nil
	}

	d := Allow(fmt.Sprintf("active grant for organization (role %s)", grant.Role))
	d.Grant = grant
	return d, nil
}

// CheckAccess implements the role-matrix/override policy used by project-team
// and report/sample sharing surfaces:
//
//  1. The user's project team assignment decides the effective role; an
//     unassigned user is denied regardless of their global role.
//  2. The role permission matrix is consulted, default-deny.
//  3. For a concrete report/sample with a per-user override, the override is
//     authoritative for view/download/edit depth; create/delete/share are not
//     gated by overrides and keep the matrix verdict.
func (e *Engine) CheckAccess(ctx context.Context, userID, projectID string, rt ResourceType, action Action, resourceID string) (Decision, error) {
	if userID == "" {
		return Decision{}, &ValidationError{Field: "user_id", Message: "missing user id"}
	}
	if projectID == "" {
		return Decision{}, &ValidationError{Field: "project_id", Message: "missing project id"}
	}
	if _, err := ParseResourceType(string(rt)); err != nil {
		return Decision{}, err
	}
	if action == "" {
		return Decision{}, &ValidationError{Field: "action", Message: "missing action"}
	}

	ctx, span := e.tracer.Start(ctx, "authz.CheckAccess", trace.WithAttributes(
		attribute.String("authz.resource_type", string(rt)),
		attribute.String("authz.action", string(action)),
	))
	defer span.End()

	role, assigned, err := e.lookupAssignment(ctx, userID, projectID)
	if err != nil {
		return Decision{}, err
	}
	if !assigned {
		return Deny("user is not assigned to this project"), nil
	}

	matrixVerdict := e.matrix.Allowed(role, rt, action)

	if resourceID != "" && rt.SupportsOverride() {
		override, err := e.lookupOverride(ctx, rt, resourceID, userID)
		if err != nil {
			return Decision{}, err
		}
		if override != nil {
			if required, gated := RequiredLevel(action); gated {
				if !override.Level.Covers(required) {
					return Deny(fmt.Sprintf("access level %q does not permit %s", override.Level, action)), nil
				}
				d := Allow(fmt.Sprintf("override grants access level %q", override.Level))
				level := override.Level
				d.AccessLevel = &level
				return d, nil
			}
			// create/delete/share bypass the override and keep the matrix
			// verdict
		}
	}

	if !matrixVerdict {
		return Deny(fmt.Sprintf("role %q cannot %s %s", role, action, rt)), nil
	}
	return Allow(fmt.Sprintf("role %q allows %s on %s", role, action, rt)), nil
}

func (e *Engine) lookupOwner(ctx context.Context, ref ResourceRef) (string, bool, error) {
	ctx, cancel := context.WithTimeout(ctx, e.lookupTimeout)
	defer cancel()

	owner, found, err := e.owners.OwnerWorkspace(ctx, ref.Type, ref.ID)
	if err != nil {
		return "", false, fmt.Errorf("ownership lookup for %s %s: %w", ref.Type, ref.ID, err)
	}
	return owner, found, nil
}

func (e *Engine) lookupGrant(ctx context.Context, ref ResourceRef, orgID string) (*GrantContext, error) {
	ctx, cancel := context.WithTimeout(ctx, e.lookupTimeout)
	defer cancel()

	grant, err := e.grants.ActiveGrant(ctx, ref.Type, ref.ID, orgID)
	if err != nil {
		return nil, fmt.Errorf("grant lookup for %s %s: %w", ref.Type, ref.ID, err)
	}
	return grant, nil
}

func (e *Engine) lookupAssignment(ctx context.Context, userID, projectID string) (PlatformRole, bool, error) {
	ctx, cancel := context.WithTimeout(ctx, e.lookupTimeout)
	defer cancel()

	role, ok, err := e.assignments.RoleInProject(ctx, userID, projectID)
	if err != nil {
		return "", false, fmt.Errorf("team assignment lookup for project %s: %w", projectID, err)
	}
	return role, ok, nil
}

func (e *Engine) lookupOverride(ctx context.Context, rt ResourceType, resourceID, userID string) (*Override, error) {
	ctx, cancel := context.WithTimeout(ctx, e.lookupTimeout)
	defer cancel()

	override, err := e.overrides.Lookup(ctx, rt, resourceID, userID)
	if err != nil {
		return nil, fmt.Errorf("override lookup for %s %s: %w", rt, resourceID, err)
	}
	return override, nil
}
