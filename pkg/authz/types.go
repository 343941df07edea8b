package authz

import (
	"fmt"
	"time"
)

// ResourceType represents a type of workspace-owned resource subject to
// access control
type ResourceType string

const (
	ResourceProject       ResourceType = "project"
	ResourceSample        ResourceType = "sample"
	ResourceDerivedSample ResourceType = "derived_sample"
	ResourceBatch         ResourceType = "batch"
	ResourceAnalysis      ResourceType = "analysis"
	ResourceDocument      ResourceType = "document"
	ResourceReport        ResourceType = "report"
)

// ValidResourceTypes returns every resource type known to the platform
func ValidResourceTypes() []ResourceType {
	return []ResourceType{
		ResourceProject,
		ResourceSample,
		ResourceDerivedSample,
		ResourceBatch,
		ResourceAnalysis,
		ResourceDocument,
		ResourceReport,
	}
}

// ParseResourceType validates a raw resource type string. It must be called
// before any store is touched so that malformed input never reaches the
// database.
func ParseResourceType(raw string) (ResourceType, error) {
	rt := ResourceType(raw)
	for _, valid := range ValidResourceTypes() {
		if rt == valid {
			return rt, nil
		}
	}
	return "", &ValidationError{Field: "resource_type", Message: fmt.Sprintf("unknown resource type %q", raw)}
}

// SupportsOverride reports whether per-user access-level overrides exist for
// this resource type. Only reports and samples carry overrides.
func (rt ResourceType) SupportsOverride() bool {
	return rt == ResourceReport || rt == ResourceSample
}

// Action represents an operation a principal attempts on a resource
type Action string

const (
	ActionView     Action = "view"
	ActionCreate   Action = "create"
	ActionEdit     Action = "edit"
	ActionDelete   Action = "delete"
	ActionShare    Action = "share"
	ActionDownload Action = "download"
	ActionUpload   Action = "upload"
)

// GrantRole is the role lattice used with cross-organization access grants:
// viewer < processor < analyzer < client. It is deliberately a distinct type
// from PlatformRole; the two lattices are never comparable.
type GrantRole string

const (
	GrantRoleViewer    GrantRole = "viewer"
	GrantRoleProcessor GrantRole = "processor"
	GrantRoleAnalyzer  GrantRole = "analyzer"
	GrantRoleClient    GrantRole = "client"
)

var grantRoleRank = map[GrantRole]int{
	GrantRoleViewer:    0,
	GrantRoleProcessor: 1,
	GrantRoleAnalyzer:  2,
	GrantRoleClient:    3,
}

// Valid reports whether the grant role is a member of the lattice
func (r GrantRole) Valid() bool {
	_, ok := grantRoleRank[r]
	return ok
}

// AtLeast returns true iff r's rank is >= required's rank in the grant-role
// lattice. Unknown roles rank below everything.
func (r GrantRole) AtLeast(required GrantRole) bool {
	actual, ok := grantRoleRank[r]
	if !ok {
		return false
	}
	want, ok := grantRoleRank[required]
	if !ok {
		return false
	}
	return actual >= want
}

// PlatformRole is the role lattice used for project team assignments and the
// role permission matrix: viewer < scientist < manager < admin.
type PlatformRole string

const (
	RoleViewer    PlatformRole = "viewer"
	RoleScientist PlatformRole = "scientist"
	RoleManager   PlatformRole = "manager"
	RoleAdmin     PlatformRole = "admin"
)

var platformRoleRank = map[PlatformRole]int{
	RoleViewer:    0,
	RoleScientist: 1,
	RoleManager:   2,
	RoleAdmin:     3,
}

// Valid reports whether the platform role is a member of the lattice
func (r PlatformRole) Valid() bool {
	_, ok := platformRoleRank[r]
	return ok
}

// AtLeast returns true iff r's rank is >= required's rank in the platform
// role lattice
func (r PlatformRole) AtLeast(required PlatformRole) bool {
	actual, ok := platformRoleRank[r]
	if !ok {
		return false
	}
	want, ok := platformRoleRank[required]
	if !ok {
		return false
	}
	return actual >= want
}

// AccessLevel is the ordered per-resource override level: view < download < edit
type AccessLevel string

const (
	LevelView     AccessLevel = "view"
	LevelDownload AccessLevel = "download"
	LevelEdit     AccessLevel = "edit"
)

var accessLevelRank = map[AccessLevel]int{
	LevelView:     0,
	LevelDownload: 1,
	LevelEdit:     2,
}

// Valid reports whether the access level is one of view/download/edit
func (l AccessLevel) Valid() bool {
	_, ok := accessLevelRank[l]
	return ok
}

// Covers returns true iff an override at level l permits the given level
func (l AccessLevel) Covers(required AccessLevel) bool {
	actual, ok := accessLevelRank[l]
	if !ok {
		return false
	}
	want, ok := accessLevelRank[required]
	if !ok {
		return false
	}
	return actual >= want
}

// RequiredLevel maps an action to the override level it needs. The second
// return is false for actions the override mechanism does not gate
// (create/delete/share fall through to the role matrix verdict).
func RequiredLevel(action Action) (AccessLevel, bool) {
	switch action {
	case ActionView:
		return LevelView, true
	case ActionDownload:
		return LevelDownload, true
	case ActionEdit, ActionUpload:
		return LevelEdit, true
	default:
		return "", false
	}
}

// Principal is an authenticated actor. It is resolved once per request by the
// authentication layer, before the access-control core runs.
type Principal struct {
	ID          string       `json:"id"`
	WorkspaceID string       `json:"workspace_id"`
	OrgID       string       `json:"org_id"`
	Role        PlatformRole `json:"role"`
}

// ResourceRef identifies a typed resource targeted by a request
type ResourceRef struct {
	Type ResourceType `json:"type"`
	ID   string       `json:"id"`
}

// GrantContext carries the metadata of the delegated grant that satisfied an
// object-access check. Downstream handlers use it to enforce re-share rules.
type GrantContext struct {
	GrantID    string    `json:"grant_id"`
	Role       GrantRole `json:"role"`
	CanReshare bool      `json:"can_reshare"`
}

// Decision is the structured outcome of an access check. A legitimate "no
// access" outcome is a Decision with Allowed=false, never an error.
type Decision struct {
	Allowed     bool          `json:"allowed"`
	Reason      string        `json:"reason"`
	AccessLevel *AccessLevel  `json:"access_level,omitempty"`
	Grant       *GrantContext `json:"grant,omitempty"`
	CheckedAt   time.Time     `json:"checked_at"`
}

// Allow builds an allowing decision
func Allow(reason string) Decision {
	return Decision{Allowed: true, Reason: reason, CheckedAt: time.Now().UTC()}
}

// Deny builds a denying decision
func Deny(reason string) Decision {
	return Decision{Allowed: false, Reason: reason, CheckedAt: time.Now().UTC()}
}

// ValidationError reports malformed input caught before any data access.
// It maps to HTTP 400 at the boundary.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return e.Message
}
