package grants

import (
	"fmt"
	"time"

	"github.com/luminbio/labd/pkg/authz"
)

// AccessMode describes how the granted organization consumes the data
type AccessMode string

const (
	// ModePlatform means access happens through the platform itself
	ModePlatform AccessMode = "platform"
	// ModeOffline means the data is handed over out of band (export,
	// shipment); the grant row still records the delegation
	ModeOffline AccessMode = "offline"
)

// Valid reports whether the mode is known
func (m AccessMode) Valid() bool {
	return m == ModePlatform || m == ModeOffline
}

// AccessGrant delegates access on one object to a different organization.
// At most one active grant exists per (object, organization); revocation
// keeps the row for its audit value but makes it permanently inactive.
type AccessGrant struct {
	ID           string             `json:"id"`
	ObjectType   authz.ResourceType `json:"object_type"`
	ObjectID     string             `json:"object_id"`
	GrantedToOrg string             `json:"granted_to_org"`
	Role         authz.GrantRole    `json:"role"`
	Mode         AccessMode         `json:"mode"`
	CanReshare   bool               `json:"can_reshare"`
	ExpiresAt    *time.Time         `json:"expires_at,omitempty"`
	RevokedAt    *time.Time         `json:"revoked_at,omitempty"`
	RevokedBy    string             `json:"revoked_by,omitempty"`
	RevokeReason string             `json:"revoke_reason,omitempty"`
	CreatedBy    string             `json:"created_by"`
	CreatedAt    time.Time          `json:"created_at"`
	LastUsedAt   *time.Time         `json:"last_used_at,omitempty"`
}

// ActiveAt reports whether the grant authorizes access at the given instant.
// Revocation always wins: a revoked grant is inactive even with a future
// expiry.
func (g *AccessGrant) ActiveAt(now time.Time) bool {
	if g.RevokedAt != nil {
		return false
	}
	if g.ExpiresAt != nil && !g.ExpiresAt.After(now) {
		return false
	}
	return true
}

// ConflictError reports an attempt to create a second active grant for the
// same (object, organization) pair
type ConflictError struct {
	ObjectType   authz.ResourceType
	ObjectID     string
	GrantedToOrg string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("an active grant already exists for %s %s and organization %s",
		e.ObjectType, e.ObjectID, e.GrantedToOrg)
}

// ErrNotFound is returned when a grant id does not exist
var ErrNotFound = fmt.Errorf("grant not found")
