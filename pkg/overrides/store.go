// Package overrides stores per-user, per-resource access-level overrides.
// Overrides exist only for reports and samples; when one is present it is the
// sole authority for view, download and edit on that resource.
package overrides

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/luminbio/labd/pkg/authz"
)

// AccessOverride pins a single user's access level on a single resource
type AccessOverride struct {
	ID           string             `json:"id"`
	ResourceType authz.ResourceType `json:"resource_type"`
	ResourceID   string             `json:"resource_id"`
	UserID       string             `json:"user_id"`
	Level        authz.AccessLevel  `json:"level"`
	CanShare     bool               `json:"can_share"`
	GrantedBy    string             `json:"granted_by"`
	GrantedAt    time.Time          `json:"granted_at"`
}

// Store handles override persistence
type Store struct {
	db *sql.DB
}

// NewStore creates a new override store
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Migration represents a database migration
type Migration struct {
	Version     int
	Description string
	SQL         string
}

// GetMigrations returns all override migrations
func GetMigrations() []Migration {
	return []Migration{
		{
			Version:     1,
			Description: "Create access_overrides table",
			SQL: `
				CREATE TABLE IF NOT EXISTS access_overrides (
					id VARCHAR(36) PRIMARY KEY,
					resource_type VARCHAR(50) NOT NULL,
					resource_id VARCHAR(36) NOT NULL,
					user_id VARCHAR(36) NOT NULL,
					level VARCHAR(20) NOT NULL,
					can_share BOOLEAN NOT NULL DEFAULT FALSE,
					granted_by VARCHAR(36) NOT NULL,
					granted_at TIMESTAMP NOT NULL,
					UNIQUE (resource_type, resource_id, user_id)
				);

				CREATE INDEX IF NOT EXISTS idx_access_overrides_user ON access_overrides(user_id);
			`,
		},
	}
}

// RunMigrations applies all override migrations in order
func RunMigrations(ctx context.Context, db *sql.DB) error {
	for _, m := range GetMigrations() {
		if _, err := db.ExecContext(ctx, m.SQL); err != nil {
			return fmt.Errorf("access_overrides migration %d (%s) failed: %w", m.Version, m.Description, err)
		}
	}
	return nil
}

// Grant creates or replaces the override for (resource, user) and returns the
// override id. Only resource types that support overrides are accepted.
func (s *Store) Grant(ctx context.Context, o *AccessOverride) (string, error) {
	if !o.ResourceType.SupportsOverride() {
		return "", &authz.ValidationError{
			Field:   "resource_type",
			Message: fmt.Sprintf("resource type %q does not support access overrides", o.ResourceType),
		}
	}
	if !o.Level.Valid() {
		return "", &authz.ValidationError{
			Field:   "level",
			Message: fmt.Sprintf("unknown access level %q", o.Level),
		}
	}

	o.ID = uuid.NewString()
	o.GrantedAt = time.Now().UTC()

	query := `
		INSERT INTO access_overrides (id, resource_type, resource_id, user_id, level, can_share, granted_by, granted_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (resource_type, resource_id, user_id)
		DO UPDATE SET id = EXCLUDED.id, level = EXCLUDED.level, can_share = EXCLUDED.can_share,
			granted_by = EXCLUDED.granted_by, granted_at = EXCLUDED.granted_at
	`
	_, err := s.db.ExecContext(ctx, query,
		o.ID, o.ResourceType, o.ResourceID, o.UserID, o.Level, o.CanShare, o.GrantedBy, o.GrantedAt)
	if err != nil {
		return "", fmt.Errorf("failed to grant access override: %w", err)
	}
	return o.ID, nil
}

// Revoke deletes the override for (resource, user); revoking an absent
// override is a no-op
func (s *Store) Revoke(ctx context.Context, resourceType authz.ResourceType, resourceID, userID string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM access_overrides WHERE resource_type = $1 AND resource_id = $2 AND user_id = $3`,
		resourceType, resourceID, userID)
	if err != nil {
		return fmt.Errorf("failed to revoke access override: %w", err)
	}
	return nil
}

// Get returns the full override record, or nil when none exists
func (s *Store) Get(ctx context.Context, resourceType authz.ResourceType, resourceID, userID string) (*AccessOverride, error) {
	var o AccessOverride
	err := s.db.QueryRowContext(ctx, `
		SELECT id, resource_type, resource_id, user_id, level, can_share, granted_by, granted_at
		FROM access_overrides
		WHERE resource_type = $1 AND resource_id = $2 AND user_id = $3
	`, resourceType, resourceID, userID).Scan(
		&o.ID, &o.ResourceType, &o.ResourceID, &o.UserID, &o.Level, &o.CanShare, &o.GrantedBy, &o.GrantedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get access override: %w", err)
	}
	return &o, nil
}

// Lookup satisfies authz.OverrideSource. A nil result means no override
// exists and the role matrix verdict stands.
func (s *Store) Lookup(ctx context.Context, resourceType authz.ResourceType, resourceID, userID string) (*authz.Override, error) {
	o, err := s.Get(ctx, resourceType, resourceID, userID)
	if err != nil {
		return nil, err
	}
	if o == nil {
		return nil, nil
	}
	return &authz.Override{Level: o.Level, CanShare: o.CanShare}, nil
}

// ListForResource returns every override on a resource ordered by grant time
func (s *Store) ListForResource(ctx context.Context, resourceType authz.ResourceType, resourceID string) ([]AccessOverride, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, resource_type, resource_id, user_id, level, can_share, granted_by, granted_at
		FROM access_overrides
		WHERE resource_type = $1 AND resource_id = $2
		ORDER BY granted_at ASC
	`, resourceType, resourceID)
	if err != nil {
		return nil, fmt.Errorf("failed to list access overrides: %w", err)
	}
	defer rows.Close()

	var out []AccessOverride
	for rows.Next() {
		var o AccessOverride
		if err := rows.Scan(&o.ID, &o.ResourceType, &o.ResourceID, &o.UserID, &o.Level, &o.CanShare, &o.GrantedBy, &o.GrantedAt); err != nil {
			return nil, fmt.Errorf("failed to scan access override: %w", err)
		}
		out = append(out, o)
	}
	return out, rows.Err()
}
