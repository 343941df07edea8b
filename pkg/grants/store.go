package grants

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/luminbio/labd/pkg/authz"
)

// Store handles access-grant persistence
type Store struct {
	db *sql.DB
}

// NewStore creates a new grant store
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

const grantColumns = `id, object_type, object_id, granted_to_org, role, access_mode, can_reshare,
	expires_at, revoked_at, revoked_by, revoke_reason, created_by, created_at, last_used_at`

// Create inserts a new grant. It fails with *ConflictError when an active
// grant already exists for the same (object, organization) pair; the partial
// unique index backs this up against concurrent creates, and losing that
// race also surfaces as *ConflictError. An expired, never-revoked grant does
// not block a new one: its row is retired first (revoked_at set to the
// moment it lapsed) so the index slot frees up.
func (s *Store) Create(ctx context.Context, grant *AccessGrant) error {
	if !grant.Role.Valid() {
		return fmt.Errorf("invalid grant role %q", grant.Role)
	}
	if !grant.Mode.Valid() {
		return fmt.Errorf("invalid access mode %q", grant.Mode)
	}

	existing, err := s.LookupActive(ctx, grant.ObjectType, grant.ObjectID, grant.GrantedToOrg)
	if err != nil {
		return err
	}
	if existing != nil {
		return &ConflictError{
			ObjectType:   grant.ObjectType,
			ObjectID:     grant.ObjectID,
			GrantedToOrg: grant.GrantedToOrg,
		}
	}

	retire := `
		UPDATE access_grants
		SET revoked_at = expires_at, revoke_reason = 'expired'
		WHERE object_type = $1 AND object_id = $2 AND granted_to_org = $3
		  AND revoked_at IS NULL AND expires_at IS NOT NULL AND expires_at <= $4
	`
	if _, err := s.db.ExecContext(ctx, retire,
		grant.ObjectType, grant.ObjectID, grant.GrantedToOrg, time.Now().UTC()); err != nil {
		return fmt.Errorf("failed to retire expired grant: %w", err)
	}

	if grant.ID == "" {
		grant.ID = uuid.NewString()
	}
	grant.CreatedAt = time.Now().UTC()

	query := `
		INSERT INTO access_grants (id, object_type, object_id, granted_to_org, role, access_mode,
			can_reshare, expires_at, created_by, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`
	_, err = s.db.ExecContext(ctx, query,
		grant.ID,
		grant.ObjectType,
		grant.ObjectID,
		grant.GrantedToOrg,
		grant.Role,
		grant.Mode,
		grant.CanReshare,
		grant.ExpiresAt,
		grant.CreatedBy,
		grant.CreatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return &ConflictError{
				ObjectType:   grant.ObjectType,
				ObjectID:     grant.ObjectID,
				GrantedToOrg: grant.GrantedToOrg,
			}
		}
		return fmt.Errorf("failed to create grant: %w", err)
	}
	return nil
}

// isUniqueViolation reports whether err is a unique-index violation. The
// pre-insert LookupActive check cannot catch a concurrent create for the
// same pair, so the index is the final arbiter.
func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	return strings.Contains(err.Error(), "UNIQUE constraint")
}

// Revoke marks a grant revoked. Revoking an already-revoked grant is a no-op
// success. The row is kept for its audit value.
func (s *Store) Revoke(ctx context.Context, grantID, reason, revokedBy string) error {
	var revokedAt sql.NullTime
	err := s.db.QueryRowContext(ctx, `SELECT revoked_at FROM access_grants WHERE id = $1`, grantID).Scan(&revokedAt)
	if err == sql.ErrNoRows {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to load grant: %w", err)
	}
	if revokedAt.Valid {
		return nil
	}

	query := `
		UPDATE access_grants
		SET revoked_at = $1, revoke_reason = $2, revoked_by = $3
		WHERE id = $4 AND revoked_at IS NULL
	`
	if _, err := s.db.ExecContext(ctx, query, time.Now().UTC(), reason, revokedBy, grantID); err != nil {
		return fmt.Errorf("failed to revoke grant: %w", err)
	}
	return nil
}

// Get retrieves a grant by id regardless of its active state
func (s *Store) Get(ctx context.Context, grantID string) (*AccessGrant, error) {
	query := `SELECT ` + grantColumns + ` FROM access_grants WHERE id = $1`
	grant, err := scanGrant(s.db.QueryRowContext(ctx, query, grantID))
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get grant: %w", err)
	}
	return grant, nil
}

// LookupActive returns the single active grant for (object, organization), or
// nil when none exists. A grant is active iff it is not revoked and either has
// no expiry or the expiry is in the future; revocation wins over expiry state.
func (s *Store) LookupActive(ctx context.Context, rt authz.ResourceType, objectID, orgID string) (*AccessGrant, error) {
	query := `
		SELECT ` + grantColumns + `
		FROM access_grants
		WHERE object_type = $1
		  AND object_id = $2
		  AND granted_to_org = $3
		  AND revoked_at IS NULL
		  AND (expires_at IS NULL OR expires_at > $4)
	`
	grant, err := scanGrant(s.db.QueryRowContext(ctx, query, rt, objectID, orgID, time.Now().UTC()))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to look up active grant: %w", err)
	}
	return grant, nil
}

// ActiveGrant satisfies authz.GrantSource
func (s *Store) ActiveGrant(ctx context.Context, rt authz.ResourceType, objectID, orgID string) (*authz.GrantContext, error) {
	grant, err := s.LookupActive(ctx, rt, objectID, orgID)
	if err != nil {
		return nil, err
	}
	if grant == nil {
		return nil, nil
	}
	return &authz.GrantContext{
		GrantID:    grant.ID,
		Role:       grant.Role,
		CanReshare: grant.CanReshare,
	}, nil
}

// ListForObject returns every grant ever issued for an object, newest first,
// including revoked and expired rows
func (s *Store) ListForObject(ctx context.Context, rt authz.ResourceType, objectID string) ([]AccessGrant, error) {
	query := `
		SELECT ` + grantColumns + `
		FROM access_grants
		WHERE object_type = $1 AND object_id = $2
		ORDER BY created_at DESC
	`
	rows, err := s.db.QueryContext(ctx, query, rt, objectID)
	if err != nil {
		return nil, fmt.Errorf("failed to list grants: %w", err)
	}
	defer rows.Close()

	var result []AccessGrant
	for rows.Next() {
		grant, err := scanGrant(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan grant: %w", err)
		}
		result = append(result, *grant)
	}
	return result, rows.Err()
}

// TouchLastUsed records best-effort usage bookkeeping. Errors are returned
// but callers are expected to treat them as non-fatal.
func (s *Store) TouchLastUsed(ctx context.Context, grantID string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE access_grants SET last_used_at = $1 WHERE id = $2`,
		time.Now().UTC(), grantID)
	if err != nil {
		return fmt.Errorf("failed to touch grant: %w", err)
	}
	return nil
}

// StateCounts summarizes grant rows for metrics
type StateCounts struct {
	Active  int64
	Expired int64
	Revoked int64
}

// CountByState counts grants by lifecycle state
func (s *Store) CountByState(ctx context.Context) (StateCounts, error) {
	var counts StateCounts
	now := time.Now().UTC()

	query := `
		SELECT
			COUNT(*) FILTER (WHERE revoked_at IS NULL AND (expires_at IS NULL OR expires_at > $1)),
			COUNT(*) FILTER (WHERE revoked_at IS NULL AND expires_at IS NOT NULL AND expires_at <= $1),
			COUNT(*) FILTER (WHERE revoked_at IS NOT NULL)
		FROM access_grants
	`
	err := s.db.QueryRowContext(ctx, query, now).Scan(&counts.Active, &counts.Expired, &counts.Revoked)
	if err != nil {
		return StateCounts{}, fmt.Errorf("failed to count grants: %w", err)
	}
	return counts, nil
}

func scanGrant(scanner interface {
	Scan(dest ...interface{}) error
}) (*AccessGrant, error) {
	var grant AccessGrant
	var expiresAt, revokedAt, lastUsedAt sql.NullTime
	var revokedBy, revokeReason sql.NullString

	err := scanner.Scan(
		&grant.ID,
		&grant.ObjectType,
		&grant.ObjectID,
		&grant.GrantedToOrg,
		&grant.Role,
		&grant.Mode,
		&grant.CanReshare,
		&expiresAt,
		&revokedAt,
		&revokedBy,
		&revokeReason,
		&grant.CreatedBy,
		&grant.CreatedAt,
		&lastUsedAt,
	)
	if err != nil {
		return nil, err
	}

	if expiresAt.Valid {
		t := expiresAt.Time
		grant.ExpiresAt = &t
	}
	if revokedAt.Valid {
		t := revokedAt.Time
		grant.RevokedAt = &t
	}
	if lastUsedAt.Valid {
		t := lastUsedAt.Time
		grant.LastUsedAt = &t
	}
	if revokedBy.Valid {
		grant.RevokedBy = revokedBy.String
	}
	if revokeReason.Valid {
		grant.RevokeReason = revokeReason.String
	}

	return &grant, nil
}
