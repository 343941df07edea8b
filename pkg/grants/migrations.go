package grants

import (
	"context"
	"database/sql"
	"fmt"
)

// Migration represents a database migration
type Migration struct {
	Version     int
	Description string
	SQL         string
}

// GetMigrations returns all grant-store migrations
func GetMigrations() []Migration {
	return []Migration{
		{
			Version:     1,
			Description: "Create access_grants table",
			SQL: `
				CREATE TABLE IF NOT EXISTS access_grants (
					id VARCHAR(36) PRIMARY KEY,
					object_type VARCHAR(50) NOT NULL,
					object_id VARCHAR(36) NOT NULL,
					granted_to_org VARCHAR(36) NOT NULL,
					role VARCHAR(20) NOT NULL,
					access_mode VARCHAR(20) NOT NULL,
					can_reshare BOOLEAN NOT NULL DEFAULT FALSE,
					expires_at TIMESTAMP,
					revoked_at TIMESTAMP,
					revoked_by VARCHAR(36),
					revoke_reason TEXT,
					created_by VARCHAR(36) NOT NULL,
					created_at TIMESTAMP NOT NULL,
					last_used_at TIMESTAMP
				);

				CREATE INDEX IF NOT EXISTS idx_access_grants_object ON access_grants(object_type, object_id);
				CREATE INDEX IF NOT EXISTS idx_access_grants_org ON access_grants(granted_to_org);
			`,
		},
		{
			Version:     2,
			Description: "Enforce one active grant per (object, organization)",
			SQL: `
				CREATE UNIQUE INDEX IF NOT EXISTS idx_access_grants_active
				ON access_grants(object_type, object_id, granted_to_org)
				WHERE revoked_at IS NULL;
			`,
		},
	}
}

// RunMigrations applies all grant-store migrations in order
func RunMigrations(ctx context.Context, db *sql.DB) error {
	for _, m := range GetMigrations() {
		if _, err := db.ExecContext(ctx, m.SQL); err != nil {
			return fmt.Errorf("grant migration %d (%s) failed: %w", m.Version, m.Description, err)
		}
	}
	return nil
}
