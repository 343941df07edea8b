// Package resources maintains the directory of workspace-owned resources.
// Every access-controlled object registers here at creation time so that the
// decision engine can resolve its owning workspace.
package resources

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/luminbio/labd/pkg/authz"
)

// Resource records the owning workspace of a single object
type Resource struct {
	Type        authz.ResourceType `json:"type"`
	ID          string             `json:"id"`
	WorkspaceID string             `json:"workspace_id"`
	CreatedBy   string             `json:"created_by"`
	CreatedAt   time.Time          `json:"created_at"`
}

// Directory resolves resource ownership. Ownership never changes after
// registration, so positive lookups are cached; misses are not, since a
// resource may register at any moment.
type Directory struct {
	db    *sql.DB
	cache *lru.Cache[string, string]
}

// DefaultCacheSize bounds the owner cache
const DefaultCacheSize = 4096

// NewDirectory creates a resource directory backed by db
func NewDirectory(db *sql.DB, cacheSize int) (*Directory, error) {
	if cacheSize <= 0 {
		cacheSize = DefaultCacheSize
	}
	cache, err := lru.New[string, string](cacheSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create owner cache: %w", err)
	}
	return &Directory{db: db, cache: cache}, nil
}

// Migration represents a database migration
type Migration struct {
	Version     int
	Description string
	SQL         string
}

// GetMigrations returns all resource directory migrations
func GetMigrations() []Migration {
	return []Migration{
		{
			Version:     1,
			Description: "Create resources table",
			SQL: `
				CREATE TABLE IF NOT EXISTS resources (
					resource_type VARCHAR(50) NOT NULL,
					resource_id VARCHAR(36) NOT NULL,
					workspace_id VARCHAR(36) NOT NULL,
					created_by VARCHAR(36) NOT NULL,
					created_at TIMESTAMP NOT NULL,
					PRIMARY KEY (resource_type, resource_id)
				);

				CREATE INDEX IF NOT EXISTS idx_resources_workspace ON resources(workspace_id);
			`,
		},
	}
}

// RunMigrations applies all resource directory migrations in order
func RunMigrations(ctx context.Context, db *sql.DB) error {
	for _, m := range GetMigrations() {
		if _, err := db.ExecContext(ctx, m.SQL); err != nil {
			return fmt.Errorf("resources migration %d (%s) failed: %w", m.Version, m.Description, err)
		}
	}
	return nil
}

// Register records a resource and its owning workspace. Registering the same
// resource twice is rejected; ownership is immutable.
func (d *Directory) Register(ctx context.Context, r *Resource) error {
	if _, err := authz.ParseResourceType(string(r.Type)); err != nil {
		return err
	}
	r.CreatedAt = time.Now().UTC()

	_, err := d.db.ExecContext(ctx, `
		INSERT INTO resources (resource_type, resource_id, workspace_id, created_by, created_at)
		VALUES ($1, $2, $3, $4, $5)
	`, r.Type, r.ID, r.WorkspaceID, r.CreatedBy, r.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to register resource: %w", err)
	}
	return nil
}

// OwnerWorkspace satisfies authz.OwnerDirectory. ok=false means the resource
// is not registered.
func (d *Directory) OwnerWorkspace(ctx context.Context, resourceType authz.ResourceType, resourceID string) (string, bool, error) {
	key := string(resourceType) + "/" + resourceID
	if ws, ok := d.cache.Get(key); ok {
		return ws, true, nil
	}

	var ws string
	err := d.db.QueryRowContext(ctx,
		`SELECT workspace_id FROM resources WHERE resource_type = $1 AND resource_id = $2`,
		resourceType, resourceID).Scan(&ws)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to resolve resource owner: %w", err)
	}

	d.cache.Add(key, ws)
	return ws, true, nil
}

// Get returns the full registration record, or nil when unregistered
func (d *Directory) Get(ctx context.Context, resourceType authz.ResourceType, resourceID string) (*Resource, error) {
	var r Resource
	err := d.db.QueryRowContext(ctx, `
		SELECT resource_type, resource_id, workspace_id, created_by, created_at
		FROM resources
		WHERE resource_type = $1 AND resource_id = $2
	`, resourceType, resourceID).Scan(&r.Type, &r.ID, &r.WorkspaceID, &r.CreatedBy, &r.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get resource: %w", err)
	}
	return &r, nil
}

// ListByWorkspace returns all resources of a type owned by a workspace
func (d *Directory) ListByWorkspace(ctx context.Context, workspaceID string, resourceType authz.ResourceType) ([]Resource, error) {
	rows, err := d.db.QueryContext(ctx, `
		SELECT resource_type, resource_id, workspace_id, created_by, created_at
		FROM resources
		WHERE workspace_id = $1 AND resource_type = $2
		ORDER BY created_at ASC
	`, workspaceID, resourceType)
	if err != nil {
		return nil, fmt.Errorf("failed to list resources: %w", err)
	}
	defer rows.Close()

	var out []Resource
	for rows.Next() {
		var r Resource
		if err := rows.Scan(&r.Type, &r.ID, &r.WorkspaceID, &r.CreatedBy, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan resource: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
