// Package projects stores per-project team assignments. An assignment binds
// a user to a project with a platform role that supersedes the user's
// organization-wide role for that project's resources; absence of an
// assignment is a denial condition, not an error.
package projects

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/luminbio/labd/pkg/authz"
)

// TeamAssignment binds a user to a project with a platform role
type TeamAssignment struct {
	ProjectID  string             `json:"project_id"`
	UserID     string             `json:"user_id"`
	Role       authz.PlatformRole `json:"role"`
	AssignedBy string             `json:"assigned_by"`
	AssignedAt time.Time          `json:"assigned_at"`
}

// Store handles team-assignment persistence
type Store struct {
	db *sql.DB
}

// NewStore creates a new assignment store
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Migration represents a database migration
type Migration struct {
	Version     int
	Description string
	SQL         string
}

// GetMigrations returns all assignment migrations
func GetMigrations() []Migration {
	return []Migration{
		{
			Version:     1,
			Description: "Create project_team table",
			SQL: `
				CREATE TABLE IF NOT EXISTS project_team (
					project_id VARCHAR(36) NOT NULL,
					user_id VARCHAR(36) NOT NULL,
					role VARCHAR(20) NOT NULL,
					assigned_by VARCHAR(36) NOT NULL,
					assigned_at TIMESTAMP NOT NULL,
					PRIMARY KEY (project_id, user_id)
				);

				CREATE INDEX IF NOT EXISTS idx_project_team_user ON project_team(user_id);
			`,
		},
	}
}

// RunMigrations applies all assignment migrations in order
func RunMigrations(ctx context.Context, db *sql.DB) error {
	for _, m := range GetMigrations() {
		if _, err := db.ExecContext(ctx, m.SQL); err != nil {
			return fmt.Errorf("project_team migration %d (%s) failed: %w", m.Version, m.Description, err)
		}
	}
	return nil
}

// Assign creates or replaces the assignment for (project, user)
func (s *Store) Assign(ctx context.Context, a *TeamAssignment) error {
	if !a.Role.Valid() {
		return &authz.ValidationError{Field: "role", Message: fmt.Sprintf("unknown platform role %q", a.Role)}
	}
	a.AssignedAt = time.Now().UTC()

	query := `
		INSERT INTO project_team (project_id, user_id, role, assigned_by, assigned_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (project_id, user_id)
		DO UPDATE SET role = EXCLUDED.role, assigned_by = EXCLUDED.assigned_by, assigned_at = EXCLUDED.assigned_at
	`
	if _, err := s.db.ExecContext(ctx, query, a.ProjectID, a.UserID, a.Role, a.AssignedBy, a.AssignedAt); err != nil {
		return fmt.Errorf("failed to assign user to project: %w", err)
	}
	return nil
}

// Remove deletes an assignment; removing a non-existent assignment is a no-op
func (s *Store) Remove(ctx context.Context, projectID, userID string) error {
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM project_team WHERE project_id = $1 AND user_id = $2`,
		projectID, userID); err != nil {
		return fmt.Errorf("failed to remove assignment: %w", err)
	}
	return nil
}

// Get returns the assignment for (project, user), or nil when none exists
func (s *Store) Get(ctx context.Context, projectID, userID string) (*TeamAssignment, error) {
	var a TeamAssignment
	err := s.db.QueryRowContext(ctx, `
		SELECT project_id, user_id, role, assigned_by, assigned_at
		FROM project_team
		WHERE project_id = $1 AND user_id = $2
	`, projectID, userID).Scan(&a.ProjectID, &a.UserID, &a.Role, &a.AssignedBy, &a.AssignedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get assignment: %w", err)
	}
	return &a, nil
}

// RoleInProject satisfies authz.AssignmentSource. ok=false means the user is
// not assigned to the project.
func (s *Store) RoleInProject(ctx context.Context, userID, projectID string) (authz.PlatformRole, bool, error) {
	a, err := s.Get(ctx, projectID, userID)
	if err != nil {
		return "", false, err
	}
	if a == nil {
		return "", false, nil
	}
	return a.Role, true, nil
}

// ListTeam returns all assignments for a project ordered by assignment time
func (s *Store) ListTeam(ctx context.Context, projectID string) ([]TeamAssignment, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT project_id, user_id, role, assigned_by, assigned_at
		FROM project_team
		WHERE project_id = $1
		ORDER BY assigned_at ASC
	`, projectID)
	if err != nil {
		return nil, fmt.Errorf("failed to list team: %w", err)
	}
	defer rows.Close()

	var team []TeamAssignment
	for rows.Next() {
		var a TeamAssignment
		if err := rows.Scan(&a.ProjectID, &a.UserID, &a.Role, &a.AssignedBy, &a.AssignedAt); err != nil {
			return nil, fmt.Errorf("failed to scan assignment: %w", err)
		}
		team = append(team, a)
	}
	return team, rows.Err()
}
