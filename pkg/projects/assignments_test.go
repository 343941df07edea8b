package projects

import (
	"context"
	"database/sql"
	"testing"

	_ "github.com/mattn/go-sqlite3"

	"github.com/luminbio/labd/pkg/authz"
)

func setupTestDB(t *testing.T) *sql.DB {
	db, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		t.Fatalf("Failed to open test database: %v", err)
	}
	if err := RunMigrations(context.Background(), db); err != nil {
		t.Fatalf("Failed to run migrations: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestStore_AssignAndGet(t *testing.T) {
	store := NewStore(setupTestDB(t))
	ctx := context.Background()

	err := store.Assign(ctx, &TeamAssignment{
		ProjectID:  "proj-1",
		UserID:     "user-1",
		Role:       authz.RoleScientist,
		AssignedBy: "user-admin",
	})
	if err != nil {
		t.Fatalf("Assign failed: %v", err)
	}

	a, err := store.Get(ctx, "proj-1", "user-1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if a == nil {
		t.Fatal("Expected assignment, got nil")
	}
	if a.Role != authz.RoleScientist {
		t.Errorf("Expected role scientist, got %s", a.Role)
	}
	if a.AssignedBy != "user-admin" {
		t.Errorf("Expected assigned_by user-admin, got %s", a.AssignedBy)
	}
	if a.AssignedAt.IsZero() {
		t.Error("Expected assigned_at to be set")
	}
}

func TestStore_AssignReplacesRole(t *testing.T) {
	store := NewStore(setupTestDB(t))
	ctx := context.Background()

	for _, role := range []authz.PlatformRole{authz.RoleViewer, authz.RoleManager} {
		err := store.Assign(ctx, &TeamAssignment{
			ProjectID:  "proj-1",
			UserID:     "user-1",
			Role:       role,
			AssignedBy: "user-admin",
		})
		if err != nil {
			t.Fatalf("Assign with role %s failed: %v", role, err)
		}
	}

	role, ok, err := store.RoleInProject(ctx, "user-1", "proj-1")
	if err != nil {
		t.Fatalf("RoleInProject failed: %v", err)
	}
	if !ok {
		t.Fatal("Expected assignment to exist")
	}
	if role != authz.RoleManager {
		t.Errorf("Expected reassignment to replace role, got %s", role)
	}

	team, err := store.ListTeam(ctx, "proj-1")
	if err != nil {
		t.Fatalf("ListTeam failed: %v", err)
	}
	if len(team) != 1 {
		t.Errorf("Expected single assignment after reassign, got %d", len(team))
	}
}

func TestStore_AssignRejectsInvalidRole(t *testing.T) {
	store := NewStore(setupTestDB(t))

	err := store.Assign(context.Background(), &TeamAssignment{
		ProjectID:  "proj-1",
		UserID:     "user-1",
		Role:       authz.PlatformRole("superuser"),
		AssignedBy: "user-admin",
	})
	if err == nil {
		t.Fatal("Expected error for invalid role")
	}
}

func TestStore_RoleInProjectAbsent(t *testing.T) {
	store := NewStore(setupTestDB(t))

	_, ok, err := store.RoleInProject(context.Background(), "user-unknown", "proj-1")
	if err != nil {
		t.Fatalf("RoleInProject failed: %v", err)
	}
	if ok {
		t.Error("Expected no assignment for unknown user")
	}
}

func TestStore_Remove(t *testing.T) {
	store := NewStore(setupTestDB(t))
	ctx := context.Background()

	err := store.Assign(ctx, &TeamAssignment{
		ProjectID:  "proj-1",
		UserID:     "user-1",
		Role:       authz.RoleViewer,
		AssignedBy: "user-admin",
	})
	if err != nil {
		t.Fatalf("Assign failed: %v", err)
	}

	if err := store.Remove(ctx, "proj-1", "user-1"); err != nil {
		t.Fatalf("Remove failed: %v", err)
	}

	_, ok, err := store.RoleInProject(ctx, "user-1", "proj-1")
	if err != nil {
		t.Fatalf("RoleInProject failed: %v", err)
	}
	if ok {
		t.Error("Expected assignment to be removed")
	}

	// removing again is a no-op
	if err := store.Remove(ctx, "proj-1", "user-1"); err != nil {
		t.Errorf("Expected removing absent assignment to succeed, got %v", err)
	}
}

func TestStore_ListTeam(t *testing.T) {
	store := NewStore(setupTestDB(t))
	ctx := context.Background()

	users := []string{"user-a", "user-b", "user-c"}
	for _, u := range users {
		err := store.Assign(ctx, &TeamAssignment{
			ProjectID:  "proj-1",
			UserID:     u,
			Role:       authz.RoleScientist,
			AssignedBy: "user-admin",
		})
		if err != nil {
			t.Fatalf("Assign %s failed: %v", u, err)
		}
	}

	team, err := store.ListTeam(ctx, "proj-1")
	if err != nil {
		t.Fatalf("ListTeam failed: %v", err)
	}
	if len(team) != 3 {
		t.Errorf("Expected 3 assignments, got %d", len(team))
	}

	other, err := store.ListTeam(ctx, "proj-other")
	if err != nil {
		t.Fatalf("ListTeam failed: %v", err)
	}
	if len(other) != 0 {
		t.Errorf("Expected empty team for other project, got %d", len(other))
	}
}
