package overrides

import (
	"context"
	"database/sql"
	"errors"
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

func TestStore_GrantAndLookup(t *testing.T) {
	store := NewStore(setupTestDB(t))
	ctx := context.Background()

	id, err := store.Grant(ctx, &AccessOverride{
		ResourceType: authz.ResourceReport,
		ResourceID:   "report-1",
		UserID:       "user-1",
		Level:        authz.LevelDownload,
		CanShare:     true,
		GrantedBy:    "user-manager",
	})
	if err != nil {
		t.Fatalf("Grant failed: %v", err)
	}
	if id == "" {
		t.Fatal("Expected a non-empty override id")
	}

	ov, err := store.Lookup(ctx, authz.ResourceReport, "report-1", "user-1")
	if err != nil {
		t.Fatalf("Lookup failed: %v", err)
	}
	if ov == nil {
		t.Fatal("Expected override, got nil")
	}
	if ov.Level != authz.LevelDownload {
		t.Errorf("Expected level download, got %s", ov.Level)
	}
	if !ov.CanShare {
		t.Error("Expected can_share to be true")
	}
}

func TestStore_GrantReplacesLevel(t *testing.T) {
	store := NewStore(setupTestDB(t))
	ctx := context.Background()

	for _, level := range []authz.AccessLevel{authz.LevelEdit, authz.LevelView} {
		_, err := store.Grant(ctx, &AccessOverride{
			ResourceType: authz.ResourceSample,
			ResourceID:   "sample-1",
			UserID:       "user-1",
			Level:        level,
			GrantedBy:    "user-manager",
		})
		if err != nil {
			t.Fatalf("Grant at level %s failed: %v", level, err)
		}
	}

	ov, err := store.Lookup(ctx, authz.ResourceSample, "sample-1", "user-1")
	if err != nil {
		t.Fatalf("Lookup failed: %v", err)
	}
	if ov == nil {
		t.Fatal("Expected override, got nil")
	}
	if ov.Level != authz.LevelView {
		t.Errorf("Expected re-grant to replace level, got %s", ov.Level)
	}

	all, err := store.ListForResource(ctx, authz.ResourceSample, "sample-1")
	if err != nil {
		t.Fatalf("ListForResource failed: %v", err)
	}
	if len(all) != 1 {
		t.Errorf("Expected single override after re-grant, got %d", len(all))
	}
}

func TestStore_GrantRejectsUnsupportedType(t *testing.T) {
	store := NewStore(setupTestDB(t))

	for _, rt := range []authz.ResourceType{authz.ResourceBatch, authz.ResourceProject, authz.ResourceAnalysis} {
		_, err := store.Grant(context.Background(), &AccessOverride{
			ResourceType: rt,
			ResourceID:   "res-1",
			UserID:       "user-1",
			Level:        authz.LevelView,
			GrantedBy:    "user-manager",
		})
		var verr *authz.ValidationError
		if !errors.As(err, &verr) {
			t.Errorf("Expected validation error for %s, got %v", rt, err)
		}
	}
}

func TestStore_GrantRejectsInvalidLevel(t *testing.T) {
	store := NewStore(setupTestDB(t))

	_, err := store.Grant(context.Background(), &AccessOverride{
		ResourceType: authz.ResourceReport,
		ResourceID:   "report-1",
		UserID:       "user-1",
		Level:        authz.AccessLevel("owner"),
		GrantedBy:    "user-manager",
	})
	var verr *authz.ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("Expected validation error, got %v", err)
	}
}

func TestStore_LookupAbsent(t *testing.T) {
	store := NewStore(setupTestDB(t))

	ov, err := store.Lookup(context.Background(), authz.ResourceReport, "report-unknown", "user-1")
	if err != nil {
		t.Fatalf("Lookup failed: %v", err)
	}
	if ov != nil {
		t.Error("Expected nil override for absent record")
	}
}

func TestStore_Revoke(t *testing.T) {
	store := NewStore(setupTestDB(t))
	ctx := context.Background()

	_, err := store.Grant(ctx, &AccessOverride{
		ResourceType: authz.ResourceReport,
		ResourceID:   "report-1",
		UserID:       "user-1",
		Level:        authz.LevelEdit,
		GrantedBy:    "user-manager",
	})
	if err != nil {
		t.Fatalf("Grant failed: %v", err)
	}

	if err := store.Revoke(ctx, authz.ResourceReport, "report-1", "user-1"); err != nil {
		t.Fatalf("Revoke failed: %v", err)
	}

	ov, err := store.Lookup(ctx, authz.ResourceReport, "report-1", "user-1")
	if err != nil {
		t.Fatalf("Lookup failed: %v", err)
	}
	if ov != nil {
		t.Error("Expected override to be gone after revoke")
	}

	// revoking again is a no-op
	if err := store.Revoke(ctx, authz.ResourceReport, "report-1", "user-1"); err != nil {
		t.Errorf("Expected revoking absent override to succeed, got %v", err)
	}
}

func TestStore_OverridesAreScopedPerUser(t *testing.T) {
	store := NewStore(setupTestDB(t))
	ctx := context.Background()

	_, err := store.Grant(ctx, &AccessOverride{
		ResourceType: authz.ResourceSample,
		ResourceID:   "sample-1",
		UserID:       "user-a",
		Level:        authz.LevelEdit,
		GrantedBy:    "user-manager",
	})
	if err != nil {
		t.Fatalf("Grant failed: %v", err)
	}

	ov, err := store.Lookup(ctx, authz.ResourceSample, "sample-1", "user-b")
	if err != nil {
		t.Fatalf("Lookup failed: %v", err)
	}
	if ov != nil {
		t.Error("Expected no override for a different user")
	}
}
