package resources

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

func setupDirectory(t *testing.T) *Directory {
	dir, err := NewDirectory(setupTestDB(t), 16)
	if err != nil {
		t.Fatalf("Failed to create directory: %v", err)
	}
	return dir
}

func TestDirectory_RegisterAndResolve(t *testing.T) {
	dir := setupDirectory(t)
	ctx := context.Background()

	err := dir.Register(ctx, &Resource{
		Type:        authz.ResourceBatch,
		ID:          "batch-1",
		WorkspaceID: "ws-acme",
		CreatedBy:   "user-1",
	})
	if err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	ws, ok, err := dir.OwnerWorkspace(ctx, authz.ResourceBatch, "batch-1")
	if err != nil {
		t.Fatalf("OwnerWorkspace failed: %v", err)
	}
	if !ok {
		t.Fatal("Expected resource to resolve")
	}
	if ws != "ws-acme" {
		t.Errorf("Expected owner ws-acme, got %s", ws)
	}
}

func TestDirectory_UnregisteredResource(t *testing.T) {
	dir := setupDirectory(t)

	_, ok, err := dir.OwnerWorkspace(context.Background(), authz.ResourceReport, "report-ghost")
	if err != nil {
		t.Fatalf("OwnerWorkspace failed: %v", err)
	}
	if ok {
		t.Error("Expected unregistered resource to not resolve")
	}
}

func TestDirectory_RegisterRejectsUnknownType(t *testing.T) {
	dir := setupDirectory(t)

	err := dir.Register(context.Background(), &Resource{
		Type:        authz.ResourceType("spreadsheet"),
		ID:          "x-1",
		WorkspaceID: "ws-acme",
		CreatedBy:   "user-1",
	})
	var verr *authz.ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("Expected validation error, got %v", err)
	}
}

func TestDirectory_DuplicateRegistrationRejected(t *testing.T) {
	dir := setupDirectory(t)
	ctx := context.Background()

	r := &Resource{Type: authz.ResourceSample, ID: "sample-1", WorkspaceID: "ws-acme", CreatedBy: "user-1"}
	if err := dir.Register(ctx, r); err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	dup := &Resource{Type: authz.ResourceSample, ID: "sample-1", WorkspaceID: "ws-other", CreatedBy: "user-2"}
	if err := dir.Register(ctx, dup); err == nil {
		t.Fatal("Expected duplicate registration to fail")
	}

	ws, ok, err := dir.OwnerWorkspace(ctx, authz.ResourceSample, "sample-1")
	if err != nil || !ok {
		t.Fatalf("OwnerWorkspace failed: ok=%v err=%v", ok, err)
	}
	if ws != "ws-acme" {
		t.Errorf("Expected ownership to be immutable, got %s", ws)
	}
}

func TestDirectory_OwnerCacheServesRepeatLookups(t *testing.T) {
	db := setupTestDB(t)
	dir, err := NewDirectory(db, 16)
	if err != nil {
		t.Fatalf("Failed to create directory: %v", err)
	}
	ctx := context.Background()

	err = dir.Register(ctx, &Resource{
		Type:        authz.ResourceReport,
		ID:          "report-1",
		WorkspaceID: "ws-acme",
		CreatedBy:   "user-1",
	})
	if err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	// warm the cache
	if _, ok, err := dir.OwnerWorkspace(ctx, authz.ResourceReport, "report-1"); !ok || err != nil {
		t.Fatalf("OwnerWorkspace failed: ok=%v err=%v", ok, err)
	}

	// with the database gone the cached owner must still resolve
	db.Close()
	ws, ok, err := dir.OwnerWorkspace(ctx, authz.ResourceReport, "report-1")
	if err != nil {
		t.Fatalf("Expected cached lookup to succeed, got %v", err)
	}
	if !ok || ws != "ws-acme" {
		t.Errorf("Expected cached owner ws-acme, got ok=%v ws=%s", ok, ws)
	}
}

func TestDirectory_ListByWorkspace(t *testing.T) {
	dir := setupDirectory(t)
	ctx := context.Background()

	for _, id := range []string{"sample-1", "sample-2"} {
		err := dir.Register(ctx, &Resource{Type: authz.ResourceSample, ID: id, WorkspaceID: "ws-acme", CreatedBy: "user-1"})
		if err != nil {
			t.Fatalf("Register %s failed: %v", id, err)
		}
	}
	err := dir.Register(ctx, &Resource{Type: authz.ResourceSample, ID: "sample-3", WorkspaceID: "ws-other", CreatedBy: "user-2"})
	if err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	list, err := dir.ListByWorkspace(ctx, "ws-acme", authz.ResourceSample)
	if err != nil {
		t.Fatalf("ListByWorkspace failed: %v", err)
	}
	if len(list) != 2 {
		t.Errorf("Expected 2 resources for ws-acme, got %d", len(list))
	}
}
