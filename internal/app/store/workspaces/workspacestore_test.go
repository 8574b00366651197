package workspacestore_test

import (
	"context"
	"errors"
	"testing"

	integrationauthstore "github.com/dalemusser/keyhub/internal/app/store/integrationauths"
	keystore "github.com/dalemusser/keyhub/internal/app/store/keys"
	workspacestore "github.com/dalemusser/keyhub/internal/app/store/workspaces"
	"github.com/dalemusser/keyhub/internal/app/system/errreport"
	"github.com/dalemusser/keyhub/internal/domain/models"
	"github.com/dalemusser/keyhub/internal/testutil"
	"github.com/dalemusser/keyhub/internal/vault"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.uber.org/zap"
)

func TestStore_Create(t *testing.T) {
	db := testutil.SetupTestDB(t)
	store := workspacestore.New(db, nil, zap.NewNop())
	ctx, cancel := testutil.TestContext()
	defer cancel()

	created, err := store.Create(ctx, models.Workspace{Name: "  Test Workspace "})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	if created.ID == primitive.NilObjectID {
		t.Error("expected ID to be assigned")
	}
	if created.Name != "Test Workspace" {
		t.Errorf("expected trimmed name, got %q", created.Name)
	}
	if created.NameCI == "" {
		t.Error("expected NameCI to be set")
	}
	if created.Status != models.WorkspaceActive {
		t.Errorf("expected status 'active', got %q", created.Status)
	}
	if created.CreatedAt.IsZero() {
		t.Error("expected CreatedAt to be set")
	}
}

func TestStore_Create_Validation(t *testing.T) {
	db := testutil.SetupTestDB(t)
	store := workspacestore.New(db, nil, zap.NewNop())
	ctx, cancel := testutil.TestContext()
	defer cancel()

	if _, err := store.Create(ctx, models.Workspace{Name: "   "}); err != workspacestore.ErrNameRequired {
		t.Errorf("expected ErrNameRequired, got %v", err)
	}
	if _, err := store.Create(ctx, models.Workspace{Name: "X", Status: "archived"}); err != workspacestore.ErrBadStatus {
		t.Errorf("expected ErrBadStatus, got %v", err)
	}
}

func TestStore_GetByID(t *testing.T) {
	db := testutil.SetupTestDB(t)
	store := workspacestore.New(db, nil, zap.NewNop())
	ctx, cancel := testutil.TestContext()
	defer cancel()

	created, err := store.Create(ctx, models.Workspace{Name: "Test Workspace"})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	found, err := store.GetByID(ctx, created.ID)
	if err != nil {
		t.Fatalf("GetByID failed: %v", err)
	}
	if found.Name != created.Name {
		t.Errorf("expected name %q, got %q", created.Name, found.Name)
	}

	if _, err := store.GetByID(ctx, primitive.NewObjectID()); err != workspacestore.ErrNotFound {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestStore_ListRenameStatus(t *testing.T) {
	db := testutil.SetupTestDB(t)
	store := workspacestore.New(db, nil, zap.NewNop())
	ctx, cancel := testutil.TestContext()
	defer cancel()

	b, _ := store.Create(ctx, models.Workspace{Name: "beta"})
	store.Create(ctx, models.Workspace{Name: "Alpha"})

	if err := store.Rename(ctx, b.ID, "Aardvark"); err != nil {
		t.Fatalf("Rename failed: %v", err)
	}
	if err := store.SetStatus(ctx, b.ID, models.WorkspaceDisabled); err != nil {
		t.Fatalf("SetStatus failed: %v", err)
	}

	list, err := store.List(ctx)
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(list) != 2 {
		t.Fatalf("expected 2 workspaces, got %d", len(list))
	}
	if list[0].Name != "Aardvark" || list[0].Status != models.WorkspaceDisabled {
		t.Errorf("unexpected first workspace: %+v", list[0])
	}

	if err := store.Rename(ctx, primitive.NewObjectID(), "x"); err != workspacestore.ErrNotFound {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
	if err := store.SetStatus(ctx, b.ID, "gone"); err != workspacestore.ErrBadStatus {
		t.Errorf("expected ErrBadStatus, got %v", err)
	}
}

func TestStore_Delete_Cascades(t *testing.T) {
	db := testutil.SetupTestDB(t)
	fixtures := testutil.NewFixtures(t, db)
	store := workspacestore.New(db, nil, zap.NewNop())
	ctx, cancel := testutil.TestContext()
	defer cancel()

	ws := fixtures.CreateWorkspace(ctx, "Doomed")
	keep := fixtures.CreateWorkspace(ctx, "Keep")
	alice := fixtures.CreateUser(ctx, "Alice", "alice@example.com")
	bob := fixtures.CreateUser(ctx, "Bob", "bob@example.com")

	fixtures.CreateMembership(ctx, ws.ID, alice.ID, models.RoleAdmin)
	fixtures.CreateMembership(ctx, ws.ID, bob.ID, models.RoleMember)
	fixtures.CreatePendingMembership(ctx, ws.ID, "carol@example.com", models.RoleMember)
	fixtures.CreateMembership(ctx, keep.ID, alice.ID, models.RoleMember)
	fixtures.CreateKey(ctx, ws.ID, alice.ID, bob.ID)
	fixtures.CreateKey(ctx, ws.ID, bob.ID, alice.ID)
	fixtures.CreateKey(ctx, keep.ID, alice.ID, alice.ID)

	integrations := integrationauthstore.New(db, nil)
	for _, wsID := range []primitive.ObjectID{ws.ID, keep.ID} {
		_, err := integrations.Upsert(ctx, models.IntegrationAuth{
			WorkspaceID: wsID,
			Integration: models.IntegrationGitHub,
			Algorithm:   vault.Algorithm,
			KeyEncoding: vault.UTF8,
		})
		if err != nil {
			t.Fatalf("Upsert failed: %v", err)
		}
	}

	res, err := store.Delete(ctx, ws.ID)
	if err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if res.Memberships != 3 || res.Keys != 2 || res.Integrations != 1 {
		t.Errorf("unexpected result: %+v", res)
	}

	if n, _ := db.Collection("memberships").CountDocuments(ctx, bson.M{"workspace_id": keep.ID}); n != 1 {
		t.Errorf("other workspace memberships: got %d, want 1", n)
	}
	keys, _ := keystore.New(db).ListByWorkspace(ctx, keep.ID)
	if len(keys) != 1 {
		t.Errorf("other workspace keys: got %d, want 1", len(keys))
	}

	if _, err := store.Delete(ctx, ws.ID); err != workspacestore.ErrNotFound {
		t.Errorf("second Delete: expected ErrNotFound, got %v", err)
	}
}

func TestStore_Delete_Fault(t *testing.T) {
	db := testutil.SetupTestDB(t)
	sink := &testutil.RecordingSink{}
	store := workspacestore.New(db, sink, zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := store.Delete(ctx, primitive.NewObjectID())
	if !errors.Is(err, errreport.ErrStoreFailure) {
		t.Fatalf("expected ErrStoreFailure, got %v", err)
	}
	if sink.Count() != 1 {
		t.Errorf("expected 1 report, got %d", sink.Count())
	}
}
