package integrationauthstore_test

import (
	"context"
	"errors"
	"testing"
	"time"

	integrationauthstore "github.com/dalemusser/keyhub/internal/app/store/integrationauths"
	"github.com/dalemusser/keyhub/internal/app/system/errreport"
	"github.com/dalemusser/keyhub/internal/app/system/indexes"
	"github.com/dalemusser/keyhub/internal/domain/models"
	"github.com/dalemusser/keyhub/internal/testutil"
	"github.com/dalemusser/keyhub/internal/vault"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
)

func setup(t *testing.T) (*mongo.Database, *integrationauthstore.Store, *testutil.RecordingSink, *vault.Vault) {
	t.Helper()
	db := testutil.SetupTestDB(t)
	ctx, cancel := testutil.TestContext()
	defer cancel()
	if err := indexes.EnsureAll(ctx, db); err != nil {
		t.Fatalf("EnsureAll failed: %v", err)
	}

	key, err := vault.GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey failed: %v", err)
	}
	v, err := vault.New(key)
	if err != nil {
		t.Fatalf("vault.New failed: %v", err)
	}

	sink := &testutil.RecordingSink{}
	return db, integrationauthstore.New(db, sink), sink, v
}

func seal(t *testing.T, v *vault.Vault, plaintext string) *vault.Sealed {
	t.Helper()
	s, err := v.Seal(plaintext, vault.UTF8)
	if err != nil {
		t.Fatalf("Seal failed: %v", err)
	}
	return &s
}

func newAuth(wsID primitive.ObjectID, integration string) models.IntegrationAuth {
	return models.IntegrationAuth{
		WorkspaceID: wsID,
		Integration: integration,
		Algorithm:   vault.Algorithm,
		KeyEncoding: vault.UTF8,
	}
}

func TestUpsert_CreatesWithoutReturningSecrets(t *testing.T) {
	_, store, _, v := setup(t)
	ctx, cancel := testutil.TestContext()
	defer cancel()

	a := newAuth(primitive.NewObjectID(), models.IntegrationGitHub)
	a.Access = seal(t, v, "gho_access")
	a.Refresh = seal(t, v, "ghr_refresh")

	got, err := store.Upsert(ctx, a)
	if err != nil {
		t.Fatalf("Upsert failed: %v", err)
	}
	if got.ID.IsZero() {
		t.Error("expected ID to be assigned")
	}
	if got.Version != 1 {
		t.Errorf("Version = %d, want 1", got.Version)
	}
	if got.Access != nil || got.Refresh != nil {
		t.Error("Upsert returned credential slots")
	}
	if got.CreatedAt.IsZero() {
		t.Error("expected created_at to be set")
	}
}

func TestUpsert_ReplacesPerWorkspaceIntegration(t *testing.T) {
	_, store, _, v := setup(t)
	ctx, cancel := testutil.TestContext()
	defer cancel()

	wsID := primitive.NewObjectID()
	a := newAuth(wsID, models.IntegrationVercel)
	a.TeamID = "team_1"
	a.Access = seal(t, v, "first")
	a.Refresh = seal(t, v, "refresh")

	first, err := store.Upsert(ctx, a)
	if err != nil {
		t.Fatalf("first Upsert failed: %v", err)
	}

	b := newAuth(wsID, models.IntegrationVercel)
	b.TeamID = "team_2"
	b.Access = seal(t, v, "second")

	second, err := store.Upsert(ctx, b)
	if err != nil {
		t.Fatalf("second Upsert failed: %v", err)
	}
	if second.ID != first.ID {
		t.Errorf("replace created a new record: %s != %s", second.ID.Hex(), first.ID.Hex())
	}
	if second.TeamID != "team_2" {
		t.Errorf("TeamID = %q, want team_2", second.TeamID)
	}
	if second.Version != 2 {
		t.Errorf("Version = %d, want 2", second.Version)
	}

	full, err := store.GetWithSecrets(ctx, first.ID)
	if err != nil {
		t.Fatalf("GetWithSecrets failed: %v", err)
	}
	if full.Refresh != nil {
		t.Error("replace kept a refresh slot the new record did not carry")
	}
	got, err := v.Unseal(*full.Access, vault.UTF8)
	if err != nil || got != "second" {
		t.Errorf("Access = %q, %v; want second", got, err)
	}
}

func TestUpsert_RejectsInvalidRecords(t *testing.T) {
	_, store, sink, v := setup(t)
	ctx, cancel := testutil.TestContext()
	defer cancel()

	partial := seal(t, v, "x")
	partial.Tag = ""

	tests := []struct {
		name    string
		mutate  func(*models.IntegrationAuth)
		wantErr error
	}{
		{"unknown integration", func(a *models.IntegrationAuth) { a.Integration = "myspace" }, models.ErrUnknownIntegration},
		{"unknown algorithm", func(a *models.IntegrationAuth) { a.Algorithm = "aes-128-cbc" }, models.ErrUnknownAlgorithm},
		{"unknown encoding", func(a *models.IntegrationAuth) { a.KeyEncoding = "hex" }, vault.ErrUnknownEncoding},
		{"incomplete triple", func(a *models.IntegrationAuth) { a.Access = partial }, vault.ErrIncompleteTriple},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := newAuth(primitive.NewObjectID(), models.IntegrationHeroku)
			tt.mutate(&a)
			if _, err := store.Upsert(ctx, a); err != tt.wantErr {
				t.Errorf("Upsert() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
	if sink.Count() != 0 {
		t.Errorf("validation errors were reported: %v", sink.Errors())
	}
}

func TestGetByID_ExcludesSecrets(t *testing.T) {
	db, store, _, v := setup(t)
	ctx, cancel := testutil.TestContext()
	defer cancel()

	exp := time.Now().Add(time.Hour).UTC().Truncate(time.Millisecond)
	a := newAuth(primitive.NewObjectID(), models.IntegrationNetlify)
	a.AccountID = "acct"
	a.Access = seal(t, v, "token")
	a.AccessID = seal(t, v, "token-id")
	a.AccessExpiresAt = &exp
	saved, err := store.Upsert(ctx, a)
	if err != nil {
		t.Fatalf("Upsert failed: %v", err)
	}

	got, err := store.GetByID(ctx, saved.ID)
	if err != nil {
		t.Fatalf("GetByID failed: %v", err)
	}
	if got.Access != nil || got.AccessID != nil || got.Refresh != nil || got.AccessExpiresAt != nil {
		t.Errorf("GetByID returned secret fields: %+v", got)
	}
	if got.AccountID != "acct" {
		t.Errorf("AccountID = %q, want acct", got.AccountID)
	}

	full, err := store.GetWithSecrets(ctx, saved.ID)
	if err != nil {
		t.Fatalf("GetWithSecrets failed: %v", err)
	}
	if full.Access == nil || full.AccessID == nil {
		t.Fatal("GetWithSecrets did not return sealed slots")
	}
	if full.AccessExpiresAt == nil || !full.AccessExpiresAt.Equal(exp) {
		t.Errorf("AccessExpiresAt = %v, want %v", full.AccessExpiresAt, exp)
	}

	// Stored shape: each slot is a {ciphertext, iv, tag} subdocument, absent slots are omitted.
	var raw bson.M
	if err := db.Collection("integration_auths").FindOne(ctx, bson.M{"_id": saved.ID}).Decode(&raw); err != nil {
		t.Fatalf("raw find failed: %v", err)
	}
	access, ok := raw["access"].(bson.M)
	if !ok {
		t.Fatalf("access stored as %T, want subdocument", raw["access"])
	}
	for _, k := range []string{"ciphertext", "iv", "tag"} {
		if _, ok := access[k]; !ok {
			t.Errorf("access subdocument missing %q", k)
		}
	}
	if _, ok := raw["refresh"]; ok {
		t.Error("absent refresh slot was stored")
	}
}

func TestGetByID_NotFound(t *testing.T) {
	_, store, sink, _ := setup(t)
	ctx, cancel := testutil.TestContext()
	defer cancel()

	if _, err := store.GetByID(ctx, primitive.NewObjectID()); err != integrationauthstore.ErrNotFound {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
	if sink.Count() != 0 {
		t.Error("not-found was reported to the sink")
	}
}

func TestGetByIntegration_AndList(t *testing.T) {
	_, store, _, v := setup(t)
	ctx, cancel := testutil.TestContext()
	defer cancel()

	wsID := primitive.NewObjectID()
	for _, name := range []string{models.IntegrationRender, models.IntegrationGitLab, models.IntegrationFlyio} {
		a := newAuth(wsID, name)
		a.Access = seal(t, v, name+"-token")
		if _, err := store.Upsert(ctx, a); err != nil {
			t.Fatalf("Upsert(%s) failed: %v", name, err)
		}
	}
	other := newAuth(primitive.NewObjectID(), models.IntegrationGitLab)
	if _, err := store.Upsert(ctx, other); err != nil {
		t.Fatalf("Upsert(other) failed: %v", err)
	}

	list, err := store.ListByWorkspace(ctx, wsID)
	if err != nil {
		t.Fatalf("ListByWorkspace failed: %v", err)
	}
	if len(list) != 3 {
		t.Fatalf("expected 3 records, got %d", len(list))
	}
	if list[0].Integration != models.IntegrationFlyio || list[2].Integration != models.IntegrationRender {
		t.Errorf("unexpected order: %s, %s, %s", list[0].Integration, list[1].Integration, list[2].Integration)
	}
	for _, a := range list {
		if a.Access != nil {
			t.Errorf("%s: list returned secrets", a.Integration)
		}
	}

	got, err := store.GetByIntegration(ctx, wsID, models.IntegrationGitLab)
	if err != nil {
		t.Fatalf("GetByIntegration failed: %v", err)
	}
	if got.WorkspaceID != wsID {
		t.Errorf("GetByIntegration returned another workspace's record")
	}
}

func TestUpdateSlots_VersionCheck(t *testing.T) {
	_, store, _, v := setup(t)
	ctx, cancel := testutil.TestContext()
	defer cancel()

	a := newAuth(primitive.NewObjectID(), models.IntegrationGitHub)
	a.Access = seal(t, v, "old-access")
	a.Refresh = seal(t, v, "refresh")
	saved, err := store.Upsert(ctx, a)
	if err != nil {
		t.Fatalf("Upsert failed: %v", err)
	}

	exp := time.Now().Add(time.Hour)
	newVersion, err := store.UpdateSlots(ctx, saved.ID, saved.Version, integrationauthstore.SlotUpdate{
		Access:          seal(t, v, "new-access"),
		AccessExpiresAt: &exp,
	})
	if err != nil {
		t.Fatalf("UpdateSlots failed: %v", err)
	}
	if newVersion != saved.Version+1 {
		t.Errorf("new version = %d, want %d", newVersion, saved.Version+1)
	}

	// A second writer still holding the old version loses.
	_, err = store.UpdateSlots(ctx, saved.ID, saved.Version, integrationauthstore.SlotUpdate{
		Access: seal(t, v, "stale-access"),
	})
	if err != integrationauthstore.ErrVersionConflict {
		t.Fatalf("expected ErrVersionConflict, got %v", err)
	}

	full, err := store.GetWithSecrets(ctx, saved.ID)
	if err != nil {
		t.Fatalf("GetWithSecrets failed: %v", err)
	}
	access, _ := v.Unseal(*full.Access, vault.UTF8)
	if access != "new-access" {
		t.Errorf("Access = %q, want new-access", access)
	}
	refresh, _ := v.Unseal(*full.Refresh, vault.UTF8)
	if refresh != "refresh" {
		t.Errorf("refresh slot changed: %q", refresh)
	}
}

func TestUpdateSlots_Errors(t *testing.T) {
	_, store, _, v := setup(t)
	ctx, cancel := testutil.TestContext()
	defer cancel()

	if _, err := store.UpdateSlots(ctx, primitive.NewObjectID(), 1, integrationauthstore.SlotUpdate{
		Access: seal(t, v, "x"),
	}); err != integrationauthstore.ErrNotFound {
		t.Errorf("missing record: expected ErrNotFound, got %v", err)
	}

	if _, err := store.UpdateSlots(ctx, primitive.NewObjectID(), 1, integrationauthstore.SlotUpdate{}); err != integrationauthstore.ErrNoChanges {
		t.Errorf("empty update: expected ErrNoChanges, got %v", err)
	}

	if _, err := store.UpdateSlots(ctx, primitive.NewObjectID(), 1, integrationauthstore.SlotUpdate{
		Refresh: &vault.Sealed{Ciphertext: "abc"},
	}); err != vault.ErrIncompleteTriple {
		t.Errorf("partial triple: expected ErrIncompleteTriple, got %v", err)
	}
}

func TestDelete(t *testing.T) {
	_, store, _, v := setup(t)
	ctx, cancel := testutil.TestContext()
	defer cancel()

	a := newAuth(primitive.NewObjectID(), models.IntegrationSupabase)
	a.Access = seal(t, v, "token")
	saved, err := store.Upsert(ctx, a)
	if err != nil {
		t.Fatalf("Upsert failed: %v", err)
	}

	deleted, err := store.Delete(ctx, saved.ID)
	if err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if deleted.ID != saved.ID || deleted.Access != nil {
		t.Errorf("unexpected snapshot: %+v", deleted)
	}
	if _, err := store.Delete(ctx, saved.ID); err != integrationauthstore.ErrNotFound {
		t.Errorf("second Delete: expected ErrNotFound, got %v", err)
	}
}

func TestDeleteByWorkspace(t *testing.T) {
	_, store, _, _ := setup(t)
	ctx, cancel := testutil.TestContext()
	defer cancel()

	wsID := primitive.NewObjectID()
	otherWS := primitive.NewObjectID()
	for _, name := range []string{models.IntegrationHeroku, models.IntegrationRailway} {
		if _, err := store.Upsert(ctx, newAuth(wsID, name)); err != nil {
			t.Fatalf("Upsert failed: %v", err)
		}
	}
	if _, err := store.Upsert(ctx, newAuth(otherWS, models.IntegrationHeroku)); err != nil {
		t.Fatalf("Upsert failed: %v", err)
	}

	n, err := store.DeleteByWorkspace(ctx, wsID)
	if err != nil {
		t.Fatalf("DeleteByWorkspace failed: %v", err)
	}
	if n != 2 {
		t.Errorf("deleted %d, want 2", n)
	}
	rest, _ := store.ListByWorkspace(ctx, otherWS)
	if len(rest) != 1 {
		t.Errorf("other workspace lost records: %d left", len(rest))
	}
}

func TestStoreFault_Reported(t *testing.T) {
	_, store, sink, _ := setup(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := store.GetWithSecrets(ctx, primitive.NewObjectID())
	if !errors.Is(err, errreport.ErrStoreFailure) {
		t.Fatalf("expected ErrStoreFailure, got %v", err)
	}
	if errors.Is(err, context.Canceled) {
		t.Error("driver error leaked through the store failure")
	}
	if sink.Count() != 1 {
		t.Errorf("expected 1 report, got %d", sink.Count())
	}
}
