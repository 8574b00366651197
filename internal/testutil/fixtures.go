package testutil

import (
	"context"
	"testing"
	"time"

	"github.com/dalemusser/keyhub/internal/domain/models"
	"github.com/dalemusser/waffle/pantry/text"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
)

// Fixtures provides helper methods for creating test data.
type Fixtures struct {
	db *mongo.Database
	t  *testing.T
}

// NewFixtures creates a new Fixtures instance for the given test database.
func NewFixtures(t *testing.T, db *mongo.Database) *Fixtures {
	t.Helper()
	return &Fixtures{db: db, t: t}
}

// DB returns the underlying database for direct access in tests.
func (f *Fixtures) DB() *mongo.Database {
	return f.db
}

// CreateWorkspace creates an active workspace with the given name.
func (f *Fixtures) CreateWorkspace(ctx context.Context, name string) models.Workspace {
	f.t.Helper()

	now := time.Now().UTC()
	ws := models.Workspace{
		ID:        primitive.NewObjectID(),
		Name:      name,
		NameCI:    text.Fold(name),
		Status:    models.WorkspaceActive,
		CreatedAt: now,
		UpdatedAt: now,
	}

	if _, err := f.db.Collection("workspaces").InsertOne(ctx, ws); err != nil {
		f.t.Fatalf("failed to create test workspace: %v", err)
	}
	return ws
}

// CreateUser creates a registered user.
func (f *Fixtures) CreateUser(ctx context.Context, fullName, email string) models.User {
	f.t.Helper()

	now := time.Now().UTC()
	u := models.User{
		ID:         primitive.NewObjectID(),
		FullName:   fullName,
		FullNameCI: text.Fold(fullName),
		Email:      email,
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	if _, err := f.db.Collection("users").InsertOne(ctx, u); err != nil {
		f.t.Fatalf("failed to create test user: %v", err)
	}
	return u
}

// CreateMembership binds userID to workspaceID with role.
func (f *Fixtures) CreateMembership(ctx context.Context, workspaceID, userID primitive.ObjectID, role string) models.Membership {
	f.t.Helper()

	uid := userID
	now := time.Now().UTC()
	m := models.Membership{
		ID:          primitive.NewObjectID(),
		UserID:      &uid,
		WorkspaceID: workspaceID,
		Role:        role,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	if _, err := f.db.Collection("memberships").InsertOne(ctx, m); err != nil {
		f.t.Fatalf("failed to create test membership: %v", err)
	}
	return m
}

// CreatePendingMembership creates an invite with no resolved user.
func (f *Fixtures) CreatePendingMembership(ctx context.Context, workspaceID primitive.ObjectID, email, role string) models.Membership {
	f.t.Helper()

	now := time.Now().UTC()
	m := models.Membership{
		ID:          primitive.NewObjectID(),
		InviteEmail: email,
		WorkspaceID: workspaceID,
		Role:        role,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	if _, err := f.db.Collection("memberships").InsertOne(ctx, m); err != nil {
		f.t.Fatalf("failed to create test pending membership: %v", err)
	}
	return m
}

// CreateKey creates a workspace key wrapped for receiverID.
func (f *Fixtures) CreateKey(ctx context.Context, workspaceID, receiverID, senderID primitive.ObjectID) models.Key {
	f.t.Helper()

	k := models.Key{
		ID:           primitive.NewObjectID(),
		ReceiverID:   receiverID,
		SenderID:     senderID,
		WorkspaceID:  workspaceID,
		EncryptedKey: "encrypted-" + receiverID.Hex(),
		Nonce:        "nonce",
		CreatedAt:    time.Now().UTC(),
	}

	if _, err := f.db.Collection("keys").InsertOne(ctx, k); err != nil {
		f.t.Fatalf("failed to create test key: %v", err)
	}
	return k
}
