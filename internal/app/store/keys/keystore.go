// internal/app/store/keys/keystore.go
package keystore

import (
	"context"
	"time"

	"github.com/dalemusser/keyhub/internal/domain/models"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
)

// Store persists workspace keys wrapped for individual receivers.
// Errors are returned raw; the membership layer decides how to surface them.
type Store struct {
	c           *mongo.Collection
	memberships *mongo.Collection
}

func New(db *mongo.Database) *Store {
	return &Store{
		c:           db.Collection("keys"),
		memberships: db.Collection("memberships"),
	}
}

// Create inserts k, assigning an ID and timestamp when missing.
func (s *Store) Create(ctx context.Context, k models.Key) (models.Key, error) {
	if k.ID.IsZero() {
		k.ID = primitive.NewObjectID()
	}
	if k.CreatedAt.IsZero() {
		k.CreatedAt = time.Now().UTC()
	}
	if _, err := s.c.InsertOne(ctx, k); err != nil {
		return models.Key{}, err
	}
	return k, nil
}

// DeleteByReceiver removes every key wrapped for receiverID in workspaceID.
// Returns the number of documents deleted.
func (s *Store) DeleteByReceiver(ctx context.Context, receiverID, workspaceID primitive.ObjectID) (int64, error) {
	res, err := s.c.DeleteMany(ctx, bson.M{"receiver_id": receiverID, "workspace_id": workspaceID})
	if err != nil {
		return 0, err
	}
	return res.DeletedCount, nil
}

// DeleteByWorkspace removes all keys of a workspace.
func (s *Store) DeleteByWorkspace(ctx context.Context, workspaceID primitive.ObjectID) (int64, error) {
	res, err := s.c.DeleteMany(ctx, bson.M{"workspace_id": workspaceID})
	if err != nil {
		return 0, err
	}
	return res.DeletedCount, nil
}

// ListByWorkspace returns all keys of a workspace.
func (s *Store) ListByWorkspace(ctx context.Context, workspaceID primitive.ObjectID) ([]models.Key, error) {
	cur, err := s.c.Find(ctx, bson.M{"workspace_id": workspaceID})
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)

	var keys []models.Key
	if err := cur.All(ctx, &keys); err != nil {
		return nil, err
	}
	return keys, nil
}

// CountByReceiver returns the number of keys wrapped for receiverID in workspaceID.
func (s *Store) CountByReceiver(ctx context.Context, receiverID, workspaceID primitive.ObjectID) (int64, error) {
	return s.c.CountDocuments(ctx, bson.M{"receiver_id": receiverID, "workspace_id": workspaceID})
}

// DeleteOrphans removes keys whose receiver no longer holds a membership in
// the key's workspace. Membership removal deletes the membership and its keys
// in two steps; this sweep collects whatever a crash between them left behind.
// Returns the number of documents deleted.
func (s *Store) DeleteOrphans(ctx context.Context) (int64, error) {
	cur, err := s.c.Aggregate(ctx, mongo.Pipeline{
		{{Key: "$lookup", Value: bson.M{
			"from": s.memberships.Name(),
			"let":  bson.M{"r": "$receiver_id", "w": "$workspace_id"},
			"pipeline": bson.A{
				bson.M{"$match": bson.M{"$expr": bson.M{"$and": bson.A{
					bson.M{"$eq": bson.A{"$user_id", "$$r"}},
					bson.M{"$eq": bson.A{"$workspace_id", "$$w"}},
				}}}},
				bson.M{"$limit": 1},
			},
			"as": "m",
		}}},
		{{Key: "$match", Value: bson.M{"m": bson.M{"$size": 0}}}},
		{{Key: "$project", Value: bson.M{"_id": 1}}},
	})
	if err != nil {
		return 0, err
	}
	defer cur.Close(ctx)

	var ids []primitive.ObjectID
	for cur.Next(ctx) {
		var row struct {
			ID primitive.ObjectID `bson:"_id"`
		}
		if err := cur.Decode(&row); err != nil {
			return 0, err
		}
		ids = append(ids, row.ID)
	}
	if err := cur.Err(); err != nil {
		return 0, err
	}
	if len(ids) == 0 {
		return 0, nil
	}

	res, err := s.c.DeleteMany(ctx, bson.M{"_id": bson.M{"$in": ids}})
	if err != nil {
		return 0, err
	}
	return res.DeletedCount, nil
}
