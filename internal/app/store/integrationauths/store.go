// internal/app/store/integrationauths/store.go
package integrationauthstore

import (
	"context"
	"errors"
	"time"

	"github.com/dalemusser/keyhub/internal/app/system/errreport"
	"github.com/dalemusser/keyhub/internal/domain/models"
	"github.com/dalemusser/keyhub/internal/vault"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"
)

var (
	ErrNotFound        = errors.New("integration auth not found")
	ErrVersionConflict = errors.New("integration auth was modified concurrently")
	ErrNoChanges       = errors.New("no credential slots to update")
)

// Store persists sealed integration credentials, one record per
// (workspace, integration).
//
// Reads exclude the credential slots unless the caller asks for them with
// GetWithSecrets. Credential writes are guarded by the record's version.
type Store struct {
	c    *mongo.Collection
	sink errreport.Sink
}

func New(db *mongo.Database, sink errreport.Sink) *Store {
	if sink == nil {
		sink = errreport.NopSink{}
	}
	return &Store{c: db.Collection("integration_auths"), sink: sink}
}

// withoutSecrets is the default projection.
func withoutSecrets() bson.M {
	p := bson.M{}
	for _, f := range models.SecretFields {
		p[f] = 0
	}
	return p
}

// Upsert stores a for its (workspace, integration), replacing the metadata
// and every credential slot of an existing record. A nil slot removes any
// stored value. The returned record carries no secrets.
func (s *Store) Upsert(ctx context.Context, a models.IntegrationAuth) (models.IntegrationAuth, error) {
	if err := a.Validate(); err != nil {
		return models.IntegrationAuth{}, err
	}

	now := time.Now().UTC()
	set := bson.M{
		"team_id":      a.TeamID,
		"account_id":   a.AccountID,
		"algorithm":    a.Algorithm,
		"key_encoding": a.KeyEncoding,
		"updated_at":   now,
	}
	unset := bson.M{}
	slots := map[string]*vault.Sealed{
		models.SlotRefresh:  a.Refresh,
		models.SlotAccessID: a.AccessID,
		models.SlotAccess:   a.Access,
	}
	for name, v := range slots {
		if v != nil {
			set[name] = v
		} else {
			unset[name] = ""
		}
	}
	if a.AccessExpiresAt != nil {
		set["access_expires_at"] = a.AccessExpiresAt.UTC()
	} else {
		unset["access_expires_at"] = ""
	}

	update := bson.M{
		"$set":         set,
		"$inc":         bson.M{"version": 1},
		"$setOnInsert": bson.M{"created_at": now},
	}
	if len(unset) > 0 {
		update["$unset"] = unset
	}

	var out models.IntegrationAuth
	err := s.c.FindOneAndUpdate(ctx,
		bson.M{"workspace_id": a.WorkspaceID, "integration": a.Integration},
		update,
		options.FindOneAndUpdate().
			SetUpsert(true).
			SetReturnDocument(options.After).
			SetProjection(withoutSecrets()),
	).Decode(&out)
	if err != nil {
		return models.IntegrationAuth{}, errreport.StoreFailure(ctx, s.sink, "save integration auth", err,
			zap.String("workspace_id", a.WorkspaceID.Hex()),
			zap.String("integration", a.Integration))
	}
	return out, nil
}

func (s *Store) findOne(ctx context.Context, filter bson.M, projection bson.M) (models.IntegrationAuth, error) {
	opts := options.FindOne()
	if projection != nil {
		opts.SetProjection(projection)
	}
	var a models.IntegrationAuth
	err := s.c.FindOne(ctx, filter, opts).Decode(&a)
	if err == mongo.ErrNoDocuments {
		return models.IntegrationAuth{}, ErrNotFound
	}
	if err != nil {
		return models.IntegrationAuth{}, errreport.StoreFailure(ctx, s.sink, "find integration auth", err)
	}
	return a, nil
}

// GetByID returns the record without its credential slots.
func (s *Store) GetByID(ctx context.Context, id primitive.ObjectID) (models.IntegrationAuth, error) {
	return s.findOne(ctx, bson.M{"_id": id}, withoutSecrets())
}

// GetWithSecrets returns the record including its sealed slots and expiry.
func (s *Store) GetWithSecrets(ctx context.Context, id primitive.ObjectID) (models.IntegrationAuth, error) {
	return s.findOne(ctx, bson.M{"_id": id}, nil)
}

// GetByIntegration returns a workspace's record for integration without secrets.
func (s *Store) GetByIntegration(ctx context.Context, workspaceID primitive.ObjectID, integration string) (models.IntegrationAuth, error) {
	return s.findOne(ctx, bson.M{"workspace_id": workspaceID, "integration": integration}, withoutSecrets())
}

// ListByWorkspace returns every integration of a workspace without secrets,
// ordered by integration name.
func (s *Store) ListByWorkspace(ctx context.Context, workspaceID primitive.ObjectID) ([]models.IntegrationAuth, error) {
	opts := options.Find().
		SetProjection(withoutSecrets()).
		SetSort(bson.D{{Key: "integration", Value: 1}})
	cur, err := s.c.Find(ctx, bson.M{"workspace_id": workspaceID}, opts)
	if err != nil {
		return nil, errreport.StoreFailure(ctx, s.sink, "list integration auths", err,
			zap.String("workspace_id", workspaceID.Hex()))
	}
	defer cur.Close(ctx)

	var out []models.IntegrationAuth
	if err := cur.All(ctx, &out); err != nil {
		return nil, errreport.StoreFailure(ctx, s.sink, "list integration auths", err,
			zap.String("workspace_id", workspaceID.Hex()))
	}
	return out, nil
}

// SlotUpdate names the slots UpdateSlots writes. Nil fields are left as stored.
type SlotUpdate struct {
	Refresh         *vault.Sealed
	AccessID        *vault.Sealed
	Access          *vault.Sealed
	AccessExpiresAt *time.Time
}

// UpdateSlots writes the non-nil slots of upd if the record is still at
// expectedVersion, and returns the new version. It returns
// ErrVersionConflict if another writer got there first and ErrNotFound if
// the record is gone.
func (s *Store) UpdateSlots(ctx context.Context, id primitive.ObjectID, expectedVersion int64, upd SlotUpdate) (int64, error) {
	set := bson.M{}
	for name, v := range map[string]*vault.Sealed{
		models.SlotRefresh:  upd.Refresh,
		models.SlotAccessID: upd.AccessID,
		models.SlotAccess:   upd.Access,
	} {
		if v == nil {
			continue
		}
		if err := v.Validate(); err != nil {
			return 0, err
		}
		set[name] = v
	}
	if upd.AccessExpiresAt != nil {
		set["access_expires_at"] = upd.AccessExpiresAt.UTC()
	}
	if len(set) == 0 {
		return 0, ErrNoChanges
	}
	set["updated_at"] = time.Now().UTC()

	res, err := s.c.UpdateOne(ctx,
		bson.M{"_id": id, "version": expectedVersion},
		bson.M{"$set": set, "$inc": bson.M{"version": 1}},
	)
	if err != nil {
		return 0, errreport.StoreFailure(ctx, s.sink, "update integration auth", err,
			zap.String("integration_auth_id", id.Hex()))
	}
	if res.MatchedCount == 1 {
		return expectedVersion + 1, nil
	}

	n, err := s.c.CountDocuments(ctx, bson.M{"_id": id})
	if err != nil {
		return 0, errreport.StoreFailure(ctx, s.sink, "update integration auth", err,
			zap.String("integration_auth_id", id.Hex()))
	}
	if n == 0 {
		return 0, ErrNotFound
	}
	return 0, ErrVersionConflict
}

// Delete removes the record and returns it as it was (without secrets).
func (s *Store) Delete(ctx context.Context, id primitive.ObjectID) (models.IntegrationAuth, error) {
	var a models.IntegrationAuth
	err := s.c.FindOneAndDelete(ctx, bson.M{"_id": id},
		options.FindOneAndDelete().SetProjection(withoutSecrets()),
	).Decode(&a)
	if err == mongo.ErrNoDocuments {
		return models.IntegrationAuth{}, ErrNotFound
	}
	if err != nil {
		return models.IntegrationAuth{}, errreport.StoreFailure(ctx, s.sink, "delete integration auth", err,
			zap.String("integration_auth_id", id.Hex()))
	}
	return a, nil
}

// DeleteByWorkspace removes every record of a workspace. Errors are returned
// raw so a surrounding transaction can decide how to surface them.
func (s *Store) DeleteByWorkspace(ctx context.Context, workspaceID primitive.ObjectID) (int64, error) {
	res, err := s.c.DeleteMany(ctx, bson.M{"workspace_id": workspaceID})
	if err != nil {
		return 0, err
	}
	return res.DeletedCount, nil
}
