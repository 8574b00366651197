// internal/app/store/workspaces/workspacestore.go
package workspacestore

import (
	"context"
	"errors"
	"strings"
	"time"

	integrationauthstore "github.com/dalemusser/keyhub/internal/app/store/integrationauths"
	keystore "github.com/dalemusser/keyhub/internal/app/store/keys"
	"github.com/dalemusser/keyhub/internal/app/system/errreport"
	"github.com/dalemusser/keyhub/internal/app/system/txn"
	"github.com/dalemusser/keyhub/internal/domain/models"
	"github.com/dalemusser/waffle/pantry/text"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"
)

type Store struct {
	db           *mongo.Database
	c            *mongo.Collection
	memberships  *mongo.Collection
	keys         *keystore.Store
	integrations *integrationauthstore.Store
	sink         errreport.Sink
	log          *zap.Logger
}

var (
	ErrNameRequired = errors.New("workspace name is required")
	ErrBadStatus    = errors.New(`status must be "active" or "disabled"`)
	ErrNotFound     = errors.New("workspace not found")
)

func New(db *mongo.Database, sink errreport.Sink, logger *zap.Logger) *Store {
	if sink == nil {
		sink = errreport.NopSink{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{
		db:           db,
		c:            db.Collection("workspaces"),
		memberships:  db.Collection("memberships"),
		keys:         keystore.New(db),
		integrations: integrationauthstore.New(db, sink),
		sink:         sink,
		log:          logger,
	}
}

// Create inserts a new workspace. Status defaults to active.
func (s *Store) Create(ctx context.Context, ws models.Workspace) (models.Workspace, error) {
	ws.Name = strings.TrimSpace(ws.Name)
	if ws.Name == "" {
		return models.Workspace{}, ErrNameRequired
	}
	if ws.Status == "" {
		ws.Status = models.WorkspaceActive
	}
	if !validStatus(ws.Status) {
		return models.Workspace{}, ErrBadStatus
	}

	now := time.Now().UTC()
	ws.ID = primitive.NewObjectID()
	ws.NameCI = text.Fold(ws.Name)
	ws.CreatedAt = now
	ws.UpdatedAt = now
	if _, err := s.c.InsertOne(ctx, ws); err != nil {
		return models.Workspace{}, errreport.StoreFailure(ctx, s.sink, "create workspace", err)
	}
	return ws, nil
}

// GetByID retrieves a workspace by its ID.
func (s *Store) GetByID(ctx context.Context, id primitive.ObjectID) (models.Workspace, error) {
	var ws models.Workspace
	err := s.c.FindOne(ctx, bson.M{"_id": id}).Decode(&ws)
	if err != nil {
		if err == mongo.ErrNoDocuments {
			return models.Workspace{}, ErrNotFound
		}
		return models.Workspace{}, errreport.StoreFailure(ctx, s.sink, "find workspace", err,
			zap.String("workspace_id", id.Hex()))
	}
	return ws, nil
}

// List returns workspaces ordered by case-folded name.
func (s *Store) List(ctx context.Context) ([]models.Workspace, error) {
	cur, err := s.c.Find(ctx, bson.M{}, options.Find().SetSort(bson.D{{Key: "name_ci", Value: 1}, {Key: "_id", Value: 1}}))
	if err != nil {
		return nil, errreport.StoreFailure(ctx, s.sink, "list workspaces", err)
	}
	defer cur.Close(ctx)

	var workspaces []models.Workspace
	if err := cur.All(ctx, &workspaces); err != nil {
		return nil, errreport.StoreFailure(ctx, s.sink, "list workspaces", err)
	}
	return workspaces, nil
}

// Rename changes a workspace's display name.
func (s *Store) Rename(ctx context.Context, id primitive.ObjectID, name string) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return ErrNameRequired
	}
	return s.update(ctx, id, bson.M{"name": name, "name_ci": text.Fold(name)})
}

// SetStatus enables or disables a workspace.
func (s *Store) SetStatus(ctx context.Context, id primitive.ObjectID, status string) error {
	if !validStatus(status) {
		return ErrBadStatus
	}
	return s.update(ctx, id, bson.M{"status": status})
}

func (s *Store) update(ctx context.Context, id primitive.ObjectID, set bson.M) error {
	set["updated_at"] = time.Now().UTC()
	res, err := s.c.UpdateByID(ctx, id, bson.M{"$set": set})
	if err != nil {
		return errreport.StoreFailure(ctx, s.sink, "update workspace", err,
			zap.String("workspace_id", id.Hex()))
	}
	if res.MatchedCount == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteResult counts the documents removed by Delete.
type DeleteResult struct {
	Memberships  int64
	Keys         int64
	Integrations int64
}

// Delete removes a workspace together with its memberships, keys and
// integration credentials. Returns ErrNotFound if the workspace does not exist.
//
// The removals run in one transaction when the deployment supports it.
func (s *Store) Delete(ctx context.Context, id primitive.ObjectID) (DeleteResult, error) {
	var out DeleteResult
	found := false
	err := txn.Run(ctx, s.db, s.log, func(ctx context.Context) error {
		out = DeleteResult{}
		res, err := s.c.DeleteOne(ctx, bson.M{"_id": id})
		if err != nil {
			return err
		}
		found = res.DeletedCount == 1
		if !found {
			return nil
		}

		mres, err := s.memberships.DeleteMany(ctx, bson.M{"workspace_id": id})
		if err != nil {
			return err
		}
		out.Memberships = mres.DeletedCount

		if out.Keys, err = s.keys.DeleteByWorkspace(ctx, id); err != nil {
			return err
		}
		out.Integrations, err = s.integrations.DeleteByWorkspace(ctx, id)
		return err
	})
	if err != nil {
		return DeleteResult{}, errreport.StoreFailure(ctx, s.sink, "delete workspace", err,
			zap.String("workspace_id", id.Hex()))
	}
	if !found {
		return DeleteResult{}, ErrNotFound
	}
	return out, nil
}

func validStatus(s string) bool {
	return s == models.WorkspaceActive || s == models.WorkspaceDisabled
}
