// internal/app/store/memberships/membershipstore.go
package membershipstore

// Terminology: User Identifiers
//   - UserID / userID / user_id: The MongoDB ObjectID (_id) of a registered user
//   - A membership without user_id is a pending invite identified by invite_email

import (
	"context"
	"errors"
	"strings"
	"time"

	keystore "github.com/dalemusser/keyhub/internal/app/store/keys"
	"github.com/dalemusser/keyhub/internal/app/system/errreport"
	"github.com/dalemusser/keyhub/internal/app/system/txn"
	"github.com/dalemusser/keyhub/internal/domain/models"
	wafflemongo "github.com/dalemusser/waffle/pantry/mongo"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"
)

// Store manages workspace memberships and cascades their removal into the
// keys collection.
//
// Every backend fault is reported to the sink and returned as an error that
// matches errreport.ErrStoreFailure. Validation and "not found" outcomes are
// returned as the sentinel errors below and are not reported.
type Store struct {
	db         *mongo.Database
	c          *mongo.Collection
	workspaces *mongo.Collection
	keys       *keystore.Store
	sink       errreport.Sink
	log        *zap.Logger
}

func New(db *mongo.Database, sink errreport.Sink, logger *zap.Logger) *Store {
	if sink == nil {
		sink = errreport.NopSink{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{
		db:         db,
		c:          db.Collection("memberships"),
		workspaces: db.Collection("workspaces"),
		keys:       keystore.New(db),
		sink:       sink,
		log:        logger,
	}
}

var (
	ErrBadRole             = errors.New(`role must be "admin" or "member"`)
	ErrLengthMismatch      = errors.New("user ids and roles must have the same length")
	ErrNotFound            = errors.New("membership not found")
	ErrDuplicateMembership = errors.New("user is already a member of this workspace")
	ErrDuplicateInvite     = errors.New("email has already been invited to this workspace")
	ErrEmailRequired       = errors.New("invite email is required")
	ErrLastAdmin           = errors.New("workspace must keep at least one admin")
)

// Entry is one user/role pair for AddMany.
type Entry struct {
	UserID primitive.ObjectID
	Role   string // "admin" or "member"
}

// Find returns the first membership matching filter, or nil if none does.
func (s *Store) Find(ctx context.Context, filter bson.M) (*models.Membership, error) {
	var m models.Membership
	err := s.c.FindOne(ctx, filter).Decode(&m)
	if err == mongo.ErrNoDocuments {
		return nil, nil
	}
	if err != nil {
		return nil, errreport.StoreFailure(ctx, s.sink, "find membership", err)
	}
	return &m, nil
}

// GetByID returns the membership with id, or ErrNotFound.
func (s *Store) GetByID(ctx context.Context, id primitive.ObjectID) (models.Membership, error) {
	m, err := s.Find(ctx, bson.M{"_id": id})
	if err != nil {
		return models.Membership{}, err
	}
	if m == nil {
		return models.Membership{}, ErrNotFound
	}
	return *m, nil
}

// FindWithWorkspace returns the membership of userID in workspaceID with the
// workspace document populated, or nil if there is none. A membership whose
// workspace document no longer exists is treated as absent.
func (s *Store) FindWithWorkspace(ctx context.Context, userID, workspaceID primitive.ObjectID) (*models.MembershipWithWorkspace, error) {
	cur, err := s.c.Aggregate(ctx, mongo.Pipeline{
		{{Key: "$match", Value: bson.M{"user_id": userID, "workspace_id": workspaceID}}},
		{{Key: "$limit", Value: 1}},
		{{Key: "$lookup", Value: bson.M{
			"from":         "workspaces",
			"localField":   "workspace_id",
			"foreignField": "_id",
			"as":           "workspace",
		}}},
		{{Key: "$unwind", Value: "$workspace"}},
	})
	if err != nil {
		return nil, errreport.StoreFailure(ctx, s.sink, "find membership", err,
			zap.String("workspace_id", workspaceID.Hex()))
	}
	defer cur.Close(ctx)

	if !cur.Next(ctx) {
		if err := cur.Err(); err != nil {
			return nil, errreport.StoreFailure(ctx, s.sink, "find membership", err,
				zap.String("workspace_id", workspaceID.Hex()))
		}
		return nil, nil
	}

	var m models.MembershipWithWorkspace
	if err := cur.Decode(&m); err != nil {
		return nil, errreport.StoreFailure(ctx, s.sink, "find membership", err,
			zap.String("workspace_id", workspaceID.Hex()))
	}
	return &m, nil
}

// AddMany upserts one membership per entry in a single bulk write. An
// existing membership for (user, workspace) keeps its ID and has its role
// overwritten; otherwise a new one is created. If a user appears more than
// once, the last entry wins.
//
// The backend may apply some upserts before failing; any bulk write error is
// reported and the whole call fails.
func (s *Store) AddMany(ctx context.Context, workspaceID primitive.ObjectID, entries []Entry) error {
	final, err := dedupe(entries)
	if err != nil || len(final) == 0 {
		return err
	}
	if err := s.bulkUpsert(ctx, workspaceID, final); err != nil {
		return errreport.StoreFailure(ctx, s.sink, "add users to workspace", err,
			zap.String("workspace_id", workspaceID.Hex()),
			zap.Int("entries", len(final)))
	}
	return nil
}

// dedupe validates roles and keeps the last entry per user, in input order.
func dedupe(entries []Entry) ([]Entry, error) {
	last := make(map[primitive.ObjectID]int, len(entries))
	for i, e := range entries {
		if !models.ValidRole(e.Role) {
			return nil, ErrBadRole
		}
		last[e.UserID] = i
	}
	out := make([]Entry, 0, len(last))
	for i, e := range entries {
		if last[e.UserID] == i {
			out = append(out, e)
		}
	}
	return out, nil
}

func (s *Store) bulkUpsert(ctx context.Context, workspaceID primitive.ObjectID, entries []Entry) error {
	now := time.Now().UTC()
	ops := make([]mongo.WriteModel, 0, len(entries))
	for _, e := range entries {
		ops = append(ops, mongo.NewUpdateOneModel().
			SetFilter(bson.M{"user_id": e.UserID, "workspace_id": workspaceID}).
			SetUpdate(bson.M{
				"$set":         bson.M{"role": e.Role, "updated_at": now},
				"$setOnInsert": bson.M{"created_at": now},
			}).
			SetUpsert(true))
	}
	_, err := s.c.BulkWrite(ctx, ops, options.BulkWrite().SetOrdered(false))
	return err
}

// AddManyParallel is AddMany for callers holding index-aligned user and role
// slices. Slices of different length are rejected rather than truncated.
func (s *Store) AddManyParallel(ctx context.Context, workspaceID primitive.ObjectID, userIDs []primitive.ObjectID, roles []string) error {
	if len(userIDs) != len(roles) {
		return ErrLengthMismatch
	}
	entries := make([]Entry, len(userIDs))
	for i := range userIDs {
		entries[i] = Entry{UserID: userIDs[i], Role: roles[i]}
	}
	return s.AddMany(ctx, workspaceID, entries)
}

// Delete removes the membership with id and, if it belonged to a registered
// user, every key wrapped for that user in the same workspace. It returns the
// membership as it was before deletion, or nil if none existed.
//
// Both writes run in one transaction when the deployment supports it; on a
// standalone server they run back to back and keystore.DeleteOrphans collects
// keys left by a crash in between.
func (s *Store) Delete(ctx context.Context, id primitive.ObjectID) (*models.Membership, error) {
	var deleted *models.Membership
	err := txn.Run(ctx, s.db, s.log, func(ctx context.Context) error {
		var err error
		deleted, err = s.deleteCascade(ctx, id)
		return err
	})
	if err != nil {
		return nil, errreport.StoreFailure(ctx, s.sink, "delete membership", err,
			zap.String("membership_id", id.Hex()))
	}
	return deleted, nil
}

// deleteCascade removes membership id and the keys of its user. Errors are raw.
func (s *Store) deleteCascade(ctx context.Context, id primitive.ObjectID) (*models.Membership, error) {
	var m models.Membership
	err := s.c.FindOneAndDelete(ctx, bson.M{"_id": id}).Decode(&m)
	if err == mongo.ErrNoDocuments {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if m.UserID != nil {
		if _, err := s.keys.DeleteByReceiver(ctx, *m.UserID, m.WorkspaceID); err != nil {
			return nil, err
		}
	}
	return &m, nil
}

// Invite creates a pending membership for email.
func (s *Store) Invite(ctx context.Context, workspaceID primitive.ObjectID, email, role string) (models.Membership, error) {
	if !models.ValidRole(role) {
		return models.Membership{}, ErrBadRole
	}
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" {
		return models.Membership{}, ErrEmailRequired
	}
	now := time.Now().UTC()
	m := models.Membership{
		ID:          primitive.NewObjectID(),
		InviteEmail: email,
		WorkspaceID: workspaceID,
		Role:        role,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if _, err := s.c.InsertOne(ctx, m); err != nil {
		if wafflemongo.IsDup(err) {
			return models.Membership{}, ErrDuplicateInvite
		}
		return models.Membership{}, errreport.StoreFailure(ctx, s.sink, "invite member", err,
			zap.String("workspace_id", workspaceID.Hex()))
	}
	return m, nil
}

// Accept binds the pending membership id to userID. email is the accepting
// user's verified address and must match the invite.
// Returns ErrNotFound if id does not name a pending membership for email and
// ErrDuplicateMembership if userID is already a member of the workspace.
func (s *Store) Accept(ctx context.Context, id, userID primitive.ObjectID, email string) (models.Membership, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" {
		return models.Membership{}, ErrNotFound
	}
	var m models.Membership
	err := s.c.FindOneAndUpdate(ctx,
		bson.M{"_id": id, "user_id": bson.M{"$exists": false}, "invite_email": email},
		bson.M{
			"$set":   bson.M{"user_id": userID, "updated_at": time.Now().UTC()},
			"$unset": bson.M{"invite_email": ""},
		},
		options.FindOneAndUpdate().SetReturnDocument(options.After),
	).Decode(&m)
	switch {
	case err == nil:
		return m, nil
	case err == mongo.ErrNoDocuments:
		return models.Membership{}, ErrNotFound
	case wafflemongo.IsDup(err):
		return models.Membership{}, ErrDuplicateMembership
	default:
		return models.Membership{}, errreport.StoreFailure(ctx, s.sink, "accept invite", err,
			zap.String("membership_id", id.Hex()))
	}
}

// UpdateRole changes the role of membership id.
func (s *Store) UpdateRole(ctx context.Context, id primitive.ObjectID, role string) error {
	if !models.ValidRole(role) {
		return ErrBadRole
	}
	matched, err := s.setRole(ctx, id, role)
	if err != nil {
		return errreport.StoreFailure(ctx, s.sink, "update membership role", err,
			zap.String("membership_id", id.Hex()))
	}
	if !matched {
		return ErrNotFound
	}
	return nil
}

func (s *Store) setRole(ctx context.Context, id primitive.ObjectID, role string) (bool, error) {
	res, err := s.c.UpdateByID(ctx, id, bson.M{"$set": bson.M{"role": role, "updated_at": time.Now().UTC()}})
	if err != nil {
		return false, err
	}
	return res.MatchedCount > 0, nil
}

// ListByWorkspace returns all memberships of a workspace, pending ones included.
func (s *Store) ListByWorkspace(ctx context.Context, workspaceID primitive.ObjectID) ([]models.Membership, error) {
	cur, err := s.c.Find(ctx, bson.M{"workspace_id": workspaceID},
		options.Find().SetSort(bson.D{{Key: "created_at", Value: 1}}))
	if err != nil {
		return nil, errreport.StoreFailure(ctx, s.sink, "list memberships", err,
			zap.String("workspace_id", workspaceID.Hex()))
	}
	defer cur.Close(ctx)

	var out []models.Membership
	if err := cur.All(ctx, &out); err != nil {
		return nil, errreport.StoreFailure(ctx, s.sink, "list memberships", err,
			zap.String("workspace_id", workspaceID.Hex()))
	}
	return out, nil
}

// CountByRole returns the number of memberships in a workspace holding role.
// If role is empty, counts all memberships.
func (s *Store) CountByRole(ctx context.Context, workspaceID primitive.ObjectID, role string) (int64, error) {
	filter := bson.M{"workspace_id": workspaceID}
	if role != "" {
		filter["role"] = role
	}
	n, err := s.c.CountDocuments(ctx, filter)
	if err != nil {
		return 0, errreport.StoreFailure(ctx, s.sink, "count memberships", err,
			zap.String("workspace_id", workspaceID.Hex()))
	}
	return n, nil
}

// CountAdmins returns the number of registered (non-pending) admins of a workspace.
func (s *Store) CountAdmins(ctx context.Context, workspaceID primitive.ObjectID) (int64, error) {
	n, err := s.c.CountDocuments(ctx, bson.M{
		"workspace_id": workspaceID,
		"role":         models.RoleAdmin,
		"user_id":      bson.M{"$exists": true},
	})
	if err != nil {
		return 0, errreport.StoreFailure(ctx, s.sink, "count admins", err,
			zap.String("workspace_id", workspaceID.Hex()))
	}
	return n, nil
}

/* -------------------------------------------------------------------------- */
/* Admin-preserving writes                                                    */
/* -------------------------------------------------------------------------- */

// The guarded writes below refuse, with ErrLastAdmin, any change that would
// take a workspace with registered admins down to none. Each one runs in
// txn.Run and first bumps admin_guard on the workspace document, so two
// concurrent guarded writes on one workspace conflict and the retried one
// sees the other's result. Without transaction support the check and the
// write run back to back.

// lockAdmins serializes guarded writes on workspaceID.
func (s *Store) lockAdmins(ctx context.Context, workspaceID primitive.ObjectID) error {
	_, err := s.workspaces.UpdateByID(ctx, workspaceID, bson.M{"$inc": bson.M{"admin_guard": 1}})
	return err
}

// adminSet returns the users holding the admin role in workspaceID.
func (s *Store) adminSet(ctx context.Context, workspaceID primitive.ObjectID) (map[primitive.ObjectID]bool, error) {
	cur, err := s.c.Find(ctx,
		bson.M{"workspace_id": workspaceID, "role": models.RoleAdmin, "user_id": bson.M{"$exists": true}},
		options.Find().SetProjection(bson.M{"user_id": 1}))
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)

	var rows []models.Membership
	if err := cur.All(ctx, &rows); err != nil {
		return nil, err
	}
	admins := make(map[primitive.ObjectID]bool, len(rows))
	for _, r := range rows {
		admins[*r.UserID] = true
	}
	return admins, nil
}

// guard locks workspaceID, applies change to its current admin set and
// returns ErrLastAdmin if the result would leave no admin.
func (s *Store) guard(ctx context.Context, workspaceID primitive.ObjectID, change func(admins map[primitive.ObjectID]bool)) error {
	if err := s.lockAdmins(ctx, workspaceID); err != nil {
		return err
	}
	admins, err := s.adminSet(ctx, workspaceID)
	if err != nil {
		return err
	}
	before := len(admins)
	change(admins)
	if before > 0 && len(admins) == 0 {
		return ErrLastAdmin
	}
	return nil
}

// guardedResult maps a txn.Run error: domain sentinels pass through, anything
// else is a reported store failure.
func (s *Store) guardedResult(ctx context.Context, op string, err error, fields ...zap.Field) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrLastAdmin), errors.Is(err, ErrNotFound):
		return err
	default:
		return errreport.StoreFailure(ctx, s.sink, op, err, fields...)
	}
}

// AddManyGuarded is AddMany that refuses to demote the last admin.
func (s *Store) AddManyGuarded(ctx context.Context, workspaceID primitive.ObjectID, entries []Entry) error {
	final, err := dedupe(entries)
	if err != nil || len(final) == 0 {
		return err
	}
	err = txn.Run(ctx, s.db, s.log, func(ctx context.Context) error {
		err := s.guard(ctx, workspaceID, func(admins map[primitive.ObjectID]bool) {
			for _, e := range final {
				if e.Role == models.RoleAdmin {
					admins[e.UserID] = true
				} else {
					delete(admins, e.UserID)
				}
			}
		})
		if err != nil {
			return err
		}
		return s.bulkUpsert(ctx, workspaceID, final)
	})
	return s.guardedResult(ctx, "add users to workspace", err,
		zap.String("workspace_id", workspaceID.Hex()),
		zap.Int("entries", len(final)))
}

// UpdateRoleGuarded is UpdateRole that refuses to demote the last admin.
// It returns the membership as it was before the change.
func (s *Store) UpdateRoleGuarded(ctx context.Context, id primitive.ObjectID, role string) (models.Membership, error) {
	if !models.ValidRole(role) {
		return models.Membership{}, ErrBadRole
	}
	var prev models.Membership
	err := txn.Run(ctx, s.db, s.log, func(ctx context.Context) error {
		prev = models.Membership{}
		if err := s.c.FindOne(ctx, bson.M{"_id": id}).Decode(&prev); err != nil {
			if err == mongo.ErrNoDocuments {
				return ErrNotFound
			}
			return err
		}
		if prev.UserID != nil {
			err := s.guard(ctx, prev.WorkspaceID, func(admins map[primitive.ObjectID]bool) {
				if role == models.RoleAdmin {
					admins[*prev.UserID] = true
				} else {
					delete(admins, *prev.UserID)
				}
			})
			if err != nil {
				return err
			}
		}
		matched, err := s.setRole(ctx, id, role)
		if err == nil && !matched {
			return ErrNotFound
		}
		return err
	})
	if err != nil {
		return models.Membership{}, s.guardedResult(ctx, "update membership role", err,
			zap.String("membership_id", id.Hex()))
	}
	return prev, nil
}

// DeleteGuarded is Delete that refuses to remove the last admin.
func (s *Store) DeleteGuarded(ctx context.Context, id primitive.ObjectID) (*models.Membership, error) {
	var deleted *models.Membership
	err := txn.Run(ctx, s.db, s.log, func(ctx context.Context) error {
		deleted = nil

		var m models.Membership
		if err := s.c.FindOne(ctx, bson.M{"_id": id}).Decode(&m); err != nil {
			if err == mongo.ErrNoDocuments {
				return nil
			}
			return err
		}
		if m.UserID != nil {
			err := s.guard(ctx, m.WorkspaceID, func(admins map[primitive.ObjectID]bool) {
				delete(admins, *m.UserID)
			})
			if err != nil {
				return err
			}
		}
		var err error
		deleted, err = s.deleteCascade(ctx, id)
		return err
	})
	if err != nil {
		return nil, s.guardedResult(ctx, "delete membership", err,
			zap.String("membership_id", id.Hex()))
	}
	return deleted, nil
}
