// internal/app/system/indexes/indexes.go
package indexes

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"
)

/*
EnsureAll is called at startup. Each ensure* function is idempotent.
We aggregate errors so any problem is visible and startup can fail fast.
*/
func EnsureAll(ctx context.Context, db *mongo.Database) error {
	var problems []string

	if err := ensureWorkspaces(ctx, db); err != nil {
		problems = append(problems, "workspaces: "+err.Error())
	}
	if err := ensureMemberships(ctx, db); err != nil {
		problems = append(problems, "memberships: "+err.Error())
	}
	if err := ensureKeys(ctx, db); err != nil {
		problems = append(problems, "keys: "+err.Error())
	}
	if err := ensureIntegrationAuths(ctx, db); err != nil {
		problems = append(problems, "integration_auths: "+err.Error())
	}
	if err := ensureAuditEvents(ctx, db); err != nil {
		problems = append(problems, "audit_events: "+err.Error())
	}

	if len(problems) > 0 {
		return errors.New(strings.Join(problems, "; "))
	}
	return nil
}

/* -------------------------------------------------------------------------- */
/* Core helper: reconcile a set of desired indexes for one collection         */
/* -------------------------------------------------------------------------- */

type existingIndex struct {
	Name    string `bson:"name"`
	Key     bson.D `bson:"key"`
	Unique  *bool  `bson:"unique,omitempty"`
	Partial bson.M `bson:"partialFilterExpression,omitempty"`
}

func keySig(keys bson.D) string {
	parts := make([]string, 0, len(keys))
	for _, kv := range keys {
		parts = append(parts, fmt.Sprintf("%s:%v", kv.Key, kv.Value))
	}
	return strings.Join(parts, ", ")
}

func partialSig(p interface{}) string {
	if p == nil {
		return ""
	}
	b, err := bson.MarshalExtJSON(p, true, false)
	if err != nil {
		return fmt.Sprintf("%v", p)
	}
	return string(b)
}

func sameBoolPtr(a, b *bool) bool {
	av := false
	bv := false
	if a != nil {
		av = *a
	}
	if b != nil {
		bv = *b
	}
	return av == bv
}

// Best-effort duplicate-detector (works cross-vendors)
func isDuplicateKeyErr(err error) bool {
	if err == nil {
		return false
	}
	var ce mongo.CommandError
	if errors.As(err, &ce) && ce.Code == 11000 {
		return true
	}
	s := err.Error()
	return strings.Contains(s, "E11000") || strings.Contains(strings.ToLower(s), "duplicate key")
}

func ensureIndexSet(ctx context.Context, coll *mongo.Collection, models []mongo.IndexModel) error {
	existing := map[string]existingIndex{} // key sig -> index
	cur, err := coll.Indexes().List(ctx)
	if err != nil {
		return err
	}
	for cur.Next(ctx) {
		var idx existingIndex
		if err := cur.Decode(&idx); err != nil {
			zap.L().Warn("failed to decode existing index",
				zap.String("collection", coll.Name()),
				zap.Error(err))
			continue
		}
		existing[keySig(idx.Key)] = idx
	}
	cur.Close(ctx)

	var errs []string
	for _, m := range models {
		var desiredName string
		var desiredUnique *bool
		var desiredPartial interface{}
		if m.Options != nil {
			if m.Options.Name != nil {
				desiredName = *m.Options.Name
			}
			desiredUnique = m.Options.Unique
			desiredPartial = m.Options.PartialFilterExpression
		}
		desiredSig := keySig(m.Keys.(bson.D))
		start := time.Now()

		if ex, ok := existing[desiredSig]; ok {
			if ex.Name == desiredName &&
				sameBoolPtr(desiredUnique, ex.Unique) &&
				partialSig(desiredPartial) == partialSig(nilIfEmpty(ex.Partial)) {
				continue
			}

			// Options or name differ: drop & recreate.
			if _, err := coll.Indexes().DropOne(ctx, ex.Name); err != nil {
				errs = append(errs, fmt.Sprintf("%s(%s): drop failed: %v", coll.Name(), desiredName, err))
				continue
			}
			zap.L().Info("dropped index for recreation",
				zap.String("collection", coll.Name()),
				zap.String("name", ex.Name),
				zap.String("keys", desiredSig))
		}

		if _, err := coll.Indexes().CreateOne(ctx, m); err != nil {
			if isDuplicateKeyErr(err) && desiredUnique != nil && *desiredUnique {
				errs = append(errs, fmt.Sprintf("%s(%s): cannot create unique index (duplicates present)", coll.Name(), desiredName))
			} else {
				errs = append(errs, fmt.Sprintf("%s(%s): %v", coll.Name(), desiredName, err))
			}
			continue
		}
		zap.L().Info("index created",
			zap.String("collection", coll.Name()),
			zap.String("name", desiredName),
			zap.String("keys", desiredSig),
			zap.Bool("unique", desiredUnique != nil && *desiredUnique),
			zap.String("took", time.Since(start).String()))
	}

	if len(errs) > 0 {
		return errors.New(strings.Join(errs, "; "))
	}
	return nil
}

func nilIfEmpty(m bson.M) interface{} {
	if len(m) == 0 {
		return nil
	}
	return m
}

/* -------------------------------------------------------------------------- */
/* Per-collection index sets                                                  */
/* -------------------------------------------------------------------------- */

func ensureWorkspaces(ctx context.Context, db *mongo.Database) error {
	return ensureIndexSet(ctx, db.Collection("workspaces"), []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "name_ci", Value: 1}},
			Options: options.Index().SetName("idx_ws_name_ci"),
		},
	})
}

func ensureMemberships(ctx context.Context, db *mongo.Database) error {
	return ensureIndexSet(ctx, db.Collection("memberships"), []mongo.IndexModel{
		// At most one membership per (user, workspace). Pending invites carry
		// no user_id and are excluded.
		{
			Keys: bson.D{{Key: "user_id", Value: 1}, {Key: "workspace_id", Value: 1}},
			Options: options.Index().
				SetName("uniq_membership_user_workspace").
				SetUnique(true).
				SetPartialFilterExpression(bson.M{"user_id": bson.M{"$exists": true}}),
		},
		{
			Keys: bson.D{{Key: "workspace_id", Value: 1}, {Key: "invite_email", Value: 1}},
			Options: options.Index().
				SetName("uniq_membership_invite").
				SetUnique(true).
				SetPartialFilterExpression(bson.M{"invite_email": bson.M{"$exists": true}}),
		},
		{
			Keys:    bson.D{{Key: "workspace_id", Value: 1}, {Key: "role", Value: 1}},
			Options: options.Index().SetName("idx_membership_workspace_role"),
		},
	})
}

func ensureKeys(ctx context.Context, db *mongo.Database) error {
	return ensureIndexSet(ctx, db.Collection("keys"), []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "receiver_id", Value: 1}, {Key: "workspace_id", Value: 1}},
			Options: options.Index().SetName("idx_key_receiver_workspace"),
		},
		{
			Keys:    bson.D{{Key: "workspace_id", Value: 1}},
			Options: options.Index().SetName("idx_key_workspace"),
		},
	})
}

func ensureIntegrationAuths(ctx context.Context, db *mongo.Database) error {
	return ensureIndexSet(ctx, db.Collection("integration_auths"), []mongo.IndexModel{
		{
			Keys: bson.D{{Key: "workspace_id", Value: 1}, {Key: "integration", Value: 1}},
			Options: options.Index().
				SetName("uniq_integration_auth_workspace_integration").
				SetUnique(true),
		},
	})
}

func ensureAuditEvents(ctx context.Context, db *mongo.Database) error {
	return ensureIndexSet(ctx, db.Collection("audit_events"), []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "workspace_id", Value: 1}, {Key: "timestamp", Value: -1}},
			Options: options.Index().SetName("idx_audit_workspace_time"),
		},
		{
			Keys:    bson.D{{Key: "category", Value: 1}, {Key: "timestamp", Value: -1}},
			Options: options.Index().SetName("idx_audit_category_time"),
		},
	})
}
