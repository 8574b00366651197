// internal/app/system/validators/validators.go
package validators

import (
	"context"
	"errors"
	"strings"

	"github.com/dalemusser/keyhub/internal/domain/models"
	"github.com/dalemusser/keyhub/internal/vault"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.uber.org/zap"
)

// EnsureAll creates collections (if missing) and tries to attach JSON-Schema
// validators. On servers that don't support collMod/validators (e.g. some
// DocumentDB versions), we log and skip gracefully.
func EnsureAll(ctx context.Context, db *mongo.Database, logger *zap.Logger) error {
	if logger == nil {
		logger = zap.NewNop()
	}
	var problems []string

	// helper: ensure collection exists and then validator (if provided)
	ensure := func(coll string, schema bson.M) {
		if _, err := ensureCollection(ctx, db, coll, logger); err != nil {
			problems = append(problems, coll+": "+err.Error())
			return
		}
		if schema == nil {
			return
		}
		if err := setValidator(ctx, db, coll, schema, logger); err != nil {
			if isNoSuchCommand(err) || isNotImplemented(err) {
				logger.Info("validator skipped (unsupported)", zap.String("collection", coll))
				return
			}
			problems = append(problems, coll+": "+err.Error())
		}
	}

	ensure("workspaces", workspacesSchema())
	ensure("memberships", membershipsSchema())
	ensure("keys", keysSchema())
	ensure("integration_auths", integrationAuthsSchema())

	// Written only by the audit logger; no validator.
	ensure("audit_events", nil)

	if len(problems) > 0 {
		return errors.New(strings.Join(problems, "; "))
	}
	return nil
}

/* ---------------------- collection helpers & logging ---------------------- */

func collectionExists(ctx context.Context, db *mongo.Database, name string) (bool, error) {
	names, err := db.ListCollectionNames(ctx, bson.M{"name": name})
	if err != nil {
		return false, err
	}
	return len(names) > 0, nil
}

// ensureCollection idempotently makes sure <name> exists.
// Returns created==true only if we actually created it.
func ensureCollection(ctx context.Context, db *mongo.Database, name string, logger *zap.Logger) (created bool, err error) {
	exists, listErr := collectionExists(ctx, db, name)
	if listErr == nil && exists {
		return false, nil
	}
	// If listing failed, fall back to create-and-handle-race.
	if err := db.CreateCollection(ctx, name); err != nil {
		if isNamespaceExistsErr(err) {
			return false, nil
		}
		logger.Warn("createCollection failed", zap.String("collection", name), zap.Error(err))
		return false, err
	}
	logger.Info("created collection", zap.String("collection", name))
	return true, nil
}

/* ------------------------------ validators ------------------------------- */

func setValidator(ctx context.Context, db *mongo.Database, name string, validator bson.M, logger *zap.Logger) error {
	cmd := bson.D{
		{Key: "collMod", Value: name},
		{Key: "validator", Value: validator},
		{Key: "validationLevel", Value: "moderate"},
		{Key: "validationAction", Value: "error"},
	}
	var out bson.M
	if err := db.RunCommand(ctx, cmd).Decode(&out); err != nil {
		return err
	}
	logger.Debug("validator ensured", zap.String("collection", name))
	return nil
}

/* ------------------------- error helpers ------------------------- */

func isNamespaceExistsErr(err error) bool {
	if err == nil {
		return false
	}
	var ce mongo.CommandError
	if errors.As(err, &ce) && (ce.Code == 48 || strings.Contains(strings.ToLower(ce.Message), "already exists")) {
		return true
	}
	s := strings.ToLower(err.Error())
	return strings.Contains(s, "already exists") || strings.Contains(s, "namespace exists")
}

func isNoSuchCommand(err error) bool {
	if err == nil {
		return false
	}
	var ce mongo.CommandError
	if errors.As(err, &ce) && (ce.Code == 59 || strings.Contains(strings.ToLower(ce.Message), "no such command")) {
		return true
	}
	return strings.Contains(strings.ToLower(err.Error()), "no such command")
}

func isNotImplemented(err error) bool {
	if err == nil {
		return false
	}
	var ce mongo.CommandError
	if errors.As(err, &ce) && (ce.Code == 115 ||
		strings.Contains(strings.ToLower(ce.Message), "not implemented") ||
		strings.Contains(strings.ToLower(ce.Message), "not supported")) {
		return true
	}
	s := strings.ToLower(err.Error())
	return strings.Contains(s, "not implemented") || strings.Contains(s, "not supported")
}

/* ------------------------- JSON-Schema docs ---------------------- */

var nonBlank = bson.M{"bsonType": "string", "minLength": 1, "pattern": ".*\\S.*"}

func workspacesSchema() bson.M {
	return bson.M{
		"$jsonSchema": bson.M{
			"bsonType": "object",
			"required": bson.A{"name", "name_ci", "status"},
			"properties": bson.M{
				"name":    nonBlank,
				"name_ci": nonBlank,
				"status":  bson.M{"enum": bson.A{models.WorkspaceActive, models.WorkspaceDisabled}},
			},
		},
	}
}

// membershipsSchema requires either a user or an invite email.
func membershipsSchema() bson.M {
	return bson.M{
		"$jsonSchema": bson.M{
			"bsonType": "object",
			"required": bson.A{"workspace_id", "role"},
			"properties": bson.M{
				"user_id":      bson.M{"bsonType": "objectId"},
				"invite_email": nonBlank,
				"workspace_id": bson.M{"bsonType": "objectId"},
				"role":         bson.M{"enum": bson.A{models.RoleAdmin, models.RoleMember}},
				"created_at":   bson.M{"bsonType": "date"},
			},
			"anyOf": bson.A{
				bson.M{"required": bson.A{"user_id"}},
				bson.M{"required": bson.A{"invite_email"}},
			},
		},
	}
}

func keysSchema() bson.M {
	return bson.M{
		"$jsonSchema": bson.M{
			"bsonType": "object",
			"required": bson.A{"receiver_id", "sender_id", "workspace_id", "encrypted_key", "nonce"},
			"properties": bson.M{
				"receiver_id":   bson.M{"bsonType": "objectId"},
				"sender_id":     bson.M{"bsonType": "objectId"},
				"workspace_id":  bson.M{"bsonType": "objectId"},
				"encrypted_key": nonBlank,
				"nonce":         nonBlank,
			},
		},
	}
}

// sealedSlot is a complete ciphertext/iv/tag triple and nothing else.
func sealedSlot() bson.M {
	return bson.M{
		"bsonType":             "object",
		"required":             bson.A{"ciphertext", "iv", "tag"},
		"additionalProperties": false,
		"properties": bson.M{
			"ciphertext": bson.M{"bsonType": "string"},
			"iv":         bson.M{"bsonType": "string", "minLength": 1},
			"tag":        bson.M{"bsonType": "string", "minLength": 1},
		},
	}
}

func integrationAuthsSchema() bson.M {
	names := bson.A{}
	for _, n := range models.Integrations() {
		names = append(names, n)
	}
	return bson.M{
		"$jsonSchema": bson.M{
			"bsonType": "object",
			"required": bson.A{"workspace_id", "integration", "algorithm", "key_encoding", "version"},
			"properties": bson.M{
				"workspace_id":      bson.M{"bsonType": "objectId"},
				"integration":       bson.M{"enum": names},
				"algorithm":         bson.M{"enum": bson.A{vault.Algorithm}},
				"key_encoding":      bson.M{"enum": bson.A{string(vault.UTF8), string(vault.Base64)}},
				"version":           bson.M{"bsonType": bson.A{"int", "long"}},
				"access_expires_at": bson.M{"bsonType": "date"},
				models.SlotRefresh:  sealedSlot(),
				models.SlotAccessID: sealedSlot(),
				models.SlotAccess:   sealedSlot(),
			},
		},
	}
}
