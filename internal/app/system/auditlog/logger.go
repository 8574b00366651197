// internal/app/system/auditlog/logger.go
package auditlog

import (
	"context"
	"strconv"

	"github.com/dalemusser/keyhub/internal/app/store/audit"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.uber.org/zap"
)

// Config holds audit logging configuration.
type Config struct {
	// Admin controls logging for membership and integration changes.
	// Values: "all" (MongoDB + zap), "db" (MongoDB only), "log" (zap only), "off" (disabled)
	Admin string
	// Security controls logging for credential authentication failures and
	// authorization denials. Same values as Admin.
	Security string
}

// Logger provides convenience methods for logging audit events.
// It logs to both MongoDB (via audit.Store) and structured logs (via zap).
type Logger struct {
	store  *audit.Store
	zapLog *zap.Logger
	config Config
}

// New creates a new audit Logger.
func New(store *audit.Store, zapLog *zap.Logger, config Config) *Logger {
	return &Logger{
		store:  store,
		zapLog: zapLog,
		config: config,
	}
}

// logToZap logs the event to zap with consistent structure.
func (l *Logger) logToZap(event audit.Event) {
	fields := []zap.Field{
		zap.Bool("audit", true),
		zap.String("category", event.Category),
		zap.String("event_type", event.EventType),
		zap.Bool("success", event.Success),
	}

	if event.WorkspaceID != nil {
		fields = append(fields, zap.String("workspace_id", event.WorkspaceID.Hex()))
	}
	if event.UserID != nil {
		fields = append(fields, zap.String("user_id", event.UserID.Hex()))
	}
	if event.ActorID != nil {
		fields = append(fields, zap.String("actor_id", event.ActorID.Hex()))
	}
	if event.FailureReason != "" {
		fields = append(fields, zap.String("failure_reason", event.FailureReason))
	}
	for k, v := range event.Details {
		fields = append(fields, zap.String("detail_"+k, v))
	}

	if event.Success {
		l.zapLog.Info("audit event", fields...)
	} else {
		l.zapLog.Warn("audit event", fields...)
	}
}

// Log records an audit event based on configuration.
// If the logger is nil, this is a no-op (allows tests to use nil audit logger).
// Logging destination is controlled by config: "all", "db", "log", or "off".
func (l *Logger) Log(ctx context.Context, event audit.Event) {
	if l == nil {
		return
	}

	var setting string
	switch event.Category {
	case audit.CategoryAdmin:
		setting = l.config.Admin
	case audit.CategorySecurity:
		setting = l.config.Security
	default:
		setting = "all" // Default to logging everything for unknown categories
	}

	if setting == "off" {
		return
	}

	if setting == "all" || setting == "log" {
		l.logToZap(event)
	}

	if setting == "all" || setting == "db" {
		if err := l.store.Log(ctx, event); err != nil {
			l.zapLog.Error("failed to store audit event",
				zap.Error(err),
				zap.String("event_type", event.EventType),
			)
		}
	}
}

// --- Membership Events ---

// MembershipAdded logs a user being added to (or re-roled in) a workspace by a bulk add.
func (l *Logger) MembershipAdded(ctx context.Context, actorID *primitive.ObjectID, workspaceID, userID primitive.ObjectID, role string) {
	l.Log(ctx, audit.Event{
		Category:    audit.CategoryAdmin,
		EventType:   audit.EventMembershipAdded,
		WorkspaceID: &workspaceID,
		UserID:      &userID,
		ActorID:     actorID,
		Success:     true,
		Details: map[string]string{
			"role": role,
		},
	})
}

// MembershipInvited logs a pending membership created for an email address.
func (l *Logger) MembershipInvited(ctx context.Context, actorID *primitive.ObjectID, workspaceID, membershipID primitive.ObjectID, email, role string) {
	l.Log(ctx, audit.Event{
		Category:    audit.CategoryAdmin,
		EventType:   audit.EventMembershipAdded,
		WorkspaceID: &workspaceID,
		ActorID:     actorID,
		Success:     true,
		Details: map[string]string{
			"membership_id": membershipID.Hex(),
			"invite_email":  email,
			"role":          role,
		},
	})
}

// MembershipRoleChanged logs a role change.
func (l *Logger) MembershipRoleChanged(ctx context.Context, actorID *primitive.ObjectID, workspaceID, membershipID primitive.ObjectID, userID *primitive.ObjectID, oldRole, newRole string) {
	l.Log(ctx, audit.Event{
		Category:    audit.CategoryAdmin,
		EventType:   audit.EventMembershipRoleChanged,
		WorkspaceID: &workspaceID,
		UserID:      userID,
		ActorID:     actorID,
		Success:     true,
		Details: map[string]string{
			"membership_id": membershipID.Hex(),
			"old_role":      oldRole,
			"new_role":      newRole,
		},
	})
}

// MembershipRemoved logs a membership deletion. userID is nil for pending invites.
func (l *Logger) MembershipRemoved(ctx context.Context, actorID *primitive.ObjectID, workspaceID, membershipID primitive.ObjectID, userID *primitive.ObjectID, role string) {
	l.Log(ctx, audit.Event{
		Category:    audit.CategoryAdmin,
		EventType:   audit.EventMembershipRemoved,
		WorkspaceID: &workspaceID,
		UserID:      userID,
		ActorID:     actorID,
		Success:     true,
		Details: map[string]string{
			"membership_id": membershipID.Hex(),
			"role":          role,
		},
	})
}

// KeysRevoked logs keys removed outside a membership deletion (orphan sweep).
func (l *Logger) KeysRevoked(ctx context.Context, workspaceID *primitive.ObjectID, count int64, reason string) {
	l.Log(ctx, audit.Event{
		Category:    audit.CategoryAdmin,
		EventType:   audit.EventKeysRevoked,
		WorkspaceID: workspaceID,
		Success:     true,
		Details: map[string]string{
			"count":  int64ToString(count),
			"reason": reason,
		},
	})
}

// --- Integration Events ---

// IntegrationConnected logs credentials stored for an integration.
func (l *Logger) IntegrationConnected(ctx context.Context, actorID *primitive.ObjectID, workspaceID, authID primitive.ObjectID, integration string) {
	l.Log(ctx, audit.Event{
		Category:    audit.CategoryAdmin,
		EventType:   audit.EventIntegrationConnected,
		WorkspaceID: &workspaceID,
		ActorID:     actorID,
		Success:     true,
		Details: map[string]string{
			"integration_auth_id": authID.Hex(),
			"integration":         integration,
		},
	})
}

// IntegrationTokenRotated logs a replaced access token.
func (l *Logger) IntegrationTokenRotated(ctx context.Context, workspaceID, authID primitive.ObjectID, integration string, refreshRotated bool) {
	l.Log(ctx, audit.Event{
		Category:    audit.CategoryAdmin,
		EventType:   audit.EventIntegrationTokenRotate,
		WorkspaceID: &workspaceID,
		Success:     true,
		Details: map[string]string{
			"integration_auth_id": authID.Hex(),
			"integration":         integration,
			"refresh_rotated":     boolToString(refreshRotated),
		},
	})
}

// IntegrationRemoved logs deleted integration credentials.
func (l *Logger) IntegrationRemoved(ctx context.Context, actorID *primitive.ObjectID, workspaceID, authID primitive.ObjectID, integration string) {
	l.Log(ctx, audit.Event{
		Category:    audit.CategoryAdmin,
		EventType:   audit.EventIntegrationRemoved,
		WorkspaceID: &workspaceID,
		ActorID:     actorID,
		Success:     true,
		Details: map[string]string{
			"integration_auth_id": authID.Hex(),
			"integration":         integration,
		},
	})
}

// --- Security Events ---

// CredentialAuthFailed logs a sealed credential that failed to authenticate
// on unseal (tampering, corruption or the wrong master key).
func (l *Logger) CredentialAuthFailed(ctx context.Context, workspaceID, authID primitive.ObjectID, integration, slot string) {
	l.Log(ctx, audit.Event{
		Category:      audit.CategorySecurity,
		EventType:     audit.EventCredentialAuthFailed,
		WorkspaceID:   &workspaceID,
		Success:       false,
		FailureReason: "authentication tag mismatch",
		Details: map[string]string{
			"integration_auth_id": authID.Hex(),
			"integration":         integration,
			"slot":                slot,
		},
	})
}

// AuthorizationDenied logs a refused membership check.
func (l *Logger) AuthorizationDenied(ctx context.Context, workspaceID, userID primitive.ObjectID, reason string) {
	l.Log(ctx, audit.Event{
		Category:      audit.CategorySecurity,
		EventType:     audit.EventAuthorizationDenied,
		WorkspaceID:   &workspaceID,
		UserID:        &userID,
		Success:       false,
		FailureReason: reason,
	})
}

// --- Helper functions ---

func boolToString(b bool) string {
	if b {
		return "true"
	}
	return "false"
}

func int64ToString(i int64) string {
	return strconv.FormatInt(i, 10)
}
