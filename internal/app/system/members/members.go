// Package members runs membership changes on behalf of an acting user:
// it checks the actor's role, applies the change through the membership
// store and records it in the audit log.
package members

import (
	"context"

	"github.com/dalemusser/keyhub/internal/app/policy/membershippolicy"
	membershipstore "github.com/dalemusser/keyhub/internal/app/store/memberships"
	"github.com/dalemusser/keyhub/internal/app/system/auditlog"
	"github.com/dalemusser/keyhub/internal/domain/models"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.uber.org/zap"
)

// ErrLastAdmin is returned when a change would leave a workspace without an admin.
var ErrLastAdmin = membershipstore.ErrLastAdmin

type Service struct {
	store *membershipstore.Store
	authz *membershippolicy.Authorizer
	audit *auditlog.Logger
	log   *zap.Logger
}

// New creates a Service. audit may be nil.
func New(store *membershipstore.Store, authz *membershippolicy.Authorizer, audit *auditlog.Logger, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{store: store, authz: authz, audit: audit, log: logger}
}

func (s *Service) requireAdmin(ctx context.Context, actorID, workspaceID primitive.ObjectID) error {
	_, err := s.authz.RequireAdmin(ctx, actorID, workspaceID)
	if membershippolicy.IsDenied(err) {
		s.audit.AuthorizationDenied(ctx, workspaceID, actorID, err.Error())
	}
	return err
}

// Add upserts memberships for entries. The actor must be an admin, and
// entries may not demote the workspace's last admin.
func (s *Service) Add(ctx context.Context, actorID, workspaceID primitive.ObjectID, entries []membershipstore.Entry) error {
	if err := s.requireAdmin(ctx, actorID, workspaceID); err != nil {
		return err
	}
	if err := s.store.AddManyGuarded(ctx, workspaceID, entries); err != nil {
		return err
	}
	for _, e := range entries {
		s.audit.MembershipAdded(ctx, &actorID, workspaceID, e.UserID, e.Role)
	}
	return nil
}

// Invite creates a pending membership for email. The actor must be an admin.
func (s *Service) Invite(ctx context.Context, actorID, workspaceID primitive.ObjectID, email, role string) (models.Membership, error) {
	if err := s.requireAdmin(ctx, actorID, workspaceID); err != nil {
		return models.Membership{}, err
	}
	m, err := s.store.Invite(ctx, workspaceID, email, role)
	if err != nil {
		return models.Membership{}, err
	}
	s.audit.MembershipInvited(ctx, &actorID, workspaceID, m.ID, m.InviteEmail, role)
	return m, nil
}

// Accept binds a pending invite to userID. email is the user's verified
// address; an invite sent to any other address is not found.
func (s *Service) Accept(ctx context.Context, membershipID, userID primitive.ObjectID, email string) (models.Membership, error) {
	m, err := s.store.Accept(ctx, membershipID, userID, email)
	if err != nil {
		return models.Membership{}, err
	}
	s.audit.MembershipAdded(ctx, &userID, m.WorkspaceID, userID, m.Role)
	return m, nil
}

// ChangeRole sets the role of a membership. The actor must be an admin and
// the last admin cannot be demoted.
func (s *Service) ChangeRole(ctx context.Context, actorID, membershipID primitive.ObjectID, role string) error {
	if !models.ValidRole(role) {
		return membershipstore.ErrBadRole
	}
	m, err := s.store.GetByID(ctx, membershipID)
	if err != nil {
		return err
	}
	if err := s.requireAdmin(ctx, actorID, m.WorkspaceID); err != nil {
		return err
	}
	if m.Role == role {
		return nil
	}
	prev, err := s.store.UpdateRoleGuarded(ctx, membershipID, role)
	if err != nil {
		return err
	}
	s.audit.MembershipRoleChanged(ctx, &actorID, prev.WorkspaceID, prev.ID, prev.UserID, prev.Role, role)
	return nil
}

// Remove deletes a membership and the keys wrapped for its user. Admins may
// remove anyone; any member may remove their own membership. The last admin
// cannot be removed.
func (s *Service) Remove(ctx context.Context, actorID, membershipID primitive.ObjectID) error {
	m, err := s.store.GetByID(ctx, membershipID)
	if err != nil {
		return err
	}

	self := m.UserID != nil && *m.UserID == actorID
	if self {
		if _, err := s.authz.Validate(ctx, actorID, m.WorkspaceID); err != nil {
			return err
		}
	} else if err := s.requireAdmin(ctx, actorID, m.WorkspaceID); err != nil {
		return err
	}

	deleted, err := s.store.DeleteGuarded(ctx, membershipID)
	if err != nil {
		return err
	}
	if deleted == nil {
		return membershipstore.ErrNotFound
	}
	s.audit.MembershipRemoved(ctx, &actorID, deleted.WorkspaceID, deleted.ID, deleted.UserID, deleted.Role)
	return nil
}
