// Package membershippolicy resolves and checks a user's membership in a
// workspace before a privileged operation.
//
// Authorization rules:
//   - A user without a membership in the workspace is refused (ErrMembershipNotFound)
//   - A member whose role is outside the accepted set is refused (ErrUnauthorized)
//   - With no accepted roles given, any membership is sufficient
//
// Results are never cached; every call re-reads the membership so role changes
// and removals apply to the very next call.
package membershippolicy

import (
	"context"
	"errors"

	"github.com/dalemusser/keyhub/internal/domain/models"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

var (
	// ErrMembershipNotFound means the user has no membership in the workspace.
	ErrMembershipNotFound = errors.New("failed to find workspace membership")
	// ErrUnauthorized means the membership exists but its role is not accepted.
	ErrUnauthorized = errors.New("failed authorization for membership role")
)

// MembershipFinder is the lookup the authorizer needs from the membership store.
type MembershipFinder interface {
	FindWithWorkspace(ctx context.Context, userID, workspaceID primitive.ObjectID) (*models.MembershipWithWorkspace, error)
}

// Authorizer validates memberships. It performs reads only.
type Authorizer struct {
	memberships MembershipFinder
}

// New creates an Authorizer backed by finder.
func New(finder MembershipFinder) *Authorizer {
	return &Authorizer{memberships: finder}
}

// Validate returns the membership of userID in workspaceID with the workspace
// populated. If acceptedRoles is non-empty, the membership's role must be one
// of them. Store faults are returned unchanged (already reported by the store).
func (a *Authorizer) Validate(ctx context.Context, userID, workspaceID primitive.ObjectID, acceptedRoles ...string) (models.MembershipWithWorkspace, error) {
	m, err := a.memberships.FindWithWorkspace(ctx, userID, workspaceID)
	if err != nil {
		return models.MembershipWithWorkspace{}, err
	}
	if m == nil {
		return models.MembershipWithWorkspace{}, ErrMembershipNotFound
	}

	if len(acceptedRoles) > 0 && !hasRole(m.Role, acceptedRoles) {
		return models.MembershipWithWorkspace{}, ErrUnauthorized
	}
	return *m, nil
}

// RequireAdmin is Validate with acceptedRoles = {admin}.
func (a *Authorizer) RequireAdmin(ctx context.Context, userID, workspaceID primitive.ObjectID) (models.MembershipWithWorkspace, error) {
	return a.Validate(ctx, userID, workspaceID, models.RoleAdmin)
}

// IsDenied reports whether err is an authorization refusal rather than a fault.
func IsDenied(err error) bool {
	return errors.Is(err, ErrMembershipNotFound) || errors.Is(err, ErrUnauthorized)
}

func hasRole(role string, accepted []string) bool {
	for _, r := range accepted {
		if r == role {
			return true
		}
	}
	return false
}
