// internal/domain/models/membership.go
package models

import (
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

// Membership roles.
const (
	RoleAdmin  = "admin"
	RoleMember = "member"
)

// ValidRole reports whether role is one of the membership roles.
func ValidRole(role string) bool {
	return role == RoleAdmin || role == RoleMember
}

// Membership binds a user to a workspace with a role.
// Exactly one document per (user_id, workspace_id) once the user is known.
// A nil UserID marks a pending invite; InviteEmail identifies the invitee until
// the invite is accepted.
type Membership struct {
	ID          primitive.ObjectID  `bson:"_id,omitempty" json:"id"`
	UserID      *primitive.ObjectID `bson:"user_id,omitempty" json:"user_id,omitempty"`
	InviteEmail string              `bson:"invite_email,omitempty" json:"invite_email,omitempty"`
	WorkspaceID primitive.ObjectID  `bson:"workspace_id" json:"workspace_id"`
	Role        string              `bson:"role" json:"role"` // "admin" | "member"
	CreatedAt   time.Time           `bson:"created_at" json:"created_at"`
	UpdatedAt   time.Time           `bson:"updated_at" json:"updated_at"`
}

// IsPending reports whether the membership is an invite not yet bound to a user.
func (m Membership) IsPending() bool {
	return m.UserID == nil
}

// MembershipWithWorkspace is a membership with its owning workspace populated.
type MembershipWithWorkspace struct {
	Membership `bson:",inline"`
	Workspace  Workspace `bson:"workspace" json:"workspace"`
}
