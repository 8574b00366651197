package members_test

import (
	"testing"

	"github.com/dalemusser/keyhub/internal/app/policy/membershippolicy"
	"github.com/dalemusser/keyhub/internal/app/store/audit"
	membershipstore "github.com/dalemusser/keyhub/internal/app/store/memberships"
	"github.com/dalemusser/keyhub/internal/app/system/auditlog"
	"github.com/dalemusser/keyhub/internal/app/system/indexes"
	"github.com/dalemusser/keyhub/internal/app/system/members"
	"github.com/dalemusser/keyhub/internal/domain/models"
	"github.com/dalemusser/keyhub/internal/testutil"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.uber.org/zap"
)

type env struct {
	svc      *members.Service
	store    *membershipstore.Store
	audits   *audit.Store
	fixtures *testutil.Fixtures
	ws       models.Workspace
	admin    models.User
	member   models.User
	adminM   models.Membership
	memberM  models.Membership
}

func setup(t *testing.T) *env {
	t.Helper()
	db := testutil.SetupTestDB(t)
	ctx, cancel := testutil.TestContext()
	defer cancel()
	if err := indexes.EnsureAll(ctx, db); err != nil {
		t.Fatalf("EnsureAll failed: %v", err)
	}

	store := membershipstore.New(db, &testutil.RecordingSink{}, zap.NewNop())
	audits := audit.New(db)
	al := auditlog.New(audits, zap.NewNop(), auditlog.Config{Admin: "db", Security: "db"})
	svc := members.New(store, membershippolicy.New(store), al, zap.NewNop())

	f := testutil.NewFixtures(t, db)
	e := &env{svc: svc, store: store, audits: audits, fixtures: f}
	e.ws = f.CreateWorkspace(ctx, "Acme")
	e.admin = f.CreateUser(ctx, "Admin", "admin@example.com")
	e.member = f.CreateUser(ctx, "Member", "member@example.com")
	e.adminM = f.CreateMembership(ctx, e.ws.ID, e.admin.ID, models.RoleAdmin)
	e.memberM = f.CreateMembership(ctx, e.ws.ID, e.member.ID, models.RoleMember)
	return e
}

func TestAdd_RequiresAdmin(t *testing.T) {
	e := setup(t)
	ctx, cancel := testutil.TestContext()
	defer cancel()

	newcomer := e.fixtures.CreateUser(ctx, "New", "new@example.com")
	entries := []membershipstore.Entry{{UserID: newcomer.ID, Role: models.RoleMember}}

	if err := e.svc.Add(ctx, e.member.ID, e.ws.ID, entries); err != membershippolicy.ErrUnauthorized {
		t.Fatalf("member Add: expected ErrUnauthorized, got %v", err)
	}
	denied, _ := e.audits.Query(ctx, audit.QueryFilter{EventType: audit.EventAuthorizationDenied})
	if len(denied) != 1 {
		t.Errorf("expected 1 authorization_denied event, got %d", len(denied))
	}

	if err := e.svc.Add(ctx, e.admin.ID, e.ws.ID, entries); err != nil {
		t.Fatalf("admin Add failed: %v", err)
	}
	m, err := e.store.Find(ctx, bson.M{"user_id": newcomer.ID, "workspace_id": e.ws.ID})
	if err != nil || m == nil {
		t.Fatalf("membership not created: %v", err)
	}
	added, _ := e.audits.Query(ctx, audit.QueryFilter{EventType: audit.EventMembershipAdded})
	if len(added) != 1 {
		t.Errorf("expected 1 membership_added event, got %d", len(added))
	}
}

func TestInviteAccept(t *testing.T) {
	e := setup(t)
	ctx, cancel := testutil.TestContext()
	defer cancel()

	inv, err := e.svc.Invite(ctx, e.admin.ID, e.ws.ID, "guest@example.com", models.RoleMember)
	if err != nil {
		t.Fatalf("Invite failed: %v", err)
	}
	guest := e.fixtures.CreateUser(ctx, "Guest", "guest@example.com")
	m, err := e.svc.Accept(ctx, inv.ID, guest.ID, "Guest@Example.com")
	if err != nil {
		t.Fatalf("Accept failed: %v", err)
	}
	if m.UserID == nil || *m.UserID != guest.ID {
		t.Errorf("Accept did not bind the user: %+v", m)
	}

	if _, err := e.svc.Invite(ctx, primitive.NewObjectID(), e.ws.ID, "x@example.com", models.RoleMember); err != membershippolicy.ErrMembershipNotFound {
		t.Errorf("outsider Invite: expected ErrMembershipNotFound, got %v", err)
	}
}

func TestAccept_OtherEmailRefused(t *testing.T) {
	e := setup(t)
	ctx, cancel := testutil.TestContext()
	defer cancel()

	inv, err := e.svc.Invite(ctx, e.admin.ID, e.ws.ID, "boss@example.com", models.RoleAdmin)
	if err != nil {
		t.Fatalf("Invite failed: %v", err)
	}
	mallory := e.fixtures.CreateUser(ctx, "Mallory", "mallory@example.com")

	if _, err := e.svc.Accept(ctx, inv.ID, mallory.ID, "mallory@example.com"); err != membershipstore.ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if _, err := e.svc.Accept(ctx, inv.ID, mallory.ID, ""); err != membershipstore.ErrNotFound {
		t.Fatalf("blank email: expected ErrNotFound, got %v", err)
	}
	if _, err := membershippolicy.New(e.store).Validate(ctx, mallory.ID, e.ws.ID, models.RoleAdmin); err != membershippolicy.ErrMembershipNotFound {
		t.Errorf("refused user gained access: %v", err)
	}

	still, err := e.store.GetByID(ctx, inv.ID)
	if err != nil {
		t.Fatalf("GetByID failed: %v", err)
	}
	if !still.IsPending() || still.InviteEmail != "boss@example.com" {
		t.Errorf("invite changed by refused accept: %+v", still)
	}
}

func TestAdd_CannotDemoteLastAdmin(t *testing.T) {
	e := setup(t)
	ctx, cancel := testutil.TestContext()
	defer cancel()

	demote := []membershipstore.Entry{{UserID: e.admin.ID, Role: models.RoleMember}}
	if err := e.svc.Add(ctx, e.admin.ID, e.ws.ID, demote); err != members.ErrLastAdmin {
		t.Fatalf("expected ErrLastAdmin, got %v", err)
	}
	m, err := e.store.GetByID(ctx, e.adminM.ID)
	if err != nil {
		t.Fatalf("GetByID failed: %v", err)
	}
	if m.Role != models.RoleAdmin {
		t.Errorf("admin demoted: role = %q", m.Role)
	}
	if n, _ := e.store.CountAdmins(ctx, e.ws.ID); n != 1 {
		t.Errorf("CountAdmins = %d, want 1", n)
	}

	// Demoting is fine when the same batch promotes someone else.
	swap := []membershipstore.Entry{
		{UserID: e.admin.ID, Role: models.RoleMember},
		{UserID: e.member.ID, Role: models.RoleAdmin},
	}
	if err := e.svc.Add(ctx, e.admin.ID, e.ws.ID, swap); err != nil {
		t.Fatalf("swap Add failed: %v", err)
	}
	if n, _ := e.store.CountAdmins(ctx, e.ws.ID); n != 1 {
		t.Errorf("CountAdmins after swap = %d, want 1", n)
	}
}

func TestChangeRole_LastAdmin(t *testing.T) {
	e := setup(t)
	ctx, cancel := testutil.TestContext()
	defer cancel()

	if err := e.svc.ChangeRole(ctx, e.admin.ID, e.adminM.ID, models.RoleMember); err != members.ErrLastAdmin {
		t.Fatalf("expected ErrLastAdmin, got %v", err)
	}

	if err := e.svc.ChangeRole(ctx, e.admin.ID, e.memberM.ID, models.RoleAdmin); err != nil {
		t.Fatalf("promote failed: %v", err)
	}
	if err := e.svc.ChangeRole(ctx, e.member.ID, e.adminM.ID, models.RoleMember); err != nil {
		t.Fatalf("demote with another admin present failed: %v", err)
	}

	changed, _ := e.audits.Query(ctx, audit.QueryFilter{EventType: audit.EventMembershipRoleChanged})
	if len(changed) != 2 {
		t.Errorf("expected 2 role change events, got %d", len(changed))
	}

	if err := e.svc.ChangeRole(ctx, e.admin.ID, e.memberM.ID, "owner"); err != membershipstore.ErrBadRole {
		t.Errorf("expected ErrBadRole, got %v", err)
	}
}

func TestRemove(t *testing.T) {
	e := setup(t)
	ctx, cancel := testutil.TestContext()
	defer cancel()

	e.fixtures.CreateKey(ctx, e.ws.ID, e.member.ID, e.admin.ID)

	// A member cannot remove someone else.
	if err := e.svc.Remove(ctx, e.member.ID, e.adminM.ID); err != membershippolicy.ErrUnauthorized {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
	// The last admin cannot leave.
	if err := e.svc.Remove(ctx, e.admin.ID, e.adminM.ID); err != members.ErrLastAdmin {
		t.Fatalf("expected ErrLastAdmin, got %v", err)
	}
	// A member can leave on their own.
	if err := e.svc.Remove(ctx, e.member.ID, e.memberM.ID); err != nil {
		t.Fatalf("self Remove failed: %v", err)
	}

	if n, _ := e.fixtures.DB().Collection("keys").CountDocuments(ctx, bson.M{"receiver_id": e.member.ID}); n != 0 {
		t.Errorf("keys not revoked: %d left", n)
	}
	removed, _ := e.audits.Query(ctx, audit.QueryFilter{EventType: audit.EventMembershipRemoved})
	if len(removed) != 1 {
		t.Errorf("expected 1 membership_removed event, got %d", len(removed))
	}

	if err := e.svc.Remove(ctx, e.admin.ID, e.memberM.ID); err != membershipstore.ErrNotFound {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}
