package invitations

import (
	"context"
	"database/sql"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/platinummonkey/porter/pkg/audit"
	"github.com/platinummonkey/porter/pkg/rbac"
	"github.com/platinummonkey/porter/pkg/storage/storagetest"
	"github.com/platinummonkey/porter/pkg/tenancy"
)

var (
	manager      = rbac.Actor{ID: "pm-1", Type: rbac.ActorAdmin}
	rivalManager = rbac.Actor{ID: "pm-2", Type: rbac.ActorAdmin}
	landlord     = rbac.Actor{ID: "landlord-1", Type: rbac.ActorLandlord}
	propManager  = rbac.Actor{ID: "staff-1", Type: rbac.ActorAdmin}
)

type testEnv struct {
	db       *sql.DB
	store    *rbac.Store
	resolver *rbac.Resolver
	svc      *Service
	now      time.Time
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	ctx := context.Background()
	db := storagetest.NewSQLite(t)
	recorder := audit.NewRecorder(nil, nil)

	store := rbac.NewStore(db, recorder, nil, nil, nil)
	_, err := store.SeedSystemRoles(ctx, rbac.SystemActor)
	require.NoError(t, err)
	for _, a := range []struct {
		actor rbac.Actor
		role  string
		org   string
	}{
		{manager, rbac.RolePMCAdmin, "org-1"},
		{rivalManager, rbac.RolePMCAdmin, "org-2"},
		{landlord, rbac.RoleOwnerLandlord, "org-1"},
		{propManager, rbac.RolePropertyManager, "org-1"},
	} {
		_, err = store.Assign(ctx, rbac.SystemActor, rbac.AssignRequest{
			Actor: a.actor, RoleName: a.role, OrganizationID: strPtr(a.org),
		})
		require.NoError(t, err)
	}

	resolver := rbac.NewResolver(db, nil, nil, nil)
	guard := tenancy.NewGuard(db, resolver, recorder, nil, nil)

	env := &testEnv{
		db:       db,
		store:    store,
		resolver: resolver,
		svc:      NewService(db, store, guard, recorder, Options{}),
		now:      time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	env.svc.now = func() time.Time { return env.now }

	var tokens atomic.Int64
	env.svc.newToken = func() (string, error) {
		return fmt.Sprintf("token-%d", tokens.Add(1)), nil
	}
	return env
}

func strPtr(s string) *string { return &s }

func (e *testEnv) create(t *testing.T, typ Type, org string, ttl time.Duration) *Invitation {
	t.Helper()
	return e.createAs(t, manager, typ, org, ttl)
}

func (e *testEnv) createAs(t *testing.T, by rbac.Actor, typ Type, org string, ttl time.Duration) *Invitation {
	t.Helper()
	inv, err := e.svc.Create(context.Background(), by, CreateRequest{
		Email:          "new.person@example.com",
		Type:           typ,
		OrganizationID: strPtr(org),
		Scope:          rbac.Scope{PropertyID: "prop-7"},
		InvitedByRole:  rbac.RolePMCAdmin,
		TTL:            ttl,
	})
	require.NoError(t, err)
	return inv
}

func (e *testEnv) sent(t *testing.T, typ Type) *Invitation {
	t.Helper()
	inv := e.create(t, typ, "org-1", 0)
	_, err := e.svc.Dispatch(context.Background(), manager, inv.ID)
	require.NoError(t, err)
	return inv
}

func (e *testEnv) count(t *testing.T, query string, args ...any) int {
	t.Helper()
	var n int
	require.NoError(t, e.db.QueryRow(query, args...).Scan(&n))
	return n
}

func (e *testEnv) audits(t *testing.T, action string, success bool) int {
	t.Helper()
	return e.count(t, `SELECT COUNT(*) FROM audit_log_entries WHERE action = $1 AND success = $2`, action, success)
}

func TestService_Create(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	inv := env.create(t, TypeTenant, "org-1", 0)
	assert.Equal(t, StatusPending, inv.Status)
	assert.Equal(t, "token-1", inv.Token)
	assert.Equal(t, env.now.Add(DefaultTTL), inv.ExpiresAt.UTC())
	assert.Equal(t, manager, inv.InvitedBy)
	assert.Equal(t, rbac.RolePMCAdmin, inv.InvitedByRole)
	assert.Equal(t, "prop-7", inv.Scope.PropertyID)
	assert.Equal(t, 1, env.audits(t, audit.ActionInvitationCreated, true))

	bad := []CreateRequest{
		{Email: "not-an-email", Type: TypeTenant, OrganizationID: strPtr("org-1")},
		{Email: "a@example.com", Type: "plumber", OrganizationID: strPtr("org-1")},
		{Email: "a@example.com", Type: TypeTenant},
	}
	for _, req := range bad {
		_, err := env.svc.Create(ctx, manager, req)
		assert.ErrorIs(t, err, rbac.ErrInvalidInput)
	}
}

func TestService_DispatchAndResend(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	inv := env.create(t, TypeLandlord, "org-1", 0)

	d, err := env.svc.Dispatch(ctx, manager, inv.ID)
	require.NoError(t, err)
	assert.Equal(t, inv.Token, d.Token)
	assert.Equal(t, inv.ExpiresAt, d.ExpiresAt)
	assert.Equal(t, "new.person@example.com", d.Email)

	env.now = env.now.Add(time.Hour)
	_, err = env.svc.Dispatch(ctx, manager, inv.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, env.audits(t, audit.ActionInvitationSent, true))

	got, err := env.svc.Get(ctx, manager, inv.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusSent, got.Status)
	require.NotNil(t, got.SentAt)
	assert.Equal(t, env.now, got.SentAt.UTC())

	_, err = env.svc.Dispatch(ctx, manager, "missing")
	assert.ErrorIs(t, err, ErrInvitationNotFound)
}

func TestService_ResolveOpensOnce(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, err := env.svc.Resolve(ctx, "nope")
	assert.ErrorIs(t, err, ErrInvitationNotFound)

	inv := env.sent(t, TypeTenant)
	opened, err := env.svc.Resolve(ctx, inv.Token)
	require.NoError(t, err)
	assert.Equal(t, StatusOpened, opened.Status)
	require.NotNil(t, opened.OpenedAt)

	again, err := env.svc.Resolve(ctx, inv.Token)
	require.NoError(t, err)
	assert.Equal(t, StatusOpened, again.Status)
	assert.Equal(t, 1, env.audits(t, audit.ActionInvitationOpened, true))
	assert.Equal(t, 1, env.count(t,
		`SELECT COUNT(*) FROM audit_log_entries WHERE action = $1 AND actor_type = $2 AND actor_id = $3`,
		audit.ActionInvitationOpened, InviteeActorType, "invitee:"+inv.ID))
}

func TestService_Accept(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	inv := env.sent(t, TypeTenant)
	_, err := env.svc.Resolve(ctx, inv.Token)
	require.NoError(t, err)

	result, err := env.svc.Accept(ctx, inv.Token, AcceptForm{FullName: " Rita Renter ", Phone: "555-0100"})
	require.NoError(t, err)
	assert.False(t, result.Replayed)
	assert.Equal(t, StatusCompleted, result.Invitation.Status)
	require.NotNil(t, result.Invitation.TenantID)
	assert.Equal(t, result.EntityID, *result.Invitation.TenantID)
	assert.Equal(t, rbac.Actor{ID: result.EntityID, Type: rbac.ActorTenant}, result.Actor)

	var (
		fullName, approval, orgID string
	)
	require.NoError(t, env.db.QueryRow(
		`SELECT full_name, approval_status, organization_id FROM tenants WHERE id = $1`, result.EntityID,
	).Scan(&fullName, &approval, &orgID))
	assert.Equal(t, "Rita Renter", fullName)
	assert.Equal(t, ApprovalPending, approval)
	assert.Equal(t, "org-1", orgID)

	require.NotNil(t, result.Assignment)
	assert.Equal(t, rbac.RoleTenant, result.Assignment.Role.Name)
	assert.Equal(t, "prop-7", result.Assignment.Scope.PropertyID)
	assert.Equal(t, manager.ID, result.Assignment.AssignedBy)

	allowed, err := env.resolver.HasPermission(ctx, rbac.Check{
		Actor: result.Actor, Category: rbac.CategoryWorkOrder, Resource: "wo-1",
		Action: rbac.ActionWrite, OrganizationID: "org-1", Scope: rbac.Scope{PropertyID: "prop-7"},
	})
	require.NoError(t, err)
	assert.True(t, allowed)
	assert.Equal(t, 1, env.audits(t, audit.ActionInvitationAccepted, true))
}

func TestService_AcceptWithoutResolve(t *testing.T) {
	env := newTestEnv(t)
	inv := env.sent(t, TypeLandlord)

	result, err := env.svc.Accept(context.Background(), inv.Token, AcceptForm{FullName: "Lou Lessor"})
	require.NoError(t, err)
	require.NotNil(t, result.Invitation.OpenedAt)
	require.NotNil(t, result.Invitation.LandlordID)
	assert.Equal(t, rbac.ActorLandlord, result.Actor.Type)
	assert.Equal(t, rbac.RoleOwnerLandlord, result.Assignment.Role.Name)
}

func TestService_AcceptIsIdempotent(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	inv := env.sent(t, TypeTenant)

	first, err := env.svc.Accept(ctx, inv.Token, AcceptForm{FullName: "Rita Renter"})
	require.NoError(t, err)
	second, err := env.svc.Accept(ctx, inv.Token, AcceptForm{FullName: "Someone Else"})
	require.NoError(t, err)

	assert.True(t, second.Replayed)
	assert.Equal(t, first.EntityID, second.EntityID)
	require.NotNil(t, second.Assignment)
	assert.Equal(t, first.Assignment.ID, second.Assignment.ID)
	assert.Equal(t, 1, env.count(t, `SELECT COUNT(*) FROM tenants`))
	assert.Equal(t, 1, env.count(t, `SELECT COUNT(*) FROM user_role_assignments WHERE actor_type = 'TENANT'`))

	_, err = env.svc.Resolve(ctx, inv.Token)
	assert.ErrorIs(t, err, ErrInvitationAlreadyCompleted)
}

func TestService_ConcurrentAccept(t *testing.T) {
	env := newTestEnv(t)
	inv := env.sent(t, TypeVendor)

	results := make([]*AcceptResult, 2)
	var g errgroup.Group
	for i := range results {
		g.Go(func() error {
			r, err := env.svc.Accept(context.Background(), inv.Token, AcceptForm{FullName: fmt.Sprintf("Vendor %d", i)})
			results[i] = r
			return err
		})
	}
	require.NoError(t, g.Wait())

	fresh := 0
	for _, r := range results {
		if !r.Replayed {
			fresh++
		}
	}
	assert.Equal(t, 1, fresh)
	assert.Equal(t, results[0].EntityID, results[1].EntityID)
	assert.Equal(t, 1, env.count(t, `SELECT COUNT(*) FROM service_providers`))
	assert.Equal(t, 1, env.count(t, `SELECT COUNT(*) FROM user_role_assignments WHERE actor_type = 'VENDOR'`))
	assert.Equal(t, 1, env.audits(t, audit.ActionInvitationAccepted, true))
}

func TestService_AcceptExpiredToken(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.svc.newToken = func() (string, error) { return "abc123", nil }

	inv := env.create(t, TypeTenant, "org-1", time.Hour)
	_, err := env.svc.Dispatch(ctx, manager, inv.ID)
	require.NoError(t, err)

	env.now = env.now.Add(2 * time.Hour)
	_, err = env.svc.Accept(ctx, "abc123", AcceptForm{FullName: "Late Larry"})
	assert.ErrorIs(t, err, ErrInvitationExpired)
	assert.Zero(t, env.count(t, `SELECT COUNT(*) FROM tenants`))

	var status string
	require.NoError(t, env.db.QueryRow(`SELECT status FROM invitations WHERE id = $1`, inv.ID).Scan(&status))
	assert.Equal(t, string(StatusExpired), status)
	assert.Equal(t, 1, env.audits(t, audit.ActionInvitationExpired, true))

	_, err = env.svc.Resolve(ctx, "abc123")
	assert.ErrorIs(t, err, ErrInvitationExpired)
}

func TestService_ResolveNeverMarkedExpired(t *testing.T) {
	env := newTestEnv(t)
	inv := env.create(t, TypeAdmin, "org-1", time.Minute)
	env.now = env.now.Add(time.Hour)

	_, err := env.svc.Resolve(context.Background(), inv.Token)
	assert.ErrorIs(t, err, ErrInvitationExpired)
}

func TestService_AcceptValidation(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	pending := env.create(t, TypeTenant, "org-1", 0)
	_, err := env.svc.Accept(ctx, pending.Token, AcceptForm{FullName: "Too Early"})
	assert.ErrorIs(t, err, ErrInvalidTransition)

	sent := env.sent(t, TypeTenant)
	_, err = env.svc.Accept(ctx, sent.Token, AcceptForm{FullName: "  "})
	assert.ErrorIs(t, err, rbac.ErrInvalidInput)

	_, err = env.svc.Accept(ctx, "unknown", AcceptForm{FullName: "Nobody"})
	assert.ErrorIs(t, err, ErrInvitationNotFound)
}

func TestService_AcceptRollsBackOnAssignmentFailure(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	inv := env.sent(t, TypeContractor)

	_, err := env.store.DeactivateRole(ctx, rbac.SystemActor, rbac.RoleVendorServiceProvider)
	require.NoError(t, err)

	_, err = env.svc.Accept(ctx, inv.Token, AcceptForm{FullName: "Carl Contractor"})
	assert.ErrorIs(t, err, rbac.ErrRoleNotFound)
	assert.Zero(t, env.count(t, `SELECT COUNT(*) FROM service_providers`))
	assert.Equal(t, 1, env.audits(t, audit.ActionInvitationAccepted, false))

	var status string
	require.NoError(t, env.db.QueryRow(`SELECT status FROM invitations WHERE id = $1`, inv.ID).Scan(&status))
	assert.Equal(t, string(StatusSent), status)

	_, err = env.store.ActivateRole(ctx, rbac.SystemActor, rbac.RoleVendorServiceProvider)
	require.NoError(t, err)
	result, err := env.svc.Accept(ctx, inv.Token, AcceptForm{FullName: "Carl Contractor"})
	require.NoError(t, err)

	var kind string
	require.NoError(t, env.db.QueryRow(`SELECT provider_kind FROM service_providers WHERE id = $1`, result.EntityID).Scan(&kind))
	assert.Equal(t, "contractor", kind)
}

func TestService_Cancel(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	inv := env.sent(t, TypePMC)

	cancelled, err := env.svc.Cancel(ctx, manager, inv.ID, " sent to the wrong address ")
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, cancelled.Status)
	assert.Equal(t, "sent to the wrong address", cancelled.CancelReason)
	require.NotNil(t, cancelled.CancelledAt)

	_, err = env.svc.Accept(ctx, inv.Token, AcceptForm{FullName: "Pat PMC"})
	assert.ErrorIs(t, err, ErrInvitationCancelled)
	_, err = env.svc.Cancel(ctx, manager, inv.ID, "")
	assert.ErrorIs(t, err, ErrInvitationCancelled)

	done := env.sent(t, TypeTenant)
	_, err = env.svc.Accept(ctx, done.Token, AcceptForm{FullName: "Rita Renter"})
	require.NoError(t, err)
	_, err = env.svc.Cancel(ctx, manager, done.ID, "")
	assert.ErrorIs(t, err, ErrInvitationAlreadyCompleted)
}

func TestService_ExpireOverdue(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	env.create(t, TypeTenant, "org-1", time.Hour)
	opened := env.create(t, TypeLandlord, "org-1", time.Hour)
	_, err := env.svc.Dispatch(ctx, manager, opened.ID)
	require.NoError(t, err)
	_, err = env.svc.Resolve(ctx, opened.Token)
	require.NoError(t, err)
	completed := env.create(t, TypeVendor, "org-1", time.Hour)
	_, err = env.svc.Dispatch(ctx, manager, completed.ID)
	require.NoError(t, err)
	_, err = env.svc.Accept(ctx, completed.Token, AcceptForm{FullName: "Vera Vendor"})
	require.NoError(t, err)
	env.create(t, TypeTenant, "org-1", 24*time.Hour)

	env.now = env.now.Add(2 * time.Hour)
	n, err := env.svc.ExpireOverdue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	n, err = env.svc.ExpireOverdue(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Equal(t, 2, env.audits(t, audit.ActionInvitationExpired, true))
	assert.Equal(t, 2, env.count(t, `SELECT COUNT(*) FROM invitations WHERE status = 'expired'`))
}

func TestService_ListIsScoped(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	own := env.create(t, TypeTenant, "org-1", 0)
	foreign := env.createAs(t, rivalManager, TypeTenant, "org-2", 0)
	env.sent(t, TypeLandlord)

	list, err := env.svc.List(ctx, manager, ListFilter{})
	require.NoError(t, err)
	require.Len(t, list, 2)
	for _, inv := range list {
		assert.Equal(t, "org-1", *inv.OrganizationID)
	}

	list, err = env.svc.List(ctx, manager, ListFilter{Status: StatusSent})
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, TypeLandlord, list[0].Type)

	_, err = env.svc.List(ctx, manager, ListFilter{OrganizationID: "org-2"})
	assert.ErrorIs(t, err, tenancy.ErrCrossTenantAccess)

	got, err := env.svc.Get(ctx, manager, own.ID)
	require.NoError(t, err)
	assert.Equal(t, own.ID, got.ID)

	_, err = env.svc.Get(ctx, manager, foreign.ID)
	assert.ErrorIs(t, err, ErrInvitationNotFound)
}

func TestService_InviterMustHoldTypePermission(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	tests := []struct {
		name    string
		by      rbac.Actor
		typ     Type
		allowed bool
	}{
		{"landlord invites tenant", landlord, TypeTenant, true},
		{"landlord invites contractor", landlord, TypeContractor, true},
		{"landlord invites landlord", landlord, TypeLandlord, false},
		{"landlord invites pmc", landlord, TypePMC, false},
		{"landlord invites admin", landlord, TypeAdmin, false},
		{"property manager invites landlord", propManager, TypeLandlord, true},
		{"property manager invites pmc", propManager, TypePMC, false},
		{"property manager invites admin", propManager, TypeAdmin, false},
		{"pmc admin invites admin", manager, TypeAdmin, true},
		{"pmc admin invites pmc", manager, TypePMC, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := env.svc.Create(ctx, tt.by, CreateRequest{
				Email:          "someone@example.com",
				Type:           tt.typ,
				OrganizationID: strPtr("org-1"),
			})
			if tt.allowed {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, tenancy.ErrForbidden)
		})
	}

	_, err := env.svc.Create(ctx, manager, CreateRequest{
		Email: "someone@example.com", Type: TypeTenant, OrganizationID: strPtr("org-2"),
	})
	assert.ErrorIs(t, err, tenancy.ErrCrossTenantAccess)
}

func TestService_DispatchRequiresInviterPermission(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	inv := env.create(t, TypePMC, "org-1", 0)

	_, err := env.svc.Dispatch(ctx, landlord, inv.ID)
	assert.ErrorIs(t, err, tenancy.ErrForbidden)

	var status string
	require.NoError(t, env.db.QueryRow(`SELECT status FROM invitations WHERE id = $1`, inv.ID).Scan(&status))
	assert.Equal(t, string(StatusPending), status)

	d, err := env.svc.Dispatch(ctx, manager, inv.ID)
	require.NoError(t, err)
	assert.NotEmpty(t, d.Token)
}

func TestService_AcceptRacingExpiry(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	inv := env.create(t, TypeTenant, "org-1", time.Hour)
	_, err := env.svc.Dispatch(ctx, manager, inv.ID)
	require.NoError(t, err)

	// the invitation is still valid when read and past its expiry once the update runs
	calls := 0
	env.svc.now = func() time.Time {
		calls++
		if calls == 1 {
			return inv.ExpiresAt.Add(-time.Second)
		}
		return inv.ExpiresAt.Add(time.Second)
	}

	_, err = env.svc.Accept(ctx, inv.Token, AcceptForm{FullName: "Late Larry"})
	assert.ErrorIs(t, err, ErrInvitationExpired)
	assert.Zero(t, env.count(t, `SELECT COUNT(*) FROM tenants`))
	assert.Zero(t, env.count(t, `SELECT COUNT(*) FROM user_role_assignments WHERE actor_type = 'TENANT'`))

	var status string
	require.NoError(t, env.db.QueryRow(`SELECT status FROM invitations WHERE id = $1`, inv.ID).Scan(&status))
	assert.Equal(t, string(StatusExpired), status)
}
