package tenancy

import (
	"context"
	"database/sql"
	"errors"
	"sort"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/porter/pkg/audit"
	"github.com/platinummonkey/porter/pkg/observability"
	"github.com/platinummonkey/porter/pkg/rbac"
	"github.com/platinummonkey/porter/pkg/storage/storagetest"
)

var admin = rbac.Actor{ID: "admin-1", Type: rbac.ActorAdmin}

type guardEnv struct {
	db      *sql.DB
	store   *rbac.Store
	guard   *Guard
	metrics *observability.Metrics
}

func newGuardEnv(t *testing.T) *guardEnv {
	t.Helper()
	ctx := context.Background()
	db := storagetest.NewSQLite(t)
	recorder := audit.NewRecorder(nil, nil)

	store := rbac.NewStore(db, recorder, nil, nil, nil)
	_, err := store.SeedSystemRoles(ctx, rbac.SystemActor)
	require.NoError(t, err)

	_, err = db.Exec(`CREATE TABLE properties (id TEXT PRIMARY KEY, organization_id TEXT NOT NULL, name TEXT NOT NULL)`)
	require.NoError(t, err)
	for _, p := range [][3]string{
		{"p-1", "org-1", "Elm Court"},
		{"p-2", "org-1", "Oak Plaza"},
		{"p-3", "org-2", "Elm Terrace"},
		{"p-4", "org-3", "Pine Lofts"},
	} {
		_, err = db.Exec(`INSERT INTO properties (id, organization_id, name) VALUES ($1, $2, $3)`, p[0], p[1], p[2])
		require.NoError(t, err)
	}

	metrics := observability.NewMetrics(prometheus.NewRegistry())
	resolver := rbac.NewResolver(db, nil, nil, nil)
	return &guardEnv{
		db:      db,
		store:   store,
		guard:   NewGuard(db, resolver, recorder, metrics, nil),
		metrics: metrics,
	}
}

func (e *guardEnv) assign(t *testing.T, actor rbac.Actor, role string, org *string) {
	t.Helper()
	_, err := e.store.Assign(context.Background(), admin, rbac.AssignRequest{
		Actor: actor, RoleName: role, OrganizationID: org,
	})
	require.NoError(t, err)
}

func (e *guardEnv) propertyIDs(t *testing.T, scoped *ScopedQuery) []string {
	t.Helper()
	rows, err := scoped.Query(context.Background(), e.db)
	require.NoError(t, err)
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		require.NoError(t, rows.Scan(&id))
		ids = append(ids, id)
	}
	require.NoError(t, rows.Err())
	sort.Strings(ids)
	return ids
}

func (e *guardEnv) deniedAudits(t *testing.T) int {
	t.Helper()
	var n int
	require.NoError(t, e.db.QueryRow(
		`SELECT COUNT(*) FROM audit_log_entries WHERE action = $1 AND success = FALSE`,
		audit.ActionCrossTenantDenied).Scan(&n))
	return n
}

func org(id string) *string { return &id }

func TestGuard_PMCAdminScenario(t *testing.T) {
	env := newGuardEnv(t)
	ctx := context.Background()
	u := rbac.Actor{ID: "u-1", Type: rbac.ActorAdmin}
	env.assign(t, u, rbac.RolePMCAdmin, org("org-1"))

	decision, err := env.guard.Authorize(ctx, u, rbac.CategoryProperty, "p-1", rbac.ActionRead, "org-1")
	require.NoError(t, err)
	assert.True(t, decision.Allowed)
	assert.Equal(t, rbac.RolePMCAdmin, decision.Role)

	_, err = env.guard.Authorize(ctx, u, rbac.CategoryProperty, "p-3", rbac.ActionRead, "org-2")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrCrossTenantAccess))

	var denial *CrossTenantError
	require.True(t, errors.As(err, &denial))
	assert.Equal(t, "org-2", denial.RequestedOrganizationID)
	assert.Equal(t, []string{"org-1"}, denial.OrganizationIDs)

	assert.Equal(t, 1, env.deniedAudits(t))
	assert.Equal(t, 1.0, testutil.ToFloat64(env.metrics.CrossTenantDenialsTotal.WithLabelValues("ADMIN")))
}

func TestGuard_ScopeQueryStaysInsideOrganizations(t *testing.T) {
	env := newGuardEnv(t)
	ctx := context.Background()
	u := rbac.Actor{ID: "u-1", Type: rbac.ActorAdmin}
	env.assign(t, u, rbac.RolePMCAdmin, org("org-1"))

	scoped, err := env.guard.ScopeQuery(ctx, From(propertyResource{}, "id"), u, "")
	require.NoError(t, err)
	assert.False(t, scoped.Unrestricted())
	assert.Equal(t, []string{"p-1", "p-2"}, env.propertyIDs(t, scoped))

	filtered := From(propertyResource{}, "id").Where("name LIKE ?", "Elm%")
	scoped, err = env.guard.ScopeQuery(ctx, filtered, u, "org-1")
	require.NoError(t, err)
	assert.Equal(t, []string{"p-1"}, env.propertyIDs(t, scoped))

	_, err = env.guard.ScopeQuery(ctx, filtered, u, "org-2")
	assert.ErrorIs(t, err, ErrCrossTenantAccess)
	assert.Equal(t, 1, env.deniedAudits(t))
}

func TestGuard_MultipleOrganizations(t *testing.T) {
	env := newGuardEnv(t)
	u := rbac.Actor{ID: "ll-1", Type: rbac.ActorLandlord}
	env.assign(t, u, rbac.RoleOwnerLandlord, org("org-1"))
	env.assign(t, u, rbac.RoleTenant, org("org-3"))

	scoped, err := env.guard.ScopeQuery(context.Background(), From(propertyResource{}, "id"), u, "")
	require.NoError(t, err)
	assert.Equal(t, []string{"org-1", "org-3"}, scoped.OrganizationIDs())
	assert.Equal(t, []string{"p-1", "p-2", "p-4"}, env.propertyIDs(t, scoped))
}

func TestGuard_PlatformActorBypassesScoping(t *testing.T) {
	env := newGuardEnv(t)
	ctx := context.Background()
	ops := rbac.Actor{ID: "ops-1", Type: rbac.ActorAdmin}
	env.assign(t, ops, rbac.RolePlatformAdmin, nil)

	scoped, err := env.guard.ScopeQuery(ctx, From(propertyResource{}, "id"), ops, "")
	require.NoError(t, err)
	assert.True(t, scoped.Unrestricted())
	assert.Equal(t, []string{"p-1", "p-2", "p-3", "p-4"}, env.propertyIDs(t, scoped))

	scoped, err = env.guard.ScopeQuery(ctx, From(propertyResource{}, "id"), ops, "org-2")
	require.NoError(t, err)
	assert.Equal(t, []string{"p-3"}, env.propertyIDs(t, scoped))
	assert.Zero(t, env.deniedAudits(t))
}

func TestGuard_ActorWithoutAssignments(t *testing.T) {
	env := newGuardEnv(t)
	ctx := context.Background()
	nobody := rbac.Actor{ID: "ghost", Type: rbac.ActorTenant}

	scoped, err := env.guard.ScopeQuery(ctx, From(propertyResource{}, "id"), nobody, "")
	require.NoError(t, err)
	assert.Empty(t, env.propertyIDs(t, scoped))

	_, err = env.guard.ScopeQuery(ctx, From(propertyResource{}, "id"), nobody, "org-1")
	assert.ErrorIs(t, err, ErrCrossTenantAccess)
}

func TestGuard_RevokedAssignmentLosesOrganization(t *testing.T) {
	env := newGuardEnv(t)
	ctx := context.Background()
	u := rbac.Actor{ID: "u-1", Type: rbac.ActorAdmin}
	env.assign(t, u, rbac.RolePMCAdmin, org("org-1"))

	require.NoError(t, env.store.Revoke(ctx, admin, rbac.RevokeRequest{
		Actor: u, RoleName: rbac.RolePMCAdmin, OrganizationID: org("org-1"),
	}))

	_, err := env.guard.Scope(ctx, u, "org-1")
	assert.ErrorIs(t, err, ErrCrossTenantAccess)
}

func TestGuard_AuthorizeForbidden(t *testing.T) {
	env := newGuardEnv(t)
	ctx := context.Background()
	renter := rbac.Actor{ID: "t-1", Type: rbac.ActorTenant}
	env.assign(t, renter, rbac.RoleTenant, org("org-1"))

	decision, err := env.guard.Authorize(ctx, renter, rbac.CategoryProperty, "p-1", rbac.ActionDelete, "org-1")
	assert.ErrorIs(t, err, ErrForbidden)
	assert.False(t, errors.Is(err, ErrCrossTenantAccess))
	require.NotNil(t, decision)
	assert.False(t, decision.Allowed)
	assert.Zero(t, env.deniedAudits(t))
}

func TestGuard_InvalidInput(t *testing.T) {
	env := newGuardEnv(t)
	ctx := context.Background()

	_, err := env.guard.ScopeQuery(ctx, nil, admin, "")
	assert.ErrorIs(t, err, rbac.ErrInvalidInput)

	_, err = env.guard.Scope(ctx, rbac.Actor{ID: "", Type: rbac.ActorAdmin}, "")
	assert.ErrorIs(t, err, rbac.ErrInvalidInput)
}
