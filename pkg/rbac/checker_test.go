package rbac

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolver_ManageWildcardCoversEveryAction(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	u := Actor{ID: "u-1", Type: ActorAdmin}
	env.assign(t, u, RolePMCAdmin, strPtr("org-1"), Scope{})

	for _, action := range []Action{ActionRead, ActionWrite, ActionDelete, ActionManage} {
		for _, resource := range []string{"prop-1", "prop-2", "*"} {
			allowed, err := env.resolver.HasPermission(ctx, Check{
				Actor: u, Category: CategoryProperty, Resource: resource, Action: action, OrganizationID: "org-1",
			})
			require.NoError(t, err)
			assert.True(t, allowed, "%s %s", action, resource)
		}
	}
}

func TestResolver_SuperAdmin(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	root := Actor{ID: "root", Type: ActorAdmin}
	env.assign(t, root, RoleSuperAdmin, nil, Scope{})

	var rows int
	require.NoError(t, env.db.QueryRow(`
		SELECT COUNT(*) FROM role_permissions rp JOIN roles r ON r.id = rp.role_id
		WHERE r.name = 'SUPER_ADMIN'`).Scan(&rows))
	require.Zero(t, rows)

	for _, c := range Categories {
		decision, err := env.resolver.Explain(ctx, Check{
			Actor: root, Category: c, Resource: "x", Action: ActionDelete, OrganizationID: "org-42",
		})
		require.NoError(t, err)
		assert.True(t, decision.Allowed)
		assert.Equal(t, RoleSuperAdmin, decision.Role)
	}
}

func TestResolver_OrganizationBoundary(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	u := Actor{ID: "u-1", Type: ActorAdmin}
	env.assign(t, u, RolePMCAdmin, strPtr("org-1"), Scope{})

	allowed, err := env.resolver.HasPermission(ctx, Check{
		Actor: u, Category: CategoryProperty, Resource: "p", Action: ActionRead, OrganizationID: "org-2",
	})
	require.NoError(t, err)
	assert.False(t, allowed)
}

func TestResolver_Explain(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	u := Actor{ID: "t-1", Type: ActorTenant}
	env.assign(t, u, RoleTenant, strPtr("org-1"), Scope{PropertyID: "prop-1"})

	decision, err := env.resolver.Explain(ctx, Check{
		Actor: u, Category: CategoryWorkOrder, Resource: "wo-1", Action: ActionWrite,
		OrganizationID: "org-1", Scope: Scope{PropertyID: "prop-1"},
	})
	require.NoError(t, err)
	assert.True(t, decision.Allowed)
	assert.Equal(t, RoleTenant, decision.Role)
	require.NotNil(t, decision.Permission)
	assert.Equal(t, CategoryWorkOrder, decision.Permission.Category)

	decision, err = env.resolver.Explain(ctx, Check{
		Actor: u, Category: CategoryWorkOrder, Resource: "wo-1", Action: ActionWrite,
		OrganizationID: "org-1", Scope: Scope{PropertyID: "prop-2"},
	})
	require.NoError(t, err)
	assert.False(t, decision.Allowed)
}

func TestResolver_MalformedCheck(t *testing.T) {
	env := newTestEnv(t, nil)
	_, err := env.resolver.HasPermission(context.Background(), Check{
		Actor: Actor{ID: "u", Type: ActorAdmin}, Category: "GARDEN", Resource: "*", Action: ActionRead,
	})
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestResolver_HasRole(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	u := Actor{ID: "u-1", Type: ActorLandlord}
	env.assign(t, u, RoleOwnerLandlord, strPtr("org-1"), Scope{LandlordID: "ll-1"})

	ok, err := env.resolver.HasRole(ctx, u, "owner_landlord")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = env.resolver.HasRole(ctx, u, RoleTenant)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = env.resolver.HasRole(ctx, Actor{ID: "u-1", Type: ActorTenant}, RoleOwnerLandlord)
	require.NoError(t, err)
	assert.False(t, ok, "actor type is part of the identity")
}

func TestResolver_CacheInvalidatedOnWrite(t *testing.T) {
	caches := map[string]func(t *testing.T) GrantCache{
		"lru": func(t *testing.T) GrantCache { return NewLRUGrantCache(100, time.Minute) },
		"redis": func(t *testing.T) GrantCache {
			mr := miniredis.RunT(t)
			client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
			t.Cleanup(func() { client.Close() })
			return NewRedisGrantCache(client, time.Minute)
		},
	}

	for name, newCache := range caches {
		t.Run(name, func(t *testing.T) {
			env := newTestEnv(t, newCache(t))
			ctx := context.Background()
			u := Actor{ID: "u-1", Type: ActorAdmin}
			check := Check{Actor: u, Category: CategoryLease, Resource: "l-1", Action: ActionWrite, OrganizationID: "org-1"}

			allowed, err := env.resolver.HasPermission(ctx, check)
			require.NoError(t, err)
			assert.False(t, allowed)

			env.assign(t, u, RolePropertyManager, strPtr("org-1"), Scope{})
			allowed, err = env.resolver.HasPermission(ctx, check)
			require.NoError(t, err)
			assert.True(t, allowed, "assignment must be visible immediately")

			require.NoError(t, env.store.Revoke(ctx, admin, RevokeRequest{Actor: u, RoleName: RolePropertyManager, OrganizationID: strPtr("org-1")}))
			allowed, err = env.resolver.HasPermission(ctx, check)
			require.NoError(t, err)
			assert.False(t, allowed, "revocation must be visible immediately")
		})
	}
}
