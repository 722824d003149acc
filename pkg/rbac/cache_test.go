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

func sampleGrants() *ActorGrants {
	return &ActorGrants{Actor: admin, Assignments: []GrantedAssignment{{
		AssignmentID:   "a-1",
		RoleName:       RolePMCAdmin,
		OrganizationID: strPtr("org-1"),
		Permissions:    []Permission{{Category: CategoryProperty, Resource: "*", Action: ActionManage}},
	}}}
}

func TestLRUGrantCache(t *testing.T) {
	ctx := context.Background()
	c := NewLRUGrantCache(10, time.Minute)

	gen, err := c.Generation(ctx)
	require.NoError(t, err)
	c.Set(ctx, gen, admin, sampleGrants())

	got, ok := c.Get(ctx, gen, admin)
	require.True(t, ok)
	assert.Equal(t, "a-1", got.Assignments[0].AssignmentID)

	require.NoError(t, c.InvalidateAll(ctx))
	next, _ := c.Generation(ctx)
	assert.Equal(t, gen+1, next)
	_, ok = c.Get(ctx, next, admin)
	assert.False(t, ok)

	// a load that started before the write must not land in the new generation
	c.Set(ctx, gen, admin, sampleGrants())
	_, ok = c.Get(ctx, next, admin)
	assert.False(t, ok)
}

func TestRedisGrantCache(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()
	c := NewRedisGrantCache(client, time.Minute)

	gen, err := c.Generation(ctx)
	require.NoError(t, err)
	assert.Zero(t, gen)

	c.Set(ctx, gen, admin, sampleGrants())
	got, ok := c.Get(ctx, gen, admin)
	require.True(t, ok)
	assert.Equal(t, sampleGrants(), got)

	require.NoError(t, c.InvalidateAll(ctx))
	next, err := c.Generation(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), next)
	_, ok = c.Get(ctx, next, admin)
	assert.False(t, ok)

	mr.FastForward(2 * time.Minute)
	_, ok = c.Get(ctx, gen, admin)
	assert.False(t, ok, "entries expire")
}

func TestNopCache(t *testing.T) {
	ctx := context.Background()
	var c GrantCache = NopCache{}
	c.Set(ctx, 0, admin, sampleGrants())
	_, ok := c.Get(ctx, 0, admin)
	assert.False(t, ok)
	assert.NoError(t, c.InvalidateAll(ctx))
}
