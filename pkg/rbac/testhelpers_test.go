package rbac

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/porter/pkg/audit"
	"github.com/platinummonkey/porter/pkg/storage/storagetest"
)

var admin = Actor{ID: "admin-1", Type: ActorAdmin}

func strPtr(s string) *string { return &s }

type testEnv struct {
	db       *sql.DB
	store    *Store
	resolver *Resolver
}

// newTestEnv returns a seeded store over a fresh SQLite database. The store clock
// advances one second per call so assignment order is deterministic.
func newTestEnv(t *testing.T, cache GrantCache) *testEnv {
	t.Helper()
	db := storagetest.NewSQLite(t)
	store := NewStore(db, audit.NewRecorder(nil, nil), cache, nil, nil)

	clock := time.Date(2026, 1, 1, 9, 0, 0, 0, time.UTC)
	store.now = func() time.Time {
		clock = clock.Add(time.Second)
		return clock
	}

	_, err := store.SeedSystemRoles(context.Background(), SystemActor)
	require.NoError(t, err)

	return &testEnv{
		db:       db,
		store:    store,
		resolver: NewResolver(db, cache, nil, nil),
	}
}

func (e *testEnv) assign(t *testing.T, actor Actor, role string, org *string, scope Scope) *Assignment {
	t.Helper()
	a, err := e.store.Assign(context.Background(), admin, AssignRequest{
		Actor:          actor,
		RoleName:       role,
		OrganizationID: org,
		Scope:          scope,
	})
	require.NoError(t, err)
	return a
}

func countAudit(t *testing.T, db *sql.DB, action string, success bool) int {
	t.Helper()
	var n int
	require.NoError(t, db.QueryRow(
		`SELECT COUNT(*) FROM audit_log_entries WHERE action = $1 AND success = $2`,
		action, success).Scan(&n))
	return n
}
