package api

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/porter/pkg/audit"
	"github.com/platinummonkey/porter/pkg/invitations"
	"github.com/platinummonkey/porter/pkg/middleware"
	"github.com/platinummonkey/porter/pkg/rbac"
	"github.com/platinummonkey/porter/pkg/storage/storagetest"
	"github.com/platinummonkey/porter/pkg/tenancy"
)

var (
	superAdmin = rbac.Actor{ID: "root-1", Type: rbac.ActorAdmin}
	manager    = rbac.Actor{ID: "pm-1", Type: rbac.ActorAdmin}
	rival      = rbac.Actor{ID: "pm-2", Type: rbac.ActorAdmin}
	renter     = rbac.Actor{ID: "tenant-1", Type: rbac.ActorTenant}
)

var testAuthConfig = middleware.AuthConfig{
	Secret: "0123456789abcdef0123456789abcdef",
	Issuer: "porter-test",
}

type testEnv struct {
	db     *sql.DB
	store  *rbac.Store
	auth   *middleware.Authenticator
	server *Server
}

// newTestEnv wires the full stack over SQLite. superAdmin is platform-wide, manager
// administers org-1, rival administers org-2 and renter is a tenant in org-1.
func newTestEnv(t *testing.T, mutate func(*Dependencies)) *testEnv {
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
		org   *string
	}{
		{superAdmin, rbac.RoleSuperAdmin, nil},
		{manager, rbac.RolePMCAdmin, strPtr("org-1")},
		{rival, rbac.RolePMCAdmin, strPtr("org-2")},
		{renter, rbac.RoleTenant, strPtr("org-1")},
	} {
		_, err := store.Assign(ctx, rbac.SystemActor, rbac.AssignRequest{Actor: a.actor, RoleName: a.role, OrganizationID: a.org})
		require.NoError(t, err)
	}

	resolver := rbac.NewResolver(db, nil, nil, nil)
	guard := tenancy.NewGuard(db, resolver, recorder, nil, nil)
	auth, err := middleware.NewAuthenticator(testAuthConfig, nil)
	require.NoError(t, err)

	deps := Dependencies{
		DB:             db,
		Store:          store,
		Checker:        resolver,
		Guard:          guard,
		Invitations:    invitations.NewService(db, store, guard, recorder, invitations.Options{}),
		Authenticator:  auth,
		AcceptTokenTTL: time.Hour,
	}
	if mutate != nil {
		mutate(&deps)
	}

	return &testEnv{db: db, store: store, auth: auth, server: NewServer(deps)}
}

func strPtr(s string) *string { return &s }

func (e *testEnv) token(t *testing.T, actor rbac.Actor) string {
	t.Helper()
	token, err := e.auth.Issue(actor, time.Hour)
	require.NoError(t, err)
	return token
}

// do sends a request as actor; a nil actor sends no credentials
func (e *testEnv) do(t *testing.T, actor *rbac.Actor, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	token := ""
	if actor != nil {
		token = e.token(t, *actor)
	}
	return e.doToken(t, token, method, path, body)
}

func (e *testEnv) doToken(t *testing.T, token, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	return e.send(t, token, method, path, body, nil)
}

func (e *testEnv) doWithHeader(t *testing.T, actor *rbac.Actor, method, path string, body interface{}, key, value string) *httptest.ResponseRecorder {
	t.Helper()
	return e.send(t, e.token(t, *actor), method, path, body, http.Header{key: []string{value}})
}

func (e *testEnv) send(t *testing.T, token, method, path string, body interface{}, header http.Header) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	for key, values := range header {
		for _, v := range values {
			req.Header.Add(key, v)
		}
	}
	rec := httptest.NewRecorder()
	e.server.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), v), rec.Body.String())
}

func errorCode(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var body struct {
		Code string `json:"code"`
	}
	decode(t, rec, &body)
	return body.Code
}

func (e *testEnv) audits(t *testing.T, action string, success bool) int {
	t.Helper()
	var n int
	require.NoError(t, e.db.QueryRow(
		`SELECT COUNT(*) FROM audit_log_entries WHERE action = $1 AND success = $2`, action, success,
	).Scan(&n))
	return n
}
