//go:build integration

package storage_test

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/porter/pkg/storage"
	"github.com/platinummonkey/porter/pkg/storage/storagetest"
)

func TestPostgres_Container(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping container test in short mode")
	}
	db := storagetest.NewPostgres(t)
	assertPostgresSchema(t, db)
}

func TestPostgres_ExternalPGX(t *testing.T) {
	url := storagetest.SkipIfNoDatabase(t)
	ctx := context.Background()

	cfg := storage.DefaultConfig()
	cfg.Driver = "pgx"
	cfg.URL = url
	db, err := storage.Open(ctx, cfg)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	_, err = storage.Migrate(ctx, db, storage.DialectPostgres)
	require.NoError(t, err)
	assertPostgresSchema(t, db)
}

func assertPostgresSchema(t *testing.T, db *sql.DB) {
	t.Helper()
	ctx := context.Background()
	now := time.Now().UTC()

	ran, err := storage.Migrate(ctx, db, storage.DialectPostgres)
	require.NoError(t, err)
	assert.Empty(t, ran)

	roleID := storage.NewID()
	insert := `INSERT INTO roles (id, name, display_name, created_at, updated_at) VALUES ($1, $2, $3, $4, $5)`
	_, err = db.ExecContext(ctx, insert, roleID, "AUDITOR_"+roleID[:8], "Auditor", now, now)
	require.NoError(t, err)

	_, err = db.ExecContext(ctx, insert, storage.NewID(), "AUDITOR_"+roleID[:8], "Auditor", now, now)
	require.Error(t, err)
	assert.True(t, storage.IsUniqueViolation(err))

	_, err = db.ExecContext(ctx,
		`INSERT INTO role_permissions (role_id, permission_id, granted_at) VALUES ($1, $2, $3)`,
		roleID, "missing", now,
	)
	require.Error(t, err)
	assert.True(t, storage.IsForeignKeyViolation(err))

	entryID := storage.NewSortableID(now)
	_, err = db.ExecContext(ctx, `
		INSERT INTO audit_log_entries (id, actor_id, action, entity_type, success, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		entryID, "admin-1", "ROLE_CHANGED", "role", true, now,
	)
	require.NoError(t, err)

	_, err = db.ExecContext(ctx, `DELETE FROM audit_log_entries WHERE id = $1`, entryID)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "append-only")
}
