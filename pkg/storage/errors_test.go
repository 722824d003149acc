package storage_test

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/porter/pkg/storage"
	"github.com/platinummonkey/porter/pkg/storage/storagetest"
)

func TestIsUniqueViolation(t *testing.T) {
	t.Run("lib/pq", func(t *testing.T) {
		err := fmt.Errorf("insert: %w", &pq.Error{Code: "23505"})
		assert.True(t, storage.IsUniqueViolation(err))
		assert.False(t, storage.IsForeignKeyViolation(err))
	})

	t.Run("pgx", func(t *testing.T) {
		err := fmt.Errorf("insert: %w", &pgconn.PgError{Code: "23503"})
		assert.False(t, storage.IsUniqueViolation(err))
		assert.True(t, storage.IsForeignKeyViolation(err))
	})

	t.Run("plain error", func(t *testing.T) {
		assert.False(t, storage.IsUniqueViolation(errors.New("boom")))
		assert.False(t, storage.IsForeignKeyViolation(nil))
	})

	t.Run("sqlite", func(t *testing.T) {
		ctx := context.Background()
		db := storagetest.NewSQLite(t)
		now := time.Now().UTC()

		insert := `INSERT INTO roles (id, name, display_name, created_at, updated_at) VALUES ($1, $2, $3, $4, $5)`
		_, err := db.ExecContext(ctx, insert, "r1", "AUDITOR", "Auditor", now, now)
		require.NoError(t, err)

		_, err = db.ExecContext(ctx, insert, "r2", "AUDITOR", "Auditor", now, now)
		require.Error(t, err)
		assert.True(t, storage.IsUniqueViolation(err))

		_, err = db.ExecContext(ctx,
			`INSERT INTO role_permissions (role_id, permission_id, granted_at) VALUES ($1, $2, $3)`,
			"r1", "missing", now,
		)
		require.Error(t, err)
		assert.True(t, storage.IsForeignKeyViolation(err))
	})
}
