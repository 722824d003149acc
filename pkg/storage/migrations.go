package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// Migration is one versioned schema change. Statements run on every dialect; Postgres
// and SQLite hold dialect-specific statements that run after them.
type Migration struct {
	Version     int
	Description string
	Statements  []string
	Postgres    []string
	SQLite      []string
}

// onboardingTable returns the DDL of an onboarding record table. Every invitation type
// produces one of these rows on acceptance.
func onboardingTable(name string, extra string) string {
	return `
		CREATE TABLE IF NOT EXISTS ` + name + ` (
			id TEXT PRIMARY KEY,
			organization_id TEXT,
			invitation_id TEXT NOT NULL UNIQUE REFERENCES invitations(id),
			email TEXT NOT NULL,
			full_name TEXT NOT NULL,
			phone TEXT NOT NULL DEFAULT '',
			company_name TEXT NOT NULL DEFAULT '',` + extra + `
			approval_status TEXT NOT NULL,
			created_at TIMESTAMP NOT NULL
		)`
}

// Migrations returns the schema in version order
func Migrations() []Migration {
	return []Migration{
		{
			Version:     1,
			Description: "Create role catalog tables",
			Statements: []string{
				`CREATE TABLE IF NOT EXISTS roles (
					id TEXT PRIMARY KEY,
					name TEXT NOT NULL UNIQUE,
					display_name TEXT NOT NULL,
					description TEXT NOT NULL DEFAULT '',
					organization_id TEXT,
					is_system BOOLEAN NOT NULL DEFAULT FALSE,
					is_platform BOOLEAN NOT NULL DEFAULT FALSE,
					is_active BOOLEAN NOT NULL DEFAULT TRUE,
					created_by TEXT,
					created_at TIMESTAMP NOT NULL,
					updated_at TIMESTAMP NOT NULL
				)`,
				`CREATE TABLE IF NOT EXISTS permissions (
					id TEXT PRIMARY KEY,
					category TEXT NOT NULL,
					resource TEXT NOT NULL,
					action TEXT NOT NULL,
					created_at TIMESTAMP NOT NULL,
					UNIQUE (category, resource, action)
				)`,
				`CREATE TABLE IF NOT EXISTS role_permissions (
					role_id TEXT NOT NULL REFERENCES roles(id) ON DELETE CASCADE,
					permission_id TEXT NOT NULL REFERENCES permissions(id),
					granted_at TIMESTAMP NOT NULL,
					PRIMARY KEY (role_id, permission_id)
				)`,
				`CREATE INDEX IF NOT EXISTS idx_roles_organization_id ON roles(organization_id)`,
			},
		},
		{
			Version:     2,
			Description: "Create user_role_assignments table",
			Statements: []string{
				`CREATE TABLE IF NOT EXISTS user_role_assignments (
					id TEXT PRIMARY KEY,
					actor_id TEXT NOT NULL,
					actor_type TEXT NOT NULL,
					role_id TEXT NOT NULL REFERENCES roles(id),
					organization_id TEXT,
					pmc_id TEXT,
					landlord_id TEXT,
					property_id TEXT,
					is_active BOOLEAN NOT NULL DEFAULT TRUE,
					assigned_at TIMESTAMP NOT NULL,
					assigned_by TEXT,
					revoked_at TIMESTAMP,
					revoked_by TEXT,
					UNIQUE (actor_id, actor_type, role_id)
				)`,
				`CREATE INDEX IF NOT EXISTS idx_assignments_actor ON user_role_assignments(actor_id, actor_type, is_active)`,
				`CREATE INDEX IF NOT EXISTS idx_assignments_role ON user_role_assignments(role_id, is_active)`,
			},
		},
		{
			Version:     3,
			Description: "Create invitations and onboarding record tables",
			Statements: []string{
				`CREATE TABLE IF NOT EXISTS invitations (
					id TEXT PRIMARY KEY,
					token TEXT NOT NULL UNIQUE,
					email TEXT NOT NULL,
					invitation_type TEXT NOT NULL,
					status TEXT NOT NULL,
					organization_id TEXT,
					scope_pmc_id TEXT,
					scope_landlord_id TEXT,
					scope_property_id TEXT,
					invited_by_id TEXT NOT NULL,
					invited_by_type TEXT NOT NULL,
					invited_by_role TEXT NOT NULL DEFAULT '',
					landlord_id TEXT,
					tenant_id TEXT,
					pmc_id TEXT,
					service_provider_id TEXT,
					admin_id TEXT,
					cancel_reason TEXT NOT NULL DEFAULT '',
					expires_at TIMESTAMP NOT NULL,
					sent_at TIMESTAMP,
					opened_at TIMESTAMP,
					completed_at TIMESTAMP,
					cancelled_at TIMESTAMP,
					expired_at TIMESTAMP,
					created_at TIMESTAMP NOT NULL,
					updated_at TIMESTAMP NOT NULL
				)`,
				`CREATE INDEX IF NOT EXISTS idx_invitations_org_status ON invitations(organization_id, status)`,
				`CREATE INDEX IF NOT EXISTS idx_invitations_status_expires ON invitations(status, expires_at)`,
				onboardingTable("landlords", ""),
				onboardingTable("tenants", ""),
				onboardingTable("pmcs", ""),
				onboardingTable("service_providers", `
			provider_kind TEXT NOT NULL DEFAULT 'vendor',`),
				onboardingTable("administrators", ""),
			},
		},
		{
			Version:     4,
			Description: "Create audit_log_entries table",
			Statements: []string{
				`CREATE TABLE IF NOT EXISTS audit_log_entries (
					id TEXT PRIMARY KEY,
					organization_id TEXT,
					actor_id TEXT NOT NULL,
					actor_type TEXT NOT NULL DEFAULT '',
					action TEXT NOT NULL,
					entity_type TEXT NOT NULL,
					entity_id TEXT NOT NULL DEFAULT '',
					before_state TEXT,
					after_state TEXT,
					changed_fields TEXT NOT NULL DEFAULT '[]',
					success BOOLEAN NOT NULL,
					error_message TEXT NOT NULL DEFAULT '',
					request_id TEXT NOT NULL DEFAULT '',
					created_at TIMESTAMP NOT NULL
				)`,
				`CREATE INDEX IF NOT EXISTS idx_audit_org_created ON audit_log_entries(organization_id, created_at)`,
				`CREATE INDEX IF NOT EXISTS idx_audit_actor_created ON audit_log_entries(actor_id, created_at)`,
			},
			Postgres: []string{
				`CREATE OR REPLACE FUNCTION audit_log_entries_append_only() RETURNS trigger AS $$
				BEGIN
					RAISE EXCEPTION 'audit_log_entries is append-only';
				END;
				$$ LANGUAGE plpgsql`,
				`DROP TRIGGER IF EXISTS audit_log_entries_no_change ON audit_log_entries`,
				`CREATE TRIGGER audit_log_entries_no_change
					BEFORE UPDATE OR DELETE ON audit_log_entries
					FOR EACH ROW EXECUTE FUNCTION audit_log_entries_append_only()`,
			},
			SQLite: []string{
				`CREATE TRIGGER IF NOT EXISTS audit_log_entries_no_update
					BEFORE UPDATE ON audit_log_entries
					BEGIN SELECT RAISE(ABORT, 'audit_log_entries is append-only'); END`,
				`CREATE TRIGGER IF NOT EXISTS audit_log_entries_no_delete
					BEFORE DELETE ON audit_log_entries
					BEGIN SELECT RAISE(ABORT, 'audit_log_entries is append-only'); END`,
			},
		},
	}
}

// statements returns the statements of m that apply to dialect, in execution order
func (m Migration) statements(dialect Dialect) []string {
	stmts := append([]string{}, m.Statements...)
	switch dialect {
	case DialectPostgres:
		stmts = append(stmts, m.Postgres...)
	case DialectSQLite:
		stmts = append(stmts, m.SQLite...)
	}
	return stmts
}

// Migrate applies every pending migration, each in its own transaction, and returns the
// versions it applied
func Migrate(ctx context.Context, db *sql.DB, dialect Dialect) ([]int, error) {
	_, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			description TEXT NOT NULL,
			applied_at TIMESTAMP NOT NULL
		)
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to create migrations table: %w", err)
	}

	applied, err := appliedVersions(ctx, db)
	if err != nil {
		return nil, err
	}

	var ran []int
	for _, migration := range Migrations() {
		if applied[migration.Version] {
			continue
		}

		err := WithTx(ctx, db, func(tx *sql.Tx) error {
			for _, stmt := range migration.statements(dialect) {
				if _, err := tx.ExecContext(ctx, stmt); err != nil {
					return fmt.Errorf("failed to execute migration %d: %w", migration.Version, err)
				}
			}
			_, err := tx.ExecContext(ctx,
				`INSERT INTO schema_migrations (version, description, applied_at) VALUES ($1, $2, $3)`,
				migration.Version, migration.Description, time.Now().UTC(),
			)
			if err != nil {
				return fmt.Errorf("failed to record migration %d: %w", migration.Version, err)
			}
			return nil
		})
		if err != nil {
			return ran, err
		}
		ran = append(ran, migration.Version)
	}

	return ran, nil
}

func appliedVersions(ctx context.Context, db *sql.DB) (map[int]bool, error) {
	rows, err := db.QueryContext(ctx, `SELECT version FROM schema_migrations ORDER BY version`)
	if err != nil {
		return nil, fmt.Errorf("failed to query migrations: %w", err)
	}
	defer rows.Close()

	versions := make(map[int]bool)
	for rows.Next() {
		var version int
		if err := rows.Scan(&version); err != nil {
			return nil, fmt.Errorf("failed to scan migration version: %w", err)
		}
		versions[version] = true
	}
	return versions, rows.Err()
}
