package rbac

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/platinummonkey/porter/pkg/audit"
	"github.com/platinummonkey/porter/pkg/observability"
	"github.com/platinummonkey/porter/pkg/storage"
)

// Store persists the role catalog and the assignment store. Every write runs in one
// transaction with its audit entry and invalidates the grant cache after commit.
type Store struct {
	db       *sql.DB
	recorder *audit.Recorder
	cache    GrantCache
	metrics  *observability.Metrics
	logger   *observability.Logger
	now      func() time.Time
}

// NewStore creates a new RBAC store. cache and metrics may be nil.
func NewStore(db *sql.DB, recorder *audit.Recorder, cache GrantCache, metrics *observability.Metrics, logger *observability.Logger) *Store {
	if cache == nil {
		cache = NopCache{}
	}
	if logger == nil {
		logger = observability.NopLogger()
	}
	return &Store{
		db:       db,
		recorder: recorder,
		cache:    cache,
		metrics:  metrics,
		logger:   logger,
		now:      time.Now,
	}
}

// InvalidateGrants drops every cached grant. Writers outside this store that change
// assignments, such as invitation acceptance, call it after their commit.
func (s *Store) InvalidateGrants(ctx context.Context) {
	s.metrics.ObserveCacheInvalidation()
	if err := s.cache.InvalidateAll(ctx); err != nil {
		s.logger.WithError(err).WithField("backend", s.cache.Backend()).Error("Failed to invalidate grant cache")
	}
}

func (s *Store) entry(by Actor, action, entityType string, organizationID *string) audit.Entry {
	return audit.Entry{
		OrganizationID: organizationID,
		ActorID:        by.ID,
		ActorType:      string(by.Type),
		Action:         action,
		EntityType:     entityType,
	}
}

const roleColumns = `id, name, display_name, description, organization_id, is_system, is_platform, is_active, created_by, created_at, updated_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanRole(row scanner) (*Role, error) {
	var (
		role      Role
		orgID     sql.NullString
		createdBy sql.NullString
	)
	err := row.Scan(
		&role.ID,
		&role.Name,
		&role.DisplayName,
		&role.Description,
		&orgID,
		&role.IsSystem,
		&role.IsPlatform,
		&role.IsActive,
		&createdBy,
		&role.CreatedAt,
		&role.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	role.OrganizationID = storage.StringPtr(orgID)
	role.CreatedBy = createdBy.String
	role.CreatedAt = role.CreatedAt.UTC()
	role.UpdatedAt = role.UpdatedAt.UTC()
	role.Permissions = []Permission{}
	return &role, nil
}

// getRole loads a role by name with its permissions, whether or not it is active
func getRole(ctx context.Context, q storage.DBTX, name string) (*Role, error) {
	role, err := scanRole(q.QueryRowContext(ctx, `SELECT `+roleColumns+` FROM roles WHERE name = $1`, name))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrRoleNotFound, name)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get role: %w", err)
	}
	perms, err := loadPermissions(ctx, q, role.ID)
	if err != nil {
		return nil, err
	}
	role.Permissions = perms
	return role, nil
}

func loadPermissions(ctx context.Context, q storage.DBTX, roleID string) ([]Permission, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT p.category, p.resource, p.action
		FROM role_permissions rp
		JOIN permissions p ON p.id = rp.permission_id
		WHERE rp.role_id = $1
		ORDER BY p.category, p.resource, p.action`, roleID)
	if err != nil {
		return nil, fmt.Errorf("failed to load permissions: %w", err)
	}
	defer rows.Close()

	perms := []Permission{}
	for rows.Next() {
		var p Permission
		if err := rows.Scan(&p.Category, &p.Resource, &p.Action); err != nil {
			return nil, fmt.Errorf("failed to scan permission: %w", err)
		}
		perms = append(perms, p)
	}
	return perms, rows.Err()
}

// ensurePermission returns the id of p, creating the row if needed. Permissions are
// never modified once created.
func ensurePermission(ctx context.Context, tx *sql.Tx, p Permission, now time.Time) (string, error) {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO permissions (id, category, resource, action, created_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (category, resource, action) DO NOTHING`,
		storage.NewID(), p.Category, p.Resource, p.Action, now)
	if err != nil {
		return "", fmt.Errorf("failed to create permission %s: %w", p, err)
	}

	var id string
	err = tx.QueryRowContext(ctx,
		`SELECT id FROM permissions WHERE category = $1 AND resource = $2 AND action = $3`,
		p.Category, p.Resource, p.Action).Scan(&id)
	if err != nil {
		return "", fmt.Errorf("failed to read permission %s: %w", p, err)
	}
	return id, nil
}

// grantTx adds p to the role and reports whether the grant is new
func grantTx(ctx context.Context, tx *sql.Tx, roleID string, p Permission, now time.Time) (bool, error) {
	permID, err := ensurePermission(ctx, tx, p, now)
	if err != nil {
		return false, err
	}
	res, err := tx.ExecContext(ctx, `
		INSERT INTO role_permissions (role_id, permission_id, granted_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (role_id, permission_id) DO NOTHING`,
		roleID, permID, now)
	if err != nil {
		return false, fmt.Errorf("failed to grant %s: %w", p, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to grant %s: %w", p, err)
	}
	return n > 0, nil
}

func insertRole(ctx context.Context, tx *sql.Tx, role *Role) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO roles (`+roleColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		role.ID,
		role.Name,
		role.DisplayName,
		role.Description,
		storage.NullString(role.OrganizationID),
		role.IsSystem,
		role.IsPlatform,
		role.IsActive,
		storage.NullIfEmpty(role.CreatedBy),
		role.CreatedAt,
		role.UpdatedAt,
	)
	if storage.IsUniqueViolation(err) {
		return fmt.Errorf("%w: %s", ErrDuplicateRole, role.Name)
	}
	if err != nil {
		return fmt.Errorf("failed to create role: %w", err)
	}
	return nil
}

// SeedSystemRoles inserts the system roles and adds any missing default grants. It is
// safe to call on every start: grants are only added, and an entry is recorded only when
// something changed.
func (s *Store) SeedSystemRoles(ctx context.Context, by Actor) (*SeedResult, error) {
	result := &SeedResult{}
	entry := s.entry(by, audit.ActionSystemRolesSeeded, audit.EntityCatalog, nil)
	entry.EntityID = "system_roles"

	err := s.recorder.Mutate(ctx, s.db, entry, func(tx *sql.Tx, e *audit.Entry) error {
		now := s.now().UTC()
		for _, def := range SystemRoles() {
			roleID, err := s.upsertSystemRole(ctx, tx, by, def, now, result)
			if err != nil {
				return err
			}
			for _, p := range def.Permissions {
				added, err := grantTx(ctx, tx, roleID, p, now)
				if err != nil {
					return err
				}
				if added {
					result.GrantsAdded++
				}
			}
		}
		if !result.Changed() {
			return audit.ErrNoMutation
		}
		e.After = result
		return nil
	})
	if errors.Is(err, audit.ErrNoMutation) {
		return result, nil
	}
	if err != nil {
		return nil, err
	}

	s.logger.WithFields(map[string]interface{}{
		"roles_created": result.RolesCreated,
		"roles_updated": result.RolesUpdated,
		"grants_added":  result.GrantsAdded,
	}).Info("Seeded system roles")
	s.InvalidateGrants(ctx)
	return result, nil
}

func (s *Store) upsertSystemRole(ctx context.Context, tx *sql.Tx, by Actor, def RoleDefinition, now time.Time, result *SeedResult) (string, error) {
	var (
		roleID   string
		isSystem bool
	)
	err := tx.QueryRowContext(ctx, `SELECT id, is_system FROM roles WHERE name = $1`, def.Name).Scan(&roleID, &isSystem)
	if errors.Is(err, sql.ErrNoRows) {
		role := &Role{
			ID:          storage.NewID(),
			Name:        def.Name,
			DisplayName: def.DisplayName,
			Description: def.Description,
			IsSystem:    true,
			IsPlatform:  def.IsPlatform,
			IsActive:    true,
			CreatedBy:   by.ID,
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		if err := insertRole(ctx, tx, role); err != nil {
			return "", err
		}
		result.RolesCreated++
		return role.ID, nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to look up role %s: %w", def.Name, err)
	}
	if !isSystem {
		return "", fmt.Errorf("%w: %s is held by a custom role", ErrDuplicateRole, def.Name)
	}

	res, err := tx.ExecContext(ctx, `
		UPDATE roles SET display_name = $1, description = $2, is_platform = $3, updated_at = $4
		WHERE id = $5 AND (display_name <> $1 OR description <> $2 OR is_platform <> $3)`,
		def.DisplayName, def.Description, def.IsPlatform, now, roleID)
	if err != nil {
		return "", fmt.Errorf("failed to update role %s: %w", def.Name, err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		result.RolesUpdated++
	}
	return roleID, nil
}

// DefineCustomRole creates a custom role. Role names are unique across all
// organizations, so any collision fails with ErrDuplicateRole.
func (s *Store) DefineCustomRole(ctx context.Context, by Actor, req CustomRoleRequest) (*Role, error) {
	name, err := NormalizeRoleName(req.Name)
	if err != nil {
		return nil, err
	}
	if IsSystemRoleName(name) {
		return nil, fmt.Errorf("%w: %s is a system role", ErrDuplicateRole, name)
	}
	for _, p := range req.Permissions {
		if err := p.Validate(); err != nil {
			return nil, err
		}
	}

	now := s.now().UTC()
	role := &Role{
		ID:             storage.NewID(),
		Name:           name,
		DisplayName:    strings.TrimSpace(req.DisplayName),
		Description:    req.Description,
		OrganizationID: normalizeOrg(req.OrganizationID),
		IsActive:       true,
		CreatedBy:      by.ID,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if role.DisplayName == "" {
		role.DisplayName = name
	}

	entry := s.entry(by, audit.ActionRoleCreated, audit.EntityRole, role.OrganizationID)
	entry.EntityID = role.ID
	err = s.recorder.Mutate(ctx, s.db, entry, func(tx *sql.Tx, e *audit.Entry) error {
		if err := insertRole(ctx, tx, role); err != nil {
			return err
		}
		for _, p := range req.Permissions {
			if _, err := grantTx(ctx, tx, role.ID, p, now); err != nil {
				return err
			}
		}
		perms, err := loadPermissions(ctx, tx, role.ID)
		if err != nil {
			return err
		}
		role.Permissions = perms
		e.After = role
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.InvalidateGrants(ctx)
	return role, nil
}

// RemoveRole deletes a custom role. A role that only revoked assignments reference is
// deactivated instead so the assignment history keeps resolving.
func (s *Store) RemoveRole(ctx context.Context, by Actor, name string) (RemovalOutcome, error) {
	name, err := NormalizeRoleName(name)
	if err != nil {
		return "", err
	}

	var outcome RemovalOutcome
	entry := s.entry(by, audit.ActionRoleDeleted, audit.EntityRole, nil)
	err = s.recorder.Mutate(ctx, s.db, entry, func(tx *sql.Tx, e *audit.Entry) error {
		role, err := getRole(ctx, tx, name)
		if err != nil {
			return err
		}
		e.EntityID = role.ID
		e.OrganizationID = role.OrganizationID
		e.Before = role
		if role.IsSystem {
			return fmt.Errorf("%w: %s", ErrSystemRole, name)
		}

		var active, total int
		err = tx.QueryRowContext(ctx, `
			SELECT
				COALESCE(SUM(CASE WHEN is_active THEN 1 ELSE 0 END), 0),
				COUNT(*)
			FROM user_role_assignments WHERE role_id = $1`, role.ID).Scan(&active, &total)
		if err != nil {
			return fmt.Errorf("failed to count assignments: %w", err)
		}
		if active > 0 {
			return fmt.Errorf("%w: %s has %d active assignments", ErrRoleInUse, name, active)
		}

		if total > 0 {
			if _, err := tx.ExecContext(ctx,
				`UPDATE roles SET is_active = FALSE, updated_at = $1 WHERE id = $2`,
				s.now().UTC(), role.ID); err != nil {
				return fmt.Errorf("failed to deactivate role: %w", err)
			}
			after := *role
			after.IsActive = false
			e.Action = audit.ActionRoleDeactivated
			e.After = &after
			outcome = RoleDeactivated
			return nil
		}

		if _, err := tx.ExecContext(ctx, `DELETE FROM role_permissions WHERE role_id = $1`, role.ID); err != nil {
			return fmt.Errorf("failed to delete role grants: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM roles WHERE id = $1`, role.ID); err != nil {
			return fmt.Errorf("failed to delete role: %w", err)
		}
		outcome = RoleDeleted
		return nil
	})
	if err != nil {
		return "", err
	}

	s.InvalidateGrants(ctx)
	return outcome, nil
}

// DeactivateRole soft-disables a role. Its assignments stop granting anything.
func (s *Store) DeactivateRole(ctx context.Context, by Actor, name string) (*Role, error) {
	return s.setRoleActive(ctx, by, name, false)
}

// ActivateRole re-enables a deactivated role
func (s *Store) ActivateRole(ctx context.Context, by Actor, name string) (*Role, error) {
	return s.setRoleActive(ctx, by, name, true)
}

func (s *Store) setRoleActive(ctx context.Context, by Actor, name string, active bool) (*Role, error) {
	name, err := NormalizeRoleName(name)
	if err != nil {
		return nil, err
	}

	action := audit.ActionRoleDeactivated
	if active {
		action = audit.ActionRoleActivated
	}

	var result *Role
	err = s.recorder.Mutate(ctx, s.db, s.entry(by, action, audit.EntityRole, nil), func(tx *sql.Tx, e *audit.Entry) error {
		role, err := getRole(ctx, tx, name)
		if err != nil {
			return err
		}
		result = role
		if role.IsActive == active {
			return audit.ErrNoMutation
		}
		e.EntityID = role.ID
		e.OrganizationID = role.OrganizationID
		e.Before = role

		now := s.now().UTC()
		if _, err := tx.ExecContext(ctx,
			`UPDATE roles SET is_active = $1, updated_at = $2 WHERE id = $3`,
			active, now, role.ID); err != nil {
			return fmt.Errorf("failed to update role: %w", err)
		}
		after := *role
		after.IsActive = active
		after.UpdatedAt = now
		result = &after
		e.After = &after
		return nil
	})
	if errors.Is(err, audit.ErrNoMutation) {
		return result, nil
	}
	if err != nil {
		return nil, err
	}

	s.InvalidateGrants(ctx)
	return result, nil
}

// GrantPermission adds a permission to a custom role
func (s *Store) GrantPermission(ctx context.Context, by Actor, roleName string, p Permission) (*Role, error) {
	return s.changeGrant(ctx, by, roleName, p, true)
}

// RevokePermission removes a permission from a custom role. The permission row itself is
// kept.
func (s *Store) RevokePermission(ctx context.Context, by Actor, roleName string, p Permission) (*Role, error) {
	return s.changeGrant(ctx, by, roleName, p, false)
}

func (s *Store) changeGrant(ctx context.Context, by Actor, roleName string, p Permission, add bool) (*Role, error) {
	name, err := NormalizeRoleName(roleName)
	if err != nil {
		return nil, err
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}

	action := audit.ActionPermissionRevoked
	if add {
		action = audit.ActionPermissionGranted
	}

	var result *Role
	err = s.recorder.Mutate(ctx, s.db, s.entry(by, action, audit.EntityRole, nil), func(tx *sql.Tx, e *audit.Entry) error {
		role, err := getRole(ctx, tx, name)
		if err != nil {
			return err
		}
		result = role
		e.EntityID = role.ID
		e.OrganizationID = role.OrganizationID
		if role.IsSystem {
			return fmt.Errorf("%w: %s", ErrSystemRole, name)
		}

		changed := false
		if add {
			changed, err = grantTx(ctx, tx, role.ID, p, s.now().UTC())
			if err != nil {
				return err
			}
		} else {
			res, err := tx.ExecContext(ctx, `
				DELETE FROM role_permissions
				WHERE role_id = $1 AND permission_id IN (
					SELECT id FROM permissions WHERE category = $2 AND resource = $3 AND action = $4
				)`, role.ID, p.Category, p.Resource, p.Action)
			if err != nil {
				return fmt.Errorf("failed to revoke %s: %w", p, err)
			}
			n, _ := res.RowsAffected()
			changed = n > 0
		}
		if !changed {
			return audit.ErrNoMutation
		}

		after := *role
		after.Permissions, err = loadPermissions(ctx, tx, role.ID)
		if err != nil {
			return err
		}
		e.Before = map[string]any{"permissions": role.Permissions}
		e.After = map[string]any{"permissions": after.Permissions}
		result = &after
		return nil
	})
	if errors.Is(err, audit.ErrNoMutation) {
		return result, nil
	}
	if err != nil {
		return nil, err
	}

	s.InvalidateGrants(ctx)
	return result, nil
}

// GetRole returns a role by name with its permissions
func (s *Store) GetRole(ctx context.Context, name string) (*Role, error) {
	normalized, err := NormalizeRoleName(name)
	if err != nil {
		return nil, err
	}
	return getRole(ctx, s.db, normalized)
}

// ListRoles returns the system roles and the custom roles visible to organizationID.
// An empty organizationID lists every role.
func (s *Store) ListRoles(ctx context.Context, organizationID string) ([]*Role, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+roleColumns+` FROM roles
		WHERE $1 = '' OR organization_id IS NULL OR organization_id = $1
		ORDER BY is_system DESC, name`, organizationID)
	if err != nil {
		return nil, fmt.Errorf("failed to list roles: %w", err)
	}

	var roles []*Role
	byID := make(map[string]*Role)
	for rows.Next() {
		role, err := scanRole(rows)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan role: %w", err)
		}
		roles = append(roles, role)
		byID[role.ID] = role
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list roles: %w", err)
	}

	permRows, err := s.db.QueryContext(ctx, `
		SELECT rp.role_id, p.category, p.resource, p.action
		FROM role_permissions rp
		JOIN permissions p ON p.id = rp.permission_id
		ORDER BY p.category, p.resource, p.action`)
	if err != nil {
		return nil, fmt.Errorf("failed to load permissions: %w", err)
	}
	defer permRows.Close()
	for permRows.Next() {
		var (
			roleID string
			p      Permission
		)
		if err := permRows.Scan(&roleID, &p.Category, &p.Resource, &p.Action); err != nil {
			return nil, fmt.Errorf("failed to scan permission: %w", err)
		}
		if role, ok := byID[roleID]; ok {
			role.Permissions = append(role.Permissions, p)
		}
	}
	if err := permRows.Err(); err != nil {
		return nil, fmt.Errorf("failed to load permissions: %w", err)
	}
	return roles, nil
}

// ApplyResult counts the changes made by ApplyCatalog
type ApplyResult struct {
	RolesCreated int `json:"roles_created"`
	RolesUpdated int `json:"roles_updated"`
	GrantsAdded  int `json:"grants_added"`
}

// ApplyCatalog creates or updates the custom roles of a catalog in one transaction.
// Grants are additive: permissions missing from the file are left in place.
func (s *Store) ApplyCatalog(ctx context.Context, by Actor, catalog *Catalog) (*ApplyResult, error) {
	if err := catalog.Validate(); err != nil {
		return nil, err
	}

	result := &ApplyResult{}
	entry := s.entry(by, audit.ActionCatalogApplied, audit.EntityCatalog, nil)
	entry.EntityID = "custom_roles"

	err := s.recorder.Mutate(ctx, s.db, entry, func(tx *sql.Tx, e *audit.Entry) error {
		now := s.now().UTC()
		for _, def := range catalog.Roles {
			roleID, err := s.upsertCustomRole(ctx, tx, by, def, now, result)
			if err != nil {
				return err
			}
			for _, p := range def.Permissions {
				added, err := grantTx(ctx, tx, roleID, p, now)
				if err != nil {
					return err
				}
				if added {
					result.GrantsAdded++
				}
			}
		}
		if result.RolesCreated+result.RolesUpdated+result.GrantsAdded == 0 {
			return audit.ErrNoMutation
		}
		e.After = result
		return nil
	})
	if errors.Is(err, audit.ErrNoMutation) {
		return result, nil
	}
	if err != nil {
		return nil, err
	}

	s.InvalidateGrants(ctx)
	return result, nil
}

func (s *Store) upsertCustomRole(ctx context.Context, tx *sql.Tx, by Actor, def RoleDefinition, now time.Time, result *ApplyResult) (string, error) {
	orgID := normalizeOrg(def.OrganizationID)

	var (
		roleID   string
		isSystem bool
		existing sql.NullString
	)
	err := tx.QueryRowContext(ctx,
		`SELECT id, is_system, organization_id FROM roles WHERE name = $1`, def.Name).Scan(&roleID, &isSystem, &existing)
	if errors.Is(err, sql.ErrNoRows) {
		role := &Role{
			ID:             storage.NewID(),
			Name:           def.Name,
			DisplayName:    def.DisplayName,
			Description:    def.Description,
			OrganizationID: orgID,
			IsActive:       true,
			CreatedBy:      by.ID,
			CreatedAt:      now,
			UpdatedAt:      now,
		}
		if err := insertRole(ctx, tx, role); err != nil {
			return "", err
		}
		result.RolesCreated++
		return role.ID, nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to look up role %s: %w", def.Name, err)
	}
	if isSystem || !sameOrg(storage.StringPtr(existing), orgID) {
		return "", fmt.Errorf("%w: %s", ErrDuplicateRole, def.Name)
	}

	res, err := tx.ExecContext(ctx, `
		UPDATE roles SET display_name = $1, description = $2, updated_at = $3
		WHERE id = $4 AND (display_name <> $1 OR description <> $2)`,
		def.DisplayName, def.Description, now, roleID)
	if err != nil {
		return "", fmt.Errorf("failed to update role %s: %w", def.Name, err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		result.RolesUpdated++
	}
	return roleID, nil
}

func normalizeOrg(id *string) *string {
	if id == nil || strings.TrimSpace(*id) == "" {
		return nil
	}
	v := strings.TrimSpace(*id)
	return &v
}

func sameOrg(a, b *string) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}
