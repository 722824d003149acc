package rbac

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/platinummonkey/porter/pkg/audit"
	"github.com/platinummonkey/porter/pkg/storage"
)

const assignmentSelect = `
	SELECT a.id, a.actor_id, a.actor_type, a.organization_id, a.pmc_id, a.landlord_id,
		a.property_id, a.is_active, a.assigned_at, a.assigned_by, a.revoked_at, a.revoked_by,
		r.id, r.name, r.display_name, r.is_system, r.is_platform, r.is_active
	FROM user_role_assignments a
	JOIN roles r ON r.id = a.role_id`

func scanAssignment(row scanner) (*Assignment, error) {
	var (
		a                                    Assignment
		orgID, pmcID, landlordID, propertyID sql.NullString
		assignedBy, revokedBy                sql.NullString
		revokedAt                            sql.NullTime
	)
	err := row.Scan(
		&a.ID, &a.Actor.ID, &a.Actor.Type, &orgID, &pmcID, &landlordID,
		&propertyID, &a.IsActive, &a.AssignedAt, &assignedBy, &revokedAt, &revokedBy,
		&a.Role.ID, &a.Role.Name, &a.Role.DisplayName, &a.Role.IsSystem, &a.Role.IsPlatform, &a.Role.IsActive,
	)
	if err != nil {
		return nil, err
	}
	a.OrganizationID = storage.StringPtr(orgID)
	a.Scope = Scope{PMCID: pmcID.String, LandlordID: landlordID.String, PropertyID: propertyID.String}
	a.AssignedAt = a.AssignedAt.UTC()
	a.AssignedBy = assignedBy.String
	a.RevokedAt = storage.TimePtr(revokedAt)
	a.RevokedBy = revokedBy.String
	return &a, nil
}

// findAssignment returns the assignment row of (actor, role) whatever its state, or nil
func findAssignment(ctx context.Context, q storage.DBTX, actor Actor, roleID string) (*Assignment, error) {
	a, err := scanAssignment(q.QueryRowContext(ctx, assignmentSelect+`
		WHERE a.actor_id = $1 AND a.actor_type = $2 AND a.role_id = $3`,
		actor.ID, actor.Type, roleID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get assignment: %w", err)
	}
	return a, nil
}

func (req *AssignRequest) normalize() error {
	if err := req.Actor.Validate(); err != nil {
		return err
	}
	name, err := NormalizeRoleName(req.RoleName)
	if err != nil {
		return err
	}
	req.RoleName = name
	req.OrganizationID = normalizeOrg(req.OrganizationID)
	return nil
}

// Assign grants a role to an actor. An existing assignment is updated in place and
// reactivated if it was revoked; assigned_at restarts only on reactivation. An active
// assignment bound to another organization is only moved for platform actors, otherwise
// Assign fails with ErrAssignmentConflict. Revoked rows may be rebound anywhere.
func (s *Store) Assign(ctx context.Context, by Actor, req AssignRequest) (*Assignment, error) {
	if err := req.normalize(); err != nil {
		return nil, err
	}

	var result *Assignment
	entry := s.entry(by, audit.ActionRoleAssigned, audit.EntityAssignment, req.OrganizationID)
	err := s.recorder.Mutate(ctx, s.db, entry, func(tx *sql.Tx, e *audit.Entry) error {
		before, after, err := s.assignTx(ctx, tx, by, req)
		if err != nil {
			return err
		}
		e.EntityID = after.ID
		if before != nil {
			e.Before = before
		}
		e.After = after
		result = after
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.InvalidateGrants(ctx)
	return result, nil
}

// AssignInTx performs Assign inside the caller's transaction. The caller records the
// audit entry and calls InvalidateGrants after commit.
func (s *Store) AssignInTx(ctx context.Context, tx *sql.Tx, by Actor, req AssignRequest) (*Assignment, error) {
	if err := req.normalize(); err != nil {
		return nil, err
	}
	_, after, err := s.assignTx(ctx, tx, by, req)
	return after, err
}

func (s *Store) assignTx(ctx context.Context, tx *sql.Tx, by Actor, req AssignRequest) (before, after *Assignment, err error) {
	var (
		roleID     string
		isPlatform bool
		roleOrg    sql.NullString
	)
	err = tx.QueryRowContext(ctx,
		`SELECT id, is_platform, organization_id FROM roles WHERE name = $1 AND is_active = TRUE`,
		req.RoleName).Scan(&roleID, &isPlatform, &roleOrg)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil, fmt.Errorf("%w: %s", ErrRoleNotFound, req.RoleName)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("failed to look up role: %w", err)
	}

	switch {
	case isPlatform && req.OrganizationID != nil:
		return nil, nil, fmt.Errorf("%w: %s is a platform role and cannot be bound to an organization", ErrInvalidInput, req.RoleName)
	case isPlatform && !req.Scope.IsZero():
		return nil, nil, fmt.Errorf("%w: %s is a platform role and cannot carry a scope", ErrInvalidInput, req.RoleName)
	case !isPlatform && req.OrganizationID == nil:
		return nil, nil, fmt.Errorf("%w: %s requires an organization", ErrInvalidInput, req.RoleName)
	case roleOrg.Valid && *req.OrganizationID != roleOrg.String:
		return nil, nil, fmt.Errorf("%w: %s belongs to another organization", ErrInvalidInput, req.RoleName)
	}

	before, err = findAssignment(ctx, tx, req.Actor, roleID)
	if err != nil {
		return nil, nil, err
	}
	if before != nil && before.IsActive && !sameOrg(before.OrganizationID, req.OrganizationID) {
		platform, err := isPlatformActor(ctx, tx, by)
		if err != nil {
			return nil, nil, err
		}
		if !platform {
			return nil, nil, fmt.Errorf("%w: %s holds %s in another organization", ErrAssignmentConflict, req.Actor, req.RoleName)
		}
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO user_role_assignments (
			id, actor_id, actor_type, role_id, organization_id, pmc_id, landlord_id,
			property_id, is_active, assigned_at, assigned_by
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, TRUE, $9, $10)
		ON CONFLICT (actor_id, actor_type, role_id) DO UPDATE SET
			organization_id = excluded.organization_id,
			pmc_id = excluded.pmc_id,
			landlord_id = excluded.landlord_id,
			property_id = excluded.property_id,
			assigned_at = CASE WHEN user_role_assignments.is_active
				THEN user_role_assignments.assigned_at ELSE excluded.assigned_at END,
			assigned_by = excluded.assigned_by,
			is_active = TRUE,
			revoked_at = NULL,
			revoked_by = NULL`,
		storage.NewID(),
		req.Actor.ID,
		req.Actor.Type,
		roleID,
		storage.NullString(req.OrganizationID),
		storage.NullIfEmpty(req.Scope.PMCID),
		storage.NullIfEmpty(req.Scope.LandlordID),
		storage.NullIfEmpty(req.Scope.PropertyID),
		s.now().UTC(),
		storage.NullIfEmpty(by.ID),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to assign role: %w", err)
	}

	after, err = findAssignment(ctx, tx, req.Actor, roleID)
	if err != nil {
		return nil, nil, err
	}
	if after == nil {
		return nil, nil, fmt.Errorf("assignment of %s to %s vanished", req.RoleName, req.Actor)
	}
	return before, after, nil
}

// isPlatformActor reports whether by may rebind assignments across organizations: the
// service itself or an actor holding an active organization-less role
func isPlatformActor(ctx context.Context, tx *sql.Tx, by Actor) (bool, error) {
	if by == SystemActor {
		return true, nil
	}
	var n int
	err := tx.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM user_role_assignments a
		JOIN roles r ON r.id = a.role_id
		WHERE a.actor_id = $1 AND a.actor_type = $2 AND a.is_active = TRUE
			AND r.is_active = TRUE AND a.organization_id IS NULL`,
		by.ID, by.Type).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("failed to look up platform roles: %w", err)
	}
	return n > 0, nil
}

// Revoke deactivates an assignment. The row is kept with revoked_at and revoked_by.
func (s *Store) Revoke(ctx context.Context, by Actor, req RevokeRequest) error {
	if err := req.Actor.Validate(); err != nil {
		return err
	}
	name, err := NormalizeRoleName(req.RoleName)
	if err != nil {
		return err
	}
	orgID := normalizeOrg(req.OrganizationID)

	entry := s.entry(by, audit.ActionRoleRevoked, audit.EntityAssignment, orgID)
	err = s.recorder.Mutate(ctx, s.db, entry, func(tx *sql.Tx, e *audit.Entry) error {
		var roleID string
		err := tx.QueryRowContext(ctx, `SELECT id FROM roles WHERE name = $1`, name).Scan(&roleID)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("%w: %s", ErrRoleNotFound, name)
		}
		if err != nil {
			return fmt.Errorf("failed to look up role: %w", err)
		}

		before, err := findAssignment(ctx, tx, req.Actor, roleID)
		if err != nil {
			return err
		}
		if before == nil || !before.IsActive || !sameOrg(before.OrganizationID, orgID) {
			return fmt.Errorf("%w: %s holds no active %s assignment", ErrAssignmentNotFound, req.Actor, name)
		}
		e.EntityID = before.ID
		e.Before = before

		res, err := tx.ExecContext(ctx, `
			UPDATE user_role_assignments
			SET is_active = FALSE, revoked_at = $1, revoked_by = $2
			WHERE id = $3 AND is_active = TRUE`,
			s.now().UTC(), storage.NullIfEmpty(by.ID), before.ID)
		if err != nil {
			return fmt.Errorf("failed to revoke assignment: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("%w: %s holds no active %s assignment", ErrAssignmentNotFound, req.Actor, name)
		}

		after, err := findAssignment(ctx, tx, req.Actor, roleID)
		if err != nil {
			return err
		}
		e.After = after
		return nil
	})
	if err != nil {
		return err
	}

	s.InvalidateGrants(ctx)
	return nil
}

// ListAssignments returns the actor's active assignments with role metadata, oldest first
func (s *Store) ListAssignments(ctx context.Context, actor Actor) ([]*Assignment, error) {
	if err := actor.Validate(); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, assignmentSelect+`
		WHERE a.actor_id = $1 AND a.actor_type = $2 AND a.is_active = TRUE
		ORDER BY a.assigned_at, a.id`, actor.ID, actor.Type)
	if err != nil {
		return nil, fmt.Errorf("failed to list assignments: %w", err)
	}
	defer rows.Close()

	assignments := []*Assignment{}
	for rows.Next() {
		a, err := scanAssignment(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan assignment: %w", err)
		}
		assignments = append(assignments, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list assignments: %w", err)
	}
	return assignments, nil
}
