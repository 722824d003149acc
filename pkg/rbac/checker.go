package rbac

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/platinummonkey/porter/pkg/observability"
)

var tracer = otel.Tracer("github.com/platinummonkey/porter/pkg/rbac")

// Checker answers permission questions. Resolver is the implementation; handlers and the
// tenancy guard depend on this interface.
type Checker interface {
	// HasPermission reports whether the actor holds the permission. The error is reserved
	// for malformed checks and storage failures.
	HasPermission(ctx context.Context, check Check) (bool, error)

	// Explain returns the decision with the role and permission that matched
	Explain(ctx context.Context, check Check) (*Decision, error)

	// HasRole reports whether the actor holds an active assignment of roleName, ignoring scope
	HasRole(ctx context.Context, actor Actor, roleName string) (bool, error)

	// Grants returns the resolved assignments of an actor
	Grants(ctx context.Context, actor Actor) (*ActorGrants, error)
}

// Resolver decides permission checks from the persisted assignments and grants
type Resolver struct {
	db      *sql.DB
	cache   GrantCache
	cached  bool
	metrics *observability.Metrics
	logger  *observability.Logger
}

var _ Checker = (*Resolver)(nil)

// NewResolver creates a resolver. cache and metrics may be nil.
func NewResolver(db *sql.DB, cache GrantCache, metrics *observability.Metrics, logger *observability.Logger) *Resolver {
	_, nop := cache.(NopCache)
	cached := cache != nil && !nop
	if cache == nil {
		cache = NopCache{}
	}
	if logger == nil {
		logger = observability.NopLogger()
	}
	return &Resolver{
		db:      db,
		cache:   cache,
		cached:  cached,
		metrics: metrics,
		logger:  logger,
	}
}

// HasPermission checks if an actor holds a permission
func (r *Resolver) HasPermission(ctx context.Context, check Check) (bool, error) {
	decision, err := r.Explain(ctx, check)
	if err != nil {
		return false, err
	}
	return decision.Allowed, nil
}

// Explain evaluates a check and reports which assignment decided it
func (r *Resolver) Explain(ctx context.Context, check Check) (*Decision, error) {
	ctx, span := tracer.Start(ctx, "rbac.Resolver.Explain",
		trace.WithAttributes(
			attribute.String("authz.actor_type", string(check.Actor.Type)),
			attribute.String("authz.category", string(check.Category)),
			attribute.String("authz.action", string(check.Action)),
		),
	)
	defer span.End()

	if err := check.Validate(); err != nil {
		span.SetStatus(codes.Error, "invalid check")
		return nil, err
	}

	start := time.Now()
	grants, err := r.Grants(ctx, check.Actor)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to resolve grants")
		return nil, err
	}

	decision := grants.Evaluate(check)
	r.metrics.ObserveDecision(string(check.Category), string(check.Action), decision.Allowed, time.Since(start))
	span.SetAttributes(attribute.Bool("authz.allowed", decision.Allowed))
	if decision.Role != "" {
		span.SetAttributes(attribute.String("authz.role", decision.Role))
	}
	return &decision, nil
}

// HasRole checks for an active assignment of an active role, ignoring scope
func (r *Resolver) HasRole(ctx context.Context, actor Actor, roleName string) (bool, error) {
	name, err := NormalizeRoleName(roleName)
	if err != nil {
		return false, err
	}
	grants, err := r.Grants(ctx, actor)
	if err != nil {
		return false, err
	}
	return grants.HasRole(name), nil
}

// Grants returns the actor's active assignments of active roles with their permissions.
// A cache failure falls through to the database.
func (r *Resolver) Grants(ctx context.Context, actor Actor) (*ActorGrants, error) {
	if err := actor.Validate(); err != nil {
		return nil, err
	}

	gen, genErr := r.cache.Generation(ctx)
	if genErr != nil {
		r.logger.WithError(genErr).WithField("backend", r.cache.Backend()).Warn("Grant cache unavailable")
	} else if r.cached {
		if grants, ok := r.cache.Get(ctx, gen, actor); ok {
			r.metrics.ObserveCache(r.cache.Backend(), true)
			return grants, nil
		}
		r.metrics.ObserveCache(r.cache.Backend(), false)
	}

	grants, err := r.loadGrants(ctx, actor)
	if err != nil {
		return nil, err
	}
	if genErr == nil && r.cached {
		r.cache.Set(ctx, gen, actor, grants)
	}
	return grants, nil
}

func (r *Resolver) loadGrants(ctx context.Context, actor Actor) (*ActorGrants, error) {
	ctx, span := tracer.Start(ctx, "rbac.Resolver.loadGrants")
	defer span.End()

	rows, err := r.db.QueryContext(ctx, `
		SELECT a.id, r.name, a.organization_id, a.pmc_id, a.landlord_id, a.property_id,
			p.category, p.resource, p.action
		FROM user_role_assignments a
		JOIN roles r ON r.id = a.role_id AND r.is_active = TRUE
		LEFT JOIN role_permissions rp ON rp.role_id = r.id
		LEFT JOIN permissions p ON p.id = rp.permission_id
		WHERE a.actor_id = $1 AND a.actor_type = $2 AND a.is_active = TRUE
		ORDER BY a.assigned_at, a.id, p.category, p.resource, p.action`,
		actor.ID, actor.Type)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to load grants: %w", err)
	}
	defer rows.Close()

	grants := &ActorGrants{Actor: actor, Assignments: []GrantedAssignment{}}
	for rows.Next() {
		var (
			assignmentID, roleName               string
			orgID, pmcID, landlordID, propertyID sql.NullString
			category, resource, action           sql.NullString
		)
		if err := rows.Scan(&assignmentID, &roleName, &orgID, &pmcID, &landlordID, &propertyID,
			&category, &resource, &action); err != nil {
			return nil, fmt.Errorf("failed to scan grant: %w", err)
		}

		n := len(grants.Assignments)
		if n == 0 || grants.Assignments[n-1].AssignmentID != assignmentID {
			var org *string
			if orgID.Valid {
				v := orgID.String
				org = &v
			}
			grants.Assignments = append(grants.Assignments, GrantedAssignment{
				AssignmentID:   assignmentID,
				RoleName:       roleName,
				OrganizationID: org,
				Scope:          Scope{PMCID: pmcID.String, LandlordID: landlordID.String, PropertyID: propertyID.String},
				Permissions:    []Permission{},
			})
			n++
		}
		if category.Valid {
			grants.Assignments[n-1].Permissions = append(grants.Assignments[n-1].Permissions, Permission{
				Category: Category(category.String),
				Resource: resource.String,
				Action:   Action(action.String),
			})
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to load grants: %w", err)
	}
	return grants, nil
}
