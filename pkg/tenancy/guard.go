package tenancy

import (
	"context"
	"database/sql"
	"fmt"
	"slices"

	"github.com/platinummonkey/porter/pkg/audit"
	"github.com/platinummonkey/porter/pkg/observability"
	"github.com/platinummonkey/porter/pkg/rbac"
)

// Access is the set of organizations an actor may touch
type Access struct {
	Actor           rbac.Actor `json:"actor"`
	Platform        bool       `json:"platform"`
	OrganizationIDs []string   `json:"organization_ids"`
}

// Allows reports whether organizationID is inside the access set
func (a *Access) Allows(organizationID string) bool {
	return a.Platform || slices.Contains(a.OrganizationIDs, organizationID)
}

// Guard enforces organization boundaries on queries and writes
type Guard struct {
	db       *sql.DB
	checker  rbac.Checker
	recorder *audit.Recorder
	metrics  *observability.Metrics
	logger   *observability.Logger
}

// NewGuard creates a guard. Denials are audited through recorder on db. metrics may be nil.
func NewGuard(db *sql.DB, checker rbac.Checker, recorder *audit.Recorder, metrics *observability.Metrics, logger *observability.Logger) *Guard {
	if logger == nil {
		logger = observability.NopLogger()
	}
	return &Guard{
		db:       db,
		checker:  checker,
		recorder: recorder,
		metrics:  metrics,
		logger:   logger,
	}
}

// Scope resolves the organizations actor may access. A non-empty requestedOrganizationID
// outside that set fails with a *CrossTenantError.
func (g *Guard) Scope(ctx context.Context, actor rbac.Actor, requestedOrganizationID string) (*Access, error) {
	if err := actor.Validate(); err != nil {
		return nil, err
	}

	grants, err := g.checker.Grants(ctx, actor)
	if err != nil {
		return nil, err
	}

	access := &Access{
		Actor:           actor,
		Platform:        grants.IsPlatform(),
		OrganizationIDs: grants.OrganizationIDs(),
	}
	if requestedOrganizationID != "" && !access.Allows(requestedOrganizationID) {
		return nil, g.deny(ctx, actor, requestedOrganizationID, access.OrganizationIDs)
	}
	return access, nil
}

// ScopeQuery restricts base to the organizations of actor. When requestedOrganizationID
// is set the query is narrowed to it.
func (g *Guard) ScopeQuery(ctx context.Context, base *Query, actor rbac.Actor, requestedOrganizationID string) (*ScopedQuery, error) {
	if base == nil || base.resource == nil {
		return nil, fmt.Errorf("%w: query has no resource", rbac.ErrInvalidInput)
	}

	access, err := g.Scope(ctx, actor, requestedOrganizationID)
	if err != nil {
		return nil, err
	}

	switch {
	case requestedOrganizationID != "":
		return newScopedQuery(base, access.Platform, []string{requestedOrganizationID}), nil
	case access.Platform:
		return newScopedQuery(base, true, nil), nil
	default:
		return newScopedQuery(base, false, access.OrganizationIDs), nil
	}
}

// Authorize checks that actor may perform action on resource of category inside
// organizationID. A foreign organization fails with a *CrossTenantError and a missing
// permission with ErrForbidden.
func (g *Guard) Authorize(ctx context.Context, actor rbac.Actor, category rbac.Category, resource string, action rbac.Action, organizationID string) (*rbac.Decision, error) {
	if _, err := g.Scope(ctx, actor, organizationID); err != nil {
		return nil, err
	}

	decision, err := g.checker.Explain(ctx, rbac.Check{
		Actor:          actor,
		Category:       category,
		Resource:       resource,
		Action:         action,
		OrganizationID: organizationID,
	})
	if err != nil {
		return nil, err
	}
	if !decision.Allowed {
		return decision, fmt.Errorf("%w: %s may not %s %s:%s", ErrForbidden, actor, action, category, resource)
	}
	return decision, nil
}

func (g *Guard) deny(ctx context.Context, actor rbac.Actor, requestedOrganizationID string, allowed []string) error {
	denial := &CrossTenantError{
		Actor:                   actor,
		RequestedOrganizationID: requestedOrganizationID,
		OrganizationIDs:         allowed,
	}

	g.metrics.ObserveCrossTenantDenial(string(actor.Type))
	g.logger.WithActor(actor.ID, string(actor.Type)).
		WithField("requested_organization_id", requestedOrganizationID).
		Warn("Cross-tenant access denied")

	org := requestedOrganizationID
	err := g.recorder.Record(ctx, g.db, audit.Entry{
		OrganizationID: &org,
		ActorID:        actor.ID,
		ActorType:      string(actor.Type),
		Action:         audit.ActionCrossTenantDenied,
		EntityType:     audit.EntityOrganization,
		EntityID:       requestedOrganizationID,
		After: map[string]any{
			"allowed_organization_ids": allowed,
		},
		Success:      false,
		ErrorMessage: denial.Error(),
	})
	if err != nil {
		g.logger.WithError(err).Error("Failed to audit cross-tenant denial")
	}
	return denial
}
