/*
Package tenancy keeps every resource query inside the organizations an actor belongs to.

Resource modules describe their table with the Resource interface and build a Query. A Query
cannot be executed directly; only the Guard turns it into a ScopedQuery, after resolving the
actor's organizations:

	q := tenancy.From(auditResource, audit.Columns...).
		Where("created_at >= ?", since).
		OrderBy("created_at DESC").
		Limit(100)

	scoped, err := guard.ScopeQuery(ctx, q, actor, requestedOrg)
	if err != nil {
		return err // *CrossTenantError when requestedOrg is outside the actor's set
	}
	rows, err := scoped.Query(ctx, db)

Actors holding a platform assignment (one without an organization) are not restricted; the
requested organization is applied as a plain filter when given. Every other actor is limited
to organization_id IN (their organizations). Asking for an organization outside that set
fails with ErrCrossTenantAccess and writes a success=false audit entry, so probing another
tenant is visible rather than looking like an empty result.

Write paths call Scope, and Authorize combines the organization check with a permission
decision from the rbac resolver.
*/
package tenancy
