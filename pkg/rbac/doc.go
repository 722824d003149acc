// Package rbac implements the role catalog, the user-role assignment store and the
// permission resolver.
//
// # Model
//
// A Permission is a (Category, resource, Action) triple. The resource "*" matches any
// resource of the category, and MANAGE satisfies READ, WRITE and DELETE checks. Roles
// group permissions. Role names are unique across every organization.
//
// An Assignment gives an Actor a role. Organization roles carry an organization id and may
// be bounded further by a Scope (PMC, landlord, property). Platform roles (SUPER_ADMIN,
// PLATFORM_ADMIN) carry neither. Revoking an assignment deactivates the row; rows are
// never deleted.
//
// # Resolving
//
//	allowed, err := resolver.HasPermission(ctx, rbac.Check{
//		Actor:          rbac.Actor{ID: "u-1", Type: rbac.ActorAdmin},
//		Category:       rbac.CategoryProperty,
//		Resource:       "prop-9",
//		Action:         rbac.ActionRead,
//		OrganizationID: "org-1",
//	})
//
// SUPER_ADMIN is allowed before any permission row is consulted. Otherwise the actor's
// active assignments of active roles are walked in assignment order. Assignments bound to
// a different organization or scope than the check names are skipped, and the first
// matching permission allows the check. The error return is reserved for malformed checks
// and storage failures; a denial is (false, nil).
//
// # Caching
//
// Resolved grants may be cached per actor in process (LRUGrantCache) or in Redis
// (RedisGrantCache). Every write through Store advances the cache generation after commit.
//
// # Auditing
//
// Every Store mutation writes its audit entry in the same transaction through
// audit.Recorder.Mutate. Failed attempts are recorded with success=false.
package rbac
