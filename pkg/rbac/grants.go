package rbac

import (
	"fmt"
	"sort"
)

// GrantedAssignment is one active assignment of an active role with its permissions
type GrantedAssignment struct {
	AssignmentID   string       `json:"assignment_id"`
	RoleName       string       `json:"role"`
	OrganizationID *string      `json:"organization_id,omitempty"`
	Scope          Scope        `json:"scope"`
	Permissions    []Permission `json:"permissions"`
}

// AppliesTo reports whether the assignment may answer a check in organizationID and scope
func (g GrantedAssignment) AppliesTo(organizationID string, scope Scope) bool {
	if g.OrganizationID != nil && organizationID != "" && *g.OrganizationID != organizationID {
		return false
	}
	return g.Scope.Covers(scope)
}

// ActorGrants is the resolved authorization state of one actor, in assignment order
type ActorGrants struct {
	Actor       Actor               `json:"actor"`
	Assignments []GrantedAssignment `json:"assignments"`
}

// HasRole reports whether any active assignment is for roleName
func (g *ActorGrants) HasRole(roleName string) bool {
	for _, a := range g.Assignments {
		if a.RoleName == roleName {
			return true
		}
	}
	return false
}

// IsPlatform reports whether the actor holds an assignment without an organization
func (g *ActorGrants) IsPlatform() bool {
	for _, a := range g.Assignments {
		if a.OrganizationID == nil {
			return true
		}
	}
	return false
}

// OrganizationIDs returns the sorted distinct organizations of the actor's assignments
func (g *ActorGrants) OrganizationIDs() []string {
	seen := make(map[string]bool)
	var ids []string
	for _, a := range g.Assignments {
		if a.OrganizationID != nil && !seen[*a.OrganizationID] {
			seen[*a.OrganizationID] = true
			ids = append(ids, *a.OrganizationID)
		}
	}
	sort.Strings(ids)
	return ids
}

// Evaluate decides check against the grants. SUPER_ADMIN is allowed before any
// permission is inspected; otherwise the first applicable assignment with a matching
// permission wins.
func (g *ActorGrants) Evaluate(check Check) Decision {
	for _, a := range g.Assignments {
		if a.RoleName == RoleSuperAdmin {
			return Decision{
				Allowed:      true,
				Reason:       "super administrator",
				Role:         RoleSuperAdmin,
				AssignmentID: a.AssignmentID,
			}
		}
	}

	for _, a := range g.Assignments {
		if !a.AppliesTo(check.OrganizationID, check.Scope) {
			continue
		}
		for _, p := range a.Permissions {
			if p.Grants(check.Category, check.Resource, check.Action) {
				p := p
				return Decision{
					Allowed:      true,
					Reason:       fmt.Sprintf("granted by %s via %s", a.RoleName, p),
					Role:         a.RoleName,
					AssignmentID: a.AssignmentID,
					Permission:   &p,
				}
			}
		}
	}
	return Decision{Allowed: false, Reason: "no assignment grants the permission"}
}
