package api

import (
	"net/http"

	"github.com/platinummonkey/porter/pkg/httputil"
	"github.com/platinummonkey/porter/pkg/rbac"
)

func (s *Server) assignRole(w http.ResponseWriter, r *http.Request) {
	by, ok := s.actor(w, r)
	if !ok {
		return
	}
	var req rbac.AssignRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	if _, err := s.authorize(r.Context(), by, rbac.CategoryUser, rbac.ActionWrite, orgOf(req.OrganizationID)); err != nil {
		writeError(w, r, err)
		return
	}

	assignment, err := s.deps.Store.Assign(r.Context(), by, req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	httputil.WriteCreated(w, assignment)
}

func (s *Server) revokeRole(w http.ResponseWriter, r *http.Request) {
	by, ok := s.actor(w, r)
	if !ok {
		return
	}
	var req rbac.RevokeRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	if _, err := s.authorize(r.Context(), by, rbac.CategoryUser, rbac.ActionDelete, orgOf(req.OrganizationID)); err != nil {
		writeError(w, r, err)
		return
	}

	if err := s.deps.Store.Revoke(r.Context(), by, req); err != nil {
		writeError(w, r, err)
		return
	}
	httputil.WriteNoContent(w)
}

// listAssignments returns the active assignments of an actor. Actors always see their
// own; others see only the assignments in organizations where they hold USER READ.
func (s *Server) listAssignments(w http.ResponseWriter, r *http.Request) {
	caller, ok := s.actor(w, r)
	if !ok {
		return
	}
	vars := httputil.GetPathVars(r)
	subject := rbac.Actor{ID: vars["id"], Type: rbac.ActorType(vars["type"])}
	if err := subject.Validate(); err != nil {
		writeError(w, r, err)
		return
	}

	list, err := s.deps.Store.ListAssignments(r.Context(), subject)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if subject != caller {
		if list, err = s.visibleAssignments(r, caller, list); err != nil {
			writeError(w, r, err)
			return
		}
	}
	httputil.WriteSuccess(w, map[string]interface{}{"actor": subject, "assignments": list})
}

func (s *Server) visibleAssignments(r *http.Request, caller rbac.Actor, list []*rbac.Assignment) ([]*rbac.Assignment, error) {
	access, err := s.deps.Guard.Scope(r.Context(), caller, "")
	if err != nil {
		return nil, err
	}

	allowed := make(map[string]bool)
	visible := []*rbac.Assignment{}
	for _, a := range list {
		org := orgOf(a.OrganizationID)
		if org == "" && !access.Platform {
			continue
		}
		if org != "" && !access.Allows(org) {
			continue
		}
		may, seen := allowed[org]
		if !seen {
			may, err = s.deps.Checker.HasPermission(r.Context(), rbac.Check{
				Actor:          caller,
				Category:       rbac.CategoryUser,
				Resource:       rbac.WildcardResource,
				Action:         rbac.ActionRead,
				OrganizationID: org,
			})
			if err != nil {
				return nil, err
			}
			allowed[org] = may
		}
		if may {
			visible = append(visible, a)
		}
	}
	return visible, nil
}
