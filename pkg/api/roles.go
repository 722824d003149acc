package api

import (
	"net/http"

	"github.com/platinummonkey/porter/pkg/httputil"
	"github.com/platinummonkey/porter/pkg/rbac"
)

// listRoles returns the system roles plus the custom roles of organization_id. Without
// an organization every role is listed, which only platform actors may do.
func (s *Server) listRoles(w http.ResponseWriter, r *http.Request) {
	actor, ok := s.actor(w, r)
	if !ok {
		return
	}
	org := httputil.ParseQueryString(r, "organization_id", "")
	if _, err := s.authorize(r.Context(), actor, rbac.CategoryRole, rbac.ActionRead, org); err != nil {
		writeError(w, r, err)
		return
	}

	roles, err := s.deps.Store.ListRoles(r.Context(), org)
	if err != nil {
		writeError(w, r, err)
		return
	}
	httputil.WriteSuccess(w, map[string]interface{}{"roles": roles})
}

// loadRole fetches the role named in the path and authorizes action on it. System and
// platform-wide roles are readable by anyone authenticated.
func (s *Server) loadRole(w http.ResponseWriter, r *http.Request, action rbac.Action) (rbac.Actor, *rbac.Role, bool) {
	actor, ok := s.actor(w, r)
	if !ok {
		return actor, nil, false
	}
	name, ok := httputil.ParsePathStringOrError(w, r, "name")
	if !ok {
		return actor, nil, false
	}
	role, err := s.deps.Store.GetRole(r.Context(), name)
	if err != nil {
		writeError(w, r, err)
		return actor, nil, false
	}
	if action == rbac.ActionRead && role.OrganizationID == nil {
		return actor, role, true
	}
	if _, err := s.authorize(r.Context(), actor, rbac.CategoryRole, action, orgOf(role.OrganizationID)); err != nil {
		writeError(w, r, err)
		return actor, nil, false
	}
	return actor, role, true
}

func (s *Server) getRole(w http.ResponseWriter, r *http.Request) {
	_, role, ok := s.loadRole(w, r, rbac.ActionRead)
	if !ok {
		return
	}
	httputil.WriteSuccess(w, role)
}

func (s *Server) createRole(w http.ResponseWriter, r *http.Request) {
	actor, ok := s.actor(w, r)
	if !ok {
		return
	}
	var req rbac.CustomRoleRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	if _, err := s.authorize(r.Context(), actor, rbac.CategoryRole, rbac.ActionWrite, orgOf(req.OrganizationID)); err != nil {
		writeError(w, r, err)
		return
	}

	role, err := s.deps.Store.DefineCustomRole(r.Context(), actor, req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	httputil.WriteCreated(w, role)
}

func (s *Server) removeRole(w http.ResponseWriter, r *http.Request) {
	actor, role, ok := s.loadRole(w, r, rbac.ActionDelete)
	if !ok {
		return
	}
	outcome, err := s.deps.Store.RemoveRole(r.Context(), actor, role.Name)
	if err != nil {
		writeError(w, r, err)
		return
	}
	httputil.WriteSuccess(w, map[string]interface{}{"role": role.Name, "outcome": outcome})
}

func (s *Server) activateRole(w http.ResponseWriter, r *http.Request) {
	s.setRoleActive(w, r, true)
}

func (s *Server) deactivateRole(w http.ResponseWriter, r *http.Request) {
	s.setRoleActive(w, r, false)
}

func (s *Server) setRoleActive(w http.ResponseWriter, r *http.Request, active bool) {
	actor, role, ok := s.loadRole(w, r, rbac.ActionWrite)
	if !ok {
		return
	}
	var (
		updated *rbac.Role
		err     error
	)
	if active {
		updated, err = s.deps.Store.ActivateRole(r.Context(), actor, role.Name)
	} else {
		updated, err = s.deps.Store.DeactivateRole(r.Context(), actor, role.Name)
	}
	if err != nil {
		writeError(w, r, err)
		return
	}
	httputil.WriteSuccess(w, updated)
}

func (s *Server) grantPermission(w http.ResponseWriter, r *http.Request) {
	actor, role, ok := s.loadRole(w, r, rbac.ActionWrite)
	if !ok {
		return
	}
	var p rbac.Permission
	if !httputil.ParseJSONOrError(w, r, &p) {
		return
	}
	updated, err := s.deps.Store.GrantPermission(r.Context(), actor, role.Name, p)
	if err != nil {
		writeError(w, r, err)
		return
	}
	httputil.WriteSuccess(w, updated)
}

func (s *Server) revokePermission(w http.ResponseWriter, r *http.Request) {
	actor, role, ok := s.loadRole(w, r, rbac.ActionWrite)
	if !ok {
		return
	}
	vars := httputil.GetPathVars(r)
	p := rbac.Permission{
		Category: rbac.Category(vars["category"]),
		Resource: vars["resource"],
		Action:   rbac.Action(vars["action"]),
	}
	updated, err := s.deps.Store.RevokePermission(r.Context(), actor, role.Name, p)
	if err != nil {
		writeError(w, r, err)
		return
	}
	httputil.WriteSuccess(w, updated)
}
