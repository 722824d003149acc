package api

import (
	"context"
	"net/http"

	"github.com/platinummonkey/porter/pkg/httputil"
	"github.com/platinummonkey/porter/pkg/rbac"
)

// authorize checks that actor may perform action on category inside organizationID.
// Operations without an organization are reserved to platform actors.
func (s *Server) authorize(ctx context.Context, actor rbac.Actor, category rbac.Category, action rbac.Action, organizationID string) (*rbac.Decision, error) {
	if organizationID == "" {
		access, err := s.deps.Guard.Scope(ctx, actor, "")
		if err != nil {
			return nil, err
		}
		if !access.Platform {
			return nil, errPlatformOnly
		}
	}
	return s.deps.Guard.Authorize(ctx, actor, category, rbac.WildcardResource, action, organizationID)
}

func orgOf(id *string) string {
	if id == nil {
		return ""
	}
	return *id
}

// myGrants returns the caller's resolved assignments and permissions
func (s *Server) myGrants(w http.ResponseWriter, r *http.Request) {
	actor, ok := s.actor(w, r)
	if !ok {
		return
	}
	grants, err := s.deps.Checker.Grants(r.Context(), actor)
	if err != nil {
		writeError(w, r, err)
		return
	}
	httputil.WriteSuccess(w, grants)
}

type checkRequest struct {
	// Actor defaults to the caller
	Actor          *rbac.Actor   `json:"actor,omitempty"`
	Category       rbac.Category `json:"category"`
	Resource       string        `json:"resource"`
	Action         rbac.Action   `json:"action"`
	OrganizationID string        `json:"organization_id,omitempty"`
	Scope          rbac.Scope    `json:"scope"`
}

// checkPermission explains a permission question. Callers may always ask about
// themselves; asking about someone else needs USER READ in the organization. A
// requested organization outside the caller's set is a cross-tenant denial.
func (s *Server) checkPermission(w http.ResponseWriter, r *http.Request) {
	caller, ok := s.actor(w, r)
	if !ok {
		return
	}
	var req checkRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}

	subject := caller
	if req.Actor != nil && *req.Actor != caller {
		if _, err := s.authorize(r.Context(), caller, rbac.CategoryUser, rbac.ActionRead, req.OrganizationID); err != nil {
			writeError(w, r, err)
			return
		}
		subject = *req.Actor
	} else if _, err := s.deps.Guard.Scope(r.Context(), caller, req.OrganizationID); err != nil {
		writeError(w, r, err)
		return
	}

	decision, err := s.deps.Checker.Explain(r.Context(), rbac.Check{
		Actor:          subject,
		Category:       req.Category,
		Resource:       req.Resource,
		Action:         req.Action,
		OrganizationID: req.OrganizationID,
		Scope:          req.Scope,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	httputil.WriteSuccess(w, decision)
}
