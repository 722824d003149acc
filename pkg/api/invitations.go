package api

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/platinummonkey/porter/pkg/httputil"
	"github.com/platinummonkey/porter/pkg/invitations"
	"github.com/platinummonkey/porter/pkg/observability"
	"github.com/platinummonkey/porter/pkg/rbac"
)

type createInvitationRequest struct {
	Email          string           `json:"email"`
	Type           invitations.Type `json:"invitation_type"`
	OrganizationID string           `json:"organization_id"`
	Scope          rbac.Scope       `json:"scope"`
	// TTL is a Go duration such as "72h"; empty uses the service default
	TTL string `json:"ttl,omitempty"`
}

// createInvitation records a pending invitation. The role that authorized the caller is
// stored as invited_by_role.
func (s *Server) createInvitation(w http.ResponseWriter, r *http.Request) {
	by, ok := s.actor(w, r)
	if !ok {
		return
	}
	var body createInvitationRequest
	if !httputil.ParseJSONOrError(w, r, &body) {
		return
	}
	if strings.TrimSpace(body.OrganizationID) == "" {
		httputil.WriteBadRequest(w, "organization_id is required")
		return
	}
	var ttl time.Duration
	if body.TTL != "" {
		parsed, err := time.ParseDuration(body.TTL)
		if err != nil || parsed <= 0 {
			httputil.WriteBadRequest(w, fmt.Sprintf("invalid ttl %q", body.TTL))
			return
		}
		ttl = parsed
	}

	decision, err := s.authorize(r.Context(), by, rbac.CategoryInvitation, rbac.ActionWrite, body.OrganizationID)
	if err != nil {
		writeError(w, r, err)
		return
	}

	org := body.OrganizationID
	inv, err := s.deps.Invitations.Create(r.Context(), by, invitations.CreateRequest{
		Email:          body.Email,
		Type:           body.Type,
		OrganizationID: &org,
		Scope:          body.Scope,
		InvitedByRole:  decision.Role,
		TTL:            ttl,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	httputil.WriteCreated(w, inv)
}

// listInvitations lists invitations through the tenancy guard. Without organization_id
// only platform actors may list across organizations.
func (s *Server) listInvitations(w http.ResponseWriter, r *http.Request) {
	actor, ok := s.actor(w, r)
	if !ok {
		return
	}
	limit, offset, err := httputil.ParsePage(r, 50)
	if err != nil {
		httputil.WriteBadRequest(w, err.Error())
		return
	}
	filter := invitations.ListFilter{
		OrganizationID: httputil.ParseQueryString(r, "organization_id", ""),
		Status:         invitations.Status(httputil.ParseQueryString(r, "status", "")),
		Limit:          limit,
		Offset:         offset,
	}
	if _, err := s.authorize(r.Context(), actor, rbac.CategoryInvitation, rbac.ActionRead, filter.OrganizationID); err != nil {
		writeError(w, r, err)
		return
	}

	list, err := s.deps.Invitations.List(r.Context(), actor, filter)
	if err != nil {
		writeError(w, r, err)
		return
	}
	httputil.WriteSuccess(w, map[string]interface{}{"invitations": list, "limit": limit, "offset": offset})
}

// loadInvitation fetches a visible invitation and authorizes action in its organization.
// Invitations outside the caller's organizations are reported as not found.
func (s *Server) loadInvitation(w http.ResponseWriter, r *http.Request, action rbac.Action) (rbac.Actor, *invitations.Invitation, bool) {
	actor, ok := s.actor(w, r)
	if !ok {
		return actor, nil, false
	}
	id, ok := httputil.ParsePathStringOrError(w, r, "id")
	if !ok {
		return actor, nil, false
	}
	inv, err := s.deps.Invitations.Get(r.Context(), actor, id)
	if err != nil {
		writeError(w, r, err)
		return actor, nil, false
	}
	if _, err := s.authorize(r.Context(), actor, rbac.CategoryInvitation, action, orgOf(inv.OrganizationID)); err != nil {
		writeError(w, r, err)
		return actor, nil, false
	}
	return actor, inv, true
}

func (s *Server) getInvitation(w http.ResponseWriter, r *http.Request) {
	_, inv, ok := s.loadInvitation(w, r, rbac.ActionRead)
	if !ok {
		return
	}
	httputil.WriteSuccess(w, inv)
}

// dispatchInvitation marks the invitation sent and hands back the token for the email
func (s *Server) dispatchInvitation(w http.ResponseWriter, r *http.Request) {
	by, inv, ok := s.loadInvitation(w, r, rbac.ActionWrite)
	if !ok {
		return
	}
	dispatch, err := s.deps.Invitations.Dispatch(r.Context(), by, inv.ID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	httputil.WriteSuccess(w, dispatch)
}

type cancelInvitationRequest struct {
	Reason string `json:"reason"`
}

func (s *Server) cancelInvitation(w http.ResponseWriter, r *http.Request) {
	by, inv, ok := s.loadInvitation(w, r, rbac.ActionWrite)
	if !ok {
		return
	}
	var body cancelInvitationRequest
	if r.ContentLength != 0 && !httputil.ParseJSONOrError(w, r, &body) {
		return
	}
	cancelled, err := s.deps.Invitations.Cancel(r.Context(), by, inv.ID, body.Reason)
	if err != nil {
		writeError(w, r, err)
		return
	}
	httputil.WriteSuccess(w, cancelled)
}

// publicInvitation is what the acceptance page may show about an invitation
type publicInvitation struct {
	Email     string             `json:"email"`
	Type      invitations.Type   `json:"invitation_type"`
	Status    invitations.Status `json:"status"`
	ExpiresAt time.Time          `json:"expires_at"`
}

func (s *Server) resolveInvitation(w http.ResponseWriter, r *http.Request) {
	token, ok := httputil.ParsePathStringOrError(w, r, "token")
	if !ok {
		return
	}
	inv, err := s.deps.Invitations.Resolve(r.Context(), token)
	if err != nil {
		writeError(w, r, err)
		return
	}
	httputil.WriteSuccess(w, publicInvitation{
		Email:     inv.Email,
		Type:      inv.Type,
		Status:    inv.Status,
		ExpiresAt: inv.ExpiresAt,
	})
}

type acceptResponse struct {
	*invitations.AcceptResult
	AccessToken string `json:"access_token,omitempty"`
}

// acceptInvitation completes the invitation. A fresh acceptance also returns a bearer
// token for the new actor when token issuing is configured.
func (s *Server) acceptInvitation(w http.ResponseWriter, r *http.Request) {
	token, ok := httputil.ParsePathStringOrError(w, r, "token")
	if !ok {
		return
	}
	var form invitations.AcceptForm
	if !httputil.ParseJSONOrError(w, r, &form) {
		return
	}

	result, err := s.deps.Invitations.Accept(r.Context(), token, form)
	if err != nil {
		writeError(w, r, err)
		return
	}

	resp := acceptResponse{AcceptResult: result}
	if !result.Replayed && s.deps.AcceptTokenTTL > 0 {
		issued, err := s.deps.Authenticator.Issue(result.Actor, s.deps.AcceptTokenTTL)
		if err != nil {
			observability.FromContext(r.Context()).WithError(err).Warn("failed to issue token for accepted invitation")
		}
		resp.AccessToken = issued
	}

	status := http.StatusCreated
	if result.Replayed {
		status = http.StatusOK
	}
	httputil.WriteJSON(w, status, resp)
}
