package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/platinummonkey/porter/pkg/httputil"
	"github.com/platinummonkey/porter/pkg/invitations"
	"github.com/platinummonkey/porter/pkg/observability"
	"github.com/platinummonkey/porter/pkg/rbac"
	"github.com/platinummonkey/porter/pkg/tenancy"
)

// errorMapping turns a sentinel into a status, code and the message shown to the client.
// An empty message means the error text itself is shown.
type errorMapping struct {
	target  error
	status  int
	code    string
	message string
}

// Denials come first so a wrapped forbidden never leaks through a broader match.
var errorMappings = []errorMapping{
	{tenancy.ErrCrossTenantAccess, http.StatusForbidden, "forbidden", "access denied"},
	{tenancy.ErrForbidden, http.StatusForbidden, "forbidden", "access denied"},
	{rbac.ErrAssignmentConflict, http.StatusForbidden, "forbidden", "access denied"},

	{invitations.ErrInvitationNotFound, http.StatusNotFound, "invitation_not_found", "This invitation link is not valid."},
	{invitations.ErrInvitationExpired, http.StatusGone, "invitation_expired", "This invitation has expired. Ask for a new one."},
	{invitations.ErrInvitationCancelled, http.StatusGone, "invitation_cancelled", "This invitation was cancelled."},
	{invitations.ErrInvitationAlreadyCompleted, http.StatusConflict, "invitation_used", "This invitation has already been used."},
	{invitations.ErrInvalidTransition, http.StatusConflict, "invalid_transition", ""},

	{rbac.ErrInvalidInput, http.StatusBadRequest, "invalid_input", ""},
	{rbac.ErrSystemRole, http.StatusBadRequest, "system_role", ""},
	{rbac.ErrDuplicateRole, http.StatusConflict, "duplicate_role", ""},
	{rbac.ErrRoleInUse, http.StatusConflict, "role_in_use", ""},
	{rbac.ErrRoleNotFound, http.StatusNotFound, "role_not_found", ""},
	{rbac.ErrAssignmentNotFound, http.StatusNotFound, "assignment_not_found", ""},
}

// statusFor reports how err is presented. ok is false for unexpected errors.
func statusFor(err error) (status int, code, message string, ok bool) {
	for _, m := range errorMappings {
		if errors.Is(err, m.target) {
			message = m.message
			if message == "" {
				message = err.Error()
			}
			return m.status, m.code, message, true
		}
	}
	return http.StatusInternalServerError, "internal", "internal server error", false
}

// writeError maps err onto the response. Unexpected errors are logged and reported as
// a bare 500.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, code, message, ok := statusFor(err)
	if !ok {
		if errors.Is(err, context.Canceled) {
			observability.FromContext(r.Context()).WithError(err).Info("client went away")
		} else {
			observability.FromContext(r.Context()).WithError(err).
				WithField("path", r.URL.Path).
				Error("request failed")
		}
		httputil.WriteInternalError(w)
		return
	}
	httputil.WriteErrorCode(w, status, code, message)
}

// errPlatformOnly is wrapped into ErrForbidden when an organization-less operation is
// attempted by an actor bound to organizations
var errPlatformOnly = fmt.Errorf("%w: operation requires a platform role", tenancy.ErrForbidden)
