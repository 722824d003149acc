package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/platinummonkey/porter/pkg/invitations"
	"github.com/platinummonkey/porter/pkg/rbac"
	"github.com/platinummonkey/porter/pkg/tenancy"
)

func TestStatusFor(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
		code   string
		known  bool
	}{
		{"cross tenant", &tenancy.CrossTenantError{RequestedOrganizationID: "org-2"}, http.StatusForbidden, "forbidden", true},
		{"forbidden", errPlatformOnly, http.StatusForbidden, "forbidden", true},
		{"unknown invitation", invitations.ErrInvitationNotFound, http.StatusNotFound, "invitation_not_found", true},
		{"expired invitation", invitations.ErrInvitationExpired, http.StatusGone, "invitation_expired", true},
		{"cancelled invitation", invitations.ErrInvitationCancelled, http.StatusGone, "invitation_cancelled", true},
		{"used invitation", invitations.ErrInvitationAlreadyCompleted, http.StatusConflict, "invitation_used", true},
		{"wrapped input", fmt.Errorf("%w: bad email", rbac.ErrInvalidInput), http.StatusBadRequest, "invalid_input", true},
		{"system role", rbac.ErrSystemRole, http.StatusBadRequest, "system_role", true},
		{"duplicate role", rbac.ErrDuplicateRole, http.StatusConflict, "duplicate_role", true},
		{"role in use", rbac.ErrRoleInUse, http.StatusConflict, "role_in_use", true},
		{"missing role", rbac.ErrRoleNotFound, http.StatusNotFound, "role_not_found", true},
		{"missing assignment", rbac.ErrAssignmentNotFound, http.StatusNotFound, "assignment_not_found", true},
		{"unexpected", errors.New("disk on fire"), http.StatusInternalServerError, "internal", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, code, message, known := statusFor(tt.err)
			assert.Equal(t, tt.status, status)
			assert.Equal(t, tt.code, code)
			assert.Equal(t, tt.known, known)
			assert.NotEmpty(t, message)
		})
	}
}

func TestStatusFor_DenialsHideDetails(t *testing.T) {
	err := fmt.Errorf("%w: pm-1 may not DELETE ROLE:*", tenancy.ErrForbidden)
	_, _, message, _ := statusFor(err)
	assert.Equal(t, "access denied", message)
}

func TestWriteError_HidesUnexpectedErrors(t *testing.T) {
	for _, err := range []error{errors.New("pq: relation missing"), context.Canceled} {
		rec := httptest.NewRecorder()
		writeError(rec, httptest.NewRequest(http.MethodGet, "/v1/roles", nil), err)

		assert.Equal(t, http.StatusInternalServerError, rec.Code)
		assert.NotContains(t, rec.Body.String(), "pq:")
		assert.Contains(t, rec.Body.String(), `"code":"internal"`)
	}
}
