package tenancy

import (
	"errors"
	"fmt"
	"strings"

	"github.com/platinummonkey/porter/pkg/rbac"
)

var (
	// ErrCrossTenantAccess is matched by every *CrossTenantError
	ErrCrossTenantAccess = errors.New("cross-tenant access denied")

	// ErrForbidden is returned by Authorize when the actor lacks the permission
	ErrForbidden = errors.New("forbidden")
)

// CrossTenantError reports an actor reaching for an organization it does not belong to
type CrossTenantError struct {
	Actor                   rbac.Actor
	RequestedOrganizationID string
	OrganizationIDs         []string
}

func (e *CrossTenantError) Error() string {
	return fmt.Sprintf("cross-tenant access denied: %s requested organization %q outside [%s]",
		e.Actor, e.RequestedOrganizationID, strings.Join(e.OrganizationIDs, ", "))
}

// Is makes errors.Is(err, ErrCrossTenantAccess) hold
func (e *CrossTenantError) Is(target error) bool {
	return target == ErrCrossTenantAccess
}
