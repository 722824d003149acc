package audit

import (
	"encoding/json"
	"time"
)

// Action verbs written by this service
const (
	ActionSystemRolesSeeded   = "SYSTEM_ROLES_SEEDED"
	ActionCatalogApplied      = "CATALOG_APPLIED"
	ActionRoleCreated         = "ROLE_CREATED"
	ActionRoleDeleted         = "ROLE_DELETED"
	ActionRoleDeactivated     = "ROLE_DEACTIVATED"
	ActionRoleActivated       = "ROLE_ACTIVATED"
	ActionPermissionGranted   = "PERMISSION_GRANTED"
	ActionPermissionRevoked   = "PERMISSION_REVOKED"
	ActionRoleAssigned        = "ROLE_ASSIGNED"
	ActionRoleRevoked         = "ROLE_REVOKED"
	ActionInvitationCreated   = "INVITATION_CREATED"
	ActionInvitationSent      = "INVITATION_SENT"
	ActionInvitationOpened    = "INVITATION_OPENED"
	ActionInvitationAccepted  = "INVITATION_ACCEPTED"
	ActionInvitationCancelled = "INVITATION_CANCELLED"
	ActionInvitationExpired   = "INVITATION_EXPIRED"
	ActionCrossTenantDenied   = "CROSS_TENANT_ACCESS_DENIED"
)

// Entity types
const (
	EntityRole         = "role"
	EntityCatalog      = "catalog"
	EntityAssignment   = "user_role_assignment"
	EntityInvitation   = "invitation"
	EntityOrganization = "organization"
)

// Entry is one row of audit_log_entries.
//
// Before and After are snapshots marshalled to JSON on write. Entries read back from the
// database carry json.RawMessage values.
type Entry struct {
	ID             string    `json:"id"`
	OrganizationID *string   `json:"organization_id,omitempty"`
	ActorID        string    `json:"actor_id"`
	ActorType      string    `json:"actor_type"`
	Action         string    `json:"action"`
	EntityType     string    `json:"entity_type"`
	EntityID       string    `json:"entity_id,omitempty"`
	Before         any       `json:"before_state,omitempty"`
	After          any       `json:"after_state,omitempty"`
	ChangedFields  []string  `json:"changed_fields"`
	Success        bool      `json:"success"`
	ErrorMessage   string    `json:"error_message,omitempty"`
	RequestID      string    `json:"request_id,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

// Columns lists the audit_log_entries columns in the order ScanEntries expects
var Columns = []string{
	"id", "organization_id", "actor_id", "actor_type", "action", "entity_type", "entity_id",
	"before_state", "after_state", "changed_fields", "success", "error_message", "request_id",
	"created_at",
}

func rawSnapshot(s string) any {
	if s == "" {
		return nil
	}
	return json.RawMessage(s)
}
