package invitations

import (
	"time"

	"github.com/platinummonkey/porter/pkg/rbac"
)

// Status is the lifecycle state of an invitation
type Status string

const (
	StatusPending   Status = "pending"
	StatusSent      Status = "sent"
	StatusOpened    Status = "opened"
	StatusCompleted Status = "completed"
	StatusExpired   Status = "expired"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether no further transition leaves the status
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusExpired || s == StatusCancelled
}

// Type is the kind of actor an invitation onboards
type Type string

const (
	TypeLandlord   Type = "landlord"
	TypeTenant     Type = "tenant"
	TypeVendor     Type = "vendor"
	TypeContractor Type = "contractor"
	TypePMC        Type = "pmc"
	TypeAdmin      Type = "admin"
)

// Onboarding describes what accepting an invitation of a type creates. InviterCategory and
// InviterAction name the permission an inviter needs in the organization before the
// invitation can be created or its token handed out.
type Onboarding struct {
	RoleName        string
	ActorType       rbac.ActorType
	Table           string
	LinkColumn      string
	ProviderKind    string
	InviterCategory rbac.Category
	InviterAction   rbac.Action
}

var onboardings = map[Type]Onboarding{
	TypeLandlord: {
		RoleName: rbac.RoleOwnerLandlord, ActorType: rbac.ActorLandlord, Table: "landlords", LinkColumn: "landlord_id",
		InviterCategory: rbac.CategoryProperty, InviterAction: rbac.ActionManage,
	},
	TypeTenant: {
		RoleName: rbac.RoleTenant, ActorType: rbac.ActorTenant, Table: "tenants", LinkColumn: "tenant_id",
		InviterCategory: rbac.CategoryInvitation, InviterAction: rbac.ActionWrite,
	},
	TypeVendor: {
		RoleName: rbac.RoleVendorServiceProvider, ActorType: rbac.ActorVendor, Table: "service_providers", LinkColumn: "service_provider_id", ProviderKind: "vendor",
		InviterCategory: rbac.CategoryInvitation, InviterAction: rbac.ActionWrite,
	},
	TypeContractor: {
		RoleName: rbac.RoleVendorServiceProvider, ActorType: rbac.ActorVendor, Table: "service_providers", LinkColumn: "service_provider_id", ProviderKind: "contractor",
		InviterCategory: rbac.CategoryInvitation, InviterAction: rbac.ActionWrite,
	},
	// administrative roles are handed out only by actors who may manage users
	TypePMC: {
		RoleName: rbac.RolePMCAdmin, ActorType: rbac.ActorPMC, Table: "pmcs", LinkColumn: "pmc_id",
		InviterCategory: rbac.CategoryUser, InviterAction: rbac.ActionWrite,
	},
	TypeAdmin: {
		RoleName: rbac.RolePropertyManager, ActorType: rbac.ActorAdmin, Table: "administrators", LinkColumn: "admin_id",
		InviterCategory: rbac.CategoryUser, InviterAction: rbac.ActionWrite,
	},
}

// Onboarding returns the record, role and actor type an invitation of t produces
func (t Type) Onboarding() (Onboarding, bool) {
	o, ok := onboardings[t]
	return o, ok
}

// Valid reports whether t is a known invitation type
func (t Type) Valid() bool {
	_, ok := onboardings[t]
	return ok
}

// ApprovalPending is the approval status of every record created by acceptance
const ApprovalPending = "PENDING"

// Invitation is an offer to join an organization with the role its type implies
type Invitation struct {
	ID                string     `json:"id"`
	Token             string     `json:"-"`
	Email             string     `json:"email"`
	Type              Type       `json:"invitation_type"`
	Status            Status     `json:"status"`
	OrganizationID    *string    `json:"organization_id,omitempty"`
	Scope             rbac.Scope `json:"scope"`
	InvitedBy         rbac.Actor `json:"invited_by"`
	InvitedByRole     string     `json:"invited_by_role,omitempty"`
	LandlordID        *string    `json:"landlord_id,omitempty"`
	TenantID          *string    `json:"tenant_id,omitempty"`
	PMCID             *string    `json:"pmc_id,omitempty"`
	ServiceProviderID *string    `json:"service_provider_id,omitempty"`
	AdminID           *string    `json:"admin_id,omitempty"`
	CancelReason      string     `json:"cancel_reason,omitempty"`
	ExpiresAt         time.Time  `json:"expires_at"`
	SentAt            *time.Time `json:"sent_at,omitempty"`
	OpenedAt          *time.Time `json:"opened_at,omitempty"`
	CompletedAt       *time.Time `json:"completed_at,omitempty"`
	CancelledAt       *time.Time `json:"cancelled_at,omitempty"`
	ExpiredAt         *time.Time `json:"expired_at,omitempty"`
	CreatedAt         time.Time  `json:"created_at"`
	UpdatedAt         time.Time  `json:"updated_at"`
}

// EntityID returns the id of the onboarding record linked on acceptance
func (inv *Invitation) EntityID() string {
	var link *string
	switch inv.Type {
	case TypeLandlord:
		link = inv.LandlordID
	case TypeTenant:
		link = inv.TenantID
	case TypeVendor, TypeContractor:
		link = inv.ServiceProviderID
	case TypePMC:
		link = inv.PMCID
	case TypeAdmin:
		link = inv.AdminID
	}
	if link == nil {
		return ""
	}
	return *link
}

// Overdue reports whether a non-terminal invitation is past its expiry at now
func (inv *Invitation) Overdue(now time.Time) bool {
	return !inv.Status.Terminal() && now.After(inv.ExpiresAt)
}

// CreateRequest describes a new invitation
type CreateRequest struct {
	Email          string        `json:"email"`
	Type           Type          `json:"invitation_type"`
	OrganizationID *string       `json:"organization_id"`
	Scope          rbac.Scope    `json:"scope"`
	InvitedByRole  string        `json:"invited_by_role,omitempty"`
	TTL            time.Duration `json:"-"`
}

// Dispatch is handed to the email collaborator
type Dispatch struct {
	InvitationID string    `json:"invitation_id"`
	Email        string    `json:"email"`
	Type         Type      `json:"invitation_type"`
	Token        string    `json:"token"`
	ExpiresAt    time.Time `json:"expires_at"`
}

// AcceptForm is what the invitee submits on the acceptance page
type AcceptForm struct {
	FullName    string `json:"full_name"`
	Phone       string `json:"phone,omitempty"`
	CompanyName string `json:"company_name,omitempty"`
}

// AcceptResult is the outcome of an acceptance. Replayed is set when the invitation was
// already completed and the earlier outcome is returned.
type AcceptResult struct {
	Invitation *Invitation      `json:"invitation"`
	EntityID   string           `json:"entity_id"`
	Actor      rbac.Actor       `json:"actor"`
	Assignment *rbac.Assignment `json:"assignment,omitempty"`
	Replayed   bool             `json:"replayed"`
}

// ListFilter narrows an invitation listing
type ListFilter struct {
	OrganizationID string
	Status         Status
	Limit          int
	Offset         int
}
