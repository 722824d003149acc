package rbac

import (
	"fmt"
	"regexp"
	"strings"
	"time"
)

// ActorType identifies the kind of identity holding roles
type ActorType string

const (
	ActorAdmin    ActorType = "ADMIN"
	ActorLandlord ActorType = "LANDLORD"
	ActorTenant   ActorType = "TENANT"
	ActorPMC      ActorType = "PMC"
	ActorVendor   ActorType = "VENDOR"
)

// Valid reports whether t is a known actor type
func (t ActorType) Valid() bool {
	switch t {
	case ActorAdmin, ActorLandlord, ActorTenant, ActorPMC, ActorVendor:
		return true
	}
	return false
}

// Actor is an identity that can be granted roles. Every resolver and guard call takes
// the actor explicitly.
type Actor struct {
	ID   string    `json:"actor_id"`
	Type ActorType `json:"actor_type"`
}

// SystemActor attributes bootstrap work such as seeding to the service itself
var SystemActor = Actor{ID: "system", Type: ActorAdmin}

func (a Actor) String() string {
	return string(a.Type) + ":" + a.ID
}

// Validate checks that the actor is fully identified
func (a Actor) Validate() error {
	if strings.TrimSpace(a.ID) == "" {
		return fmt.Errorf("%w: actor id is required", ErrInvalidInput)
	}
	if !a.Type.Valid() {
		return fmt.Errorf("%w: unknown actor type %q", ErrInvalidInput, a.Type)
	}
	return nil
}

// Category is the closed set of resource categories permissions apply to
type Category string

const (
	CategoryProperty     Category = "PROPERTY"
	CategoryLease        Category = "LEASE"
	CategoryWorkOrder    Category = "WORK_ORDER"
	CategoryTenant       Category = "TENANT"
	CategoryDocument     Category = "DOCUMENT"
	CategoryPayment      Category = "PAYMENT"
	CategoryVendor       Category = "VENDOR"
	CategoryUser         Category = "USER"
	CategoryRole         Category = "ROLE"
	CategoryInvitation   Category = "INVITATION"
	CategoryOrganization Category = "ORGANIZATION"
	CategoryAudit        Category = "AUDIT"
	CategoryReport       Category = "REPORT"
)

// Categories lists every category
var Categories = []Category{
	CategoryProperty, CategoryLease, CategoryWorkOrder, CategoryTenant, CategoryDocument,
	CategoryPayment, CategoryVendor, CategoryUser, CategoryRole, CategoryInvitation,
	CategoryOrganization, CategoryAudit, CategoryReport,
}

// Valid reports whether c is a known category
func (c Category) Valid() bool {
	for _, known := range Categories {
		if c == known {
			return true
		}
	}
	return false
}

// Action is an operation on a resource
type Action string

const (
	ActionRead   Action = "READ"
	ActionWrite  Action = "WRITE"
	ActionDelete Action = "DELETE"
	ActionManage Action = "MANAGE"
)

// Valid reports whether a is a known action
func (a Action) Valid() bool {
	switch a {
	case ActionRead, ActionWrite, ActionDelete, ActionManage:
		return true
	}
	return false
}

// Satisfies reports whether holding a grants the requested action. MANAGE implies
// READ, WRITE and DELETE.
func (a Action) Satisfies(requested Action) bool {
	return a == requested || a == ActionManage
}

// WildcardResource matches any resource in a category
const WildcardResource = "*"

// Permission is a (category, resource, action) triple
type Permission struct {
	Category Category `json:"category" yaml:"category"`
	Resource string   `json:"resource" yaml:"resource"`
	Action   Action   `json:"action" yaml:"action"`
}

// String returns a string representation of the permission
func (p Permission) String() string {
	return string(p.Category) + ":" + p.Resource + ":" + string(p.Action)
}

// Validate checks the triple against the closed enums
func (p Permission) Validate() error {
	if !p.Category.Valid() {
		return fmt.Errorf("%w: unknown category %q", ErrInvalidInput, p.Category)
	}
	if !p.Action.Valid() {
		return fmt.Errorf("%w: unknown action %q", ErrInvalidInput, p.Action)
	}
	if strings.TrimSpace(p.Resource) == "" {
		return fmt.Errorf("%w: permission resource is required", ErrInvalidInput)
	}
	return nil
}

// Grants reports whether p satisfies a check for (category, resource, action)
func (p Permission) Grants(category Category, resource string, action Action) bool {
	return p.Category == category &&
		p.Action.Satisfies(action) &&
		(p.Resource == WildcardResource || p.Resource == resource)
}

// Scope is the closed set of fine scope dimensions an assignment may be bounded to.
// Empty fields are unbounded.
type Scope struct {
	PMCID      string `json:"pmc_id,omitempty" yaml:"pmc_id"`
	LandlordID string `json:"landlord_id,omitempty" yaml:"landlord_id"`
	PropertyID string `json:"property_id,omitempty" yaml:"property_id"`
}

// IsZero reports whether no dimension is bounded
func (s Scope) IsZero() bool {
	return s == Scope{}
}

// Covers reports whether an assignment bounded to s applies to a check naming target.
// A dimension only restricts when both sides name it.
func (s Scope) Covers(target Scope) bool {
	return dimensionCovers(s.PMCID, target.PMCID) &&
		dimensionCovers(s.LandlordID, target.LandlordID) &&
		dimensionCovers(s.PropertyID, target.PropertyID)
}

func dimensionCovers(bound, requested string) bool {
	return bound == "" || requested == "" || bound == requested
}

// System role names
const (
	RoleSuperAdmin            = "SUPER_ADMIN"
	RolePlatformAdmin         = "PLATFORM_ADMIN"
	RolePMCAdmin              = "PMC_ADMIN"
	RolePropertyManager       = "PROPERTY_MANAGER"
	RoleOwnerLandlord         = "OWNER_LANDLORD"
	RoleTenant                = "TENANT"
	RoleVendorServiceProvider = "VENDOR_SERVICE_PROVIDER"
)

var roleNamePattern = regexp.MustCompile(`^[A-Z][A-Z0-9_]{1,63}$`)

// NormalizeRoleName upper-cases name and checks it against the role name pattern
func NormalizeRoleName(name string) (string, error) {
	normalized := strings.ToUpper(strings.TrimSpace(name))
	if !roleNamePattern.MatchString(normalized) {
		return "", fmt.Errorf("%w: invalid role name %q", ErrInvalidInput, name)
	}
	return normalized, nil
}

// Role is a named set of permissions
type Role struct {
	ID             string       `json:"id"`
	Name           string       `json:"name"`
	DisplayName    string       `json:"display_name"`
	Description    string       `json:"description"`
	OrganizationID *string      `json:"organization_id,omitempty"` // owning organization of a custom role
	IsSystem       bool         `json:"is_system"`
	IsPlatform     bool         `json:"is_platform"`
	IsActive       bool         `json:"is_active"`
	Permissions    []Permission `json:"permissions"`
	CreatedBy      string       `json:"created_by,omitempty"`
	CreatedAt      time.Time    `json:"created_at"`
	UpdatedAt      time.Time    `json:"updated_at"`
}

// RoleRef is the role metadata carried by an assignment
type RoleRef struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	DisplayName string `json:"display_name"`
	IsSystem    bool   `json:"is_system"`
	IsPlatform  bool   `json:"is_platform"`
	IsActive    bool   `json:"is_active"`
}

// Assignment binds an actor to a role, optionally within an organization and a finer scope
type Assignment struct {
	ID             string     `json:"id"`
	Actor          Actor      `json:"actor"`
	Role           RoleRef    `json:"role"`
	OrganizationID *string    `json:"organization_id,omitempty"`
	Scope          Scope      `json:"scope"`
	IsActive       bool       `json:"is_active"`
	AssignedAt     time.Time  `json:"assigned_at"`
	AssignedBy     string     `json:"assigned_by,omitempty"`
	RevokedAt      *time.Time `json:"revoked_at,omitempty"`
	RevokedBy      string     `json:"revoked_by,omitempty"`
}

// CustomRoleRequest defines a custom role
type CustomRoleRequest struct {
	Name           string       `json:"name"`
	DisplayName    string       `json:"display_name"`
	Description    string       `json:"description"`
	OrganizationID *string      `json:"organization_id,omitempty"`
	Permissions    []Permission `json:"permissions"`
}

// AssignRequest grants a role to an actor
type AssignRequest struct {
	Actor          Actor   `json:"actor"`
	RoleName       string  `json:"role"`
	OrganizationID *string `json:"organization_id,omitempty"`
	Scope          Scope   `json:"scope"`
}

// RevokeRequest deactivates an assignment
type RevokeRequest struct {
	Actor          Actor   `json:"actor"`
	RoleName       string  `json:"role"`
	OrganizationID *string `json:"organization_id,omitempty"`
}

// RemovalOutcome reports what RemoveRole did
type RemovalOutcome string

const (
	RoleDeleted     RemovalOutcome = "deleted"
	RoleDeactivated RemovalOutcome = "deactivated"
)

// SeedResult counts the changes made by SeedSystemRoles
type SeedResult struct {
	RolesCreated int `json:"roles_created"`
	RolesUpdated int `json:"roles_updated"`
	GrantsAdded  int `json:"grants_added"`
}

// Changed reports whether seeding modified anything
func (r SeedResult) Changed() bool {
	return r.RolesCreated+r.RolesUpdated+r.GrantsAdded > 0
}

// Check is one permission question
type Check struct {
	Actor          Actor    `json:"actor"`
	Category       Category `json:"category"`
	Resource       string   `json:"resource"`
	Action         Action   `json:"action"`
	OrganizationID string   `json:"organization_id,omitempty"`
	Scope          Scope    `json:"scope"`
}

// Validate rejects malformed checks
func (c Check) Validate() error {
	if err := c.Actor.Validate(); err != nil {
		return err
	}
	return Permission{Category: c.Category, Resource: c.Resource, Action: c.Action}.Validate()
}

// Decision explains the outcome of a check
type Decision struct {
	Allowed      bool        `json:"allowed"`
	Reason       string      `json:"reason"`
	Role         string      `json:"role,omitempty"`
	AssignmentID string      `json:"assignment_id,omitempty"`
	Permission   *Permission `json:"permission,omitempty"`
}
