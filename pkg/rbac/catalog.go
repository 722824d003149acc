package rbac

import (
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"
)

// RoleDefinition describes a role and the permissions it grants by default
type RoleDefinition struct {
	Name           string       `yaml:"name"`
	DisplayName    string       `yaml:"display_name"`
	Description    string       `yaml:"description"`
	OrganizationID *string      `yaml:"organization_id"`
	IsPlatform     bool         `yaml:"-"`
	Permissions    []Permission `yaml:"permissions"`
}

func manage(categories ...Category) []Permission {
	return grant(ActionManage, categories...)
}

func grant(action Action, categories ...Category) []Permission {
	perms := make([]Permission, 0, len(categories))
	for _, c := range categories {
		perms = append(perms, Permission{Category: c, Resource: WildcardResource, Action: action})
	}
	return perms
}

func concat(groups ...[]Permission) []Permission {
	var out []Permission
	for _, g := range groups {
		out = append(out, g...)
	}
	return out
}

// SystemRoles returns the platform-seeded roles. SUPER_ADMIN carries no rows: the
// resolver allows it before looking at permissions.
func SystemRoles() []RoleDefinition {
	return []RoleDefinition{
		{
			Name:        RoleSuperAdmin,
			DisplayName: "Super Administrator",
			Description: "Unrestricted platform access",
			IsPlatform:  true,
		},
		{
			Name:        RolePlatformAdmin,
			DisplayName: "Platform Administrator",
			Description: "Operates the platform across organizations",
			IsPlatform:  true,
			Permissions: concat(
				manage(CategoryOrganization, CategoryUser, CategoryRole, CategoryInvitation, CategoryAudit, CategoryReport),
				grant(ActionRead, CategoryProperty, CategoryLease, CategoryWorkOrder, CategoryTenant,
					CategoryDocument, CategoryPayment, CategoryVendor),
			),
		},
		{
			Name:        RolePMCAdmin,
			DisplayName: "PMC Administrator",
			Description: "Administers a property management company",
			Permissions: concat(
				manage(CategoryProperty, CategoryLease, CategoryWorkOrder, CategoryTenant, CategoryDocument,
					CategoryPayment, CategoryVendor, CategoryUser, CategoryRole, CategoryInvitation, CategoryReport),
				grant(ActionRead, CategoryOrganization, CategoryAudit),
			),
		},
		{
			Name:        RolePropertyManager,
			DisplayName: "Property Manager",
			Description: "Manages properties, leases and maintenance",
			Permissions: concat(
				manage(CategoryProperty, CategoryLease, CategoryWorkOrder, CategoryTenant),
				grant(ActionRead, CategoryDocument, CategoryPayment, CategoryVendor, CategoryInvitation, CategoryReport),
				grant(ActionWrite, CategoryDocument, CategoryInvitation),
			),
		},
		{
			Name:        RoleOwnerLandlord,
			DisplayName: "Owner / Landlord",
			Description: "Owns properties managed on the platform",
			Permissions: concat(
				grant(ActionRead, CategoryProperty, CategoryLease, CategoryWorkOrder, CategoryTenant,
					CategoryDocument, CategoryPayment, CategoryReport, CategoryInvitation),
				grant(ActionWrite, CategoryWorkOrder, CategoryInvitation),
			),
		},
		{
			Name:        RoleTenant,
			DisplayName: "Tenant",
			Description: "Rents a unit",
			Permissions: concat(
				grant(ActionRead, CategoryProperty, CategoryLease, CategoryWorkOrder, CategoryDocument, CategoryPayment),
				grant(ActionWrite, CategoryWorkOrder, CategoryPayment),
			),
		},
		{
			Name:        RoleVendorServiceProvider,
			DisplayName: "Vendor / Service Provider",
			Description: "Performs work orders",
			Permissions: concat(
				grant(ActionRead, CategoryProperty, CategoryWorkOrder, CategoryDocument),
				grant(ActionWrite, CategoryWorkOrder, CategoryDocument),
			),
		},
	}
}

// IsSystemRoleName reports whether name is reserved for a system role
func IsSystemRoleName(name string) bool {
	for _, def := range SystemRoles() {
		if def.Name == name {
			return true
		}
	}
	return false
}

// Catalog is a file of custom role definitions applied with Store.ApplyCatalog
type Catalog struct {
	Roles []RoleDefinition `yaml:"roles"`
}

// LoadCatalog decodes and validates a YAML catalog
func LoadCatalog(r io.Reader) (*Catalog, error) {
	var catalog Catalog
	decoder := yaml.NewDecoder(r)
	decoder.KnownFields(true)
	if err := decoder.Decode(&catalog); err != nil && err != io.EOF {
		return nil, fmt.Errorf("failed to parse catalog: %w", err)
	}
	if err := catalog.Validate(); err != nil {
		return nil, err
	}
	return &catalog, nil
}

// LoadCatalogFile reads a catalog from path
func LoadCatalogFile(path string) (*Catalog, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open catalog: %w", err)
	}
	defer f.Close()
	return LoadCatalog(f)
}

// Validate normalizes role names and rejects system names, duplicates and bad permissions
func (c *Catalog) Validate() error {
	seen := make(map[string]bool)
	for i := range c.Roles {
		def := &c.Roles[i]
		name, err := NormalizeRoleName(def.Name)
		if err != nil {
			return err
		}
		if IsSystemRoleName(name) {
			return fmt.Errorf("%w: %s is a system role", ErrDuplicateRole, name)
		}
		if seen[name] {
			return fmt.Errorf("%w: %s is defined twice", ErrDuplicateRole, name)
		}
		seen[name] = true
		def.Name = name
		if def.DisplayName == "" {
			def.DisplayName = name
		}
		for _, p := range def.Permissions {
			if err := p.Validate(); err != nil {
				return fmt.Errorf("role %s: %w", name, err)
			}
		}
	}
	return nil
}
