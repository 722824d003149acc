package rbac

import "errors"

var (
	// ErrDuplicateRole is returned when a role name is already taken, in any organization
	ErrDuplicateRole = errors.New("role already exists")
	// ErrRoleInUse is returned when removing a role that active assignments reference
	ErrRoleInUse = errors.New("role is assigned")
	// ErrRoleNotFound is returned when a role name does not resolve to an active role
	ErrRoleNotFound = errors.New("role not found")
	// ErrSystemRole is returned when removing or editing a system role
	ErrSystemRole = errors.New("system roles cannot be modified")
	// ErrAssignmentNotFound is returned when revoking an assignment that is not active
	ErrAssignmentNotFound = errors.New("assignment not found")
	// ErrAssignmentConflict is returned when an assignment would move an active role out
	// of the organization that holds it
	ErrAssignmentConflict = errors.New("assignment belongs to another organization")
	// ErrInvalidInput wraps every validation failure
	ErrInvalidInput = errors.New("invalid input")
)
