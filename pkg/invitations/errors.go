package invitations

import "errors"

var (
	ErrInvitationNotFound         = errors.New("invitation not found")
	ErrInvitationExpired          = errors.New("invitation has expired")
	ErrInvitationAlreadyCompleted = errors.New("invitation has already been accepted")
	ErrInvitationCancelled        = errors.New("invitation has been cancelled")
	ErrInvalidTransition          = errors.New("invalid invitation transition")
)

// errStatusChanged reports a lost compare-and-set: the invitation left the status the
// caller read before its update ran
var errStatusChanged = errors.New("invitation status changed concurrently")
