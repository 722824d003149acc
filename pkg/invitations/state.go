package invitations

import "fmt"

type event string

const (
	eventDispatch event = "dispatch"
	eventOpen     event = "open"
	eventAccept   event = "accept"
	eventCancel   event = "cancel"
	eventExpire   event = "expire"
)

// transitions lists every legal move. Dispatching a sent invitation is a resend.
var transitions = map[Status]map[event]Status{
	StatusPending: {
		eventDispatch: StatusSent,
		eventCancel:   StatusCancelled,
		eventExpire:   StatusExpired,
	},
	StatusSent: {
		eventDispatch: StatusSent,
		eventOpen:     StatusOpened,
		eventCancel:   StatusCancelled,
		eventExpire:   StatusExpired,
	},
	StatusOpened: {
		eventAccept: StatusCompleted,
		eventCancel: StatusCancelled,
		eventExpire: StatusExpired,
	},
}

// next returns the status reached from from by ev. Terminal states report their own
// error so callers can surface why the invitation is unusable.
func next(from Status, ev event) (Status, error) {
	if to, ok := transitions[from][ev]; ok {
		return to, nil
	}
	if err := statusError(from); err != nil {
		return "", err
	}
	return "", fmt.Errorf("%w: cannot %s a %s invitation", ErrInvalidTransition, ev, from)
}

func statusError(s Status) error {
	switch s {
	case StatusCompleted:
		return ErrInvitationAlreadyCompleted
	case StatusExpired:
		return ErrInvitationExpired
	case StatusCancelled:
		return ErrInvitationCancelled
	}
	return nil
}
