package guest

import "errors"

var (
	// ErrBadPointer is a structural fault: a queue link or header address
	// points outside guest memory or at an impossible location.
	ErrBadPointer = errors.New("dpni: guest queue pointer invalid")
	// ErrQueueCorrupt means a traversal did not return to the header.
	ErrQueueCorrupt = errors.New("dpni: guest queue corrupt")
	// ErrPendingBusy means the single deferred-relink slot is already in use.
	ErrPendingBusy = errors.New("dpni: deferred relink already pending")
)
