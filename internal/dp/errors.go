package dp

import "errors"

var (
	// ErrLayout is returned for an inconsistent segment layout. Callers treat
	// it as a fatal configuration error.
	ErrLayout = errors.New("dpni: inconsistent segment layout")
	// ErrBadMagic means the attached segment was not created by this program.
	ErrBadMagic = errors.New("dpni: segment magic mismatch")
	// ErrVersionMismatch means the segment format differs; there is no
	// negotiation.
	ErrVersionMismatch = errors.New("dpni: segment version mismatch")

	// ErrBusy is returned by Send while the previous message is still in flight.
	ErrBusy = errors.New("dpni: channel busy")
	// ErrNotReady is returned by Done when no message is held.
	ErrNotReady = errors.New("dpni: no message ready")
	// ErrWrongSide is returned when the receiving side sends or vice versa.
	ErrWrongSide = errors.New("dpni: operation not permitted on this side of the channel")
	// ErrTooLarge is returned when a message does not fit the channel buffer.
	ErrTooLarge = errors.New("dpni: message larger than channel buffer")
	// ErrPeerGone means the remote process no longer exists.
	ErrPeerGone = errors.New("dpni: peer process gone")
)
