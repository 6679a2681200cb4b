package ni

import "errors"

var (
	// ErrUnknownOpcode is returned by ParseCommand.
	ErrUnknownOpcode = errors.New("dpni: unrecognized command opcode")
	// ErrBadControlBlock means the PCB or an address derived from it lies
	// outside guest memory.
	ErrBadControlBlock = errors.New("dpni: control block address invalid")
)
