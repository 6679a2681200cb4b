package ni

import "firestige.xyz/dpni/internal/guest"

// Register selects one of the controller's two device registers.
type Register int

const (
	RegCSR Register = iota
	RegPCB
)

// CSR write bits.
const (
	CSRReset          = 1 << 0
	CSRStart          = 1 << 1
	CSREnable         = 1 << 2
	CSRDisable        = 1 << 3
	CSRCommandAvail   = 1 << 4
	CSRClearRespAvail = 1 << 5
)

// CSR read bits. The state occupies the low two bits.
const (
	CSRStateMask       = 0x3
	CSRCommandsPending = 1 << 4
	CSRResponseAvail   = 1 << 5
	CSRError           = 1 << 6
)

// PI level field, read and write.
const (
	csrPIShift = 8
	csrPIMask  = 0x7
)

// ReadRegister is the register-read hook for the outer emulator.
func (c *Controller) ReadRegister(r Register) guest.Word {
	switch r {
	case RegCSR:
		w := guest.Word(c.state) & CSRStateMask
		if c.cmdPending {
			w |= CSRCommandsPending
		}
		if c.respAvail {
			w |= CSRResponseAvail
		}
		if c.fault {
			w |= CSRError
		}
		return w | guest.Word(c.pi)<<csrPIShift
	case RegPCB:
		return guest.Word(c.pcb)
	}
	return 0
}

// WriteRegister is the register-write hook for the outer emulator. Every
// CSR write also loads the PI level.
func (c *Controller) WriteRegister(r Register, v guest.Word) {
	switch r {
	case RegPCB:
		c.pcb = guest.AddrOf(v)
		return
	case RegCSR:
	default:
		return
	}

	c.pi = int(v>>csrPIShift) & csrPIMask
	if v&CSRReset != 0 {
		c.reset()
		return
	}
	if v&CSRStart != 0 {
		c.start()
	}
	if v&CSREnable != 0 {
		c.enable()
	}
	if v&CSRDisable != 0 {
		c.disable()
	}
	if v&CSRClearRespAvail != 0 {
		c.respAvail = false
	}
	if v&CSRCommandAvail != 0 && c.state == StateEnabled {
		c.cmdPending = true
		c.processCommands()
	}
	c.updateInterrupt()
}
