package ni

import (
	"fmt"

	"firestige.xyz/dpni/internal/guest"
)

// Opcode is a validated command code.
type Opcode uint8

const (
	OpSendDatagram     Opcode = 1
	OpLoadMulticast    Opcode = 2
	OpLoadProtocols    Opcode = 3
	OpReadCounters     Opcode = 4
	OpDatagramReceived Opcode = 5
	OpReadStationInfo  Opcode = 8
	OpWriteStationInfo Opcode = 9
)

var opcodeNames = map[Opcode]string{
	OpSendDatagram:     "send-datagram",
	OpLoadMulticast:    "load-multicast-table",
	OpLoadProtocols:    "load-protocol-table",
	OpReadCounters:     "read-counters",
	OpDatagramReceived: "datagram-received",
	OpReadStationInfo:  "read-station-info",
	OpWriteStationInfo: "write-station-info",
}

func (o Opcode) String() string {
	if n, ok := opcodeNames[o]; ok {
		return n
	}
	return fmt.Sprintf("opcode(%d)", uint8(o))
}

// ParseCommand validates a command-queue opcode. Datagram-Received is
// produced by the hardware only and is rejected here like any unknown code.
func ParseCommand(code uint8) (Opcode, error) {
	op := Opcode(code)
	if _, ok := opcodeNames[op]; !ok || op == OpDatagramReceived {
		return 0, fmt.Errorf("%w: %d", ErrUnknownOpcode, code)
	}
	return op, nil
}

// Flag bits of the op word.
const (
	FlagResponse      = 0x01
	FlagPad           = 0x02
	FlagChained       = 0x04
	FlagClearCounters = 0x08
)

// Status is the completion code written back into an entry.
type Status uint8

const (
	StatusOK Status = iota
	StatusTooShort
	StatusTooLong
	StatusUnrecognized
	StatusChainMismatch
	StatusBufferTooSmall
	StatusAddressChange
	StatusTransmitFailed
	StatusMemoryFault
)

var statusNames = [...]string{
	StatusOK:             "ok",
	StatusTooShort:       "frame-too-short",
	StatusTooLong:        "frame-too-long",
	StatusUnrecognized:   "unrecognized-command",
	StatusChainMismatch:  "chain-length-mismatch",
	StatusBufferTooSmall: "buffer-too-small",
	StatusAddressChange:  "address-change-rejected",
	StatusTransmitFailed: "transmit-failed",
	StatusMemoryFault:    "memory-fault",
}

func (s Status) String() string {
	if int(s) < len(statusNames) {
		return statusNames[s]
	}
	return fmt.Sprintf("status(%d)", uint8(s))
}

// OpWord is the decoded op word of an entry.
type OpWord struct {
	Code   uint8
	Flags  uint8
	Status Status
	Error  bool
}

const opErrorBit = guest.Word(1) << 24

// DecodeOpWord splits w into its fields.
func DecodeOpWord(w guest.Word) OpWord {
	return OpWord{
		Code:   uint8(w),
		Flags:  uint8(w >> 8),
		Status: Status(w >> 16),
		Error:  w&opErrorBit != 0,
	}
}

// Encode packs the fields back into a word.
func (o OpWord) Encode() guest.Word {
	w := guest.Word(o.Code) | guest.Word(o.Flags)<<8 | guest.Word(o.Status)<<16
	if o.Error {
		w |= opErrorBit
	}
	return w
}

// Has reports whether every bit of flag is set.
func (o OpWord) Has(flag uint8) bool {
	return o.Flags&flag == flag
}
