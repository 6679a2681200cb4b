package ni

import "firestige.xyz/dpni/internal/guest"

// Control Block offsets.
const (
	PCBCommandQueue   = 0
	PCBResponseQueue  = 4
	PCBUnknownQueue   = 8
	PCBProtocolTable  = 12
	PCBMulticastTable = 13
	PCBCounters       = 14
	PCBWords          = 15
)

// Datagram entry payload offsets, relative to the entry.
const (
	DgTextLen  = guest.EntPayload + 0
	DgProtocol = guest.EntPayload + 1
	DgDest     = guest.EntPayload + 2 // two words
	DgSource   = guest.EntPayload + 4 // two words
	DgBSD      = guest.EntPayload + 6 // chained send: first BSD address
	DgCapacity = guest.EntPayload + 6 // receive: buffer capacity in bytes
	DgData     = guest.EntPayload + 7
)

// Buffer segment descriptor offsets.
const (
	BSDNext   = 0
	BSDData   = 1
	BSDLength = 2
	BSDWords  = 3
)

// Protocol Type Table geometry.
const (
	PTTStride    = 3
	PTTProtocol  = 0
	PTTFreeQueue = 1
	pttEnable    = guest.Word(1) << 35
)

// Multicast Table geometry.
const (
	MCATStride = 2
	mcatEnable = guest.Word(1)
)

// Station info entry offsets and mode flags.
const (
	SIAddress = guest.EntPayload + 0 // two words
	SIFlags   = guest.EntPayload + 2
	SIPTTCap  = guest.EntPayload + 3
	SIMCATCap = guest.EntPayload + 4

	SIFlagPromisc  = 1
	SIFlagAllMulti = 2
)

// CountersLength is where Read-Counters stores the number of words written.
const CountersLength = guest.EntPayload

// Ethernet sizes.
const (
	HeaderLen  = 14
	MinPayload = 46
	MaxPayload = 1500
	MinFrame   = HeaderLen + MinPayload
	padCount   = 2
	// maxChain bounds a BSD walk so a cyclic chain cannot spin forever.
	maxChain = 64
)

// PTTEntry encodes a Protocol Type Table entry the way guest software
// writes it. The identifier is stored byte-swapped.
func PTTEntry(protocol uint16, freeQueue guest.Addr, enabled bool) (guest.Word, guest.Word) {
	w := guest.Word(protocol>>8 | protocol<<8)
	if enabled {
		w |= pttEnable
	}
	return w, guest.Word(freeQueue)
}

// MCATEntry encodes a Multicast Table entry.
func MCATEntry(addr [6]byte, enabled bool) (guest.Word, guest.Word) {
	lo := guest.PackWord(addr[4:6])
	if enabled {
		lo |= mcatEnable
	}
	return guest.PackWord(addr[0:4]), lo
}
