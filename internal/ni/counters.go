package ni

import (
	"firestige.xyz/dpni/internal/config"
	"firestige.xyz/dpni/internal/guest"
)

// Fixed counter indexes.
const (
	CtrSeconds = iota
	CtrBytesReceived
	CtrBytesSent
	CtrFramesReceived
	CtrFramesSent
	CtrMulticastBytesReceived
	CtrMulticastFramesReceived
	CtrMulticastBytesSent
	CtrMulticastFramesSent
	CtrSendFailures
	CtrReceiveTruncated
	CtrUnrecognizedDestination
	CtrOversizedFrames
	CtrEchoesSuppressed
	CtrCommandErrors
	CtrDeferrals
	NumFixedCounters
)

// Counters is the statistics block copied to the guest by Read-Counters.
type Counters struct {
	Fixed   [NumFixedCounters]uint64
	Discard [config.MaxProtocolEntries]uint64
	Unknown uint64
}

// Words returns the number of guest words the block occupies with nptt
// protocol slots.
func (c *Counters) Words(nptt int) int {
	return NumFixedCounters + nptt + 1
}

func clamp(v uint64) guest.Word {
	if v > uint64(guest.WordMask) {
		return guest.WordMask
	}
	return guest.Word(v)
}

// store writes the block at a.
func (c *Counters) store(mem guest.Memory, a guest.Addr, nptt int) {
	for i, v := range c.Fixed {
		mem.Store(a+guest.Addr(i), clamp(v))
	}
	base := a + NumFixedCounters
	for i := 0; i < nptt; i++ {
		mem.Store(base+guest.Addr(i), clamp(c.Discard[i]))
	}
	mem.Store(base+guest.Addr(nptt), clamp(c.Unknown))
}

func (c *Counters) discard(slot int) {
	if slot < 0 {
		c.Unknown++
		return
	}
	c.Discard[slot]++
}
