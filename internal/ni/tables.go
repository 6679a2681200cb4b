package ni

import (
	"bytes"
	"net"

	"github.com/sirupsen/logrus"

	"firestige.xyz/dpni/internal/dp"
	"firestige.xyz/dpni/internal/guest"
)

// loadProtocols replaces the cached Protocol Type Table with the guest's.
func (c *Controller) loadProtocols() Status {
	base := c.cache.ptt
	n := c.opts.MaxProtocols
	if base == 0 || !guest.Contains(c.mem, base, n*PTTStride) {
		return StatusMemoryFault
	}
	protocols := make([]Protocol, 0, n)
	for slot := 0; slot < n; slot++ {
		a := base + guest.Addr(slot*PTTStride)
		w := c.mem.Load(a + PTTProtocol)
		if w&pttEnable == 0 {
			continue
		}
		swapped := uint16(w)
		id := swapped>>8 | swapped<<8
		freeQ := guest.AddrOf(c.mem.Load(a + PTTFreeQueue))
		if freeQ == 0 || !guest.Contains(c.mem, freeQ, guest.HeaderWords) {
			// The cached table is left as it was.
			c.log.WithFields(logrus.Fields{
				"slot":      slot,
				"protocol":  id,
				"freeQueue": uint64(freeQ),
			}).Warn("protocol table entry has an invalid free queue")
			return StatusMemoryFault
		}
		protocols = append(protocols, Protocol{
			Slot:      slot,
			ID:        id,
			FreeQueue: freeQ,
		})
	}
	c.protocols = protocols
	c.log.WithField("protocols", len(protocols)).Debug("protocol table loaded")
	return StatusOK
}

// loadMulticast replaces the cached Multicast Table and passes the new
// membership to the I/O subprocess.
func (c *Controller) loadMulticast() Status {
	base := c.cache.mcat
	n := c.opts.MaxMulticast
	if base == 0 || !guest.Contains(c.mem, base, n*MCATStride) {
		return StatusMemoryFault
	}
	groups := make([]net.HardwareAddr, 0, n)
	for i := 0; i < n; i++ {
		a := base + guest.Addr(i*MCATStride)
		if c.mem.Load(a+1)&mcatEnable == 0 {
			continue
		}
		hw := guest.ReadHardwareAddr(c.mem, a)
		groups = append(groups, net.HardwareAddr(hw[:]))
	}
	c.multicast = groups

	msg := make([]byte, 0, len(groups)*6)
	for _, g := range groups {
		msg = append(msg, g...)
	}
	if err := c.sendMessage(dp.CmdSetMulticast, msg); err != nil {
		c.log.WithError(err).Warn("multicast update not delivered")
		return StatusTransmitFailed
	}
	return StatusOK
}

func (c *Controller) isMember(dst []byte) bool {
	for _, g := range c.multicast {
		if bytes.Equal(g, dst) {
			return true
		}
	}
	return false
}

// readCounters copies the statistics block to the guest's counters buffer,
// zeroing it afterwards when asked to.
func (c *Controller) readCounters(entry guest.Addr, op OpWord) Status {
	base := c.cache.counters
	words := c.counters.Words(c.opts.MaxProtocols)
	if base == 0 || !guest.Contains(c.mem, base, words) || !guest.Contains(c.mem, entry, CountersLength+1) {
		return StatusMemoryFault
	}
	c.counters.store(c.mem, base, c.opts.MaxProtocols)
	c.mem.Store(entry+CountersLength, guest.Word(words))
	if op.Has(FlagClearCounters) {
		c.counters = Counters{}
	}
	return StatusOK
}

func (c *Controller) stationFlags() guest.Word {
	var f guest.Word
	// Promiscuous reception includes every group.
	if c.promisc {
		f |= SIFlagPromisc | SIFlagAllMulti
	}
	return f
}

func (c *Controller) readStationInfo(entry guest.Addr) Status {
	if !guest.Contains(c.mem, entry, SIMCATCap+1) {
		return StatusMemoryFault
	}
	var hw [6]byte
	copy(hw[:], c.hw)
	guest.WriteHardwareAddr(c.mem, entry+SIAddress, hw)
	c.mem.Store(entry+SIFlags, c.stationFlags())
	c.mem.Store(entry+SIPTTCap, guest.Word(c.opts.MaxProtocols))
	c.mem.Store(entry+SIMCATCap, guest.Word(c.opts.MaxMulticast))
	return StatusOK
}

// writeStationInfo accepts only the bound address. Requests to turn on
// promiscuous or all-multicast reception are logged and ignored.
func (c *Controller) writeStationInfo(entry guest.Addr) Status {
	if !guest.Contains(c.mem, entry, SIFlags+1) {
		return StatusMemoryFault
	}
	hw := guest.ReadHardwareAddr(c.mem, entry+SIAddress)
	if !bytes.Equal(hw[:], c.hw) {
		c.log.WithFields(logrus.Fields{
			"requested": net.HardwareAddr(hw[:]).String(),
			"bound":     c.hw.String(),
		}).Warn("station address change rejected")
		return StatusAddressChange
	}
	flags := c.mem.Load(entry + SIFlags)
	if flags&(SIFlagPromisc|SIFlagAllMulti) != 0 {
		c.log.WithField("flags", uint64(flags)).Warn("promiscuous and all-multicast reception are not permitted; flags ignored")
	}
	return StatusOK
}
