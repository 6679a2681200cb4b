package ni

import (
	"bytes"
	"encoding/binary"
	"net"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/sirupsen/logrus"

	"firestige.xyz/dpni/internal/dp"
	"firestige.xyz/dpni/internal/guest"
	"firestige.xyz/dpni/internal/metrics"
	"firestige.xyz/dpni/internal/netio"
)

// sendDatagram executes Send-Datagram and returns the status and the free
// queue the entry goes back to when no response is wanted.
func (c *Controller) sendDatagram(entry guest.Addr, op OpWord) (Status, guest.Addr) {
	if !guest.Contains(c.mem, entry, DgData) {
		return StatusMemoryFault, c.cache.unknownQ
	}
	textLen := int(c.mem.Load(entry + DgTextLen))
	protocol := uint16(c.mem.Load(entry + DgProtocol))
	dst := guest.ReadHardwareAddr(c.mem, entry+DgDest)
	_, release := c.freeQueueFor(protocol)

	dataLen := textLen
	if op.Has(FlagPad) {
		dataLen += padCount
	} else if textLen < MinPayload {
		return StatusTooShort, release
	}
	if textLen > MaxPayload || dataLen > MaxPayload {
		c.counters.Fixed[CtrOversizedFrames]++
		return StatusTooLong, release
	}

	var (
		data   []byte
		status Status
	)
	if op.Has(FlagChained) {
		data, status = c.gather(guest.AddrOf(c.mem.Load(entry+DgBSD)), textLen)
	} else {
		data, status = c.inline(entry+DgData, textLen)
	}
	if status != StatusOK {
		return status, release
	}
	if op.Has(FlagPad) {
		data = pad(data)
	}

	frame, err := c.buildFrame(dst[:], protocol, data)
	if err != nil {
		c.log.WithError(err).Warn("frame serialization failed")
		return StatusTransmitFailed, release
	}
	if c.mayEcho(dst[:]) {
		c.echo.Record(frame)
	}
	if err := c.sendMessage(dp.CmdSend, frame); err != nil {
		c.counters.Fixed[CtrSendFailures]++
		c.log.WithFields(logrus.Fields{"len": len(frame)}).WithError(err).Warn("transmit failed")
		return StatusTransmitFailed, release
	}

	c.counters.Fixed[CtrFramesSent]++
	c.counters.Fixed[CtrBytesSent] += uint64(textLen)
	if netio.IsGroup(dst[:]) {
		c.counters.Fixed[CtrMulticastFramesSent]++
		c.counters.Fixed[CtrMulticastBytesSent] += uint64(textLen)
	}
	metrics.FramesSentTotal.WithLabelValues(c.opts.Name).Inc()
	return StatusOK, release
}

// mayEcho reports whether a frame to dst could come back to us: group
// traffic and traffic to our own address.
func (c *Controller) mayEcho(dst []byte) bool {
	return netio.IsGroup(dst) || bytes.Equal(dst, c.hw)
}

func (c *Controller) inline(a guest.Addr, n int) ([]byte, Status) {
	if !guest.Contains(c.mem, a, guest.WordsFor(n)) {
		return nil, StatusMemoryFault
	}
	return guest.ReadBytes(c.mem, a, n), StatusOK
}

// gather assembles a chained send from its buffer segment descriptors. The
// segment lengths must add up to want.
func (c *Controller) gather(bsd guest.Addr, want int) ([]byte, Status) {
	data := make([]byte, 0, want)
	for i := 0; bsd != 0; i++ {
		if i == maxChain || !guest.Contains(c.mem, bsd, BSDWords) {
			return nil, StatusMemoryFault
		}
		n := int(c.mem.Load(bsd + BSDLength))
		if len(data)+n > want {
			return nil, StatusChainMismatch
		}
		seg, status := c.inline(guest.AddrOf(c.mem.Load(bsd+BSDData)), n)
		if status != StatusOK {
			return nil, status
		}
		data = append(data, seg...)
		bsd = guest.AddrOf(c.mem.Load(bsd + BSDNext))
	}
	if len(data) != want {
		return nil, StatusChainMismatch
	}
	return data, StatusOK
}

// pad prefixes the little-endian user byte count and zero-fills to the
// minimum payload.
func pad(data []byte) []byte {
	n := len(data) + padCount
	if n < MinPayload {
		n = MinPayload
	}
	out := make([]byte, n)
	binary.LittleEndian.PutUint16(out, uint16(len(data)))
	copy(out[padCount:], data)
	return out
}

func (c *Controller) buildFrame(dst []byte, protocol uint16, payload []byte) ([]byte, error) {
	eth := &layers.Ethernet{
		DstMAC:       net.HardwareAddr(dst),
		SrcMAC:       c.hw,
		EthernetType: layers.EthernetType(protocol),
	}
	buf := gopacket.NewSerializeBuffer()
	if err := gopacket.SerializeLayers(buf, gopacket.SerializeOptions{}, eth, gopacket.Payload(payload)); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
