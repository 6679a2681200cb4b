package ni

import (
	"bytes"
	"encoding/binary"

	"github.com/sirupsen/logrus"

	"firestige.xyz/dpni/internal/dp"
	"firestige.xyz/dpni/internal/guest"
	"firestige.xyz/dpni/internal/metrics"
	"firestige.xyz/dpni/internal/netio"
)

var broadcast = []byte{0xff, 0xff, 0xff, 0xff, 0xff, 0xff}

// ServiceInput consumes one message from the subprocess if one is waiting.
// It reports whether a message was consumed; false with a message still
// waiting means delivery was deferred until a queue interlock clears.
func (c *Controller) ServiceInput() bool {
	in := c.ep.In
	cmd, msg, ok := in.Message()
	if !ok {
		return false
	}
	if cmd == dp.CmdReceive && c.state == StateEnabled && c.cache.valid {
		if c.q.Pending() || !c.receive(msg) {
			return false
		}
	}
	if err := in.Done(); err != nil {
		c.log.WithError(err).Warn("input acknowledge failed")
	}
	return true
}

func (c *Controller) drop(reason string) {
	metrics.DropsTotal.WithLabelValues(c.opts.Name, reason).Inc()
}

// accept applies the station address filter.
func (c *Controller) accept(dst []byte) bool {
	if netio.IsGroup(dst) {
		return bytes.Equal(dst, broadcast) || c.promisc || c.isMember(dst)
	}
	return c.promisc || bytes.Equal(dst, c.hw)
}

// receive delivers one frame as a Datagram-Received entry. It returns false
// when the free queue is locked and the frame must be offered again.
func (c *Controller) receive(frame []byte) bool {
	if len(frame) < HeaderLen {
		c.drop("runt")
		return true
	}
	if c.echo.Check(frame) {
		c.counters.Fixed[CtrEchoesSuppressed]++
		metrics.EchoesSuppressedTotal.WithLabelValues(c.opts.Name).Inc()
		return true
	}
	dst, src := frame[0:6], frame[6:12]
	if !c.accept(dst) {
		c.counters.Fixed[CtrUnrecognizedDestination]++
		c.drop("filter")
		return true
	}
	protocol := binary.BigEndian.Uint16(frame[12:14])
	slot, freeQ := c.freeQueueFor(protocol)

	entry, res, err := c.q.Get(freeQ)
	if err != nil {
		c.raiseFault(err, logrus.Fields{"queue": "free", "protocol": protocol})
		return true
	}
	switch res {
	case guest.Locked:
		c.deferred("free")
		return false
	case guest.Empty:
		c.counters.discard(slot)
		c.drop("no_buffer")
		return true
	}

	text := frame[HeaderLen:]
	status := c.fill(entry, protocol, dst, src, text)
	c.relink(c.cache.respQ, entry, "response")

	c.counters.Fixed[CtrFramesReceived]++
	c.counters.Fixed[CtrBytesReceived] += uint64(len(text))
	if netio.IsGroup(dst) {
		c.counters.Fixed[CtrMulticastFramesReceived]++
		c.counters.Fixed[CtrMulticastBytesReceived] += uint64(len(text))
	}
	if status == StatusBufferTooSmall {
		c.counters.Fixed[CtrReceiveTruncated]++
	}
	metrics.FramesReceivedTotal.WithLabelValues(c.opts.Name).Inc()
	return true
}

// fill writes the received datagram into a free-queue entry, truncating to
// the buffer capacity the guest declared.
func (c *Controller) fill(entry guest.Addr, protocol uint16, dst, src, text []byte) Status {
	op := OpWord{Code: uint8(OpDatagramReceived)}
	defer func() {
		op.Error = op.Status != StatusOK
		c.mem.Store(entry+guest.EntOp, op.Encode())
	}()

	if !guest.Contains(c.mem, entry, DgData) {
		op.Status = StatusMemoryFault
		return op.Status
	}
	n := len(text)
	capacity := int(c.mem.Load(entry + DgCapacity))
	if n > capacity {
		n = capacity
		op.Status = StatusBufferTooSmall
	}
	if !guest.Contains(c.mem, entry+DgData, guest.WordsFor(n)) {
		op.Status = StatusMemoryFault
		c.mem.Store(entry+DgTextLen, 0)
		return op.Status
	}
	var d, s [6]byte
	copy(d[:], dst)
	copy(s[:], src)
	c.mem.Store(entry+DgTextLen, guest.Word(n))
	c.mem.Store(entry+DgProtocol, guest.Word(protocol))
	guest.WriteHardwareAddr(c.mem, entry+DgDest, d)
	guest.WriteHardwareAddr(c.mem, entry+DgSource, s)
	guest.WriteBytes(c.mem, entry+DgData, text[:n])
	return op.Status
}
