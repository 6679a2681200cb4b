package ni

import (
	"github.com/sirupsen/logrus"

	"firestige.xyz/dpni/internal/guest"
	"firestige.xyz/dpni/internal/metrics"
)

// processCommands works the command queue until it is empty, locked, the
// pending slot is taken, or the batch is spent. It never blocks except in
// Send-Datagram's wait for the outbound buffer.
func (c *Controller) processCommands() {
	for n := 0; n < c.opts.CommandBatch; n++ {
		if c.state != StateEnabled || !c.cache.valid {
			return
		}
		// A relink that finds its queue locked needs the pending slot.
		if c.q.Pending() {
			return
		}
		entry, res, err := c.q.Get(c.cache.cmdQ)
		if err != nil {
			c.raiseFault(err, logrus.Fields{"queue": "command"})
			return
		}
		switch res {
		case guest.Locked:
			c.deferred("command")
			return
		case guest.Empty:
			c.cmdPending = false
			return
		}
		if c.delay > 0 {
			if _, err := c.q.Unget(c.cache.cmdQ, entry); err != nil {
				c.raiseFault(err, logrus.Fields{"queue": "command"})
			}
			return
		}
		c.execute(entry)
	}
}

func (c *Controller) deferred(queue string) {
	c.counters.Fixed[CtrDeferrals]++
	metrics.QueueDeferralsTotal.WithLabelValues(c.opts.Name, queue).Inc()
}

// execute runs one fetched command and relinks it.
func (c *Controller) execute(entry guest.Addr) {
	op := DecodeOpWord(c.mem.Load(entry + guest.EntOp))
	var (
		status  Status
		release = c.cache.unknownQ
	)
	code, err := ParseCommand(op.Code)
	if err != nil {
		c.log.WithFields(logrus.Fields{"entry": entry, "opcode": op.Code}).Warn("unrecognized command")
		status = StatusUnrecognized
	} else {
		switch code {
		case OpSendDatagram:
			status, release = c.sendDatagram(entry, op)
		case OpLoadMulticast:
			status = c.loadMulticast()
		case OpLoadProtocols:
			status = c.loadProtocols()
		case OpReadCounters:
			status = c.readCounters(entry, op)
		case OpReadStationInfo:
			status = c.readStationInfo(entry)
		case OpWriteStationInfo:
			status = c.writeStationInfo(entry)
		}
	}
	if c.fault {
		return
	}

	op.Status = status
	op.Error = status != StatusOK
	c.mem.Store(entry+guest.EntOp, op.Encode())
	if status != StatusOK {
		c.counters.Fixed[CtrCommandErrors]++
	}
	metrics.CommandsTotal.WithLabelValues(c.opts.Name, Opcode(op.Code).String(), status.String()).Inc()

	target, name := release, "free"
	if op.Error || op.Has(FlagResponse) {
		target, name = c.cache.respQ, "response"
	}
	c.relink(target, entry, name)
}

// relink puts entry on hdr; a locked queue parks it in the pending slot.
func (c *Controller) relink(hdr, entry guest.Addr, name string) {
	res, err := c.q.Put(hdr, entry)
	if err != nil {
		c.raiseFault(err, logrus.Fields{"queue": name, "entry": entry})
		return
	}
	if res == guest.Locked {
		c.deferred(name)
	}
}

// freeQueueFor returns the PTT slot and free queue for a protocol, falling
// back to the unknown-protocol queue with slot -1.
func (c *Controller) freeQueueFor(protocol uint16) (int, guest.Addr) {
	for _, p := range c.protocols {
		if p.ID == protocol {
			return p.Slot, p.FreeQueue
		}
	}
	return -1, c.cache.unknownQ
}
