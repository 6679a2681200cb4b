// Package ni emulates the network controller front end: the CSR/PCB register
// pair, the command dispatcher working the guest-resident queues, and the
// receive path fed by the I/O subprocess.
//
// A Controller is not safe for concurrent use. The device layer serializes
// register hooks, ticks and input service.
package ni

import (
	"context"
	"net"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"

	"firestige.xyz/dpni/internal/config"
	"firestige.xyz/dpni/internal/dp"
	"firestige.xyz/dpni/internal/echo"
	"firestige.xyz/dpni/internal/guest"
	"firestige.xyz/dpni/internal/log"
	"firestige.xyz/dpni/internal/metrics"
)

// State is the controller's operating state.
type State int

const (
	StateReset State = iota
	StateDisabled
	StateEnabled
)

func (s State) String() string {
	switch s {
	case StateReset:
		return "reset"
	case StateDisabled:
		return "disabled"
	case StateEnabled:
		return "enabled"
	}
	return "state(" + strconv.Itoa(int(s)) + ")"
}

// Interrupter is the outer emulator's interrupt line for this device.
type Interrupter interface {
	SetInterrupt(level int, asserted bool)
}

// Options configure a controller.
type Options struct {
	Name              string
	StartupDelayTicks int
	MaxProtocols      int
	MaxMulticast      int
	EchoSize          int
	EchoTTLTicks      int
	TicksPerSecond    int
	SendTimeout       time.Duration
	Promiscuous       bool
	// CommandBatch bounds the commands executed per scheduling opportunity.
	CommandBatch int
}

func (o Options) withDefaults() Options {
	if o.MaxProtocols <= 0 || o.MaxProtocols > config.MaxProtocolEntries {
		o.MaxProtocols = config.MaxProtocolEntries
	}
	if o.MaxMulticast <= 0 || o.MaxMulticast > config.MaxMulticastEntries {
		o.MaxMulticast = config.MaxMulticastEntries
	}
	if o.TicksPerSecond <= 0 {
		o.TicksPerSecond = 20
	}
	if o.SendTimeout <= 0 {
		o.SendTimeout = 500 * time.Millisecond
	}
	if o.CommandBatch <= 0 {
		o.CommandBatch = 32
	}
	return o
}

// Protocol is one loaded Protocol Type Table slot.
type Protocol struct {
	Slot      int
	ID        uint16
	FreeQueue guest.Addr
}

type cachedAddrs struct {
	valid    bool
	pcb      guest.Addr
	cmdQ     guest.Addr
	respQ    guest.Addr
	unknownQ guest.Addr
	ptt      guest.Addr
	mcat     guest.Addr
	counters guest.Addr
}

// Controller is one emulated network controller.
type Controller struct {
	opts Options
	mem  guest.Memory
	q    *guest.Queues
	ep   *dp.Endpoint
	hw   net.HardwareAddr
	echo *echo.Cache
	intr Interrupter
	log  log.Logger

	state      State
	pcb        guest.Addr
	pi         int
	irqLevel   int
	respAvail  bool
	cmdPending bool
	fault      bool
	cache      cachedAddrs

	protocols []Protocol
	multicast []net.HardwareAddr
	promisc   bool
	counters  Counters
	delay     int
	ticks     int
}

// New builds a controller bound to the host side of a segment. hw is the
// address the I/O subprocess reported in its Init message.
func New(mem guest.Memory, ep *dp.Endpoint, hw net.HardwareAddr, intr Interrupter, opts Options) *Controller {
	opts = opts.withDefaults()
	c := &Controller{
		opts:    opts,
		mem:     mem,
		q:       guest.NewQueues(mem),
		ep:      ep,
		hw:      append(net.HardwareAddr(nil), hw...),
		echo:    echo.New(opts.EchoSize, opts.EchoTTLTicks),
		intr:    intr,
		log:     log.GetLogger().WithFields(logrus.Fields{"device": opts.Name}),
		promisc: opts.Promiscuous,
	}
	c.q.OnFirst(c.queueFilled)
	metrics.DeviceState.WithLabelValues(opts.Name).Set(float64(c.state))
	return c
}

func (c *Controller) queueFilled(hdr guest.Addr) {
	if c.cache.valid && hdr == c.cache.respQ {
		c.respAvail = true
		c.updateInterrupt()
	}
}

// State returns the operating state.
func (c *Controller) State() State { return c.state }

// HardwareAddr returns the bound station address.
func (c *Controller) HardwareAddr() net.HardwareAddr { return c.hw }

// Protocols returns the loaded Protocol Type Table.
func (c *Controller) Protocols() []Protocol {
	return append([]Protocol(nil), c.protocols...)
}

// Multicast returns the loaded multicast addresses.
func (c *Controller) Multicast() []net.HardwareAddr {
	return append([]net.HardwareAddr(nil), c.multicast...)
}

// Counters returns a copy of the statistics block.
func (c *Controller) Counters() Counters { return c.counters }

// EchoPending returns the number of live echo-suppression entries.
func (c *Controller) EchoPending() int { return c.echo.Len() }

// Faulted reports whether a structural fault stopped the controller.
func (c *Controller) Faulted() bool { return c.fault }

func (c *Controller) setState(s State) {
	if c.state != s {
		c.log.WithFields(logrus.Fields{"from": c.state.String(), "to": s.String()}).Debug("controller state change")
	}
	c.state = s
	metrics.DeviceState.WithLabelValues(c.opts.Name).Set(float64(s))
}

func (c *Controller) reset() {
	c.setState(StateReset)
	c.cache = cachedAddrs{}
	c.q.DropPending()
	c.protocols = nil
	c.multicast = nil
	c.promisc = c.opts.Promiscuous
	c.counters = Counters{}
	c.echo.Reset()
	c.respAvail, c.cmdPending, c.fault = false, false, false
	c.delay = 0
	c.updateInterrupt()
}

// start leaves reset and tells the I/O subprocess the host-level
// promiscuous setting.
func (c *Controller) start() {
	if c.state != StateReset {
		return
	}
	c.setState(StateDisabled)
	var on byte
	if c.promisc {
		on = 1
	}
	if err := c.sendMessage(dp.CmdSetPromiscuous, []byte{on}); err != nil {
		c.log.WithError(err).Warn("promiscuous setting not sent")
	}
}

// enable derives every cached address from the PCB. Addresses are taken
// here rather than at start, as the real microcode does.
func (c *Controller) enable() {
	if c.state != StateDisabled {
		return
	}
	pcb := c.pcb
	if pcb == 0 || !guest.Contains(c.mem, pcb, PCBWords) {
		c.raiseFault(ErrBadControlBlock, logrus.Fields{"pcb": pcb})
		return
	}
	c.cache = cachedAddrs{
		valid:    true,
		pcb:      pcb,
		cmdQ:     pcb + PCBCommandQueue,
		respQ:    pcb + PCBResponseQueue,
		unknownQ: pcb + PCBUnknownQueue,
		ptt:      guest.AddrOf(c.mem.Load(pcb + PCBProtocolTable)),
		mcat:     guest.AddrOf(c.mem.Load(pcb + PCBMulticastTable)),
		counters: guest.AddrOf(c.mem.Load(pcb + PCBCounters)),
	}
	c.delay = c.opts.StartupDelayTicks
	c.cmdPending = true
	c.setState(StateEnabled)
	c.log.WithFields(logrus.Fields{"pcb": pcb, "startup_delay": c.delay}).Info("controller enabled")
}

// disable stops fetching. Outstanding work is not aborted; a deferred
// relink gets one more attempt before the cache goes away.
func (c *Controller) disable() {
	if c.state != StateEnabled {
		return
	}
	if c.q.Pending() {
		if res, err := c.q.RetryPending(); err != nil || res != guest.OK {
			hdr, entry, _ := c.q.PendingTarget()
			c.log.WithFields(logrus.Fields{"queue": hdr, "entry": entry}).Warn("pending relink dropped on disable")
			c.q.DropPending()
		}
	}
	c.cache = cachedAddrs{}
	c.cmdPending = false
	c.setState(StateDisabled)
}

// raiseFault reports a structural invariant violation: the controller stops
// and shows the error bit.
func (c *Controller) raiseFault(err error, fields logrus.Fields) {
	c.log.WithFields(fields).WithError(err).Error("controller fault")
	c.fault = true
	c.cache = cachedAddrs{}
	c.cmdPending = false
	if c.state == StateEnabled {
		c.setState(StateDisabled)
	}
	c.updateInterrupt()
}

func (c *Controller) updateInterrupt() {
	want := 0
	if c.pi != 0 && c.state != StateReset && (c.respAvail || c.fault) {
		want = c.pi
	}
	if want == c.irqLevel || c.intr == nil {
		c.irqLevel = want
		return
	}
	if c.irqLevel != 0 {
		c.intr.SetInterrupt(c.irqLevel, false)
	}
	if want != 0 {
		c.intr.SetInterrupt(want, true)
	}
	c.irqLevel = want
}

// Tick is the periodic timer: it ages the echo cache, retries a deferred
// relink, counts seconds and resumes command processing.
func (c *Controller) Tick() {
	if c.state == StateReset {
		return
	}
	c.echo.Reap()
	c.ticks++
	if c.ticks >= c.opts.TicksPerSecond {
		c.ticks = 0
		c.counters.Fixed[CtrSeconds]++
	}
	if c.state != StateEnabled {
		return
	}
	if c.q.Pending() {
		hdr, _, _ := c.q.PendingTarget()
		res, err := c.q.RetryPending()
		if err != nil {
			c.raiseFault(err, logrus.Fields{"queue": hdr})
			return
		}
		if res == guest.Locked {
			return
		}
	}
	if c.delay > 0 {
		c.delay--
	}
	if c.cmdPending {
		c.processCommands()
	}
}

// sendMessage waits for the outbound buffer and hands b to the subprocess.
func (c *Controller) sendMessage(cmd dp.Command, b []byte) error {
	ctx, cancel := context.WithTimeout(context.Background(), c.opts.SendTimeout)
	defer cancel()
	begin := time.Now()
	err := c.ep.Out.WaitSendable(ctx)
	metrics.SendLatencySeconds.WithLabelValues(c.opts.Name).Observe(time.Since(begin).Seconds())
	if err != nil {
		return err
	}
	return c.ep.Out.SendBytes(cmd, b)
}
