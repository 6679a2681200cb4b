package dp

import (
	"context"
	"fmt"
	"os"
	"syscall"
	"time"
)

// Side identifies which process an endpoint belongs to.
type Side int

const (
	Host Side = iota
	DP
)

func (s Side) String() string {
	if s == Host {
		return "host"
	}
	return "dp"
}

// Channel is one direction of the segment: a single-slot mailbox. The
// sender fills Buffer and calls Send; the receiver waits, reads Message and
// calls Done, which hands the buffer back.
type Channel struct {
	seg    *Segment
	desc   int
	sender bool
	side   Side
	buf    []byte
	waker  *waker
	poll   time.Duration
}

func (c *Channel) peerPID() int {
	if c.side == Host {
		return int(c.seg.load(c.desc + dDPPID))
	}
	return int(c.seg.load(c.desc + dHostPID))
}

func (c *Channel) signal() syscall.Signal {
	return syscall.Signal(c.seg.load(c.desc + dSignal))
}

func (c *Channel) wake() error {
	return kick(c.peerPID(), c.signal())
}

// Buffer returns the channel's buffer. The sender may write it only while
// Sendable; the receiver may read it only while Receivable.
func (c *Channel) Buffer() []byte { return c.buf }

// Sendable reports whether the previous message has been acknowledged.
func (c *Channel) Sendable() bool { return c.seg.load(c.desc+dReady) == 0 }

// Receivable reports whether a message is waiting.
func (c *Channel) Receivable() bool { return c.seg.load(c.desc+dReady) != 0 }

// Send publishes the first n bytes of Buffer with cmd and wakes the peer.
// Only one message may be in flight: a second Send before the peer's Done
// fails with ErrBusy.
func (c *Channel) Send(cmd Command, n int) error {
	if !c.sender {
		return ErrWrongSide
	}
	if n < 0 || n > len(c.buf) {
		return fmt.Errorf("%w: %d > %d", ErrTooLarge, n, len(c.buf))
	}
	if !c.Sendable() {
		return ErrBusy
	}
	c.seg.store(c.desc+dCmd, uint32(cmd))
	c.seg.store(c.desc+dCount, uint32(n))
	if !c.seg.cas(c.desc+dReady, 0, 1) {
		return ErrBusy
	}
	return c.wake()
}

// SendBytes copies b into Buffer and sends it.
func (c *Channel) SendBytes(cmd Command, b []byte) error {
	if len(b) > len(c.buf) {
		return fmt.Errorf("%w: %d > %d", ErrTooLarge, len(b), len(c.buf))
	}
	if !c.Sendable() {
		return ErrBusy
	}
	copy(c.buf, b)
	return c.Send(cmd, len(b))
}

// Message returns the waiting message. The returned slice aliases Buffer and
// is valid until Done.
func (c *Channel) Message() (Command, []byte, bool) {
	if c.sender || !c.Receivable() {
		return CmdNone, nil, false
	}
	n := int(c.seg.load(c.desc + dCount))
	if n > len(c.buf) {
		n = len(c.buf)
	}
	return Command(c.seg.load(c.desc + dCmd)), c.buf[:n], true
}

// Done acknowledges the waiting message and hands the buffer back.
func (c *Channel) Done() error {
	if c.sender {
		return ErrWrongSide
	}
	if !c.seg.cas(c.desc+dReady, 1, 0) {
		return ErrNotReady
	}
	return c.wake()
}

// WaitSendable blocks until the previous message is acknowledged or ctx ends.
func (c *Channel) WaitSendable(ctx context.Context) error {
	return c.wait(ctx, c.Sendable)
}

// WaitReceivable blocks until a message is waiting or ctx ends.
func (c *Channel) WaitReceivable(ctx context.Context) error {
	return c.wait(ctx, c.Receivable)
}

// wait sleeps on the wakeup signal with a poll fallback, since a signal can
// be lost between the flag check and the select.
func (c *Channel) wait(ctx context.Context, cond func() bool) error {
	if cond() {
		return nil
	}
	t := time.NewTicker(c.poll)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			if cond() {
				return nil
			}
			return ctx.Err()
		case <-c.waker.c:
		case <-t.C:
		}
		if cond() {
			return nil
		}
	}
}

// Endpoint is one process's pair of channels.
type Endpoint struct {
	Out  *Channel
	In   *Channel
	side Side
	seg  *Segment
}

// Options tune an endpoint.
type Options struct {
	Signal       syscall.Signal
	PollInterval time.Duration
}

func (o Options) withDefaults() Options {
	if o.Signal == 0 {
		o.Signal = syscall.SIGUSR1
	}
	if o.PollInterval <= 0 {
		o.PollInterval = 20 * time.Millisecond
	}
	return o
}

// Endpoint registers for the wakeup signal and then publishes this process's
// pid, so the peer never signals a process that is not listening.
func (s *Segment) Endpoint(side Side, opts Options) *Endpoint {
	opts = opts.withDefaults()
	e := &Endpoint{side: side, seg: s}
	toDP := &Channel{
		seg:    s,
		desc:   offToDP,
		sender: side == Host,
		side:   side,
		buf:    s.mem[s.layout.OutOffset() : s.layout.OutOffset()+s.layout.Out],
		waker:  newWaker(opts.Signal),
		poll:   opts.PollInterval,
	}
	fromDP := &Channel{
		seg:    s,
		desc:   offFromDP,
		sender: side == DP,
		side:   side,
		buf:    s.mem[s.layout.InOffset() : s.layout.InOffset()+s.layout.In],
		waker:  newWaker(opts.Signal),
		poll:   opts.PollInterval,
	}
	if side == Host {
		e.Out, e.In = toDP, fromDP
	} else {
		e.Out, e.In = fromDP, toDP
	}
	pid := uint32(os.Getpid())
	for _, desc := range []int{offToDP, offFromDP} {
		s.store(desc+dSignal, uint32(opts.Signal))
		s.store(desc+e.pidSlot(), pid)
	}
	return e
}

func (e *Endpoint) pidSlot() int {
	if e.side == Host {
		return dHostPID
	}
	return dDPPID
}

// Side returns the endpoint's side.
func (e *Endpoint) Side() Side { return e.side }

// PeerAttached reports whether the other side has published its pid.
func (e *Endpoint) PeerAttached() bool {
	return e.Out.peerPID() != 0
}

// Close withdraws this process's pid and stops signal delivery.
func (e *Endpoint) Close() {
	for _, desc := range []int{offToDP, offFromDP} {
		e.seg.store(desc+e.pidSlot(), 0)
	}
	e.Out.waker.stop()
	e.In.waker.stop()
}
