package ni_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"firestige.xyz/dpni/internal/dp"
	"firestige.xyz/dpni/internal/guest"
	"firestige.xyz/dpni/internal/ioproc"
	"firestige.xyz/dpni/internal/netio"
	"firestige.xyz/dpni/internal/ni"
	"firestige.xyz/dpni/internal/ni/nitest"
)

var (
	otherStation = [6]byte{0x02, 0x00, 0x00, 0x4e, 0x49, 0x99}
	broadcast    = [6]byte{0xff, 0xff, 0xff, 0xff, 0xff, 0xff}
)

const piLevel = 5

// rig is a controller wired to a real I/O subprocess loop running in a
// goroutine over a loopback wire.
type rig struct {
	t    *testing.T
	c    *ni.Controller
	drv  *nitest.Driver
	wire *netio.Loopback
	host *dp.Endpoint
	irq  *nitest.Interrupts
	hw   [6]byte
}

func newRig(t *testing.T, opts ni.Options) *rig {
	t.Helper()
	wire, err := netio.NewLoopback(netio.LoopbackOptions{PollTimeout: 5 * time.Millisecond})
	require.NoError(t, err)

	l, err := dp.NewLayout(2048, 2048)
	require.NoError(t, err)
	seg, err := dp.CreateAnonymous(l)
	require.NoError(t, err)
	epOpts := dp.Options{PollInterval: 2 * time.Millisecond}
	host := seg.Endpoint(dp.Host, epOpts)
	dpSide := seg.Endpoint(dp.DP, epOpts)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- ioproc.New(dpSide, wire, ioproc.Options{Device: "ni-test"}).Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
		host.Close()
		dpSide.Close()
		seg.Close()
	})

	// Init carries the bound address.
	waitCtx, waitCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer waitCancel()
	require.NoError(t, host.In.WaitReceivable(waitCtx))
	cmd, msg, ok := host.In.Message()
	require.True(t, ok)
	require.Equal(t, dp.CmdInit, cmd)
	var hw [6]byte
	copy(hw[:], msg)
	require.NoError(t, host.In.Done())

	if opts.Name == "" {
		opts.Name = "ni-test"
	}
	drv := nitest.New(1 << 16)
	irq := &nitest.Interrupts{}
	c := ni.New(drv.Mem, host, hw[:], irq, opts)
	return &rig{t: t, c: c, drv: drv, wire: wire, host: host, irq: irq, hw: hw}
}

// enable runs the guest's bring-up sequence.
func (r *rig) enable() {
	r.c.WriteRegister(ni.RegPCB, guest.Word(r.drv.PCB))
	r.c.WriteRegister(ni.RegCSR, r.csr(ni.CSRStart))
	r.c.WriteRegister(ni.RegCSR, r.csr(ni.CSREnable))
	require.Equal(r.t, ni.StateEnabled, r.c.State())
}

func (r *rig) csr(bits guest.Word) guest.Word {
	return bits | piLevel<<8
}

// submit queues entry and rings the doorbell.
func (r *rig) submit(entry guest.Addr) {
	r.drv.Submit(entry)
	r.c.WriteRegister(ni.RegCSR, r.csr(ni.CSRCommandAvail))
}

// settle waits until the subprocess has taken the last outbound message.
func (r *rig) settle() {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(r.t, r.host.Out.WaitSendable(ctx))
}

// pump waits for one inbound message and lets the controller consume it.
func (r *rig) pump() bool {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(r.t, r.host.In.WaitReceivable(ctx))
	return r.c.ServiceInput()
}

// frame builds a raw inbound frame.
func frame(dst, src [6]byte, protocol uint16, payload []byte) []byte {
	f := make([]byte, 0, 14+len(payload))
	f = append(f, dst[:]...)
	f = append(f, src[:]...)
	f = append(f, byte(protocol>>8), byte(protocol))
	return append(f, payload...)
}

func payload(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(i*7 + 3)
	}
	return b
}
