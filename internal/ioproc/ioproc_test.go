package ioproc

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"firestige.xyz/dpni/internal/core"
	"firestige.xyz/dpni/internal/dp"
	"firestige.xyz/dpni/internal/netio"
)

type harness struct {
	host *dp.Endpoint
	ctx  context.Context
	done chan error
}

func start(t *testing.T, tr netio.Transport) *harness {
	t.Helper()
	return startWith(t, tr, Options{Device: "ni-test", RetryBudget: 3, RetryDelay: time.Millisecond})
}

func startWith(t *testing.T, tr netio.Transport, srvOpts Options) *harness {
	t.Helper()
	l, err := dp.NewLayout(2048, 2048)
	require.NoError(t, err)
	seg, err := dp.CreateAnonymous(l)
	require.NoError(t, err)
	opts := dp.Options{PollInterval: 5 * time.Millisecond}
	host := seg.Endpoint(dp.Host, opts)
	dpSide := seg.Endpoint(dp.DP, opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	h := &harness{host: host, ctx: ctx, done: make(chan error, 1)}
	srv := New(dpSide, tr, srvOpts)
	go func() { h.done <- srv.Run(ctx) }()

	t.Cleanup(func() {
		cancel()
		<-h.done
		host.Close()
		dpSide.Close()
		seg.Close()
	})
	return h
}

func (h *harness) recv(t *testing.T) (dp.Command, []byte) {
	t.Helper()
	require.NoError(t, h.host.In.WaitReceivable(h.ctx))
	cmd, msg, ok := h.host.In.Message()
	require.True(t, ok)
	out := append([]byte(nil), msg...)
	require.NoError(t, h.host.In.Done())
	return cmd, out
}

func (h *harness) send(t *testing.T, cmd dp.Command, b []byte) {
	t.Helper()
	require.NoError(t, h.host.Out.WaitSendable(h.ctx))
	require.NoError(t, h.host.Out.SendBytes(cmd, b))
}

func TestInitThenLoopback(t *testing.T) {
	lb, err := netio.NewLoopback(netio.LoopbackOptions{PollTimeout: 5 * time.Millisecond})
	require.NoError(t, err)
	h := startWith(t, lb, Options{Device: "ni-test", Debug: dp.DebugFrames})

	cmd, msg := h.recv(t)
	assert.Equal(t, dp.CmdInit, cmd)
	assert.Equal(t, []byte(netio.DefaultLoopbackAddr), msg)

	frame := make([]byte, 60)
	copy(frame, netio.DefaultLoopbackAddr)
	frame[59] = 0x5a
	h.send(t, dp.CmdSend, frame)

	cmd, msg = h.recv(t)
	assert.Equal(t, dp.CmdReceive, cmd)
	assert.Equal(t, frame, msg)
	assert.Len(t, lb.Sent(), 1)
}

func TestMembershipCommands(t *testing.T) {
	lb, err := netio.NewLoopback(netio.LoopbackOptions{PollTimeout: 5 * time.Millisecond})
	require.NoError(t, err)
	h := start(t, lb)
	h.recv(t)

	groups := []byte{0x09, 0x00, 0x2b, 0x00, 0x00, 0x0f, 0x01, 0x00, 0x5e, 0x00, 0x00, 0x01}
	h.send(t, dp.CmdSetMulticast, groups)
	h.send(t, dp.CmdSetPromiscuous, []byte{1})
	require.NoError(t, h.host.Out.WaitSendable(h.ctx))

	assert.Equal(t, []net.HardwareAddr{groups[0:6], groups[6:12]}, lb.Groups())
	assert.True(t, lb.Promiscuous())
}

func TestShutdownEndsRun(t *testing.T) {
	lb, err := netio.NewLoopback(netio.LoopbackOptions{PollTimeout: 5 * time.Millisecond})
	require.NoError(t, err)
	h := start(t, lb)
	h.recv(t)

	h.send(t, dp.CmdShutdown, nil)
	select {
	case err := <-h.done:
		assert.NoError(t, err)
		h.done <- err
	case <-time.After(3 * time.Second):
		t.Fatal("dp did not stop")
	}
}

type failingTransport struct {
	*netio.Loopback
}

func (failingTransport) WriteFrame([]byte) error { return unix.ENOBUFS }

func TestRetryBudgetExhausted(t *testing.T) {
	lb, err := netio.NewLoopback(netio.LoopbackOptions{PollTimeout: 5 * time.Millisecond})
	require.NoError(t, err)
	h := start(t, failingTransport{lb})
	h.recv(t)

	h.send(t, dp.CmdSend, make([]byte, 60))
	select {
	case err := <-h.done:
		assert.True(t, errors.Is(err, core.ErrRetryExhausted), "got %v", err)
		h.done <- err
	case <-time.After(3 * time.Second):
		t.Fatal("dp did not give up")
	}
}

func TestTransient(t *testing.T) {
	assert.True(t, transient(unix.EINTR))
	assert.True(t, transient(core.ErrTransportTimeout))
	assert.False(t, transient(unix.ENETDOWN))
}
