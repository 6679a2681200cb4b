package dp

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newPair(t *testing.T) (host, dp *Endpoint) {
	t.Helper()
	l, err := NewLayout(2048, 2048)
	require.NoError(t, err)
	seg, err := CreateAnonymous(l)
	require.NoError(t, err)

	opts := Options{PollInterval: 5 * time.Millisecond}
	host = seg.Endpoint(Host, opts)
	dp = seg.Endpoint(DP, opts)
	t.Cleanup(func() {
		host.Close()
		dp.Close()
		seg.Close()
	})
	return host, dp
}

func TestEndpointWiring(t *testing.T) {
	host, dp := newPair(t)
	assert.Same(t, &host.Out.Buffer()[0], &dp.In.Buffer()[0])
	assert.Same(t, &host.In.Buffer()[0], &dp.Out.Buffer()[0])
	assert.NotSame(t, &host.Out.Buffer()[0], &host.In.Buffer()[0])
	assert.True(t, host.PeerAttached())
	assert.True(t, dp.PeerAttached())
	assert.Equal(t, Host, host.Side())
	assert.Equal(t, DP, dp.Side())
}

func TestSendReceiveDone(t *testing.T) {
	host, dp := newPair(t)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	require.True(t, host.Out.Sendable())
	require.NoError(t, host.Out.SendBytes(CmdSend, []byte("frame")))
	assert.False(t, host.Out.Sendable())

	require.NoError(t, dp.In.WaitReceivable(ctx))
	cmd, msg, ok := dp.In.Message()
	require.True(t, ok)
	assert.Equal(t, CmdSend, cmd)
	assert.Equal(t, []byte("frame"), msg)

	require.NoError(t, dp.In.Done())
	require.NoError(t, host.Out.WaitSendable(ctx))
	assert.True(t, host.Out.Sendable())
}

func TestAtMostOneInFlight(t *testing.T) {
	host, dp := newPair(t)

	require.NoError(t, host.Out.Send(CmdSend, 10))
	assert.True(t, errors.Is(host.Out.Send(CmdSend, 10), ErrBusy))
	assert.True(t, errors.Is(host.Out.SendBytes(CmdSend, []byte{1}), ErrBusy))

	require.NoError(t, dp.In.Done())
	assert.True(t, errors.Is(dp.In.Done(), ErrNotReady))
	assert.NoError(t, host.Out.Send(CmdSend, 10))
}

func TestWrongSide(t *testing.T) {
	host, dp := newPair(t)

	assert.True(t, errors.Is(dp.In.Send(CmdSend, 1), ErrWrongSide))
	assert.True(t, errors.Is(host.Out.Done(), ErrWrongSide))
	_, _, ok := host.Out.Message()
	assert.False(t, ok)
}

func TestTooLarge(t *testing.T) {
	host, _ := newPair(t)
	big := make([]byte, len(host.Out.Buffer())+1)
	assert.True(t, errors.Is(host.Out.SendBytes(CmdSend, big), ErrTooLarge))
	assert.True(t, errors.Is(host.Out.Send(CmdSend, len(big)), ErrTooLarge))
}

func TestWaitHonorsContext(t *testing.T) {
	host, _ := newPair(t)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	err := host.In.WaitReceivable(ctx)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
}

// Messages in one direction arrive strictly in order while the other
// direction runs independently.
func TestOrderedBothDirections(t *testing.T) {
	host, dp := newPair(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	const n = 200
	errc := make(chan error, 2)

	// Subprocess side: echo every message back with the receive command.
	go func() {
		for i := 0; i < n; i++ {
			if err := dp.In.WaitReceivable(ctx); err != nil {
				errc <- err
				return
			}
			_, msg, _ := dp.In.Message()
			payload := append([]byte(nil), msg...)
			if err := dp.In.Done(); err != nil {
				errc <- err
				return
			}
			if err := dp.Out.WaitSendable(ctx); err != nil {
				errc <- err
				return
			}
			if err := dp.Out.SendBytes(CmdReceive, payload); err != nil {
				errc <- err
				return
			}
		}
		errc <- nil
	}()

	go func() {
		for i := 0; i < n; i++ {
			if err := host.In.WaitReceivable(ctx); err != nil {
				errc <- err
				return
			}
			cmd, msg, _ := host.In.Message()
			if cmd != CmdReceive || string(msg) != fmt.Sprintf("m%03d", i) {
				errc <- fmt.Errorf("message %d: got %v %q", i, cmd, msg)
				return
			}
			if err := host.In.Done(); err != nil {
				errc <- err
				return
			}
		}
		errc <- nil
	}()

	for i := 0; i < n; i++ {
		require.NoError(t, host.Out.WaitSendable(ctx))
		require.NoError(t, host.Out.SendBytes(CmdSend, []byte(fmt.Sprintf("m%03d", i))))
	}
	require.NoError(t, <-errc)
	require.NoError(t, <-errc)
}

func TestCommandString(t *testing.T) {
	assert.Equal(t, "send", CmdSend.String())
	assert.Equal(t, "init", CmdInit.String())
	assert.Equal(t, "Command(99)", Command(99).String())
}
