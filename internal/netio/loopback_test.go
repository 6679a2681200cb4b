package netio

import (
	"errors"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"firestige.xyz/dpni/internal/config"
	"firestige.xyz/dpni/internal/core"
)

func TestOpenLoopbackFromConfig(t *testing.T) {
	cfg := &config.DeviceConfig{
		Name:      "ni0",
		Transport: LoopbackName,
		Options: map[string]interface{}{
			"hardware_addr": "02:00:00:aa:bb:cc",
			"reflect":       "false",
			"poll_timeout":  "10ms",
		},
		Promiscuous: true,
	}
	tr, err := Open(cfg)
	require.NoError(t, err)
	defer tr.Close()

	lb := tr.(*Loopback)
	assert.Equal(t, "02:00:00:aa:bb:cc", lb.HardwareAddr().String())
	assert.True(t, lb.Promiscuous())

	require.NoError(t, lb.WriteFrame([]byte{1, 2, 3}))
	_, err = lb.ReadFrame()
	assert.True(t, errors.Is(err, core.ErrTransportTimeout), "not reflected")
	assert.Len(t, lb.Sent(), 1)
}

func TestOpenUnknownTransport(t *testing.T) {
	_, err := Open(&config.DeviceConfig{Name: "x", Transport: "token-ring"})
	assert.True(t, errors.Is(err, core.ErrTransportNotFound))
}

func TestOpenRejectsUnknownOption(t *testing.T) {
	_, err := Open(&config.DeviceConfig{
		Name:      "x",
		Transport: LoopbackName,
		Options:   map[string]interface{}{"colour": "blue"},
	})
	assert.True(t, errors.Is(err, core.ErrConfigInvalid))
}

func TestLoopbackReflectsAndInjects(t *testing.T) {
	lb, err := NewLoopback(LoopbackOptions{})
	require.NoError(t, err)

	require.NoError(t, lb.WriteFrame([]byte("out")))
	require.NoError(t, lb.Inject([]byte("in")))

	f, err := lb.ReadFrame()
	require.NoError(t, err)
	assert.Equal(t, []byte("out"), f)
	f, err = lb.ReadFrame()
	require.NoError(t, err)
	assert.Equal(t, []byte("in"), f)

	groups := []net.HardwareAddr{{0x09, 0, 0x2b, 0, 0, 0x0f}}
	require.NoError(t, lb.SetMulticast(groups))
	assert.Equal(t, groups, lb.Groups())

	require.NoError(t, lb.Close())
	_, err = lb.ReadFrame()
	assert.True(t, errors.Is(err, ErrClosed))
	assert.True(t, errors.Is(lb.WriteFrame([]byte("x")), ErrClosed))
	assert.NoError(t, lb.Close())
}

func TestIsGroupAndNames(t *testing.T) {
	assert.True(t, IsGroup([]byte{0xff}))
	assert.True(t, IsGroup([]byte{0x09, 0}))
	assert.False(t, IsGroup([]byte{0x02}))
	assert.False(t, IsGroup(nil))
	assert.Contains(t, Names(), LoopbackName)
}
