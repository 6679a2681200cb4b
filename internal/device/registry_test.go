package device

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"firestige.xyz/dpni/internal/config"
	"firestige.xyz/dpni/internal/core"
	"firestige.xyz/dpni/internal/dp"
	"firestige.xyz/dpni/internal/guest"
	"firestige.xyz/dpni/internal/netio"
	"firestige.xyz/dpni/internal/ni"
	"firestige.xyz/dpni/internal/ni/nitest"
)

func testDPConfig() config.DPConfig {
	cfg := config.Default().DP
	cfg.PollInterval = 2 * time.Millisecond
	cfg.AttachTimeout = time.Second
	return cfg
}

func loopbackDevice(name string) *config.DeviceConfig {
	return &config.DeviceConfig{
		Name:         name,
		Transport:    "loopback",
		TickInterval: 5 * time.Millisecond,
		Echo:         config.EchoConfig{Size: 8, TTLTicks: 100},
	}
}

func newLoopback(t *testing.T) *netio.Loopback {
	t.Helper()
	wire, err := netio.NewLoopback(netio.LoopbackOptions{PollTimeout: 5 * time.Millisecond})
	require.NoError(t, err)
	return wire
}

func TestOpenGetClose(t *testing.T) {
	wire := newLoopback(t)
	reg := NewRegistry(testDPConfig(), &InProcessLauncher{
		Transport: wire,
		Endpoint:  dp.Options{PollInterval: 2 * time.Millisecond},
	})
	drv := nitest.New(1 << 14)

	inst, err := reg.Open(context.Background(), loopbackDevice("ni0"), drv.Mem, &nitest.Interrupts{})
	require.NoError(t, err)
	assert.Equal(t, "ni0", inst.Name())
	assert.Equal(t, wire.HardwareAddr(), inst.HardwareAddr())

	got, err := reg.Get("ni0")
	require.NoError(t, err)
	assert.Same(t, inst, got)
	assert.Equal(t, []string{"ni0"}, reg.Names())

	_, err = reg.Open(context.Background(), loopbackDevice("ni0"), drv.Mem, nil)
	assert.ErrorIs(t, err, core.ErrDeviceAlreadyExists)

	_, err = reg.Get("ni1")
	assert.ErrorIs(t, err, core.ErrDeviceNotFound)

	require.NoError(t, reg.CloseAll())
	assert.Empty(t, reg.Names())
	assert.ErrorIs(t, reg.Close("ni0"), core.ErrDeviceNotFound)
}

type mockLink struct{ mock.Mock }

func (m *mockLink) Done() <-chan struct{} { return m.Called().Get(0).(chan struct{}) }
func (m *mockLink) Err() error            { return m.Called().Error(0) }
func (m *mockLink) Stop(grace time.Duration) error {
	return m.Called(grace).Error(0)
}

type mockLauncher struct{ mock.Mock }

func (m *mockLauncher) NewSegment(l dp.Layout) (*dp.Segment, error) {
	args := m.Called(l)
	return args.Get(0).(*dp.Segment), args.Error(1)
}

func (m *mockLauncher) Launch(dev *config.DeviceConfig, seg *dp.Segment) (Link, error) {
	args := m.Called(dev, seg)
	return args.Get(0).(Link), args.Error(1)
}

func TestOpenFailsWhenDPExits(t *testing.T) {
	cfg := testDPConfig()
	layout, err := dp.NewLayout(cfg.BufferOut, cfg.BufferIn)
	require.NoError(t, err)
	seg, err := dp.CreateAnonymous(layout)
	require.NoError(t, err)

	// The I/O side exits at once without announcing.
	exited := make(chan struct{})
	close(exited)
	link := &mockLink{}
	link.On("Done").Return(exited)
	link.On("Err").Return(errors.New("exit status 1"))
	link.On("Stop", StopGrace).Return(nil).Once()

	dev := loopbackDevice("ni0")
	launcher := &mockLauncher{}
	launcher.On("NewSegment", layout).Return(seg, nil)
	launcher.On("Launch", dev, seg).Return(link, nil)

	reg := NewRegistry(cfg, launcher)
	begin := time.Now()
	_, err = reg.Open(context.Background(), dev, nitest.New(1<<12).Mem, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, core.ErrDeviceFailed)
	assert.Contains(t, err.Error(), "exit status 1")
	assert.Less(t, time.Since(begin), cfg.AttachTimeout, "does not wait for the attach timeout")
	assert.Empty(t, reg.Names())
	launcher.AssertExpectations(t)
	link.AssertExpectations(t)
}

func TestRunDeliversAndSuppressesEcho(t *testing.T) {
	wire := newLoopback(t)
	reg := NewRegistry(testDPConfig(), &InProcessLauncher{
		Transport: wire,
		Endpoint:  dp.Options{PollInterval: 2 * time.Millisecond},
	})
	t.Cleanup(func() { _ = reg.CloseAll() })
	drv := nitest.New(1 << 14)
	irq := &nitest.Interrupts{}

	inst, err := reg.Open(context.Background(), loopbackDevice("ni0"), drv.Mem, irq)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	runErr := make(chan error, 1)
	go func() { runErr <- inst.Run(ctx) }()

	var hw [6]byte
	copy(hw[:], inst.HardwareAddr())
	inst.Do(func(c *ni.Controller) {
		drv.ReceiveBuffer(drv.UnknownQueue(), 1500)
	})
	inst.WriteRegister(ni.RegPCB, guest.Word(drv.PCB))
	inst.WriteRegister(ni.RegCSR, ni.CSRStart|4<<8)
	inst.WriteRegister(ni.RegCSR, ni.CSREnable|4<<8)

	// Our own frame comes back on the wire and is swallowed.
	inst.Do(func(c *ni.Controller) {
		drv.Submit(drv.Datagram(hw, 0x0800, make([]byte, 46), 0))
	})
	inst.WriteRegister(ni.RegCSR, ni.CSRCommandAvail|4<<8)
	assert.Eventually(t, func() bool {
		var n uint64
		inst.Do(func(c *ni.Controller) { n = c.Counters().Fixed[ni.CtrEchoesSuppressed] })
		return n == 1
	}, 2*time.Second, 5*time.Millisecond)

	// Someone else's frame to us is delivered.
	src := [6]byte{0x02, 0, 0, 0, 0, 0x42}
	frame := append(append(append([]byte{}, hw[:]...), src[:]...), 0x08, 0x00)
	frame = append(frame, make([]byte, 46)...)
	require.NoError(t, wire.Inject(frame))
	assert.Eventually(t, func() bool {
		n := 0
		inst.Do(func(c *ni.Controller) { n = drv.Len(drv.ResponseQueue()) })
		return n == 1
	}, 2*time.Second, 5*time.Millisecond)
	assert.NotZero(t, inst.ReadRegister(ni.RegCSR)&ni.CSRResponseAvail)
	assert.False(t, inst.Failed())

	cancel()
	assert.NoError(t, <-runErr)
}

func TestRunReportsDPExit(t *testing.T) {
	wire := newLoopback(t)
	reg := NewRegistry(testDPConfig(), &InProcessLauncher{
		Transport: wire,
		Endpoint:  dp.Options{PollInterval: 2 * time.Millisecond},
	})
	t.Cleanup(func() { _ = reg.CloseAll() })
	drv := nitest.New(1 << 12)

	inst, err := reg.Open(context.Background(), loopbackDevice("ni0"), drv.Mem, nil)
	require.NoError(t, err)

	runErr := make(chan error, 1)
	go func() { runErr <- inst.Run(context.Background()) }()

	// A transport that goes away ends the I/O loop.
	require.NoError(t, wire.Close())
	select {
	case err := <-runErr:
		assert.ErrorIs(t, err, core.ErrDeviceFailed)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not notice the dp exit")
	}
	assert.True(t, inst.Failed())
}

func TestCloseStopsRun(t *testing.T) {
	wire := newLoopback(t)
	reg := NewRegistry(testDPConfig(), &InProcessLauncher{
		Transport: wire,
		Endpoint:  dp.Options{PollInterval: 2 * time.Millisecond},
	})
	drv := nitest.New(1 << 12)
	inst, err := reg.Open(context.Background(), loopbackDevice("ni0"), drv.Mem, nil)
	require.NoError(t, err)

	runErr := make(chan error, 1)
	go func() { runErr <- inst.Run(context.Background()) }()

	require.NoError(t, reg.Close("ni0"))
	select {
	case err := <-runErr:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after Close")
	}
	assert.False(t, inst.Failed())
	// Hooks after close are ignored.
	inst.WriteRegister(ni.RegCSR, ni.CSRStart)
	inst.Tick()
	assert.Zero(t, inst.Service())
}

func TestRunRacingClose(t *testing.T) {
	for n := 0; n < 5; n++ {
		wire := newLoopback(t)
		reg := NewRegistry(testDPConfig(), &InProcessLauncher{
			Transport: wire,
			Endpoint:  dp.Options{PollInterval: 2 * time.Millisecond},
		})
		inst, err := reg.Open(context.Background(), loopbackDevice("ni0"), nitest.New(1<<12).Mem, nil)
		require.NoError(t, err)

		runErr := make(chan error, 1)
		go func() { runErr <- inst.Run(context.Background()) }()
		require.NoError(t, reg.Close("ni0"))
		select {
		case err := <-runErr:
			assert.NoError(t, err)
		case <-time.After(2 * time.Second):
			t.Fatal("Run did not return after Close")
		}
	}
}

func TestRunAfterClose(t *testing.T) {
	wire := newLoopback(t)
	reg := NewRegistry(testDPConfig(), &InProcessLauncher{
		Transport: wire,
		Endpoint:  dp.Options{PollInterval: 2 * time.Millisecond},
	})
	inst, err := reg.Open(context.Background(), loopbackDevice("ni0"), nitest.New(1<<12).Mem, nil)
	require.NoError(t, err)
	require.NoError(t, reg.Close("ni0"))

	assert.NoError(t, inst.Run(context.Background()))
}

func TestControllerOptions(t *testing.T) {
	dev := loopbackDevice("ni0")
	dev.TickInterval = 50 * time.Millisecond
	dev.StartupDelayTicks = 3
	dev.Promiscuous = true
	opts := controllerOptions(dev, config.DPConfig{SendTimeout: time.Second})

	assert.Equal(t, "ni0", opts.Name)
	assert.Equal(t, 20, opts.TicksPerSecond)
	assert.Equal(t, 3, opts.StartupDelayTicks)
	assert.Equal(t, 8, opts.EchoSize)
	assert.Equal(t, time.Second, opts.SendTimeout)
	assert.True(t, opts.Promiscuous)

	dev.TickInterval = 2 * time.Second
	assert.Equal(t, 1, controllerOptions(dev, config.DPConfig{}).TicksPerSecond)
}
