// Package device owns the emulated controllers of one emulator process. For
// each configured device it creates the shared segment, starts the I/O side
// and binds a controller to it once the I/O side has announced its address.
package device

import (
	"context"
	"fmt"
	"net"
	"sort"
	"sync"
	"syscall"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/sirupsen/logrus"

	"firestige.xyz/dpni/internal/config"
	"firestige.xyz/dpni/internal/core"
	"firestige.xyz/dpni/internal/dp"
	"firestige.xyz/dpni/internal/guest"
	"firestige.xyz/dpni/internal/log"
	"firestige.xyz/dpni/internal/ni"
)

// StopGrace bounds how long Close waits for the I/O side to exit.
var StopGrace = 2 * time.Second

// Registry tracks open devices by name.
type Registry struct {
	mu       sync.Mutex
	devices  map[string]*Instance
	cfg      config.DPConfig
	launcher Launcher
	log      log.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(cfg config.DPConfig, launcher Launcher) *Registry {
	return &Registry{
		devices:  make(map[string]*Instance),
		cfg:      cfg,
		launcher: launcher,
		log:      log.GetLogger().WithFields(logrus.Fields{"component": "registry"}),
	}
}

// Open brings up one device: segment, I/O side, Init handshake, controller.
func (r *Registry) Open(ctx context.Context, dev *config.DeviceConfig, mem guest.Memory, intr ni.Interrupter) (*Instance, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.devices[dev.Name]; exists {
		return nil, fmt.Errorf("%w: %s", core.ErrDeviceAlreadyExists, dev.Name)
	}

	layout, err := dp.NewLayout(r.cfg.BufferOut, r.cfg.BufferIn)
	if err != nil {
		return nil, err
	}
	seg, err := r.launcher.NewSegment(layout)
	if err != nil {
		return nil, fmt.Errorf("device %s: %w", dev.Name, err)
	}
	seg.SetDebug(r.cfg.Debug)
	if r.cfg.Mlock {
		if err := seg.Mlock(); err != nil {
			r.log.WithFields(logrus.Fields{"device": dev.Name}).WithError(err).Warn("segment not locked in memory")
		}
	}

	host := seg.Endpoint(dp.Host, dp.Options{
		Signal:       syscall.Signal(r.cfg.Signal),
		PollInterval: r.cfg.PollInterval,
	})
	link, err := r.launcher.Launch(dev, seg)
	if err != nil {
		host.Close()
		seg.Close()
		return nil, fmt.Errorf("device %s: launch: %w", dev.Name, err)
	}

	hw, err := r.awaitInit(ctx, host, link)
	if err != nil {
		var result *multierror.Error
		result = multierror.Append(result, fmt.Errorf("device %s: %w", dev.Name, err))
		if serr := link.Stop(StopGrace); serr != nil {
			result = multierror.Append(result, serr)
		}
		host.Close()
		if cerr := seg.Close(); cerr != nil {
			result = multierror.Append(result, cerr)
		}
		return nil, result.ErrorOrNil()
	}

	inst := &Instance{
		name:   dev.Name,
		tick:   dev.TickInterval,
		ctrl:   ni.New(mem, host, hw, intr, controllerOptions(dev, r.cfg)),
		host:   host,
		seg:    seg,
		link:   link,
		send:   r.cfg.SendTimeout,
		closed: make(chan struct{}),
		log:    log.GetLogger().WithFields(logrus.Fields{"device": dev.Name}),
	}
	r.devices[dev.Name] = inst
	r.log.WithFields(logrus.Fields{"device": dev.Name, "hw": hw.String(), "transport": dev.Transport}).Info("device opened")
	return inst, nil
}

// awaitInit waits for the I/O side's first message, which carries the bound
// hardware address. The wait ends early if the I/O side exits.
func (r *Registry) awaitInit(ctx context.Context, host *dp.Endpoint, link Link) (net.HardwareAddr, error) {
	timeout := r.cfg.AttachTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	go func() {
		select {
		case <-link.Done():
			cancel()
		case <-waitCtx.Done():
		}
	}()

	if err := host.In.WaitReceivable(waitCtx); err != nil {
		select {
		case <-link.Done():
			return nil, fmt.Errorf("%w: dp exited during attach: %v", core.ErrDeviceFailed, link.Err())
		default:
		}
		return nil, fmt.Errorf("%w: no init within %s: %v", core.ErrDeviceFailed, timeout, err)
	}
	cmd, msg, _ := host.In.Message()
	if cmd != dp.CmdInit || len(msg) != 6 {
		return nil, fmt.Errorf("%w: expected init, got %s with %d bytes", core.ErrDeviceFailed, cmd, len(msg))
	}
	hw := append(net.HardwareAddr(nil), msg...)
	if err := host.In.Done(); err != nil {
		return nil, err
	}
	return hw, nil
}

// Get returns the named device.
func (r *Registry) Get(name string) (*Instance, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	inst, ok := r.devices[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", core.ErrDeviceNotFound, name)
	}
	return inst, nil
}

// Names lists open devices in name order.
func (r *Registry) Names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make([]string, 0, len(r.devices))
	for n := range r.devices {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Close shuts one device down and forgets it.
func (r *Registry) Close(name string) error {
	r.mu.Lock()
	inst, ok := r.devices[name]
	delete(r.devices, name)
	r.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", core.ErrDeviceNotFound, name)
	}
	return inst.Close()
}

// CloseAll shuts every device down and returns the combined errors.
func (r *Registry) CloseAll() error {
	var result *multierror.Error
	for _, name := range r.Names() {
		if err := r.Close(name); err != nil {
			result = multierror.Append(result, fmt.Errorf("device %s: %w", name, err))
		}
	}
	return result.ErrorOrNil()
}
