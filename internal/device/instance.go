package device

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"

	"firestige.xyz/dpni/internal/core"
	"firestige.xyz/dpni/internal/dp"
	"firestige.xyz/dpni/internal/guest"
	"firestige.xyz/dpni/internal/log"
	"firestige.xyz/dpni/internal/metrics"
	"firestige.xyz/dpni/internal/ni"
)

// Instance is one open device. Every entry point into the controller takes
// the instance lock.
type Instance struct {
	name string
	tick time.Duration
	send time.Duration

	mu     sync.Mutex
	ctrl   *ni.Controller
	failed bool
	shut   bool

	host *dp.Endpoint
	seg  *dp.Segment
	link Link

	running   sync.WaitGroup
	closeOnce sync.Once
	closed    chan struct{}
	log       log.Logger
}

// Name returns the device name.
func (i *Instance) Name() string { return i.name }

// HardwareAddr returns the station address the I/O side bound.
func (i *Instance) HardwareAddr() net.HardwareAddr { return i.ctrl.HardwareAddr() }

// Failed reports whether the I/O side exited while the device was open.
func (i *Instance) Failed() bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.failed
}

// ReadRegister is the emulator's register-read hook.
func (i *Instance) ReadRegister(r ni.Register) guest.Word {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.ctrl.ReadRegister(r)
}

// WriteRegister is the emulator's register-write hook.
func (i *Instance) WriteRegister(r ni.Register, v guest.Word) {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.shut {
		return
	}
	i.ctrl.WriteRegister(r, v)
}

// Tick runs one controller timer tick.
func (i *Instance) Tick() {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.shut {
		return
	}
	i.ctrl.Tick()
}

// Service delivers every waiting inbound message and returns how many were
// consumed.
func (i *Instance) Service() int {
	i.mu.Lock()
	defer i.mu.Unlock()
	n := 0
	for !i.shut && i.ctrl.ServiceInput() {
		n++
	}
	return n
}

// Do runs fn with the controller under the instance lock.
func (i *Instance) Do(fn func(c *ni.Controller)) {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.shut {
		return
	}
	fn(i.ctrl)
}

// Run drives the device until ctx ends or the device is closed: it ticks the
// controller and services input as it arrives. It returns an error wrapping
// core.ErrDeviceFailed when the I/O side exits underneath it.
func (i *Instance) Run(ctx context.Context) error {
	// Add is ordered against Close's Wait by the shut flag.
	i.mu.Lock()
	if i.shut {
		i.mu.Unlock()
		return nil
	}
	i.running.Add(1)
	i.mu.Unlock()
	defer i.running.Done()

	interval := i.tick
	if interval <= 0 {
		interval = 50 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	// The watcher reports one arrival per arm, so a message left in the
	// channel by a deferral does not spin the loop; ticks retry it.
	ctx, cancel := context.WithCancel(ctx)
	ready := make(chan struct{})
	arm := make(chan struct{}, 1)
	watching := make(chan struct{})
	defer func() {
		cancel()
		<-watching
	}()
	go func() {
		defer close(watching)
		for {
			select {
			case <-ctx.Done():
				return
			case <-arm:
			}
			if err := i.host.In.WaitReceivable(ctx); err != nil {
				return
			}
			select {
			case ready <- struct{}{}:
			case <-ctx.Done():
				return
			}
		}
	}()
	arm <- struct{}{}

	waiting := false
	service := func() {
		i.Service()
		waiting = i.host.In.Receivable()
		if !waiting {
			arm <- struct{}{}
		}
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-i.closed:
			return nil
		case <-i.link.Done():
			select {
			case <-i.closed:
				return nil
			default:
			}
			return i.fail()
		case <-ticker.C:
			i.Tick()
			if waiting {
				service()
			}
		case <-ready:
			service()
		}
	}
}

func (i *Instance) fail() error {
	i.mu.Lock()
	i.failed = true
	i.mu.Unlock()
	err := i.link.Err()
	metrics.DeviceState.WithLabelValues(i.name).Set(metrics.DeviceStateFailed)
	i.log.WithError(err).Error("dp exited, device failed")
	return fmt.Errorf("%w: %s: %v", core.ErrDeviceFailed, i.name, err)
}

// Close asks the I/O side to shut down, waits for it and releases the
// segment.
func (i *Instance) Close() error {
	var result *multierror.Error
	i.closeOnce.Do(func() {
		close(i.closed)
		select {
		case <-i.link.Done():
		default:
			if err := i.requestShutdown(); err != nil {
				i.log.WithError(err).Warn("shutdown request not delivered")
			}
		}
		i.mu.Lock()
		i.shut = true
		i.mu.Unlock()
		if err := i.link.Stop(StopGrace); err != nil {
			result = multierror.Append(result, err)
		}
		// Run must be out of the segment before it is unmapped.
		i.running.Wait()
		i.host.Close()
		if err := i.seg.Close(); err != nil {
			result = multierror.Append(result, err)
		}
		i.log.Info("device closed")
	})
	return result.ErrorOrNil()
}

func (i *Instance) requestShutdown() error {
	timeout := i.send
	if timeout <= 0 {
		timeout = 500 * time.Millisecond
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	i.mu.Lock()
	defer i.mu.Unlock()
	if err := i.host.Out.WaitSendable(ctx); err != nil {
		return err
	}
	return i.host.Out.SendBytes(dp.CmdShutdown, nil)
}
