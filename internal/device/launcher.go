package device

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"

	"firestige.xyz/dpni/internal/config"
	"firestige.xyz/dpni/internal/dp"
	"firestige.xyz/dpni/internal/ioproc"
	"firestige.xyz/dpni/internal/netio"
)

// Link is the running I/O side of one device.
type Link interface {
	Done() <-chan struct{}
	Err() error
	Stop(grace time.Duration) error
}

// Launcher starts the I/O side of a device against a freshly created segment.
type Launcher interface {
	NewSegment(l dp.Layout) (*dp.Segment, error)
	Launch(dev *config.DeviceConfig, seg *dp.Segment) (Link, error)
}

// SubprocessLauncher re-executes a binary with the hidden dp command. The
// segment travels as an inherited memfd.
type SubprocessLauncher struct {
	// Path defaults to the running executable.
	Path       string
	ConfigPath string
	Stdout     io.Writer
	Stderr     io.Writer
}

func (l *SubprocessLauncher) NewSegment(layout dp.Layout) (*dp.Segment, error) {
	return dp.Create(layout)
}

func (l *SubprocessLauncher) Launch(dev *config.DeviceConfig, seg *dp.Segment) (Link, error) {
	path := l.Path
	if path == "" {
		exe, err := os.Executable()
		if err != nil {
			return nil, fmt.Errorf("locate executable: %w", err)
		}
		path = exe
	}
	stdout, stderr := l.Stdout, l.Stderr
	if stdout == nil {
		stdout = os.Stdout
	}
	if stderr == nil {
		stderr = os.Stderr
	}
	return dp.Spawn(seg, dp.SpawnConfig{
		Path:   path,
		Args:   []string{"dp", "--config", l.ConfigPath, "--device", dev.Name},
		Env:    os.Environ(),
		Stdout: stdout,
		Stderr: stderr,
	})
}

// InProcessLauncher runs the I/O loop in a goroutine of this process. When
// Transport is nil the device's configured transport is opened.
type InProcessLauncher struct {
	Transport   netio.Transport
	Endpoint    dp.Options
	RetryBudget int
}

func (l *InProcessLauncher) NewSegment(layout dp.Layout) (*dp.Segment, error) {
	return dp.CreateAnonymous(layout)
}

func (l *InProcessLauncher) Launch(dev *config.DeviceConfig, seg *dp.Segment) (Link, error) {
	tr := l.Transport
	if tr == nil {
		var err error
		if tr, err = netio.Open(dev); err != nil {
			return nil, err
		}
	}
	ep := seg.Endpoint(dp.DP, l.Endpoint)
	ctx, cancel := context.WithCancel(context.Background())
	g := &goroutineLink{cancel: cancel, done: make(chan struct{})}
	srv := ioproc.New(ep, tr, ioproc.Options{
		Device:      dev.Name,
		RetryBudget: l.RetryBudget,
		Debug:       seg.Debug(),
	})
	go func() {
		err := srv.Run(ctx)
		ep.Close()
		if cerr := tr.Close(); cerr != nil && !errors.Is(cerr, netio.ErrClosed) {
			err = multierror.Append(err, cerr).ErrorOrNil()
		}
		g.finish(err)
	}()
	return g, nil
}

type goroutineLink struct {
	cancel context.CancelFunc
	done   chan struct{}

	mu  sync.Mutex
	err error
}

func (g *goroutineLink) finish(err error) {
	g.mu.Lock()
	g.err = err
	g.mu.Unlock()
	close(g.done)
}

func (g *goroutineLink) Done() <-chan struct{} { return g.done }

func (g *goroutineLink) Err() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.err
}

// Stop cancels the loop and waits up to grace for it to return.
func (g *goroutineLink) Stop(grace time.Duration) error {
	g.cancel()
	select {
	case <-g.done:
		return nil
	case <-time.After(grace):
		return fmt.Errorf("dp loop still running after %s", grace)
	}
}
