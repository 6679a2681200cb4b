package netio

import (
	"fmt"
	"net"
	"sync"
	"time"

	"firestige.xyz/dpni/internal/core"
)

// LoopbackName is the registered name of the in-memory transport.
const LoopbackName = "loopback"

// LoopbackOptions configures a loopback wire.
type LoopbackOptions struct {
	HardwareAddr string        `mapstructure:"hardware_addr"`
	Reflect      *bool         `mapstructure:"reflect"`
	QueueLen     int           `mapstructure:"queue_len"`
	PollTimeout  time.Duration `mapstructure:"poll_timeout"`
}

// DefaultLoopbackAddr is a locally administered unicast address.
var DefaultLoopbackAddr = net.HardwareAddr{0x02, 0x00, 0x00, 0x4e, 0x49, 0x01}

// Loopback is an in-memory wire. Written frames are reflected back to the
// reader when Reflect is on, the way a shared medium shows a station its own
// transmissions; tests feed external traffic with Inject.
type Loopback struct {
	hw      net.HardwareAddr
	reflect bool
	poll    time.Duration
	frames  chan []byte

	mu      sync.Mutex
	closed  bool
	done    chan struct{}
	sent    [][]byte
	groups  []net.HardwareAddr
	promisc bool
}

func init() {
	Register(LoopbackName, func(_ string, options map[string]interface{}) (Transport, error) {
		var opts LoopbackOptions
		if err := decodeOptions(options, &opts); err != nil {
			return nil, err
		}
		return NewLoopback(opts)
	})
}

// NewLoopback creates a loopback wire.
func NewLoopback(opts LoopbackOptions) (*Loopback, error) {
	hw := DefaultLoopbackAddr
	if opts.HardwareAddr != "" {
		parsed, err := net.ParseMAC(opts.HardwareAddr)
		if err != nil || len(parsed) != 6 {
			return nil, fmt.Errorf("%w: loopback hardware_addr %q", core.ErrConfigInvalid, opts.HardwareAddr)
		}
		hw = parsed
	}
	if opts.QueueLen <= 0 {
		opts.QueueLen = 64
	}
	if opts.PollTimeout <= 0 {
		opts.PollTimeout = 100 * time.Millisecond
	}
	reflect := true
	if opts.Reflect != nil {
		reflect = *opts.Reflect
	}
	return &Loopback{
		hw:      hw,
		reflect: reflect,
		poll:    opts.PollTimeout,
		frames:  make(chan []byte, opts.QueueLen),
		done:    make(chan struct{}),
	}, nil
}

func (l *Loopback) ReadFrame() ([]byte, error) {
	t := time.NewTimer(l.poll)
	defer t.Stop()
	select {
	case f := <-l.frames:
		return f, nil
	case <-l.done:
		return nil, ErrClosed
	case <-t.C:
		return nil, core.ErrTransportTimeout
	}
}

func (l *Loopback) WriteFrame(frame []byte) error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return ErrClosed
	}
	cp := append([]byte(nil), frame...)
	l.sent = append(l.sent, cp)
	l.mu.Unlock()
	if l.reflect {
		return l.Inject(cp)
	}
	return nil
}

// Inject queues a frame as if it had arrived from the wire. A full queue
// drops the frame, as a real interface would.
func (l *Loopback) Inject(frame []byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return ErrClosed
	}
	select {
	case l.frames <- append([]byte(nil), frame...):
	default:
	}
	return nil
}

// Sent returns copies of every frame written so far.
func (l *Loopback) Sent() [][]byte {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([][]byte, len(l.sent))
	copy(out, l.sent)
	return out
}

// Groups returns the multicast groups last configured.
func (l *Loopback) Groups() []net.HardwareAddr {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]net.HardwareAddr(nil), l.groups...)
}

// Promiscuous reports the last promiscuous setting.
func (l *Loopback) Promiscuous() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.promisc
}

func (l *Loopback) HardwareAddr() net.HardwareAddr { return l.hw }

func (l *Loopback) SetMulticast(groups []net.HardwareAddr) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.groups = append(l.groups[:0], groups...)
	return nil
}

func (l *Loopback) SetPromiscuous(on bool) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.promisc = on
	return nil
}

func (l *Loopback) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.closed {
		l.closed = true
		close(l.done)
	}
	return nil
}
