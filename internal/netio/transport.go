// Package netio provides the byte-in/byte-out link transports the I/O
// subprocess moves frames through.
package netio

import (
	"errors"
	"fmt"
	"net"
	"sort"
	"sync"

	"github.com/mitchellh/mapstructure"

	"firestige.xyz/dpni/internal/config"
	"firestige.xyz/dpni/internal/core"
)

// ErrClosed is returned by operations on a closed transport.
var ErrClosed = errors.New("dpni: transport closed")

// Transport moves whole link-layer frames. ReadFrame blocks for at most the
// transport's poll timeout and returns core.ErrTransportTimeout when nothing
// arrived, so callers can observe cancellation.
type Transport interface {
	ReadFrame() ([]byte, error)
	WriteFrame(frame []byte) error
	HardwareAddr() net.HardwareAddr
	SetMulticast(groups []net.HardwareAddr) error
	SetPromiscuous(on bool) error
	Close() error
}

// Builder opens a transport on iface with transport-specific options.
type Builder func(iface string, options map[string]interface{}) (Transport, error)

var (
	mu       sync.RWMutex
	builders = make(map[string]Builder)
)

// Register makes a transport available by name.
func Register(name string, b Builder) {
	mu.Lock()
	defer mu.Unlock()
	builders[name] = b
}

// Names lists the registered transports.
func Names() []string {
	mu.RLock()
	defer mu.RUnlock()
	names := make([]string, 0, len(builders))
	for n := range builders {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Open builds the transport a device section names.
func Open(cfg *config.DeviceConfig) (Transport, error) {
	mu.RLock()
	b, ok := builders[cfg.Transport]
	mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", core.ErrTransportNotFound, cfg.Transport)
	}
	t, err := b(cfg.Interface, cfg.Options)
	if err != nil {
		return nil, fmt.Errorf("open %s transport on %q: %w", cfg.Transport, cfg.Interface, err)
	}
	if cfg.Promiscuous {
		if err := t.SetPromiscuous(true); err != nil {
			t.Close()
			return nil, err
		}
	}
	return t, nil
}

// decodeOptions fills out from a device's options map.
func decodeOptions(options map[string]interface{}, out interface{}) error {
	if len(options) == 0 {
		return nil
	}
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		DecodeHook:       mapstructure.StringToTimeDurationHookFunc(),
		WeaklyTypedInput: true,
		ErrorUnused:      true,
		Result:           out,
	})
	if err != nil {
		return err
	}
	if err := dec.Decode(options); err != nil {
		return fmt.Errorf("%w: transport options: %v", core.ErrConfigInvalid, err)
	}
	return nil
}

// IsGroup reports whether a destination address is multicast or broadcast.
func IsGroup(addr []byte) bool {
	return len(addr) > 0 && addr[0]&0x01 != 0
}
