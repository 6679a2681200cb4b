package netio

import (
	"errors"
	"fmt"
	"net"
	"os"
	"sync"
	"time"

	"github.com/google/gopacket/afpacket"
	"github.com/hashicorp/go-multierror"
	"github.com/sirupsen/logrus"
	"golang.org/x/net/bpf"

	"firestige.xyz/dpni/internal/core"
	"firestige.xyz/dpni/internal/log"
	"firestige.xyz/dpni/internal/utils"
)

// AFPacketName is the registered name of the AF_PACKET transport.
const AFPacketName = "afpacket"

// AFPacketOptions configures the AF_PACKET ring.
type AFPacketOptions struct {
	SnapLen      int           `mapstructure:"snap_len"`
	BufferSizeMB int           `mapstructure:"buffer_size_mb"`
	PollTimeout  time.Duration `mapstructure:"poll_timeout"`
	// Filter is an extra tcpdump expression ANDed by the kernel. It needs
	// the pcap build tag.
	Filter string `mapstructure:"filter"`
}

// AFPacket is a TPACKET_V2 ring bound to one interface.
type AFPacket struct {
	handle *afpacket.TPacket
	ifi    *net.Interface
	member *membership
	snap   int

	mu      sync.Mutex
	station []bpf.RawInstruction
	extra   []bpf.RawInstruction
	promisc bool
}

func init() {
	Register(AFPacketName, func(iface string, options map[string]interface{}) (Transport, error) {
		opts := AFPacketOptions{SnapLen: 1518, BufferSizeMB: 2, PollTimeout: 100 * time.Millisecond}
		if err := decodeOptions(options, &opts); err != nil {
			return nil, err
		}
		return NewAFPacket(iface, opts)
	})
}

// NewAFPacket opens iface and installs a kernel filter passing only frames
// addressed to this station or to a group.
func NewAFPacket(iface string, opts AFPacketOptions) (*AFPacket, error) {
	ifi, err := lookupInterface(iface)
	if err != nil {
		return nil, err
	}
	frameSize, blockSize, numBlocks, err := recomputeSize(opts.BufferSizeMB, opts.SnapLen, os.Getpagesize())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", core.ErrConfigInvalid, err)
	}
	tp, err := afpacket.NewTPacket(
		afpacket.OptInterface(iface),
		afpacket.OptFrameSize(frameSize),
		afpacket.OptBlockSize(blockSize),
		afpacket.OptNumBlocks(numBlocks),
		afpacket.OptPollTimeout(opts.PollTimeout),
		afpacket.SocketRaw,
		afpacket.OptTPacketVersion(afpacket.TPacketVersion2),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create TPacket handle: %w", err)
	}
	a := &AFPacket{handle: tp, ifi: ifi, snap: opts.SnapLen}

	if opts.Filter != "" {
		if a.extra, err = utils.CompileBpf(opts.Filter, opts.SnapLen); err != nil {
			tp.Close()
			return nil, err
		}
	}
	if a.station, err = utils.StationFilter(ifi.HardwareAddr, uint32(opts.SnapLen)); err != nil {
		tp.Close()
		return nil, err
	}
	if err := a.applyFilter(); err != nil {
		tp.Close()
		return nil, err
	}
	if a.member, err = newMembership(ifi.Index); err != nil {
		tp.Close()
		return nil, err
	}

	log.GetLogger().WithFields(logrus.Fields{
		"interface":  iface,
		"hw":         ifi.HardwareAddr.String(),
		"frame_size": frameSize,
		"blocks":     numBlocks,
	}).Info("afpacket transport opened")
	return a, nil
}

// applyFilter installs the station filter, or only the extra expression when
// promiscuous.
func (a *AFPacket) applyFilter() error {
	var prog []bpf.RawInstruction
	switch {
	case a.promisc && a.extra != nil:
		prog = a.extra
	case a.promisc:
		prog = utils.AcceptAll(uint32(a.snap))
	case a.extra != nil:
		prog = utils.Chain(a.station, a.extra)
	default:
		prog = a.station
	}
	if err := a.handle.SetBPF(prog); err != nil {
		return fmt.Errorf("failed to apply BPF filter: %w", err)
	}
	return nil
}

func (a *AFPacket) ReadFrame() ([]byte, error) {
	data, _, err := a.handle.ReadPacketData()
	if err != nil {
		if errors.Is(err, afpacket.ErrTimeout) {
			return nil, core.ErrTransportTimeout
		}
		return nil, err
	}
	return data, nil
}

func (a *AFPacket) WriteFrame(frame []byte) error {
	return a.handle.WritePacketData(frame)
}

func (a *AFPacket) HardwareAddr() net.HardwareAddr { return a.ifi.HardwareAddr }

func (a *AFPacket) SetMulticast(groups []net.HardwareAddr) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.member.setGroups(groups)
}

func (a *AFPacket) SetPromiscuous(on bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.member.setPromiscuous(on); err != nil {
		return err
	}
	a.promisc = on
	return a.applyFilter()
}

func (a *AFPacket) Close() error {
	var result *multierror.Error
	if err := a.member.close(); err != nil {
		result = multierror.Append(result, fmt.Errorf("close membership socket: %w", err))
	}
	a.handle.Close()
	return result.ErrorOrNil()
}
