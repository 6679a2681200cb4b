//go:build pcap && linux

package netio

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/google/gopacket/pcap"
	"github.com/hashicorp/go-multierror"
	"github.com/sirupsen/logrus"

	"firestige.xyz/dpni/internal/core"
	"firestige.xyz/dpni/internal/log"
	"firestige.xyz/dpni/internal/utils"
)

// PcapName is the registered name of the libpcap transport.
const PcapName = "pcap"

// PcapOptions configures a libpcap handle.
type PcapOptions struct {
	SnapLen     int           `mapstructure:"snap_len"`
	PollTimeout time.Duration `mapstructure:"poll_timeout"`
	Filter      string        `mapstructure:"filter"`
}

// Pcap is a live libpcap handle. Group membership and promiscuous mode go
// through the same auxiliary socket the afpacket transport uses.
type Pcap struct {
	handle *pcap.Handle
	ifi    *net.Interface
	member *membership
	mu     sync.Mutex
}

func init() {
	Register(PcapName, func(iface string, options map[string]interface{}) (Transport, error) {
		opts := PcapOptions{SnapLen: 1518, PollTimeout: 100 * time.Millisecond}
		if err := decodeOptions(options, &opts); err != nil {
			return nil, err
		}
		return NewPcap(iface, opts)
	})
}

// NewPcap opens iface through libpcap.
func NewPcap(iface string, opts PcapOptions) (*Pcap, error) {
	ifi, err := lookupInterface(iface)
	if err != nil {
		return nil, err
	}
	h, err := pcap.OpenLive(iface, int32(opts.SnapLen), false, opts.PollTimeout)
	if err != nil {
		return nil, fmt.Errorf("pcap open %s: %w", iface, err)
	}
	prog, err := utils.StationFilter(ifi.HardwareAddr, uint32(opts.SnapLen))
	if err != nil {
		h.Close()
		return nil, err
	}
	if opts.Filter != "" {
		extra, err := utils.CompileBpf(opts.Filter, opts.SnapLen)
		if err != nil {
			h.Close()
			return nil, err
		}
		prog = utils.Chain(prog, extra)
	}
	insns := make([]pcap.BPFInstruction, len(prog))
	for i, ins := range prog {
		insns[i] = pcap.BPFInstruction{Code: ins.Op, Jt: ins.Jt, Jf: ins.Jf, K: ins.K}
	}
	if err := h.SetBPFInstructionFilter(insns); err != nil {
		h.Close()
		return nil, fmt.Errorf("failed to apply BPF filter: %w", err)
	}
	m, err := newMembership(ifi.Index)
	if err != nil {
		h.Close()
		return nil, err
	}
	log.GetLogger().WithFields(logrus.Fields{
		"interface": iface,
		"hw":        ifi.HardwareAddr.String(),
	}).Info("pcap transport opened")
	return &Pcap{handle: h, ifi: ifi, member: m}, nil
}

func (p *Pcap) ReadFrame() ([]byte, error) {
	data, _, err := p.handle.ReadPacketData()
	if err != nil {
		if errors.Is(err, pcap.NextErrorTimeoutExpired) {
			return nil, core.ErrTransportTimeout
		}
		return nil, err
	}
	return data, nil
}

func (p *Pcap) WriteFrame(frame []byte) error {
	return p.handle.WritePacketData(frame)
}

func (p *Pcap) HardwareAddr() net.HardwareAddr { return p.ifi.HardwareAddr }

func (p *Pcap) SetMulticast(groups []net.HardwareAddr) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.member.setGroups(groups)
}

// SetPromiscuous only changes the interface mode; the station filter stays,
// so a promiscuous pcap device still sees group and own traffic only.
func (p *Pcap) SetPromiscuous(on bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.member.setPromiscuous(on)
}

func (p *Pcap) Close() error {
	var result *multierror.Error
	if err := p.member.close(); err != nil {
		result = multierror.Append(result, fmt.Errorf("close membership socket: %w", err))
	}
	p.handle.Close()
	return result.ErrorOrNil()
}
