package netio

import (
	"bytes"
	"fmt"
	"net"

	"github.com/hashicorp/go-multierror"
	"golang.org/x/sys/unix"
)

// membership holds multicast and promiscuous requests on an auxiliary
// AF_PACKET socket. The kernel drops them when the socket closes.
type membership struct {
	fd      int
	ifindex int
	groups  []net.HardwareAddr
	promisc bool
}

func newMembership(ifindex int) (*membership, error) {
	// Protocol 0: the socket receives nothing, it only carries the requests.
	fd, err := unix.Socket(unix.AF_PACKET, unix.SOCK_RAW|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("membership socket: %w", err)
	}
	return &membership{fd: fd, ifindex: ifindex}, nil
}

func (m *membership) mreq(typ uint16, addr net.HardwareAddr) *unix.PacketMreq {
	r := &unix.PacketMreq{Ifindex: int32(m.ifindex), Type: typ}
	if addr != nil {
		r.Alen = uint16(len(addr))
		copy(r.Address[:], addr)
	}
	return r
}

func (m *membership) set(add bool, typ uint16, addr net.HardwareAddr) error {
	opt := unix.PACKET_DROP_MEMBERSHIP
	if add {
		opt = unix.PACKET_ADD_MEMBERSHIP
	}
	return unix.SetsockoptPacketMreq(m.fd, unix.SOL_PACKET, opt, m.mreq(typ, addr))
}

// setGroups replaces the joined groups with groups.
func (m *membership) setGroups(groups []net.HardwareAddr) error {
	var result *multierror.Error
	for _, g := range m.groups {
		if !containsAddr(groups, g) {
			if err := m.set(false, unix.PACKET_MR_MULTICAST, g); err != nil {
				result = multierror.Append(result, fmt.Errorf("leave %s: %w", g, err))
			}
		}
	}
	for _, g := range groups {
		if !containsAddr(m.groups, g) {
			if err := m.set(true, unix.PACKET_MR_MULTICAST, g); err != nil {
				result = multierror.Append(result, fmt.Errorf("join %s: %w", g, err))
			}
		}
	}
	m.groups = append(m.groups[:0], groups...)
	return result.ErrorOrNil()
}

func (m *membership) setPromiscuous(on bool) error {
	if on == m.promisc {
		return nil
	}
	if err := m.set(on, unix.PACKET_MR_PROMISC, nil); err != nil {
		return fmt.Errorf("promiscuous=%v: %w", on, err)
	}
	m.promisc = on
	return nil
}

func (m *membership) close() error {
	return unix.Close(m.fd)
}

func containsAddr(list []net.HardwareAddr, a net.HardwareAddr) bool {
	for _, x := range list {
		if bytes.Equal(x, a) {
			return true
		}
	}
	return false
}

// lookupInterface returns the index and hardware address of an Ethernet
// interface.
func lookupInterface(name string) (*net.Interface, error) {
	ifi, err := net.InterfaceByName(name)
	if err != nil {
		return nil, err
	}
	if len(ifi.HardwareAddr) != 6 {
		return nil, fmt.Errorf("interface %s has no 48-bit hardware address", name)
	}
	return ifi, nil
}
