// Package dp implements the shared-memory transport between the controller
// process and its I/O subprocess: a segment holding a fixed header and one
// buffer per direction, and a single-slot Channel per direction whose ready
// flag is authoritative and whose wakeup signal is only a hint.
package dp

import (
	"bytes"
	"fmt"
	"os"
	"sync/atomic"
	"unsafe"

	"github.com/hashicorp/go-multierror"
	"golang.org/x/sys/unix"
)

// Segment format identification.
const (
	Magic        = "DPNISEG\x00"
	VersionMajor = 1
	VersionMinor = 0
	VersionEdit  = 0
)

// Debug bits in the segment header, set by the controller side.
const (
	DebugFrames uint32 = 1 << iota // log every frame the subprocess moves
)

// Header field offsets. All fields are native-endian uint32.
const (
	offMagic      = 0
	offMajor      = 8
	offMinor      = 12
	offEdit       = 16
	offDebug      = 20
	offTotal      = 24
	offHeaderSize = 28
	offToDP       = 64
	offFromDP     = 128

	// Align is the alignment of the descriptors and buffers.
	Align = 64
	// HeaderSize is the size of the fixed header.
	HeaderSize = 192
	// MaxSegment bounds the total size so every offset fits a uint32 field.
	MaxSegment = 1 << 30
)

// Descriptor field offsets, relative to the descriptor block.
const (
	dReady     = 0
	dCmd       = 4
	dCount     = 8
	dBufOffset = 12
	dBufLength = 16
	dHostPID   = 20
	dDPPID     = 24
	dSignal    = 28
)

// Layout describes the segment geometry. Out is the controller-to-subprocess
// buffer and In the subprocess-to-controller buffer.
type Layout struct {
	Total  int
	Header int
	Out    int
	In     int
}

func alignUp(n int) int {
	return (n + Align - 1) &^ (Align - 1)
}

// NewLayout builds the layout for the given buffer sizes, each rounded up to
// Align.
func NewLayout(out, in int) (Layout, error) {
	l := Layout{Header: HeaderSize, Out: alignUp(out), In: alignUp(in)}
	l.Total = l.Header + l.Out + l.In
	if err := l.Validate(); err != nil {
		return Layout{}, err
	}
	return l, nil
}

// OutOffset is the segment offset of the output buffer.
func (l Layout) OutOffset() int { return l.Header }

// InOffset is the segment offset of the input buffer.
func (l Layout) InOffset() int { return l.Header + l.Out }

// Validate checks that the header and both buffers fit the total size.
func (l Layout) Validate() error {
	switch {
	case l.Header < HeaderSize:
		return fmt.Errorf("%w: header %d smaller than %d", ErrLayout, l.Header, HeaderSize)
	case l.Out <= 0 || l.In <= 0:
		return fmt.Errorf("%w: buffer sizes out=%d in=%d", ErrLayout, l.Out, l.In)
	case l.Header%Align != 0 || l.Out%Align != 0:
		return fmt.Errorf("%w: header and buffers must be %d-byte aligned", ErrLayout, Align)
	case l.Total <= 0 || l.Total > MaxSegment:
		return fmt.Errorf("%w: total %d out of range", ErrLayout, l.Total)
	case l.Header+l.Out+l.In > l.Total:
		return fmt.Errorf("%w: header %d + buffers %d exceed total %d", ErrLayout, l.Header, l.Out+l.In, l.Total)
	}
	return nil
}

// Segment is a mapped shared transport segment.
type Segment struct {
	mem    []byte
	file   *os.File
	layout Layout
	locked bool
}

// Create allocates a memfd-backed segment that a subprocess can inherit.
func Create(l Layout) (*Segment, error) {
	if err := l.Validate(); err != nil {
		return nil, err
	}
	fd, err := unix.MemfdCreate("dpni-segment", unix.MFD_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("memfd_create: %w", err)
	}
	f := os.NewFile(uintptr(fd), "dpni-segment")
	if err := unix.Ftruncate(fd, int64(l.Total)); err != nil {
		f.Close()
		return nil, fmt.Errorf("ftruncate segment: %w", err)
	}
	mem, err := unix.Mmap(fd, 0, l.Total, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("mmap segment: %w", err)
	}
	s := &Segment{mem: mem, file: f, layout: l}
	s.format()
	return s, nil
}

// CreateAnonymous maps a shared anonymous segment, for use when both sides
// run in this process.
func CreateAnonymous(l Layout) (*Segment, error) {
	if err := l.Validate(); err != nil {
		return nil, err
	}
	mem, err := unix.Mmap(-1, 0, l.Total, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED|unix.MAP_ANON)
	if err != nil {
		return nil, fmt.Errorf("mmap segment: %w", err)
	}
	s := &Segment{mem: mem, layout: l}
	s.format()
	return s, nil
}

// Attach maps an inherited segment and validates its magic and version.
func Attach(f *os.File) (*Segment, error) {
	var st unix.Stat_t
	if err := unix.Fstat(int(f.Fd()), &st); err != nil {
		return nil, fmt.Errorf("fstat segment: %w", err)
	}
	if st.Size < HeaderSize || st.Size > MaxSegment {
		return nil, fmt.Errorf("%w: segment file size %d", ErrLayout, st.Size)
	}
	mem, err := unix.Mmap(int(f.Fd()), 0, int(st.Size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("mmap segment: %w", err)
	}
	s := &Segment{mem: mem, file: f}
	if err := s.check(int(st.Size)); err != nil {
		unix.Munmap(mem)
		return nil, err
	}
	return s, nil
}

func (s *Segment) check(size int) error {
	if !bytes.Equal(s.mem[offMagic:offMagic+len(Magic)], []byte(Magic)) {
		return ErrBadMagic
	}
	major, minor, edit := s.Version()
	if major != VersionMajor || minor != VersionMinor || edit != VersionEdit {
		return fmt.Errorf("%w: segment %d.%d.%d, want %d.%d.%d",
			ErrVersionMismatch, major, minor, edit, VersionMajor, VersionMinor, VersionEdit)
	}
	l := Layout{
		Total:  int(s.load(offTotal)),
		Header: int(s.load(offHeaderSize)),
		Out:    int(s.load(offToDP + dBufLength)),
		In:     int(s.load(offFromDP + dBufLength)),
	}
	if err := l.Validate(); err != nil {
		return err
	}
	if l.Total != size {
		return fmt.Errorf("%w: header total %d, mapped %d", ErrLayout, l.Total, size)
	}
	if int(s.load(offToDP+dBufOffset)) != l.OutOffset() || int(s.load(offFromDP+dBufOffset)) != l.InOffset() {
		return fmt.Errorf("%w: buffer offsets", ErrLayout)
	}
	s.layout = l
	return nil
}

func (s *Segment) format() {
	copy(s.mem[offMagic:], Magic)
	s.store(offMajor, VersionMajor)
	s.store(offMinor, VersionMinor)
	s.store(offEdit, VersionEdit)
	s.store(offTotal, uint32(s.layout.Total))
	s.store(offHeaderSize, uint32(s.layout.Header))
	s.store(offToDP+dBufOffset, uint32(s.layout.OutOffset()))
	s.store(offToDP+dBufLength, uint32(s.layout.Out))
	s.store(offFromDP+dBufOffset, uint32(s.layout.InOffset()))
	s.store(offFromDP+dBufLength, uint32(s.layout.In))
}

func (s *Segment) word(off int) *uint32 {
	return (*uint32)(unsafe.Pointer(&s.mem[off]))
}

func (s *Segment) load(off int) uint32 {
	return atomic.LoadUint32(s.word(off))
}

func (s *Segment) store(off int, v uint32) {
	atomic.StoreUint32(s.word(off), v)
}

func (s *Segment) cas(off int, old, new uint32) bool {
	return atomic.CompareAndSwapUint32(s.word(off), old, new)
}

// Layout returns the segment geometry.
func (s *Segment) Layout() Layout { return s.layout }

// File returns the backing memfd, or nil for an anonymous segment.
func (s *Segment) File() *os.File { return s.file }

// Version returns the format version stored in the header.
func (s *Segment) Version() (major, minor, edit uint32) {
	return s.load(offMajor), s.load(offMinor), s.load(offEdit)
}

// Debug returns the shared debug bits.
func (s *Segment) Debug() uint32 { return s.load(offDebug) }

// SetDebug replaces the shared debug bits.
func (s *Segment) SetDebug(bits uint32) { s.store(offDebug, bits) }

// Mlock pins the segment in memory.
func (s *Segment) Mlock() error {
	if err := unix.Mlock(s.mem); err != nil {
		return fmt.Errorf("mlock segment: %w", err)
	}
	s.locked = true
	return nil
}

// Close unmaps the segment and closes its file.
func (s *Segment) Close() error {
	var result *multierror.Error
	if s.mem != nil {
		if s.locked {
			if err := unix.Munlock(s.mem); err != nil {
				result = multierror.Append(result, fmt.Errorf("munlock: %w", err))
			}
		}
		if err := unix.Munmap(s.mem); err != nil {
			result = multierror.Append(result, fmt.Errorf("munmap: %w", err))
		}
		s.mem = nil
	}
	if s.file != nil {
		if err := s.file.Close(); err != nil {
			result = multierror.Append(result, fmt.Errorf("close segment file: %w", err))
		}
		s.file = nil
	}
	return result.ErrorOrNil()
}
