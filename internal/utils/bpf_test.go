package utils

import (
	"errors"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/net/bpf"
)

var station = net.HardwareAddr{0x02, 0x00, 0x00, 0x4e, 0x49, 0x01}

func run(t *testing.T, prog []bpf.RawInstruction, frame []byte) int {
	t.Helper()
	insns, ok := bpf.Disassemble(prog)
	require.True(t, ok)
	vm, err := bpf.NewVM(insns)
	require.NoError(t, err)
	n, err := vm.Run(frame)
	require.NoError(t, err)
	return n
}

func frameTo(dst net.HardwareAddr) []byte {
	f := make([]byte, 60)
	copy(f, dst)
	copy(f[6:], net.HardwareAddr{0x02, 0, 0, 0, 0, 9})
	return f
}

func TestStationFilter(t *testing.T) {
	prog, err := StationFilter(station, 1518)
	require.NoError(t, err)

	assert.Positive(t, run(t, prog, frameTo(station)))
	assert.Positive(t, run(t, prog, frameTo(net.HardwareAddr{0xff, 0xff, 0xff, 0xff, 0xff, 0xff})))
	assert.Positive(t, run(t, prog, frameTo(net.HardwareAddr{0x09, 0x00, 0x2b, 0, 0, 0x0f})))
	assert.Equal(t, 0, run(t, prog, frameTo(net.HardwareAddr{0x02, 0x00, 0x00, 0x4e, 0x49, 0x02})))
	assert.Equal(t, 0, run(t, prog, frameTo(net.HardwareAddr{0x04, 0x00, 0x00, 0x4e, 0x49, 0x01})))

	_, err = StationFilter(net.HardwareAddr{1, 2}, 1518)
	assert.Error(t, err)
}

func TestChain(t *testing.T) {
	first, err := StationFilter(station, 1518)
	require.NoError(t, err)
	// Second stage accepts only frames whose byte 12 is 0x08.
	second, err := bpf.Assemble([]bpf.Instruction{
		bpf.LoadAbsolute{Off: 12, Size: 1},
		bpf.JumpIf{Cond: bpf.JumpEqual, Val: 0x08, SkipFalse: 1},
		bpf.RetConstant{Val: 1518},
		bpf.RetConstant{Val: 0},
	})
	require.NoError(t, err)
	prog := Chain(first, second)

	ip := frameTo(net.HardwareAddr{0x02, 0x00, 0x00, 0x4e, 0x49, 0x01})
	ip[12] = 0x08
	assert.Positive(t, run(t, prog, ip))

	other := frameTo(net.HardwareAddr{0x02, 0x00, 0x00, 0x4e, 0x49, 0x01})
	other[12] = 0x60
	assert.Equal(t, 0, run(t, prog, other))

	foreign := frameTo(net.HardwareAddr{0x02, 0, 0, 0, 0, 7})
	foreign[12] = 0x08
	assert.Equal(t, 0, run(t, prog, foreign))

	assert.Positive(t, run(t, AcceptAll(1518), foreign))
}

func TestCompileBpfWithoutPcap(t *testing.T) {
	_, err := CompileBpf("udp", 1518)
	if err != nil {
		assert.True(t, errors.Is(err, ErrNoCompiler))
	}
}
