package utils

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net"

	"golang.org/x/net/bpf"
)

// ErrNoCompiler is returned by CompileBpf in builds without libpcap.
var ErrNoCompiler = errors.New("dpni: filter expressions need the pcap build tag")

// StationFilter returns a kernel filter passing frames whose destination is
// hw or has the group bit set, truncated to snap bytes.
func StationFilter(hw net.HardwareAddr, snap uint32) ([]bpf.RawInstruction, error) {
	if len(hw) != 6 {
		return nil, fmt.Errorf("station filter: bad hardware address %v", hw)
	}
	return bpf.Assemble([]bpf.Instruction{
		bpf.LoadAbsolute{Off: 0, Size: 1},
		bpf.JumpIf{Cond: bpf.JumpBitsSet, Val: 0x01, SkipTrue: 4},
		bpf.LoadAbsolute{Off: 0, Size: 4},
		bpf.JumpIf{Cond: bpf.JumpEqual, Val: binary.BigEndian.Uint32(hw[0:4]), SkipFalse: 3},
		bpf.LoadAbsolute{Off: 4, Size: 2},
		bpf.JumpIf{Cond: bpf.JumpEqual, Val: uint32(binary.BigEndian.Uint16(hw[4:6])), SkipFalse: 1},
		bpf.RetConstant{Val: snap},
		bpf.RetConstant{Val: 0},
	})
}

// AcceptAll returns a filter passing every frame.
func AcceptAll(snap uint32) []bpf.RawInstruction {
	prog, _ := bpf.Assemble([]bpf.Instruction{bpf.RetConstant{Val: snap}})
	return prog
}

// Chain runs first and, where it would accept, continues into second.
func Chain(first, second []bpf.RawInstruction) []bpf.RawInstruction {
	insns, _ := bpf.Disassemble(first)
	for i, ins := range insns {
		if ret, ok := ins.(bpf.RetConstant); ok && ret.Val != 0 {
			insns[i] = bpf.Jump{Skip: uint32(len(insns) - i - 1)}
		}
	}
	head, err := bpf.Assemble(insns)
	if err != nil {
		return first
	}
	return append(head, second...)
}
