//go:build !pcap

package utils

import (
	"fmt"

	"golang.org/x/net/bpf"
)

// CompileBpf compiles a tcpdump expression with libpcap.
func CompileBpf(filter string, _ int) ([]bpf.RawInstruction, error) {
	return nil, fmt.Errorf("%w: %q", ErrNoCompiler, filter)
}
