package netio

import "fmt"

// recomputeSize derives a TPACKET ring geometry from a memory budget:
// frames are TPACKET_ALIGNMENT aligned, blocks are whole pages holding whole
// frames, and the block count fills the budget.
func recomputeSize(bufferMB, snapLen, pageSize int) (frameSize, blockSize, numBlocks int, err error) {
	const (
		tpacketAlignment = 16
		tpacketHdrLen    = 52
		maxBlockSize     = 4 << 20
	)
	if bufferMB <= 0 {
		return 0, 0, 0, fmt.Errorf("buffer_size_mb must be positive, got %d", bufferMB)
	}
	if snapLen <= 0 {
		return 0, 0, 0, fmt.Errorf("snap_len must be positive, got %d", snapLen)
	}
	if pageSize <= 0 || pageSize%tpacketAlignment != 0 {
		return 0, 0, 0, fmt.Errorf("page size %d not a multiple of %d", pageSize, tpacketAlignment)
	}

	frameSize = roundUp(tpacketHdrLen+snapLen, tpacketAlignment)
	blockSize = lcm(pageSize, frameSize)
	if blockSize > maxBlockSize {
		// Fall back to the page-rounded size of as many frames as fit.
		blockSize = roundUp((maxBlockSize/frameSize)*frameSize, pageSize)
	}
	numBlocks = bufferMB << 20 / blockSize
	if numBlocks < 1 {
		numBlocks = 1
	}
	return frameSize, blockSize, numBlocks, nil
}

func roundUp(n, to int) int {
	return (n + to - 1) / to * to
}

func gcd(a, b int) int {
	for b != 0 {
		a, b = b, a%b
	}
	return a
}

func lcm(a, b int) int {
	return a / gcd(a, b) * b
}
