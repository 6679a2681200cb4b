package netio

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecomputeSize(t *testing.T) {
	frame, block, n, err := recomputeSize(2, 1518, 4096)
	require.NoError(t, err)
	assert.Equal(t, 1584, frame)
	assert.Zero(t, frame%16)
	assert.Zero(t, block%4096)
	assert.GreaterOrEqual(t, block, frame)
	assert.GreaterOrEqual(t, n, 1)

	_, _, _, err = recomputeSize(0, 1518, 4096)
	assert.Error(t, err)
	_, _, _, err = recomputeSize(2, 0, 4096)
	assert.Error(t, err)
	_, _, _, err = recomputeSize(2, 1518, 1000)
	assert.Error(t, err)
}
