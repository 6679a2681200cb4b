package guest

import (
	"errors"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testHdr   = Addr(0o100)
	testPool  = Addr(0o1000)
	entrySize = 16
)

func newQueueFixture(t *testing.T) (*Flat, *Queues) {
	t.Helper()
	mem := NewFlat(0o10000)
	InitHeader(mem, testHdr, entrySize)
	return mem, NewQueues(mem)
}

func entryAt(i int) Addr {
	return testPool + Addr(i*entrySize)
}

func TestEmptyQueue(t *testing.T) {
	mem, q := newQueueFixture(t)

	_, res, err := q.Get(testHdr)
	require.NoError(t, err)
	assert.Equal(t, Empty, res)

	// Both links of an empty queue point at the header's own link pair.
	s := Sentinel(testHdr)
	assert.Equal(t, Word(s), mem.Load(testHdr+HdrFlink))
	assert.Equal(t, Word(s), mem.Load(testHdr+HdrBlink))
	assert.False(t, IsLocked(mem, testHdr))
}

func TestPutGetFIFO(t *testing.T) {
	_, q := newQueueFixture(t)

	for i := 0; i < 3; i++ {
		res, err := q.Put(testHdr, entryAt(i))
		require.NoError(t, err)
		require.Equal(t, OK, res)
	}
	n, err := q.Len(testHdr)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	for i := 0; i < 3; i++ {
		e, res, err := q.Get(testHdr)
		require.NoError(t, err)
		require.Equal(t, OK, res)
		assert.Equal(t, entryAt(i), e)
	}
	_, res, err := q.Get(testHdr)
	require.NoError(t, err)
	assert.Equal(t, Empty, res)
}

func TestUngetRestoresHead(t *testing.T) {
	_, q := newQueueFixture(t)
	for i := 0; i < 2; i++ {
		_, err := q.Put(testHdr, entryAt(i))
		require.NoError(t, err)
	}

	e, _, err := q.Get(testHdr)
	require.NoError(t, err)
	require.Equal(t, entryAt(0), e)

	res, err := q.Unget(testHdr, e)
	require.NoError(t, err)
	require.Equal(t, OK, res)

	again, _, err := q.Get(testHdr)
	require.NoError(t, err)
	assert.Equal(t, entryAt(0), again)
}

func TestOnFirstFiresOnTransition(t *testing.T) {
	_, q := newQueueFixture(t)
	var fired []Addr
	q.OnFirst(func(hdr Addr) { fired = append(fired, hdr) })

	_, err := q.Put(testHdr, entryAt(0))
	require.NoError(t, err)
	_, err = q.Put(testHdr, entryAt(1))
	require.NoError(t, err)
	assert.Equal(t, []Addr{testHdr}, fired)

	_, _, _ = q.Get(testHdr)
	_, _, _ = q.Get(testHdr)
	_, err = q.Put(testHdr, entryAt(2))
	require.NoError(t, err)
	assert.Equal(t, []Addr{testHdr, testHdr}, fired)
}

func TestGetLocked(t *testing.T) {
	mem, q := newQueueFixture(t)
	_, err := q.Put(testHdr, entryAt(0))
	require.NoError(t, err)

	require.True(t, Lock(mem, testHdr))
	_, res, err := q.Get(testHdr)
	require.NoError(t, err)
	assert.Equal(t, Locked, res)

	Unlock(mem, testHdr)
	e, res, err := q.Get(testHdr)
	require.NoError(t, err)
	assert.Equal(t, OK, res)
	assert.Equal(t, entryAt(0), e)
}

func TestLockedPutIsRememberedAndRetried(t *testing.T) {
	mem, q := newQueueFixture(t)
	var fired int
	q.OnFirst(func(Addr) { fired++ })

	require.True(t, Lock(mem, testHdr))

	res, err := q.Put(testHdr, entryAt(0))
	require.NoError(t, err)
	assert.Equal(t, Locked, res)
	assert.True(t, q.Pending())

	hdr, entry, ok := q.PendingTarget()
	require.True(t, ok)
	assert.Equal(t, testHdr, hdr)
	assert.Equal(t, entryAt(0), entry)

	// A second deferral has nowhere to go.
	_, err = q.Put(testHdr, entryAt(1))
	assert.True(t, errors.Is(err, ErrPendingBusy))

	res, err = q.RetryPending()
	require.NoError(t, err)
	assert.Equal(t, Locked, res)
	assert.Equal(t, 0, fired)

	Unlock(mem, testHdr)
	res, err = q.RetryPending()
	require.NoError(t, err)
	assert.Equal(t, OK, res)
	assert.False(t, q.Pending())
	assert.Equal(t, 1, fired)

	// Exactly one copy, no loss.
	n, err := q.Len(testHdr)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	e, _, err := q.Get(testHdr)
	require.NoError(t, err)
	assert.Equal(t, entryAt(0), e)

	res, err = q.RetryPending()
	require.NoError(t, err)
	assert.Equal(t, OK, res)
	n, err = q.Len(testHdr)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestBadPointers(t *testing.T) {
	mem, q := newQueueFixture(t)

	_, err := q.Put(testHdr, 0)
	assert.True(t, errors.Is(err, ErrBadPointer))

	_, err = q.Put(testHdr, mem.Size()-1)
	assert.True(t, errors.Is(err, ErrBadPointer))

	_, _, err = q.Get(mem.Size())
	assert.True(t, errors.Is(err, ErrBadPointer))

	// A flink that leaves memory is a structural fault, not an empty queue.
	mem.Store(testHdr+HdrFlink, Word(mem.Size()+5))
	_, _, err = q.Get(testHdr)
	assert.True(t, errors.Is(err, ErrBadPointer))
	assert.False(t, IsLocked(mem, testHdr), "interlock must be released on error")
}

func TestLenDetectsBrokenBackLink(t *testing.T) {
	mem, q := newQueueFixture(t)
	for i := 0; i < 3; i++ {
		_, err := q.Put(testHdr, entryAt(i))
		require.NoError(t, err)
	}
	mem.Store(entryAt(2)+EntBlink, Word(entryAt(0)))

	_, err := q.Len(testHdr)
	assert.True(t, errors.Is(err, ErrQueueCorrupt))
}

// Any interleaving of get/put/unget keeps the queue circular with
// puts - gets entries on it.
func TestRandomInterleavingKeepsInvariant(t *testing.T) {
	_, q := newQueueFixture(t)
	rng := rand.New(rand.NewSource(36))

	const pool = 40
	free := make([]Addr, 0, pool)
	for i := 0; i < pool; i++ {
		free = append(free, entryAt(i))
	}
	var held []Addr
	queued := 0

	for step := 0; step < 2000; step++ {
		switch op := rng.Intn(3); {
		case op == 0 && len(free) > 0:
			e := free[len(free)-1]
			free = free[:len(free)-1]
			res, err := q.Put(testHdr, e)
			require.NoError(t, err)
			require.Equal(t, OK, res)
			queued++
		case op == 1:
			e, res, err := q.Get(testHdr)
			require.NoError(t, err)
			if queued == 0 {
				require.Equal(t, Empty, res)
				continue
			}
			require.Equal(t, OK, res)
			held = append(held, e)
			queued--
		case op == 2 && len(held) > 0:
			e := held[len(held)-1]
			held = held[:len(held)-1]
			res, err := q.Unget(testHdr, e)
			require.NoError(t, err)
			require.Equal(t, OK, res)
			queued++
		default:
			if len(held) > 0 {
				free = append(free, held[0])
				held = held[1:]
			}
		}

		n, err := q.Len(testHdr)
		require.NoError(t, err)
		require.Equal(t, queued, n, "step %d", step)
	}
}
