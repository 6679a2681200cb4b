package guest

import "fmt"

// Queue header layout.
const (
	HdrInterlock = 0
	HdrFlink     = 1
	HdrBlink     = 2
	HdrSizeHint  = 3
	HeaderWords  = 4
)

// Queue entry layout. Payload words follow EntPayload.
const (
	EntFlink    = 0
	EntBlink    = 1
	EntReserved = 2
	EntOp       = 3
	EntPayload  = 4
)

// Result is the outcome of a queue operation.
type Result int

const (
	// Locked: the other side holds the interlock; retry later.
	Locked Result = iota
	// Empty: get found nothing.
	Empty
	// OK: an entry was obtained or linked.
	OK
)

func (r Result) String() string {
	switch r {
	case Locked:
		return "locked"
	case Empty:
		return "empty"
	case OK:
		return "ok"
	}
	return fmt.Sprintf("Result(%d)", int(r))
}

// Sentinel returns the node address of hdr's link pair. Entries link to the
// header through this address, so the header behaves as an entry whose
// flink and blink sit at the same offsets as a real entry's.
func Sentinel(hdr Addr) Addr {
	return hdr + HdrFlink
}

// InitHeader makes hdr an empty, unlocked queue.
func InitHeader(mem Memory, hdr Addr, sizeHint Word) {
	s := Sentinel(hdr)
	mem.Store(hdr+HdrInterlock, Ones)
	mem.Store(s+EntFlink, Word(s))
	mem.Store(s+EntBlink, Word(s))
	mem.Store(hdr+HdrSizeHint, sizeHint)
}

// Lock takes the interlock the way guest software does: the word must read
// all ones (free); it is then set to zero. It reports whether the lock was
// obtained.
func Lock(mem Memory, hdr Addr) bool {
	if mem.Load(hdr+HdrInterlock) != Ones {
		return false
	}
	mem.Store(hdr+HdrInterlock, 0)
	return true
}

// Unlock releases the interlock.
func Unlock(mem Memory, hdr Addr) {
	mem.Store(hdr+HdrInterlock, Ones)
}

// IsLocked reports whether someone holds hdr's interlock.
func IsLocked(mem Memory, hdr Addr) bool {
	return mem.Load(hdr+HdrInterlock) != Ones
}

type deferred struct {
	hdr   Addr
	entry Addr
	head  bool
}

// Queues performs the hardware side of the guest queue protocol. It never
// blocks: a locked queue yields Locked, and a put that finds the queue
// locked is parked in a single pending slot to be retried by RetryPending.
//
// Queues is not safe for concurrent use; the controller drives it from one
// goroutine.
type Queues struct {
	mem     Memory
	pending *deferred
	onFirst func(hdr Addr)
}

func NewQueues(mem Memory) *Queues {
	return &Queues{mem: mem}
}

// OnFirst registers fn to run whenever a put or unget turns an empty queue
// non-empty.
func (q *Queues) OnFirst(fn func(hdr Addr)) {
	q.onFirst = fn
}

func (q *Queues) validHeader(hdr Addr) bool {
	return hdr != 0 && Contains(q.mem, hdr, HeaderWords)
}

func (q *Queues) validNode(a Addr) bool {
	return a != 0 && Contains(q.mem, a, EntOp+1)
}

// link follows the flink or blink of node a.
func (q *Queues) link(a Addr, w int) (Addr, error) {
	next := AddrOf(q.mem.Load(a + Addr(w)))
	if next == 0 || !Contains(q.mem, next, EntBlink+1) {
		return 0, fmt.Errorf("%w: link %#o at %#o", ErrBadPointer, next, a+Addr(w))
	}
	return next, nil
}

// Get unlinks and returns the first entry of the queue at hdr.
func (q *Queues) Get(hdr Addr) (Addr, Result, error) {
	if !q.validHeader(hdr) {
		return 0, Empty, fmt.Errorf("%w: header %#o", ErrBadPointer, hdr)
	}
	if !Lock(q.mem, hdr) {
		return 0, Locked, nil
	}
	defer Unlock(q.mem, hdr)

	s := Sentinel(hdr)
	first, err := q.link(s, EntFlink)
	if err != nil {
		return 0, Empty, err
	}
	if first == s {
		return 0, Empty, nil
	}
	if !q.validNode(first) {
		return 0, Empty, fmt.Errorf("%w: entry %#o on %#o", ErrBadPointer, first, hdr)
	}
	next, err := q.link(first, EntFlink)
	if err != nil {
		return 0, Empty, err
	}
	q.mem.Store(s+EntFlink, Word(next))
	q.mem.Store(next+EntBlink, Word(s))
	return first, OK, nil
}

// Put appends entry at the tail of hdr. If hdr is locked the relink is
// remembered and Locked is returned; ErrPendingBusy means the pending slot
// was already occupied and nothing was remembered.
func (q *Queues) Put(hdr, entry Addr) (Result, error) {
	return q.insert(hdr, entry, false)
}

// Unget links entry back at the head of hdr, so the next Get returns it
// again.
func (q *Queues) Unget(hdr, entry Addr) (Result, error) {
	return q.insert(hdr, entry, true)
}

func (q *Queues) insert(hdr, entry Addr, head bool) (Result, error) {
	if !q.validHeader(hdr) {
		return Empty, fmt.Errorf("%w: header %#o", ErrBadPointer, hdr)
	}
	if !q.validNode(entry) || entry == Sentinel(hdr) || entry == hdr {
		return Empty, fmt.Errorf("%w: entry %#o", ErrBadPointer, entry)
	}
	if !Lock(q.mem, hdr) {
		if q.pending != nil {
			return Locked, ErrPendingBusy
		}
		q.pending = &deferred{hdr: hdr, entry: entry, head: head}
		return Locked, nil
	}
	wasEmpty, err := q.splice(hdr, entry, head)
	Unlock(q.mem, hdr)
	if err != nil {
		return Empty, err
	}
	if wasEmpty && q.onFirst != nil {
		q.onFirst(hdr)
	}
	return OK, nil
}

// splice links entry into the locked queue at hdr and reports whether the
// queue was empty before.
func (q *Queues) splice(hdr, entry Addr, head bool) (bool, error) {
	s := Sentinel(hdr)
	if head {
		first, err := q.link(s, EntFlink)
		if err != nil {
			return false, err
		}
		q.mem.Store(entry+EntFlink, Word(first))
		q.mem.Store(entry+EntBlink, Word(s))
		q.mem.Store(first+EntBlink, Word(entry))
		q.mem.Store(s+EntFlink, Word(entry))
		return first == s, nil
	}
	tail, err := q.link(s, EntBlink)
	if err != nil {
		return false, err
	}
	q.mem.Store(entry+EntFlink, Word(s))
	q.mem.Store(entry+EntBlink, Word(tail))
	q.mem.Store(tail+EntFlink, Word(entry))
	q.mem.Store(s+EntBlink, Word(entry))
	return tail == s, nil
}

// Pending reports whether a deferred relink is outstanding.
func (q *Queues) Pending() bool {
	return q.pending != nil
}

// PendingTarget returns the queue and entry of the deferred relink.
func (q *Queues) PendingTarget() (hdr, entry Addr, ok bool) {
	if q.pending == nil {
		return 0, 0, false
	}
	return q.pending.hdr, q.pending.entry, true
}

// RetryPending attempts the deferred relink. It returns OK when nothing is
// pending any more and Locked when the queue is still held.
func (q *Queues) RetryPending() (Result, error) {
	p := q.pending
	if p == nil {
		return OK, nil
	}
	if !Lock(q.mem, p.hdr) {
		return Locked, nil
	}
	wasEmpty, err := q.splice(p.hdr, p.entry, p.head)
	Unlock(q.mem, p.hdr)
	q.pending = nil
	if err != nil {
		return Empty, err
	}
	if wasEmpty && q.onFirst != nil {
		q.onFirst(p.hdr)
	}
	return OK, nil
}

// DropPending forgets a deferred relink (hardware reset).
func (q *Queues) DropPending() {
	q.pending = nil
}

// Len walks hdr forward and checks every back link on the way. It is meant
// for diagnostics and tests, and ignores the interlock.
func (q *Queues) Len(hdr Addr) (int, error) {
	if !q.validHeader(hdr) {
		return 0, fmt.Errorf("%w: header %#o", ErrBadPointer, hdr)
	}
	s := Sentinel(hdr)
	limit := int(q.mem.Size())/(EntOp+1) + 1
	prev := s
	cur, err := q.link(s, EntFlink)
	if err != nil {
		return 0, err
	}
	n := 0
	for cur != s {
		if n > limit {
			return n, fmt.Errorf("%w: no return to header %#o", ErrQueueCorrupt, hdr)
		}
		if AddrOf(q.mem.Load(cur+EntBlink)) != prev {
			return n, fmt.Errorf("%w: back link of %#o", ErrQueueCorrupt, cur)
		}
		prev = cur
		if cur, err = q.link(cur, EntFlink); err != nil {
			return n, err
		}
		n++
	}
	if AddrOf(q.mem.Load(s+EntBlink)) != prev {
		return n, fmt.Errorf("%w: tail of %#o", ErrQueueCorrupt, hdr)
	}
	return n, nil
}
