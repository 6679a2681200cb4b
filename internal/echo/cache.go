// Package echo recognizes frames this interface transmitted when the
// transport loops them back. Matching is a best-effort heuristic: a link
// header plus a weak rolling digest of the payload. A digest mismatch lets a
// genuine echo through to the guest; that is accepted.
package echo

import "math/bits"

// HeaderLen is the link header saved per entry: destination and source
// addresses.
const HeaderLen = 12

const (
	DefaultSize = 32
	DefaultTTL  = 20
)

type entry struct {
	header [HeaderLen]byte
	digest uint32
	ttl    int
}

// Cache is a fixed ring of recent transmissions. The oldest active entry is
// at head. It is not safe for concurrent use.
type Cache struct {
	ring  []entry
	head  int
	count int
	ttl   int
}

// New returns a cache holding size entries that live ttl reap ticks.
func New(size, ttl int) *Cache {
	if size <= 0 {
		size = DefaultSize
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Cache{ring: make([]entry, size), ttl: ttl}
}

// Digest is the rolling checksum applied to payloads.
func Digest(payload []byte) uint32 {
	var h uint32
	for _, b := range payload {
		h = bits.RotateLeft32(h, 5) ^ uint32(b)
	}
	return h
}

func split(frame []byte) (hdr [HeaderLen]byte, payload []byte, ok bool) {
	if len(frame) < HeaderLen {
		return hdr, nil, false
	}
	copy(hdr[:], frame[:HeaderLen])
	return hdr, frame[HeaderLen:], true
}

// Record remembers frame, evicting the oldest entry if the ring is full.
func (c *Cache) Record(frame []byte) {
	hdr, payload, ok := split(frame)
	if !ok {
		return
	}
	if c.count == len(c.ring) {
		c.head = (c.head + 1) % len(c.ring)
		c.count--
	}
	c.ring[(c.head+c.count)%len(c.ring)] = entry{header: hdr, digest: Digest(payload), ttl: c.ttl}
	c.count++
}

// Check reports whether frame matches a recorded transmission. A match
// flushes that entry and every older one.
func (c *Cache) Check(frame []byte) bool {
	hdr, payload, ok := split(frame)
	if !ok || c.count == 0 {
		return false
	}
	d := Digest(payload)
	for i := 0; i < c.count; i++ {
		e := &c.ring[(c.head+i)%len(c.ring)]
		if e.digest == d && e.header == hdr {
			c.head = (c.head + i + 1) % len(c.ring)
			c.count -= i + 1
			return true
		}
	}
	return false
}

// Reap ages every entry by one tick and drops the expired ones.
func (c *Cache) Reap() {
	for i := 0; i < c.count; i++ {
		c.ring[(c.head+i)%len(c.ring)].ttl--
	}
	for c.count > 0 && c.ring[c.head].ttl <= 0 {
		c.head = (c.head + 1) % len(c.ring)
		c.count--
	}
}

// Len returns the number of active entries.
func (c *Cache) Len() int { return c.count }

// Size returns the ring capacity.
func (c *Cache) Size() int { return len(c.ring) }

// Reset drops every entry.
func (c *Cache) Reset() {
	c.head, c.count = 0, 0
}
