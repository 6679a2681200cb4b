// Package guest models the emulated machine's memory as the controller sees
// it: a word-addressed arena of 36-bit words, with helpers for the 8-bit byte
// packing the network controller uses and for the doubly-linked queues that
// live inside it.
package guest

import "fmt"

// Word is a 36-bit machine word held in the low bits of a uint64.
type Word uint64

// Addr is a physical word address.
type Addr uint32

const (
	WordBits = 36
	WordMask = Word(1)<<WordBits - 1

	// Ones is the all-ones word (-1 in the guest's arithmetic).
	Ones = WordMask
)

// Memory is the controller's view of guest physical memory. Implementations
// belong to the outer emulator; the controller never holds raw pointers, only
// addresses, and validates them with Contains before dereferencing.
type Memory interface {
	Load(a Addr) Word
	Store(a Addr, w Word)
	Size() Addr
}

// Contains reports whether the n words starting at a are all inside mem.
func Contains(mem Memory, a Addr, n int) bool {
	if n <= 0 {
		return a < mem.Size()
	}
	end := uint64(a) + uint64(n)
	return end <= uint64(mem.Size())
}

// Flat is a plain slice-backed Memory.
type Flat struct {
	words []Word
}

// NewFlat allocates n zeroed words.
func NewFlat(n int) *Flat {
	return &Flat{words: make([]Word, n)}
}

func (m *Flat) Load(a Addr) Word {
	if int(a) >= len(m.words) {
		panic(fmt.Sprintf("guest: load from nonexistent address %#o", a))
	}
	return m.words[a]
}

func (m *Flat) Store(a Addr, w Word) {
	if int(a) >= len(m.words) {
		panic(fmt.Sprintf("guest: store to nonexistent address %#o", a))
	}
	m.words[a] = w & WordMask
}

func (m *Flat) Size() Addr {
	return Addr(len(m.words))
}

// AddrOf extracts a physical address from the low bits of a pointer word.
func AddrOf(w Word) Addr {
	return Addr(w & 0o17777777) // 22-bit physical address
}
