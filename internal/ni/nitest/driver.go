// Package nitest plays the guest operating system's part: it lays out a
// control block, queues and tables in guest memory and submits commands the
// way a driver would. It backs the controller tests and the selftest command.
package nitest

import (
	"fmt"

	"firestige.xyz/dpni/internal/config"
	"firestige.xyz/dpni/internal/guest"
	"firestige.xyz/dpni/internal/ni"
)

// EntryWords is the size of every entry the driver allocates: header, the
// datagram fields and room for a maximum-size payload.
var EntryWords = ni.DgData + guest.WordsFor(ni.MaxPayload+2)

// Driver owns a scratch guest memory.
type Driver struct {
	Mem *guest.Flat
	Q   *guest.Queues

	PCB      guest.Addr
	PTT      guest.Addr
	MCAT     guest.Addr
	Counters guest.Addr

	next guest.Addr
}

// New lays out a control block with empty queues and zeroed tables in a
// fresh memory of the given size.
func New(words int) *Driver {
	d := &Driver{Mem: guest.NewFlat(words), next: 0o100}
	d.Q = guest.NewQueues(d.Mem)

	d.PCB = d.Alloc(ni.PCBWords)
	for _, off := range []guest.Addr{ni.PCBCommandQueue, ni.PCBResponseQueue, ni.PCBUnknownQueue} {
		guest.InitHeader(d.Mem, d.PCB+off, guest.Word(EntryWords))
	}
	d.PTT = d.Alloc(config.MaxProtocolEntries * ni.PTTStride)
	d.MCAT = d.Alloc(config.MaxMulticastEntries * ni.MCATStride)
	d.Counters = d.Alloc(ni.NumFixedCounters + config.MaxProtocolEntries + 1)
	d.Mem.Store(d.PCB+ni.PCBProtocolTable, guest.Word(d.PTT))
	d.Mem.Store(d.PCB+ni.PCBMulticastTable, guest.Word(d.MCAT))
	d.Mem.Store(d.PCB+ni.PCBCounters, guest.Word(d.Counters))
	return d
}

// Alloc hands out n zeroed words.
func (d *Driver) Alloc(n int) guest.Addr {
	a := d.next
	if int(a)+n > int(d.Mem.Size()) {
		panic(fmt.Sprintf("nitest: guest memory exhausted allocating %d words", n))
	}
	d.next += guest.Addr(n)
	return a
}

// CommandQueue, ResponseQueue and UnknownQueue return the PCB's queue headers.
func (d *Driver) CommandQueue() guest.Addr  { return d.PCB + ni.PCBCommandQueue }
func (d *Driver) ResponseQueue() guest.Addr { return d.PCB + ni.PCBResponseQueue }
func (d *Driver) UnknownQueue() guest.Addr  { return d.PCB + ni.PCBUnknownQueue }

// NewQueue allocates an empty queue header.
func (d *Driver) NewQueue() guest.Addr {
	hdr := d.Alloc(guest.HeaderWords)
	guest.InitHeader(d.Mem, hdr, guest.Word(EntryWords))
	return hdr
}

// SetProtocol writes Protocol Type Table slot.
func (d *Driver) SetProtocol(slot int, id uint16, freeQueue guest.Addr, enabled bool) {
	w0, w1 := ni.PTTEntry(id, freeQueue, enabled)
	a := d.PTT + guest.Addr(slot*ni.PTTStride)
	d.Mem.Store(a+ni.PTTProtocol, w0)
	d.Mem.Store(a+ni.PTTFreeQueue, w1)
}

// SetMulticast writes Multicast Table slot i.
func (d *Driver) SetMulticast(i int, addr [6]byte, enabled bool) {
	w0, w1 := ni.MCATEntry(addr, enabled)
	a := d.MCAT + guest.Addr(i*ni.MCATStride)
	d.Mem.Store(a, w0)
	d.Mem.Store(a+1, w1)
}

// Command allocates an entry carrying opcode and flags.
func (d *Driver) Command(code uint8, flags uint8) guest.Addr {
	e := d.Alloc(EntryWords)
	d.Mem.Store(e+guest.EntOp, ni.OpWord{Code: code, Flags: flags}.Encode())
	return e
}

// Datagram allocates a Send-Datagram entry with inline data.
func (d *Driver) Datagram(dst [6]byte, protocol uint16, data []byte, flags uint8) guest.Addr {
	e := d.Command(uint8(ni.OpSendDatagram), flags)
	d.Mem.Store(e+ni.DgTextLen, guest.Word(len(data)))
	d.Mem.Store(e+ni.DgProtocol, guest.Word(protocol))
	guest.WriteHardwareAddr(d.Mem, e+ni.DgDest, dst)
	guest.WriteBytes(d.Mem, e+ni.DgData, data)
	return e
}

// ChainedDatagram allocates a Send-Datagram entry whose data lives in one
// buffer segment per element of segments. textLen is declared separately so
// callers can build a mismatching chain.
func (d *Driver) ChainedDatagram(dst [6]byte, protocol uint16, textLen int, segments [][]byte, flags uint8) guest.Addr {
	e := d.Command(uint8(ni.OpSendDatagram), flags|ni.FlagChained)
	d.Mem.Store(e+ni.DgTextLen, guest.Word(textLen))
	d.Mem.Store(e+ni.DgProtocol, guest.Word(protocol))
	guest.WriteHardwareAddr(d.Mem, e+ni.DgDest, dst)

	link := e + ni.DgBSD
	for _, seg := range segments {
		bsd := d.Alloc(ni.BSDWords)
		buf := d.Alloc(guest.WordsFor(len(seg)) + 1)
		guest.WriteBytes(d.Mem, buf, seg)
		d.Mem.Store(bsd+ni.BSDData, guest.Word(buf))
		d.Mem.Store(bsd+ni.BSDLength, guest.Word(len(seg)))
		d.Mem.Store(link, guest.Word(bsd))
		link = bsd + ni.BSDNext
	}
	return e
}

// ReceiveBuffer allocates a free entry that can hold capacity bytes and puts
// it on queue hdr.
func (d *Driver) ReceiveBuffer(hdr guest.Addr, capacity int) guest.Addr {
	e := d.Alloc(EntryWords)
	d.Mem.Store(e+ni.DgCapacity, guest.Word(capacity))
	d.mustPut(hdr, e)
	return e
}

// Submit appends entry to the command queue.
func (d *Driver) Submit(entry guest.Addr) {
	d.mustPut(d.CommandQueue(), entry)
}

func (d *Driver) mustPut(hdr, entry guest.Addr) {
	res, err := d.Q.Put(hdr, entry)
	if err != nil || res != guest.OK {
		panic(fmt.Sprintf("nitest: put %#o on %#o: %v %v", entry, hdr, res, err))
	}
}

// Take removes the first entry of hdr.
func (d *Driver) Take(hdr guest.Addr) (guest.Addr, bool) {
	e, res, err := d.Q.Get(hdr)
	if err != nil || res != guest.OK {
		return 0, false
	}
	return e, true
}

// Len counts the entries on hdr.
func (d *Driver) Len(hdr guest.Addr) int {
	n, err := d.Q.Len(hdr)
	if err != nil {
		panic(err)
	}
	return n
}

// Received is a decoded Datagram-Received (or any datagram) entry.
type Received struct {
	Op       ni.OpWord
	Protocol uint16
	Dst      [6]byte
	Src      [6]byte
	Data     []byte
}

// Decode reads a datagram entry.
func (d *Driver) Decode(entry guest.Addr) Received {
	n := int(d.Mem.Load(entry + ni.DgTextLen))
	return Received{
		Op:       ni.DecodeOpWord(d.Mem.Load(entry + guest.EntOp)),
		Protocol: uint16(d.Mem.Load(entry + ni.DgProtocol)),
		Dst:      guest.ReadHardwareAddr(d.Mem, entry+ni.DgDest),
		Src:      guest.ReadHardwareAddr(d.Mem, entry+ni.DgSource),
		Data:     guest.ReadBytes(d.Mem, entry+ni.DgData, n),
	}
}

// Op reads the op word of entry.
func (d *Driver) Op(entry guest.Addr) ni.OpWord {
	return ni.DecodeOpWord(d.Mem.Load(entry + guest.EntOp))
}

// Interrupts records interrupt requests.
type Interrupts struct {
	Level    int
	Asserted bool
	Count    int
}

// SetInterrupt implements ni.Interrupter.
func (i *Interrupts) SetInterrupt(level int, asserted bool) {
	i.Level, i.Asserted = level, asserted
	if asserted {
		i.Count++
	}
}
