package pcie

import (
	"encoding/binary"

	"golang.org/x/exp/constraints"
)

var busOrder = binary.LittleEndian

// dmaAlign is the DMA engine's buffer length granularity.
const dmaAlign = 4

// alignup rounds val up to the next multiple of align, which must be a
// power of two.
func alignup[T constraints.Unsigned](val, align T) T {
	return (val + align - 1) &^ (align - 1)
}

// DescSize is the size of one ring descriptor on the wire.
const DescSize = 16

// Descriptor flag bits.
const (
	DescFlagSOP = 1 << 0
	DescFlagEOP = 1 << 1
)

// Desc is one ring descriptor: bus address, total length, packet
// boundary flags, fragment length and payload offset.
type Desc struct {
	PAddr   DMAAddr
	Len     uint16
	Flags   uint16
	FragLen uint16
	Offset  uint16
}

func (d Desc) Put(dst []byte) {
	_ = dst[DescSize-1]
	busOrder.PutUint64(dst[0:], uint64(d.PAddr))
	busOrder.PutUint16(dst[8:], d.Len)
	busOrder.PutUint16(dst[10:], d.Flags)
	busOrder.PutUint16(dst[12:], d.FragLen)
	busOrder.PutUint16(dst[14:], d.Offset)
}

func DecodeDesc(b []byte) (d Desc) {
	_ = b[DescSize-1]
	d.PAddr = DMAAddr(busOrder.Uint64(b[0:]))
	d.Len = busOrder.Uint16(b[8:])
	d.Flags = busOrder.Uint16(b[10:])
	d.FragLen = busOrder.Uint16(b[12:])
	d.Offset = busOrder.Uint16(b[14:])
	return d
}

// CursorMath is the cursor arithmetic for one descriptor ring in either
// format. Both sides of the bus use the same math; the firmware model
// in bar0sim computes with its own CursorMath over the same registers.
//
// Cursor encoding:
//
//	legacy: low bits slot index mod N, wrap parity at the Rollover bit
//	ADMA:   plain counter masked to 2N-1
type CursorMath struct {
	N        uint32 // slot count, power of two
	Rollover uint32 // legacy parity bit, unused under ADMA
	ADMA     bool
}

func (m CursorMath) Slot(c uint32) uint32 { return c & (m.N - 1) }

// Advance steps a cursor one descriptor with wrap.
func (m CursorMath) Advance(c uint32) uint32 {
	if m.ADMA {
		return (c + 1) & (2*m.N - 1)
	}
	idx := c&(m.N-1) + 1
	par := c & m.Rollover
	if idx == m.N {
		idx = 0
		par ^= m.Rollover
	}
	return idx | par
}

// Empty reports "no occupied slots": slot bits equal and parity equal.
func (m CursorMath) Empty(wr, rd uint32) bool {
	if m.ADMA {
		return wr == rd
	}
	return wr&(m.N-1) == rd&(m.N-1) && wr&m.Rollover == rd&m.Rollover
}

// Full reports "every slot occupied": slot bits equal, parity differs.
func (m CursorMath) Full(wr, rd uint32) bool {
	if m.ADMA {
		return wr == rd^m.N
	}
	return wr&(m.N-1) == rd&(m.N-1) && wr&m.Rollover != rd&m.Rollover
}

// Occupied counts posted, unreclaimed slots. Diagnostics only.
func (m CursorMath) Occupied(wr, rd uint32) uint32 {
	if m.ADMA {
		return (wr - rd) & (2*m.N - 1)
	}
	w, d := wr&(m.N-1), rd&(m.N-1)
	if wr == rd {
		return 0
	}
	if w == d {
		return m.N
	}
	return (w - d) & (m.N - 1)
}

// ringBuf is the host bookkeeping for one posted buffer: the slice and
// its mapping. A slot owns its buffer from post until reclaim; ownership
// is with the hardware exactly while the descriptor sits between the two
// cursors.
type ringBuf struct {
	buf  []byte
	addr DMAAddr
}

// ring is one host-side descriptor ring.
type ring struct {
	math CursorMath

	table []byte // descriptor area, DMA coherent
	base  DMAAddr
	bufs  []ringBuf

	wr, rd uint32 // local cursor values
}

func newRing(math CursorMath, dma DMA) (*ring, error) {
	table, base, err := dma.Alloc(int(math.N) * DescSize)
	if err != nil {
		return nil, err
	}
	return &ring{
		math:  math,
		table: table,
		base:  base,
		bufs:  make([]ringBuf, math.N),
	}, nil
}

func (r *ring) slot(c uint32) uint32    { return r.math.Slot(c) }
func (r *ring) advance(c uint32) uint32 { return r.math.Advance(c) }

func (r *ring) emptyAt(wr, rd uint32) bool { return r.math.Empty(wr, rd) }
func (r *ring) fullAt(wr, rd uint32) bool  { return r.math.Full(wr, rd) }

func (r *ring) full() bool  { return r.fullAt(r.wr, r.rd) }
func (r *ring) empty() bool { return r.emptyAt(r.wr, r.rd) }

// writeDesc writes a descriptor into slot.
func (r *ring) writeDesc(slot uint32, d Desc) {
	d.Put(r.table[slot*DescSize:])
}

// clearDesc zeroes a reclaimed slot's descriptor.
func (r *ring) clearDesc(slot uint32) {
	for i := uint32(0); i < DescSize; i++ {
		r.table[slot*DescSize+i] = 0
	}
}

func (r *ring) readDesc(slot uint32) Desc {
	return DecodeDesc(r.table[slot*DescSize:])
}

func (r *ring) occupied() uint32 { return r.math.Occupied(r.wr, r.rd) }
