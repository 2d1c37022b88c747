package pcie

// RegIO models 32-bit access to the card's BAR0 register window. A real
// backend wraps mapped device memory; tests and the simulator provide a
// software model.
type RegIO interface {
	Read32(off uint32) (uint32, error)
	Write32(off uint32, val uint32) error
}

// Direction of a DMA mapping relative to the card.
type Direction uint8

const (
	DirToCard Direction = iota
	DirFromCard
	DirBidir
)

// DMAAddr is a bus address as seen by the card.
type DMAAddr uint64

// DMA models the mapping service that makes host buffers visible to the
// card. Map pins buf and returns its bus address; the buffer belongs to
// the hardware until Unmap. Map and Unmap may fail, which is fatal to the
// operation that needed the mapping but never retried at this layer.
type DMA interface {
	Map(buf []byte, dir Direction) (DMAAddr, error)
	Unmap(addr DMAAddr) error
	// Alloc returns a coherent buffer usable for descriptor tables,
	// already mapped for bidirectional access.
	Alloc(size int) ([]byte, DMAAddr, error)
}
