package interp

// PageSize is the granularity of guest memory allocation.
const PageSize = 4096

// Memory is a sparse paged address space. Pages appear zero-filled on
// first touch; reads and writes never fault, they allocate.
type Memory struct {
	pages map[uint64]*[PageSize]byte
}

// NewMemory creates an empty address space.
func NewMemory() *Memory {
	return &Memory{pages: make(map[uint64]*[PageSize]byte)}
}

// Reset drops every page.
func (m *Memory) Reset() {
	m.pages = make(map[uint64]*[PageSize]byte)
}

func (m *Memory) page(addr uint64) *[PageSize]byte {
	base := addr &^ uint64(PageSize-1)
	p, ok := m.pages[base]
	if !ok {
		p = new([PageSize]byte)
		m.pages[base] = p
	}
	return p
}

// Touch allocates the page containing addr without writing it.
func (m *Memory) Touch(addr uint64) {
	m.page(addr)
}

// ReadByte reads one byte.
func (m *Memory) ReadByte(addr uint64) byte {
	return m.page(addr)[addr&(PageSize-1)]
}

// WriteByte writes one byte.
func (m *Memory) WriteByte(addr uint64, b byte) {
	m.page(addr)[addr&(PageSize-1)] = b
}

// Read composes size bytes at addr little-endian. size is 1..8; accesses
// may straddle pages.
func (m *Memory) Read(addr uint64, size uint) uint64 {
	var v uint64
	for i := uint(0); i < size; i++ {
		v |= uint64(m.ReadByte(addr+uint64(i))) << (8 * i)
	}
	return v
}

// Write stores the low size bytes of v at addr little-endian.
func (m *Memory) Write(addr uint64, v uint64, size uint) {
	for i := uint(0); i < size; i++ {
		m.WriteByte(addr+uint64(i), byte(v>>(8*i)))
	}
}

// Bytes copies n bytes starting at addr, allocating as it goes.
func (m *Memory) Bytes(addr uint64, n int) []byte {
	out := make([]byte, n)
	for i := range out {
		out[i] = m.ReadByte(addr + uint64(i))
	}
	return out
}

// PageCount returns the number of resident pages.
func (m *Memory) PageCount() int { return len(m.pages) }
