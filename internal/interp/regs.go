// Package interp is a deterministic single-stepping interpreter for a
// subset of x86/x86-64 over a decoded instruction stream. It owns a tagged
// register file, paged little-endian memory, arithmetic flags, a stack and
// a breakpoint set; it never mutates the instruction list it executes.
package interp

// Canonical 64-bit register slots.
const (
	rRAX = iota
	rRBX
	rRCX
	rRDX
	rRSI
	rRDI
	rRSP
	rRBP
	rR8
	rR9
	rR10
	rR11
	rR12
	rR13
	rR14
	rR15
	rRIP
	numRegs
)

var slotNames = [numRegs]string{
	"rax", "rbx", "rcx", "rdx", "rsi", "rdi", "rsp", "rbp",
	"r8", "r9", "r10", "r11", "r12", "r13", "r14", "r15", "rip",
}

// alias maps a register name to a slice of its parent slot.
type alias struct {
	parent int
	shift  uint // bit offset within the parent
	width  uint // bits: 8, 16, 32 or 64
}

var aliases = buildAliases()

func buildAliases() map[string]alias {
	m := make(map[string]alias, 96)

	// Legacy GPRs with high-byte forms.
	legacy := []struct {
		slot               int
		q, d, w, lo, hi string
	}{
		{rRAX, "rax", "eax", "ax", "al", "ah"},
		{rRBX, "rbx", "ebx", "bx", "bl", "bh"},
		{rRCX, "rcx", "ecx", "cx", "cl", "ch"},
		{rRDX, "rdx", "edx", "dx", "dl", "dh"},
	}
	for _, r := range legacy {
		m[r.q] = alias{r.slot, 0, 64}
		m[r.d] = alias{r.slot, 0, 32}
		m[r.w] = alias{r.slot, 0, 16}
		m[r.lo] = alias{r.slot, 0, 8}
		m[r.hi] = alias{r.slot, 8, 8}
	}

	// Index/pointer registers: low byte only, no high-byte form.
	index := []struct {
		slot            int
		q, d, w, lo string
	}{
		{rRSI, "rsi", "esi", "si", "sil"},
		{rRDI, "rdi", "edi", "di", "dil"},
		{rRSP, "rsp", "esp", "sp", "spl"},
		{rRBP, "rbp", "ebp", "bp", "bpl"},
	}
	for _, r := range index {
		m[r.q] = alias{r.slot, 0, 64}
		m[r.d] = alias{r.slot, 0, 32}
		m[r.w] = alias{r.slot, 0, 16}
		m[r.lo] = alias{r.slot, 0, 8}
	}

	// Numbered registers r8..r15 with d/w/b forms.
	numbered := []struct {
		slot int
		name string
	}{
		{rR8, "r8"}, {rR9, "r9"}, {rR10, "r10"}, {rR11, "r11"},
		{rR12, "r12"}, {rR13, "r13"}, {rR14, "r14"}, {rR15, "r15"},
	}
	for _, r := range numbered {
		m[r.name] = alias{r.slot, 0, 64}
		m[r.name+"d"] = alias{r.slot, 0, 32}
		m[r.name+"w"] = alias{r.slot, 0, 16}
		m[r.name+"b"] = alias{r.slot, 0, 8}
	}

	m["rip"] = alias{rRIP, 0, 64}
	m["eip"] = alias{rRIP, 0, 32}
	m["ip"] = alias{rRIP, 0, 16}

	return m
}

// Registers is the tagged register file: seventeen 64-bit slots addressed
// through the alias table.
type Registers struct {
	v [numRegs]uint64
}

// IsRegister reports whether name is in the alias table.
func IsRegister(name string) bool {
	_, ok := aliases[name]
	return ok
}

// RegWidth returns the width in bits of a register name, or 0 if unknown.
func RegWidth(name string) uint {
	if a, ok := aliases[name]; ok {
		return a.width
	}
	return 0
}

// Get reads a register by alias name.
func (r *Registers) Get(name string) (uint64, bool) {
	a, ok := aliases[name]
	if !ok {
		return 0, false
	}
	return (r.v[a.parent] >> a.shift) & widthMask(a.width), true
}

// Set writes a register by alias name. A 32-bit write zero-extends into the
// full parent; 8- and 16-bit writes leave the other bits unchanged.
func (r *Registers) Set(name string, val uint64) bool {
	a, ok := aliases[name]
	if !ok {
		return false
	}
	switch a.width {
	case 64:
		r.v[a.parent] = val
	case 32:
		r.v[a.parent] = val & 0xFFFFFFFF
	default:
		mask := widthMask(a.width) << a.shift
		r.v[a.parent] = r.v[a.parent]&^mask | (val<<a.shift)&mask
	}
	return true
}

// Slot reads a canonical slot directly.
func (r *Registers) Slot(i int) uint64 { return r.v[i] }

// RIP returns the instruction pointer.
func (r *Registers) RIP() uint64 { return r.v[rRIP] }

// SetRIP sets the instruction pointer.
func (r *Registers) SetRIP(v uint64) { r.v[rRIP] = v }

// RSP returns the stack pointer.
func (r *Registers) RSP() uint64 { return r.v[rRSP] }

// SetRSP sets the stack pointer.
func (r *Registers) SetRSP(v uint64) { r.v[rRSP] = v }

// Reset zeroes every slot.
func (r *Registers) Reset() { r.v = [numRegs]uint64{} }

// Names returns the canonical slot names in file order.
func Names() []string {
	out := make([]string, numRegs)
	copy(out, slotNames[:])
	return out
}

func widthMask(bits uint) uint64 {
	if bits >= 64 {
		return ^uint64(0)
	}
	return (1 << bits) - 1
}
