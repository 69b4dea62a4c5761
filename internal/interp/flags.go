package interp

// Flags is the arithmetic flag set tracked by the interpreter.
type Flags struct {
	CF bool `json:"cf"`
	ZF bool `json:"zf"`
	SF bool `json:"sf"`
	OF bool `json:"of"`
	PF bool `json:"pf"`
	AF bool `json:"af"`
}

// Reset clears every flag.
func (f *Flags) Reset() { *f = Flags{} }

// Check evaluates a condition code (the mnemonic with its leading j
// stripped). jcxz/jecxz/jrcxz are accepted but never taken, which keeps
// stepping deterministic without modelling rcx. The loop family is not a
// condition code here; exec treats it as a never-taken no-op.
func (f *Flags) Check(cc string) (taken bool, known bool) {
	switch cc {
	case "o":
		return f.OF, true
	case "no":
		return !f.OF, true
	case "s":
		return f.SF, true
	case "ns":
		return !f.SF, true
	case "e", "z":
		return f.ZF, true
	case "ne", "nz":
		return !f.ZF, true
	case "b", "nae", "c":
		return f.CF, true
	case "nb", "ae", "nc":
		return !f.CF, true
	case "be", "na":
		return f.CF || f.ZF, true
	case "nbe", "a":
		return !f.CF && !f.ZF, true
	case "l", "nge":
		return f.SF != f.OF, true
	case "nl", "ge":
		return f.SF == f.OF, true
	case "le", "ng":
		return f.ZF || f.SF != f.OF, true
	case "nle", "g":
		return !f.ZF && f.SF == f.OF, true
	case "p", "pe":
		return f.PF, true
	case "np", "po":
		return !f.PF, true
	case "cxz", "ecxz", "rcxz":
		return false, true
	}
	return false, false
}

// setLogic applies the bitwise-op flag rule: cf and of clear, zf/sf/pf
// from the result at the given width.
func (f *Flags) setLogic(result uint64, bits uint) {
	f.CF = false
	f.OF = false
	f.ZF = result&widthMask(bits) == 0
	f.SF = result>>(bits-1)&1 == 1
	f.PF = evenParity(result)
}

// setAdd updates flags after a + b at the given width.
func (f *Flags) setAdd(a, b, result uint64, bits uint) {
	mask := widthMask(bits)
	a, b, result = a&mask, b&mask, result&mask
	sa := a >> (bits - 1) & 1
	sb := b >> (bits - 1) & 1
	sr := result >> (bits - 1) & 1
	f.ZF = result == 0
	f.SF = sr == 1
	f.CF = a > mask-b
	f.OF = sa == sb && sr != sa
	f.PF = evenParity(result)
	f.AF = (a^b^result)>>4&1 == 1
}

// setSub updates flags after a - b at the given width.
func (f *Flags) setSub(a, b, result uint64, bits uint) {
	mask := widthMask(bits)
	a, b, result = a&mask, b&mask, result&mask
	sa := a >> (bits - 1) & 1
	sb := b >> (bits - 1) & 1
	sr := result >> (bits - 1) & 1
	f.ZF = result == 0
	f.SF = sr == 1
	f.CF = a < b
	f.OF = sa != sb && sr != sa
	f.PF = evenParity(result)
	f.AF = (a^b^result)>>4&1 == 1
}

// evenParity reports even parity of the low 8 bits.
func evenParity(v uint64) bool {
	v &= 0xFF
	v ^= v >> 4
	v ^= v >> 2
	v ^= v >> 1
	return v&1 == 0
}
