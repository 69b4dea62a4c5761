package interp

import (
	"errors"
	"fmt"
	"strings"

	"github.com/zboralski/tarsier/internal/disasm"
)

// InitialRSP is the stack top installed by Load.
const InitialRSP = 0x7fff0000

// ErrUnmappedRIP is returned when stepping at an address with no decoded
// instruction.
var ErrUnmappedRIP = errors.New("RIP at unmapped address")

// StepResult reports one step. Inst is the instruction that was at rip, or
// nil when rip was unmapped. A non-nil Err is a trap; machine state stays
// consistent and stepping may continue elsewhere.
type StepResult struct {
	Inst *disasm.Inst
	Err  error
}

// OK reports whether the step completed without a trap.
func (r StepResult) OK() bool { return r.Err == nil }

// Machine interprets a decoded instruction stream. It owns its register
// file, flags, memory and breakpoints; the instruction list is shared and
// never mutated.
type Machine struct {
	Regs        Registers
	Flags       Flags
	Mem         *Memory
	Breakpoints map[uint64]bool

	// OnStep, when set, observes each successfully executed instruction.
	OnStep func(*disasm.Inst)

	bits  int
	word  uint // stack slot width in bytes
	insts []disasm.Inst
	addrs []uint64       // parsed address per instruction, linear order
	index map[uint64]int // address → instruction index
}

// New creates a machine for the given bit width (clamped to 32 when not
// 16, 32 or 64).
func New(bits int) *Machine {
	if bits != 16 && bits != 32 && bits != 64 {
		bits = 32
	}
	return &Machine{
		Mem:         NewMemory(),
		Breakpoints: make(map[uint64]bool),
		bits:        bits,
		word:        uint(bits) / 8,
	}
}

// Bits returns the machine's bit width.
func (m *Machine) Bits() int { return m.bits }

// Load resets all state and installs an instruction stream. rip points at
// the first instruction, rsp at the initial stack top; a few stack pages
// are pre-touched so memory dumps around rsp render.
func (m *Machine) Load(insts []disasm.Inst) {
	m.Regs.Reset()
	m.Flags.Reset()
	m.Mem.Reset()

	m.insts = insts
	m.addrs = make([]uint64, len(insts))
	m.index = make(map[uint64]int, len(insts))
	for i, in := range insts {
		v, ok := disasm.ParseAddr(in.Address)
		if !ok {
			continue
		}
		m.addrs[i] = v
		if _, dup := m.index[v]; !dup {
			m.index[v] = i
		}
	}

	if len(insts) > 0 {
		m.Regs.SetRIP(m.addrs[0])
	}
	m.Regs.SetRSP(InitialRSP)
	for i := uint64(0); i < 3; i++ {
		m.Mem.Touch(InitialRSP - i*PageSize)
	}
}

// Step executes the instruction at rip. rip is committed to the next
// linear address before dispatch, so control transfers overwrite it
// during execution.
func (m *Machine) Step() StepResult {
	rip := m.Regs.RIP()
	idx, ok := m.index[rip]
	if !ok {
		return StepResult{Err: ErrUnmappedRIP}
	}
	in := &m.insts[idx]

	ripNext := rip
	if idx+1 < len(m.insts) {
		ripNext = m.addrs[idx+1]
	}
	m.Regs.SetRIP(ripNext)

	if err := m.exec(in); err != nil {
		return StepResult{Inst: in, Err: err}
	}
	if m.OnStep != nil {
		m.OnStep(in)
	}
	return StepResult{Inst: in}
}

// exec dispatches one instruction by mnemonic. rip already holds the
// fallthrough address.
func (m *Machine) exec(in *disasm.Inst) error {
	mn := strings.ToLower(strings.TrimSpace(in.Mnemonic))
	ops := SplitOperands(in.Operands)

	switch mn {
	case "nop", "int3", "endbr64", "endbr32", "pause",
		"loop", "loope", "loopne":
		// loop family parsed but never taken, like jcxz below.
		return nil

	case "mov", "movq", "movl":
		return m.execMov(ops)
	case "movzx":
		return m.execMovx(ops, false)
	case "movsx", "movsxd":
		return m.execMovx(ops, true)

	case "push":
		return m.execPush(ops)
	case "pop":
		return m.execPop(ops)

	case "add", "sub":
		return m.execArith(mn, ops, true)
	case "cmp":
		return m.execArith("sub", ops, false)
	case "xor", "and", "or":
		return m.execLogic(mn, ops, true)
	case "test":
		return m.execLogic("and", ops, false)
	case "not":
		return m.execNot(ops)
	case "neg":
		return m.execNeg(ops)
	case "inc", "dec":
		return m.execIncDec(mn, ops)
	case "lea":
		return m.execLea(ops)
	case "shl", "sal", "shr", "sar":
		return m.execShift(mn, ops)

	case "call":
		return m.execCall(ops)
	case "ret", "retn", "retq":
		return m.execRet()
	case "jmp":
		return m.execJmp(ops)
	}

	if strings.HasPrefix(mn, "j") {
		if taken, known := m.Flags.Check(mn[1:]); known {
			if !taken {
				return nil
			}
			return m.execJmp(ops)
		}
	}

	return fmt.Errorf("unsupported mnemonic %q", mn)
}

// operandWidth picks the effective width in bits for a two-operand form:
// explicit size prefix first, then register width, then the machine word.
func (m *Machine) operandWidth(dst, src Operand) uint {
	if dst.WidthBits > 0 {
		return dst.WidthBits
	}
	if dst.Kind == OpReg {
		return RegWidth(dst.Reg)
	}
	if src.Kind == OpReg {
		return RegWidth(src.Reg)
	}
	if src.WidthBits > 0 {
		return src.WidthBits
	}
	return m.word * 8
}

// read evaluates an operand at the given width.
func (m *Machine) read(op Operand, bits uint) (uint64, error) {
	switch op.Kind {
	case OpReg:
		v, _ := m.Regs.Get(op.Reg)
		return v, nil
	case OpImm:
		return op.Imm & widthMask(bits), nil
	case OpMem:
		addr, err := m.EvalExpr(op.Expr)
		if err != nil {
			return 0, err
		}
		return m.Mem.Read(addr, bits/8), nil
	}
	return 0, fmt.Errorf("unreadable operand %q", op.Raw)
}

// write stores a value into a register or memory operand.
func (m *Machine) write(op Operand, v uint64, bits uint) error {
	switch op.Kind {
	case OpReg:
		m.Regs.Set(op.Reg, v)
		return nil
	case OpMem:
		addr, err := m.EvalExpr(op.Expr)
		if err != nil {
			return err
		}
		m.Mem.Write(addr, v, bits/8)
		return nil
	}
	return fmt.Errorf("unwritable operand %q", op.Raw)
}

func binaryOperands(ops []string) (dst, src Operand, err error) {
	if len(ops) != 2 {
		return Operand{}, Operand{}, fmt.Errorf("want 2 operands, have %d", len(ops))
	}
	dst = ParseOperand(ops[0])
	src = ParseOperand(ops[1])
	if dst.Kind == OpUnknown || src.Kind == OpUnknown {
		return dst, src, fmt.Errorf("unparseable operands %q", strings.Join(ops, ", "))
	}
	return dst, src, nil
}

func unaryOperand(ops []string) (Operand, error) {
	if len(ops) != 1 {
		return Operand{}, fmt.Errorf("want 1 operand, have %d", len(ops))
	}
	op := ParseOperand(ops[0])
	if op.Kind == OpUnknown {
		return op, fmt.Errorf("unparseable operand %q", ops[0])
	}
	return op, nil
}

func (m *Machine) execMov(ops []string) error {
	dst, src, err := binaryOperands(ops)
	if err != nil {
		return err
	}
	w := m.operandWidth(dst, src)
	v, err := m.read(src, w)
	if err != nil {
		return err
	}
	return m.write(dst, v&widthMask(w), w)
}

func (m *Machine) execMovx(ops []string, signed bool) error {
	dst, src, err := binaryOperands(ops)
	if err != nil {
		return err
	}
	if dst.Kind != OpReg {
		return fmt.Errorf("movzx/movsx destination must be a register")
	}
	srcW := src.WidthBits
	if srcW == 0 && src.Kind == OpReg {
		srcW = RegWidth(src.Reg)
	}
	if srcW == 0 {
		srcW = 8
	}
	dstW := RegWidth(dst.Reg)
	v, err := m.read(src, srcW)
	if err != nil {
		return err
	}
	if signed {
		v = signExtend(v, srcW) & widthMask(dstW)
	}
	return m.write(dst, v, dstW)
}

func (m *Machine) execPush(ops []string) error {
	src, err := unaryOperand(ops)
	if err != nil {
		return err
	}
	v, err := m.read(src, m.word*8)
	if err != nil {
		return err
	}
	rsp := m.Regs.RSP() - uint64(m.word)
	m.Regs.SetRSP(rsp)
	m.Mem.Write(rsp, v, m.word)
	return nil
}

func (m *Machine) execPop(ops []string) error {
	dst, err := unaryOperand(ops)
	if err != nil {
		return err
	}
	rsp := m.Regs.RSP()
	v := m.Mem.Read(rsp, m.word)
	m.Regs.SetRSP(rsp + uint64(m.word))
	return m.write(dst, v, m.word*8)
}

func (m *Machine) execArith(mn string, ops []string, commit bool) error {
	dst, src, err := binaryOperands(ops)
	if err != nil {
		return err
	}
	w := m.operandWidth(dst, src)
	a, err := m.read(dst, w)
	if err != nil {
		return err
	}
	b, err := m.read(src, w)
	if err != nil {
		return err
	}
	var r uint64
	if mn == "add" {
		r = (a + b) & widthMask(w)
		m.Flags.setAdd(a, b, r, w)
	} else {
		r = (a - b) & widthMask(w)
		m.Flags.setSub(a, b, r, w)
	}
	if !commit {
		return nil
	}
	return m.write(dst, r, w)
}

func (m *Machine) execLogic(mn string, ops []string, commit bool) error {
	dst, src, err := binaryOperands(ops)
	if err != nil {
		return err
	}
	w := m.operandWidth(dst, src)
	a, err := m.read(dst, w)
	if err != nil {
		return err
	}
	b, err := m.read(src, w)
	if err != nil {
		return err
	}
	var r uint64
	switch mn {
	case "xor":
		r = a ^ b
	case "and":
		r = a & b
	case "or":
		r = a | b
	}
	r &= widthMask(w)
	m.Flags.setLogic(r, w)
	if !commit {
		return nil
	}
	return m.write(dst, r, w)
}

func (m *Machine) execNot(ops []string) error {
	dst, err := unaryOperand(ops)
	if err != nil {
		return err
	}
	w := m.operandWidth(dst, Operand{})
	a, err := m.read(dst, w)
	if err != nil {
		return err
	}
	return m.write(dst, ^a&widthMask(w), w)
}

func (m *Machine) execNeg(ops []string) error {
	dst, err := unaryOperand(ops)
	if err != nil {
		return err
	}
	w := m.operandWidth(dst, Operand{})
	a, err := m.read(dst, w)
	if err != nil {
		return err
	}
	r := (-a) & widthMask(w)
	m.Flags.CF = a != 0
	m.Flags.OF = a == 1<<(w-1)
	m.Flags.ZF = r == 0
	m.Flags.SF = r>>(w-1)&1 == 1
	m.Flags.PF = evenParity(r)
	return m.write(dst, r, w)
}

func (m *Machine) execIncDec(mn string, ops []string) error {
	dst, err := unaryOperand(ops)
	if err != nil {
		return err
	}
	w := m.operandWidth(dst, Operand{})
	a, err := m.read(dst, w)
	if err != nil {
		return err
	}
	cf := m.Flags.CF // inc/dec never touch the carry
	var r uint64
	if mn == "inc" {
		r = (a + 1) & widthMask(w)
		m.Flags.setAdd(a, 1, r, w)
	} else {
		r = (a - 1) & widthMask(w)
		m.Flags.setSub(a, 1, r, w)
	}
	m.Flags.CF = cf
	return m.write(dst, r, w)
}

func (m *Machine) execLea(ops []string) error {
	dst, src, err := binaryOperands(ops)
	if err != nil {
		return err
	}
	if dst.Kind != OpReg || src.Kind != OpMem {
		return fmt.Errorf("lea wants register, memory")
	}
	addr, err := m.EvalExpr(src.Expr)
	if err != nil {
		return err
	}
	return m.write(dst, addr, RegWidth(dst.Reg))
}

func (m *Machine) execShift(mn string, ops []string) error {
	dst, src, err := binaryOperands(ops)
	if err != nil {
		return err
	}
	w := m.operandWidth(dst, Operand{})
	a, err := m.read(dst, w)
	if err != nil {
		return err
	}
	cnt, err := m.read(src, 8)
	if err != nil {
		return err
	}
	count := uint(cnt&0x3F) % w
	if count == 0 {
		return nil
	}

	var r uint64
	switch mn {
	case "shl", "sal":
		m.Flags.CF = a>>(w-count)&1 == 1
		r = (a << count) & widthMask(w)
	case "shr":
		m.Flags.CF = a>>(count-1)&1 == 1
		r = a >> count
	case "sar":
		m.Flags.CF = a>>(count-1)&1 == 1
		s := int64(signExtend(a, w))
		r = uint64(s>>count) & widthMask(w)
	}
	m.Flags.ZF = r == 0
	m.Flags.SF = r>>(w-1)&1 == 1
	m.Flags.PF = evenParity(r)
	return m.write(dst, r, w)
}

func (m *Machine) execCall(ops []string) error {
	target, err := m.resolveTarget(ops)
	if err != nil {
		return err
	}
	retAddr := m.Regs.RIP() // already the fallthrough address
	rsp := m.Regs.RSP() - uint64(m.word)
	m.Regs.SetRSP(rsp)
	m.Mem.Write(rsp, retAddr, m.word)
	m.Regs.SetRIP(target)
	return nil
}

func (m *Machine) execRet() error {
	rsp := m.Regs.RSP()
	m.Regs.SetRIP(m.Mem.Read(rsp, m.word))
	m.Regs.SetRSP(rsp + uint64(m.word))
	return nil
}

func (m *Machine) execJmp(ops []string) error {
	target, err := m.resolveTarget(ops)
	if err != nil {
		return err
	}
	m.Regs.SetRIP(target)
	return nil
}

// resolveTarget reads a control-transfer target: a register value, an
// immediate, or a single-level memory dereference.
func (m *Machine) resolveTarget(ops []string) (uint64, error) {
	op, err := unaryOperand(ops)
	if err != nil {
		return 0, err
	}
	switch op.Kind {
	case OpReg:
		v, _ := m.Regs.Get(op.Reg)
		return v, nil
	case OpImm:
		return op.Imm, nil
	case OpMem:
		addr, err := m.EvalExpr(op.Expr)
		if err != nil {
			return 0, err
		}
		return m.Mem.Read(addr, m.word), nil
	}
	return 0, fmt.Errorf("unresolvable target %q", op.Raw)
}

// signExtend widens the low bits of v to 64 bits.
func signExtend(v uint64, bits uint) uint64 {
	if bits >= 64 {
		return v
	}
	sign := uint64(1) << (bits - 1)
	if v&sign != 0 {
		return v | ^widthMask(bits)
	}
	return v & widthMask(bits)
}
