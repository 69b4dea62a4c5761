package interp

import (
	"context"
	"testing"

	"github.com/zboralski/tarsier/internal/disasm"
)

// mk builds a synthetic decoded instruction at a 32-bit canonical address.
func mk(addr uint64, mnemonic, operands string) disasm.Inst {
	return disasm.Inst{
		Address:  disasm.FormatAddr(addr, 32),
		Mnemonic: mnemonic,
		Operands: operands,
	}
}

func TestRegisters_32BitWriteZeroExtends(t *testing.T) {
	var r Registers
	r.Set("rax", 0xFFFFFFFFFFFFFFFF)
	r.Set("eax", 0x12345678)
	if got, _ := r.Get("rax"); got != 0x12345678 {
		t.Errorf("rax = 0x%x, want 0x12345678 (upper half cleared)", got)
	}
}

func TestRegisters_NarrowWritesPreserve(t *testing.T) {
	var r Registers
	r.Set("rbx", 0x1122334455667788)
	r.Set("bl", 0xAA)
	if got, _ := r.Get("rbx"); got != 0x11223344556677AA {
		t.Errorf("after bl write rbx = 0x%x", got)
	}
	r.Set("bh", 0xBB)
	if got, _ := r.Get("rbx"); got != 0x112233445566BBAA {
		t.Errorf("after bh write rbx = 0x%x", got)
	}
	r.Set("bx", 0xCCDD)
	if got, _ := r.Get("rbx"); got != 0x112233445566CCDD {
		t.Errorf("after bx write rbx = 0x%x", got)
	}
}

func TestRegisters_AliasReads(t *testing.T) {
	var r Registers
	r.Set("rcx", 0x1122334455667788)
	tests := []struct {
		name string
		want uint64
	}{
		{"ecx", 0x55667788},
		{"cx", 0x7788},
		{"cl", 0x88},
		{"ch", 0x77},
	}
	for _, tt := range tests {
		if got, _ := r.Get(tt.name); got != tt.want {
			t.Errorf("%s = 0x%x, want 0x%x", tt.name, got, tt.want)
		}
	}
}

func TestRegisters_NumberedAndLowByte(t *testing.T) {
	var r Registers
	r.Set("r9", 0xDEADBEEFCAFEF00D)
	if got, _ := r.Get("r9d"); got != 0xCAFEF00D {
		t.Errorf("r9d = 0x%x", got)
	}
	r.Set("sil", 0x7F)
	if got, _ := r.Get("rsi"); got != 0x7F {
		t.Errorf("rsi = 0x%x", got)
	}
}

func TestMemory_LittleEndianAndPaging(t *testing.T) {
	m := NewMemory()
	// Straddle a page boundary.
	addr := uint64(2*PageSize - 2)
	m.Write(addr, 0x11223344, 4)
	if got := m.Read(addr, 4); got != 0x11223344 {
		t.Errorf("read = 0x%x", got)
	}
	if got := m.ReadByte(addr); got != 0x44 {
		t.Errorf("low byte = 0x%x, want little-endian 0x44", got)
	}
	if m.PageCount() != 2 {
		t.Errorf("pages = %d, want 2", m.PageCount())
	}
	// Untouched memory reads zero.
	if got := m.Read(0x900000, 8); got != 0 {
		t.Errorf("untouched read = 0x%x, want 0", got)
	}
}

func TestFlags_ConditionTable(t *testing.T) {
	tests := []struct {
		cc    string
		flags Flags
		want  bool
	}{
		{"e", Flags{ZF: true}, true},
		{"z", Flags{}, false},
		{"ne", Flags{}, true},
		{"b", Flags{CF: true}, true},
		{"ae", Flags{CF: true}, false},
		{"be", Flags{ZF: true}, true},
		{"a", Flags{}, true},
		{"a", Flags{CF: true}, false},
		{"l", Flags{SF: true}, true},
		{"l", Flags{SF: true, OF: true}, false},
		{"ge", Flags{SF: true, OF: true}, true},
		{"le", Flags{ZF: true}, true},
		{"g", Flags{}, true},
		{"g", Flags{ZF: true}, false},
		{"s", Flags{SF: true}, true},
		{"o", Flags{OF: true}, true},
		{"p", Flags{PF: true}, true},
		{"po", Flags{PF: true}, false},
		{"cxz", Flags{ZF: true}, false}, // accepted, never taken
	}
	for _, tt := range tests {
		f := tt.flags
		got, known := f.Check(tt.cc)
		if !known {
			t.Errorf("Check(%q) unknown", tt.cc)
			continue
		}
		if got != tt.want {
			t.Errorf("Check(%q) with %+v = %v, want %v", tt.cc, tt.flags, got, tt.want)
		}
	}
	if _, known := (&Flags{}).Check("xx"); known {
		t.Error("Check accepted junk condition")
	}
}

func TestParseOperand(t *testing.T) {
	tests := []struct {
		in   string
		kind OperandKind
	}{
		{"eax", OpReg},
		{"r10d", OpReg},
		{"5", OpImm},
		{"0x401000", OpImm},
		{"401000h", OpImm},
		{"-8", OpImm},
		{"[rbp-0x8]", OpMem},
		{"dword ptr [rax+rbx*4]", OpMem},
		{"qword [rsp]", OpMem},
		{"??", OpUnknown},
	}
	for _, tt := range tests {
		op := ParseOperand(tt.in)
		if op.Kind != tt.kind {
			t.Errorf("ParseOperand(%q).Kind = %v, want %v", tt.in, op.Kind, tt.kind)
		}
	}

	op := ParseOperand("dword ptr [rax]")
	if op.WidthBits != 32 || op.Expr != "rax" {
		t.Errorf("width = %d expr = %q", op.WidthBits, op.Expr)
	}
	if v := ParseOperand("-8").Imm; v != ^uint64(7) {
		t.Errorf("-8 = 0x%x", v)
	}
}

func TestSplitOperands_BracketsKeepCommas(t *testing.T) {
	got := SplitOperands("dword ptr [rax+rbx*4], eax")
	if len(got) != 2 || got[0] != "dword ptr [rax+rbx*4]" || got[1] != "eax" {
		t.Errorf("split = %q", got)
	}
}

func TestEvalExpr_ScaledIndex(t *testing.T) {
	m := New(64)
	m.Load(nil)
	m.Regs.Set("rax", 0x1000)
	m.Regs.Set("rbx", 0x10)
	v, err := m.EvalExpr("rax+rbx*4+8h")
	if err != nil {
		t.Fatalf("EvalExpr: %v", err)
	}
	if v != 0x1000+0x40+0x8 {
		t.Errorf("addr = 0x%x", v)
	}
	v, err = m.EvalExpr("rbp-8")
	if err != nil {
		t.Fatalf("EvalExpr: %v", err)
	}
	if v != ^uint64(7) { // rbp is 0, wraps modulo 2^64
		t.Errorf("addr = 0x%x", v)
	}
	if _, err := m.EvalExpr("bogus+4"); err == nil {
		t.Error("EvalExpr accepted junk term")
	}
}

// step runs n steps and fails the test on any trap.
func step(t *testing.T, m *Machine, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		if res := m.Step(); res.Err != nil {
			t.Fatalf("step %d: %v (inst %+v)", i, res.Err, res.Inst)
		}
	}
}

func TestStep_EndToEndAddRet(t *testing.T) {
	// mov eax, 5 / add eax, 3 / ret with a pre-written return slot.
	m := New(32)
	m.Load([]disasm.Inst{
		mk(0x401000, "mov", "eax, 5"),
		mk(0x401005, "add", "eax, 3"),
		mk(0x401008, "ret", ""),
	})
	rsp0 := m.Regs.RSP()
	m.Mem.Write(rsp0, 0xdead, 4)

	step(t, m, 3)

	if got, _ := m.Regs.Get("eax"); got != 8 {
		t.Errorf("eax = %d, want 8", got)
	}
	if got := m.Regs.RIP(); got != 0xdead {
		t.Errorf("rip = 0x%x, want 0xdead", got)
	}
	if got := m.Regs.RSP(); got != rsp0+4 {
		t.Errorf("rsp = 0x%x, want 0x%x", got, rsp0+4)
	}
	f := m.Flags
	// 8 = 0b1000: one set bit, odd parity, so pf stays clear.
	if f.ZF || f.SF || f.CF || f.OF || f.PF {
		t.Errorf("flags after add = %+v, want all clear", f)
	}
}

func TestStep_UnmappedRIP(t *testing.T) {
	m := New(32)
	m.Load([]disasm.Inst{mk(0x1000, "ret", "")})
	m.Regs.SetRIP(0x9999)
	res := m.Step()
	if res.Err == nil {
		t.Fatal("step at unmapped rip succeeded")
	}
	if res.Err != ErrUnmappedRIP {
		t.Errorf("err = %v, want ErrUnmappedRIP", res.Err)
	}
}

func TestStep_XorSelfClearsAndFlags(t *testing.T) {
	m := New(64)
	m.Load([]disasm.Inst{mk(0x1000, "xor", "rax, rax")})
	m.Regs.Set("rax", 0xDEADBEEF)
	step(t, m, 1)
	if got, _ := m.Regs.Get("rax"); got != 0 {
		t.Errorf("rax = 0x%x, want 0", got)
	}
	f := m.Flags
	if !f.ZF || f.SF || f.CF || f.OF {
		t.Errorf("flags = %+v, want zf only", f)
	}
	if !f.PF {
		t.Error("pf clear, want set (zero has even parity)")
	}
}

func TestStep_PushPopInverse(t *testing.T) {
	m := New(64)
	m.Load([]disasm.Inst{
		mk(0x1000, "push", "rax"),
		mk(0x1001, "pop", "rbx"),
	})
	m.Regs.Set("rax", 0x1122334455667788)
	rsp0 := m.Regs.RSP()
	step(t, m, 2)
	if got, _ := m.Regs.Get("rbx"); got != 0x1122334455667788 {
		t.Errorf("rbx = 0x%x", got)
	}
	if got := m.Regs.RSP(); got != rsp0 {
		t.Errorf("rsp = 0x%x, want restored 0x%x", got, rsp0)
	}
}

func TestStep_CallRet(t *testing.T) {
	m := New(64)
	m.Load([]disasm.Inst{
		mk(0x1000, "call", "0x2000"),
		mk(0x1005, "nop", ""),
		mk(0x2000, "ret", ""),
	})
	rsp0 := m.Regs.RSP()

	res := m.Step() // call
	if res.Err != nil {
		t.Fatalf("call: %v", res.Err)
	}
	if got := m.Regs.RIP(); got != 0x2000 {
		t.Errorf("rip after call = 0x%x, want 0x2000", got)
	}
	if got := m.Regs.RSP(); got != rsp0-8 {
		t.Errorf("rsp after call = 0x%x, want 0x%x", got, rsp0-8)
	}

	res = m.Step() // ret
	if res.Err != nil {
		t.Fatalf("ret: %v", res.Err)
	}
	if got := m.Regs.RIP(); got != 0x1005 {
		t.Errorf("rip after ret = 0x%x, want 0x1005 (after call)", got)
	}
	if got := m.Regs.RSP(); got != rsp0 {
		t.Errorf("rsp after ret = 0x%x, want 0x%x", got, rsp0)
	}
}

func TestStep_ConditionalJumps(t *testing.T) {
	// cmp eax, 5 with eax=5 sets zf; je takes, jne would not.
	m := New(32)
	m.Load([]disasm.Inst{
		mk(0x1000, "mov", "eax, 5"),
		mk(0x1005, "cmp", "eax, 5"),
		mk(0x1008, "je", "0x1010"),
		mk(0x100a, "mov", "ebx, 1"),
		mk(0x1010, "mov", "ebx, 2"),
	})
	step(t, m, 3)
	if got := m.Regs.RIP(); got != 0x1010 {
		t.Errorf("rip = 0x%x, want taken branch 0x1010", got)
	}
	step(t, m, 1)
	if got, _ := m.Regs.Get("ebx"); got != 2 {
		t.Errorf("ebx = %d, want 2", got)
	}
}

func TestStep_MemoryOperands(t *testing.T) {
	m := New(64)
	m.Load([]disasm.Inst{
		mk(0x1000, "mov", "qword ptr [rbp-0x8], rax"),
		mk(0x1007, "mov", "rbx, qword ptr [rbp-0x8]"),
	})
	m.Regs.Set("rbp", 0x7ffe0000)
	m.Regs.Set("rax", 0xCAFEBABE)
	step(t, m, 2)
	if got, _ := m.Regs.Get("rbx"); got != 0xCAFEBABE {
		t.Errorf("rbx = 0x%x", got)
	}
}

func TestStep_LeaComputesWithoutTouchingMemory(t *testing.T) {
	m := New(64)
	m.Load([]disasm.Inst{mk(0x1000, "lea", "rax, [rbx+rcx*8+0x10]")})
	m.Regs.Set("rbx", 0x1000)
	m.Regs.Set("rcx", 2)
	pages := m.Mem.PageCount()
	step(t, m, 1)
	if got, _ := m.Regs.Get("rax"); got != 0x1000+16+0x10 {
		t.Errorf("rax = 0x%x", got)
	}
	if m.Mem.PageCount() != pages {
		t.Error("lea touched memory")
	}
}

func TestStep_MovzxMovsx(t *testing.T) {
	m := New(64)
	m.Load([]disasm.Inst{
		mk(0x1000, "movzx", "eax, bl"),
		mk(0x1003, "movsx", "ecx, bl"),
	})
	m.Regs.Set("rbx", 0x80)
	step(t, m, 2)
	if got, _ := m.Regs.Get("rax"); got != 0x80 {
		t.Errorf("movzx rax = 0x%x, want 0x80", got)
	}
	if got, _ := m.Regs.Get("ecx"); got != 0xFFFFFF80 {
		t.Errorf("movsx ecx = 0x%x, want 0xffffff80", got)
	}
}

func TestStep_IncPreservesCarry(t *testing.T) {
	m := New(32)
	m.Load([]disasm.Inst{
		mk(0x1000, "mov", "eax, 0xffffffff"),
		mk(0x1005, "add", "eax, 1"), // sets cf
		mk(0x1008, "inc", "eax"),    // must keep cf
	})
	step(t, m, 3)
	if !m.Flags.CF {
		t.Error("cf cleared by inc")
	}
	if got, _ := m.Regs.Get("eax"); got != 1 {
		t.Errorf("eax = %d, want 1", got)
	}
}

func TestStep_IncOverflowBoundary(t *testing.T) {
	m := New(32)
	m.Load([]disasm.Inst{
		mk(0x1000, "mov", "eax, 0x7fffffff"),
		mk(0x1005, "inc", "eax"),
	})
	step(t, m, 2)
	if !m.Flags.OF {
		t.Error("of clear, want set at signed boundary")
	}
	if !m.Flags.SF {
		t.Error("sf clear, want set")
	}
}

func TestStep_SubBorrowFlags(t *testing.T) {
	m := New(32)
	m.Load([]disasm.Inst{
		mk(0x1000, "mov", "eax, 3"),
		mk(0x1005, "sub", "eax, 5"),
	})
	step(t, m, 2)
	if !m.Flags.CF {
		t.Error("cf clear, want borrow")
	}
	if !m.Flags.SF {
		t.Error("sf clear, want negative")
	}
	if m.Flags.ZF || m.Flags.OF {
		t.Errorf("flags = %+v", m.Flags)
	}
	if got, _ := m.Regs.Get("eax"); got != 0xFFFFFFFE {
		t.Errorf("eax = 0x%x", got)
	}
}

func TestStep_Shifts(t *testing.T) {
	m := New(32)
	m.Load([]disasm.Inst{
		mk(0x1000, "mov", "eax, 0x80000001"),
		mk(0x1005, "shl", "eax, 1"),
	})
	step(t, m, 2)
	if !m.Flags.CF {
		t.Error("shl cf clear, want top bit out")
	}
	if got, _ := m.Regs.Get("eax"); got != 2 {
		t.Errorf("eax = 0x%x, want 2", got)
	}

	m.Load([]disasm.Inst{
		mk(0x1000, "mov", "eax, 0x80000000"),
		mk(0x1005, "sar", "eax, 4"),
	})
	step(t, m, 2)
	if got, _ := m.Regs.Get("eax"); got != 0xF8000000 {
		t.Errorf("sar eax = 0x%x, want 0xf8000000", got)
	}
}

func TestStep_NegAndTest(t *testing.T) {
	m := New(32)
	m.Load([]disasm.Inst{
		mk(0x1000, "mov", "eax, 1"),
		mk(0x1005, "neg", "eax"),
		mk(0x1008, "test", "eax, eax"),
	})
	step(t, m, 2)
	if !m.Flags.CF {
		t.Error("neg of nonzero must set cf")
	}
	if got, _ := m.Regs.Get("eax"); got != 0xFFFFFFFF {
		t.Errorf("eax = 0x%x", got)
	}
	step(t, m, 1)
	if m.Flags.ZF {
		t.Error("test zf set, want clear")
	}
	if got, _ := m.Regs.Get("eax"); got != 0xFFFFFFFF {
		t.Error("test modified its operand")
	}
}

func TestStep_UnsupportedMnemonicTraps(t *testing.T) {
	m := New(64)
	m.Load([]disasm.Inst{
		mk(0x1000, "vaddps", "ymm0, ymm1, ymm2"),
		mk(0x1004, "nop", ""),
	})
	res := m.Step()
	if res.Err == nil {
		t.Fatal("unsupported mnemonic executed")
	}
	// Trap must not corrupt state: rip advanced, next step works.
	if res2 := m.Step(); res2.Err != nil {
		t.Errorf("step after trap: %v", res2.Err)
	}
}

func TestRun_BreakpointStops(t *testing.T) {
	m := New(32)
	m.Load([]disasm.Inst{
		mk(0x1000, "mov", "eax, 1"),
		mk(0x1005, "mov", "ebx, 2"),
		mk(0x100a, "mov", "ecx, 3"),
	})
	m.AddBreakpoint(0x100a)
	res := m.Run(context.Background(), 0)
	if res.Reason != StopBreakpoint {
		t.Fatalf("reason = %q, want breakpoint", res.Reason)
	}
	if res.Steps != 2 {
		t.Errorf("steps = %d, want 2", res.Steps)
	}
	if got := m.Regs.RIP(); got != 0x100a {
		t.Errorf("rip = 0x%x, want 0x100a", got)
	}
	if _, ok := m.Regs.Get("ecx"); !ok {
		t.Fatal("ecx missing")
	}
	if got, _ := m.Regs.Get("ecx"); got != 0 {
		t.Errorf("ecx = %d, want 0 (not yet executed)", got)
	}
}

func TestRun_StepCap(t *testing.T) {
	// Tight infinite loop: jmp to self.
	m := New(32)
	m.Load([]disasm.Inst{mk(0x1000, "jmp", "0x1000")})
	res := m.Run(context.Background(), 0)
	if res.Reason != StopStepCap {
		t.Fatalf("reason = %q, want step-cap", res.Reason)
	}
	if res.Steps != MaxRunSteps {
		t.Errorf("steps = %d, want %d", res.Steps, MaxRunSteps)
	}
}

func TestRun_TrapStops(t *testing.T) {
	m := New(32)
	m.Load([]disasm.Inst{mk(0x1000, "ret", "")}) // rip lands at mem[rsp]=0
	res := m.Run(context.Background(), 0)
	if res.Reason != StopTrap {
		t.Fatalf("reason = %q, want trap", res.Reason)
	}
	if res.Steps != 2 {
		t.Errorf("steps = %d, want 2 (ret then unmapped)", res.Steps)
	}
}

func TestRun_CancelObservedAtBatchBoundary(t *testing.T) {
	m := New(32)
	m.Load([]disasm.Inst{mk(0x1000, "jmp", "0x1000")})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res := m.Run(ctx, 10)
	if res.Reason != StopCanceled {
		t.Fatalf("reason = %q, want canceled", res.Reason)
	}
	if res.Steps != 10 {
		t.Errorf("steps = %d, want one batch of 10", res.Steps)
	}
}

func TestLoad_InitialState(t *testing.T) {
	m := New(64)
	m.Load([]disasm.Inst{
		{Address: disasm.FormatAddr(0x401000, 64), Mnemonic: "nop"},
	})
	if got := m.Regs.RIP(); got != 0x401000 {
		t.Errorf("rip = 0x%x, want first instruction", got)
	}
	if got := m.Regs.RSP(); got != InitialRSP {
		t.Errorf("rsp = 0x%x, want 0x%x", got, InitialRSP)
	}
	if m.Mem.PageCount() == 0 {
		t.Error("no stack pages pre-touched")
	}
	// Reload clears state.
	m.Regs.Set("rax", 99)
	m.Load([]disasm.Inst{mk(0x2000, "nop", "")})
	if got, _ := m.Regs.Get("rax"); got != 0 {
		t.Errorf("rax = %d after reload, want 0", got)
	}
}
