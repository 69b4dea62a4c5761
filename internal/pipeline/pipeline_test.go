package pipeline

import (
	"context"
	"errors"
	"testing"

	"github.com/zboralski/tarsier/internal/binfmt"
	"github.com/zboralski/tarsier/internal/disasm"
	"github.com/zboralski/tarsier/internal/report"
)

// recordingSink captures every event for assertions.
type recordingSink struct {
	events []Event
	report *report.Report
	errs   []string
}

func (s *recordingSink) Stage(e Event)            { s.events = append(s.events, e) }
func (s *recordingSink) Results(r *report.Report) { s.report = r }
func (s *recordingSink) Error(stage string, err error) {
	s.errs = append(s.errs, stage+": "+err.Error())
}

// doneOrder extracts the IDs of done events in emission order.
func (s *recordingSink) doneOrder() []string {
	var out []string
	for _, e := range s.events {
		if e.Status == StatusDone {
			out = append(out, e.ID)
		}
	}
	return out
}

// elfWithCode builds a minimal ELF64 whose .text holds real x86-64 code.
func elfWithCode(t *testing.T, code []byte) []byte {
	t.Helper()
	// ehdr(64) + 2 shdrs(128) + strtab(16) + code
	codeOff := 64 + 128 + 16
	buf := make([]byte, codeOff+len(code))
	copy(buf, []byte{0x7F, 'E', 'L', 'F', 2, 1, 1, 0})
	p16 := func(off int, v uint16) { buf[off] = byte(v); buf[off+1] = byte(v >> 8) }
	p32 := func(off int, v uint32) {
		for i := 0; i < 4; i++ {
			buf[off+i] = byte(v >> (8 * i))
		}
	}
	p64 := func(off int, v uint64) {
		for i := 0; i < 8; i++ {
			buf[off+i] = byte(v >> (8 * i))
		}
	}
	p16(16, 2)    // ET_EXEC
	p16(18, 0x3E) // AMD64
	p64(24, 0x401000)
	p64(40, 64) // shoff
	p16(58, 64)
	p16(60, 2)
	p16(62, 1)

	// shdr 0: .text
	p32(64, 1)
	p32(68, 1)   // PROGBITS
	p64(72, 0x6) // ALLOC|EXEC
	p64(80, 0x401000)
	p64(88, uint64(codeOff))
	p64(96, uint64(len(code)))

	// shdr 1: .shstrtab
	p32(128+4, 3)
	p64(128+24, 192)
	p64(128+32, 7)
	copy(buf[192:], []byte("\x00.text\x00"))
	return buf
}

func TestAnalyze_ELFEndToEnd(t *testing.T) {
	code := []byte{
		0xB8, 0x05, 0x00, 0x00, 0x00, // mov eax, 5
		0x83, 0xC0, 0x03, // add eax, 3
		0xC3, // ret
	}
	buf := elfWithCode(t, code)
	sink := &recordingSink{}
	rep, err := Analyze(context.Background(), Source{
		Bytes: buf,
		Name:  "fixture.elf",
		Size:  uint64(len(buf)),
	}, sink, Options{Decoder: disasm.X86})
	if err != nil {
		t.Fatalf("Analyze: %v", err)
	}
	if sink.report == nil {
		t.Fatal("sink never received results")
	}
	if rep != sink.report {
		t.Error("returned report differs from sink report")
	}

	want := []string{"upload", "detect", "headers", "sections", "disasm", "refs", "report"}
	got := sink.doneOrder()
	if len(got) != len(want) {
		t.Fatalf("done events = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("done events = %v, want %v", got, want)
		}
	}

	if rep.File.Format != "ELF" || rep.File.Arch != "AMD64" || rep.File.Bits != 64 {
		t.Errorf("file = %+v", rep.File)
	}
	if rep.Disasm.Fallback {
		t.Error("fallback = true, want real decode")
	}
	if rep.Disasm.Section != ".text" {
		t.Errorf("section = %q", rep.Disasm.Section)
	}
	if len(rep.Disasm.Instructions) != 3 {
		t.Fatalf("instructions = %d, want 3", len(rep.Disasm.Instructions))
	}
	if rep.Disasm.BaseVA != "0x0000000000401000" {
		t.Errorf("base_va = %q", rep.Disasm.BaseVA)
	}
	if rep.Disasm.Instructions[0].Address != "0x0000000000401000" {
		t.Errorf("first addr = %q", rep.Disasm.Instructions[0].Address)
	}
	if got := rep.Analysis.FuncLabels["0x0000000000401000"]; got != "sub_401000" {
		t.Errorf("func label = %q, want sub_401000", got)
	}
	if rep.ID == "" {
		t.Error("report id empty")
	}
}

func TestAnalyze_InvalidPEStopsAtHeaders(t *testing.T) {
	// MZ magic but nothing behind it.
	buf := make([]byte, 0x40)
	buf[0], buf[1] = 'M', 'Z'
	sink := &recordingSink{}
	_, err := Analyze(context.Background(), Source{Bytes: buf, Name: "broken.exe", Size: 0x40}, sink, Options{})
	if err == nil {
		t.Fatal("Analyze succeeded on truncated PE")
	}
	if !errors.Is(err, binfmt.ErrInvalidFormat) && !errors.Is(err, binfmt.ErrTooSmall) {
		t.Errorf("err = %v", err)
	}
	if sink.report != nil {
		t.Error("results emitted after header failure")
	}
	if len(sink.errs) != 1 {
		t.Fatalf("errors = %v, want one", sink.errs)
	}
	for _, e := range sink.events {
		if e.ID == "disasm" || e.ID == "refs" {
			t.Errorf("stage %q ran after header failure", e.ID)
		}
	}
}

func TestAnalyze_RawFallsBackToHexView(t *testing.T) {
	buf := []byte("just some text, not a binary at all")
	sink := &recordingSink{}
	rep, err := Analyze(context.Background(), Source{Bytes: buf, Name: "notes.txt", Size: uint64(len(buf))}, sink, Options{})
	if err != nil {
		t.Fatalf("Analyze: %v", err)
	}
	if rep.File.Format != "Raw" {
		t.Errorf("format = %q", rep.File.Format)
	}
	if !rep.Disasm.Fallback {
		t.Error("fallback = false, want hex view")
	}
	if len(rep.Disasm.Instructions) == 0 {
		t.Error("no hex rows")
	}
	if len(rep.Analysis.Xrefs) != 0 || len(rep.Analysis.FuncLabels) != 0 {
		t.Error("xrefs/labels computed over hex rows")
	}
}

func TestAnalyze_SignatureHitsSurface(t *testing.T) {
	code := []byte{0xF3, 0xAA, 0xC3} // rep stosb; ret
	buf := elfWithCode(t, code)
	sink := &recordingSink{}
	rep, err := Analyze(context.Background(), Source{Bytes: buf, Name: "sig.elf", Size: uint64(len(buf))}, sink, Options{Decoder: disasm.X86})
	if err != nil {
		t.Fatalf("Analyze: %v", err)
	}
	if len(rep.Analysis.ByteSigs) != 1 {
		t.Fatalf("sigs = %+v, want one", rep.Analysis.ByteSigs)
	}
	hit := rep.Analysis.ByteSigs[0]
	if hit.Name != "rep stosb" || hit.Address != "0x0000000000401000" {
		t.Errorf("hit = %+v", hit)
	}
}

func TestAnalyze_CancelBetweenStages(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	buf := elfWithCode(t, []byte{0xC3})
	sink := &recordingSink{}
	_, err := Analyze(ctx, Source{Bytes: buf, Name: "x", Size: 1}, sink, Options{})
	if err == nil {
		t.Fatal("Analyze ignored canceled context")
	}
	if sink.report != nil {
		t.Error("results emitted after cancellation")
	}
}
