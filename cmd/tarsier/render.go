package main

import (
	"bufio"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/zboralski/tarsier/internal/analysis"
	"github.com/zboralski/tarsier/internal/cfg"
	"github.com/zboralski/tarsier/internal/disasm"
	"github.com/zboralski/tarsier/internal/interp"
	"github.com/zboralski/tarsier/internal/pipeline"
	"github.com/zboralski/tarsier/internal/report"
	"github.com/zboralski/tarsier/internal/ui/colorize"
)

// consoleSink renders pipeline progress to stderr so stdout stays clean
// for the listing.
type consoleSink struct {
	show bool
}

func (s *consoleSink) Stage(e pipeline.Event) {
	if !s.show {
		return
	}
	switch e.Status {
	case pipeline.StatusDone:
		fmt.Fprintf(os.Stderr, "  %s %-8s %s\n", colorize.Detail("·"), e.ID, colorize.Detail(e.Label))
	case pipeline.StatusError:
		fmt.Fprintf(os.Stderr, "  %s %-8s %s\n", colorize.Error("✗"), e.ID, colorize.Error(e.Label))
	}
}

func (s *consoleSink) Results(*report.Report) {}

func (s *consoleSink) Error(stage string, err error) {
	fmt.Fprintf(os.Stderr, "%s %s: %v\n", colorize.Error("error"), stage, err)
}

// outputWriter batches listing lines through a single goroutine with a
// periodic flush, so large listings stream without per-line syscalls.
type outputWriter struct {
	ch     chan string
	done   chan struct{}
	writer *bufio.Writer
}

func newOutputWriter() *outputWriter {
	w := &outputWriter{
		ch:     make(chan string, 2048),
		done:   make(chan struct{}),
		writer: bufio.NewWriterSize(os.Stdout, 64*1024),
	}
	go w.run()
	return w
}

func (w *outputWriter) run() {
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case line, ok := <-w.ch:
			if !ok {
				w.writer.Flush()
				close(w.done)
				return
			}
			w.writer.WriteString(line)
			w.writer.WriteByte('\n')
		case <-ticker.C:
			w.writer.Flush()
		}
	}
}

func (w *outputWriter) Write(line string) {
	w.ch <- line
}

func (w *outputWriter) Close() {
	close(w.ch)
	<-w.done
}

func printHeader(rep *report.Report) {
	fmt.Println()
	fmt.Printf("%s tarsier ─ static binary analyzer\n", colorize.Header("▶"))
	fmt.Printf("  %s %s (%s)\n", colorize.Detail("File:"), rep.File.Name, rep.File.SizeStr)
	fmt.Printf("  %s %s  %s %s  %s %s (%d-bit)\n",
		colorize.Detail("Format:"), rep.File.Format,
		colorize.Detail("Type:"), rep.File.Type,
		colorize.Detail("Arch:"), rep.File.Arch, rep.File.Bits)
	fmt.Println()
}

func printSections(rep *report.Report) {
	if len(rep.Sections) == 0 {
		return
	}
	fmt.Printf("  %-12s %-18s %10s %10s  %s\n", "name", "vaddr", "size", "raw", "flags")
	for _, s := range rep.Sections {
		name := s.Name
		if s.IsCode {
			name = colorize.FuncName(name)
		}
		fmt.Printf("  %-12s %-18s %10d %10d  %s\n",
			name, colorize.Address(s.VirtualAddress), s.Size, s.RawSize, colorize.Detail(s.Flags))
	}
	fmt.Println()
}

// formatLine renders one listing row: address, bytes, colorized assembly,
// then xref annotations at a fixed comment column.
func formatLine(in disasm.Inst, xrefs []analysis.Xref) string {
	var b strings.Builder
	b.Grow(256)

	visibleLen := 0
	b.WriteString(colorize.Address(in.Address))
	b.WriteString("  ")
	visibleLen += len(in.Address) + 2

	bytesCol := in.Bytes
	if len(bytesCol) > 23 {
		bytesCol = bytesCol[:20] + "..."
	}
	b.WriteString(colorize.HexBytes(bytesCol))
	visibleLen += len(bytesCol)
	for visibleLen < len(in.Address)+2+25 {
		b.WriteByte(' ')
		visibleLen++
	}

	text := in.Text()
	b.WriteString(colorize.Instruction(text))
	visibleLen += len(text)

	if len(xrefs) > 0 {
		const commentCol = 72
		for visibleLen < commentCol {
			b.WriteByte(' ')
			visibleLen++
		}
		var parts []string
		for _, x := range xrefs {
			parts = append(parts, fmt.Sprintf("%s from %s", x.Type, x.From))
		}
		b.WriteString(colorize.Comment("; xref: " + strings.Join(parts, ", ")))
	}

	return b.String()
}

func printListing(rep *report.Report, max int) {
	insts := rep.Disasm.Instructions
	if len(insts) == 0 {
		fmt.Println(colorize.Detail("  (no code section)"))
		return
	}
	if rep.Disasm.Fallback {
		fmt.Printf("%s\n", colorize.Detail("  hex view (decoder unavailable)"))
	}

	out := newOutputWriter()
	shown := 0
	for _, in := range insts {
		if shown >= max {
			out.Write(colorize.Detail(fmt.Sprintf("  ... %d more", len(insts)-shown)))
			break
		}
		if label, ok := rep.Analysis.FuncLabels[in.Address]; ok {
			out.Write("")
			out.Write(colorize.FuncName(label + ":"))
		}
		out.Write(formatLine(in, rep.Analysis.Xrefs[in.Address]))
		shown++
	}
	out.Close()
}

func printStats(rep *report.Report) {
	fmt.Println()
	fmt.Print(colorize.Border("───────────────────────────────────────── "))
	fmt.Printf("%s insn  %s funcs  %s xrefs  %s sigs\n",
		colorize.FuncName(fmt.Sprintf("%d", len(rep.Disasm.Instructions))),
		colorize.FuncName(fmt.Sprintf("%d", len(rep.Analysis.FuncLabels))),
		colorize.FuncName(fmt.Sprintf("%d", len(rep.Analysis.Xrefs))),
		colorize.FuncName(fmt.Sprintf("%d", len(rep.Analysis.ByteSigs))))

	if len(rep.Analysis.ByteSigs) > 0 {
		fmt.Println()
		for _, hit := range rep.Analysis.ByteSigs {
			fmt.Printf("  %s %s  %s\n",
				colorize.Address(hit.Address), colorize.FuncName(hit.Name), colorize.Detail(hit.Note))
		}
	}
}

func printQuietSummary(rep *report.Report) {
	fmt.Printf("%s\n", colorize.FuncName(rep.File.Name))
	fmt.Printf("%s %s %s, %d sections\n",
		rep.File.Format, rep.File.Arch, rep.File.Type, len(rep.Sections))
	fmt.Printf("%d %s  %d %s  %d %s  %d %s\n",
		len(rep.Disasm.Instructions), colorize.Detail("insn"),
		len(rep.Analysis.FuncLabels), colorize.Detail("funcs"),
		len(rep.Analysis.Xrefs), colorize.Detail("xrefs"),
		len(rep.Analysis.ByteSigs), colorize.Detail("sigs"))
}

func printCFG(rep *report.Report) {
	if rep.Disasm.Fallback {
		fmt.Println(colorize.Detail("  no semantic disassembly, no graph"))
		return
	}
	blocks := cfg.Build(rep.Disasm.Instructions, rep.File.Bits)
	for _, blk := range blocks {
		fmt.Printf("%s\n", colorize.FuncName("block "+blk.ID))
		for _, in := range blk.Insts {
			fmt.Printf("  %s  %s\n", colorize.Address(in.Address), colorize.Instruction(in.Text()))
		}
		for _, s := range blk.Succs {
			fmt.Printf("  %s %s %s\n", colorize.Detail("→"), colorize.Address(s.To), colorize.Detail(string(s.Type)))
		}
		fmt.Println()
	}
}

// printMachineState dumps registers, flags and the stack top after a run,
// in slot order.
func printMachineState(m *interp.Machine, bits int) {
	names := interp.Names()
	for i, name := range names {
		v, _ := m.Regs.Get(name)
		fmt.Printf("%-4s %s", name, colorize.Address(disasm.FormatAddr(v, bits)))
		if i%4 == 3 || i == len(names)-1 {
			fmt.Println()
		} else {
			fmt.Print("   ")
		}
	}

	f := m.Flags
	flagStr := func(name string, v bool) string {
		if v {
			return colorize.FuncName(name + "=1")
		}
		return colorize.Detail(name + "=0")
	}
	fmt.Printf("\n%s %s %s %s %s %s %s\n\n", colorize.Detail("flags:"),
		flagStr("cf", f.CF), flagStr("zf", f.ZF), flagStr("sf", f.SF),
		flagStr("of", f.OF), flagStr("pf", f.PF), flagStr("af", f.AF))

	rsp := m.Regs.RSP()
	fmt.Println(colorize.Detail("stack:"))
	word := uint64(bits / 8)
	for i := uint64(0); i < 6; i++ {
		addr := rsp + i*word
		val := m.Mem.Read(addr, uint(word))
		fmt.Printf("  %s  %s\n",
			colorize.Address(disasm.FormatAddr(addr, bits)),
			colorize.HexBytes(disasm.FormatAddr(val, bits)))
	}
}

// sortedKeys is used by info rendering for stable output.
func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
