package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/zboralski/tarsier/internal/config"
	"github.com/zboralski/tarsier/internal/disasm"
	"github.com/zboralski/tarsier/internal/interp"
	tlog "github.com/zboralski/tarsier/internal/log"
	"github.com/zboralski/tarsier/internal/pipeline"
	"github.com/zboralski/tarsier/internal/report"
	"github.com/zboralski/tarsier/internal/trace"
	"github.com/zboralski/tarsier/internal/ui/colorize"
)

var (
	verbose    bool
	quiet      bool
	maxInsn    int
	configPath string
	noColor    bool
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "tarsier [binary]",
		Short: "Static analysis and x86 interpretation for opaque executables",
		Long: `Tarsier ingests an executable file and produces a navigable static
analysis: format identity, header facts, section layout, a linear x86
disassembly of the primary code section, cross-references, function
boundaries and byte-signature hits.

The disassembly also feeds a deterministic single-stepping interpreter
for a useful subset of x86/x86-64 semantics, with a tagged register
file, paged memory, flags, a stack and breakpoints.

Examples:
  tarsier app.exe                # full analysis with colorized listing
  tarsier app.exe -q             # one-line summary and stats only
  tarsier info libfoo.so         # header facts
  tarsier disasm app.exe -n 200  # listing only
  tarsier cfg app.exe            # basic blocks of the code section
  tarsier run app.exe --break 0x401010`,
		Args:                  cobra.MaximumNArgs(1),
		DisableFlagsInUseLine: true,
		RunE:                  runAnalyze,
	}

	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose debug output")
	rootCmd.PersistentFlags().BoolVarP(&quiet, "quiet", "q", false, "quiet mode (summary only)")
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to tarsier.yaml")
	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", false, "disable colorized output")
	rootCmd.Flags().IntVarP(&maxInsn, "num", "n", 500, "max instructions to show")

	infoCmd := &cobra.Command{
		Use:   "info <binary>",
		Short: "Show header facts and section layout",
		Args:  cobra.ExactArgs(1),
		RunE:  runInfo,
	}

	disasmCmd := &cobra.Command{
		Use:   "disasm <binary>",
		Short: "Print the annotated listing of the code section",
		Args:  cobra.ExactArgs(1),
		RunE:  runDisasm,
	}
	disasmCmd.Flags().IntVarP(&maxInsn, "num", "n", 500, "max instructions to show")

	cfgCmd := &cobra.Command{
		Use:   "cfg <binary>",
		Short: "Print basic blocks and successor edges",
		Args:  cobra.ExactArgs(1),
		RunE:  runCFG,
	}

	runCmd := &cobra.Command{
		Use:   "run <binary>",
		Short: "Step the code section in the interpreter",
		Args:  cobra.ExactArgs(1),
		RunE:  runInterp,
	}
	runCmd.Flags().StringArrayVar(&breakAddrs, "break", nil, "breakpoint address (repeatable)")
	runCmd.Flags().IntVar(&stepLimit, "steps", 0, "stop after this many steps (0 = run loop default)")

	rootCmd.AddCommand(infoCmd, disasmCmd, cfgCmd, runCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var (
	breakAddrs []string
	stepLimit  int
)

func setup() *config.Config {
	tlog.Init(verbose)
	if noColor {
		os.Setenv("TARSIER_NO_COLOR", "1")
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s %v\n", colorize.Error("config:"), err)
		cfg = config.Default()
	}
	return cfg
}

// loadSource reads the input file into the pipeline's source shape.
func loadSource(path string) (pipeline.Source, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return pipeline.Source{}, fmt.Errorf("read input: %w", err)
	}
	return pipeline.Source{
		Bytes: data,
		Name:  filepath.Base(path),
		Size:  uint64(len(data)),
	}, nil
}

// analyze runs the full pipeline over the input file.
func analyze(path string, cfg *config.Config, showStages bool) (*report.Report, error) {
	src, err := loadSource(path)
	if err != nil {
		return nil, err
	}
	sigs, err := cfg.CompileSignatures()
	if err != nil {
		return nil, err
	}
	sink := &consoleSink{show: showStages && !quiet}
	rep, err := pipeline.Analyze(context.Background(), src, sink, pipeline.Options{
		Decoder:    disasm.X86,
		ExtraSigs:  sigs,
		StagePause: time.Duration(cfg.StagePauseMS) * time.Millisecond,
		Logger:     tlog.L,
	})
	if err != nil {
		return nil, err
	}
	return rep, nil
}

func runAnalyze(cmd *cobra.Command, args []string) error {
	if len(args) == 0 {
		return cmd.Help()
	}
	cfg := setup()
	rep, err := analyze(args[0], cfg, true)
	if err != nil {
		return err
	}

	if quiet {
		printQuietSummary(rep)
		return nil
	}

	printHeader(rep)
	printSections(rep)
	printListing(rep, maxInsn)
	printStats(rep)
	return nil
}

func runInfo(cmd *cobra.Command, args []string) error {
	cfg := setup()
	rep, err := analyze(args[0], cfg, false)
	if err != nil {
		return err
	}

	fmt.Printf("Binary: %s\n", rep.File.Name)
	fmt.Printf("Size:   %s\n", rep.File.SizeStr)
	fmt.Printf("Format: %s\n", rep.File.Format)
	fmt.Printf("Type:   %s\n", rep.File.Type)
	fmt.Printf("Arch:   %s (%d-bit)\n", rep.File.Arch, rep.File.Bits)

	keys := sortedKeys(rep.File.Info)
	if len(keys) > 0 {
		fmt.Println()
		for _, k := range keys {
			fmt.Printf("  %-16s %s\n", k+":", rep.File.Info[k])
		}
	}

	if len(rep.Sections) > 0 {
		fmt.Println()
		printSections(rep)
	}
	return nil
}

func runDisasm(cmd *cobra.Command, args []string) error {
	cfg := setup()
	rep, err := analyze(args[0], cfg, false)
	if err != nil {
		return err
	}
	printListing(rep, maxInsn)
	return nil
}

func runCFG(cmd *cobra.Command, args []string) error {
	cfg := setup()
	rep, err := analyze(args[0], cfg, false)
	if err != nil {
		return err
	}
	printCFG(rep)
	return nil
}

func runInterp(cmd *cobra.Command, args []string) error {
	cfg := setup()
	rep, err := analyze(args[0], cfg, false)
	if err != nil {
		return err
	}
	if rep.Disasm.Fallback {
		return fmt.Errorf("no semantic disassembly available, nothing to interpret")
	}

	m := interp.New(rep.File.Bits)
	m.Load(rep.Disasm.Instructions)
	counts := trace.Counts{}
	m.OnStep = func(in *disasm.Inst) { counts.Observe(in.Mnemonic) }
	for _, s := range breakAddrs {
		addr, ok := disasm.ParseAddr(s)
		if !ok {
			return fmt.Errorf("bad breakpoint address %q", s)
		}
		m.AddBreakpoint(addr)
	}

	ctx := context.Background()
	start := m.Regs.RIP()
	var steps int
	var reason string
	if stepLimit > 0 {
		for steps < stepLimit {
			res := m.Step()
			steps++
			if res.Err != nil {
				reason = res.Err.Error()
				break
			}
			if m.Breakpoints[m.Regs.RIP()] {
				reason = "breakpoint"
				break
			}
		}
		if reason == "" {
			reason = "step limit"
		}
	} else {
		res := m.Run(ctx, cfg.Interp.BatchSize)
		steps = res.Steps
		reason = string(res.Reason)
		if res.Last.Err != nil {
			reason = res.Last.Err.Error()
		}
	}

	fmt.Printf("%s %s\n", colorize.Header("▶"), "tarsier run")
	fmt.Printf("  %s %s  %s %s\n",
		colorize.Detail("Start:"), colorize.Address(disasm.FormatAddr(start, rep.File.Bits)),
		colorize.Detail("Stop:"), colorize.Detail(reason))
	fmt.Printf("  %s %d%s\n\n", colorize.Detail("Steps:"), steps, formatTagCounts(counts))
	printMachineState(m, rep.File.Bits)
	return nil
}

// formatTagCounts renders the run's tag tally, e.g. "  2 #call  1 #xor".
func formatTagCounts(counts trace.Counts) string {
	var b []byte
	for _, tag := range []trace.Tag{trace.Call, trace.Ret, trace.Branch, trace.Xor, trace.Stack, trace.Shift, trace.Syscall} {
		if n := counts[tag]; n > 0 {
			b = fmt.Appendf(b, "  %d %s", n, colorize.Detail("#"+string(tag)))
		}
	}
	return string(b)
}
