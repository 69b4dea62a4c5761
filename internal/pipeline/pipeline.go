// Package pipeline sequences the analysis stages over an input buffer and
// streams progress events to a sink. One Analyze call is one logical task:
// parsers and the decoder run to completion synchronously, with cooperative
// pauses between stages so a host can render progress.
package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/zboralski/tarsier/internal/analysis"
	"github.com/zboralski/tarsier/internal/binfmt"
	"github.com/zboralski/tarsier/internal/disasm"
	"github.com/zboralski/tarsier/internal/log"
	"github.com/zboralski/tarsier/internal/report"
)

// Source is the input contract: bytes plus the original name and size.
// The pipeline never inspects paths or file metadata.
type Source struct {
	Bytes []byte
	Name  string
	Size  uint64
}

// Status is a stage-event state.
type Status string

const (
	StatusRunning Status = "running"
	StatusDone    Status = "done"
	StatusError   Status = "error"
)

// Event is one progress update. Result carries stage-specific payload such
// as counts; sinks treat it opaquely.
type Event struct {
	ID     string `json:"id"`
	Status Status `json:"status"`
	Label  string `json:"label"`
	Result any    `json:"result,omitempty"`
}

// Sink receives stage events and exactly one terminal call: Results on
// success or Error naming the failed stage.
type Sink interface {
	Stage(Event)
	Results(*report.Report)
	Error(stage string, err error)
}

// Options tunes one pipeline run.
type Options struct {
	Decoder    disasm.Decoder       // nil selects the hex-dump fallback
	ExtraSigs  []analysis.Signature // appended after the built-in patterns
	StagePause time.Duration        // cooperative pause between stages
	Logger     *log.Logger          // nil = no-op
}

// Analyze runs detect → headers → sections → disasm → refs → report and
// hands the report to the sink. The input buffer is released as soon as
// the report exists. Returns the report, or the error already delivered
// through the sink.
func Analyze(ctx context.Context, src Source, sink Sink, opts Options) (*report.Report, error) {
	lg := opts.Logger
	if lg == nil {
		lg = log.NewNop()
	}

	stage := func(id string, st Status, label string, result any) {
		sink.Stage(Event{ID: id, Status: st, Label: label, Result: result})
		switch st {
		case StatusRunning:
			lg.StageStart(id, label)
		case StatusDone:
			lg.StageDone(id, label)
		}
	}
	pause := func() error {
		if opts.StagePause > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(opts.StagePause):
			}
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		return nil
	}
	fail := func(id string, err error) (*report.Report, error) {
		lg.StageError(id, err)
		stage(id, StatusError, err.Error(), nil)
		sink.Error(id, err)
		return nil, err
	}

	stage("upload", StatusDone, fmt.Sprintf("%s (%s)", src.Name, report.HumanSize(src.Size)), map[string]any{
		"name": src.Name,
		"size": src.Size,
	})

	// Detect.
	stage("detect", StatusRunning, "detecting format", nil)
	det := binfmt.Detect(src.Bytes)
	stage("detect", StatusDone, det.Description, nil)
	if err := pause(); err != nil {
		return fail("detect", err)
	}

	// Headers.
	stage("headers", StatusRunning, "parsing headers", nil)
	bin, err := parseHeaders(det, src)
	if err != nil {
		return fail("headers", err)
	}
	stage("headers", StatusDone, bin.Summary, nil)
	if err := pause(); err != nil {
		return fail("headers", err)
	}

	// Sections.
	stage("sections", StatusRunning, "reading sections", nil)
	stage("sections", StatusDone, fmt.Sprintf("%d sections", len(bin.Sections)), len(bin.Sections))
	if err := pause(); err != nil {
		return fail("sections", err)
	}

	// Disassembly of the primary code section.
	stage("disasm", StatusRunning, "disassembling", nil)
	var (
		insts    []disasm.Inst
		fallback bool
		code     []byte
		baseVA   uint64
		secName  string
	)
	if sec, ok := bin.CodeSection(); ok && sec.RawSize > 0 {
		secName = sec.Name
		baseVA = sec.VirtualAddress
		code = src.Bytes[sec.RawOffset : sec.RawOffset+sec.RawSize]
		insts, fallback = disasm.Decode(code, disasm.Options{
			BaseVA:  baseVA,
			Bits:    bin.Bits,
			Decoder: opts.Decoder,
		})
	}
	if fallback {
		stage("disasm", StatusDone, fmt.Sprintf("hex view, %d rows (decoder unavailable)", len(insts)), len(insts))
	} else {
		stage("disasm", StatusDone, fmt.Sprintf("%d instructions", len(insts)), len(insts))
	}
	if err := pause(); err != nil {
		return fail("disasm", err)
	}

	// Cross-references, function starts, byte signatures.
	stage("refs", StatusRunning, "resolving references", nil)
	var (
		xrefs  map[string][]analysis.Xref
		labels map[string]string
		sigs   []analysis.SigHit
	)
	if !fallback {
		xrefs = analysis.BuildXrefs(insts, bin.Bits)
		labels = analysis.DetectFuncs(insts)
	}
	if len(code) > 0 {
		sigs = analysis.ScanSignatures(code, baseVA, bin.Bits, opts.ExtraSigs...)
	}
	stage("refs", StatusDone,
		fmt.Sprintf("%d targets, %d functions, %d signatures", len(xrefs), len(labels), len(sigs)),
		map[string]int{"xrefs": len(xrefs), "funcs": len(labels), "sigs": len(sigs)})
	if err := pause(); err != nil {
		return fail("refs", err)
	}

	// Assemble the report.
	stage("report", StatusRunning, "assembling report", nil)
	rep := assemble(src, det, bin, secName, fallback, insts, baseVA, xrefs, labels, sigs)
	stage("report", StatusDone, "report ready", nil)

	// Drop the buffer reference; the report owns everything it needs.
	src.Bytes = nil

	sink.Results(rep)
	return rep, nil
}

// parseHeaders dispatches on the detected format. Formats without a
// dedicated parser pass through with the whole buffer as one pseudo
// section so the later stages still have bytes to work on.
func parseHeaders(det binfmt.Detection, src Source) (*binfmt.Binary, error) {
	switch det.Format {
	case binfmt.FormatPE:
		return binfmt.ParsePE(src.Bytes)
	case binfmt.FormatELF:
		return binfmt.ParseELF(src.Bytes)
	}
	return &binfmt.Binary{
		Format: det.Format,
		Type:   det.Description,
		Arch:   "unknown",
		Bits:   32,
		Sections: []binfmt.Section{{
			Name:    "raw",
			RawSize: uint64(len(src.Bytes)),
			TypeStr: "raw",
			IsCode:  true,
		}},
		Info:    map[string]string{"Format": det.Description},
		Summary: det.Description,
	}, nil
}

func assemble(
	src Source,
	det binfmt.Detection,
	bin *binfmt.Binary,
	secName string,
	fallback bool,
	insts []disasm.Inst,
	baseVA uint64,
	xrefs map[string][]analysis.Xref,
	labels map[string]string,
	sigs []analysis.SigHit,
) *report.Report {
	sections := make([]report.Section, len(bin.Sections))
	for i, s := range bin.Sections {
		sections[i] = report.Section{
			Name:           s.Name,
			VirtualAddress: disasm.FormatAddr(s.VirtualAddress, bin.Bits),
			Size:           s.VirtualSize,
			RawSize:        s.RawSize,
			Flags:          s.FlagsStr,
			IsCode:         s.IsCode,
			Type:           s.TypeStr,
		}
	}
	if xrefs == nil {
		xrefs = map[string][]analysis.Xref{}
	}
	if labels == nil {
		labels = map[string]string{}
	}

	info := make(map[string]string, len(bin.Info))
	for k, v := range bin.Info {
		info[k] = v
	}

	return &report.Report{
		ID:          uuid.NewString(),
		GeneratedAt: time.Now().UTC(),
		File: report.File{
			Name:    src.Name,
			Size:    src.Size,
			SizeStr: report.HumanSize(src.Size),
			Format:  det.Format.String(),
			Type:    bin.Type,
			Arch:    bin.Arch,
			Bits:    bin.Bits,
			Info:    info,
		},
		Sections: sections,
		Disasm: report.Disasm{
			Section:      secName,
			Fallback:     fallback,
			Instructions: insts,
			BaseVA:       disasm.FormatAddr(baseVA, bin.Bits),
		},
		Analysis: report.Analysis{
			Xrefs:      xrefs,
			FuncLabels: labels,
			ByteSigs:   sigs,
		},
	}
}
