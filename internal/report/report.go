// Package report defines the immutable analysis result handed to the
// progress sink. The report is produced once by the pipeline and shared by
// reference; nothing downstream mutates it.
package report

import (
	"fmt"
	"time"

	"github.com/zboralski/tarsier/internal/analysis"
	"github.com/zboralski/tarsier/internal/disasm"
)

// File carries the summary scalars of the analyzed input.
type File struct {
	Name    string            `json:"name"`
	Size    uint64            `json:"size"`
	SizeStr string            `json:"size_str"`
	Format  string            `json:"format"`
	Type    string            `json:"type"`
	Arch    string            `json:"arch"`
	Bits    int               `json:"bits"`
	Info    map[string]string `json:"info,omitempty"`
}

// Section is the report view of a parsed section.
type Section struct {
	Name           string `json:"name"`
	VirtualAddress string `json:"virtual_address"`
	Size           uint64 `json:"size"`
	RawSize        uint64 `json:"raw_size"`
	Flags          string `json:"flags"`
	IsCode         bool   `json:"is_code"`
	Type           string `json:"type"`
}

// Disasm is the linear listing of the primary code section.
type Disasm struct {
	Section      string        `json:"section"`
	Fallback     bool          `json:"fallback"`
	Instructions []disasm.Inst `json:"instructions"`
	BaseVA       string        `json:"base_va"`
}

// Analysis bundles the derived control-flow facts.
type Analysis struct {
	Xrefs      map[string][]analysis.Xref `json:"xrefs"`
	FuncLabels map[string]string          `json:"func_labels"`
	ByteSigs   []analysis.SigHit          `json:"byte_sigs"`
}

// Report is the single result value of one pipeline run.
type Report struct {
	ID          string    `json:"id"`
	GeneratedAt time.Time `json:"generated_at"`
	File        File      `json:"file"`
	Sections    []Section `json:"sections"`
	Disasm      Disasm    `json:"disasm"`
	Analysis    Analysis  `json:"analysis"`
}

// HumanSize renders a byte count the way the listing header shows it.
func HumanSize(n uint64) string {
	switch {
	case n >= 1<<30:
		return fmt.Sprintf("%.1f GiB", float64(n)/(1<<30))
	case n >= 1<<20:
		return fmt.Sprintf("%.1f MiB", float64(n)/(1<<20))
	case n >= 1<<10:
		return fmt.Sprintf("%.1f KiB", float64(n)/(1<<10))
	default:
		return fmt.Sprintf("%d B", n)
	}
}
