// Package cfg partitions a linear instruction stream into basic blocks and
// classifies successor edges. Edges reference blocks by canonical address
// key, never by pointer; each block's Insts is a sub-slice of the input.
package cfg

import (
	"sort"
	"strings"

	"github.com/zboralski/tarsier/internal/analysis"
	"github.com/zboralski/tarsier/internal/disasm"
)

// EdgeType classifies a successor edge.
type EdgeType string

const (
	EdgeFall EdgeType = "fall"
	EdgeJump EdgeType = "jump"
)

// Edge is one control-flow successor.
type Edge struct {
	To   string   `json:"to"`
	Type EdgeType `json:"type"`
}

// Block is a maximal straight-line run with a single entry. ID is the
// address of the first instruction.
type Block struct {
	ID    string        `json:"id"`
	Insts []disasm.Inst `json:"insts"`
	Succs []Edge        `json:"succs"`
}

// endOfFlow mnemonics terminate a block with no successors.
var endOfFlow = map[string]bool{
	"ret": true, "retn": true, "retq": true, "retf": true,
	"ud2": true, "hlt": true,
}

// Build constructs the basic-block partition of a decoded stream.
// The algorithm:
//  1. Find leaders: index 0, the instruction after any transfer (jmp, jcc,
//     call, end-of-flow), and every resolvable direct target.
//  2. Partition the linear sequence at leader indices.
//  3. Classify the last instruction of each block into fall/jump edges.
func Build(insts []disasm.Inst, bits int) []Block {
	if len(insts) == 0 {
		return nil
	}

	addrToIdx := make(map[uint64]int, len(insts))
	for i, in := range insts {
		if v, ok := disasm.ParseAddr(in.Address); ok {
			addrToIdx[v] = i
		}
	}

	// Pass 1: leaders.
	leaders := map[int]bool{0: true}
	for i, in := range insts {
		m := mnemonic(in)
		if !isTransfer(m) {
			continue
		}
		if i+1 < len(insts) {
			leaders[i+1] = true
		}
		if target, ok := analysis.ParseTarget(in.Operands); ok {
			if idx, ok := addrToIdx[target]; ok {
				leaders[idx] = true
			}
		}
	}

	sorted := make([]int, 0, len(leaders))
	for idx := range leaders {
		sorted = append(sorted, idx)
	}
	sort.Ints(sorted)

	// Pass 2: partition.
	blocks := make([]Block, len(sorted))
	blockAt := make(map[int]int, len(sorted)) // leader index → block index
	for i, start := range sorted {
		end := len(insts)
		if i+1 < len(sorted) {
			end = sorted[i+1]
		}
		blocks[i] = Block{
			ID:    insts[start].Address,
			Insts: insts[start:end],
		}
		blockAt[start] = i
	}

	// Pass 3: successors.
	for i, start := range sorted {
		blk := &blocks[i]
		last := blk.Insts[len(blk.Insts)-1]
		m := mnemonic(last)
		nextIdx := start + len(blk.Insts)

		switch {
		case analysis.IsJcc(m):
			if bi, ok := blockAt[nextIdx]; ok {
				blk.Succs = append(blk.Succs, Edge{To: blocks[bi].ID, Type: EdgeFall})
			}
			if target, ok := analysis.ParseTarget(last.Operands); ok {
				if idx, ok := addrToIdx[target]; ok {
					if bi, ok := blockAt[idx]; ok {
						blk.Succs = append(blk.Succs, Edge{To: blocks[bi].ID, Type: EdgeJump})
					}
				}
			}
		case m == "jmp":
			if target, ok := analysis.ParseTarget(last.Operands); ok {
				if idx, ok := addrToIdx[target]; ok {
					if bi, ok := blockAt[idx]; ok {
						blk.Succs = append(blk.Succs, Edge{To: blocks[bi].ID, Type: EdgeJump})
					}
				}
			}
		case endOfFlow[m]:
			// No successors.
		default:
			// Straight-line fall-through, calls included.
			if bi, ok := blockAt[nextIdx]; ok {
				blk.Succs = append(blk.Succs, Edge{To: blocks[bi].ID, Type: EdgeFall})
			}
		}
	}

	return blocks
}

func mnemonic(in disasm.Inst) string {
	return strings.ToLower(strings.TrimSpace(in.Mnemonic))
}

func isTransfer(m string) bool {
	return m == "jmp" || m == "call" || endOfFlow[m] || analysis.IsJcc(m)
}
