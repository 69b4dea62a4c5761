// Package analysis derives static control-flow facts from a decoded
// instruction stream: cross-references, function starts and byte-signature
// hits. Everything here is keyed by canonical address strings so the report
// serializes without another mapping pass.
package analysis

import (
	"strings"

	"github.com/zboralski/tarsier/internal/disasm"
)

// XrefType classifies the referencing instruction.
type XrefType string

const (
	XrefCall XrefType = "call"
	XrefJmp  XrefType = "jmp"
	XrefJcc  XrefType = "jcc"
)

// Xref is one reference site pointing at a target address.
type Xref struct {
	From string   `json:"from"`
	Type XrefType `json:"type"`
}

// jccSet is the closed conditional-transfer set. loop and jcxz variants
// count as conditional for xref purposes.
var jccSet = map[string]bool{
	"jo": true, "jno": true, "js": true, "jns": true,
	"je": true, "jne": true, "jz": true, "jnz": true,
	"jb": true, "jnae": true, "jc": true, "jnb": true, "jae": true, "jnc": true,
	"jbe": true, "jna": true, "ja": true, "jnbe": true,
	"jl": true, "jnge": true, "jge": true, "jnl": true,
	"jle": true, "jng": true, "jg": true, "jnle": true,
	"jp": true, "jpe": true, "jnp": true, "jpo": true,
	"jcxz": true, "jecxz": true, "jrcxz": true,
	"loop": true, "loope": true, "loopne": true,
}

// IsJcc reports whether the mnemonic is in the conditional-transfer set.
func IsJcc(mnemonic string) bool {
	return jccSet[strings.ToLower(strings.TrimSpace(mnemonic))]
}

// BuildXrefs resolves direct call/jmp/jcc targets and builds the reverse
// index keyed by canonical target address. Register, memory-expression and
// symbol operands are indirect and skipped.
func BuildXrefs(insts []disasm.Inst, bits int) map[string][]Xref {
	xrefs := make(map[string][]Xref)
	for _, in := range insts {
		m := strings.ToLower(strings.TrimSpace(in.Mnemonic))
		var typ XrefType
		switch {
		case m == "call":
			typ = XrefCall
		case m == "jmp":
			typ = XrefJmp
		case jccSet[m]:
			typ = XrefJcc
		default:
			continue
		}
		target, ok := ParseTarget(in.Operands)
		if !ok {
			continue
		}
		key := disasm.FormatAddr(target, bits)
		xrefs[key] = append(xrefs[key], Xref{From: in.Address, Type: typ})
	}
	return xrefs
}

// ParseTarget parses a direct branch operand. Two spellings are accepted:
// NASM-h (401000h) and 0x hex (0x401000). Anything else is indirect.
func ParseTarget(operand string) (uint64, bool) {
	s := strings.TrimSpace(operand)
	if s == "" {
		return 0, false
	}
	if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
		return parseHex(s[2:])
	}
	if s[len(s)-1] == 'h' || s[len(s)-1] == 'H' {
		return parseHex(s[:len(s)-1])
	}
	return 0, false
}

func parseHex(s string) (uint64, bool) {
	if s == "" || len(s) > 16 {
		return 0, false
	}
	var v uint64
	for _, c := range s {
		switch {
		case c >= '0' && c <= '9':
			v = v<<4 | uint64(c-'0')
		case c >= 'a' && c <= 'f':
			v = v<<4 | uint64(c-'a'+10)
		case c >= 'A' && c <= 'F':
			v = v<<4 | uint64(c-'A'+10)
		default:
			return 0, false
		}
	}
	return v, true
}
