package analysis

import (
	"bytes"

	"github.com/zboralski/tarsier/internal/disasm"
)

// sigScanCap bounds how much of the code buffer the signature scan walks.
const sigScanCap = 1 << 20

// Signature is a fixed byte pattern with a display name and note.
type Signature struct {
	Pattern []byte
	Name    string
	Note    string
}

// SigHit is one match in the code buffer.
type SigHit struct {
	Address string `json:"address"`
	Name    string `json:"name"`
	Note    string `json:"note"`
}

// builtinSigs are scanned in order; user signatures from config append
// after these.
var builtinSigs = []Signature{
	{[]byte{0xF3, 0xAA}, "rep stosb", "memory fill (memset-like)"},
	{[]byte{0xF3, 0xAB}, "rep stosd", "dword memory fill"},
	{[]byte{0xF3, 0xA4}, "rep movsb", "memory copy (memcpy-like)"},
	{[]byte{0xF3, 0xA5}, "rep movsd", "dword memory copy"},
	{[]byte{0x0F, 0x05}, "syscall", "direct system call (64-bit)"},
	{[]byte{0xCD, 0x80}, "int 80h", "legacy system call (32-bit)"},
	{[]byte{0xFF, 0x25}, "jmp [mem]", "indirect jump (import thunk)"},
	{[]byte{0xFF, 0x15}, "call [mem]", "indirect call (import)"},
}

// ScanSignatures scans the first MiB of the code buffer for each pattern.
// Matches may overlap across patterns but not within one: after a hit the
// scan advances by the pattern length.
func ScanSignatures(code []byte, baseVA uint64, bits int, extra ...Signature) []SigHit {
	if len(code) > sigScanCap {
		code = code[:sigScanCap]
	}
	var hits []SigHit
	sigs := builtinSigs
	if len(extra) > 0 {
		sigs = append(append([]Signature{}, builtinSigs...), extra...)
	}
	for _, sig := range sigs {
		if len(sig.Pattern) == 0 {
			continue
		}
		off := 0
		for {
			i := bytes.Index(code[off:], sig.Pattern)
			if i < 0 {
				break
			}
			at := off + i
			hits = append(hits, SigHit{
				Address: disasm.FormatAddr(baseVA+uint64(at), bits),
				Name:    sig.Name,
				Note:    sig.Note,
			})
			off = at + len(sig.Pattern)
		}
	}
	return hits
}
