package disasm

import (
	"fmt"
	"strings"

	"golang.org/x/arch/x86/x86asm"
)

// X86 decodes a linear run of x86/x86-64 instructions using x/arch. It is
// the default real decoder behind the adapter. Undecodable bytes are framed
// one at a time as db rows so the stream stays address-contiguous.
func X86(code []byte, baseVA uint64, bits int) ([]Inst, bool) {
	insts := make([]Inst, 0, 256)
	off := 0
	for off < len(code) && len(insts) < MaxInsts {
		va := baseVA + uint64(off)
		inst, err := x86asm.Decode(code[off:], bits)
		if err != nil || inst.Len == 0 {
			insts = append(insts, Inst{
				Address:  FormatAddr(va, bits),
				Bytes:    fmt.Sprintf("%02x", code[off]),
				Mnemonic: "db",
				Operands: fmt.Sprintf("0x%02x", code[off]),
			})
			off++
			continue
		}

		text := strings.ToLower(x86asm.IntelSyntax(inst, va, nil))
		mnemonic := text
		operands := ""
		if i := strings.IndexByte(text, ' '); i >= 0 {
			mnemonic, operands = text[:i], text[i+1:]
		}

		insts = append(insts, Inst{
			Address:  FormatAddr(va, bits),
			Bytes:    HexBytes(code[off : off+inst.Len]),
			Mnemonic: mnemonic,
			Operands: operands,
		})
		off += inst.Len
	}
	return insts, false
}
