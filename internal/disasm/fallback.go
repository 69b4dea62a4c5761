package disasm

import "fmt"

// Hex-dump framing limits. The 512-byte window (32 rows of 16) is smaller
// than the decoder input cap on purpose: the fallback is for eyeballing a
// region, not for exhaustive coverage.
const (
	fallbackRows     = 32
	fallbackRowBytes = 16
)

// HexDump frames a code region as hex rows in the instruction record shape:
// Bytes carries the row's hex, Mnemonic its ASCII transliteration, Operands
// stays empty. Addresses are 8-nibble regardless of architecture.
func HexDump(code []byte, baseVA uint64) []Inst {
	rows := make([]Inst, 0, fallbackRows)
	for off := 0; off < len(code) && len(rows) < fallbackRows; off += fallbackRowBytes {
		end := off + fallbackRowBytes
		if end > len(code) {
			end = len(code)
		}
		chunk := code[off:end]

		ascii := make([]byte, len(chunk))
		for i, b := range chunk {
			if b >= 0x20 && b < 0x7F {
				ascii[i] = b
			} else {
				ascii[i] = '.'
			}
		}

		rows = append(rows, Inst{
			Address:  fmt.Sprintf("0x%08x", baseVA+uint64(off)),
			Bytes:    HexBytes(chunk),
			Mnemonic: string(ascii),
		})
	}
	return rows
}
