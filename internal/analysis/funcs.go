package analysis

import (
	"strings"

	"github.com/zboralski/tarsier/internal/disasm"
)

// endOfFlow are the mnemonics that terminate a linear function body.
var endOfFlow = map[string]bool{
	"ret": true, "retn": true, "retq": true, "retf": true,
	"ud2": true, "hlt": true, "int3": true,
}

// DetectFuncs partitions the linear stream at end-of-flow instructions and
// labels each partition start sub_<addr>. int3 padding never opens a
// function but does close one, so inter-procedure padding runs collapse.
func DetectFuncs(insts []disasm.Inst) map[string]string {
	labels := make(map[string]string)
	atBoundary := true
	for _, in := range insts {
		m := strings.ToLower(strings.TrimSpace(in.Mnemonic))
		if atBoundary && m != "int3" {
			labels[in.Address] = "sub_" + trimmedHex(in.Address)
			atBoundary = false
		}
		if endOfFlow[m] {
			atBoundary = true
		}
	}
	return labels
}

// trimmedHex strips the 0x prefix and leading zeros from a canonical
// address, keeping "0" for address zero.
func trimmedHex(addr string) string {
	s := strings.TrimPrefix(strings.ToLower(addr), "0x")
	s = strings.TrimLeft(s, "0")
	if s == "" {
		return "0"
	}
	return s
}
