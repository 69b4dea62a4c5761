package binfmt

import (
	"fmt"
	"strings"
)

// Section header flag bits rendered in FlagsStr.
const (
	shfWrite     = 0x1
	shfAlloc     = 0x2
	shfExecinstr = 0x4
)

// elfMachines maps e_machine to an arch label and natural bit width.
// Width falls back to the ELF class when the machine is unknown.
var elfMachines = map[uint16]struct {
	arch string
	bits int
}{
	0x02: {"SPARC", 32},
	0x03: {"x86", 32},
	0x08: {"MIPS", 32},
	0x14: {"PowerPC", 32},
	0x16: {"S390", 64},
	0x28: {"ARM", 32},
	0x2A: {"SuperH", 32},
	0x32: {"IA-64", 64},
	0x3E: {"AMD64", 64},
	0xB7: {"AArch64", 64},
	0xF3: {"RISC-V", 64},
}

var elfTypes = map[uint16]string{
	1: "Relocatable",
	2: "Executable",
	3: "Shared object",
	4: "Core dump",
}

var shtNames = map[uint32]string{
	0:  "NULL",
	1:  "PROGBITS",
	2:  "SYMTAB",
	3:  "STRTAB",
	4:  "RELA",
	5:  "HASH",
	6:  "DYNAMIC",
	7:  "NOTE",
	8:  "NOBITS",
	9:  "REL",
	10: "SHLIB",
	11: "DYNSYM",
	14: "INIT_ARRAY",
	15: "FINI_ARRAY",
	16: "PREINIT_ARRAY",
	17: "GROUP",
	18: "SYMTAB_SHNDX",
}

// ParseELF decodes the identification, header and section headers of an
// ELF32 or ELF64 image in either byte order.
func ParseELF(buf []byte) (*Binary, error) {
	r := reader{buf}
	if len(buf) < 16 {
		return nil, fmt.Errorf("elf: identification: %w", ErrTooSmall)
	}
	if buf[0] != 0x7F || buf[1] != 'E' || buf[2] != 'L' || buf[3] != 'F' {
		return nil, fmt.Errorf("elf: missing ELF magic: %w", ErrInvalidFormat)
	}

	is64 := buf[4] == 2
	le := buf[5] == 1

	etype, err := r.u16(16, le)
	if err != nil {
		return nil, fmt.Errorf("elf: header: %w", err)
	}
	machine, _ := r.u16(18, le)

	var entry, shoff uint64
	var shentsize, shnum, shstrndx uint16
	if is64 {
		entry, _ = r.u64(24, le)
		shoff, _ = r.u64(40, le)
		shentsize, _ = r.u16(58, le)
		shnum, _ = r.u16(60, le)
		shstrndx, err = r.u16(62, le)
	} else {
		e32, _ := r.u32(24, le)
		s32, _ := r.u32(32, le)
		entry, shoff = uint64(e32), uint64(s32)
		shentsize, _ = r.u16(46, le)
		shnum, _ = r.u16(48, le)
		shstrndx, err = r.u16(50, le)
	}
	if err != nil {
		return nil, fmt.Errorf("elf: header: %w", err)
	}

	m, known := elfMachines[machine]
	if !known {
		m.arch = fmt.Sprintf("unknown (0x%x)", machine)
		m.bits = 0
	}
	bits := m.bits
	if bits == 0 {
		if is64 {
			bits = 64
		} else {
			bits = 32
		}
	}

	typeStr, ok := elfTypes[etype]
	if !ok {
		typeStr = fmt.Sprintf("Unknown (%d)", etype)
	}

	sections := parseELFSections(r, is64, le, shoff, shentsize, shnum, shstrndx)

	order := "little-endian"
	if !le {
		order = "big-endian"
	}
	class := "ELF32"
	if is64 {
		class = "ELF64"
	}

	bin := &Binary{
		Format:   FormatELF,
		Type:     typeStr,
		Arch:     m.arch,
		Bits:     bits,
		Entry:    entry,
		HasEntry: entry != 0,
		Sections: sections,
		Info: map[string]string{
			"Class":       class,
			"Data":        order,
			"Type":        typeStr,
			"Machine":     m.arch,
			"Entry point": fmt.Sprintf("0x%x", entry),
			"Sections":    fmt.Sprintf("%d", shnum),
		},
		Summary: fmt.Sprintf("%s %s %s, %d sections", class, m.arch, strings.ToLower(typeStr), shnum),
	}
	return bin, nil
}

// elfShdr is one raw section header before name resolution.
type elfShdr struct {
	nameOff uint32
	shType  uint32
	flags   uint64
	addr    uint64
	offset  uint64
	size    uint64
}

func parseELFSections(r reader, is64, le bool, shoff uint64, shentsize, shnum, shstrndx uint16) []Section {
	if shoff == 0 || shnum == 0 || shentsize == 0 {
		return nil
	}

	hdrs := make([]elfShdr, 0, shnum)
	for i := 0; i < int(shnum); i++ {
		base := shoff + uint64(i)*uint64(shentsize)
		var h elfShdr
		var err error
		h.nameOff, err = r.u32(base, le)
		if err != nil {
			break
		}
		h.shType, _ = r.u32(base+4, le)
		if is64 {
			h.flags, _ = r.u64(base+8, le)
			h.addr, _ = r.u64(base+16, le)
			h.offset, _ = r.u64(base+24, le)
			h.size, _ = r.u64(base+32, le)
		} else {
			f32, _ := r.u32(base+8, le)
			a32, _ := r.u32(base+12, le)
			o32, _ := r.u32(base+16, le)
			s32, _ := r.u32(base+20, le)
			h.flags, h.addr, h.offset, h.size = uint64(f32), uint64(a32), uint64(o32), uint64(s32)
		}
		hdrs = append(hdrs, h)
	}

	// Section-header string table for name resolution.
	var strtab []byte
	if int(shstrndx) < len(hdrs) {
		st := hdrs[shstrndx]
		if b, err := r.bytes(st.offset, st.size); err == nil {
			strtab = b
		}
	}

	sections := make([]Section, 0, len(hdrs))
	for i, h := range hdrs {
		name := stringAt(strtab, h.nameOff)
		if name == "" {
			name = fmt.Sprintf("section_%d", i)
		}

		rawOff, rawSize := h.offset, h.size
		if h.shType == 8 { // SHT_NOBITS occupies no file bytes
			rawSize = 0
		}
		if rawSize > 0 && rawOff+rawSize > uint64(len(r.buf)) {
			if rawOff >= uint64(len(r.buf)) {
				rawOff, rawSize = 0, 0
			} else {
				rawSize = uint64(len(r.buf)) - rawOff
			}
		}

		typeStr, ok := shtNames[h.shType]
		if !ok {
			typeStr = fmt.Sprintf("0x%x", h.shType)
		}

		sections = append(sections, Section{
			Name:           name,
			VirtualAddress: h.addr,
			VirtualSize:    h.size,
			RawOffset:      rawOff,
			RawSize:        rawSize,
			Flags:          uint32(h.flags),
			FlagsStr:       elfFlagsStr(h.flags),
			TypeStr:        typeStr,
			IsCode:         h.flags&shfExecinstr != 0,
		})
	}
	return sections
}

func elfFlagsStr(flags uint64) string {
	var parts []string
	for _, f := range []struct {
		bit  uint64
		name string
	}{
		{shfWrite, "WRITE"},
		{shfAlloc, "ALLOC"},
		{shfExecinstr, "EXEC"},
	} {
		if flags&f.bit != 0 {
			parts = append(parts, f.name)
		}
	}
	if len(parts) == 0 {
		return fmt.Sprintf("0x%x", flags)
	}
	return strings.Join(parts, "|")
}

// stringAt reads a NUL-terminated string at off, or "" when out of range.
func stringAt(strtab []byte, off uint32) string {
	if strtab == nil || uint64(off) >= uint64(len(strtab)) {
		return ""
	}
	end := off
	for end < uint32(len(strtab)) && strtab[end] != 0 {
		end++
	}
	return string(strtab[off:end])
}
