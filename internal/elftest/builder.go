// Package elftest assembles minimal little-endian ELF64/x86-64 images in
// memory so elf/dwarf/symbolize tests can exercise real parsing without
// depending on a prebuilt test binary or a C toolchain (spec's own
// Non-goals put "build-time test asset generation" outside the core, so
// tests build their fixtures at run time instead).
package elftest

import "encoding/binary"

const (
	machineX86_64   = 62
	abiSystemV      = 0
	classELF64      = 2
	dataLittleEndian = 1
	evCurrent       = 1

	elfHeaderSize  = 64
	progHeaderSize = 56
	sectHeaderSize = 64
)

// Section describes one ELF section to embed. Link/Info are raw sh_link/
// sh_info values; the caller is responsible for knowing the final section
// index they should point at (index 0 is the implicit null section,
// sections are otherwise laid out in the order passed to Build, followed
// by the synthesized .shstrtab).
type Section struct {
	Name      string
	Type      uint32
	Flags     uint64
	Addr      uint64
	Content   []byte
	Link      uint32
	Info      uint32
	AddrAlign uint64
	EntSize   uint64
}

// Segment describes one PT_* program header entry.
type Segment struct {
	Type   uint32
	Flags  uint32
	Offset uint64
	VAddr  uint64
	FileSz uint64
	MemSz  uint64
	Align  uint64
}

func align8(n int) int {
	return (n + 7) &^ 7
}

// Build serializes sections and segments into a full ELF64 image. A
// ".shstrtab" section is appended automatically and referenced by
// e_shstrndx; callers never pass one themselves.
func Build(sections []Section, segments []Segment, entry uint64) []byte {
	names := make([]string, 0, len(sections)+1)
	for _, s := range sections {
		names = append(names, s.Name)
	}
	names = append(names, ".shstrtab")

	shstrtabContent, nameOffset := encodeStrTab(names)

	dataStart := elfHeaderSize + progHeaderSize*len(segments)
	offset := dataStart

	type placed struct {
		Section
		offset int
	}
	all := make([]placed, 0, len(sections)+1)
	for _, s := range sections {
		offset = align8(offset)
		all = append(all, placed{s, offset})
		offset += len(s.Content)
	}
	offset = align8(offset)
	shstrtabOffset := offset
	offset += len(shstrtabContent)

	sectionHeaderOffset := align8(offset)

	buf := make([]byte, sectionHeaderOffset+sectHeaderSize*(len(sections)+2))

	// e_ident
	buf[0], buf[1], buf[2], buf[3] = 0x7f, 'E', 'L', 'F'
	buf[4] = classELF64
	buf[5] = dataLittleEndian
	buf[6] = evCurrent // EI_VERSION
	buf[7] = abiSystemV
	// buf[8] ABI version, buf[9:16] padding already zero

	le := binary.LittleEndian
	le.PutUint16(buf[16:], 2) // e_type = ET_EXEC
	le.PutUint16(buf[18:], machineX86_64)
	le.PutUint32(buf[20:], evCurrent)
	le.PutUint64(buf[24:], entry)
	if len(segments) > 0 {
		le.PutUint64(buf[32:], elfHeaderSize)
	}
	le.PutUint64(buf[40:], uint64(sectionHeaderOffset))
	le.PutUint32(buf[48:], 0) // e_flags
	le.PutUint16(buf[52:], elfHeaderSize)
	le.PutUint16(buf[54:], progHeaderSize)
	le.PutUint16(buf[56:], uint16(len(segments)))
	le.PutUint16(buf[58:], sectHeaderSize)
	le.PutUint16(buf[60:], uint16(len(sections)+2)) // +null +shstrtab
	le.PutUint16(buf[62:], uint16(len(sections)+1))  // shstrndx

	phOff := elfHeaderSize
	for _, seg := range segments {
		le.PutUint32(buf[phOff:], seg.Type)
		le.PutUint32(buf[phOff+4:], seg.Flags)
		le.PutUint64(buf[phOff+8:], seg.Offset)
		le.PutUint64(buf[phOff+16:], seg.VAddr)
		le.PutUint64(buf[phOff+24:], seg.VAddr) // p_paddr, unused
		le.PutUint64(buf[phOff+32:], seg.FileSz)
		le.PutUint64(buf[phOff+40:], seg.MemSz)
		le.PutUint64(buf[phOff+48:], seg.Align)
		phOff += progHeaderSize
	}

	for _, p := range all {
		copy(buf[p.offset:], p.Content)
	}
	copy(buf[shstrtabOffset:], shstrtabContent)

	writeShdr := func(shOff int, nameIdx uint32, typ uint32, flags uint64, addr uint64, off uint64, size uint64, link uint32, info uint32, addralign uint64, entsize uint64) {
		le.PutUint32(buf[shOff:], nameIdx)
		le.PutUint32(buf[shOff+4:], typ)
		le.PutUint64(buf[shOff+8:], flags)
		le.PutUint64(buf[shOff+16:], addr)
		le.PutUint64(buf[shOff+24:], off)
		le.PutUint64(buf[shOff+32:], size)
		le.PutUint32(buf[shOff+40:], link)
		le.PutUint32(buf[shOff+44:], info)
		le.PutUint64(buf[shOff+48:], addralign)
		le.PutUint64(buf[shOff+56:], entsize)
	}

	shOff := sectionHeaderOffset
	// section 0: null
	writeShdr(shOff, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0)
	shOff += sectHeaderSize

	for _, p := range all {
		size := uint64(len(p.Content))
		contentOffset := p.offset
		if p.Type == 8 { // SHT_NOBITS
			size = uint64(len(p.Content))
		}
		writeShdr(
			shOff,
			nameOffset[p.Name],
			p.Type,
			p.Flags,
			p.Addr,
			uint64(contentOffset),
			size,
			p.Link,
			p.Info,
			p.AddrAlign,
			p.EntSize)
		shOff += sectHeaderSize
	}

	writeShdr(
		shOff,
		nameOffset[".shstrtab"],
		3, // SHT_STRTAB
		0,
		0,
		uint64(shstrtabOffset),
		uint64(len(shstrtabContent)),
		0, 0, 1, 0)

	return buf
}

// encodeStrTab builds a NUL-terminated string table blob starting with a
// leading NUL (offset 0 is always the empty string), returning each name's
// byte offset within it.
func encodeStrTab(names []string) ([]byte, map[string]uint32) {
	content := []byte{0}
	offsets := map[string]uint32{}
	for _, name := range names {
		if _, ok := offsets[name]; ok {
			continue
		}
		offsets[name] = uint32(len(content))
		content = append(content, []byte(name)...)
		content = append(content, 0)
	}
	return content, offsets
}

// EncodeStrTab is StrTab encoding exposed for building .debug_str/.strtab
// content directly (same format, no leading-NUL special casing needed
// beyond what encodeStrTab already provides).
func EncodeStrTab(names []string) ([]byte, map[string]uint32) {
	return encodeStrTab(names)
}

// Symbol is one Elf64_Sym entry in wire order.
type Symbol struct {
	NameIndex uint32
	Info      byte
	Other     byte
	SectionIndex uint16
	Value     uint64
	Size      uint64
}

func EncodeSymbols(symbols []Symbol) []byte {
	buf := make([]byte, 24*len(symbols))
	le := binary.LittleEndian
	for i, s := range symbols {
		off := i * 24
		le.PutUint32(buf[off:], s.NameIndex)
		buf[off+4] = s.Info
		buf[off+5] = s.Other
		le.PutUint16(buf[off+6:], s.SectionIndex)
		le.PutUint64(buf[off+8:], s.Value)
		le.PutUint64(buf[off+16:], s.Size)
	}
	return buf
}

func SymbolInfo(binding, typ byte) byte {
	return (binding << 4) | (typ & 0xf)
}

// EncodeNote builds a single Elf32_Nhdr-shaped note entry, 4-byte aligned,
// matching the layout every ELF64 binary's .note.gnu.build-id actually
// uses (see elf.File.parseNote).
func EncodeNote(name string, typ uint32, desc []byte) []byte {
	le := binary.LittleEndian
	nameBytes := append([]byte(name), 0)

	pad := func(n int) int { return (n + 3) &^ 3 }

	buf := make([]byte, 0, 12+pad(len(nameBytes))+pad(len(desc)))
	hdr := make([]byte, 12)
	le.PutUint32(hdr[0:], uint32(len(nameBytes)))
	le.PutUint32(hdr[4:], uint32(len(desc)))
	le.PutUint32(hdr[8:], typ)
	buf = append(buf, hdr...)

	buf = append(buf, nameBytes...)
	for len(buf)%4 != 0 {
		buf = append(buf, 0)
	}

	buf = append(buf, desc...)
	for len(buf)%4 != 0 {
		buf = append(buf, 0)
	}

	return buf
}
