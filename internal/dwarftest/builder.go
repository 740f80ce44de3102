// Package dwarftest hand-encodes minimal DWARF4 .debug_abbrev/.debug_info/
// .debug_line byte streams so dwarf package tests can exercise address
// lookup and the inlined-stack frame shift without a prebuilt test binary
// or a C toolchain.
package dwarftest

import "encoding/binary"

func uleb128(v uint64) []byte {
	var buf []byte
	for {
		b := byte(v & 0x7f)
		v >>= 7
		if v != 0 {
			b |= 0x80
		}
		buf = append(buf, b)
		if v == 0 {
			return buf
		}
	}
}

func sleb128(v int64) []byte {
	var buf []byte
	more := true
	for more {
		b := byte(v & 0x7f)
		v >>= 7
		signBitSet := b&0x40 != 0
		if (v == 0 && !signBitSet) || (v == -1 && signBitSet) {
			more = false
		} else {
			b |= 0x80
		}
		buf = append(buf, b)
	}
	return buf
}

// Attr forms used by EncodeAbbrev/EncodeCompileUnit; values matching DWARF forms in dwarf/format_constants.go.
const (
	FormAddr        = 0x01
	FormData2       = 0x05
	FormData4       = 0x06
	FormString      = 0x08
	FormData1       = 0x0b
	FormUdata       = 0x0f
	FormRef4        = 0x13
	FormSecOffset   = 0x17
	FormFlagPresent = 0x19
	FormData8       = 0x07
)

// Attr is one attribute value attached to a DIE, encoded with Form.
type Attr struct {
	At    uint64
	Form  uint64
	Value interface{} // string, uint64, or nil for FormFlagPresent
}

// DIE is one debug_info_entry, keyed by a caller-chosen abbreviation code
// that is shared by every DIE in the tree with identical
// (Tag, HasChildren, attribute shape).
type DIE struct {
	AbbrevCode uint64
	Tag        uint64
	HasChildren bool
	Attrs       []Attr
	Children    []DIE
}

func encodeAttrValue(a Attr) []byte {
	switch a.Form {
	case FormString:
		s, _ := a.Value.(string)
		return append([]byte(s), 0)
	case FormUdata:
		return uleb128(a.Value.(uint64))
	case FormData1:
		return []byte{byte(a.Value.(uint64))}
	case FormData2:
		b := make([]byte, 2)
		binary.LittleEndian.PutUint16(b, uint16(a.Value.(uint64)))
		return b
	case FormData4, FormSecOffset, FormRef4:
		b := make([]byte, 4)
		binary.LittleEndian.PutUint32(b, uint32(a.Value.(uint64)))
		return b
	case FormData8, FormAddr:
		b := make([]byte, 8)
		binary.LittleEndian.PutUint64(b, a.Value.(uint64))
		return b
	case FormFlagPresent:
		return nil
	default:
		panic("dwarftest: unsupported form")
	}
}

// abbrevDecl is one (code, tag, hasChildren, attr-shape) entry; encountered
// in tree-walk order and deduplicated by code.
type abbrevDecl struct {
	code        uint64
	tag         uint64
	hasChildren bool
	attrs       []Attr
}

func collectAbbrevs(dies []DIE, seen map[uint64]bool, out *[]abbrevDecl) {
	for _, d := range dies {
		if !seen[d.AbbrevCode] {
			seen[d.AbbrevCode] = true
			*out = append(*out, abbrevDecl{
				code:        d.AbbrevCode,
				tag:         d.Tag,
				hasChildren: d.HasChildren,
				attrs:       d.Attrs,
			})
		}
		collectAbbrevs(d.Children, seen, out)
	}
}

// EncodeAbbrev builds a single .debug_abbrev table (at section offset 0)
// covering every abbreviation code used anywhere in the tree rooted at
// dies (normally a one-element slice: the compile unit DIE).
func EncodeAbbrev(dies []DIE) []byte {
	var decls []abbrevDecl
	collectAbbrevs(dies, map[uint64]bool{}, &decls)

	var buf []byte
	for _, d := range decls {
		buf = append(buf, uleb128(d.code)...)
		buf = append(buf, uleb128(d.tag)...)
		if d.hasChildren {
			buf = append(buf, 1)
		} else {
			buf = append(buf, 0)
		}
		for _, a := range d.attrs {
			buf = append(buf, uleb128(a.At)...)
			buf = append(buf, uleb128(a.Form)...)
		}
		buf = append(buf, 0, 0) // terminate attribute list
	}
	buf = append(buf, 0) // terminate table
	return buf
}

func encodeDIE(d DIE) []byte {
	buf := uleb128(d.AbbrevCode)
	for _, a := range d.Attrs {
		buf = append(buf, encodeAttrValue(a)...)
	}
	for _, child := range d.Children {
		buf = append(buf, encodeDIE(child)...)
	}
	if d.HasChildren {
		buf = append(buf, 0) // end of children scope
	}
	return buf
}

// EncodeCompileUnit builds a full DWARF4 compile-unit, header included,
// for a single root DIE (abbreviations are assumed to live at
// .debug_abbrev offset 0 - see EncodeAbbrev).
func EncodeCompileUnit(root DIE) []byte {
	content := encodeDIE(root)

	header := make([]byte, 7)
	binary.LittleEndian.PutUint16(header[0:], 4) // version
	binary.LittleEndian.PutUint32(header[2:], 0) // debug_abbrev_offset
	header[6] = 8                                // address_size

	unitLength := len(header) + len(content)

	buf := make([]byte, 4, 4+unitLength)
	binary.LittleEndian.PutUint32(buf, uint32(unitLength))
	buf = append(buf, header...)
	buf = append(buf, content...)
	return buf
}

// LineProgramFile is one file_names entry (DWARF2-4 classic format).
type LineProgramFile struct {
	Name     string
	DirIndex uint64
}

// LineRow is one row the synthetic line program emits via DW_LNS_copy,
// after DW_LNE_set_address/DW_LNS_advance_line bring the state machine to
// (Addr, Line).
type LineRow struct {
	Addr uint64
	Line int64
}

// EncodeLineTable builds a single DWARF4 .debug_line program: a classic
// (pre-DWARF5) header with dirs/files, followed by a byte program that
// emits one row per entry in rows (via set_address + advance_line + copy)
// and a closing end_sequence at endAddr.
func EncodeLineTable(dirs []string, files []LineProgramFile, rows []LineRow, endAddr uint64) []byte {
	var hdr []byte
	for _, dir := range dirs {
		hdr = append(hdr, append([]byte(dir), 0)...)
	}
	hdr = append(hdr, 0) // end of include_directories

	for _, f := range files {
		hdr = append(hdr, append([]byte(f.Name), 0)...)
		hdr = append(hdr, uleb128(f.DirIndex)...)
		hdr = append(hdr, uleb128(0)...) // mtime
		hdr = append(hdr, uleb128(0)...) // length
	}
	hdr = append(hdr, 0) // end of file_names

	// standard_opcode_lengths for opcodes 1..12 (DW_LNS_copy..set_isa).
	stdOpLengths := []byte{0, 1, 1, 1, 1, 0, 0, 0, 1, 0, 0, 1}

	const lineBase = -5
	const lineRange = 14
	const opcodeBase = 13

	preHeader := make([]byte, 0, 6+len(stdOpLengths))
	preHeader = append(preHeader, 1) // minimum_instruction_length
	preHeader = append(preHeader, 1) // maximum_operations_per_instruction
	preHeader = append(preHeader, 1) // default_is_stmt
	lineBaseByte := int8(lineBase)
	preHeader = append(preHeader, byte(lineBaseByte))
	preHeader = append(preHeader, lineRange)
	preHeader = append(preHeader, opcodeBase)
	preHeader = append(preHeader, stdOpLengths...)

	headerLength := len(preHeader) + len(hdr)

	var program []byte
	currentAddr := uint64(0)
	currentLine := int64(1)
	for _, row := range rows {
		program = append(program, extSetAddress(row.Addr)...)
		currentAddr = row.Addr

		if row.Line != currentLine {
			program = append(program, lnsAdvanceLine(row.Line-currentLine)...)
			currentLine = row.Line
		}
		program = append(program, 0x01) // DW_LNS_copy
	}
	if endAddr > currentAddr {
		program = append(program, lnsAdvancePC(endAddr-currentAddr)...)
	}
	program = append(program, extEndSequence()...)

	total := make([]byte, 0, 4+2+4+headerLength+len(program))

	lengthAfterLengthField := 2 + 4 + headerLength + len(program)

	total = append(total, u32le(uint32(lengthAfterLengthField))...)
	total = append(total, u16le(4)...) // version
	total = append(total, u32le(uint32(headerLength))...)
	total = append(total, preHeader...)
	total = append(total, hdr...)
	total = append(total, program...)

	return total
}

func extSetAddress(addr uint64) []byte {
	body := append([]byte{0x02}, u64le(addr)...) // DW_LNE_set_address
	return append(append([]byte{0}, uleb128(uint64(len(body)))...), body...)
}

func extEndSequence() []byte {
	body := []byte{0x01} // DW_LNE_end_sequence
	return append(append([]byte{0}, uleb128(uint64(len(body)))...), body...)
}

func lnsAdvanceLine(delta int64) []byte {
	return append([]byte{0x03}, sleb128(delta)...)
}

func lnsAdvancePC(delta uint64) []byte {
	return append([]byte{0x02}, uleb128(delta)...)
}

func u16le(v uint16) []byte {
	b := make([]byte, 2)
	binary.LittleEndian.PutUint16(b, v)
	return b
}

func u32le(v uint32) []byte {
	b := make([]byte, 4)
	binary.LittleEndian.PutUint32(b, v)
	return b
}

func u64le(v uint64) []byte {
	b := make([]byte, 8)
	binary.LittleEndian.PutUint64(b, v)
	return b
}
