package dwarf

import (
	"encoding/binary"

	"github.com/module/symbolize/elf"
	"github.com/module/symbolize/symerr"
)

// AddrSection is .debug_addr: an array of 8-byte addresses indexed
// indirectly via DW_FORM_addrx forms, mirroring StrOffsetsSection's
// shape one level down (addresses instead of string offsets).
type AddrSection struct {
	byteOrder binary.ByteOrder
	found     bool
	content   []byte
}

func NewAddrSection(file *elf.File) (*AddrSection, error) {
	content, found, err := requireSection(file, ElfDebugAddrSection)
	if err != nil {
		return nil, err
	}

	return &AddrSection{
		byteOrder: file.ByteOrder(),
		found:     found,
		content:   content,
	}, nil
}

func (section *AddrSection) AddressAt(base SectionOffset, idx AddrIndex) (uint64, error) {
	if !section.found {
		return 0, symerr.New(symerr.NotFound, "elf .debug_addr section not found")
	}

	pos := int(base) + int(idx)*8
	if pos < 0 || pos+8 > len(section.content) {
		return 0, symerr.Newf(symerr.InvalidDwarf, "out of bound addr index (%d)", idx)
	}

	return section.byteOrder.Uint64(section.content[pos : pos+8]), nil
}
