package dwarf

import (
	"encoding/binary"

	"github.com/module/symbolize/elf"
	"github.com/module/symbolize/symerr"
)

// StrOffsetsSection is .debug_str_offsets: an array of 4-byte offsets
// into .debug_str, indexed indirectly via DW_FORM_strx forms. Each
// compile unit's contribution starts at its own DW_AT_str_offsets_base
// (or the section's sole contribution's header end, when there is only
// one and no base attribute is present).
type StrOffsetsSection struct {
	byteOrder binary.ByteOrder
	found     bool
	content   []byte
}

func NewStrOffsetsSection(file *elf.File) (*StrOffsetsSection, error) {
	content, found, err := requireSection(file, ElfDebugStrOffsetsSection)
	if err != nil {
		return nil, err
	}

	return &StrOffsetsSection{
		byteOrder: file.ByteOrder(),
		found:     found,
		content:   content,
	}, nil
}

// OffsetAt reads the 4-byte .debug_str offset at base + idx*4.
func (section *StrOffsetsSection) OffsetAt(base SectionOffset, idx StrIndex) (SectionOffset, error) {
	if !section.found {
		return 0, symerr.New(symerr.NotFound, "elf .debug_str_offsets section not found")
	}

	pos := int(base) + int(idx)*4
	if pos < 0 || pos+4 > len(section.content) {
		return 0, symerr.Newf(symerr.InvalidDwarf, "out of bound str_offsets index (%d)", idx)
	}

	return SectionOffset(section.byteOrder.Uint32(section.content[pos : pos+4])), nil
}
