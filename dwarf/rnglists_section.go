package dwarf

import (
	"encoding/binary"
	"io"

	"github.com/module/symbolize/elf"
	"github.com/module/symbolize/symerr"
)

// DWARF5 .debug_rnglists range-list-entry kinds (DW_RLE_*).
const (
	DW_RLE_end_of_list   = 0x00
	DW_RLE_base_addressx = 0x01
	DW_RLE_startx_endx   = 0x02
	DW_RLE_startx_length = 0x03
	DW_RLE_offset_pair   = 0x04
	DW_RLE_base_address  = 0x05
	DW_RLE_start_end     = 0x06
	DW_RLE_start_length  = 0x07
)

// RngListsSection is .debug_rnglists, DWARF5's replacement for
// .debug_ranges: an optional offsets table (indexed by DW_FORM_rnglistx)
// followed by a stream of variable-width range-list entries, each
// introduced by a DW_RLE_* kind byte.
type RngListsSection struct {
	byteOrder binary.ByteOrder
	found     bool
	content   []byte
}

func NewRngListsSection(file *elf.File) (*RngListsSection, error) {
	content, found, err := requireSection(file, ElfDebugRngListsSection)
	if err != nil {
		return nil, err
	}

	return &RngListsSection{
		byteOrder: file.ByteOrder(),
		found:     found,
		content:   content,
	}, nil
}

// OffsetAt resolves a DW_FORM_rnglistx index to the section offset it
// names, via the per-unit offsets table rooted at base (DW_AT_rnglists_base).
func (section *RngListsSection) OffsetAt(base SectionOffset, idx RngListIndex) (SectionOffset, error) {
	if !section.found {
		return 0, symerr.New(symerr.NotFound, "elf .debug_rnglists section not found")
	}

	pos := int(base) + int(idx)*4
	if pos < 0 || pos+4 > len(section.content) {
		return 0, symerr.Newf(symerr.InvalidDwarf, "out of bound rnglists index (%d)", idx)
	}

	return base + SectionOffset(section.byteOrder.Uint32(section.content[pos:pos+4])), nil
}

// RangesAt decodes the range-list entry sequence starting at offset,
// resolving indexed addresses (startx/base_addressx) against unit's
// .debug_addr contribution.
func (section *RngListsSection) RangesAt(
	unit *CompileUnit,
	offset SectionOffset,
	cuBase elf.FileAddress,
) (AddressRanges, error) {
	if !section.found {
		return nil, symerr.New(symerr.NotFound, "elf .debug_rnglists section not found")
	}

	decode := NewCursor(section.byteOrder, section.content)
	if _, err := decode.Seek(int(offset), io.SeekStart); err != nil {
		return nil, symerr.Wrapf(err, "invalid rnglists offset (%d)", offset)
	}

	base := cuBase
	result := AddressRanges{}
	for {
		kind, err := decode.U8()
		if err != nil {
			return nil, symerr.Wrap(err, "failed to decode rnglists entry kind")
		}

		switch kind {
		case DW_RLE_end_of_list:
			return result, nil

		case DW_RLE_base_addressx:
			idx, err := decode.ULEB128(64)
			if err != nil {
				return nil, err
			}
			addr, err := unit.ResolveAddrIndex(AddrIndex(idx))
			if err != nil {
				return nil, err
			}
			base = elf.FileAddress(addr)

		case DW_RLE_startx_endx:
			startIdx, err := decode.ULEB128(64)
			if err != nil {
				return nil, err
			}
			endIdx, err := decode.ULEB128(64)
			if err != nil {
				return nil, err
			}
			start, err := unit.ResolveAddrIndex(AddrIndex(startIdx))
			if err != nil {
				return nil, err
			}
			end, err := unit.ResolveAddrIndex(AddrIndex(endIdx))
			if err != nil {
				return nil, err
			}
			result = append(result, AddressRange{Low: elf.FileAddress(start), High: elf.FileAddress(end)})

		case DW_RLE_startx_length:
			startIdx, err := decode.ULEB128(64)
			if err != nil {
				return nil, err
			}
			length, err := decode.ULEB128(64)
			if err != nil {
				return nil, err
			}
			start, err := unit.ResolveAddrIndex(AddrIndex(startIdx))
			if err != nil {
				return nil, err
			}
			result = append(
				result,
				AddressRange{Low: elf.FileAddress(start), High: elf.FileAddress(start + length)})

		case DW_RLE_offset_pair:
			lo, err := decode.ULEB128(64)
			if err != nil {
				return nil, err
			}
			hi, err := decode.ULEB128(64)
			if err != nil {
				return nil, err
			}
			result = append(result, AddressRange{Low: base + elf.FileAddress(lo), High: base + elf.FileAddress(hi)})

		case DW_RLE_base_address:
			addr, err := decode.U64()
			if err != nil {
				return nil, err
			}
			base = elf.FileAddress(addr)

		case DW_RLE_start_end:
			lo, err := decode.U64()
			if err != nil {
				return nil, err
			}
			hi, err := decode.U64()
			if err != nil {
				return nil, err
			}
			result = append(result, AddressRange{Low: elf.FileAddress(lo), High: elf.FileAddress(hi)})

		case DW_RLE_start_length:
			lo, err := decode.U64()
			if err != nil {
				return nil, err
			}
			length, err := decode.ULEB128(64)
			if err != nil {
				return nil, err
			}
			result = append(
				result,
				AddressRange{Low: elf.FileAddress(lo), High: elf.FileAddress(lo) + elf.FileAddress(length)})

		default:
			return nil, symerr.Newf(symerr.Unsupported, "unsupported DW_RLE entry kind (%#x)", kind)
		}
	}
}
