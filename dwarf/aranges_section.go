package dwarf

import (
	"github.com/module/symbolize/elf"
	"github.com/module/symbolize/symerr"
)

// ArangesEntry is one .debug_aranges set: the address ranges a single
// compile unit's code occupies, used by consumers (cmd/print-dwarf) that
// want a quick unit-level address index without walking DIE trees. It
// plays no part in the address -> function/line lookup path, which
// indexes compile units directly off their root DIE's AddressRanges().
type ArangesEntry struct {
	InfoOffset SectionOffset
	Ranges     AddressRanges
}

// ArangesSection is .debug_aranges.
type ArangesSection struct {
	Entries []ArangesEntry
}

func NewArangesSection(file *elf.File) (*ArangesSection, error) {
	content, found, err := requireSection(file, ElfDebugArangesSection)
	if err != nil {
		return nil, err
	}

	if !found {
		return &ArangesSection{}, nil
	}

	decode := NewCursor(file.ByteOrder(), content)

	entries := []ArangesEntry{}
	for !decode.HasReachedEnd() {
		entry, err := parseArangesSet(decode)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}

	return &ArangesSection{Entries: entries}, nil
}

func parseArangesSet(decode *Cursor) (ArangesEntry, error) {
	start := decode.Position

	unitLength, err := decode.U32()
	if err != nil {
		return ArangesEntry{}, symerr.Wrap(err, "failed to decode aranges unit_length")
	}
	setEnd := decode.Position + int(unitLength)

	version, err := decode.U16()
	if err != nil {
		return ArangesEntry{}, symerr.Wrap(err, "failed to decode aranges version")
	}
	if version != 2 {
		return ArangesEntry{}, symerr.Newf(symerr.Unsupported, "unsupported aranges version (%d)", version)
	}

	infoOffsetRaw, err := decode.U32()
	if err != nil {
		return ArangesEntry{}, symerr.Wrap(err, "failed to decode aranges debug_info_offset")
	}
	infoOffset := SectionOffset(infoOffsetRaw)

	addressSize, err := decode.U8()
	if err != nil {
		return ArangesEntry{}, symerr.Wrap(err, "failed to decode aranges address_size")
	}
	if addressSize != 8 {
		return ArangesEntry{}, symerr.Newf(symerr.Unsupported, "unsupported aranges address_size (%d)", addressSize)
	}

	segmentSelectorSize, err := decode.U8()
	if err != nil {
		return ArangesEntry{}, symerr.Wrap(err, "failed to decode aranges segment_selector_size")
	}
	if segmentSelectorSize != 0 {
		return ArangesEntry{}, symerr.Newf(
			symerr.Unsupported,
			"unsupported aranges segment_selector_size (%d)",
			segmentSelectorSize)
	}

	// tuples are aligned to 2 * address_size, measured from the start of
	// the set (i.e. from unit_length's first byte).
	tupleSize := 2 * int(addressSize)
	headerLen := decode.Position - start
	if pad := headerLen % tupleSize; pad != 0 {
		if _, err := decode.Bytes(tupleSize - pad); err != nil {
			return ArangesEntry{}, symerr.Wrap(err, "failed to skip aranges header padding")
		}
	}

	ranges := AddressRanges{}
	for decode.Position < setEnd {
		address, err := decode.U64()
		if err != nil {
			return ArangesEntry{}, symerr.Wrap(err, "failed to decode aranges tuple address")
		}
		length, err := decode.U64()
		if err != nil {
			return ArangesEntry{}, symerr.Wrap(err, "failed to decode aranges tuple length")
		}

		if address == 0 && length == 0 {
			break
		}

		ranges = append(
			ranges,
			AddressRange{Low: elf.FileAddress(address), High: elf.FileAddress(address + length)})
	}

	if _, err := decode.Seek(setEnd, 0); err != nil {
		return ArangesEntry{}, symerr.Wrap(err, "failed to seek past aranges set")
	}

	return ArangesEntry{InfoOffset: infoOffset, Ranges: ranges}, nil
}
