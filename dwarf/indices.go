package dwarf

import (
	"fmt"
)

// StrIndex, AddrIndex, RngListIndex and LocListIndex are the values
// DW_FORM_strx*/addrx*/rnglistx/loclistx forms decode to. DWARF5 resolves
// these against a base that is itself a DW_AT_*_base attribute on the
// compile unit's root DIE, which may appear anywhere in that DIE's
// attribute list - including after an attribute that uses one of these
// forms. Resolution is therefore deferred: the cursor stores the raw
// index, and entry accessors (String, Address, ...) resolve it against
// the owning CompileUnit on first use, by which point the whole unit
// has been parsed and the root DIE's base attributes are available.
type StrIndex uint64

type AddrIndex uint64

type RngListIndex uint64

type LocListIndex uint64

// dwarf5OffsetsHeaderSize is the size of the standard 32-bit-format
// header shared by .debug_str_offsets, .debug_addr, .debug_rnglists and
// .debug_loclists: unit_length(4) + version(2) + padding/segment_selector(2).
// DW_AT_*_base attributes point just past this header, which is also the
// default used when a base attribute is absent and the section has
// exactly one contribution (the common case for a non-split binary).
const dwarf5OffsetsHeaderSize = SectionOffset(8)

// strOffsetsBase returns the compile unit's DW_AT_str_offsets_base, or
// the standard header size if the attribute is absent.
func (unit *CompileUnit) strOffsetsBase() SectionOffset {
	if unit.root != nil {
		if off, ok := unit.root.Offset(DW_AT_str_offsets_base); ok {
			return off
		}
	}
	return dwarf5OffsetsHeaderSize
}

func (unit *CompileUnit) addrBase() SectionOffset {
	if unit.root != nil {
		if off, ok := unit.root.Offset(DW_AT_addr_base); ok {
			return off
		}
	}
	return dwarf5OffsetsHeaderSize
}

func (unit *CompileUnit) rngListsBase() SectionOffset {
	if unit.root != nil {
		if off, ok := unit.root.Offset(DW_AT_rnglists_base); ok {
			return off
		}
	}
	return dwarf5OffsetsHeaderSize
}

func (unit *CompileUnit) locListsBase() SectionOffset {
	if unit.root != nil {
		if off, ok := unit.root.Offset(DW_AT_loclists_base); ok {
			return off
		}
	}
	return dwarf5OffsetsHeaderSize
}

// ResolveStrIndex turns a DW_FORM_strx-family index into the string it
// names, by reading a 4-byte offset out of .debug_str_offsets and
// following it into .debug_str.
func (unit *CompileUnit) ResolveStrIndex(idx StrIndex) (string, error) {
	if unit.File.StrOffsetsSection == nil {
		return "", fmt.Errorf("elf .debug_str_offsets section not found")
	}

	offset, err := unit.File.StrOffsetsSection.OffsetAt(unit.strOffsetsBase(), idx)
	if err != nil {
		return "", err
	}

	return unit.File.StringSection.StringAt(offset)
}

// ResolveAddrIndex turns a DW_FORM_addrx-family index into the address
// it names, by reading an 8-byte entry out of .debug_addr.
func (unit *CompileUnit) ResolveAddrIndex(idx AddrIndex) (uint64, error) {
	if unit.File.AddrSection == nil {
		return 0, fmt.Errorf("elf .debug_addr section not found")
	}

	return unit.File.AddrSection.AddressAt(unit.addrBase(), idx)
}
