package dwarf

import (
	"errors"
	"fmt"

	"github.com/module/symbolize/elf"
	"github.com/module/symbolize/symerr"
)

// ErrSkipVisitingChildren lets an enter callback passed to Visit prune a
// subtree without aborting the whole walk.
var ErrSkipVisitingChildren = errors.New("dwarf: skip visiting children")

// Reference attribute value
type DebugInfoEntryReference struct {
	*File
	SectionOffset
}

func (ref DebugInfoEntryReference) String() string {
	return fmt.Sprintf("DIE@%08x", ref.SectionOffset)
}

func newDebugInfoEntryReference(
	file *File,
	offset SectionOffset,
) *DebugInfoEntryReference {
	return &DebugInfoEntryReference{
		File:          file,
		SectionOffset: offset,
	}
}

func (ref DebugInfoEntryReference) Get() (*DebugInfoEntry, error) {
	entry, err := ref.File.EntryAt(ref.SectionOffset)
	if err != nil {
		return nil, symerr.Wrapf(err, "failed to get referenced entry (%d)", ref.SectionOffset)
	}
	return entry, nil
}

type DebugInfoEntry struct {
	*CompileUnit
	SectionOffset

	*Abbreviation
	Values []interface{}

	Children []*DebugInfoEntry
}

func parseDebugInfoEntry(
	unit *CompileUnit,
	abbrevTable AbbreviationTable,
	decode *Cursor,
) (
	uint64,
	*DebugInfoEntry,
	error,
) {
	startAddr := unit.ContentStart + SectionOffset(decode.Position)

	code, err := decode.ULEB128(64)
	if err != nil {
		return 0, nil, symerr.Wrap(err, "failed to parse DIE. invalid code")
	}

	if code == 0 {
		return 0, nil, nil
	}

	abbrev, ok := abbrevTable[code]
	if !ok {
		return 0, nil, symerr.Newf(symerr.InvalidDwarf, "failed to parse DIE. abbreviation (%d) not found", code)
	}

	values := make([]interface{}, 0, len(abbrev.AttributeSpecs))
	for _, spec := range abbrev.AttributeSpecs {
		value, err := decode.Value(unit, spec)
		if err != nil {
			return 0, nil, err
		}
		values = append(values, value)
	}

	entry := &DebugInfoEntry{
		CompileUnit:   unit,
		SectionOffset: startAddr,
		Abbreviation:  abbrev,
		Values:        values,
	}

	return code, entry, nil
}

func (entry *DebugInfoEntry) SpecIndex(attr Attribute) int {
	for idx, spec := range entry.AttributeSpecs {
		if attr == spec.Attribute {
			return idx
		}
	}
	return -1
}

func (entry *DebugInfoEntry) Any(attr Attribute) (interface{}, bool) {
	idx := entry.SpecIndex(attr)
	if idx == -1 {
		return nil, false
	}
	return entry.Values[idx], true
}

func (entry *DebugInfoEntry) Address(
	attr Attribute,
) (
	elf.FileAddress,
	bool,
) {
	val, ok := entry.Any(attr)
	if !ok {
		return 0, false
	}

	switch v := val.(type) {
	case elf.FileAddress:
		return v, true
	case AddrIndex:
		addr, err := entry.CompileUnit.ResolveAddrIndex(v)
		if err != nil {
			return 0, false
		}
		return elf.FileAddress(addr), true
	default:
		return 0, false
	}
}

func (entry *DebugInfoEntry) Offset(attr Attribute) (SectionOffset, bool) {
	val, ok := entry.Any(attr)
	if !ok {
		return 0, false
	}
	return val.(SectionOffset), true
}

func (entry *DebugInfoEntry) Bool(attr Attribute) (bool, bool) {
	val, ok := entry.Any(attr)
	if !ok {
		return false, false
	}
	return val.(bool), true
}

func (entry *DebugInfoEntry) Uint(attr Attribute) (uint64, bool) {
	val, ok := entry.Any(attr)
	if !ok {
		return 0, false
	}
	return val.(uint64), true
}

func (entry *DebugInfoEntry) Int(attr Attribute) (int64, bool) {
	val, ok := entry.Any(attr)
	if !ok {
		return 0, false
	}
	return val.(int64), true
}

func (entry *DebugInfoEntry) Bytes(attr Attribute) ([]byte, bool) {
	val, ok := entry.Any(attr)
	if !ok {
		return nil, false
	}
	return val.([]byte), true
}

// String resolves a name-shaped attribute. DWARF5 may encode it directly
// (DW_FORM_string/strp/line_strp, already resolved to a string at decode
// time) or indirectly (DW_FORM_strx*, decoded to a StrIndex that is
// resolved here, once the owning compile unit's root DIE - and so its
// DW_AT_str_offsets_base - is fully parsed).
func (entry *DebugInfoEntry) String(attr Attribute) (string, bool) {
	val, ok := entry.Any(attr)
	if !ok {
		return "", false
	}

	switch v := val.(type) {
	case string:
		return v, true
	case StrIndex:
		s, err := entry.CompileUnit.ResolveStrIndex(v)
		if err != nil {
			return "", false
		}
		return s, true
	default:
		return "", false
	}
}

func (entry *DebugInfoEntry) Reference(
	attr Attribute,
) (
	*DebugInfoEntryReference,
	bool,
) {
	val, ok := entry.Any(attr)
	if !ok {
		return nil, false
	}
	return val.(*DebugInfoEntryReference), true
}

// Name prefers DW_AT_linkage_name (the mangled name, present on every
// function with external linkage in C++/Rust) over DW_AT_name, since
// symbolize wants the identifier that will actually match ELF symbol
// table entries. Falls back to DW_AT_name, then chases
// DW_AT_specification/DW_AT_abstract_origin for declarations and
// inlined-function instances that omit their own name entirely.
func (entry *DebugInfoEntry) Name() (
	string,
	bool, // false if not found
	error,
) {
	nameIdx := -1
	refIdx := -1
	for idx, spec := range entry.AttributeSpecs {
		switch spec.Attribute {
		case DW_AT_linkage_name:
			if name, ok := entry.String(DW_AT_linkage_name); ok {
				return name, true, nil
			}
		case DW_AT_name:
			nameIdx = idx
		case DW_AT_specification, DW_AT_abstract_origin:
			// Current entry is a function declaration (DW_AT_specification)
			// or an inlined instance (DW_AT_abstract_origin); the real
			// definition lives in the referenced entry.
			refIdx = idx
		}
	}

	if nameIdx != -1 {
		if name, ok := entry.String(DW_AT_name); ok {
			return name, true, nil
		}
	}

	if refIdx == -1 {
		return "", false, nil
	}

	ref, ok := entry.Values[refIdx].(*DebugInfoEntryReference)
	if !ok {
		return "", false, nil
	}

	refEntry, err := ref.Get()
	if err != nil {
		return "", false, err
	}

	return refEntry.Name()
}

func (entry *DebugInfoEntry) TypeEntry() (*DebugInfoEntry, error) {
	ref, ok := entry.Reference(DW_AT_type)
	if !ok {
		return nil, symerr.New(symerr.NotFound, "type entry not found")
	}

	return ref.Get()
}

func (entry *DebugInfoEntry) FileEntry() (*FileEntry, error) {
	var idx uint64
	var ok bool
	if entry.Tag == DW_TAG_inlined_subroutine {
		idx, ok = entry.Uint(DW_AT_call_file)
	} else {
		idx, ok = entry.Uint(DW_AT_decl_file)
	}

	if !ok {
		return nil, nil
	}

	if entry.lineTable == nil {
		return nil, symerr.New(symerr.NotFound, "compile unit has no line table")
	}

	table := entry.lineTable
	fileIdx := idx
	if !table.zeroBasedFiles {
		if idx == 0 {
			return nil, symerr.New(symerr.InvalidDwarf, "out of bound line table file index")
		}
		fileIdx = idx - 1
	}

	if fileIdx >= uint64(len(table.FileEntries)) {
		return nil, symerr.New(symerr.InvalidDwarf, "out of bound line table file index")
	}

	return table.FileEntries[fileIdx], nil
}

func (entry *DebugInfoEntry) Line() (int64, bool) {
	if entry.Tag == DW_TAG_inlined_subroutine {
		val, ok := entry.Uint(DW_AT_call_line)
		return int64(val), ok
	}

	val, ok := entry.Uint(DW_AT_decl_line)
	return int64(val), ok
}

// AddressRanges resolves DW_AT_low_pc/DW_AT_high_pc when present, else
// DW_AT_ranges - which, depending on DWARF version and form, points into
// .debug_ranges directly (DWARF2-4), into .debug_rnglists directly
// (DWARF5 w/ DW_FORM_sec_offset), or indirectly into .debug_rnglists via
// an offsets-table index (DW_FORM_rnglistx).
func (entry *DebugInfoEntry) AddressRanges() (AddressRanges, error) {
	lowAddr, lowOk := entry.Address(DW_AT_low_pc)
	high, highOk := entry.Any(DW_AT_high_pc)

	if lowOk && highOk {
		switch val := high.(type) {
		case elf.FileAddress:
			return AddressRanges{{Low: lowAddr, High: val}}, nil
		case uint64:
			return AddressRanges{{Low: lowAddr, High: lowAddr + elf.FileAddress(val)}}, nil
		default:
			return nil, symerr.New(symerr.InvalidDwarf, "unexpected DW_AT_high_pc value type")
		}
	}

	val, ok := entry.Any(DW_AT_ranges)
	if !ok {
		return nil, nil
	}

	switch v := val.(type) {
	case SectionOffset:
		if entry.CompileUnit.Version >= 5 {
			return entry.File.RngListsSection.RangesAt(entry.CompileUnit, v, lowAddr)
		}
		return entry.AddressRangesAt(v, lowAddr)

	case RngListIndex:
		base := entry.CompileUnit.rngListsBase()
		offset, err := entry.File.RngListsSection.OffsetAt(base, v)
		if err != nil {
			return nil, err
		}
		return entry.File.RngListsSection.RangesAt(entry.CompileUnit, offset, lowAddr)

	default:
		return nil, symerr.New(symerr.InvalidDwarf, "unexpected DW_AT_ranges value type")
	}
}

func (entry *DebugInfoEntry) ContainsAddress(
	address elf.FileAddress,
) (
	bool,
	error,
) {
	addressRanges, err := entry.AddressRanges()
	if err != nil {
		return false, err
	}

	return addressRanges.Contains(address), nil
}

func (entry *DebugInfoEntry) Visit(enter ProcessFunc, exit ProcessFunc) error {
	skipVisitingChildren := false
	if enter != nil {
		err := enter(entry)
		if err != nil {
			if errors.Is(err, ErrSkipVisitingChildren) {
				skipVisitingChildren = true
			} else {
				return err
			}
		}
	}

	if !skipVisitingChildren {
		for _, child := range entry.Children {
			err := child.Visit(enter, exit)
			if err != nil {
				return err
			}
		}
	}

	if exit != nil {
		err := exit(entry)
		if err != nil {
			return err
		}
	}

	return nil
}
