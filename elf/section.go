package elf

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"sort"
	"sync"

	"github.com/ianlancetaylor/demangle"
)

type FileAddress uint64

type Section interface {
	Header() SectionHeaderEntry

	BindSectionNameTable(sectionNames *StringTableSection)
	Name() string

	RawContent() ([]byte, error)

	// See elf spec. Figure 1-12. sh_link and sh_info interpretation.
	// TODO replace RawSection with RelocationSection
	BindStringTable(stringTable *StringTableSection)
	BindSymbolTable(symbolTable *SymbolTableSection)
	BindRelocations(relocations *RawSection)
}

type BaseSection struct {
	SectionHeaderEntry

	sectionNameTable *StringTableSection
	name             string
}

func newBaseSection(header SectionHeaderEntry) BaseSection {
	return BaseSection{
		SectionHeaderEntry: header,
	}
}

func (base *BaseSection) Header() SectionHeaderEntry {
	return base.SectionHeaderEntry
}

func (base *BaseSection) Name() string {
	return base.name
}

func (base *BaseSection) BindSectionNameTable(
	sectionNames *StringTableSection,
) {
	base.sectionNameTable = sectionNames
	base.name = sectionNames.Get(base.NameIndex)
}

func (BaseSection) RawContent() ([]byte, error) {
	return nil, fmt.Errorf("cannot get raw content")
}

func (BaseSection) BindStringTable(table *StringTableSection) {
}

func (BaseSection) BindSymbolTable(table *SymbolTableSection) {
}

func (BaseSection) BindRelocations(relocations *RawSection) {
}

type RawSection struct {
	BaseSection

	// Content borrows directly from the file's byte view (mmap or read
	// buffer); it is never copied unless the section turns out to be
	// compressed. The view must outlive this section.
	Content []byte

	byteOrder binary.ByteOrder

	decompressOnce sync.Once
	decompressed   []byte
	decompressErr  error
}

func newRawSection(
	byteOrder binary.ByteOrder,
	header SectionHeaderEntry,
	buffer []byte,
) *RawSection {
	return &RawSection{
		BaseSection: newBaseSection(header),
		Content:     buffer,
		byteOrder:   byteOrder,
	}
}

// RawContent returns the section's bytes, transparently inflating
// SHF_COMPRESSED sections (and legacy ".zdebug_*" sections, which
// predate SHF_COMPRESSED and signal compression through their name
// instead of a section flag) on first access. The decompressed buffer
// is cached, so repeated calls return the same slice.
func (section *RawSection) RawContent() ([]byte, error) {
	if section.SectionFlags&SectionIsCompressed == 0 && !isLegacyZdebugName(section.Name()) {
		return section.Content, nil
	}

	section.decompressOnce.Do(func() {
		if section.SectionFlags&SectionIsCompressed != 0 {
			section.decompressed, section.decompressErr =
				decompressSection(section.byteOrder, section.Content)
		} else {
			section.decompressed, section.decompressErr =
				decompressLegacyZdebug(section.Content)
		}
	})

	return section.decompressed, section.decompressErr
}

type StringTableSection struct {
	BaseSection

	Content []byte
}

func NewStringTableSection(
	header SectionHeaderEntry,
	buffer []byte,
) *StringTableSection {
	return &StringTableSection{
		BaseSection: newBaseSection(header),
		Content:     buffer,
	}
}

func (table *StringTableSection) Get(index uint32) string {
	if index >= uint32(len(table.Content)) {
		return ""
	}

	chunk := table.Content[index:]
	end := bytes.IndexByte(chunk, 0)
	if end == -1 {
		return ""
	}

	return string(chunk[:end])
}

func (table *StringTableSection) NumEntries() int {
	count := 0
	for _, b := range table.Content[1:] {
		if b == 0 {
			count += 1
		}
	}
	return count
}

type Symbol struct {
	SymbolEntry

	Parent        *SymbolTableSection
	Name          string
	DemangledName string // human readable c++ / rust name
}

func (symbol Symbol) PrettyName() string {
	if symbol.DemangledName != "" {
		return symbol.DemangledName
	}

	return symbol.Name
}

func (symbol Symbol) Type() SymbolType {
	return SymbolInfoToType(symbol.Info)
}

func (symbol Symbol) Binding() SymbolBinding {
	return SymbolInfoToBinding(symbol.Info)
}

func (symbol Symbol) AddressRange() (FileAddress, FileAddress, bool) {
	if symbol.Value == 0 ||
		symbol.NameIndex == 0 ||
		symbol.Type() == SymbolTypeTLSObject {

		return 0, 0, false
	}

	start := FileAddress(symbol.Value)
	end := FileAddress(symbol.Value + symbol.Size)
	return start, end, true
}

type SymbolTableSection struct {
	BaseSection

	Symbols []*Symbol

	stringTable *StringTableSection

	addrIndexOnce sync.Once
	addrIndex     []*Symbol // symbols with nonzero size, sorted by address
}

func (table *SymbolTableSection) BindStringTable(names *StringTableSection) {
	table.stringTable = names
	for _, symbol := range table.Symbols {
		symbol.Name = names.Get(symbol.NameIndex)
		val, err := demangle.ToString(symbol.Name)
		if err == nil {
			symbol.DemangledName = val
		}
	}
}

func (table *SymbolTableSection) SymbolsByName(name string) []*Symbol {
	result := []*Symbol{}
	for _, symbol := range table.Symbols {
		if symbol.Name == name || symbol.DemangledName == name {
			result = append(result, symbol)
		}
	}
	return result
}

func (table *SymbolTableSection) SymbolAt(address FileAddress) *Symbol {
	for _, symbol := range table.Symbols {
		low, _, ok := symbol.AddressRange()
		if ok && low == address {
			return symbol
		}
	}

	return nil
}

func (table *SymbolTableSection) SymbolSpans(address FileAddress) *Symbol {
	for _, symbol := range table.Symbols {
		low, high, ok := symbol.AddressRange()
		if ok && low <= address && address < high {
			return symbol
		}
	}

	return nil
}

func (table *SymbolTableSection) buildAddressIndex() {
	table.addrIndexOnce.Do(func() {
		index := make([]*Symbol, 0, len(table.Symbols))
		for _, symbol := range table.Symbols {
			if _, _, ok := symbol.AddressRange(); ok && symbol.Size > 0 {
				index = append(index, symbol)
			}
		}

		sort.SliceStable(index, func(i, j int) bool {
			return index[i].Value < index[j].Value
		})

		table.addrIndex = index
	})
}

// SymbolAtOrBefore runs the address-sorted stabbing query described by
// FindSym: binary-search for the greatest address <= target, breaking
// ties among same-address symbols by size (largest first), then by
// symbol type (prefer STT_FUNC), then by table order. The result is
// returned regardless of whether it actually contains target; callers
// compare against AddressRange themselves.
func (table *SymbolTableSection) SymbolAtOrBefore(target FileAddress) *Symbol {
	table.buildAddressIndex()
	index := table.addrIndex

	i := sort.Search(len(index), func(i int) bool {
		return index[i].Value > uint64(target)
	})
	if i == 0 {
		return nil
	}

	// index[:i] all have Value <= target. Gather the contiguous run at
	// the maximal address and pick the best candidate among it.
	maxValue := index[i-1].Value
	start := i - 1
	for start > 0 && index[start-1].Value == maxValue {
		start--
	}

	best := index[start]
	for _, candidate := range index[start+1 : i] {
		if betterSymbolCandidate(candidate, best) {
			best = candidate
		}
	}

	return best
}

func betterSymbolCandidate(candidate, current *Symbol) bool {
	if candidate.Size != current.Size {
		return candidate.Size > current.Size
	}

	candidateIsFunc := candidate.Type() == SymbolTypeFunction
	currentIsFunc := current.Type() == SymbolTypeFunction
	if candidateIsFunc != currentIsFunc {
		return candidateIsFunc
	}

	return false // keep the earlier (lower table index) candidate
}

type NoteEntry struct {
	Name        string // name is usually human readable
	Description string // description has no standard format and may be unreadable
	Type        uint32
}

type NoteSection struct {
	BaseSection

	Entries []NoteEntry
}

func newNoteSection(
	header SectionHeaderEntry,
	entries []NoteEntry,
) *NoteSection {
	return &NoteSection{
		BaseSection: newBaseSection(header),
		Entries:     entries,
	}
}
