package elf

import (
	"bytes"
	"encoding/binary"
	"io"
	"sync"

	"github.com/module/symbolize/symerr"
)

// Resources:
// https://refspecs.linuxfoundation.org/

type machineSpec struct {
	MachineArchitecture
	DataEncoding
	OperatingSystemABI
}

var (
	// NOTE: For now, only supports linux system v abi
	supportedArchitecture = map[MachineArchitecture]machineSpec{
		MachineArchitectureX86_64: machineSpec{
			MachineArchitecture: MachineArchitectureX86_64,
			DataEncoding:        DataEncodingTwosComplementLittleEndian,
			OperatingSystemABI:  OperatingSystemABIUnixSystemV,
		},
	}
)

type File struct {
	ElfHeader
	Sections       []Section
	ProgramHeaders []ProgramHeaderEntry

	// path is the file this was opened from, empty when constructed via
	// Parse/ParseBytes directly from an in-memory buffer.
	path string

	// view keeps the backing store (an mmap, or a plain read buffer)
	// reachable for as long as this File (and every slice borrowed from
	// it by elf/dwarf sections) is reachable.
	view *byteView

	byteOrder binary.ByteOrder

	sectionIndexOnce sync.Once
	sectionIndex     map[string]int
}

func (file *File) Path() string {
	return file.path
}

// ByteOrder returns the byte order this file was parsed with, so
// dependent packages (dwarf) can decode their own sections consistently
// without re-sniffing the elf identifier.
func (file *File) ByteOrder() binary.ByteOrder {
	return file.byteOrder
}

// FindSectionByName returns the index of the section with the given
// name, building a lazily-cached name-to-index map on first use.
func (file *File) FindSectionByName(name string) (int, bool) {
	file.sectionIndexOnce.Do(func() {
		index := make(map[string]int, len(file.Sections))
		for idx, section := range file.Sections {
			if _, ok := index[section.Name()]; !ok {
				index[section.Name()] = idx
			}
		}
		file.sectionIndex = index
	})

	idx, ok := file.sectionIndex[name]
	return idx, ok
}

func (file *File) GetSection(name string) (Section, bool) {
	idx, ok := file.FindSectionByName(name)
	if !ok {
		return nil, false
	}
	return file.Sections[idx], true
}

// SelectedSymbolTable returns the symbol table this file's symbol-based
// operations (FindSym, FindAddr, BuildID's neighbors) search: the static
// .symtab when present, the dynamic .dynsym otherwise.
func (file *File) SelectedSymbolTable() *SymbolTableSection {
	for _, name := range []string{".symtab", ".dynsym"} {
		if section, ok := file.GetSection(name); ok {
			if table, ok := section.(*SymbolTableSection); ok {
				return table
			}
		}
	}
	return nil
}

// BuildID returns the raw content hash from the .note.gnu.build-id
// section, or (nil, false) if the binary carries none.
func (file *File) BuildID() ([]byte, bool) {
	section, ok := file.GetSection(".note.gnu.build-id")
	if !ok {
		return nil, false
	}

	notes, ok := section.(*NoteSection)
	if !ok {
		return nil, false
	}

	for _, entry := range notes.Entries {
		if entry.Type == NoteTypeGNUBuildID {
			return []byte(entry.Description), true
		}
	}

	return nil, false
}

// FileOffsetToVirtAddr translates a file offset into the virtual address
// it would be loaded at, by walking PT_LOAD program headers. Returns
// false if no loadable segment covers the offset (e.g. it falls in a
// section with SHT_NOBITS, or past the last segment).
func (file *File) FileOffsetToVirtAddr(offset uint64) (FileAddress, bool) {
	for _, ph := range file.ProgramHeaders {
		if ph.ProgramType != ProgramLoadable {
			continue
		}

		if offset < ph.ContentOffset || offset >= ph.ContentOffset+ph.FileImageSize {
			continue
		}

		return FileAddress(ph.VirtualAddress + (offset - ph.ContentOffset)), true
	}

	return 0, false
}

type parser struct {
	content []byte

	binary.ByteOrder

	File
}

func Parse(reader io.Reader) (*File, error) {
	content, err := io.ReadAll(reader)
	if err != nil {
		return nil, symerr.Wrap(err, "failed to read elf file")
	}

	return ParseBytes(content)
}

// Open reads an elf binary from path, preferring a zero-copy mmap and
// falling back to a plain read when mmap isn't available.
func Open(path string) (*File, error) {
	view, err := openByteView(path)
	if err != nil {
		return nil, err
	}

	file, err := ParseBytes(view.data)
	if err != nil {
		view.Close()
		return nil, err
	}

	file.path = path
	file.view = view
	return file, nil
}

func ParseBytes(content []byte) (*File, error) {
	p := parser{
		content: content,
	}

	err := p.parse()
	if err != nil {
		return nil, err
	}

	p.File.byteOrder = p.ByteOrder
	return &p.File, nil
}

func (p *parser) parse() error {
	// NOTE: identifier (e_ident) has no endian-ness.  We must parse identifier
	// to determine the elf file's endian-ness (including the elf header).
	err := p.parseIdentifier()
	if err != nil {
		return err
	}

	err = p.parseHeader()
	if err != nil {
		return err
	}

	err = p.parseSectionHeaders()
	if err != nil {
		return err
	}

	err = p.parseProgramHeaders()
	if err != nil {
		return err
	}

	return nil
}

func (p *parser) parseIdentifier() error {
	id := &Identifier{}

	n, err := binary.Decode(p.content, binary.NativeEndian, id)
	if err != nil {
		return symerr.Wrap(err, "failed to parse identifier")
	}

	if n != ElfIdentifierSize {
		panic("should never happen")
	}

	if !bytes.Equal(id.Magic[:], IdentifierMagic) {
		return symerr.New(symerr.InvalidData, "invalid elf magic number")
	}

	if id.Class != Class64 {
		return symerr.Newf(symerr.Unsupported, "unsupported elf class: %s", id.Class)
	}

	switch id.DataEncoding {
	case DataEncodingTwosComplementLittleEndian:
		p.ByteOrder = binary.LittleEndian
	case DataEncodingTwosComplementBigEndian:
		p.ByteOrder = binary.BigEndian
	default:
		return symerr.Newf(
			symerr.Unsupported, "unsupported data encoding: %s", id.DataEncoding)
	}

	if id.IdentifierVersion != IdentifierVersion {
		return symerr.Newf(
			symerr.InvalidData,
			"unsupported identifier version: %d",
			id.IdentifierVersion)
	}

	if id.OperatingSystemABI != OperatingSystemABIUnixSystemV {
		return symerr.Newf(
			symerr.Unsupported, "unsupported os/abi: %s", id.OperatingSystemABI)
	}

	if id.ABIVersion != ABIVersion {
		return symerr.Newf(symerr.InvalidData, "unsupported abi verison: %d", id.ABIVersion)
	}

	for _, padding := range id.Padding {
		if padding != 0 {
			return symerr.New(symerr.InvalidData, "invalid identifier padding")
		}
	}

	return nil
}

func (p *parser) parseHeader() error {
	n, err := binary.Decode(p.content, p.ByteOrder, &p.ElfHeader)
	if err != nil {
		return symerr.Wrap(err, "failed to parse header")
	}

	if n != Elf64HeaderSize {
		panic("should never happen")
	}

	spec, ok := supportedArchitecture[p.MachineArchitecture]
	if !ok {
		return symerr.Newf(
			symerr.Unsupported,
			"unsupported machine architecture: %s",
			p.MachineArchitecture)
	}

	if spec.DataEncoding != p.DataEncoding {
		return symerr.Newf(
			symerr.InvalidData,
			"invalid data encoding (%s) for machine architecture (%s)",
			p.DataEncoding,
			p.MachineArchitecture)
	}

	if spec.OperatingSystemABI != p.OperatingSystemABI {
		return symerr.Newf(
			symerr.InvalidData,
			"invalid os/abi (%s) for machine architecture (%s)",
			p.OperatingSystemABI,
			p.MachineArchitecture)
	}

	if p.FormatVersion != FormatVersion {
		return symerr.Newf(symerr.Unsupported, "unsupported format version: %d", p.FormatVersion)
	}

	if p.ArchitectureFlags != 0 {
		return symerr.Newf(symerr.InvalidData, "unexpected architecture flags: %x", p.ArchitectureFlags)
	}

	if p.ElfHeaderSize != Elf64HeaderSize {
		return symerr.Newf(symerr.InvalidData, "unexpected elf64 header size: %d", p.ElfHeaderSize)
	}

	if p.ProgramHeaderEntrySize != 0 && p.ProgramHeaderEntrySize != Elf64ProgramHeaderEntrySize {
		return symerr.Newf(
			symerr.InvalidData,
			"unexpected elf64 program header entry size: %d",
			p.ProgramHeaderEntrySize)
	}

	if p.SectionHeaderEntrySize != 0 && p.SectionHeaderEntrySize != Elf64SectionHeaderEntrySize {
		return symerr.Newf(
			symerr.InvalidData,
			"unexpected elf64 section header entry size: %d",
			p.SectionHeaderEntrySize)
	}

	return nil
}

// parseSectionHeaders handles the SHN_LORESERVE overflow convention: when
// a binary has 0xff00 (SHN_LORESERVE) or more sections, e_shnum is set to
// 0 and the real count is stashed in section header zero's sh_size;
// similarly e_shstrndx is set to SHN_XINDEX (0xffff) and the real string
// table index is stashed in section header zero's sh_link. See
// https://docs.oracle.com/en/operating-systems/solaris/oracle-solaris/11.4/linkers-libraries/extended-section-header.html
func (p *parser) parseSectionHeaders() error {
	if p.NumSectionHeaderEntries == 0 && p.SectionHeaderOffset == 0 {
		return nil
	}

	if p.SectionHeaderOffset >= uint64(len(p.content)) {
		return symerr.Newf(
			symerr.InvalidData,
			"out of bound section header offset (%d)",
			p.SectionHeaderOffset)
	}

	numSections := int(p.NumSectionHeaderEntries)
	if numSections == 0 {
		// Extended section count: decode section header zero alone first to
		// recover the real count from its sh_size.
		var zero SectionHeaderEntry
		_, err := binary.Decode(p.content[p.SectionHeaderOffset:], p.ByteOrder, &zero)
		if err != nil {
			return symerr.Wrap(err, "failed to read extended section header count")
		}
		numSections = int(zero.Size)
	}

	sectionHeaders := make([]SectionHeaderEntry, numSections)
	n, err := binary.Decode(
		p.content[p.SectionHeaderOffset:],
		p.ByteOrder,
		sectionHeaders)
	if err != nil {
		return symerr.Wrap(err, "failed to read section header entries")
	}
	if n != numSections*Elf64SectionHeaderEntrySize {
		panic("should never happen")
	}

	shstrndx := int(p.SectionStringTableIndex)
	if p.SectionStringTableIndex == SectionIndexExtended {
		if len(sectionHeaders) == 0 {
			return symerr.New(symerr.InvalidData, "extended shstrndx with no section headers")
		}
		shstrndx = int(sectionHeaders[0].Link)
	}

	for _, header := range sectionHeaders {
		var sectionContent []byte
		if header.SectionType != SectionTypeNoSpace {
			start := header.Offset
			end := start + header.Size
			if end > uint64(len(p.content)) {
				return symerr.Newf(
					symerr.InvalidData, "out of bound section (%d > %d)", end, len(p.content))
			}

			sectionContent = p.content[start:end]
		}

		// TODO Relocations
		switch header.SectionType {
		case SectionTypeStringTable:
			p.Sections = append(
				p.Sections,
				NewStringTableSection(header, sectionContent))
		case SectionTypeSymbolTable,
			SectionTypeDynamicSymbolTable:

			table, err := p.parseSymbolTable(header, sectionContent)
			if err != nil {
				return err
			}
			p.Sections = append(p.Sections, table)
		case SectionTypeNote:
			note, err := p.parseNote(header, sectionContent)
			if err != nil {
				return err
			}
			p.Sections = append(p.Sections, note)
		default:
			p.Sections = append(p.Sections, newRawSection(p.ByteOrder, header, sectionContent))
		}
	}

	// Bind section names
	if shstrndx != int(SectionIndexUndefined) {
		if shstrndx >= len(p.Sections) {
			return symerr.Newf(
				symerr.InvalidData,
				"section name index out of bound (%d > %d)",
				shstrndx,
				len(p.Sections))
		}

		table, ok := p.Sections[shstrndx].(*StringTableSection)
		if !ok {
			return symerr.New(symerr.InvalidData, "section name index does not point to a string table")
		}

		for _, section := range p.Sections {
			section.BindSectionNameTable(table)
		}
	}

	// Bind sh_link section
	// See elf spec. Figure 1-12. sh_link and sh_info Interpretation.
	for _, section := range p.Sections {
		hdr := section.Header()

		if hdr.Link == 0 { // section 0 is always undefined
			continue
		}

		switch hdr.SectionType {
		case SectionTypeDynamic,
			SectionTypeSymbolTable,
			SectionTypeDynamicSymbolTable:
			if hdr.Link >= uint32(len(p.Sections)) {
				return symerr.Newf(
					symerr.InvalidData,
					"string table index out of bound (%d > %d)",
					hdr.Link,
					len(p.Sections))
			}

			table, ok := p.Sections[hdr.Link].(*StringTableSection)
			if !ok {
				return symerr.New(symerr.InvalidData, "string table index does not point to a string table")
			}

			section.BindStringTable(table)
		case SectionTypeSymbolHashTable,
			SectionTypeRelocationWithAddends,
			SectionTypeRelocationNoAddends:

			if hdr.Link >= uint32(len(p.Sections)) {
				return symerr.Newf(
					symerr.InvalidData,
					"symbol table index out of bound (%d > %d)",
					hdr.Link,
					len(p.Sections))
			}

			table, ok := p.Sections[hdr.Link].(*SymbolTableSection)
			if !ok {
				return symerr.Newf(
					symerr.InvalidData,
					"symbol table index (%d) does not point to a symbol table (%s)",
					hdr.Link,
					p.Sections[hdr.Link].Name())
			}

			section.BindSymbolTable(table)
		}
	}

	// Bind sh_info section
	for _, section := range p.Sections {
		hdr := section.Header()

		if hdr.Info == 0 { // section 0 is always undefined
			continue
		}

		switch hdr.SectionType {
		case SectionTypeRelocationWithAddends, SectionTypeRelocationNoAddends:
			if hdr.Info >= uint32(len(p.Sections)) {
				return symerr.Newf(
					symerr.InvalidData,
					"relocations index out of bound (%d > %d)",
					hdr.Info,
					len(p.Sections))
			}

			// TODO relocations type
			relocations, ok := p.Sections[hdr.Info].(*RawSection)
			if !ok {
				return symerr.New(symerr.InvalidData, "relocations index does not point to relocations")
			}

			section.BindRelocations(relocations)
		}
	}

	return nil
}

func (p *parser) parseSymbolTable(
	header SectionHeaderEntry,
	content []byte,
) (
	*SymbolTableSection,
	error,
) {
	if len(content)%Elf64SymbolEntrySize != 0 {
		return nil, symerr.Newf(symerr.InvalidData, "invalid symbol table size (%d)", len(content))
	}

	numEntries := len(content) / Elf64SymbolEntrySize
	rawEntries := make([]SymbolEntry, numEntries)
	n, err := binary.Decode(content, p.ByteOrder, rawEntries)
	if err != nil {
		return nil, symerr.Wrap(err, "failed to parse symbol table")
	}
	if n != len(content) {
		panic("should never happen")
	}

	table := &SymbolTableSection{
		BaseSection: newBaseSection(header),
	}

	symbols := make([]*Symbol, 0, numEntries)
	for _, entry := range rawEntries {
		symbols = append(
			symbols,
			&Symbol{
				SymbolEntry: entry,
				Parent:      table,
			})
	}

	table.Symbols = symbols
	return table, nil
}

func (p *parser) parseProgramHeaders() error {
	if p.NumProgramHeaderEntries == 0 {
		return nil
	}

	if p.ProgramHeaderOffset >= uint64(len(p.content)) {
		return symerr.Newf(
			symerr.InvalidData,
			"out of bound program header offset (%d)",
			p.ProgramHeaderOffset)
	}

	programHeaders := make([]ProgramHeaderEntry, p.NumProgramHeaderEntries)
	n, err := binary.Decode(
		p.content[p.ProgramHeaderOffset:],
		p.ByteOrder,
		programHeaders)
	if err != nil {
		return symerr.Wrap(err, "failed to read program header entries")
	}
	if n != int(p.NumProgramHeaderEntries)*Elf64ProgramHeaderEntrySize {
		panic("should never happen")
	}

	p.ProgramHeaders = programHeaders
	return nil
}

func (p *parser) parseNote(
	header SectionHeaderEntry,
	content []byte,
) (
	*NoteSection,
	error,
) {
	entries := []NoteEntry{}

	// NOTE: even though Elf64_Nhdr is defined, it looks like tools continue to
	// use Elf32_Nhdr / 4-byte aligned note entries.
	for len(content) > 0 {
		if len(content)%4 != 0 {
			return nil, symerr.New(symerr.InvalidData, "failed to parse note section. not 4-byte aligned")
		}

		noteHdr := &NoteHeader{}
		n, err := binary.Decode(content, p.ByteOrder, noteHdr)
		if err != nil {
			return nil, symerr.Wrap(err, "failed to parse note header")
		}
		if n != NoteHeaderSize {
			panic("should never happen")
		}
		content = content[n:]

		if len(content) < int(noteHdr.NameSize) {
			return nil, symerr.New(
				symerr.InvalidData, "failed to parse note entry. not enough name bytes")
		}

		name := string(content[:noteHdr.NameSize])

		// make descStart 4 byte aligned.
		descStart := ((noteHdr.NameSize + 3) / 4) * 4

		if len(content) < int(descStart) {
			return nil, symerr.New(
				symerr.InvalidData, "failed to parse note entry. not 4-byte aligned")
		}
		content = content[descStart:]

		if len(content) < int(noteHdr.DescriptionSize) {
			return nil, symerr.New(
				symerr.InvalidData, "failed to parse note entry. not enough description bytes")
		}

		desc := string(content[:noteHdr.DescriptionSize])

		entries = append(
			entries,
			NoteEntry{
				Name:        name,
				Description: desc,
				Type:        noteHdr.Type,
			})

		// make nextEntryStart 4 byte aligned.
		nextEntryStart := ((noteHdr.DescriptionSize + 3) / 4) * 4
		if len(content) < int(nextEntryStart) {
			return nil, symerr.New(
				symerr.InvalidData, "failed to parse note entry. not 4-byte aligned")
		}
		content = content[nextEntryStart:]
	}

	return newNoteSection(header, entries), nil
}
