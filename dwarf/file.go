package dwarf

import (
	"github.com/module/symbolize/elf"
	"github.com/module/symbolize/symerr"
)

var (
	ElfDebugAbbreviationSection = ".debug_abbrev"
	ElfDebugRangesSection       = ".debug_ranges"
	ElfDebugRngListsSection     = ".debug_rnglists"
	ElfDebugInformationSection  = ".debug_info"
	ElfDebugLineSection         = ".debug_line"
	ElfDebugLineStringSection   = ".debug_line_str"
	ElfDebugStringSection       = ".debug_str"
	ElfDebugStrOffsetsSection   = ".debug_str_offsets"
	ElfDebugAddrSection         = ".debug_addr"
	ElfDebugLocSection          = ".debug_loc"
	ElfDebugLocListsSection     = ".debug_loclists"
	ElfDebugArangesSection      = ".debug_aranges"
)

type SectionOffset int

// File is a DWARF view over an already-opened elf.File: every section
// here is optional except AbbreviationSection/InformationSection, which
// a binary with any DWARF at all must carry. Index-based DWARF5 forms
// (strx/addrx/rnglistx/loclistx) resolve against the *Section values
// below, which are always constructed and simply hold no data when the
// binary lacks the matching ELF section; a binary built without DWARF5
// never needs them.
type File struct {
	*elf.File
	*AbbreviationSection
	*InformationSection
	*LineSection

	*StringSection
	*LineStringSection
	*StrOffsetsSection
	*AddrSection
	*RngListsSection
	*LocListsSection
	*AddressRangesSection
	*ArangesSection
}

func NewFile(elfFile *elf.File) (*File, error) {
	abbrevSection, err := NewAbbreviationSection(elfFile)
	if err != nil {
		return nil, err
	}

	infoSection, err := NewInformationSection(elfFile)
	if err != nil {
		return nil, err
	}

	stringSection, err := NewStringSection(elfFile)
	if err != nil {
		return nil, err
	}

	lineStringSection, err := NewLineStringSection(elfFile)
	if err != nil {
		return nil, err
	}

	lineSection, err := NewLineSection(elfFile, stringSection, lineStringSection)
	if err != nil {
		return nil, err
	}

	strOffsetsSection, err := NewStrOffsetsSection(elfFile)
	if err != nil {
		return nil, err
	}

	addrSection, err := NewAddrSection(elfFile)
	if err != nil {
		return nil, err
	}

	rngListsSection, err := NewRngListsSection(elfFile)
	if err != nil {
		return nil, err
	}

	locListsSection, err := NewLocListsSection(elfFile)
	if err != nil {
		return nil, err
	}

	addressRangesSection, err := NewAddressRangesSection(elfFile)
	if err != nil {
		return nil, err
	}

	arangesSection, err := NewArangesSection(elfFile)
	if err != nil {
		return nil, err
	}

	file := &File{
		File:                 elfFile,
		AbbreviationSection:  abbrevSection,
		InformationSection:   infoSection,
		LineSection:          lineSection,
		StringSection:        stringSection,
		LineStringSection:    lineStringSection,
		StrOffsetsSection:    strOffsetsSection,
		AddrSection:          addrSection,
		RngListsSection:      rngListsSection,
		LocListsSection:      locListsSection,
		AddressRangesSection: addressRangesSection,
		ArangesSection:       arangesSection,
	}
	infoSection.SetParent(file)

	return file, nil
}

// requireSection fetches a named elf section's raw (decompressed)
// content, or nil content with found=false when the section is absent -
// every DWARF section past .debug_info/.debug_abbrev is optional.
func requireSection(file *elf.File, name string) (content []byte, found bool, err error) {
	section, ok := file.GetSection(name)
	if !ok {
		return nil, false, nil
	}

	content, err = section.RawContent()
	if err != nil {
		return nil, false, symerr.Wrap(err, "failed to read elf "+name+" section")
	}

	return content, true, nil
}
