package dwarf

import (
	"github.com/module/symbolize/symerr"

	"github.com/module/symbolize/elf"
)

type AttributeSpec struct {
	Attribute
	Format

	// ImplicitConstValue only applies when Format is DW_FORM_implicit_const:
	// the value is carried inline in the abbreviation declaration itself,
	// rather than in every DIE's byte stream.
	ImplicitConstValue int64
}

type Abbreviation struct {
	Code uint64
	Tag
	HasChildren    bool
	AttributeSpecs []AttributeSpec
}

type AbbreviationTable map[uint64]*Abbreviation

type AbbreviationSection struct {
	AbbreviationTables map[SectionOffset]AbbreviationTable
}

func NewAbbreviationSection(file *elf.File) (*AbbreviationSection, error) {
	section, ok := file.GetSection(ElfDebugAbbreviationSection)
	if !ok {
		return nil, symerr.Newf(symerr.NotFound, "elf %s section not found", ElfDebugAbbreviationSection)
	}

	content, err := section.RawContent()
	if err != nil {
		return nil, symerr.Wrap(err, "failed to read elf .debug_abbrev section")
	}

	tables := map[SectionOffset]AbbreviationTable{}

	decode := NewCursor(file.ByteOrder(), content)
	for !decode.HasReachedEnd() {
		tableId := SectionOffset(decode.Position)
		table := AbbreviationTable{}

		for {
			code, err := decode.ULEB128(64)
			if err != nil {
				return nil, symerr.Wrap(err, "failed to parse abbreviation code")
			}

			if code == 0 {
				break
			}

			tag, err := decode.ULEB128(64)
			if err != nil {
				return nil, symerr.Wrap(err, "failed to parse abbreviation tag")
			}

			hasChildren, err := decode.U8()
			if err != nil {
				return nil, symerr.Wrap(err, "failed to parse abbreviation hasChildren")
			}

			var specs []AttributeSpec
			for {
				attribute, err := decode.ULEB128(64)
				if err != nil {
					return nil, symerr.Wrap(err, "failed to parse abbreviation attribute")
				}

				format, err := decode.ULEB128(64)
				if err != nil {
					return nil, symerr.Wrap(err, "failed to parse abbreviation format")
				}

				var implicitConst int64
				if Format(format) == DW_FORM_implicit_const {
					implicitConst, err = decode.SLEB128(64)
					if err != nil {
						return nil, symerr.Wrap(err, "failed to parse abbreviation implicit const")
					}
				}

				if attribute == 0 {
					break
				}

				specs = append(
					specs,
					AttributeSpec{
						Attribute:          Attribute(attribute),
						Format:             Format(format),
						ImplicitConstValue: implicitConst,
					})
			}

			table[code] = &Abbreviation{
				Code:           code,
				Tag:            Tag(tag),
				HasChildren:    hasChildren != 0,
				AttributeSpecs: specs,
			}
		}

		tables[tableId] = table
	}

	return &AbbreviationSection{
		AbbreviationTables: tables,
	}, nil
}
