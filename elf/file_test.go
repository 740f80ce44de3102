package elf

import (
	"bytes"
	"compress/zlib"
	"testing"

	"github.com/pattyshack/gt/testing/expect"
	"github.com/pattyshack/gt/testing/suite"

	"github.com/module/symbolize/internal/elftest"
)

type FileSuite struct{}

func TestFile(t *testing.T) {
	suite.RunTests(t, &FileSuite{})
}

// textSection builds a minimal PROGBITS .text section covering
// [0x1000, 0x1000+size).
func textSection(size uint64) elftest.Section {
	return elftest.Section{
		Name:    ".text",
		Type:    1, // SHT_PROGBITS
		Flags:   uint64(SectionOccupiesMemory | SectionContainsInstructions),
		Addr:    0x1000,
		Content: make([]byte, size),
	}
}

func (FileSuite) TestParseHeaderAndSections(t *testing.T) {
	sym, name := elftest.EncodeStrTab([]string{"main"})

	symtab := elftest.Section{
		Name: ".symtab",
		Type: 2,
		Content: elftest.EncodeSymbols([]elftest.Symbol{
			{
				NameIndex:    name["main"],
				Info:         elftest.SymbolInfo(1, byte(SymbolTypeFunction)),
				SectionIndex: 1,
				Value:        0x1000,
				Size:         0x10,
			},
		}),
		Link:    3,
		EntSize: 24,
	}
	strtab := elftest.Section{Name: ".strtab", Type: 3, Content: sym}

	raw := elftest.Build([]elftest.Section{textSection(0x10), symtab, strtab}, nil, 0x1000)

	file, err := ParseBytes(raw)
	expect.Nil(t, err)
	expect.Equal(t, FileTypeExecutable, file.FileType)
	expect.Equal(t, MachineArchitectureX86_64, file.MachineArchitecture)
	expect.Equal(t, uint64(0x1000), file.EntryPointAddress)

	idx, ok := file.FindSectionByName(".text")
	expect.True(t, ok)
	expect.Equal(t, ".text", file.Sections[idx].Name())

	_, ok = file.FindSectionByName(".does.not.exist")
	expect.False(t, ok)

	table := file.SelectedSymbolTable()
	expect.NotNil(t, table)
	expect.Equal(t, 1, len(table.Symbols))
	expect.Equal(t, "main", table.Symbols[0].Name)
}

func (FileSuite) TestSelectedSymbolTablePrefersSymtabOverDynsym(t *testing.T) {
	_, dynName := elftest.EncodeStrTab([]string{"dyn_fn"})
	_, statName := elftest.EncodeStrTab([]string{"stat_fn"})

	dynstr := elftest.Section{Name: ".dynstr", Type: 3, Content: mustStrTab([]string{"dyn_fn"})}
	dynsym := elftest.Section{
		Name: ".dynsym",
		Type: 11, // SHT_DYNSYM
		Content: elftest.EncodeSymbols([]elftest.Symbol{
			{NameIndex: dynName["dyn_fn"], Info: elftest.SymbolInfo(1, byte(SymbolTypeFunction)), SectionIndex: 1, Value: 0x1000, Size: 8},
		}),
		Link: 0, // set below
	}

	strtab := elftest.Section{Name: ".strtab", Type: 3, Content: mustStrTab([]string{"stat_fn"})}
	symtab := elftest.Section{
		Name: ".symtab",
		Type: 2,
		Content: elftest.EncodeSymbols([]elftest.Symbol{
			{NameIndex: statName["stat_fn"], Info: elftest.SymbolInfo(1, byte(SymbolTypeFunction)), SectionIndex: 1, Value: 0x1000, Size: 8},
		}),
	}

	sections := []elftest.Section{textSection(0x10), dynstr, dynsym, strtab, symtab}
	// sh_link indices: 0=null,1=.text,2=.dynstr,3=.dynsym,4=.strtab,5=.symtab
	sections[2].Link = 2 // .dynsym -> .dynstr
	sections[4].Link = 4 // .symtab -> .strtab

	raw := elftest.Build(sections, nil, 0x1000)
	file, err := ParseBytes(raw)
	expect.Nil(t, err)

	table := file.SelectedSymbolTable()
	expect.NotNil(t, table)
	expect.Equal(t, "stat_fn", table.Symbols[0].Name)
}

func mustStrTab(names []string) []byte {
	content, _ := elftest.EncodeStrTab(names)
	return content
}

func (FileSuite) TestBuildID(t *testing.T) {
	note := elftest.EncodeNote("GNU", 3, []byte{0xde, 0xad, 0xbe, 0xef})
	noteSection := elftest.Section{
		Name:    ".note.gnu.build-id",
		Type:    7, // SHT_NOTE
		Content: note,
	}

	raw := elftest.Build([]elftest.Section{noteSection}, nil, 0)
	file, err := ParseBytes(raw)
	expect.Nil(t, err)

	id, ok := file.BuildID()
	expect.True(t, ok)
	expect.Equal(t, []byte{0xde, 0xad, 0xbe, 0xef}, id)
}

func (FileSuite) TestBuildIDAbsentWhenNoNoteSection(t *testing.T) {
	raw := elftest.Build([]elftest.Section{textSection(4)}, nil, 0)
	file, err := ParseBytes(raw)
	expect.Nil(t, err)

	_, ok := file.BuildID()
	expect.False(t, ok)
}

func (FileSuite) TestFileOffsetToVirtAddr(t *testing.T) {
	text := textSection(0x100)
	raw := elftest.Build(
		[]elftest.Section{text},
		[]elftest.Segment{
			{
				Type:   1, // PT_LOAD
				Flags:  5,
				Offset: 0,
				VAddr:  0,
				FileSz: 0x2000,
				MemSz:  0x2000,
				Align:  0x1000,
			},
		},
		0x1000)

	file, err := ParseBytes(raw)
	expect.Nil(t, err)

	addr, ok := file.FileOffsetToVirtAddr(0x1000)
	expect.True(t, ok)
	expect.Equal(t, FileAddress(0x1000), addr)

	_, ok = file.FileOffsetToVirtAddr(0x5000)
	expect.False(t, ok)
}

func (FileSuite) TestParseRejectsBadMagic(t *testing.T) {
	raw := elftest.Build([]elftest.Section{textSection(4)}, nil, 0)
	raw[0] = 0x00

	_, err := ParseBytes(raw)
	expect.Error(t, err)
}

func (FileSuite) TestSectionDataDecompressesZlibAndCaches(t *testing.T) {
	original := bytes.Repeat([]byte("line number program bytes"), 4)

	var compressed bytes.Buffer
	w := zlib.NewWriter(&compressed)
	_, err := w.Write(original)
	expect.Nil(t, err)
	expect.Nil(t, w.Close())

	content := make([]byte, 0, 24+compressed.Len())
	hdr := make([]byte, 24)
	// Elf64_Chdr: ch_type(4) ch_reserved(4) ch_size(8) ch_addralign(8)
	hdr[0] = 1 // ELFCOMPRESS_ZLIB
	putLE64(hdr[8:], uint64(len(original)))
	putLE64(hdr[16:], 8)
	content = append(content, hdr...)
	content = append(content, compressed.Bytes()...)

	section := elftest.Section{
		Name:    ".debug_info",
		Type:    1,
		Flags:   uint64(SectionIsCompressed),
		Content: content,
	}

	raw := elftest.Build([]elftest.Section{section}, nil, 0)
	file, err := ParseBytes(raw)
	expect.Nil(t, err)

	s, ok := file.GetSection(".debug_info")
	expect.True(t, ok)

	raw1, err := s.RawContent()
	expect.Nil(t, err)
	expect.Equal(t, original, raw1)

	raw2, err := s.RawContent()
	expect.Nil(t, err)
	expect.True(t, &raw1[0] == &raw2[0])
}

func putLE64(b []byte, v uint64) {
	for i := 0; i < 8; i++ {
		b[i] = byte(v >> (8 * i))
	}
}
