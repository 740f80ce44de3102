package symbolize

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/pattyshack/gt/testing/expect"
	"github.com/pattyshack/gt/testing/suite"

	"github.com/module/symbolize/elf"
	"github.com/module/symbolize/internal/dwarftest"
	"github.com/module/symbolize/internal/elftest"
)

type CacheSuite struct{}

func TestCache(t *testing.T) {
	suite.RunTests(t, &CacheSuite{})
}

const (
	atName     = 0x03
	atStmtList = 0x10
	atLowPC    = 0x11
	atHighPC   = 0x12
	atCompDir  = 0x1b

	tagCompileUnit = 0x11
	tagSubprogram  = 0x2e
)

func textSection(size uint64) elftest.Section {
	return elftest.Section{
		Name:    ".text",
		Type:    1, // SHT_PROGBITS
		Flags:   uint64(elf.SectionOccupiesMemory | elf.SectionContainsInstructions),
		Addr:    0x1000,
		Content: make([]byte, size),
	}
}

// writeBinary builds an ELF image with a .symtab entry for elf_only_fn at
// [0x1000, 0x1010) plus, when withDwarf is true, a DWARF compile unit
// whose sole subprogram dwarf_fn covers [0x2000, 0x2010) - disjoint from
// the symtab entry, so FindSym at each address exercises a different
// half of the DWARF-preferred/ELF-fallback policy. It is written to a
// temp file since Cache keys resolvers by on-disk path.
func writeBinary(t *testing.T, withDwarf bool) string {
	strtabContent, nameOffset := elftest.EncodeStrTab([]string{"elf_only_fn"})
	strtab := elftest.Section{Name: ".strtab", Type: 3, Content: strtabContent}
	symtab := elftest.Section{
		Name: ".symtab",
		Type: 2,
		Content: elftest.EncodeSymbols([]elftest.Symbol{
			{
				NameIndex:    nameOffset["elf_only_fn"],
				Info:         elftest.SymbolInfo(1, byte(elf.SymbolTypeFunction)),
				SectionIndex: 1,
				Value:        0x1000,
				Size:         0x10,
			},
		}),
		Link: 2, // .text=1, .strtab=2
	}

	sections := []elftest.Section{textSection(0x10), strtab, symtab}

	if withDwarf {
		root := dwarftest.DIE{
			AbbrevCode:  1,
			Tag:         tagCompileUnit,
			HasChildren: true,
			Attrs: []dwarftest.Attr{
				{At: atName, Form: dwarftest.FormString, Value: "unit1"},
				{At: atCompDir, Form: dwarftest.FormString, Value: "/src"},
				{At: atLowPC, Form: dwarftest.FormAddr, Value: uint64(0x2000)},
				{At: atHighPC, Form: dwarftest.FormData8, Value: uint64(0x10)},
				{At: atStmtList, Form: dwarftest.FormSecOffset, Value: uint64(0)},
			},
			Children: []dwarftest.DIE{
				{
					AbbrevCode: 3,
					Tag:        tagSubprogram,
					Attrs: []dwarftest.Attr{
						{At: atName, Form: dwarftest.FormString, Value: "dwarf_fn"},
						{At: atLowPC, Form: dwarftest.FormAddr, Value: uint64(0x2000)},
						{At: atHighPC, Form: dwarftest.FormData8, Value: uint64(0x10)},
					},
				},
			},
		}

		lineTable := dwarftest.EncodeLineTable(
			nil,
			[]dwarftest.LineProgramFile{{Name: "main.c", DirIndex: 0}},
			[]dwarftest.LineRow{{Addr: 0x2000, Line: 55}},
			0x2010)

		sections = append(sections,
			elftest.Section{Name: ".debug_abbrev", Type: 1, Content: dwarftest.EncodeAbbrev([]dwarftest.DIE{root})},
			elftest.Section{Name: ".debug_info", Type: 1, Content: dwarftest.EncodeCompileUnit(root)},
			elftest.Section{Name: ".debug_line", Type: 1, Content: lineTable})
	}

	raw := elftest.Build(
		sections,
		[]elftest.Segment{
			{Type: 1, Flags: 5, Offset: 0, VAddr: 0, FileSz: 0x3000, MemSz: 0x3000, Align: 0x1000},
		},
		0x1000)

	path := filepath.Join(t.TempDir(), "binary")
	expect.Nil(t, os.WriteFile(path, raw, 0o644))
	return path
}

func (CacheSuite) TestElfOnlyResolverFindsSymtabEntry(t *testing.T) {
	path := writeBinary(t, false)

	cache := NewCache()
	resolver, err := cache.Symbolize(path, false)
	expect.Nil(t, err)
	expect.NotNil(t, resolver)

	sym, reason, err := resolver.FindSym(0x1005, FindSymOpts{})
	expect.Nil(t, err)
	expect.Equal(t, "found", reason.String())
	expect.NotNil(t, sym)
	expect.Equal(t, "elf_only_fn", sym.Name)
}

func (CacheSuite) TestSameCacheEntryReturnsSameResolverInstance(t *testing.T) {
	path := writeBinary(t, false)

	cache := NewCache()
	first, err := cache.Symbolize(path, false)
	expect.Nil(t, err)

	second, err := cache.Symbolize(path, false)
	expect.Nil(t, err)

	expect.True(t, first.(*Resolver) == second.(*Resolver))
}

func (CacheSuite) TestElfOnlyAndDwarfCellsAreDistinctButShareElfFile(t *testing.T) {
	path := writeBinary(t, true)

	cache := NewCache()
	elfOnly, err := cache.Symbolize(path, false)
	expect.Nil(t, err)

	withDwarf, err := cache.Symbolize(path, true)
	expect.Nil(t, err)

	elfResolver := elfOnly.(*Resolver)
	dwarfResolver := withDwarf.(*Resolver)

	expect.True(t, elfResolver != dwarfResolver)
	expect.False(t, elfResolver.hasDwarf())
	expect.True(t, dwarfResolver.hasDwarf())

	// Both cells were built from the same cacheEntry, so openElf must have
	// handed out one shared *elf.File rather than parsing the image twice.
	expect.True(t, elfResolver.elfFile == dwarfResolver.elfFile)
}

func (CacheSuite) TestDwarfPreferredElfFallback(t *testing.T) {
	path := writeBinary(t, true)

	cache := NewCache()
	resolver, err := cache.Symbolize(path, true)
	expect.Nil(t, err)

	// dwarf_fn is only known to DWARF.
	sym, reason, err := resolver.FindSym(0x2005, FindSymOpts{CodeInfo: true})
	expect.Nil(t, err)
	expect.Equal(t, "found", reason.String())
	expect.NotNil(t, sym)
	expect.Equal(t, "dwarf_fn", sym.Name)
	expect.NotNil(t, sym.CodeInfo)
	expect.Equal(t, uint32(55), sym.CodeInfo.Line)

	// elf_only_fn has no DWARF subprogram covering it, so DWARF misses and
	// the ELF symbol table answers instead; since DWARF is present, the
	// fallback path still asks it for a source location, which here comes
	// back nil (0x1005 falls outside any compile unit's range).
	sym, reason, err = resolver.FindSym(0x1005, FindSymOpts{CodeInfo: true})
	expect.Nil(t, err)
	expect.Equal(t, "found", reason.String())
	expect.NotNil(t, sym)
	expect.Equal(t, "elf_only_fn", sym.Name)
	expect.Nil(t, sym.CodeInfo)

	// An address covered by neither backend reports NoSymbol.
	sym, reason, err = resolver.FindSym(0x9000, FindSymOpts{})
	expect.Nil(t, err)
	expect.Equal(t, "no symbol", reason.String())
	expect.Nil(t, sym)
}

func (CacheSuite) TestFindAddrDwarfPreferredElfFallback(t *testing.T) {
	path := writeBinary(t, true)

	cache := NewCache()
	resolver, err := cache.Symbolize(path, true)
	expect.Nil(t, err)

	syms, err := resolver.FindAddr("dwarf_fn", FindAddrOpts{})
	expect.Nil(t, err)
	expect.Equal(t, 1, len(syms))
	expect.Equal(t, FileAddress(0x2000), syms[0].Addr)

	// elf_only_fn exists solely in the ELF symbol table, never in DWARF's
	// per-unit name index, so the DWARF-first lookup must fall through.
	syms, err = resolver.FindAddr("elf_only_fn", FindAddrOpts{})
	expect.Nil(t, err)
	expect.Equal(t, 1, len(syms))
	expect.Equal(t, FileAddress(0x1000), syms[0].Addr)

	syms, err = resolver.FindAddr("does_not_exist", FindAddrOpts{})
	expect.Nil(t, err)
	expect.Equal(t, 0, len(syms))
}

func (CacheSuite) TestForEachStreamsElfSymbolsRegardlessOfDwarf(t *testing.T) {
	for _, withDwarf := range []bool{false, true} {
		path := writeBinary(t, withDwarf)

		cache := NewCache()
		resolver, err := cache.Inspect(path, withDwarf)
		expect.Nil(t, err)

		var names []string
		err = resolver.ForEach(FindAddrOpts{}, func(sym SymInfo) error {
			names = append(names, sym.Name)
			return nil
		})
		expect.Nil(t, err)
		expect.Equal(t, []string{"elf_only_fn"}, names)
	}
}

func (CacheSuite) TestTranslateFileOffset(t *testing.T) {
	path := writeBinary(t, false)

	cache := NewCache()
	translator, err := cache.TranslateFileOffset(path)
	expect.Nil(t, err)

	addr, ok := translator.FileOffsetToVirtAddr(0x1000)
	expect.True(t, ok)
	expect.Equal(t, FileAddress(0x1000), addr)

	_, ok = translator.FileOffsetToVirtAddr(0x10000)
	expect.False(t, ok)
}

func (CacheSuite) TestSymbolizeFailsOnMissingFile(t *testing.T) {
	cache := NewCache()
	_, err := cache.Symbolize(filepath.Join(t.TempDir(), "does-not-exist"), false)
	expect.Error(t, err)
}
