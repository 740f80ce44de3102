package elf

import (
	"testing"

	"github.com/pattyshack/gt/testing/expect"
	"github.com/pattyshack/gt/testing/suite"

	"github.com/module/symbolize/internal/elftest"
	"github.com/module/symbolize/symerr"
)

type ResolveSuite struct{}

func TestResolve(t *testing.T) {
	suite.RunTests(t, &ResolveSuite{})
}

func buildWithSymbols(symbols []elftest.Symbol, names []string) *File {
	strtabContent, nameOffset := elftest.EncodeStrTab(names)
	for i := range symbols {
		symbols[i].NameIndex = nameOffset[names[symbols[i].NameIndex]]
	}

	strtab := elftest.Section{Name: ".strtab", Type: 3, Content: strtabContent}
	symtab := elftest.Section{
		Name:    ".symtab",
		Type:    2,
		Content: elftest.EncodeSymbols(symbols),
		Link:    2, // .text=1, .strtab=2
	}

	raw := elftest.Build(
		[]elftest.Section{textSection(0x10000), strtab, symtab},
		nil,
		0)

	file, err := ParseBytes(raw)
	if err != nil {
		panic(err)
	}
	return file
}

// names passed as the symbol's NameIndex field here is an index into the
// `names` slice, translated to a real string-table offset by
// buildWithSymbols; this keeps test cases declarative.
func sym(nameIdx uint32, value, size uint64, typ SymbolType) elftest.Symbol {
	return elftest.Symbol{
		NameIndex:    nameIdx,
		Info:         elftest.SymbolInfo(1, byte(typ)),
		SectionIndex: 1,
		Value:        value,
		Size:         size,
	}
}

func (ResolveSuite) TestFindSymExactAndBoundaries(t *testing.T) {
	file := buildWithSymbols(
		[]elftest.Symbol{
			sym(0, 0x1000, 0x10, SymbolTypeFunction), // "foo" [0x1000, 0x1010)
		},
		[]string{"foo"})

	result, reason, err := file.FindSym(0x1000, FindSymOpts{})
	expect.Nil(t, err)
	expect.Equal(t, ReasonFound, reason)
	expect.NotNil(t, result)
	expect.Equal(t, "foo", result.Name)

	result, reason, err = file.FindSym(0x100f, FindSymOpts{})
	expect.Nil(t, err)
	expect.Equal(t, ReasonFound, reason)
	expect.NotNil(t, result)

	// end is exclusive
	result, reason, err = file.FindSym(0x1010, FindSymOpts{})
	expect.Nil(t, err)
	expect.Equal(t, ReasonNoSymbol, reason)
	expect.Nil(t, result)
}

func (ResolveSuite) TestFindSymTieBreakPrefersLargerThenFunction(t *testing.T) {
	file := buildWithSymbols(
		[]elftest.Symbol{
			sym(0, 0x1000, 0x4, SymbolTypeObject),   // "small_var"
			sym(1, 0x1000, 0x10, SymbolTypeFunction), // "big_fn" - larger, wins
		},
		[]string{"small_var", "big_fn"})

	result, _, err := file.FindSym(0x1000, FindSymOpts{})
	expect.Nil(t, err)
	expect.NotNil(t, result)
	expect.Equal(t, "big_fn", result.Name)
}

func (ResolveSuite) TestFindSymTieBreakSameSizePrefersFunction(t *testing.T) {
	file := buildWithSymbols(
		[]elftest.Symbol{
			sym(0, 0x1000, 0x10, SymbolTypeObject),
			sym(1, 0x1000, 0x10, SymbolTypeFunction),
		},
		[]string{"a_var", "a_fn"})

	result, _, err := file.FindSym(0x1000, FindSymOpts{})
	expect.Nil(t, err)
	expect.NotNil(t, result)
	expect.Equal(t, "a_fn", result.Name)
}

func (ResolveSuite) TestFindSymNoSymtabSection(t *testing.T) {
	raw := elftest.Build([]elftest.Section{textSection(4)}, nil, 0)
	file, err := ParseBytes(raw)
	expect.Nil(t, err)

	result, reason, err := file.FindSym(0x1000, FindSymOpts{})
	expect.Nil(t, err)
	expect.Equal(t, ReasonUnknownSection, reason)
	expect.Nil(t, result)
}

func (ResolveSuite) TestFindAddrFiltersByType(t *testing.T) {
	file := buildWithSymbols(
		[]elftest.Symbol{
			sym(0, 0x1000, 0x10, SymbolTypeFunction),
			sym(1, 0x2000, 0x8, SymbolTypeObject),
		},
		[]string{"shared_name", "shared_name"})

	funcs, err := file.FindAddr("shared_name", FindAddrOpts{SymType: SymTypeFunction})
	expect.Nil(t, err)
	expect.Equal(t, 1, len(funcs))
	expect.Equal(t, FileAddress(0x1000), funcs[0].Addr)

	vars, err := file.FindAddr("shared_name", FindAddrOpts{SymType: SymTypeVariable})
	expect.Nil(t, err)
	expect.Equal(t, 1, len(vars))
	expect.Equal(t, FileAddress(0x2000), vars[0].Addr)

	all, err := file.FindAddr("shared_name", FindAddrOpts{})
	expect.Nil(t, err)
	expect.Equal(t, 2, len(all))
}

func (ResolveSuite) TestFindAddrFileOffset(t *testing.T) {
	file := buildWithSymbols(
		[]elftest.Symbol{sym(0, 0x1000, 0x10, SymbolTypeFunction)},
		[]string{"foo"})

	// no PT_LOAD segments in this fixture, so no file offset is resolvable.
	result, err := file.FindAddr("foo", FindAddrOpts{FileOffset: true})
	expect.Nil(t, err)
	expect.Equal(t, 1, len(result))
	expect.Nil(t, result[0].FileOffset)
}

func (ResolveSuite) TestForEachStreamsEverySymbol(t *testing.T) {
	file := buildWithSymbols(
		[]elftest.Symbol{
			sym(0, 0x1000, 0x10, SymbolTypeFunction),
			sym(1, 0x2000, 0x8, SymbolTypeObject),
		},
		[]string{"foo", "bar"})

	var names []string
	err := file.ForEach(FindAddrOpts{}, func(info SymInfo) error {
		names = append(names, info.Name)
		return nil
	})
	expect.Nil(t, err)
	expect.Equal(t, []string{"foo", "bar"}, names)
}

func (ResolveSuite) TestForEachFiltersByType(t *testing.T) {
	file := buildWithSymbols(
		[]elftest.Symbol{
			sym(0, 0x1000, 0x10, SymbolTypeFunction),
			sym(1, 0x2000, 0x8, SymbolTypeObject),
		},
		[]string{"foo", "bar"})

	var names []string
	err := file.ForEach(FindAddrOpts{SymType: SymTypeVariable}, func(info SymInfo) error {
		names = append(names, info.Name)
		return nil
	})
	expect.Nil(t, err)
	expect.Equal(t, []string{"bar"}, names)
}

func (ResolveSuite) TestForEachStopsOnVisitorError(t *testing.T) {
	file := buildWithSymbols(
		[]elftest.Symbol{
			sym(0, 0x1000, 0x10, SymbolTypeFunction),
			sym(1, 0x2000, 0x8, SymbolTypeObject),
		},
		[]string{"foo", "bar"})

	stop := symerr.New(symerr.Other, "stop")
	var seen int
	err := file.ForEach(FindAddrOpts{}, func(info SymInfo) error {
		seen++
		return stop
	})
	expect.True(t, err == stop)
	expect.Equal(t, 1, seen)
}

func (ResolveSuite) TestReasonString(t *testing.T) {
	expect.Equal(t, "found", ReasonFound.String())
	expect.Equal(t, "no symbol", ReasonNoSymbol.String())
	expect.Equal(t, "unknown section", ReasonUnknownSection.String())
}

func (ResolveSuite) TestSrcLangString(t *testing.T) {
	expect.Equal(t, "C", SrcLangC.String())
	expect.Equal(t, "C++", SrcLangCpp.String())
	expect.Equal(t, "Rust", SrcLangRust.String())
	expect.Equal(t, "Go", SrcLangGo.String())
	expect.Equal(t, "unknown", SrcLangUnknown.String())
}
