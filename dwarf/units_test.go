package dwarf

import (
	"testing"

	"github.com/pattyshack/gt/testing/expect"
	"github.com/pattyshack/gt/testing/suite"

	"github.com/module/symbolize/elf"
	"github.com/module/symbolize/internal/dwarftest"
	"github.com/module/symbolize/internal/elftest"
)

type UnitsSuite struct{}

func TestUnits(t *testing.T) {
	suite.RunTests(t, &UnitsSuite{})
}

const (
	atName      = 0x03
	atStmtList  = 0x10
	atLowPC     = 0x11
	atHighPC    = 0x12
	atLanguage  = 0x13
	atCompDir   = 0x1b
	atCallColumn = 0x57
	atCallFile   = 0x58
	atCallLine   = 0x59

	tagCompileUnit       = 0x11
	tagSubprogram        = 0x2e
	tagInlinedSubroutine = 0x1d
)

func buildDwarfFile(t *testing.T, root dwarftest.DIE, lineTable []byte) *File {
	abbrev := dwarftest.EncodeAbbrev([]dwarftest.DIE{root})
	info := dwarftest.EncodeCompileUnit(root)

	raw := elftest.Build(
		[]elftest.Section{
			{Name: ".debug_abbrev", Type: 1, Content: abbrev},
			{Name: ".debug_info", Type: 1, Content: info},
			{Name: ".debug_line", Type: 1, Content: lineTable},
		},
		nil,
		0)

	elfFile, err := elf.ParseBytes(raw)
	expect.Nil(t, err)

	file, err := NewFile(elfFile)
	expect.Nil(t, err)

	return file
}

func (UnitsSuite) TestFindFunctionAndLocation(t *testing.T) {
	root := dwarftest.DIE{
		AbbrevCode:  1,
		Tag:         tagCompileUnit,
		HasChildren: true,
		Attrs: []dwarftest.Attr{
			{At: atName, Form: dwarftest.FormString, Value: "unit1"},
			{At: atCompDir, Form: dwarftest.FormString, Value: "/src"},
			{At: atLowPC, Form: dwarftest.FormAddr, Value: uint64(0x1000)},
			{At: atHighPC, Form: dwarftest.FormData8, Value: uint64(0x10)},
			{At: atStmtList, Form: dwarftest.FormSecOffset, Value: uint64(0)},
		},
		Children: []dwarftest.DIE{
			{
				AbbrevCode: 3,
				Tag:        tagSubprogram,
				Attrs: []dwarftest.Attr{
					{At: atName, Form: dwarftest.FormString, Value: "plain_fn"},
					{At: atLowPC, Form: dwarftest.FormAddr, Value: uint64(0x1000)},
					{At: atHighPC, Form: dwarftest.FormData8, Value: uint64(0x10)},
				},
			},
		},
	}

	lineTable := dwarftest.EncodeLineTable(
		nil,
		[]dwarftest.LineProgramFile{{Name: "main.c", DirIndex: 0}},
		[]dwarftest.LineRow{{Addr: 0x1000, Line: 10}, {Addr: 0x1008, Line: 12}},
		0x1010)

	file := buildDwarfFile(t, root, lineTable)
	units := NewUnits(file)

	fn, unit, err := units.FindFunction(0x1005)
	expect.Nil(t, err)
	expect.NotNil(t, fn)
	expect.NotNil(t, unit)

	name, ok, err := fn.Name()
	expect.Nil(t, err)
	expect.True(t, ok)
	expect.Equal(t, "plain_fn", name)

	info, err := units.FindLocation(0x1005)
	expect.Nil(t, err)
	expect.NotNil(t, info)
	expect.Equal(t, uint32(10), info.Line)
	expect.Equal(t, "main.c", info.File)
	expect.Equal(t, "/src", info.Dir)

	info, err = units.FindLocation(0x1009)
	expect.Nil(t, err)
	expect.NotNil(t, info)
	expect.Equal(t, uint32(12), info.Line)

	fn, _, err = units.FindFunction(0x2000)
	expect.Nil(t, err)
	expect.Nil(t, fn)
}

func (UnitsSuite) TestFindInlinedStack(t *testing.T) {
	root := dwarftest.DIE{
		AbbrevCode:  1,
		Tag:         tagCompileUnit,
		HasChildren: true,
		Attrs: []dwarftest.Attr{
			{At: atName, Form: dwarftest.FormString, Value: "unit2"},
			{At: atCompDir, Form: dwarftest.FormString, Value: "/src"},
			{At: atLowPC, Form: dwarftest.FormAddr, Value: uint64(0x2000)},
			{At: atHighPC, Form: dwarftest.FormData8, Value: uint64(0x20)},
			{At: atStmtList, Form: dwarftest.FormSecOffset, Value: uint64(0)},
		},
		Children: []dwarftest.DIE{
			{
				AbbrevCode:  2,
				Tag:         tagSubprogram,
				HasChildren: true,
				Attrs: []dwarftest.Attr{
					{At: atName, Form: dwarftest.FormString, Value: "outer_fn"},
					{At: atLowPC, Form: dwarftest.FormAddr, Value: uint64(0x2000)},
					{At: atHighPC, Form: dwarftest.FormData8, Value: uint64(0x20)},
				},
				Children: []dwarftest.DIE{
					{
						AbbrevCode: 4,
						Tag:        tagInlinedSubroutine,
						Attrs: []dwarftest.Attr{
							{At: atName, Form: dwarftest.FormString, Value: "inlined_fn"},
							{At: atLowPC, Form: dwarftest.FormAddr, Value: uint64(0x2008)},
							{At: atHighPC, Form: dwarftest.FormData8, Value: uint64(0x8)},
							{At: atCallFile, Form: dwarftest.FormUdata, Value: uint64(1)},
							{At: atCallLine, Form: dwarftest.FormUdata, Value: uint64(42)},
							{At: atCallColumn, Form: dwarftest.FormUdata, Value: uint64(7)},
						},
					},
				},
			},
		},
	}

	lineTable := dwarftest.EncodeLineTable(
		nil,
		[]dwarftest.LineProgramFile{{Name: "main.c", DirIndex: 0}},
		[]dwarftest.LineRow{{Addr: 0x2000, Line: 100}, {Addr: 0x2008, Line: 101}},
		0x2020)

	file := buildDwarfFile(t, root, lineTable)
	units := NewUnits(file)

	fn, _, err := units.FindFunction(0x2008)
	expect.Nil(t, err)
	expect.NotNil(t, fn)

	name, _, err := fn.Name()
	expect.Nil(t, err)
	expect.Equal(t, "outer_fn", name)

	inlined, codeInfo, err := units.FindInlinedStack(0x2008, fn)
	expect.Nil(t, err)
	expect.Equal(t, 1, len(inlined))
	expect.Equal(t, "inlined_fn", inlined[0].Name)
	expect.NotNil(t, inlined[0].CodeInfo)
	expect.Equal(t, uint32(101), inlined[0].CodeInfo.Line)

	expect.NotNil(t, codeInfo)
	expect.Equal(t, uint32(42), codeInfo.Line)
	expect.Equal(t, uint16(7), codeInfo.Column)

	sym, reason, err := units.FindSym(0x2008, elf.FindSymOpts{CodeInfo: true, InlinedFns: true})
	expect.Nil(t, err)
	expect.Equal(t, elf.ReasonFound, reason)
	expect.NotNil(t, sym)
	expect.Equal(t, "outer_fn", sym.Name)
	expect.Equal(t, 1, len(sym.Inlined))
	expect.Equal(t, uint32(42), sym.CodeInfo.Line)
}

func (UnitsSuite) TestLanguage(t *testing.T) {
	expect.Equal(t, elf.SrcLangC, Language(DW_LANG_C))
	expect.Equal(t, elf.SrcLangRust, Language(DW_LANG_Rust))
	expect.Equal(t, elf.SrcLangGo, Language(DW_LANG_Go))
	expect.Equal(t, elf.SrcLangUnknown, Language(0xffff))
}
