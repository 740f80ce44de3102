package dwarf

import (
	"sort"
	"sync"

	"github.com/module/symbolize/elf"
	"github.com/module/symbolize/symerr"
)

// Language maps a DW_AT_language attribute value to the coarse SrcLang
// bucket symbolize reports. Values this engine has no opinion about
// (and ones DWARF hasn't assigned yet) report SrcLangUnknown.
func Language(lang uint64) elf.SrcLang {
	switch lang {
	case DW_LANG_C89, DW_LANG_C, DW_LANG_C99, DW_LANG_C11, DW_LANG_C17:
		return elf.SrcLangC
	case DW_LANG_C_plus_plus, DW_LANG_C_plus_plus_03, DW_LANG_C_plus_plus_11,
		DW_LANG_C_plus_plus_14, DW_LANG_ObjC_plus_plus:
		return elf.SrcLangCpp
	case DW_LANG_Rust:
		return elf.SrcLangRust
	case DW_LANG_Go:
		return elf.SrcLangGo
	default:
		return elf.SrcLangUnknown
	}
}

// unitInterval is one contiguous address range belonging to a compile
// unit, flattened out of that unit's (possibly discontiguous)
// DW_AT_ranges/DW_AT_low_pc+high_pc so the index can binary search over
// plain [low, high) spans.
type unitInterval struct {
	low  elf.FileAddress
	high elf.FileAddress
	unit *CompileUnit
}

// Units composes InformationSection and LineSection into the
// address-centric queries symbolize actually needs: which function and
// source location an address falls in, and the flattened stack of
// inlined calls leading to it. It builds a sorted, non-overlapping
// interval index over every compile unit's address ranges on first use
// so repeated lookups are O(log N) in the number of units rather than
// the linear scan InformationSection.CompileUnitContainingAddress does
// on its own.
type Units struct {
	file *File

	once      sync.Once
	buildErr  error
	intervals []unitInterval
}

func NewUnits(file *File) *Units {
	return &Units{file: file}
}

func (u *Units) build() error {
	u.once.Do(func() {
		var intervals []unitInterval
		for _, unit := range u.file.CompileUnits {
			root, err := unit.Root()
			if err != nil {
				u.buildErr = err
				return
			}

			ranges, err := root.AddressRanges()
			if err != nil {
				u.buildErr = err
				return
			}

			for _, r := range ranges {
				intervals = append(intervals, unitInterval{low: r.Low, high: r.High, unit: unit})
			}
		}

		sort.Slice(intervals, func(i, j int) bool { return intervals[i].low < intervals[j].low })
		u.intervals = intervals
	})

	return u.buildErr
}

// findUnit binary searches the interval index for the compile unit
// whose address range contains addr. Relies on unit ranges never
// overlapping: the only interval that can possibly contain addr is the
// one with the largest low <= addr.
func (u *Units) findUnit(addr elf.FileAddress) (*CompileUnit, error) {
	if err := u.build(); err != nil {
		return nil, err
	}

	idx := sort.Search(len(u.intervals), func(i int) bool { return u.intervals[i].low > addr })
	if idx == 0 {
		return nil, nil
	}

	iv := u.intervals[idx-1]
	if addr < iv.high {
		return iv.unit, nil
	}

	return nil, nil
}

// FindFunction resolves addr to the DW_TAG_subprogram entry whose
// address range contains it, along with the compile unit it belongs to.
// Returns (nil, nil, nil) if no function claims addr.
func (u *Units) FindFunction(
	addr elf.FileAddress,
) (
	*DebugInfoEntry,
	*CompileUnit,
	error,
) {
	unit, err := u.findUnit(addr)
	if err != nil {
		return nil, nil, err
	}
	if unit == nil {
		return nil, nil, nil
	}

	var result *DebugInfoEntry
	earlyExit := symerr.New(symerr.Other, "early exit")

	retErr := unit.ForEach(func(entry *DebugInfoEntry) error {
		if entry.Tag != DW_TAG_subprogram {
			return nil
		}

		ok, err := entry.ContainsAddress(addr)
		if err != nil {
			return err
		}

		if ok {
			result = entry
			return earlyExit
		}

		return nil
	})

	if retErr == earlyExit {
		return result, unit, nil
	}
	if retErr != nil {
		return nil, nil, retErr
	}

	return nil, nil, nil
}

// FindLocation resolves addr to the source location the line program
// claims for it, or (nil, nil) if addr falls outside every compile
// unit's range.
func (u *Units) FindLocation(addr elf.FileAddress) (*elf.CodeInfo, error) {
	unit, err := u.findUnit(addr)
	if err != nil {
		return nil, err
	}
	if unit == nil {
		return nil, nil
	}

	entry, err := unit.GetLineEntryByAddress(addr)
	if err != nil {
		return nil, err
	}
	if entry == nil {
		return nil, nil
	}

	return lineEntryCodeInfo(entry), nil
}

func lineEntryCodeInfo(entry *LineEntry) *elf.CodeInfo {
	if entry.FileEntry == nil {
		return nil
	}

	return &elf.CodeInfo{
		Dir:    fileEntryDir(entry.FileEntry),
		File:   entry.FileEntry.Name,
		Line:   uint32(entry.Line),
		Column: clampColumn(entry.Column),
	}
}

func fileEntryDir(entry *FileEntry) string {
	if entry.DirIndex >= uint64(len(entry.IncludedDirectories)) {
		return ""
	}
	return entry.IncludedDirectories[entry.DirIndex]
}

func clampColumn(column uint64) uint16 {
	if column > 0xffff {
		return 0xffff
	}
	return uint16(column)
}

// callSiteCodeInfo reads the call-site location DW_AT_call_file/
// call_line/call_column record on a DW_TAG_inlined_subroutine entry -
// where the caller was standing when it called into what got inlined.
func callSiteCodeInfo(entry *DebugInfoEntry) (*elf.CodeInfo, error) {
	fileEntry, err := entry.FileEntry()
	if err != nil {
		return nil, err
	}
	if fileEntry == nil {
		return nil, nil
	}

	line, _ := entry.Line()
	column, _ := entry.Uint(DW_AT_call_column)

	return &elf.CodeInfo{
		Dir:    fileEntryDir(fileEntry),
		File:   fileEntry.Name,
		Line:   uint32(line),
		Column: clampColumn(column),
	}, nil
}

// inlinedChildContaining returns entry's DW_TAG_inlined_subroutine child
// whose range contains addr, or nil if none does.
func inlinedChildContaining(
	entry *DebugInfoEntry,
	addr elf.FileAddress,
) (
	*DebugInfoEntry,
	error,
) {
	for _, child := range entry.Children {
		if child.Tag != DW_TAG_inlined_subroutine {
			continue
		}

		ok, err := child.ContainsAddress(addr)
		if err != nil {
			return nil, err
		}
		if ok {
			return child, nil
		}
	}

	return nil, nil
}

// inlineChain descends from fn through nested DW_TAG_inlined_subroutine
// children that contain addr, returning the chain outermost-first (an
// empty chain means addr isn't inside any inlined call).
func inlineChain(fn *DebugInfoEntry, addr elf.FileAddress) ([]*DebugInfoEntry, error) {
	var chain []*DebugInfoEntry
	current := fn

	for {
		child, err := inlinedChildContaining(current, addr)
		if err != nil {
			return nil, err
		}
		if child == nil {
			return chain, nil
		}

		chain = append(chain, child)
		current = child
	}
}

// FindInlinedStack flattens the chain of DW_TAG_inlined_subroutine
// entries inlined into fn at addr into innermost-first frames, and
// returns the CodeInfo fn itself should report.
//
// The line program only ever records where execution actually is, which
// is the innermost frame's location; everything above it - every other
// inlined frame and fn's own reported location - is the call site
// recorded on the frame one level in, per DWARF's call_file/call_line/
// call_column attributes on DW_TAG_inlined_subroutine. So the call-site
// attributes shift outward by one frame: the innermost frame keeps the
// line program's answer for addr, frame j (j >= 1) takes frame j-1's
// call site, and fn's own CodeInfo takes the outermost inlined frame's
// call site (or, with no inlining at all, addr's line program location
// directly).
func (u *Units) FindInlinedStack(
	addr elf.FileAddress,
	fn *DebugInfoEntry,
) (
	[]elf.InlinedFn,
	*elf.CodeInfo,
	error,
) {
	chain, err := inlineChain(fn, addr)
	if err != nil {
		return nil, nil, err
	}

	if len(chain) == 0 {
		codeInfo, err := u.FindLocation(addr)
		if err != nil {
			return nil, nil, err
		}
		return nil, codeInfo, nil
	}

	n := len(chain)
	innermostFirst := make([]*DebugInfoEntry, n)
	for i, entry := range chain {
		innermostFirst[n-1-i] = entry
	}

	inlined := make([]elf.InlinedFn, n)
	for j, entry := range innermostFirst {
		name, _, err := entry.Name()
		if err != nil {
			return nil, nil, err
		}

		var codeInfo *elf.CodeInfo
		if j == 0 {
			codeInfo, err = u.FindLocation(addr)
		} else {
			codeInfo, err = callSiteCodeInfo(innermostFirst[j-1])
		}
		if err != nil {
			return nil, nil, err
		}

		inlined[j] = elf.InlinedFn{Name: name, CodeInfo: codeInfo}
	}

	fnCodeInfo, err := callSiteCodeInfo(innermostFirst[n-1])
	if err != nil {
		return nil, nil, err
	}

	return inlined, fnCodeInfo, nil
}

// FindByName returns every DW_TAG_subprogram/DW_TAG_inlined_subroutine
// entry (across every compile unit) named name and carrying at least one
// address range.
func (u *Units) FindByName(name string) ([]*DebugInfoEntry, error) {
	return u.file.FunctionEntriesWithName(name)
}

// FindAddr is FindByName shaped into elf.SymInfo results, the same
// contract as elf.File.FindAddr. Variable lookups aren't supported:
// DWARF indexes code by containment, not a flat name table, and this
// engine never built a name index over DW_TAG_variable.
func (u *Units) FindAddr(name string, opts elf.FindAddrOpts) ([]elf.SymInfo, error) {
	if opts.SymType == elf.SymTypeVariable {
		return nil, symerr.New(symerr.Unsupported, "dwarf.Units.FindAddr does not support variable lookups")
	}

	entries, err := u.FindByName(name)
	if err != nil {
		return nil, err
	}

	var result []elf.SymInfo
	for _, entry := range entries {
		ranges, err := entry.AddressRanges()
		if err != nil {
			return nil, err
		}
		if len(ranges) == 0 {
			continue
		}

		low, high := ranges[0].Low, ranges[0].High
		for _, r := range ranges[1:] {
			if r.Low < low {
				low = r.Low
			}
			if r.High > high {
				high = r.High
			}
		}

		result = append(result, elf.SymInfo{
			Name:        name,
			Addr:        low,
			Size:        uint64(high - low),
			SymType:     elf.SymTypeFunction,
			ObjFileName: u.file.Path(),
		})
	}

	return result, nil
}

// ForEach is deliberately unsupported: walking every DIE in every
// compile unit just to answer one address/name query defeats the point
// of the interval index above. symbolize.Resolver.ForEach calls this
// first (the argument is unused - it always declines before looking at
// it) so the DWARF side is consistently asked before ELF, the same
// shape as FindSym/FindAddr; its Unsupported answer tells the caller to
// fall back to the ELF symbol table, which is where iteration actually
// happens.
func (u *Units) ForEach(ProcessFunc) error {
	return symerr.New(symerr.Unsupported, "dwarf.Units does not support full iteration")
}

// FindSym is the DWARF-backed half of symbolize.Resolver.FindSym: resolve
// addr to its containing function, then, per opts, enrich it with source
// location and/or the inlined call stack flattened into it.
func (u *Units) FindSym(
	addr elf.FileAddress,
	opts elf.FindSymOpts,
) (
	*elf.ResolvedSym,
	elf.Reason,
	error,
) {
	fn, unit, err := u.FindFunction(addr)
	if err != nil {
		return nil, elf.ReasonFound, err
	}
	if fn == nil {
		return nil, elf.ReasonNoSymbol, nil
	}

	name, ok, err := fn.Name()
	if err != nil {
		return nil, elf.ReasonFound, err
	}
	if !ok {
		return nil, elf.ReasonNoSymbol, nil
	}

	ranges, err := fn.AddressRanges()
	if err != nil {
		return nil, elf.ReasonFound, err
	}

	var low, high elf.FileAddress
	for _, r := range ranges {
		if r.Contains(addr) {
			low, high = r.Low, r.High
			break
		}
	}

	lang := elf.SrcLangUnknown
	root, err := unit.Root()
	if err != nil {
		return nil, elf.ReasonFound, err
	}
	if root != nil {
		if v, ok := root.Uint(DW_AT_language); ok {
			lang = Language(v)
		}
	}

	sym := &elf.ResolvedSym{
		Name: name,
		Addr: low,
		Size: uint64(high - low),
		Lang: lang,
	}

	if opts.CodeInfo || opts.InlinedFns {
		inlined, codeInfo, err := u.FindInlinedStack(addr, fn)
		if err != nil {
			return nil, elf.ReasonFound, err
		}

		if opts.CodeInfo {
			sym.CodeInfo = codeInfo
		}
		if opts.InlinedFns {
			sym.Inlined = inlined
		}
	}

	return sym, elf.ReasonFound, nil
}
