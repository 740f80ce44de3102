package elf

// Reason explains why a lookup that is allowed to simply not find
// anything (as opposed to failing outright) came up empty. It is
// distinct from error: a missing symbol is an ordinary, expected
// outcome, not a failure of the elf/dwarf machinery itself.
type Reason int

const (
	// ReasonFound is the zero value: FindSym/FindAddr produced a match
	// and Reason should be ignored.
	ReasonFound Reason = iota
	ReasonNoSymbol
	ReasonUnknownSection
)

func (r Reason) String() string {
	switch r {
	case ReasonFound:
		return "found"
	case ReasonNoSymbol:
		return "no symbol"
	case ReasonUnknownSection:
		return "unknown section"
	default:
		return "unknown reason"
	}
}

// SymType classifies a symbol the way callers of FindAddr care about,
// collapsing the full ELF STT_* taxonomy down to the three buckets the
// symbolization API exposes.
type SymType int

const (
	SymTypeUndefined SymType = iota
	SymTypeFunction
	SymTypeVariable
)

func symTypeOf(t SymbolType) SymType {
	switch t {
	case SymbolTypeFunction:
		return SymTypeFunction
	case SymbolTypeObject, SymbolTypeUninitializedCommonBlock, SymbolTypeTLSObject:
		return SymTypeVariable
	default:
		return SymTypeUndefined
	}
}

// SrcLang is the source language a resolved symbol's debug info (if any)
// claims to have been compiled from.
type SrcLang int

const (
	SrcLangUnknown SrcLang = iota
	SrcLangC
	SrcLangCpp
	SrcLangRust
	SrcLangGo
)

func (l SrcLang) String() string {
	switch l {
	case SrcLangC:
		return "C"
	case SrcLangCpp:
		return "C++"
	case SrcLangRust:
		return "Rust"
	case SrcLangGo:
		return "Go"
	default:
		return "unknown"
	}
}

// CodeInfo is a single source location: directory, file, line, and
// (when the line program recorded one) column.
type CodeInfo struct {
	Dir    string
	File   string
	Line   uint32
	Column uint16 // 0 means "not recorded"
}

// InlinedFn is one frame of an inlined call stack, innermost first. The
// innermost frame's CodeInfo is the line-program location of the queried
// address; every other frame's CodeInfo is the call site recorded on the
// frame one level further in, per the frame-shift rule documented on
// dwarf.Units.FindInlinedStack.
type InlinedFn struct {
	Name     string
	CodeInfo *CodeInfo
}

// ResolvedSym is what a successful address-to-symbol lookup produces:
// the physically resolved function, optionally enriched with a source
// location and the inlined functions that were flattened into it.
type ResolvedSym struct {
	Name string
	Addr FileAddress
	Size uint64
	Lang SrcLang

	// CodeInfo is nil unless FindSymOpts.CodeInfo was set and debug info
	// was available.
	CodeInfo *CodeInfo

	// Inlined holds the inline frames between the call site and Name,
	// innermost (closest to the queried address) first. Empty unless
	// FindSymOpts.InlinedFns was set.
	Inlined []InlinedFn
}

// SymInfo is a named-symbol lookup result: what FindAddr returns.
type SymInfo struct {
	Name    string
	Addr    FileAddress
	Size    uint64
	SymType SymType

	// FileOffset is set when FindAddrOpts.FileOffset requested the
	// on-disk offset backing Addr (nil when the symbol has no backing
	// section, e.g. it's absolute or in a NOBITS section). Results from
	// dwarf.Units.FindAddr never set it.
	FileOffset *uint64

	ObjFileName string
}

type FindSymOpts struct {
	CodeInfo   bool
	InlinedFns bool
}

type FindAddrOpts struct {
	SymType    SymType // SymTypeUndefined matches symbols of any type
	FileOffset bool
}

// FindSym resolves addr to the symbol whose range contains it. The ELF
// parser alone can only ever populate Name/Addr/Size/Lang (Lang is
// always SrcLangUnknown here) — CodeInfo and Inlined require a paired
// dwarf.Units and are left nil, matching FindSymOpts being ignored at
// this layer. Higher layers (symbolize.Resolver) call this as a
// fallback when no DWARF is available or DWARF finds no symbol.
func (file *File) FindSym(addr FileAddress, opts FindSymOpts) (*ResolvedSym, Reason, error) {
	table := file.SelectedSymbolTable()
	if table == nil {
		return nil, ReasonUnknownSection, nil
	}

	symbol := table.SymbolAtOrBefore(addr)
	if symbol == nil {
		return nil, ReasonNoSymbol, nil
	}

	low, high, ok := symbol.AddressRange()
	if !ok || addr < low || addr >= high {
		return nil, ReasonNoSymbol, nil
	}

	return &ResolvedSym{
		Name: symbol.PrettyName(),
		Addr: low,
		Size: symbol.Size,
	}, ReasonFound, nil
}

// FindAddr enumerates every symbol named name (there may be several,
// e.g. a weak/global pair, or distinct local symbols that happen to
// share a demangled name).
func (file *File) FindAddr(name string, opts FindAddrOpts) ([]SymInfo, error) {
	table := file.SelectedSymbolTable()
	if table == nil {
		return nil, nil
	}

	var result []SymInfo
	for _, symbol := range table.SymbolsByName(name) {
		symType := symTypeOf(symbol.Type())
		if opts.SymType != SymTypeUndefined && symType != opts.SymType {
			continue
		}

		info := SymInfo{
			Name:        symbol.PrettyName(),
			Addr:        FileAddress(symbol.Value),
			Size:        symbol.Size,
			SymType:     symType,
			ObjFileName: file.path,
		}

		if opts.FileOffset {
			if off, ok := file.virtAddrToFileOffset(symbol.Value); ok {
				info.FileOffset = &off
			}
		}

		result = append(result, info)
	}

	return result, nil
}

// ForEach streams every symbol in the selected symbol table through
// visitor, honoring opts.SymType/opts.FileOffset exactly as FindAddr
// does. Iteration stops as soon as visitor returns a non-nil error, and
// ForEach returns that error unchanged.
func (file *File) ForEach(opts FindAddrOpts, visitor func(SymInfo) error) error {
	table := file.SelectedSymbolTable()
	if table == nil {
		return nil
	}

	for _, symbol := range table.Symbols {
		symType := symTypeOf(symbol.Type())
		if opts.SymType != SymTypeUndefined && symType != opts.SymType {
			continue
		}

		info := SymInfo{
			Name:        symbol.PrettyName(),
			Addr:        FileAddress(symbol.Value),
			Size:        symbol.Size,
			SymType:     symType,
			ObjFileName: file.path,
		}

		if opts.FileOffset {
			if off, ok := file.virtAddrToFileOffset(symbol.Value); ok {
				info.FileOffset = &off
			}
		}

		if err := visitor(info); err != nil {
			return err
		}
	}

	return nil
}

// virtAddrToFileOffset is FileOffsetToVirtAddr's inverse: it walks the
// same PT_LOAD segments to translate a virtual address back to the file
// offset it was loaded from.
func (file *File) virtAddrToFileOffset(addr uint64) (uint64, bool) {
	for _, ph := range file.ProgramHeaders {
		if ph.ProgramType != ProgramLoadable {
			continue
		}

		if addr < ph.VirtualAddress || addr >= ph.VirtualAddress+ph.FileImageSize {
			continue
		}

		return ph.ContentOffset + (addr - ph.VirtualAddress), true
	}

	return 0, false
}
