// Package symbolize is the composition layer: given a binary path, it
// fuses elf.File (always) with dwarf.File (when the caller asks for
// debug symbols) and answers address-to-symbol and name-to-address
// queries against whichever of the two backends can answer them.
package symbolize

import "github.com/module/symbolize/elf"

type FileAddress = elf.FileAddress

// Reason explains why a lookup that is allowed to simply not find
// anything came up empty. Only meaningful when the paired result is
// nil; a successful lookup reports elf.ReasonFound (the zero value),
// which this package does not re-export.
type Reason = elf.Reason

const (
	NoSymbol       = elf.ReasonNoSymbol
	UnknownSection = elf.ReasonUnknownSection
)

type SymType = elf.SymType

const (
	SymTypeUndefined = elf.SymTypeUndefined
	SymTypeFunction  = elf.SymTypeFunction
	SymTypeVariable  = elf.SymTypeVariable
)

type SrcLang = elf.SrcLang

const (
	SrcLangUnknown = elf.SrcLangUnknown
	SrcLangC       = elf.SrcLangC
	SrcLangCpp     = elf.SrcLangCpp
	SrcLangRust    = elf.SrcLangRust
	SrcLangGo      = elf.SrcLangGo
)

type CodeInfo = elf.CodeInfo
type InlinedFn = elf.InlinedFn
type ResolvedSym = elf.ResolvedSym
type SymInfo = elf.SymInfo
type FindSymOpts = elf.FindSymOpts
type FindAddrOpts = elf.FindAddrOpts

// Symbolize resolves a virtual address to the symbol whose range
// contains it.
type Symbolize interface {
	FindSym(addr FileAddress, opts FindSymOpts) (*ResolvedSym, Reason, error)
}

// Inspect resolves a symbol name to every address range it occupies, and
// can stream every symbol a binary carries.
type Inspect interface {
	FindAddr(name string, opts FindAddrOpts) ([]SymInfo, error)

	// ForEach streams every symbol through visitor, stopping (and
	// returning visitor's error unchanged) as soon as visitor returns a
	// non-nil error.
	ForEach(opts FindAddrOpts, visitor func(SymInfo) error) error
}

// TranslateFileOffset maps an on-disk file offset to the virtual
// address it would be loaded at.
type TranslateFileOffset interface {
	FileOffsetToVirtAddr(offset uint64) (FileAddress, bool)
}
