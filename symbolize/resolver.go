package symbolize

import (
	"github.com/module/symbolize/dwarf"
	"github.com/module/symbolize/elf"
	"github.com/module/symbolize/symerr"
)

// Resolver is a closed, two-variant tagged type, fixed at construction:
// elfOnly (units == nil) or elfAndDwarf. Callers never upgrade one
// variant into the other in place - Cache hands out a fresh Resolver
// (or a cached one) per (path, debugSyms) pair instead.
type Resolver struct {
	elfFile *elf.File
	units   *dwarf.Units // nil for the elf-only variant
}

func newElfResolver(elfFile *elf.File) *Resolver {
	return &Resolver{elfFile: elfFile}
}

func newElfAndDwarfResolver(elfFile *elf.File, dwarfFile *dwarf.File) *Resolver {
	return &Resolver{
		elfFile: elfFile,
		units:   dwarf.NewUnits(dwarfFile),
	}
}

func (r *Resolver) hasDwarf() bool {
	return r.units != nil
}

// String identifies which backend this resolver answers from, e.g. for
// diagnostic logging: "DWARF <path>" or "ELF <path>".
func (r *Resolver) String() string {
	if r.hasDwarf() {
		return "DWARF " + r.elfFile.Path()
	}
	return "ELF " + r.elfFile.Path()
}

// FindSym asks DWARF first, since only it can report source location and
// inlined frames, then falls back to the ELF symbol table on a DWARF
// miss. When ELF wins that fallback and DWARF is present, DWARF is still
// asked for the source location, so a binary with a .symtab entry but no
// DW_TAG_subprogram for that address still gets a line number.
func (r *Resolver) FindSym(addr elf.FileAddress, opts FindSymOpts) (*ResolvedSym, Reason, error) {
	if r.hasDwarf() {
		sym, _, err := r.units.FindSym(addr, opts)
		if err != nil {
			return nil, elf.ReasonFound, err
		}
		if sym != nil {
			return sym, elf.ReasonFound, nil
		}
	}

	sym, reason, err := r.elfFile.FindSym(addr, opts)
	if err != nil {
		return nil, reason, err
	}
	if sym == nil {
		return nil, reason, nil
	}

	if r.hasDwarf() && opts.CodeInfo {
		codeInfo, err := r.units.FindLocation(addr)
		if err != nil {
			return nil, elf.ReasonFound, err
		}
		sym.CodeInfo = codeInfo
	}

	return sym, elf.ReasonFound, nil
}

// FindAddr asks DWARF first and falls back to the ELF symbol table only
// when DWARF comes back empty - DWARF's per-unit name scan only sees
// functions with debug info, so names that exist solely as ELF symbols
// (extern declarations, assembly routines, data) still resolve.
// dwarf.Units.FindAddr's Unsupported error (a variable-type query) is
// treated the same as an empty result: variables were never in DWARF's
// name index to begin with, so ELF is exactly where that answer lives.
func (r *Resolver) FindAddr(name string, opts FindAddrOpts) ([]SymInfo, error) {
	if r.hasDwarf() {
		syms, err := r.units.FindAddr(name, opts)
		if err != nil && symerr.KindOf(err) != symerr.Unsupported {
			return nil, err
		}
		if len(syms) > 0 {
			return syms, nil
		}
	}

	return r.elfFile.FindAddr(name, opts)
}

// ForEach streams every symbol in the binary through visitor. DWARF
// never supports full iteration (dwarf.Units.ForEach always declines,
// per spec), so asking it first and falling back to ELF on its
// Unsupported answer mirrors FindAddr's DWARF-preferred/ELF-fallback
// shape rather than special-casing ForEach around the DWARF side.
func (r *Resolver) ForEach(opts FindAddrOpts, visitor func(SymInfo) error) error {
	if r.hasDwarf() {
		if err := r.units.ForEach(nil); err != nil && symerr.KindOf(err) != symerr.Unsupported {
			return err
		}
	}

	return r.elfFile.ForEach(opts, visitor)
}

// FileOffsetToVirtAddr satisfies TranslateFileOffset; both Resolver
// variants share the same elf.File, so this never depends on debug
// info being present.
func (r *Resolver) FileOffsetToVirtAddr(offset uint64) (elf.FileAddress, bool) {
	return r.elfFile.FileOffsetToVirtAddr(offset)
}
