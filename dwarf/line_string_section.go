package dwarf

import "github.com/module/symbolize/elf"

// LineStringSection is .debug_line_str: DWARF5 moved the line-number
// program's directory/file-name strings out of .debug_str and into
// their own pool, referenced via DW_FORM_line_strp. Same flat
// NUL-terminated-string-pool shape as StringSection, just a distinct
// backing section.
type LineStringSection struct {
	*StringSection
}

func NewLineStringSection(file *elf.File) (*LineStringSection, error) {
	section, err := newStringSectionFrom(file, ElfDebugLineStringSection)
	if err != nil {
		return nil, err
	}
	return &LineStringSection{StringSection: section}, nil
}
