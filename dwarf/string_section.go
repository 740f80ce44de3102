package dwarf

import (
	"bytes"
	"fmt"

	"github.com/module/symbolize/symerr"

	"github.com/module/symbolize/elf"
)

// StringSection is .debug_str: a flat pool of NUL-terminated strings
// referenced by byte offset from DW_FORM_strp (and, indirectly, from
// DW_FORM_strx via .debug_str_offsets).
type StringSection struct {
	found   bool
	content []byte
}

func NewStringSection(file *elf.File) (*StringSection, error) {
	return newStringSectionFrom(file, ElfDebugStringSection)
}

func newStringSectionFrom(file *elf.File, name string) (*StringSection, error) {
	section, ok := file.GetSection(name)

	var content []byte
	if ok {
		var err error
		content, err = section.RawContent()
		if err != nil {
			return nil, symerr.Wrap(err, fmt.Sprintf("failed to read %s section from elf", name))
		}
	}

	return &StringSection{
		found:   ok,
		content: content,
	}, nil
}

func (table *StringSection) StringAt(offset SectionOffset) (string, error) {
	value, _, err := table.getStringAt(int(offset))
	return value, err
}

func (table *StringSection) getStringAt(offset int) (string, int, error) {
	if !table.found {
		return "", 0, symerr.New(symerr.NotFound, "elf .debug_str section not found")
	}

	if offset < 0 || len(table.content) <= offset {
		return "", 0, symerr.Newf(symerr.InvalidDwarf, "out of bound string reference (%d)", offset)
	}

	content := table.content[offset:]
	end := bytes.IndexByte(content, 0)
	if end == -1 {
		return "", 0, symerr.New(symerr.InvalidDwarf, "string reference not terminated")
	}

	return string(content[:end]), offset + end + 1, nil
}

func (table *StringSection) StringEntries() ([]string, error) {
	result := []string{}
	offset := 0
	for len(table.content) > offset {
		value, next, err := table.getStringAt(offset)
		if err != nil {
			return nil, err
		}

		result = append(result, value)
		offset = next
	}

	return result, nil
}
