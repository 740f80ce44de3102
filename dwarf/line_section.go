package dwarf

import (
	"encoding/binary"
	"fmt"
	"path"
	"strings"

	"github.com/module/symbolize/elf"
	"github.com/module/symbolize/symerr"
)

const (
	DW_LNS_copy               = 0x01
	DW_LNS_advance_pc         = 0x02
	DW_LNS_advance_line       = 0x03
	DW_LNS_set_file           = 0x04
	DW_LNS_set_column         = 0x05
	DW_LNS_negate_stmt        = 0x06
	DW_LNS_set_basic_block    = 0x07
	DW_LNS_const_add_pc       = 0x08
	DW_LNS_fixed_advance_pc   = 0x09
	DW_LNS_set_prologue_end   = 0x0a
	DW_LNS_set_epilogue_begin = 0x0b
	DW_LNS_set_isa            = 0x0c

	DW_LNE_end_sequence      = 0x01
	DW_LNE_set_address       = 0x02
	DW_LNE_define_file       = 0x03
	DW_LNE_set_discriminator = 0x04
	DW_LNE_lo_user           = 0x80
	DW_LNE_hi_user           = 0xff
)

// DWARF5 line-number-program directory/file-entry content type codes.
const (
	DW_LNCT_path            = 0x1
	DW_LNCT_directory_index = 0x2
	DW_LNCT_timestamp       = 0x3
	DW_LNCT_size            = 0x4
	DW_LNCT_MD5             = 0x5
)

type LineSection struct {
	LineTables map[SectionOffset]*LineTable
}

func NewLineSection(
	file *elf.File,
	stringSection *StringSection,
	lineStringSection *LineStringSection,
) (*LineSection, error) {
	content, found, err := requireSection(file, ElfDebugLineSection)
	if err != nil {
		return nil, err
	}
	if !found {
		return &LineSection{}, nil
	}

	tables := map[SectionOffset]*LineTable{}

	decode := NewCursor(file.ByteOrder(), content)
	for !decode.HasReachedEnd() {
		table, err := parseLineTable(decode, stringSection, lineStringSection)
		if err != nil {
			return nil, err
		}

		tables[table.SectionOffset] = table
	}

	return &LineSection{
		LineTables: tables,
	}, nil
}

type FileEntry struct {
	*LineTable

	Name             string
	DirIndex         uint64
	ModificationTime uint64
	Length           uint64
}

func (entry FileEntry) String() string {
	return entry.Path()
}

func (entry FileEntry) Path() string {
	if entry.DirIndex >= uint64(len(entry.IncludedDirectories)) {
		return entry.Name
	}
	return path.Join(entry.IncludedDirectories[entry.DirIndex], entry.Name)
}

type LineTable struct {
	byteOrder binary.ByteOrder
	*CompileUnit

	SectionOffset

	Version uint16

	DefaultIsStatement bool
	LineBase           int8
	LineRange          uint8
	OpCodeBase         uint8

	IncludedDirectories []string
	FileEntries         []*FileEntry

	// zeroBasedFiles is true for DWARF5 (file_names indexed from 0), false
	// for DWARF2-4 (file index 1 is the first entry in FileEntries).
	zeroBasedFiles bool

	Content []byte
}

func parseLineTable(
	decode *Cursor,
	stringSection *StringSection,
	lineStringSection *LineStringSection,
) (
	*LineTable,
	error,
) {
	start := decode.Position

	length, err := decode.U32()
	if err != nil {
		return nil, symerr.Wrap(err, "failed to decode line table length")
	}

	end := decode.Position + int(length)

	version, err := decode.U16()
	if err != nil {
		return nil, symerr.Wrap(err, "failed to decode line table version")
	}
	if version < 2 || version > 5 {
		return nil, symerr.Newf(symerr.Unsupported, "dwarf line table version %d not supported", version)
	}

	if version == 5 {
		// address_size, segment_selector_size: this engine targets x64
		// ELF-64 binaries exclusively, so these are read and discarded.
		if _, err := decode.U8(); err != nil {
			return nil, symerr.Wrap(err, "failed to decode line table address_size")
		}
		if _, err := decode.U8(); err != nil {
			return nil, symerr.Wrap(err, "failed to decode line table segment_selector_size")
		}
	}

	headerLength, err := decode.U32()
	if err != nil {
		return nil, symerr.Wrap(err, "failed to decode line table header length")
	}
	expectedContentStart := decode.Position + int(headerLength)

	minInstructionLen, err := decode.U8()
	if err != nil {
		return nil, symerr.Wrap(err, "failed to decode line table minimum instruction length")
	}
	// Must be 1 on x64 (e.g., int3)
	if minInstructionLen != 1 {
		return nil, symerr.Newf(symerr.Unsupported, "unsupported line table minimum instruction length (%d)", minInstructionLen)
	}

	// maximum_operations_per_instruction only exists in v4+ headers.
	if version >= 4 {
		maxOperationsPerInstruction, err := decode.U8()
		if err != nil {
			return nil, symerr.Wrap(err, "failed to decode line table maximum operations per instruction")
		}
		// Must be 1 on x64 (non-VLIW architecture)
		if maxOperationsPerInstruction != 1 {
			return nil, symerr.Newf(
				symerr.Unsupported,
				"unsupported line table maximum operations per instruction (%d)",
				maxOperationsPerInstruction)
		}
	}

	defaultIsStatement, err := decode.U8()
	if err != nil {
		return nil, symerr.Wrap(err, "failed to decode line table default is statement")
	}

	lineBase, err := decode.S8()
	if err != nil {
		return nil, symerr.Wrap(err, "failed to decode line table line base")
	}

	lineRange, err := decode.U8()
	if err != nil {
		return nil, symerr.Wrap(err, "failed to decode line table line range")
	}

	opCodeBase, err := decode.U8()
	if err != nil {
		return nil, symerr.Wrap(err, "failed to decode line table op code base")
	}
	if opCodeBase > 13 {
		return nil, symerr.Newf(symerr.InvalidDwarf, "invalid line table op code base (%d)", opCodeBase)
	}

	stdNumOperands := []uint8{0, 1, 1, 1, 1, 0, 0, 0, 1, 0, 0, 1}
	for idx, expected := range stdNumOperands[:opCodeBase-1] {
		num, err := decode.U8()
		if err != nil {
			return nil, symerr.Wrapf(err, "failed to decode line table standard op code (%d) num operand", idx+1)
		}
		if num != expected {
			return nil, symerr.Newf(
				symerr.InvalidDwarf,
				"invalid num operand (%d != %d) for standard op code (%d)",
				num,
				expected,
				idx+1)
		}
	}

	table := &LineTable{
		byteOrder:          decode.ByteOrder,
		SectionOffset:      SectionOffset(start),
		Version:            version,
		DefaultIsStatement: defaultIsStatement != 0,
		LineBase:           lineBase,
		LineRange:          lineRange,
		OpCodeBase:         opCodeBase,
		zeroBasedFiles:     version >= 5,
	}

	if version >= 5 {
		err = table.parseDwarf5Header(decode, stringSection, lineStringSection)
	} else {
		err = table.parseClassicHeader(decode)
	}
	if err != nil {
		return nil, err
	}

	if decode.Position != expectedContentStart {
		return nil, symerr.New(symerr.InvalidDwarf, "failed to decode line table header. unexpected length")
	}

	content, err := decode.Bytes(end - decode.Position)
	if err != nil {
		return nil, symerr.Wrap(err, "failed to read line table content bytes")
	}
	table.Content = content

	return table, nil
}

// parseClassicHeader parses the DWARF2-4 included_directories/file_names
// lists: flat NUL-terminated-string sequences, each terminated by an
// empty string.
func (table *LineTable) parseClassicHeader(decode *Cursor) error {
	included := []string{""} // NOTE: reserve space for compilation dir
	for {
		dir, err := decode.String()
		if err != nil {
			return symerr.Wrap(err, "failed to decode line table included directories")
		}

		if dir == "" {
			break
		}

		included = append(included, dir)
	}
	table.IncludedDirectories = included

	for {
		shouldContinue, err := table.parseAndAddFileEntry(decode, true)
		if err != nil {
			return err
		}

		if !shouldContinue {
			break
		}
	}

	return nil
}

type lineHeaderEntryFormat struct {
	ContentType uint64
	Format      Format
}

// parseDwarf5Header parses the DWARF5 directory_entry_format /
// file_name_entry_format encoded lists, which replace the flat
// NUL-terminated-string lists used prior to DWARF5.
func (table *LineTable) parseDwarf5Header(
	decode *Cursor,
	stringSection *StringSection,
	lineStringSection *LineStringSection,
) error {
	dirFormats, err := parseLineHeaderEntryFormats(decode, "directory")
	if err != nil {
		return err
	}

	dirCount, err := decode.ULEB128(64)
	if err != nil {
		return symerr.Wrap(err, "failed to decode directories_count")
	}

	directories := make([]string, 0, dirCount)
	for i := uint64(0); i < dirCount; i++ {
		path, err := parseLineHeaderEntryPath(decode, dirFormats, stringSection, lineStringSection)
		if err != nil {
			return symerr.Wrapf(err, "failed to decode directory entry (%d)", i)
		}
		directories = append(directories, path)
	}
	table.IncludedDirectories = directories

	fileFormats, err := parseLineHeaderEntryFormats(decode, "file_name")
	if err != nil {
		return err
	}

	fileCount, err := decode.ULEB128(64)
	if err != nil {
		return symerr.Wrap(err, "failed to decode file_names_count")
	}

	for i := uint64(0); i < fileCount; i++ {
		name := ""
		dirIndex := uint64(0)
		for _, format := range fileFormats {
			value, err := readLineHeaderFormValue(decode, format.Format, stringSection, lineStringSection)
			if err != nil {
				return symerr.Wrapf(err, "failed to decode file_name entry (%d)", i)
			}

			switch format.ContentType {
			case DW_LNCT_path:
				name, _ = value.(string)
			case DW_LNCT_directory_index:
				dirIndex = toUint64(value)
			}
		}

		if dirIndex >= uint64(len(table.IncludedDirectories)) {
			return symerr.New(symerr.InvalidDwarf, "invalid line table file entry directory index. out of bound")
		}

		table.FileEntries = append(
			table.FileEntries,
			&FileEntry{
				LineTable: table,
				Name:      name,
				DirIndex:  dirIndex,
			})
	}

	return nil
}

func toUint64(value interface{}) uint64 {
	switch v := value.(type) {
	case uint64:
		return v
	case uint8:
		return uint64(v)
	case uint16:
		return uint64(v)
	case uint32:
		return uint64(v)
	default:
		return 0
	}
}

func parseLineHeaderEntryFormats(decode *Cursor, label string) ([]lineHeaderEntryFormat, error) {
	count, err := decode.U8()
	if err != nil {
		return nil, symerr.Wrapf(err, "failed to decode %s_entry_format_count", label)
	}

	formats := make([]lineHeaderEntryFormat, 0, count)
	for i := uint8(0); i < count; i++ {
		contentType, err := decode.ULEB128(64)
		if err != nil {
			return nil, symerr.Wrapf(err, "failed to decode %s_entry_format content type (%d)", label, i)
		}
		format, err := decode.ULEB128(64)
		if err != nil {
			return nil, symerr.Wrapf(err, "failed to decode %s_entry_format form (%d)", label, i)
		}

		formats = append(formats, lineHeaderEntryFormat{ContentType: contentType, Format: Format(format)})
	}

	return formats, nil
}

func parseLineHeaderEntryPath(
	decode *Cursor,
	formats []lineHeaderEntryFormat,
	stringSection *StringSection,
	lineStringSection *LineStringSection,
) (string, error) {
	result := ""
	for _, format := range formats {
		value, err := readLineHeaderFormValue(decode, format.Format, stringSection, lineStringSection)
		if err != nil {
			return "", err
		}

		if format.ContentType == DW_LNCT_path {
			result, _ = value.(string)
		}
	}

	return result, nil
}

// readLineHeaderFormValue decodes a single DWARF5 line-header entry
// field. Line-number-program headers are parsed before any compile unit
// is associated with them, so (unlike Cursor.value) this only supports
// the handful of forms toolchains actually emit here - strx/addrx
// require a unit-scoped base that does not exist yet at this point.
func readLineHeaderFormValue(
	decode *Cursor,
	format Format,
	stringSection *StringSection,
	lineStringSection *LineStringSection,
) (interface{}, error) {
	switch format {
	case DW_FORM_string:
		return decode.String()

	case DW_FORM_strp:
		offset, err := decode.U32()
		if err != nil {
			return nil, err
		}
		if stringSection == nil {
			return nil, symerr.New(symerr.NotFound, "elf .debug_str section not found")
		}
		return stringSection.StringAt(SectionOffset(offset))

	case DW_FORM_line_strp:
		offset, err := decode.U32()
		if err != nil {
			return nil, err
		}
		if lineStringSection == nil {
			return nil, symerr.New(symerr.NotFound, "elf .debug_line_str section not found")
		}
		return lineStringSection.StringAt(SectionOffset(offset))

	case DW_FORM_udata:
		return decode.ULEB128(64)

	case DW_FORM_data1:
		return decode.U8()

	case DW_FORM_data2:
		return decode.U16()

	case DW_FORM_data4:
		return decode.U32()

	case DW_FORM_data8:
		return decode.U64()

	case DW_FORM_data16:
		return decode.Bytes(16)

	case DW_FORM_block:
		n, err := decode.ULEB128(32)
		if err != nil {
			return nil, err
		}
		return decode.Bytes(int(n))

	default:
		return nil, symerr.Newf(symerr.Unsupported, "unsupported line header form (%#x)", format)
	}
}

func (table *LineTable) parseAndAddFileEntry(
	decode *Cursor,
	expectsTerminalMarker bool,
) (
	bool, // true if valid entry was parsed
	error,
) {
	name, err := decode.String()
	if err != nil {
		return false, symerr.Wrap(err, "failed to decode line table file entry name")
	}

	if name == "" {
		if expectsTerminalMarker {
			return false, nil
		}

		return false, symerr.New(symerr.InvalidDwarf, "failed to decode line table file entry name. empty string")
	}

	dirIndex, err := decode.ULEB128(64)
	if err != nil {
		return false, symerr.Wrap(err, "failed to decode line table file entry directory index")
	}

	if dirIndex >= uint64(len(table.IncludedDirectories)) {
		return false, symerr.New(symerr.InvalidDwarf, "invalid line table file entry directory index. out of bound")
	}

	modTime, err := decode.ULEB128(64)
	if err != nil {
		return false, symerr.Wrap(err, "failed to decode line table file entry modification time")
	}

	length, err := decode.ULEB128(64)
	if err != nil {
		return false, symerr.Wrap(err, "failed to decode line table file entry length")
	}

	table.FileEntries = append(
		table.FileEntries,
		&FileEntry{
			LineTable:        table,
			Name:             name,
			DirIndex:         dirIndex,
			ModificationTime: modTime,
			Length:           length,
		})
	return true, nil
}

func (table *LineTable) setCompileUnit(
	unit *CompileUnit,
	compilationDir string,
) error {
	if table.CompileUnit != nil {
		return symerr.New(symerr.InvalidDwarf, "line table's compile unit already set")
	}
	table.CompileUnit = unit

	for idx, dir := range table.IncludedDirectories {
		if idx == 0 && !table.zeroBasedFiles {
			table.IncludedDirectories[0] = compilationDir
		} else if !strings.HasPrefix(dir, "/") && dir != compilationDir {
			table.IncludedDirectories[idx] = compilationDir + "/" + dir
		}
	}

	return nil
}

func (table *LineTable) Iterator() (*LineEntry, error) {
	return newLineIterator(table, NewCursor(table.byteOrder, table.Content))
}

type LineEntry struct {
	elf.FileAddress
	FileIndex       uint64
	Line            int64
	Column          uint64
	IsStatement     bool
	BasicBlockStart bool
	EndSequence     bool
	PrologueEnd     bool
	EpilogueBegin   bool
	ISA             uint64 // X64 does not care about this register
	Discriminator   uint64

	*FileEntry

	reinitialize     bool
	shouldResetFlags bool

	table      *LineTable
	operations *Cursor
}

func (entry *LineEntry) CompileUnit() *CompileUnit {
	return entry.table.CompileUnit
}

func (entry *LineEntry) String() string {
	return fmt.Sprintf("%s:%d:%d", entry.Path(), entry.Line, entry.Column)
}

func newLineIterator(table *LineTable, cursor *Cursor) (*LineEntry, error) {
	entry := &LineEntry{
		table:        table,
		operations:   cursor,
		reinitialize: true,
	}
	return entry.advance()
}

func (entry *LineEntry) clone() *LineEntry {
	cloned := *entry
	cloned.operations = entry.operations.Clone()
	return &cloned
}

func (entry *LineEntry) initialize() {
	entry.FileAddress = 0
	entry.FileIndex = 1
	entry.Line = 1
	entry.Column = 0
	entry.IsStatement = entry.table.DefaultIsStatement
	entry.BasicBlockStart = false
	entry.EndSequence = false
	entry.PrologueEnd = false
	entry.EpilogueBegin = false
	entry.ISA = 0
	entry.Discriminator = 0

	entry.reinitialize = false
	entry.shouldResetFlags = false
}

func (entry *LineEntry) resetFlags() {
	entry.BasicBlockStart = false
	entry.PrologueEnd = false
	entry.EpilogueBegin = false
	entry.Discriminator = 0

	entry.reinitialize = false
	entry.shouldResetFlags = false
}

func (entry *LineEntry) Next() (*LineEntry, error) {
	nextEntry := entry.clone()
	return nextEntry.advance()
}

// NOTE: error is only returned for unexpected error.  (nil, nil) indicates end.
func (entry *LineEntry) advance() (*LineEntry, error) {
	if entry.reinitialize {
		entry.initialize()
	} else if entry.shouldResetFlags {
		entry.resetFlags()
	}

	for !entry.operations.HasReachedEnd() {
		shouldEmitted, err := entry.execute()
		if err != nil {
			return nil, err
		}

		if shouldEmitted {
			idx := entry.FileIndex
			if !entry.table.zeroBasedFiles {
				if idx == 0 {
					return nil, symerr.New(symerr.InvalidDwarf, "invalid line entry file index")
				}
				idx--
			}
			if idx >= uint64(len(entry.table.FileEntries)) {
				return nil, symerr.New(symerr.InvalidDwarf, "out of bound line entry file index")
			}

			entry.FileEntry = entry.table.FileEntries[idx]
			return entry, nil
		}
	}

	return nil, nil
}

func (entry *LineEntry) execute() (bool, error) {
	opCode, err := entry.operations.U8()
	if err != nil {
		return false, symerr.Wrap(err, "failed to decode op code")
	}

	if opCode >= entry.table.OpCodeBase {
		entry.executeSpecialOp(opCode - entry.table.OpCodeBase)
		return true, nil
	}

	switch opCode {
	case 0:
		return entry.executeExtendedOp()

	case DW_LNS_copy:
		entry.shouldResetFlags = true
		return true, nil

	case DW_LNS_advance_pc:
		addressDelta, err := entry.operations.ULEB128(64)
		if err != nil {
			return false, symerr.Wrap(err, "failed to decode DW_LNS_advance_pc operand")
		}

		entry.FileAddress += elf.FileAddress(addressDelta)

	case DW_LNS_advance_line:
		lineDelta, err := entry.operations.SLEB128(64)
		if err != nil {
			return false, symerr.Wrap(err, "failed to decode DW_LNS_advance_line operand")
		}

		entry.Line += lineDelta

	case DW_LNS_set_file:
		index, err := entry.operations.ULEB128(64)
		if err != nil {
			return false, symerr.Wrap(err, "failed to decode DW_LNS_set_file operand")
		}

		entry.FileIndex = index

	case DW_LNS_set_column:
		column, err := entry.operations.ULEB128(64)
		if err != nil {
			return false, symerr.Wrap(err, "failed to decode DW_LNS_set_column operand")
		}

		entry.Column = column

	case DW_LNS_negate_stmt:
		entry.IsStatement = !entry.IsStatement

	case DW_LNS_set_basic_block:
		entry.BasicBlockStart = true

	case DW_LNS_const_add_pc:
		addressDelta := (255 - entry.table.OpCodeBase) / entry.table.LineRange
		entry.FileAddress += elf.FileAddress(addressDelta)

	case DW_LNS_fixed_advance_pc:
		addressDelta, err := entry.operations.U16()
		if err != nil {
			return false, symerr.Wrap(err, "failed to decode DW_LNS_fixed_advance_pc operand")
		}

		entry.FileAddress += elf.FileAddress(addressDelta)

	case DW_LNS_set_prologue_end:
		entry.PrologueEnd = true

	case DW_LNS_set_epilogue_begin:
		entry.EpilogueBegin = true

	case DW_LNS_set_isa:
		isa, err := entry.operations.ULEB128(64)
		if err != nil {
			return false, symerr.Wrap(err, "failed to decode DW_LNS_set_isa operand")
		}

		entry.ISA = isa

	default:
		return false, symerr.Newf(symerr.InvalidDwarf, "unknown line op code (%d)", opCode)
	}

	return false, nil
}

func (entry *LineEntry) executeExtendedOp() (bool, error) {
	expectedLength, err := entry.operations.ULEB128(64)
	if err != nil {
		return false, symerr.Wrap(err, "failed to decode extended op length")
	}

	start := entry.operations.Position

	opCode, err := entry.operations.U8()
	if err != nil {
		return false, symerr.Wrap(err, "failed to decode extended op code")
	}

	switch opCode {
	case DW_LNE_end_sequence:
		entry.EndSequence = true
		entry.reinitialize = true
		return true, nil

	case DW_LNE_set_address:
		address, err := entry.operations.U64()
		if err != nil {
			return false, symerr.Wrap(err, "failed to decode DW_LNE_set_address operand")
		}

		entry.FileAddress = elf.FileAddress(address)

	case DW_LNE_define_file:
		_, err := entry.table.parseAndAddFileEntry(entry.operations, false)
		if err != nil {
			return false, symerr.Wrap(err, "DW_LNE_define_file operation failed")
		}

	case DW_LNE_set_discriminator:
		discriminator, err := entry.operations.ULEB128(64)
		if err != nil {
			return false, symerr.Wrap(err, "failed to decode DW_LNE_set_discriminator")
		}

		entry.Discriminator = discriminator

	default:
		return false, symerr.Newf(symerr.InvalidDwarf, "unknown line extended op code (%d)", opCode)
	}

	length := entry.operations.Position - start
	if length != int(expectedLength) {
		return false, symerr.Newf(
			symerr.InvalidDwarf,
			"invalid line extended op code encoding. unexpected length (%d != %d)",
			length,
			expectedLength)
	}

	return false, nil
}

func (entry *LineEntry) executeSpecialOp(index uint8) {
	addressDelta := index / entry.table.LineRange
	entry.FileAddress += elf.FileAddress(addressDelta)

	lineDelta := int64(entry.table.LineBase) + int64(index%entry.table.LineRange)
	entry.Line += lineDelta

	entry.shouldResetFlags = true
}
