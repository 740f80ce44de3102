package dwarf

import (
	"encoding/binary"
	"io"

	"github.com/module/symbolize/elf"
	"github.com/module/symbolize/symerr"
)

const baseAddressFlag = ^uint64(0)

type AddressRange struct {
	Low  elf.FileAddress
	High elf.FileAddress
}

func (addrRange AddressRange) Contains(addr elf.FileAddress) bool {
	return addrRange.Low <= addr && addr < addrRange.High
}

type AddressRanges []AddressRange

func (ranges AddressRanges) Contains(addr elf.FileAddress) bool {
	for _, addrRange := range ranges {
		if addrRange.Contains(addr) {
			return true
		}
	}
	return false
}

// AddressRangesSection is .debug_ranges: the DWARF2-4 encoding of
// DW_AT_ranges, a flat list of (base-select | low, high) pairs
// terminated by a (0, 0) entry.
type AddressRangesSection struct {
	byteOrder binary.ByteOrder
	found     bool
	content   []byte
}

func NewAddressRangesSection(file *elf.File) (*AddressRangesSection, error) {
	content, found, err := requireSection(file, ElfDebugRangesSection)
	if err != nil {
		return nil, err
	}

	return &AddressRangesSection{
		byteOrder: file.ByteOrder(),
		found:     found,
		content:   content,
	}, nil
}

func (section *AddressRangesSection) AddressRangesAt(
	index SectionOffset,
	baseAddress elf.FileAddress,
) (
	AddressRanges,
	error,
) {
	if !section.found {
		return nil, symerr.New(symerr.NotFound, "elf .debug_ranges section not found")
	}

	decode := NewCursor(section.byteOrder, section.content)
	_, err := decode.Seek(int(index), io.SeekStart)
	if err != nil {
		return nil, symerr.Wrapf(err, "invalid address ranges index (%d)", index)
	}

	result := AddressRanges{}
	for !decode.HasReachedEnd() {
		low, err := decode.U64()
		if err != nil {
			return nil, symerr.Wrap(err, "failed to parse address ranges. cannot decode low")
		}

		high, err := decode.U64()
		if err != nil {
			return nil, symerr.Wrap(err, "failed to parse address ranges. cannot decode high")
		}

		if low == baseAddressFlag {
			baseAddress = elf.FileAddress(high)
			continue
		}

		if low == 0 && high == 0 {
			return result, nil
		}

		result = append(
			result,
			AddressRange{
				Low:  baseAddress + elf.FileAddress(low),
				High: baseAddress + elf.FileAddress(high),
			})
	}

	return nil, symerr.Newf(symerr.InvalidDwarf, "address ranges (%d) not terminated", index)
}
