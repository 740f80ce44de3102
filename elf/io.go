package elf

import (
	"os"
	"runtime"

	"golang.org/x/sys/unix"

	"github.com/module/symbolize/symerr"
)

// byteView is a memory-resident view of an on-disk binary. Open prefers
// a zero-copy mmap; when mmap isn't available (the path names a pipe, or
// the platform/filesystem doesn't support it) it falls back to reading
// the whole file into a regular buffer.
type byteView struct {
	data    []byte
	mmapped bool
}

func openByteView(path string) (*byteView, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, symerr.FromIOError(err).Context("failed to open elf file")
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, symerr.FromIOError(err).Context("failed to stat elf file")
	}

	size := info.Size()
	if size == 0 && info.Mode().IsRegular() {
		return nil, symerr.Newf(symerr.InvalidData, "empty file: %s", path)
	}

	data, mmapErr := unix.Mmap(int(f.Fd()), 0, int(size), unix.PROT_READ, unix.MAP_PRIVATE)
	if mmapErr == nil {
		view := &byteView{data: data, mmapped: true}
		runtime.SetFinalizer(view, func(v *byteView) {
			_ = unix.Munmap(v.data)
		})
		return view, nil
	}

	content, err := os.ReadFile(path)
	if err != nil {
		return nil, symerr.FromIOError(err).Context("failed to read elf file")
	}

	return &byteView{data: content}, nil
}

// Close unmaps the view if it was mmapped. Files parsed directly from a
// caller-supplied buffer (Parse/ParseBytes) have no view and File.Close
// on them is a no-op.
func (v *byteView) Close() error {
	if !v.mmapped {
		return nil
	}

	runtime.SetFinalizer(v, nil)
	return unix.Munmap(v.data)
}

// Close releases the mmap backing this file, if any. Every slice
// previously returned by this File's sections (RawContent, symbol
// names, DWARF sections, ...) becomes invalid afterward.
func (file *File) Close() error {
	if file.view == nil {
		return nil
	}
	return file.view.Close()
}
