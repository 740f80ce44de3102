package elf

import (
	"bytes"
	"compress/zlib"
	"encoding/binary"
	"io"
	"strings"

	"github.com/klauspost/compress/zstd"

	"github.com/module/symbolize/symerr"
)

type compressionAlgorithm uint32

const (
	// ELFCOMPRESS_ZLIB
	compressionZlib = compressionAlgorithm(1)
	// ELFCOMPRESS_ZSTD (a GNU binutils / LLVM extension, not in the
	// generic System V gABI, but in wide use for .debug_* sections).
	compressionZstd = compressionAlgorithm(2)
)

// compressionHeader mirrors Elf64_Chdr (elf spec, "ELF Compression
// Header"). It precedes the deflate/zstd stream in every SHF_COMPRESSED
// section.
type compressionHeader struct {
	Algorithm        compressionAlgorithm
	Reserved         uint32
	UncompressedSize uint64
	Alignment        uint64
}

const compressionHeaderSize = 4 + 4 + 8 + 8

func decompressSection(byteOrder binary.ByteOrder, raw []byte) ([]byte, error) {
	if len(raw) < compressionHeaderSize {
		return nil, symerr.New(symerr.InvalidData, "truncated compression header")
	}

	var hdr compressionHeader
	_, err := binary.Decode(raw, byteOrder, &hdr)
	if err != nil {
		return nil, symerr.Wrap(err, "failed to decode compression header")
	}

	body := raw[compressionHeaderSize:]
	switch hdr.Algorithm {
	case compressionZlib:
		return inflateZlib(body, hdr.UncompressedSize)
	case compressionZstd:
		return inflateZstd(body, hdr.UncompressedSize)
	default:
		return nil, symerr.Newf(
			symerr.InvalidData, "unsupported section compression algorithm (%d)", hdr.Algorithm)
	}
}

func inflateZlib(body []byte, uncompressedSize uint64) ([]byte, error) {
	reader, err := zlib.NewReader(bytes.NewReader(body))
	if err != nil {
		return nil, symerr.Wrap(err, "failed to open zlib stream")
	}
	defer reader.Close()

	buf := bytes.NewBuffer(make([]byte, 0, uncompressedSize))
	if _, err := io.Copy(buf, reader); err != nil {
		return nil, symerr.Wrap(err, "failed to inflate zlib section")
	}

	return buf.Bytes(), nil
}

func inflateZstd(body []byte, uncompressedSize uint64) ([]byte, error) {
	decoder, err := zstd.NewReader(bytes.NewReader(body))
	if err != nil {
		return nil, symerr.Wrap(err, "failed to open zstd stream")
	}
	defer decoder.Close()

	buf := bytes.NewBuffer(make([]byte, 0, uncompressedSize))
	if _, err := io.Copy(buf, decoder); err != nil {
		return nil, symerr.Wrap(err, "failed to inflate zstd section")
	}

	return buf.Bytes(), nil
}

// zdebugMagic opens every legacy ".zdebug_*" section: a convention GNU ld
// used before SHF_COMPRESSED existed, in which the section's name (not
// its flags) signals compression, and an ad hoc 12-byte header ("ZLIB" +
// an 8-byte big-endian uncompressed size) precedes the zlib stream.
const zdebugMagic = "ZLIB"

func decompressLegacyZdebug(raw []byte) ([]byte, error) {
	if len(raw) < 12 || string(raw[:4]) != zdebugMagic {
		return nil, symerr.New(symerr.InvalidData, "invalid .zdebug section header")
	}

	size := binary.BigEndian.Uint64(raw[4:12])
	return inflateZlib(raw[12:], size)
}

func isLegacyZdebugName(name string) bool {
	return strings.HasPrefix(name, ".zdebug")
}
