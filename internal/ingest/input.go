package ingest

import (
	"bufio"
	"bytes"
	"compress/bzip2"
	"fmt"
	"io"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"golang.org/x/text/encoding/charmap"
)

// Input decompression modes
const (
	DecompressAuto  = "auto"
	DecompressNone  = "none"
	DecompressGzip  = "gzip"
	DecompressZstd  = "zstd"
	DecompressBzip2 = "bzip2"
)

// Input charsets
const (
	CharsetUTF8        = "utf-8"
	CharsetLatin1      = "latin1"
	CharsetWindows1252 = "windows-1252"
)

var (
	gzipMagic  = []byte{0x1f, 0x8b}
	zstdMagic  = []byte{0x28, 0xb5, 0x2f, 0xfd}
	bzip2Magic = []byte("BZh")
)

// DetectCompression inspects the leading bytes of an input stream and returns
// the matching decompression mode, or DecompressNone for plain text
func DetectCompression(header []byte) string {
	switch {
	case bytes.HasPrefix(header, gzipMagic):
		return DecompressGzip
	case bytes.HasPrefix(header, zstdMagic):
		return DecompressZstd
	case bytes.HasPrefix(header, bzip2Magic):
		return DecompressBzip2
	default:
		return DecompressNone
	}
}

// OpenInput wraps r with the decompressor selected by mode. In auto mode the
// format is detected from the magic bytes. The returned closer releases
// decompressor state; it does not close r.
func OpenInput(r io.Reader, mode string) (io.ReadCloser, string, error) {
	br := bufio.NewReaderSize(r, 256*1024)

	mode = strings.ToLower(mode)
	if mode == "" || mode == DecompressAuto {
		header, err := br.Peek(4)
		if err != nil && err != io.EOF && err != bufio.ErrBufferFull {
			return nil, "", fmt.Errorf("failed to read input header: %w", err)
		}
		mode = DetectCompression(header)
	}

	switch mode {
	case DecompressNone:
		return io.NopCloser(br), mode, nil
	case DecompressGzip:
		// klauspost gzip reads concatenated members by default
		zr, err := gzip.NewReader(br)
		if err != nil {
			return nil, "", fmt.Errorf("failed to open gzip input: %w", err)
		}
		return zr, mode, nil
	case DecompressZstd:
		dec, err := zstd.NewReader(br)
		if err != nil {
			return nil, "", fmt.Errorf("failed to open zstd input: %w", err)
		}
		return dec.IOReadCloser(), mode, nil
	case DecompressBzip2:
		return io.NopCloser(bzip2.NewReader(br)), mode, nil
	default:
		return nil, "", fmt.Errorf("unsupported input decompression: %s", mode)
	}
}

// DecodeCharset converts r from the named charset to UTF-8.
// UTF-8 input is passed through untouched so invalid bytes stay visible to the line reader.
func DecodeCharset(r io.Reader, charset string) (io.Reader, error) {
	switch strings.ToLower(charset) {
	case "", CharsetUTF8, "utf8":
		return r, nil
	case CharsetLatin1, "iso-8859-1":
		return charmap.ISO8859_1.NewDecoder().Reader(r), nil
	case CharsetWindows1252, "cp1252":
		return charmap.Windows1252.NewDecoder().Reader(r), nil
	default:
		return nil, fmt.Errorf("unsupported input charset: %s", charset)
	}
}
