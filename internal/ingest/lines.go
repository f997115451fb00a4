package ingest

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"strings"
	"unicode/utf8"
)

// DefaultMaxLineSize bounds a single input line (1MB)
const DefaultMaxLineSize = 1024 * 1024

// ErrInvalidUTF8 is returned for lines that are not valid UTF-8 when
// invalid sequences are not being replaced
var ErrInvalidUTF8 = errors.New("line is not valid UTF-8")

// InvalidUTF8 policies
const (
	InvalidUTF8Error   = "error"
	InvalidUTF8Replace = "replace"
)

// ScannerLineSource reads newline-terminated lines from an io.Reader.
// "\n" and "\r\n" terminators are stripped; a "\r" not followed by "\n"
// belongs to the line.
type ScannerLineSource struct {
	scanner        *bufio.Scanner
	replaceInvalid bool
	done           bool
	bytesRead      int64
	replaced       int64
}

// NewScannerLineSource creates a line source over r. maxLineSize <= 0 uses
// DefaultMaxLineSize; invalidUTF8 is one of InvalidUTF8Error or InvalidUTF8Replace.
func NewScannerLineSource(r io.Reader, maxLineSize int, invalidUTF8 string) (*ScannerLineSource, error) {
	if maxLineSize <= 0 {
		maxLineSize = DefaultMaxLineSize
	}

	var replace bool
	switch strings.ToLower(invalidUTF8) {
	case "", InvalidUTF8Error:
	case InvalidUTF8Replace:
		replace = true
	default:
		return nil, fmt.Errorf("unsupported invalid UTF-8 policy: %s", invalidUTF8)
	}

	initial := 64 * 1024
	if initial > maxLineSize {
		initial = maxLineSize
	}
	src := &ScannerLineSource{replaceInvalid: replace}
	src.scanner = bufio.NewScanner(r)
	src.scanner.Buffer(make([]byte, 0, initial), maxLineSize)
	src.scanner.Split(src.splitLines)
	return src, nil
}

// splitLines is bufio.ScanLines without its unconditional "\r" drop, which
// also eats a carriage return at end of input or before "\r\n".
func (s *ScannerLineSource) splitLines(data []byte, atEOF bool) (int, []byte, error) {
	if atEOF && len(data) == 0 {
		return 0, nil, nil
	}
	if i := bytes.IndexByte(data, '\n'); i >= 0 {
		s.bytesRead += int64(i + 1)
		line := data[:i]
		if i > 0 && line[i-1] == '\r' {
			line = line[:i-1]
		}
		return i + 1, line, nil
	}
	if atEOF {
		s.bytesRead += int64(len(data))
		return len(data), data, nil
	}
	return 0, nil, nil
}

// Next returns the next line, io.EOF at the end of input, or the read error.
// A read error ends the source.
func (s *ScannerLineSource) Next() (string, error) {
	if s.done {
		return "", io.EOF
	}

	if !s.scanner.Scan() {
		s.done = true
		if err := s.scanner.Err(); err != nil {
			if errors.Is(err, bufio.ErrTooLong) {
				return "", fmt.Errorf("line exceeds maximum size: %w", err)
			}
			return "", fmt.Errorf("failed to read input: %w", err)
		}
		return "", io.EOF
	}

	raw := s.scanner.Bytes()

	if utf8.Valid(raw) {
		return string(raw), nil
	}
	if !s.replaceInvalid {
		return "", ErrInvalidUTF8
	}

	line, _ := SanitizeUTF8(string(raw))
	s.replaced++
	return line, nil
}

// BytesRead returns the input bytes consumed so far, terminators included
func (s *ScannerLineSource) BytesRead() int64 {
	return s.bytesRead
}

// Replaced returns how many lines had invalid UTF-8 replaced
func (s *ScannerLineSource) Replaced() int64 {
	return s.replaced
}
