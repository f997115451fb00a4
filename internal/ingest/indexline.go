// Package ingest converts index dump lines into Parquet.
// This file implements the index line parser.
//
// Index Line Format:
//
//	byte_offset:article_id:title
//
// Examples:
//
//	569:10:AccessibleComputing
//	1303:12:Anarchism
//	96127:3040:The Movie 3: Sub
//
// The title is everything after the second colon and may contain colons itself.
package ingest

import (
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// indexDelimiter separates the three fields of an index line
const indexDelimiter = ":"

var (
	ErrMissingByteOffset = errors.New("byte offset missing")
	ErrMissingArticleID  = errors.New("article id missing")
	ErrMissingTitle      = errors.New("title missing")
	ErrInvalidByteOffset = errors.New("invalid byte offset")
)

// IndexEntry is one parsed index line
type IndexEntry struct {
	// ByteOffset is the position of the compressed stream holding the article. e.g., 569
	ByteOffset uint64

	// ArticleID is usually numeric but kept verbatim. e.g., "10"
	ArticleID string

	// Title may contain the delimiter. e.g., "The Movie 3: Sub"
	Title string
}

// ParseIndexLine parses a single index line without its trailing newline.
// Field presence is checked before the byte offset is converted, so a line
// with a single field reports a missing article id even if the field is not numeric.
func ParseIndexLine(line string) (IndexEntry, error) {
	parts := strings.SplitN(line, indexDelimiter, 3)

	if parts[0] == "" {
		return IndexEntry{}, ErrMissingByteOffset
	}
	if len(parts) < 2 {
		return IndexEntry{}, ErrMissingArticleID
	}
	if len(parts) < 3 {
		return IndexEntry{}, ErrMissingTitle
	}

	// One leading '+' is accepted, as unsigned parsers commonly do
	offset, err := strconv.ParseUint(strings.TrimPrefix(parts[0], "+"), 10, 64)
	if err != nil {
		return IndexEntry{}, fmt.Errorf("%w %q: %w", ErrInvalidByteOffset, parts[0], errors.Unwrap(err))
	}

	return IndexEntry{
		ByteOffset: offset,
		ArticleID:  parts[1],
		Title:      parts[2],
	}, nil
}

// LineError attaches the 1-based input line number to a read or parse failure
type LineError struct {
	Line int64
	Err  error
}

func (e *LineError) Error() string {
	return fmt.Sprintf("line %d: %v", e.Line, e.Err)
}

func (e *LineError) Unwrap() error {
	return e.Err
}

// LineSource yields input lines without their terminator.
// Next returns io.EOF once the input is exhausted.
type LineSource interface {
	Next() (string, error)
}

// EntryReader yields parsed index entries.
// Next returns io.EOF once the underlying lines are exhausted.
type EntryReader interface {
	Next() (IndexEntry, error)
}

// EntryParser maps a LineSource one-to-one onto index entries.
// It consumes its source and cannot be restarted.
type EntryParser struct {
	lines  LineSource
	lineNo int64
	parsed int64
}

// NewEntryParser creates a parser reading from lines
func NewEntryParser(lines LineSource) *EntryParser {
	return &EntryParser{lines: lines}
}

// Next parses the next line. Read failures and parse failures are both
// returned as *LineError; io.EOF is returned unwrapped.
func (p *EntryParser) Next() (IndexEntry, error) {
	line, err := p.lines.Next()
	if err == io.EOF {
		return IndexEntry{}, io.EOF
	}
	p.lineNo++
	if err != nil {
		return IndexEntry{}, &LineError{Line: p.lineNo, Err: err}
	}

	entry, err := ParseIndexLine(line)
	if err != nil {
		return IndexEntry{}, &LineError{Line: p.lineNo, Err: err}
	}
	p.parsed++
	return entry, nil
}

// LinesRead returns the number of lines pulled so far
func (p *EntryParser) LinesRead() int64 {
	return p.lineNo
}

// EntriesParsed returns the number of lines parsed successfully
func (p *EntryParser) EntriesParsed() int64 {
	return p.parsed
}
