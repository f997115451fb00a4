package ingest

import (
	"strings"
	"unicode/utf8"
)

// replacementChar is U+FFFD encoded as UTF-8
const replacementChar = "�"

// SanitizeUTF8 substitutes U+FFFD for every byte that does not start a valid
// UTF-8 sequence. The bool reports whether a substitution happened; valid
// input comes back as the same string.
//
// Index dumps re-encoded by older tooling occasionally carry stray Latin-1
// bytes in titles, and Parquet string columns must hold UTF-8.
func SanitizeUTF8(s string) (string, bool) {
	if utf8.ValidString(s) {
		return s, false
	}

	var b strings.Builder
	b.Grow(len(s) + 2*len(replacementChar))

	start := 0
	for i := 0; i < len(s); {
		r, size := utf8.DecodeRuneInString(s[i:])
		if r != utf8.RuneError || size != 1 {
			i += size
			continue
		}
		// flush the valid run before the bad byte
		b.WriteString(s[start:i])
		b.WriteString(replacementChar)
		i++
		start = i
	}
	b.WriteString(s[start:])
	return b.String(), true
}
