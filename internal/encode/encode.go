// Package encode renders binary blobs as C++ byte-array literals and parses
// them back.
//
// The rendering is a faithful projection of the raw bytes: no compression,
// no normalization. Identical (name, source, blob) always produce identical
// text.
package encode

import (
	"fmt"
	"strings"
)

// BytesPerRow is the number of elements per line of the array literal.
const BytesPerRow = 12

const hexDigits = "0123456789abcdef"

// LenSuffix is appended to the array name to form the length constant.
const LenSuffix = "_len"

// EncodedArray is the textual form of one blob.
type EncodedArray struct {
	// Name is the C++ symbol of the array.
	Name string

	// Len is the byte count of the blob; it is also the value of the
	// Name+LenSuffix constant.
	Len int

	// Text is the rendered fragment: provenance comment, array literal and
	// length constant, newline terminated.
	Text []byte
}

// Encode renders blob as a named constexpr array. source is recorded in the
// provenance comment only.
func Encode(name, source string, blob []byte) (EncodedArray, error) {
	if !isIdentifier(name) {
		return EncodedArray{}, fmt.Errorf("encode: invalid array name %q", name)
	}
	if strings.ContainsAny(source, "\r\n") {
		return EncodedArray{}, fmt.Errorf("encode: source name must be a single line")
	}

	var b strings.Builder
	b.Grow(len(blob)*6 + 3*(len(blob)/BytesPerRow+1) + 3*len(name) + len(source) + 96)

	fmt.Fprintf(&b, "// Generated from %s:\n", source)
	fmt.Fprintf(&b, "constexpr\nunsigned char %s[] = {\n", name)
	for i, c := range blob {
		col := i % BytesPerRow
		if col == 0 {
			b.WriteString("  ")
		} else {
			b.WriteByte(' ')
		}
		b.WriteString("0x")
		b.WriteByte(hexDigits[c>>4])
		b.WriteByte(hexDigits[c&0x0f])
		b.WriteByte(',')
		if col == BytesPerRow-1 || i == len(blob)-1 {
			b.WriteByte('\n')
		}
	}
	b.WriteString("};\n")
	fmt.Fprintf(&b, "constexpr\nsize_t %s%s = %d;\n", name, LenSuffix, len(blob))

	return EncodedArray{Name: name, Len: len(blob), Text: []byte(b.String())}, nil
}

func isIdentifier(s string) bool {
	if s == "" {
		return false
	}
	for i, r := range s {
		switch {
		case r == '_', r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z':
		case r >= '0' && r <= '9' && i > 0:
		default:
			return false
		}
	}
	return true
}
