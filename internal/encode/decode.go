package encode

import (
	"bufio"
	"bytes"
	"fmt"
	"strconv"
	"strings"
)

// Decoded is the content recovered from an encoded array fragment.
type Decoded struct {
	Name   string
	Source string
	Blob   []byte
}

// Decode parses text produced by Encode (optionally preceded by arbitrary
// comment lines, such as a licence header) and reconstructs the blob.
//
// The declared length constant must match the number of elements.
func Decode(text []byte) (Decoded, error) {
	var d Decoded
	sc := bufio.NewScanner(bytes.NewReader(text))
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)

	const (
		stateHeader = iota
		stateElements
		stateLength
		stateDone
	)
	state := stateHeader
	blob := make([]byte, 0)
	declared := -1
	lineNo := 0

	for sc.Scan() {
		lineNo++
		line := strings.TrimSpace(sc.Text())
		switch state {
		case stateHeader:
			if src, ok := strings.CutPrefix(line, "// Generated from "); ok {
				d.Source = strings.TrimSuffix(src, ":")
				continue
			}
			if rest, ok := strings.CutPrefix(line, "unsigned char "); ok {
				name, ok := strings.CutSuffix(rest, "[] = {")
				if !ok || !isIdentifier(name) {
					return Decoded{}, fmt.Errorf("decode: line %d: malformed array declaration", lineNo)
				}
				d.Name = name
				state = stateElements
			}
		case stateElements:
			if line == "};" {
				state = stateLength
				continue
			}
			for _, tok := range strings.Fields(line) {
				v, err := parseElement(tok)
				if err != nil {
					return Decoded{}, fmt.Errorf("decode: line %d: %w", lineNo, err)
				}
				blob = append(blob, v)
			}
		case stateLength:
			rest, ok := strings.CutPrefix(line, "size_t "+d.Name+LenSuffix+" = ")
			if !ok {
				continue
			}
			n, err := strconv.Atoi(strings.TrimSuffix(rest, ";"))
			if err != nil || !strings.HasSuffix(rest, ";") {
				return Decoded{}, fmt.Errorf("decode: line %d: malformed length constant", lineNo)
			}
			declared = n
			state = stateDone
		}
	}
	if err := sc.Err(); err != nil {
		return Decoded{}, fmt.Errorf("decode: %w", err)
	}

	switch state {
	case stateHeader:
		return Decoded{}, fmt.Errorf("decode: no array declaration")
	case stateElements:
		return Decoded{}, fmt.Errorf("decode: unterminated array %q", d.Name)
	case stateLength:
		return Decoded{}, fmt.Errorf("decode: missing length constant %s%s", d.Name, LenSuffix)
	}
	if declared != len(blob) {
		return Decoded{}, fmt.Errorf("decode: %s%s = %d but array has %d elements", d.Name, LenSuffix, declared, len(blob))
	}
	d.Blob = blob
	return d, nil
}

func parseElement(tok string) (byte, error) {
	hex, ok := strings.CutSuffix(tok, ",")
	if !ok {
		return 0, fmt.Errorf("element %q: missing trailing comma", tok)
	}
	digits, ok := strings.CutPrefix(hex, "0x")
	if !ok || len(digits) != 2 {
		return 0, fmt.Errorf("element %q: expected two-digit hex literal", tok)
	}
	v, err := strconv.ParseUint(digits, 16, 8)
	if err != nil {
		return 0, fmt.Errorf("element %q: %w", tok, err)
	}
	return byte(v), nil
}
