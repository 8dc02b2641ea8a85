package matrix

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
)

// LoadFile reads and validates a JSON matrix definition.
//
// The loader is strict:
//   - unknown fields are rejected (to avoid silent divergence)
//   - trailing data after the first JSON value is rejected
func LoadFile(path string) (*Matrix, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read matrix: %w", err)
	}
	return Parse(b)
}

// Parse decodes and validates a JSON matrix definition.
func Parse(b []byte) (*Matrix, error) {
	var m Matrix
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&m); err != nil {
		return nil, invalidf("parse matrix json: %v", err)
	}
	var trailing any
	if err := dec.Decode(&trailing); err != io.EOF {
		if err == nil {
			return nil, invalidf("parse matrix json: trailing data")
		}
		return nil, invalidf("parse matrix json: %v", err)
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &m, nil
}
