package matrix

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
)

// Hash is the deterministic identity of the matrix definition.
//
// encoding/json emits struct fields in declaration order and map keys
// sorted, so the encoding (and therefore the hash) is stable across runs.
// Slice order is significant and intentionally part of the identity.
func (m *Matrix) Hash() string {
	if m == nil {
		return ""
	}
	b, err := json.Marshal(m)
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}
