package trace

import (
	"crypto/sha256"
	"encoding/hex"
)

// computeHash is sha256 over already-canonical bytes, hex encoded.
func computeHash(canonical []byte) string {
	if len(canonical) == 0 {
		return ""
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:])
}
