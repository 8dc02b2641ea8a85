package trace

import (
	"fmt"
	"os"
	"path/filepath"

	"metallibgen/internal/atomicfile"
)

// WriteFile writes the canonical JSON of tr to path atomically, creating the
// parent directory if needed.
func WriteFile(path string, tr RunTrace) error {
	b, err := tr.CanonicalJSON()
	if err != nil {
		return fmt.Errorf("encoding trace: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating trace dir: %w", err)
	}
	if err := atomicfile.Write(path, append(b, '\n'), 0o644); err != nil {
		return fmt.Errorf("writing trace: %w", err)
	}
	return nil
}
