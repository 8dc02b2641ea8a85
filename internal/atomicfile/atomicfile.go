// Package atomicfile writes files so that readers see either the old
// content or the complete new content, never a partial write.
package atomicfile

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// Write replaces path with data via a temp file in the same directory and a
// rename. The parent directory must exist.
func Write(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp.*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer func() {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
	}()

	if _, err := tmp.Write(data); err != nil {
		return err
	}
	if err := tmp.Chmod(perm); err != nil {
		return err
	}
	_ = tmp.Sync() // best-effort durability
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}

// Stage is a private directory next to a destination directory. Files are
// written into it and later moved into the destination with Commit, which
// only renames: staging and destination share a filesystem.
type Stage struct {
	Dir  string
	dest string

	// createdDest is set when NewStage had to create dest.
	createdDest bool
}

// NewStage creates a uniquely named staging directory inside destDir,
// creating destDir if needed. prefix should start with a dot so the
// directory is hidden from globbing consumers.
func NewStage(destDir, prefix string) (*Stage, error) {
	_, statErr := os.Stat(destDir)
	created := errors.Is(statErr, os.ErrNotExist)
	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating %s: %w", destDir, err)
	}
	dir, err := os.MkdirTemp(destDir, prefix)
	if err != nil {
		if created {
			_ = os.Remove(destDir)
		}
		return nil, fmt.Errorf("creating staging dir: %w", err)
	}
	return &Stage{Dir: dir, dest: destDir, createdDest: created}, nil
}

// Path returns the staged location of name.
func (s *Stage) Path(name string) string { return filepath.Join(s.Dir, name) }

// Commit moves the named staged files into the destination in the given
// order. The caller puts the file that must change last (the one whose
// presence marks a complete publish) at the end. A failure part-way leaves
// the names before it already moved.
func (s *Stage) Commit(names []string) error {
	for _, n := range names {
		if err := os.Rename(s.Path(n), filepath.Join(s.dest, n)); err != nil {
			return fmt.Errorf("publishing %s: %w", n, err)
		}
	}
	return nil
}

// Discard removes the staging directory and everything left in it. If
// NewStage created the destination and nothing was committed to it, the
// destination is removed too.
func (s *Stage) Discard() error {
	if s == nil {
		return nil
	}
	if err := os.RemoveAll(s.Dir); err != nil {
		return err
	}
	if s.createdDest {
		// Fails, and is ignored, when the destination is not empty.
		_ = os.Remove(s.dest)
	}
	return nil
}
