package pipeline

import "fmt"

// IOError reports a failure reading a source or blob, or writing an
// intermediate or output file. Path is relative to the base or output
// directory so messages do not depend on temp-dir names.
type IOError struct {
	Op   string
	Path string
	Err  error
}

func (e *IOError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("%s %s: %v", e.Op, e.Path, e.Err)
}

func (e *IOError) Unwrap() error { return e.Err }
