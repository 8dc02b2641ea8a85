package toolchain

import (
	"bytes"
	"fmt"
	"strings"
)

// InvocationError reports a toolchain process that exited non-zero or ran
// past its deadline.
type InvocationError struct {
	Args     []string
	ExitCode int
	TimedOut bool
	Stderr   []byte
	Err      error
}

func (e *InvocationError) Error() string {
	if e == nil {
		return ""
	}
	var b strings.Builder
	b.WriteString("toolchain invocation failed: ")
	b.WriteString(strings.Join(e.Args, " "))
	switch {
	case e.TimedOut:
		b.WriteString(": deadline exceeded")
	case e.Err != nil:
		fmt.Fprintf(&b, ": %v", e.Err)
	default:
		fmt.Fprintf(&b, ": exit code %d", e.ExitCode)
	}
	if msg := firstLine(e.Stderr); msg != "" {
		b.WriteString(": ")
		b.WriteString(msg)
	}
	return b.String()
}

func (e *InvocationError) Unwrap() error { return e.Err }

// LinkError reports a failed archive step. It wraps the underlying
// *InvocationError.
type LinkError struct {
	Output string
	Err    error
}

func (e *LinkError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("link %s: %v", e.Output, e.Err)
}

func (e *LinkError) Unwrap() error { return e.Err }

func firstLine(b []byte) string {
	b = bytes.TrimSpace(b)
	if i := bytes.IndexByte(b, '\n'); i >= 0 {
		b = b[:i]
	}
	return string(b)
}
