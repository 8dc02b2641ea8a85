// Package toolchain drives the external shader compiler and linker.
//
// The toolchain is an opaque subprocess: this package builds explicit
// argument vectors, runs them without a shell, captures output and turns
// non-zero exits into typed errors. It never looks at the bytes produced.
package toolchain

import (
	"context"

	"metallibgen/internal/matrix"
)

// CompileRequest describes one (source, target, variant) compilation.
type CompileRequest struct {
	Target     matrix.Target
	MinVersion string
	Variant    matrix.Variant

	// Source is relative to the toolchain's base directory.
	Source string

	// Object is the output path of the compiled artifact.
	Object string
}

// LinkRequest describes the archive step for one (target, variant).
type LinkRequest struct {
	Target  matrix.Target
	Variant matrix.Variant

	// Objects must be in SourceFileSet order; the linked layout follows it.
	Objects []string

	// Output is the path of the linked blob.
	Output string
}

// Toolchain compiles sources to objects and links objects to a blob.
//
// Implementations must not leave Object/Output behind when they fail.
type Toolchain interface {
	Compile(ctx context.Context, req CompileRequest) error
	Link(ctx context.Context, req LinkRequest) error
}
