// Package dispatch assembles the aggregate document that selects one
// embedded shader library per platform at C++ compile time.
//
// The document is a sequence of sections, one per variant. Each section is
// an #if/#elif chain whose branch order (desktop, simulator, device) is what
// makes exactly one branch active for every concrete platform: the device
// predicate TARGET_OS_IOS also holds on the simulator and on Mac Catalyst,
// so it must come last. Assemble preserves the order it is given; callers
// supply branches in matrix.Platform rank order.
package dispatch

import (
	"fmt"
	"strings"

	"metallibgen/internal/matrix"
)

// Branch guards the inclusion of one array file.
type Branch struct {
	Platform matrix.Platform
	Include  string
}

// Section is the conditional block for one variant.
type Section struct {
	Name     string
	Branches []Branch
}

// Predicate returns the preprocessor condition for p.
func Predicate(p matrix.Platform) string {
	switch p {
	case matrix.PlatformMacOS:
		return "TARGET_OS_OSX || TARGET_OS_MACCATALYST"
	case matrix.PlatformIOSSimulator:
		return "TARGET_OS_IOS && TARGET_OS_SIMULATOR"
	case matrix.PlatformIOS:
		return "TARGET_OS_IOS"
	default:
		return "0"
	}
}

// Header is the provenance banner placed at the top of every generated file.
type Header struct {
	Tool string
	Year int

	// Holder is the copyright holder; the copyright line is omitted when empty.
	Holder string

	// License lines are emitted verbatim as comments.
	License []string
}

// DefaultLicense is the licence notice of the project the shaders belong to.
var DefaultLicense = []string{
	"Use of this source code is governed by a BSD-style license that can be",
	"found in the LICENSE file.",
}

// Render returns the header text, newline terminated.
func (h Header) Render() string {
	var b strings.Builder
	b.WriteString("// GENERATED FILE - DO NOT EDIT.\n")
	fmt.Fprintf(&b, "// Generated by %s\n", h.Tool)
	b.WriteString("//\n")
	if h.Holder != "" {
		fmt.Fprintf(&b, "// Copyright %d %s\n", h.Year, h.Holder)
	}
	for _, l := range h.License {
		if l == "" {
			b.WriteString("//\n")
			continue
		}
		b.WriteString("// " + l + "\n")
	}
	b.WriteString("//\n")
	return b.String()
}

// Assemble renders the full document. It performs no validation of the
// predicate set; see the package comment.
func Assemble(h Header, description string, sections []Section) []byte {
	var b strings.Builder
	b.WriteString(h.Render())
	b.WriteString("\n")
	if description != "" {
		b.WriteString("// " + description + "\n\n")
	}
	b.WriteString("#include <TargetConditionals.h>\n\n")
	b.WriteString("// clang-format off\n")
	for _, s := range sections {
		b.WriteString("\n")
		writeSection(&b, s)
	}
	b.WriteString("\n// clang-format on\n")
	return []byte(b.String())
}

func writeSection(b *strings.Builder, s Section) {
	fmt.Fprintf(b, "// %s\n", s.Name)
	if len(s.Branches) == 0 {
		return
	}
	opening := Predicate(s.Branches[0].Platform)
	for i, br := range s.Branches {
		if i == 0 {
			fmt.Fprintf(b, "#if %s\n", opening)
		} else {
			fmt.Fprintf(b, "#elif %s  // %s\n", Predicate(br.Platform), opening)
		}
		fmt.Fprintf(b, "#include %q\n", br.Include)
	}
	fmt.Fprintf(b, "#endif  // %s\n", opening)
}
