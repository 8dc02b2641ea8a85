// Package matrix defines the static build matrix: which shader sources are
// compiled, for which targets, under which named variants.
//
// A Matrix is immutable once validated. Everything that depends on it
// (declared inputs/outputs, file naming, unit ordering) is a pure function of
// its fields, so two runs over the same Matrix address the same files in the
// same order.
package matrix

import (
	"path"
	"sort"
	"strings"
)

// Target is one compilation target: a platform plus its default minimum
// deployment version.
type Target struct {
	Platform   Platform `json:"platform"`
	MinVersion string   `json:"min_version"`
}

// Variant is a named build configuration. Name doubles as the C++ symbol of
// every array emitted for the variant.
type Variant struct {
	Name string `json:"name"`

	// Flags are passed verbatim to the compile step, one argv element each.
	Flags []string `json:"flags,omitempty"`

	// MinVersions pins the deployment version per OS, overriding the
	// target's default. Used for API-level variants (e.g. Metal 2.1).
	MinVersions map[OS]string `json:"min_versions,omitempty"`
}

// Matrix is the complete build definition.
type Matrix struct {
	// Sources is the ordered SourceFileSet, relative to the base directory.
	// Order determines link order.
	Sources []string `json:"sources"`

	// Headers are declared inputs that are not compiled on their own.
	Headers []string `json:"headers,omitempty"`

	// Document is the file name of the aggregate dispatch document.
	Document string `json:"document"`

	// Description is a one-line comment placed under the document header.
	Description string `json:"description,omitempty"`

	Targets  []Target  `json:"targets"`
	Variants []Variant `json:"variants"`
}

// Unit is one (variant, target) pair: the granularity at which objects are
// linked into a blob and encoded.
type Unit struct {
	Variant Variant
	Target  Target
}

// Default returns the built-in matrix for the Metal backend's default shaders.
func Default() *Matrix {
	debugFlags := []string{"-gline-tables-only", "-MO"}
	metal21 := map[OS]string{OSMacOS: "10.14", OSIOS: "12.0"}
	return &Matrix{
		Sources:     []string{"blit.metal", "clear.metal", "gen_indices.metal"},
		Headers:     []string{"common.h", "constants.h"},
		Document:    "mtl_default_shaders_autogen.inc",
		Description: "Compiled binary for Metal default shaders.",
		Targets: []Target{
			{Platform: PlatformMacOS, MinVersion: "10.13"},
			{Platform: PlatformIOS, MinVersion: "11.0"},
			{Platform: PlatformIOSSimulator, MinVersion: "11.0"},
		},
		Variants: []Variant{
			{Name: "compiled_default_metallib"},
			{Name: "compiled_default_metallib_debug", Flags: debugFlags},
			{Name: "compiled_default_metallib_2_1", MinVersions: metal21},
			{Name: "compiled_default_metallib_2_1_debug", Flags: debugFlags, MinVersions: metal21},
		},
	}
}

// Validate checks the structural invariants the pipeline relies on.
//
// Every platform must appear exactly once: the dispatch document is only
// exhaustive when each concrete platform has a branch.
func (m *Matrix) Validate() error {
	if m == nil {
		return invalidf("nil matrix")
	}
	if len(m.Sources) == 0 {
		return invalidf("no sources")
	}
	seenFiles := make(map[string]bool, len(m.Sources)+len(m.Headers))
	for _, list := range [][]string{m.Sources, m.Headers} {
		for _, p := range list {
			if err := validateRelPath(p); err != nil {
				return err
			}
			if seenFiles[p] {
				return invalidf("duplicate input %q", p)
			}
			seenFiles[p] = true
		}
	}
	flattened := make(map[string]string, len(m.Sources))
	for _, src := range m.Sources {
		flat := flattenSource(src)
		if prev, ok := flattened[flat]; ok {
			return invalidf("sources %q and %q map to the same object name", prev, src)
		}
		flattened[flat] = src
	}
	if strings.TrimSpace(m.Document) == "" || strings.ContainsAny(m.Document, `/\`) {
		return invalidf("document must be a plain file name (got %q)", m.Document)
	}

	seenPlatforms := make(map[Platform]bool, len(m.Targets))
	for _, t := range m.Targets {
		if _, err := ParsePlatform(string(t.Platform)); err != nil {
			return err
		}
		if seenPlatforms[t.Platform] {
			return invalidf("duplicate target %q", t.Platform)
		}
		seenPlatforms[t.Platform] = true
		if strings.TrimSpace(t.MinVersion) == "" {
			return invalidf("target %q: min_version is required", t.Platform)
		}
	}
	for _, p := range Platforms() {
		if !seenPlatforms[p] {
			return invalidf("missing target %q", p)
		}
	}

	if len(m.Variants) == 0 {
		return invalidf("no variants")
	}
	seenVariants := make(map[string]bool, len(m.Variants))
	for _, v := range m.Variants {
		if !isIdentifier(v.Name) {
			return invalidf("variant name %q is not a valid identifier", v.Name)
		}
		if seenVariants[v.Name] {
			return invalidf("duplicate variant %q", v.Name)
		}
		seenVariants[v.Name] = true
		for os, ver := range v.MinVersions {
			if os != OSMacOS && os != OSIOS {
				return invalidf("variant %q: unknown os %q in min_versions", v.Name, os)
			}
			if strings.TrimSpace(ver) == "" {
				return invalidf("variant %q: empty min version for %q", v.Name, os)
			}
		}
		for _, f := range v.Flags {
			if strings.TrimSpace(f) == "" {
				return invalidf("variant %q: empty flag", v.Name)
			}
		}
	}
	return nil
}

func validateRelPath(p string) error {
	if strings.TrimSpace(p) == "" {
		return invalidf("empty path")
	}
	if path.IsAbs(p) || strings.HasPrefix(p, `\`) {
		return invalidf("path %q must be relative to the base directory", p)
	}
	clean := path.Clean(p)
	if clean != p || clean == "." || clean == ".." || strings.HasPrefix(clean, "../") {
		return invalidf("path %q must be clean and stay under the base directory", p)
	}
	return nil
}

func isIdentifier(s string) bool {
	if s == "" {
		return false
	}
	for i, r := range s {
		switch {
		case r == '_', r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z':
		case r >= '0' && r <= '9' && i > 0:
		default:
			return false
		}
	}
	return true
}

// OrderedTargets returns the targets sorted by platform rank.
func (m *Matrix) OrderedTargets() []Target {
	out := make([]Target, len(m.Targets))
	copy(out, m.Targets)
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Platform.Rank() < out[j].Platform.Rank()
	})
	return out
}

// Units enumerates every (variant, target) pair, variant-major, targets in
// rank order.
func (m *Matrix) Units() []Unit {
	targets := m.OrderedTargets()
	units := make([]Unit, 0, len(m.Variants)*len(targets))
	for _, v := range m.Variants {
		for _, t := range targets {
			units = append(units, Unit{Variant: v, Target: t})
		}
	}
	return units
}

// DeclaredInputs lists every file the pipeline reads, relative to the base
// directory: sources first, then headers, in declared order.
func (m *Matrix) DeclaredInputs() []string {
	out := make([]string, 0, len(m.Sources)+len(m.Headers))
	out = append(out, m.Sources...)
	out = append(out, m.Headers...)
	return out
}

// DeclaredOutputs lists every file a successful run publishes under
// outputDir: the document first, then the array files sorted.
func (m *Matrix) DeclaredOutputs(outputDir string) []string {
	arrays := make([]string, 0, len(m.Variants)*len(m.Targets))
	for _, u := range m.Units() {
		arrays = append(arrays, joinOutput(outputDir, u.ArrayFile()))
	}
	sort.Strings(arrays)
	return append([]string{joinOutput(outputDir, m.Document)}, arrays...)
}

func joinOutput(dir, name string) string {
	if dir == "" {
		return name
	}
	return path.Join(strings.ReplaceAll(dir, `\`, "/"), name)
}

// ID is the stable identifier of the unit, e.g. "compiled_default_metallib/mac".
func (u Unit) ID() string { return u.Variant.Name + "/" + u.Target.Platform.Suffix() }

// MinVersion is the effective deployment version: the variant pin for the
// target's OS if present, else the target default.
func (u Unit) MinVersion() string {
	if v, ok := u.Variant.MinVersions[u.Target.Platform.OS()]; ok {
		return v
	}
	return u.Target.MinVersion
}

// ArrayFile is the name of the unit's generated array file.
func (u Unit) ArrayFile() string {
	return u.Variant.Name + "_" + u.Target.Platform.Suffix() + "_autogen.inc"
}

// BlobFile is the name of the unit's linked library.
func (u Unit) BlobFile() string {
	return u.Variant.Name + "." + u.Target.Platform.Suffix() + ".metallib"
}

// ObjectFile is the name of the object compiled from source for this unit.
// Including variant, platform and version keeps names distinct across every
// (variant, target, source) triple.
func (u Unit) ObjectFile(source string) string {
	return u.Variant.Name + "." + u.Target.Platform.Suffix() + "." + u.MinVersion() + "." + flattenSource(source) + ".air"
}

func flattenSource(source string) string {
	return strings.NewReplacer("/", "_", `\`, "_").Replace(source)
}
