package pipeline

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"metallibgen/internal/dispatch"
	"metallibgen/internal/encode"
	"metallibgen/internal/matrix"
	"metallibgen/internal/toolchain"
	"metallibgen/internal/trace"
)

// fakeToolchain compiles a source to a tagged copy of its bytes and links by
// concatenating objects in the order given.
type fakeToolchain struct {
	compiles atomic.Int64
	links    atomic.Int64

	// failCompile and failLink return a non-nil error to fail the step.
	failCompile func(req toolchain.CompileRequest) error
	failLink    func(req toolchain.LinkRequest) error

	// onCompile runs before each compile.
	onCompile func(req toolchain.CompileRequest)
}

func (f *fakeToolchain) Compile(ctx context.Context, req toolchain.CompileRequest) error {
	f.compiles.Add(1)
	if f.onCompile != nil {
		f.onCompile(req)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if f.failCompile != nil {
		if err := f.failCompile(req); err != nil {
			return err
		}
	}
	src, err := os.ReadFile(req.Source)
	if err != nil {
		return err
	}
	obj := fmt.Sprintf("[%s %s %s %s %q]%s", req.Target.Platform.SDK(), req.MinVersion, req.Variant.Name, filepath.Base(req.Source), req.Variant.Flags, src)
	return os.WriteFile(req.Object, []byte(obj), 0o644)
}

func (f *fakeToolchain) Link(ctx context.Context, req toolchain.LinkRequest) error {
	f.links.Add(1)
	if err := ctx.Err(); err != nil {
		return err
	}
	if f.failLink != nil {
		if err := f.failLink(req); err != nil {
			return &toolchain.LinkError{Output: req.Output, Err: err}
		}
	}
	var blob bytes.Buffer
	for _, o := range req.Objects {
		b, err := os.ReadFile(o)
		if err != nil {
			return err
		}
		blob.Write(b)
	}
	return os.WriteFile(req.Output, blob.Bytes(), 0o644)
}

func writeSources(t *testing.T, dir string, m *matrix.Matrix) {
	t.Helper()
	for _, p := range m.DeclaredInputs() {
		full := filepath.Join(dir, filepath.FromSlash(p))
		if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
			t.Fatalf("mkdir: %v", err)
		}
		if err := os.WriteFile(full, []byte("// "+p+"\n"), 0o644); err != nil {
			t.Fatalf("write %s: %v", p, err)
		}
	}
}

func newTestDriver(t *testing.T, tc toolchain.Toolchain) (*Driver, *trace.Recorder) {
	t.Helper()
	base := t.TempDir()
	m := matrix.Default()
	writeSources(t, base, m)
	d, err := New(base, filepath.Join(base, "compiled"), m, tc)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	d.Jobs = 2
	d.Header = dispatch.Header{Tool: "metallibgen", Year: 2026, Holder: "Test Authors.", License: dispatch.DefaultLicense}
	rec := trace.NewRecorder()
	d.Trace = rec
	return d, rec
}

// snapshotDir maps every regular file under dir to its content.
func snapshotDir(t *testing.T, dir string) map[string]string {
	t.Helper()
	out := map[string]string{}
	err := filepath.WalkDir(dir, func(p string, e os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if e.IsDir() {
			return nil
		}
		b, err := os.ReadFile(p)
		if err != nil {
			return err
		}
		rel, _ := filepath.Rel(dir, p)
		out[filepath.ToSlash(rel)] = string(b)
		return nil
	})
	if err != nil && !os.IsNotExist(err) {
		t.Fatalf("walk %s: %v", dir, err)
	}
	return out
}

func assertNoStaging(t *testing.T, outDir string) {
	t.Helper()
	entries, err := os.ReadDir(outDir)
	if err != nil {
		if os.IsNotExist(err) {
			return
		}
		t.Fatalf("read output dir: %v", err)
	}
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), runDirPrefix) {
			t.Fatalf("staging directory left behind: %s", e.Name())
		}
	}
}

func TestNew_Validation(t *testing.T) {
	m := matrix.Default()
	tc := &fakeToolchain{}
	if _, err := New("rel", "/abs", m, tc); err == nil {
		t.Fatalf("expected error for relative base dir")
	}
	if _, err := New("/abs", "rel", m, tc); err == nil {
		t.Fatalf("expected error for relative output dir")
	}
	if _, err := New("/abs", "/abs/out", m, nil); err == nil {
		t.Fatalf("expected error for nil toolchain")
	}
	bad := matrix.Default()
	bad.Targets = bad.Targets[:2]
	if _, err := New("/abs", "/abs/out", bad, tc); !errors.Is(err, matrix.ErrInvalidMatrix) {
		t.Fatalf("expected invalid matrix error, got %v", err)
	}
}

func TestRun_DefaultMatrixPublishesEverything(t *testing.T) {
	tc := &fakeToolchain{}
	d, rec := newTestDriver(t, tc)

	res, err := d.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Blobs != 12 || len(res.ArrayFiles) != 12 {
		t.Fatalf("expected 12 blobs and array files, got %d/%d", res.Blobs, len(res.ArrayFiles))
	}
	if got := tc.compiles.Load(); got != 36 {
		t.Fatalf("expected 36 compiles, got %d", got)
	}
	if got := tc.links.Load(); got != 12 {
		t.Fatalf("expected 12 links, got %d", got)
	}

	files := snapshotDir(t, d.OutputDir)
	if len(files) != 13 {
		t.Fatalf("expected document plus 12 array files, got %d: %v", len(files), keys(files))
	}
	for _, want := range d.Matrix.DeclaredOutputs("") {
		if _, ok := files[want]; !ok {
			t.Fatalf("declared output %s was not published", want)
		}
	}

	doc := files[d.Matrix.Document]
	if got := strings.Count(doc, "\n#if "); got != 4 {
		t.Fatalf("expected 4 sections, got %d", got)
	}
	if !strings.Contains(doc, "// Copyright 2026 Test Authors.\n") {
		t.Fatalf("header missing from document:\n%s", doc)
	}
	assertNoStaging(t, d.OutputDir)

	want := []Phase{PhaseInit}
	for range d.Matrix.Units() {
		want = append(want, PhaseCompile, PhaseLink, PhaseEncode)
	}
	want = append(want, PhaseAssemble, PhasePublish, PhaseCleanup, PhaseDone)
	if !reflect.DeepEqual(res.Phases, want) {
		t.Fatalf("phase history mismatch:\n got: %v\nwant: %v", res.Phases, want)
	}

	tr := rec.Trace(d.Matrix.Hash())
	if err := tr.Validate(); err != nil {
		t.Fatalf("trace invalid: %v", err)
	}
	counts := map[trace.EventKind]int{}
	for _, e := range tr.Events {
		counts[e.Kind]++
	}
	if counts[trace.EventUnitEncoded] != 12 || counts[trace.EventRunPublished] != 1 || counts[trace.EventUnitFailed] != 0 {
		t.Fatalf("unexpected trace counts: %v", counts)
	}
}

func TestRun_ArraysDecodeToLinkedBlobs(t *testing.T) {
	d, _ := newTestDriver(t, &fakeToolchain{})
	if _, err := d.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	for _, u := range d.Matrix.Units() {
		text, err := os.ReadFile(filepath.Join(d.OutputDir, u.ArrayFile()))
		if err != nil {
			t.Fatalf("read %s: %v", u.ArrayFile(), err)
		}
		dec, err := encode.Decode(text)
		if err != nil {
			t.Fatalf("%s: Decode: %v", u.ArrayFile(), err)
		}
		if dec.Name != u.Variant.Name || dec.Source != u.BlobFile() {
			t.Fatalf("%s: metadata mismatch: %s %s", u.ArrayFile(), dec.Name, dec.Source)
		}
		// Objects are linked in source order with the unit's settings.
		blob := string(dec.Blob)
		last := -1
		for _, src := range d.Matrix.Sources {
			i := strings.Index(blob, " "+src+" ")
			if i <= last {
				t.Fatalf("%s: %s missing or out of order in %q", u.ID(), src, blob)
			}
			last = i
		}
		prefix := fmt.Sprintf("[%s %s %s ", u.Target.Platform.SDK(), u.MinVersion(), u.Variant.Name)
		if !strings.HasPrefix(blob, prefix) {
			t.Fatalf("%s: blob built with wrong settings: %q", u.ID(), blob)
		}
	}
}

func TestRun_Idempotent(t *testing.T) {
	d, _ := newTestDriver(t, &fakeToolchain{})
	if _, err := d.Run(context.Background()); err != nil {
		t.Fatalf("first Run: %v", err)
	}
	first := snapshotDir(t, d.OutputDir)
	if _, err := d.Run(context.Background()); err != nil {
		t.Fatalf("second Run: %v", err)
	}
	second := snapshotDir(t, d.OutputDir)
	if !reflect.DeepEqual(first, second) {
		t.Fatalf("outputs changed between identical runs")
	}
}

func TestRun_RepeatedRunsReuseWorkers(t *testing.T) {
	d, _ := newTestDriver(t, &fakeToolchain{})
	d.Jobs = 8
	if _, err := d.Run(context.Background()); err != nil {
		t.Fatalf("first Run: %v", err)
	}
	baseline := runtime.NumGoroutine()

	for i := 0; i < 5; i++ {
		if _, err := d.Run(context.Background()); err != nil {
			t.Fatalf("Run %d: %v", i+2, err)
		}
	}
	// A pool per run would add Jobs goroutines each time.
	if got := runtime.NumGoroutine(); got > baseline+2 {
		t.Fatalf("goroutines grew across runs: %d -> %d", baseline, got)
	}
}

// documentSections parses the published document into its sections, each a
// list of branches in #if/#elif order.
func documentSections(t *testing.T, doc string) map[string][]dispatch.Branch {
	t.Helper()
	byPredicate := map[string]matrix.Platform{}
	for _, p := range matrix.Platforms() {
		byPredicate[dispatch.Predicate(p)] = p
	}

	out := map[string][]dispatch.Branch{}
	lines := strings.Split(doc, "\n")
	var name string
	for i, line := range lines {
		var pred string
		switch {
		case strings.HasPrefix(line, "#if "):
			name = strings.TrimPrefix(lines[i-1], "// ")
			pred = strings.TrimPrefix(line, "#if ")
		case strings.HasPrefix(line, "#elif "):
			pred, _, _ = strings.Cut(strings.TrimPrefix(line, "#elif "), "  // ")
		default:
			continue
		}
		p, ok := byPredicate[pred]
		if !ok {
			t.Fatalf("section %s: unknown predicate %q", name, pred)
		}
		include, ok := strings.CutPrefix(lines[i+1], "#include ")
		if !ok {
			t.Fatalf("section %s: predicate %q not followed by an include", name, pred)
		}
		out[name] = append(out[name], dispatch.Branch{Platform: p, Include: strings.Trim(include, `"`)})
	}
	return out
}

func TestRun_DocumentBranchOrderSelectsPlatformLibrary(t *testing.T) {
	d, _ := newTestDriver(t, &fakeToolchain{})
	// Declared out of rank order; the document must not follow it.
	d.Matrix.Targets = []matrix.Target{d.Matrix.Targets[2], d.Matrix.Targets[1], d.Matrix.Targets[0]}
	if _, err := d.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	doc, err := os.ReadFile(filepath.Join(d.OutputDir, d.Matrix.Document))
	if err != nil {
		t.Fatalf("read document: %v", err)
	}
	sections := documentSections(t, string(doc))
	if len(sections) != len(d.Matrix.Variants) {
		t.Fatalf("expected %d sections, got %d", len(d.Matrix.Variants), len(sections))
	}

	targetFor := map[matrix.Platform]matrix.Target{}
	for _, tg := range d.Matrix.Targets {
		targetFor[tg.Platform] = tg
	}
	wantOrder := []matrix.Platform{matrix.PlatformMacOS, matrix.PlatformIOSSimulator, matrix.PlatformIOS}

	for _, v := range d.Matrix.Variants {
		branches := sections[v.Name]
		if len(branches) != len(wantOrder) {
			t.Fatalf("%s: expected %d branches, got %d", v.Name, len(wantOrder), len(branches))
		}
		for i, p := range wantOrder {
			want := matrix.Unit{Variant: v, Target: targetFor[p]}.ArrayFile()
			if branches[i].Platform != p || branches[i].Include != want {
				t.Fatalf("%s: branch %d is %s %q, want %s %q", v.Name, i, branches[i].Platform, branches[i].Include, p, want)
			}
		}
		for _, ce := range dispatch.SupportedEnvironments() {
			idx := dispatch.Select(branches, ce.Env)
			if idx < 0 {
				t.Fatalf("%s: no branch active for %s", v.Name, ce.Name)
			}
			want := matrix.Unit{Variant: v, Target: targetFor[ce.Want]}.ArrayFile()
			if got := branches[idx].Include; got != want {
				t.Fatalf("%s: %s includes %s, want %s", v.Name, ce.Name, got, want)
			}
		}
	}
}

func TestRun_CompileFailureLeavesPriorOutputsUntouched(t *testing.T) {
	tc := &fakeToolchain{}
	d, rec := newTestDriver(t, tc)
	if _, err := d.Run(context.Background()); err != nil {
		t.Fatalf("seed Run: %v", err)
	}
	before := snapshotDir(t, d.OutputDir)

	tc.failCompile = func(req toolchain.CompileRequest) error {
		if req.Variant.Name == "compiled_default_metallib_2_1" && req.Target.Platform == matrix.PlatformIOS && filepath.Base(req.Source) == "clear.metal" {
			return &toolchain.InvocationError{Args: []string{"xcrun", "metal"}, ExitCode: 1, Stderr: []byte("clear.metal:1: error")}
		}
		return nil
	}
	d.Header.Year = 2027
	_, err := d.Run(context.Background())
	var invErr *toolchain.InvocationError
	if !errors.As(err, &invErr) {
		t.Fatalf("expected *InvocationError, got %v", err)
	}
	if !strings.Contains(err.Error(), "compiled_default_metallib_2_1/ios") || !strings.Contains(err.Error(), "clear.metal") {
		t.Fatalf("error does not name the failing unit and source: %v", err)
	}
	if after := snapshotDir(t, d.OutputDir); !reflect.DeepEqual(before, after) {
		t.Fatalf("failed run modified published outputs")
	}
	assertNoStaging(t, d.OutputDir)

	var aborted, skipped int
	for _, e := range rec.Snapshot() {
		switch e.Kind {
		case trace.EventRunAborted:
			aborted++
			if e.Reason != trace.ReasonCompileFailed {
				t.Fatalf("abort reason %q", e.Reason)
			}
		case trace.EventUnitSkipped:
			skipped++
		}
	}
	// The failing unit is the ninth of twelve.
	if aborted != 1 || skipped != 3 {
		t.Fatalf("expected 1 abort and 3 skipped units, got %d/%d", aborted, skipped)
	}
}

func TestRun_LinkFailureIsLinkError(t *testing.T) {
	tc := &fakeToolchain{failLink: func(req toolchain.LinkRequest) error {
		if req.Target.Platform == matrix.PlatformIOSSimulator {
			return errors.New("bad archive")
		}
		return nil
	}}
	d, _ := newTestDriver(t, tc)

	_, err := d.Run(context.Background())
	var linkErr *toolchain.LinkError
	if !errors.As(err, &linkErr) {
		t.Fatalf("expected *LinkError, got %v", err)
	}
	if _, err := os.Stat(d.OutputDir); !os.IsNotExist(err) {
		t.Fatalf("failed first run left the output directory behind: %v", err)
	}
}

func TestRun_MissingSourceIsIOError(t *testing.T) {
	tc := &fakeToolchain{}
	d, _ := newTestDriver(t, tc)
	if err := os.Remove(filepath.Join(d.BaseDir, "gen_indices.metal")); err != nil {
		t.Fatalf("remove: %v", err)
	}

	_, err := d.Run(context.Background())
	var ioErr *IOError
	if !errors.As(err, &ioErr) {
		t.Fatalf("expected *IOError, got %v", err)
	}
	if ioErr.Path != "gen_indices.metal" || !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("unexpected IOError: %v", ioErr)
	}
	if got := tc.compiles.Load(); got != 0 {
		t.Fatalf("toolchain must not run when a source is missing, ran %d compiles", got)
	}
	assertNoStaging(t, d.OutputDir)
}

func TestRun_CancelledMidRun(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var once sync.Once
	tc := &fakeToolchain{onCompile: func(req toolchain.CompileRequest) {
		if req.Variant.Name == "compiled_default_metallib_debug" {
			once.Do(cancel)
		}
	}}
	d, rec := newTestDriver(t, tc)

	_, err := d.Run(ctx)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	var invErr *toolchain.InvocationError
	if errors.As(err, &invErr) {
		t.Fatalf("cancellation reported as toolchain failure: %v", err)
	}
	if files := snapshotDir(t, d.OutputDir); len(files) != 0 {
		t.Fatalf("nothing should be published, got %v", keys(files))
	}
	assertNoStaging(t, d.OutputDir)

	var reason string
	for _, e := range rec.Snapshot() {
		if e.Kind == trace.EventRunAborted {
			reason = e.Reason
		}
	}
	if reason != trace.ReasonCancelled {
		t.Fatalf("expected abort reason %q, got %q", trace.ReasonCancelled, reason)
	}
}

func TestRun_AlreadyCancelled(t *testing.T) {
	tc := &fakeToolchain{}
	d, _ := newTestDriver(t, tc)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := d.Run(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if tc.compiles.Load() != 0 {
		t.Fatalf("no compile should start after cancellation")
	}
	assertNoStaging(t, d.OutputDir)
}

func TestDeclaredQueries_ArePure(t *testing.T) {
	tc := &fakeToolchain{}
	d, _ := newTestDriver(t, tc)

	in := d.DeclaredInputs()
	out := d.DeclaredOutputs()
	if !reflect.DeepEqual(in, d.DeclaredInputs()) || !reflect.DeepEqual(out, d.DeclaredOutputs()) {
		t.Fatalf("queries are not stable")
	}
	wantIn := []string{"blit.metal", "clear.metal", "gen_indices.metal", "common.h", "constants.h"}
	if !reflect.DeepEqual(in, wantIn) {
		t.Fatalf("inputs: %v", in)
	}
	if len(out) != 13 || out[0] != "compiled/mtl_default_shaders_autogen.inc" {
		t.Fatalf("outputs: %v", out)
	}
	for _, o := range out[1:] {
		if !strings.HasPrefix(o, "compiled/") || !strings.HasSuffix(o, "_autogen.inc") {
			t.Fatalf("unexpected output %s", o)
		}
	}
	if tc.compiles.Load() != 0 || tc.links.Load() != 0 {
		t.Fatalf("queries invoked the toolchain")
	}
	if _, err := os.Stat(d.OutputDir); !os.IsNotExist(err) {
		t.Fatalf("queries created the output directory: %v", err)
	}
}

func TestDeclaredOutputs_OutsideBaseDirIsAbsolute(t *testing.T) {
	outside := t.TempDir()
	d, err := New("/nonexistent/base", outside, matrix.Default(), &fakeToolchain{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	got := d.DeclaredOutputs()[0]
	if want := filepath.ToSlash(outside) + "/mtl_default_shaders_autogen.inc"; got != want {
		t.Fatalf("got %s want %s", got, want)
	}
}

func TestPhaseMachine_RejectsSkips(t *testing.T) {
	m := newPhaseMachine()
	if err := m.to(PhaseLink); err == nil {
		t.Fatalf("Init -> Link must be rejected")
	}
	for _, p := range []Phase{PhaseCompile, PhaseLink, PhaseEncode, PhaseAssemble, PhasePublish, PhaseCleanup} {
		if err := m.to(p); err != nil {
			t.Fatalf("to %s: %v", p, err)
		}
	}
	m.abort()
	if m.Current() != PhaseCleanup {
		t.Fatalf("abort after publish must be ignored, got %s", m.Current())
	}
	if err := m.to(PhaseDone); err != nil {
		t.Fatalf("to Done: %v", err)
	}
	if err := m.to(PhaseCompile); err == nil {
		t.Fatalf("Done is terminal")
	}
}

func keys(m map[string]string) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}
