// Package pipeline sequences the target/variant matrix through compile,
// link, encode and assemble, and publishes the generated files atomically.
//
// A run stages everything inside a private directory under the output
// directory. Nothing under the output directory's final names changes until
// every unit has succeeded; on failure or cancellation the staging directory
// is removed and previously published files are left untouched.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"time"

	"github.com/Carmen-Shannon/automation/tools/worker"

	"metallibgen/internal/atomicfile"
	"metallibgen/internal/dispatch"
	"metallibgen/internal/encode"
	"metallibgen/internal/matrix"
	"metallibgen/internal/toolchain"
	"metallibgen/internal/trace"
)

// runDirPrefix names the per-run staging directory inside the output dir.
const runDirPrefix = ".metallibgen-"

// Driver runs the pipeline for one matrix.
type Driver struct {
	// BaseDir is the absolute directory sources are relative to.
	BaseDir string

	// OutputDir is the absolute directory generated files are published to.
	OutputDir string

	Matrix    *matrix.Matrix
	Toolchain toolchain.Toolchain

	// Jobs bounds concurrent compilations. Zero means runtime.NumCPU().
	Jobs int

	// Header is written at the top of every generated file.
	Header dispatch.Header

	// Log receives human-readable progress lines. Nil discards them.
	Log io.Writer

	// Trace receives logical run events. Nil discards them.
	Trace trace.Sink

	poolOnce sync.Once
	pool     worker.DynamicWorkerPool
}

// Result describes a successful run.
type Result struct {
	// Document is the absolute path of the published dispatch document.
	Document string

	// ArrayFiles are the absolute paths of the published array files in unit
	// order.
	ArrayFiles []string

	// Blobs is the number of linked libraries that were encoded.
	Blobs int

	// Phases is the sequence of phases the run went through.
	Phases []Phase
}

// New validates the inputs and returns a Driver with defaults applied.
func New(baseDir, outputDir string, m *matrix.Matrix, tc toolchain.Toolchain) (*Driver, error) {
	if !filepath.IsAbs(baseDir) {
		return nil, fmt.Errorf("base dir must be absolute (got %q)", baseDir)
	}
	if !filepath.IsAbs(outputDir) {
		return nil, fmt.Errorf("output dir must be absolute (got %q)", outputDir)
	}
	if tc == nil {
		return nil, fmt.Errorf("nil toolchain")
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &Driver{
		BaseDir:   filepath.Clean(baseDir),
		OutputDir: filepath.Clean(outputDir),
		Matrix:    m,
		Toolchain: tc,
		Header:    dispatch.Header{Tool: "metallibgen"},
	}, nil
}

// DeclaredInputs returns the files a run reads, relative to BaseDir.
// It does not touch the filesystem or the toolchain.
func (d *Driver) DeclaredInputs() []string {
	return d.Matrix.DeclaredInputs()
}

// DeclaredOutputs returns the files a successful run publishes. Paths are
// relative to BaseDir when OutputDir is inside it, absolute otherwise.
// It does not touch the filesystem or the toolchain.
func (d *Driver) DeclaredOutputs() []string {
	return d.Matrix.DeclaredOutputs(d.outputDirForDisplay())
}

func (d *Driver) outputDirForDisplay() string {
	rel, err := filepath.Rel(d.BaseDir, d.OutputDir)
	if err != nil || rel == ".." || filepath.IsAbs(rel) || len(rel) >= 3 && rel[:3] == ".."+string(filepath.Separator) {
		return filepath.ToSlash(d.OutputDir)
	}
	if rel == "." {
		return ""
	}
	return filepath.ToSlash(rel)
}

func (d *Driver) jobs() int {
	if d.Jobs > 0 {
		return d.Jobs
	}
	return max(runtime.NumCPU(), 1)
}

// workers returns the Driver's compile pool, starting it on first use. The
// pool's workers never exit, so every Run on this Driver shares one pool and
// the goroutine count stays at the Jobs value seen by the first Run.
func (d *Driver) workers() worker.DynamicWorkerPool {
	d.poolOnce.Do(func() {
		d.pool = worker.NewDynamicWorkerPool(d.jobs(), 256, time.Second)
	})
	return d.pool
}

func (d *Driver) logf(format string, args ...any) {
	if d.Log == nil {
		return
	}
	fmt.Fprintf(d.Log, format+"\n", args...)
}

func (d *Driver) record(e trace.Event) {
	trace.SafeRecord(d.Trace, e)
}

// run holds the state of one Run call.
type run struct {
	stage  *atomicfile.Stage
	objDir string
	phases *phaseMachine
}

// Run executes the whole matrix. On success the document and every array
// file are published and a Result is returned. On any failure the error is
// returned, nothing is published, and all intermediates are removed.
func (d *Driver) Run(ctx context.Context) (*Result, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	r := &run{phases: newPhaseMachine()}

	stage, err := atomicfile.NewStage(d.OutputDir, runDirPrefix)
	if err != nil {
		r.phases.abort()
		d.record(trace.Event{Kind: trace.EventRunAborted, Reason: trace.ReasonIOFailed})
		return nil, &IOError{Op: "create", Path: "run directory", Err: err}
	}
	r.stage = stage
	defer func() {
		if err := stage.Discard(); err != nil {
			d.logf("warning: removing %s: %v", stage.Dir, err)
		}
	}()

	r.objDir = filepath.Join(stage.Dir, "obj")
	if err := os.Mkdir(r.objDir, 0o755); err != nil {
		return nil, d.abort(r, 0, &IOError{Op: "create", Path: "intermediate directory", Err: err})
	}

	units := d.Matrix.Units()
	arrays := make([]string, 0, len(units))
	for i, u := range units {
		if err := ctx.Err(); err != nil {
			d.record(trace.Event{Kind: trace.EventUnitSkipped, UnitID: u.ID(), Reason: trace.ReasonCancelled})
			return nil, d.abort(r, i, fmt.Errorf("run cancelled: %w", err))
		}
		if err := d.runUnit(ctx, r, u); err != nil {
			return nil, d.abort(r, i, err)
		}
		arrays = append(arrays, u.ArrayFile())
	}

	if err := r.phases.to(PhaseAssemble); err != nil {
		return nil, d.abort(r, len(units), err)
	}
	doc := dispatch.Assemble(d.Header, d.Matrix.Description, d.sections())
	if err := os.WriteFile(stage.Path(d.Matrix.Document), doc, 0o644); err != nil {
		return nil, d.abort(r, len(units), &IOError{Op: "write", Path: d.Matrix.Document, Err: err})
	}

	// Final cancellation point: after this the publish is all renames.
	if err := ctx.Err(); err != nil {
		return nil, d.abort(r, len(units), fmt.Errorf("run cancelled: %w", err))
	}
	if err := r.phases.to(PhasePublish); err != nil {
		return nil, d.abort(r, len(units), err)
	}
	// The document goes last: it only changes once every array it includes
	// is in place.
	if err := stage.Commit(append(arrays, d.Matrix.Document)); err != nil {
		return nil, d.abort(r, len(units), &IOError{Op: "publish", Path: d.Matrix.Document, Err: err})
	}
	d.record(trace.Event{Kind: trace.EventRunPublished, Artifacts: append([]string{d.Matrix.Document}, arrays...)})
	d.logf("Published %s (%d libraries)", d.Matrix.Document, len(arrays))

	if err := r.phases.to(PhaseCleanup); err != nil {
		return nil, err
	}
	if err := r.phases.to(PhaseDone); err != nil {
		return nil, err
	}

	res := &Result{
		Document:   filepath.Join(d.OutputDir, d.Matrix.Document),
		ArrayFiles: make([]string, len(arrays)),
		Blobs:      len(arrays),
		Phases:     r.phases.History(),
	}
	for i, a := range arrays {
		res.ArrayFiles[i] = filepath.Join(d.OutputDir, a)
	}
	return res, nil
}

// abort records the failure, marks the units from index next onward as
// skipped and returns err unchanged.
func (d *Driver) abort(r *run, next int, err error) error {
	r.phases.abort()
	units := d.Matrix.Units()
	for _, u := range units[min(next+1, len(units)):] {
		d.record(trace.Event{Kind: trace.EventUnitSkipped, UnitID: u.ID(), Reason: trace.ReasonUpstreamAbort})
	}
	d.record(trace.Event{Kind: trace.EventRunAborted, Reason: reasonFor(err)})
	d.logf("Aborted: %v", err)
	return err
}

func reasonFor(err error) string {
	var linkErr *toolchain.LinkError
	var invErr *toolchain.InvocationError
	var ioErr *IOError
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return trace.ReasonCancelled
	case errors.As(err, &linkErr):
		return trace.ReasonLinkFailed
	case errors.As(err, &invErr):
		return trace.ReasonCompileFailed
	case errors.As(err, &ioErr):
		return trace.ReasonIOFailed
	default:
		return ""
	}
}

// sections builds one dispatch section per variant with branches in
// platform rank order.
func (d *Driver) sections() []dispatch.Section {
	targets := d.Matrix.OrderedTargets()
	out := make([]dispatch.Section, 0, len(d.Matrix.Variants))
	for _, v := range d.Matrix.Variants {
		s := dispatch.Section{Name: v.Name, Branches: make([]dispatch.Branch, 0, len(targets))}
		for _, t := range targets {
			u := matrix.Unit{Variant: v, Target: t}
			s.Branches = append(s.Branches, dispatch.Branch{Platform: t.Platform, Include: u.ArrayFile()})
		}
		out = append(out, s)
	}
	return out
}

// runUnit compiles, links and encodes one (variant, target) pair and stages
// its array file. The unit's objects and blob are removed before returning.
func (d *Driver) runUnit(ctx context.Context, r *run, u matrix.Unit) error {
	if err := r.phases.to(PhaseCompile); err != nil {
		return err
	}
	d.logf("Compiling %s %s version of %s ...", u.Target.Platform, u.MinVersion(), u.Variant.Name)

	objects := make([]string, len(d.Matrix.Sources))
	for i, src := range d.Matrix.Sources {
		objects[i] = filepath.Join(r.objDir, u.ObjectFile(src))
	}
	blobPath := filepath.Join(r.objDir, u.BlobFile())
	defer func() {
		for _, o := range objects {
			_ = os.Remove(o)
		}
		_ = os.Remove(blobPath)
	}()

	if err := d.compileAll(ctx, u, objects); err != nil {
		d.record(trace.Event{Kind: trace.EventUnitFailed, UnitID: u.ID(), Reason: reasonForCompile(err)})
		return err
	}
	d.record(trace.Event{Kind: trace.EventUnitCompiled, UnitID: u.ID(), Artifacts: d.Matrix.Sources})

	if err := r.phases.to(PhaseLink); err != nil {
		return err
	}
	err := d.Toolchain.Link(ctx, toolchain.LinkRequest{
		Target:  u.Target,
		Variant: u.Variant,
		Objects: objects,
		Output:  blobPath,
	})
	if err != nil {
		reason := trace.ReasonLinkFailed
		if errors.Is(err, context.Canceled) {
			reason = trace.ReasonCancelled
		}
		d.record(trace.Event{Kind: trace.EventUnitFailed, UnitID: u.ID(), Reason: reason})
		var linkErr *toolchain.LinkError
		if !errors.As(err, &linkErr) && !errors.Is(err, context.Canceled) {
			err = &toolchain.LinkError{Output: u.BlobFile(), Err: err}
		}
		return fmt.Errorf("%s: %w", u.ID(), err)
	}
	d.record(trace.Event{Kind: trace.EventUnitLinked, UnitID: u.ID(), Artifacts: []string{u.BlobFile()}})

	if err := r.phases.to(PhaseEncode); err != nil {
		return err
	}
	blob, err := os.ReadFile(blobPath)
	if err != nil {
		d.record(trace.Event{Kind: trace.EventUnitFailed, UnitID: u.ID(), Reason: trace.ReasonIOFailed})
		return &IOError{Op: "read", Path: u.BlobFile(), Err: err}
	}
	enc, err := encode.Encode(u.Variant.Name, u.BlobFile(), blob)
	if err != nil {
		return err
	}
	content := make([]byte, 0, len(enc.Text)+512)
	content = append(content, d.Header.Render()...)
	content = append(content, '\n')
	content = append(content, enc.Text...)
	if err := os.WriteFile(r.stage.Path(u.ArrayFile()), content, 0o644); err != nil {
		d.record(trace.Event{Kind: trace.EventUnitFailed, UnitID: u.ID(), Reason: trace.ReasonIOFailed})
		return &IOError{Op: "write", Path: u.ArrayFile(), Err: err}
	}
	d.record(trace.Event{Kind: trace.EventUnitEncoded, UnitID: u.ID(), Artifacts: []string{u.ArrayFile()}})
	return nil
}

func reasonForCompile(err error) string {
	var ioErr *IOError
	switch {
	case errors.As(err, &ioErr):
		return trace.ReasonSourceMissing
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return trace.ReasonCancelled
	default:
		return trace.ReasonCompileFailed
	}
}
