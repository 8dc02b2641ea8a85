package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"metallibgen/internal/dispatch"
	"metallibgen/internal/matrix"
	"metallibgen/internal/pipeline"
	"metallibgen/internal/toolchain"
	"metallibgen/internal/trace"
)

// now supplies the copyright year of generated headers.
var now = time.Now

type CLIResult struct {
	ExitCode int
	Result   *pipeline.Result
}

// Execute runs a canonical invocation against the xcrun toolchain.
func Execute(ctx context.Context, inv CLIInvocation, stdout, stderr io.Writer) (CLIResult, error) {
	tc := toolchain.NewXcrun(inv.WorkDir)
	tc.Bin = inv.Xcrun
	tc.Timeout = inv.Timeout
	return ExecuteWithToolchain(ctx, inv, tc, stdout, stderr)
}

// ExecuteWithToolchain maps a CLIInvocation to a pipeline run or query.
//
// Responsibilities:
//   - Load and validate the matrix (config errors exit 3).
//   - Print declared inputs or outputs for the query modes without touching
//     the filesystem or the toolchain.
//   - Run the pipeline, write the trace after the run whatever its outcome,
//     and translate the outcome to a semantic exit code.
func ExecuteWithToolchain(ctx context.Context, inv CLIInvocation, tc toolchain.Toolchain, stdout, stderr io.Writer) (res CLIResult, execErr error) {
	res.ExitCode = ExitInternalError
	if stdout == nil {
		stdout = io.Discard
	}
	if stderr == nil {
		stderr = io.Discard
	}

	m, err := loadMatrix(inv.ConfigPath)
	if err != nil {
		res.ExitCode = ExitConfigError
		return res, err
	}

	d, err := pipeline.New(inv.WorkDir, inv.OutputDir, m, tc)
	if err != nil {
		if errors.Is(err, matrix.ErrInvalidMatrix) {
			res.ExitCode = ExitConfigError
		}
		return res, err
	}

	switch inv.Mode {
	case ModeInputs:
		return printList(stdout, d.DeclaredInputs())
	case ModeOutputs:
		return printList(stdout, d.DeclaredOutputs())
	case ModeRun, "":
	default:
		res.ExitCode = ExitInvalidInvocation
		return res, fmt.Errorf("unknown mode %q", inv.Mode)
	}

	d.Jobs = inv.Jobs
	d.Header = dispatch.Header{
		Tool:    "metallibgen",
		Year:    now().Year(),
		Holder:  inv.Copyright,
		License: dispatch.DefaultLicense,
	}
	if inv.Verbose {
		d.Log = stderr
	}
	rec := trace.NewRecorder()
	d.Trace = rec

	defer func() {
		if r := recover(); r != nil {
			res.ExitCode = ExitInternalError
			res.Result = nil
			execErr = fmt.Errorf("panic: %v", r)
		}
		if !inv.Trace.Enabled {
			return
		}
		// The trace is written whatever the outcome; a failure to write it
		// only changes the exit code of an otherwise successful run.
		if err := trace.WriteFile(inv.Trace.Path, rec.Trace(m.Hash())); err != nil {
			fmt.Fprintf(stderr, "write trace: %v\n", err)
			if execErr == nil {
				res.ExitCode = ExitInternalError
				execErr = fmt.Errorf("write trace: %w", err)
			}
		}
	}()

	out, err := d.Run(ctx)
	if err != nil {
		res.ExitCode = exitCodeForRunError(err)
		return res, err
	}
	res.Result = out
	res.ExitCode = ExitSuccess
	return res, nil
}

func loadMatrix(path string) (*matrix.Matrix, error) {
	if path == "" {
		return matrix.Default(), nil
	}
	return matrix.LoadFile(path)
}

func printList(w io.Writer, items []string) (CLIResult, error) {
	if _, err := fmt.Fprintln(w, strings.Join(items, ",")); err != nil {
		return CLIResult{ExitCode: ExitInternalError}, err
	}
	return CLIResult{ExitCode: ExitSuccess}, nil
}

func exitCodeForRunError(err error) int {
	var invErr *toolchain.InvocationError
	var linkErr *toolchain.LinkError
	var ioErr *pipeline.IOError
	switch {
	case errors.Is(err, matrix.ErrInvalidMatrix):
		return ExitConfigError
	case errors.As(err, &invErr), errors.As(err, &linkErr), errors.As(err, &ioErr),
		errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return ExitPipelineFailure
	default:
		return ExitInternalError
	}
}
