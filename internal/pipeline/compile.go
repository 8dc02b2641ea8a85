package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/Carmen-Shannon/automation/tools/worker"

	"metallibgen/internal/matrix"
	"metallibgen/internal/toolchain"
)

// compileAll compiles every source of the matrix for one unit on the Driver's
// worker pool. objects[i] is the output path for Sources[i]. When more than
// one compile fails, the error for the earliest source is returned so the
// reported failure does not depend on scheduling.
func (d *Driver) compileAll(ctx context.Context, u matrix.Unit, objects []string) error {
	// Missing sources are reported before any toolchain work starts.
	for _, src := range d.Matrix.Sources {
		if _, err := os.Stat(filepath.Join(d.BaseDir, filepath.FromSlash(src))); err != nil {
			return &IOError{Op: "read", Path: src, Err: err}
		}
	}

	pool := d.workers()
	cctx, cancel := context.WithCancel(ctx)
	defer cancel()

	errs := make([]error, len(d.Matrix.Sources))
	var wg sync.WaitGroup
	for i, src := range d.Matrix.Sources {
		req := toolchain.CompileRequest{
			Target:     u.Target,
			MinVersion: u.MinVersion(),
			Variant:    u.Variant,
			Source:     filepath.Join(d.BaseDir, filepath.FromSlash(src)),
			Object:     objects[i],
		}
		idx := i
		wg.Add(1)
		pool.SubmitTask(worker.Task{
			ID: idx,
			Do: func() (any, error) {
				defer wg.Done()
				defer func() {
					if rec := recover(); rec != nil {
						errs[idx] = fmt.Errorf("panic: %v", rec)
						cancel()
					}
				}()
				if err := cctx.Err(); err != nil {
					errs[idx] = err
					return nil, nil
				}
				if err := d.Toolchain.Compile(cctx, req); err != nil {
					errs[idx] = err
					// Stop the siblings: the unit has already failed.
					cancel()
				}
				return nil, nil
			},
		})
	}
	wg.Wait()

	// Prefer a real toolchain failure over the cancellations it caused in
	// sibling compiles.
	var first error
	for i, err := range errs {
		if err == nil {
			continue
		}
		wrapped := fmt.Errorf("%s: compiling %s: %w", u.ID(), d.Matrix.Sources[i], err)
		if !errors.Is(err, context.Canceled) {
			return wrapped
		}
		if first == nil {
			first = wrapped
		}
	}
	if first != nil && ctx.Err() == nil {
		// Only sibling cancellations remain and the caller did not cancel;
		// this cannot happen without a primary failure.
		return fmt.Errorf("%s: compile cancelled without cause", u.ID())
	}
	return first
}
