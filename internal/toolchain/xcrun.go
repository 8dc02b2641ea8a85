package toolchain

import (
	"context"
	"os"
	"path/filepath"
	"time"
)

// Xcrun drives Apple's Metal toolchain through xcrun.
//
//	xcrun -sdk <sdk> metal <version-min> <flags...> <source> -c -o <object>
//	xcrun -sdk <sdk> metallib <objects...> -o <blob>
type Xcrun struct {
	// Bin is the xcrun executable. Defaults to "xcrun".
	Bin string

	// BaseDir is where sources are resolved and the child runs.
	BaseDir string

	// Env is the child environment (allowlist, see HostEnv).
	Env map[string]string

	// Timeout bounds each invocation; zero disables the deadline.
	Timeout time.Duration
}

// NewXcrun returns an Xcrun rooted at baseDir with the default host
// environment allowlist.
func NewXcrun(baseDir string) *Xcrun {
	return &Xcrun{Bin: "xcrun", BaseDir: baseDir, Env: HostEnv(DefaultEnvKeys...)}
}

func (x *Xcrun) bin() string {
	if x.Bin == "" {
		return "xcrun"
	}
	return x.Bin
}

func (x *Xcrun) runner() runner {
	return runner{Dir: x.BaseDir, Env: x.Env, Timeout: x.Timeout}
}

// CompileArgs returns the full argument vector for req, including argv[0].
func (x *Xcrun) CompileArgs(req CompileRequest) []string {
	p := req.Target.Platform
	argv := []string{x.bin(), "-sdk", p.SDK(), "metal", p.VersionMinFlag(req.MinVersion)}
	argv = append(argv, req.Variant.Flags...)
	return append(argv, req.Source, "-c", "-o", req.Object)
}

// LinkArgs returns the full argument vector for req, including argv[0].
func (x *Xcrun) LinkArgs(req LinkRequest) []string {
	argv := []string{x.bin(), "-sdk", req.Target.Platform.SDK(), "metallib"}
	argv = append(argv, req.Objects...)
	return append(argv, "-o", req.Output)
}

// Compile runs the compile step. On failure the object file is removed.
func (x *Xcrun) Compile(ctx context.Context, req CompileRequest) error {
	if _, err := x.runner().run(ctx, x.CompileArgs(req)); err != nil {
		_ = os.Remove(x.resolve(req.Object))
		return err
	}
	return nil
}

// Link runs the archive step. On failure the partial blob is removed and the
// error is wrapped in *LinkError.
func (x *Xcrun) Link(ctx context.Context, req LinkRequest) error {
	if _, err := x.runner().run(ctx, x.LinkArgs(req)); err != nil {
		_ = os.Remove(x.resolve(req.Output))
		return &LinkError{Output: req.Output, Err: err}
	}
	return nil
}

func (x *Xcrun) resolve(p string) string {
	if filepath.IsAbs(p) || x.BaseDir == "" {
		return p
	}
	return filepath.Join(x.BaseDir, p)
}
