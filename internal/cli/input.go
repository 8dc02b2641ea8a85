package cli

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"time"
)

const (
	ExitSuccess           = 0
	ExitPipelineFailure   = 1
	ExitInvalidInvocation = 2
	ExitConfigError       = 3
	ExitInternalError     = 4
)

// Mode selects what an invocation does.
type Mode string

const (
	// ModeRun executes the whole pipeline.
	ModeRun Mode = "run"
	// ModeInputs prints the declared inputs.
	ModeInputs Mode = "inputs"
	// ModeOutputs prints the declared outputs.
	ModeOutputs Mode = "outputs"
)

// DefaultCopyright is the holder named in generated headers.
const DefaultCopyright = "The ANGLE Project Authors. All rights reserved."

type TraceConfig struct {
	Enabled bool
	Path    string
}

// CLIInvocation is the fully canonicalized description of a run.
//
// All paths are cleaned and relative paths are resolved against WorkDir,
// which is always absolute. Nothing here depends on the process working
// directory after parsing.
type CLIInvocation struct {
	Mode       Mode
	WorkDir    string
	ConfigPath string // empty selects the built-in matrix
	OutputDir  string
	Xcrun      string
	Jobs       int
	Timeout    time.Duration
	Copyright  string
	Verbose    bool
	Trace      TraceConfig

	OriginalOutput string
}

type InvocationError struct {
	ExitCode int
	Message  string
}

func (e *InvocationError) Error() string {
	if e == nil {
		return ""
	}
	return e.Message
}

func invalidInvocationf(format string, args ...any) error {
	return &InvocationError{ExitCode: ExitInvalidInvocation, Message: fmt.Sprintf(format, args...)}
}

// ParseInvocation parses CLI arguments into a canonical CLIInvocation.
//
// defaultWorkDir is used when -workdir is not given; callers resolve it once
// at the process boundary. It must be absolute when it is used.
func ParseInvocation(args []string, defaultWorkDir string) (CLIInvocation, error) {
	fs := flag.NewFlagSet("metallibgen", flag.ContinueOnError)
	fs.SetOutput(io.Discard) // parsing errors are returned, not printed

	var (
		workDir    string
		configPath string
		outputDir  string
		xcrun      string
		tracePath  string
		copyright  string
		jobs       int
		timeout    time.Duration
		verbose    bool
	)
	fs.StringVar(&workDir, "workdir", defaultWorkDir, "Absolute base directory sources are read from.")
	fs.StringVar(&configPath, "config", "", "JSON target matrix (optional; built-in matrix when empty).")
	fs.StringVar(&outputDir, "output-dir", "compiled", "Directory generated files are published to.")
	fs.StringVar(&xcrun, "xcrun", "xcrun", "Toolchain driver binary.")
	fs.StringVar(&tracePath, "trace", "", "Trace output path (optional).")
	fs.StringVar(&copyright, "copyright", DefaultCopyright, "Copyright holder for generated headers.")
	fs.IntVar(&jobs, "jobs", 0, "Concurrent compilations per unit (0 = number of CPUs).")
	fs.DurationVar(&timeout, "timeout", 0, "Deadline per toolchain invocation (0 = none).")
	fs.BoolVar(&verbose, "v", false, "Print progress lines to stderr.")

	if err := fs.Parse(args); err != nil {
		return CLIInvocation{}, invalidInvocationf("%v", err)
	}

	mode := ModeRun
	switch fs.NArg() {
	case 0:
	case 1:
		switch Mode(fs.Arg(0)) {
		case ModeInputs, ModeOutputs:
			mode = Mode(fs.Arg(0))
		default:
			return CLIInvocation{}, invalidInvocationf("invalid argument %q (expected inputs or outputs)", fs.Arg(0))
		}
	default:
		return CLIInvocation{}, invalidInvocationf("unexpected positional arguments: %q", strings.Join(fs.Args(), " "))
	}

	if strings.TrimSpace(workDir) == "" {
		return CLIInvocation{}, invalidInvocationf("--workdir is required")
	}
	workDir = filepath.Clean(workDir)
	if !filepath.IsAbs(workDir) {
		return CLIInvocation{}, invalidInvocationf("--workdir must be an absolute path (got %q)", workDir)
	}
	if jobs < 0 {
		return CLIInvocation{}, invalidInvocationf("--jobs must not be negative (got %d)", jobs)
	}
	if timeout < 0 {
		return CLIInvocation{}, invalidInvocationf("--timeout must not be negative (got %s)", timeout)
	}
	if strings.TrimSpace(xcrun) == "" {
		return CLIInvocation{}, invalidInvocationf("--xcrun must not be empty")
	}

	resolvedOutput, err := resolveUnderWorkDir(workDir, outputDir)
	if err != nil {
		return CLIInvocation{}, err
	}
	if resolvedOutput == workDir {
		return CLIInvocation{}, invalidInvocationf("--output-dir must not be the work directory")
	}

	inv := CLIInvocation{
		Mode:           mode,
		WorkDir:        workDir,
		OutputDir:      resolvedOutput,
		Xcrun:          xcrun,
		Jobs:           jobs,
		Timeout:        timeout,
		Copyright:      copyright,
		Verbose:        verbose,
		OriginalOutput: outputDir,
	}

	if strings.TrimSpace(configPath) != "" {
		if inv.ConfigPath, err = resolveUnderWorkDir(workDir, configPath); err != nil {
			return CLIInvocation{}, err
		}
	}
	if strings.TrimSpace(tracePath) != "" {
		resolvedTrace, err := resolveUnderWorkDir(workDir, tracePath)
		if err != nil {
			return CLIInvocation{}, err
		}
		inv.Trace = TraceConfig{Enabled: true, Path: resolvedTrace}
	}

	return inv, nil
}

func resolveUnderWorkDir(workDir, p string) (string, error) {
	if strings.TrimSpace(p) == "" {
		return "", invalidInvocationf("path must not be empty")
	}
	clean := filepath.Clean(p)
	if filepath.IsAbs(clean) {
		return clean, nil
	}
	// WorkDir is absolute, so Join does not consult the process CWD.
	return filepath.Clean(filepath.Join(workDir, clean)), nil
}

// ExitCode extracts a semantic exit code from a ParseInvocation error.
// If the error is not a known invocation error, it returns ExitInternalError.
func ExitCode(err error) int {
	var invErr *InvocationError
	if errors.As(err, &invErr) && invErr != nil {
		if invErr.ExitCode != 0 {
			return invErr.ExitCode
		}
		return ExitInvalidInvocation
	}
	if err == nil {
		return ExitSuccess
	}
	return ExitInternalError
}
