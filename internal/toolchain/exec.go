package toolchain

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sort"
	"time"
)

// result is the captured outcome of one toolchain process.
type result struct {
	Stdout   []byte
	Stderr   []byte
	ExitCode int
}

// runner executes argv with an isolated environment.
type runner struct {
	// Dir is the working directory of the child; never the process CWD.
	Dir string

	// Env is the complete child environment. Host variables are not
	// inherited unless they were copied in here.
	Env map[string]string

	// Timeout bounds one invocation. Zero means no deadline.
	Timeout time.Duration
}

// run starts argv[0] with argv[1:] and waits for it.
//
// A non-zero exit or an expired Timeout is returned as *InvocationError.
// Cancellation of the parent ctx kills the whole process group and is
// returned as a plain wrapped ctx error.
func (r runner) run(ctx context.Context, argv []string) (*result, error) {
	if len(argv) == 0 {
		return nil, fmt.Errorf("empty argument vector")
	}

	runCtx := ctx
	if r.Timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, r.Timeout)
		defer cancel()
	}

	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Dir = r.Dir
	cmd.Env = buildIsolatedEnv(r.Env)
	setProcessGroup(cmd)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Start(); err != nil {
		return nil, &InvocationError{Args: argv, ExitCode: -1, Err: fmt.Errorf("failed to start: %w", err)}
	}

	done := make(chan error, 1)
	go func() {
		done <- cmd.Wait()
	}()

	var err error
	select {
	case <-runCtx.Done():
		killProcessGroup(cmd)
		<-done
		if ctx.Err() != nil {
			return nil, fmt.Errorf("execution cancelled: %w", ctx.Err())
		}
		return nil, &InvocationError{Args: argv, ExitCode: -1, TimedOut: true, Stderr: stderr.Bytes()}
	case err = <-done:
	}

	exitCode := 0
	if err != nil {
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			return nil, &InvocationError{Args: argv, ExitCode: -1, Stderr: stderr.Bytes(), Err: err}
		}
		exitCode = exitErr.ExitCode()
	}

	res := &result{Stdout: stdout.Bytes(), Stderr: stderr.Bytes(), ExitCode: exitCode}
	if exitCode != 0 {
		return res, &InvocationError{Args: argv, ExitCode: exitCode, Stderr: res.Stderr}
	}
	return res, nil
}

// buildIsolatedEnv renders env as KEY=VALUE pairs sorted by key.
//
// The environment starts empty: only declared variables reach the child.
func buildIsolatedEnv(env map[string]string) []string {
	result := make([]string, 0, len(env))
	for key, value := range env {
		result = append(result, key+"="+value)
	}
	sort.Strings(result)
	return result
}

// DefaultEnvKeys are the host variables xcrun needs to locate the SDK.
var DefaultEnvKeys = []string{"PATH", "HOME", "TMPDIR", "DEVELOPER_DIR", "SDKROOT"}

// HostEnv copies the named variables from the host environment. Unset
// variables are omitted rather than passed as empty.
func HostEnv(keys ...string) map[string]string {
	env := make(map[string]string, len(keys))
	for _, k := range keys {
		if v, ok := os.LookupEnv(k); ok {
			env[k] = v
		}
	}
	return env
}
