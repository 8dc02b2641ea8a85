//go:build mage

package main

import (
	"context"
	"fmt"
	"os"

	"github.com/magefile/mage/mg"

	"metallibgen/internal/cli"
)

type Shaders mg.Namespace

// shaderArgs passes -v through when mage runs verbosely.
func shaderArgs(mode ...string) []string {
	var args []string
	if mg.Verbose() {
		args = append(args, "-v")
	}
	return append(args, mode...)
}

func runShaders(ctx context.Context, mode ...string) error {
	wd, err := os.Getwd()
	if err != nil {
		return err
	}
	res, err := cli.Run(ctx, shaderArgs(mode...), wd, os.Stdout, os.Stderr)
	if err != nil {
		return mg.Fatalf(res.ExitCode, "metallibgen: %v", err)
	}
	if res.ExitCode != cli.ExitSuccess {
		return mg.Fatal(res.ExitCode, "metallibgen failed")
	}
	return nil
}

// Compiles the Metal shaders for every platform and variant and regenerates
// the embedded-library includes under compiled/.
func (Shaders) Generate(ctx context.Context) error {
	fmt.Println("Build shaders...")
	return runShaders(ctx)
}

// Prints the files shaders:generate reads.
func (Shaders) Inputs(ctx context.Context) error {
	return runShaders(ctx, string(cli.ModeInputs))
}

// Prints the files shaders:generate writes.
func (Shaders) Outputs(ctx context.Context) error {
	return runShaders(ctx, string(cli.ModeOutputs))
}
