package cli

import (
	"context"
	"fmt"
	"io"
	"os"
)

// Run is a high-level CLI entrypoint suitable for black-box tests.
// It accepts the argument slice (excluding argv[0]) and returns the semantic
// exit code plus any error. A nil stdout or stderr defaults to the process
// streams.
func Run(ctx context.Context, args []string, stdout, stderr io.Writer) (CLIResult, error) {
	if stdout == nil {
		stdout = os.Stdout
	}
	if stderr == nil {
		stderr = os.Stderr
	}
	a := &app{stdout: stdout, stderr: stderr}
	defer a.close()

	root := newRootCmd(a)
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)

	err := root.ExecuteContext(ctx)
	if err != nil && !a.started {
		// cobra rejected the arguments before any command ran.
		err = &InvocationError{ExitCode: ExitInvalidInvocation, Message: err.Error()}
	}
	if err != nil {
		fmt.Fprintln(stderr, "error:", err)
	}
	return CLIResult{ExitCode: ExitCode(err)}, err
}
