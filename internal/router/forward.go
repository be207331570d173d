package router

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
)

// ExecForwarder runs the upstream client as a child process with the
// caller's streams attached, so its output and exit code pass through
// unchanged.
type ExecForwarder struct {
	Binary string
	Stdin  io.Reader
	Stdout io.Writer
	Stderr io.Writer
}

// Forward executes the upstream client with the given arguments and
// returns its exit code.
func (f *ExecForwarder) Forward(ctx context.Context, argv []string) int {
	cmd := exec.CommandContext(ctx, f.Binary, argv...)
	cmd.Stdin = f.Stdin
	cmd.Stdout = f.Stdout
	cmd.Stderr = f.Stderr

	if err := cmd.Run(); err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return exitErr.ExitCode()
		}
		fmt.Fprintf(f.Stderr, "error: running %s: %v\n", f.Binary, err)
		return 127
	}
	return 0
}
