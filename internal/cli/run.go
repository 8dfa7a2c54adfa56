package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
)

// Execute runs the root command with args and returns the process exit
// code. SIGINT and SIGTERM cancel the command's context, which stops any
// coordinator loops after their running jobs finish.
func Execute(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	cmd := NewRootCommand()
	cmd.SetArgs(args)
	cmd.SetOut(stdout)
	cmd.SetErr(stderr)
	cmd.SilenceErrors = true

	err := cmd.ExecuteContext(ctx)
	if err == nil {
		return ExitSuccess
	}
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		if !exitErr.reported {
			fmt.Fprintln(stderr, "Error:", err)
		}
		return exitErr.Code
	}

	// Flag and argument errors from cobra carry no exit code.
	fmt.Fprintln(stderr, "Error:", err)
	return ExitCommandError
}
