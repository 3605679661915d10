// Package main provides the stat-update entrypoint.
//
// Usage:
//
//	stat-update [-h prefix] [-p port] [-r redis-host] [--config file]
//	stat-update stats --version <full-name> [--date YYYY-MM-DD]
//
// Exit codes:
//   - 0: clean shutdown
//   - 1: unexpected error
//   - 2: invalid configuration
//   - 3: cannot listen
package main

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/urfave/cli/v2"

	"github.com/pithecene-io/statupdate/cli/cmd"
)

// Commit is set via ldflags at build time.
var commit = "unknown"

func main() {
	app := cmd.NewApp(commit)
	app.ExitErrHandler = func(_ *cli.Context, err error) {
		if code, ok := exitCode(os.Stderr, err); ok {
			os.Exit(code)
		}
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// exitCode reports the process exit code for err and prints its message to
// w. It reports false for a nil error.
func exitCode(w io.Writer, err error) (int, bool) {
	if err == nil {
		return 0, false
	}

	var exitCoder cli.ExitCoder
	if errors.As(err, &exitCoder) {
		code := exitCoder.ExitCode()
		// cli.Exit("", N) renders as "exit status N"; nothing worth printing.
		if msg := exitCoder.Error(); msg != "" && msg != fmt.Sprintf("exit status %d", code) {
			fmt.Fprintln(w, msg)
		}
		return code, true
	}

	fmt.Fprintf(w, "Error: %v\n", err)
	return 1, true
}
