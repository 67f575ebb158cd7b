// Package main provides the jssidecar CLI entrypoint.
//
// Usage:
//
//	jssidecar <command> [options]
//
// Exit codes:
//   - 0: success
//   - 1: script error
//   - 2: worker or transport failure
//   - 3: usage or config error
package main

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/urfave/cli/v2"

	"github.com/pithecene-io/jssidecar/cli/cmd"
	"github.com/pithecene-io/jssidecar/types"
)

// Commit is set via ldflags at build time.
var commit = "unknown"

func main() {
	if err := newApp().Run(os.Args); err != nil {
		// ExitErrHandler already exited for cli.ExitCoder errors.
		os.Exit(1)
	}
}

func newApp() *cli.App {
	return &cli.App{
		Name:           "jssidecar",
		Usage:          "Run JavaScript in a supervised node worker",
		Version:        fmt.Sprintf("%s (commit: %s)", types.Version, commit),
		ExitErrHandler: exitErrHandler,
		Commands: []*cli.Command{
			cmd.RunCommand(),
			cmd.EvalCommand(),
			cmd.BenchCommand(),
			cmd.PingCommand(),
			cmd.VersionCommand(commit),
		},
	}
}

// exitErrHandler prints err and exits with the code carried by cli.Exit.
func exitErrHandler(_ *cli.Context, err error) {
	if err == nil {
		return
	}
	os.Exit(reportExit(os.Stderr, err))
}

// reportExit writes the message for err to w and returns the exit code.
// Errors without an exit code exit 1.
func reportExit(w io.Writer, err error) int {
	var exitCoder cli.ExitCoder
	if errors.As(err, &exitCoder) {
		code := exitCoder.ExitCode()
		msg := exitCoder.Error()
		// cli.Exit("", N).Error() is "exit status N"; nothing to show.
		if msg != "" && msg != fmt.Sprintf("exit status %d", code) {
			fmt.Fprintln(w, msg)
		}
		return code
	}

	fmt.Fprintf(w, "Error: %v\n", err)
	return 1
}
