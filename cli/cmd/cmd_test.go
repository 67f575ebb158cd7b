package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/pithecene-io/jssidecar/cli/config"
	"github.com/pithecene-io/jssidecar/sidecar"
	"github.com/pithecene-io/jssidecar/types"
)

// runApp runs args against a throwaway app and returns the action error
// without exiting the test binary.
func runApp(t *testing.T, cmd *cli.Command, args ...string) error {
	t.Helper()
	app := &cli.App{
		Name:           "jssidecar",
		Commands:       []*cli.Command{cmd},
		ExitErrHandler: func(*cli.Context, error) {},
		Writer:         os.Stderr,
	}
	return app.Run(append([]string{"jssidecar"}, args...))
}

func exitCode(t *testing.T, err error) int {
	t.Helper()
	if err == nil {
		return exitSuccess
	}
	var ec cli.ExitCoder
	if !errors.As(err, &ec) {
		t.Fatalf("error %v is not an ExitCoder", err)
	}
	return ec.ExitCode()
}

func flagNames(flags []cli.Flag) map[string]bool {
	names := make(map[string]bool)
	for _, f := range flags {
		names[f.Names()[0]] = true
	}
	return names
}

func TestSidecarFlags_IncludesOutputFlags(t *testing.T) {
	names := flagNames(SidecarFlags())
	for _, want := range []string{"format", "no-color", "config", "node", "worker-script", "workers", "max-connections", "log-level"} {
		if !names[want] {
			t.Errorf("SidecarFlags missing --%s", want)
		}
	}
}

func TestCommands_HaveScriptFlags(t *testing.T) {
	for _, cmd := range []*cli.Command{RunCommand(), EvalCommand()} {
		names := flagNames(cmd.Flags)
		for _, want := range []string{"global", "globals-json", "function", "return-key", "timeout-ms"} {
			if !names[want] {
				t.Errorf("%s missing --%s", cmd.Name, want)
			}
		}
	}
	if !flagNames(RunCommand().Flags)["module"] {
		t.Error("run missing --module")
	}
}

func TestExitCodeFor(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"nil", nil, exitSuccess},
		{"script error", &sidecar.ScriptError{Err: types.ErrorResponseData{Message: "boom"}}, exitScriptError},
		{"wrapped script error", fmt.Errorf("run: %w", &sidecar.ScriptError{}), exitScriptError},
		{"timeout", sidecar.ErrTimeout, exitWorkerFailure},
		{"ended early", &sidecar.Error{Kind: sidecar.KindScriptEndedEarly}, exitWorkerFailure},
		{"canceled", context.Canceled, exitWorkerFailure},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := exitCodeFor(tt.err); got != tt.want {
				t.Errorf("exitCodeFor(%v) = %d, want %d", tt.err, got, tt.want)
			}
		})
	}
}

func TestSidecarConfig_FlagsOverrideFile(t *testing.T) {
	file := &config.Config{
		Node: config.NodeConfig{Path: "/opt/node", Script: "/opt/worker.mjs", Workers: 2},
		Pool: config.PoolConfig{MaxConnections: 8, RecycleTimeout: config.Duration{Duration: time.Second}},
	}

	var got sidecar.Config
	app := &cli.App{
		Flags:          SidecarFlags(),
		ExitErrHandler: func(*cli.Context, error) {},
		Action: func(c *cli.Context) error {
			got = sidecarConfig(c, file)
			return nil
		},
	}
	if err := app.Run([]string{"jssidecar", "--node", "/usr/bin/node", "--workers", "4"}); err != nil {
		t.Fatal(err)
	}

	if got.NodePath != "/usr/bin/node" {
		t.Errorf("NodePath = %q, want flag value", got.NodePath)
	}
	if got.NumWorkers != 4 {
		t.Errorf("NumWorkers = %d, want 4", got.NumWorkers)
	}
	if got.ScriptPath != "/opt/worker.mjs" {
		t.Errorf("ScriptPath = %q, want file value", got.ScriptPath)
	}
	if got.MaxConnections != 8 || got.RecycleTimeout != time.Second {
		t.Errorf("pool settings = %d/%s, want file values", got.MaxConnections, got.RecycleTimeout)
	}
}

func TestUsageErrors(t *testing.T) {
	dir := t.TempDir()
	badConfig := filepath.Join(dir, "bad.yaml")
	if err := os.WriteFile(badConfig, []byte("node:\n  workers: -1\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name string
		cmd  *cli.Command
		args []string
	}{
		{"eval without expression", EvalCommand(), []string{"eval"}},
		{"eval with two expressions", EvalCommand(), []string{"eval", "1", "2"}},
		{"run without script", RunCommand(), []string{"run"}},
		{"run with code and file", RunCommand(), []string{"run", "--code", "1", "x.js"}},
		{"run missing file", RunCommand(), []string{"run", filepath.Join(dir, "missing.js")}},
		{"bad global", EvalCommand(), []string{"eval", "--global", "=1", "1"}},
		{"bad function", EvalCommand(), []string{"eval", "--function", "nope", "1"}},
		{"bad module", RunCommand(), []string{"run", "--code", "1", "--module", "m"}},
		{"missing config", EvalCommand(), []string{"eval", "--config", filepath.Join(dir, "none.yaml"), "1"}},
		{"invalid config", EvalCommand(), []string{"eval", "--config", badConfig, "1"}},
		{"bad format", EvalCommand(), []string{"eval", "--format", "xml", "1"}},
		{"bad log level", EvalCommand(), []string{"eval", "--log-level", "loud", "1"}},
		{"negative workers", EvalCommand(), []string{"eval", "--workers", "-1", "1"}},
		{"unknown scenario", BenchCommand(), []string{"bench", "--scenario", "nope"}},
		{"zero iterations", BenchCommand(), []string{"bench", "-n", "0"}},
		{"zero pings", PingCommand(), []string{"ping", "--count", "0"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := runApp(t, tt.cmd, tt.args...)
			if got := exitCode(t, err); got != exitUsage {
				t.Errorf("exit code = %d (%v), want %d", got, err, exitUsage)
			}
		})
	}
}

func TestStartFailure_ExitsWithWorkerFailure(t *testing.T) {
	err := runApp(t, EvalCommand(), "eval",
		"--node", filepath.Join(t.TempDir(), "no-such-node"),
		"--format", "json",
		"1 + 1")
	if got := exitCode(t, err); got != exitWorkerFailure {
		t.Errorf("exit code = %d (%v), want %d", got, err, exitWorkerFailure)
	}
}

func TestNewVersionResponse(t *testing.T) {
	resp := newVersionResponse("abc123")
	if resp.Version != types.Version || resp.WorkerVersion != types.Version {
		t.Errorf("versions = %q/%q, want %q", resp.Version, resp.WorkerVersion, types.Version)
	}
	if resp.Commit != "abc123" {
		t.Errorf("Commit = %q", resp.Commit)
	}
	if len(resp.WorkerChecksum) != 64 || resp.WorkerSizeBytes == 0 {
		t.Errorf("worker checksum/size = %q/%d", resp.WorkerChecksum, resp.WorkerSizeBytes)
	}
}

func TestVersionCommand_DoesNotStartWorker(t *testing.T) {
	names := flagNames(VersionCommand("").Flags)
	if names["node"] || names["config"] {
		t.Error("version should not accept sidecar flags")
	}
	if err := runApp(t, VersionCommand("abc"), "version", "--format", "json"); err != nil {
		t.Errorf("version: %v", err)
	}
}
