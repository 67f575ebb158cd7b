// Package cmd provides CLI commands for the jssidecar binary.
package cmd

import "github.com/urfave/cli/v2"

// Output flags shared by every command.
var (
	// FormatFlag selects output format: json, table, yaml, msgpack.
	FormatFlag = &cli.StringFlag{
		Name:    "format",
		Aliases: []string{"f"},
		Usage:   "Output format: json, table, yaml, msgpack",
	}

	// NoColorFlag disables colored output.
	NoColorFlag = &cli.BoolFlag{
		Name:  "no-color",
		Usage: "Disable colored output",
	}
)

// Sidecar flags. Unset flags fall back to the config file, then to the
// library defaults.
var (
	ConfigFlag = &cli.StringFlag{
		Name:    "config",
		Aliases: []string{"c"},
		Usage:   "Path to config file (default: ./jssidecar.yaml when present)",
		EnvVars: []string{"JSSIDECAR_CONFIG"},
	}

	NodeFlag = &cli.StringFlag{
		Name:    "node",
		Usage:   "Path to the node executable",
		EnvVars: []string{"JSSIDECAR_NODE"},
	}

	WorkerScriptFlag = &cli.StringFlag{
		Name:  "worker-script",
		Usage: "Use this bootstrap script instead of the embedded one",
	}

	WorkersFlag = &cli.IntFlag{
		Name:  "workers",
		Usage: "Number of node cluster workers (passed as --workers)",
	}

	MaxConnectionsFlag = &cli.IntFlag{
		Name:  "max-connections",
		Usage: "Connection pool size",
	}

	LogLevelFlag = &cli.StringFlag{
		Name:    "log-level",
		Usage:   "Log level for sidecar diagnostics on stderr: debug, info, warn, error",
		EnvVars: []string{"JSSIDECAR_LOG_LEVEL"},
	}
)

// OutputFlags returns the flags for commands that only render output.
func OutputFlags() []cli.Flag {
	return []cli.Flag{
		FormatFlag,
		NoColorFlag,
	}
}

// SidecarFlags returns the flags for commands that start a worker.
func SidecarFlags() []cli.Flag {
	return append(OutputFlags(),
		ConfigFlag,
		NodeFlag,
		WorkerScriptFlag,
		WorkersFlag,
		MaxConnectionsFlag,
		LogLevelFlag,
	)
}
