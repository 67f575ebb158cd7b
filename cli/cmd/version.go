package cmd

import (
	"github.com/urfave/cli/v2"

	"github.com/pithecene-io/jssidecar/cli/render"
	"github.com/pithecene-io/jssidecar/executor"
	"github.com/pithecene-io/jssidecar/types"
)

// VersionResponse is the response for the version command.
type VersionResponse struct {
	Version         string `json:"version" yaml:"version" msgpack:"version"`
	Commit          string `json:"commit" yaml:"commit" msgpack:"commit"`
	WorkerVersion   string `json:"worker_version" yaml:"worker_version" msgpack:"worker_version"`
	WorkerChecksum  string `json:"worker_checksum" yaml:"worker_checksum" msgpack:"worker_checksum"`
	WorkerSizeBytes int    `json:"worker_size_bytes" yaml:"worker_size_bytes" msgpack:"worker_size_bytes"`
}

// VersionCommand returns the version command. It never starts a worker.
func VersionCommand(commit string) *cli.Command {
	return &cli.Command{
		Name:   "version",
		Usage:  "Show version information",
		Flags:  OutputFlags(),
		Action: versionAction(commit),
	}
}

func versionAction(commit string) cli.ActionFunc {
	return func(c *cli.Context) error {
		r, err := render.NewRenderer(c, "")
		if err != nil {
			return cli.Exit(err.Error(), exitUsage)
		}
		return r.Render(newVersionResponse(commit))
	}
}

func newVersionResponse(commit string) VersionResponse {
	return VersionResponse{
		Version:         types.Version,
		Commit:          commit,
		WorkerVersion:   executor.EmbeddedVersion(),
		WorkerChecksum:  executor.EmbeddedChecksum(),
		WorkerSizeBytes: executor.EmbeddedSize(),
	}
}
