package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/pithecene-io/jssidecar/ipc"
	"github.com/pithecene-io/jssidecar/sidecar"
	"github.com/pithecene-io/jssidecar/types"
)

// PingCommand returns the ping command.
func PingCommand() *cli.Command {
	return &cli.Command{
		Name:  "ping",
		Usage: "Start a worker and measure ping round trips",
		Flags: append(SidecarFlags(),
			&cli.IntFlag{
				Name:    "count",
				Aliases: []string{"n"},
				Usage:   "Number of pings",
				Value:   5,
			},
		),
		Action: pingAction,
	}
}

// PingResponse is the output of the ping command.
type PingResponse struct {
	SidecarID string  `json:"sidecar_id" yaml:"sidecar_id" msgpack:"sidecar_id"`
	Pid       int     `json:"pid" yaml:"pid" msgpack:"pid"`
	Socket    string  `json:"socket" yaml:"socket" msgpack:"socket"`
	Count     int     `json:"count" yaml:"count" msgpack:"count"`
	MinUs     float64 `json:"min_us" yaml:"min_us" msgpack:"min_us"`
	AvgUs     float64 `json:"avg_us" yaml:"avg_us" msgpack:"avg_us"`
	MaxUs     float64 `json:"max_us" yaml:"max_us" msgpack:"max_us"`
}

func pingAction(c *cli.Context) error {
	count := c.Int("count")
	if count <= 0 {
		return cli.Exit("--count must be positive", exitUsage)
	}

	ctx, cancel := signalContext()
	defer cancel()

	s, err := openSession(ctx, c)
	if err != nil {
		return err
	}
	defer s.Close()

	rtts, err := pingRoundTrips(ctx, s.sidecar, count)
	if err != nil {
		return cli.Exit(fmt.Sprintf("ping failed: %v", err), exitWorkerFailure)
	}

	resp := summarizePings(rtts)
	resp.SidecarID = s.sidecar.ID()
	resp.Pid = s.sidecar.Pid()
	resp.Socket = s.sidecar.SocketPath()
	return s.renderer.Render(resp)
}

// pingRoundTrips sends count pings on one connection, timing each until its
// Pong arrives.
func pingRoundTrips(ctx context.Context, conn connector, count int) ([]time.Duration, error) {
	pc, err := conn.Connect(ctx)
	if err != nil {
		return nil, err
	}
	defer pc.Release()

	rtts := make([]time.Duration, 0, count)
	for range count {
		start := time.Now()
		if err := pc.Ping(ctx); err != nil {
			return nil, err
		}
		msg, err := pc.ReceiveMessage(ctx)
		if err != nil {
			return nil, err
		}
		if msg.Type() != types.MessageTypePong {
			return nil, unexpectedReply(msg)
		}
		rtts = append(rtts, time.Since(start))
	}
	return rtts, nil
}

func unexpectedReply(msg *ipc.WorkerMessage) error {
	return &sidecar.Error{
		Kind: sidecar.KindOutOfSync,
		Msg:  fmt.Sprintf("expected pong, got %s", msg.Type()),
	}
}

func summarizePings(rtts []time.Duration) PingResponse {
	resp := PingResponse{Count: len(rtts)}
	if len(rtts) == 0 {
		return resp
	}
	lo, hi, sum := rtts[0], rtts[0], time.Duration(0)
	for _, d := range rtts {
		lo = min(lo, d)
		hi = max(hi, d)
		sum += d
	}
	resp.MinUs = micros(lo)
	resp.MaxUs = micros(hi)
	resp.AvgUs = micros(sum / time.Duration(len(rtts)))
	return resp
}

func micros(d time.Duration) float64 {
	return float64(d.Nanoseconds()) / 1000
}
