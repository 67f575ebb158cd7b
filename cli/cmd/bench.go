package cmd

import (
	"context"
	"fmt"
	"io"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/urfave/cli/v2"
	"golang.org/x/sync/errgroup"

	"github.com/pithecene-io/jssidecar/cli/render"
	"github.com/pithecene-io/jssidecar/metrics"
	"github.com/pithecene-io/jssidecar/sidecar"
	"github.com/pithecene-io/jssidecar/types"
)

// Bench scenarios.
const (
	scenarioSingleConnection = "single_connection"
	scenarioOnlyExecution    = "only_execution"
	scenarioRecycleOverhead  = "connection_recycle_overhead"
	scenarioPing             = "ping"
)

var allScenarios = []string{
	scenarioSingleConnection,
	scenarioOnlyExecution,
	scenarioRecycleOverhead,
	scenarioPing,
}

const benchCode = "2 + 2"

// BenchCommand returns the bench command.
func BenchCommand() *cli.Command {
	return &cli.Command{
		Name:  "bench",
		Usage: "Measure run, recycle and ping latency against a fresh worker",
		Flags: append(SidecarFlags(),
			&cli.StringSliceFlag{
				Name:  "scenario",
				Usage: "Scenario to run (repeatable): " + strings.Join(allScenarios, ", "),
			},
			&cli.IntFlag{
				Name:    "iterations",
				Aliases: []string{"n"},
				Usage:   "Operations per scenario",
				Value:   1000,
			},
			&cli.IntFlag{
				Name:  "concurrency",
				Usage: "Concurrent callers for pooled scenarios",
				Value: 1,
			},
		),
		Action: benchAction,
	}
}

// BenchResult is the timing of one scenario.
type BenchResult struct {
	Scenario    string  `json:"scenario" yaml:"scenario" msgpack:"scenario"`
	Iterations  int     `json:"iterations" yaml:"iterations" msgpack:"iterations"`
	Concurrency int     `json:"concurrency" yaml:"concurrency" msgpack:"concurrency"`
	TotalMs     float64 `json:"total_ms" yaml:"total_ms" msgpack:"total_ms"`
	MeanUs      float64 `json:"mean_us" yaml:"mean_us" msgpack:"mean_us"`
	OpsPerSec   float64 `json:"ops_per_sec" yaml:"ops_per_sec" msgpack:"ops_per_sec"`
}

// BenchReport is the output of the bench command.
type BenchReport struct {
	Results []BenchResult    `json:"results" yaml:"results" msgpack:"results"`
	Metrics metrics.Snapshot `json:"metrics" yaml:"metrics" msgpack:"metrics"`
	Pool    sidecar.PoolStat `json:"pool" yaml:"pool" msgpack:"pool"`
}

// RenderTable implements render.Tabler.
func (r *BenchReport) RenderTable(w io.Writer, styles render.Styles) error {
	fmt.Fprintln(w, styles.Title.Render("Results"))
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "SCENARIO\tITERATIONS\tCONCURRENCY\tTOTAL\tMEAN\tOPS/SEC")
	for _, res := range r.Results {
		fmt.Fprintf(tw, "%s\t%d\t%d\t%.1fms\t%.1fµs\t%.0f\n",
			res.Scenario, res.Iterations, res.Concurrency, res.TotalMs, res.MeanUs, res.OpsPerSec)
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	m := r.Metrics
	fmt.Fprintln(w)
	fmt.Fprintln(w, styles.Title.Render("Metrics"))
	tw = tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	rows := []struct {
		label string
		value int64
	}{
		{"connections created", m.ConnectionsCreated},
		{"connections destroyed", m.ConnectionsDestroyed},
		{"recycle attempts", m.RecycleAttempts},
		{"recycle successes", m.RecycleSuccesses},
		{"runs started", m.RunsStarted},
		{"runs completed", m.RunsCompleted},
		{"runs script error", m.RunsScriptError},
		{"runs ended early", m.RunsEndedEarly},
		{"frame decode errors", m.FrameDecodeErrors},
	}
	for _, row := range rows {
		fmt.Fprintf(tw, "%s\t%d\n", row.label+":", row.value)
	}
	reasons := make([]string, 0, len(m.DiscardedByReason))
	for reason := range m.DiscardedByReason {
		reasons = append(reasons, reason)
	}
	sort.Strings(reasons)
	for _, reason := range reasons {
		fmt.Fprintf(tw, "%s\t%d\n", "discarded ("+reason+"):", m.DiscardedByReason[reason])
	}
	fmt.Fprintf(tw, "%s\t%d/%d\n", "pool total/max:", r.Pool.Total, r.Pool.Max)
	return tw.Flush()
}

func benchAction(c *cli.Context) error {
	scenarios, err := selectScenarios(c.StringSlice("scenario"))
	if err != nil {
		return cli.Exit(err.Error(), exitUsage)
	}
	iterations := c.Int("iterations")
	concurrency := c.Int("concurrency")
	if iterations <= 0 || concurrency <= 0 {
		return cli.Exit("--iterations and --concurrency must be positive", exitUsage)
	}

	ctx, cancel := signalContext()
	defer cancel()

	s, err := openSession(ctx, c)
	if err != nil {
		return err
	}
	defer s.Close()

	report := &BenchReport{}
	for _, scenario := range scenarios {
		s.logger.Debug("running bench scenario", map[string]any{"scenario": scenario})
		res, err := runScenario(ctx, s.sidecar, scenario, iterations, concurrency)
		if err != nil {
			return cli.Exit(fmt.Sprintf("scenario %s failed: %v", scenario, err), exitCodeFor(err))
		}
		report.Results = append(report.Results, res)
	}
	report.Metrics = s.sidecar.Metrics().Snapshot()
	report.Pool = s.sidecar.Manager().Stat()

	return s.renderer.Render(report)
}

// selectScenarios validates names, defaulting to every scenario.
func selectScenarios(names []string) ([]string, error) {
	if len(names) == 0 {
		return allScenarios, nil
	}
	for _, name := range names {
		known := false
		for _, s := range allScenarios {
			if s == name {
				known = true
				break
			}
		}
		if !known {
			return nil, fmt.Errorf("unknown scenario %q (want one of: %s)", name, strings.Join(allScenarios, ", "))
		}
	}
	return names, nil
}

// runScenario times iterations operations of one scenario. Scenarios that
// hold a single connection ignore concurrency.
func runScenario(ctx context.Context, conn connector, scenario string, iterations, concurrency int) (BenchResult, error) {
	var (
		elapsed time.Duration
		err     error
	)
	switch scenario {
	case scenarioSingleConnection:
		elapsed, err = fanOut(ctx, iterations, concurrency, func(ctx context.Context) error {
			return runOnce(ctx, conn)
		})
	case scenarioRecycleOverhead:
		elapsed, err = fanOut(ctx, iterations, concurrency, func(ctx context.Context) error {
			pc, err := conn.Connect(ctx)
			if err != nil {
				return err
			}
			pc.Release()
			return nil
		})
	case scenarioOnlyExecution:
		concurrency = 1
		elapsed, err = onOneConnection(ctx, conn, iterations, func(ctx context.Context, pc *sidecar.PooledConnection) error {
			_, err := pc.RunScriptAndWait(ctx, benchArgs(true))
			return err
		})
	case scenarioPing:
		concurrency = 1
		elapsed, err = onOneConnection(ctx, conn, iterations, func(ctx context.Context, pc *sidecar.PooledConnection) error {
			if err := pc.Ping(ctx); err != nil {
				return err
			}
			_, err := pc.ReceiveMessage(ctx)
			return err
		})
	default:
		return BenchResult{}, fmt.Errorf("unknown scenario %q", scenario)
	}
	if err != nil {
		return BenchResult{}, err
	}
	return newBenchResult(scenario, iterations, concurrency, elapsed), nil
}

func newBenchResult(scenario string, iterations, concurrency int, elapsed time.Duration) BenchResult {
	res := BenchResult{
		Scenario:    scenario,
		Iterations:  iterations,
		Concurrency: concurrency,
		TotalMs:     float64(elapsed.Microseconds()) / 1000,
		MeanUs:      float64(elapsed.Nanoseconds()) / float64(iterations) / 1000,
	}
	if elapsed > 0 {
		res.OpsPerSec = float64(iterations) / elapsed.Seconds()
	}
	return res
}

func benchArgs(recreate bool) *types.RunScriptArgs {
	args := types.NewRunScriptArgs(benchCode)
	args.Expr = true
	args.RecreateContext = recreate
	return &args
}

// runOnce leases a connection, runs the bench script and returns it.
func runOnce(ctx context.Context, conn connector) error {
	pc, err := conn.Connect(ctx)
	if err != nil {
		return err
	}
	defer pc.Release()
	_, err = pc.RunScriptAndWait(ctx, benchArgs(false))
	return err
}

// fanOut splits iterations across concurrency goroutines and times them.
func fanOut(ctx context.Context, iterations, concurrency int, op func(context.Context) error) (time.Duration, error) {
	g, gctx := errgroup.WithContext(ctx)
	start := time.Now()
	for w := range concurrency {
		n := iterations / concurrency
		if w < iterations%concurrency {
			n++
		}
		g.Go(func() error {
			for range n {
				if err := op(gctx); err != nil {
					return err
				}
			}
			return nil
		})
	}
	err := g.Wait()
	return time.Since(start), err
}

// onOneConnection times iterations operations on a single leased
// connection. Leasing is outside the timed section.
func onOneConnection(ctx context.Context, conn connector, iterations int, op func(context.Context, *sidecar.PooledConnection) error) (time.Duration, error) {
	pc, err := conn.Connect(ctx)
	if err != nil {
		return 0, err
	}
	defer pc.Release()

	start := time.Now()
	for range iterations {
		if err := op(ctx, pc); err != nil {
			return 0, err
		}
	}
	return time.Since(start), nil
}
