package cmd

import (
	"bytes"
	"context"
	"errors"
	"reflect"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pithecene-io/jssidecar/cli/render"
	"github.com/pithecene-io/jssidecar/ipc"
	"github.com/pithecene-io/jssidecar/metrics"
	"github.com/pithecene-io/jssidecar/sidecar"
	"github.com/pithecene-io/jssidecar/sidecar/workertest"
	"github.com/pithecene-io/jssidecar/types"
)

func TestSelectScenarios(t *testing.T) {
	got, err := selectScenarios(nil)
	if err != nil || !reflect.DeepEqual(got, allScenarios) {
		t.Errorf("selectScenarios(nil) = %v, %v", got, err)
	}
	got, err = selectScenarios([]string{scenarioPing})
	if err != nil || !reflect.DeepEqual(got, []string{scenarioPing}) {
		t.Errorf("selectScenarios(ping) = %v, %v", got, err)
	}
	if _, err := selectScenarios([]string{scenarioPing, "warp"}); err == nil {
		t.Error("expected error for unknown scenario")
	}
}

func TestRunScenario(t *testing.T) {
	tests := []struct {
		scenario        string
		concurrency     int
		wantConcurrency int
		wantRuns        int64
	}{
		{scenarioSingleConnection, 3, 3, 10},
		{scenarioOnlyExecution, 3, 1, 10},
		{scenarioRecycleOverhead, 2, 2, 0},
		{scenarioPing, 4, 1, 0},
	}
	for _, tt := range tests {
		t.Run(tt.scenario, func(t *testing.T) {
			m, collector := newTestManager(t, workertest.DefaultHandler)

			res, err := runScenario(testContext(t), m, tt.scenario, 10, tt.concurrency)
			if err != nil {
				t.Fatalf("runScenario: %v", err)
			}
			if res.Scenario != tt.scenario || res.Iterations != 10 || res.Concurrency != tt.wantConcurrency {
				t.Errorf("result = %+v", res)
			}
			if res.TotalMs <= 0 || res.MeanUs <= 0 {
				t.Errorf("timings not recorded: %+v", res)
			}
			if got := collector.Snapshot().RunsCompleted; got != tt.wantRuns {
				t.Errorf("RunsCompleted = %d, want %d", got, tt.wantRuns)
			}
		})
	}
}

func TestRunScenario_OnlyExecutionRecreatesContext(t *testing.T) {
	var recreated atomic.Int32
	m, _ := newTestManager(t, workertest.Runs(func(c *workertest.Conn, msg *ipc.HostMessage, args *types.RunScriptArgs) error {
		if args.RecreateContext {
			recreated.Add(1)
		}
		return c.Reply(msg, &types.RunResponseData{ReturnValue: 4.0})
	}))

	if _, err := runScenario(testContext(t), m, scenarioOnlyExecution, 5, 1); err != nil {
		t.Fatal(err)
	}
	if got := recreated.Load(); got != 5 {
		t.Errorf("recreate_context sent %d times, want 5", got)
	}
}

func TestRunScenario_PropagatesScriptError(t *testing.T) {
	m, _ := newTestManager(t, workertest.Runs(func(c *workertest.Conn, msg *ipc.HostMessage, _ *types.RunScriptArgs) error {
		return c.Reply(msg, &types.ErrorResponseData{Message: "nope"})
	}))

	_, err := runScenario(testContext(t), m, scenarioSingleConnection, 5, 2)
	var scriptErr *sidecar.ScriptError
	if !errors.As(err, &scriptErr) {
		t.Fatalf("err = %v, want *ScriptError", err)
	}
}

func TestFanOut_SplitsIterations(t *testing.T) {
	var calls atomic.Int32
	_, err := fanOut(context.Background(), 10, 3, func(context.Context) error {
		calls.Add(1)
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if got := calls.Load(); got != 10 {
		t.Errorf("op ran %d times, want 10", got)
	}
}

func TestFanOut_StopsOnError(t *testing.T) {
	boom := errors.New("boom")
	_, err := fanOut(context.Background(), 100, 4, func(context.Context) error {
		return boom
	})
	if !errors.Is(err, boom) {
		t.Errorf("err = %v, want boom", err)
	}
}

func TestNewBenchResult(t *testing.T) {
	res := newBenchResult(scenarioPing, 4, 1, 2*time.Millisecond)
	if res.TotalMs != 2 || res.MeanUs != 500 || res.OpsPerSec != 2000 {
		t.Errorf("result = %+v", res)
	}
	if zero := newBenchResult(scenarioPing, 4, 1, 0); zero.OpsPerSec != 0 {
		t.Errorf("zero elapsed OpsPerSec = %v", zero.OpsPerSec)
	}
}

func TestBenchReport_RenderTable(t *testing.T) {
	report := &BenchReport{
		Results: []BenchResult{newBenchResult(scenarioPing, 10, 1, time.Millisecond)},
		Metrics: metrics.Snapshot{
			ConnectionsCreated: 2,
			DiscardedByReason:  map[string]int64{metrics.DiscardTimeout: 1},
		},
		Pool: sidecar.PoolStat{Total: 1, Max: 4},
	}

	var buf bytes.Buffer
	r := render.NewRendererWithWriter(render.FormatTable, true, &buf)
	if err := r.Render(report); err != nil {
		t.Fatal(err)
	}
	got := buf.String()
	for _, want := range []string{"SCENARIO", "ping", "connections created:", "discarded (timeout):", "1/4"} {
		if !strings.Contains(got, want) {
			t.Errorf("output missing %q:\n%s", want, got)
		}
	}
}

func TestPingRoundTrips(t *testing.T) {
	m, _ := newTestManager(t, workertest.DefaultHandler)

	rtts, err := pingRoundTrips(testContext(t), m, 3)
	if err != nil {
		t.Fatalf("pingRoundTrips: %v", err)
	}
	if len(rtts) != 3 {
		t.Fatalf("got %d round trips, want 3", len(rtts))
	}

	resp := summarizePings(rtts)
	if resp.Count != 3 || resp.MinUs > resp.AvgUs || resp.AvgUs > resp.MaxUs {
		t.Errorf("summary = %+v", resp)
	}
}

func TestPingRoundTrips_OutOfSync(t *testing.T) {
	m, _ := newTestManager(t, func(c *workertest.Conn, msg *ipc.HostMessage) error {
		return c.Reply(msg, &types.LogResponseData{Level: "log", Data: []any{"not a pong"}})
	})

	_, err := pingRoundTrips(testContext(t), m, 1)
	if !errors.Is(err, sidecar.ErrConnectionOutOfSync) {
		t.Errorf("err = %v, want ErrConnectionOutOfSync", err)
	}
}

func TestSummarizePings(t *testing.T) {
	resp := summarizePings([]time.Duration{3 * time.Microsecond, time.Microsecond, 2 * time.Microsecond})
	want := PingResponse{Count: 3, MinUs: 1, AvgUs: 2, MaxUs: 3}
	if resp != want {
		t.Errorf("summary = %+v, want %+v", resp, want)
	}
	if empty := summarizePings(nil); empty.Count != 0 {
		t.Errorf("empty summary = %+v", empty)
	}
}
