// Package metrics provides counters for a sidecar's worker, pool and runs.
//
// The Collector is a leaf package with no internal dependencies. Counters
// are for observability and tests; nothing in the sidecar makes decisions
// based on them.
package metrics

import "sync"

// Discard reasons recorded by IncRecycleFailure.
const (
	DiscardTimeout    = "timeout"
	DiscardOutOfSync  = "out_of_sync"
	DiscardClosed     = "closed"
	DiscardWriteError = "write_error"
	DiscardBroken     = "broken"
)

// Snapshot is an immutable point-in-time view of all counters.
type Snapshot struct {
	// Worker process
	WorkerLaunchSuccess int64 `json:"worker_launch_success" yaml:"worker_launch_success" msgpack:"worker_launch_success"`
	WorkerLaunchFailure int64 `json:"worker_launch_failure" yaml:"worker_launch_failure" msgpack:"worker_launch_failure"`
	WorkerGracefulExits int64 `json:"worker_graceful_exits" yaml:"worker_graceful_exits" msgpack:"worker_graceful_exits"`
	WorkerForcedKills   int64 `json:"worker_forced_kills" yaml:"worker_forced_kills" msgpack:"worker_forced_kills"`

	// Connections
	ConnectionsCreated   int64 `json:"connections_created" yaml:"connections_created" msgpack:"connections_created"`
	ConnectionsDestroyed int64 `json:"connections_destroyed" yaml:"connections_destroyed" msgpack:"connections_destroyed"`
	ConnectFailures      int64 `json:"connect_failures" yaml:"connect_failures" msgpack:"connect_failures"`
	FrameDecodeErrors    int64 `json:"frame_decode_errors" yaml:"frame_decode_errors" msgpack:"frame_decode_errors"`

	// Recycling
	RecycleAttempts   int64            `json:"recycle_attempts" yaml:"recycle_attempts" msgpack:"recycle_attempts"`
	RecycleSuccesses  int64            `json:"recycle_successes" yaml:"recycle_successes" msgpack:"recycle_successes"`
	DiscardedByReason map[string]int64 `json:"discarded_by_reason" yaml:"discarded_by_reason" msgpack:"discarded_by_reason"`

	// Runs
	RunsStarted     int64 `json:"runs_started" yaml:"runs_started" msgpack:"runs_started"`
	RunsCompleted   int64 `json:"runs_completed" yaml:"runs_completed" msgpack:"runs_completed"`
	RunsScriptError int64 `json:"runs_script_error" yaml:"runs_script_error" msgpack:"runs_script_error"`
	RunsEndedEarly  int64 `json:"runs_ended_early" yaml:"runs_ended_early" msgpack:"runs_ended_early"`
}

// Collector accumulates counters for one sidecar.
// Thread-safe via sync.Mutex. All increment methods are nil-receiver safe.
type Collector struct {
	mu sync.Mutex

	workerLaunchSuccess int64
	workerLaunchFailure int64
	workerGracefulExits int64
	workerForcedKills   int64

	connectionsCreated   int64
	connectionsDestroyed int64
	connectFailures      int64
	frameDecodeErrors    int64

	recycleAttempts   int64
	recycleSuccesses  int64
	discardedByReason map[string]int64

	runsStarted     int64
	runsCompleted   int64
	runsScriptError int64
	runsEndedEarly  int64
}

// NewCollector creates an empty Collector.
func NewCollector() *Collector {
	return &Collector{
		discardedByReason: make(map[string]int64),
	}
}

func (c *Collector) inc(field *int64) {
	c.mu.Lock()
	*field++
	c.mu.Unlock()
}

// --- Worker process ---

// IncWorkerLaunchSuccess records a worker that became ready.
func (c *Collector) IncWorkerLaunchSuccess() {
	if c == nil {
		return
	}
	c.inc(&c.workerLaunchSuccess)
}

// IncWorkerLaunchFailure records a worker that failed to start or never
// became ready.
func (c *Collector) IncWorkerLaunchFailure() {
	if c == nil {
		return
	}
	c.inc(&c.workerLaunchFailure)
}

// IncWorkerGracefulExit records a worker that exited after SIGTERM.
func (c *Collector) IncWorkerGracefulExit() {
	if c == nil {
		return
	}
	c.inc(&c.workerGracefulExits)
}

// IncWorkerForcedKill records a worker that had to be killed.
func (c *Collector) IncWorkerForcedKill() {
	if c == nil {
		return
	}
	c.inc(&c.workerForcedKills)
}

// --- Connections ---

// IncConnectionCreated records a new socket connection.
func (c *Collector) IncConnectionCreated() {
	if c == nil {
		return
	}
	c.inc(&c.connectionsCreated)
}

// IncConnectionDestroyed records a connection removed from the pool.
func (c *Collector) IncConnectionDestroyed() {
	if c == nil {
		return
	}
	c.inc(&c.connectionsDestroyed)
}

// IncConnectFailure records a failed socket dial.
func (c *Collector) IncConnectFailure() {
	if c == nil {
		return
	}
	c.inc(&c.connectFailures)
}

// IncFrameDecodeError records a reader that stopped on a malformed frame.
// Clean socket closes are not counted.
func (c *Collector) IncFrameDecodeError() {
	if c == nil {
		return
	}
	c.inc(&c.frameDecodeErrors)
}

// --- Recycling ---

// IncRecycleAttempt records a ping sent to validate a returned connection.
func (c *Collector) IncRecycleAttempt() {
	if c == nil {
		return
	}
	c.inc(&c.recycleAttempts)
}

// IncRecycleSuccess records a connection that answered with Pong.
func (c *Collector) IncRecycleSuccess() {
	if c == nil {
		return
	}
	c.inc(&c.recycleSuccesses)
}

// IncRecycleFailure records a connection discarded by the pool.
func (c *Collector) IncRecycleFailure(reason string) {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.discardedByReason[reason]++
	c.mu.Unlock()
}

// --- Runs ---

// IncRunStarted records a RunScript frame written by RunScriptAndWait.
func (c *Collector) IncRunStarted() {
	if c == nil {
		return
	}
	c.inc(&c.runsStarted)
}

// IncRunCompleted records a run that ended with RunResponse.
func (c *Collector) IncRunCompleted() {
	if c == nil {
		return
	}
	c.inc(&c.runsCompleted)
}

// IncRunScriptError records a run that ended with an Error message.
func (c *Collector) IncRunScriptError() {
	if c == nil {
		return
	}
	c.inc(&c.runsScriptError)
}

// IncRunEndedEarly records a run whose connection closed before a terminal
// message arrived.
func (c *Collector) IncRunEndedEarly() {
	if c == nil {
		return
	}
	c.inc(&c.runsEndedEarly)
}

// --- Snapshot ---

// Snapshot returns an immutable point-in-time view of all counters.
func (c *Collector) Snapshot() Snapshot {
	if c == nil {
		return Snapshot{}
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	discarded := make(map[string]int64, len(c.discardedByReason))
	for k, v := range c.discardedByReason {
		discarded[k] = v
	}

	return Snapshot{
		WorkerLaunchSuccess: c.workerLaunchSuccess,
		WorkerLaunchFailure: c.workerLaunchFailure,
		WorkerGracefulExits: c.workerGracefulExits,
		WorkerForcedKills:   c.workerForcedKills,

		ConnectionsCreated:   c.connectionsCreated,
		ConnectionsDestroyed: c.connectionsDestroyed,
		ConnectFailures:      c.connectFailures,
		FrameDecodeErrors:    c.frameDecodeErrors,

		RecycleAttempts:   c.recycleAttempts,
		RecycleSuccesses:  c.recycleSuccesses,
		DiscardedByReason: discarded,

		RunsStarted:     c.runsStarted,
		RunsCompleted:   c.runsCompleted,
		RunsScriptError: c.runsScriptError,
		RunsEndedEarly:  c.runsEndedEarly,
	}
}
