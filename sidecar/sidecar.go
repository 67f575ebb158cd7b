// Package sidecar runs JavaScript in a persistent Node.js worker process.
//
// A Sidecar starts the worker, waits for its Unix socket to accept
// connections, and hands out pooled connections. Each connection has its
// own execution context on the worker side:
//
//	sc, err := sidecar.New(ctx, sidecar.Config{})
//	if err != nil {
//		return err
//	}
//	defer sc.Close()
//
//	conn, err := sc.Connect(ctx)
//	if err != nil {
//		return err
//	}
//	defer conn.Release()
//
//	args := types.NewRunScriptArgs("output + 15")
//	args.Expr = true
//	args.Globals = map[string]any{"output": 5}
//	result, err := conn.RunScriptAndWait(ctx, &args)
package sidecar

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/pithecene-io/jssidecar/executor"
	"github.com/pithecene-io/jssidecar/iox"
	"github.com/pithecene-io/jssidecar/log"
	"github.com/pithecene-io/jssidecar/metrics"
	"github.com/pithecene-io/jssidecar/process"
)

// Supervisor defaults.
const (
	DefaultNodePath      = "node"
	DefaultReadyAttempts = 50
	DefaultReadyInterval = 10 * time.Millisecond
	DefaultShutdownGrace = 5 * time.Second
)

// maxUnixSocketPath is the portable limit for a Unix socket path. macOS
// allows 104 bytes, Linux 108.
const maxUnixSocketPath = 104

var socketCounter atomic.Uint64

// Config configures a Sidecar. The zero value starts the embedded
// bootstrap with "node" from PATH.
type Config struct {
	// NodePath is the node executable.
	NodePath string
	// NodeArgs are passed to node before the bootstrap path.
	NodeArgs []string
	// Env entries are added to the worker's inherited environment.
	Env []string
	// ScriptPath replaces the embedded bootstrap with an external one.
	ScriptPath string
	// NumWorkers is passed as --workers when positive.
	NumWorkers int

	// MaxConnections bounds the connection pool.
	MaxConnections int32
	// RecycleTimeout bounds the Pong wait when a connection is reused.
	RecycleTimeout time.Duration

	// ReadyAttempts and ReadyInterval control how long New waits for the
	// socket to accept connections.
	ReadyAttempts int
	ReadyInterval time.Duration
	// ShutdownGrace is the time between SIGTERM and SIGKILL on Close.
	ShutdownGrace time.Duration

	// SocketDir holds the worker socket. Defaults to os.TempDir().
	SocketDir string

	Logger  *log.Logger
	Metrics *metrics.Collector

	// Stdout and Stderr receive worker output. When nil, output is logged
	// line by line.
	Stdout io.Writer
	Stderr io.Writer
}

func (c Config) withDefaults() Config {
	if c.NodePath == "" {
		c.NodePath = DefaultNodePath
	}
	if c.MaxConnections == 0 {
		c.MaxConnections = DefaultMaxConnections
	}
	if c.RecycleTimeout <= 0 {
		c.RecycleTimeout = DefaultRecycleTimeout
	}
	if c.ReadyAttempts <= 0 {
		c.ReadyAttempts = DefaultReadyAttempts
	}
	if c.ReadyInterval <= 0 {
		c.ReadyInterval = DefaultReadyInterval
	}
	if c.ShutdownGrace <= 0 {
		c.ShutdownGrace = DefaultShutdownGrace
	}
	if c.SocketDir == "" {
		c.SocketDir = os.TempDir()
	}
	if c.Logger == nil {
		c.Logger = log.Nop()
	}
	if c.Metrics == nil {
		c.Metrics = metrics.NewCollector()
	}
	return c
}

// State is the lifecycle state of a Sidecar.
type State int32

const (
	StateStarting State = iota
	StateReady
	StateClosing
	StateClosed
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateStarting:
		return "starting"
	case StateReady:
		return "ready"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Sidecar supervises one worker process and the pool of connections to it.
//
// Close stops the worker. A Sidecar that becomes unreachable without Close
// is shut down in the background.
type Sidecar struct {
	id       string
	socket   string
	manager  *Manager
	metrics  *metrics.Collector
	shutdown *shutdownHandle
}

// shutdownHandle owns everything Close releases. It does not reference the
// Sidecar, so it can run as the Sidecar's cleanup.
type shutdownHandle struct {
	state   atomic.Int32
	worker  *process.Worker
	manager *Manager
	socket  string
	script  *executor.Script
	grace   time.Duration
	logger  *log.Logger
	metrics *metrics.Collector

	once sync.Once
	err  error
}

// New starts a worker and waits until its socket accepts connections.
// ctx bounds startup only; the worker runs until Close.
func New(ctx context.Context, cfg Config) (*Sidecar, error) {
	cfg = cfg.withDefaults()

	id := uuid.NewString()
	logger := cfg.Logger.With(map[string]any{"sidecar_id": id})

	socket, err := newSocketPath(cfg.SocketDir)
	if err != nil {
		cfg.Metrics.IncWorkerLaunchFailure()
		return nil, &Error{Kind: KindStartWorker, Msg: "failed to prepare worker socket", Err: err}
	}
	logger = logger.WithSocket(socket)

	var script *executor.Script
	if cfg.ScriptPath != "" {
		script, err = executor.External(cfg.ScriptPath)
	} else {
		script, err = executor.Materialize("")
	}
	if err != nil {
		cfg.Metrics.IncWorkerLaunchFailure()
		return nil, &Error{Kind: KindStartWorker, Msg: "failed to prepare worker bootstrap", Err: err}
	}

	args := append([]string(nil), cfg.NodeArgs...)
	args = append(args, script.Path(), "--socket", socket)
	if cfg.NumWorkers > 0 {
		args = append(args, "--workers", strconv.Itoa(cfg.NumWorkers))
	}

	worker, err := process.Start(process.Config{
		Path:   cfg.NodePath,
		Args:   args,
		Env:    cfg.Env,
		Stdout: cfg.Stdout,
		Stderr: cfg.Stderr,
		Logger: logger,
	})
	if err != nil {
		_ = script.Remove()
		cfg.Metrics.IncWorkerLaunchFailure()
		return nil, &Error{Kind: KindStartWorker, Msg: "failed to start worker", Err: err}
	}

	fail := func(kind ErrorKind, msg string, cause error) (*Sidecar, error) {
		_ = worker.Kill()
		_ = iox.RemoveIfExists(socket)
		_ = script.Remove()
		cfg.Metrics.IncWorkerLaunchFailure()
		logger.Warn("worker failed to start", map[string]any{"error": cause.Error()})
		return nil, &Error{Kind: kind, Msg: msg, Err: cause}
	}

	if err := waitReady(ctx, socket, worker, cfg.ReadyAttempts, cfg.ReadyInterval); err != nil {
		return fail(KindStartWorker, "failed to start worker", err)
	}

	manager, err := NewManager(ManagerConfig{
		SocketPath:     socket,
		MaxConnections: cfg.MaxConnections,
		RecycleTimeout: cfg.RecycleTimeout,
		Logger:         logger,
		Metrics:        cfg.Metrics,
	})
	if err != nil {
		return fail(KindBuildPool, "failed to build connection pool", err)
	}

	h := &shutdownHandle{
		worker:  worker,
		manager: manager,
		socket:  socket,
		script:  script,
		grace:   cfg.ShutdownGrace,
		logger:  logger,
		metrics: cfg.Metrics,
	}
	h.state.Store(int32(StateReady))

	sc := &Sidecar{
		id:       id,
		socket:   socket,
		manager:  manager,
		metrics:  cfg.Metrics,
		shutdown: h,
	}
	runtime.AddCleanup(sc, func(h *shutdownHandle) { go h.close() }, h)

	cfg.Metrics.IncWorkerLaunchSuccess()
	logger.Info("sidecar ready", map[string]any{"pid": worker.Pid()})
	return sc, nil
}

// newSocketPath returns a socket path unique to this process, call and
// instant. A path too long for a Unix socket falls back to os.TempDir().
func newSocketPath(dir string) (string, error) {
	name := fmt.Sprintf("js_sidecar.%d.%d.%d.sock", os.Getpid(), socketCounter.Add(1), time.Now().UnixNano())
	path := filepath.Join(dir, name)
	if len(path) >= maxUnixSocketPath {
		dir = os.TempDir()
		path = filepath.Join(dir, name)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create socket dir: %w", err)
	}
	return path, nil
}

// waitReady dials socket until it accepts a connection. It gives up after
// attempts tries, when the worker exits, or when ctx is done.
func waitReady(ctx context.Context, socket string, worker *process.Worker, attempts int, interval time.Duration) error {
	var d net.Dialer
	timer := time.NewTimer(interval)
	defer timer.Stop()

	for attempt := 0; attempt < attempts; attempt++ {
		conn, err := d.DialContext(ctx, "unix", socket)
		if err == nil {
			iox.DiscardClose(conn)
			return nil
		}

		timer.Reset(interval)
		select {
		case <-worker.Exited():
			if err := worker.ExitErr(); err != nil {
				return fmt.Errorf("worker exited before becoming ready: %w", err)
			}
			return errors.New("worker exited before becoming ready")
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
		}
	}
	return fmt.Errorf("%w: worker socket not ready after %d attempts", ErrTimeout, attempts)
}

// Connect returns a pooled connection to the worker.
func (s *Sidecar) Connect(ctx context.Context) (*PooledConnection, error) {
	return s.manager.Connect(ctx)
}

// Close closes the pool and stops the worker: SIGTERM, then SIGKILL after
// the shutdown grace period. A worker that already exited is not an error.
// The socket and bootstrap files are removed. Safe to call multiple times.
func (s *Sidecar) Close() error {
	return s.shutdown.close()
}

func (h *shutdownHandle) close() error {
	h.once.Do(func() {
		h.state.Store(int32(StateClosing))
		h.manager.Close()

		var errs []error
		term, err := h.worker.Terminate(h.grace)
		if err != nil {
			errs = append(errs, err)
		}
		switch term {
		case process.TerminationGraceful:
			h.metrics.IncWorkerGracefulExit()
		case process.TerminationForced:
			h.metrics.IncWorkerForcedKill()
		}

		if err := iox.RemoveIfExists(h.socket); err != nil {
			errs = append(errs, fmt.Errorf("failed to remove socket: %w", err))
		}
		if err := h.script.Remove(); err != nil {
			errs = append(errs, err)
		}

		h.err = errors.Join(errs...)
		h.state.Store(int32(StateClosed))
		h.logger.Info("sidecar closed", map[string]any{
			"termination": term.String(),
			"exit_code":   h.worker.ExitCode(),
		})
	})
	return h.err
}

// ID returns the sidecar's unique id.
func (s *Sidecar) ID() string {
	return s.id
}

// State returns the lifecycle state.
func (s *Sidecar) State() State {
	return State(s.shutdown.state.Load())
}

// SocketPath returns the worker's socket path.
func (s *Sidecar) SocketPath() string {
	return s.socket
}

// Pid returns the worker's process id.
func (s *Sidecar) Pid() int {
	return s.shutdown.worker.Pid()
}

// Manager returns the connection pool.
func (s *Sidecar) Manager() *Manager {
	return s.manager
}

// Metrics returns the sidecar's counters.
func (s *Sidecar) Metrics() *metrics.Collector {
	return s.metrics
}
