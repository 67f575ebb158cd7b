// Package process manages the lifecycle of a worker child process.
//
// A Worker is started once, observed through Exited, and stopped with
// Terminate, which signals SIGTERM, waits for a grace period and then
// kills the process.
package process

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap/zapcore"

	"github.com/pithecene-io/jssidecar/log"
)

// outputWaitDelay bounds how long Wait keeps draining output after the
// process exits. Children that inherited the pipes can otherwise hold
// Wait open indefinitely.
const outputWaitDelay = time.Second

// Config configures a worker process.
type Config struct {
	// Path is the executable to run.
	Path string
	// Args are the command line arguments, not including Path.
	Args []string
	// Env entries are added to the inherited environment. Later entries
	// win over earlier ones and over inherited values.
	Env []string
	// Stdout receives the worker's stdout. When nil, each line is logged
	// at debug level.
	Stdout io.Writer
	// Stderr receives the worker's stderr. When nil, each line is logged
	// at warn level.
	Stderr io.Writer
	// Logger receives lifecycle and forwarded output entries.
	Logger *log.Logger
}

// Termination describes how Terminate ended the process.
type Termination int

const (
	// TerminationExited means the process had already exited.
	TerminationExited Termination = iota
	// TerminationGraceful means the process exited after SIGTERM.
	TerminationGraceful
	// TerminationForced means the process was killed after the grace period.
	TerminationForced
)

// String returns the termination name.
func (t Termination) String() string {
	switch t {
	case TerminationExited:
		return "exited"
	case TerminationGraceful:
		return "graceful"
	case TerminationForced:
		return "forced"
	default:
		return fmt.Sprintf("termination(%d)", int(t))
	}
}

// Worker is a running child process.
type Worker struct {
	cmd    *exec.Cmd
	logger *log.Logger

	exited  chan struct{}
	waitErr error

	sinks []io.Closer

	termMu sync.Mutex
}

// Start starts the process described by cfg.
func Start(cfg Config) (*Worker, error) {
	if cfg.Path == "" {
		return nil, errors.New("worker executable path is empty")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.Nop()
	}

	cmd := exec.Command(cfg.Path, cfg.Args...)
	cmd.SysProcAttr = sysProcAttr()
	cmd.WaitDelay = outputWaitDelay
	if len(cfg.Env) > 0 {
		cmd.Env = mergeEnv(os.Environ(), cfg.Env)
	}

	w := &Worker{
		cmd:    cmd,
		logger: logger,
		exited: make(chan struct{}),
	}

	cmd.Stdout = cfg.Stdout
	if cmd.Stdout == nil {
		sink := logger.Writer("stdout", zapcore.DebugLevel)
		w.sinks = append(w.sinks, sink)
		cmd.Stdout = sink
	}
	cmd.Stderr = cfg.Stderr
	if cmd.Stderr == nil {
		sink := logger.Writer("stderr", zapcore.WarnLevel)
		w.sinks = append(w.sinks, sink)
		cmd.Stderr = sink
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start worker: %w", err)
	}

	logger.Debug("worker process started", map[string]any{
		"pid":  cmd.Process.Pid,
		"path": cfg.Path,
		"args": cfg.Args,
	})

	go w.wait()
	return w, nil
}

func (w *Worker) wait() {
	w.waitErr = w.cmd.Wait()
	for _, s := range w.sinks {
		_ = s.Close()
	}
	code := -1
	if w.cmd.ProcessState != nil {
		code = w.cmd.ProcessState.ExitCode()
	}
	w.logger.Debug("worker process exited", map[string]any{
		"pid":       w.cmd.Process.Pid,
		"exit_code": code,
	})
	close(w.exited)
}

// Pid returns the process id.
func (w *Worker) Pid() int {
	return w.cmd.Process.Pid
}

// Exited returns a channel that is closed once the process has exited and
// its output has been drained.
func (w *Worker) Exited() <-chan struct{} {
	return w.exited
}

// ExitErr returns the result of waiting on the process. Only meaningful
// after Exited is closed; a non-zero exit is an *exec.ExitError.
func (w *Worker) ExitErr() error {
	select {
	case <-w.exited:
		return w.waitErr
	default:
		return nil
	}
}

// ExitCode returns the exit code, or -1 while running or when the process
// was ended by a signal.
func (w *Worker) ExitCode() int {
	select {
	case <-w.exited:
		if w.cmd.ProcessState == nil {
			return -1
		}
		return w.cmd.ProcessState.ExitCode()
	default:
		return -1
	}
}

// Terminate sends SIGTERM and waits up to grace for the process to exit,
// then kills it. A process that has already exited is not an error.
// Concurrent calls are serialized.
func (w *Worker) Terminate(grace time.Duration) (Termination, error) {
	w.termMu.Lock()
	defer w.termMu.Unlock()

	select {
	case <-w.exited:
		return TerminationExited, nil
	default:
	}

	if err := terminate(w.cmd.Process); err != nil {
		if isProcessGone(err) {
			<-w.exited
			return TerminationExited, nil
		}
		return TerminationExited, fmt.Errorf("failed to signal worker: %w", err)
	}

	timer := time.NewTimer(grace)
	defer timer.Stop()

	select {
	case <-w.exited:
		return TerminationGraceful, nil
	case <-timer.C:
	}

	w.logger.Warn("worker did not exit within grace period, killing", map[string]any{
		"pid":   w.Pid(),
		"grace": grace.String(),
	})
	if err := kill(w.cmd.Process); err != nil && !isProcessGone(err) {
		return TerminationForced, fmt.Errorf("failed to kill worker: %w", err)
	}
	<-w.exited
	return TerminationForced, nil
}

// Kill kills the process without a grace period and waits for it to exit.
func (w *Worker) Kill() error {
	w.termMu.Lock()
	defer w.termMu.Unlock()

	select {
	case <-w.exited:
		return nil
	default:
	}
	if err := kill(w.cmd.Process); err != nil && !isProcessGone(err) {
		return fmt.Errorf("failed to kill worker: %w", err)
	}
	<-w.exited
	return nil
}

// mergeEnv appends extra to base, keeping the last occurrence of each key.
func mergeEnv(base, extra []string) []string {
	env := make([]string, 0, len(base)+len(extra))
	env = append(env, base...)
	env = append(env, extra...)

	last := make(map[string]int, len(env))
	for i, entry := range env {
		key, _, _ := strings.Cut(entry, "=")
		last[key] = i
	}
	result := make([]string, 0, len(last))
	for i, entry := range env {
		key, _, _ := strings.Cut(entry, "=")
		if last[key] == i {
			result = append(result, entry)
		}
	}
	return result
}
