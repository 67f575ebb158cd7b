package sidecar

import (
	"errors"
	"fmt"

	"github.com/pithecene-io/jssidecar/types"
)

// ErrorKind classifies sidecar errors.
type ErrorKind int

const (
	// KindStartWorker indicates the worker process failed to start or
	// never became ready.
	KindStartWorker ErrorKind = iota + 1
	// KindConnectWorker indicates the worker socket could not be dialed.
	KindConnectWorker
	// KindBuildPool indicates the connection pool could not be built.
	KindBuildPool
	// KindPool indicates the pool failed to hand out a connection.
	KindPool
	// KindTimeout indicates the worker did not answer in time.
	KindTimeout
	// KindOutOfSync indicates the worker answered with an unexpected message.
	KindOutOfSync
	// KindConnectionClosed indicates the connection's reader has stopped.
	KindConnectionClosed
	// KindScriptEndedEarly indicates the connection closed before a run
	// produced a terminal message.
	KindScriptEndedEarly
	// KindPoolClosed indicates the pool no longer hands out connections.
	KindPoolClosed
)

// String returns the kind name used in logs.
func (k ErrorKind) String() string {
	switch k {
	case KindStartWorker:
		return "start_worker"
	case KindConnectWorker:
		return "connect_worker"
	case KindBuildPool:
		return "build_pool"
	case KindPool:
		return "pool"
	case KindTimeout:
		return "timeout"
	case KindOutOfSync:
		return "out_of_sync"
	case KindConnectionClosed:
		return "connection_closed"
	case KindScriptEndedEarly:
		return "script_ended_early"
	case KindPoolClosed:
		return "pool_closed"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Error is a sidecar, pool or connection error.
type Error struct {
	Kind ErrorKind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Msg, e.Err)
	}
	return e.Msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches any *Error of the same kind, so the package sentinels work
// with errors.Is regardless of message or cause.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind
}

// Sentinels for errors.Is.
var (
	ErrTimeout             = &Error{Kind: KindTimeout, Msg: "timed out communicating with worker"}
	ErrConnectionOutOfSync = &Error{Kind: KindOutOfSync, Msg: "connection is out of sync with worker"}
	ErrConnectionClosed    = &Error{Kind: KindConnectionClosed, Msg: "connection closed"}
	ErrScriptEndedEarly    = &Error{Kind: KindScriptEndedEarly, Msg: "script ended without a response"}
	ErrPoolClosed          = &Error{Kind: KindPoolClosed, Msg: "connection pool is closed"}
)

// KindOf returns the kind of the first *Error in err's chain, or 0.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return 0
}

// ScriptError is returned by RunScriptAndWait when the worker reports an
// error for the run. Messages holds the logs emitted before the error.
type ScriptError struct {
	Err      types.ErrorResponseData
	Messages []*types.LogResponseData
}

func (e *ScriptError) Error() string {
	return "script error: " + e.Err.Message
}
