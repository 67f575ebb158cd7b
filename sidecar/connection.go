package sidecar

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/pithecene-io/jssidecar/ipc"
	"github.com/pithecene-io/jssidecar/log"
	"github.com/pithecene-io/jssidecar/metrics"
	"github.com/pithecene-io/jssidecar/types"
)

// receiveBuffer is the number of decoded messages the reader may queue
// before it blocks on the consumer.
const receiveBuffer = 16

// Connection is a single socket to the worker with its own execution
// context on the worker side.
//
// Writes are serialized, so Ping and RunScript may be called from
// different goroutines. Only one run may be in flight at a time: messages
// carry no correlation the host relies on, and ReceiveMessage returns them
// in arrival order.
type Connection struct {
	id     string
	conn   net.Conn
	logger *log.Logger

	writeMu       sync.Mutex
	nextRequestID uint32
	nextMessageID uint32

	resetContextOnNext atomic.Bool

	messages <-chan *ipc.WorkerMessage
	reader   *readerState
	metrics  *metrics.Collector

	// leased is set once the pool has handed the connection out. Only the
	// current holder touches it.
	leased bool
}

// readerState is shared between a Connection and its reader goroutine.
// It holds no reference to the Connection so an unreachable Connection can
// be cleaned up while the reader is still blocked.
type readerState struct {
	conn    net.Conn
	closeCh chan struct{}
	once    sync.Once
	done    chan struct{}

	mu  sync.Mutex
	err error
}

func (s *readerState) stop() {
	s.once.Do(func() {
		close(s.closeCh)
		_ = s.conn.Close()
	})
}

func (s *readerState) setErr(err error) {
	s.mu.Lock()
	if s.err == nil {
		s.err = err
	}
	s.mu.Unlock()
}

func (s *readerState) getErr() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *readerState) stopped() bool {
	select {
	case <-s.closeCh:
		return true
	default:
		return false
	}
}

// NewConnection wraps an established socket to the worker and starts its
// reader. The Connection owns conn from here on.
func NewConnection(conn net.Conn, logger *log.Logger, collector *metrics.Collector) *Connection {
	if logger == nil {
		logger = log.Nop()
	}
	id := uuid.NewString()
	logger = logger.With(map[string]any{"connection_id": id})

	messages := make(chan *ipc.WorkerMessage, receiveBuffer)
	state := &readerState{
		conn:    conn,
		closeCh: make(chan struct{}),
		done:    make(chan struct{}),
	}

	c := &Connection{
		id:       id,
		conn:     conn,
		logger:   logger,
		messages: messages,
		reader:   state,
		metrics:  collector,
	}

	go readLoop(state, ipc.NewFrameDecoder(conn), messages, logger, collector)
	runtime.AddCleanup(c, func(s *readerState) { s.stop() }, state)

	return c
}

// readLoop decodes frames until the socket fails or the connection is
// stopped, then closes out.
func readLoop(s *readerState, dec *ipc.FrameDecoder, out chan<- *ipc.WorkerMessage, logger *log.Logger, collector *metrics.Collector) {
	defer close(s.done)
	defer close(out)

	for {
		msg, err := dec.ReadWorkerMessage()
		if err != nil {
			if !s.stopped() {
				s.setErr(err)
				if !errors.Is(err, io.EOF) {
					collector.IncFrameDecodeError()
					fields := map[string]any{"error": err.Error()}
					if code, ok := ipc.IsInvalidMessageType(err); ok {
						fields["message_type"] = uint32(code)
					}
					logger.Debug("connection reader stopped", fields)
				}
			}
			s.stop()
			return
		}

		select {
		case out <- msg:
		case <-s.closeCh:
			return
		}
	}
}

// ID returns the connection's unique id.
func (c *Connection) ID() string {
	return c.id
}

// Err returns the error that stopped the reader, or nil while it runs or
// when the connection was closed locally.
func (c *Connection) Err() error {
	return c.reader.getErr()
}

// IsClosed reports whether the connection has been closed or its reader
// has stopped.
func (c *Connection) IsClosed() bool {
	return c.reader.stopped()
}

// RunScript sends a RunScript message. args is not modified; an empty Name
// is replaced by a generated one. After the pool recycles the connection,
// the next run recreates the worker context exactly once.
func (c *Connection) RunScript(ctx context.Context, args *types.RunScriptArgs) error {
	if args == nil {
		return &ipc.FrameError{Kind: ipc.FrameErrorEncode, Msg: "run script args are nil"}
	}
	a := args.Clone()
	if a.Name == "" {
		a.Name = types.GenerateRunName()
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if c.resetContextOnNext.Swap(false) {
		a.RecreateContext = true
	}
	return c.writeLocked(ctx, a)
}

// Ping sends a Ping message. The worker answers with Pong, which arrives
// through ReceiveMessage.
func (c *Connection) Ping(ctx context.Context) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.writeLocked(ctx, types.Ping{})
}

func (c *Connection) writeLocked(ctx context.Context, data types.HostMessageData) error {
	if c.reader.stopped() {
		return &Error{Kind: KindConnectionClosed, Msg: "connection closed", Err: c.Err()}
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	if deadline, ok := ctx.Deadline(); ok {
		_ = c.conn.SetWriteDeadline(deadline)
	}
	// Cancellation unblocks a write stuck on a full socket buffer.
	fired := make(chan struct{})
	stop := context.AfterFunc(ctx, func() {
		_ = c.conn.SetWriteDeadline(time.Now())
		close(fired)
	})
	defer func() {
		if !stop() {
			<-fired
		}
		_ = c.conn.SetWriteDeadline(time.Time{})
	}()

	msg := &ipc.HostMessage{
		RequestID: c.nextRequestID,
		MessageID: c.nextMessageID,
		Data:      data,
	}
	c.nextRequestID++
	c.nextMessageID++

	if err := ipc.WriteHostMessage(c.conn, msg); err != nil {
		if ipc.IsFatalFrameError(err) {
			// A partial frame leaves the stream unusable.
			c.reader.setErr(err)
			c.reader.stop()
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return fmt.Errorf("%w: %w", ctxErr, err)
		}
		return err
	}
	return nil
}

// ReceiveMessage returns the next message from the worker. Once the reader
// has stopped and every queued message has been returned, it returns an
// error matching ErrConnectionClosed. A done ctx returns ctx.Err().
func (c *Connection) ReceiveMessage(ctx context.Context) (*ipc.WorkerMessage, error) {
	select {
	case msg, ok := <-c.messages:
		if !ok {
			return nil, &Error{Kind: KindConnectionClosed, Msg: "connection closed", Err: c.Err()}
		}
		return msg, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// RunScriptAndWaitResult is the outcome of a successful run.
type RunScriptAndWaitResult struct {
	Response *types.RunResponseData
	// Messages holds the logs emitted during the run, in arrival order.
	Messages []*types.LogResponseData
}

// RunScriptAndWait sends args and collects messages until the run ends.
//
// A RunResponse returns the result. An Error returns a *ScriptError. A
// connection that closes first returns an error matching
// ErrScriptEndedEarly. Pong messages received mid-run are skipped.
func (c *Connection) RunScriptAndWait(ctx context.Context, args *types.RunScriptArgs) (*RunScriptAndWaitResult, error) {
	if err := c.RunScript(ctx, args); err != nil {
		return nil, err
	}
	c.metrics.IncRunStarted()

	var logs []*types.LogResponseData
	for {
		msg, err := c.ReceiveMessage(ctx)
		if err != nil {
			if errors.Is(err, ErrConnectionClosed) {
				c.metrics.IncRunEndedEarly()
				return nil, &Error{Kind: KindScriptEndedEarly, Msg: "script ended without a response", Err: c.Err()}
			}
			return nil, err
		}

		if !msg.Type().IsTerminal() {
			// Stray pongs from an earlier Ping are skipped.
			if d, ok := msg.Data.(*types.LogResponseData); ok {
				logs = append(logs, d)
			}
			continue
		}

		switch d := msg.Data.(type) {
		case *types.RunResponseData:
			c.metrics.IncRunCompleted()
			return &RunScriptAndWaitResult{Response: d, Messages: logs}, nil
		case *types.ErrorResponseData:
			c.metrics.IncRunScriptError()
			return nil, &ScriptError{Err: *d, Messages: logs}
		}
		return nil, fmt.Errorf("unexpected worker message %T", msg.Data)
	}
}

// Close stops the reader and closes the socket. Messages already queued
// can still be received. Safe to call multiple times.
func (c *Connection) Close() error {
	c.reader.stop()
	<-c.reader.done
	return nil
}
