// Package workertest provides an in-process worker for tests. It speaks
// the worker side of the wire protocol on a Unix socket, with replies
// decided by a Handler.
package workertest

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/pithecene-io/jssidecar/iox"
	"github.com/pithecene-io/jssidecar/ipc"
	"github.com/pithecene-io/jssidecar/types"
)

// Handler is called for every host message read from a connection.
// Returning an error closes the connection.
type Handler func(c *Conn, msg *ipc.HostMessage) error

// Conn is one accepted host connection.
type Conn struct {
	conn net.Conn
	mu   sync.Mutex

	// Index is the order in which the server accepted the connection.
	Index int
	// State is free for handlers to keep per-connection data in. Only the
	// connection's own goroutine touches it.
	State map[string]any
}

// Reply writes data with the request and message ids of msg.
func (c *Conn) Reply(msg *ipc.HostMessage, data types.WorkerMessageData) error {
	return c.Send(msg.RequestID, msg.MessageID, data)
}

// Send writes one worker message.
func (c *Conn) Send(requestID, messageID uint32, data types.WorkerMessageData) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return ipc.WriteWorkerMessage(c.conn, &ipc.WorkerMessage{
		RequestID: requestID,
		MessageID: messageID,
		Data:      data,
	})
}

// WriteRaw writes b as is, for tests that need malformed frames.
func (c *Conn) WriteRaw(b []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, err := c.conn.Write(b)
	return err
}

// Close closes the connection, as a crashed worker would.
func (c *Conn) Close() error {
	return c.conn.Close()
}

// Server is a fake worker listening on a Unix socket.
type Server struct {
	socketPath string
	dir        string
	listener   net.Listener
	handler    Handler

	mu       sync.Mutex
	conns    map[*Conn]struct{}
	accepted int
	received []*ipc.HostMessage
	closed   bool

	wg sync.WaitGroup
}

// Start listens on a new socket in a fresh temporary directory.
func Start(h Handler) (*Server, error) {
	// A short base keeps the path under the Unix socket limit.
	dir, err := os.MkdirTemp("", "jsw")
	if err != nil {
		return nil, fmt.Errorf("workertest: create dir: %w", err)
	}
	s, err := Listen(filepath.Join(dir, "worker.sock"), h)
	if err != nil {
		_ = os.RemoveAll(dir)
		return nil, err
	}
	s.dir = dir
	return s, nil
}

// Listen listens on path, as a worker given --socket path would.
func Listen(path string, h Handler) (*Server, error) {
	if h == nil {
		h = DefaultHandler
	}
	l, err := net.Listen("unix", path)
	if err != nil {
		return nil, fmt.Errorf("workertest: listen: %w", err)
	}

	s := &Server{
		socketPath: path,
		listener:   l,
		handler:    h,
		conns:      make(map[*Conn]struct{}),
	}
	s.wg.Add(1)
	go s.serve()
	return s, nil
}

// NewServer starts a Server and closes it when tb finishes.
func NewServer(tb testing.TB, h Handler) *Server {
	tb.Helper()
	s, err := Start(h)
	if err != nil {
		tb.Fatal(err)
	}
	tb.Cleanup(iox.CloseFunc(s))
	return s
}

// SocketPath returns the path to dial.
func (s *Server) SocketPath() string {
	return s.socketPath
}

// Accepted returns how many connections the server has accepted.
func (s *Server) Accepted() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.accepted
}

// Received returns every host message read so far, in arrival order
// across connections.
func (s *Server) Received() []*ipc.HostMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*ipc.HostMessage(nil), s.received...)
}

// CloseConnections closes every open connection but keeps listening.
func (s *Server) CloseConnections() {
	s.mu.Lock()
	conns := make([]*Conn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()
	for _, c := range conns {
		_ = c.Close()
	}
}

// Close stops listening, closes every connection and waits for their
// goroutines. Safe to call multiple times.
func (s *Server) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	err := s.listener.Close()
	s.CloseConnections()
	s.wg.Wait()
	if s.dir != "" {
		_ = os.RemoveAll(s.dir)
	}
	return err
}

func (s *Server) serve() {
	defer s.wg.Done()
	for {
		nc, err := s.listener.Accept()
		if err != nil {
			return
		}

		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			_ = nc.Close()
			return
		}
		c := &Conn{conn: nc, Index: s.accepted, State: make(map[string]any)}
		s.accepted++
		s.conns[c] = struct{}{}
		s.mu.Unlock()

		s.wg.Add(1)
		go s.handle(c)
	}
}

func (s *Server) handle(c *Conn) {
	defer s.wg.Done()
	defer func() {
		_ = c.Close()
		s.mu.Lock()
		delete(s.conns, c)
		s.mu.Unlock()
	}()

	dec := ipc.NewFrameDecoder(c.conn)
	for {
		msg, err := dec.ReadHostMessage()
		if err != nil {
			return
		}
		s.mu.Lock()
		s.received = append(s.received, msg)
		s.mu.Unlock()

		if err := s.handler(c, msg); err != nil {
			return
		}
	}
}

// ErrHangUp is returned by handlers to close the connection.
var ErrHangUp = errors.New("workertest: hang up")

// DefaultHandler answers Ping with Pong and every run with a RunResponse
// echoing the run's globals.
func DefaultHandler(c *Conn, msg *ipc.HostMessage) error {
	switch d := msg.Data.(type) {
	case types.Ping:
		return c.Reply(msg, types.Pong{})
	case *types.RunScriptArgs:
		globals := d.Globals
		if globals == nil {
			globals = map[string]any{}
		}
		return c.Reply(msg, &types.RunResponseData{Globals: globals})
	default:
		return fmt.Errorf("workertest: unexpected message %T", d)
	}
}

// Runs returns a Handler that answers Ping with Pong and passes runs to
// run.
func Runs(run func(c *Conn, msg *ipc.HostMessage, args *types.RunScriptArgs) error) Handler {
	return func(c *Conn, msg *ipc.HostMessage) error {
		switch d := msg.Data.(type) {
		case types.Ping:
			return c.Reply(msg, types.Pong{})
		case *types.RunScriptArgs:
			return run(c, msg, d)
		default:
			return fmt.Errorf("workertest: unexpected message %T", d)
		}
	}
}
