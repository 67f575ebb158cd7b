package sidecar

import (
	"context"
	"errors"
	"net"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jackc/puddle/v2"

	"github.com/pithecene-io/jssidecar/log"
	"github.com/pithecene-io/jssidecar/metrics"
	"github.com/pithecene-io/jssidecar/types"
)

// Pool defaults.
const (
	DefaultMaxConnections = 1024
	DefaultRecycleTimeout = time.Second
)

// ManagerConfig configures a Manager.
type ManagerConfig struct {
	// SocketPath is the worker's Unix socket.
	SocketPath string
	// MaxConnections bounds the pool. Connect blocks at capacity.
	MaxConnections int32
	// RecycleTimeout bounds the wait for Pong when a connection is reused.
	RecycleTimeout time.Duration
	Logger         *log.Logger
	Metrics        *metrics.Collector
}

// Manager is a bounded pool of connections to one worker socket.
//
// A connection returned to the pool is validated before it is handed out
// again: it is pinged and must answer with Pong within RecycleTimeout.
// Connections that fail are destroyed and replaced. A recycled connection
// recreates its worker context on its next run.
type Manager struct {
	socketPath     string
	recycleTimeout time.Duration
	logger         *log.Logger
	metrics        *metrics.Collector
	pool           *puddle.Pool[*Connection]

	recycleAttempts  atomic.Int64
	recycleSuccesses atomic.Int64

	closed    atomic.Bool
	closeOnce sync.Once
}

// NewManager builds a pool for cfg.SocketPath. No connection is dialed
// until the first Connect.
func NewManager(cfg ManagerConfig) (*Manager, error) {
	if cfg.SocketPath == "" {
		return nil, &Error{Kind: KindBuildPool, Msg: "failed to build connection pool", Err: errors.New("socket path is empty")}
	}
	if cfg.MaxConnections == 0 {
		cfg.MaxConnections = DefaultMaxConnections
	}
	if cfg.RecycleTimeout <= 0 {
		cfg.RecycleTimeout = DefaultRecycleTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = log.Nop()
	}

	m := &Manager{
		socketPath:     cfg.SocketPath,
		recycleTimeout: cfg.RecycleTimeout,
		logger:         cfg.Logger,
		metrics:        cfg.Metrics,
	}

	pool, err := puddle.NewPool(&puddle.Config[*Connection]{
		Constructor: m.create,
		Destructor:  m.destroy,
		MaxSize:     cfg.MaxConnections,
	})
	if err != nil {
		return nil, &Error{Kind: KindBuildPool, Msg: "failed to build connection pool", Err: err}
	}
	m.pool = pool
	return m, nil
}

func (m *Manager) create(ctx context.Context) (*Connection, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "unix", m.socketPath)
	if err != nil {
		m.metrics.IncConnectFailure()
		return nil, &Error{Kind: KindConnectWorker, Msg: "failed to connect to worker socket", Err: err}
	}
	c := NewConnection(conn, m.logger, m.metrics)
	m.metrics.IncConnectionCreated()
	m.logger.Debug("connection created", map[string]any{"connection_id": c.ID()})
	return c, nil
}

func (m *Manager) destroy(c *Connection) {
	_ = c.Close()
	m.metrics.IncConnectionDestroyed()
	m.logger.Debug("connection destroyed", map[string]any{"connection_id": c.ID()})
}

// recycle checks that c is still in step with the worker.
func (m *Manager) recycle(ctx context.Context, c *Connection) error {
	m.recycleAttempts.Add(1)
	m.metrics.IncRecycleAttempt()

	ctx, cancel := context.WithTimeout(ctx, m.recycleTimeout)
	defer cancel()

	if err := c.Ping(ctx); err != nil {
		return err
	}

	msg, err := c.ReceiveMessage(ctx)
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return ErrTimeout
	case err != nil:
		return err
	case msg.Type() != types.MessageTypePong:
		return ErrConnectionOutOfSync
	}

	c.resetContextOnNext.Store(true)
	m.recycleSuccesses.Add(1)
	m.metrics.IncRecycleSuccess()
	return nil
}

func discardReason(err error) string {
	var closed *Error
	switch {
	case errors.Is(err, ErrTimeout):
		return metrics.DiscardTimeout
	case errors.Is(err, ErrConnectionOutOfSync):
		return metrics.DiscardOutOfSync
	case errors.As(err, &closed) && closed.Kind == KindConnectionClosed:
		return metrics.DiscardClosed
	default:
		return metrics.DiscardWriteError
	}
}

// Connect returns a connection from the pool, dialing a new one when none
// is idle. At capacity it waits until a connection is released or ctx is
// done.
func (m *Manager) Connect(ctx context.Context) (*PooledConnection, error) {
	for {
		if m.closed.Load() {
			return nil, ErrPoolClosed
		}

		res, err := m.pool.Acquire(ctx)
		if err != nil {
			var sidecarErr *Error
			switch {
			case errors.Is(err, puddle.ErrClosedPool):
				return nil, ErrPoolClosed
			case errors.As(err, &sidecarErr):
				return nil, err
			case ctx.Err() != nil:
				return nil, ctx.Err()
			default:
				return nil, &Error{Kind: KindPool, Msg: "failed to get connection from the pool", Err: err}
			}
		}

		c := res.Value()
		if c.IsClosed() {
			m.metrics.IncRecycleFailure(metrics.DiscardBroken)
			destroyResource(res)
			continue
		}
		if c.leased {
			if err := m.recycle(ctx, c); err != nil {
				if ctx.Err() != nil {
					destroyResource(res)
					return nil, ctx.Err()
				}
				reason := discardReason(err)
				m.metrics.IncRecycleFailure(reason)
				m.logger.Debug("discarding connection", map[string]any{
					"connection_id": c.ID(),
					"reason":        reason,
					"error":         err.Error(),
				})
				destroyResource(res)
				continue
			}
		}
		c.leased = true
		return newPooledConnection(c, res, &m.closed), nil
	}
}

// RecycleStats returns how many recycles were attempted and how many
// passed.
func (m *Manager) RecycleStats() (attempts, successes int64) {
	return m.recycleAttempts.Load(), m.recycleSuccesses.Load()
}

// PoolStat is a point-in-time view of the pool.
type PoolStat struct {
	Total        int32 `json:"total" yaml:"total" msgpack:"total"`
	Idle         int32 `json:"idle" yaml:"idle" msgpack:"idle"`
	Acquired     int32 `json:"acquired" yaml:"acquired" msgpack:"acquired"`
	Constructing int32 `json:"constructing" yaml:"constructing" msgpack:"constructing"`
	Max          int32 `json:"max" yaml:"max" msgpack:"max"`
	AcquireCount int64 `json:"acquire_count" yaml:"acquire_count" msgpack:"acquire_count"`
}

// Stat returns pool occupancy.
func (m *Manager) Stat() PoolStat {
	s := m.pool.Stat()
	return PoolStat{
		Total:        s.TotalResources(),
		Idle:         s.IdleResources(),
		Acquired:     s.AcquiredResources(),
		Constructing: s.ConstructingResources(),
		Max:          s.MaxResources(),
		AcquireCount: s.AcquireCount(),
	}
}

// Close stops handing out connections. Idle connections are destroyed
// now; leased ones when they are released. Close does not wait for leased
// connections. Safe to call multiple times.
func (m *Manager) Close() {
	m.closeOnce.Do(func() {
		m.closed.Store(true)
		// puddle's Close blocks until every leased resource is back.
		go m.pool.Close()
	})
}

// PooledConnection is a Connection leased from a Manager. Release returns
// it to the pool; a connection whose reader has stopped is destroyed
// instead. A PooledConnection that becomes unreachable without Release is
// returned the same way.
type PooledConnection struct {
	*Connection

	lease   lease
	cleanup runtime.Cleanup
	once    sync.Once
}

// lease is the pool state a PooledConnection gives back.
type lease struct {
	res    *puddle.Resource[*Connection]
	closed *atomic.Bool
}

func (l lease) release() {
	if l.res.Value().IsClosed() || l.closed.Load() {
		destroyResource(l.res)
		return
	}
	l.res.Release()
}

func newPooledConnection(c *Connection, res *puddle.Resource[*Connection], closed *atomic.Bool) *PooledConnection {
	p := &PooledConnection{Connection: c, lease: lease{res: res, closed: closed}}
	p.cleanup = runtime.AddCleanup(p, lease.release, p.lease)
	return p
}

// Release returns the connection to the pool. Safe to call multiple times.
func (p *PooledConnection) Release() {
	p.once.Do(func() {
		p.cleanup.Stop()
		p.lease.release()
	})
}

// Discard destroys the connection instead of returning it to the pool.
func (p *PooledConnection) Discard() {
	p.once.Do(func() {
		p.cleanup.Stop()
		destroyResource(p.lease.res)
	})
}

// destroyResource closes the connection before handing it to puddle, whose
// destructor runs asynchronously.
func destroyResource(res *puddle.Resource[*Connection]) {
	_ = res.Value().Close()
	res.Destroy()
}

// Close releases the connection. It exists so a PooledConnection
// satisfies io.Closer.
func (p *PooledConnection) Close() error {
	p.Release()
	return nil
}
