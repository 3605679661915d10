// Package backend owns the single connection to the Redis counters backend.
//
// The Manager is a three-state machine (Disconnected, Connecting, Connected)
// driven from the reactor loop. A failed connect is retried after a fixed
// delay; an established connection that drops is reconnected immediately.
// While connected, one writer goroutine drains submitted commands in order
// and sends them as go-redis pipelines over a single pooled connection.
package backend

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/pithecene-io/statupdate/log"
	"github.com/pithecene-io/statupdate/metrics"
	"github.com/pithecene-io/statupdate/reactor"
	"github.com/pithecene-io/statupdate/telemetry"
)

// DefaultPort is the Redis port used when only a host is configured.
const DefaultPort = 6379

// DefaultRetryDelay is the wait before retrying a failed connect.
const DefaultRetryDelay = 5 * time.Second

// DefaultConnectTimeout bounds a single connect attempt.
const DefaultConnectTimeout = 5 * time.Second

// DefaultQueueSize is the number of commands that may wait for the writer.
const DefaultQueueSize = 64 * 1024

// DefaultBatchSize is the maximum number of commands per pipeline.
const DefaultBatchSize = 256

// DefaultPingInterval is how often an idle connection is probed so that a
// dropped connection is noticed without waiting for traffic.
const DefaultPingInterval = time.Second

// ErrClosed is passed to reply callbacks whose commands were discarded
// because the connection went away before they were sent.
var ErrClosed = errors.New("backend: connection closed")

// Config configures the backend connection.
type Config struct {
	// Addr is the Redis address, host:port (required).
	Addr string
	// RetryDelay is the wait after a failed connect (default 5s).
	RetryDelay time.Duration
	// ConnectTimeout bounds each connect attempt (default 5s).
	ConnectTimeout time.Duration
	// QueueSize caps commands waiting for the writer (default 65536).
	// Submissions beyond it are refused.
	QueueSize int
	// BatchSize caps commands per pipeline round trip (default 256).
	BatchSize int
	// PingInterval probes an idle connection (default 1s). Negative disables.
	PingInterval time.Duration
}

// State is the connection state.
type State int32

// Connection states.
const (
	Disconnected State = iota
	Connecting
	Connected
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Manager owns the backend connection. Apart from State, Start and Wait,
// every method must be called on the reactor loop.
type Manager struct {
	config  Config
	loop    reactor.Poster
	logger  *log.Logger
	metrics *metrics.Collector

	state   atomic.Int32
	writers sync.WaitGroup

	// loop-owned
	gen        uint64
	sess       *session
	dialing    *goredis.Client
	cancelTime func() bool
	closed     bool
}

// New creates a Manager from the given config. It does not connect; call
// Start. logger and m may be nil.
func New(cfg Config, loop reactor.Poster, logger *log.Logger, m *metrics.Collector) (*Manager, error) {
	if cfg.Addr == "" {
		return nil, errors.New("backend requires an address")
	}
	if loop == nil {
		return nil, errors.New("backend requires a reactor loop")
	}
	if cfg.RetryDelay < 0 {
		return nil, fmt.Errorf("retry delay must be >= 0, got %s", cfg.RetryDelay)
	}
	if cfg.RetryDelay == 0 {
		cfg.RetryDelay = DefaultRetryDelay
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = DefaultConnectTimeout
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultQueueSize
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.PingInterval == 0 {
		cfg.PingInterval = DefaultPingInterval
	}

	return &Manager{
		config:  cfg,
		loop:    loop,
		logger:  logger.With(map[string]any{"component": "backend", "addr": cfg.Addr}),
		metrics: m,
	}, nil
}

// State returns the current state. Safe from any goroutine.
func (m *Manager) State() State {
	return State(m.state.Load())
}

// Connected reports whether commands may be submitted.
func (m *Manager) Connected() bool {
	return m.State() == Connected
}

// Start begins connecting. Safe from any goroutine.
func (m *Manager) Start() {
	m.loop.Post(m.start)
}

func (m *Manager) start() {
	if m.closed {
		return
	}
	m.gen++
	gen := m.gen
	m.state.Store(int32(Connecting))

	client := goredis.NewClient(m.options())
	m.dialing = client
	timeout := m.config.ConnectTimeout
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		err := client.Ping(ctx).Err()
		cancel()
		m.loop.Post(func() { m.onConnect(gen, client, err) })
	}()
}

func (m *Manager) options() *goredis.Options {
	return &goredis.Options{
		Addr:        m.config.Addr,
		Protocol:    2,
		DialTimeout: m.config.ConnectTimeout,
		// In-flight commands are never timed out; only connects are bounded.
		ReadTimeout:           -1,
		WriteTimeout:          -1,
		ContextTimeoutEnabled: true,
		PoolSize:              1,
		MaxRetries:            -1,
		DisableIdentity:       true,
	}
}

func (m *Manager) onConnect(gen uint64, client *goredis.Client, err error) {
	if gen != m.gen || m.closed {
		_ = client.Close()
		return
	}
	m.dialing = nil

	if err != nil {
		_ = client.Close()
		m.state.Store(int32(Disconnected))
		m.metrics.IncBackendConnectFailures()
		m.logger.Warn("error connecting to redis", map[string]any{
			"error":    err.Error(),
			"retry_in": m.config.RetryDelay.String(),
		})
		m.cancelTime = m.loop.AfterFunc(m.config.RetryDelay, func() {
			m.cancelTime = nil
			m.start()
		})
		return
	}

	m.sess = newSession(gen, client, m.config)
	m.writers.Add(1)
	go func(s *session) {
		defer m.writers.Done()
		s.run(m)
	}(m.sess)

	m.state.Store(int32(Connected))
	m.metrics.IncBackendConnects()
	m.logger.Info("connected to redis", nil)
}

// onDisconnect handles a transport failure reported by the writer of
// generation gen.
func (m *Manager) onDisconnect(gen uint64, err error) {
	if gen != m.gen || m.closed || m.State() != Connected {
		return
	}
	m.state.Store(int32(Disconnected))
	m.metrics.IncBackendDisconnects()
	m.logger.Warn("redis connection lost, reconnecting", map[string]any{"error": err.Error()})

	m.teardown()
	m.start()
}

// teardown stops the current session and fails whatever it had queued. Once
// the state has left Connected nothing else can be queued on it, so the
// drain is complete.
func (m *Manager) teardown() {
	s := m.sess
	if s == nil {
		return
	}
	m.sess = nil
	s.cancel()
	_ = s.client.Close()
	for {
		select {
		case p := <-s.queue:
			if p.onReply != nil {
				onReply := p.onReply
				m.loop.Post(func() { onReply(nil, ErrClosed) })
			}
		default:
			return
		}
	}
}

// Fire submits cmd without a reply callback.
func (m *Manager) Fire(cmd telemetry.Command) bool {
	return m.submit(pending{cmd: cmd})
}

// Call submits cmd; onReply runs on the loop with the reply or the error.
func (m *Manager) Call(cmd telemetry.Command, onReply func(reply any, err error)) bool {
	return m.submit(pending{cmd: cmd, onReply: onReply})
}

func (m *Manager) submit(p pending) bool {
	if m.State() != Connected || m.sess == nil {
		return false
	}
	select {
	case m.sess.queue <- p:
		return true
	default:
		return false
	}
}

// Close stops the Manager permanently: pending retries are cancelled, the
// connection is closed and queued callbacks receive ErrClosed. Must run on
// the loop; use Wait afterwards to join the writer goroutine.
func (m *Manager) Close() {
	if m.closed {
		return
	}
	m.closed = true
	if m.cancelTime != nil {
		m.cancelTime()
		m.cancelTime = nil
	}
	if m.dialing != nil {
		_ = m.dialing.Close()
		m.dialing = nil
	}
	m.teardown()
	m.state.Store(int32(Disconnected))
}

// Wait blocks until every writer goroutine has exited.
func (m *Manager) Wait() {
	m.writers.Wait()
}

var _ telemetry.Dispatcher = (*Manager)(nil)
