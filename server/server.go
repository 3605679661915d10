// Package server accepts download requests, answers each with a redirect or
// a 404, and hands completed requests to the telemetry pipeline.
//
// Every connection serves one response and is closed once it is written.
// Socket reads and writes happen on helper goroutines; parsing, response
// assembly and telemetry dispatch run on the reactor loop.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap/zapcore"

	"github.com/pithecene-io/statupdate/httpparse"
	"github.com/pithecene-io/statupdate/log"
	"github.com/pithecene-io/statupdate/metrics"
	"github.com/pithecene-io/statupdate/reactor"
	"github.com/pithecene-io/statupdate/telemetry"
)

// DefaultPrefix is the redirect URL prefix used when none is configured.
const DefaultPrefix = "http://production.cf.rubygems.org/gems/"

const readSize = 4096

// Config configures a Server.
type Config struct {
	// Prefix is prepended to "<name>.gem" in the Location header.
	Prefix string
	// MaxLineSize bounds request and header lines (default 8KiB).
	MaxLineSize int
	// Now returns the current time (default time.Now).
	Now func() time.Time
}

// Server is the HTTP front end.
type Server struct {
	config   Config
	loop     reactor.Poster
	backend  telemetry.Dispatcher
	pipeline *telemetry.Pipeline
	logger   *log.Logger
	metrics  *metrics.Collector

	// helpers tracks reader and writer goroutines.
	helpers sync.WaitGroup

	mu       sync.Mutex
	conns    map[*conn]struct{}
	draining bool
}

// New creates a Server. logger and m may be nil.
func New(cfg Config, loop reactor.Poster, backend telemetry.Dispatcher, logger *log.Logger, m *metrics.Collector) (*Server, error) {
	if loop == nil {
		return nil, errors.New("server requires a reactor loop")
	}
	if backend == nil {
		return nil, errors.New("server requires a backend")
	}
	if cfg.Prefix == "" {
		cfg.Prefix = DefaultPrefix
	}
	if cfg.MaxLineSize <= 0 {
		cfg.MaxLineSize = httpparse.DefaultMaxLineSize
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	logger = logger.With(map[string]any{"component": "server"})
	return &Server{
		config:   cfg,
		loop:     loop,
		backend:  backend,
		pipeline: telemetry.NewPipeline(backend, logger, m),
		logger:   logger,
		metrics:  m,
		conns:    make(map[*conn]struct{}),
	}, nil
}

// Serve accepts connections on ln until ctx is cancelled or ln fails. On
// return the listener and every open connection are closed and all helper
// goroutines have exited.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	stop := context.AfterFunc(ctx, func() { _ = ln.Close() })
	defer stop()

	s.logger.Info("listening", map[string]any{"addr": ln.Addr().String()})

	var err error
	for {
		nc, acceptErr := ln.Accept()
		if acceptErr != nil {
			if ctx.Err() == nil {
				err = fmt.Errorf("accept: %w", acceptErr)
			}
			break
		}
		s.accept(nc)
	}

	_ = ln.Close()
	s.closeAll()
	s.helpers.Wait()
	return err
}

func (s *Server) accept(nc net.Conn) {
	s.metrics.IncConnectionsAccepted()
	c := newConn(uuid.NewString(), nc, s)
	s.track(c)
	if c.logger.Enabled(zapcore.DebugLevel) {
		c.logger.Debug("connection accepted", map[string]any{"remote": nc.RemoteAddr().String()})
	}

	s.goHelper(func() { s.read(c) })
}

// read forwards socket bytes to the loop until the socket fails or closes.
func (s *Server) read(c *conn) {
	buf := make([]byte, readSize)
	for {
		n, err := c.nc.Read(buf)
		if n > 0 {
			data := make([]byte, n)
			copy(data, buf[:n])
			s.loop.Post(func() { c.feed(data) })
		}
		if err != nil {
			s.loop.Post(func() {
				// A peer that half-closes after sending its request still
				// gets the response; the write continuation closes.
				if !c.responded {
					c.close()
				}
			})
			return
		}
	}
}

func (s *Server) track(c *conn) {
	s.mu.Lock()
	s.conns[c] = struct{}{}
	s.mu.Unlock()
}

func (s *Server) untrack(c *conn) {
	s.mu.Lock()
	delete(s.conns, c)
	s.mu.Unlock()
}

// closeAll closes every tracked socket so blocked readers and writers
// return. Loop-owned connection state is left to the loop.
func (s *Server) closeAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.draining = true
	for c := range s.conns {
		_ = c.nc.Close()
	}
}

// goHelper runs fn on a tracked goroutine. It reports false once Serve is
// shutting down.
func (s *Server) goHelper(fn func()) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.draining {
		return false
	}
	s.helpers.Add(1)
	go func() {
		defer s.helpers.Done()
		fn()
	}()
	return true
}

// Open returns the number of connections not yet closed.
func (s *Server) Open() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}
