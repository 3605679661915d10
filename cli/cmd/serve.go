package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/urfave/cli/v2"

	"github.com/pithecene-io/statupdate/backend"
	"github.com/pithecene-io/statupdate/cli/config"
	"github.com/pithecene-io/statupdate/log"
	"github.com/pithecene-io/statupdate/metrics"
	"github.com/pithecene-io/statupdate/reactor"
	"github.com/pithecene-io/statupdate/server"
	"github.com/pithecene-io/statupdate/types"
)

// Exit codes of the serve action.
const (
	exitConfigError = 2
	exitListenError = 3
)

// shutdownTimeout bounds closing the backend and the metrics server.
const shutdownTimeout = 5 * time.Second

func serveAction(c *cli.Context) error {
	if c.Args().Present() {
		return cli.Exit(fmt.Sprintf("unexpected argument %q", c.Args().First()), exitConfigError)
	}

	cfg, err := loadConfig(c)
	if err != nil {
		return cli.Exit(fmt.Sprintf("invalid configuration: %v", err), exitConfigError)
	}

	logger, err := newLogger(cfg, os.Stderr)
	if err != nil {
		return cli.Exit(fmt.Sprintf("invalid configuration: %v", err), exitConfigError)
	}
	defer func() { _ = logger.Sync() }()

	ctx, cancel := context.WithCancel(c.Context)
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		select {
		case sig := <-sigCh:
			logger.Info("shutting down", map[string]any{"signal": sig.String()})
			cancel()
		case <-ctx.Done():
		}
	}()

	ln, err := net.Listen("tcp", cfg.HTTP.ListenAddr())
	if err != nil {
		return cli.Exit(fmt.Sprintf("cannot listen on %s: %v", cfg.HTTP.ListenAddr(), err), exitListenError)
	}
	return Run(ctx, cfg, ln, logger)
}

// newLogger builds the process logger for cfg.Log, writing JSON to w.
func newLogger(cfg *config.Config, w io.Writer) (*log.Logger, error) {
	level, err := log.ParseLevel(cfg.Log.Level)
	if err != nil {
		return nil, fmt.Errorf("log.level: %w", err)
	}
	return log.NewLoggerWithWriter(log.Identity{
		Service:    types.ServiceName,
		Version:    types.Version,
		InstanceID: uuid.NewString(),
	}, level, w), nil
}

// Run serves redirects on ln until ctx is cancelled, then closes the
// backend connection and stops the loop. It owns ln.
func Run(ctx context.Context, cfg *config.Config, ln net.Listener, logger *log.Logger) error {
	m := metrics.NewCollector()

	loop := reactor.New()
	loopCtx, stopLoop := context.WithCancel(context.Background())
	loopDone := make(chan struct{})
	go func() {
		_ = loop.Run(loopCtx)
		close(loopDone)
	}()
	defer func() {
		stopLoop()
		<-loopDone
	}()

	mgr, err := backend.New(cfg.Redis.Backend(), loop, logger, m)
	if err != nil {
		_ = ln.Close()
		return fmt.Errorf("backend: %w", err)
	}
	srv, err := server.New(server.Config{Prefix: cfg.HTTP.Prefix}, loop, mgr, logger, m)
	if err != nil {
		_ = ln.Close()
		return fmt.Errorf("server: %w", err)
	}

	if cfg.Metrics.Addr != "" {
		metricsSrv, err := startMetricsServer(cfg.Metrics.Addr, m, logger)
		if err != nil {
			_ = ln.Close()
			return err
		}
		defer func() {
			sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			_ = metricsSrv.Shutdown(sctx)
		}()
	}

	mgr.Start()
	serveErr := srv.Serve(ctx, ln)

	closeCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := loop.Sync(closeCtx, mgr.Close); err != nil {
		logger.Warn("backend close timed out", map[string]any{"error": err.Error()})
	} else {
		mgr.Wait()
	}
	logger.Info("stopped", nil)
	return serveErr
}

func startMetricsServer(addr string, m *metrics.Collector, logger *log.Logger) (*http.Server, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("metrics listen: %w", err)
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler(m))
	srv := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Warn("metrics server stopped", map[string]any{"error": err.Error()})
		}
	}()
	logger.Info("metrics enabled", map[string]any{"addr": ln.Addr().String()})
	return srv, nil
}
