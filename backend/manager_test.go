package backend

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"

	"github.com/pithecene-io/statupdate/metrics"
	"github.com/pithecene-io/statupdate/reactor"
	"github.com/pithecene-io/statupdate/telemetry"
)

func startLoop(t *testing.T) *reactor.Loop {
	t.Helper()
	l := reactor.New()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = l.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return l
}

func newManager(t *testing.T, loop *reactor.Loop, cfg Config, m *metrics.Collector) *Manager {
	t.Helper()
	mgr, err := New(cfg, loop, nil, m)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	t.Cleanup(func() {
		_ = loop.Sync(context.Background(), mgr.Close)
		mgr.Wait()
	})
	return mgr
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func onLoop(t *testing.T, loop *reactor.Loop, fn func()) {
	t.Helper()
	if err := loop.Sync(t.Context(), fn); err != nil {
		t.Fatalf("sync: %v", err)
	}
}

func TestNew_RequiresAddr(t *testing.T) {
	if _, err := New(Config{}, reactor.New(), nil, nil); err == nil {
		t.Fatal("expected error for empty address")
	}
}

func TestNew_RequiresLoop(t *testing.T) {
	if _, err := New(Config{Addr: "127.0.0.1:6379"}, nil, nil, nil); err == nil {
		t.Fatal("expected error for nil loop")
	}
}

func TestNew_RejectsNegativeRetryDelay(t *testing.T) {
	if _, err := New(Config{Addr: "127.0.0.1:6379", RetryDelay: -time.Second}, reactor.New(), nil, nil); err == nil {
		t.Fatal("expected error for negative retry delay")
	}
}

func TestNew_DefaultsApplied(t *testing.T) {
	mgr, err := New(Config{Addr: "127.0.0.1:6379"}, reactor.New(), nil, nil)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if mgr.config.RetryDelay != DefaultRetryDelay {
		t.Errorf("RetryDelay = %v, want %v", mgr.config.RetryDelay, DefaultRetryDelay)
	}
	if mgr.config.ConnectTimeout != DefaultConnectTimeout {
		t.Errorf("ConnectTimeout = %v, want %v", mgr.config.ConnectTimeout, DefaultConnectTimeout)
	}
	if mgr.config.QueueSize != DefaultQueueSize {
		t.Errorf("QueueSize = %d, want %d", mgr.config.QueueSize, DefaultQueueSize)
	}
	if mgr.config.BatchSize != DefaultBatchSize {
		t.Errorf("BatchSize = %d, want %d", mgr.config.BatchSize, DefaultBatchSize)
	}
	if mgr.State() != Disconnected {
		t.Errorf("initial state = %v, want disconnected", mgr.State())
	}
}

func TestState_String(t *testing.T) {
	tests := map[State]string{
		Disconnected: "disconnected",
		Connecting:   "connecting",
		Connected:    "connected",
		State(9):     "state(9)",
	}
	for s, want := range tests {
		if s.String() != want {
			t.Errorf("State(%d).String() = %q, want %q", int32(s), s.String(), want)
		}
	}
}

func TestManager_ConnectsAndFires(t *testing.T) {
	mr := miniredis.RunT(t)
	loop := startLoop(t)
	m := metrics.NewCollector()
	mgr := newManager(t, loop, Config{Addr: mr.Addr()}, m)

	mgr.Start()
	waitFor(t, "connected", mgr.Connected)

	var ok bool
	onLoop(t, loop, func() {
		ok = mgr.Fire(telemetry.Command{"INCR", "downloads"}) &&
			mgr.Fire(telemetry.Command{"INCR", "downloads"}) &&
			mgr.Fire(telemetry.Command{"ZINCRBY", "downloads:all", "1", "foo-1.0"})
	})
	if !ok {
		t.Fatal("Fire refused while connected")
	}

	waitFor(t, "downloads=2", func() bool {
		v, err := mr.Get("downloads")
		return err == nil && v == "2"
	})
	waitFor(t, "zset score", func() bool {
		score, err := mr.ZScore("downloads:all", "foo-1.0")
		return err == nil && score == 1
	})

	s := m.Snapshot()
	if s.BackendConnects != 1 {
		t.Errorf("BackendConnects = %d, want 1", s.BackendConnects)
	}
	if s.CommandsDispatched < 3 {
		t.Errorf("CommandsDispatched = %d, want >= 3", s.CommandsDispatched)
	}
}

type reply struct {
	val any
	err error
}

func call(t *testing.T, loop *reactor.Loop, mgr *Manager, cmd telemetry.Command) reply {
	t.Helper()
	ch := make(chan reply, 1)
	onLoop(t, loop, func() {
		if !mgr.Call(cmd, func(v any, err error) { ch <- reply{v, err} }) {
			ch <- reply{err: errors.New("refused")}
		}
	})
	select {
	case r := <-ch:
		return r
	case <-time.After(5 * time.Second):
		t.Fatalf("no reply for %v", cmd)
		return reply{}
	}
}

func TestManager_CallReplies(t *testing.T) {
	mr := miniredis.RunT(t)
	mr.HSet("v:foo-1.0", "name", "Foo")
	mr.Set("v:broken-1.0", "not a hash")

	loop := startLoop(t)
	mgr := newManager(t, loop, Config{Addr: mr.Addr()}, nil)
	mgr.Start()
	waitFor(t, "connected", mgr.Connected)

	r := call(t, loop, mgr, telemetry.LookupCommand("foo-1.0"))
	if r.err != nil || r.val != "Foo" {
		t.Errorf("HGET existing = (%v, %v), want (Foo, nil)", r.val, r.err)
	}

	r = call(t, loop, mgr, telemetry.LookupCommand("missing-1.0"))
	if !errors.Is(r.err, goredis.Nil) {
		t.Errorf("HGET missing err = %v, want redis.Nil", r.err)
	}

	r = call(t, loop, mgr, telemetry.LookupCommand("broken-1.0"))
	if r.err == nil {
		t.Error("HGET on wrong type should return an error reply")
	}

	// Error replies do not count as a lost connection.
	if !mgr.Connected() {
		t.Errorf("state = %v after error replies, want connected", mgr.State())
	}
}

func TestManager_RefusesWhileDisconnected(t *testing.T) {
	loop := startLoop(t)
	mgr := newManager(t, loop, Config{Addr: "127.0.0.1:1", RetryDelay: time.Hour}, nil)

	var fired, called bool
	onLoop(t, loop, func() {
		fired = mgr.Fire(telemetry.Command{"INCR", "downloads"})
		called = mgr.Call(telemetry.Command{"HGET", "v:x", "name"}, func(any, error) {})
	})
	if fired || called {
		t.Errorf("submissions accepted while disconnected: fire=%v call=%v", fired, called)
	}
}

func TestManager_ConnectFailureRetriesAfterDelay(t *testing.T) {
	mr := miniredis.RunT(t)
	addr := mr.Addr()
	mr.Close()

	loop := startLoop(t)
	m := metrics.NewCollector()
	mgr := newManager(t, loop, Config{Addr: addr, RetryDelay: 50 * time.Millisecond, ConnectTimeout: time.Second}, m)

	mgr.Start()
	waitFor(t, "two connect failures", func() bool {
		return m.Snapshot().BackendConnectFailures >= 2
	})
	if mgr.Connected() {
		t.Fatal("connected to a stopped server")
	}

	if err := mr.Restart(); err != nil {
		t.Fatalf("restart: %v", err)
	}
	waitFor(t, "connected after restart", mgr.Connected)

	if got := m.Snapshot().BackendConnects; got != 1 {
		t.Errorf("BackendConnects = %d, want 1", got)
	}
}

func TestManager_ConnectFailureWaitsForDelay(t *testing.T) {
	loop := startLoop(t)
	m := metrics.NewCollector()
	mgr := newManager(t, loop, Config{Addr: "127.0.0.1:1", RetryDelay: time.Hour, ConnectTimeout: time.Second}, m)

	mgr.Start()
	waitFor(t, "first connect failure", func() bool {
		return m.Snapshot().BackendConnectFailures == 1
	})

	time.Sleep(100 * time.Millisecond)
	if got := m.Snapshot().BackendConnectFailures; got != 1 {
		t.Errorf("BackendConnectFailures = %d, want 1 (retry must wait for the delay)", got)
	}
	if mgr.State() != Disconnected {
		t.Errorf("state = %v, want disconnected", mgr.State())
	}
}

// severableProxy forwards TCP connections to target and can drop all of
// them on demand while continuing to accept new ones.
type severableProxy struct {
	ln     net.Listener
	target string
	mu     sync.Mutex
	conns  []net.Conn
}

func newSeverableProxy(t *testing.T, target string) *severableProxy {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	p := &severableProxy{ln: ln, target: target}
	go p.serve()
	t.Cleanup(func() {
		_ = ln.Close()
		p.sever()
	})
	return p
}

func (p *severableProxy) Addr() string { return p.ln.Addr().String() }

func (p *severableProxy) serve() {
	for {
		c, err := p.ln.Accept()
		if err != nil {
			return
		}
		u, err := net.Dial("tcp", p.target)
		if err != nil {
			_ = c.Close()
			continue
		}
		p.mu.Lock()
		p.conns = append(p.conns, c, u)
		p.mu.Unlock()
		go func() { _, _ = io.Copy(u, c); _ = u.Close() }()
		go func() { _, _ = io.Copy(c, u); _ = c.Close() }()
	}
}

func (p *severableProxy) sever() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, c := range p.conns {
		_ = c.Close()
	}
	p.conns = nil
}

func TestManager_DisconnectReconnectsImmediately(t *testing.T) {
	mr := miniredis.RunT(t)
	proxy := newSeverableProxy(t, mr.Addr())

	loop := startLoop(t)
	m := metrics.NewCollector()
	// An hour-long retry delay proves the reconnect after a drop does not
	// go through the retry timer.
	mgr := newManager(t, loop, Config{
		Addr:         proxy.Addr(),
		RetryDelay:   time.Hour,
		PingInterval: 20 * time.Millisecond,
	}, m)

	mgr.Start()
	waitFor(t, "connected", mgr.Connected)

	proxy.sever()

	waitFor(t, "disconnect noticed", func() bool {
		return m.Snapshot().BackendDisconnects == 1
	})
	waitFor(t, "reconnected", func() bool {
		return mgr.Connected() && m.Snapshot().BackendConnects == 2
	})
	if got := m.Snapshot().BackendConnectFailures; got != 0 {
		t.Errorf("BackendConnectFailures = %d, want 0", got)
	}

	onLoop(t, loop, func() { mgr.Fire(telemetry.Command{"INCR", "downloads"}) })
	waitFor(t, "command after reconnect", func() bool {
		v, err := mr.Get("downloads")
		return err == nil && v == "1"
	})
}

func TestManager_CloseFailsQueuedCalls(t *testing.T) {
	mr := miniredis.RunT(t)
	loop := startLoop(t)
	mgr, err := New(Config{Addr: mr.Addr()}, loop, nil, nil)
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	mgr.Start()
	waitFor(t, "connected", mgr.Connected)

	onLoop(t, loop, mgr.Close)
	mgr.Wait()

	if mgr.State() != Disconnected {
		t.Errorf("state after close = %v, want disconnected", mgr.State())
	}
	var fired bool
	onLoop(t, loop, func() { fired = mgr.Fire(telemetry.Command{"INCR", "downloads"}) })
	if fired {
		t.Error("Fire accepted after Close")
	}

	// Start after Close is a no-op.
	mgr.Start()
	onLoop(t, loop, func() {})
	if mgr.State() != Disconnected {
		t.Errorf("state after Start on closed manager = %v", mgr.State())
	}
}
