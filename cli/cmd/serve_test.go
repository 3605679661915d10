package cmd

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/urfave/cli/v2"

	"github.com/pithecene-io/statupdate/cli/config"
	"github.com/pithecene-io/statupdate/log"
)

func TestRun_RedirectsAndCounts(t *testing.T) {
	mr := miniredis.RunT(t)
	mr.HSet("v:foo-1.0", "name", "Foo")
	port, err := strconv.Atoi(mr.Port())
	if err != nil {
		t.Fatalf("miniredis port: %v", err)
	}

	cfg := config.Default()
	cfg.HTTP.Prefix = "http://cdn.example.org/gems/"
	cfg.Redis.Host = mr.Host()
	cfg.Redis.Port = port
	cfg.Metrics.Addr = "127.0.0.1:0"

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}

	ctx, cancel := context.WithCancel(t.Context())
	done := make(chan error, 1)
	go func() { done <- Run(ctx, cfg, ln, log.Nop()) }()

	// The first requests may race the backend connect; retry until one is
	// counted.
	deadline := time.Now().Add(5 * time.Second)
	for {
		resp := get(t, ln.Addr().String(), "/gems/foo-1.0.gem")
		if resp.StatusCode != http.StatusFound {
			t.Fatalf("status = %d, want 302", resp.StatusCode)
		}
		if loc := resp.Header.Get("Location"); loc != "http://cdn.example.org/gems/foo-1.0.gem" {
			t.Fatalf("Location = %q", loc)
		}
		if v, _ := mr.Get("downloads:version:foo-1.0"); v != "" {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("download was never counted")
		}
		time.Sleep(20 * time.Millisecond)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run returned %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func get(t *testing.T, addr, path string) *http.Response {
	t.Helper()
	conn, err := net.DialTimeout("tcp", addr, time.Second)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	_ = conn.SetDeadline(time.Now().Add(2 * time.Second))
	if _, err := fmt.Fprintf(conn, "GET %s HTTP/1.1\r\nHost: x\r\n\r\n", path); err != nil {
		t.Fatalf("write: %v", err)
	}
	resp, err := http.ReadResponse(bufio.NewReader(conn), nil)
	if err != nil {
		t.Fatalf("read response: %v", err)
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	_ = resp.Body.Close()
	return resp
}

func TestServeAction_RejectsPositionalArgs(t *testing.T) {
	app := NewApp("test")
	app.ExitErrHandler = func(*cli.Context, error) {}

	err := app.Run([]string{"stat-update", "extra"})
	if err == nil || !strings.Contains(err.Error(), "unexpected argument") {
		t.Errorf("error = %v, want unexpected argument", err)
	}
}
