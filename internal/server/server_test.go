package server

import (
	"context"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/spf13/afero"

	"github.com/Kush-Singh-26/wasmserve/internal/config"
)

// startServer serves s on a loopback port and returns its base URL. The
// server is stopped when the test ends.
func startServer(t *testing.T, s *Server) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen() error = %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- s.Serve(ctx, ln) }()

	t.Cleanup(func() {
		cancel()
		select {
		case err := <-errc:
			if err != nil {
				t.Errorf("Serve() error = %v", err)
			}
		case <-time.After(10 * time.Second):
			t.Error("Serve() did not return after cancel")
		}
	})
	return "http://" + ln.Addr().String()
}

// blockingHandler parks every request until release is closed.
func blockingHandler(entered *atomic.Int32, arrived chan<- struct{}, release <-chan struct{}) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		entered.Add(1)
		arrived <- struct{}{}
		<-release
		_, _ = io.WriteString(w, "ok")
	})
}

func fireRequests(t *testing.T, url string, n int) <-chan error {
	t.Helper()
	client := &http.Client{Timeout: 10 * time.Second}
	results := make(chan error, n)
	for i := 0; i < n; i++ {
		go func() {
			resp, err := client.Get(url)
			if err == nil {
				_, _ = io.Copy(io.Discard, resp.Body)
				_ = resp.Body.Close()
			}
			results <- err
		}()
	}
	return results
}

func TestServeHandlesOneConnectionAtATime(t *testing.T) {
	s := New(testConfig(t, nil), afero.NewMemMapFs(), testLogger())

	var entered atomic.Int32
	arrived := make(chan struct{}, 2)
	release := make(chan struct{})
	s.handler = blockingHandler(&entered, arrived, release)
	url := startServer(t, s)

	results := fireRequests(t, url+"/", 2)

	select {
	case <-arrived:
	case <-time.After(5 * time.Second):
		t.Fatal("first request never reached the handler")
	}
	select {
	case <-arrived:
		t.Fatal("second request was handled while the first was in flight")
	case <-time.After(300 * time.Millisecond):
	}
	if n := entered.Load(); n != 1 {
		t.Fatalf("entered = %d, want 1 while the first request is in flight", n)
	}

	close(release)
	for i := 0; i < 2; i++ {
		if err := <-results; err != nil {
			t.Errorf("request error = %v", err)
		}
	}
	if n := entered.Load(); n != 2 {
		t.Errorf("entered = %d, want 2", n)
	}
}

func TestServeConcurrent(t *testing.T) {
	s := New(testConfig(t, func(c *config.Config) { c.Concurrent = true }), afero.NewMemMapFs(), testLogger())

	var entered atomic.Int32
	arrived := make(chan struct{}, 2)
	release := make(chan struct{})
	s.handler = blockingHandler(&entered, arrived, release)
	url := startServer(t, s)

	results := fireRequests(t, url+"/", 2)
	for i := 0; i < 2; i++ {
		select {
		case <-arrived:
		case <-time.After(5 * time.Second):
			t.Fatalf("only %d of 2 requests reached the handler concurrently", i)
		}
	}

	close(release)
	for i := 0; i < 2; i++ {
		if err := <-results; err != nil {
			t.Errorf("request error = %v", err)
		}
	}
}

func TestServeOverTCP(t *testing.T) {
	root := memRoot(t, map[string]string{
		"/index.html":  "<h1>wasm</h1>",
		"/module.wasm": wasmBytes,
	})
	url := startServer(t, New(testConfig(t, nil), root, testLogger()))

	resp, err := http.Get(url + "/module.wasm")
	if err != nil {
		t.Fatal(err)
	}
	body, _ := io.ReadAll(resp.Body)
	_ = resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}
	if got := resp.Header.Get("Content-Type"); got != "application/wasm" {
		t.Errorf("Content-Type = %q, want application/wasm", got)
	}
	if string(body) != wasmBytes {
		t.Errorf("body = %q, want module bytes", body)
	}
	if !resp.Close {
		t.Error("serial mode should close the connection after each response")
	}

	resp, err = http.Get(url + "/missing.html")
	if err != nil {
		t.Fatal(err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("GET /missing.html status = %d, want 404", resp.StatusCode)
	}
}

func TestRunFailsWhenPortIsTaken(t *testing.T) {
	taken, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = taken.Close() }()

	port := taken.Addr().(*net.TCPAddr).Port
	s := New(testConfig(t, func(c *config.Config) {
		c.Host = "127.0.0.1"
		c.Port = port
	}), afero.NewMemMapFs(), testLogger())

	err = s.Run(context.Background())
	if err == nil {
		t.Fatal("Run() should fail when the port is in use")
	}
	if !strings.Contains(err.Error(), "failed to listen") || !strings.Contains(err.Error(), strconv.Itoa(port)) {
		t.Errorf("Run() error = %v, want bind failure for port %d", err, port)
	}
}

func TestServeStopsOnCancel(t *testing.T) {
	s := New(testConfig(t, nil), afero.NewMemMapFs(), testLogger())
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	addr := ln.Addr().String()

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- s.Serve(ctx, ln) }()

	cancel()
	select {
	case err := <-errc:
		if err != nil {
			t.Errorf("Serve() error = %v, want nil after cancel", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Serve() did not return after cancel")
	}

	// The port is released.
	again, err := net.Listen("tcp", addr)
	if err != nil {
		t.Fatalf("port not released: %v", err)
	}
	_ = again.Close()
}

func TestDisplayAddr(t *testing.T) {
	addr := &net.TCPAddr{IP: net.IPv4zero, Port: 8080}
	tests := []struct {
		host string
		want string
	}{
		{"", "localhost:8080"},
		{"0.0.0.0", "localhost:8080"},
		{"127.0.0.1", "127.0.0.1:8080"},
		{"::1", "[::1]:8080"},
	}
	for _, tt := range tests {
		if got := displayAddr(tt.host, addr); got != tt.want {
			t.Errorf("displayAddr(%q) = %q, want %q", tt.host, got, tt.want)
		}
	}
}
