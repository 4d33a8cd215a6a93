package server

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/niels/tinyhttpd/pkg/config"
	"github.com/niels/tinyhttpd/pkg/resolver"
	"github.com/niels/tinyhttpd/pkg/stats"
)

func fixtureDir(t *testing.T) string {
	t.Helper()

	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "index.html"), []byte("<h1>Hi</h1>\n"), 0644); err != nil {
		t.Fatalf("Failed to write index.html: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "app.js"), []byte("console.log(1);"), 0644); err != nil {
		t.Fatalf("Failed to write app.js: %v", err)
	}
	return dir
}

// startServer serves a fixture root on a loopback port and returns its
// address, tracker and a stop function that waits for Serve to return
func startServer(t *testing.T, tune func(*config.Config)) (string, *stats.ConsoleTracker, func() error) {
	t.Helper()

	dir := fixtureDir(t)

	cfg := config.LoadDefault()
	cfg.Server.Host = "127.0.0.1"
	cfg.Server.Port = 0
	cfg.Server.Root = dir
	cfg.Server.ShutdownTimeout = 1
	if tune != nil {
		tune(cfg)
	}

	root, err := resolver.NewRoot(cfg.Server.Root)
	if err != nil {
		t.Fatalf("NewRoot failed: %v", err)
	}

	var out bytes.Buffer
	tracker := stats.NewConsoleTracker().WithWriter(&out).WithColor(false)
	srv := New(cfg, root).WithTracker(tracker)
	if err := srv.Listen(); err != nil {
		t.Fatalf("Listen failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ctx)
	}()

	stopped := false
	stop := func() error {
		if stopped {
			return nil
		}
		stopped = true
		cancel()
		select {
		case err := <-errCh:
			return err
		case <-time.After(10 * time.Second):
			t.Fatal("Serve did not return after cancel")
			return nil
		}
	}
	t.Cleanup(func() { _ = stop() })

	return srv.Addr().String(), tracker, stop
}

func roundTrip(t *testing.T, addr, raw string) string {
	t.Helper()

	conn, err := net.DialTimeout("tcp", addr, 5*time.Second)
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	defer conn.Close()
	_ = conn.SetDeadline(time.Now().Add(5 * time.Second))

	if _, err := io.WriteString(conn, raw); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	data, err := io.ReadAll(conn)
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	return string(data)
}

func TestServeOverLoopback(t *testing.T) {
	addr, _, _ := startServer(t, nil)

	tests := []struct {
		name       string
		raw        string
		statusLine string
		contains   string
	}{
		{"index", "GET / HTTP/1.1\r\nHost: localhost\r\n\r\n", "HTTP/1.1 200 OK", "Content-Length: 12\r\n"},
		{"javascript", "GET /app.js HTTP/1.1\r\n\r\n", "HTTP/1.1 200 OK", "Content-Type: application/javascript; charset=utf-8\r\n"},
		{"traversal", "GET /../../etc/passwd HTTP/1.1\r\n\r\n", "HTTP/1.1 403 Forbidden", "Connection: close\r\n"},
		{"post", "POST / HTTP/1.1\r\n\r\n", "HTTP/1.1 405 Method Not Allowed", "Connection: close\r\n"},
		{"missing", "GET /nope.html HTTP/1.1\r\n\r\n", "HTTP/1.1 404 Not Found", "<h1>404 Not Found</h1>"},
		{"malformed", "GET\r\n\r\n", "HTTP/1.1 400 Bad Request", "<h1>400 Bad Request</h1>"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := roundTrip(t, addr, tt.raw)
			if !strings.HasPrefix(got, tt.statusLine+"\r\n") {
				t.Errorf("Expected status line %q, got %q", tt.statusLine, got)
			}
			if !strings.Contains(got, tt.contains) {
				t.Errorf("Expected response to contain %q, got %q", tt.contains, got)
			}
		})
	}
}

func TestEmptyConnection(t *testing.T) {
	addr, _, _ := startServer(t, nil)

	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	defer conn.Close()
	if tcp, ok := conn.(*net.TCPConn); ok {
		_ = tcp.CloseWrite()
	}
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	data, err := io.ReadAll(conn)
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	if len(data) != 0 {
		t.Errorf("Expected no response bytes, got %q", data)
	}
}

func TestTrackerSummary(t *testing.T) {
	addr, tracker, stop := startServer(t, nil)

	roundTrip(t, addr, "GET / HTTP/1.1\r\n\r\n")
	roundTrip(t, addr, "GET /missing.html HTTP/1.1\r\n\r\n")

	if err := stop(); err != nil {
		t.Fatalf("Serve returned error: %v", err)
	}

	snap := tracker.Snapshot()
	if snap.Requests != 2 {
		t.Errorf("Expected 2 requests, got %d", snap.Requests)
	}
	if snap.ByStatus[200] != 1 || snap.ByStatus[404] != 1 {
		t.Errorf("Unexpected status counts: %v", snap.ByStatus)
	}
	if snap.BytesServed == 0 {
		t.Errorf("Expected bytes served to be counted")
	}
}

func TestGracefulShutdown(t *testing.T) {
	addr, _, stop := startServer(t, nil)

	roundTrip(t, addr, "GET / HTTP/1.1\r\n\r\n")

	if err := stop(); err != nil {
		t.Errorf("Expected clean shutdown, got %v", err)
	}

	if conn, err := net.DialTimeout("tcp", addr, time.Second); err == nil {
		conn.Close()
		t.Errorf("Expected listener to be closed after shutdown")
	}
}

func TestShutdownClosesIdleConnections(t *testing.T) {
	addr, _, stop := startServer(t, func(cfg *config.Config) {
		cfg.Server.ShutdownTimeout = 0
	})

	// Connects and never sends a request, so its handler blocks reading.
	idle, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	defer idle.Close()

	// Make sure the idle connection has been accepted before stopping.
	roundTrip(t, addr, "GET / HTTP/1.1\r\n\r\n")

	start := time.Now()
	if err := stop(); err != nil {
		t.Errorf("Expected clean shutdown, got %v", err)
	}
	if time.Since(start) > 5*time.Second {
		t.Errorf("Shutdown waited too long for an idle connection")
	}
}

func TestMaxConnections(t *testing.T) {
	addr, _, _ := startServer(t, func(cfg *config.Config) {
		cfg.Server.MaxConnections = 1
	})

	// Holds the only slot until it is closed.
	holder, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}

	waiting, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	defer waiting.Close()
	if _, err := io.WriteString(waiting, "GET / HTTP/1.1\r\n\r\n"); err != nil {
		t.Fatalf("Write failed: %v", err)
	}

	_ = waiting.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
	buf := make([]byte, 1)
	if _, err := waiting.Read(buf); err == nil {
		t.Fatalf("Expected the second connection to wait for a free slot")
	}

	holder.Close()

	_ = waiting.SetReadDeadline(time.Now().Add(5 * time.Second))
	data, err := io.ReadAll(waiting)
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	if !strings.HasPrefix(string(data), "HTTP/1.1 200 OK\r\n") {
		t.Errorf("Expected 200 once the slot was released, got %q", data)
	}
}

func TestListenFailure(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen failed: %v", err)
	}
	defer ln.Close()

	cfg := config.LoadDefault()
	cfg.Server.Host = "127.0.0.1"
	cfg.Server.Port = ln.Addr().(*net.TCPAddr).Port

	root, err := resolver.NewRoot(t.TempDir())
	if err != nil {
		t.Fatalf("NewRoot failed: %v", err)
	}

	srv := New(cfg, root)
	if err := srv.Serve(context.Background()); err == nil {
		t.Errorf("Expected an error when the port is taken")
	}
	if srv.Addr() != nil {
		t.Errorf("Expected no bound address after a failed listen")
	}
}

// flakyListener fails the next failures Accept calls with err before
// delegating to the wrapped listener
type flakyListener struct {
	net.Listener

	mu       sync.Mutex
	failures int
	err      error
	calls    int
}

func (l *flakyListener) Accept() (net.Conn, error) {
	l.mu.Lock()
	l.calls++
	if l.failures > 0 {
		l.failures--
		l.mu.Unlock()
		return nil, l.err
	}
	l.mu.Unlock()
	return l.Listener.Accept()
}

func (l *flakyListener) fail(n int) {
	l.mu.Lock()
	l.failures = n
	l.mu.Unlock()
}

func (l *flakyListener) callCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.calls
}

// serveFlaky serves a fixture root from a flakyListener wrapping a loopback
// listener
func serveFlaky(t *testing.T, failures int, acceptErr error, tune func(*config.Config)) (*flakyListener, <-chan error, context.CancelFunc) {
	t.Helper()

	cfg := config.LoadDefault()
	cfg.Server.Root = fixtureDir(t)
	cfg.Server.ShutdownTimeout = 1
	if tune != nil {
		tune(cfg)
	}

	root, err := resolver.NewRoot(cfg.Server.Root)
	if err != nil {
		t.Fatalf("NewRoot failed: %v", err)
	}

	inner, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen failed: %v", err)
	}
	ln := &flakyListener{Listener: inner, failures: failures, err: acceptErr}

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	done := make(chan struct{})
	go func() {
		defer close(done)
		errCh <- New(cfg, root).ServeListener(ctx, ln)
	}()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(10 * time.Second):
			t.Error("Serve did not return after cancel")
		}
	})

	return ln, errCh, cancel
}

func emfile() error {
	return &net.OpError{Op: "accept", Net: "tcp", Err: os.NewSyscallError("accept", syscall.EMFILE)}
}

func TestTemporaryAcceptErrorsNeverStopServing(t *testing.T) {
	tests := []struct {
		name string
		tune func(*config.Config)
	}{
		{"exponential backoff", func(cfg *config.Config) {
			cfg.Retry.InitialDelay = 1
			cfg.Retry.MaxDelay = 5
		}},
		{"backoff disabled", func(cfg *config.Config) {
			disabled := false
			cfg.Retry.Enabled = &disabled
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			// Well past any fixed retry budget.
			ln, errCh, _ := serveFlaky(t, 40, emfile(), tt.tune)
			addr := ln.Addr().String()

			got := roundTrip(t, addr, "GET / HTTP/1.1\r\n\r\n")
			if !strings.HasPrefix(got, "HTTP/1.1 200 OK\r\n") {
				t.Fatalf("Expected 200 after the accept errors cleared, got %q", got)
			}
			if calls := ln.callCount(); calls < 41 {
				t.Errorf("Expected at least 41 accept calls, got %d", calls)
			}

			// A second burst after a successful accept is survived as well.
			ln.fail(10)
			roundTrip(t, addr, "GET / HTTP/1.1\r\n\r\n")
			got = roundTrip(t, addr, "GET /app.js HTTP/1.1\r\n\r\n")
			if !strings.HasPrefix(got, "HTTP/1.1 200 OK\r\n") {
				t.Fatalf("Expected 200 after the second burst, got %q", got)
			}

			select {
			case err := <-errCh:
				t.Fatalf("Serve stopped on temporary accept errors: %v", err)
			default:
			}
		})
	}
}

func TestPermanentAcceptErrorStopsServing(t *testing.T) {
	_, errCh, _ := serveFlaky(t, 1<<30, errors.New("listener broken"), nil)

	select {
	case err := <-errCh:
		if err == nil || !strings.Contains(err.Error(), "listener broken") {
			t.Errorf("Expected the accept error to be returned, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Serve kept running after a permanent accept error")
	}
}

func TestCancelDuringAcceptBackoff(t *testing.T) {
	_, errCh, cancel := serveFlaky(t, 1<<30, emfile(), func(cfg *config.Config) {
		cfg.Retry.InitialDelay = 60000
		cfg.Retry.MaxDelay = 60000
	})

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-errCh:
		if err != nil {
			t.Errorf("Expected clean shutdown, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return while backing off")
	}
}
