//go:build integration

package cli

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/schaermu/pingsync/internal/testutil"
)

const defaultTimeout = 2 * time.Minute

// Harness builds the pingsync binary and runs a server process plus client
// commands against it.
type Harness struct {
	t       *testing.T
	binary  string
	port    int
	served  string
	workDir string
	config  string
	server  *exec.Cmd
}

// NewHarness builds the binary and lays out served and work directories
func NewHarness(ctx context.Context, t *testing.T) *Harness {
	t.Helper()
	projectRoot, err := testutil.FindProjectRoot()
	if err != nil {
		t.Fatalf("get project root: %v", err)
	}

	tmp := t.TempDir()
	h := &Harness{
		t:       t,
		binary:  filepath.Join(tmp, "pingsync"),
		served:  filepath.Join(tmp, "served"),
		workDir: filepath.Join(tmp, "work"),
		config:  filepath.Join(tmp, "config.yaml"),
		port:    freePort(t),
	}

	build := exec.CommandContext(ctx, "go", "build", "-o", h.binary, "./cmd/pingsync")
	build.Dir = projectRoot
	build.Stdout = &testWriter{t: t, prefix: "[build] "}
	build.Stderr = &testWriter{t: t, prefix: "[build] "}
	if err := build.Run(); err != nil {
		t.Fatalf("go build: %v", err)
	}

	for _, dir := range []string{h.served, h.workDir} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			t.Fatalf("create %s: %v", dir, err)
		}
	}
	h.writeConfig()
	return h
}

func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("find free port: %v", err)
	}
	defer func() {
		_ = ln.Close()
	}()
	return ln.Addr().(*net.TCPAddr).Port
}

func (h *Harness) writeConfig() {
	h.t.Helper()
	content := fmt.Sprintf(`transfer:
  chunk_size: 64
  timeout: 10s
  drain_delay: 5s
client:
  host: 127.0.0.1
  port: %d
  work_dir: %q
  retry: 3
  retry_delay: 100ms
server:
  listen_addr: "127.0.0.1:%d"
  root: %q
  shutdown_timeout: 2s
`, h.port, h.workDir, h.port, h.served)
	if err := os.WriteFile(h.config, []byte(content), 0600); err != nil {
		h.t.Fatalf("write config: %v", err)
	}
}

// StartServer launches "pingsync serve" and waits until its port is open
func (h *Harness) StartServer(ctx context.Context) {
	h.t.Helper()
	h.server = exec.CommandContext(ctx, h.binary, "serve", "--config", h.config, "--log-level", "debug")
	h.server.Stdout = &testWriter{t: h.t, prefix: "[serve] "}
	h.server.Stderr = &testWriter{t: h.t, prefix: "[serve] "}
	if err := h.server.Start(); err != nil {
		h.t.Fatalf("start server: %v", err)
	}

	deadline := time.Now().Add(10 * time.Second)
	for {
		if _, _, err := h.Run(ctx, "ping"); err == nil {
			return
		}
		if time.Now().After(deadline) {
			h.t.Fatal("server did not open its port")
		}
		time.Sleep(100 * time.Millisecond)
	}
}

// Stop interrupts the server and waits for it to exit
func (h *Harness) Stop() {
	if h.server == nil || h.server.Process == nil {
		return
	}
	_ = h.server.Process.Signal(os.Interrupt)
	done := make(chan error, 1)
	go func() {
		done <- h.server.Wait()
	}()
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		_ = h.server.Process.Kill()
		<-done
	}
	h.server = nil
}

// Run executes a client command and returns its stdout and stderr
func (h *Harness) Run(ctx context.Context, args ...string) (string, string, error) {
	args = append(args, "--config", h.config, "--log-level", "error")
	cmd := exec.CommandContext(ctx, h.binary, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	return stdout.String(), stderr.String(), err
}

// MustRun executes a client command and fails the test on error
func (h *Harness) MustRun(ctx context.Context, args ...string) string {
	h.t.Helper()
	stdout, stderr, err := h.Run(ctx, args...)
	if err != nil {
		h.t.Fatalf("pingsync %s: %v\nstdout: %s\nstderr: %s", strings.Join(args, " "), err, stdout, stderr)
	}
	return stdout
}

// testWriter wraps test logging for command output
type testWriter struct {
	t      *testing.T
	prefix string
}

func (w *testWriter) Write(p []byte) (n int, err error) {
	lines := strings.Split(string(p), "\n")
	for _, line := range lines {
		if line != "" {
			w.t.Log(w.prefix + line)
		}
	}
	return len(p), nil
}

var _ io.Writer = (*testWriter)(nil)
