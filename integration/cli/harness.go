//go:build integration

package cli

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/launchkit/patchsync/internal/testutil"
)

const defaultTimeout = 2 * time.Minute

// Harness builds the patchsync binary and runs it against a local patch
// server
type Harness struct {
	t       *testing.T
	binary  string
	workDir string
	GameDir string
	Server  *PatchServer
}

// NewHarness builds the binary into a temporary directory
func NewHarness(ctx context.Context, t *testing.T) *Harness {
	t.Helper()

	projectRoot := testutil.ProjectRoot(t)

	workDir := t.TempDir()
	binary := filepath.Join(workDir, "patchsync")

	cmd := exec.CommandContext(ctx, "go", "build", "-o", binary, "./cmd/patchsync")
	cmd.Dir = projectRoot
	cmd.Stdout = &testWriter{t: t, prefix: "[build] "}
	cmd.Stderr = &testWriter{t: t, prefix: "[build] "}
	if err := cmd.Run(); err != nil {
		t.Fatalf("go build: %v", err)
	}

	h := &Harness{
		t:       t,
		binary:  binary,
		workDir: workDir,
		GameDir: filepath.Join(workDir, "game"),
		Server:  NewPatchServer(t),
	}
	h.WriteConfig("0s")
	return h
}

// WriteConfig points the binary at the harness server and game directory
func (h *Harness) WriteConfig(requestDelay string) {
	h.t.Helper()
	config := fmt.Sprintf(`source:
  manifest_url: %s/manifest
  base_url: %s/files
paths:
  game_dir: %s
patch:
  request_delay: %s
  phase_delay: 0s
  verify: true
`, h.Server.URL, h.Server.URL, h.GameDir, requestDelay)

	if err := os.WriteFile(h.ConfigPath(), []byte(config), 0644); err != nil {
		h.t.Fatalf("write config: %v", err)
	}
}

// ConfigPath returns the config file used by Run
func (h *Harness) ConfigPath() string {
	return filepath.Join(h.workDir, "config.yaml")
}

// Command prepares an invocation of the binary with the harness config
func (h *Harness) Command(ctx context.Context, args ...string) (*exec.Cmd, *bytes.Buffer, *bytes.Buffer) {
	args = append([]string{"--config", h.ConfigPath(), "--log-level", "debug"}, args...)
	cmd := exec.CommandContext(ctx, h.binary, args...)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	return cmd, &stdout, &stderr
}

// Run executes the binary and returns its output and exit code
func (h *Harness) Run(ctx context.Context, args ...string) (string, string, int) {
	h.t.Helper()
	cmd, stdout, stderr := h.Command(ctx, args...)
	return finish(h.t, cmd.Run(), stdout, stderr)
}

// MustRun executes the binary and fails the test on a non-zero exit
func (h *Harness) MustRun(ctx context.Context, args ...string) (string, string) {
	h.t.Helper()
	stdout, stderr, code := h.Run(ctx, args...)
	if code != 0 {
		h.t.Fatalf("patchsync %v exited with %d\nstdout: %s\nstderr: %s", args, code, stdout, stderr)
	}
	return stdout, stderr
}

func finish(t *testing.T, err error, stdout, stderr *bytes.Buffer) (string, string, int) {
	t.Helper()
	exitCode := 0
	if err != nil {
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			t.Fatalf("exec failed: %v", err)
		}
		exitCode = exitErr.ExitCode()
	}
	return stdout.String(), stderr.String(), exitCode
}

// ReadGameFile reads a file from the game directory, "" when missing
func (h *Harness) ReadGameFile(relPath string) string {
	data, err := os.ReadFile(filepath.Join(h.GameDir, filepath.FromSlash(relPath)))
	if err != nil {
		return ""
	}
	return string(data)
}

// PatchServer serves a reference tree directory and a manifest for it
type PatchServer struct {
	*httptest.Server
	t       *testing.T
	RefDir  string
	mu      sync.Mutex
	etag    string
	content string
	block   chan struct{} // when set, file requests wait on it
	files   atomic.Int32
}

// NewPatchServer starts a server for an empty reference tree
func NewPatchServer(t *testing.T) *PatchServer {
	t.Helper()
	ps := &PatchServer{t: t, RefDir: t.TempDir()}

	mux := http.NewServeMux()
	mux.HandleFunc("/manifest", ps.serveManifest)
	mux.Handle("/files/", http.StripPrefix("/files/", http.HandlerFunc(ps.serveFile)))
	ps.Server = httptest.NewServer(mux)
	t.Cleanup(ps.Close)
	return ps
}

// Publish sets the manifest content and etag served from now on
func (ps *PatchServer) Publish(etag, content string) {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	ps.etag = etag
	ps.content = content
}

// WriteRef writes a file into the reference tree
func (ps *PatchServer) WriteRef(relPath, content string) {
	ps.t.Helper()
	p := filepath.Join(ps.RefDir, filepath.FromSlash(relPath))
	if err := os.MkdirAll(filepath.Dir(p), 0755); err != nil {
		ps.t.Fatal(err)
	}
	if err := os.WriteFile(p, []byte(content), 0644); err != nil {
		ps.t.Fatal(err)
	}
}

// Hold makes file requests wait until the returned release func is called
func (ps *PatchServer) Hold() func() {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	block := make(chan struct{})
	ps.block = block
	return func() {
		ps.mu.Lock()
		ps.block = nil
		ps.mu.Unlock()
		close(block)
	}
}

// FileRequests returns how many files were requested
func (ps *PatchServer) FileRequests() int {
	return int(ps.files.Load())
}

func (ps *PatchServer) serveManifest(w http.ResponseWriter, r *http.Request) {
	ps.mu.Lock()
	etag, content := ps.etag, ps.content
	ps.mu.Unlock()

	if r.Header.Get("If-None-Match") == etag {
		w.WriteHeader(http.StatusNotModified)
		return
	}
	w.Header().Set("ETag", etag)
	_, _ = io.WriteString(w, content)
}

func (ps *PatchServer) serveFile(w http.ResponseWriter, r *http.Request) {
	ps.files.Add(1)

	ps.mu.Lock()
	block := ps.block
	ps.mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-r.Context().Done():
			return
		}
	}
	http.ServeFile(w, r, filepath.Join(ps.RefDir, filepath.FromSlash(r.URL.Path)))
}

// testWriter wraps test logging for command output
type testWriter struct {
	t      *testing.T
	prefix string
}

func (w *testWriter) Write(p []byte) (n int, err error) {
	for _, line := range strings.Split(string(p), "\n") {
		if line != "" {
			w.t.Log(w.prefix + line)
		}
	}
	return len(p), nil
}

var _ io.Writer = (*testWriter)(nil)
