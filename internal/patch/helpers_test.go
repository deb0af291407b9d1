package patch

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/launchkit/patchsync/internal/digest"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// mockFetcher implements source.Fetcher for testing.
type mockFetcher struct {
	mu      sync.Mutex
	files   map[string]string
	err     error
	calls   []string
	onFetch func(relPath string)
}

func (m *mockFetcher) Fetch(ctx context.Context, relPath string) (io.ReadCloser, error) {
	m.mu.Lock()
	m.calls = append(m.calls, relPath)
	m.mu.Unlock()

	if m.onFetch != nil {
		m.onFetch(relPath)
	}
	if m.err != nil {
		return nil, m.err
	}
	content, ok := m.files[relPath]
	if !ok {
		return nil, errors.New("not found")
	}
	return io.NopCloser(strings.NewReader(content)), nil
}

// recordingSink collects everything emitted during a run.
type recordingSink struct {
	mu     sync.Mutex
	events []Event
	errors []string
}

func (r *recordingSink) Event(ev Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recordingSink) Error(message string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.errors = append(r.errors, message)
}

func (r *recordingSink) states() []Phase {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Phase
	for _, ev := range r.events {
		out = append(out, ev.State)
	}
	return out
}

func (r *recordingSink) count(state Phase) int {
	n := 0
	for _, s := range r.states() {
		if s == state {
			n++
		}
	}
	return n
}

func writeFile(t *testing.T, root, relPath, content string) {
	t.Helper()
	p := filepath.Join(root, filepath.FromSlash(relPath))
	if err := os.MkdirAll(filepath.Dir(p), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(p, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
}

func readFile(t *testing.T, root, relPath string) string {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(root, filepath.FromSlash(relPath)))
	if err != nil {
		t.Fatal(err)
	}
	return string(data)
}

func sum(t *testing.T, content string) string {
	t.Helper()
	d, err := digest.Sum(strings.NewReader(content))
	if err != nil {
		t.Fatal(err)
	}
	return d
}

// stagingDirs returns the staging directories left in root
func stagingDirs(t *testing.T, root string) []string {
	t.Helper()
	matches, err := filepath.Glob(filepath.Join(root, ".patchsync-*"))
	if err != nil {
		t.Fatal(err)
	}
	return matches
}
