// Package testutil holds helpers shared by the integration suites.
package testutil

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"testing"
)

// ModuleRoot walks up from dir to the nearest directory holding a go.mod
func ModuleRoot(dir string) (string, error) {
	dir, err := filepath.Abs(dir)
	if err != nil {
		return "", fmt.Errorf("failed to resolve %s: %w", dir, err)
	}
	for {
		if _, err := os.Stat(filepath.Join(dir, "go.mod")); err == nil {
			return dir, nil
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return "", fmt.Errorf("go.mod not found above %s", dir)
		}
		dir = parent
	}
}

// ProjectRoot returns the module root of the calling test's source file and
// fails the test when there is none.
func ProjectRoot(t testing.TB) string {
	t.Helper()
	_, filename, _, ok := runtime.Caller(1)
	if !ok {
		t.Fatal("failed to get caller information")
	}
	root, err := ModuleRoot(filepath.Dir(filename))
	if err != nil {
		t.Fatalf("get project root: %v", err)
	}
	return root
}
