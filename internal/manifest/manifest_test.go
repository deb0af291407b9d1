package manifest

import (
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"testing"

	"github.com/launchkit/patchsync/internal/digest"
)

func TestParse(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    []Entry
	}{
		{
			name:    "two entries",
			content: "abc123\tdata/a.txt\nfeed00\tdata/b.txt",
			want: []Entry{
				{Digest: "abc123", Path: "data/a.txt"},
				{Digest: "feed00", Path: "data/b.txt"},
			},
		},
		{
			name:    "leading slash stripped",
			content: "abc123\t/data/a.txt",
			want:    []Entry{{Digest: "abc123", Path: "data/a.txt"}},
		},
		{
			name:    "multiple leading slashes stripped",
			content: "abc123\t//mhf.exe",
			want:    []Entry{{Digest: "abc123", Path: "mhf.exe"}},
		},
		{
			name:    "trailing newline",
			content: "abc123\ta.txt\n",
			want:    []Entry{{Digest: "abc123", Path: "a.txt"}},
		},
		{
			name:    "crlf line endings",
			content: "abc123\ta.txt\r\nfeed00\tb.txt\r\n",
			want: []Entry{
				{Digest: "abc123", Path: "a.txt"},
				{Digest: "feed00", Path: "b.txt"},
			},
		},
		{
			name:    "path with spaces",
			content: "abc123\tdat/my file.bin",
			want:    []Entry{{Digest: "abc123", Path: "dat/my file.bin"}},
		},
		{
			name:    "empty content",
			content: "",
			want:    []Entry{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Parse(tt.content)
			if err != nil {
				t.Fatalf("Parse() error = %v", err)
			}
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("Parse() = %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestParse_Malformed(t *testing.T) {
	tests := []struct {
		name     string
		content  string
		wantLine int
	}{
		{name: "no tab", content: "abc123 data/a.txt", wantLine: 1},
		{name: "two tabs", content: "abc123\tdata/a.txt\textra", wantLine: 1},
		{name: "malformed second line", content: "abc123\ta.txt\nbroken", wantLine: 2},
		{name: "blank line in the middle", content: "abc123\ta.txt\n\nfeed00\tb.txt", wantLine: 2},
		{name: "empty digest", content: "\ta.txt", wantLine: 1},
		{name: "empty path", content: "abc123\t", wantLine: 1},
		{name: "only slashes", content: "abc123\t///", wantLine: 1},
		{name: "parent traversal", content: "abc123\t../outside.txt", wantLine: 1},
		{name: "nested traversal", content: "abc123\tdata/../../outside.txt", wantLine: 1},
		{name: "backslash traversal", content: "abc123\t..\\outside.txt", wantLine: 1},
		{name: "resolves to root", content: "abc123\tdata/..", wantLine: 1},
		{name: "dot segment only", content: "abc123\t/./", wantLine: 1},
		{name: "single dot", content: "abc123\ta.txt\nfeed00\t.", wantLine: 2},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Parse(tt.content)
			if err == nil {
				t.Fatalf("expected error, got entries %+v", got)
			}
			if got != nil {
				t.Errorf("expected no partial entries, got %+v", got)
			}

			var perr *ParseError
			if !errors.As(err, &perr) {
				t.Fatalf("expected *ParseError, got %T", err)
			}
			if perr.Line != tt.wantLine {
				t.Errorf("expected line %d, got %d", tt.wantLine, perr.Line)
			}
		})
	}
}

func TestNormalizePath(t *testing.T) {
	got, err := NormalizePath("/data/./sub//file.dat")
	if err != nil {
		t.Fatal(err)
	}
	if got != "data/sub/file.dat" {
		t.Errorf("expected data/sub/file.dat, got %s", got)
	}

	// Traversal that stays inside the tree is fine
	got, err = NormalizePath("data/../file.dat")
	if err != nil {
		t.Fatal(err)
	}
	if got != "file.dat" {
		t.Errorf("expected file.dat, got %s", got)
	}
}

func TestFormat_RoundTrip(t *testing.T) {
	entries := []Entry{
		{Digest: "abc123", Path: "data/a.txt"},
		{Digest: "feed00", Path: "mhf.exe"},
	}

	content := Format(entries)
	if content != "abc123\tdata/a.txt\nfeed00\tmhf.exe\n" {
		t.Errorf("unexpected format output: %q", content)
	}

	parsed, err := Parse(content)
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(parsed, entries) {
		t.Errorf("round trip mismatch: %+v", parsed)
	}
}

func TestGenerate(t *testing.T) {
	dir := t.TempDir()

	files := map[string]string{
		"mhf.exe":          "binary",
		"dat/a.pac":        "archive",
		"dat/sub/b.pac":    "nested",
		".hidden":          "skip me",
		".staging/c.pac":   "skip me too",
		"dat/.cache/x.bin": "skipped",
	}
	for rel, content := range files {
		p := filepath.Join(dir, filepath.FromSlash(rel))
		if err := os.MkdirAll(filepath.Dir(p), 0755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(p, []byte(content), 0644); err != nil {
			t.Fatal(err)
		}
	}

	entries, err := Generate(dir)
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}

	var paths []string
	for _, e := range entries {
		paths = append(paths, e.Path)
	}
	want := []string{"dat/a.pac", "dat/sub/b.pac", "mhf.exe"}
	if !reflect.DeepEqual(paths, want) {
		t.Fatalf("expected paths %v, got %v", want, paths)
	}

	expected, err := digest.File(filepath.Join(dir, "mhf.exe"))
	if err != nil {
		t.Fatal(err)
	}
	if entries[2].Digest != expected {
		t.Errorf("expected digest %s, got %s", expected, entries[2].Digest)
	}
}

func TestGenerate_MissingDir(t *testing.T) {
	if _, err := Generate(filepath.Join(t.TempDir(), "missing")); err == nil {
		t.Fatal("expected error for missing directory")
	}
}
