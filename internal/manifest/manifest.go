package manifest

import (
	"fmt"
	"io/fs"
	"path"
	"path/filepath"
	"strings"

	"github.com/launchkit/patchsync/internal/digest"
)

// Entry is a single manifest line: the expected digest of a file and its
// slash-separated path relative to the target tree
type Entry struct {
	Digest string
	Path   string
}

// ParseError reports a malformed manifest line
type ParseError struct {
	Line   int // 1-based
	Reason string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("invalid manifest line %d: %s", e.Line, e.Reason)
}

// Parse turns manifest content into entries, preserving order.
// Each line must hold exactly two tab-separated fields; the first malformed
// line aborts parsing and no entries are returned.
func Parse(content string) ([]Entry, error) {
	lines := strings.Split(content, "\n")
	// A terminating newline is not a blank entry
	if lines[len(lines)-1] == "" {
		lines = lines[:len(lines)-1]
	}

	entries := make([]Entry, 0, len(lines))
	for i, line := range lines {
		line = strings.TrimSuffix(line, "\r")

		if strings.Count(line, "\t") != 1 {
			return nil, &ParseError{Line: i + 1, Reason: "expected exactly two tab-separated fields"}
		}
		hash, rawPath, _ := strings.Cut(line, "\t")
		if hash == "" {
			return nil, &ParseError{Line: i + 1, Reason: "empty digest"}
		}

		relPath, err := NormalizePath(rawPath)
		if err != nil {
			return nil, &ParseError{Line: i + 1, Reason: err.Error()}
		}

		entries = append(entries, Entry{Digest: hash, Path: relPath})
	}

	return entries, nil
}

// NormalizePath strips leading separators from a manifest path and rejects
// anything that would resolve outside the target tree
func NormalizePath(p string) (string, error) {
	p = strings.TrimLeft(p, "/")
	if p == "" {
		return "", fmt.Errorf("empty path")
	}
	if strings.Contains(p, "\\") {
		return "", fmt.Errorf("path %q contains a backslash", p)
	}

	cleaned := path.Clean(p)
	if cleaned == "." {
		return "", fmt.Errorf("empty path")
	}
	if !filepath.IsLocal(filepath.FromSlash(cleaned)) {
		return "", fmt.Errorf("path %q escapes the target tree", p)
	}
	return cleaned, nil
}

// Format renders entries in the manifest wire format, one line per entry
func Format(entries []Entry) string {
	var b strings.Builder
	for _, e := range entries {
		b.WriteString(e.Digest)
		b.WriteByte('\t')
		b.WriteString(e.Path)
		b.WriteByte('\n')
	}
	return b.String()
}

// Generate hashes every regular file under dir and returns the entries
// sorted by path. Hidden files and directories (names starting with ".")
// are skipped, which keeps staging directories and lock files out.
func Generate(dir string) ([]Entry, error) {
	var entries []Entry

	err := filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}

		if p != dir && strings.HasPrefix(d.Name(), ".") {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}

		if !d.Type().IsRegular() {
			return nil
		}

		rel, err := filepath.Rel(dir, p)
		if err != nil {
			return fmt.Errorf("failed to compute relative path: %w", err)
		}

		hash, err := digest.File(p)
		if err != nil {
			return fmt.Errorf("failed to hash %s: %w", p, err)
		}

		entries = append(entries, Entry{Digest: hash, Path: filepath.ToSlash(rel)})
		return nil
	})
	if err != nil {
		return nil, err
	}

	return entries, nil
}
