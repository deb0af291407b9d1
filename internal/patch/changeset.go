package patch

import (
	"errors"
	"io/fs"
	"log/slog"
	"path/filepath"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/launchkit/patchsync/internal/digest"
	"github.com/launchkit/patchsync/internal/manifest"
)

// ChangeSet lists the manifest entries that must be downloaded, in manifest order
type ChangeSet []manifest.Entry

// hashFile is swapped in tests to observe hashing
var hashFile = digest.File

// Check parses manifest content and returns the entries whose local file
// in targetDir is missing or differs. Every listed local file is read and
// hashed, so the cost grows with the size of the installation.
func Check(content, targetDir string, exclude []string, logger *slog.Logger) (ChangeSet, error) {
	entries, err := manifest.Parse(content)
	if err != nil {
		return nil, &Error{Kind: ErrManifest, Op: "failed to parse manifest", Err: err}
	}
	return ComputeChangeSet(entries, targetDir, exclude, logger), nil
}

// ComputeChangeSet hashes the local counterpart of each entry and keeps the
// ones that are absent or mismatching. Entries matching an exclude pattern
// are left alone. Hashing failures other than a missing file are logged and
// the file is treated as changed.
func ComputeChangeSet(entries []manifest.Entry, targetDir string, exclude []string, logger *slog.Logger) ChangeSet {
	changes := make(ChangeSet, 0)

	for _, entry := range entries {
		if isExcluded(exclude, entry.Path) {
			logger.Debug("skipping excluded file", "path", entry.Path)
			continue
		}

		localPath := filepath.Join(targetDir, filepath.FromSlash(entry.Path))
		localHash, err := hashFile(localPath)
		switch {
		case errors.Is(err, fs.ErrNotExist):
			logger.Debug("file missing locally", "path", entry.Path)
		case err != nil:
			logger.Warn("failed to hash local file, treating as changed", "path", entry.Path, "error", err)
		case digest.Equal(localHash, entry.Digest):
			continue
		default:
			logger.Debug("file differs", "path", entry.Path, "expected", entry.Digest, "actual", localHash)
		}

		changes = append(changes, entry)
	}

	return changes
}

func isExcluded(patterns []string, relPath string) bool {
	for _, pattern := range patterns {
		if matched, _ := doublestar.Match(pattern, relPath); matched {
			return true
		}
	}
	return false
}
