package patch

import (
	"os"
	"path/filepath"
)

// Install moves each staged file into targetDir with a rename, creating
// parent directories as needed. A single file is replaced atomically; the
// batch is not, and files moved before a failure stay in place.
func Install(changes ChangeSet, stagingDir, targetDir string) error {
	for _, entry := range changes {
		rel := filepath.FromSlash(entry.Path)
		stagedPath := filepath.Join(stagingDir, rel)
		targetPath := filepath.Join(targetDir, rel)

		if err := os.MkdirAll(filepath.Dir(targetPath), 0755); err != nil {
			return ioError("failed to create target directory for", entry.Path, err)
		}

		if err := os.Rename(stagedPath, targetPath); err != nil {
			return ioError("failed to move patched file", entry.Path, err)
		}
	}
	return nil
}
