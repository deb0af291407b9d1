package state

import (
	"fmt"
	"os"
	"path/filepath"
)

// EtagFile is the name of the marker file inside the game directory that
// records which manifest version was last installed
const EtagFile = "patcher.etag"

// Path returns the location of the etag marker for a game directory
func Path(gameDir string) string {
	return filepath.Join(gameDir, EtagFile)
}

// Get returns the stored etag, or "" when the marker is missing or unreadable
func Get(gameDir string) string {
	data, err := os.ReadFile(Path(gameDir))
	if err != nil {
		return ""
	}
	return string(data)
}

// Set overwrites the etag marker with value
func Set(gameDir, value string) error {
	tmpFile, err := os.CreateTemp(gameDir, ".patcher-etag-*")
	if err != nil {
		return fmt.Errorf("failed to create etag temp file: %w", err)
	}
	tmpPath := tmpFile.Name()
	defer func() {
		_ = os.Remove(tmpPath)
	}() // cleanup on error

	if _, err := tmpFile.WriteString(value); err != nil {
		_ = tmpFile.Close()
		return fmt.Errorf("failed to write etag: %w", err)
	}

	if err := tmpFile.Close(); err != nil {
		return fmt.Errorf("failed to write etag: %w", err)
	}

	if err := os.Rename(tmpPath, Path(gameDir)); err != nil {
		return fmt.Errorf("failed to replace etag file: %w", err)
	}

	return nil
}
