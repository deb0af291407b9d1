package patch

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/launchkit/patchsync/internal/digest"
	"github.com/launchkit/patchsync/internal/manifest"
	"github.com/launchkit/patchsync/internal/source"
)

const (
	// DefaultRequestDelay paces requests to the patch server
	DefaultRequestDelay = time.Second

	chunkSize = 32 * 1024
)

// Downloader fetches changed files one at a time into a staging directory
type Downloader struct {
	fetcher source.Fetcher
	sink    Sink
	logger  *slog.Logger

	// RequestDelay is waited before every request
	RequestDelay time.Duration
	// Verify compares each downloaded file against its manifest digest
	Verify bool
}

// NewDownloader creates a downloader reporting progress to sink
func NewDownloader(fetcher source.Fetcher, sink Sink, logger *slog.Logger) *Downloader {
	if sink == nil {
		sink = nopSink{}
	}
	return &Downloader{
		fetcher:      fetcher,
		sink:         sink,
		logger:       logger,
		RequestDelay: DefaultRequestDelay,
	}
}

// Download writes every entry of changes to stagingDir, strictly in order.
// Cancellation is observed before each request and between body chunks and
// yields ErrCancelled. Any other failure aborts the whole download.
func (d *Downloader) Download(ctx context.Context, changes ChangeSet, stagingDir string) error {
	total := len(changes)
	for i, entry := range changes {
		if err := sleepWithContext(ctx, d.RequestDelay); err != nil {
			return ErrCancelled
		}

		d.logger.Debug("downloading file", "path", entry.Path)
		if err := d.downloadFile(ctx, entry, stagingDir); err != nil {
			return err
		}

		d.sink.Event(Event{Total: total, Current: i + 1, State: Downloading})
	}
	return nil
}

func (d *Downloader) downloadFile(ctx context.Context, entry manifest.Entry, stagingDir string) error {
	if ctx.Err() != nil {
		return ErrCancelled
	}

	body, err := d.fetcher.Fetch(ctx, entry.Path)
	if err != nil {
		if ctx.Err() != nil {
			return ErrCancelled
		}
		return transportError("failed to request", entry.Path, err)
	}
	defer func() {
		_ = body.Close()
	}()

	stagedPath := filepath.Join(stagingDir, filepath.FromSlash(entry.Path))
	if err := os.MkdirAll(filepath.Dir(stagedPath), 0755); err != nil {
		return ioError("failed to create staging directory for", entry.Path, err)
	}

	file, err := os.OpenFile(stagedPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return ioError("failed to open staged file", entry.Path, err)
	}

	reader := digest.NewReader(body)
	if err := copyChunks(ctx, file, reader, entry.Path); err != nil {
		_ = file.Close()
		return err
	}

	if err := file.Close(); err != nil {
		return ioError("failed to write staged file", entry.Path, err)
	}

	if d.Verify && !digest.Equal(reader.Sum(), entry.Digest) {
		return transportError("failed to verify", entry.Path,
			fmt.Errorf("digest mismatch: expected %s, got %s", entry.Digest, reader.Sum()))
	}

	return nil
}

// copyChunks streams src into dst, checking for cancellation before each read
func copyChunks(ctx context.Context, dst io.Writer, src io.Reader, relPath string) error {
	buf := make([]byte, chunkSize)
	for {
		if ctx.Err() != nil {
			return ErrCancelled
		}

		n, rerr := src.Read(buf)
		if n > 0 {
			if _, err := dst.Write(buf[:n]); err != nil {
				return ioError("failed to write staged file", relPath, err)
			}
		}
		if rerr == io.EOF {
			return nil
		}
		if rerr != nil {
			if ctx.Err() != nil {
				return ErrCancelled
			}
			return transportError("failed to read response for", relPath, rerr)
		}
	}
}

// sleepWithContext waits for d or until ctx is done. A non-positive duration
// still reports an already cancelled context.
func sleepWithContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
