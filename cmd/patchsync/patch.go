package main

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/launchkit/patchsync/internal/config"
	"github.com/launchkit/patchsync/internal/lock"
	"github.com/launchkit/patchsync/internal/patch"
	"github.com/launchkit/patchsync/internal/source"
	"github.com/launchkit/patchsync/internal/state"
)

// patcher wires the configured source to a patch engine
type patcher struct {
	cfg      *config.Config
	fetcher  source.Fetcher
	manifest source.ManifestSource
	sink     patch.Sink
	logger   *slog.Logger

	// lockRetry makes a run wait for the lock instead of failing when
	// another process holds it
	lockRetry time.Duration
}

// serveLockRetry is how often a triggered run polls a held lock
const serveLockRetry = 500 * time.Millisecond

// newPatcher builds the file fetcher and manifest source for cfg. A nil sink
// logs events.
func newPatcher(ctx context.Context, cfg *config.Config, sink patch.Sink, logger *slog.Logger) (*patcher, error) {
	if sink == nil {
		sink = patch.NewLogSink(logger)
	}
	p := &patcher{cfg: cfg, sink: sink, logger: logger}

	switch cfg.SourceKind() {
	case "s3":
		client, err := source.NewS3Client(ctx, cfg.Source.S3.Region)
		if err != nil {
			return nil, err
		}
		p.fetcher = source.NewS3Fetcher(client, cfg.Source.S3.Bucket, cfg.Source.S3.Prefix)
		p.manifest = source.NewS3ManifestSource(client, cfg.Source.S3.Bucket, cfg.Source.S3.ManifestKey)
	default:
		client := newHTTPClient(cfg.Source.Timeout)
		p.fetcher = source.NewHTTPFetcher(cfg.Source.BaseURL, client, cfg.Source.UserAgent)
		p.manifest = source.NewHTTPManifestSource(cfg.Source.ManifestURL, client, cfg.Source.UserAgent, logger)
	}

	return p, nil
}

// newHTTPClient bounds the wait for response headers only, so large file
// bodies are not cut off
func newHTTPClient(timeout time.Duration) *http.Client {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.ResponseHeaderTimeout = timeout
	return &http.Client{Transport: transport}
}

// newSink picks the event output for --events. JSON events on w are also
// logged, so the log file keeps the run history.
func newSink(w io.Writer, logger *slog.Logger) patch.Sink {
	if eventFormat == "json" {
		return patch.MultiSink{patch.NewJSONSink(w, logger), patch.NewLogSink(logger)}
	}
	return patch.NewLogSink(logger)
}

// run performs one patch of the configured game directory. Unless force is
// set, the run is skipped when the published etag is already installed.
func (p *patcher) run(ctx context.Context, force bool) error {
	gameDir := p.cfg.Paths.GameDir

	l, err := p.acquireLock(ctx)
	if err != nil {
		if ctx.Err() != nil {
			p.logger.Info("patch cancelled while waiting for the lock")
			return nil
		}
		return err
	}
	p.logger.Debug("acquired lock", "path", l.Path())
	defer func() {
		if err := l.Release(); err != nil {
			p.logger.Warn("failed to release lock", "error", err)
		}
	}()

	known := state.Get(gameDir)
	conditional := known
	if force {
		conditional = ""
	}

	resp, err := p.manifest.FetchManifest(ctx, conditional)
	if err != nil {
		if ctx.Err() != nil {
			p.logger.Info("patch cancelled before the manifest was fetched")
			return nil
		}
		p.sink.Error(err.Error())
		p.sink.Event(patch.Event{State: patch.Failed})
		return err
	}

	if resp.NotModified || (!force && resp.Etag == known) {
		p.logger.Info("game directory is up to date", "etag", known)
		return nil
	}

	engine := patch.NewEngine(p.fetcher, p.sink, p.logger, patch.Options{
		TargetDir:    gameDir,
		RequestDelay: p.cfg.Patch.RequestDelay,
		PhaseDelay:   p.cfg.Patch.PhaseDelay,
		Verify:       p.cfg.Patch.Verify,
		Exclude:      p.cfg.Patch.Exclude,
	})

	result, err := engine.Run(ctx, patch.Manifest{Content: resp.Content, Etag: resp.Etag})
	if err != nil {
		return err
	}
	if result.Cancelled {
		return patch.ErrCancelled
	}
	return nil
}

func (p *patcher) acquireLock(ctx context.Context) (*lock.Lock, error) {
	if p.lockRetry <= 0 {
		return lock.Acquire(p.cfg.LockPath())
	}
	l, err := lock.Acquire(p.cfg.LockPath())
	if errors.Is(err, lock.ErrLocked) {
		p.logger.Info("waiting for another patch run to finish", "lock", p.cfg.LockPath())
		return lock.Wait(ctx, p.cfg.LockPath(), p.lockRetry)
	}
	return l, err
}

// exitCode maps a run error to a process exit status
func exitCode(err error) int {
	switch {
	case err == nil:
		return 0
	case errors.Is(err, patch.ErrCancelled):
		return 130
	case errors.Is(err, lock.ErrLocked):
		return 3
	default:
		return 1
	}
}
