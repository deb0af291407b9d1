package patch

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/launchkit/patchsync/internal/source"
	"github.com/launchkit/patchsync/internal/state"
)

// DefaultPhaseDelay is the pause between phases, giving a launcher time to
// render each state
const DefaultPhaseDelay = time.Second

// Manifest is the fetched description of the reference tree
type Manifest struct {
	Content string
	Etag    string
}

// Options configures a patch engine
type Options struct {
	TargetDir    string
	RequestDelay time.Duration
	PhaseDelay   time.Duration
	Verify       bool
	Exclude      []string
}

// Result summarizes a patch run
type Result struct {
	Changed   int  // files that differed from the manifest
	Installed int  // files moved into the target tree
	Cancelled bool // the run stopped early on request
}

// Engine orchestrates a patch run
type Engine struct {
	fetcher source.Fetcher
	sink    Sink
	logger  *slog.Logger
	opts    Options
}

// NewEngine creates a new patch engine
func NewEngine(fetcher source.Fetcher, sink Sink, logger *slog.Logger, opts Options) *Engine {
	if sink == nil {
		sink = nopSink{}
	}
	return &Engine{
		fetcher: fetcher,
		sink:    sink,
		logger:  logger,
		opts:    opts,
	}
}

// Run brings the target tree in line with m. The states Checking,
// Downloading, Patching and Done are reported in that order; a failure
// reports a single Failed event with its message instead. Cancelling ctx
// stops the run cleanly while files are being downloaded: no error is
// returned and Result.Cancelled is set. The staging directory is removed
// in every case.
func (e *Engine) Run(ctx context.Context, m Manifest) (Result, error) {
	logger := e.logger.With("run_id", uuid.NewString(), "target", e.opts.TargetDir)
	logger.Info("starting patch", "etag", m.Etag)

	stagingDir, err := e.createStaging()
	if err != nil {
		e.fail(logger, err)
		return Result{}, err
	}
	logger.Debug("created staging directory", "path", stagingDir)

	result, err := e.run(ctx, logger, m, stagingDir)
	if err != nil {
		e.fail(logger, err)
	}

	if rmErr := os.RemoveAll(stagingDir); rmErr != nil {
		logger.Warn("failed to delete staging directory", "path", stagingDir, "error", rmErr)
		if err == nil {
			err = ioError("failed to delete staging directory", "", rmErr)
		}
	}

	if err == nil {
		if result.Cancelled {
			logger.Info("patch cancelled", "changed", result.Changed)
		} else {
			logger.Info("patch completed", "changed", result.Changed, "installed", result.Installed)
		}
	}

	return result, err
}

func (e *Engine) run(ctx context.Context, logger *slog.Logger, m Manifest, stagingDir string) (Result, error) {
	var result Result

	e.sink.Event(Event{State: Checking})
	changes, err := Check(m.Content, e.opts.TargetDir, e.opts.Exclude, logger)
	if err != nil {
		return result, err
	}
	result.Changed = len(changes)
	logger.Info("patch plan", "changed", len(changes))

	if err := sleepWithContext(ctx, e.opts.PhaseDelay); err != nil {
		result.Cancelled = true
		return result, nil
	}
	e.sink.Event(Event{Total: len(changes), State: Downloading})

	downloader := NewDownloader(e.fetcher, e.sink, logger)
	downloader.RequestDelay = e.opts.RequestDelay
	downloader.Verify = e.opts.Verify
	if err := downloader.Download(ctx, changes, stagingDir); err != nil {
		if errors.Is(err, ErrCancelled) {
			result.Cancelled = true
			return result, nil
		}
		return result, err
	}

	if err := sleepWithContext(ctx, e.opts.PhaseDelay); err != nil {
		result.Cancelled = true
		return result, nil
	}

	// Past this point cancellation is ignored
	e.sink.Event(Event{State: Patching})
	if err := Install(changes, stagingDir, e.opts.TargetDir); err != nil {
		return result, err
	}
	result.Installed = len(changes)

	if err := state.Set(e.opts.TargetDir, m.Etag); err != nil {
		return result, ioError("failed to write etag marker", "", err)
	}

	_ = sleepWithContext(ctx, e.opts.PhaseDelay)
	e.sink.Event(Event{State: Done})

	return result, nil
}

// createStaging makes a fresh staging directory inside the target tree
func (e *Engine) createStaging() (string, error) {
	if err := os.MkdirAll(e.opts.TargetDir, 0755); err != nil {
		return "", ioError("failed to create target directory", "", err)
	}

	dir, err := os.MkdirTemp(e.opts.TargetDir, ".patchsync-*")
	if err != nil {
		return "", ioError("failed to create staging directory", "", err)
	}
	return dir, nil
}

func (e *Engine) fail(logger *slog.Logger, err error) {
	logger.Error("patch failed", "error", err)
	e.sink.Error(err.Error())
	e.sink.Event(Event{State: Failed})
}
