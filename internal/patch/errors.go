package patch

import (
	"errors"
	"fmt"
)

// Kind classifies a patch failure. Kinds are errors themselves so callers
// can test with errors.Is(err, patch.ErrTransport).
type Kind string

const (
	// ErrManifest reports a malformed manifest
	ErrManifest Kind = "manifest error"
	// ErrIO reports a local filesystem failure
	ErrIO Kind = "io error"
	// ErrTransport reports a failed request or response while downloading
	ErrTransport Kind = "transport error"
)

func (k Kind) Error() string {
	return string(k)
}

// ErrCancelled is returned by the downloader when the run's context was
// cancelled. The engine treats it as a clean stop, not a failure.
var ErrCancelled = errors.New("patch cancelled")

// Error is a classified failure of one patch step
type Error struct {
	Kind Kind
	Op   string // human readable step, e.g. "failed to download"
	Path string // relative path of the affected file, if any
	Err  error
}

func (e *Error) Error() string {
	if e.Path != "" {
		return fmt.Sprintf("%s %s: %v", e.Op, e.Path, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches the error's Kind
func (e *Error) Is(target error) bool {
	k, ok := target.(Kind)
	return ok && k == e.Kind
}

func ioError(op, path string, err error) *Error {
	return &Error{Kind: ErrIO, Op: op, Path: path, Err: err}
}

func transportError(op, path string, err error) *Error {
	return &Error{Kind: ErrTransport, Op: op, Path: path, Err: err}
}
