// Package source talks to the patch server: it fetches the manifest and the
// individual files listed in it, over HTTP or from an S3 bucket.
package source

import (
	"context"
	"errors"
	"fmt"
	"io"
)

// ErrManifestTooLarge is returned when a manifest body exceeds the size cap
var ErrManifestTooLarge = errors.New("manifest too large")

// manifestLimit caps the manifest body size
var manifestLimit int64 = 64 << 20 // 64 MB

// DefaultUserAgent is sent with every HTTP request unless configured otherwise
const DefaultUserAgent = "patchsync"

// Fetcher retrieves the content of a single file of the reference tree
type Fetcher interface {
	// Fetch opens the remote file at the slash-separated relative path
	Fetch(ctx context.Context, relPath string) (io.ReadCloser, error)
}

// ManifestSource retrieves the manifest together with its version token
type ManifestSource interface {
	// FetchManifest returns the current manifest. When knownEtag matches the
	// remote version the response has NotModified set and no content.
	FetchManifest(ctx context.Context, knownEtag string) (*Response, error)
}

// Response is a fetched manifest
type Response struct {
	Content     string
	Etag        string
	NotModified bool
}

// StatusError is returned when the server answers with a non-success status
type StatusError struct {
	URL        string
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected HTTP status %d from %s", e.StatusCode, e.URL)
}

// readManifest reads a manifest body, failing instead of truncating when it
// is larger than manifestLimit.
func readManifest(r io.Reader) ([]byte, error) {
	body, err := io.ReadAll(io.LimitReader(r, manifestLimit+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest body: %w", err)
	}
	if int64(len(body)) > manifestLimit {
		return nil, fmt.Errorf("%w: more than %d bytes", ErrManifestTooLarge, manifestLimit)
	}
	return body, nil
}
