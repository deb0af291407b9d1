package source

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/launchkit/patchsync/internal/digest"
)

const (
	defaultMaxRetries    = 2
	defaultRetryInterval = 500 * time.Millisecond
)

// HTTPFetcher downloads files from {baseURL}/{relPath}
type HTTPFetcher struct {
	baseURL   string
	client    *http.Client
	userAgent string
}

// NewHTTPFetcher creates a fetcher rooted at baseURL
func NewHTTPFetcher(baseURL string, client *http.Client, userAgent string) *HTTPFetcher {
	if client == nil {
		client = http.DefaultClient
	}
	if userAgent == "" {
		userAgent = DefaultUserAgent
	}
	return &HTTPFetcher{
		baseURL:   strings.TrimRight(baseURL, "/"),
		client:    client,
		userAgent: userAgent,
	}
}

// FileURL returns the URL a relative path is fetched from
func (f *HTTPFetcher) FileURL(relPath string) string {
	segments := strings.Split(relPath, "/")
	for i, s := range segments {
		segments[i] = url.PathEscape(s)
	}
	return f.baseURL + "/" + strings.Join(segments, "/")
}

// Fetch issues a GET for the file and returns its body.
// The caller must close the returned reader.
func (f *HTTPFetcher) Fetch(ctx context.Context, relPath string) (io.ReadCloser, error) {
	fileURL := f.FileURL(relPath)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fileURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create HTTP request: %w", err)
	}
	req.Header.Set("User-Agent", f.userAgent)

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to perform HTTP request: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_ = resp.Body.Close()
		return nil, &StatusError{URL: fileURL, StatusCode: resp.StatusCode}
	}

	return resp.Body, nil
}

// HTTPManifestSource fetches the manifest from a single URL using
// conditional requests on the stored etag
type HTTPManifestSource struct {
	url       string
	client    *http.Client
	userAgent string
	logger    *slog.Logger

	// MaxRetries is the number of additional attempts after a transient failure
	MaxRetries uint64
	// RetryInterval is the initial backoff interval between attempts
	RetryInterval time.Duration
}

// NewHTTPManifestSource creates a manifest source for manifestURL
func NewHTTPManifestSource(manifestURL string, client *http.Client, userAgent string, logger *slog.Logger) *HTTPManifestSource {
	if client == nil {
		client = http.DefaultClient
	}
	if userAgent == "" {
		userAgent = DefaultUserAgent
	}
	return &HTTPManifestSource{
		url:           manifestURL,
		client:        client,
		userAgent:     userAgent,
		logger:        logger,
		MaxRetries:    defaultMaxRetries,
		RetryInterval: defaultRetryInterval,
	}
}

// FetchManifest downloads the manifest, retrying transport errors and 5xx
// responses with exponential backoff. 4xx responses fail immediately.
func (s *HTTPManifestSource) FetchManifest(ctx context.Context, knownEtag string) (*Response, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.RetryInterval
	policy := backoff.WithContext(backoff.WithMaxRetries(b, s.MaxRetries), ctx)

	var result *Response
	attempt := 0
	err := backoff.Retry(func() error {
		attempt++
		resp, err := s.fetchOnce(ctx, knownEtag)
		if err != nil {
			var statusErr *StatusError
			if errors.As(err, &statusErr) && statusErr.StatusCode < 500 {
				return backoff.Permanent(err)
			}
			if errors.Is(err, ErrManifestTooLarge) {
				return backoff.Permanent(err)
			}
			s.logger.Warn("manifest fetch failed", "url", s.url, "attempt", attempt, "error", err)
			return err
		}
		result = resp
		return nil
	}, policy)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch manifest: %w", err)
	}

	return result, nil
}

func (s *HTTPManifestSource) fetchOnce(ctx context.Context, knownEtag string) (*Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create HTTP request: %w", err)
	}
	req.Header.Set("User-Agent", s.userAgent)
	if knownEtag != "" {
		req.Header.Set("If-None-Match", knownEtag)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to perform HTTP request: %w", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode == http.StatusNotModified {
		return &Response{Etag: knownEtag, NotModified: true}, nil
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &StatusError{URL: s.url, StatusCode: resp.StatusCode}
	}

	body, err := readManifest(resp.Body)
	if err != nil {
		return nil, err
	}

	etag := resp.Header.Get("ETag")
	if etag == "" {
		// Without an ETag the content itself identifies the version
		etag, _ = digest.Sum(strings.NewReader(string(body)))
	}

	return &Response{Content: string(body), Etag: etag}, nil
}
