package source

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// GetObjectAPI is the subset of the S3 client used for downloads
type GetObjectAPI interface {
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// NewS3Client builds an S3 client from the default AWS credential chain
func NewS3Client(ctx context.Context, region string) (*s3.Client, error) {
	var opts []func(*config.LoadOptions) error
	if region != "" {
		opts = append(opts, config.WithRegion(region))
	}

	cfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	return s3.NewFromConfig(cfg), nil
}

// S3Fetcher reads reference files from s3://bucket/prefix/relPath
type S3Fetcher struct {
	client GetObjectAPI
	bucket string
	prefix string
}

// NewS3Fetcher creates a fetcher for objects under prefix in bucket
func NewS3Fetcher(client GetObjectAPI, bucket, prefix string) *S3Fetcher {
	return &S3Fetcher{
		client: client,
		bucket: bucket,
		prefix: strings.Trim(prefix, "/"),
	}
}

// Key returns the object key a relative path maps to
func (f *S3Fetcher) Key(relPath string) string {
	if f.prefix == "" {
		return relPath
	}
	return path.Join(f.prefix, relPath)
}

// Fetch opens the object body. The caller must close the returned reader.
func (f *S3Fetcher) Fetch(ctx context.Context, relPath string) (io.ReadCloser, error) {
	key := f.Key(relPath)
	out, err := f.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(f.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get object s3://%s/%s: %w", f.bucket, key, err)
	}
	return out.Body, nil
}

// S3ManifestSource reads the manifest from a single object; the object's
// ETag is the manifest version
type S3ManifestSource struct {
	client GetObjectAPI
	bucket string
	key    string
}

// NewS3ManifestSource creates a manifest source for s3://bucket/key
func NewS3ManifestSource(client GetObjectAPI, bucket, key string) *S3ManifestSource {
	return &S3ManifestSource{client: client, bucket: bucket, key: key}
}

// FetchManifest downloads the manifest object unless its ETag equals knownEtag
func (s *S3ManifestSource) FetchManifest(ctx context.Context, knownEtag string) (*Response, error) {
	input := &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key),
	}
	if knownEtag != "" {
		input.IfNoneMatch = aws.String(knownEtag)
	}

	out, err := s.client.GetObject(ctx, input)
	if err != nil {
		if isNotModified(err) {
			return &Response{Etag: knownEtag, NotModified: true}, nil
		}
		return nil, fmt.Errorf("failed to get manifest s3://%s/%s: %w", s.bucket, s.key, err)
	}
	defer func() {
		_ = out.Body.Close()
	}()

	body, err := readManifest(out.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest s3://%s/%s: %w", s.bucket, s.key, err)
	}

	return &Response{Content: string(body), Etag: aws.ToString(out.ETag)}, nil
}

func isNotModified(err error) bool {
	var respErr *awshttp.ResponseError
	return errors.As(err, &respErr) && respErr.HTTPStatusCode() == http.StatusNotModified
}
