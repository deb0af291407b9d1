package digest

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash"
	"io"
	"os"
	"strings"
)

const bufferSize = 64 * 1024 // 64KB buffer

// File computes the SHA256 hash of a file as lowercase hex
func File(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer func() {
		_ = f.Close()
	}()

	return Sum(f)
}

// Sum streams r through SHA256 and returns the lowercase hex digest
func Sum(r io.Reader) (string, error) {
	h := sha256.New()
	buf := make([]byte, bufferSize)
	if _, err := io.CopyBuffer(h, r, buf); err != nil {
		return "", fmt.Errorf("read: %w", err)
	}

	return hex.EncodeToString(h.Sum(nil)), nil
}

// Equal compares two hex digests, ignoring case
func Equal(a, b string) bool {
	return strings.EqualFold(a, b)
}

// Reader hashes everything read through it
type Reader struct {
	r io.Reader
	h hash.Hash
}

// NewReader wraps r so that its content is hashed while being read
func NewReader(r io.Reader) *Reader {
	return &Reader{r: r, h: sha256.New()}
}

// Read implements io.Reader
func (d *Reader) Read(p []byte) (int, error) {
	n, err := d.r.Read(p)
	if n > 0 {
		_, _ = d.h.Write(p[:n])
	}
	return n, err
}

// Sum returns the hex digest of the bytes read so far
func (d *Reader) Sum() string {
	return hex.EncodeToString(d.h.Sum(nil))
}
