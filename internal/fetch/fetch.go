// Package fetch downloads remote files into local cache directories.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"
)

// DefaultTimeout bounds a single download.
const DefaultTimeout = 30 * time.Second

// ErrTooLarge is returned when a response exceeds the downloader's limit.
var ErrTooLarge = errors.New("download exceeds size limit")

// Downloader fetches URLs to files. Files appear at their final path only
// once complete.
type Downloader struct {
	client   *http.Client
	maxBytes int64
	logger   *zap.Logger
}

// Option configures a Downloader.
type Option func(*Downloader)

// WithClient replaces the HTTP client.
func WithClient(c *http.Client) Option {
	return func(d *Downloader) { d.client = c }
}

// WithMaxBytes caps the size of a single download. Zero means no limit.
func WithMaxBytes(n int64) Option {
	return func(d *Downloader) { d.maxBytes = n }
}

// New creates a downloader.
func New(logger *zap.Logger, opts ...Option) *Downloader {
	if logger == nil {
		logger = zap.NewNop()
	}
	d := &Downloader{
		client: &http.Client{Timeout: DefaultTimeout},
		logger: logger,
	}
	for _, o := range opts {
		o(d)
	}
	return d
}

// Download writes the body of url to path and returns the number of bytes
// written. The body is streamed to a temp file in the same directory and
// renamed into place, so a failed download leaves nothing behind.
func (d *Downloader) Download(ctx context.Context, url, path string) (int64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, fmt.Errorf("create request: %w", err)
	}
	resp, err := d.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("download %s: %w", url, err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("download %s: unexpected status %d", url, resp.StatusCode)
	}
	if d.maxBytes > 0 && resp.ContentLength > d.maxBytes {
		return 0, fmt.Errorf("download %s: %d bytes: %w", url, resp.ContentLength, ErrTooLarge)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return 0, fmt.Errorf("create cache dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".fetch-*")
	if err != nil {
		return 0, fmt.Errorf("create temp file: %w", err)
	}
	defer func() { _ = os.Remove(tmp.Name()) }()

	var body io.Reader = resp.Body
	if d.maxBytes > 0 {
		body = io.LimitReader(resp.Body, d.maxBytes+1)
	}
	n, err := io.Copy(tmp, body)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return 0, fmt.Errorf("write %s: %w", path, err)
	}
	if d.maxBytes > 0 && n > d.maxBytes {
		return 0, fmt.Errorf("download %s: %w", url, ErrTooLarge)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return 0, fmt.Errorf("move into cache: %w", err)
	}
	d.logger.Debug("downloaded", zap.String("url", url), zap.String("path", path), zap.Int64("bytes", n))
	return n, nil
}
