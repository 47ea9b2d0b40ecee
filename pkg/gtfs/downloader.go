package gtfs

import (
	"archive/zip"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
)

// ErrNotModified is returned when the feed has not changed since the last
// successful download.
var ErrNotModified = errors.New("gtfs feed not modified")

// maxFeedBytes bounds the size of a downloaded feed archive.
const maxFeedBytes = 512 << 20

// Downloader fetches a static GTFS archive. It remembers the validators of
// the last response and sends them as conditional request headers.
type Downloader struct {
	url        string
	client     *http.Client
	maxRetries uint64
	logger     *slog.Logger

	mu           sync.Mutex
	etag         string
	lastModified string
}

func NewDownloader(url string, logger *slog.Logger) *Downloader {
	return &Downloader{
		url: url,
		client: &http.Client{
			Timeout: 2 * time.Minute,
		},
		maxRetries: 3,
		logger:     logger.With("component", "gtfs_downloader"),
	}
}

// Download fetches the archive, retrying transient failures. It returns
// ErrNotModified when the server answers 304.
func (d *Downloader) Download(ctx context.Context) (*zip.Reader, []byte, error) {
	start := time.Now()
	attempt := 0

	var data []byte
	b := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), d.maxRetries), ctx)
	err := backoff.Retry(func() error {
		attempt++
		var err error
		data, err = d.fetch(ctx)
		if err != nil && !retryable(err) {
			return backoff.Permanent(err)
		}
		if err != nil {
			d.logger.Warn("GTFS download attempt failed", "attempt", attempt, "error", err)
		}
		return err
	}, b)
	if err != nil {
		return nil, nil, err
	}

	reader, err := OpenArchive(data)
	if err != nil {
		return nil, nil, err
	}

	d.logger.Info("GTFS download completed",
		"size_mb", fmt.Sprintf("%.2f", float64(len(data))/(1024*1024)),
		"files_in_archive", len(reader.File),
		"attempts", attempt,
		"total_duration_ms", time.Since(start).Milliseconds(),
	)
	return reader, data, nil
}

// OpenArchive opens a downloaded feed held in memory.
func OpenArchive(data []byte) (*zip.Reader, error) {
	reader, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("open zip: %w", err)
	}
	return reader, nil
}

type statusError struct {
	code int
}

func (e *statusError) Error() string {
	return fmt.Sprintf("unexpected status: %d", e.code)
}

func retryable(err error) bool {
	if errors.Is(err, ErrNotModified) || errors.Is(err, context.Canceled) {
		return false
	}
	var se *statusError
	if errors.As(err, &se) {
		return se.code >= 500 || se.code == http.StatusTooManyRequests
	}
	return true
}

func (d *Downloader) fetch(ctx context.Context) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, d.url, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("User-Agent", "crowdbus/1.0")

	d.mu.Lock()
	if d.etag != "" {
		req.Header.Set("If-None-Match", d.etag)
	}
	if d.lastModified != "" {
		req.Header.Set("If-Modified-Since", d.lastModified)
	}
	d.mu.Unlock()

	resp, err := d.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("download gtfs: %w", err)
	}
	defer resp.Body.Close()

	d.logger.Debug("received HTTP response",
		"status_code", resp.StatusCode,
		"content_length", resp.ContentLength,
	)

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotModified:
		return nil, ErrNotModified
	default:
		return nil, &statusError{code: resp.StatusCode}
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxFeedBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	if len(data) > maxFeedBytes {
		return nil, backoff.Permanent(fmt.Errorf("feed larger than %d bytes", maxFeedBytes))
	}

	d.mu.Lock()
	d.etag = resp.Header.Get("ETag")
	d.lastModified = resp.Header.Get("Last-Modified")
	d.mu.Unlock()

	return data, nil
}
