// Package fetcher downloads source images over HTTP with a bounded timeout
// and body size.
package fetcher

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/thumbforge/thumbforge/internal/metrics"
)

const (
	defaultUserAgent = "ThumbForgeWorker/1.0 (+https://thumbforge.dev; contact=ops@thumbforge.dev)"
	acceptHeader     = "image/*,application/octet-stream;q=0.9,*/*;q=0.8"
)

// Config controls HTTP client behavior.
type Config struct {
	Timeout      time.Duration
	UserAgent    string
	MaxBodyBytes int64
}

// Response carries the fetched bytes and the upstream content type.
type Response struct {
	Body        []byte
	ContentType string
}

// Fetcher performs bounded GET requests for source images.
type Fetcher struct {
	client    *http.Client
	userAgent string
	maxBytes  int64
}

// New constructs a Fetcher.
func New(cfg Config) *Fetcher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = defaultUserAgent
	}
	return &Fetcher{
		client:    &http.Client{Timeout: cfg.Timeout},
		userAgent: cfg.UserAgent,
		maxBytes:  cfg.MaxBodyBytes,
	}
}

// Fetch GETs the URL and returns the body. Transport errors, non-success
// status codes, and oversized bodies are all reported as errors; callers turn
// them into a failed job.
func (f *Fetcher) Fetch(ctx context.Context, url string) (Response, error) {
	start := time.Now()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return Response{}, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("User-Agent", f.userAgent)
	req.Header.Set("Accept", acceptHeader)

	resp, err := f.client.Do(req)
	if err != nil {
		return Response{}, fmt.Errorf("fetch image: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		return Response{}, fmt.Errorf("fetch image: status=%d", resp.StatusCode)
	}

	reader := resp.Body
	if f.maxBytes > 0 {
		reader = http.MaxBytesReader(nil, resp.Body, f.maxBytes)
	}
	body, err := io.ReadAll(reader)
	if err != nil {
		return Response{}, fmt.Errorf("read image body: %w", err)
	}
	metrics.ObserveFetch(time.Since(start))

	return Response{
		Body:        body,
		ContentType: resp.Header.Get("Content-Type"),
	}, nil
}
