// Package origin fetches song content from the upstream CDN with bounded
// retries and a shared rate limit.
package origin

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	songcdn "github.com/wannadance/songcdn"
	"github.com/wannadance/songcdn/telemetry"
)

const (
	// maxAttempts bounds retries for one Fetch call.
	maxAttempts = 3

	// baseBackoff is doubled per attempt: 250ms, 500ms.
	baseBackoff = 250 * time.Millisecond

	defaultTimeout = 2 * time.Minute
)

// ByteRange is a half-open request range. End < 0 means "to the end of the
// resource", matching "bytes=Start-".
type ByteRange struct {
	Start int64
	End   int64
}

// Header renders the range as an HTTP Range header value.
func (r ByteRange) Header() string {
	if r.End < 0 {
		return fmt.Sprintf("bytes=%d-", r.Start)
	}
	return fmt.Sprintf("bytes=%d-%d", r.Start, r.End)
}

// Response is one successful origin fetch. The caller owns Body.
type Response struct {
	Body          io.ReadCloser
	ContentLength int64 // -1 when unknown
	ContentType   string
	Status        int    // 200, or 206 for a satisfied range
	ContentRange  string // Content-Range header when Status is 206
}

// Fetcher retrieves song content over HTTP. All fetches share one rate
// limiter so a burst of cache misses cannot stampede the origin.
type Fetcher struct {
	client  *http.Client
	limiter *rate.Limiter
	logger  *slog.Logger
}

// Option configures a Fetcher.
type Option func(*Fetcher)

// WithClient sets the HTTP client used for fetches.
func WithClient(client *http.Client) Option {
	return func(f *Fetcher) {
		f.client = client
	}
}

// WithRateLimit caps origin requests at rps with the given burst. Zero rps
// leaves fetches unlimited.
func WithRateLimit(rps float64, burst int) Option {
	return func(f *Fetcher) {
		if rps > 0 {
			f.limiter = rate.NewLimiter(rate.Limit(rps), burst)
		}
	}
}

// WithLogger sets the logger for the fetcher.
func WithLogger(logger *slog.Logger) Option {
	return func(f *Fetcher) {
		f.logger = logger
	}
}

// New creates a Fetcher.
func New(opts ...Option) *Fetcher {
	f := &Fetcher{
		client: &http.Client{
			Timeout:   defaultTimeout,
			Transport: telemetry.NewInstrumentedTransport(nil),
		},
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Fetch retrieves url, forwarding byteRange when non-nil. Transport errors
// and 5xx responses are retried with exponential backoff up to maxAttempts;
// 4xx is terminal on the first sight (404 maps to ErrNotFound, the rest to
// ErrOriginUnavailable). Exhausted retries return ErrOriginUnavailable.
func (f *Fetcher) Fetch(ctx context.Context, url string, byteRange *ByteRange) (*Response, error) {
	if f.limiter != nil {
		if err := f.limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}

	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			backoff := baseBackoff << (attempt - 1)
			f.logger.Debug("retrying origin fetch",
				"url", url,
				"attempt", attempt+1,
				"backoff", backoff,
			)
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoff):
			}
		}

		resp, retryable, err := f.attempt(ctx, url, byteRange)
		if err == nil {
			return resp, nil
		}
		if !retryable {
			return nil, err
		}
		lastErr = err
	}

	f.logger.Warn("origin fetch exhausted retries", "url", url, "error", lastErr)
	return nil, fmt.Errorf("%w: %v", songcdn.ErrOriginUnavailable, lastErr)
}

// attempt performs one request. The second return reports whether the
// failure is worth retrying.
func (f *Fetcher) attempt(ctx context.Context, url string, byteRange *ByteRange) (*Response, bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, false, fmt.Errorf("building origin request: %w", err)
	}
	if byteRange != nil {
		req.Header.Set("Range", byteRange.Header())
	}

	resp, err := f.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, false, ctx.Err()
		}
		return nil, true, err
	}

	switch {
	case resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusPartialContent:
		return &Response{
			Body:          resp.Body,
			ContentLength: resp.ContentLength,
			ContentType:   resp.Header.Get("Content-Type"),
			Status:        resp.StatusCode,
			ContentRange:  resp.Header.Get("Content-Range"),
		}, false, nil

	case resp.StatusCode == http.StatusNotFound:
		drain(resp)
		return nil, false, fmt.Errorf("%w: origin returned 404 for %s", songcdn.ErrNotFound, url)

	case resp.StatusCode >= 500:
		drain(resp)
		return nil, true, fmt.Errorf("origin returned %d", resp.StatusCode)

	default:
		drain(resp)
		return nil, false, fmt.Errorf("%w: origin returned %d", songcdn.ErrOriginUnavailable, resp.StatusCode)
	}
}

// drain consumes the body so the connection can be reused.
func drain(resp *http.Response) {
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	_ = resp.Body.Close()
}
