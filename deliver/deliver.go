// Package deliver routes a song request to its byte source: a local
// override file, a cached artifact, an in-progress fill, or the origin.
package deliver

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"time"

	"github.com/wannadance/songcdn/cache"
	"github.com/wannadance/songcdn/catalog"
	"github.com/wannadance/songcdn/origin"
	"github.com/wannadance/songcdn/telemetry"
	"github.com/wannadance/songcdn/transcode"

	songcdn "github.com/wannadance/songcdn"
)

// Result classifies how a request was satisfied, for logs and metrics.
type Result string

const (
	ResultLocalHit    Result = "local_hit"
	ResultCacheHit    Result = "cache_hit"
	ResultFill        Result = "fill"
	ResultSubscribe   Result = "subscribe"
	ResultPassthrough Result = "passthrough"
)

// Request is one delivery request after URL parsing.
type Request struct {
	ID      songcdn.SongID
	Variant songcdn.Variant // empty means the descriptor's default
	Range   *origin.ByteRange
	RealIP  string
}

// Stream is the response byte source. Body always needs closing. When
// Body also implements io.ReadSeeker the transport layer may serve ranges
// from it directly; otherwise ranges are satisfied by skipping.
type Stream struct {
	Body        io.ReadCloser
	Size        int64 // -1 when unknown
	ContentType string
	ModTime     time.Time // zero when unknown
	Result      Result

	// ContentRange is set on passthrough responses that carried a 206.
	ContentRange string
}

// Router decides per request between override, cache, and origin, and
// drives fills for cache misses.
type Router struct {
	catalog *catalog.Store
	cache   *cache.Manager
	fetcher *origin.Fetcher
	pool    *transcode.Pool
	logger  *slog.Logger

	warmDisconnected bool
}

// Option configures a Router.
type Option func(*Router)

// WithLogger sets the logger for the router.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Router) {
		r.logger = logger
	}
}

// WithWarmDisconnected controls whether a fill keeps running after its
// last client disconnects. On (the default) every miss warms the cache;
// off ties the fill to the requesting context.
func WithWarmDisconnected(on bool) Option {
	return func(r *Router) {
		r.warmDisconnected = on
	}
}

// NewRouter creates a Router over the given components.
func NewRouter(cat *catalog.Store, c *cache.Manager, f *origin.Fetcher, p *transcode.Pool, opts ...Option) *Router {
	r := &Router{
		catalog:          cat,
		cache:            c,
		fetcher:          f,
		pool:             p,
		logger:           slog.Default(),
		warmDisconnected: true,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Deliver resolves and streams one song. Errors carry the sentinel
// taxonomy for the transport layer to map onto status codes.
func (r *Router) Deliver(ctx context.Context, req Request) (*Stream, error) {
	src, err := r.catalog.Resolve(req.ID)
	if err != nil {
		return nil, err
	}

	variant, err := r.resolveVariant(req)
	if err != nil {
		return nil, err
	}

	log := r.logger.With("song_id", req.ID.String(), "variant", string(variant))

	if src.Kind == catalog.SourceLocal {
		stream, err := r.openLocal(src.Path)
		if err == nil {
			return stream, nil
		}
		// A stale override (file pulled out from under the snapshot)
		// falls through to the remote path when one exists.
		log.Warn("override unreadable, falling back", "path", src.Path, "error", err)
		desc, ok := r.catalog.Descriptor(req.ID)
		if !ok {
			return nil, songcdn.ErrNotFound
		}
		src = catalog.ResolvedSource{
			Kind:      catalog.SourceRemote,
			OriginURL: desc.OriginURL,
			Checksum:  desc.Checksum,
		}
	}

	key := songcdn.CacheKey{ID: req.ID, Variant: variant}

	// A bounded resolve loop absorbs races between lookup, eviction, and
	// fill completion.
	for attempt := 0; attempt < 3; attempt++ {
		res, err := r.cache.Lookup(key)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				// The fill aborted while we were attaching to it.
				continue
			}
			return nil, err
		}

		switch res.State {
		case cache.Ready:
			stream, err := r.openCached(key)
			if err == nil {
				return stream, nil
			}
			if errors.Is(err, fs.ErrNotExist) {
				// Evicted between lookup and open.
				continue
			}
			return nil, err

		case cache.Filling:
			return &Stream{
				Body:        res.Sub,
				Size:        -1,
				ContentType: "video/mp4",
				Result:      ResultSubscribe,
			}, nil

		case cache.Missing:
			stream, retry, err := r.fill(ctx, log, key, src, variant, req.Range)
			if retry {
				continue
			}
			return stream, err
		}
	}

	return nil, fmt.Errorf("%w: cache state kept changing", songcdn.ErrCacheIO)
}

// resolveVariant picks the variant to serve and validates the request
// against what the descriptor offers. Local overrides always serve their
// file as-is.
func (r *Router) resolveVariant(req Request) (songcdn.Variant, error) {
	desc, ok := r.catalog.Descriptor(req.ID)
	if !ok {
		// Override-only song: no descriptor to consult.
		if req.Variant == "" || req.Variant == songcdn.VariantSource {
			return songcdn.VariantSource, nil
		}
		return "", fmt.Errorf("%w: no variants for override-only song", songcdn.ErrNotFound)
	}
	if req.Variant == "" {
		return desc.Default(), nil
	}
	if !desc.Offers(req.Variant) {
		return "", fmt.Errorf("%w: variant %q not offered", songcdn.ErrNotFound, req.Variant)
	}
	return req.Variant, nil
}

func (r *Router) openLocal(path string) (*Stream, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	fi, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	return &Stream{
		Body:        f,
		Size:        fi.Size(),
		ContentType: "video/mp4",
		ModTime:     fi.ModTime(),
		Result:      ResultLocalHit,
	}, nil
}

func (r *Router) openCached(key songcdn.CacheKey) (*Stream, error) {
	reader, err := r.cache.Open(key)
	if err != nil {
		return nil, err
	}
	return &Stream{
		Body:        reader,
		Size:        reader.Size(),
		ContentType: "video/mp4",
		ModTime:     reader.ModTime(),
		Result:      ResultCacheHit,
	}, nil
}

// fill handles a confirmed miss. The middle return asks the caller to
// re-run the resolve loop (lost the admission race).
func (r *Router) fill(ctx context.Context, log *slog.Logger, key songcdn.CacheKey, src catalog.ResolvedSource, variant songcdn.Variant, byteRange *origin.ByteRange) (*Stream, bool, error) {
	_, needsTranscode := variant.ScaleHeight()

	// A ranged request for an unconverted song is served straight from
	// the origin without materializing the artifact; seek-heavy players
	// would otherwise force a full download per seek.
	if byteRange != nil && !needsTranscode {
		resp, err := r.fetcher.Fetch(ctx, src.OriginURL, byteRange)
		if err != nil {
			return nil, false, err
		}
		log.Debug("range passthrough", "range", byteRange.Header())
		return &Stream{
			Body:         resp.Body,
			Size:         resp.ContentLength,
			ContentType:  contentTypeOr(resp.ContentType),
			Result:       ResultPassthrough,
			ContentRange: resp.ContentRange,
		}, false, nil
	}

	ticket, sub, err := r.cache.BeginFill(key)
	if err != nil {
		if errors.Is(err, cache.ErrFillRace) || errors.Is(err, fs.ErrNotExist) {
			return nil, true, nil
		}
		return nil, false, err
	}
	if sub != nil {
		return &Stream{
			Body:        sub,
			Size:        -1,
			ContentType: "video/mp4",
			Result:      ResultSubscribe,
		}, false, nil
	}

	// Winner: attach our own subscription before the producer starts so
	// the response observes every byte, then drive the fill in the
	// background.
	res, err := r.cache.Lookup(key)
	if err != nil || res.State != cache.Filling {
		ticket.Abort(songcdn.ErrCacheIO)
		if err == nil {
			err = fmt.Errorf("%w: fill vanished before subscribe", songcdn.ErrCacheIO)
		}
		return nil, false, err
	}

	// The fill never rides the winner's request context: other clients
	// may be subscribed to it. Without warm fill it is cancelled once the
	// last subscriber detaches.
	fillCtx := context.WithoutCancel(ctx)
	if !r.warmDisconnected {
		var cancel context.CancelFunc
		fillCtx, cancel = context.WithCancel(fillCtx)
		go func() {
			<-ticket.Idle()
			cancel()
		}()
	}
	go r.runFill(fillCtx, log, ticket, src, variant)

	return &Stream{
		Body:        res.Sub,
		Size:        -1,
		ContentType: "video/mp4",
		Result:      ResultFill,
	}, false, nil
}

// runFill drives origin -> (transcode | copy) -> ticket to completion.
func (r *Router) runFill(ctx context.Context, log *slog.Logger, ticket *cache.FillTicket, src catalog.ResolvedSource, variant songcdn.Variant) {
	start := time.Now()

	resp, err := r.fetcher.Fetch(ctx, src.OriginURL, nil)
	if err != nil {
		telemetry.RecordFill(ctx, "origin_error", 0, 0)
		ticket.Abort(err)
		return
	}
	defer resp.Body.Close()

	// The catalog checksum describes origin bytes; verify them as they
	// flow regardless of what the variant does to them afterwards.
	body := io.Reader(resp.Body)
	var verify *checksumReader
	if src.Checksum != "" {
		verify = newChecksumReader(resp.Body, src.Checksum)
		body = verify
	}

	if _, needsTranscode := variant.ScaleHeight(); needsTranscode {
		err = r.pool.Convert(ctx, variant, body, ticket)
	} else {
		_, err = io.Copy(ticket, body)
		if err == nil && verify != nil {
			// A copy can stop exactly at EOF without the wrapper seeing
			// it; force the final check.
			err = verify.verify()
		}
	}
	if err != nil {
		// A mismatch surfaces to ffmpeg as a plain read error; prefer
		// the recorded cause over the conversion wrapper.
		if verify != nil && verify.failure() != nil {
			err = verify.failure()
		}
		if errors.Is(err, songcdn.ErrChecksumMismatch) {
			log.Error("origin content failed checksum", "url", src.OriginURL)
		}
		telemetry.RecordFill(ctx, abortOutcome(err), 0, 0)
		ticket.Abort(err)
		return
	}

	if err := ticket.Complete(); err != nil {
		log.Error("fill completion failed", "error", err)
		telemetry.RecordFill(ctx, "cache_error", 0, 0)
		return
	}
	written := ticket.BytesWritten()
	telemetry.RecordFill(ctx, "complete", written, time.Since(start))
	log.Info("fill finished", "bytes", written, "duration", time.Since(start))
}

func abortOutcome(err error) string {
	switch {
	case errors.Is(err, songcdn.ErrChecksumMismatch):
		return "checksum_mismatch"
	case errors.Is(err, songcdn.ErrTranscodeFailed):
		return "transcode_failed"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "canceled"
	default:
		return "error"
	}
}

func contentTypeOr(ct string) string {
	if ct == "" {
		return "video/mp4"
	}
	return ct
}

// checksumReader hashes bytes as they pass and reports a terminal
// ErrChecksumMismatch when the stream ends with the wrong md5.
type checksumReader struct {
	r        io.Reader
	h        hash.Hash
	want     string
	verified bool
	err      error
}

func newChecksumReader(r io.Reader, want string) *checksumReader {
	return &checksumReader{r: r, h: md5.New(), want: want}
}

func (c *checksumReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	if n > 0 {
		_, _ = c.h.Write(p[:n])
	}
	if errors.Is(err, io.EOF) {
		if verr := c.verify(); verr != nil {
			return n, verr
		}
	}
	return n, err
}

// verify runs the final comparison once, at end of stream.
func (c *checksumReader) verify() error {
	if c.verified {
		return c.err
	}
	c.verified = true
	got := hex.EncodeToString(c.h.Sum(nil))
	if got != c.want {
		c.err = fmt.Errorf("%w: got %s want %s", songcdn.ErrChecksumMismatch, got, c.want)
	}
	return c.err
}

// failure reports the recorded mismatch, if any.
func (c *checksumReader) failure() error {
	if !c.verified {
		return nil
	}
	return c.err
}
