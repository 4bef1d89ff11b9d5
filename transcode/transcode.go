// Package transcode converts source video into scaled delivery variants
// through a bounded worker pool. Conversion is streaming on both sides:
// source bytes go to ffmpeg stdin as they arrive from the origin, and
// ffmpeg stdout flows straight into the cache fill.
package transcode

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strings"
	"sync"
	"time"

	songcdn "github.com/wannadance/songcdn"
	"github.com/wannadance/songcdn/telemetry"
)

// Runner performs one conversion, reading source bytes from in and writing
// the converted stream to out.
type Runner interface {
	Run(ctx context.Context, variant songcdn.Variant, in io.Reader, out io.Writer) error
}

// RunnerFunc adapts a function to the Runner interface.
type RunnerFunc func(ctx context.Context, variant songcdn.Variant, in io.Reader, out io.Writer) error

func (f RunnerFunc) Run(ctx context.Context, variant songcdn.Variant, in io.Reader, out io.Writer) error {
	return f(ctx, variant, in, out)
}

// Pool bounds concurrent conversions. CPU-heavy work queues here instead
// of spawning a process per request.
type Pool struct {
	runner Runner
	logger *slog.Logger

	jobs    chan *job
	wg      sync.WaitGroup
	closeMu sync.Mutex
	closed  bool
}

type job struct {
	ctx     context.Context
	variant songcdn.Variant
	in      io.Reader
	out     io.Writer
	done    chan error
}

// Option configures a Pool.
type Option func(*Pool)

// WithRunner replaces the ffmpeg runner, used by tests.
func WithRunner(r Runner) Option {
	return func(p *Pool) {
		p.runner = r
	}
}

// WithLogger sets the logger for the pool.
func WithLogger(logger *slog.Logger) Option {
	return func(p *Pool) {
		p.logger = logger
	}
}

// NewPool starts workers goroutines servicing a queue of queueDepth
// pending conversions.
func NewPool(workers, queueDepth int, opts ...Option) *Pool {
	if workers < 1 {
		workers = 1
	}
	if queueDepth < 0 {
		queueDepth = 0
	}

	p := &Pool{
		runner: &FFmpegRunner{},
		logger: slog.Default(),
		jobs:   make(chan *job, queueDepth),
	}
	for _, opt := range opts {
		opt(p)
	}

	for i := 0; i < workers; i++ {
		p.wg.Add(1)
		go p.worker(i)
	}
	return p
}

func (p *Pool) worker(id int) {
	defer p.wg.Done()
	for j := range p.jobs {
		if err := j.ctx.Err(); err != nil {
			j.done <- err
			continue
		}
		start := time.Now()
		err := p.runner.Run(j.ctx, j.variant, j.in, j.out)
		outcome := "success"
		if err != nil {
			outcome = "failure"
			p.logger.Warn("conversion failed",
				"worker", id,
				"variant", string(j.variant),
				"error", err,
			)
		}
		telemetry.RecordTranscode(j.ctx, string(j.variant), time.Since(start), outcome)
		j.done <- err
	}
}

// Convert queues a conversion and blocks until it finishes or ctx is
// done. When every worker is busy and the queue is full, Convert blocks
// in line; a cancelled ctx abandons the spot.
func (p *Pool) Convert(ctx context.Context, variant songcdn.Variant, in io.Reader, out io.Writer) error {
	j := &job{ctx: ctx, variant: variant, in: in, out: out, done: make(chan error, 1)}

	select {
	case p.jobs <- j:
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-j.done:
		if err != nil && ctx.Err() == nil {
			return fmt.Errorf("%w: %v", songcdn.ErrTranscodeFailed, err)
		}
		return err
	case <-ctx.Done():
		// The worker still owns in/out; wait for it to notice the
		// cancellation rather than racing it.
		<-j.done
		return ctx.Err()
	}
}

// Close stops accepting jobs and waits for in-flight conversions.
func (p *Pool) Close() {
	p.closeMu.Lock()
	if !p.closed {
		p.closed = true
		close(p.jobs)
	}
	p.closeMu.Unlock()
	p.wg.Wait()
}

// FFmpegRunner shells out to ffmpeg, piping the source through stdin and
// the fragmented mp4 result through stdout.
type FFmpegRunner struct {
	// Binary overrides the ffmpeg executable path. Empty means "ffmpeg"
	// from PATH.
	Binary string
}

// stderrTail keeps the last chunk of ffmpeg diagnostics for error
// reporting without buffering a full transcode log.
const stderrTail = 2048

func (r *FFmpegRunner) Run(ctx context.Context, variant songcdn.Variant, in io.Reader, out io.Writer) error {
	height, ok := variant.ScaleHeight()
	if !ok {
		return fmt.Errorf("variant %q has no scale target", variant)
	}

	bin := r.Binary
	if bin == "" {
		bin = "ffmpeg"
	}

	args := []string{
		"-hide_banner", "-loglevel", "error",
		"-i", "pipe:0",
		"-vf", fmt.Sprintf("scale=-2:%d", height),
		"-c:v", "libx264",
		"-preset", "fast",
		"-crf", "23",
		"-c:a", "aac",
		"-b:a", "128k",
		"-movflags", "frag_keyframe+empty_moov+faststart",
		"-f", "mp4",
		"pipe:1",
	}

	cmd := exec.CommandContext(ctx, bin, args...)
	cmd.Stdin = in
	cmd.Stdout = out

	var stderr bytes.Buffer
	cmd.Stderr = &tailWriter{buf: &stderr, max: stderrTail}

	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg != "" {
			return fmt.Errorf("ffmpeg: %w: %s", err, msg)
		}
		return fmt.Errorf("ffmpeg: %w", err)
	}
	return nil
}

// tailWriter keeps only the last max bytes written.
type tailWriter struct {
	buf *bytes.Buffer
	max int
}

func (w *tailWriter) Write(p []byte) (int, error) {
	n := len(p)
	if n >= w.max {
		w.buf.Reset()
		p = p[n-w.max:]
	} else if w.buf.Len()+n > w.max {
		trimmed := w.buf.Bytes()[w.buf.Len()+n-w.max:]
		rest := make([]byte, len(trimmed))
		copy(rest, trimmed)
		w.buf.Reset()
		w.buf.Write(rest)
	}
	w.buf.Write(p)
	return n, nil
}
