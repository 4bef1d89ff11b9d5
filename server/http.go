// Package server provides the HTTP server for the song delivery cache.
package server

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/wannadance/songcdn/cache"
	"github.com/wannadance/songcdn/catalog"
	"github.com/wannadance/songcdn/deliver"
	"github.com/wannadance/songcdn/origin"
	"github.com/wannadance/songcdn/overrides"
	"github.com/wannadance/songcdn/telemetry"
	"github.com/wannadance/songcdn/transcode"
)

// Config holds server configuration.
type Config struct {
	// Address to listen on (e.g., ":8080")
	Address string

	// CacheDir is the root path for the artifact cache.
	CacheDir string

	// OverridesDir is the local song directory watched for overrides.
	// Empty disables the watcher.
	OverridesDir string

	// CatalogURL is the upstream descriptor list URL.
	CatalogURL string

	// CatalogRefreshInterval is how often the descriptor list is pulled.
	// Zero uses the catalog default.
	CatalogRefreshInterval time.Duration

	// CacheTTL is the time-to-live for cached artifacts since last
	// access. Zero disables TTL-based expiration.
	CacheTTL time.Duration

	// CacheMaxSize is the maximum size of the cache in bytes. When
	// exceeded, least-recently-used artifacts are evicted. Zero disables
	// size-based eviction.
	CacheMaxSize int64

	// SweepInterval is how often to run eviction sweeps.
	SweepInterval time.Duration

	// TranscodeWorkers bounds concurrent conversions. Zero means one.
	TranscodeWorkers int

	// TranscodeQueueDepth is the pending conversion queue length.
	TranscodeQueueDepth int

	// OriginRPS caps origin requests per second. Zero disables the
	// limiter.
	OriginRPS float64

	// OriginBurst is the limiter burst when OriginRPS is set.
	OriginBurst int

	// DisableWarmFill ties fills to the requesting client instead of
	// letting them finish after the last client disconnects.
	DisableWarmFill bool

	// Notifier receives now-playing notifications. Nil installs a no-op.
	Notifier PlayingNotifier

	// Logger for the server.
	Logger *slog.Logger
}

// Server is the HTTP server for the song delivery cache.
type Server struct {
	config     Config
	httpServer *http.Server
	logger     *slog.Logger

	catalog   *catalog.Store
	refresher *catalog.Refresher
	watcher   *overrides.Watcher
	cache     *cache.Manager
	router    *deliver.Router
	pool      *transcode.Pool
	notifier  PlayingNotifier

	bgCancel context.CancelFunc
}

// New creates a new server with the given configuration.
func New(cfg Config) (*Server, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Address == "" {
		cfg.Address = ":8080"
	}
	if cfg.CacheDir == "" {
		cfg.CacheDir = "./cache"
	}
	if cfg.TranscodeWorkers == 0 {
		cfg.TranscodeWorkers = 1
	}
	if cfg.Notifier == nil {
		cfg.Notifier = NoopNotifier{}
	}

	store := catalog.NewStore(catalog.WithLogger(cfg.Logger.With("component", "catalog")))

	var refresher *catalog.Refresher
	if cfg.CatalogURL != "" {
		refreshOpts := []catalog.RefresherOption{
			catalog.WithRefreshLogger(cfg.Logger.With("component", "refresh")),
			catalog.WithPersistPath(filepath.Join(cfg.CacheDir, "catalog.json.zst")),
		}
		if cfg.CatalogRefreshInterval > 0 {
			refreshOpts = append(refreshOpts, catalog.WithRefreshInterval(cfg.CatalogRefreshInterval))
		}
		refresher = catalog.NewRefresher(store, cfg.CatalogURL, refreshOpts...)
	}

	var watcher *overrides.Watcher
	if cfg.OverridesDir != "" {
		watcher = overrides.New(cfg.OverridesDir, store,
			overrides.WithLogger(cfg.Logger.With("component", "overrides")))
	}

	cacheOpts := []cache.Option{
		cache.WithLogger(cfg.Logger.With("component", "cache")),
	}
	if cfg.CacheMaxSize > 0 {
		cacheOpts = append(cacheOpts, cache.WithCapacity(cfg.CacheMaxSize))
	}
	if cfg.CacheTTL > 0 {
		cacheOpts = append(cacheOpts, cache.WithTTL(cfg.CacheTTL))
	}
	if cfg.SweepInterval > 0 {
		cacheOpts = append(cacheOpts, cache.WithSweepInterval(cfg.SweepInterval))
	}
	manager, err := cache.New(cfg.CacheDir, cacheOpts...)
	if err != nil {
		return nil, fmt.Errorf("opening cache: %w", err)
	}

	fetcherOpts := []origin.Option{
		origin.WithLogger(cfg.Logger.With("component", "origin")),
	}
	if cfg.OriginRPS > 0 {
		burst := cfg.OriginBurst
		if burst < 1 {
			burst = 1
		}
		fetcherOpts = append(fetcherOpts, origin.WithRateLimit(cfg.OriginRPS, burst))
	}
	fetcher := origin.New(fetcherOpts...)

	pool := transcode.NewPool(cfg.TranscodeWorkers, cfg.TranscodeQueueDepth,
		transcode.WithLogger(cfg.Logger.With("component", "transcode")))

	router := deliver.NewRouter(store, manager, fetcher, pool,
		deliver.WithLogger(cfg.Logger.With("component", "deliver")),
		deliver.WithWarmDisconnected(!cfg.DisableWarmFill),
	)

	s := &Server{
		config:    cfg,
		logger:    cfg.Logger,
		catalog:   store,
		refresher: refresher,
		watcher:   watcher,
		cache:     manager,
		router:    router,
		pool:      pool,
		notifier:  cfg.Notifier,
	}

	mux := http.NewServeMux()
	s.registerRoutes(mux)

	s.httpServer = &http.Server{
		Addr:         cfg.Address,
		Handler:      s.loggingMiddleware(mux),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 10 * time.Minute, // streaming video to slow clients
		IdleTimeout:  60 * time.Second,
	}

	return s, nil
}

// registerRoutes sets up the HTTP routes.
func (s *Server) registerRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/v1/videos/{file}", s.handleVideo)
	mux.HandleFunc("HEAD /api/v1/videos/{file}", s.handleVideo)
	mux.HandleFunc("GET /api/v1/songs", s.handleSongs)
	mux.HandleFunc("POST /api/v1/refresh", s.handleRefresh)
	mux.HandleFunc("POST /api/v1/playing", s.handlePlaying)

	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /stats", s.handleStats)
	mux.Handle("GET /metrics", telemetry.PrometheusHandler())
}

// Start launches the background loops and serves HTTP until the listener
// closes.
func (s *Server) Start() error {
	ctx, cancel := context.WithCancel(context.Background())
	s.bgCancel = cancel

	if s.refresher != nil {
		if err := s.refresher.Load(); err != nil {
			s.logger.Warn("catalog disk seed failed", "error", err)
		}
		go s.refresher.Run(ctx)
	}
	if s.watcher != nil {
		go func() {
			if err := s.watcher.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				s.logger.Error("override watcher stopped", "error", err)
			}
		}()
	}
	s.cache.Start()

	s.logger.Info("starting server", "address", s.config.Address)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down server")

	if s.bgCancel != nil {
		s.bgCancel()
	}

	err := s.httpServer.Shutdown(ctx)

	s.pool.Close()
	if cerr := s.cache.Close(); cerr != nil && err == nil {
		err = cerr
	}
	return err
}

// Address returns the server's listen address.
func (s *Server) Address() string {
	return s.config.Address
}

// Handler returns the full middleware-wrapped handler, used by tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// loggingMiddleware logs HTTP requests with structured fields.
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", requestID)

		r = telemetry.InjectTags(r)
		tags := telemetry.GetTags(r)

		wrapped := &responseWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		duration := time.Since(start)

		attrs := []any{
			"request_id", requestID,
			"method", r.Method,
			"path", r.URL.Path,
			"status", wrapped.status,
			"status_class", telemetry.StatusClass(wrapped.status),
			"bytes_sent", wrapped.bytesWritten,
			"duration_ms", duration.Milliseconds(),
			"remote_addr", r.RemoteAddr,
			"real_ip", realIP(r),
			"user_agent", r.UserAgent(),
		}
		if tags.Endpoint != "" {
			attrs = append(attrs, "endpoint", tags.Endpoint)
		}
		if tags.Result != "" {
			attrs = append(attrs, "result", tags.Result)
		}
		if tags.SongID != "" {
			attrs = append(attrs, "song_id", tags.SongID)
		}

		s.logger.Info("http request", attrs...)

		telemetry.RecordHTTP(r.Context(), r, wrapped.status, wrapped.bytesWritten, duration)
	})
}

// realIP extracts the client address from proxy headers, as metadata
// only; it grants nothing.
func realIP(r *http.Request) string {
	if ip := r.Header.Get("X-Real-IP"); ip != "" {
		return ip
	}
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		if i := strings.IndexByte(fwd, ','); i >= 0 {
			return strings.TrimSpace(fwd[:i])
		}
		return strings.TrimSpace(fwd)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// responseWriter wraps http.ResponseWriter to capture the status code and
// bytes written. It preserves http.Flusher and http.Hijacker for
// streaming support.
type responseWriter struct {
	http.ResponseWriter
	status       int
	bytesWritten int64
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	rw.bytesWritten += int64(n)
	return n, err
}

// Flush implements http.Flusher for streaming responses.
func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Hijack implements http.Hijacker for connection upgrades.
func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := rw.ResponseWriter.(http.Hijacker); ok {
		return h.Hijack()
	}
	return nil, nil, fmt.Errorf("hijacking not supported")
}

// Unwrap returns the underlying ResponseWriter.
func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}
