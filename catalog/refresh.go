package catalog

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/wannadance/songcdn/telemetry"
)

const (
	// DefaultRefreshInterval is how often the descriptor list is pulled.
	DefaultRefreshInterval = 15 * time.Minute

	// refreshTimeout bounds a single upstream catalog request.
	refreshTimeout = 30 * time.Second

	// maxCatalogBytes caps the descriptor list response size.
	maxCatalogBytes = 64 << 20
)

// Refresher periodically pulls the upstream descriptor list and replaces
// the store's descriptor table wholesale. Concurrent forced refreshes are
// deduplicated with singleflight.
type Refresher struct {
	store       *Store
	catalogURL  string
	client      *http.Client
	interval    time.Duration
	persistPath string
	logger      *slog.Logger

	group singleflight.Group
}

// RefresherOption configures a Refresher.
type RefresherOption func(*Refresher)

// WithRefreshInterval sets the poll interval.
func WithRefreshInterval(d time.Duration) RefresherOption {
	return func(r *Refresher) {
		r.interval = d
	}
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(client *http.Client) RefresherOption {
	return func(r *Refresher) {
		r.client = client
	}
}

// WithPersistPath enables saving the descriptor table to disk after each
// successful refresh, so a restart can serve the catalog before first
// upstream contact.
func WithPersistPath(path string) RefresherOption {
	return func(r *Refresher) {
		r.persistPath = path
	}
}

// WithRefreshLogger sets the logger for the refresher.
func WithRefreshLogger(logger *slog.Logger) RefresherOption {
	return func(r *Refresher) {
		r.logger = logger
	}
}

// NewRefresher creates a refresher for the given store and catalog URL.
func NewRefresher(store *Store, catalogURL string, opts ...RefresherOption) *Refresher {
	r := &Refresher{
		store:      store,
		catalogURL: catalogURL,
		client:     &http.Client{Timeout: refreshTimeout},
		interval:   DefaultRefreshInterval,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Load seeds the store from the persisted descriptor table, if one exists.
// Call before Run so the catalog serves across upstream outages.
func (r *Refresher) Load() error {
	if r.persistPath == "" {
		return nil
	}
	songs, err := loadDescriptors(r.persistPath)
	if err != nil {
		return err
	}
	if songs == nil {
		return nil
	}
	r.store.SetSongs(songs)
	r.logger.Info("catalog loaded from disk", "songs", len(songs))
	return nil
}

// Run refreshes immediately and then on every tick until ctx is done.
func (r *Refresher) Run(ctx context.Context) {
	if err := r.Refresh(ctx); err != nil {
		r.logger.Warn("initial catalog refresh failed", "error", err)
	}

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.Refresh(ctx); err != nil {
				r.logger.Warn("catalog refresh failed", "error", err)
			}
		}
	}
}

// Refresh pulls the descriptor list once and applies it as a single
// wholesale replace. Concurrent callers share one in-flight pull.
func (r *Refresher) Refresh(ctx context.Context) error {
	_, err, _ := r.group.Do("refresh", func() (any, error) {
		return nil, r.refresh(ctx)
	})
	if err != nil {
		telemetry.RecordRefresh(ctx, "failure")
	} else {
		telemetry.RecordRefresh(ctx, "success")
	}
	return err
}

func (r *Refresher) refresh(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.catalogURL, nil)
	if err != nil {
		return fmt.Errorf("creating catalog request: %w", err)
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return fmt.Errorf("fetching catalog: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("catalog upstream returned %d", resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxCatalogBytes))
	if err != nil {
		return fmt.Errorf("reading catalog: %w", err)
	}

	songs, err := ParseDescriptors(data, r.logger)
	if err != nil {
		return err
	}

	r.store.SetSongs(songs)
	r.logger.Info("catalog refreshed", "songs", len(songs))

	if r.persistPath != "" {
		if err := saveDescriptors(r.persistPath, songs); err != nil {
			// Persistence is an optimization; the refresh itself succeeded.
			r.logger.Warn("failed to persist catalog", "error", err)
		}
	}
	return nil
}
