// Package cache is the on-disk artifact store for delivery variants. It
// admits exactly one producer per key, streams in-progress fills to
// passive subscribers, and evicts Ready entries least-recently-used first
// while never removing an entry with an active reader.
package cache

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	songcdn "github.com/wannadance/songcdn"
)

const (
	// indexFile is the bbolt index inside the cache directory.
	indexFile = "index.db"

	// partialSuffix marks an in-progress fill on disk. Files carrying it
	// after a restart are leftovers and are discarded.
	partialSuffix = ".partial"
)

// ErrFillRace is returned by BeginFill when the entry became Ready between
// the caller's lookup and admission. Callers re-resolve with Lookup.
var ErrFillRace = errors.New("cache: entry completed concurrently")

// Manager is the cache over one local directory.
type Manager struct {
	root   string
	db     *metaDB
	logger *slog.Logger

	capacity      int64
	ttl           time.Duration
	sweepInterval time.Duration

	mu      sync.Mutex
	fills   map[songcdn.CacheKey]*fill
	readers map[songcdn.CacheKey]int

	sweeper *sweeper
}

// Option configures a Manager.
type Option func(*Manager)

// WithCapacity bounds the total size of Ready entries in bytes. Zero
// disables size-based eviction.
func WithCapacity(n int64) Option {
	return func(m *Manager) {
		m.capacity = n
	}
}

// WithTTL expires entries not accessed within d. Zero disables TTL
// expiry.
func WithTTL(d time.Duration) Option {
	return func(m *Manager) {
		m.ttl = d
	}
}

// WithSweepInterval sets how often the background sweep runs.
func WithSweepInterval(d time.Duration) Option {
	return func(m *Manager) {
		m.sweepInterval = d
	}
}

// WithLogger sets the logger for the manager.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) {
		m.logger = logger
	}
}

// New opens (creating if needed) the cache directory, loads the metadata
// index, and reconciles both against each other.
func New(root string, opts ...Option) (*Manager, error) {
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolving cache root: %w", err)
	}
	if err := os.MkdirAll(absRoot, 0755); err != nil {
		return nil, fmt.Errorf("creating cache directory: %w", err)
	}

	db, err := openMetaDB(filepath.Join(absRoot, indexFile))
	if err != nil {
		return nil, err
	}

	m := &Manager{
		root:          absRoot,
		db:            db,
		logger:        slog.Default(),
		sweepInterval: time.Hour,
		fills:         map[songcdn.CacheKey]*fill{},
		readers:       map[songcdn.CacheKey]int{},
	}
	for _, opt := range opts {
		opt(m)
	}
	m.sweeper = newSweeper(m)

	if err := m.rehydrate(); err != nil {
		_ = db.close()
		return nil, err
	}
	return m, nil
}

// Close stops the sweeper and closes the index.
func (m *Manager) Close() error {
	m.sweeper.stop()
	return m.db.close()
}

// Root returns the cache directory.
func (m *Manager) Root() string {
	return m.root
}

// LookupState classifies a Lookup result.
type LookupState int

const (
	// Missing means no entry exists and no fill is in progress.
	Missing LookupState = iota
	// Ready means a completed artifact is on disk; use Open to read it.
	Ready
	// Filling means a producer is active; the result carries a
	// Subscription to its output.
	Filling
)

// LookupResult is the non-blocking answer to "what do we have for key".
type LookupResult struct {
	State LookupState

	// Sub is the attached subscription when State is Filling. The caller
	// owns closing it.
	Sub *Subscription
}

// Lookup never blocks. When a fill is in progress the caller is attached
// as a passive subscriber immediately, so bytes committed between this
// call and the first read are not missed.
func (m *Manager) Lookup(key songcdn.CacheKey) (LookupResult, error) {
	m.mu.Lock()
	if f, ok := m.fills[key]; ok {
		sub, err := m.subscribeLocked(f)
		m.mu.Unlock()
		if err != nil {
			return LookupResult{}, err
		}
		return LookupResult{State: Filling, Sub: sub}, nil
	}
	m.mu.Unlock()

	rec, ok, err := m.db.get(key.String())
	if err != nil {
		return LookupResult{}, fmt.Errorf("%w: index lookup: %v", songcdn.ErrCacheIO, err)
	}
	if !ok || rec == nil {
		return LookupResult{State: Missing}, nil
	}
	return LookupResult{State: Ready}, nil
}

// Reader streams one Ready artifact. It seeks, so range requests can be
// served from it directly. Close releases the entry for eviction.
type Reader struct {
	*os.File

	m      *Manager
	key    songcdn.CacheKey
	size   int64
	mod    time.Time
	closed bool
}

// Size returns the artifact size in bytes.
func (r *Reader) Size() int64 { return r.size }

// ModTime returns the artifact creation time.
func (r *Reader) ModTime() time.Time { return r.mod }

// Close releases the reader's hold on the entry.
func (r *Reader) Close() error {
	if r.closed {
		return nil
	}
	r.closed = true
	r.m.releaseReader(r.key)
	return r.File.Close()
}

// Open attaches a reader to a Ready entry, incrementing its active-reader
// count; the entry cannot be evicted until every reader closes. The last
// access time is updated best-effort off the request path.
func (m *Manager) Open(key songcdn.CacheKey) (*Reader, error) {
	rec, ok, err := m.db.get(key.String())
	if err != nil {
		return nil, fmt.Errorf("%w: index lookup: %v", songcdn.ErrCacheIO, err)
	}
	if !ok {
		return nil, fs.ErrNotExist
	}

	f, err := os.Open(filepath.Join(m.root, filepath.FromSlash(rec.Name)))
	if err != nil {
		if os.IsNotExist(err) {
			// Index row without a file: clean it up.
			_ = m.db.delete(key.String())
			return nil, fs.ErrNotExist
		}
		return nil, fmt.Errorf("%w: opening artifact: %v", songcdn.ErrCacheIO, err)
	}

	m.mu.Lock()
	m.readers[key]++
	m.mu.Unlock()

	go func() { _ = m.db.touch(key.String()) }()

	return &Reader{File: f, m: m, key: key, size: rec.Size, mod: rec.CreatedAt}, nil
}

// BeginFill admits at most one producer per key. The winner receives the
// ticket; every concurrent caller receives a subscription to the winner's
// output instead. This is what keeps a hot song to a single fetch and a
// single transcode.
func (m *Manager) BeginFill(key songcdn.CacheKey) (*FillTicket, *Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if f, ok := m.fills[key]; ok {
		sub, err := m.subscribeLocked(f)
		if err != nil {
			return nil, nil, err
		}
		return nil, sub, nil
	}

	// Lost a race with a completing fill?
	if _, ok, err := m.db.get(key.String()); err != nil {
		return nil, nil, fmt.Errorf("%w: index lookup: %v", songcdn.ErrCacheIO, err)
	} else if ok {
		return nil, nil, ErrFillRace
	}

	name := key.StorageName()
	finalPath := filepath.Join(m.root, filepath.FromSlash(name))
	if err := os.MkdirAll(filepath.Dir(finalPath), 0755); err != nil {
		return nil, nil, fmt.Errorf("%w: creating shard directory: %v", songcdn.ErrCacheIO, err)
	}

	partialPath := finalPath + partialSuffix
	out, err := os.OpenFile(partialPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0644)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: creating fill file: %v", songcdn.ErrCacheIO, err)
	}

	f := &fill{
		m:           m,
		key:         key,
		partialPath: partialPath,
		finalPath:   finalPath,
		f:           out,
		hw:          songcdn.NewHashingWriter(out),
		progress:    make(chan struct{}),
		idleCh:      make(chan struct{}),
	}
	m.fills[key] = f

	m.logger.Debug("fill admitted", "key", key.String())
	return &FillTicket{f: f}, nil, nil
}

// subscribeLocked attaches a subscriber to an in-progress fill. Callers
// hold m.mu. Subscribers count as active readers for eviction purposes.
func (m *Manager) subscribeLocked(f *fill) (*Subscription, error) {
	sub, err := newSubscription(f)
	if err != nil {
		return nil, err
	}
	m.readers[f.key]++
	f.addSubscriber()
	return sub, nil
}

// completeFill records the completion marker and retires the fill. Called
// by FillTicket.Complete after the artifact file is in place.
func (m *Manager) completeFill(f *fill, size int64, digest songcdn.Hash) error {
	now := time.Now()
	rec := &entryRecord{
		Key:          f.key.String(),
		Name:         f.key.StorageName(),
		Size:         size,
		CreatedAt:    now,
		LastAccessed: now,
		Digest:       digest,
	}
	if err := m.db.put(rec); err != nil {
		return fmt.Errorf("%w: recording completion: %v", songcdn.ErrCacheIO, err)
	}

	m.mu.Lock()
	delete(m.fills, f.key)
	m.mu.Unlock()

	m.logger.Info("fill complete",
		"key", f.key.String(),
		"size", size,
		"digest", digest.ShortString(),
	)

	m.sweeper.kick()
	return nil
}

// abortFill retires a failed fill so a later request may start over.
func (m *Manager) abortFill(f *fill) {
	m.mu.Lock()
	if m.fills[f.key] == f {
		delete(m.fills, f.key)
	}
	m.mu.Unlock()
	m.logger.Warn("fill aborted", "key", f.key.String())
}

// releaseReader decrements the active-reader count for key.
func (m *Manager) releaseReader(key songcdn.CacheKey) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if n := m.readers[key]; n <= 1 {
		delete(m.readers, key)
	} else {
		m.readers[key] = n - 1
	}
}

// activeReaders reports the current reader count for key.
func (m *Manager) activeReaders(key songcdn.CacheKey) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.readers[key]
}

// Stats is a point-in-time summary of the cache.
type Stats struct {
	Entries       int   `json:"entries"`
	TotalBytes    int64 `json:"total_bytes"`
	ActiveFills   int   `json:"active_fills"`
	ActiveReaders int   `json:"active_readers"`
}

// GetStats summarizes the Ready entries plus in-flight activity.
func (m *Manager) GetStats() (Stats, error) {
	records, err := m.db.list()
	if err != nil {
		return Stats{}, fmt.Errorf("listing cache index: %w", err)
	}

	st := Stats{Entries: len(records)}
	for _, rec := range records {
		st.TotalBytes += rec.Size
	}

	m.mu.Lock()
	st.ActiveFills = len(m.fills)
	for _, n := range m.readers {
		st.ActiveReaders += n
	}
	m.mu.Unlock()

	return st, nil
}

// Start launches the background eviction sweep.
func (m *Manager) Start() {
	m.sweeper.start()
}

// rehydrate reconciles the directory with the index after a restart:
// .partial leftovers and files without a completion marker are removed,
// and index rows whose file vanished are dropped.
func (m *Manager) rehydrate() error {
	known := map[string]string{} // storage name -> key
	records, err := m.db.list()
	if err != nil {
		return fmt.Errorf("listing cache index: %w", err)
	}
	for _, rec := range records {
		known[rec.Name] = rec.Key
	}

	seen := map[string]bool{}
	removed := 0

	err = filepath.WalkDir(m.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(m.root, path)
		if err != nil {
			return err
		}
		name := filepath.ToSlash(rel)
		if name == indexFile {
			return nil
		}

		if strings.HasSuffix(name, partialSuffix) {
			removed++
			return os.Remove(path)
		}
		if _, ok := known[name]; !ok {
			// No completion marker: stale.
			removed++
			return os.Remove(path)
		}
		seen[name] = true
		return nil
	})
	if err != nil {
		return fmt.Errorf("scanning cache directory: %w", err)
	}

	dropped := 0
	for name, key := range known {
		if !seen[name] {
			if err := m.db.delete(key); err != nil {
				return fmt.Errorf("dropping orphan index row: %w", err)
			}
			dropped++
		}
	}

	if removed > 0 || dropped > 0 {
		m.logger.Info("cache rehydrated",
			"entries", len(seen),
			"stale_files_removed", removed,
			"orphan_rows_dropped", dropped,
		)
	}
	return nil
}
