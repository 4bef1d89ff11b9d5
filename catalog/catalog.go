// Package catalog merges the upstream song descriptor table with the local
// override snapshot behind a single atomic read path.
package catalog

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	songcdn "github.com/wannadance/songcdn"
	"github.com/wannadance/songcdn/telemetry"
)

// OverrideEntry is a locally staged file that takes precedence over the
// upstream source for a song id.
type OverrideEntry struct {
	ID      songcdn.SongID
	Path    string
	ModTime time.Time
}

// SourceKind tags a ResolvedSource.
type SourceKind int

const (
	// SourceLocal serves bytes from an operator-staged file.
	SourceLocal SourceKind = iota
	// SourceRemote serves bytes fetched from the origin.
	SourceRemote
)

// ResolvedSource is the store's answer to "where do this song's bytes
// currently come from". If an override exists it is always Local,
// regardless of the descriptor table.
type ResolvedSource struct {
	Kind SourceKind

	// Local fields
	Path string

	// Remote fields
	OriginURL string
	Checksum  string // md5 hex of origin content, may be empty
}

// Snapshot is one consistent point-in-time view of both inputs. Snapshots
// are immutable once published; readers never observe a partial merge.
type Snapshot struct {
	Songs     map[songcdn.SongID]SongDescriptor
	Overrides map[songcdn.SongID]OverrideEntry
	BuiltAt   time.Time
}

// Store holds the current snapshot. Reads are lock-free; the two writers
// (upstream refresh, override watcher) rebuild and swap under a mutex.
type Store struct {
	logger *slog.Logger

	mu   sync.Mutex // serializes snapshot builders only
	snap atomic.Pointer[Snapshot]
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the logger for the store.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) {
		s.logger = logger
	}
}

// NewStore creates an empty catalog store.
func NewStore(opts ...Option) *Store {
	s := &Store{logger: slog.Default()}
	for _, opt := range opts {
		opt(s)
	}
	s.snap.Store(&Snapshot{
		Songs:     map[songcdn.SongID]SongDescriptor{},
		Overrides: map[songcdn.SongID]OverrideEntry{},
		BuiltAt:   time.Now(),
	})
	return s
}

// Snapshot returns the current point-in-time view.
func (s *Store) Snapshot() *Snapshot {
	return s.snap.Load()
}

// Resolve looks up the current byte source for a song. It never blocks on
// network or disk.
func (s *Store) Resolve(id songcdn.SongID) (ResolvedSource, error) {
	snap := s.snap.Load()

	if ov, ok := snap.Overrides[id]; ok {
		return ResolvedSource{Kind: SourceLocal, Path: ov.Path}, nil
	}

	desc, ok := snap.Songs[id]
	if !ok {
		return ResolvedSource{}, songcdn.ErrNotFound
	}
	return ResolvedSource{
		Kind:      SourceRemote,
		OriginURL: desc.OriginURL,
		Checksum:  desc.Checksum,
	}, nil
}

// Descriptor returns the upstream descriptor for a song, if any. Callers
// that need variant lists or checksums use this alongside Resolve.
func (s *Store) Descriptor(id songcdn.SongID) (SongDescriptor, bool) {
	desc, ok := s.snap.Load().Songs[id]
	return desc, ok
}

// SetSongs replaces the descriptor table wholesale, preserving the
// override snapshot.
func (s *Store) SetSongs(songs []SongDescriptor) {
	s.mu.Lock()
	defer s.mu.Unlock()

	table := make(map[songcdn.SongID]SongDescriptor, len(songs))
	for _, d := range songs {
		table[d.ID] = d
	}

	old := s.snap.Load()
	s.snap.Store(&Snapshot{
		Songs:     table,
		Overrides: old.Overrides,
		BuiltAt:   time.Now(),
	})
	telemetry.UpdateCatalogState(context.Background(), len(table), len(old.Overrides))
	s.logger.Debug("descriptor table replaced", "songs", len(table))
}

// SetOverrides replaces the override snapshot wholesale, preserving the
// descriptor table.
func (s *Store) SetOverrides(overrides map[songcdn.SongID]OverrideEntry) {
	s.mu.Lock()
	defer s.mu.Unlock()

	copied := make(map[songcdn.SongID]OverrideEntry, len(overrides))
	for id, ov := range overrides {
		copied[id] = ov
	}

	old := s.snap.Load()
	s.snap.Store(&Snapshot{
		Songs:     old.Songs,
		Overrides: copied,
		BuiltAt:   time.Now(),
	})
	telemetry.UpdateCatalogState(context.Background(), len(old.Songs), len(copied))
	s.logger.Debug("override snapshot replaced", "overrides", len(copied))
}
