// Package overrides watches the operator's staging directory and publishes
// "song id -> local file" snapshots to the catalog.
package overrides

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"

	songcdn "github.com/wannadance/songcdn"
	"github.com/wannadance/songcdn/catalog"
)

// DefaultDebounce is the quiet window after the last filesystem event
// before the snapshot is republished. Large file copies emit bursts of
// writes; republishing on each would thrash the catalog.
const DefaultDebounce = 500 * time.Millisecond

// Publisher receives override snapshots. *catalog.Store satisfies it.
type Publisher interface {
	SetOverrides(map[songcdn.SongID]catalog.OverrideEntry)
}

// Watcher monitors the override directory tree.
type Watcher struct {
	root     string
	publish  Publisher
	debounce time.Duration
	logger   *slog.Logger
}

// Option configures a Watcher.
type Option func(*Watcher)

// WithDebounce sets the event coalescing window.
func WithDebounce(d time.Duration) Option {
	return func(w *Watcher) {
		w.debounce = d
	}
}

// WithLogger sets the logger for the watcher.
func WithLogger(logger *slog.Logger) Option {
	return func(w *Watcher) {
		w.logger = logger
	}
}

// New creates a watcher over root publishing to publish.
func New(root string, publish Publisher, opts ...Option) *Watcher {
	w := &Watcher{
		root:     root,
		publish:  publish,
		debounce: DefaultDebounce,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Run publishes the initial snapshot and then watches until ctx is done.
// Watch errors are logged and watching resumes; the catalog keeps serving
// the last published snapshot throughout.
func (w *Watcher) Run(ctx context.Context) error {
	if err := os.MkdirAll(w.root, 0755); err != nil {
		return fmt.Errorf("creating override directory: %w", err)
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating fs watcher: %w", err)
	}
	defer func() { _ = fw.Close() }()

	w.rescan(fw)

	// The timer is armed by events and fires after a quiet window.
	timer := time.NewTimer(w.debounce)
	if !timer.Stop() {
		<-timer.C
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case ev, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if !relevant(ev) {
				continue
			}
			w.logger.Debug("override event", "op", ev.Op.String(), "path", ev.Name)
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(w.debounce)

		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("override watch error", "error", err)

		case <-timer.C:
			w.rescan(fw)
		}
	}
}

// relevant filters out chmod-only noise.
func relevant(ev fsnotify.Event) bool {
	return ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) != 0
}

// rescan rebuilds the snapshot from disk, republishes it, and refreshes
// the watch set. fsnotify does not recurse, so every subdirectory is
// (re)added explicitly; Add on an already-watched path is a no-op.
func (w *Watcher) rescan(fw *fsnotify.Watcher) {
	snapshot, dirs, err := Scan(w.root)
	if err != nil {
		w.logger.Warn("override scan failed", "error", err)
		return
	}

	for _, dir := range dirs {
		if err := fw.Add(dir); err != nil {
			w.logger.Warn("failed to watch directory", "dir", dir, "error", err)
		}
	}

	w.publish.SetOverrides(snapshot)
	w.logger.Info("override snapshot published", "overrides", len(snapshot))
}

// Scan walks root and builds the override snapshot. Two layouts are
// recognized: a top-level "<id>.mp4" file, and a "<id>/video.mp4"
// subdirectory. The subdirectory form wins when both exist. It also
// returns every directory found, for the watch set.
func Scan(root string) (map[songcdn.SongID]catalog.OverrideEntry, []string, error) {
	entries := map[songcdn.SongID]catalog.OverrideEntry{}
	dirs := []string{root}

	list, err := os.ReadDir(root)
	if err != nil {
		return nil, nil, fmt.Errorf("reading override directory: %w", err)
	}

	for _, de := range list {
		name := de.Name()
		path := filepath.Join(root, name)

		if de.IsDir() {
			dirs = append(dirs, path)
			id, err := songcdn.ParseSongID(name)
			if err != nil {
				continue
			}
			video := filepath.Join(path, "video.mp4")
			info, err := os.Stat(video)
			if err != nil || info.IsDir() {
				continue
			}
			entries[id] = catalog.OverrideEntry{ID: id, Path: video, ModTime: info.ModTime()}
			continue
		}

		base, ok := strings.CutSuffix(name, ".mp4")
		if !ok {
			continue
		}
		id, err := songcdn.ParseSongID(base)
		if err != nil {
			continue
		}
		if _, taken := entries[id]; taken {
			continue
		}
		info, err := de.Info()
		if err != nil {
			continue
		}
		entries[id] = catalog.OverrideEntry{ID: id, Path: path, ModTime: info.ModTime()}
	}

	return entries, dirs, nil
}
