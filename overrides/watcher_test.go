package overrides

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	songcdn "github.com/wannadance/songcdn"
	"github.com/wannadance/songcdn/catalog"
)

type capturingPublisher struct {
	mu        sync.Mutex
	snapshots []map[songcdn.SongID]catalog.OverrideEntry
}

func (p *capturingPublisher) SetOverrides(m map[songcdn.SongID]catalog.OverrideEntry) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.snapshots = append(p.snapshots, m)
}

func (p *capturingPublisher) last() (map[songcdn.SongID]catalog.OverrideEntry, int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.snapshots) == 0 {
		return nil, 0
	}
	return p.snapshots[len(p.snapshots)-1], len(p.snapshots)
}

func TestScanLayouts(t *testing.T) {
	root := t.TempDir()

	// Top-level file form.
	require.NoError(t, os.WriteFile(filepath.Join(root, "7.mp4"), []byte("a"), 0644))
	// Subdirectory form.
	require.NoError(t, os.MkdirAll(filepath.Join(root, "9"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "9", "video.mp4"), []byte("b"), 0644))
	// Ignored: not a song id, wrong extension, empty dir.
	require.NoError(t, os.WriteFile(filepath.Join(root, "readme.txt"), []byte("c"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "notanid.mp4"), []byte("d"), 0644))
	require.NoError(t, os.MkdirAll(filepath.Join(root, "11"), 0755))

	snapshot, dirs, err := Scan(root)
	require.NoError(t, err)

	require.Len(t, snapshot, 2)
	require.Equal(t, filepath.Join(root, "7.mp4"), snapshot[7].Path)
	require.Equal(t, filepath.Join(root, "9", "video.mp4"), snapshot[9].Path)
	require.False(t, snapshot[7].ModTime.IsZero())

	// root plus both subdirectories belong to the watch set.
	require.Contains(t, dirs, root)
	require.Contains(t, dirs, filepath.Join(root, "9"))
	require.Contains(t, dirs, filepath.Join(root, "11"))
}

func TestScanSubdirectoryFormWins(t *testing.T) {
	root := t.TempDir()

	require.NoError(t, os.WriteFile(filepath.Join(root, "5.mp4"), []byte("flat"), 0644))
	require.NoError(t, os.MkdirAll(filepath.Join(root, "5"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "5", "video.mp4"), []byte("nested"), 0644))

	snapshot, _, err := Scan(root)
	require.NoError(t, err)
	require.Equal(t, filepath.Join(root, "5", "video.mp4"), snapshot[5].Path)
}

func TestWatcherPublishesOnChange(t *testing.T) {
	root := t.TempDir()
	pub := &capturingPublisher{}

	w := New(root, pub, WithDebounce(50*time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = w.Run(ctx)
	}()

	// Initial snapshot is published immediately and is empty.
	require.Eventually(t, func() bool {
		snap, n := pub.last()
		return n >= 1 && len(snap) == 0
	}, 2*time.Second, 10*time.Millisecond)

	// Stage a file; after the quiet window the new snapshot appears.
	require.NoError(t, os.WriteFile(filepath.Join(root, "3.mp4"), []byte("video"), 0644))
	require.Eventually(t, func() bool {
		snap, _ := pub.last()
		_, ok := snap[3]
		return ok
	}, 2*time.Second, 10*time.Millisecond)

	// Delete it; the id disappears from the next snapshot.
	require.NoError(t, os.Remove(filepath.Join(root, "3.mp4")))
	require.Eventually(t, func() bool {
		snap, _ := pub.last()
		_, ok := snap[3]
		return !ok
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	<-done
}

func TestWatcherCoalescesBursts(t *testing.T) {
	root := t.TempDir()
	pub := &capturingPublisher{}

	w := New(root, pub, WithDebounce(200*time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = w.Run(ctx) }()

	require.Eventually(t, func() bool {
		_, n := pub.last()
		return n >= 1
	}, 2*time.Second, 10*time.Millisecond)
	_, base := pub.last()

	// A burst of writes inside the window republishes once.
	for i := 0; i < 10; i++ {
		require.NoError(t, os.WriteFile(filepath.Join(root, "8.mp4"), []byte{byte(i)}, 0644))
		time.Sleep(5 * time.Millisecond)
	}

	require.Eventually(t, func() bool {
		snap, _ := pub.last()
		_, ok := snap[8]
		return ok
	}, 2*time.Second, 10*time.Millisecond)

	time.Sleep(300 * time.Millisecond)
	_, after := pub.last()
	require.LessOrEqual(t, after-base, 2, "burst should coalesce into at most two republishes")
}
