package catalog

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"

	songcdn "github.com/wannadance/songcdn"
)

func TestParseDescriptorsSkipsMalformed(t *testing.T) {
	data := []byte(`[
		{"id": 1, "title": "ok", "url": "http://origin/1.mp4"},
		{"id": "oops", "url": "http://origin/2.mp4"},
		{"id": 3, "title": "no url"},
		{"id": 4, "title": "also ok", "url": "http://origin/4.mp4", "checksum": "abcd"}
	]`)

	songs, err := ParseDescriptors(data, nil)
	require.NoError(t, err)
	require.Len(t, songs, 2)
	require.Equal(t, songcdn.SongID(1), songs[0].ID)
	require.Equal(t, songcdn.SongID(4), songs[1].ID)
	require.Equal(t, "abcd", songs[1].Checksum)
}

func TestParseDescriptorsRejectsNonArray(t *testing.T) {
	_, err := ParseDescriptors([]byte(`{"id": 1}`), nil)
	require.Error(t, err)
}

func TestRefresherReplacesTable(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`[{"id": 1, "title": "one", "url": "http://origin/1.mp4"}]`))
	}))
	defer upstream.Close()

	store := NewStore()
	r := NewRefresher(store, upstream.URL)

	require.NoError(t, r.Refresh(context.Background()))

	src, err := store.Resolve(1)
	require.NoError(t, err)
	require.Equal(t, "http://origin/1.mp4", src.OriginURL)
}

func TestRefresherUpstreamError(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer upstream.Close()

	store := NewStore()
	store.SetSongs([]SongDescriptor{{ID: 5, OriginURL: "http://origin/5.mp4"}})

	r := NewRefresher(store, upstream.URL)
	require.Error(t, r.Refresh(context.Background()))

	// The last known-good table keeps serving.
	_, err := store.Resolve(5)
	require.NoError(t, err)
}

func TestRefresherPersistRoundTrip(t *testing.T) {
	var hits atomic.Int64
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		_, _ = w.Write([]byte(`[{"id": 2, "title": "two", "url": "http://origin/2.mp4"}]`))
	}))
	defer upstream.Close()

	path := filepath.Join(t.TempDir(), "catalog.json.zst")

	store := NewStore()
	r := NewRefresher(store, upstream.URL, WithPersistPath(path))
	require.NoError(t, r.Refresh(context.Background()))
	require.EqualValues(t, 1, hits.Load())

	// A fresh store loads the persisted table without touching upstream.
	store2 := NewStore()
	r2 := NewRefresher(store2, upstream.URL, WithPersistPath(path))
	require.NoError(t, r2.Load())
	require.EqualValues(t, 1, hits.Load())

	src, err := store2.Resolve(2)
	require.NoError(t, err)
	require.Equal(t, "http://origin/2.mp4", src.OriginURL)
}

func TestRefresherLoadMissingFile(t *testing.T) {
	store := NewStore()
	r := NewRefresher(store, "http://unused", WithPersistPath(filepath.Join(t.TempDir(), "missing.zst")))
	require.NoError(t, r.Load())
}

func TestIndexGrouping(t *testing.T) {
	store := NewStore()
	store.SetSongs([]SongDescriptor{
		{ID: 3, Title: "c", Category: "FitDance", OriginURL: "u3"},
		{ID: 1, Title: "a", Category: "K-Pop", OriginURL: "u1"},
		{ID: 2, Title: "b", Category: "FitDance", OriginURL: "u2"},
	})

	idx := store.Index()
	require.NotZero(t, idx.UpdatedAt)
	require.Len(t, idx.Categories, 3)

	require.Equal(t, "All Songs", idx.Categories[0].Title)
	require.Len(t, idx.Categories[0].Entries, 3)
	// Sorted by id.
	require.Equal(t, songcdn.SongID(1), idx.Categories[0].Entries[0].ID)
	require.Equal(t, songcdn.SongID(3), idx.Categories[0].Entries[2].ID)

	// Categories sorted by title after the aggregate.
	require.Equal(t, "FitDance", idx.Categories[1].Title)
	require.Len(t, idx.Categories[1].Entries, 2)
	require.Equal(t, "K-Pop", idx.Categories[2].Title)
}
