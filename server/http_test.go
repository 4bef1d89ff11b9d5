package server

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/wannadance/songcdn/catalog"

	songcdn "github.com/wannadance/songcdn"
)

type testFixture struct {
	server *Server
	origin *httptest.Server

	mu         sync.Mutex
	originHits int
}

func (f *testFixture) hits() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.originHits
}

func newFixture(t *testing.T, content []byte) *testFixture {
	t.Helper()

	f := &testFixture{}
	f.origin = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		f.originHits++
		f.mu.Unlock()
		http.ServeContent(w, r, "song.mp4", time.Now(), bytes.NewReader(content))
	}))
	t.Cleanup(f.origin.Close)

	sum := md5.Sum(content)

	srv, err := New(Config{
		Address:  "127.0.0.1:0",
		CacheDir: t.TempDir(),
		Logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	})

	srv.catalog.SetSongs([]catalog.SongDescriptor{
		{
			ID:        100,
			Title:     "Test Song",
			Category:  "Test",
			OriginURL: f.origin.URL + "/100.mp4",
			Checksum:  hex.EncodeToString(sum[:]),
		},
	})

	f.server = srv
	return f
}

func (f *testFixture) do(req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(rec, req)
	return rec
}

func testContent(n int) []byte {
	buf := make([]byte, n)
	rand.New(rand.NewSource(7)).Read(buf)
	return buf
}

func TestVideoDeliveryFillThenHit(t *testing.T) {
	content := testContent(64 << 10)
	f := newFixture(t, content)

	rec := f.do(httptest.NewRequest(http.MethodGet, "/api/v1/videos/100.mp4", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, content, rec.Body.Bytes())
	require.Equal(t, "video/mp4", rec.Header().Get("Content-Type"))
	require.NotEmpty(t, rec.Header().Get("X-Request-ID"))

	rec = f.do(httptest.NewRequest(http.MethodGet, "/api/v1/videos/100.mp4", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, content, rec.Body.Bytes())

	require.Equal(t, 1, f.hits(), "second request should be served from cache")
}

func TestVideoUnknownSong(t *testing.T) {
	f := newFixture(t, testContent(128))

	rec := f.do(httptest.NewRequest(http.MethodGet, "/api/v1/videos/999.mp4", nil))
	require.Equal(t, http.StatusNotFound, rec.Code)
	require.Equal(t, 0, f.hits())
}

func TestVideoMalformedName(t *testing.T) {
	f := newFixture(t, testContent(128))

	for _, name := range []string{"abc.mp4", "100.webm", "100", "-1.mp4"} {
		rec := f.do(httptest.NewRequest(http.MethodGet, "/api/v1/videos/"+name, nil))
		require.Equal(t, http.StatusUnprocessableEntity, rec.Code, "name %q", name)
	}
}

func TestVideoRangeOnCachedArtifact(t *testing.T) {
	content := testContent(32 << 10)
	f := newFixture(t, content)

	rec := f.do(httptest.NewRequest(http.MethodGet, "/api/v1/videos/100.mp4", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/videos/100.mp4", nil)
	req.Header.Set("Range", "bytes=100-299")
	rec = f.do(req)
	require.Equal(t, http.StatusPartialContent, rec.Code)
	require.Equal(t, content[100:300], rec.Body.Bytes())
	require.Equal(t, fmt.Sprintf("bytes 100-299/%d", len(content)), rec.Header().Get("Content-Range"))
}

func TestVideoRangeMissPassesThrough(t *testing.T) {
	content := testContent(16 << 10)
	f := newFixture(t, content)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/videos/100.mp4", nil)
	req.Header.Set("Range", "bytes=0-99")
	rec := f.do(req)
	require.Equal(t, http.StatusPartialContent, rec.Code)
	require.Equal(t, content[:100], rec.Body.Bytes())
	require.NotEmpty(t, rec.Header().Get("Content-Range"))

	// The ranged miss went straight to the origin and cached nothing.
	rec = f.do(httptest.NewRequest(http.MethodGet, "/api/v1/videos/100.mp4", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, 2, f.hits())
}

func TestVideoHead(t *testing.T) {
	content := testContent(4 << 10)
	f := newFixture(t, content)

	rec := f.do(httptest.NewRequest(http.MethodGet, "/api/v1/videos/100.mp4", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(httptest.NewRequest(http.MethodHead, "/api/v1/videos/100.mp4", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Zero(t, rec.Body.Len())
	require.Equal(t, "video/mp4", rec.Header().Get("Content-Type"))
	require.Equal(t, fmt.Sprintf("%d", len(content)), rec.Header().Get("Content-Length"))
}

func TestSongsIndex(t *testing.T) {
	f := newFixture(t, testContent(128))

	rec := f.do(httptest.NewRequest(http.MethodGet, "/api/v1/songs", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var idx catalog.Index
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &idx))
}

func TestRefreshWithoutUpstream(t *testing.T) {
	f := newFixture(t, testContent(128))

	rec := f.do(httptest.NewRequest(http.MethodPost, "/api/v1/refresh", nil))
	require.Equal(t, http.StatusConflict, rec.Code)
}

func TestRefreshPullsCatalog(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`[
			{"id": 1, "title": "One", "categoryName": "Test", "url": "http://origin/1.mp4"},
			{"id": 2, "title": "Two", "categoryName": "Test", "url": "http://origin/2.mp4"}
		]`))
	}))
	defer upstream.Close()

	srv, err := New(Config{
		Address:    "127.0.0.1:0",
		CacheDir:   t.TempDir(),
		CatalogURL: upstream.URL,
		Logger:     slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	require.NoError(t, err)
	defer func() { _ = srv.Shutdown(context.Background()) }()

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v1/refresh", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	snap := srv.catalog.Snapshot()
	require.Len(t, snap.Songs, 2)
}

type recordingNotifier struct {
	mu  sync.Mutex
	ids []songcdn.SongID
}

func (n *recordingNotifier) NowPlaying(_ context.Context, id songcdn.SongID, _ string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.ids = append(n.ids, id)
	return nil
}

func TestPlayingNotifies(t *testing.T) {
	notifier := &recordingNotifier{}

	srv, err := New(Config{
		Address:  "127.0.0.1:0",
		CacheDir: t.TempDir(),
		Notifier: notifier,
		Logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	require.NoError(t, err)
	defer func() { _ = srv.Shutdown(context.Background()) }()

	srv.catalog.SetSongs([]catalog.SongDescriptor{
		{ID: 42, Title: "Played", Category: "Test", OriginURL: "http://origin/42.mp4"},
	})

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v1/playing",
		strings.NewReader(`{"id": 42}`)))
	require.Equal(t, http.StatusNoContent, rec.Code)
	require.Equal(t, []songcdn.SongID{42}, notifier.ids)

	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v1/playing",
		strings.NewReader(`{"id": 999}`)))
	require.Equal(t, http.StatusNotFound, rec.Code)

	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v1/playing",
		strings.NewReader(`not json`)))
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
}

func TestHealth(t *testing.T) {
	f := newFixture(t, testContent(128))

	rec := f.do(httptest.NewRequest(http.MethodGet, "/health", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}

func TestStats(t *testing.T) {
	content := testContent(8 << 10)
	f := newFixture(t, content)

	rec := f.do(httptest.NewRequest(http.MethodGet, "/api/v1/videos/100.mp4", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(httptest.NewRequest(http.MethodGet, "/stats", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var stats statsResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &stats))
	require.Equal(t, 1, stats.Cache.Entries)
	require.Equal(t, int64(len(content)), stats.Cache.TotalBytes)
	require.Equal(t, 1, stats.Songs)
}

func TestRequestIDPassthrough(t *testing.T) {
	f := newFixture(t, testContent(128))

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("X-Request-ID", "req-abc-123")
	rec := f.do(req)
	require.Equal(t, "req-abc-123", rec.Header().Get("X-Request-ID"))
}

func TestRealIP(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "10.0.0.9:4242"
	require.Equal(t, "10.0.0.9", realIP(req))

	req.Header.Set("X-Forwarded-For", "203.0.113.7, 10.0.0.1")
	require.Equal(t, "203.0.113.7", realIP(req))

	req.Header.Set("X-Real-IP", "198.51.100.2")
	require.Equal(t, "198.51.100.2", realIP(req))
}

func TestParseRange(t *testing.T) {
	tests := []struct {
		header  string
		want    string
		wantErr bool
	}{
		{header: "", want: "<nil>"},
		{header: "bytes=0-499", want: "0-499"},
		{header: "bytes=500-", want: "500-open"},
		{header: "bytes=-500", want: "<nil>"},
		{header: "bytes=0-99,200-299", wantErr: true},
		{header: "items=0-10", wantErr: true},
		{header: "bytes=200-100", wantErr: true},
		{header: "bytes=x-10", wantErr: true},
	}
	for _, tt := range tests {
		r, err := parseRange(tt.header)
		if tt.wantErr {
			require.Error(t, err, "header %q", tt.header)
			continue
		}
		require.NoError(t, err, "header %q", tt.header)
		switch {
		case r == nil:
			require.Equal(t, "<nil>", tt.want, "header %q", tt.header)
		case r.End < 0:
			require.Equal(t, fmt.Sprintf("%d-open", r.Start), tt.want, "header %q", tt.header)
		default:
			require.Equal(t, fmt.Sprintf("%d-%d", r.Start, r.End), tt.want, "header %q", tt.header)
		}
	}
}

type syncBuffer struct {
	mu sync.Mutex
	b  bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.b.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.b.String()
}

func TestShutdownDoesNotLogWatcherError(t *testing.T) {
	var buf syncBuffer

	srv, err := New(Config{
		Address:      "127.0.0.1:0",
		CacheDir:     t.TempDir(),
		OverridesDir: t.TempDir(),
		Logger:       slog.New(slog.NewTextHandler(&buf, nil)),
	})
	require.NoError(t, err)

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()
	time.Sleep(100 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, srv.Shutdown(ctx))
	require.ErrorIs(t, <-errCh, http.ErrServerClosed)

	time.Sleep(50 * time.Millisecond)
	require.NotContains(t, buf.String(), "override watcher stopped")
}
