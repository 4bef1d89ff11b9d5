package origin

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	songcdn "github.com/wannadance/songcdn"
)

func TestFetchSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "video/mp4")
		_, _ = w.Write([]byte("mp4 bytes"))
	}))
	defer srv.Close()

	f := New()
	resp, err := f.Fetch(context.Background(), srv.URL, nil)
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.Status)
	require.Equal(t, "video/mp4", resp.ContentType)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.Equal(t, []byte("mp4 bytes"), body)
}

func TestFetchRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_, _ = w.Write([]byte("eventually"))
	}))
	defer srv.Close()

	f := New()
	resp, err := f.Fetch(context.Background(), srv.URL, nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.EqualValues(t, 3, calls.Load())
}

func TestFetchExhaustsRetries(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	f := New()
	_, err := f.Fetch(context.Background(), srv.URL, nil)
	require.ErrorIs(t, err, songcdn.ErrOriginUnavailable)
	require.EqualValues(t, maxAttempts, calls.Load())
}

func TestFetchNotFoundIsTerminal(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.NotFound(w, r)
	}))
	defer srv.Close()

	f := New()
	_, err := f.Fetch(context.Background(), srv.URL, nil)
	require.ErrorIs(t, err, songcdn.ErrNotFound)
	require.EqualValues(t, 1, calls.Load(), "4xx must not be retried")
}

func TestFetchForbiddenIsTerminal(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	f := New()
	_, err := f.Fetch(context.Background(), srv.URL, nil)
	require.ErrorIs(t, err, songcdn.ErrOriginUnavailable)
}

func TestFetchRange(t *testing.T) {
	content := []byte("0123456789abcdef")
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "bytes=4-9", r.Header.Get("Range"))
		w.Header().Set("Content-Range", "bytes 4-9/16")
		w.WriteHeader(http.StatusPartialContent)
		_, _ = w.Write(content[4:10])
	}))
	defer srv.Close()

	f := New()
	resp, err := f.Fetch(context.Background(), srv.URL, &ByteRange{Start: 4, End: 9})
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusPartialContent, resp.Status)
	require.Equal(t, "bytes 4-9/16", resp.ContentRange)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.Equal(t, content[4:10], body)
}

func TestByteRangeHeader(t *testing.T) {
	require.Equal(t, "bytes=0-99", ByteRange{Start: 0, End: 99}.Header())
	require.Equal(t, "bytes=500-", ByteRange{Start: 500, End: -1}.Header())
}

func TestFetchHonorsContextDuringBackoff(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	f := New()
	_, err := f.Fetch(ctx, srv.URL, nil)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestFetchRateLimited(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("ok"))
	}))
	defer srv.Close()

	// 1 token available, then 10 rps: the second fetch waits ~100ms.
	f := New(WithRateLimit(10, 1))

	start := time.Now()
	for i := 0; i < 2; i++ {
		resp, err := f.Fetch(context.Background(), srv.URL, nil)
		require.NoError(t, err)
		resp.Body.Close()
	}
	require.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
}
