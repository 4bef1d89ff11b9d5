package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/wannadance/songcdn/cache"
	"github.com/wannadance/songcdn/deliver"
	"github.com/wannadance/songcdn/origin"
	"github.com/wannadance/songcdn/telemetry"

	songcdn "github.com/wannadance/songcdn"
)

// PlayingNotifier receives now-playing notifications from clients. The
// live-production integration (overlays, lighting) plugs in here.
type PlayingNotifier interface {
	NowPlaying(ctx context.Context, id songcdn.SongID, clientIP string) error
}

// NoopNotifier discards notifications.
type NoopNotifier struct{}

func (NoopNotifier) NowPlaying(context.Context, songcdn.SongID, string) error { return nil }

// handleVideo is the delivery path: GET /api/v1/videos/{id}.mp4.
func (s *Server) handleVideo(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "video")

	file := r.PathValue("file")
	idStr, ok := strings.CutSuffix(file, ".mp4")
	if !ok {
		http.Error(w, "unsupported media name", http.StatusUnprocessableEntity)
		return
	}
	id, err := songcdn.ParseSongID(idStr)
	if err != nil {
		http.Error(w, "invalid song id", http.StatusUnprocessableEntity)
		return
	}
	telemetry.SetSongID(r, id.String())

	byteRange, err := parseRange(r.Header.Get("Range"))
	if err != nil {
		http.Error(w, "unsupported range", http.StatusRequestedRangeNotSatisfiable)
		return
	}

	stream, err := s.router.Deliver(r.Context(), deliver.Request{
		ID:      id,
		Variant: songcdn.Variant(r.URL.Query().Get("variant")),
		Range:   byteRange,
		RealIP:  realIP(r),
	})
	if err != nil {
		s.writeDeliverError(w, r, err)
		return
	}
	defer stream.Body.Close()
	telemetry.SetResult(r, string(stream.Result))

	w.Header().Set("Content-Type", stream.ContentType)
	w.Header().Set("Accept-Ranges", "bytes")

	if r.Method == http.MethodHead {
		if stream.Size >= 0 {
			w.Header().Set("Content-Length", strconv.FormatInt(stream.Size, 10))
		}
		return
	}

	// Seekable bodies (override files, completed artifacts) get full
	// range support from ServeContent.
	if rs, ok := stream.Body.(io.ReadSeeker); ok {
		mod := stream.ModTime
		if mod.IsZero() {
			mod = time.Now()
		}
		http.ServeContent(w, r, file, mod, rs)
		return
	}

	s.copyStream(w, r, stream, byteRange)
}

// copyStream serves a non-seekable body: an origin passthrough or a
// filling artifact.
func (s *Server) copyStream(w http.ResponseWriter, r *http.Request, stream *deliver.Stream, byteRange *origin.ByteRange) {
	switch {
	case stream.ContentRange != "":
		// Origin satisfied the range itself.
		w.Header().Set("Content-Range", stream.ContentRange)
		if stream.Size >= 0 {
			w.Header().Set("Content-Length", strconv.FormatInt(stream.Size, 10))
		}
		w.WriteHeader(http.StatusPartialContent)

	case byteRange != nil && byteRange.End >= 0:
		// The artifact is still filling, so the range is satisfied by
		// skipping; total length is unknown until the fill ends.
		if _, err := io.CopyN(io.Discard, stream.Body, byteRange.Start); err != nil {
			s.writeDeliverError(w, r, err)
			return
		}
		w.Header().Set("Content-Range",
			fmt.Sprintf("bytes %d-%d/*", byteRange.Start, byteRange.End))
		w.WriteHeader(http.StatusPartialContent)
		_, err := io.CopyN(w, stream.Body, byteRange.End-byteRange.Start+1)
		s.logStreamEnd(r, err)
		return

	default:
		// Open-ended ranges on a filling artifact are answered with the
		// whole stream; a valid 206 needs a known last byte.
		if stream.Size >= 0 {
			w.Header().Set("Content-Length", strconv.FormatInt(stream.Size, 10))
		}
	}

	_, err := io.Copy(w, stream.Body)
	s.logStreamEnd(r, err)
}

// logStreamEnd treats a write failure on a committed response as a client
// disconnect, not a server error.
func (s *Server) logStreamEnd(r *http.Request, err error) {
	if err == nil {
		return
	}
	s.logger.Debug("response stream ended early",
		"path", r.URL.Path,
		"remote_addr", r.RemoteAddr,
		"error", err,
	)
}

// writeDeliverError maps the error taxonomy onto status codes.
func (s *Server) writeDeliverError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, songcdn.ErrNotFound):
		http.Error(w, "song not found", http.StatusNotFound)
	case errors.Is(err, songcdn.ErrOriginUnavailable),
		errors.Is(err, songcdn.ErrChecksumMismatch):
		http.Error(w, "origin unavailable", http.StatusBadGateway)
	case errors.Is(err, context.Canceled):
		// Client went away; nothing meaningful to send.
	default:
		s.logger.Error("delivery failed", "path", r.URL.Path, "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}

// handleSongs serves the category-grouped catalog index.
func (s *Server) handleSongs(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "songs")

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(s.catalog.Index()); err != nil {
		s.logStreamEnd(r, err)
	}
}

// handleRefresh forces a catalog refresh.
func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "refresh")

	if s.refresher == nil {
		http.Error(w, "no catalog upstream configured", http.StatusConflict)
		return
	}
	if err := s.refresher.Refresh(r.Context()); err != nil {
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}

	snap := s.catalog.Snapshot()
	w.Header().Set("Content-Type", "application/json")
	_, _ = fmt.Fprintf(w, `{"status":"ok","songs":%d}`+"\n", len(snap.Songs))
}

// playingRequest is the now-playing notification body.
type playingRequest struct {
	ID songcdn.SongID `json:"id"`
}

// handlePlaying accepts a "song X started playing" notification and
// forwards it to the configured notifier.
func (s *Server) handlePlaying(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "playing")

	var req playingRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 4096)).Decode(&req); err != nil {
		http.Error(w, "invalid notification", http.StatusUnprocessableEntity)
		return
	}
	telemetry.SetSongID(r, req.ID.String())

	if _, err := s.catalog.Resolve(req.ID); err != nil {
		http.Error(w, "song not found", http.StatusNotFound)
		return
	}

	if err := s.notifier.NowPlaying(r.Context(), req.ID, realIP(r)); err != nil {
		s.logger.Warn("now-playing notification failed", "song_id", req.ID.String(), "error", err)
		http.Error(w, "notification failed", http.StatusBadGateway)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// handleHealth handles health check requests.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "health")

	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

// statsResponse is the /stats body.
type statsResponse struct {
	Cache     cache.Stats `json:"cache"`
	Songs     int         `json:"songs"`
	Overrides int         `json:"overrides"`
}

// handleStats handles cache statistics requests.
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "stats")

	st, err := s.cache.GetStats()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	snap := s.catalog.Snapshot()

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(statsResponse{
		Cache:     st,
		Songs:     len(snap.Songs),
		Overrides: len(snap.Overrides),
	})
}

// parseRange parses a single-range Range header. Multi-range requests
// are rejected; suffix ranges ("bytes=-500") are not supported by this
// service and are served in full by ignoring the header.
func parseRange(h string) (*origin.ByteRange, error) {
	if h == "" {
		return nil, nil
	}
	spec, ok := strings.CutPrefix(h, "bytes=")
	if !ok {
		return nil, fmt.Errorf("unsupported range unit in %q", h)
	}
	if strings.ContainsRune(spec, ',') {
		return nil, fmt.Errorf("multi-range not supported")
	}

	startStr, endStr, ok := strings.Cut(spec, "-")
	if !ok || startStr == "" {
		// Suffix range: let the caller serve the whole body.
		return nil, nil
	}

	start, err := strconv.ParseInt(startStr, 10, 64)
	if err != nil || start < 0 {
		return nil, fmt.Errorf("invalid range start %q", startStr)
	}

	end := int64(-1)
	if endStr != "" {
		end, err = strconv.ParseInt(endStr, 10, 64)
		if err != nil || end < start {
			return nil, fmt.Errorf("invalid range end %q", endStr)
		}
	}
	return &origin.ByteRange{Start: start, End: end}, nil
}
