// Package songcdn holds the shared identity, hashing, and error types for
// the song delivery cache engine.
package songcdn

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// SongID is the stable external key for a song in the catalog.
type SongID uint32

// ParseSongID parses a decimal song id string.
func ParseSongID(s string) (SongID, error) {
	n, err := strconv.ParseUint(s, 10, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid song id %q: %w", s, err)
	}
	return SongID(n), nil
}

// String returns the decimal form of the id.
func (id SongID) String() string {
	return strconv.FormatUint(uint64(id), 10)
}

// Variant names a delivery rendition of a song's video.
type Variant string

// VariantSource is the unconverted origin rendition. Serving it never
// involves the transcode pool.
const VariantSource Variant = "source"

// ScaleHeight returns the target vertical resolution for variants of the
// form "<height>p" ("720p" -> 720). Returns 0, false for VariantSource or
// anything it cannot parse.
func (v Variant) ScaleHeight() (int, bool) {
	s, ok := strings.CutSuffix(string(v), "p")
	if !ok {
		return 0, false
	}
	h, err := strconv.Atoi(s)
	if err != nil || h <= 0 {
		return 0, false
	}
	return h, true
}

// CacheKey identifies one stored artifact. Two variants of the same song
// are independent entries.
type CacheKey struct {
	ID      SongID
	Variant Variant
}

// String returns the canonical "id/variant" form used in logs and as the
// fill deduplication key.
func (k CacheKey) String() string {
	return k.ID.String() + "/" + string(k.Variant)
}

// StorageName returns the deterministic on-disk name for the artifact,
// sharded by the first hash byte: "ab/abcdef….mp4". A restart can map a
// directory scan back to keys via the metadata index.
func (k CacheKey) StorageName() string {
	h := HashBytes([]byte(k.String()))
	hex := h.String()
	return hex[:2] + "/" + hex + ".mp4"
}

// ParseCacheKey parses the "id/variant" form produced by CacheKey.String.
func ParseCacheKey(s string) (CacheKey, error) {
	idStr, variant, ok := strings.Cut(s, "/")
	if !ok || variant == "" {
		return CacheKey{}, fmt.Errorf("invalid cache key %q", s)
	}
	id, err := ParseSongID(idStr)
	if err != nil {
		return CacheKey{}, fmt.Errorf("invalid cache key %q: %w", s, err)
	}
	return CacheKey{ID: id, Variant: Variant(variant)}, nil
}

// Error taxonomy for the delivery path. The transport layer translates
// these into client-visible responses; everything else is a 500.
var (
	// ErrNotFound means the song id is unknown to the catalog, or the
	// requested variant is not offered for it.
	ErrNotFound = errors.New("song not found")

	// ErrOriginUnavailable means the origin fetch exhausted its retries.
	ErrOriginUnavailable = errors.New("origin unavailable")

	// ErrChecksumMismatch means origin content disagreed with the catalog
	// checksum. Logged as a catalog integrity issue, never retried.
	ErrChecksumMismatch = errors.New("origin checksum mismatch")

	// ErrTranscodeFailed means the conversion worker failed; the shared
	// fill is aborted and every subscriber observes this.
	ErrTranscodeFailed = errors.New("transcode failed")

	// ErrCacheIO means a disk failure during a fill; the entry never
	// reaches Ready.
	ErrCacheIO = errors.New("cache io error")
)
