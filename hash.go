package songcdn

import (
	"encoding/hex"
	"fmt"
	"io"

	"github.com/zeebo/blake3"
)

// HashSize is the size of a BLAKE3 hash in bytes (256 bits).
const HashSize = 32

// Hash is a BLAKE3 256-bit digest. Cache artifacts record one at fill
// completion so integrity survives a restart; cache file names are derived
// from the hash of the key.
type Hash [HashSize]byte

// String returns the hex-encoded representation of the hash.
func (h Hash) String() string {
	return hex.EncodeToString(h[:])
}

// ShortString returns a shortened hex representation for display.
func (h Hash) ShortString() string {
	return hex.EncodeToString(h[:8])
}

// IsZero returns true if the hash is all zeros (uninitialized).
func (h Hash) IsZero() bool {
	return h == Hash{}
}

// MarshalText implements encoding.TextMarshaler.
func (h Hash) MarshalText() ([]byte, error) {
	return []byte(h.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (h *Hash) UnmarshalText(text []byte) error {
	if len(text) != HashSize*2 {
		return fmt.Errorf("invalid hash length: expected %d hex chars, got %d", HashSize*2, len(text))
	}
	_, err := hex.Decode(h[:], text)
	return err
}

// ParseHash parses a hex-encoded hash string.
func ParseHash(s string) (Hash, error) {
	var h Hash
	if err := h.UnmarshalText([]byte(s)); err != nil {
		return Hash{}, err
	}
	return h, nil
}

// HashBytes computes the BLAKE3 hash of the given bytes.
func HashBytes(data []byte) Hash {
	return Hash(blake3.Sum256(data))
}

// HashingWriter wraps a writer and computes the hash as data is written.
// The fill path uses it to digest an artifact in the same pass that
// materializes it.
type HashingWriter struct {
	w io.Writer
	h *blake3.Hasher
	n int64
}

// NewHashingWriter creates a writer that computes a hash as data is written.
func NewHashingWriter(w io.Writer) *HashingWriter {
	return &HashingWriter{
		w: w,
		h: blake3.New(),
	}
}

// Write implements io.Writer.
func (hw *HashingWriter) Write(p []byte) (int, error) {
	n, err := hw.w.Write(p)
	if n > 0 {
		hw.h.Write(p[:n])
		hw.n += int64(n)
	}
	return n, err
}

// Sum returns the hash of all data written so far.
func (hw *HashingWriter) Sum() Hash {
	var hash Hash
	hw.h.Sum(hash[:0])
	return hash
}

// BytesWritten returns the total number of bytes written.
func (hw *HashingWriter) BytesWritten() int64 {
	return hw.n
}
