package catalog

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/zstd"
)

// saveDescriptors writes the descriptor table to path as zstd-compressed
// JSON. The write is atomic: temp file in the same directory, fsync,
// rename.
func saveDescriptors(path string, songs []SongDescriptor) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("creating directory %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, ".tmp-catalog-*")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	tmpPath := tmp.Name()

	success := false
	defer func() {
		if !success {
			_ = tmp.Close()
			_ = os.Remove(tmpPath)
		}
	}()

	enc, err := zstd.NewWriter(tmp)
	if err != nil {
		return fmt.Errorf("creating zstd writer: %w", err)
	}
	if err := json.NewEncoder(enc).Encode(songs); err != nil {
		return fmt.Errorf("encoding catalog: %w", err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("flushing zstd stream: %w", err)
	}

	if err := tmp.Sync(); err != nil {
		return fmt.Errorf("syncing file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing temp file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("renaming temp file: %w", err)
	}

	success = true
	return nil
}

// loadDescriptors reads a descriptor table persisted by saveDescriptors.
// A missing file returns (nil, nil): a cold start is not an error.
func loadDescriptors(path string) ([]SongDescriptor, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("opening catalog file: %w", err)
	}
	defer func() { _ = f.Close() }()

	dec, err := zstd.NewReader(f)
	if err != nil {
		return nil, fmt.Errorf("creating zstd reader: %w", err)
	}
	defer dec.Close()

	var songs []SongDescriptor
	if err := json.NewDecoder(dec).Decode(&songs); err != nil {
		return nil, fmt.Errorf("decoding catalog file: %w", err)
	}
	return songs, nil
}
