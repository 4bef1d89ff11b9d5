package catalog

import (
	"encoding/json"
	"fmt"
	"log/slog"

	songcdn "github.com/wannadance/songcdn"
)

// SongDescriptor describes one song as supplied by the upstream catalog.
// The wire form follows the origin's metadata schema.
type SongDescriptor struct {
	ID             songcdn.SongID    `json:"id"`
	Title          string            `json:"title"`
	Category       string            `json:"categoryName"`
	OriginURL      string            `json:"url"`
	Checksum       string            `json:"checksum,omitempty"`
	DefaultVariant songcdn.Variant   `json:"defaultVariant,omitempty"`
	Variants       []songcdn.Variant `json:"variants,omitempty"`
}

// Default returns the variant served when the client does not ask for one.
func (d SongDescriptor) Default() songcdn.Variant {
	if d.DefaultVariant != "" {
		return d.DefaultVariant
	}
	return songcdn.VariantSource
}

// Offers reports whether the descriptor offers the given variant. The
// source variant is always available; an empty variant list means no
// converted renditions are offered.
func (d SongDescriptor) Offers(v songcdn.Variant) bool {
	if v == songcdn.VariantSource || v == d.Default() {
		return true
	}
	for _, have := range d.Variants {
		if have == v {
			return true
		}
	}
	return false
}

func (d SongDescriptor) validate() error {
	if d.ID == 0 {
		return fmt.Errorf("missing song id")
	}
	if d.OriginURL == "" {
		return fmt.Errorf("song %d: missing origin url", d.ID)
	}
	return nil
}

// ParseDescriptors decodes an upstream descriptor list. Malformed entries
// are skipped individually and logged rather than failing the whole
// refresh. Later duplicates of an id win, matching a wholesale replace.
func ParseDescriptors(data []byte, logger *slog.Logger) ([]SongDescriptor, error) {
	if logger == nil {
		logger = slog.Default()
	}

	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("decoding descriptor list: %w", err)
	}

	songs := make([]SongDescriptor, 0, len(raw))
	for i, entry := range raw {
		var d SongDescriptor
		if err := json.Unmarshal(entry, &d); err != nil {
			logger.Warn("skipping malformed catalog entry", "index", i, "error", err)
			continue
		}
		if err := d.validate(); err != nil {
			logger.Warn("skipping invalid catalog entry", "index", i, "error", err)
			continue
		}
		songs = append(songs, d)
	}
	return songs, nil
}
