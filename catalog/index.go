package catalog

import (
	"sort"
	"time"
)

// Category groups songs for the client-facing index.
type Category struct {
	Title   string           `json:"title"`
	Entries []SongDescriptor `json:"entries"`
}

// Index is the client-facing song listing: one "All Songs" group followed
// by the upstream categories sorted by title.
type Index struct {
	UpdatedAt  int64      `json:"updated_at"`
	Categories []Category `json:"categories"`
}

// Index builds the song index from the current snapshot. Songs with a
// local override are still listed from their descriptors; overrides change
// where bytes come from, not what exists.
func (s *Store) Index() Index {
	snap := s.snap.Load()

	all := make([]SongDescriptor, 0, len(snap.Songs))
	for _, d := range snap.Songs {
		all = append(all, d)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].ID < all[j].ID })

	byCategory := map[string][]SongDescriptor{}
	for _, d := range all {
		byCategory[d.Category] = append(byCategory[d.Category], d)
	}

	titles := make([]string, 0, len(byCategory))
	for title := range byCategory {
		titles = append(titles, title)
	}
	sort.Strings(titles)

	categories := make([]Category, 0, len(titles)+1)
	categories = append(categories, Category{Title: "All Songs", Entries: all})
	for _, title := range titles {
		categories = append(categories, Category{Title: title, Entries: byCategory[title]})
	}

	return Index{
		UpdatedAt:  time.Now().Unix(),
		Categories: categories,
	}
}
