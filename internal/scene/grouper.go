package scene

import (
	"path/filepath"
)

// ManifestEntry is one file listed in a provider bundle manifest
type ManifestEntry struct {
	FileID   string
	FileName string
}

// Bucket holds the files of one scene in manifest order
type Bucket struct {
	Key   Key
	Files []ManifestEntry
}

// Groups is the result of bucketing a manifest by scene key
type Groups struct {
	buckets []*Bucket
	index   map[Key]*Bucket
	Skipped int
}

// Group buckets manifest entries by (region-id, date). Entries missing either
// component are skipped. Keys and bucket members keep encounter order, so
// the same manifest always yields the same grouping.
func Group(entries []ManifestEntry) *Groups {
	g := &Groups{index: make(map[Key]*Bucket)}

	for _, e := range entries {
		name := filepath.Base(e.FileName)
		key, ok := ExtractKey(name)
		if !ok {
			g.Skipped++
			continue
		}

		b, exists := g.index[key]
		if !exists {
			b = &Bucket{Key: key}
			g.index[key] = b
			g.buckets = append(g.buckets, b)
		}
		b.Files = append(b.Files, ManifestEntry{FileID: e.FileID, FileName: name})
	}

	return g
}

// Buckets returns the scene buckets in first-encounter order
func (g *Groups) Buckets() []*Bucket {
	return g.buckets
}

// Get returns the bucket for a key
func (g *Groups) Get(key Key) (*Bucket, bool) {
	b, ok := g.index[key]
	return b, ok
}

// Len returns the number of distinct scenes
func (g *Groups) Len() int {
	return len(g.buckets)
}
