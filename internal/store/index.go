package store

import (
	"context"
	"encoding/json"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/TobiSchelling/wikicache/internal/title"
)

// IndexEntry summarizes one stored article.
type IndexEntry struct {
	Title        title.Title
	DisplayTitle string
	Description  string
	LastModified time.Time
	CachedAt     time.Time
}

// Index lists the stored articles. It rescans the disk lazily, after an
// article was saved or removed.
type Index struct {
	store *Store

	mu      sync.Mutex
	built   bool
	version uint64
	entries []IndexEntry
}

// Index returns the store's article index.
func (s *Store) Index() *Index { return s.index }

// Version changes whenever an article is saved, imported or removed.
func (x *Index) Version() uint64 { return x.store.indexVersion.Load() }

// Entries returns every stored article. A failed rescan is logged and the
// previous result returned.
func (x *Index) Entries() []IndexEntry {
	entries, err := x.Refresh(context.Background())
	if err != nil {
		x.store.log.Warn("article index scan failed", "error", err)
	}
	return entries
}

// Refresh rescans the disk if the index is out of date.
func (x *Index) Refresh(ctx context.Context) ([]IndexEntry, error) {
	x.mu.Lock()
	defer x.mu.Unlock()

	v := x.Version()
	if x.built && x.version == v {
		return x.entries, nil
	}
	entries, err := x.store.scanArticles(ctx)
	if err != nil {
		return x.entries, err
	}
	x.entries, x.version, x.built = entries, v, true
	return entries, nil
}

// indexRecord decodes only the fields the index needs.
type indexRecord struct {
	Title        title.Title `json:"title"`
	DisplayTitle string      `json:"displaytitle"`
	Description  string      `json:"description"`
	LastModified time.Time   `json:"lastmodified"`
}

func (s *Store) scanArticles(ctx context.Context) ([]IndexEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sites, err := os.ReadDir(s.abs(sitesDir))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, ioError("scan articles", sitesDir, err)
	}

	var out []IndexEntry
	for _, site := range sites {
		articles, err := os.ReadDir(s.abs(filepath.Join(sitesDir, site.Name(), articlesDir)))
		if err != nil {
			continue
		}
		for _, dir := range articles {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			rel := filepath.Join(sitesDir, site.Name(), articlesDir, dir.Name(), articleFile)
			path := s.abs(rel)
			info, err := os.Stat(path)
			if err != nil {
				continue
			}
			data, err := os.ReadFile(path)
			if err != nil {
				return nil, ioError("scan articles", rel, err)
			}
			var rec indexRecord
			if err := json.Unmarshal(data, &rec); err != nil || rec.Title.IsZero() {
				s.log.Warn("skipping unreadable article", "path", rel, "error", err)
				continue
			}
			out = append(out, IndexEntry{
				Title:        rec.Title,
				DisplayTitle: rec.DisplayTitle,
				Description:  rec.Description,
				LastModified: rec.LastModified,
				CachedAt:     info.ModTime().UTC(),
			})
		}
	}
	return out, nil
}
