package store

import (
	"context"
	"encoding/json"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strconv"

	"howett.net/plist"

	"github.com/TobiSchelling/wikicache/internal/title"
)

// FetchArticle returns the article stored for t, or nil if none is. The
// section and image indexes are loaded; section text and image bytes are
// not. The fragment of t is ignored.
func (s *Store) FetchArticle(ctx context.Context, t title.Title) (*Article, error) {
	if a := s.cached(t); a != nil {
		return a, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	// adopt runs under the read lock so a queued RemoveArticle cannot
	// evict between the read and the caching.
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, err := s.readArticle(t)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return s.adopt(a), nil
}

// FetchOrCreateArticle returns the stored article for t, or a new empty
// one marked dirty.
func (s *Store) FetchOrCreateArticle(ctx context.Context, t title.Title) (*Article, error) {
	if err := validateKey(t); err != nil {
		return nil, err
	}
	a, err := s.FetchArticle(ctx, t)
	if err != nil || a != nil {
		return a, err
	}
	a = newArticle(s, t)
	a.dirty = true
	return s.adopt(a), nil
}

// IsCached reports whether metadata for t is on disk, regardless of the
// in-memory cache.
func (s *Store) IsCached(ctx context.Context, t title.Title) (bool, error) {
	path, err := ArticlePath(t)
	if err != nil {
		return false, err
	}
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return fileExists(s.abs(path)), nil
}

// caller holds s.mu
func (s *Store) readArticle(t title.Title) (*Article, error) {
	path, err := ArticlePath(t)
	if err != nil {
		return nil, err
	}
	data, err := s.readStoreFile("read article", path)
	if err != nil {
		return nil, err
	}

	var rec articleRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, corruptError("read article", path, err)
	}

	a := newArticle(s, t)
	a.meta = rec.Metadata
	a.thumbnailURL = rec.ThumbnailURL
	a.imageURL = rec.ImageURL

	if a.sections, err = s.readSections(a.title); err != nil {
		return nil, err
	}
	for _, u := range rec.Images {
		img, err := s.readImage(a.title, u)
		if err != nil {
			return nil, err
		}
		a.images = append(a.images, img)
	}
	return a, nil
}

// caller holds s.mu
func (s *Store) readSections(t title.Title) ([]*Section, error) {
	dir, err := ArticleDir(t)
	if err != nil {
		return nil, err
	}
	dir = filepath.Join(dir, sectionsDir)
	entries, err := os.ReadDir(s.abs(dir))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, ioError("list sections", dir, err)
	}

	var sections []*Section
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		id, err := strconv.Atoi(e.Name())
		if err != nil {
			continue
		}
		path := filepath.Join(dir, e.Name(), sectionFile)
		data, ok, err := readFileIfExists(s.abs(path))
		if err != nil {
			return nil, ioError("read section", path, err)
		}
		if !ok {
			continue
		}
		var rec sectionRecord
		if err := json.Unmarshal(data, &rec); err != nil {
			return nil, corruptError("read section", path, err)
		}
		rec.ID = id
		sections = append(sections, newSection(s, t, rec))
	}
	slices.SortFunc(sections, func(a, b *Section) int { return a.rec.ID - b.rec.ID })
	return sections, nil
}

// caller holds s.mu
func (s *Store) readImage(t title.Title, sourceURL string) (*Image, error) {
	path, err := ImagePath(t, sourceURL)
	if err != nil {
		return nil, corruptError("read image", "", err)
	}
	data, ok, err := readFileIfExists(s.abs(path))
	if err != nil {
		return nil, ioError("read image", path, err)
	}
	if !ok {
		return newImage(s, t, sourceURL), nil
	}
	var rec imageRecord
	if _, err := plist.Unmarshal(data, &rec); err != nil {
		return nil, corruptError("read image", path, err)
	}
	rec.SourceURL = sourceURL
	return imageFromRecord(s, t, rec), nil
}

// SaveArticle writes the article's metadata file. Sections and images are
// saved separately. On success the article becomes the cached instance
// and is no longer dirty, unless it changed while the write was queued.
func (s *Store) SaveArticle(ctx context.Context, a *Article) error {
	path, err := ArticlePath(a.title)
	if err != nil {
		return err
	}
	return s.submit(ctx, "save article", func() error {
		a.mu.RLock()
		rec := a.recordLocked()
		gen := a.gen
		a.mu.RUnlock()

		data, err := json.MarshalIndent(rec, "", "  ")
		if err != nil {
			return corruptError("encode article", path, err)
		}
		if err := writeFileAtomic(s.abs(path), data); err != nil {
			return ioError("save article", path, err)
		}

		a.mu.Lock()
		if a.gen == gen {
			a.dirty = false
		}
		a.mu.Unlock()

		s.replace(a)
		s.notify(Event{Kind: ArticleUpdated, Title: a.title})
		return nil
	})
}

// SaveSection writes a section's metadata file.
func (s *Store) SaveSection(ctx context.Context, sec *Section) error {
	path, err := SectionPath(sec.article, sec.rec.ID)
	if err != nil {
		return err
	}
	data, err := json.MarshalIndent(sec.record(), "", "  ")
	if err != nil {
		return corruptError("encode section", path, err)
	}
	return s.submit(ctx, "save section", func() error {
		if err := writeFileAtomic(s.abs(path), data); err != nil {
			return ioError("save section", path, err)
		}
		s.notify(Event{Kind: ArticleUpdated, Title: sec.article})
		return nil
	})
}

// SaveSectionText writes a section's HTML. An empty html is stored as an
// empty file, which reads back as cached empty text.
func (s *Store) SaveSectionText(ctx context.Context, html string, sec *Section) error {
	path, err := SectionTextPath(sec.article, sec.rec.ID)
	if err != nil {
		return err
	}
	return s.submit(ctx, "save section text", func() error {
		if err := writeFileAtomic(s.abs(path), []byte(html)); err != nil {
			return ioError("save section text", path, err)
		}
		sec.setText(html)
		s.notify(Event{Kind: ArticleUpdated, Title: sec.article})
		return nil
	})
}

// SaveImage writes an image's metadata file.
func (s *Store) SaveImage(ctx context.Context, img *Image) error {
	path, err := ImagePath(img.article, img.rec.SourceURL)
	if err != nil {
		return err
	}
	data, err := plist.Marshal(img.record(), plist.XMLFormat)
	if err != nil {
		return corruptError("encode image", path, err)
	}
	return s.submit(ctx, "save image", func() error {
		if err := writeFileAtomic(s.abs(path), data); err != nil {
			return ioError("save image", path, err)
		}
		return nil
	})
}

// SaveImageData writes an image's bytes.
func (s *Store) SaveImageData(ctx context.Context, data []byte, img *Image) error {
	path, err := ImageDataPath(img.article, img.rec.SourceURL)
	if err != nil {
		return err
	}
	return s.submit(ctx, "save image data", func() error {
		if err := writeFileAtomic(s.abs(path), data); err != nil {
			return ioError("save image data", path, err)
		}
		return nil
	})
}

// RemoveArticle deletes everything stored for t, evicts the cached
// instance and removes t from the history and saved pages. Removing an
// absent article is not an error.
func (s *Store) RemoveArticle(ctx context.Context, t title.Title) error {
	dir, err := ArticleDir(t)
	if err != nil {
		return err
	}
	t = t.WithoutFragment()

	err = s.submit(ctx, "remove article", func() error {
		_, statErr := os.Stat(s.abs(dir))
		existed := statErr == nil
		if err := os.RemoveAll(s.abs(dir)); err != nil {
			return ioError("remove article", dir, err)
		}
		s.Evict(t)
		if existed {
			s.notify(Event{Kind: ArticleDeleted, Title: t})
		}
		return nil
	})
	if err != nil {
		return err
	}

	history, err := s.History(ctx)
	if err != nil {
		return err
	}
	if history.RemoveTitle(t) {
		if err := history.Save(ctx); err != nil {
			return err
		}
	}
	saved, err := s.SavedPages(ctx)
	if err != nil {
		return err
	}
	if saved.RemoveTitle(t) {
		if err := saved.Save(ctx); err != nil {
			return err
		}
	}
	s.log.Debug("article removed", "title", t.Key())
	return nil
}

// SectionText reads a section's HTML. found is false if the file is absent.
func (s *Store) SectionText(ctx context.Context, t title.Title, id int) (text string, found bool, err error) {
	path, err := SectionTextPath(t, id)
	if err != nil {
		return "", false, err
	}
	if err := ctx.Err(); err != nil {
		return "", false, err
	}
	s.mu.RLock()
	data, err := s.readStoreFile("read section text", path)
	s.mu.RUnlock()
	if errors.Is(err, ErrNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return string(data), true, nil
}

// HasSectionText reports whether a section's HTML file exists. The file is
// not read.
func (s *Store) HasSectionText(t title.Title, id int) bool {
	path, err := SectionTextPath(t, id)
	if err != nil {
		return false
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return fileExists(s.abs(path))
}

// ImageData reads an image's bytes. found is false if none were saved.
func (s *Store) ImageData(ctx context.Context, t title.Title, sourceURL string) (data []byte, found bool, err error) {
	path, err := ImageDataPath(t, sourceURL)
	if err != nil {
		return nil, false, err
	}
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	s.mu.RLock()
	data, err = s.readStoreFile("read image data", path)
	s.mu.RUnlock()
	if errors.Is(err, ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return data, true, nil
}

// HasImageData reports whether an image's bytes are on disk.
func (s *Store) HasImageData(t title.Title, sourceURL string) bool {
	path, err := ImageDataPath(t, sourceURL)
	if err != nil {
		return false
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return fileExists(s.abs(path))
}
