package migrate

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/TobiSchelling/wikicache/internal/legacy"
	"github.com/TobiSchelling/wikicache/internal/list"
	"github.com/TobiSchelling/wikicache/internal/store"
	"github.com/TobiSchelling/wikicache/internal/title"
)

// StoreDelegate writes legacy records into a store. List entries are
// buffered in the store's lists and persisted by FinishMigration.
type StoreDelegate struct {
	store *store.Store
	log   *slog.Logger

	mu      sync.Mutex
	history *list.History
	saved   *list.SavedPages
}

// NewStoreDelegate returns a delegate writing into s. A nil logger uses
// slog.Default.
func NewStoreDelegate(s *store.Store, logger *slog.Logger) *StoreDelegate {
	if logger == nil {
		logger = slog.Default()
	}
	return &StoreDelegate{store: s, log: logger}
}

func legacyTitle(site, text, fragment string) (title.Title, error) {
	st, err := title.ParseSite(site)
	if err != nil {
		return title.Title{}, err
	}
	t, err := title.New(st, text)
	if err != nil {
		return title.Title{}, err
	}
	if fragment != "" {
		t = t.WithFragment(fragment)
	}
	return t, nil
}

// MigrateArticle stores the article with its sections and cached section
// text.
func (d *StoreDelegate) MigrateArticle(ctx context.Context, la legacy.Article) error {
	t, err := legacyTitle(la.Site, la.Title, "")
	if err != nil {
		return err
	}
	a, err := d.store.FetchOrCreateArticle(ctx, t)
	if err != nil {
		return err
	}
	a.UpdateMetadata(func(m *store.Metadata) {
		m.LastModified = la.LastModified
		m.LastModifiedBy = la.LastModifiedBy
		m.RevisionID = la.Revision
		m.LanguageCount = la.LanguageCount
		m.Editable = la.Editable
		m.Protection = la.Protection
		m.DisplayTitle = la.DisplayTitle
		m.Description = la.Description
	})
	if la.ThumbnailURL != "" {
		a.SetThumbnailURL(la.ThumbnailURL)
	}
	if la.ImageURL != "" {
		a.SetImageURL(la.ImageURL)
	}

	for _, ls := range la.Sections {
		sec := a.AddSection(ls.ID, ls.TOCLevel, ls.Line, ls.Anchor, ls.Number)
		if err := d.store.SaveSection(ctx, sec); err != nil {
			return fmt.Errorf("section %d: %w", ls.ID, err)
		}
		if ls.HTML != nil {
			if err := d.store.SaveSectionText(ctx, *ls.HTML, sec); err != nil {
				return fmt.Errorf("section %d text: %w", ls.ID, err)
			}
		}
	}
	return d.store.SaveArticle(ctx, a)
}

// MigrateImage attaches the image to its already migrated article and
// stores its metadata and bytes.
func (d *StoreDelegate) MigrateImage(ctx context.Context, li legacy.Image) error {
	t, err := legacyTitle(li.Site, li.ArticleTitle, "")
	if err != nil {
		return err
	}
	a, err := d.store.FetchArticle(ctx, t)
	if err != nil {
		return err
	}
	if a == nil {
		return fmt.Errorf("article %s was not migrated", t.Key())
	}

	img := a.AddImage(li.SourceURL)
	if li.Width > 0 || li.Height > 0 {
		img.SetSize(li.Width, li.Height)
	}
	if li.OriginalWidth > 0 || li.OriginalHeight > 0 {
		img.SetOriginalSize(li.OriginalWidth, li.OriginalHeight)
	}
	if li.MimeType != "" {
		img.SetMimeType(li.MimeType)
	}
	if err := d.store.SaveImage(ctx, img); err != nil {
		return err
	}
	if li.Data != nil {
		if err := d.store.SaveImageData(ctx, li.Data, img); err != nil {
			return err
		}
	}
	return d.store.SaveArticle(ctx, a)
}

func (d *StoreDelegate) lists(ctx context.Context) (*list.History, *list.SavedPages, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.history == nil {
		h, err := d.store.History(ctx)
		if err != nil {
			return nil, nil, err
		}
		s, err := d.store.SavedPages(ctx)
		if err != nil {
			return nil, nil, err
		}
		d.history, d.saved = h, s
	}
	return d.history, d.saved, nil
}

// MigrateHistoryEntry adds the visit to the history, keeping the newer
// entry when the title was visited more than once.
func (d *StoreDelegate) MigrateHistoryEntry(ctx context.Context, le legacy.HistoryEntry) error {
	t, err := legacyTitle(le.Site, le.Title, le.Fragment)
	if err != nil {
		return err
	}
	h, _, err := d.lists(ctx)
	if err != nil {
		return err
	}
	method := list.DiscoveryMethod(le.DiscoveryMethod)
	if method == "" {
		method = list.DiscoveryMigration
	}
	h.UpsertFunc(list.TitleKey(t), func(old list.HistoryEntry, exists bool) list.HistoryEntry {
		if exists && old.Date.After(le.VisitedAt) {
			return old
		}
		return list.HistoryEntry{
			Title:           t,
			Date:            le.VisitedAt,
			ScrollPosition:  le.ScrollPosition,
			DiscoveryMethod: method,
		}
	})
	return nil
}

// MigrateSavedEntry adds the page to the saved pages.
func (d *StoreDelegate) MigrateSavedEntry(ctx context.Context, lp legacy.SavedPage) error {
	t, err := legacyTitle(lp.Site, lp.Title, lp.Fragment)
	if err != nil {
		return err
	}
	_, s, err := d.lists(ctx)
	if err != nil {
		return err
	}
	s.Upsert(list.SavedPageEntry{Title: t, Date: lp.SavedAt})
	return nil
}

// FinishMigration persists the lists touched during the run.
func (d *StoreDelegate) FinishMigration(ctx context.Context) error {
	d.mu.Lock()
	h, s := d.history, d.saved
	d.mu.Unlock()
	if h == nil {
		return nil
	}
	if err := h.Save(ctx); err != nil {
		return err
	}
	if err := s.Save(ctx); err != nil {
		return err
	}
	d.log.Info("migrated lists", "history", h.Len(), "saved_pages", s.Len())
	return nil
}
