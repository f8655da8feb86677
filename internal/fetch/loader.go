package fetch

import (
	"context"
	"errors"
	"log/slog"
	"net/url"
	"strings"

	"github.com/TobiSchelling/wikicache/internal/store"
	"github.com/TobiSchelling/wikicache/internal/title"
)

// Result holds the outcome of an image download run.
type Result struct {
	Fetched       int
	AlreadyCached int
	Failed        int
}

// Loader serves articles from the store, falling back to the network for
// articles that are missing or incomplete.
type Loader struct {
	store   *store.Store
	fetcher Fetcher
	log     *slog.Logger
}

// NewLoader returns a loader over s and f. A nil logger uses slog.Default.
func NewLoader(s *store.Store, f Fetcher, logger *slog.Logger) *Loader {
	if logger == nil {
		logger = slog.Default()
	}
	return &Loader{store: s, fetcher: f, log: logger}
}

// Load returns t from the store if every section is cached, and otherwise
// downloads and imports it.
func (l *Loader) Load(ctx context.Context, t title.Title) (*store.Article, error) {
	a, err := l.store.FetchArticle(ctx, t)
	if err != nil && !errors.Is(err, store.ErrCorrupt) {
		return nil, err
	}
	if err == nil && a != nil && a.IsFullyCached() {
		return a, nil
	}
	if err != nil {
		l.log.Warn("refetching unreadable article", "title", t.Key(), "error", err)
	}
	return l.Refresh(ctx, t)
}

// Refresh downloads t and imports it, replacing any cached copy.
func (l *Loader) Refresh(ctx context.Context, t title.Title) (*store.Article, error) {
	data, err := l.fetcher.FetchArticle(ctx, t)
	if err != nil {
		return nil, err
	}
	a, err := l.store.ImportArticle(ctx, t, data)
	if err != nil {
		return nil, err
	}
	l.log.Info("fetched article", "title", t.Key(), "sections", len(a.Sections()), "images", len(a.Images()))
	return a, nil
}

// LoadImages downloads the bytes of every image of a that is not stored
// yet. After one failure from a host the remaining images of that host are
// skipped.
func (l *Loader) LoadImages(ctx context.Context, a *store.Article) (*Result, error) {
	result := &Result{}
	failedHosts := make(map[string]struct{})

	for _, img := range a.Images() {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		if img.HasData() {
			result.AlreadyCached++
			continue
		}

		host := imageHost(img.SourceURL())
		if _, failed := failedHosts[host]; failed {
			result.Failed++
			continue
		}

		data, err := l.fetcher.FetchImage(ctx, img.SourceURL())
		if err != nil {
			result.Failed++
			if host != "" {
				failedHosts[host] = struct{}{}
			}
			l.log.Warn("image fetch failed, skipping remaining from host", "url", img.SourceURL(), "host", host, "error", err)
			continue
		}
		if err := l.store.SaveImageData(ctx, data, img); err != nil {
			return result, err
		}
		result.Fetched++
	}

	l.log.Info("image fetch complete", "title", a.Title().Key(), "fetched", result.Fetched, "cached", result.AlreadyCached, "failed", result.Failed)
	return result, nil
}

func imageHost(imageURL string) string {
	if strings.HasPrefix(imageURL, "//") {
		imageURL = "https:" + imageURL
	}
	u, err := url.Parse(imageURL)
	if err != nil {
		return ""
	}
	return strings.ToLower(u.Host)
}
