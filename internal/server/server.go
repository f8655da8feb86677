// Package server is a local web reader over the article store.
package server

import (
	"bytes"
	"context"
	"embed"
	"errors"
	"fmt"
	"html/template"
	"io/fs"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/yuin/goldmark"

	"github.com/TobiSchelling/wikicache/internal/fetch"
	"github.com/TobiSchelling/wikicache/internal/list"
	"github.com/TobiSchelling/wikicache/internal/store"
	"github.com/TobiSchelling/wikicache/internal/title"
	"github.com/TobiSchelling/wikicache/internal/view"
)

//go:embed templates/*.html
var templateFS embed.FS

//go:embed static/*
var staticFS embed.FS

var md = goldmark.New()

// Options configures a Server.
type Options struct {
	// Site resolves search queries to titles.
	Site title.Site

	// Loader fetches articles that are not cached. Without one, missing
	// articles are 404s.
	Loader *fetch.Loader

	// Location groups history by day. UTC if nil.
	Location *time.Location
	Logger   *slog.Logger
}

// Server is the HTTP reader.
type Server struct {
	store  *store.Store
	opts   Options
	log    *slog.Logger
	pages  map[string]*template.Template
	mux    *http.ServeMux
	index  *view.Registry[store.IndexEntry]
	saved  *view.Registry[list.SavedPageEntry]
	search *view.Registry[list.RecentSearchEntry]
	hist   *list.History
	hviews *view.Registry[list.HistoryEntry]
}

// New creates a Server over s.
func New(ctx context.Context, s *store.Store, opts Options) (*Server, error) {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Site.IsZero() {
		opts.Site = title.NewSite("en", "")
	}

	funcMap := template.FuncMap{
		"markdown":    renderMarkdown,
		"articlePath": ArticlePath,
		"date":        formatDate,
	}

	// Parse base template first
	base, err := template.New("base.html").Funcs(funcMap).ParseFS(templateFS, "templates/base.html")
	if err != nil {
		return nil, fmt.Errorf("parsing base template: %w", err)
	}

	// Each page gets a clone of the base with its own "content" and
	// "title" definitions.
	pageNames := []string{"index.html", "article.html", "history.html", "saved.html", "search.html", "status.html"}
	pages := make(map[string]*template.Template, len(pageNames))
	for _, name := range pageNames {
		clone, err := base.Clone()
		if err != nil {
			return nil, fmt.Errorf("cloning base for %s: %w", name, err)
		}
		_, err = clone.ParseFS(templateFS, "templates/"+name)
		if err != nil {
			return nil, fmt.Errorf("parsing template %s: %w", name, err)
		}
		pages[name] = clone
	}

	hist, err := s.History(ctx)
	if err != nil {
		return nil, err
	}
	saved, err := s.SavedPages(ctx)
	if err != nil {
		return nil, err
	}
	searches, err := s.RecentSearches(ctx)
	if err != nil {
		return nil, err
	}

	srv := &Server{
		store:  s,
		opts:   opts,
		log:    opts.Logger,
		pages:  pages,
		mux:    http.NewServeMux(),
		index:  view.ForIndex(s.Index()),
		saved:  view.ForSavedPages(saved),
		search: view.ForRecentSearches(searches),
		hist:   hist,
		hviews: view.ForHistory(hist, opts.Location, title.MustNew(opts.Site, "Main Page")),
	}
	srv.routes()
	return srv, nil
}

// Handler returns the HTTP handler for the server.
func (s *Server) Handler() http.Handler {
	return s.mux
}

func (s *Server) routes() {
	staticSub, _ := fs.Sub(staticFS, "static")
	s.mux.Handle("/static/", http.StripPrefix("/static/", http.FileServer(http.FS(staticSub))))

	s.mux.HandleFunc("/", s.handleIndex)
	s.mux.HandleFunc("/article/", s.handleArticle)
	s.mux.HandleFunc("/history", s.handleHistory)
	s.mux.HandleFunc("/saved", s.handleSaved)
	s.mux.HandleFunc("/saved/toggle", s.handleToggleSaved)
	s.mux.HandleFunc("/search", s.handleSearch)
	s.mux.HandleFunc("/status", s.handleStatus)
}

// ArticlePath returns the reader path of t.
func ArticlePath(t title.Title) string {
	p := "/article/" + t.Site().String() + "/" + url.PathEscape(t.PrefixedDBKey())
	if t.Fragment() != "" {
		p += "#" + url.PathEscape(t.Fragment())
	}
	return p
}

// parseArticlePath is the inverse of ArticlePath.
func parseArticlePath(p string) (title.Title, error) {
	rest := strings.TrimPrefix(p, "/article/")
	host, key, ok := strings.Cut(rest, "/")
	if !ok || key == "" {
		return title.Title{}, fmt.Errorf("%w: %q", title.ErrInvalidTitle, p)
	}
	site, err := title.ParseSite(host)
	if err != nil {
		return title.Title{}, fmt.Errorf("%w: %v", title.ErrInvalidTitle, err)
	}
	return title.New(site, key)
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	name := r.URL.Query().Get("view")
	if name == "" {
		name = view.ArticlesAlphabetical
	}
	m, err := s.index.Mapping(name)
	if errors.Is(err, view.ErrUnknownView) {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err != nil {
		s.serverError(w, err)
		return
	}
	s.render(w, "index.html", map[string]any{
		"Groups": m.Groups(),
		"Total":  m.Len(),
		"View":   name,
		"Views":  s.index.Names(),
	})
}

type sectionView struct {
	ID     int
	Level  int
	Line   string
	Anchor string
	Number string
	HTML   template.HTML
	Cached bool
}

func (s *Server) handleArticle(w http.ResponseWriter, r *http.Request) {
	t, err := parseArticlePath(r.URL.Path)
	if err != nil {
		http.NotFound(w, r)
		return
	}
	ctx := r.Context()

	a, err := s.store.FetchArticle(ctx, t)
	if err != nil && !errors.Is(err, store.ErrCorrupt) {
		s.serverError(w, err)
		return
	}
	if (a == nil || !a.IsFullyCached()) && s.opts.Loader != nil {
		a, err = s.opts.Loader.Load(ctx, t)
		if err != nil {
			s.log.Warn("article fetch failed", "title", t.Key(), "error", err)
			http.Error(w, "Article unavailable", http.StatusBadGateway)
			return
		}
	}
	if a == nil {
		http.NotFound(w, r)
		return
	}

	var sections []sectionView
	for _, sec := range a.Sections() {
		text, found, err := sec.Text(ctx)
		if err != nil {
			s.serverError(w, err)
			return
		}
		// Section HTML is the wiki parser's output.
		sections = append(sections, sectionView{
			ID:     sec.ID(),
			Level:  sec.TOCLevel(),
			Line:   sec.Line(),
			Anchor: sec.Anchor(),
			Number: sec.Number(),
			HTML:   template.HTML(text), //nolint: gosec
			Cached: found,
		})
	}

	s.hist.Add(t, discovery(r))
	if err := s.hist.Save(ctx); err != nil {
		s.log.Warn("saving history failed", "error", err)
	}

	saved, _ := s.store.SavedPages(ctx)
	meta := a.Metadata()
	display := meta.DisplayTitle
	if display == "" {
		display = a.Title().Text()
	}
	s.render(w, "article.html", map[string]any{
		"Title":        a.Title(),
		"DisplayTitle": display,
		"Meta":         meta,
		"Sections":     sections,
		"Saved":        saved != nil && saved.IsSaved(a.Title()),
		"Source":       a.Title().PrefixedURL(),
	})
}

func discovery(r *http.Request) list.DiscoveryMethod {
	switch r.URL.Query().Get("from") {
	case "search":
		return list.DiscoverySearch
	case "saved":
		return list.DiscoverySaved
	case "featured":
		return list.DiscoveryFeatured
	case "history":
		return list.DiscoveryBackForward
	}
	return list.DiscoveryLink
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	reg := s.hviews
	name := r.URL.Query().Get("view")
	if name == "" {
		name = view.HistoryByDay
	}
	m, err := reg.Mapping(name)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	s.render(w, "history.html", map[string]any{
		"Groups": m.Groups(),
		"View":   name,
		"Views":  reg.Names(),
	})
}

func (s *Server) handleSaved(w http.ResponseWriter, r *http.Request) {
	name := r.URL.Query().Get("view")
	if name == "" {
		name = view.SavedRecent
	}
	m, err := s.saved.Mapping(name)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	s.render(w, "saved.html", map[string]any{
		"Groups": m.Groups(),
		"View":   name,
		"Views":  s.saved.Names(),
	})
}

func (s *Server) handleToggleSaved(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Redirect(w, r, "/saved", http.StatusFound)
		return
	}
	t, err := title.FromURL(r.FormValue("title"))
	if err != nil {
		http.Error(w, "invalid title", http.StatusBadRequest)
		return
	}
	ctx := r.Context()
	saved, err := s.store.SavedPages(ctx)
	if err != nil {
		s.serverError(w, err)
		return
	}
	saved.Toggle(t)
	if err := saved.Save(ctx); err != nil {
		s.serverError(w, err)
		return
	}
	http.Redirect(w, r, ArticlePath(t), http.StatusFound)
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	q := strings.TrimSpace(r.URL.Query().Get("q"))

	var matches []store.IndexEntry
	if q != "" {
		searches, err := s.store.RecentSearches(ctx)
		if err != nil {
			s.serverError(w, err)
			return
		}
		searches.Add(q)
		if err := searches.Save(ctx); err != nil {
			s.log.Warn("saving recent searches failed", "error", err)
		}

		needle := list.SearchKey(q)
		m, err := s.index.Mapping(view.ArticlesAlphabetical)
		if err != nil {
			s.serverError(w, err)
			return
		}
		for _, g := range m.Groups() {
			for _, e := range g.Rows {
				if strings.Contains(list.SearchKey(e.Title.Text()), needle) ||
					strings.Contains(list.SearchKey(e.DisplayTitle), needle) {
					matches = append(matches, e)
				}
			}
		}
	}

	recent, err := s.search.Mapping(view.SearchesRecent)
	if err != nil {
		s.serverError(w, err)
		return
	}
	var direct *title.Title
	if q != "" {
		if t, err := title.New(s.opts.Site, q); err == nil && s.opts.Loader != nil {
			direct = &t
		}
	}
	s.render(w, "search.html", map[string]any{
		"Query":   q,
		"Matches": matches,
		"Recent":  recent.Groups(),
		"Direct":  direct,
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	report, err := StatusMarkdown(r.Context(), s.store)
	if err != nil {
		s.serverError(w, err)
		return
	}
	s.render(w, "status.html", map[string]any{"Report": report})
}

func (s *Server) serverError(w http.ResponseWriter, err error) {
	s.log.Error("request failed", "error", err)
	http.Error(w, "Internal server error", http.StatusInternalServerError)
}

func (s *Server) render(w http.ResponseWriter, name string, data any) {
	tmpl, ok := s.pages[name]
	if !ok {
		s.log.Error("template not found", "template", name)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	var buf bytes.Buffer
	if err := tmpl.ExecuteTemplate(&buf, "base.html", data); err != nil {
		s.log.Error("rendering template failed", "template", name, "error", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	buf.WriteTo(w)
}

func formatDate(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.Format("2006-01-02 15:04")
}

func renderMarkdown(text string) template.HTML {
	var buf bytes.Buffer
	if err := md.Convert([]byte(text), &buf); err != nil {
		return template.HTML(template.HTMLEscapeString(text))
	}
	return template.HTML(buf.String()) //nolint: gosec
}

// Serve listens on 127.0.0.1:port until ctx is done.
func Serve(ctx context.Context, srv *Server, port int) error {
	addr := fmt.Sprintf("127.0.0.1:%d", port)
	hs := &http.Server{
		Addr:              addr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		srv.log.Info("server listening", "url", "http://"+addr)
		errCh <- hs.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := hs.Shutdown(shutdownCtx); err != nil {
			return err
		}
		return nil
	}
}
