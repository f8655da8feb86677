package store

import (
	"context"
	"fmt"
	"maps"
	"net/url"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/PuerkitoBio/goquery"
	readability "github.com/go-shiori/go-readability"
	"github.com/sourcegraph/conc/pool"

	"github.com/TobiSchelling/wikicache/internal/title"
)

// deepCompareConcurrency bounds section text loads in IsDeeplyEqual.
const deepCompareConcurrency = 8

// Metadata is the page-level information delivered with an article.
type Metadata struct {
	LastModified   time.Time           `json:"lastmodified"`
	LastModifiedBy string              `json:"lastmodifiedby,omitempty"`
	RevisionID     int64               `json:"revision,omitempty"`
	LanguageCount  int                 `json:"languagecount,omitempty"`
	Editable       bool                `json:"editable,omitempty"`
	Protection     map[string][]string `json:"protection,omitempty"`
	DisplayTitle   string              `json:"displaytitle,omitempty"`
	Description    string              `json:"description,omitempty"`
}

// Equal compares metadata field by field; nil and empty protection maps
// are equal.
func (m Metadata) Equal(o Metadata) bool {
	return m.LastModified.Equal(o.LastModified) &&
		m.LastModifiedBy == o.LastModifiedBy &&
		m.RevisionID == o.RevisionID &&
		m.LanguageCount == o.LanguageCount &&
		m.Editable == o.Editable &&
		m.DisplayTitle == o.DisplayTitle &&
		m.Description == o.Description &&
		maps.EqualFunc(m.Protection, o.Protection, slices.Equal[[]string])
}

func (m Metadata) clone() Metadata {
	if m.Protection != nil {
		p := make(map[string][]string, len(m.Protection))
		for k, v := range m.Protection {
			p[k] = slices.Clone(v)
		}
		m.Protection = p
	}
	return m
}

// articleRecord is the JSON layout of Article.json.
type articleRecord struct {
	Title title.Title `json:"title"`
	Metadata
	ThumbnailURL string   `json:"thumbnail,omitempty"`
	ImageURL     string   `json:"image,omitempty"`
	Images       []string `json:"images,omitempty"`
}

// Article is a cached page. Obtain instances from the Store; mutations
// mark the article dirty and reach disk only through Store.SaveArticle.
type Article struct {
	store *Store
	title title.Title

	mu           sync.RWMutex
	meta         Metadata
	thumbnailURL string
	imageURL     string
	sections     []*Section
	images       []*Image
	dirty        bool
	gen          uint64
}

func newArticle(s *Store, t title.Title) *Article {
	return &Article{store: s, title: t.WithoutFragment()}
}

// Title returns the article's title, without fragment.
func (a *Article) Title() title.Title { return a.title }

// Metadata returns a copy of the article metadata.
func (a *Article) Metadata() Metadata {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.meta.clone()
}

// UpdateMetadata applies fn to the metadata and marks the article dirty.
func (a *Article) UpdateMetadata(fn func(*Metadata)) {
	a.mu.Lock()
	defer a.mu.Unlock()
	fn(&a.meta)
	a.touch()
}

// ThumbnailURL returns the thumbnail URL, or "".
func (a *Article) ThumbnailURL() string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.thumbnailURL
}

// SetThumbnailURL changes the thumbnail URL and marks the article dirty.
func (a *Article) SetThumbnailURL(u string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.thumbnailURL = u
	a.touch()
}

// ImageURL returns the lead image URL, or "".
func (a *Article) ImageURL() string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.imageURL
}

// SetImageURL changes the lead image URL and marks the article dirty.
func (a *Article) SetImageURL(u string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.imageURL = u
	a.touch()
}

// Dirty reports unsaved changes.
func (a *Article) Dirty() bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.dirty
}

// caller holds a.mu
func (a *Article) touch() {
	a.dirty = true
	a.gen++
}

// Sections returns the sections ordered by id.
func (a *Article) Sections() []*Section {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return slices.Clone(a.sections)
}

// Section returns the section with the given id, or nil.
func (a *Article) Section(id int) *Section {
	a.mu.RLock()
	defer a.mu.RUnlock()
	for _, s := range a.sections {
		if s.rec.ID == id {
			return s
		}
	}
	return nil
}

// AddSection returns a section with the given heading, replacing any section
// with the same id. Section metadata lives in its own file, so the article
// is not marked dirty; persist it with Store.SaveSection.
func (a *Article) AddSection(id, tocLevel int, line, anchor, number string) *Section {
	sec := newSection(a.store, a.title, sectionRecord{
		ID: id, TOCLevel: tocLevel, Line: line, Anchor: anchor, Number: number,
	})
	a.mu.Lock()
	defer a.mu.Unlock()
	i, found := slices.BinarySearchFunc(a.sections, id, func(s *Section, id int) int { return s.rec.ID - id })
	if found {
		a.sections[i] = sec
	} else {
		a.sections = slices.Insert(a.sections, i, sec)
	}
	return sec
}

// Images returns the article's images in document order.
func (a *Article) Images() []*Image {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return slices.Clone(a.images)
}

// AddImage returns the image with sourceURL, registering it on the article
// (and marking the article dirty) if it is new.
func (a *Article) AddImage(sourceURL string) *Image {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, img := range a.images {
		if img.rec.SourceURL == sourceURL {
			return img
		}
	}
	img := newImage(a.store, a.title, sourceURL)
	a.images = append(a.images, img)
	a.touch()
	return img
}

// LeadImage returns the image matching ImageURL, falling back to the
// first variant of it, or nil.
func (a *Article) LeadImage() *Image {
	lead := a.ImageURL()
	if lead == "" {
		return nil
	}
	probe := NewImage(lead)
	var variant *Image
	for _, img := range a.Images() {
		if img.SourceURL() == lead {
			return img
		}
		if variant == nil && img.IsVariantOf(probe) {
			variant = img
		}
	}
	return variant
}

// IsFullyCached reports whether every section's text is on disk. It only
// checks file presence.
func (a *Article) IsFullyCached() bool {
	sections := a.Sections()
	if len(sections) == 0 {
		return false
	}
	for _, s := range sections {
		if !s.HasTextData() {
			return false
		}
	}
	return true
}

// IsEqual is a shallow comparison: title, metadata, image URLs and
// section headings. Section text is not read.
func (a *Article) IsEqual(other *Article) bool {
	if a == other {
		return true
	}
	if other == nil || a.title != other.title {
		return false
	}
	ra, rb := a.record(), other.record()
	if !ra.Metadata.Equal(rb.Metadata) ||
		ra.ThumbnailURL != rb.ThumbnailURL ||
		ra.ImageURL != rb.ImageURL ||
		!slices.Equal(ra.Images, rb.Images) {
		return false
	}
	sa, sb := a.Sections(), other.Sections()
	return slices.EqualFunc(sa, sb, func(x, y *Section) bool { return x.record() == y.record() })
}

// IsDeeplyEqual is IsEqual plus a comparison of every section's text. It
// reads all section files and is expensive; never call it from a goroutine
// that must stay responsive.
func (a *Article) IsDeeplyEqual(ctx context.Context, other *Article) (bool, error) {
	if !a.IsEqual(other) {
		return false, nil
	}
	sa, sb := a.Sections(), other.Sections()

	type loaded struct {
		text  string
		found bool
		err   error
	}
	left := make([]loaded, len(sa))
	right := make([]loaded, len(sb))

	p := pool.New().WithMaxGoroutines(deepCompareConcurrency)
	for i := range sa {
		p.Go(func() {
			text, found, err := sa[i].Text(ctx)
			left[i] = loaded{text, found, err}
		})
		p.Go(func() {
			text, found, err := sb[i].Text(ctx)
			right[i] = loaded{text, found, err}
		})
	}
	p.Wait()

	for i := range left {
		if left[i].err != nil {
			return false, left[i].err
		}
		if right[i].err != nil {
			return false, right[i].err
		}
		if left[i].found != right[i].found || left[i].text != right[i].text {
			return false, nil
		}
	}
	return true, nil
}

// Summary returns up to max runes of plain text from the lead section, or
// "" if it is not cached.
func (a *Article) Summary(ctx context.Context, max int) (string, error) {
	lead := a.Section(0)
	if lead == nil {
		return "", nil
	}
	html, found, err := lead.Text(ctx)
	if err != nil || !found {
		return "", err
	}
	text := plainText(html, a.title.PrefixedURL())
	if max > 0 {
		if r := []rune(text); len(r) > max {
			text = strings.TrimSpace(string(r[:max])) + "…"
		}
	}
	return text, nil
}

// plainText extracts readable text from section HTML. Readability strips
// navigation boxes and references from long sections; when it keeps less
// than half of the text, as it does on short fragments, the goquery text
// of the whole fragment is used instead.
func plainText(html, pageURL string) string {
	var all string
	if doc, err := goquery.NewDocumentFromReader(strings.NewReader(html)); err == nil {
		all = strings.Join(strings.Fields(doc.Text()), " ")
	}
	u, _ := url.Parse(pageURL)
	if art, err := readability.FromReader(strings.NewReader(html), u); err == nil {
		text := strings.Join(strings.Fields(art.TextContent), " ")
		if len(text)*2 >= len(all) && text != "" {
			return text
		}
	}
	return all
}

func (a *Article) record() articleRecord {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.recordLocked()
}

// caller holds a.mu
func (a *Article) recordLocked() articleRecord {
	rec := articleRecord{
		Title:        a.title,
		Metadata:     a.meta.clone(),
		ThumbnailURL: a.thumbnailURL,
		ImageURL:     a.imageURL,
	}
	for _, img := range a.images {
		// Only images with a storage path can be read back.
		if imageKey(img.rec.SourceURL) == "" {
			continue
		}
		rec.Images = append(rec.Images, img.rec.SourceURL)
	}
	return rec
}

func (a *Article) String() string {
	return fmt.Sprintf("Article(%s)", a.title.Key())
}
