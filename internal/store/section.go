package store

import (
	"context"
	"sync"

	"github.com/TobiSchelling/wikicache/internal/title"
)

// sectionRecord is the JSON layout of Section.json.
type sectionRecord struct {
	ID       int    `json:"id"`
	TOCLevel int    `json:"toclevel,omitempty"`
	Line     string `json:"line,omitempty"`
	Anchor   string `json:"anchor,omitempty"`
	Number   string `json:"number,omitempty"`
}

// Section is one section of an article. Its HTML is loaded lazily from
// Section.html. The owner is referenced by title, not by pointer, so a
// section never keeps its article alive.
type Section struct {
	store   *Store
	article title.Title
	rec     sectionRecord

	mu   sync.Mutex
	text *string
}

func newSection(s *Store, article title.Title, rec sectionRecord) *Section {
	return &Section{store: s, article: article, rec: rec}
}

// ID returns the section id; 0 is the lead section.
func (s *Section) ID() int { return s.rec.ID }

// TOCLevel returns the table-of-contents depth.
func (s *Section) TOCLevel() int { return s.rec.TOCLevel }

// Line returns the heading text.
func (s *Section) Line() string { return s.rec.Line }

// Anchor returns the fragment that links to the section.
func (s *Section) Anchor() string { return s.rec.Anchor }

// Number returns the outline number, e.g. "2.1".
func (s *Section) Number() string { return s.rec.Number }

// IsLead reports whether this is the lead section.
func (s *Section) IsLead() bool { return s.rec.ID == 0 }

// ArticleTitle returns the owning article's title.
func (s *Section) ArticleTitle() title.Title { return s.article }

// Title returns a title pointing at this section's anchor.
func (s *Section) Title() title.Title {
	if s.IsLead() || s.rec.Anchor == "" {
		return s.article
	}
	return s.article.WithFragment(s.rec.Anchor)
}

// Article resolves the owning article through the store.
func (s *Section) Article(ctx context.Context) (*Article, error) {
	return s.store.FetchArticle(ctx, s.article)
}

// Text returns the section HTML. found is false when the text was never
// cached; an empty string with found true is a valid cached state.
func (s *Section) Text(ctx context.Context) (text string, found bool, err error) {
	s.mu.Lock()
	if s.text != nil {
		text = *s.text
		s.mu.Unlock()
		return text, true, nil
	}
	s.mu.Unlock()

	text, found, err = s.store.SectionText(ctx, s.article, s.rec.ID)
	if err != nil || !found {
		return "", found, err
	}
	s.setText(text)
	return text, true, nil
}

// HasTextData reports whether the text file exists without reading it.
func (s *Section) HasTextData() bool {
	s.mu.Lock()
	memo := s.text != nil
	s.mu.Unlock()
	return memo || s.store.HasSectionText(s.article, s.rec.ID)
}

func (s *Section) setText(text string) {
	s.mu.Lock()
	s.text = &text
	s.mu.Unlock()
}

func (s *Section) record() sectionRecord { return s.rec }
