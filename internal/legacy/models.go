package legacy

import "time"

// Article is a cached page of the legacy store, with its sections.
type Article struct {
	ID             int64
	Site           string
	Title          string
	LastModified   time.Time
	LastModifiedBy string
	Revision       int64
	LanguageCount  int
	Editable       bool
	Protection     map[string][]string
	DisplayTitle   string
	Description    string
	ThumbnailURL   string
	ImageURL       string
	Sections       []Section
}

// Section is one section row. HTML is nil when the text was never cached.
type Section struct {
	ID       int
	TOCLevel int
	Line     string
	Anchor   string
	Number   string
	HTML     *string
}

// Image is an image row joined with the article it belongs to. Data is nil
// when the bytes were never downloaded.
type Image struct {
	ID             int64
	ArticleID      int64
	Site           string
	ArticleTitle   string
	SourceURL      string
	Width          int
	Height         int
	OriginalWidth  int
	OriginalHeight int
	MimeType       string
	Data           []byte
}

// HistoryEntry is one visit.
type HistoryEntry struct {
	ID              int64
	Site            string
	Title           string
	Fragment        string
	VisitedAt       time.Time
	ScrollPosition  float64
	DiscoveryMethod string
}

// SavedPage is one saved-page row.
type SavedPage struct {
	ID       int64
	Site     string
	Title    string
	Fragment string
	SavedAt  time.Time
}

// Counts holds the number of rows per table.
type Counts struct {
	Articles   int
	Images     int
	History    int
	SavedPages int
}

// Total returns the number of migratable records.
func (c Counts) Total() int {
	return c.Articles + c.Images + c.History + c.SavedPages
}
