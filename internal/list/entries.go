package list

import (
	"strings"
	"time"

	"github.com/TobiSchelling/wikicache/internal/title"
)

// Names under which the user lists are persisted.
const (
	HistoryName        = "History"
	SavedPagesName     = "SavedPages"
	RecentSearchesName = "RecentSearches"
)

// DiscoveryMethod records how the reader reached a page.
type DiscoveryMethod string

const (
	DiscoveryUnknown     DiscoveryMethod = "unknown"
	DiscoverySearch      DiscoveryMethod = "search"
	DiscoveryLink        DiscoveryMethod = "link"
	DiscoveryRandom      DiscoveryMethod = "random"
	DiscoveryFeatured    DiscoveryMethod = "featured"
	DiscoverySaved       DiscoveryMethod = "saved"
	DiscoveryBackForward DiscoveryMethod = "backforward"
	DiscoveryExternal    DiscoveryMethod = "external"
	DiscoveryMigration   DiscoveryMethod = "migration"
)

// TitleKey is the uniqueness key of title-keyed entries. Two visits to
// different sections of a page are one entry.
func TitleKey(t title.Title) string {
	return t.WithoutFragment().Key()
}

// SearchKey is the uniqueness key of a search term.
func SearchKey(term string) string {
	return strings.ToLower(strings.Join(strings.Fields(term), " "))
}

// HistoryEntry is one page in the reading history.
type HistoryEntry struct {
	Title           title.Title     `plist:"title" json:"title"`
	Date            time.Time       `plist:"date" json:"date"`
	ScrollPosition  float64         `plist:"scrollPosition,omitempty" json:"scroll_position,omitempty"`
	DiscoveryMethod DiscoveryMethod `plist:"discoveryMethod,omitempty" json:"discovery_method,omitempty"`
}

// SavedPageEntry is one page saved for offline reading.
type SavedPageEntry struct {
	Title title.Title `plist:"title" json:"title"`
	Date  time.Time   `plist:"date" json:"date"`
}

// RecentSearchEntry is one search term.
type RecentSearchEntry struct {
	Term string    `plist:"term" json:"term"`
	Date time.Time `plist:"date" json:"date"`
}

func historyKey(e HistoryEntry) string { return TitleKey(e.Title) }

func savedKey(e SavedPageEntry) string { return TitleKey(e.Title) }

func searchKey(e RecentSearchEntry) string { return SearchKey(e.Term) }

func systemClock() time.Time { return time.Now().UTC().Truncate(time.Second) }

// History is the reading history.
type History struct {
	*List[HistoryEntry]
	now func() time.Time
}

// NewHistory returns a history holding initial.
func NewHistory(p Persister, initial []HistoryEntry) *History {
	return &History{List: New(HistoryName, historyKey, p, initial), now: systemClock}
}

// SetClock replaces the time source used for entry dates.
func (h *History) SetClock(now func() time.Time) { h.now = now }

// Add records a visit to t. A repeat visit refreshes the date and method
// but keeps the saved scroll position.
func (h *History) Add(t title.Title, method DiscoveryMethod) HistoryEntry {
	if method == "" {
		method = DiscoveryUnknown
	}
	now := h.now()
	return h.UpsertFunc(TitleKey(t), func(old HistoryEntry, exists bool) HistoryEntry {
		e := HistoryEntry{Title: t, Date: now, DiscoveryMethod: method}
		if exists {
			e.ScrollPosition = old.ScrollPosition
		}
		return e
	})
}

// SetScrollPosition stores the reading position of t. It reports whether t
// is in the history.
func (h *History) SetScrollPosition(t title.Title, pos float64) bool {
	return h.Update(TitleKey(t), func(e *HistoryEntry) { e.ScrollPosition = pos })
}

// ContainsTitle reports whether t was visited.
func (h *History) ContainsTitle(t title.Title) bool { return h.Contains(TitleKey(t)) }

// RemoveTitle deletes t from the history.
func (h *History) RemoveTitle(t title.Title) bool { return h.Remove(TitleKey(t)) }

// SavedPages is the set of pages the reader saved.
type SavedPages struct {
	*List[SavedPageEntry]
	now func() time.Time
}

// NewSavedPages returns saved pages holding initial.
func NewSavedPages(p Persister, initial []SavedPageEntry) *SavedPages {
	return &SavedPages{List: New(SavedPagesName, savedKey, p, initial), now: systemClock}
}

// SetClock replaces the time source used for entry dates.
func (s *SavedPages) SetClock(now func() time.Time) { s.now = now }

// Add saves t, refreshing the date if it was already saved.
func (s *SavedPages) Add(t title.Title) SavedPageEntry {
	e := SavedPageEntry{Title: t, Date: s.now()}
	s.Upsert(e)
	return e
}

// Toggle saves t if it is not saved and unsaves it otherwise. It returns
// whether t is saved afterwards.
func (s *SavedPages) Toggle(t title.Title) bool {
	return s.List.Toggle(SavedPageEntry{Title: t, Date: s.now()})
}

// IsSaved reports whether t is saved.
func (s *SavedPages) IsSaved(t title.Title) bool { return s.Contains(TitleKey(t)) }

// RemoveTitle unsaves t.
func (s *SavedPages) RemoveTitle(t title.Title) bool { return s.Remove(TitleKey(t)) }

// RecentSearches holds the most recent search terms, newest last.
type RecentSearches struct {
	*List[RecentSearchEntry]
	now   func() time.Time
	limit int
}

// NewRecentSearches returns a list capped at limit entries; limit <= 0
// means no cap.
func NewRecentSearches(p Persister, initial []RecentSearchEntry, limit int) *RecentSearches {
	r := &RecentSearches{List: New(RecentSearchesName, searchKey, p, initial), now: systemClock, limit: limit}
	if limit > 0 && r.Len() > limit {
		r.TrimFront(limit)
	}
	return r
}

// SetClock replaces the time source used for entry dates.
func (r *RecentSearches) SetClock(now func() time.Time) { r.now = now }

// Limit returns the cap, or 0.
func (r *RecentSearches) Limit() int { return r.limit }

// Add records term as the newest search, evicting the oldest entries past
// the cap. Blank terms are ignored and reported as false.
func (r *RecentSearches) Add(term string) (RecentSearchEntry, bool) {
	term = strings.Join(strings.Fields(term), " ")
	if term == "" {
		return RecentSearchEntry{}, false
	}
	e := RecentSearchEntry{Term: term, Date: r.now()}
	r.PushBack(e)
	if r.limit > 0 {
		r.TrimFront(r.limit)
	}
	return e, true
}
