package view

import (
	"cmp"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/TobiSchelling/wikicache/internal/list"
	"github.com/TobiSchelling/wikicache/internal/store"
	"github.com/TobiSchelling/wikicache/internal/title"
)

// DayLayout formats the group keys produced by ByDay.
const DayLayout = "2006-01-02"

// ByDay groups entries by the calendar day of date in loc (UTC if nil).
func ByDay[E any](date func(E) time.Time, loc *time.Location) func(E) string {
	if loc == nil {
		loc = time.UTC
	}
	return func(e E) string { return date(e).In(loc).Format(DayLayout) }
}

// ByFirstLetter groups entries by the upper-cased first letter of text.
// Text not starting with a letter goes to "#".
func ByFirstLetter[E any](text func(E) string) func(E) string {
	return func(e E) string {
		r, _ := utf8.DecodeRuneInString(text(e))
		if !unicode.IsLetter(r) {
			return "#"
		}
		return string(unicode.ToUpper(r))
	}
}

// NewestFirst orders entries by descending date.
func NewestFirst[E any](date func(E) time.Time) func(a, b E) int {
	return func(a, b E) int { return date(b).Compare(date(a)) }
}

// Alphabetical orders entries by text, ignoring case.
func Alphabetical[E any](text func(E) string) func(a, b E) int {
	return func(a, b E) int {
		ta, tb := text(a), text(b)
		if c := cmp.Compare(strings.ToLower(ta), strings.ToLower(tb)); c != 0 {
			return c
		}
		return cmp.Compare(ta, tb)
	}
}

// Then chains comparators; later ones break ties of earlier ones.
func Then[E any](cmps ...func(a, b E) int) func(a, b E) int {
	return func(a, b E) int {
		for _, c := range cmps {
			if r := c(a, b); r != 0 {
				return r
			}
		}
		return 0
	}
}

// ExcludeTitles returns a filter dropping entries whose title, without
// fragment, is one of excluded.
func ExcludeTitles[E any](titleOf func(E) title.Title, excluded ...title.Title) func(E) bool {
	skip := make(map[string]bool, len(excluded))
	for _, t := range excluded {
		skip[list.TitleKey(t)] = true
	}
	return func(e E) bool { return !skip[list.TitleKey(titleOf(e))] }
}

// Stock view names.
const (
	HistoryByDay         = "history"
	HistoryAlphabetical  = "history-alphabetical"
	HistoryFiltered      = "history-filtered"
	SavedRecent          = "saved"
	SavedAlphabetical    = "saved-alphabetical"
	SearchesRecent       = "searches"
	ArticlesAlphabetical = "articles"
	ArticlesRecent       = "articles-recent"
)

func historyTitle(e list.HistoryEntry) title.Title  { return e.Title }
func historyDate(e list.HistoryEntry) time.Time     { return e.Date }
func historyText(e list.HistoryEntry) string        { return e.Title.Text() }
func savedTitle(e list.SavedPageEntry) title.Title  { return e.Title }
func savedDate(e list.SavedPageEntry) time.Time     { return e.Date }
func savedText(e list.SavedPageEntry) string        { return e.Title.Text() }
func searchDate(e list.RecentSearchEntry) time.Time { return e.Date }
func indexText(e store.IndexEntry) string           { return e.Title.Text() }
func indexCachedAt(e store.IndexEntry) time.Time    { return e.CachedAt }

// ForHistory returns the stock history views: newest first grouped by day,
// alphabetical, and by day without the excluded titles (e.g. the main
// page).
func ForHistory(h *list.History, loc *time.Location, excluded ...title.Title) *Registry[list.HistoryEntry] {
	byDay := View[list.HistoryEntry]{
		Name:  HistoryByDay,
		Group: ByDay(historyDate, loc),
		Sort:  Then(NewestFirst(historyDate), Alphabetical(historyText)),
	}
	return NewRegistry[list.HistoryEntry](h, func(e list.HistoryEntry) string { return list.TitleKey(e.Title) },
		byDay,
		View[list.HistoryEntry]{
			Name:  HistoryAlphabetical,
			Group: ByFirstLetter(historyText),
			Sort:  Alphabetical(historyText),
		},
		byDay.Filtered(HistoryFiltered, ExcludeTitles(historyTitle, excluded...)),
	)
}

// ForSavedPages returns the stock saved-page views.
func ForSavedPages(s *list.SavedPages) *Registry[list.SavedPageEntry] {
	return NewRegistry[list.SavedPageEntry](s, func(e list.SavedPageEntry) string { return list.TitleKey(e.Title) },
		View[list.SavedPageEntry]{
			Name: SavedRecent,
			Sort: Then(NewestFirst(savedDate), Alphabetical(savedText)),
		},
		View[list.SavedPageEntry]{
			Name:  SavedAlphabetical,
			Group: ByFirstLetter(savedText),
			Sort:  Alphabetical(savedText),
		},
	)
}

// ForRecentSearches returns the recent searches, newest first. Dates have
// second resolution, so searches within one second keep list order,
// newest first.
func ForRecentSearches(r *list.RecentSearches) *Registry[list.RecentSearchEntry] {
	return NewRegistry[list.RecentSearchEntry](r, func(e list.RecentSearchEntry) string { return list.SearchKey(e.Term) },
		View[list.RecentSearchEntry]{Name: SearchesRecent, Sort: NewestFirst(searchDate), Reverse: true},
	)
}

// ForIndex returns views over every stored article.
func ForIndex(x *store.Index) *Registry[store.IndexEntry] {
	return NewRegistry[store.IndexEntry](x, func(e store.IndexEntry) string { return list.TitleKey(e.Title) },
		View[store.IndexEntry]{
			Name:  ArticlesAlphabetical,
			Group: ByFirstLetter(indexText),
			Sort:  Alphabetical(indexText),
		},
		View[store.IndexEntry]{
			Name: ArticlesRecent,
			Sort: Then(NewestFirst(indexCachedAt), Alphabetical(indexText)),
		},
	)
}
