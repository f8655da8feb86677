package server

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"github.com/TobiSchelling/wikicache/internal/store"
)

// StatusMarkdown summarizes the store as a Markdown document.
func StatusMarkdown(ctx context.Context, s *store.Store) (string, error) {
	entries, err := s.Index().Refresh(ctx)
	if err != nil {
		return "", err
	}
	history, err := s.History(ctx)
	if err != nil {
		return "", err
	}
	saved, err := s.SavedPages(ctx)
	if err != nil {
		return "", err
	}
	searches, err := s.RecentSearches(ctx)
	if err != nil {
		return "", err
	}

	perSite := make(map[string]int)
	for _, e := range entries {
		perSite[e.Title.Site().String()]++
	}
	sites := make([]string, 0, len(perSite))
	for site := range perSite {
		sites = append(sites, site)
	}
	slices.Sort(sites)

	var b strings.Builder
	b.WriteString("# Store status\n\n")
	fmt.Fprintf(&b, "- **Data directory:** `%s`\n", s.Base())
	fmt.Fprintf(&b, "- **Format version:** %s\n", store.FormatVersion)
	fmt.Fprintf(&b, "- **Articles:** %d\n", len(entries))
	fmt.Fprintf(&b, "- **History entries:** %d\n", history.Len())
	fmt.Fprintf(&b, "- **Saved pages:** %d\n", saved.Len())
	fmt.Fprintf(&b, "- **Recent searches:** %d of %d\n", searches.Len(), searches.Limit())
	if len(sites) > 0 {
		b.WriteString("\n## Sites\n\n")
		for _, site := range sites {
			fmt.Fprintf(&b, "- %s: %d\n", site, perSite[site])
		}
	}
	return b.String(), nil
}
