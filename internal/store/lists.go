package store

import (
	"context"
	"fmt"

	"howett.net/plist"

	"github.com/TobiSchelling/wikicache/internal/list"
)

// History returns the reading history, loading it on first use.
func (s *Store) History(ctx context.Context) (*list.History, error) {
	s.listsMu.Lock()
	defer s.listsMu.Unlock()
	if s.history != nil {
		return s.history, nil
	}
	var entries []list.HistoryEntry
	if err := s.readList(ctx, list.HistoryName, &entries); err != nil {
		return nil, err
	}
	s.history = list.NewHistory(s, entries)
	return s.history, nil
}

// SavedPages returns the saved pages, loading them on first use.
func (s *Store) SavedPages(ctx context.Context) (*list.SavedPages, error) {
	s.listsMu.Lock()
	defer s.listsMu.Unlock()
	if s.saved != nil {
		return s.saved, nil
	}
	var entries []list.SavedPageEntry
	if err := s.readList(ctx, list.SavedPagesName, &entries); err != nil {
		return nil, err
	}
	s.saved = list.NewSavedPages(s, entries)
	return s.saved, nil
}

// RecentSearches returns the recent searches, loading them on first use.
func (s *Store) RecentSearches(ctx context.Context) (*list.RecentSearches, error) {
	s.listsMu.Lock()
	defer s.listsMu.Unlock()
	if s.searches != nil {
		return s.searches, nil
	}
	var entries []list.RecentSearchEntry
	if err := s.readList(ctx, list.RecentSearchesName, &entries); err != nil {
		return nil, err
	}
	s.searches = list.NewRecentSearches(s, entries, s.searchLimit)
	return s.searches, nil
}

// SaveList implements list.Persister. v is encoded as an XML property list.
func (s *Store) SaveList(ctx context.Context, name string, v any) error {
	path := ListPath(name)
	data, err := plist.Marshal(v, plist.XMLFormat)
	if err != nil {
		return fmt.Errorf("encode list %s: %w", name, err)
	}
	return s.submit(ctx, "save list", func() error {
		if err := writeFileAtomic(s.abs(path), data); err != nil {
			return ioError("save list", path, err)
		}
		s.notify(Event{Kind: ListUpdated, List: name})
		return nil
	})
}

func (s *Store) readList(ctx context.Context, name string, v any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	path := ListPath(name)
	s.mu.RLock()
	data, ok, err := readFileIfExists(s.abs(path))
	s.mu.RUnlock()
	if err != nil {
		return ioError("read list", path, err)
	}
	if !ok {
		return nil
	}
	if _, err := plist.Unmarshal(data, v); err != nil {
		return corruptError("read list", path, err)
	}
	return nil
}
