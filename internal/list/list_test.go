package list

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TobiSchelling/wikicache/internal/title"
)

type fakePersister struct {
	mu    sync.Mutex
	saves map[string]any
	err   error
	calls int
}

func (f *fakePersister) SaveList(_ context.Context, name string, v any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return f.err
	}
	if f.saves == nil {
		f.saves = make(map[string]any)
	}
	f.saves[name] = v
	return nil
}

type pair struct {
	K string
	V int
}

func pairKey(p pair) string { return p.K }

var en = title.NewSite("en", "")

func TestUpsertKeepsPositionAndUniqueness(t *testing.T) {
	l := New("pairs", pairKey, nil, nil)

	assert.True(t, l.Upsert(pair{"a", 1}))
	assert.True(t, l.Upsert(pair{"b", 1}))
	assert.False(t, l.Upsert(pair{"a", 2}))

	assert.Equal(t, []pair{{"a", 2}, {"b", 1}}, l.Entries())
	assert.Equal(t, 2, l.Len())
	assert.True(t, l.Dirty())
}

func TestNewDeduplicatesInitial(t *testing.T) {
	l := New("pairs", pairKey, nil, []pair{{"a", 1}, {"b", 1}, {"a", 3}})

	assert.Equal(t, []pair{{"a", 3}, {"b", 1}}, l.Entries())
	assert.False(t, l.Dirty())
	assert.Zero(t, l.Version())
}

func TestToggle(t *testing.T) {
	l := New("pairs", pairKey, nil, nil)

	assert.True(t, l.Toggle(pair{"a", 1}))
	assert.True(t, l.Contains("a"))
	assert.False(t, l.Toggle(pair{"a", 1}))
	assert.False(t, l.Contains("a"))
}

func TestRemoveReindexes(t *testing.T) {
	l := New("pairs", pairKey, nil, []pair{{"a", 1}, {"b", 2}, {"c", 3}})

	assert.True(t, l.Remove("a"))
	assert.False(t, l.Remove("a"))

	got, ok := l.Get("c")
	require.True(t, ok)
	assert.Equal(t, 3, got.V)

	l.Upsert(pair{"c", 4})
	assert.Equal(t, []pair{{"b", 2}, {"c", 4}}, l.Entries())
}

func TestRemoveAll(t *testing.T) {
	l := New("pairs", pairKey, nil, []pair{{"a", 1}})
	l.RemoveAll()
	assert.Zero(t, l.Len())
	assert.False(t, l.Contains("a"))
	assert.True(t, l.Dirty())
}

func TestPushBackAndTrimFront(t *testing.T) {
	l := New("pairs", pairKey, nil, []pair{{"a", 1}, {"b", 2}, {"c", 3}})

	l.PushBack(pair{"a", 9})
	assert.Equal(t, []pair{{"b", 2}, {"c", 3}, {"a", 9}}, l.Entries())

	assert.Equal(t, 1, l.TrimFront(2))
	assert.Equal(t, []pair{{"c", 3}, {"a", 9}}, l.Entries())
	assert.Zero(t, l.TrimFront(5))
}

func TestUpdate(t *testing.T) {
	l := New("pairs", pairKey, nil, []pair{{"a", 1}})

	assert.True(t, l.Update("a", func(p *pair) { p.V = 5 }))
	assert.False(t, l.Update("zz", func(p *pair) { p.V = 5 }))

	got, _ := l.Get("a")
	assert.Equal(t, 5, got.V)

	assert.Panics(t, func() {
		l.Update("a", func(p *pair) { p.K = "other" })
	})
}

func TestEnumerateStopsEarly(t *testing.T) {
	l := New("pairs", pairKey, nil, []pair{{"a", 1}, {"b", 2}, {"c", 3}})

	var seen []string
	l.Enumerate(func(p pair) bool {
		seen = append(seen, p.K)
		return p.K != "b"
	})
	assert.Equal(t, []string{"a", "b"}, seen)
}

func TestVersionChangesOnMutation(t *testing.T) {
	l := New("pairs", pairKey, nil, nil)
	v0 := l.Version()
	l.Upsert(pair{"a", 1})
	v1 := l.Version()
	assert.NotEqual(t, v0, v1)
	l.Contains("a")
	assert.Equal(t, v1, l.Version())
}

func TestSave(t *testing.T) {
	ctx := context.Background()

	t.Run("clean list is not written", func(t *testing.T) {
		p := &fakePersister{}
		l := New("pairs", pairKey, p, []pair{{"a", 1}})
		require.NoError(t, l.Save(ctx))
		assert.Zero(t, p.calls)
	})

	t.Run("success clears dirty", func(t *testing.T) {
		p := &fakePersister{}
		l := New("pairs", pairKey, p, nil)
		l.Upsert(pair{"a", 1})

		require.NoError(t, l.Save(ctx))
		assert.False(t, l.Dirty())
		assert.Equal(t, []pair{{"a", 1}}, p.saves["pairs"])
	})

	t.Run("failure keeps dirty for retry", func(t *testing.T) {
		p := &fakePersister{err: errors.New("disk full")}
		l := New("pairs", pairKey, p, nil)
		l.Upsert(pair{"a", 1})

		err := l.Save(ctx)
		require.Error(t, err)
		assert.ErrorContains(t, err, "disk full")
		assert.True(t, l.Dirty())

		p.err = nil
		require.NoError(t, l.Save(ctx))
		assert.False(t, l.Dirty())
		assert.Equal(t, 2, p.calls)
	})

	t.Run("emptied list saves an empty slice", func(t *testing.T) {
		p := &fakePersister{}
		l := New("pairs", pairKey, p, []pair{{"a", 1}})
		l.RemoveAll()
		require.NoError(t, l.Save(ctx))
		assert.Equal(t, []pair{}, p.saves["pairs"])
	})
}

func TestHistoryAdd(t *testing.T) {
	h := NewHistory(nil, nil)
	clock := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	h.SetClock(func() time.Time { return clock })

	dog := title.MustNew(en, "Dog")
	cat := title.MustNew(en, "Cat")

	h.Add(dog, DiscoverySearch)
	h.Add(cat, "")
	require.True(t, h.SetScrollPosition(dog.WithFragment("Behaviour"), 120))

	clock = clock.Add(time.Hour)
	e := h.Add(dog.WithFragment("Diet"), DiscoveryLink)

	assert.Equal(t, 2, h.Len())
	assert.Equal(t, clock, e.Date)
	assert.Equal(t, DiscoveryLink, e.DiscoveryMethod)
	assert.Equal(t, 120.0, e.ScrollPosition)

	entries := h.Entries()
	assert.True(t, entries[0].Title.Equal(dog.WithFragment("Diet")))
	assert.Equal(t, DiscoveryUnknown, entries[1].DiscoveryMethod)

	assert.True(t, h.ContainsTitle(dog))
	assert.True(t, h.RemoveTitle(dog.WithFragment("x")))
	assert.False(t, h.ContainsTitle(dog))
}

func TestHistoryUniquenessUnderRepeats(t *testing.T) {
	h := NewHistory(nil, nil)
	names := []string{"A", "B", "A", "C", "B", "A"}
	for _, n := range names {
		h.Add(title.MustNew(en, n), DiscoveryLink)
	}
	assert.Equal(t, 3, h.Len())
}

func TestSavedPages(t *testing.T) {
	s := NewSavedPages(nil, nil)
	dog := title.MustNew(en, "Dog")

	assert.True(t, s.Toggle(dog))
	assert.True(t, s.IsSaved(dog))
	assert.True(t, s.IsSaved(dog.WithFragment("Diet")))
	assert.False(t, s.Toggle(dog))
	assert.False(t, s.IsSaved(dog))

	s.Add(dog)
	s.Add(dog)
	assert.Equal(t, 1, s.Len())
	assert.True(t, s.RemoveTitle(dog))
}

func TestRecentSearches(t *testing.T) {
	r := NewRecentSearches(nil, nil, 3)

	_, ok := r.Add("   ")
	assert.False(t, ok)

	for _, term := range []string{"dogs", "cats", "birds"} {
		r.Add(term)
	}
	e, ok := r.Add("  Dogs  ")
	require.True(t, ok)
	assert.Equal(t, "Dogs", e.Term)

	r.Add("fish")

	var terms []string
	for _, e := range r.Entries() {
		terms = append(terms, e.Term)
	}
	assert.Equal(t, []string{"birds", "Dogs", "fish"}, terms)
}

func TestRecentSearchesTrimsInitial(t *testing.T) {
	initial := []RecentSearchEntry{{Term: "a"}, {Term: "b"}, {Term: "c"}}
	r := NewRecentSearches(nil, initial, 2)
	assert.Equal(t, 2, r.Len())
	assert.False(t, r.Contains("a"))
	assert.Equal(t, 2, r.Limit())
}
