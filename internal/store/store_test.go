package store

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TobiSchelling/wikicache/internal/list"
	"github.com/TobiSchelling/wikicache/internal/title"
)

func newTestStore(t *testing.T, opts ...Option) *Store {
	t.Helper()
	opts = append([]Option{WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil)))}, opts...)
	s, err := Open(t.TempDir(), opts...)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

// reopen closes s and opens a new store over the same directory, so reads
// come from disk.
func reopen(t *testing.T, s *Store) *Store {
	t.Helper()
	require.NoError(t, s.Close())
	s2, err := Open(s.Base(), WithLogger(s.log))
	require.NoError(t, err)
	t.Cleanup(func() { s2.Close() })
	return s2
}

func TestOpenWritesFormatVersion(t *testing.T) {
	s := newTestStore(t)
	data, err := os.ReadFile(filepath.Join(s.Base(), "Version.json"))
	require.NoError(t, err)
	assert.JSONEq(t, `{"format":"1.0.0"}`, string(data))
}

func TestOpenRejectsIncompatibleFormat(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "Version.json"), []byte(`{"format":"2.0.0"}`), 0o644))
	_, err := Open(dir)
	assert.ErrorIs(t, err, ErrIncompatibleFormat)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "Version.json"), []byte(`not json`), 0o644))
	_, err = Open(dir)
	assert.ErrorIs(t, err, ErrCorrupt)
}

func TestFetchMissingArticle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	a, err := s.FetchArticle(ctx, title.MustNew(enwiki, "Nothing"))
	require.NoError(t, err)
	assert.Nil(t, a)

	cached, err := s.IsCached(ctx, title.MustNew(enwiki, "Nothing"))
	require.NoError(t, err)
	assert.False(t, cached)
}

func TestSaveFetchRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	tt := title.MustNew(enwiki, "Dog")

	a, err := s.FetchOrCreateArticle(ctx, tt)
	require.NoError(t, err)
	assert.True(t, a.Dirty())

	a.UpdateMetadata(func(m *Metadata) {
		m.LastModified = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
		m.LastModifiedBy = "Alice"
		m.RevisionID = 42
		m.Editable = true
		m.Protection = map[string][]string{"edit": {"autoconfirmed"}}
		m.DisplayTitle = "Dog"
	})
	a.SetImageURL("https://upload.wikimedia.org/Dog.jpg")
	img := a.AddImage("https://upload.wikimedia.org/thumb/Dog.jpg/440px-Dog.jpg")
	img.SetMimeType("image/jpeg")
	lead := a.AddSection(0, 0, "", "", "")
	sec := a.AddSection(1, 2, "Behaviour", "Behaviour", "1")

	require.NoError(t, s.SaveArticle(ctx, a))
	require.NoError(t, s.SaveImage(ctx, img))
	require.NoError(t, s.SaveSection(ctx, lead))
	require.NoError(t, s.SaveSection(ctx, sec))
	require.NoError(t, s.SaveSectionText(ctx, "<p>Dogs bark.</p>", sec))
	assert.False(t, a.Dirty())

	s2 := reopen(t, s)
	got, err := s2.FetchArticle(ctx, tt)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.NotSame(t, a, got)
	assert.True(t, a.IsEqual(got))

	deep, err := a.IsDeeplyEqual(ctx, got)
	require.NoError(t, err)
	assert.True(t, deep)

	require.Len(t, got.Images(), 1)
	assert.Equal(t, "image/jpeg", got.Images()[0].MimeType())
	w, _ := got.Images()[0].Size()
	assert.Equal(t, 440, w)
	assert.Same(t, got.Images()[0], got.LeadImage())

	require.Len(t, got.Sections(), 2)
	assert.True(t, got.Sections()[0].IsLead())
	assert.Equal(t, "Behaviour", got.Section(1).Line())
	assert.False(t, got.IsFullyCached())
}

func TestFetchReturnsCachedInstance(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	tt := title.MustNew(enwiki, "Dog")

	a, err := s.FetchOrCreateArticle(ctx, tt)
	require.NoError(t, err)
	require.NoError(t, s.SaveArticle(ctx, a))

	again, err := s.FetchArticle(ctx, tt.WithFragment("Diet"))
	require.NoError(t, err)
	assert.Same(t, a, again)

	s.Evict(tt)
	assert.Zero(t, s.CachedCount())
	fresh, err := s.FetchArticle(ctx, tt)
	require.NoError(t, err)
	assert.NotSame(t, a, fresh)
	assert.True(t, a.IsEqual(fresh))
}

func TestFetchCorruptArticle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	tt := title.MustNew(enwiki, "Broken")

	rel, err := ArticlePath(tt)
	require.NoError(t, err)
	require.NoError(t, os.MkdirAll(filepath.Dir(s.abs(rel)), 0o755))
	require.NoError(t, os.WriteFile(s.abs(rel), []byte("{"), 0o644))

	a, err := s.FetchArticle(ctx, tt)
	assert.Nil(t, a)
	assert.ErrorIs(t, err, ErrCorrupt)
	var se *Error
	require.ErrorAs(t, err, &se)
	assert.Equal(t, KindCorrupt, se.Kind)
	assert.Zero(t, s.CachedCount())
}

func TestReadStoreFileKinds(t *testing.T) {
	s := newTestStore(t)
	tt := title.MustNew(enwiki, "Dir")
	rel, err := ArticlePath(tt)
	require.NoError(t, err)

	_, err = s.readStoreFile("read article", rel)
	require.ErrorIs(t, err, ErrNotFound)
	var se *Error
	require.ErrorAs(t, err, &se)
	assert.Equal(t, KindNotFound, se.Kind)
	assert.NotErrorIs(t, err, ErrIO)

	require.NoError(t, os.MkdirAll(s.abs(rel), 0o755))
	_, err = s.readStoreFile("read article", rel)
	assert.ErrorIs(t, err, ErrIO)
	assert.NotErrorIs(t, err, ErrNotFound)
}

func TestFetchRacingRemoveLeavesNothingCached(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	tt := title.MustNew(enwiki, "Ephemeral")

	for i := 0; i < 200; i++ {
		a, err := s.FetchOrCreateArticle(ctx, tt)
		require.NoError(t, err)
		require.NoError(t, s.SaveArticle(ctx, a))
		s.Evict(tt)

		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, _ = s.FetchArticle(ctx, tt)
		}()
		go func() {
			defer wg.Done()
			assert.NoError(t, s.RemoveArticle(ctx, tt))
		}()
		wg.Wait()

		cached, err := s.IsCached(ctx, tt)
		require.NoError(t, err)
		require.False(t, cached)
		require.Zero(t, s.CachedCount(), "iteration %d cached a removed article", i)
	}
}

func TestFetchIOErrorLeavesCacheEmpty(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	tt := title.MustNew(enwiki, "Dir")

	// A directory where the metadata file should be makes the read fail.
	rel, err := ArticlePath(tt)
	require.NoError(t, err)
	require.NoError(t, os.MkdirAll(s.abs(rel), 0o755))

	a, err := s.FetchArticle(ctx, tt)
	assert.Nil(t, a)
	assert.ErrorIs(t, err, ErrIO)
	assert.Zero(t, s.CachedCount())
}

func TestFailedSaveKeepsDirty(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	tt := title.MustNew(enwiki, "Blocked")

	a, err := s.FetchOrCreateArticle(ctx, tt)
	require.NoError(t, err)

	// A regular file in place of the article directory blocks the write.
	dir, err := ArticleDir(tt)
	require.NoError(t, err)
	require.NoError(t, os.MkdirAll(filepath.Dir(s.abs(dir)), 0o755))
	require.NoError(t, os.WriteFile(s.abs(dir), []byte("x"), 0o644))

	err = s.SaveArticle(ctx, a)
	assert.ErrorIs(t, err, ErrIO)
	assert.True(t, a.Dirty())

	require.NoError(t, os.Remove(s.abs(dir)))
	require.NoError(t, s.SaveArticle(ctx, a))
	assert.False(t, a.Dirty())
}

func TestFailedOverwriteKeepsPreviousFile(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	a, err := s.FetchOrCreateArticle(ctx, title.MustNew(enwiki, "Dog"))
	require.NoError(t, err)
	sec := a.AddSection(0, 0, "", "", "")
	require.NoError(t, s.SaveSectionText(ctx, "v1", sec))

	path, err := SectionTextPath(a.Title(), 0)
	require.NoError(t, err)
	dir := filepath.Dir(s.abs(path))
	require.NoError(t, os.Chmod(dir, 0o555))
	t.Cleanup(func() { os.Chmod(dir, 0o755) })
	if f, err := os.CreateTemp(dir, "probe"); err == nil {
		f.Close()
		os.Remove(f.Name())
		t.Skip("directory permissions are not enforced for this user")
	}

	assert.Error(t, s.SaveSectionText(ctx, "v2", sec))
	data, err := os.ReadFile(s.abs(path))
	require.NoError(t, err)
	assert.Equal(t, "v1", string(data))
}

func TestRemoveArticleIsIdempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	tt := title.MustNew(enwiki, "Dog")

	a, err := s.FetchOrCreateArticle(ctx, tt)
	require.NoError(t, err)
	sec := a.AddSection(0, 0, "", "", "")
	require.NoError(t, s.SaveArticle(ctx, a))
	require.NoError(t, s.SaveSectionText(ctx, "<p>x</p>", sec))

	history, err := s.History(ctx)
	require.NoError(t, err)
	history.Add(tt.WithFragment("Diet"), list.DiscoveryLink)
	require.NoError(t, history.Save(ctx))
	saved, err := s.SavedPages(ctx)
	require.NoError(t, err)
	saved.Add(tt)
	require.NoError(t, saved.Save(ctx))

	require.NoError(t, s.RemoveArticle(ctx, tt))
	require.NoError(t, s.RemoveArticle(ctx, tt))

	cached, err := s.IsCached(ctx, tt)
	require.NoError(t, err)
	assert.False(t, cached)
	assert.False(t, s.HasSectionText(tt, 0))
	assert.Zero(t, s.CachedCount())
	assert.False(t, history.ContainsTitle(tt))
	assert.False(t, saved.IsSaved(tt))

	dir, err := ArticleDir(tt)
	require.NoError(t, err)
	_, err = os.Stat(s.abs(dir))
	assert.True(t, os.IsNotExist(err))

	s2 := reopen(t, s)
	h2, err := s2.History(ctx)
	require.NoError(t, err)
	assert.Zero(t, h2.Len())
}

func TestSectionTextPresence(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	a, err := s.FetchOrCreateArticle(ctx, title.MustNew(enwiki, "Dog"))
	require.NoError(t, err)
	empty := a.AddSection(1, 2, "See also", "See_also", "1")
	missing := a.AddSection(2, 2, "Notes", "Notes", "2")
	require.NoError(t, s.SaveSection(ctx, empty))
	require.NoError(t, s.SaveSection(ctx, missing))

	require.NoError(t, s.SaveSectionText(ctx, "", empty))

	s2 := reopen(t, s)
	got, err := s2.FetchArticle(ctx, a.Title())
	require.NoError(t, err)
	// Only section metadata was saved, so there is no Article.json.
	assert.Nil(t, got)

	got, err = s2.FetchOrCreateArticle(ctx, a.Title())
	require.NoError(t, err)
	require.NoError(t, s2.SaveArticle(ctx, got))
	s2.Evict(a.Title())
	got, err = s2.FetchArticle(ctx, a.Title())
	require.NoError(t, err)
	require.NotNil(t, got)

	e := got.Section(1)
	require.NotNil(t, e)
	assert.True(t, e.HasTextData())
	text, found, err := e.Text(ctx)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "", text)

	m := got.Section(2)
	require.NotNil(t, m)
	assert.False(t, m.HasTextData())
	text, found, err = m.Text(ctx)
	require.NoError(t, err)
	assert.False(t, found)
	assert.Equal(t, "", text)
}

func TestSectionResolvesArticle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	a, err := s.FetchOrCreateArticle(ctx, title.MustNew(enwiki, "Dog"))
	require.NoError(t, err)
	sec := a.AddSection(3, 2, "Diet", "Diet", "3")
	require.NoError(t, s.SaveArticle(ctx, a))

	owner, err := sec.Article(ctx)
	require.NoError(t, err)
	assert.Same(t, a, owner)
	assert.Equal(t, "Diet", sec.Title().Fragment())
}

func TestImageVariants(t *testing.T) {
	foo440 := NewImage("foo.jpg/440px-foo.jpg")
	foo7200 := NewImage("foo.jpg/7200px-foo.jpg")
	bar440 := NewImage("bar.jpg/440px-bar.jpg")

	assert.True(t, foo440.IsVariantOf(foo7200))
	assert.False(t, foo440.IsVariantOf(bar440))
	assert.False(t, foo440.IsVariantOf(nil))

	w, _ := foo7200.Size()
	assert.Equal(t, 7200, w)

	assert.Equal(t, "Scan.pdf.jpg", CanonicalFilename("https://u.w.org/t/Scan.pdf/page3-120px-Scan.pdf.jpg"))
	assert.Equal(t, "Café.jpg", CanonicalFilename("https://u.w.org/t/Caf%C3%A9.jpg/lossy-220px-Caf%C3%A9.jpg"))
	assert.Equal(t, "Dog.jpg", CanonicalFilename("https://u.w.org/Dog.jpg?x=1"))
}

func TestImageData(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	a, err := s.FetchOrCreateArticle(ctx, title.MustNew(enwiki, "Dog"))
	require.NoError(t, err)
	img := a.AddImage("https://upload.wikimedia.org/Dog.jpg")

	assert.False(t, img.HasData())
	_, found, err := img.Data(ctx)
	require.NoError(t, err)
	assert.False(t, found)

	require.NoError(t, s.SaveImageData(ctx, []byte{0xff, 0xd8}, img))
	assert.True(t, img.HasData())
	data, found, err := img.Data(ctx)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, []byte{0xff, 0xd8}, data)

	assert.Same(t, img, a.AddImage("https://upload.wikimedia.org/Dog.jpg"))
}

func TestWritesToOneTitleApplyInOrder(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	a, err := s.FetchOrCreateArticle(ctx, title.MustNew(enwiki, "Dog"))
	require.NoError(t, err)
	sec := a.AddSection(0, 0, "", "", "")

	// Hold the writer so both saves queue up behind it.
	gate := make(chan struct{})
	require.NoError(t, s.enqueue(ctx, &job{name: "gate", fn: func() error { <-gate; return nil }}))
	require.Eventually(t, func() bool { return len(s.jobs) == 0 }, time.Second, time.Millisecond)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		assert.NoError(t, s.SaveSectionText(ctx, "W1", sec))
	}()
	require.Eventually(t, func() bool { return len(s.jobs) == 1 }, time.Second, time.Millisecond)
	go func() {
		defer wg.Done()
		assert.NoError(t, s.SaveSectionText(ctx, "W2", sec))
	}()
	require.Eventually(t, func() bool { return len(s.jobs) == 2 }, time.Second, time.Millisecond)

	close(gate)
	wg.Wait()

	text, found, err := s.SectionText(ctx, a.Title(), 0)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "W2", text)
}

func TestNotifyWhenWritesComplete(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	a, err := s.FetchOrCreateArticle(ctx, title.MustNew(enwiki, "Dog"))
	require.NoError(t, err)

	go func() { _ = s.SaveArticle(ctx, a) }()
	require.Eventually(t, func() bool { return !a.Dirty() }, time.Second, time.Millisecond)

	done := make(chan struct{})
	require.NoError(t, s.NotifyWhenWritesComplete(func() { close(done) }))
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("barrier never ran")
	}

	cached, err := s.IsCached(ctx, a.Title())
	require.NoError(t, err)
	assert.True(t, cached)
}

func TestClosedStoreRejectsWrites(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	a, err := s.FetchOrCreateArticle(ctx, title.MustNew(enwiki, "Dog"))
	require.NoError(t, err)

	require.NoError(t, s.Close())
	require.NoError(t, s.Close())
	assert.ErrorIs(t, s.SaveArticle(ctx, a), ErrClosed)
	assert.ErrorIs(t, s.NotifyWhenWritesComplete(func() {}), ErrClosed)
}

func TestSubscribe(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	tt := title.MustNew(enwiki, "Dog")
	events := s.Subscribe()

	a, err := s.FetchOrCreateArticle(ctx, tt)
	require.NoError(t, err)
	require.NoError(t, s.SaveArticle(ctx, a))
	require.NoError(t, s.RemoveArticle(ctx, tt))

	ev := <-events
	assert.Equal(t, ArticleUpdated, ev.Kind)
	assert.True(t, ev.Title.Equal(tt))
	ev = <-events
	assert.Equal(t, ArticleDeleted, ev.Kind)

	searches, err := s.RecentSearches(ctx)
	require.NoError(t, err)
	searches.Add("dogs")
	require.NoError(t, searches.Save(ctx))
	ev = <-events
	assert.Equal(t, ListUpdated, ev.Kind)
	assert.Equal(t, list.RecentSearchesName, ev.List)

	s.Unsubscribe(events)
	_, open := <-events
	assert.False(t, open)
}

func TestSlowSubscriberDoesNotBlock(t *testing.T) {
	s := newTestStore(t, WithSubscriberBuffer(1))
	ctx := context.Background()
	_ = s.Subscribe()

	a, err := s.FetchOrCreateArticle(ctx, title.MustNew(enwiki, "Dog"))
	require.NoError(t, err)
	for range 5 {
		a.SetThumbnailURL("https://x/t.jpg")
		require.NoError(t, s.SaveArticle(ctx, a))
	}
}

func TestListsPersist(t *testing.T) {
	s := newTestStore(t, WithRecentSearchLimit(2))
	ctx := context.Background()
	dog := title.MustNew(enwiki, "Dog")
	now := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)

	history, err := s.History(ctx)
	require.NoError(t, err)
	history.SetClock(func() time.Time { return now })
	history.Add(dog.WithFragment("Diet"), list.DiscoverySearch)
	history.SetScrollPosition(dog, 12.5)
	require.NoError(t, history.Save(ctx))

	searches, err := s.RecentSearches(ctx)
	require.NoError(t, err)
	for _, term := range []string{"a", "b", "c"} {
		searches.Add(term)
	}
	require.NoError(t, searches.Save(ctx))

	same, err := s.History(ctx)
	require.NoError(t, err)
	assert.Same(t, history, same)

	s2 := reopen(t, s)
	h2, err := s2.History(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, h2.Len())
	e := h2.Entries()[0]
	assert.True(t, e.Title.Equal(dog.WithFragment("Diet")))
	assert.True(t, e.Date.Equal(now))
	assert.Equal(t, 12.5, e.ScrollPosition)
	assert.Equal(t, list.DiscoverySearch, e.DiscoveryMethod)

	r2, err := s2.RecentSearches(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, r2.Len())
	assert.False(t, r2.Contains("a"))
}

func TestIndex(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	idx := s.Index()
	assert.Empty(t, idx.Entries())

	for _, name := range []string{"Dog", "Cat"} {
		a, err := s.FetchOrCreateArticle(ctx, title.MustNew(enwiki, name))
		require.NoError(t, err)
		a.UpdateMetadata(func(m *Metadata) { m.DisplayTitle = "The " + name })
		require.NoError(t, s.SaveArticle(ctx, a))
	}
	v := idx.Version()
	entries := idx.Entries()
	require.Len(t, entries, 2)

	byText := map[string]IndexEntry{}
	for _, e := range entries {
		byText[e.Title.Text()] = e
	}
	assert.Equal(t, "The Dog", byText["Dog"].DisplayTitle)
	assert.False(t, byText["Cat"].CachedAt.IsZero())

	require.NoError(t, s.RemoveArticle(ctx, title.MustNew(enwiki, "Dog")))
	assert.NotEqual(t, v, idx.Version())
	assert.Len(t, idx.Entries(), 1)
}
