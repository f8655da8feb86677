package migrate

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TobiSchelling/wikicache/internal/legacy"
	"github.com/TobiSchelling/wikicache/internal/list"
	"github.com/TobiSchelling/wikicache/internal/store"
	"github.com/TobiSchelling/wikicache/internal/title"
)

var enwiki = title.NewSite("en", "")

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func strp(s string) *string { return &s }

// seedLegacy writes a legacy database with two articles, one image, two
// history visits and one saved page.
func seedLegacy(t *testing.T, dir string) {
	t.Helper()
	ctx := context.Background()
	db, err := legacy.Open(ctx, dir, quietLogger())
	require.NoError(t, err)
	defer db.Close()

	dog, err := db.InsertArticle(ctx, legacy.Article{
		Site:         "en.wikipedia.org",
		Title:        "Dog",
		LastModified: time.Date(2018, 5, 6, 7, 8, 9, 0, time.UTC),
		Revision:     99,
		DisplayTitle: "Dog",
		ImageURL:     "https://upload.wikimedia.org/Dog.jpg",
		Sections: []legacy.Section{
			{ID: 0, HTML: strp("<p>The dog is a domesticated descendant of the wolf.</p>")},
			{ID: 1, TOCLevel: 1, Line: "Etymology", Anchor: "Etymology", Number: "1", HTML: strp("<p>Old English.</p>")},
		},
	})
	require.NoError(t, err)
	_, err = db.InsertArticle(ctx, legacy.Article{
		Site:     "en.wikipedia.org",
		Title:    "Cat",
		Sections: []legacy.Section{{ID: 0}},
	})
	require.NoError(t, err)

	_, err = db.InsertImage(ctx, legacy.Image{
		ArticleID: dog,
		SourceURL: "https://upload.wikimedia.org/thumb/Dog.jpg/220px-Dog.jpg",
		Width:     220, Height: 160, MimeType: "image/jpeg",
		Data: []byte("jpeg"),
	})
	require.NoError(t, err)

	first := time.Date(2020, 1, 1, 10, 0, 0, 0, time.UTC)
	_, err = db.InsertHistory(ctx, legacy.HistoryEntry{Site: "en.wikipedia.org", Title: "Dog", VisitedAt: first, DiscoveryMethod: "search"})
	require.NoError(t, err)
	_, err = db.InsertHistory(ctx, legacy.HistoryEntry{Site: "en.wikipedia.org", Title: "Dog", Fragment: "Etymology", VisitedAt: first.Add(time.Hour), ScrollPosition: 300})
	require.NoError(t, err)
	_, err = db.InsertSavedPage(ctx, legacy.SavedPage{Site: "en.wikipedia.org", Title: "Cat", SavedAt: first})
	require.NoError(t, err)
}

type fixture struct {
	legacyDir string
	backupDir string
	store     *store.Store
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	root := t.TempDir()
	s, err := store.Open(filepath.Join(root, "store"), store.WithLogger(quietLogger()))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	f := fixture{
		legacyDir: filepath.Join(root, "legacy"),
		backupDir: filepath.Join(root, "backup", "legacy"),
		store:     s,
	}
	seedLegacy(t, f.legacyDir)
	return f
}

func TestMigrateDataIntoStore(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	var progress []Progress
	m := New(f.legacyDir, f.backupDir, NewStoreDelegate(f.store, quietLogger()),
		WithLogger(quietLogger()),
		WithBatchSize(1),
		WithProgress(func(p Progress) { progress = append(progress, p) }),
	)
	assert.Equal(t, NotStarted, m.State())
	assert.True(t, m.Exists())

	r, err := m.MigrateData(ctx)
	require.NoError(t, err)
	assert.Equal(t, Finished, m.State())
	assert.Empty(t, r.Failures)
	assert.Equal(t, 6, r.Migrated())
	assert.NotEmpty(t, r.RunID)
	require.Len(t, r.Steps, 4)
	assert.Equal(t, "articles", r.Steps[0].Name)
	assert.Equal(t, "2 migrated, 0 failed", r.Steps[0].Summary())

	assert.False(t, m.Exists())
	assert.True(t, m.BackupExists())
	assert.True(t, m.Completed())

	require.NotEmpty(t, progress)
	assert.Equal(t, Progress{Completed: 0, Total: 6}, progress[0])
	assert.Equal(t, Progress{Completed: 6, Total: 6}, progress[len(progress)-1])

	dog, err := f.store.FetchArticle(ctx, title.MustNew(enwiki, "Dog"))
	require.NoError(t, err)
	require.NotNil(t, dog)
	assert.EqualValues(t, 99, dog.Metadata().RevisionID)
	assert.True(t, dog.IsFullyCached())
	require.Len(t, dog.Images(), 1)
	w, h := dog.Images()[0].Size()
	assert.Equal(t, 220, w)
	assert.Equal(t, 160, h)
	data, found, err := dog.Images()[0].Data(ctx)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, []byte("jpeg"), data)
	assert.NotNil(t, dog.LeadImage())

	cat, err := f.store.FetchArticle(ctx, title.MustNew(enwiki, "Cat"))
	require.NoError(t, err)
	require.NotNil(t, cat)
	assert.False(t, cat.IsFullyCached())

	history, err := f.store.History(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, history.Len())
	entry, ok := history.Get(list.TitleKey(title.MustNew(enwiki, "Dog")))
	require.True(t, ok)
	assert.Equal(t, "Etymology", entry.Title.Fragment())
	assert.Equal(t, 300.0, entry.ScrollPosition)
	assert.Equal(t, list.DiscoveryMigration, entry.DiscoveryMethod)
	assert.False(t, history.Dirty())

	saved, err := f.store.SavedPages(ctx)
	require.NoError(t, err)
	assert.True(t, saved.IsSaved(title.MustNew(enwiki, "Cat")))
}

func TestMigrateDataSecondRunIsNoop(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	d := &recordingDelegate{}

	_, err := New(f.legacyDir, f.backupDir, d, WithLogger(quietLogger())).MigrateData(ctx)
	require.NoError(t, err)
	calls := d.count()

	r, err := New(f.legacyDir, f.backupDir, d, WithLogger(quietLogger())).MigrateData(ctx)
	require.NoError(t, err)
	assert.True(t, r.Skipped)
	assert.Equal(t, calls, d.count())
}

func TestMigrateDataWithoutLegacyData(t *testing.T) {
	root := t.TempDir()
	m := New(filepath.Join(root, "legacy"), filepath.Join(root, "backup"), &recordingDelegate{}, WithLogger(quietLogger()))
	assert.False(t, m.Exists())
	assert.False(t, m.BackupExists())

	r, err := m.MigrateData(context.Background())
	require.NoError(t, err)
	assert.True(t, r.Skipped)
	assert.Equal(t, Finished, m.State())
}

func TestMigrateDataCollectsFailures(t *testing.T) {
	f := newFixture(t)
	d := &recordingDelegate{fail: map[string]bool{"Dog": true}}
	m := New(f.legacyDir, f.backupDir, d, WithLogger(quietLogger()), WithConcurrency(2))

	r, err := m.MigrateData(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Finished, m.State())

	// The article and both of its history visits fail.
	require.Len(t, r.Failures, 3)
	assert.Equal(t, "articles", r.Failures[0].Kind)
	assert.Contains(t, r.Failures[0].String(), "en.wikipedia.org/Dog")
	assert.Equal(t, 3, r.Migrated())
	assert.True(t, m.Completed())
}

func TestMigrateDataCancelled(t *testing.T) {
	f := newFixture(t)
	d := &recordingDelegate{}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	m := New(f.legacyDir, f.backupDir, d, WithLogger(quietLogger()))
	_, err := m.MigrateData(ctx)
	var me *MigrationError
	require.ErrorAs(t, err, &me)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, Failed, m.State())
	assert.True(t, m.BackupExists())
	assert.False(t, m.Completed())

	// A later run resumes from the backup.
	r, err := m.MigrateData(context.Background())
	require.NoError(t, err)
	assert.False(t, r.Skipped)
	assert.Equal(t, Finished, m.State())
	assert.Equal(t, 6, r.Migrated())
}

func TestMigrateDataBackupFailure(t *testing.T) {
	f := newFixture(t)
	blocker := filepath.Join(t.TempDir(), "file")
	require.NoError(t, os.WriteFile(blocker, nil, 0o644))

	m := New(f.legacyDir, filepath.Join(blocker, "backup"), &recordingDelegate{}, WithLogger(quietLogger()))
	_, err := m.MigrateData(context.Background())
	var me *MigrationError
	require.ErrorAs(t, err, &me)
	assert.Equal(t, "backup", me.Stage)
	assert.Equal(t, Failed, m.State())
	assert.True(t, m.Exists())
}

func TestMigrateDataRejectsConcurrentRun(t *testing.T) {
	m := New(t.TempDir(), t.TempDir(), &recordingDelegate{}, WithLogger(quietLogger()))
	m.setState(Running)
	_, err := m.MigrateData(context.Background())
	assert.ErrorIs(t, err, ErrRunning)
}

func TestStartDeliversOutcome(t *testing.T) {
	f := newFixture(t)
	m := New(f.legacyDir, f.backupDir, &recordingDelegate{}, WithLogger(quietLogger()))

	select {
	case out, ok := <-m.Start(context.Background()):
		require.True(t, ok)
		require.NoError(t, out.Err)
		assert.Equal(t, 6, out.Result.Migrated())
	case <-time.After(10 * time.Second):
		t.Fatal("migration did not finish")
	}
	assert.Equal(t, Finished, m.State())
}

func TestRemoveBackupIfOlderThan(t *testing.T) {
	f := newFixture(t)
	m := New(f.legacyDir, f.backupDir, &recordingDelegate{}, WithLogger(quietLogger()))

	require.NoError(t, m.MoveOldDataToBackupLocation())
	removed, err := m.RemoveBackupIfOlderThan(0)
	require.NoError(t, err)
	assert.False(t, removed, "unfinished backups are kept")

	_, err = m.MigrateData(context.Background())
	require.NoError(t, err)

	removed, err = m.RemoveBackupIfOlderThan(time.Hour)
	require.NoError(t, err)
	assert.False(t, removed)

	m.now = func() time.Time { return time.Now().Add(2 * time.Hour) }
	removed, err = m.RemoveBackupIfOlderThan(time.Hour)
	require.NoError(t, err)
	assert.True(t, removed)
	assert.False(t, m.BackupExists())
}

// recordingDelegate counts calls and fails records whose title is in fail.
type recordingDelegate struct {
	mu    sync.Mutex
	calls int
	fail  map[string]bool
}

func (d *recordingDelegate) record(name string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls++
	if d.fail[name] {
		return errors.New("conversion failed")
	}
	return nil
}

func (d *recordingDelegate) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls
}

func (d *recordingDelegate) MigrateArticle(_ context.Context, a legacy.Article) error {
	return d.record(a.Title)
}

func (d *recordingDelegate) MigrateImage(_ context.Context, img legacy.Image) error {
	return d.record(img.SourceURL)
}

func (d *recordingDelegate) MigrateHistoryEntry(_ context.Context, e legacy.HistoryEntry) error {
	return d.record(e.Title)
}

func (d *recordingDelegate) MigrateSavedEntry(_ context.Context, p legacy.SavedPage) error {
	return d.record(p.Title)
}
