// Package migrate moves the contents of the legacy SQLite store into the
// file store, once, keeping the old data in a backup location.
package migrate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/TobiSchelling/wikicache/internal/legacy"
)

// MarkerName is written into the backup directory once a run completes.
const MarkerName = "MigrationComplete"

const (
	defaultBatchSize   = 50
	defaultConcurrency = 4
)

// ErrRunning is returned when MigrateData is called during a run.
var ErrRunning = errors.New("migration already running")

// State is the migrator's lifecycle state.
type State int

const (
	NotStarted State = iota
	Running
	Finished
	Failed
)

func (s State) String() string {
	switch s {
	case NotStarted:
		return "not started"
	case Running:
		return "running"
	case Finished:
		return "finished"
	case Failed:
		return "failed"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// MigrationError is a fatal migration failure.
type MigrationError struct {
	Stage string
	Err   error
}

func (e *MigrationError) Error() string {
	return fmt.Sprintf("migration %s: %v", e.Stage, e.Err)
}

func (e *MigrationError) Unwrap() error { return e.Err }

// Delegate converts legacy records into the new store. Calls for records
// of one kind may run concurrently.
type Delegate interface {
	MigrateArticle(ctx context.Context, a legacy.Article) error
	MigrateImage(ctx context.Context, img legacy.Image) error
	MigrateHistoryEntry(ctx context.Context, e legacy.HistoryEntry) error
	MigrateSavedEntry(ctx context.Context, p legacy.SavedPage) error
}

// Finisher is implemented by delegates that buffer work until the end of
// a run.
type Finisher interface {
	FinishMigration(ctx context.Context) error
}

// Failure is a record the delegate could not convert.
type Failure struct {
	Kind string
	ID   int64
	Name string
	Err  error
}

func (f Failure) String() string {
	return fmt.Sprintf("%s %d (%s): %v", f.Kind, f.ID, f.Name, f.Err)
}

// StepResult holds the outcome of one record kind.
type StepResult struct {
	Name     string
	Migrated int
	Failed   int
}

// Summary returns a one-line description of the step.
func (s StepResult) Summary() string {
	return fmt.Sprintf("%d migrated, %d failed", s.Migrated, s.Failed)
}

// Result holds the outcome of a run.
type Result struct {
	RunID    string       `json:"run_id"`
	Skipped  bool         `json:"skipped,omitempty"`
	Steps    []StepResult `json:"steps"`
	Failures []Failure    `json:"-"`
	Started  time.Time    `json:"started"`
	Finished time.Time    `json:"finished"`
}

// Migrated returns the number of records converted across all steps.
func (r *Result) Migrated() int {
	n := 0
	for _, s := range r.Steps {
		n += s.Migrated
	}
	return n
}

// Progress reports records processed so far out of the total.
type Progress struct {
	Completed int
	Total     int
}

// Outcome is delivered by Start when the run ends.
type Outcome struct {
	Result *Result
	Err    error
}

// Option configures a Migrator.
type Option func(*Migrator)

// WithBatchSize sets the number of records read per batch.
func WithBatchSize(n int) Option {
	return func(m *Migrator) {
		if n > 0 {
			m.batchSize = n
		}
	}
}

// WithConcurrency bounds concurrent delegate calls within a batch.
func WithConcurrency(n int) Option {
	return func(m *Migrator) {
		if n > 0 {
			m.concurrency = n
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Migrator) { m.log = l }
}

// WithProgress registers fn to be called after every batch.
func WithProgress(fn func(Progress)) Option {
	return func(m *Migrator) { m.progress = fn }
}

// Migrator moves legacyDir to backupDir and converts its records through
// a Delegate.
type Migrator struct {
	legacyDir   string
	backupDir   string
	delegate    Delegate
	batchSize   int
	concurrency int
	log         *slog.Logger
	progress    func(Progress)
	now         func() time.Time

	mu    sync.Mutex
	state State
}

// New returns a migrator in state NotStarted.
func New(legacyDir, backupDir string, d Delegate, opts ...Option) *Migrator {
	m := &Migrator{
		legacyDir:   legacyDir,
		backupDir:   backupDir,
		delegate:    d,
		batchSize:   defaultBatchSize,
		concurrency: defaultConcurrency,
		log:         slog.Default(),
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// State returns the current state.
func (m *Migrator) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *Migrator) setState(s State) {
	m.mu.Lock()
	m.state = s
	m.mu.Unlock()
}

// Exists reports whether legacy data is present at its original location.
func (m *Migrator) Exists() bool { return legacy.Exists(m.legacyDir) }

// BackupExists reports whether legacy data was moved to the backup
// location.
func (m *Migrator) BackupExists() bool { return legacy.Exists(m.backupDir) }

// Completed reports whether a run already finished for the backup.
func (m *Migrator) Completed() bool {
	_, err := os.Stat(filepath.Join(m.backupDir, MarkerName))
	return err == nil
}

// MoveOldDataToBackupLocation moves the legacy directory to the backup
// location. It does nothing if a backup already exists.
func (m *Migrator) MoveOldDataToBackupLocation() error {
	if m.BackupExists() {
		return nil
	}
	if !m.Exists() {
		return &MigrationError{Stage: "backup", Err: fmt.Errorf("no legacy data in %s", m.legacyDir)}
	}
	if err := os.MkdirAll(filepath.Dir(m.backupDir), 0o755); err != nil {
		return &MigrationError{Stage: "backup", Err: err}
	}
	if err := os.Rename(m.legacyDir, m.backupDir); err != nil {
		return &MigrationError{Stage: "backup", Err: err}
	}
	m.log.Info("moved legacy data to backup", "from", m.legacyDir, "to", m.backupDir)
	return nil
}

// RemoveBackupIfOlderThan deletes the backup of a completed migration once
// the completion marker is older than maxAge. It reports whether the backup
// was removed. Backups of unfinished runs are kept.
func (m *Migrator) RemoveBackupIfOlderThan(maxAge time.Duration) (bool, error) {
	info, err := os.Stat(filepath.Join(m.backupDir, MarkerName))
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if m.now().Sub(info.ModTime()) <= maxAge {
		return false, nil
	}
	if err := os.RemoveAll(m.backupDir); err != nil {
		return false, fmt.Errorf("removing backup %s: %w", m.backupDir, err)
	}
	m.log.Info("removed legacy backup", "path", m.backupDir, "age", m.now().Sub(info.ModTime()).Round(time.Second))
	return true, nil
}

// Start runs MigrateData on a new goroutine. The channel receives exactly
// one Outcome and is then closed.
func (m *Migrator) Start(ctx context.Context) <-chan Outcome {
	out := make(chan Outcome, 1)
	go func() {
		defer close(out)
		r, err := m.MigrateData(ctx)
		out <- Outcome{Result: r, Err: err}
	}()
	return out
}

// MigrateData moves legacy data to the backup location if needed and
// converts every record through the delegate. Per-record failures are
// collected in the result; only backup, read and cancellation failures
// are returned as errors. A completed backup is not migrated again.
func (m *Migrator) MigrateData(ctx context.Context) (*Result, error) {
	m.mu.Lock()
	if m.state == Running {
		m.mu.Unlock()
		return nil, ErrRunning
	}
	m.state = Running
	m.mu.Unlock()

	r, err := m.migrate(ctx)
	if err != nil {
		m.setState(Failed)
		m.log.Error("migration failed", "error", err)
		return r, err
	}
	m.setState(Finished)
	return r, nil
}

func (m *Migrator) migrate(ctx context.Context) (*Result, error) {
	r := &Result{RunID: uuid.NewString(), Started: m.now()}

	if !m.BackupExists() {
		if !m.Exists() {
			r.Skipped = true
			r.Finished = m.now()
			m.log.Debug("no legacy data to migrate", "path", m.legacyDir)
			return r, nil
		}
		if err := m.MoveOldDataToBackupLocation(); err != nil {
			return r, err
		}
	}
	if m.Completed() {
		r.Skipped = true
		r.Finished = m.now()
		m.log.Debug("legacy data already migrated", "path", m.backupDir)
		return r, nil
	}

	db, err := legacy.Open(ctx, m.backupDir, m.log)
	if err != nil {
		return r, &MigrationError{Stage: "open", Err: err}
	}
	defer db.Close()

	counts, err := db.Count(ctx)
	if err != nil {
		return r, &MigrationError{Stage: "count", Err: err}
	}
	m.log.Info("migrating legacy data",
		"run_id", r.RunID,
		"articles", counts.Articles,
		"images", counts.Images,
		"history", counts.History,
		"saved_pages", counts.SavedPages,
	)

	t := &tracker{total: counts.Total(), report: m.progress}
	t.advance(0)

	// Images attach to migrated articles, so articles go first. List
	// entries are converted one at a time to keep their legacy order.
	steps := []func() error{
		func() error {
			return runStep(ctx, m, r, t, "articles", m.concurrency, db.Articles,
				func(a legacy.Article) (int64, string) { return a.ID, a.Site + "/" + a.Title },
				m.delegate.MigrateArticle)
		},
		func() error {
			return runStep(ctx, m, r, t, "images", m.concurrency, db.Images,
				func(i legacy.Image) (int64, string) { return i.ID, i.SourceURL },
				m.delegate.MigrateImage)
		},
		func() error {
			return runStep(ctx, m, r, t, "history", 1, db.History,
				func(e legacy.HistoryEntry) (int64, string) { return e.ID, e.Site + "/" + e.Title },
				m.delegate.MigrateHistoryEntry)
		},
		func() error {
			return runStep(ctx, m, r, t, "saved_pages", 1, db.SavedPages,
				func(p legacy.SavedPage) (int64, string) { return p.ID, p.Site + "/" + p.Title },
				m.delegate.MigrateSavedEntry)
		},
	}
	for _, step := range steps {
		if err := step(); err != nil {
			return r, err
		}
	}

	if f, ok := m.delegate.(Finisher); ok {
		if err := f.FinishMigration(ctx); err != nil {
			return r, &MigrationError{Stage: "finish", Err: err}
		}
	}

	r.Finished = m.now()
	if err := m.writeMarker(r); err != nil {
		return r, &MigrationError{Stage: "marker", Err: err}
	}
	m.log.Info("migration complete",
		"run_id", r.RunID,
		"migrated", r.Migrated(),
		"failures", len(r.Failures),
		"elapsed", r.Finished.Sub(r.Started).Round(time.Millisecond),
	)
	return r, nil
}

func (m *Migrator) writeMarker(r *Result) error {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(m.backupDir, MarkerName), data, 0o644)
}

// tracker accumulates progress across steps.
type tracker struct {
	completed int
	total     int
	report    func(Progress)
}

func (t *tracker) advance(n int) {
	t.completed += n
	if t.report != nil {
		t.report(Progress{Completed: t.completed, Total: t.total})
	}
}

// runStep reads one record kind batch by batch and converts each batch on
// an errgroup bounded by limit.
func runStep[T any](
	ctx context.Context,
	m *Migrator,
	r *Result,
	t *tracker,
	name string,
	limit int,
	read func(ctx context.Context, afterID int64, limit int) ([]T, error),
	identify func(T) (int64, string),
	convert func(ctx context.Context, rec T) error,
) error {
	step := StepResult{Name: name}
	defer func() { r.Steps = append(r.Steps, step) }()

	var afterID int64
	for {
		if err := ctx.Err(); err != nil {
			return &MigrationError{Stage: name, Err: err}
		}
		batch, err := read(ctx, afterID, m.batchSize)
		if err != nil {
			return &MigrationError{Stage: name, Err: err}
		}
		if len(batch) == 0 {
			return nil
		}

		var (
			g  errgroup.Group
			mu sync.Mutex
		)
		g.SetLimit(limit)
		for _, rec := range batch {
			g.Go(func() error {
				if err := convert(ctx, rec); err != nil {
					id, label := identify(rec)
					mu.Lock()
					r.Failures = append(r.Failures, Failure{Kind: name, ID: id, Name: label, Err: err})
					step.Failed++
					mu.Unlock()
					m.log.Warn("record not migrated", "kind", name, "id", id, "name", label, "error", err)
					return nil
				}
				mu.Lock()
				step.Migrated++
				mu.Unlock()
				return nil
			})
		}
		g.Wait()

		afterID, _ = identify(batch[len(batch)-1])
		t.advance(len(batch))
		m.log.Debug("migrated batch", "kind", name, "size", len(batch), "completed", t.completed, "total", t.total)
	}
}
