// Package store persists wiki articles, sections, images and user lists
// under a base directory for offline reading.
//
// All writes run on a single writer goroutine in submission order while
// holding the store's write lock; reads take the read lock and may run
// concurrently with each other. In-memory Article instances are caches of
// the files on disk and may be evicted at any time.
package store

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/TobiSchelling/wikicache/internal/list"
	"github.com/TobiSchelling/wikicache/internal/title"
)

const (
	defaultQueueSize         = 64
	defaultSubscriberBuffer  = 32
	defaultRecentSearchLimit = 20
)

// Store is the on-device article store. Create one with Open and share it;
// it is safe for concurrent use.
type Store struct {
	base string
	log  *slog.Logger

	// mu guards the files under base: the writer holds it exclusively
	// while a job runs, readers hold it shared.
	mu sync.RWMutex

	cacheMu  sync.Mutex
	articles map[string]*Article

	jobs     chan *job
	closeMu  sync.RWMutex
	closed   bool
	stopped  chan struct{}
	queueLen int

	subsMu    sync.Mutex
	subs      []chan Event
	subBuffer int

	listsMu     sync.Mutex
	history     *list.History
	saved       *list.SavedPages
	searches    *list.RecentSearches
	searchLimit int

	// indexVersion is bumped whenever the set of cached articles or
	// their index fields may have changed.
	indexVersion atomic.Uint64
	index        *Index
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the logger; slog.Default() is used otherwise.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.log = l }
}

// WithQueueSize sets how many writes may be queued before submitters block.
func WithQueueSize(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.queueLen = n
		}
	}
}

// WithSubscriberBuffer sets the channel capacity handed to subscribers.
func WithSubscriberBuffer(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.subBuffer = n
		}
	}
}

// WithRecentSearchLimit caps the recent searches list.
func WithRecentSearchLimit(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.searchLimit = n
		}
	}
}

// Open creates or opens a store rooted at base and starts its writer.
func Open(base string, opts ...Option) (*Store, error) {
	if err := os.MkdirAll(base, 0o755); err != nil {
		return nil, ioError("create store directory", base, err)
	}

	s := &Store{
		base:        base,
		log:         slog.Default(),
		articles:    make(map[string]*Article),
		stopped:     make(chan struct{}),
		queueLen:    defaultQueueSize,
		subBuffer:   defaultSubscriberBuffer,
		searchLimit: defaultRecentSearchLimit,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.log = s.log.With("component", "store")

	if err := s.checkFormat(); err != nil {
		return nil, err
	}

	s.jobs = make(chan *job, s.queueLen)
	s.index = &Index{store: s}
	go s.run()

	s.log.Debug("store opened", "base", base)
	return s, nil
}

// Base returns the base directory.
func (s *Store) Base() string { return s.base }

func (s *Store) abs(rel string) string {
	return filepath.Join(s.base, rel)
}

// Close drains queued writes, stops the writer and closes subscriber
// channels. Later writes fail with ErrClosed.
func (s *Store) Close() error {
	s.closeMu.Lock()
	if s.closed {
		s.closeMu.Unlock()
		return nil
	}
	s.closed = true
	close(s.jobs)
	s.closeMu.Unlock()

	<-s.stopped

	s.subsMu.Lock()
	for _, ch := range s.subs {
		close(ch)
	}
	s.subs = nil
	s.subsMu.Unlock()

	s.log.Debug("store closed")
	return nil
}

// --- writer ---

type job struct {
	name string
	fn   func() error
	done chan error
}

func (s *Store) run() {
	defer close(s.stopped)
	for j := range s.jobs {
		s.mu.Lock()
		err := j.fn()
		s.mu.Unlock()
		if err != nil {
			s.log.Warn("write failed", "op", j.name, "error", err)
		}
		if j.done != nil {
			j.done <- err
		}
	}
}

func (s *Store) enqueue(ctx context.Context, j *job) error {
	s.closeMu.RLock()
	defer s.closeMu.RUnlock()
	if s.closed {
		return ErrClosed
	}
	select {
	case s.jobs <- j:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// submit queues fn and waits for it. If ctx ends after the job was queued
// the write still runs to completion; only the wait is abandoned.
func (s *Store) submit(ctx context.Context, name string, fn func() error) error {
	j := &job{name: name, fn: fn, done: make(chan error, 1)}
	if err := s.enqueue(ctx, j); err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}
	select {
	case err := <-j.done:
		return err
	case <-ctx.Done():
		return fmt.Errorf("%s: %w", name, ctx.Err())
	}
}

// NotifyWhenWritesComplete calls fn on its own goroutine once every write
// queued before the call has finished. It returns ErrClosed if the store
// no longer accepts work.
func (s *Store) NotifyWhenWritesComplete(fn func()) error {
	j := &job{name: "barrier", fn: func() error {
		go fn()
		return nil
	}}
	return s.enqueue(context.Background(), j)
}

// Flush blocks until every write queued before the call has finished.
func (s *Store) Flush(ctx context.Context) error {
	return s.submit(ctx, "flush", func() error { return nil })
}

// --- in-memory cache ---

func (s *Store) cached(t title.Title) *Article {
	s.cacheMu.Lock()
	defer s.cacheMu.Unlock()
	return s.articles[t.WithoutFragment().Key()]
}

// adopt caches a unless another instance for the same title won a race,
// in which case the existing instance is returned.
func (s *Store) adopt(a *Article) *Article {
	s.cacheMu.Lock()
	defer s.cacheMu.Unlock()
	key := a.title.Key()
	if existing, ok := s.articles[key]; ok {
		return existing
	}
	s.articles[key] = a
	return a
}

// replace caches a, discarding any previous instance for its title.
func (s *Store) replace(a *Article) {
	s.cacheMu.Lock()
	s.articles[a.title.Key()] = a
	s.cacheMu.Unlock()
}

// Evict drops the cached instance for t. The next fetch reads from disk.
func (s *Store) Evict(t title.Title) {
	s.cacheMu.Lock()
	delete(s.articles, t.WithoutFragment().Key())
	s.cacheMu.Unlock()
}

// CachedCount returns the number of in-memory Article instances.
func (s *Store) CachedCount() int {
	s.cacheMu.Lock()
	defer s.cacheMu.Unlock()
	return len(s.articles)
}
