// Package list implements ordered, unique-by-key collections with dirty
// tracking, and the user lists built on them: reading history, saved pages
// and recent searches.
//
// A List never sorts. Entries stay in insertion order; user-facing order
// comes from a view applied on top.
package list

import (
	"context"
	"fmt"
	"slices"
	"sync"
)

// Persister stores the full contents of a named list. v is a slice of the
// list's entry type.
type Persister interface {
	SaveList(ctx context.Context, name string, v any) error
}

// List is an insertion-ordered collection of entries, unique by key. It is
// safe for concurrent use.
type List[E any] struct {
	name      string
	key       func(E) string
	persister Persister

	mu      sync.RWMutex
	entries []E
	index   map[string]int
	dirty   bool
	gen     uint64 // bumped on every mutation
	saveMu  sync.Mutex
}

// New returns a list holding initial. Later duplicates in initial replace
// earlier ones. The new list is clean.
func New[E any](name string, key func(E) string, p Persister, initial []E) *List[E] {
	l := &List[E]{
		name:      name,
		key:       key,
		persister: p,
		index:     make(map[string]int, len(initial)),
	}
	for _, e := range initial {
		l.upsertLocked(e)
	}
	return l
}

// Name returns the list name.
func (l *List[E]) Name() string { return l.name }

// Key returns the uniqueness key of e.
func (l *List[E]) Key(e E) string { return l.key(e) }

// Upsert adds e, or replaces the entry with the same key in place. It
// reports whether e was new.
func (l *List[E]) Upsert(e E) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	added := l.upsertLocked(e)
	l.touch()
	return added
}

func (l *List[E]) upsertLocked(e E) bool {
	k := l.key(e)
	if i, ok := l.index[k]; ok {
		l.entries[i] = e
		return false
	}
	l.index[k] = len(l.entries)
	l.entries = append(l.entries, e)
	return true
}

// UpsertFunc replaces or adds the entry with key k using fn, which receives
// the current entry if one exists. The result must have key k.
func (l *List[E]) UpsertFunc(k string, fn func(old E, exists bool) E) E {
	l.mu.Lock()
	defer l.mu.Unlock()
	var old E
	i, ok := l.index[k]
	if ok {
		old = l.entries[i]
	}
	e := fn(old, ok)
	if nk := l.key(e); nk != k {
		panic(fmt.Sprintf("list %s: upsert produced key %q, want %q", l.name, nk, k))
	}
	l.upsertLocked(e)
	l.touch()
	return e
}

// PushBack adds e as the newest entry, moving an existing entry with the
// same key to the back.
func (l *List[E]) PushBack(e E) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if i, ok := l.index[l.key(e)]; ok {
		l.removeAt(i)
	}
	l.upsertLocked(e)
	l.touch()
}

// Toggle removes the entry with e's key if present, otherwise adds e. It
// returns the new membership state.
func (l *List[E]) Toggle(e E) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	defer l.touch()
	if i, ok := l.index[l.key(e)]; ok {
		l.removeAt(i)
		return false
	}
	l.upsertLocked(e)
	return true
}

// Remove deletes the entry with key k. It reports whether one existed.
func (l *List[E]) Remove(k string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	i, ok := l.index[k]
	if !ok {
		return false
	}
	l.removeAt(i)
	l.touch()
	return true
}

// RemoveAll empties the list.
func (l *List[E]) RemoveAll() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.entries) == 0 {
		return
	}
	l.entries = nil
	clear(l.index)
	l.touch()
}

// TrimFront drops the oldest entries until at most max remain and returns
// how many were dropped.
func (l *List[E]) TrimFront(max int) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := len(l.entries) - max
	if n <= 0 {
		return 0
	}
	l.entries = slices.Clone(l.entries[n:])
	l.reindex()
	l.touch()
	return n
}

// caller holds l.mu
func (l *List[E]) removeAt(i int) {
	l.entries = slices.Delete(l.entries, i, i+1)
	l.reindex()
}

// caller holds l.mu
func (l *List[E]) reindex() {
	clear(l.index)
	for i, e := range l.entries {
		l.index[l.key(e)] = i
	}
}

// caller holds l.mu
func (l *List[E]) touch() {
	l.dirty = true
	l.gen++
}

// Contains reports whether an entry with key k exists.
func (l *List[E]) Contains(k string) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	_, ok := l.index[k]
	return ok
}

// Get returns the entry with key k.
func (l *List[E]) Get(k string) (E, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	i, ok := l.index[k]
	if !ok {
		var zero E
		return zero, false
	}
	return l.entries[i], true
}

// Update applies fn to the entry with key k in place. fn must not change
// the entry's key. It reports whether the entry existed.
func (l *List[E]) Update(k string, fn func(*E)) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	i, ok := l.index[k]
	if !ok {
		return false
	}
	fn(&l.entries[i])
	if nk := l.key(l.entries[i]); nk != k {
		panic(fmt.Sprintf("list %s: update changed key %q to %q", l.name, k, nk))
	}
	l.touch()
	return true
}

// Enumerate calls fn for each entry in insertion order until fn returns
// false. It iterates over a snapshot, so fn may mutate the list.
func (l *List[E]) Enumerate(fn func(E) bool) {
	for _, e := range l.Entries() {
		if !fn(e) {
			return
		}
	}
}

// Entries returns a snapshot of the entries in insertion order.
func (l *List[E]) Entries() []E {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return slices.Clone(l.entries)
}

// Len returns the number of entries.
func (l *List[E]) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.entries)
}

// Dirty reports unsaved mutations.
func (l *List[E]) Dirty() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.dirty
}

// Version changes whenever the contents change. Views use it to decide
// when to recompute.
func (l *List[E]) Version() uint64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.gen
}

// Save persists the list if it is dirty. Dirty is cleared only when the
// write succeeds and no mutation happened meanwhile.
func (l *List[E]) Save(ctx context.Context) error {
	l.saveMu.Lock()
	defer l.saveMu.Unlock()

	l.mu.RLock()
	if !l.dirty {
		l.mu.RUnlock()
		return nil
	}
	snapshot := slices.Clone(l.entries)
	gen := l.gen
	l.mu.RUnlock()

	if snapshot == nil {
		snapshot = []E{}
	}
	if l.persister == nil {
		return fmt.Errorf("save list %s: no persister", l.name)
	}
	if err := l.persister.SaveList(ctx, l.name, snapshot); err != nil {
		return fmt.Errorf("save list %s: %w", l.name, err)
	}

	l.mu.Lock()
	if l.gen == gen {
		l.dirty = false
	}
	l.mu.Unlock()
	return nil
}
