// Package view projects lists and the article index into named, grouped
// and sorted mappings addressed by (group, row) coordinates.
package view

import (
	"errors"
	"fmt"
	"slices"
	"sync"
)

// ErrUnknownView is returned for a name that was never registered.
var ErrUnknownView = errors.New("unknown view")

// Source is anything a view can be computed over. Version must change
// whenever Entries would return something different.
type Source[E any] interface {
	Entries() []E
	Version() uint64
}

// View is a named projection. A nil Group puts every entry in one group
// with an empty key; a nil Sort keeps source order; a nil Filter keeps
// everything. Reverse walks the source last to first, so entries the
// sort considers equal come out newest first for lists kept newest last.
type View[E any] struct {
	Name    string
	Group   func(E) string
	Sort    func(a, b E) int
	Filter  func(E) bool
	Reverse bool
}

// Filtered returns a view with the same grouping and sorting that also
// drops entries for which keep returns false.
func (v View[E]) Filtered(name string, keep func(E) bool) View[E] {
	prev := v.Filter
	v.Name = name
	if prev == nil {
		v.Filter = keep
		return v
	}
	v.Filter = func(e E) bool { return prev(e) && keep(e) }
	return v
}

// Apply computes the mapping of entries. Entries are filtered, sorted
// stably, then grouped; groups appear in the order of their first entry.
func (v View[E]) Apply(entries []E, key func(E) string) *Mapping[E] {
	rows := make([]E, 0, len(entries))
	for _, e := range entries {
		if v.Filter == nil || v.Filter(e) {
			rows = append(rows, e)
		}
	}
	if v.Reverse {
		slices.Reverse(rows)
	}
	if v.Sort != nil {
		slices.SortStableFunc(rows, v.Sort)
	}

	m := &Mapping[E]{coords: make(map[string]Coord, len(rows))}
	groupIdx := make(map[string]int)
	for _, e := range rows {
		gk := ""
		if v.Group != nil {
			gk = v.Group(e)
		}
		gi, ok := groupIdx[gk]
		if !ok {
			gi = len(m.groups)
			groupIdx[gk] = gi
			m.groups = append(m.groups, Group[E]{Key: gk})
		}
		g := &m.groups[gi]
		if key != nil {
			m.coords[key(e)] = Coord{Group: gi, Row: len(g.Rows)}
		}
		g.Rows = append(g.Rows, e)
		m.total++
	}
	return m
}

// Group is one section of a mapping.
type Group[E any] struct {
	Key  string
	Rows []E
}

// Coord addresses one row of a mapping.
type Coord struct {
	Group int
	Row   int
}

// Mapping is the materialized result of a view. It is immutable.
type Mapping[E any] struct {
	groups []Group[E]
	coords map[string]Coord
	total  int
}

// NumGroups returns the number of groups.
func (m *Mapping[E]) NumGroups() int { return len(m.groups) }

// Group returns group g. It panics if g is out of range.
func (m *Mapping[E]) Group(g int) Group[E] {
	gr := m.groups[g]
	gr.Rows = slices.Clip(gr.Rows)
	return gr
}

// Groups returns all groups in order.
func (m *Mapping[E]) Groups() []Group[E] { return slices.Clone(m.groups) }

// NumRows returns the number of rows in group g.
func (m *Mapping[E]) NumRows(g int) int { return len(m.groups[g].Rows) }

// Len returns the number of rows across all groups.
func (m *Mapping[E]) Len() int { return m.total }

// At returns the entry at (g, r).
func (m *Mapping[E]) At(g, r int) E { return m.groups[g].Rows[r] }

// Get returns the entry at c, or false if c is out of range.
func (m *Mapping[E]) Get(c Coord) (E, bool) {
	var zero E
	if c.Group < 0 || c.Group >= len(m.groups) {
		return zero, false
	}
	rows := m.groups[c.Group].Rows
	if c.Row < 0 || c.Row >= len(rows) {
		return zero, false
	}
	return rows[c.Row], true
}

// IndexOf returns the coordinates of the entry with the given key.
func (m *Mapping[E]) IndexOf(key string) (Coord, bool) {
	c, ok := m.coords[key]
	return c, ok
}

// Registry holds named views over one source and caches their mappings
// until the source version changes.
type Registry[E any] struct {
	source Source[E]
	key    func(E) string

	mu    sync.Mutex
	views map[string]View[E]
	order []string
	cache map[string]cachedMapping[E]
}

type cachedMapping[E any] struct {
	version uint64
	mapping *Mapping[E]
}

// NewRegistry returns a registry over source. key identifies entries for
// Mapping.IndexOf.
func NewRegistry[E any](source Source[E], key func(E) string, views ...View[E]) *Registry[E] {
	r := &Registry[E]{
		source: source,
		key:    key,
		views:  make(map[string]View[E]),
		cache:  make(map[string]cachedMapping[E]),
	}
	for _, v := range views {
		r.Register(v)
	}
	return r
}

// Register adds v, replacing any view with the same name.
func (r *Registry[E]) Register(v View[E]) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.views[v.Name]; !ok {
		r.order = append(r.order, v.Name)
	}
	r.views[v.Name] = v
	delete(r.cache, v.Name)
}

// Names returns the registered view names in registration order.
func (r *Registry[E]) Names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.order)
}

// View returns the named view.
func (r *Registry[E]) View(name string) (View[E], error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	v, ok := r.views[name]
	if !ok {
		return View[E]{}, fmt.Errorf("%w: %q", ErrUnknownView, name)
	}
	return v, nil
}

// Mapping returns the current mapping of the named view, recomputing it
// if the source changed since it was last built.
func (r *Registry[E]) Mapping(name string) (*Mapping[E], error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	v, ok := r.views[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownView, name)
	}
	version := r.source.Version()
	if c, ok := r.cache[name]; ok && c.version == version {
		return c.mapping, nil
	}
	m := v.Apply(r.source.Entries(), r.key)
	r.cache[name] = cachedMapping[E]{version: version, mapping: m}
	return m, nil
}
