package store

import "github.com/TobiSchelling/wikicache/internal/title"

// EventKind identifies a change notification.
type EventKind int

const (
	ArticleUpdated EventKind = iota + 1
	ArticleDeleted
	ListUpdated
)

func (k EventKind) String() string {
	switch k {
	case ArticleUpdated:
		return "article-updated"
	case ArticleDeleted:
		return "article-deleted"
	case ListUpdated:
		return "list-updated"
	default:
		return "unknown"
	}
}

// Event is delivered to subscribers after a successful save or remove.
type Event struct {
	Kind  EventKind
	Title title.Title // zero for list events
	List  string      // set for ListUpdated
}

// Subscribe returns a channel receiving every subsequent Event. Delivery
// never blocks the store: events are dropped for a subscriber whose buffer
// is full. The channel is closed by Unsubscribe or Close.
func (s *Store) Subscribe() <-chan Event {
	ch := make(chan Event, s.subBuffer)
	s.subsMu.Lock()
	s.subs = append(s.subs, ch)
	s.subsMu.Unlock()
	return ch
}

// Unsubscribe stops delivery to ch and closes it.
func (s *Store) Unsubscribe(ch <-chan Event) {
	s.subsMu.Lock()
	defer s.subsMu.Unlock()
	for i, sub := range s.subs {
		if sub == ch {
			s.subs = append(s.subs[:i], s.subs[i+1:]...)
			close(sub)
			return
		}
	}
}

func (s *Store) notify(ev Event) {
	if ev.Kind != ListUpdated {
		s.indexVersion.Add(1)
	}
	s.subsMu.Lock()
	defer s.subsMu.Unlock()
	for _, ch := range s.subs {
		select {
		case ch <- ev:
		default:
			s.log.Debug("subscriber buffer full, event dropped", "event", ev.Kind.String())
		}
	}
}
