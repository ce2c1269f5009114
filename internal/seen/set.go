// Package seen holds the in-process TTL set used as the hot-path de-dup
// gate. It does not survive restarts and is never the only guard against a
// double claim; the distributed lock is.
package seen

import (
	"container/list"
	"sync"
	"time"
)

const (
	DefaultTTL     = 6 * time.Hour
	DefaultMaxSize = 10000
)

// Set is a capacity-bounded set of ids whose entries expire TTL after
// insertion. It is safe for concurrent use.
type Set struct {
	mu      sync.Mutex
	ttl     time.Duration
	max     int
	entries map[string]*list.Element
	order   *list.List
	now     func() time.Time
}

type entry struct {
	id        string
	expiresAt time.Time
}

// New creates a Set. Non-positive arguments fall back to the defaults.
func New(ttl time.Duration, maxSize int) *Set {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if maxSize <= 0 {
		maxSize = DefaultMaxSize
	}
	return &Set{
		ttl:     ttl,
		max:     maxSize,
		entries: make(map[string]*list.Element),
		order:   list.New(),
		now:     time.Now,
	}
}

// WithClock replaces the time source. Used by tests.
func (s *Set) WithClock(now func() time.Time) *Set {
	s.now = now
	return s
}

// Has reports whether id was added and has not expired.
func (s *Set) Has(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	el, ok := s.entries[id]
	if !ok {
		return false
	}
	if !s.now().Before(el.Value.(*entry).expiresAt) {
		s.remove(el)
		return false
	}
	return true
}

// Add inserts id, or refreshes its expiry and insertion position. When the
// set is full the oldest 5% of entries are evicted first.
func (s *Set) Add(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if el, ok := s.entries[id]; ok {
		s.remove(el)
	}
	if len(s.entries) >= s.max {
		s.evict()
	}
	el := s.order.PushBack(&entry{id: id, expiresAt: s.now().Add(s.ttl)})
	s.entries[id] = el
}

// TryAdd adds id unless it is already present and live. It returns true
// when the caller inserted it.
func (s *Set) TryAdd(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if el, ok := s.entries[id]; ok {
		if s.now().Before(el.Value.(*entry).expiresAt) {
			return false
		}
		s.remove(el)
	}
	if len(s.entries) >= s.max {
		s.evict()
	}
	s.entries[id] = s.order.PushBack(&entry{id: id, expiresAt: s.now().Add(s.ttl)})
	return true
}

// Remove forgets id so the next sighting passes the gate again.
func (s *Set) Remove(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if el, ok := s.entries[id]; ok {
		s.remove(el)
	}
}

// Len returns the number of stored entries, expired ones included.
func (s *Set) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

func (s *Set) evict() {
	n := (s.max*5 + 99) / 100
	for i := 0; i < n; i++ {
		front := s.order.Front()
		if front == nil {
			return
		}
		s.remove(front)
	}
}

func (s *Set) remove(el *list.Element) {
	delete(s.entries, el.Value.(*entry).id)
	s.order.Remove(el)
}
