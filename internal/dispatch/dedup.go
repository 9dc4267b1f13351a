package dispatch

import (
	"sync"
	"time"
)

// ttlSet is the short-lived set of in-flight message ids. An id seen
// twice within the TTL window is a duplicate; reconnect history replay
// produces exactly that shape.
type ttlSet struct {
	mu        sync.Mutex
	seen      map[string]time.Time
	ttl       time.Duration
	lastSweep time.Time
}

func newTTLSet(ttl time.Duration) *ttlSet {
	return &ttlSet{
		seen: make(map[string]time.Time),
		ttl:  ttl,
	}
}

// Seen records id and reports whether it was already present within the
// window. Expired entries are swept lazily, at most once per TTL.
func (s *ttlSet) Seen(id string, now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if now.Sub(s.lastSweep) >= s.ttl {
		cutoff := now.Add(-s.ttl)
		for k, at := range s.seen {
			if at.Before(cutoff) {
				delete(s.seen, k)
			}
		}
		s.lastSweep = now
	}

	if at, ok := s.seen[id]; ok && now.Sub(at) < s.ttl {
		return true
	}
	s.seen[id] = now
	return false
}

// Len returns the number of tracked ids, including not-yet-swept ones.
func (s *ttlSet) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.seen)
}
