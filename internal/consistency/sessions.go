package consistency

import (
	"sort"
	"sync"
)

// Sessions maps a session to the regions known to hold its writes.
type Sessions struct {
	mu      sync.RWMutex
	regions map[string]map[string]struct{}
}

func NewSessions() *Sessions {
	return &Sessions{regions: make(map[string]map[string]struct{})}
}

// Record notes that region holds a write of session.
func (s *Sessions) Record(session, region string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	set, ok := s.regions[session]
	if !ok {
		set = make(map[string]struct{})
		s.regions[session] = set
	}
	set[region] = struct{}{}
}

// Regions returns the regions recorded for session, sorted.
func (s *Sessions) Regions(session string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	set := s.regions[session]
	out := make([]string, 0, len(set))
	for r := range set {
		out = append(out, r)
	}
	sort.Strings(out)
	return out
}

// Forget drops session.
func (s *Sessions) Forget(session string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.regions, session)
}
