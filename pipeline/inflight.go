package pipeline

import (
	"strings"
	"sync"
)

// InFlightSet tracks event ids claimed by workers of one pool. It only saves
// ledger round-trips; the ledger decides who processed what.
type InFlightSet struct {
	mu     sync.Mutex
	claims map[string]struct{}
}

func NewInFlightSet() *InFlightSet {
	return &InFlightSet{claims: map[string]struct{}{}}
}

// TryClaim adds id and reports whether it was absent.
func (s *InFlightSet) TryClaim(id string) bool {
	id = strings.TrimSpace(id)
	if s == nil || id == "" {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.claims[id]; exists {
		return false
	}
	s.claims[id] = struct{}{}
	return true
}

func (s *InFlightSet) Release(id string) {
	if s == nil {
		return
	}
	s.mu.Lock()
	delete(s.claims, strings.TrimSpace(id))
	s.mu.Unlock()
}

func (s *InFlightSet) Contains(id string) bool {
	if s == nil {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_, exists := s.claims[strings.TrimSpace(id)]
	return exists
}

func (s *InFlightSet) Len() int {
	if s == nil {
		return 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.claims)
}
