package historysync

import "sync"

// InFlight is the set of session keys with an outstanding history request.
type InFlight struct {
	mu   sync.Mutex
	keys map[string]struct{}
}

// NewInFlight returns an empty set.
func NewInFlight() *InFlight {
	return &InFlight{keys: make(map[string]struct{})}
}

// TryAdd adds key and reports whether it was absent.
func (s *InFlight) TryAdd(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.keys[key]; ok {
		return false
	}
	s.keys[key] = struct{}{}
	return true
}

// Remove drops key.
func (s *InFlight) Remove(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.keys, key)
}

// Has reports whether key is in flight.
func (s *InFlight) Has(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.keys[key]
	return ok
}

// Len returns the number of keys in flight.
func (s *InFlight) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.keys)
}
