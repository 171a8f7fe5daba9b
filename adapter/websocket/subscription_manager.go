package websocket

import "sync"

// subscriptionSet is an ordered, de-duplicated list of descriptors.
// It is owned by one Multiplexer.
type subscriptionSet struct {
	mu    sync.RWMutex
	items []Descriptor
	index map[Descriptor]int
}

func newSubscriptionSet() *subscriptionSet {
	return &subscriptionSet{index: make(map[Descriptor]int)}
}

// add appends d and reports whether it was new
func (s *subscriptionSet) add(d Descriptor) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.index[d]; ok {
		return false
	}
	s.index[d] = len(s.items)
	s.items = append(s.items, d)
	return true
}

// remove drops d and reports whether it was present
func (s *subscriptionSet) remove(d Descriptor) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	i, ok := s.index[d]
	if !ok {
		return false
	}
	s.items = append(s.items[:i], s.items[i+1:]...)
	delete(s.index, d)
	for j := i; j < len(s.items); j++ {
		s.index[s.items[j]] = j
	}
	return true
}

func (s *subscriptionSet) contains(d Descriptor) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.index[d]
	return ok
}

// snapshot returns the descriptors in insertion order
func (s *subscriptionSet) snapshot() []Descriptor {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Descriptor, len(s.items))
	copy(out, s.items)
	return out
}

func (s *subscriptionSet) clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items = nil
	s.index = make(map[Descriptor]int)
}
