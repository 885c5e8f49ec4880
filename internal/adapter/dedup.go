package adapter

import (
	"fmt"
	"sync"
)

// SeenSet remembers the most recent event keys so that redelivery after a
// reconnect is dropped. Oldest keys are evicted first once capacity is reached.
type SeenSet struct {
	mu    sync.Mutex
	cap   int
	keys  map[string]struct{}
	order []string
	head  int
}

func NewSeenSet(capacity int) *SeenSet {
	if capacity <= 0 {
		capacity = 4096
	}
	return &SeenSet{
		cap:   capacity,
		keys:  make(map[string]struct{}, capacity),
		order: make([]string, 0, capacity),
	}
}

// DedupKey builds the (position, identifier) key used by subscription adapters.
func DedupKey(position uint64, identifier string) string {
	return fmt.Sprintf("%d/%s", position, identifier)
}

// Add records key and reports whether it was new.
func (s *SeenSet) Add(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.keys[key]; ok {
		return false
	}
	if len(s.order) < s.cap {
		s.order = append(s.order, key)
	} else {
		delete(s.keys, s.order[s.head])
		s.order[s.head] = key
		s.head = (s.head + 1) % s.cap
	}
	s.keys[key] = struct{}{}
	return true
}

func (s *SeenSet) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.keys)
}
