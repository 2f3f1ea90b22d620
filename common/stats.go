package common

import (
	"sync"
)

// Stats keeps named counters. It is safe for concurrent use.
type Stats struct {
	counts map[string]int
	mu     sync.Mutex
}

func NewStats() *Stats {
	return &Stats{
		counts: map[string]int{},
		mu:     sync.Mutex{},
	}
}

func (s *Stats) Incr(key string) {
	s.mu.Lock()
	s.counts[key] += 1
	s.mu.Unlock()
}

func (s *Stats) Get(key string) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.counts[key]
}
