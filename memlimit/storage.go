package memlimit

import "sync/atomic"

// Storage charges storage pages against a budget owned elsewhere, typically
// by the shared execution context. Unlike Limiter, consumption is final.
type Storage struct {
	budget *atomic.Uint64
}

// NewStorage wraps an externally owned counter.
func NewStorage(budget *atomic.Uint64) *Storage {
	return &Storage{budget: budget}
}

// Consume takes pages from the budget, failing without side effects when
// fewer remain.
func (s *Storage) Consume(pages uint64) bool {
	for {
		cur := s.budget.Load()
		if cur < pages {
			return false
		}
		if s.budget.CompareAndSwap(cur, cur-pages) {
			return true
		}
	}
}

// Remaining returns the pages still available.
func (s *Storage) Remaining() uint64 {
	return s.budget.Load()
}
