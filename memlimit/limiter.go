// Package memlimit enforces page budgets for guest instances.
package memlimit

import (
	"sync/atomic"
)

// PageSize is the WebAssembly page size in bytes.
const PageSize = 65536

// FileMappingCost is the byte charge of one mapped file, accounted against the
// same page budget as linear memory.
const FileMappingCost = 256

// Limiter holds the remaining page budget of one instance. Reservations
// never drive the budget negative.
type Limiter struct {
	remaining atomic.Uint64
	initial   uint64
	lowest    atomic.Uint64
}

// New returns a limiter with a budget of pages.
func New(pages uint64) *Limiter {
	l := &Limiter{initial: pages}
	l.remaining.Store(pages)
	l.lowest.Store(pages)
	return l
}

// TryReserve takes pages from the budget. It fails without side effects
// when fewer than pages remain.
func (l *Limiter) TryReserve(pages uint64) bool {
	for {
		cur := l.remaining.Load()
		if cur < pages {
			return false
		}
		next := cur - pages
		if l.remaining.CompareAndSwap(cur, next) {
			l.recordLow(next)
			return true
		}
	}
}

// Release returns pages taken by a successful TryReserve.
func (l *Limiter) Release(pages uint64) {
	l.remaining.Add(pages)
}

// Remaining returns the pages still available.
func (l *Limiter) Remaining() uint64 {
	return l.remaining.Load()
}

// Outstanding returns the pages currently reserved.
func (l *Limiter) Outstanding() uint64 {
	return l.initial - l.remaining.Load()
}

// Budget returns the initial budget.
func (l *Limiter) Budget() uint64 {
	return l.initial
}

// LeastRemaining returns the lowest remaining value observed, i.e. the
// budget left at peak usage.
func (l *Limiter) LeastRemaining() uint64 {
	return l.lowest.Load()
}

func (l *Limiter) recordLow(v uint64) {
	for {
		cur := l.lowest.Load()
		if v >= cur || l.lowest.CompareAndSwap(cur, v) {
			return
		}
	}
}

// PagesFor rounds a byte count up to whole pages.
func PagesFor(bytes uint64) uint64 {
	return (bytes + PageSize - 1) / PageSize
}
