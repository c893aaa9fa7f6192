package engine

import (
	"sync"
	"sync/atomic"

	"github.com/tetratelabs/wazero/experimental"

	"github.com/wippyai/dualvm/memlimit"
)

// limitedAllocator backs every linear memory of one instance with pages
// reserved from its limiter. A reservation failure makes memory.grow
// return -1 to the guest.
type limitedAllocator struct {
	limiter *memlimit.Limiter
	denied  atomic.Bool

	mu       sync.Mutex
	memories []*linearMemory
}

func newLimitedAllocator(l *memlimit.Limiter) *limitedAllocator {
	return &limitedAllocator{limiter: l}
}

func (a *limitedAllocator) Allocate(_, max uint64) experimental.LinearMemory {
	m := &linearMemory{limiter: a.limiter, max: max, denied: &a.denied}
	a.mu.Lock()
	a.memories = append(a.memories, m)
	a.mu.Unlock()
	return m
}

// release frees every memory the runtime did not free itself.
func (a *limitedAllocator) release() {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, m := range a.memories {
		m.Free()
	}
	a.memories = nil
}

type linearMemory struct {
	limiter *memlimit.Limiter
	max     uint64
	denied  *atomic.Bool

	mu    sync.Mutex
	buf   []byte
	pages uint64
	freed bool
}

func (m *linearMemory) Reallocate(size uint64) []byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.freed || size > m.max {
		return nil
	}
	if need := memlimit.PagesFor(size); need > m.pages {
		if !m.limiter.TryReserve(need - m.pages) {
			if m.denied != nil {
				m.denied.Store(true)
			}
			return nil
		}
		m.pages = need
	}
	if size <= uint64(cap(m.buf)) {
		m.buf = m.buf[:size]
		return m.buf
	}
	grown := make([]byte, size, m.pages*memlimit.PageSize)
	copy(grown, m.buf)
	m.buf = grown
	return m.buf
}

func (m *linearMemory) Free() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.freed {
		return
	}
	m.freed = true
	m.limiter.Release(m.pages)
	m.pages = 0
	m.buf = nil
}
