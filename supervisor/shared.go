package supervisor

import (
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/wippyai/dualvm/cancel"
	"github.com/wippyai/dualvm/memlimit"
	"github.com/wippyai/dualvm/metrics"
)

// SharedContext is the state both instances of one execution share. Memory
// limiters are deliberately absent: each mode owns its own.
type SharedContext struct {
	ID       uuid.UUID
	Token    *cancel.Token
	Sync     bool
	Debug    bool
	Metrics  *metrics.Registry
	HostData string

	storagePages atomic.Uint64
	storage      *memlimit.Storage
	cancel       func()
}

func newSharedContext(reg *metrics.Registry, req Request, sync bool, storagePages uint64) *SharedContext {
	token, cancelFn := cancel.New()
	sc := &SharedContext{
		ID:       uuid.New(),
		Token:    token,
		Sync:     sync,
		Debug:    req.Debug,
		Metrics:  reg,
		HostData: req.HostData,
		cancel:   cancelFn,
	}
	sc.storagePages.Store(storagePages)
	sc.storage = memlimit.NewStorage(&sc.storagePages)
	return sc
}

// Storage returns the storage budget shared by both modes.
func (sc *SharedContext) Storage() *memlimit.Storage {
	return sc.storage
}

// Cancel stops the execution. It is idempotent.
func (sc *SharedContext) Cancel() {
	sc.cancel()
}
