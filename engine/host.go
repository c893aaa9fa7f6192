package engine

import (
	"context"
	"sync"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/sys"
	"go.uber.org/zap"

	"github.com/wippyai/dualvm"
	"github.com/wippyai/dualvm/cancel"
	"github.com/wippyai/dualvm/capability"
	"github.com/wippyai/dualvm/errors"
	"github.com/wippyai/dualvm/memlimit"
)

// HostModule is the import namespace of the host functions.
const HostModule = "gl"

// Results of storage_reserve.
const (
	storageOK  = 0
	storageOOM = 1
)

// Capabilities answers capability calls from non-deterministic guests.
type Capabilities interface {
	Call(ctx context.Context, req capability.Request) (capability.Response, error)
}

// host is the per-instance state behind the gl module.
type host struct {
	mode    dualvm.Mode
	caps    Capabilities
	storage *memlimit.Storage
	token   *cancel.Token
	log     *zap.Logger

	mu        sync.Mutex
	pending   []byte
	hasResult bool
	violation error
}

// checkCancelled unwinds the guest when the execution was cancelled.
func (h *host) checkCancelled() {
	if h.token != nil && h.token.IsCancelled() {
		panic(sys.NewExitError(sys.ExitCodeContextCanceled))
	}
}

// violate records a fatal policy error and unwinds the guest with it.
func (h *host) violate(err error) {
	h.mu.Lock()
	if h.violation == nil {
		h.violation = err
	}
	h.mu.Unlock()
	panic(err)
}

func (h *host) fatal() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.violation
}

func (h *host) instantiate(ctx context.Context, r wazero.Runtime) (api.Module, error) {
	i32 := api.ValueTypeI32
	return r.NewHostModuleBuilder(HostModule).
		NewFunctionBuilder().
		WithGoModuleFunction(api.GoModuleFunc(h.capabilityCall), []api.ValueType{i32, i32, i32}, []api.ValueType{i32}).
		WithParameterNames("kind", "ptr", "len").
		Export("capability_call").
		NewFunctionBuilder().
		WithGoModuleFunction(api.GoModuleFunc(h.capabilityRead), []api.ValueType{i32}, []api.ValueType{i32}).
		WithParameterNames("ptr").
		Export("capability_read").
		NewFunctionBuilder().
		WithGoModuleFunction(api.GoModuleFunc(h.storageReserve), []api.ValueType{i32}, []api.ValueType{i32}).
		WithParameterNames("pages").
		Export("storage_reserve").
		NewFunctionBuilder().
		WithGoModuleFunction(api.GoModuleFunc(h.isCancelled), nil, []api.ValueType{i32}).
		Export("is_cancelled").
		Instantiate(ctx)
}

// capabilityCall(kind, ptr, len) -> i32 returns the response length, or -1
// when the provider failed.
func (h *host) capabilityCall(ctx context.Context, mod api.Module, stack []uint64) {
	h.checkCancelled()
	code := api.DecodeI32(stack[0])
	ptr, size := api.DecodeU32(stack[1]), api.DecodeU32(stack[2])

	kind, ok := capability.KindFromCode(code)
	if !ok {
		h.violate(errors.InvalidData(errors.PhaseHost, nil, "unknown capability code"))
	}
	if h.mode == dualvm.Deterministic {
		h.violate(errors.CapabilityForbidden(string(kind)))
	}

	var payload []byte
	if size > 0 {
		mem := mod.Memory()
		if mem == nil {
			h.violate(errors.InvalidData(errors.PhaseHost, nil, "capability payload without memory"))
		}
		view, ok := mem.Read(ptr, size)
		if !ok {
			h.violate(errors.InvalidData(errors.PhaseHost, nil, "capability payload out of bounds"))
		}
		payload = append([]byte(nil), view...)
	}

	if h.caps == nil {
		h.log.Debug("no capability providers configured", zap.String("kind", string(kind)))
		stack[0] = api.EncodeI32(-1)
		return
	}
	resp, err := h.caps.Call(ctx, capability.Request{Kind: kind, Payload: payload})
	h.checkCancelled()
	if err != nil {
		h.log.Warn("capability call failed", zap.String("kind", string(kind)), zap.Error(err))
		stack[0] = api.EncodeI32(-1)
		return
	}

	h.mu.Lock()
	h.pending = resp.Payload
	h.hasResult = true
	h.mu.Unlock()
	stack[0] = api.EncodeI32(int32(len(resp.Payload)))
}

// capabilityRead(ptr) -> i32 copies the last response to ptr and returns
// its length, or -1 when there is none.
func (h *host) capabilityRead(_ context.Context, mod api.Module, stack []uint64) {
	h.checkCancelled()
	ptr := api.DecodeU32(stack[0])

	h.mu.Lock()
	data, ok := h.pending, h.hasResult
	h.pending, h.hasResult = nil, false
	h.mu.Unlock()
	if !ok {
		stack[0] = api.EncodeI32(-1)
		return
	}
	if len(data) > 0 {
		mem := mod.Memory()
		if mem == nil || !mem.Write(ptr, data) {
			h.violate(errors.InvalidData(errors.PhaseHost, nil, "capability response out of bounds"))
		}
	}
	stack[0] = api.EncodeI32(int32(len(data)))
}

// storageReserve(pages) -> i32 charges the shared storage budget.
func (h *host) storageReserve(_ context.Context, _ api.Module, stack []uint64) {
	h.checkCancelled()
	pages := uint64(api.DecodeU32(stack[0]))
	if h.storage != nil && h.storage.Consume(pages) {
		stack[0] = api.EncodeI32(storageOK)
		return
	}
	h.log.Debug("storage budget exhausted", zap.Uint64("pages", pages))
	stack[0] = api.EncodeI32(storageOOM)
}

func (h *host) isCancelled(_ context.Context, _ api.Module, stack []uint64) {
	if h.token != nil && h.token.IsCancelled() {
		stack[0] = api.EncodeI32(1)
		return
	}
	stack[0] = api.EncodeI32(0)
}
