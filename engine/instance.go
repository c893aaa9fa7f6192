package engine

import (
	"context"
	"crypto/rand"
	"fmt"
	"path"
	"strings"
	"sync"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/experimental"
	"github.com/tetratelabs/wazero/sys"
	"go.uber.org/zap"

	"github.com/wippyai/dualvm"
	"github.com/wippyai/dualvm/action"
	"github.com/wippyai/dualvm/cancel"
	"github.com/wippyai/dualvm/errors"
	"github.com/wippyai/dualvm/memlimit"
	"github.com/wippyai/dualvm/runners"
	"github.com/wippyai/dualvm/wasmbin"
)

// HostDataEnv carries the opaque host data blob into the guest.
const HostDataEnv = "GL_HOST_DATA"

// Archives opens runner archives by name.
type Archives interface {
	Open(ctx context.Context, name string) (*runners.Archive, error)
}

// Module is one validated module of a linked runner.
type Module struct {
	Ref  action.ModuleRef
	Code []byte
}

// InstanceSpec describes everything one instance needs. Modules follow
// Runner.Modules() order.
type InstanceSpec struct {
	Runner       *action.LinkedRunner
	Modules      []Module
	Archives     Archives
	Limiter      *memlimit.Limiter
	Storage      *memlimit.Storage
	Token        *cancel.Token
	Capabilities Capabilities
	HostData     string
}

// Instance is one sandboxed guest. It is not safe for concurrent use.
type Instance struct {
	mode    dualvm.Mode
	runtime wazero.Runtime
	entry   api.Module
	host    *host
	alloc   *limitedAllocator
	limiter *memlimit.Limiter
	charged uint64
	stdout  *boundedBuffer
	stderr  *boundedBuffer
	token   *cancel.Token
	log     *zap.Logger

	closeOnce sync.Once
	closeErr  error
}

// Instantiate builds a fresh runtime for spec and loads every module, running
// _initialize on linked modules. The entry module is started by Run.
func (e *Engine) Instantiate(ctx context.Context, spec InstanceSpec) (*Instance, error) {
	if spec.Runner == nil || len(spec.Modules) == 0 {
		return nil, errors.New(errors.PhaseExecute, errors.KindNoEntryPoint).Detail("instance has no modules").Build()
	}
	mode := spec.Runner.Mode
	limiter := spec.Limiter
	if limiter == nil {
		limiter = memlimit.New(maxMemoryPages)
	}
	token := spec.Token
	if token == nil {
		token, _ = cancel.New()
	}

	inst := &Instance{
		mode:    mode,
		alloc:   newLimitedAllocator(limiter),
		limiter: limiter,
		stdout:  newBoundedBuffer(maxOutput),
		stderr:  newBoundedBuffer(maxOutput),
		token:   token,
		log:     e.log.With(zap.String("runner", spec.Runner.Root), zap.Stringer("mode", mode)),
	}
	inst.host = &host{mode: mode, caps: spec.Capabilities, storage: spec.Storage, token: token, log: inst.log}

	ictx, stop := token.Context(experimental.WithMemoryAllocator(ctx, inst.alloc))
	defer stop()

	if err := inst.load(ictx, e, spec); err != nil {
		inst.Close(ctx)
		if token.IsCancelled() {
			return nil, errors.Cancelled(errors.PhaseExecute)
		}
		return nil, err
	}
	inst.log.Debug("instance ready",
		zap.Int("modules", len(spec.Modules)), zap.Uint64("charged_pages", inst.charged),
		zap.Uint64("remaining_pages", limiter.Remaining()))
	return inst, nil
}

func (i *Instance) charge(pages uint64, what string) error {
	if !i.limiter.TryReserve(pages) {
		return errors.OutOfMemory(what, pages)
	}
	i.charged += pages
	return nil
}

func (i *Instance) load(ctx context.Context, e *Engine, spec InstanceSpec) error {
	if i.token.IsCancelled() {
		return errors.Cancelled(errors.PhaseExecute)
	}
	fsys, err := i.mount(ctx, spec)
	if err != nil {
		return err
	}

	i.runtime = wazero.NewRuntimeWithConfig(ctx, e.runtimeConfig(i.mode))
	if _, err := instantiateWASI(ctx, i.runtime); err != nil {
		return errors.Instantiation("wasi_snapshot_preview1", err)
	}
	if _, err := i.host.instantiate(ctx, i.runtime); err != nil {
		return errors.Instantiation(HostModule, err)
	}

	cfg := wazero.NewModuleConfig().
		WithArgs(spec.Runner.Args...).
		WithStdout(i.stdout).
		WithStderr(i.stderr).
		WithFSConfig(wazero.NewFSConfig().WithFSMount(fsys, "/")).
		WithStartFunctions()
	for _, env := range spec.Runner.Env {
		cfg = cfg.WithEnv(env.Name, env.Value)
	}
	if spec.HostData != "" {
		cfg = cfg.WithEnv(HostDataEnv, spec.HostData)
	}
	if i.mode == dualvm.NonDeterministic {
		cfg = cfg.WithSysWalltime().WithSysNanotime().WithSysNanosleep().WithRandSource(rand.Reader)
	}

	for _, m := range spec.Modules {
		if i.token.IsCancelled() {
			return errors.Cancelled(errors.PhaseExecute)
		}
		name := moduleName(m)
		compiled, err := i.runtime.CompileModule(ctx, m.Code)
		if err != nil {
			return errors.Instantiation(m.Ref.String(), err)
		}
		mod, err := i.instantiateModule(ctx, compiled, cfg.WithName(name), m.Ref.String())
		if err != nil {
			return err
		}
		if m.Ref == spec.Runner.Entry {
			i.entry = mod
			continue
		}
		if fn := mod.ExportedFunction("_initialize"); fn != nil {
			if _, err := fn.Call(ctx); err != nil {
				return errors.Instantiation(m.Ref.String(), err)
			}
		}
		debugf("linked %s as %q", m.Ref, name)
	}
	if i.entry == nil {
		return errors.NoEntryPoint(spec.Runner.Root)
	}
	return nil
}

// instantiateModule fails with out_of_memory when the initial memory of a
// module does not fit the limiter. Exported memories are checked up front.
// wazero panics when the allocator refuses a private memory; that panic is
// recovered here.
func (i *Instance) instantiateModule(ctx context.Context, compiled wazero.CompiledModule, cfg wazero.ModuleConfig, ref string) (mod api.Module, err error) {
	for _, def := range compiled.ExportedMemories() {
		if _, _, imported := def.Import(); imported {
			continue
		}
		if need := uint64(def.Min()); need > i.limiter.Remaining() {
			return nil, errors.OutOfMemory("initial memory of "+ref, need)
		}
	}

	i.alloc.denied.Store(false)
	defer func() {
		r := recover()
		if r == nil {
			return
		}
		cause := fmt.Errorf("%v", r)
		if i.alloc.denied.Load() {
			err = errors.Wrap(errors.PhaseExecute, errors.KindOutOfMemory, cause, "initial memory of "+ref+" exceeds the budget")
			return
		}
		err = errors.Instantiation(ref, cause)
	}()

	mod, err = i.runtime.InstantiateModule(ctx, compiled, cfg)
	if err != nil {
		return nil, errors.Instantiation(ref, err)
	}
	return mod, nil
}

// mount charges every referenced archive and each mapped file against the
// limiter and assembles the guest filesystem.
func (i *Instance) mount(ctx context.Context, spec InstanceSpec) (*mountFS, error) {
	fsys := newMountFS()
	if spec.Archives == nil {
		if len(spec.Runner.Files) > 0 {
			return nil, errors.New(errors.PhaseExecute, errors.KindConfig).
				Detail("file mappings require an archive source").Build()
		}
		return fsys, nil
	}

	archives := map[string]*runners.Archive{}
	for _, name := range spec.Runner.Runners() {
		a, err := spec.Archives.Open(ctx, name)
		if err != nil {
			return nil, err
		}
		if err := i.charge(memlimit.PagesFor(uint64(a.Size())), "runner "+name); err != nil {
			return nil, err
		}
		archives[name] = a
	}

	var cost uint64
	for _, f := range spec.Runner.Files {
		a := archives[f.Runner]
		if !f.IsDir() {
			v, err := a.File(f.From)
			if err != nil {
				return nil, err
			}
			if err := fsys.add(f.To, v); err != nil {
				return nil, err
			}
			cost += memlimit.FileMappingCost + uint64(len(f.To))
			continue
		}
		prefix := strings.TrimPrefix(f.From, "/")
		for _, name := range a.Prefixed(f.From) {
			dest := path.Join(f.To, name[len(prefix):])
			v, err := a.File(name)
			if err != nil {
				return nil, err
			}
			if err := fsys.add(dest, v); err != nil {
				return nil, err
			}
			cost += memlimit.FileMappingCost + uint64(len(dest))
		}
	}
	if err := i.charge(memlimit.PagesFor(cost), "file mappings"); err != nil {
		return nil, err
	}
	return fsys, nil
}

// moduleName is the name other modules import m under: the name section's
// module name, else the file name without its extension.
func moduleName(m Module) string {
	if name, ok := wasmbin.ModuleName(m.Code); ok && name != "" {
		return name
	}
	base := path.Base(m.Ref.Path)
	return strings.TrimSuffix(base, path.Ext(base))
}

// Mode returns the instance's mode.
func (i *Instance) Mode() dualvm.Mode {
	return i.mode
}

// Run calls the entry module's _start export, or its "" export when there
// is no _start.
func (i *Instance) Run(ctx context.Context) Outcome {
	rctx, stop := i.token.Context(ctx)
	defer stop()

	fn := i.entry.ExportedFunction("_start")
	if fn == nil {
		fn = i.entry.ExportedFunction("")
	}
	if fn == nil {
		return i.finish(StatusFailed, 0, errors.NotFound(errors.PhaseExecute, "entry export", "_start"))
	}
	_, err := fn.Call(rctx)
	return i.outcome(err)
}

func (i *Instance) outcome(err error) Outcome {
	if v := i.host.fatal(); v != nil {
		return i.finish(StatusFailed, 0, v)
	}
	if i.token.IsCancelled() {
		return i.finish(StatusCancelled, 0, nil)
	}
	if err == nil {
		return i.finish(StatusCompleted, 0, nil)
	}
	var exit *sys.ExitError
	if errors.As(err, &exit) {
		switch code := exit.ExitCode(); code {
		case 0:
			return i.finish(StatusCompleted, 0, nil)
		case sys.ExitCodeContextCanceled, sys.ExitCodeDeadlineExceeded:
			return i.finish(StatusCancelled, 0, nil)
		default:
			return i.finish(StatusFailed, code, errors.ExitCode(code))
		}
	}
	return i.finish(StatusFailed, 0, errors.Trap(err))
}

func (i *Instance) finish(status Status, code uint32, err error) Outcome {
	if err != nil {
		i.log.Debug("instance failed", zap.Stringer("status", status), zap.Error(err))
	}
	return Outcome{
		Status:    status,
		ExitCode:  code,
		Stdout:    i.stdout.String(),
		Stderr:    i.stderr.String(),
		Truncated: i.stdout.Truncated() || i.stderr.Truncated(),
		Err:       err,
	}
}

// Close tears down the runtime and returns every page the instance
// reserved to its limiter.
func (i *Instance) Close(ctx context.Context) error {
	i.closeOnce.Do(func() {
		if i.runtime != nil {
			i.closeErr = i.runtime.Close(context.WithoutCancel(ctx))
		}
		i.alloc.release()
		i.limiter.Release(i.charged)
		i.charged = 0
	})
	return i.closeErr
}
