// Package supervisor drives one execution request through resolution,
// compilation and the concurrent run of its deterministic and
// non-deterministic instances.
package supervisor

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/wippyai/dualvm"
	"github.com/wippyai/dualvm/action"
	"github.com/wippyai/dualvm/buildid"
	"github.com/wippyai/dualvm/capability"
	"github.com/wippyai/dualvm/engine"
	"github.com/wippyai/dualvm/errors"
	"github.com/wippyai/dualvm/metrics"
	"github.com/wippyai/dualvm/precompile"
	"github.com/wippyai/dualvm/runners"
)

// Default budgets, in pages.
const (
	DefaultModePages    = 4096
	DefaultStoragePages = 65536
)

// Budgets sets the page budget of each mode's limiter and of the storage
// shared by both.
type Budgets struct {
	DetPages     uint64
	NonDetPages  uint64
	StoragePages uint64
}

func (b Budgets) pages(mode dualvm.Mode) uint64 {
	if mode == dualvm.Deterministic {
		return b.DetPages
	}
	return b.NonDetPages
}

// CapabilitySet is what a CapabilityFactory hands to the non-deterministic
// instance.
type CapabilitySet interface {
	engine.Capabilities
	Close() error
}

// CapabilityFactory connects the capability providers of one execution.
type CapabilityFactory func(ctx context.Context, hello capability.Hello) (CapabilitySet, error)

// ConfiguredCapabilities builds providers from cfg for every execution.
func ConfiguredCapabilities(cfg capability.Config, reg *metrics.Registry, log *zap.Logger) CapabilityFactory {
	return func(ctx context.Context, hello capability.Hello) (CapabilitySet, error) {
		set, err := capability.FromConfig(ctx, cfg, hello, reg, log)
		if err != nil {
			return nil, err
		}
		return set, nil
	}
}

// Options configure a Supervisor. Engine and Store are required.
type Options struct {
	Engine       *engine.Engine
	Store        *runners.Store
	Cache        *precompile.Cache
	Metrics      *metrics.Registry
	Logger       *zap.Logger
	Budgets      Budgets
	Capabilities CapabilityFactory
	BuildID      string
}

// Supervisor runs executions. It is safe for concurrent use.
type Supervisor struct {
	engine  *engine.Engine
	store   *runners.Store
	cache   *precompile.Cache
	reg     *metrics.Registry
	log     *zap.Logger
	budgets Budgets
	caps    CapabilityFactory
	buildID string
}

// New creates a supervisor.
func New(opts Options) (*Supervisor, error) {
	if opts.Engine == nil || opts.Store == nil {
		return nil, errors.Config("supervisor requires an engine and a runner store", nil)
	}
	s := &Supervisor{
		engine:  opts.Engine,
		store:   opts.Store,
		cache:   opts.Cache,
		reg:     opts.Metrics,
		log:     opts.Logger,
		budgets: opts.Budgets,
		caps:    opts.Capabilities,
		buildID: opts.BuildID,
	}
	if s.reg == nil {
		s.reg = metrics.NewRegistry()
	}
	if s.log == nil {
		s.log = Logger()
	}
	s.log = s.log.Named("supervisor")
	if s.buildID == "" {
		s.buildID = buildid.ID()
	}
	if s.budgets.DetPages == 0 {
		s.budgets.DetPages = DefaultModePages
	}
	if s.budgets.NonDetPages == 0 {
		s.budgets.NonDetPages = DefaultModePages
	}
	if s.budgets.StoragePages == 0 {
		s.budgets.StoragePages = DefaultStoragePages
	}
	return s, nil
}

// Metrics returns the registry every execution records into.
func (s *Supervisor) Metrics() *metrics.Registry {
	return s.reg
}

// Request names the runner to execute.
type Request struct {
	Runner   string
	HostData string
	Debug    bool
	Observer Observer
}

// ExecutionResult is the outcome of one mode.
type ExecutionResult struct {
	Status    engine.Status
	ExitCode  uint32
	Output    Output
	Err       error
	Elapsed   time.Duration
	PeakPages uint64
}

// Output is what the guest wrote.
type Output struct {
	Stdout    string
	Stderr    string
	Truncated bool
}

// Report is the outcome of a whole execution. Results is only meaningful
// once the execution reached StateRunning.
type Report struct {
	ID      string
	Runner  string
	State   State
	Results dualvm.ModePair[ExecutionResult]
	Metrics metrics.Snapshot
	Err     error
}

// Precompile resolves runner for both modes and fills the cache with every
// module it loads. It returns the number of modules processed.
func (s *Supervisor) Precompile(ctx context.Context, runner string) (int, error) {
	units, err := s.resolve(runner)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, mode := range dualvm.Modes {
		modules, release, err := s.compile(ctx, units.Get(mode))
		release()
		if err != nil {
			return n, err
		}
		n += len(modules)
	}
	return n, nil
}

func (s *Supervisor) resolve(runner string) (dualvm.ModePair[*action.LinkedRunner], error) {
	var units dualvm.ModePair[*action.LinkedRunner]
	id, tree, err := s.store.Lookup(runner)
	if err != nil {
		return units, err
	}
	for _, mode := range dualvm.Modes {
		unit, err := action.Resolve(id, tree, mode, s.store)
		if err != nil {
			return units, err
		}
		units.Set(mode, unit)
	}
	return units, nil
}

// compile loads and compiles every module of unit. release must be called
// once the modules are no longer used, even on error.
func (s *Supervisor) compile(ctx context.Context, unit *action.LinkedRunner) ([]engine.Module, func(), error) {
	var artifacts []*precompile.Artifact
	release := func() {
		for _, a := range artifacts {
			a.Release()
		}
	}

	refs := unit.Modules()
	modules := make([]engine.Module, 0, len(refs))
	for _, ref := range refs {
		archive, err := s.store.Open(ctx, ref.Runner)
		if err != nil {
			return nil, release, err
		}
		file, err := archive.File(ref.Path)
		if err != nil {
			return nil, release, err
		}
		raw := file.Bytes()

		if s.cache == nil {
			stop := s.reg.Supervisor.CompilationTime.Start()
			code, err := s.engine.Compile(ctx, unit.Mode, raw)
			stop()
			if err != nil {
				return nil, release, err
			}
			s.reg.Supervisor.CompiledModules.Inc()
			modules = append(modules, engine.Module{Ref: ref, Code: code})
			continue
		}

		key := precompile.NewKey(raw, unit.Mode, s.buildID)
		art, err := s.cache.GetOrCompile(ctx, key, raw, s.engine.CompileFunc(unit.Mode))
		if err != nil {
			return nil, release, err
		}
		artifacts = append(artifacts, art)
		modules = append(modules, engine.Module{Ref: ref, Code: art.Bytes()})
	}
	return modules, release, nil
}
