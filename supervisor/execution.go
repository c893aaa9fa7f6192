package supervisor

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/wippyai/dualvm"
	"github.com/wippyai/dualvm/action"
	"github.com/wippyai/dualvm/capability"
	"github.com/wippyai/dualvm/engine"
	"github.com/wippyai/dualvm/errors"
	"github.com/wippyai/dualvm/memlimit"
)

// Execution is the handle of one request. It is safe for concurrent use.
type Execution struct {
	shared   *SharedContext
	runner   string
	observer Observer
	log      *zap.Logger

	mu    sync.Mutex
	state State

	done   chan struct{}
	report *Report
}

func (s *Supervisor) newExecution(req Request, sync bool) *Execution {
	sc := newSharedContext(s.reg, req, sync, s.budgets.StoragePages)
	return &Execution{
		shared:   sc,
		runner:   req.Runner,
		observer: req.Observer,
		log:      s.log.With(zap.Stringer("execution", sc.ID), zap.String("runner", req.Runner)),
		state:    StateCreated,
		done:     make(chan struct{}),
	}
}

// ID returns the execution id.
func (x *Execution) ID() uuid.UUID {
	return x.shared.ID
}

// Shared returns the context both instances share.
func (x *Execution) Shared() *SharedContext {
	return x.shared
}

// State returns the current state.
func (x *Execution) State() State {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.state
}

// Cancel requests cancellation. Running instances stop at their next
// checkpoint.
func (x *Execution) Cancel() {
	x.shared.Cancel()
}

// Done is closed once the execution reached a terminal state.
func (x *Execution) Done() <-chan struct{} {
	return x.done
}

// Wait blocks until the execution finishes or ctx is done. Cancelling ctx
// does not cancel the execution.
func (x *Execution) Wait(ctx context.Context) (*Report, error) {
	select {
	case <-x.done:
		return x.report, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (x *Execution) transition(to State, err error) {
	x.mu.Lock()
	from := x.state
	x.state = to
	x.mu.Unlock()

	x.log.Debug("state", zap.Stringer("from", from), zap.Stringer("to", to))
	if x.observer != nil {
		x.observer(Transition{ID: x.shared.ID, From: from, To: to, Err: err})
	}
}

// Start runs req in the background. Cancelling ctx cancels the execution.
func (s *Supervisor) Start(ctx context.Context, req Request) *Execution {
	x := s.newExecution(req, false)
	go s.run(ctx, x)
	return x
}

// Execute runs req and waits for it. The returned error is the report's
// Err, which is nil for completed and cancelled executions.
func (s *Supervisor) Execute(ctx context.Context, req Request) (*Report, error) {
	x := s.newExecution(req, true)
	s.run(ctx, x)
	return x.report, x.report.Err
}

func (s *Supervisor) run(ctx context.Context, x *Execution) {
	sc := x.shared
	if ctx.Err() != nil {
		sc.Cancel()
	}
	stop := context.AfterFunc(ctx, sc.Cancel)
	defer stop()
	ctx = context.WithoutCancel(ctx)

	s.reg.Supervisor.Executions.Inc()
	report := &Report{ID: sc.ID.String(), Runner: x.runner}
	defer func() {
		report.Metrics = s.reg.Snapshot()
		x.report = report
		close(x.done)
	}()

	finish := func(state State, err error) {
		if state == StateCancelled {
			s.reg.Supervisor.Cancellations.Inc()
			err = nil
		}
		report.State = state
		report.Err = err
		x.transition(state, err)
		x.log.Info("execution finished", zap.Stringer("state", state), zap.Error(err))
	}

	x.transition(StateResolving, nil)
	units, err := s.resolve(x.runner)
	if err != nil {
		finish(StateFailed, err)
		return
	}
	if sc.Token.IsCancelled() {
		finish(StateCancelled, nil)
		return
	}

	// Compilation and the capability handshake stop on cancellation. Waiting
	// on a shared compilation returns early while the compile itself goes on.
	pctx, stopPhase := sc.Token.Context(ctx)
	defer stopPhase()

	x.transition(StateCompiling, nil)
	var modules dualvm.ModePair[[]engine.Module]
	var releases dualvm.ModePair[func()]
	var g errgroup.Group
	for _, mode := range dualvm.Modes {
		g.Go(func() error {
			mods, release, err := s.compile(pctx, units.Get(mode))
			releases.Set(mode, release)
			if err != nil {
				return err
			}
			modules.Set(mode, mods)
			return nil
		})
	}
	err = g.Wait()
	defer func() {
		for _, mode := range dualvm.Modes {
			if release := releases.Get(mode); release != nil {
				release()
			}
		}
	}()
	if sc.Token.IsCancelled() {
		finish(StateCancelled, nil)
		return
	}
	if err != nil {
		finish(StateFailed, err)
		return
	}

	var caps engine.Capabilities
	if s.caps != nil {
		set, err := s.caps(pctx, capability.Hello{GenVMID: sc.ID.String(), HostData: sc.HostData})
		if err != nil {
			if sc.Token.IsCancelled() {
				finish(StateCancelled, nil)
				return
			}
			finish(StateFailed, err)
			return
		}
		defer func() {
			if err := set.Close(); err != nil {
				x.log.Warn("close capabilities", zap.Error(err))
			}
		}()
		caps = set
	}

	x.transition(StateRunning, nil)
	var run errgroup.Group
	for _, mode := range dualvm.Modes {
		run.Go(func() error {
			var modeCaps engine.Capabilities
			if mode == dualvm.NonDeterministic {
				modeCaps = caps
			}
			report.Results.Set(mode, s.runMode(ctx, x, units.Get(mode), modules.Get(mode), modeCaps))
			return nil
		})
	}
	_ = run.Wait()

	if sc.Token.IsCancelled() {
		finish(StateCancelled, nil)
		return
	}
	finish(StateCompleted, nil)
}

func (s *Supervisor) runMode(ctx context.Context, x *Execution, unit *action.LinkedRunner, modules []engine.Module, caps engine.Capabilities) ExecutionResult {
	sc := x.shared
	log := x.log.With(zap.Stringer("mode", unit.Mode))
	limiter := memlimit.New(s.budgets.pages(unit.Mode))
	begin := time.Now()

	result := func() ExecutionResult {
		inst, err := s.engine.Instantiate(ctx, engine.InstanceSpec{
			Runner:       unit,
			Modules:      modules,
			Archives:     s.store,
			Limiter:      limiter,
			Storage:      sc.Storage(),
			Token:        sc.Token,
			Capabilities: caps,
			HostData:     sc.HostData,
		})
		if err != nil {
			if errors.HasKind(err, errors.KindCancelled) {
				return ExecutionResult{Status: engine.StatusCancelled}
			}
			return ExecutionResult{Status: engine.StatusFailed, Err: err}
		}
		out := inst.Run(ctx)
		if err := inst.Close(ctx); err != nil {
			log.Warn("close instance", zap.Error(err))
		}
		return ExecutionResult{
			Status:   out.Status,
			ExitCode: out.ExitCode,
			Output:   Output{Stdout: out.Stdout, Stderr: out.Stderr, Truncated: out.Truncated},
			Err:      out.Err,
		}
	}()

	result.Elapsed = time.Since(begin)
	result.PeakPages = limiter.Budget() - limiter.LeastRemaining()
	if n := limiter.Outstanding(); n != 0 {
		log.Error("memory limiter not empty after teardown", zap.Uint64("pages", n))
	}
	log.Debug("mode finished",
		zap.Stringer("status", result.Status), zap.Uint32("exit_code", result.ExitCode),
		zap.Duration("elapsed", result.Elapsed), zap.Uint64("peak_pages", result.PeakPages))
	return result
}
