package supervisor

import (
	"archive/tar"
	"bytes"
	"context"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wippyai/dualvm"
	"github.com/wippyai/dualvm/bytebuf"
	"github.com/wippyai/dualvm/capability"
	"github.com/wippyai/dualvm/engine"
	"github.com/wippyai/dualvm/errors"
	"github.com/wippyai/dualvm/internal/wasmtest"
	"github.com/wippyai/dualvm/metrics"
	"github.com/wippyai/dualvm/precompile"
	"github.com/wippyai/dualvm/runners"
)

type fixture struct {
	sup   *Supervisor
	store *runners.Store
	reg   *metrics.Registry
	cache *precompile.Cache
}

func newFixture(t *testing.T, opts Options) *fixture {
	t.Helper()
	ctx := context.Background()

	eng, err := engine.New(ctx, engine.Config{})
	require.NoError(t, err)
	t.Cleanup(func() { eng.Close(ctx) })

	store, err := runners.NewStore(t.TempDir(), nil, false, nil)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	reg := metrics.NewRegistry()
	cache, err := precompile.Open(t.TempDir(), reg, nil)
	require.NoError(t, err)

	opts.Engine = eng
	opts.Store = store
	opts.Metrics = reg
	opts.Cache = cache
	opts.BuildID = "test"
	sup, err := New(opts)
	require.NoError(t, err)
	return &fixture{sup: sup, store: store, reg: reg, cache: cache}
}

// register adds a runner built from files, which must include runner.json.
func (f *fixture) register(t *testing.T, name string, files map[string][]byte) {
	t.Helper()
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	names := make([]string, 0, len(files))
	for n := range files {
		names = append(names, n)
	}
	sort.Strings(names)
	for _, n := range names {
		hdr := &tar.Header{Name: n, Mode: 0o644, Size: int64(len(files[n])), Typeflag: tar.TypeReg, Format: tar.FormatUSTAR}
		require.NoError(t, tw.WriteHeader(hdr))
		_, err := tw.Write(files[n])
		require.NoError(t, err)
	}
	require.NoError(t, tw.Close())

	a, err := runners.FromUstar(name, bytebuf.Copy(buf.Bytes()))
	require.NoError(t, err)
	f.store.Register(name, a)
}

func (f *fixture) single(t *testing.T, name string, code []byte) {
	t.Helper()
	f.register(t, name, map[string][]byte{
		"runner.json": []byte(`{"StartWasm": "main.wasm"}`),
		"main.wasm":   code,
	})
}

type stubProvider struct {
	calls int
}

func (p *stubProvider) Call(_ context.Context, req capability.Request) (capability.Response, error) {
	p.calls++
	return capability.Response{Payload: []byte("ok")}, nil
}

func (p *stubProvider) Close() error { return nil }

func TestNewRequiresEngineAndStore(t *testing.T) {
	_, err := New(Options{})
	require.Error(t, err)
	assert.True(t, errors.HasKind(err, errors.KindConfig))
}

func TestExecuteBothModes(t *testing.T) {
	f := newFixture(t, Options{})
	f.single(t, "hello", wasmtest.Print("hi\n"))

	var seen []State
	report, err := f.sup.Execute(context.Background(), Request{
		Runner:   "hello",
		Observer: func(tr Transition) { seen = append(seen, tr.To) },
	})
	require.NoError(t, err)

	assert.Equal(t, StateCompleted, report.State)
	assert.Equal(t, []State{StateResolving, StateCompiling, StateRunning, StateCompleted}, seen)
	for _, mode := range dualvm.Modes {
		res := report.Results.Get(mode)
		assert.Equal(t, engine.StatusCompleted, res.Status, mode.String())
		assert.Equal(t, "hi\n", res.Output.Stdout, mode.String())
		assert.NoError(t, res.Err)
	}
	assert.Equal(t, uint64(1), report.Metrics.Executions)
	assert.Equal(t, uint64(2), report.Metrics.CompiledModules)
}

func TestModeSpecificEntries(t *testing.T) {
	f := newFixture(t, Options{})
	f.register(t, "split", map[string][]byte{
		"runner.json": []byte(`{"Seq": [
			{"When": {"cond": "det", "action": {"StartWasm": "det.wasm"}}},
			{"When": {"cond": "non-det", "action": {"StartWasm": "nondet.wasm"}}}
		]}`),
		"det.wasm":    wasmtest.Print("det"),
		"nondet.wasm": wasmtest.Print("nondet"),
	})

	report, err := f.sup.Execute(context.Background(), Request{Runner: "split"})
	require.NoError(t, err)
	assert.Equal(t, "det", report.Results.Det.Output.Stdout)
	assert.Equal(t, "nondet", report.Results.NonDet.Output.Stdout)
}

func TestCapabilityForbiddenOnlyInDeterministicMode(t *testing.T) {
	provider := &stubProvider{}
	f := newFixture(t, Options{
		Capabilities: func(_ context.Context, hello capability.Hello) (CapabilitySet, error) {
			set := capability.NewSet(nil, nil)
			set.Add(capability.KindLLM, "llm.stub", provider)
			return set, nil
		},
	})
	f.single(t, "caps", wasmtest.CapabilityCall(0))

	report, err := f.sup.Execute(context.Background(), Request{Runner: "caps"})
	require.NoError(t, err)
	assert.Equal(t, StateCompleted, report.State)

	det := report.Results.Det
	assert.Equal(t, engine.StatusFailed, det.Status)
	assert.True(t, errors.HasKind(det.Err, errors.KindCapabilityForbidden), "det err: %v", det.Err)

	nondet := report.Results.NonDet
	assert.Equal(t, engine.StatusCompleted, nondet.Status)
	assert.NoError(t, nondet.Err)
	assert.Equal(t, 1, provider.calls)
}

func TestCapabilityHelloCarriesExecution(t *testing.T) {
	var hello capability.Hello
	f := newFixture(t, Options{
		Capabilities: func(_ context.Context, h capability.Hello) (CapabilitySet, error) {
			hello = h
			return capability.NewSet(nil, nil), nil
		},
	})
	f.single(t, "start", wasmtest.Start())

	report, err := f.sup.Execute(context.Background(), Request{Runner: "start", HostData: `{"tx":1}`})
	require.NoError(t, err)
	assert.Equal(t, report.ID, hello.GenVMID)
	assert.Equal(t, `{"tx":1}`, hello.HostData)
}

func TestResolutionFailure(t *testing.T) {
	f := newFixture(t, Options{})
	f.register(t, "broken", map[string][]byte{
		"runner.json": []byte(`{"Depends": "missing"}`),
	})

	var seen []State
	report, err := f.sup.Execute(context.Background(), Request{
		Runner:   "broken",
		Observer: func(tr Transition) { seen = append(seen, tr.To) },
	})
	require.Error(t, err)
	assert.Equal(t, StateFailed, report.State)
	assert.Equal(t, []State{StateResolving, StateFailed}, seen)
	assert.Zero(t, report.Metrics.CompiledModules)
}

func TestNoEntryPoint(t *testing.T) {
	f := newFixture(t, Options{})
	f.register(t, "noentry", map[string][]byte{
		"runner.json": []byte(`{"AddEnv": {"name": "A", "val": "1"}}`),
	})

	report, err := f.sup.Execute(context.Background(), Request{Runner: "noentry"})
	require.Error(t, err)
	assert.True(t, errors.HasKind(err, errors.KindNoEntryPoint))
	assert.Equal(t, StateFailed, report.State)
}

func TestCancelRunningExecution(t *testing.T) {
	f := newFixture(t, Options{})
	f.single(t, "loop", wasmtest.Loop())

	running := make(chan struct{})
	x := f.sup.Start(context.Background(), Request{
		Runner: "loop",
		Observer: func(tr Transition) {
			if tr.To == StateRunning {
				close(running)
			}
		},
	})

	select {
	case <-running:
	case <-time.After(10 * time.Second):
		t.Fatal("execution never reached running")
	}
	x.Cancel()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	report, err := x.Wait(ctx)
	require.NoError(t, err)

	assert.Equal(t, StateCancelled, report.State)
	assert.NoError(t, report.Err)
	for _, mode := range dualvm.Modes {
		res := report.Results.Get(mode)
		assert.Equal(t, engine.StatusCancelled, res.Status, mode.String())
		assert.NoError(t, res.Err, mode.String())
	}
	assert.Equal(t, uint64(1), report.Metrics.Cancellations)
	assert.Equal(t, StateCancelled, x.State())
	assert.False(t, x.Shared().Sync)
}

func TestCancelDuringCompilation(t *testing.T) {
	f := newFixture(t, Options{})
	code := wasmtest.Start()
	f.single(t, "slow", code)

	// Hold the shared compilation of both modes open until the test ends.
	unblock := make(chan struct{})
	var holders sync.WaitGroup
	defer func() {
		close(unblock)
		holders.Wait()
	}()
	for _, mode := range dualvm.Modes {
		entered := make(chan struct{})
		holders.Add(1)
		go func() {
			defer holders.Done()
			key := precompile.NewKey(code, mode, "test")
			_, _ = f.cache.GetOrCompile(context.Background(), key, code, func(context.Context, []byte) ([]byte, error) {
				close(entered)
				<-unblock
				return nil, errors.New(errors.PhaseCompile, errors.KindCancelled).Detail("held").Build()
			})
		}()
		<-entered
	}

	compiling := make(chan struct{})
	x := f.sup.Start(context.Background(), Request{
		Runner: "slow",
		Observer: func(tr Transition) {
			if tr.To == StateCompiling {
				close(compiling)
			}
		},
	})

	select {
	case <-compiling:
	case <-time.After(10 * time.Second):
		t.Fatal("execution never reached compiling")
	}
	x.Cancel()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	report, err := x.Wait(ctx)
	require.NoError(t, err, "cancel did not interrupt a pending compilation")
	assert.Equal(t, StateCancelled, report.State)
	assert.NoError(t, report.Err)
}

func TestContextCancelsExecution(t *testing.T) {
	f := newFixture(t, Options{})
	f.single(t, "loop", wasmtest.Loop())

	ctx, cancel := context.WithCancel(context.Background())
	report, err := f.sup.Execute(ctx, Request{
		Runner: "loop",
		Observer: func(tr Transition) {
			if tr.To == StateRunning {
				time.AfterFunc(50*time.Millisecond, cancel)
			}
		},
	})
	require.NoError(t, err)
	assert.Equal(t, StateCancelled, report.State)
}

func TestCancelledBeforeStart(t *testing.T) {
	f := newFixture(t, Options{})
	f.single(t, "start", wasmtest.Start())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	report, err := f.sup.Execute(ctx, Request{Runner: "start"})
	require.NoError(t, err)
	assert.Equal(t, StateCancelled, report.State)
	assert.Zero(t, report.Metrics.CompiledModules)
}

func TestConcurrentExecutionsShareCompilation(t *testing.T) {
	f := newFixture(t, Options{})
	f.single(t, "start", wasmtest.Start())

	var wg sync.WaitGroup
	reports := make([]*Report, 4)
	for i := range reports {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r, err := f.sup.Execute(context.Background(), Request{Runner: "start"})
			assert.NoError(t, err)
			reports[i] = r
		}()
	}
	wg.Wait()

	for _, r := range reports {
		require.NotNil(t, r)
		assert.Equal(t, StateCompleted, r.State)
	}
	snap := f.reg.Snapshot()
	assert.Equal(t, uint64(2), snap.CompiledModules)
	assert.Equal(t, uint64(4), snap.Executions)

	_, err := f.sup.Execute(context.Background(), Request{Runner: "start"})
	require.NoError(t, err)
	snap = f.reg.Snapshot()
	assert.Equal(t, uint64(2), snap.CompiledModules)
	assert.GreaterOrEqual(t, snap.PrecompileHits, uint64(2))
}

func TestStorageSharedAcrossModes(t *testing.T) {
	f := newFixture(t, Options{Budgets: Budgets{StoragePages: 10}})
	f.single(t, "store", wasmtest.StorageReserve(6))

	report, err := f.sup.Execute(context.Background(), Request{Runner: "store"})
	require.NoError(t, err)

	codes := []uint32{report.Results.Det.ExitCode, report.Results.NonDet.ExitCode}
	assert.ElementsMatch(t, []uint32{0, 1}, codes)
}

func TestMemoryBudgetsAreSeparate(t *testing.T) {
	f := newFixture(t, Options{Budgets: Budgets{DetPages: 4, NonDetPages: 64}})
	f.single(t, "grow", wasmtest.GrowMemory(10))

	report, err := f.sup.Execute(context.Background(), Request{Runner: "grow"})
	require.NoError(t, err)

	assert.Equal(t, engine.StatusFailed, report.Results.Det.Status)
	assert.Equal(t, uint32(42), report.Results.Det.ExitCode)
	assert.Equal(t, engine.StatusCompleted, report.Results.NonDet.Status)
	assert.GreaterOrEqual(t, report.Results.NonDet.PeakPages, uint64(11))
}

func TestLinkedDependency(t *testing.T) {
	f := newFixture(t, Options{})
	f.register(t, "lib", map[string][]byte{
		"runner.json": []byte(`{"LinkWasm": "lib.wasm"}`),
		"lib.wasm":    wasmtest.Library("mylib", 7),
	})
	f.register(t, "app", map[string][]byte{
		"runner.json": []byte(`{"Seq": [{"Depends": "lib"}, {"StartWasm": "main.wasm"}]}`),
		"main.wasm":   wasmtest.UsesLibrary("mylib"),
	})

	report, err := f.sup.Execute(context.Background(), Request{Runner: "app"})
	require.NoError(t, err)
	for _, mode := range dualvm.Modes {
		assert.Equal(t, uint32(7), report.Results.Get(mode).ExitCode, mode.String())
	}
}

func TestPrecompile(t *testing.T) {
	f := newFixture(t, Options{})
	f.single(t, "start", wasmtest.Start())

	n, err := f.sup.Precompile(context.Background(), "start")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, uint64(2), f.reg.Snapshot().CompiledModules)

	_, err = f.sup.Precompile(context.Background(), "missing")
	assert.Error(t, err)
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "running", StateRunning.String())
	assert.Equal(t, "unknown", State(99).String())
	assert.True(t, StateFailed.Terminal())
	assert.False(t, StateCompiling.Terminal())
}
