package engine

import (
	"context"
	"fmt"
	"os"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"go.uber.org/zap"

	"github.com/wippyai/dualvm"
	"github.com/wippyai/dualvm/errors"
	"github.com/wippyai/dualvm/precompile"
	"github.com/wippyai/dualvm/wasmbin"
)

// maxMemoryPages is the largest 32-bit linear memory.
const maxMemoryPages = 65536

// Config holds configuration for engine creation
type Config struct {
	// CacheDir persists native code across processes. Empty keeps the
	// native cache in memory.
	CacheDir string

	Logger *zap.Logger
}

// Engine compiles modules and creates instances. One engine serves every
// execution of a process; instances never share runtime state.
type Engine struct {
	cache      wazero.CompilationCache
	validators dualvm.ModePair[wazero.Runtime]
	log        *zap.Logger
}

// New creates an engine.
func New(ctx context.Context, cfg Config) (*Engine, error) {
	log := cfg.Logger
	if log == nil {
		log = Logger()
	}

	var cache wazero.CompilationCache
	if cfg.CacheDir != "" {
		if err := os.MkdirAll(cfg.CacheDir, 0o755); err != nil {
			return nil, errors.Config("create native cache directory "+cfg.CacheDir, err)
		}
		c, err := wazero.NewCompilationCacheWithDir(cfg.CacheDir)
		if err != nil {
			return nil, errors.Config("open native cache "+cfg.CacheDir, err)
		}
		cache = c
	} else {
		cache = wazero.NewCompilationCache()
	}

	e := &Engine{cache: cache, log: log.Named("engine")}
	for _, m := range dualvm.Modes {
		e.validators.Set(m, wazero.NewRuntimeWithConfig(ctx, e.runtimeConfig(m)))
	}
	return e, nil
}

// Features returns the core features enabled in mode. Deterministic
// instances run without SIMD since its float results are not portable.
func Features(mode dualvm.Mode) api.CoreFeatures {
	if mode == dualvm.Deterministic {
		return api.CoreFeaturesV2.SetEnabled(api.CoreFeatureSIMD, false)
	}
	return api.CoreFeaturesV2
}

func (e *Engine) runtimeConfig(mode dualvm.Mode) wazero.RuntimeConfig {
	return wazero.NewRuntimeConfig().
		WithCoreFeatures(Features(mode)).
		WithCompilationCache(e.cache).
		WithCloseOnContextDone(true)
}

// Compile validates raw under mode's feature set and returns the module
// with every custom section but "name" removed. Native code lands in the
// engine's compilation cache as a side effect.
func (e *Engine) Compile(ctx context.Context, mode dualvm.Mode, raw []byte) ([]byte, error) {
	if !wasmbin.IsModule(raw) {
		return nil, errors.InvalidData(errors.PhaseCompile, nil, "not a wasm module")
	}
	stripped, err := wasmbin.StripCustom(raw, func(name string) bool { return name == "name" })
	if err != nil {
		return nil, errors.Wrap(errors.PhaseCompile, errors.KindInvalidData, err, "strip custom sections")
	}
	compiled, err := e.validators.Get(mode).CompileModule(ctx, stripped)
	if err != nil {
		return nil, errors.Wrap(errors.PhaseCompile, errors.KindInvalidData, err, fmt.Sprintf("compile for %s", mode))
	}
	compiled.Close(ctx)
	debugf("compiled %d bytes for %s (%d after strip)", len(raw), mode, len(stripped))
	return stripped, nil
}

// CompileFunc adapts Compile to the precompile cache.
func (e *Engine) CompileFunc(mode dualvm.Mode) precompile.CompileFunc {
	return func(ctx context.Context, raw []byte) ([]byte, error) {
		return e.Compile(ctx, mode, raw)
	}
}

// Close releases the validators and the compilation cache.
func (e *Engine) Close(ctx context.Context) error {
	var first error
	for _, m := range dualvm.Modes {
		if err := e.validators.Get(m).Close(ctx); err != nil && first == nil {
			first = err
		}
	}
	if err := e.cache.Close(ctx); err != nil && first == nil {
		first = err
	}
	return first
}
