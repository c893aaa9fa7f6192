package main

import (
	"context"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/wippyai/dualvm/engine"
	"github.com/wippyai/dualvm/metrics"
	"github.com/wippyai/dualvm/precompile"
	"github.com/wippyai/dualvm/runners"
	"github.com/wippyai/dualvm/supervisor"
)

// services are the long-lived components one command works with.
type services struct {
	engine *engine.Engine
	store  *runners.Store
	sup    *supervisor.Supervisor
}

func (s *services) Close(ctx context.Context) {
	if s.store != nil {
		s.store.Close()
	}
	if s.engine != nil {
		s.engine.Close(ctx)
	}
}

func (a *app) services(ctx context.Context) (*services, error) {
	cfg := a.cfg
	reg := metrics.NewRegistry()
	s := &services{}

	registry, err := runners.LoadRegistry(cfg.RegistryDir, cfg.Debug)
	if err != nil {
		return nil, err
	}
	s.store, err = runners.NewStore(cfg.RunnersDir, registry, cfg.Debug, a.log)
	if err != nil {
		return nil, err
	}

	cache, err := precompile.Open(cfg.CacheDir, reg, a.log)
	if err != nil {
		s.Close(ctx)
		return nil, err
	}

	s.engine, err = engine.New(ctx, engine.Config{
		CacheDir: filepath.Join(cfg.CacheDir, "native"),
		Logger:   a.log,
	})
	if err != nil {
		s.Close(ctx)
		return nil, err
	}

	s.sup, err = supervisor.New(supervisor.Options{
		Engine:       s.engine,
		Store:        s.store,
		Cache:        cache,
		Metrics:      reg,
		Logger:       a.log,
		Budgets:      cfg.Budgets(),
		Capabilities: supervisor.ConfiguredCapabilities(cfg.CapabilityConfig(), reg, a.log),
	})
	if err != nil {
		s.Close(ctx)
		return nil, err
	}
	a.log.Debug("services ready",
		zap.String("runners_dir", cfg.RunnersDir), zap.String("cache_dir", cfg.CacheDir))
	return s, nil
}
