// Package dualvm runs sandboxed WebAssembly runners under a paired
// deterministic and non-deterministic execution discipline.
//
// A run request names a runner. Its recipe is resolved into a linked unit
// per mode, every module is compiled through a content-addressed cache, and
// a deterministic instance and a non-deterministic instance execute side by
// side. The two share one cancellation token and one metrics registry but
// each has its own memory budget.
//
// # Architecture Overview
//
//	dualvm/              Root package with Mode and ModePair
//	├── action/          Recipe tree and its resolution into a LinkedRunner
//	├── bytebuf/         Reference-counted byte buffers and mapped files
//	├── buildid/         Build identity and version strings
//	├── cancel/          Cooperative cancellation token
//	├── capability/      External capability providers (LLM, web)
//	├── engine/          Instance driver on top of wazero
//	├── errors/          Structured error types
//	├── memlimit/        Page budget limiters
//	├── metrics/         Process-lifetime counters and timers
//	├── precompile/      On-disk precompiled module cache
//	├── runners/         Runner archives, ids and the runner store
//	├── supervisor/      Execution state machine and shared context
//	├── wasmbin/         Minimal WebAssembly binary helpers
//	└── cmd/dualvm/      Command line entry points
//
// # Quick Start
//
//	cfg, _ := config.Load("")
//	store, _ := runners.NewStore(cfg.RunnersDir, cfg.RegistryDir, log)
//	cache, _ := precompile.Open(cfg.CacheDir, reg, log)
//	eng, _ := engine.New(ctx, engine.Config{CacheDir: cfg.CacheDir})
//
//	sup := supervisor.New(supervisor.Options{...})
//	res, err := sup.Execute(ctx, "app:latest")
//	fmt.Println(res.Get(dualvm.Deterministic).ExitCode)
//
// # Thread Safety
//
// Supervisor, Cache and Store are safe for concurrent use. An engine
// Instance is driven by a single goroutine.
package dualvm
