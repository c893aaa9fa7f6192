// Package engine runs guest modules on wazero.
//
// # Architecture
//
// The engine package provides three main types:
//
//	Engine   - Validates modules per mode and owns the native compilation cache
//	Instance - One sandboxed guest: its own runtime, limiter and filesystem
//	Outcome  - How a run ended, with the captured output
//
// # Modes
//
// Deterministic instances run without SIMD, keep wazero's fixed clocks and
// seeded random source, and are terminated when they attempt a capability
// call. Non-deterministic instances see the system clocks and a
// cryptographic random source and may call capabilities.
//
// # Instantiation Flow
//
//  1. Engine.Compile() validates a module and strips custom sections except "name"
//  2. Engine.Instantiate() charges runner archives and file mappings to the limiter
//  3. Linked modules are instantiated under their module name and _initialize is run
//  4. Instance.Run() calls the entry module's _start (or "") export
//
// # Host Module
//
// Guests import these functions from the "gl" module:
//
//	capability_call(kind, ptr, len) -> i32   response length, -1 on provider error
//	capability_read(ptr) -> i32              copies the last response
//	storage_reserve(pages) -> i32            0 ok, 1 out of storage
//	is_cancelled() -> i32                    1 once the execution is cancelled
//
// Every host function checks the cancellation token first.
//
// # Memory
//
// Linear memory is allocated through a limiter-backed allocator, so a grow
// beyond the budget fails with -1 in the guest instead of trapping.
//
// # Thread Safety
//
// Engine is safe for concurrent use. Instance is NOT thread-safe and should
// be used by a single goroutine.
package engine
