// Package wasm runs sandboxed decoder plugins compiled to WebAssembly.
package wasm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/bytecodealliance/wasmtime-go/v30"
)

var ErrTimeout = errors.New("wasm execution timeout")

// epochsPerDeadline is how many epoch ticks a single execution may span.
const epochsPerDeadline = 10

// RuntimeConfig contains configuration for the WASM runtime.
type RuntimeConfig struct {
	MaxMemoryMB int `yaml:"max_memory_mb"`
	MaxCPUMs    int `yaml:"max_cpu_ms"`
	CacheSize   int `yaml:"cache_size"`
}

func DefaultRuntimeConfig() RuntimeConfig {
	return RuntimeConfig{
		MaxMemoryMB: 16,
		MaxCPUMs:    100,
		CacheSize:   32,
	}
}

// ExecutionResult contains the result of one module execution.
type ExecutionResult struct {
	Output      []byte
	Duration    time.Duration
	MemoryBytes int64
}

// CompiledModule represents a pre-compiled WASM module.
type CompiledModule struct {
	ID         string
	Module     *wasmtime.Module
	CompiledAt time.Time
}

// Runtime compiles and executes modules. One engine is shared by every
// execution; a single ticker advances its epoch so each execution is
// interrupted after roughly MaxCPUMs.
type Runtime struct {
	cfg    RuntimeConfig
	engine *wasmtime.Engine
	logger *slog.Logger

	cacheMu sync.RWMutex
	cache   map[string]*CompiledModule

	stop     chan struct{}
	stopOnce sync.Once
}

func NewRuntime(cfg RuntimeConfig, logger *slog.Logger) (*Runtime, error) {
	if logger == nil {
		logger = slog.Default()
	}
	def := DefaultRuntimeConfig()
	if cfg.MaxMemoryMB <= 0 {
		cfg.MaxMemoryMB = def.MaxMemoryMB
	}
	if cfg.MaxCPUMs <= 0 {
		cfg.MaxCPUMs = def.MaxCPUMs
	}
	if cfg.CacheSize <= 0 {
		cfg.CacheSize = def.CacheSize
	}

	engineCfg := wasmtime.NewConfig()
	engineCfg.SetEpochInterruption(true)
	engineCfg.SetConsumeFuel(false)

	r := &Runtime{
		cfg:    cfg,
		engine: wasmtime.NewEngineWithConfig(engineCfg),
		logger: logger.With("component", "wasm-runtime"),
		cache:  make(map[string]*CompiledModule),
		stop:   make(chan struct{}),
	}
	go r.epochTicker()
	return r, nil
}

// Compile compiles a module, reusing a cached compilation for moduleID.
func (r *Runtime) Compile(moduleID string, wasmBytes []byte) (*CompiledModule, error) {
	r.cacheMu.RLock()
	if cached, ok := r.cache[moduleID]; ok {
		r.cacheMu.RUnlock()
		return cached, nil
	}
	r.cacheMu.RUnlock()

	module, err := wasmtime.NewModule(r.engine, wasmBytes)
	if err != nil {
		return nil, fmt.Errorf("compile module %s: %w", moduleID, err)
	}

	compiled := &CompiledModule{
		ID:         moduleID,
		Module:     module,
		CompiledAt: time.Now(),
	}

	r.cacheMu.Lock()
	if len(r.cache) >= r.cfg.CacheSize {
		var oldestKey string
		var oldestTime time.Time
		for k, v := range r.cache {
			if oldestKey == "" || v.CompiledAt.Before(oldestTime) {
				oldestKey = k
				oldestTime = v.CompiledAt
			}
		}
		delete(r.cache, oldestKey)
	}
	r.cache[moduleID] = compiled
	r.cacheMu.Unlock()

	r.logger.Debug("compiled module", "module", moduleID, "size", len(wasmBytes))
	return compiled, nil
}

// Invalidate drops a cached compilation.
func (r *Runtime) Invalidate(moduleID string) {
	r.cacheMu.Lock()
	delete(r.cache, moduleID)
	r.cacheMu.Unlock()
}

// Execute instantiates module in a fresh store, hands it input and returns
// what it wrote through the output host call.
func (r *Runtime) Execute(ctx context.Context, module *CompiledModule, input []byte) (*ExecutionResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	start := time.Now()

	store := wasmtime.NewStore(r.engine)
	defer store.Close()

	store.Limiter(
		int64(r.cfg.MaxMemoryMB)*1024*1024,
		-1,
		1,
		1,
		1,
	)
	store.SetEpochDeadline(epochsPerDeadline)

	host := newHostIO(input, r.logger.With("module", module.ID))

	linker := wasmtime.NewLinker(r.engine)
	// WASI without env, args or preopened dirs: modules built for wasip1
	// link, but see nothing of the host.
	store.SetWasi(wasmtime.NewWasiConfig())
	if err := linker.DefineWasi(); err != nil {
		return nil, fmt.Errorf("define wasi: %w", err)
	}
	if err := host.define(linker, store); err != nil {
		return nil, fmt.Errorf("define host functions: %w", err)
	}

	instance, err := linker.Instantiate(store, module.Module)
	if err != nil {
		return nil, fmt.Errorf("instantiate module: %w", err)
	}

	entry := instance.GetFunc(store, "_start")
	if entry == nil {
		entry = instance.GetFunc(store, "decode")
	}
	if entry == nil {
		return nil, errors.New("module exports neither _start nor decode")
	}

	if _, err := entry.Call(store); err != nil {
		var trap *wasmtime.Trap
		if errors.As(err, &trap) && trap.Code() != nil && *trap.Code() == wasmtime.Interrupt {
			return nil, fmt.Errorf("%w: exceeded %dms", ErrTimeout, r.cfg.MaxCPUMs)
		}
		// wasip1 programs finish with proc_exit(0), which surfaces as an error.
		if !strings.Contains(err.Error(), "exit status 0") {
			return nil, fmt.Errorf("execute module: %w", err)
		}
	}

	var memoryBytes int64
	if mem := instance.GetExport(store, "memory"); mem != nil && mem.Memory() != nil {
		memoryBytes = int64(mem.Memory().DataSize(store))
	}

	return &ExecutionResult{
		Output:      host.output(),
		Duration:    time.Since(start),
		MemoryBytes: memoryBytes,
	}, nil
}

func (r *Runtime) epochTicker() {
	interval := time.Duration(r.cfg.MaxCPUMs) * time.Millisecond / epochsPerDeadline
	if interval < time.Millisecond {
		interval = time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			r.engine.IncrementEpoch()
		case <-r.stop:
			return
		}
	}
}

// Close stops the epoch ticker and clears the module cache.
func (r *Runtime) Close() {
	r.stopOnce.Do(func() { close(r.stop) })
	r.cacheMu.Lock()
	r.cache = make(map[string]*CompiledModule)
	r.cacheMu.Unlock()
}
