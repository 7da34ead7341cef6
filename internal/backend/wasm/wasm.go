// Package wasm is the default execution engine: WebAssembly modules run
// under wazero with WASI preview1. Each booted worker owns one wazero
// runtime; each routed connection gets a fresh anonymous module instance.
package wasm

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"
	"github.com/tetratelabs/wazero/sys"

	"github.com/seantiz/hearth/internal/backend"
)

const (
	// DefaultEntrypoint is the export called for each connection.
	DefaultEntrypoint = "_start"

	pagesPerMB   = 16 // 64 KiB pages
	writeTimeout = 5 * time.Second
)

// Config holds engine-wide settings.
type Config struct {
	// MemoryLimitPages caps linear memory per instance (64 KiB pages). 0 keeps wazero's default.
	MemoryLimitPages uint32
	SampleInterval   time.Duration
	Logger           *slog.Logger
}

// Booter boots wazero runtimes. Compiled code is shared across boots
// through one compilation cache.
type Booter struct {
	cfg   Config
	cache wazero.CompilationCache
}

var _ backend.Booter = (*Booter)(nil)

// NewBooter creates a wazero engine.
func NewBooter(cfg Config) *Booter {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Booter{
		cfg:   cfg,
		cache: wazero.NewCompilationCache(),
	}
}

// Capabilities reports what this engine supports.
func (b *Booter) Capabilities() backend.Capabilities {
	return backend.Capabilities{
		Name:              "wasm",
		Isolation:         "isolate",
		SupportedRuntimes: []string{"wasm", "wasi"},
		MaxConcurrency:    1,
	}
}

// Boot compiles the module. Any compile or validation failure is a boot failure.
func (b *Booter) Boot(ctx context.Context, opts backend.BootOptions) (backend.Runtime, error) {
	if len(opts.Module) == 0 {
		return nil, errors.New("boot wasm: no module bytes")
	}

	rcfg := wazero.NewRuntimeConfig().
		WithCloseOnContextDone(true).
		WithCompilationCache(b.cache)
	switch {
	case opts.MemLimitMB > 0:
		rcfg = rcfg.WithMemoryLimitPages(uint32(opts.MemLimitMB * pagesPerMB))
	case b.cfg.MemoryLimitPages > 0:
		rcfg = rcfg.WithMemoryLimitPages(b.cfg.MemoryLimitPages)
	}

	wrt := wazero.NewRuntimeWithConfig(ctx, rcfg)
	if _, err := wasi_snapshot_preview1.Instantiate(ctx, wrt); err != nil {
		wrt.Close(ctx)
		return nil, fmt.Errorf("instantiate wasi: %w", err)
	}

	compiled, err := wrt.CompileModule(ctx, opts.Module)
	if err != nil {
		wrt.Close(ctx)
		return nil, fmt.Errorf("compile module: %w", err)
	}

	entry := opts.Entrypoint
	if entry == "" {
		entry = DefaultEntrypoint
	}
	if _, ok := compiled.ExportedFunctions()[entry]; !ok {
		wrt.Close(ctx)
		return nil, fmt.Errorf("module does not export %q", entry)
	}

	r := &Runtime{
		wrt:      wrt,
		compiled: compiled,
		name:     opts.Name,
		entry:    entry,
		env:      opts.Env,
		logger:   b.cfg.Logger.With("worker", opts.Name, "service_path", opts.ServicePath),
	}
	r.Loop = backend.NewLoop(r, backend.LoopOptions{
		Call:           r.call,
		SampleInterval: b.cfg.SampleInterval,
		Memory:         r.lastMemory.Load,
		Logger:         r.logger,
	})
	return r, nil
}

// Runtime is one booted wazero instance.
type Runtime struct {
	*backend.Loop

	wrt      wazero.Runtime
	compiled wazero.CompiledModule
	name     string
	entry    string
	env      map[string]string
	logger   *slog.Logger

	lastMemory atomic.Uint64
}

// Close releases the wazero runtime and every module it compiled.
func (r *Runtime) Close(ctx context.Context) error {
	if err := r.wrt.Close(ctx); err != nil {
		return fmt.Errorf("close wazero runtime: %w", err)
	}
	return nil
}

func (r *Runtime) call(ctx context.Context, c backend.Conn) error {
	defer c.Stream.Close()
	stop := context.AfterFunc(ctx, func() { c.Stream.Close() })
	defer stop()

	var req backend.InvokeRequest
	if err := backend.ReadMessage(c.Stream, &req); err != nil {
		return fmt.Errorf("read invoke request: %w", err)
	}

	var stdout, stderr bytes.Buffer
	mcfg := wazero.NewModuleConfig().
		WithName("").
		WithStartFunctions().
		WithArgs(r.name).
		WithStdin(bytes.NewReader(req.Input)).
		WithStdout(&stdout).
		WithStderr(&stderr)
	for k, v := range r.env {
		mcfg = mcfg.WithEnv(k, v)
	}
	for k, v := range req.Env {
		mcfg = mcfg.WithEnv(k, v)
	}

	start := time.Now()
	runErr := r.run(ctx, mcfg)
	resp := backend.InvokeResponse{
		Output:     stdout.Bytes(),
		Stderr:     stderr.Bytes(),
		DurationMS: time.Since(start).Milliseconds(),
	}

	var result error
	var exitErr *sys.ExitError
	switch {
	case runErr == nil:
	case ctx.Err() != nil:
		// Terminated or the caller went away; nobody is left to answer.
		return ctx.Err()
	case errors.As(runErr, &exitErr):
		resp.ExitCode = int(exitErr.ExitCode())
	default:
		resp.ExitCode = -1
		resp.Error = runErr.Error()
		result = &backend.UncaughtError{Err: runErr}
	}

	c.Stream.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := backend.WriteMessage(c.Stream, &resp); err != nil && result == nil {
		result = fmt.Errorf("write invoke response: %w", err)
	}
	return result
}

func (r *Runtime) run(ctx context.Context, mcfg wazero.ModuleConfig) error {
	mod, err := r.wrt.InstantiateModule(ctx, r.compiled, mcfg)
	if err != nil {
		return fmt.Errorf("instantiate module: %w", err)
	}
	defer mod.Close(context.Background())

	if mem := mod.Memory(); mem != nil {
		r.lastMemory.Store(uint64(mem.Size()))
	}

	_, err = mod.ExportedFunction(r.entry).Call(ctx)
	return err
}
