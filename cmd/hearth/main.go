// Command hearth runs the worker host: the HTTP API, the worker pool and
// the supervisors that govern each user worker.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/seantiz/hearth/internal/api"
	"github.com/seantiz/hearth/internal/backend"
	fc "github.com/seantiz/hearth/internal/backend/firecracker"
	"github.com/seantiz/hearth/internal/backend/wasm"
	"github.com/seantiz/hearth/internal/config"
	"github.com/seantiz/hearth/internal/events"
	"github.com/seantiz/hearth/internal/model"
	"github.com/seantiz/hearth/internal/pool"
	"github.com/seantiz/hearth/internal/queue"
	"github.com/seantiz/hearth/internal/store"
	"github.com/seantiz/hearth/internal/supervisor"
)

const shutdownTimeout = 15 * time.Second

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "hearth: load config: %v\n", err)
		os.Exit(1)
	}
	logger := config.NewLogger(os.Stdout, cfg.LogLevel)

	if err := run(cfg, logger); err != nil {
		logger.Error("hearth: exiting", "error", err)
		os.Exit(1)
	}
}

func run(cfg config.Config, logger *slog.Logger) error {
	logger.Info("hearth: starting",
		"listen_addr", cfg.ListenAddr,
		"db_path", cfg.DBPath,
		"default_runtime", cfg.DefaultRuntime,
	)

	policy, err := defaultPolicy(cfg.Supervisor)
	if err != nil {
		return err
	}

	db, err := store.NewSQLiteStore(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	reg := backend.NewRegistry()
	reg.Register("wasm", wasm.NewBooter(wasm.Config{
		MemoryLimitPages: cfg.Wasm.MemoryLimitPages,
		SampleInterval:   cfg.Wasm.SampleInterval,
		Logger:           logger,
	}))

	var vms *fc.Manager
	if fcCfg := fc.LoadConfig(); fcCfg.Enabled() {
		vms, err = fc.NewManager(fcCfg, logger)
		if err != nil {
			return fmt.Errorf("firecracker: %w", err)
		}
		if err := vms.Verify(); err != nil {
			logger.Warn("firecracker prerequisites missing; microVM runtimes disabled", "error", err)
			vms = nil
		} else {
			for _, lang := range fc.SupportedRuntimes {
				reg.Register(lang, vms.Booter(lang))
			}
		}
	}
	if err := reg.SetDefault(cfg.DefaultRuntime); err != nil {
		return fmt.Errorf("default runtime: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	evq := queue.New[model.WorkerEventWithMetadata]()
	broker := events.NewBroker()
	sink := events.NewSink(evq, db, broker, logger)
	sinkDone := make(chan struct{})
	go func() {
		defer close(sinkDone)
		sink.Run(ctx)
	}()

	p := pool.New(pool.Options{
		Registry:       reg,
		Store:          db,
		Events:         evq,
		Policy:         policy,
		SupervisorTick: cfg.Supervisor.Tick,
		Logger:         logger,
	})
	poolDone := make(chan struct{})
	go func() {
		defer close(poolDone)
		p.Run(ctx)
	}()

	if cfg.MainModule != "" {
		module, err := os.ReadFile(cfg.MainModule)
		if err != nil {
			return fmt.Errorf("read main module: %w", err)
		}
		err = p.StartMain(ctx, "wasm", backend.BootOptions{
			Name:        "main",
			ServicePath: cfg.MainModule,
			Module:      module,
		})
		if err != nil {
			return fmt.Errorf("start main worker: %w", err)
		}
	}

	srv := api.NewServer(cfg.ListenAddr, api.Deps{
		Store:    db,
		Registry: reg,
		Pool:     p,
		Broker:   broker,
		Logger:   logger,
	})
	serveErr := srv.Run(ctx)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	if err := p.Close(shutdownCtx); err != nil {
		logger.Warn("pool close", "error", err)
	}
	<-poolDone
	// Outcomes queued by the pool's workers drain before the sink stops.
	evq.Close()
	<-sinkDone
	broker.Shutdown()
	if vms != nil {
		vms.Shutdown(shutdownCtx)
	}

	logger.Info("hearth: stopped")
	return serveErr
}

// defaultPolicy builds the governance policy applied to user workers that
// do not carry their own.
func defaultPolicy(c config.Supervisor) (supervisor.Policy, error) {
	kind, err := supervisor.ParsePolicyKind(c.Policy)
	if err != nil {
		return supervisor.Policy{}, fmt.Errorf("supervisor policy: %w", err)
	}
	boundary, err := supervisor.ParseBoundary(c.Boundary)
	if err != nil {
		return supervisor.Policy{}, fmt.Errorf("supervisor boundary: %w", err)
	}
	p := supervisor.Policy{
		Kind:           kind,
		CPUBudget:      c.CPUBudget,
		WallClockLimit: c.WallClockLimit,
		Boundary:       boundary,
	}
	return p, p.Validate()
}
