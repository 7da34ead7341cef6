// Package pool is the registry of live workers.
//
// The pool boots workers, routes connections to them and consumes the
// Shutdown and Retire messages workers and supervisors push into its
// unbounded inbox. Producers never block on the pool.
package pool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/seantiz/hearth/internal/backend"
	"github.com/seantiz/hearth/internal/cancel"
	"github.com/seantiz/hearth/internal/model"
	"github.com/seantiz/hearth/internal/queue"
	"github.com/seantiz/hearth/internal/store"
	"github.com/seantiz/hearth/internal/supervisor"
	"github.com/seantiz/hearth/internal/worker"
)

var (
	// ErrWorkerNotFound is returned for identities the pool does not hold.
	ErrWorkerNotFound = errors.New("worker not found")
	// ErrWorkerRetired is returned when routing to a draining or stopped worker.
	ErrWorkerRetired = errors.New("worker retired")
	// ErrNoMainWorker is returned when no main worker is running.
	ErrNoMainWorker = errors.New("no main worker")
)

// Options configures a Pool.
type Options struct {
	Registry *backend.Registry
	// Store persists worker status. Optional.
	Store store.Store
	// Events is the event sink queue handed to every worker. Optional.
	Events *queue.Unbounded[model.WorkerEventWithMetadata]
	// Policy applies to user workers created without an override.
	Policy         supervisor.Policy
	SupervisorTick time.Duration
	Logger         *slog.Logger
}

// CreateRequest describes a user worker to boot.
type CreateRequest struct {
	Runtime  string
	Boot     backend.BootOptions
	Policy   *supervisor.Policy
	Metadata model.EventMetadata
}

// Info is the live view of one registered worker.
type Info struct {
	Key     string `json:"key"`
	Runtime string `json:"runtime"`
	Booted  bool   `json:"booted"`
	Retired bool   `json:"retired"`
}

// Snapshot is the runtime metrics view of the pool.
type Snapshot struct {
	ActiveWorkers    int                   `json:"active_workers"`
	RetiredWorkers   int                   `json:"retired_workers"`
	RequestsReceived uint64                `json:"requests_received"`
	RequestsHandled  uint64                `json:"requests_handled"`
	Main             *backend.RuntimeStats `json:"main,omitempty"`
	Host             *backend.ProcessStats `json:"host,omitempty"`
}

type entry struct {
	key      model.WorkerKey
	runtime  string
	worker   *worker.Worker
	conns    *queue.Unbounded[backend.Conn]
	requests *queue.Unbounded[supervisor.RequestEvent]
	cancel   *cancel.Signal
	booted   bool
	retired  bool
}

// Pool owns every live worker.
type Pool struct {
	opts   Options
	logger *slog.Logger
	inbox  *queue.Unbounded[model.PoolMsg]

	mu      sync.Mutex
	workers map[model.WorkerKey]*entry
	main    *entry

	wg       sync.WaitGroup
	received atomic.Uint64
	handled  atomic.Uint64
}

// New creates a pool. Call Run to start consuming its inbox.
func New(opts Options) *Pool {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Pool{
		opts:    opts,
		logger:  logger,
		inbox:   queue.New[model.PoolMsg](),
		workers: make(map[model.WorkerKey]*entry),
	}
}

// DefaultPolicy is the policy applied to user workers created without an
// override.
func (p *Pool) DefaultPolicy() supervisor.Policy { return p.opts.Policy }

// Send pushes msg into the pool inbox.
func (p *Pool) Send(msg model.PoolMsg) error {
	return p.inbox.Send(msg)
}

// Run consumes the inbox until it is closed and drained or ctx is done.
func (p *Pool) Run(ctx context.Context) {
	for {
		msg, ok := p.inbox.Recv(ctx)
		if !ok {
			return
		}
		p.handle(msg)
	}
}

func (p *Pool) handle(msg model.PoolMsg) {
	poolMessages.WithLabelValues(msg.Kind.String()).Inc()
	switch msg.Kind {
	case model.PoolShutdown:
		p.shutdown(msg.Key)
	case model.PoolRetire:
		p.retire(msg.Key)
	default:
		p.logger.Warn("unknown pool message", "kind", int(msg.Kind), "worker_key", msg.Key.String())
	}
}

// shutdown forgets the worker and releases everything keyed by it.
// Unknown identities are ignored.
func (p *Pool) shutdown(key model.WorkerKey) {
	p.mu.Lock()
	e, ok := p.workers[key]
	if ok {
		delete(p.workers, key)
		switch {
		case e.retired:
			retiredWorkers.Dec()
		case e.booted:
			activeWorkers.Dec()
		}
	}
	p.mu.Unlock()

	if !ok {
		p.logger.Debug("shutdown for unknown worker", "worker_key", key.String())
		return
	}

	e.conns.Close()
	closeQueued(e.conns)
	e.requests.Close()
	workerRequests.DeleteLabelValues(key.String())

	p.setStatus(key, model.StatusRetired)
	p.logger.Info("worker removed", "worker_key", key.String())
}

// retire stops routing to the worker. Queued connections are still served.
func (p *Pool) retire(key model.WorkerKey) {
	p.mu.Lock()
	defer p.mu.Unlock()

	e, ok := p.workers[key]
	if !ok || e.retired {
		return
	}
	e.retired = true
	if e.booted {
		activeWorkers.Dec()
	}
	retiredWorkers.Inc()
	p.logger.Info("worker retired", "worker_key", key.String())
}

// closeQueued closes streams that were routed but never served.
func closeQueued(conns *queue.Unbounded[backend.Conn]) {
	for {
		c, ok := conns.TryRecv()
		if !ok {
			return
		}
		c.Stream.Close()
	}
}

func (p *Pool) setStatus(key model.WorkerKey, status string) {
	if p.opts.Store == nil {
		return
	}
	ctx, cancelFn := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelFn()
	err := p.opts.Store.UpdateWorkerStatus(ctx, key.String(), status)
	if err != nil && !errors.Is(err, store.ErrInvalidTransition) {
		p.logger.Error("update worker status", "worker_key", key.String(), "status", status, "error", err)
	}
}

// Create boots a user worker and waits for its boot signal. On boot
// failure the worker still reports its outcome and Shutdown; the returned
// error wraps worker.ErrBoot.
func (p *Pool) Create(ctx context.Context, req CreateRequest) (*model.WorkerRecord, error) {
	if p.opts.Registry == nil {
		return nil, errors.New("pool has no engine registry")
	}
	name, booter, err := p.opts.Registry.Resolve(req.Runtime)
	if err != nil {
		return nil, fmt.Errorf("resolve runtime: %w", err)
	}

	policy := p.opts.Policy
	if req.Policy != nil {
		policy = *req.Policy
	}
	if err := policy.Validate(); err != nil {
		return nil, fmt.Errorf("invalid policy: %w", err)
	}

	key := model.NewWorkerKey()
	rec := &model.WorkerRecord{
		Key:         key.String(),
		Kind:        model.KindUser,
		Runtime:     name,
		ServicePath: req.Boot.ServicePath,
		Status:      model.StatusBooting,
		CreatedAt:   time.Now().UTC(),
	}
	if p.opts.Store != nil {
		if err := p.opts.Store.CreateWorker(ctx, rec); err != nil {
			return nil, fmt.Errorf("create worker record: %w", err)
		}
	}

	meta := req.Metadata
	if meta.ServicePath == "" {
		meta.ServicePath = req.Boot.ServicePath
	}
	if meta.ExecutionID == "" {
		meta.ExecutionID = model.NewID()
	}

	e := &entry{
		key:      key,
		runtime:  name,
		conns:    queue.New[backend.Conn](),
		requests: queue.New[supervisor.RequestEvent](),
		cancel:   cancel.New(),
	}
	e.worker = worker.New(worker.Conf{
		Kind:           model.KindUser,
		Key:            key,
		Pool:           p.inbox,
		Events:         p.opts.Events,
		Cancel:         e.cancel,
		Metadata:       meta,
		SupervisorTick: p.opts.SupervisorTick,
		Logger:         p.logger,
	})
	e.worker.SetSupervisorPolicy(policy)

	p.mu.Lock()
	p.workers[key] = e
	p.mu.Unlock()

	boot := worker.NewBootSignal()
	p.wg.Add(1)
	e.worker.Start(worker.InitOptions{
		Booter: booter,
		Boot:   req.Boot,
		Timing: supervisor.Timing{Requests: e.requests},
	}, e.conns, boot)
	go func() {
		defer p.wg.Done()
		<-e.worker.Done()
	}()

	select {
	case err := <-boot:
		if err != nil {
			return nil, err
		}
	case <-ctx.Done():
		e.cancel.Raise()
		return nil, ctx.Err()
	}

	p.mu.Lock()
	// A Shutdown may already have removed the entry.
	if _, live := p.workers[key]; live && !e.retired {
		e.booted = true
		activeWorkers.Inc()
	}
	p.mu.Unlock()

	p.setStatus(key, model.StatusRunning)
	if p.opts.Store != nil {
		if fresh, err := p.opts.Store.GetWorker(ctx, rec.Key); err == nil {
			rec = fresh
		}
	} else {
		rec.Status = model.StatusRunning
	}
	return rec, nil
}

// Route hands conn to the worker identified by key.
func (p *Pool) Route(key model.WorkerKey, conn backend.Conn) error {
	p.mu.Lock()
	e, ok := p.workers[key]
	if !ok || !e.booted {
		p.mu.Unlock()
		return ErrWorkerNotFound
	}
	if e.retired {
		p.mu.Unlock()
		return ErrWorkerRetired
	}
	p.mu.Unlock()

	requests := e.requests
	conn.Stream = &trackedConn{
		Conn: conn.Stream,
		onClose: func() {
			p.handled.Add(1)
			requests.Send(supervisor.RequestEvent{Kind: supervisor.RequestEnd, At: time.Now()})
		},
	}

	if err := requests.Send(supervisor.RequestEvent{Kind: supervisor.RequestRouted, At: time.Now()}); err != nil {
		return ErrWorkerRetired
	}
	if err := e.conns.Send(conn); err != nil {
		requests.Send(supervisor.RequestEvent{Kind: supervisor.RequestEnd, At: time.Now()})
		return ErrWorkerRetired
	}
	p.received.Add(1)
	workerRequests.WithLabelValues(key.String()).Inc()
	return nil
}

// Cancel raises the worker's cancellation signal.
func (p *Pool) Cancel(key model.WorkerKey) error {
	p.mu.Lock()
	e, ok := p.workers[key]
	p.mu.Unlock()
	if !ok {
		return ErrWorkerNotFound
	}
	e.cancel.Raise()
	return nil
}

// List returns the registered user workers.
func (p *Pool) List() []Info {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]Info, 0, len(p.workers))
	for _, e := range p.workers {
		out = append(out, Info{
			Key:     e.key.String(),
			Runtime: e.runtime,
			Booted:  e.booted,
			Retired: e.retired,
		})
	}
	return out
}

// StartMain boots the privileged main worker. Only one may run at a time.
func (p *Pool) StartMain(ctx context.Context, runtime string, boot backend.BootOptions) error {
	if p.opts.Registry == nil {
		return errors.New("pool has no engine registry")
	}
	name, booter, err := p.opts.Registry.Resolve(runtime)
	if err != nil {
		return fmt.Errorf("resolve runtime: %w", err)
	}

	e := &entry{
		runtime: name,
		conns:   queue.New[backend.Conn](),
		cancel:  cancel.New(),
	}
	e.worker = worker.New(worker.Conf{
		Kind:     model.KindMain,
		Events:   p.opts.Events,
		Cancel:   e.cancel,
		Metadata: model.EventMetadata{ServicePath: boot.ServicePath, ExecutionID: model.NewID()},
		Logger:   p.logger,
	})

	p.mu.Lock()
	if p.main != nil {
		p.mu.Unlock()
		return errors.New("main worker already running")
	}
	p.main = e
	p.mu.Unlock()

	signal := worker.NewBootSignal()
	p.wg.Add(1)
	e.worker.Start(worker.InitOptions{Booter: booter, Boot: boot}, e.conns, signal)
	go func() {
		defer p.wg.Done()
		<-e.worker.Done()
		p.mu.Lock()
		if p.main == e {
			p.main = nil
		}
		p.mu.Unlock()
	}()

	select {
	case err := <-signal:
		if err != nil {
			return err
		}
	case <-ctx.Done():
		e.cancel.Raise()
		return ctx.Err()
	}

	p.mu.Lock()
	e.booted = true
	p.mu.Unlock()
	p.logger.Info("main worker started", "runtime", name, "service_path", boot.ServicePath)
	return nil
}

// RouteMain hands conn to the main worker.
func (p *Pool) RouteMain(conn backend.Conn) error {
	p.mu.Lock()
	e := p.main
	booted := e != nil && e.booted
	p.mu.Unlock()
	if !booted {
		return ErrNoMainWorker
	}
	if err := e.conns.Send(conn); err != nil {
		return ErrNoMainWorker
	}
	p.received.Add(1)
	return nil
}

// Metrics returns a runtime metrics snapshot. Main worker stats come from
// its engine loop and are omitted if the loop cannot be reached.
func (p *Pool) Metrics(ctx context.Context) Snapshot {
	var snap Snapshot
	p.mu.Lock()
	for _, e := range p.workers {
		switch {
		case e.retired:
			snap.RetiredWorkers++
		case e.booted:
			snap.ActiveWorkers++
		}
	}
	mainEntry := p.main
	p.mu.Unlock()

	snap.RequestsReceived = p.received.Load()
	snap.RequestsHandled = p.handled.Load()

	if mainEntry != nil {
		if stats, ok := backend.RequestStats(ctx, mainEntry.worker.Interrupter()); ok {
			snap.Main = &stats
		}
	}

	host, err := backend.SelfStats()
	if err != nil {
		p.logger.Warn("read host process stats", "error", err)
	} else {
		snap.Host = &host
	}
	return snap
}

// Close cancels every worker, waits for them to finish and closes the
// inbox so Run returns once the final Shutdown messages are handled.
func (p *Pool) Close(ctx context.Context) error {
	p.mu.Lock()
	for _, e := range p.workers {
		e.cancel.Raise()
	}
	if p.main != nil {
		p.main.cancel.Raise()
	}
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
	case <-ctx.Done():
		err = fmt.Errorf("wait for workers: %w", ctx.Err())
	}
	p.inbox.Close()
	return err
}
