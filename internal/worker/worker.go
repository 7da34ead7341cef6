// Package worker runs one engine instance from boot to its terminal outcome.
//
// A Worker boots its engine on a background goroutine, signals the result
// through a single-shot boot channel, serves connections until the engine
// stops, and then publishes exactly one outcome: to the event sink when one
// is configured, and as a Shutdown message to the pool for keyed workers.
// Tenant (user) workers run under a supervisor; privileged workers do not.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/seantiz/hearth/internal/backend"
	"github.com/seantiz/hearth/internal/cancel"
	"github.com/seantiz/hearth/internal/model"
	"github.com/seantiz/hearth/internal/queue"
	"github.com/seantiz/hearth/internal/supervisor"
)

// ErrBoot wraps every error sent through a boot signal.
var ErrBoot = errors.New("worker boot failed")

// Conf is the fixed configuration of a Worker.
type Conf struct {
	Kind model.WorkerKind
	// Key identifies user workers. Privileged workers leave it zero.
	Key model.WorkerKey

	// Pool receives Shutdown(Key) once the outcome is known. Optional.
	Pool *queue.Unbounded[model.PoolMsg]
	// Events receives the terminal outcome. Optional.
	Events *queue.Unbounded[model.WorkerEventWithMetadata]
	// Cancel forces the worker to stop when raised. Optional.
	Cancel   *cancel.Signal
	Metadata model.EventMetadata

	// SupervisorTick overrides the supervisor evaluation interval.
	SupervisorTick time.Duration
	Logger         *slog.Logger
}

// InitOptions describes how to boot the engine.
type InitOptions struct {
	Booter backend.Booter
	Boot   backend.BootOptions
	// Timing carries request boundaries to the supervisor. It never
	// reaches the engine.
	Timing supervisor.Timing
}

// Worker drives one engine instance.
type Worker struct {
	conf   Conf
	policy supervisor.Policy
	logger *slog.Logger

	mu          sync.Mutex
	interrupter backend.Interrupter
	outcome     model.WorkerEvent
	started     bool

	done chan struct{}
}

// New creates a Worker. Call Start to boot it.
func New(conf Conf) *Worker {
	logger := conf.Logger
	if logger == nil {
		logger = slog.Default()
	}
	attrs := []any{"kind", conf.Kind}
	if conf.Kind.IsUser() {
		attrs = append(attrs, "worker_key", conf.Key.String())
	}
	if conf.Metadata.ServicePath != "" {
		attrs = append(attrs, "service_path", conf.Metadata.ServicePath)
	}
	return &Worker{
		conf:   conf,
		logger: logger.With(attrs...),
		done:   make(chan struct{}),
	}
}

// SetSupervisorPolicy sets the policy the supervisor enforces. It has no
// effect once Start was called or on privileged workers.
func (w *Worker) SetSupervisorPolicy(p supervisor.Policy) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.started {
		w.policy = p
	}
}

// NewBootSignal returns a boot signal channel of the required capacity.
func NewBootSignal() chan error {
	return make(chan error, 1)
}

// Key returns the worker identity.
func (w *Worker) Key() model.WorkerKey { return w.conf.Key }

// Start boots the engine and serves conns in the background. It returns
// immediately; bootSignal receives nil once the engine is up, or an error
// wrapping ErrBoot. conns is owned by the caller, but the worker closes it
// once the engine has stopped.
func (w *Worker) Start(opts InitOptions, conns *queue.Unbounded[backend.Conn], bootSignal chan<- error) {
	w.mu.Lock()
	if w.started {
		w.mu.Unlock()
		w.logger.Error("worker already started")
		select {
		case bootSignal <- fmt.Errorf("%w: already started", ErrBoot):
		default:
		}
		return
	}
	w.started = true
	policy := w.policy
	w.mu.Unlock()

	// The request-boundary stream goes to the supervisor only.
	timing := opts.Timing
	opts.Timing = supervisor.Timing{}

	go func() {
		defer close(w.done)
		ev := w.execute(opts.Booter, opts.Boot, policy, timing, conns, bootSignal)
		w.finish(ev)
	}()
}

// Done is closed after the outcome was published and the pool notified.
func (w *Worker) Done() <-chan struct{} { return w.done }

// Outcome returns the terminal outcome. Valid once Done is closed.
func (w *Worker) Outcome() model.WorkerEvent {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.outcome
}

// Interrupter returns the engine handle, or nil before boot completes.
func (w *Worker) Interrupter() backend.Interrupter {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.interrupter
}

func (w *Worker) execute(
	booter backend.Booter,
	boot backend.BootOptions,
	policy supervisor.Policy,
	timing supervisor.Timing,
	conns *queue.Unbounded[backend.Conn],
	bootSignal chan<- error,
) (ev model.WorkerEvent) {
	signalled := false
	signal := func(err error) {
		if signalled {
			return
		}
		signalled = true
		select {
		case bootSignal <- err:
		default:
			w.logger.Warn("boot signal not delivered")
		}
	}

	defer func() {
		r := recover()
		if r == nil {
			return
		}
		msg := fmt.Sprintf("panic: %v", r)
		w.logger.Error("worker panicked", "error", msg)
		if !signalled {
			bootFailures.WithLabelValues(string(w.conf.Kind)).Inc()
			signal(fmt.Errorf("%w: %s", ErrBoot, msg))
			ev = model.BootFailureEvent(msg)
			return
		}
		ev = model.UncaughtExceptionEvent(0, msg)
	}()

	if booter == nil {
		return w.bootFailed(signal, errors.New("no engine booter"))
	}
	if w.conf.Kind.IsUser() {
		if err := policy.Validate(); err != nil {
			return w.bootFailed(signal, fmt.Errorf("invalid policy: %w", err))
		}
	}

	ctx, stop := w.cancelContext()
	defer stop()

	start := time.Now()
	rt, err := booter.Boot(ctx, boot)
	if err != nil {
		return w.bootFailed(signal, err)
	}
	bootDuration.WithLabelValues(string(w.conf.Kind)).Observe(time.Since(start).Seconds())

	w.mu.Lock()
	w.interrupter = rt.Interrupter()
	w.mu.Unlock()

	signal(nil)
	w.logger.Info("worker booted", "boot_ms", time.Since(start).Milliseconds())

	if w.conf.Kind.IsUser() {
		return w.runSupervised(rt, policy, timing, conns)
	}
	return w.runPrivileged(ctx, rt, conns)
}

func (w *Worker) bootFailed(signal func(error), err error) model.WorkerEvent {
	bootFailures.WithLabelValues(string(w.conf.Kind)).Inc()
	w.logger.Error("worker boot failed", "error", err)
	signal(fmt.Errorf("%w: %w", ErrBoot, err))
	return model.BootFailureEvent(err.Error())
}

// cancelContext returns a context cancelled when the worker's cancellation
// signal is raised.
func (w *Worker) cancelContext() (context.Context, context.CancelFunc) {
	ctx, cancelFn := context.WithCancel(context.Background())
	sig := w.conf.Cancel
	if sig == nil {
		return ctx, cancelFn
	}
	go func() {
		select {
		case <-sig.Done():
			cancelFn()
		case <-ctx.Done():
		}
	}()
	return ctx, cancelFn
}

// runSupervised serves conns under a supervisor. Whichever of the
// supervisor and the engine finishes first reports the outcome; the
// engine has always stopped by the time this returns.
func (w *Worker) runSupervised(
	rt backend.Runtime,
	policy supervisor.Policy,
	timing supervisor.Timing,
	conns *queue.Unbounded[backend.Conn],
) model.WorkerEvent {
	term := supervisor.NewTermination()
	samples := queue.New[backend.CPUUsage]()
	defer samples.Close()
	calls := queue.New[backend.CallEvent]()
	defer calls.Close()

	guard, err := supervisor.Start(supervisor.Options{
		Key:          w.conf.Key,
		Interrupter:  rt.Interrupter(),
		Policy:       policy,
		Termination:  term,
		Pool:         w.conf.Pool,
		Samples:      samples,
		Calls:        calls,
		Cancel:       w.conf.Cancel,
		Timing:       timing,
		TickInterval: w.conf.SupervisorTick,
		Logger:       w.logger,
	})
	if err != nil {
		w.logger.Error("start supervisor", "error", err)
		conns.Close()
		w.closeRuntime(rt)
		return model.UncaughtExceptionEvent(0, err.Error())
	}
	defer guard.Stop()

	serveCtx, stopServe := context.WithCancel(context.Background())
	defer stopServe()

	served := make(chan error, 1)
	go func() {
		served <- rt.Serve(serveCtx, conns, backend.ServeHooks{CPUUsage: samples, Calls: calls})
	}()

	var ev model.WorkerEvent
	select {
	case ev = <-term.C():
		stopServe()
		<-served
	case err := <-served:
		term.Report(outcomeOf(err, rt.CPUTime()))
		ev = <-term.C()
	}

	conns.Close()
	w.closeRuntime(rt)
	return ev
}

// runPrivileged serves conns without governance until the engine stops or
// the cancellation signal is raised.
func (w *Worker) runPrivileged(ctx context.Context, rt backend.Runtime, conns *queue.Unbounded[backend.Conn]) model.WorkerEvent {
	err := rt.Serve(ctx, conns, backend.ServeHooks{})
	ev := outcomeOf(err, rt.CPUTime())
	conns.Close()
	w.closeRuntime(rt)
	return ev
}

func (w *Worker) closeRuntime(rt backend.Runtime) {
	ctx, cancelFn := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelFn()
	if err := rt.Close(ctx); err != nil {
		w.logger.Warn("close runtime", "error", err)
	}
}

// outcomeOf maps the error Serve returned to a terminal outcome.
func outcomeOf(err error, cpu time.Duration) model.WorkerEvent {
	if err == nil {
		return model.ShutdownEvent(cpu, model.ReasonFinished)
	}
	if errors.Is(err, backend.ErrTerminated) {
		return model.ShutdownEvent(cpu, model.ReasonCancelled)
	}
	var uerr *backend.UncaughtError
	if errors.As(err, &uerr) && uerr.Err != nil {
		return model.UncaughtExceptionEvent(cpu, uerr.Err.Error())
	}
	return model.UncaughtExceptionEvent(cpu, err.Error())
}

// finish records the outcome, forwards it to the event sink and, last of
// all, tells the pool the worker is gone.
func (w *Worker) finish(ev model.WorkerEvent) {
	w.mu.Lock()
	w.outcome = ev
	w.mu.Unlock()

	outcomesTotal.WithLabelValues(string(ev.Type)).Inc()
	logAttrs := []any{"type", ev.Type}
	if ev.Reason != "" {
		logAttrs = append(logAttrs, "reason", ev.Reason)
	}
	if cpu, ok := ev.CPUTime(); ok {
		cpuTime.Observe(cpu.Seconds())
		logAttrs = append(logAttrs, "cpu_time_ms", cpu.Milliseconds())
	}
	if ev.Message != "" {
		logAttrs = append(logAttrs, "error", ev.Message)
	}
	w.logger.Info("worker finished", logAttrs...)

	w.sendEventIfAvailable(ev)

	if !w.conf.Kind.IsUser() || w.conf.Pool == nil {
		return
	}
	if err := w.conf.Pool.Send(model.PoolMsg{Kind: model.PoolShutdown, Key: w.conf.Key}); err != nil {
		notificationFailures.WithLabelValues(targetPool).Inc()
		w.logger.Error("notify pool of shutdown", "error", err)
	}
}

func (w *Worker) sendEventIfAvailable(ev model.WorkerEvent) {
	if w.conf.Events == nil {
		return
	}
	env := model.WorkerEventWithMetadata{
		ID:        model.NewID(),
		Event:     ev,
		Metadata:  w.conf.Metadata,
		Timestamp: time.Now().UTC(),
	}
	if w.conf.Kind.IsUser() {
		env.WorkerKey = w.conf.Key.String()
	}
	if err := w.conf.Events.Send(env); err != nil {
		notificationFailures.WithLabelValues(targetEventSink).Inc()
		w.logger.Error("send worker event", "error", err)
	}
}
