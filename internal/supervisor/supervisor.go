// Package supervisor enforces CPU and wall-clock policy on tenant workers.
//
// A supervisor runs on its own goroutine beside the engine loop. It
// consumes CPU samples and request boundaries, keeps a ledger under the
// configured Policy, and when a limit is crossed or the worker's
// cancellation signal is raised, terminates the engine through its
// interrupt handle and reports a Shutdown outcome on the worker's
// Termination channel.
package supervisor

import (
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/seantiz/hearth/internal/backend"
	"github.com/seantiz/hearth/internal/cancel"
	"github.com/seantiz/hearth/internal/model"
	"github.com/seantiz/hearth/internal/queue"
)

// DefaultTick is the evaluation interval when Options.TickInterval is zero.
const DefaultTick = 10 * time.Millisecond

// RequestEventKind marks a request boundary.
type RequestEventKind int

const (
	// RequestRouted counts a request as pending. Request windows open when
	// the engine starts serving it, not here.
	RequestRouted RequestEventKind = iota
	RequestEnd
)

// RequestEvent is one request boundary observed by the router.
type RequestEvent struct {
	Kind RequestEventKind
	At   time.Time
}

// Timing is the request-boundary stream routed to a worker's supervisor
// rather than its engine.
type Timing struct {
	Requests *queue.Unbounded[RequestEvent]
}

// State is the supervisor lifecycle.
type State int32

const (
	StateIdle State = iota
	StateActive
	StateTerminating
	StateReported
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateActive:
		return "active"
	case StateTerminating:
		return "terminating"
	case StateReported:
		return "reported"
	default:
		return "unknown"
	}
}

// Options configures Start.
type Options struct {
	Key         model.WorkerKey
	Interrupter backend.Interrupter
	Policy      Policy
	Termination *Termination

	// Pool receives Retire when the worker must drain. Optional.
	Pool *queue.Unbounded[model.PoolMsg]
	// Samples is the engine's CPU sample stream. Optional.
	Samples *queue.Unbounded[backend.CPUUsage]
	// Calls is the engine's call boundary stream. Per-request windows open
	// on its start events. Optional.
	Calls *queue.Unbounded[backend.CallEvent]
	// Cancel forces termination when raised. Optional.
	Cancel *cancel.Signal
	Timing Timing

	TickInterval time.Duration
	// Logger is expected to carry the worker key already. A nil Logger
	// falls back to the default logger tagged with Key.
	Logger *slog.Logger
}

// Guard keeps a supervisor running. Stop it once the worker has finished.
type Guard struct {
	state    atomic.Int32
	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

// Stop ends supervision and waits for the supervisor goroutine to exit.
func (g *Guard) Stop() {
	g.stopOnce.Do(func() { close(g.stop) })
	<-g.done
}

// Done is closed when the supervisor goroutine has exited.
func (g *Guard) Done() <-chan struct{} { return g.done }

func (g *Guard) State() State { return State(g.state.Load()) }

type supervisor struct {
	opts   Options
	guard  *Guard
	ledger *ledger
	logger *slog.Logger

	terminating bool
}

// Start validates opts and launches the supervisor goroutine.
func Start(opts Options) (*Guard, error) {
	if opts.Interrupter == nil {
		return nil, errors.New("supervisor: interrupter is required")
	}
	if opts.Termination == nil {
		return nil, errors.New("supervisor: termination channel is required")
	}
	if err := opts.Policy.Validate(); err != nil {
		return nil, err
	}
	if opts.TickInterval <= 0 {
		opts.TickInterval = DefaultTick
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default().With("worker_key", opts.Key.String())
	}

	g := &Guard{stop: make(chan struct{}), done: make(chan struct{})}
	s := &supervisor{
		opts:   opts,
		guard:  g,
		ledger: newLedger(opts.Policy, time.Now()),
		logger: logger,
	}
	go s.run()
	return g, nil
}

func (s *supervisor) run() {
	defer close(s.guard.done)
	s.guard.state.Store(int32(StateActive))

	ticker := time.NewTicker(s.opts.TickInterval)
	defer ticker.Stop()

	term := s.opts.Termination
	cancelled := s.opts.Cancel.Done()
	samples := s.opts.Samples
	calls := s.opts.Calls
	requests := s.opts.Timing.Requests

	for {
		select {
		case <-term.Done():
			s.guard.state.Store(int32(StateReported))
			return
		case <-s.guard.stop:
			if term.Reported() {
				s.guard.state.Store(int32(StateReported))
			}
			return
		case <-cancelled:
			cancelled = nil
			s.terminate(model.ReasonCancelled)
		case <-samples.Ready():
			for {
				u, ok := samples.TryRecv()
				if !ok {
					break
				}
				s.ledger.sample(u.Total)
			}
			s.evaluate(time.Now())
		case <-calls.Ready():
			for {
				ev, ok := calls.TryRecv()
				if !ok {
					break
				}
				if ev.Started {
					s.ledger.callStarted(ev.At)
				} else {
					s.ledger.callFinished()
				}
			}
			s.evaluate(time.Now())
		case <-requests.Ready():
			for {
				ev, ok := requests.TryRecv()
				if !ok {
					break
				}
				switch ev.Kind {
				case RequestRouted:
					s.ledger.requestRouted()
				case RequestEnd:
					s.ledger.requestEnded()
				}
			}
			s.evaluate(time.Now())
		case now := <-ticker.C:
			s.evaluate(now)
		}
	}
}

func (s *supervisor) evaluate(now time.Time) {
	if s.terminating {
		return
	}
	v := s.ledger.evaluate(now)
	switch v.action {
	case actTerminate:
		s.terminate(v.reason)
	case actDrain:
		s.retire(v.reason)
	}
}

// retire asks the pool to stop routing to the worker. The ledger
// terminates it once the in-flight requests finish.
func (s *supervisor) retire(reason model.ShutdownReason) {
	drainsTotal.Inc()
	s.logger.Info("draining worker", "reason", reason, "inflight", s.ledger.inflight)
	if s.opts.Pool == nil {
		return
	}
	if err := s.opts.Pool.Send(model.PoolMsg{Kind: model.PoolRetire, Key: s.opts.Key}); err != nil {
		s.logger.Error("send retire", "error", err)
	}
}

// terminate stops the engine through its interrupt handle and reports
// the outcome. When the interrupt cannot be scheduled the outcome is
// reported with the ledger's figure; the completion routine then stops
// the engine when it observes the report.
func (s *supervisor) terminate(reason model.ShutdownReason) {
	if s.terminating {
		return
	}
	s.terminating = true
	s.guard.state.Store(int32(StateTerminating))
	terminationsTotal.WithLabelValues(string(reason)).Inc()

	term := s.opts.Termination
	scheduled := s.opts.Interrupter.RequestInterrupt(func(rt backend.Runtime) {
		cpu := rt.CPUTime()
		rt.Terminate()
		term.Report(model.ShutdownEvent(cpu, reason))
	})
	if !scheduled {
		term.Report(model.ShutdownEvent(s.ledger.total, reason))
	}
	s.logger.Info("terminating worker",
		"reason", reason,
		"cpu_time_ms", s.ledger.total.Milliseconds(),
		"interrupted", scheduled,
	)
}
