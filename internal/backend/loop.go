package backend

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/seantiz/hearth/internal/queue"
)

// DefaultSampleInterval is how often a Loop pushes CPU samples when no
// interval is configured.
const DefaultSampleInterval = 10 * time.Millisecond

const interruptBacklog = 32

// CallFunc serves one connection. It must return promptly once ctx is done.
type CallFunc func(ctx context.Context, c Conn) error

// LoopOptions configures a Loop.
type LoopOptions struct {
	// Call serves a single connection.
	Call CallFunc

	// SampleInterval between CPU samples. Zero uses DefaultSampleInterval.
	SampleInterval time.Duration

	// CPUSource reports accumulated CPU time from outside the loop, e.g. a
	// VMM process. When nil the loop charges wall time spent inside calls.
	CPUSource func() (time.Duration, error)

	// Memory reports engine memory for Stats. Optional.
	Memory func() uint64

	Logger *slog.Logger
}

// Loop is the single-goroutine engine loop shared by engine implementations.
// Connections are served one at a time; interrupt callbacks run between
// units of work. Engines embed *Loop and add Close.
type Loop struct {
	owner  Runtime
	opts   LoopOptions
	logger *slog.Logger

	// mu guards stopped and the interrupt channel against a late send
	// after the final drain.
	mu         sync.Mutex
	stopped    bool
	interrupts chan func(Runtime)

	callMu     sync.Mutex
	cancelCall context.CancelFunc
	terminated atomic.Bool

	busyNanos atomic.Int64
	busySince atomic.Int64
	lastCPU   atomic.Int64

	started   atomic.Uint64
	completed atomic.Uint64
}

// NewLoop creates a loop whose interrupt callbacks receive owner.
func NewLoop(owner Runtime, opts LoopOptions) *Loop {
	if opts.SampleInterval <= 0 {
		opts.SampleInterval = DefaultSampleInterval
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Loop{
		owner:      owner,
		opts:       opts,
		logger:     logger,
		interrupts: make(chan func(Runtime), interruptBacklog),
	}
}

// Interrupter returns the loop itself.
func (l *Loop) Interrupter() Interrupter { return l }

// RequestInterrupt schedules fn on the loop goroutine. It returns false if
// the loop has stopped or the backlog is full.
func (l *Loop) RequestInterrupt(fn func(Runtime)) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.stopped {
		return false
	}
	select {
	case l.interrupts <- fn:
		return true
	default:
		return false
	}
}

// Terminate cancels the call in progress and refuses further connections.
func (l *Loop) Terminate() {
	l.terminated.Store(true)
	l.cancelCurrent()
}

// CPUTime returns accumulated CPU time.
func (l *Loop) CPUTime() time.Duration {
	if l.opts.CPUSource != nil {
		d, err := l.opts.CPUSource()
		if err == nil {
			l.lastCPU.Store(int64(d))
			return d
		}
		return time.Duration(l.lastCPU.Load())
	}
	total := l.busyNanos.Load()
	if since := l.busySince.Load(); since > 0 {
		total += time.Now().UnixNano() - since
	}
	return time.Duration(total)
}

// Stats returns a snapshot of the loop counters.
func (l *Loop) Stats() RuntimeStats {
	s := RuntimeStats{
		CPUTime:        l.CPUTime(),
		CallsStarted:   l.started.Load(),
		CallsCompleted: l.completed.Load(),
		Busy:           l.busySince.Load() > 0,
	}
	if l.opts.Memory != nil {
		s.MemoryBytes = l.opts.Memory()
	}
	return s
}

// Serve runs the loop until conns is closed and drained (nil), a call fails
// with an UncaughtError (returned as-is) or the loop is terminated
// (ErrTerminated). Interrupts still queued when the loop stops are run
// before Serve returns.
func (l *Loop) Serve(ctx context.Context, conns *queue.Unbounded[Conn], hooks ServeHooks) error {
	defer l.stop()

	samplerDone := make(chan struct{})
	var samplerWG sync.WaitGroup
	if hooks.CPUUsage != nil {
		samplerWG.Go(func() { l.sample(hooks.CPUUsage, samplerDone) })
	}
	defer func() {
		close(samplerDone)
		samplerWG.Wait()
	}()

	var callDone chan error
	for {
		if callDone == nil {
			if l.terminated.Load() {
				return ErrTerminated
			}
			if c, ok := conns.TryRecv(); ok {
				callDone = l.startCall(ctx, c, hooks.Calls)
				continue
			}
			if conns.Closed() {
				if c, ok := conns.TryRecv(); ok {
					callDone = l.startCall(ctx, c, hooks.Calls)
					continue
				}
				return nil
			}
		}

		var ready <-chan struct{}
		if callDone == nil {
			ready = conns.Ready()
		}

		select {
		case fn := <-l.interrupts:
			fn(l.owner)
		case <-ctx.Done():
			l.Terminate()
			if callDone != nil {
				<-callDone
				l.finishCall(hooks.Calls)
			}
			return ErrTerminated
		case <-ready:
		case err := <-callDone:
			callDone = nil
			l.finishCall(hooks.Calls)
			var uerr *UncaughtError
			if errors.As(err, &uerr) {
				return uerr
			}
			if err != nil && !l.terminated.Load() {
				l.logger.Warn("call failed", "error", err)
			}
		}
	}
}

func (l *Loop) startCall(parent context.Context, c Conn, calls *queue.Unbounded[CallEvent]) chan error {
	ctx, cancel := context.WithCancel(parent)
	l.callMu.Lock()
	l.cancelCall = cancel
	l.callMu.Unlock()

	now := time.Now()
	l.started.Add(1)
	l.busySince.Store(now.UnixNano())
	if calls != nil {
		calls.Send(CallEvent{Started: true, At: now})
	}

	if c.Liveness != nil {
		go func() {
			select {
			case <-c.Liveness:
				cancel()
			case <-ctx.Done():
			}
		}()
	}

	done := make(chan error, 1)
	go func() {
		err := l.opts.Call(ctx, c)
		cancel()
		done <- err
	}()
	return done
}

func (l *Loop) finishCall(calls *queue.Unbounded[CallEvent]) {
	l.callMu.Lock()
	l.cancelCall = nil
	l.callMu.Unlock()

	now := time.Now()
	if since := l.busySince.Swap(0); since > 0 {
		l.busyNanos.Add(now.UnixNano() - since)
	}
	l.completed.Add(1)
	if calls != nil {
		calls.Send(CallEvent{At: now})
	}
}

func (l *Loop) cancelCurrent() {
	l.callMu.Lock()
	defer l.callMu.Unlock()
	if l.cancelCall != nil {
		l.cancelCall()
	}
}

func (l *Loop) stop() {
	l.mu.Lock()
	l.stopped = true
	l.mu.Unlock()

	for {
		select {
		case fn := <-l.interrupts:
			fn(l.owner)
		default:
			return
		}
	}
}

func (l *Loop) sample(out *queue.Unbounded[CPUUsage], done <-chan struct{}) {
	ticker := time.NewTicker(l.opts.SampleInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			out.Send(CPUUsage{Total: l.CPUTime()})
			return
		case <-ticker.C:
			if err := out.Send(CPUUsage{Total: l.CPUTime()}); err != nil {
				return
			}
		}
	}
}
