package supervisor

import (
	"time"

	"github.com/seantiz/hearth/internal/model"
)

type action int

const (
	actContinue action = iota
	actTerminate
	actDrain
)

type verdict struct {
	action action
	reason model.ShutdownReason
}

// ledger is the accounting state of one supervisor. It is owned by the
// supervisor goroutine.
type ledger struct {
	policy  Policy
	started time.Time

	last  time.Duration // highest sample seen
	total time.Duration // CPU charged over the lifetime

	window      time.Duration // CPU charged to the call being served
	windowStart time.Time
	closed      time.Duration // window that just closed, pending a straddling delta
	straddling  bool
	calling     bool

	inflight    int // routed requests not yet ended, the served one included
	draining    bool
	drainReason model.ShutdownReason
}

func newLedger(p Policy, now time.Time) *ledger {
	return &ledger{policy: p, started: now, windowStart: now}
}

// sample charges the delta since the previous sample. A sample lower than
// a previous one is a glitch and charges nothing.
func (l *ledger) sample(total time.Duration) {
	if total <= l.last {
		return
	}
	delta := total - l.last
	l.last = total
	l.total += delta

	if l.policy.Kind != PerRequest {
		return
	}
	if l.straddling {
		l.straddling = false
		l.closed += delta
		return
	}
	l.window += delta
}

// requestRouted counts a request handed to the worker. It does not open a
// window: the engine may still be serving an earlier request.
func (l *ledger) requestRouted() {
	l.inflight++
}

// callStarted opens a new request window when the engine begins serving a
// connection.
func (l *ledger) callStarted(at time.Time) {
	l.calling = true
	if l.policy.Kind != PerRequest {
		return
	}
	l.closed = l.window
	l.straddling = l.policy.Boundary == ChargeOldWindow
	l.window = 0
	l.windowStart = at
}

func (l *ledger) callFinished() {
	l.calling = false
}

func (l *ledger) requestEnded() {
	if l.inflight > 0 {
		l.inflight--
	}
}

func (l *ledger) evaluate(now time.Time) verdict {
	if l.draining {
		if l.inflight == 0 {
			return verdict{actTerminate, l.drainReason}
		}
		return verdict{}
	}

	p := l.policy
	switch p.Kind {
	case PerWorker:
		if p.CPUBudget > 0 && l.total >= p.CPUBudget {
			return verdict{actTerminate, model.ReasonCPUBudget}
		}
		if p.WallClockLimit > 0 && now.Sub(l.started) >= p.WallClockLimit {
			return verdict{actTerminate, model.ReasonWallClock}
		}

	case PerRequest:
		var reason model.ShutdownReason
		switch {
		case p.CPUBudget > 0 && l.window >= p.CPUBudget:
			reason = model.ReasonCPUBudget
		case p.WallClockLimit > 0 && l.calling && now.Sub(l.windowStart) >= p.WallClockLimit:
			reason = model.ReasonWallClock
		default:
			return verdict{}
		}
		if l.inflight <= 1 {
			return verdict{actTerminate, reason}
		}
		l.draining = true
		l.drainReason = reason
		return verdict{actDrain, reason}
	}
	return verdict{}
}
