// Package cancel provides the shared cancellation signal raised by an
// external authority when a worker's execution must stop.
package cancel

import "sync"

// Signal is level-triggered and multi-waiter: once raised, every current and
// future waiter observes it. It cannot be re-armed and carries no payload.
type Signal struct {
	once sync.Once
	ch   chan struct{}
}

// New returns an unraised signal.
func New() *Signal {
	return &Signal{ch: make(chan struct{})}
}

// Raise fires the signal. Raising more than once is a no-op.
func (s *Signal) Raise() {
	s.once.Do(func() { close(s.ch) })
}

// Done returns a channel closed once the signal is raised. A nil signal never fires.
func (s *Signal) Done() <-chan struct{} {
	if s == nil {
		return nil
	}
	return s.ch
}

// Raised reports whether the signal has fired.
func (s *Signal) Raised() bool {
	if s == nil {
		return false
	}
	select {
	case <-s.ch:
		return true
	default:
		return false
	}
}
