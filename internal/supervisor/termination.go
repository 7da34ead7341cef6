package supervisor

import (
	"sync"

	"github.com/seantiz/hearth/internal/model"
)

// Termination is the single-shot outcome channel shared by a worker's
// supervisor and its completion routine. The first Report wins.
type Termination struct {
	once sync.Once
	ch   chan model.WorkerEvent
	done chan struct{}
}

func NewTermination() *Termination {
	return &Termination{
		ch:   make(chan model.WorkerEvent, 1),
		done: make(chan struct{}),
	}
}

// Report delivers ev unless an outcome was already delivered. It reports
// whether ev was the one delivered.
func (t *Termination) Report(ev model.WorkerEvent) bool {
	delivered := false
	t.once.Do(func() {
		t.ch <- ev
		close(t.done)
		delivered = true
	})
	return delivered
}

// C yields the outcome exactly once.
func (t *Termination) C() <-chan model.WorkerEvent { return t.ch }

// Done is closed once an outcome has been reported.
func (t *Termination) Done() <-chan struct{} { return t.done }

func (t *Termination) Reported() bool {
	select {
	case <-t.done:
		return true
	default:
		return false
	}
}
