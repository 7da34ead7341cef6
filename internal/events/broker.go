// Package events fans out and persists terminal worker outcomes.
package events

import (
	"sync"

	"github.com/seantiz/hearth/internal/model"
)

// subscriberBufferSize is the channel buffer for each subscriber. Events are
// dropped if a subscriber falls this far behind.
const subscriberBufferSize = 64

type eventCh = chan model.WorkerEventWithMetadata

// Broker streams terminal events to subscribers of one worker and to
// firehose subscribers of all workers. It is safe for concurrent use.
//
// A worker reports exactly one outcome, so publishing an event for a keyed
// worker also closes its topic. Closed topics stay behind as markers so a
// late subscriber receives a closed channel instead of blocking forever.
type Broker struct {
	mu       sync.Mutex
	topics   map[string]*topic
	firehose *topic
}

type topic struct {
	subs   map[int]eventCh
	nextID int
	closed bool
}

func newTopic() *topic {
	return &topic{subs: make(map[int]eventCh)}
}

func (t *topic) subscribe() int {
	id := t.nextID
	t.nextID++
	return id
}

func (t *topic) close() {
	t.closed = true
	for id, ch := range t.subs {
		close(ch)
		delete(t.subs, id)
	}
}

func (t *topic) send(ev model.WorkerEventWithMetadata) {
	for _, ch := range t.subs {
		select {
		case ch <- ev:
		default:
			// Slow subscriber.
		}
	}
}

// NewBroker creates a new broker.
func NewBroker() *Broker {
	return &Broker{
		topics:   make(map[string]*topic),
		firehose: newTopic(),
	}
}

// Subscribe returns a channel that receives the outcome of the given worker
// and an unsubscribe function. If the outcome was already published the
// channel is closed.
func (b *Broker) Subscribe(workerKey string) (<-chan model.WorkerEventWithMetadata, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	t, ok := b.topics[workerKey]
	if !ok {
		t = newTopic()
		b.topics[workerKey] = t
	}
	return b.add(t)
}

// SubscribeAll returns a channel that receives every published event until
// the broker is shut down.
func (b *Broker) SubscribeAll() (<-chan model.WorkerEventWithMetadata, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.add(b.firehose)
}

func (b *Broker) add(t *topic) (<-chan model.WorkerEventWithMetadata, func()) {
	ch := make(eventCh, subscriberBufferSize)
	if t.closed {
		close(ch)
		return ch, func() {}
	}

	id := t.subscribe()
	t.subs[id] = ch
	return ch, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if _, ok := t.subs[id]; ok {
			delete(t.subs, id)
			close(ch)
		}
	}
}

// Publish delivers ev to the firehose and, for keyed workers, to the
// worker's subscribers before closing its topic.
func (b *Broker) Publish(ev model.WorkerEventWithMetadata) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.firehose.closed {
		b.firehose.send(ev)
	}
	if ev.WorkerKey == "" {
		return
	}

	t, ok := b.topics[ev.WorkerKey]
	if !ok {
		b.topics[ev.WorkerKey] = &topic{subs: make(map[int]eventCh), closed: true}
		return
	}
	if t.closed {
		return
	}
	t.send(ev)
	t.close()
}

// Shutdown closes every subscriber channel.
func (b *Broker) Shutdown() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.firehose.close()
	for _, t := range b.topics {
		t.close()
	}
}
