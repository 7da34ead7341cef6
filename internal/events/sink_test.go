package events_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/seantiz/hearth/internal/events"
	"github.com/seantiz/hearth/internal/model"
	"github.com/seantiz/hearth/internal/queue"
)

type memWriter struct {
	mu   sync.Mutex
	got  []model.WorkerEventWithMetadata
	fail bool
}

func (w *memWriter) InsertEvent(_ context.Context, ev model.WorkerEventWithMetadata) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.fail {
		return errors.New("disk full")
	}
	w.got = append(w.got, ev)
	return nil
}

func (w *memWriter) len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.got)
}

func runSink(t *testing.T, s *events.Sink) <-chan struct{} {
	t.Helper()
	done := make(chan struct{})
	go func() {
		defer close(done)
		s.Run(context.Background())
	}()
	return done
}

func TestSinkPersistsAndPublishes(t *testing.T) {
	q := queue.New[model.WorkerEventWithMetadata]()
	w := &memWriter{}
	b := events.NewBroker()
	all, unsub := b.SubscribeAll()
	defer unsub()

	done := runSink(t, events.NewSink(q, w, b, nil))

	q.Send(outcome("w1", model.EventShutdown))
	q.Send(outcome("w2", model.EventBootFailure))
	q.Close()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("sink did not stop after queue closed")
	}

	if n := w.len(); n != 2 {
		t.Errorf("persisted %d events, want 2", n)
	}
	for i := range 2 {
		select {
		case <-all:
		default:
			t.Fatalf("firehose missing event %d", i)
		}
	}
}

func TestSinkContinuesAfterPersistFailure(t *testing.T) {
	q := queue.New[model.WorkerEventWithMetadata]()
	b := events.NewBroker()
	ch, unsub := b.Subscribe("w1")
	defer unsub()

	done := runSink(t, events.NewSink(q, &memWriter{fail: true}, b, nil))
	q.Send(outcome("w1", model.EventShutdown))
	q.Close()
	<-done

	if got := collect(ch); len(got) != 1 {
		t.Fatalf("published %d events, want 1", len(got))
	}
}

func TestSinkStopsOnContextCancel(t *testing.T) {
	q := queue.New[model.WorkerEventWithMetadata]()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		events.NewSink(q, nil, nil, nil).Run(ctx)
	}()

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("sink did not stop on cancel")
	}
}
