package events

import (
	"context"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/seantiz/hearth/internal/model"
	"github.com/seantiz/hearth/internal/queue"
)

var (
	eventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hearth_events_total",
			Help: "Terminal worker events consumed by the sink, by type.",
		},
		[]string{"type"},
	)

	persistFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "hearth_events_persist_failures_total",
			Help: "Terminal worker events that could not be persisted.",
		},
	)
)

func init() {
	prometheus.MustRegister(eventsTotal, persistFailures)
}

// EventWriter persists terminal events.
type EventWriter interface {
	InsertEvent(ctx context.Context, ev model.WorkerEventWithMetadata) error
}

// Sink drains the worker event queue: each event is persisted, published
// to the broker and counted.
type Sink struct {
	events *queue.Unbounded[model.WorkerEventWithMetadata]
	store  EventWriter
	broker *Broker
	logger *slog.Logger
}

// NewSink creates a sink. store and broker are optional.
func NewSink(events *queue.Unbounded[model.WorkerEventWithMetadata], store EventWriter, broker *Broker, logger *slog.Logger) *Sink {
	if logger == nil {
		logger = slog.Default()
	}
	return &Sink{events: events, store: store, broker: broker, logger: logger}
}

// Run consumes events until the queue is closed and drained or ctx is done.
func (s *Sink) Run(ctx context.Context) {
	for {
		ev, ok := s.events.Recv(ctx)
		if !ok {
			return
		}
		s.handle(ev)
	}
}

func (s *Sink) handle(ev model.WorkerEventWithMetadata) {
	eventsTotal.WithLabelValues(string(ev.Event.Type)).Inc()

	if s.store != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err := s.store.InsertEvent(ctx, ev)
		cancel()
		if err != nil {
			persistFailures.Inc()
			s.logger.Error("persist worker event",
				"event_id", ev.ID,
				"worker_key", ev.WorkerKey,
				"error", err,
			)
		}
	}

	if s.broker != nil {
		s.broker.Publish(ev)
	}

	s.logger.Debug("worker event",
		"event_id", ev.ID,
		"worker_key", ev.WorkerKey,
		"type", ev.Event.Type,
		"service_path", ev.Metadata.ServicePath,
	)
}
