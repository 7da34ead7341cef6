package store

import (
	"context"
	"errors"

	"github.com/seantiz/hearth/internal/model"
)

// ErrInvalidTransition is returned when a worker status transition is not allowed.
var ErrInvalidTransition = errors.New("invalid status transition")

// EventStats holds aggregate terminal-event statistics.
type EventStats struct {
	Total         int            `json:"total"`
	CountByType   map[string]int `json:"count_by_type"`
	CountByReason map[string]int `json:"count_by_reason"`
	AvgCPUTimeMS  float64        `json:"avg_cpu_time_ms"`
}

// Store defines the persistence operations for workers and their outcomes.
type Store interface {
	CreateWorker(ctx context.Context, w *model.WorkerRecord) error
	GetWorker(ctx context.Context, key string) (*model.WorkerRecord, error)
	ListWorkers(ctx context.Context, limit, offset int) ([]*model.WorkerRecord, int, error)
	UpdateWorkerStatus(ctx context.Context, key, status string) error
	InsertEvent(ctx context.Context, ev model.WorkerEventWithMetadata) error
	ListEvents(ctx context.Context, workerKey string) ([]model.WorkerEventWithMetadata, error)
	GetEventStats(ctx context.Context) (*EventStats, error)
	Close() error
}
