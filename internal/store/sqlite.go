package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/seantiz/hearth/internal/model"

	_ "modernc.org/sqlite"
)

const createWorkersTable = `
CREATE TABLE IF NOT EXISTS workers (
    key          TEXT PRIMARY KEY,
    kind         TEXT NOT NULL,
    runtime      TEXT NOT NULL,
    service_path TEXT NOT NULL,
    status       TEXT NOT NULL,
    cpu_time_ms  INTEGER,
    last_event   TEXT,
    created_at   DATETIME NOT NULL,
    booted_at    DATETIME,
    retired_at   DATETIME
)`

const createEventsTable = `
CREATE TABLE IF NOT EXISTS worker_events (
    id           TEXT PRIMARY KEY,
    worker_key   TEXT NOT NULL,
    type         TEXT NOT NULL,
    reason       TEXT NOT NULL,
    message      TEXT NOT NULL,
    cpu_time_ns  INTEGER NOT NULL,
    service_path TEXT NOT NULL,
    execution_id TEXT NOT NULL,
    tags         TEXT,
    created_at   DATETIME NOT NULL
)`

const createEventsIndex = `
CREATE INDEX IF NOT EXISTS idx_worker_events_worker_key ON worker_events (worker_key, created_at)`

// ErrNotFound is returned when a worker is not found.
var ErrNotFound = errors.New("worker not found")

var _ Store = (*SQLiteStore)(nil)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens the SQLite database at dbPath and runs migrations.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// An in-memory database exists per connection.
	if dbPath == ":memory:" {
		db.SetMaxOpenConns(1)
	}

	for _, stmt := range []struct {
		name string
		sql  string
	}{
		{"set WAL mode", "PRAGMA journal_mode=WAL"},
		{"set busy timeout", "PRAGMA busy_timeout = 5000"},
		{"create workers table", createWorkersTable},
		{"create worker_events table", createEventsTable},
		{"create worker_events index", createEventsIndex},
	} {
		if _, err := db.Exec(stmt.sql); err != nil {
			db.Close()
			return nil, fmt.Errorf("%s: %w", stmt.name, err)
		}
	}

	return &SQLiteStore{db: db}, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

const workerColumns = `key, kind, runtime, service_path, status, cpu_time_ms,
	last_event, created_at, booted_at, retired_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanWorker(row scanner) (*model.WorkerRecord, error) {
	w := &model.WorkerRecord{}
	var lastEvent sql.NullString
	err := row.Scan(
		&w.Key, &w.Kind, &w.Runtime, &w.ServicePath, &w.Status, &w.CPUTimeMS,
		&lastEvent, &w.CreatedAt, &w.BootedAt, &w.RetiredAt,
	)
	if err != nil {
		return nil, err
	}
	w.LastEvent = lastEvent.String
	return w, nil
}

// CreateWorker inserts a new worker record.
func (s *SQLiteStore) CreateWorker(ctx context.Context, w *model.WorkerRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO workers (`+workerColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		w.Key, w.Kind, w.Runtime, w.ServicePath, w.Status, w.CPUTimeMS,
		nullString(w.LastEvent), w.CreatedAt, w.BootedAt, w.RetiredAt,
	)
	if err != nil {
		return fmt.Errorf("insert worker: %w", err)
	}
	return nil
}

// GetWorker retrieves a worker by key.
func (s *SQLiteStore) GetWorker(ctx context.Context, key string) (*model.WorkerRecord, error) {
	w, err := scanWorker(s.db.QueryRowContext(ctx,
		`SELECT `+workerColumns+` FROM workers WHERE key = ?`, key,
	))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get worker: %w", err)
	}
	return w, nil
}

// ListWorkers returns a paginated list of workers ordered by created_at DESC,
// along with the total count of all workers.
func (s *SQLiteStore) ListWorkers(ctx context.Context, limit, offset int) ([]*model.WorkerRecord, int, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, 0, fmt.Errorf("begin read tx: %w", err)
	}
	defer tx.Rollback()

	var total int
	if err := tx.QueryRowContext(ctx, "SELECT COUNT(*) FROM workers").Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count workers: %w", err)
	}

	rows, err := tx.QueryContext(ctx,
		`SELECT `+workerColumns+` FROM workers ORDER BY created_at DESC, key LIMIT ? OFFSET ?`,
		limit, offset,
	)
	if err != nil {
		return nil, 0, fmt.Errorf("list workers: %w", err)
	}
	defer rows.Close()

	var workers []*model.WorkerRecord
	for rows.Next() {
		w, err := scanWorker(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan worker: %w", err)
		}
		workers = append(workers, w)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterate workers: %w", err)
	}

	return workers, total, nil
}

// UpdateWorkerStatus moves a worker to status. Entering running sets
// booted_at; entering retired sets retired_at.
func (s *SQLiteStore) UpdateWorkerStatus(ctx context.Context, key, status string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var current string
	err = tx.QueryRowContext(ctx, "SELECT status FROM workers WHERE key = ?", key).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("read worker status: %w", err)
	}

	if !model.ValidTransition(current, status) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, current, status)
	}

	now := time.Now().UTC()
	switch status {
	case model.StatusRunning:
		_, err = tx.ExecContext(ctx, "UPDATE workers SET status = ?, booted_at = ? WHERE key = ?", status, now, key)
	case model.StatusRetired:
		_, err = tx.ExecContext(ctx, "UPDATE workers SET status = ?, retired_at = ? WHERE key = ?", status, now, key)
	default:
		_, err = tx.ExecContext(ctx, "UPDATE workers SET status = ? WHERE key = ?", status, key)
	}
	if err != nil {
		return fmt.Errorf("update worker status: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit status update: %w", err)
	}
	return nil
}

// InsertEvent persists a terminal event. When the event belongs to a known
// worker, the worker's last_event and cpu_time_ms are updated too.
func (s *SQLiteStore) InsertEvent(ctx context.Context, ev model.WorkerEventWithMetadata) error {
	var tags sql.NullString
	if len(ev.Metadata.Tags) > 0 {
		b, err := json.Marshal(ev.Metadata.Tags)
		if err != nil {
			return fmt.Errorf("marshal tags: %w", err)
		}
		tags = sql.NullString{String: string(b), Valid: true}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO worker_events (
			id, worker_key, type, reason, message, cpu_time_ns,
			service_path, execution_id, tags, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ev.ID, ev.WorkerKey, string(ev.Event.Type), string(ev.Event.Reason), ev.Event.Message,
		int64(ev.Event.CPUTimeUsed), ev.Metadata.ServicePath, ev.Metadata.ExecutionID, tags,
		ev.Timestamp.UTC(),
	)
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}

	if ev.WorkerKey != "" {
		var cpuMS *int64
		if cpu, ok := ev.Event.CPUTime(); ok {
			ms := cpu.Milliseconds()
			cpuMS = &ms
		}
		_, err = tx.ExecContext(ctx,
			"UPDATE workers SET last_event = ?, cpu_time_ms = COALESCE(?, cpu_time_ms) WHERE key = ?",
			string(ev.Event.Type), cpuMS, ev.WorkerKey,
		)
		if err != nil {
			return fmt.Errorf("record worker outcome: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit event: %w", err)
	}
	return nil
}

// ListEvents returns the events recorded for a worker, oldest first.
func (s *SQLiteStore) ListEvents(ctx context.Context, workerKey string) ([]model.WorkerEventWithMetadata, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, worker_key, type, reason, message, cpu_time_ns,
			service_path, execution_id, tags, created_at
		FROM worker_events WHERE worker_key = ? ORDER BY created_at ASC, id ASC`, workerKey,
	)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer rows.Close()

	events := []model.WorkerEventWithMetadata{}
	for rows.Next() {
		var (
			ev   model.WorkerEventWithMetadata
			typ  string
			rsn  string
			cpu  int64
			tags sql.NullString
		)
		if err := rows.Scan(
			&ev.ID, &ev.WorkerKey, &typ, &rsn, &ev.Event.Message, &cpu,
			&ev.Metadata.ServicePath, &ev.Metadata.ExecutionID, &tags, &ev.Timestamp,
		); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		ev.Event.Type = model.EventType(typ)
		ev.Event.Reason = model.ShutdownReason(rsn)
		ev.Event.CPUTimeUsed = time.Duration(cpu)
		if tags.Valid {
			if err := json.Unmarshal([]byte(tags.String), &ev.Metadata.Tags); err != nil {
				return nil, fmt.Errorf("decode tags for event %s: %w", ev.ID, err)
			}
		}
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate events: %w", err)
	}
	return events, nil
}

// GetEventStats computes aggregate statistics over all persisted events.
func (s *SQLiteStore) GetEventStats(ctx context.Context) (*EventStats, error) {
	stats := &EventStats{
		CountByType:   make(map[string]int),
		CountByReason: make(map[string]int),
	}

	var avgNS sql.NullFloat64
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*), AVG(CASE WHEN type != ? THEN cpu_time_ns END) FROM worker_events`,
		string(model.EventBootFailure),
	).Scan(&stats.Total, &avgNS)
	if err != nil {
		return nil, fmt.Errorf("count events: %w", err)
	}
	if avgNS.Valid {
		stats.AvgCPUTimeMS = avgNS.Float64 / float64(time.Millisecond)
	}

	if err := s.countBy(ctx, "type", stats.CountByType); err != nil {
		return nil, err
	}
	if err := s.countBy(ctx, "reason", stats.CountByReason); err != nil {
		return nil, err
	}
	return stats, nil
}

// countBy fills out with event counts grouped by column, skipping empty values.
func (s *SQLiteStore) countBy(ctx context.Context, column string, out map[string]int) error {
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+column+", COUNT(*) FROM worker_events WHERE "+column+" != '' GROUP BY "+column,
	)
	if err != nil {
		return fmt.Errorf("count events by %s: %w", column, err)
	}
	defer rows.Close()

	for rows.Next() {
		var value string
		var count int
		if err := rows.Scan(&value, &count); err != nil {
			return fmt.Errorf("scan %s count: %w", column, err)
		}
		out[value] = count
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate %s counts: %w", column, err)
	}
	return nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
