package model

import "time"

// EventType tags a terminal worker outcome.
type EventType string

// Terminal event types.
const (
	EventShutdown          EventType = "shutdown"
	EventUncaughtException EventType = "uncaught_exception"
	EventBootFailure       EventType = "boot_failure"
)

// ShutdownReason explains why a worker shut down.
type ShutdownReason string

// Shutdown reasons.
const (
	ReasonFinished  ShutdownReason = "finished"
	ReasonCPUBudget ShutdownReason = "cpu_budget"
	ReasonWallClock ShutdownReason = "wall_clock"
	ReasonCancelled ShutdownReason = "cancelled"
)

// WorkerEvent is the single terminal outcome of a worker.
type WorkerEvent struct {
	Type        EventType      `json:"type"`
	Reason      ShutdownReason `json:"reason,omitempty"`
	Message     string         `json:"message,omitempty"`
	CPUTimeUsed time.Duration  `json:"cpu_time_used_ns"`
}

// ShutdownEvent builds a graceful or forced shutdown outcome.
func ShutdownEvent(cpu time.Duration, reason ShutdownReason) WorkerEvent {
	return WorkerEvent{Type: EventShutdown, Reason: reason, CPUTimeUsed: cpu}
}

// UncaughtExceptionEvent builds a fault outcome.
func UncaughtExceptionEvent(cpu time.Duration, msg string) WorkerEvent {
	return WorkerEvent{Type: EventUncaughtException, Message: msg, CPUTimeUsed: cpu}
}

// BootFailureEvent builds the outcome of an engine that never booted.
func BootFailureEvent(msg string) WorkerEvent {
	return WorkerEvent{Type: EventBootFailure, Message: msg}
}

// CPUTime returns the CPU time figure carried by the event, if any.
func (e WorkerEvent) CPUTime() (time.Duration, bool) {
	switch e.Type {
	case EventShutdown, EventUncaughtException:
		return e.CPUTimeUsed, true
	default:
		return 0, false
	}
}

// EventMetadata is attached to every event a worker reports.
type EventMetadata struct {
	ServicePath string            `json:"service_path,omitempty"`
	ExecutionID string            `json:"execution_id,omitempty"`
	Tags        map[string]string `json:"tags,omitempty"`
}

// WorkerEventWithMetadata is the envelope pushed into the event sink.
type WorkerEventWithMetadata struct {
	ID        string        `json:"id"`
	WorkerKey string        `json:"worker_key,omitempty"`
	Event     WorkerEvent   `json:"event"`
	Metadata  EventMetadata `json:"metadata"`
	Timestamp time.Time     `json:"timestamp"`
}
