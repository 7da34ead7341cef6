package model

import "time"

// WorkerKind distinguishes tenant workers from privileged system workers.
type WorkerKind string

// Worker kinds.
const (
	KindUser  WorkerKind = "user"
	KindMain  WorkerKind = "main"
	KindEvent WorkerKind = "event"
)

// IsUser reports whether workers of this kind run tenant code and are
// subject to CPU governance.
func (k WorkerKind) IsUser() bool {
	return k == KindUser
}

// Worker status constants.
const (
	StatusBooting = "booting"
	StatusRunning = "running"
	StatusRetired = "retired"
)

// validTransitions maps each status to the set of statuses it may transition to.
var validTransitions = map[string]map[string]bool{
	StatusBooting: {
		StatusRunning: true,
		StatusRetired: true,
	},
	StatusRunning: {
		StatusRetired: true,
	},
}

// ValidTransition reports whether transitioning from one status to another is allowed.
func ValidTransition(from, to string) bool {
	targets, ok := validTransitions[from]
	if !ok {
		return false
	}
	return targets[to]
}

// WorkerRecord is the persisted view of a worker.
type WorkerRecord struct {
	Key         string     `json:"key"`
	Kind        WorkerKind `json:"kind"`
	Runtime     string     `json:"runtime"`
	ServicePath string     `json:"service_path"`
	Status      string     `json:"status"`
	CPUTimeMS   *int64     `json:"cpu_time_ms,omitempty"`
	LastEvent   string     `json:"last_event,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	BootedAt    *time.Time `json:"booted_at,omitempty"`
	RetiredAt   *time.Time `json:"retired_at,omitempty"`
}
