package model

import (
	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

// NewID generates a new ULID string for use as a record identifier.
func NewID() string {
	return ulid.Make().String()
}

// WorkerKey identifies a tenant-isolated worker for its whole lifetime.
type WorkerKey = uuid.UUID

// NewWorkerKey returns a fresh 128-bit random worker identity.
func NewWorkerKey() WorkerKey {
	return uuid.New()
}

// ParseWorkerKey parses the canonical string form of a worker key.
func ParseWorkerKey(s string) (WorkerKey, error) {
	return uuid.Parse(s)
}
