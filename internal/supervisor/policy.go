package supervisor

import (
	"errors"
	"fmt"
	"time"
)

// PolicyKind selects how CPU time is accounted.
type PolicyKind int

const (
	// PerWorker charges all CPU time against one whole-lifetime budget.
	PerWorker PolicyKind = iota
	// PerRequest charges CPU time against a window that resets at each
	// request boundary.
	PerRequest
)

func (k PolicyKind) String() string {
	switch k {
	case PerWorker:
		return "per_worker"
	case PerRequest:
		return "per_request"
	default:
		return "unknown"
	}
}

// ParsePolicyKind parses "per_worker" or "per_request".
func ParsePolicyKind(s string) (PolicyKind, error) {
	switch s {
	case "per_worker":
		return PerWorker, nil
	case "per_request":
		return PerRequest, nil
	default:
		return 0, fmt.Errorf("unknown policy kind %q", s)
	}
}

// Boundary decides which window the first CPU delta observed after a
// request boundary is charged to. Samples arrive asynchronously, so that
// delta may straddle the boundary.
type Boundary int

const (
	// ChargeNewWindow charges the straddling delta to the request that just started.
	ChargeNewWindow Boundary = iota
	// ChargeOldWindow charges it to the window that just closed.
	ChargeOldWindow
)

func (b Boundary) String() string {
	switch b {
	case ChargeNewWindow:
		return "new_window"
	case ChargeOldWindow:
		return "old_window"
	default:
		return "unknown"
	}
}

// ParseBoundary parses "new_window" or "old_window".
func ParseBoundary(s string) (Boundary, error) {
	switch s {
	case "new_window":
		return ChargeNewWindow, nil
	case "old_window":
		return ChargeOldWindow, nil
	default:
		return 0, fmt.Errorf("unknown boundary convention %q", s)
	}
}

// Policy is the immutable governance configuration attached to a worker.
type Policy struct {
	Kind PolicyKind `json:"kind"`

	// CPUBudget is the ceiling for the lifetime (PerWorker) or for one
	// window (PerRequest). Zero means unlimited.
	CPUBudget time.Duration `json:"cpu_budget_ns"`

	// WallClockLimit bounds the worker lifetime (PerWorker) or a single
	// request window while requests are in flight (PerRequest). Zero means unlimited.
	WallClockLimit time.Duration `json:"wall_clock_limit_ns"`

	Boundary Boundary `json:"boundary"`
}

// Validate reports a malformed policy.
func (p Policy) Validate() error {
	if p.Kind != PerWorker && p.Kind != PerRequest {
		return fmt.Errorf("invalid policy kind %d", p.Kind)
	}
	if p.Boundary != ChargeNewWindow && p.Boundary != ChargeOldWindow {
		return fmt.Errorf("invalid boundary %d", p.Boundary)
	}
	if p.CPUBudget < 0 || p.WallClockLimit < 0 {
		return errors.New("policy limits must not be negative")
	}
	return nil
}
