package backend

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/seantiz/hearth/internal/queue"
)

// ErrTerminated is returned by Serve when the engine was forcibly stopped,
// either through Terminate or by cancelling the serve context.
var ErrTerminated = errors.New("runtime terminated")

// UncaughtError wraps a fault raised by tenant code that the engine could
// not contain. Serve returns it as-is and stops accepting work.
type UncaughtError struct {
	Err error
}

func (e *UncaughtError) Error() string {
	return fmt.Sprintf("uncaught exception: %v", e.Err)
}

func (e *UncaughtError) Unwrap() error { return e.Err }

// Conn is one inbound connection handed to an engine. Liveness, when set, is
// closed by the caller once the remote peer has gone away.
type Conn struct {
	Stream   net.Conn
	Liveness <-chan struct{}
}

// CPUUsage is a monotonic accumulated CPU time sample for one engine instance.
type CPUUsage struct {
	Total time.Duration
}

// CallEvent marks the engine starting or finishing one connection.
type CallEvent struct {
	Started bool
	At      time.Time
}

// ServeHooks carries optional outputs an engine feeds while serving.
type ServeHooks struct {
	// CPUUsage receives periodic samples. Nil disables sampling.
	CPUUsage *queue.Unbounded[CPUUsage]
	// Calls receives a start and a finish event for every connection the
	// engine serves, in order.
	Calls *queue.Unbounded[CallEvent]
}

// Interrupter is the thread-safe handle to an engine's loop. The callback
// runs on the loop goroutine between units of work, where it may use the
// owner-only Runtime methods. RequestInterrupt returns false when the
// callback could not be scheduled.
type Interrupter interface {
	RequestInterrupt(fn func(Runtime)) bool
}

// Runtime is one booted engine instance.
type Runtime interface {
	// Serve runs the engine loop until conns is closed and drained, tenant
	// code raises an UncaughtError, or the engine is terminated.
	Serve(ctx context.Context, conns *queue.Unbounded[Conn], hooks ServeHooks) error

	// Interrupter returns the handle other goroutines use to reach the loop.
	Interrupter() Interrupter

	// CPUTime, Terminate and Stats are owner-only: call them from an
	// interrupt callback or after Serve has returned.
	CPUTime() time.Duration
	Terminate()
	Stats() RuntimeStats

	// Close releases engine resources. Safe to call once Serve has returned.
	Close(ctx context.Context) error
}

// Booter creates engine instances for one runtime kind.
type Booter interface {
	Boot(ctx context.Context, opts BootOptions) (Runtime, error)
	Capabilities() Capabilities
}

// BootOptions describes the code an engine instance is booted with.
type BootOptions struct {
	Name        string            `json:"name"`
	ServicePath string            `json:"service_path"`
	Module      []byte            `json:"module,omitempty"`
	Code        string            `json:"code,omitempty"`
	Entrypoint  string            `json:"entrypoint,omitempty"`
	Env         map[string]string `json:"env,omitempty"`
	MemLimitMB  int               `json:"mem_limit_mb,omitempty"`
}

// Capabilities describes what an engine supports.
type Capabilities struct {
	Name              string   `json:"name"`
	Isolation         string   `json:"isolation"`
	SupportedRuntimes []string `json:"supported_runtimes"`
	MaxConcurrency    int      `json:"max_concurrency"`
}

// RuntimeStats is a point-in-time snapshot of one engine instance.
type RuntimeStats struct {
	CPUTime        time.Duration `json:"cpu_time_ns"`
	CallsStarted   uint64        `json:"calls_started"`
	CallsCompleted uint64        `json:"calls_completed"`
	Busy           bool          `json:"busy"`
	MemoryBytes    uint64        `json:"memory_bytes"`
}
