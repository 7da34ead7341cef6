package model

// PoolMsgKind selects what the pool registry does with a message.
type PoolMsgKind int

// Pool message kinds.
const (
	// PoolShutdown asks the registry to forget the worker and release
	// everything keyed by it.
	PoolShutdown PoolMsgKind = iota
	// PoolRetire asks the registry to stop routing new connections to the
	// worker so it can drain.
	PoolRetire
)

func (k PoolMsgKind) String() string {
	switch k {
	case PoolShutdown:
		return "shutdown"
	case PoolRetire:
		return "retire"
	default:
		return "unknown"
	}
}

// PoolMsg is an instruction sent to the pool registry.
type PoolMsg struct {
	Kind PoolMsgKind
	Key  WorkerKey
}
