// Package backend defines the execution engine contract the worker lifecycle
// is built against: booting an engine instance, handing it a stream of
// connections, interrupting its loop from other goroutines and sampling its
// CPU time. Engines (wazero, Firecracker) live in sub-packages.
package backend
