package pool

import "context"

// ConnectResult is what a Connector reports when a connect attempt succeeds.
type ConnectResult struct {
	// Conn is the opaque connection value. The pool never inspects it;
	// it is handed back to callers unchanged through Lease.Conn.
	Conn interface{}
	// MaxCapacity is the number of concurrent leases this connection can
	// serve (1 for a non-multiplexed transport, >1 for a multiplexed one).
	MaxCapacity int
	// Weight is this slot's share of the pool's global weight budget.
	// It need not equal MaxCapacity; weight and capacity are independent.
	Weight int
}

// Listener is handed to a Connector for the lifetime of one slot. The
// connector calls it when the remote end of an already-established
// connection changes state out from under the pool.
type Listener interface {
	// OnRemove reports that the connection is gone (closed, reset, or
	// otherwise unusable). The pool detaches the slot; any leases still
	// outstanding on it become no-ops on recycle.
	OnRemove()
	// OnConcurrencyChange reports that the connection's concurrent
	// capacity changed (e.g. a multiplexed transport renegotiated its
	// stream limit). The pool adjusts capacity, respecting outstanding
	// leases: it will never report negative free capacity.
	OnConcurrencyChange(newMaxCapacity int)
}

// Connector is the pool's sole collaborator for opening connections. It is
// expected to own all transport concerns (dialing, TLS, handshaking); the
// pool only ever calls Connect and IsValid.
//
// Connect must eventually invoke callback exactly once, with either a
// successful ConnectResult or a non-nil error. The callback may be invoked
// synchronously or from another goroutine; either way it re-enters the pool
// as a fresh, serialized action, so Connect implementations never need to
// know anything about the pool's concurrency discipline.
type Connector interface {
	Connect(ctx context.Context, listener Listener, callback func(ConnectResult, error))
	// IsValid is a pure, defensive health check the pool's callers may
	// invoke before trusting a lease's connection. The pool itself never
	// calls it; it exists for connector-aware callers (e.g. Selector
	// implementations) that want to skip over suspect slots.
	IsValid(conn interface{}) bool
}
