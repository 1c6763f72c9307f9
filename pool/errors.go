package pool

import "errors"

// Logical error kinds returned by Pool operations. Connector failures are
// propagated verbatim (wrapped) rather than mapped to one of these.
var (
	// ErrPoolClosed is returned by any operation attempted after Close.
	ErrPoolClosed = errors.New("pool: closed")
	// ErrPoolTooBusy is returned when a waiter cannot bind to a slot,
	// cannot trigger a new connect attempt, and the waiter queue is full.
	ErrPoolTooBusy = errors.New("pool: too busy")
	// ErrInvalidRecycle is returned by Lease.Recycle when the lease has
	// already been recycled once. Recycling a lease twice is a
	// programming error; it never corrupts pool state.
	ErrInvalidRecycle = errors.New("pool: lease already recycled")
	// ErrInvalidWeight is passed to the acquire callback when Acquire is
	// called with a weight outside [1, MaxWeight]. The check runs on the
	// caller's goroutine, before anything reaches the executor, and
	// Acquire then returns a nil *Waiter.
	ErrInvalidWeight = errors.New("pool: invalid weight")
)
