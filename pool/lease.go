package pool

import "sync/atomic"

// Lease grants exclusive use of one unit of a slot's capacity. It is a
// single-use token: Recycle returns the unit to the pool exactly once.
// Recycling a Lease a second time is a programming error and returns
// ErrInvalidRecycle instead of corrupting pool state.
//
// A Lease holds a back-reference to its slot by id only, never by pointer,
// so it never extends the slot's lifetime; if the slot was removed before
// Recycle is called, Recycle still marks the lease used but returns the
// capacity nowhere.
type Lease struct {
	pool   *Pool
	slotID int64
	conn   interface{}
	used   atomic.Bool
}

// Conn returns the connection this lease grants use of. Callers must not
// retain the value beyond Recycle.
func (l *Lease) Conn() interface{} {
	return l.conn
}

// Recycle returns this lease's unit of capacity to the pool. It is safe to
// call from any goroutine. The first call always succeeds from the
// caller's point of view (even if the underlying slot has since been
// removed, in which case the capacity simply isn't returned anywhere); only
// a second call on the same Lease fails.
func (l *Lease) Recycle() error {
	if !l.used.CompareAndSwap(false, true) {
		return ErrInvalidRecycle
	}

	l.pool.exec.submit(func() {
		l.pool.doRecycle(l.slotID)
	})

	return nil
}
