package pool

import "sync"

// executor is the pool's single-writer actor. It guarantees that pool
// mutations never run concurrently with each other and never hold a lock
// across a user callback, without dedicating a goroutine to draining a
// channel for the lifetime of the pool.
//
// submit either runs action inline, on the calling goroutine, if the
// executor is currently idle, or appends it to the queue to be drained by
// whichever goroutine is currently running actions. This is a trampoline:
// the goroutine that finds the executor idle keeps draining newly-queued
// actions until the queue empties, then marks the executor idle again and
// returns. No goroutine ever blocks waiting for another to drain the
// queue.
type executor struct {
	mu      sync.Mutex
	queue   []func()
	running bool
}

func (e *executor) submit(action func()) {
	e.mu.Lock()

	if e.running {
		e.queue = append(e.queue, action)
		e.mu.Unlock()

		return
	}

	e.running = true
	e.mu.Unlock()

	e.drain(action)
}

// drain runs first, then keeps pulling and running actions appended to the
// queue (by submit calls that arrived while we were busy, including
// re-entrant ones from within an action we just ran) until none remain.
func (e *executor) drain(first func()) {
	action := first

	for {
		action()

		e.mu.Lock()

		if len(e.queue) == 0 {
			e.running = false
			e.mu.Unlock()

			return
		}

		action = e.queue[0]
		e.queue = e.queue[1:]
		e.mu.Unlock()
	}
}
